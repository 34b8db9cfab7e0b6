package monitor

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celarini/corvo/internal/archive"
	"github.com/celarini/corvo/internal/checksum"
	"github.com/celarini/corvo/internal/config"
	"github.com/celarini/corvo/internal/fingerprint"
	"github.com/celarini/corvo/internal/metrics"
	"github.com/celarini/corvo/internal/testutil"
)

// fakeSink records deliveries and the entry names of each archive.
type fakeSink struct {
	mu      sync.Mutex
	err     error
	entries [][]string
}

func (s *fakeSink) Deliver(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = zr.Close()
	}()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	s.entries = append(s.entries, names)
	return s.err
}

func (s *fakeSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// panickyFingerprinter blows up for one directory and delegates otherwise.
type panickyFingerprinter struct {
	next    Fingerprinter
	panicOn string
}

func (p *panickyFingerprinter) Compute(dir string) (*fingerprint.Result, error) {
	if dir == p.panicOn {
		panic("corrupt save")
	}
	return p.next.Compute(dir)
}

// panickySink fails every delivery with a panic.
type panickySink struct{}

func (panickySink) Deliver(context.Context, string) error {
	panic("upload exploded")
}

// countingBuilder counts Build calls.
type countingBuilder struct {
	next  ArchiveBuilder
	built int
}

func (b *countingBuilder) Build(game, sourceDir string) (*archive.Archive, error) {
	b.built++
	return b.next.Build(game, sourceDir)
}

// chanReporter forwards reporter events to channels.
type chanReporter struct {
	items   chan ItemResult
	waiting chan time.Duration
}

func newChanReporter() *chanReporter {
	return &chanReporter{
		items:   make(chan ItemResult, 64),
		waiting: make(chan time.Duration, 64),
	}
}

func (r *chanReporter) ItemProcessed(result ItemResult) { r.items <- result }
func (r *chanReporter) Waiting(next time.Duration)      { r.waiting <- next }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

type fixture struct {
	cfg     *config.Config
	clock   *testclock.Clock
	store   *checksum.FileStore
	builder *countingBuilder
	sink    *fakeSink
	tmpRoot string
}

func newFixture(t *testing.T, policy config.RecordPolicy, games ...config.Game) *fixture {
	t.Helper()
	root := t.TempDir()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	store, err := checksum.Open(filepath.Join(root, "state", "checksums.json"), clk, testLogger())
	require.NoError(t, err)

	tmpRoot := filepath.Join(root, "tmp")
	return &fixture{
		cfg: &config.Config{
			Webhook: config.WebhookConfig{URL: "https://hooks.example.test/upload"},
			Monitor: config.MonitorConfig{
				Interval:     3 * time.Second,
				RecordPolicy: policy,
			},
			Games: games,
		},
		clock:   clk,
		store:   store,
		builder: &countingBuilder{next: archive.NewBuilder(tmpRoot, archive.DefaultMaxBytes, clk, testLogger())},
		sink:    &fakeSink{},
		tmpRoot: tmpRoot,
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Fingerprinter: fingerprint.New(testLogger()),
		Builder:       f.builder,
		Store:         f.store,
		Sink:          f.sink,
		Clock:         f.clock,
	}
}

func (f *fixture) monitor(dryRun bool) *Monitor {
	return New(f.cfg, f.deps(), testLogger(), dryRun)
}

func writeSave(t *testing.T, dir, name, content string) {
	t.Helper()
	testutil.WriteTree(t, dir, map[string]string{name: content})
}

func saveDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteTree(t, dir, files)
	return dir
}

func TestRunOnce_NoWebhook(t *testing.T) {
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: t.TempDir()})
	f.cfg.Webhook.URL = ""

	results, err := f.monitor(false).RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWebhookNotConfigured))
	assert.Nil(t, results)
	assert.Equal(t, 0, f.sink.calls())
}

func TestRun_NoWebhook(t *testing.T) {
	f := newFixture(t, config.RecordOnDelivery)
	f.cfg.Webhook.URL = ""

	err := f.monitor(false).Run(context.Background())
	assert.True(t, errors.Is(err, ErrWebhookNotConfigured))
}

func TestRunOnce_FirstBackupIsDelivered(t *testing.T) {
	dir := saveDir(t, map[string]string{
		"slot1.sav":         "alpha",
		"slot2.sav":         "beta",
		"profiles/main.cfg": "gamma",
	})
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: dir})

	results, err := f.monitor(false).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "Hollow", r.Game)
	assert.Equal(t, OutcomeDelivered, r.Outcome)
	assert.NoError(t, r.Err)
	assert.True(t, r.Recorded)
	assert.Equal(t, 3, r.Entries)
	assert.False(t, r.Failed())

	require.Equal(t, 1, f.sink.calls())
	assert.Equal(t, []string{"profiles/main.cfg", "slot1.sav", "slot2.sav"}, f.sink.entries[0])

	last, ok := f.store.Last("Hollow")
	require.True(t, ok)
	assert.Equal(t, r.Fingerprint, last)

	leftovers, err := os.ReadDir(f.tmpRoot)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporary archive must be removed after delivery")
}

func TestRunOnce_UnchangedSkipsBuildAndDelivery(t *testing.T) {
	dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: dir})
	m := f.monitor(false)

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)

	results, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, OutcomeUnchanged, results[0].Outcome)
	assert.Equal(t, 1, f.builder.built, "no archive for an unchanged game")
	assert.Equal(t, 1, f.sink.calls(), "no delivery for an unchanged game")
}

func TestRunOnce_ChangeTriggersNewBackup(t *testing.T) {
	dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: dir})
	m := f.monitor(false)

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)

	writeSave(t, dir, "slot2.sav", "beta")
	results, err := m.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDelivered, results[0].Outcome)
	assert.Equal(t, 2, f.sink.calls())
	assert.Equal(t, []string{"slot1.sav", "slot2.sav"}, f.sink.entries[1])
}

func TestRunOnce_MissingDirectoryDoesNotStopCycle(t *testing.T) {
	present := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery,
		config.Game{Name: "Gone", SaveDir: filepath.Join(t.TempDir(), "does-not-exist")},
		config.Game{Name: "Hollow", SaveDir: present},
	)

	results, err := f.monitor(false).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Gone", results[0].Game)
	assert.Equal(t, OutcomeMissing, results[0].Outcome)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, OutcomeDelivered, results[1].Outcome)
	assert.Equal(t, 1, f.builder.built)
}

func TestRunOnce_DeliveryFailure(t *testing.T) {
	tests := []struct {
		name         string
		policy       config.RecordPolicy
		wantRecorded bool
		wantRetry    bool
	}{
		{name: "on-delivery retries next cycle", policy: config.RecordOnDelivery, wantRecorded: false, wantRetry: true},
		{name: "on-build does not retry", policy: config.RecordOnBuild, wantRecorded: true, wantRetry: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
			f := newFixture(t, tt.policy, config.Game{Name: "Hollow", SaveDir: dir})
			f.sink.err = errors.New("endpoint returned 500")
			var logs bytes.Buffer
			m := New(f.cfg, f.deps(), bufferLogger(&logs), false)

			results, err := m.RunOnce(context.Background())
			require.NoError(t, err)
			require.Len(t, results, 1)

			leftovers, err := os.ReadDir(f.tmpRoot)
			require.NoError(t, err)
			assert.Empty(t, leftovers, "temporary archive must be removed after a failed delivery")
			assert.Contains(t, logs.String(), "delivery failed")

			r := results[0]
			assert.Equal(t, OutcomeDeliveryFailed, r.Outcome)
			assert.Error(t, r.Err)
			assert.True(t, r.Failed())
			assert.Equal(t, tt.wantRecorded, r.Recorded)
			_, recorded := f.store.Last("Hollow")
			assert.Equal(t, tt.wantRecorded, recorded)

			f.sink.err = nil
			results, err = m.RunOnce(context.Background())
			require.NoError(t, err)
			if tt.wantRetry {
				assert.Equal(t, OutcomeDelivered, results[0].Outcome)
				assert.Equal(t, 2, f.sink.calls())
			} else {
				assert.Equal(t, OutcomeUnchanged, results[0].Outcome)
				assert.Equal(t, 1, f.sink.calls())
			}
		})
	}
}

func TestRunOnce_SinkPanicStillRemovesArchive(t *testing.T) {
	dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: dir})
	deps := f.deps()
	deps.Sink = panickySink{}

	results, err := New(f.cfg, deps, testLogger(), false).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Error(t, results[0].Err)
	assert.False(t, results[0].Recorded)

	leftovers, err := os.ReadDir(f.tmpRoot)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRunOnce_EmptyDirectoryFirstRun(t *testing.T) {
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Foo", SaveDir: t.TempDir()})

	results, err := f.monitor(false).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, OutcomeDelivered, r.Outcome)
	assert.Equal(t, fingerprint.Empty, r.Fingerprint)
	assert.Equal(t, 0, r.Entries)
	require.Equal(t, 1, f.sink.calls())
	assert.Empty(t, f.sink.entries[0])
}

func TestRunOnce_PanicIsContained(t *testing.T) {
	bad := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	good := saveDir(t, map[string]string{"slot1.sav": "beta"})
	f := newFixture(t, config.RecordOnDelivery,
		config.Game{Name: "Broken", SaveDir: bad},
		config.Game{Name: "Hollow", SaveDir: good},
	)

	deps := f.deps()
	deps.Fingerprinter = &panickyFingerprinter{next: deps.Fingerprinter, panicOn: bad}
	m := New(f.cfg, deps, testLogger(), false)

	results, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	require.Error(t, results[0].Err)
	assert.True(t, strings.Contains(results[0].Err.Error(), "corrupt save"))
	assert.Equal(t, OutcomeDelivered, results[1].Outcome)
}

func TestRunOnce_CancelledBeforeFirstGame(t *testing.T) {
	dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: dir})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := f.monitor(false).RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, f.builder.built)
}

func TestRunOnce_DryRun(t *testing.T) {
	dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: dir})
	f.cfg.Webhook.URL = ""

	results, err := f.monitor(true).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, OutcomeWouldBackup, results[0].Outcome)
	assert.NotEmpty(t, results[0].Fingerprint)
	assert.Equal(t, 0, f.builder.built)
	assert.Equal(t, 0, f.sink.calls())
	_, recorded := f.store.Last("Hollow")
	assert.False(t, recorded)
}

func TestNew_UsesConfigSnapshot(t *testing.T) {
	dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: dir})
	m := f.monitor(false)

	f.cfg.Games = append(f.cfg.Games, config.Game{Name: "Late", SaveDir: dir})
	f.cfg.Games[0].Name = "Renamed"

	results, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Hollow", results[0].Game)
}

func TestRunOnce_Metrics(t *testing.T) {
	dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery,
		config.Game{Name: "Hollow", SaveDir: dir},
		config.Game{Name: "Gone", SaveDir: filepath.Join(t.TempDir(), "missing")},
	)
	reg := metrics.New()
	deps := f.deps()
	deps.Metrics = reg

	_, err := New(f.cfg, deps, testLogger(), false).RunOnce(context.Background())
	require.NoError(t, err)

	families, err := reg.Registry().Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	assert.True(t, found["corvo_items_total"])
	assert.True(t, found["corvo_cycles_total"])
	assert.True(t, found["corvo_archive_bytes"])
	assert.True(t, found["corvo_delivery_duration_seconds"])
}

func TestRun_CyclesUntilCancelled(t *testing.T) {
	dir := saveDir(t, map[string]string{"slot1.sav": "alpha"})
	f := newFixture(t, config.RecordOnDelivery, config.Game{Name: "Hollow", SaveDir: dir})
	reporter := newChanReporter()
	deps := f.deps()
	deps.Reporter = reporter
	m := New(f.cfg, deps, testLogger(), false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	first := <-reporter.items
	assert.Equal(t, OutcomeDelivered, first.Outcome)
	assert.Equal(t, 3*time.Second, <-reporter.waiting)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.clock.WaitAdvance(time.Second, 5*time.Second, 1))
	}

	second := <-reporter.items
	assert.Equal(t, OutcomeUnchanged, second.Outcome)
	<-reporter.waiting

	// one second into the wait, then stop
	require.NoError(t, f.clock.WaitAdvance(time.Second, 5*time.Second, 1))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	assert.Equal(t, 1, f.sink.calls())
}

func TestRun_StopsDuringFirstWait(t *testing.T) {
	f := newFixture(t, config.RecordOnDelivery)
	f.cfg.Monitor.Interval = time.Hour
	reporter := newChanReporter()
	deps := f.deps()
	deps.Reporter = reporter

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(f.cfg, deps, testLogger(), false).Run(ctx)
	}()

	assert.Equal(t, time.Hour, <-reporter.waiting)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
