// Package monitor runs the backup cycle: fingerprint every tracked game,
// archive and deliver the ones that changed, then wait for the next cycle.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/celarini/corvo/internal/archive"
	"github.com/celarini/corvo/internal/config"
	"github.com/celarini/corvo/internal/fingerprint"
	"github.com/celarini/corvo/internal/metrics"
)

// ErrWebhookNotConfigured is returned when monitoring is requested without
// a delivery endpoint.
const ErrWebhookNotConfigured = errors.ConstError("webhook URL is not configured")

// pollInterval is the granularity at which cancellation is observed while
// waiting between cycles.
const pollInterval = time.Second

// Fingerprinter computes the digest of a save folder
type Fingerprinter interface {
	Compute(dir string) (*fingerprint.Result, error)
}

// ArchiveBuilder packs a save folder into a temporary archive
type ArchiveBuilder interface {
	Build(game, sourceDir string) (*archive.Archive, error)
}

// ChecksumStore remembers the last backed-up fingerprint per game
type ChecksumStore interface {
	ShouldBackup(game string, current fingerprint.Fingerprint) bool
	Record(game string, fp fingerprint.Fingerprint) error
}

// Sink delivers an archive; nil means the endpoint accepted it
type Sink interface {
	Deliver(ctx context.Context, archivePath string) error
}

// Reporter is told about progress, e.g. to print console status lines
type Reporter interface {
	ItemProcessed(result ItemResult)
	Waiting(next time.Duration)
}

// Deps are the collaborators of a Monitor. Clock, Metrics and Reporter are optional.
type Deps struct {
	Fingerprinter Fingerprinter
	Builder       ArchiveBuilder
	Store         ChecksumStore
	Sink          Sink
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Reporter      Reporter
}

// Monitor orchestrates backup cycles over the configured games
type Monitor struct {
	cfg      config.Config
	deps     Deps
	clock    clock.Clock
	reporter Reporter
	logger   *slog.Logger
	dryRun   bool
}

// New creates a Monitor working on a snapshot of cfg. Later changes to cfg
// are not observed.
func New(cfg *config.Config, deps Deps, logger *slog.Logger, dryRun bool) *Monitor {
	snapshot := *cfg
	snapshot.Games = append(config.Games(nil), cfg.Games...)
	if snapshot.Monitor.RecordPolicy == "" {
		snapshot.Monitor.RecordPolicy = config.RecordOnDelivery
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}

	return &Monitor{
		cfg:      snapshot,
		deps:     deps,
		clock:    clk,
		reporter: reporter,
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Run loops over cycles until ctx is cancelled. It refuses to start
// without a webhook URL. Cancellation is a normal stop and returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.cfg.HasWebhook() && !m.dryRun {
		m.logger.Error("cannot start monitoring", "error", ErrWebhookNotConfigured)
		return ErrWebhookNotConfigured
	}

	m.logger.Info("monitoring started",
		"games", len(m.cfg.Games),
		"interval", m.cfg.Monitor.Interval,
		"record_policy", m.cfg.Monitor.RecordPolicy,
		"dry_run", m.dryRun)

	for {
		m.runCycle(ctx)
		if !m.wait(ctx) {
			m.logger.Info("monitoring stopped")
			return nil
		}
	}
}

// RunOnce performs a single cycle and returns the per-game results
func (m *Monitor) RunOnce(ctx context.Context) ([]ItemResult, error) {
	if !m.cfg.HasWebhook() && !m.dryRun {
		m.logger.Error("cannot run backup check", "error", ErrWebhookNotConfigured)
		return nil, ErrWebhookNotConfigured
	}
	return m.runCycle(ctx), nil
}

// runCycle processes every game in configuration order. Cancellation is
// checked between games.
func (m *Monitor) runCycle(ctx context.Context) []ItemResult {
	results := make([]ItemResult, 0, len(m.cfg.Games))
	for _, game := range m.cfg.Games {
		if ctx.Err() != nil {
			m.logger.Info("cycle interrupted", "remaining", len(m.cfg.Games)-len(results))
			break
		}

		result := m.processGame(ctx, game)
		results = append(results, result)

		if m.deps.Metrics != nil {
			m.deps.Metrics.ObserveItem(string(result.Outcome))
		}
		m.reporter.ItemProcessed(result)
	}

	if m.deps.Metrics != nil {
		m.deps.Metrics.CycleDone(m.clock.Now())
	}
	m.logSummary(results)
	return results
}

// wait blocks for the configured interval, observing ctx once per second.
// It returns false when monitoring should stop.
func (m *Monitor) wait(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	ticks := int(m.cfg.Monitor.Interval / pollInterval)
	if ticks < 1 {
		ticks = 1
	}
	m.reporter.Waiting(time.Duration(ticks) * pollInterval)
	m.logger.Debug("waiting for next cycle", "seconds", ticks)

	for i := 0; i < ticks; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-m.clock.After(pollInterval):
		}
	}
	return ctx.Err() == nil
}

// processGame runs one game through fingerprint, build, deliver and
// cleanup. Errors and panics stay inside the returned result.
func (m *Monitor) processGame(ctx context.Context, game config.Game) (result ItemResult) {
	result.Game = game.Name
	logger := m.logger.With("game", game.Name)

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("unexpected panic: %v", r)
			logger.Error("unexpected failure", "error", result.Err)
		}
	}()

	fp, err := m.deps.Fingerprinter.Compute(game.SaveDir)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			logger.Warn("save directory not found", "dir", game.SaveDir)
			result.Outcome = OutcomeMissing
			return result
		}
		logger.Error("failed to fingerprint save directory", "dir", game.SaveDir, "error", err)
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}
	result.Fingerprint = fp.Fingerprint
	result.Skipped = len(fp.Skipped)

	if !m.deps.Store.ShouldBackup(game.Name, fp.Fingerprint) {
		logger.Info("no backup needed, files unchanged", "fingerprint", fp.Fingerprint.Short())
		result.Outcome = OutcomeUnchanged
		return result
	}

	if m.dryRun {
		logger.Info("[dry-run] would back up", "fingerprint", fp.Fingerprint.Short(), "files", fp.Files)
		result.Outcome = OutcomeWouldBackup
		return result
	}

	a, err := m.deps.Builder.Build(game.Name, game.SaveDir)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			logger.Warn("save directory disappeared before archiving", "dir", game.SaveDir)
			result.Outcome = OutcomeMissing
			return result
		}
		logger.Error("failed to build archive", "error", err)
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}
	defer func() {
		if err := a.Remove(); err != nil {
			logger.Warn("failed to remove temporary archive", "dir", a.Dir, "error", err)
		}
	}()

	result.Entries = len(a.Written)
	result.Bytes = a.WrittenBytes
	result.Excluded = a.Manifest.Excluded
	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveArchive(a.WrittenBytes)
	}

	policy := m.cfg.Monitor.RecordPolicy
	if policy == config.RecordOnBuild {
		m.record(logger, &result, game.Name, fp.Fingerprint)
	}

	start := m.clock.Now()
	err = m.deps.Sink.Deliver(ctx, a.Path)
	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveDelivery(m.clock.Now().Sub(start), err)
	}
	if err != nil {
		result.Outcome = OutcomeDeliveryFailed
		result.Err = err
		if policy == config.RecordOnBuild {
			logger.Error("backup delivery failed, change will not be retried", "error", err)
		} else {
			logger.Error("backup delivery failed, will retry next cycle", "error", err)
		}
		return result
	}

	result.Outcome = OutcomeDelivered
	logger.Info("backup delivered", "entries", result.Entries, "bytes", result.Bytes)

	if policy == config.RecordOnDelivery {
		m.record(logger, &result, game.Name, fp.Fingerprint)
	}
	return result
}

func (m *Monitor) record(logger *slog.Logger, result *ItemResult, game string, fp fingerprint.Fingerprint) {
	if err := m.deps.Store.Record(game, fp); err != nil {
		logger.Error("failed to record checksum", "error", err)
		result.Err = fmt.Errorf("failed to record checksum: %w", err)
		return
	}
	result.Recorded = true
}

func (m *Monitor) logSummary(results []ItemResult) {
	counts := make(map[Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
	}
	m.logger.Info("cycle complete",
		"games", len(results),
		"delivered", counts[OutcomeDelivered],
		"unchanged", counts[OutcomeUnchanged],
		"missing", counts[OutcomeMissing],
		"delivery_failed", counts[OutcomeDeliveryFailed],
		"failed", counts[OutcomeFailed])
}

type nopReporter struct{}

func (nopReporter) ItemProcessed(ItemResult) {}
func (nopReporter) Waiting(time.Duration)    {}
