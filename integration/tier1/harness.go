//go:build integration

package tier1

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/celarini/corvo/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the corvo binary and runs it against a local webhook sink
type Harness struct {
	t        *testing.T
	binary   string
	workDir  string
	Sink     *Sink
	keepWork bool
}

// NewHarness creates a new test harness with its own work directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	workDir, err := os.MkdirTemp("", "corvo-tier1-*")
	require.NoError(t, err, "create work dir")
	return &Harness{
		t:        t,
		workDir:  workDir,
		Sink:     NewSink(),
		keepWork: os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
}

// BuildBinary compiles ./cmd/corvo into the work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "corvo")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/corvo")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Cleanup stops the sink and removes the work directory
func (h *Harness) Cleanup() {
	h.t.Helper()
	h.Sink.Close()

	if h.keepWork && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, keeping %s", h.workDir)
		return
	}
	if err := os.RemoveAll(h.workDir); err != nil {
		h.t.Logf("Warning: failed to remove work dir: %v", err)
	}
}

// Path returns a path inside the work directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.workDir}, elem...)...)
}

// ConfigPath is the config file every command is pointed at
func (h *Harness) ConfigPath() string {
	return h.Path("config", "config.yaml")
}

// Command prepares a corvo invocation using the harness config
func (h *Harness) Command(ctx context.Context, args ...string) *exec.Cmd {
	args = append([]string{"--config", h.ConfigPath()}, args...)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "XDG_STATE_HOME="+h.Path("xdg-state"))
	return cmd
}

// Run executes corvo and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := h.Command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes corvo and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	require.NoError(h.t, err, "exec failed")
	require.Equal(h.t, 0, exitCode, "command failed\nstdout: %s\nstderr: %s\nargs: %v", stdout, stderr, args)
	return stdout, stderr
}

// WriteFile writes a file below the work directory
func (h *Harness) WriteFile(path, content string) {
	h.t.Helper()
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0755), "mkdir parent")
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0644), "write file")
}

// FileExists checks if a regular file exists
func (h *Harness) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Upload is one archive received by the sink
type Upload struct {
	Filename string
	Entries  []string
}

// String returns a human-readable representation
func (u Upload) String() string {
	return fmt.Sprintf("%s: %s", u.Filename, strings.Join(u.Entries, ", "))
}

// HasEntry checks if the archive contains name
func (u Upload) HasEntry(name string) bool {
	for _, e := range u.Entries {
		if e == name {
			return true
		}
	}
	return false
}

// Sink is a webhook endpoint that records uploaded archives
type Sink struct {
	server *httptest.Server

	mu      sync.Mutex
	status  int
	uploads []Upload
	notify  chan struct{}
}

// NewSink starts a sink that answers 204 until told otherwise
func NewSink() *Sink {
	s := &Sink{status: http.StatusNoContent, notify: make(chan struct{}, 16)}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL is the webhook URL to configure
func (s *Sink) URL() string {
	return s.server.URL + "/api/webhooks/1/token"
}

// SetStatus changes the status code returned for uploads
func (s *Sink) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

// Uploads returns the archives received so far
func (s *Sink) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Reset forgets received uploads and pending notifications
func (s *Sink) Reset() {
	s.mu.Lock()
	s.uploads = nil
	s.mu.Unlock()
	for {
		select {
		case <-s.notify:
		default:
			return
		}
	}
}

// WaitForUpload blocks until an upload arrives or timeout expires
func (s *Sink) WaitForUpload(timeout time.Duration) bool {
	select {
	case <-s.notify:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close shuts the sink down
func (s *Sink) Close() {
	s.server.Close()
}

func (s *Sink) handle(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer func() {
		_ = file.Close()
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upload := Upload{Filename: header.Filename}
	for _, f := range zr.File {
		upload.Entries = append(upload.Entries, f.Name)
	}
	sort.Strings(upload.Entries)

	s.mu.Lock()
	status := s.status
	if status == http.StatusOK || status == http.StatusNoContent {
		s.uploads = append(s.uploads, upload)
	}
	s.mu.Unlock()

	w.WriteHeader(status)
	if status == http.StatusOK || status == http.StatusNoContent {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
