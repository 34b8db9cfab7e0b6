package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// RecordPolicy defines when a new fingerprint is committed to the checksum store
type RecordPolicy string

const (
	// RecordOnBuild commits as soon as the archive is built. A failed
	// delivery is not retried on the next cycle.
	RecordOnBuild RecordPolicy = "on-build"
	// RecordOnDelivery commits only after the webhook accepted the archive.
	RecordOnDelivery RecordPolicy = "on-delivery"
)

const (
	DefaultInterval       = 5 * time.Minute
	DefaultMaxArchiveSize = "8MiB"
	DefaultWebhookTimeout = 60 * time.Second
)

// Config represents the complete corvo configuration
type Config struct {
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
	Monitor MonitorConfig `yaml:"monitor,omitempty"`
	Paths   PathsConfig   `yaml:"paths,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Games   Games         `yaml:"games"`

	// raw holds the values as decoded, before env expansion and defaults
	raw *Config
}

// WebhookConfig configures the delivery endpoint
type WebhookConfig struct {
	URL     string        `yaml:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// MonitorConfig configures the polling loop
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval,omitempty"`
	MaxArchiveSize string        `yaml:"max_archive_size,omitempty"`
	RecordPolicy   RecordPolicy  `yaml:"record_policy,omitempty"`
	TempDir        string        `yaml:"temp_dir,omitempty"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir,omitempty"`
}

// MetricsConfig configures the optional Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// Load reads and parses the configuration file. A missing or empty file
// yields a default configuration with no games and no webhook.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// first run
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	raw := cfg
	raw.Games = append(Games(nil), cfg.Games...)
	cfg.raw = &raw

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to path, replacing the previous file
// atomically. Values loaded with $VARS or left to defaults are written back
// the way they were read.
func (c *Config) Save(path string) error {
	path = os.ExpandEnv(path)

	out := c.unresolved()
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".corvo-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// unresolved returns a copy of c where every field still equal to its
// expanded or defaulted form is put back to the value originally decoded.
func (c *Config) unresolved() Config {
	out := *c
	out.raw = nil
	out.Games = append(Games(nil), c.Games...)
	if c.raw == nil {
		return out
	}
	raw := c.raw

	var defaults Config
	defaults.applyDefaults()

	out.Webhook.URL = unexpand(raw.Webhook.URL, c.Webhook.URL)
	if raw.Webhook.Timeout == 0 && c.Webhook.Timeout == defaults.Webhook.Timeout {
		out.Webhook.Timeout = 0
	}
	if raw.Monitor.Interval == 0 && c.Monitor.Interval == defaults.Monitor.Interval {
		out.Monitor.Interval = 0
	}
	if raw.Monitor.MaxArchiveSize == "" && c.Monitor.MaxArchiveSize == defaults.Monitor.MaxArchiveSize {
		out.Monitor.MaxArchiveSize = ""
	}
	if raw.Monitor.RecordPolicy == "" && c.Monitor.RecordPolicy == defaults.Monitor.RecordPolicy {
		out.Monitor.RecordPolicy = ""
	}
	out.Monitor.TempDir = undefault(unexpand(raw.Monitor.TempDir, c.Monitor.TempDir), raw.Monitor.TempDir, defaults.Monitor.TempDir)
	out.Paths.StateDir = undefault(unexpand(raw.Paths.StateDir, c.Paths.StateDir), raw.Paths.StateDir, defaults.Paths.StateDir)
	out.Metrics.ListenAddr = unexpand(raw.Metrics.ListenAddr, c.Metrics.ListenAddr)

	for i, g := range out.Games {
		if orig, ok := raw.Games.Find(g.Name); ok {
			out.Games[i].SaveDir = unexpand(orig.SaveDir, g.SaveDir)
		}
	}
	return out
}

// unexpand returns raw when expanding it still yields current
func unexpand(raw, current string) string {
	if raw != "" && os.ExpandEnv(raw) == current {
		return raw
	}
	return current
}

// undefault clears a value that was never set and still holds its default
func undefault(current, raw, def string) string {
	if raw == "" && current == def {
		return ""
	}
	return current
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Webhook.URL = os.ExpandEnv(c.Webhook.URL)
	c.Monitor.TempDir = os.ExpandEnv(c.Monitor.TempDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Metrics.ListenAddr = os.ExpandEnv(c.Metrics.ListenAddr)
	for i := range c.Games {
		c.Games[i].SaveDir = os.ExpandEnv(c.Games[i].SaveDir)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = DefaultWebhookTimeout
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = DefaultInterval
	}
	if c.Monitor.MaxArchiveSize == "" {
		c.Monitor.MaxArchiveSize = DefaultMaxArchiveSize
	}
	if c.Monitor.RecordPolicy == "" {
		c.Monitor.RecordPolicy = RecordOnDelivery
	}
	if c.Monitor.TempDir == "" {
		c.Monitor.TempDir = filepath.Join(os.TempDir(), "corvo")
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaultStateDir()
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "corvo")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "corvo-state")
	}
	return filepath.Join(home, ".local", "state", "corvo")
}

// Validate checks the configuration for errors. A missing webhook URL is
// valid here; the monitor refuses to start without one.
func (c *Config) Validate() error {
	if c.Webhook.URL != "" {
		if err := validateWebhookURL(c.Webhook.URL); err != nil {
			return err
		}
	}
	if c.Webhook.Timeout < 0 {
		return fmt.Errorf("webhook.timeout must not be negative")
	}

	if c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval must be at least 1s, got %s", c.Monitor.Interval)
	}
	if _, err := c.MaxArchiveBytes(); err != nil {
		return err
	}

	switch c.Monitor.RecordPolicy {
	case RecordOnBuild, RecordOnDelivery:
		// valid
	default:
		return fmt.Errorf("invalid monitor.record_policy: %s (must be on-build or on-delivery)", c.Monitor.RecordPolicy)
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	seen := make(map[string]bool, len(c.Games))
	for _, game := range c.Games {
		if game.Name == "" {
			return fmt.Errorf("games: name must not be empty")
		}
		if seen[game.Name] {
			return fmt.Errorf("games: duplicate game %q", game.Name)
		}
		seen[game.Name] = true
		if game.SaveDir == "" {
			return fmt.Errorf("games.%s.save_dir is required", game.Name)
		}
	}

	return nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook.url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook.url has no host")
	}
	return nil
}

// MaxArchiveBytes returns the parsed archive payload cap
func (c *Config) MaxArchiveBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Monitor.MaxArchiveSize)
	if err != nil {
		return 0, fmt.Errorf("invalid monitor.max_archive_size %q: %w", c.Monitor.MaxArchiveSize, err)
	}
	if n == 0 || n > 1<<40 {
		return 0, fmt.Errorf("monitor.max_archive_size out of range: %s", c.Monitor.MaxArchiveSize)
	}
	return int64(n), nil
}

// StateFilePath returns the path to the checksum state file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "checksums.json")
}

// HasWebhook reports whether a delivery endpoint is configured
func (c *Config) HasWebhook() bool {
	return c.Webhook.URL != ""
}

// AddGame appends a new tracked game
func (c *Config) AddGame(name, saveDir string) error {
	if name == "" {
		return errors.NotValidf("empty game name")
	}
	if saveDir == "" {
		return errors.NotValidf("empty save directory for %q", name)
	}
	if _, ok := c.Games.Find(name); ok {
		return errors.AlreadyExistsf("game %q", name)
	}
	c.Games = append(c.Games, Game{Name: name, SaveDir: saveDir})
	return nil
}

// RemoveGame drops a tracked game, keeping the order of the others
func (c *Config) RemoveGame(name string) error {
	idx := c.Games.index(name)
	if idx < 0 {
		return errors.NotFoundf("game %q", name)
	}
	c.Games = append(c.Games[:idx], c.Games[idx+1:]...)
	return nil
}

// EditGame renames a game and/or points it at a new save directory. The
// stored checksum seed is cleared when the directory changes.
func (c *Config) EditGame(name, newName, newSaveDir string) error {
	idx := c.Games.index(name)
	if idx < 0 {
		return errors.NotFoundf("game %q", name)
	}
	if newName != "" && newName != name {
		if _, ok := c.Games.Find(newName); ok {
			return errors.AlreadyExistsf("game %q", newName)
		}
		c.Games[idx].Name = newName
	}
	if newSaveDir != "" && newSaveDir != c.Games[idx].SaveDir {
		c.Games[idx].SaveDir = newSaveDir
		c.Games[idx].Checksum = ""
	}
	return nil
}
