package organizer

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full organizer configuration.
type Config struct {
	// SourceDirectory is the inbox scanned recursively for *.xml files.
	SourceDirectory string `yaml:"source_directory"`
	// DestinationDirectory is the archive root (often a network mount).
	DestinationDirectory string `yaml:"destination_directory"`
	// DataRoot is the parent of the staging areas (quarantine, processing,
	// failed, dead_letter), the catalog database and the audit log.
	DataRoot string `yaml:"data_root"`

	MaxWorkers       int     `yaml:"max_workers"`
	ScanIntervalS    int     `yaml:"scan_interval_s"`
	BatchSize        int     `yaml:"batch_size"`
	MaxRetryAttempts int     `yaml:"max_retry_attempts"`
	RetryDelayBaseS  float64 `yaml:"retry_delay_base_s"`
	ReconciliationS  int     `yaml:"reconciliation_interval_s"`

	// ProcessTimeoutS bounds one file's processing, excluding retry sleeps
	// (those are added on top when computing the per-file budget).
	ProcessTimeoutS int `yaml:"process_timeout_s"`
	// QuarantineStaleS is how old a quarantine file must be before the
	// reconciler re-feeds it.
	QuarantineStaleS int `yaml:"quarantine_stale_s"`
	// StuckAuditM is how long an audit may sit in an intermediate state
	// before the reconciler treats it as stuck, in minutes.
	StuckAuditM int `yaml:"stuck_audit_m"`
	// AuditRetentionDays deletes completed audit rows older than this after
	// each reconciliation. 0 disables cleanup.
	AuditRetentionDays int `yaml:"audit_retention_days"`
	// WatchInbox enables fsnotify-triggered early scans of the inbox.
	WatchInbox bool `yaml:"watch_inbox"`

	DBPath       string `yaml:"db_path"`
	AuditLogPath string `yaml:"audit_log_path"`
}

// DefaultConfig returns sane defaults. SourceDirectory and
// DestinationDirectory have no default and must be set.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:       4,
		ScanIntervalS:    30,
		BatchSize:        50,
		MaxRetryAttempts: 5,
		RetryDelayBaseS:  2,
		ReconciliationS:  300,
		ProcessTimeoutS:  60,
		QuarantineStaleS: 300,
		StuckAuditM:      10,
		WatchInbox:       true,
	}
}

// LoadConfig reads and parses a YAML config file, merged over DefaultConfig
// and environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from well-known environment variables so the
// organizer can run without a config file in containerized deployments.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SOURCE_DIRECTORY"); v != "" {
		c.SourceDirectory = v
	}
	if v := os.Getenv("DESTINATION_NETWORK_DIRECTORY"); v != "" {
		c.DestinationDirectory = v
	}
	if v := os.Getenv("DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v, ok := envInt("MAX_WORKERS"); ok {
		c.MaxWorkers = v
	}
	if v, ok := envInt("SCAN_INTERVAL"); ok {
		c.ScanIntervalS = v
	}
	if v, ok := envInt("BATCH_SIZE"); ok {
		c.BatchSize = v
	}
	if v, ok := envInt("MAX_RETRY_ATTEMPTS"); ok {
		c.MaxRetryAttempts = v
	}
	if v := os.Getenv("RETRY_DELAY_BASE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RetryDelayBaseS = f
		}
	}
	if v, ok := envInt("RECONCILIATION_INTERVAL"); ok {
		c.ReconciliationS = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.SourceDirectory == "" {
		return fmt.Errorf("source_directory is required")
	}
	if c.DestinationDirectory == "" {
		return fmt.Errorf("destination_directory is required")
	}
	if c.DataRoot == "" {
		return fmt.Errorf("data_root is required")
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be > 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("max_retry_attempts must be > 0")
	}
	if c.RetryDelayBaseS < 0 {
		return fmt.Errorf("retry_delay_base_s must be >= 0")
	}
	return nil
}

// Staging area paths under DataRoot.

func (c *Config) QuarantineDir() string { return filepath.Join(c.DataRoot, "quarantine") }
func (c *Config) ProcessingDir() string { return filepath.Join(c.DataRoot, "processing") }
func (c *Config) FailedDir() string     { return filepath.Join(c.DataRoot, "failed") }
func (c *Config) DeadLetterDir() string { return filepath.Join(c.DataRoot, "dead_letter") }

// CatalogPath is the SQLite catalog location.
func (c *Config) CatalogPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataRoot, "xml_organizer.db")
}

// AuditLog is the append-only audit event log location.
func (c *Config) AuditLog() string {
	if c.AuditLogPath != "" {
		return c.AuditLogPath
	}
	return filepath.Join(c.DataRoot, "audit.log")
}

func (c *Config) ScanInterval() time.Duration           { return time.Duration(c.ScanIntervalS) * time.Second }
func (c *Config) ReconciliationInterval() time.Duration { return time.Duration(c.ReconciliationS) * time.Second }
func (c *Config) QuarantineStale() time.Duration        { return time.Duration(c.QuarantineStaleS) * time.Second }
func (c *Config) StuckAuditAge() time.Duration          { return time.Duration(c.StuckAuditM) * time.Minute }

// RetryBackoff returns the sleep between attempt k and k+1: base^k seconds.
func (c *Config) RetryBackoff(k int) time.Duration {
	return time.Duration(math.Pow(c.RetryDelayBaseS, float64(k)) * float64(time.Second))
}

// FileBudget is the per-file processing deadline: the processing timeout
// expanded to cover every retry sleep.
func (c *Config) FileBudget() time.Duration {
	budget := time.Duration(c.ProcessTimeoutS) * time.Second
	for k := 1; k < c.MaxRetryAttempts; k++ {
		budget += c.RetryBackoff(k)
	}
	return budget
}
