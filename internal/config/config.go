// Package config loads the hive configuration: YAML file first, then
// HIVE_* environment overrides on top. Every tunable has a default so
// an empty config file (or none at all) yields a working colony.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Session      SessionConfig      `yaml:"session"`
	Protocol     ProtocolConfig     `yaml:"protocol"`
	Storage      StorageConfig      `yaml:"storage"`
	Logs         LogsConfig         `yaml:"logs"`
	Review       ReviewConfig       `yaml:"review"`
	AutoFix      AutoFixConfig      `yaml:"autofix"`
	QA           QAConfig           `yaml:"qa"`
	Git          GitConfig          `yaml:"git"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Reviewer     ReviewerConfig     `yaml:"reviewer"`
	Patterns     PatternsConfig     `yaml:"patterns"`
}

// SessionConfig maps agents onto tmux panes.
type SessionConfig struct {
	Name  string            `yaml:"name"`
	Panes map[string]string `yaml:"panes"`
}

// ProtocolConfig tunes footer polling.
type ProtocolConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CaptureTail  int           `yaml:"capture_tail"`
}

// StorageConfig locates the task store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LogsConfig locates the append-only event log.
type LogsConfig struct {
	Dir string `yaml:"dir"`
}

// ReviewConfig holds the decision thresholds.
type ReviewConfig struct {
	ApproveThreshold    float64 `yaml:"approve_threshold"`
	RejectThreshold     float64 `yaml:"reject_threshold"`
	EscalateThreshold   float64 `yaml:"escalate_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// AutoFixConfig bounds the fix loop.
type AutoFixConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// QAConfig holds routing thresholds and pool sizes.
type QAConfig struct {
	ComplexityThreshold    float64       `yaml:"complexity_threshold"`
	RAGConfidenceThreshold float64       `yaml:"rag_confidence_threshold"`
	FastPoolSize           int           `yaml:"fast_pool_size"`
	HeavyPoolSize          int           `yaml:"heavy_pool_size"`
	MonitorInterval        time.Duration `yaml:"monitor_interval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
}

// GitConfig holds the commit/PR pipeline settings.
type GitConfig struct {
	RepoPath   string `yaml:"repo_path"`
	BaseBranch string `yaml:"base_branch"`
	Remote     string `yaml:"remote"`
	PauseFile  string `yaml:"pause_file"`
	HoldLabel  string `yaml:"hold_label"`
	DryRun     bool   `yaml:"dry_run"`
}

// OrchestratorConfig names the queen and her workers.
type OrchestratorConfig struct {
	QueenAgent  string        `yaml:"queen_agent"`
	Workers     []string      `yaml:"workers"`
	PlanTimeout time.Duration `yaml:"plan_timeout"`
	WorkTimeout time.Duration `yaml:"work_timeout"`
	Worktrees   bool          `yaml:"worktrees"`
	WorktreeDir string        `yaml:"worktree_dir"`
}

// ReviewerConfig tunes the review daemon.
type ReviewerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	TestMode     bool          `yaml:"test_mode"`
}

// PatternsConfig locates the historical fix pattern index.
type PatternsConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Session: SessionConfig{
			Name: "hive",
			Panes: map[string]string{
				"queen":           "hive:0.0",
				"worker-backend":  "hive:0.1",
				"worker-frontend": "hive:0.2",
				"worker-infra":    "hive:0.3",
			},
		},
		Protocol: ProtocolConfig{
			PollInterval: 2 * time.Second,
			CaptureTail:  200,
		},
		Storage: StorageConfig{Path: ".hive/hive.db"},
		Logs:    LogsConfig{Dir: "logs"},
		Review: ReviewConfig{
			ApproveThreshold:    80,
			RejectThreshold:     40,
			EscalateThreshold:   60,
			ConfidenceThreshold: 0.7,
		},
		AutoFix: AutoFixConfig{MaxAttempts: 3},
		QA: QAConfig{
			ComplexityThreshold:    0.7,
			RAGConfidenceThreshold: 0.8,
			FastPoolSize:           3,
			HeavyPoolSize:          2,
			MonitorInterval:        30 * time.Second,
			HeartbeatTimeout:       300 * time.Second,
		},
		Git: GitConfig{
			RepoPath:   ".",
			BaseBranch: "main",
			Remote:     "origin",
			PauseFile:  "PAUSE",
			HoldLabel:  "hold",
		},
		Orchestrator: OrchestratorConfig{
			QueenAgent:  "queen",
			Workers:     []string{"worker-backend", "worker-frontend", "worker-infra"},
			PlanTimeout: 60 * time.Second,
			WorkTimeout: 120 * time.Second,
			WorktreeDir: ".hive/worktrees",
		},
		Reviewer: ReviewerConfig{PollInterval: 30 * time.Second},
		Patterns: PatternsConfig{Dir: ".hive/patterns"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; defaults
// plus environment stand.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv layers HIVE_* variables over the file values.
func (c *Config) applyEnv() error {
	parseEnvString("HIVE_SESSION", &c.Session.Name)
	parseEnvString("HIVE_DB_PATH", &c.Storage.Path)
	parseEnvString("HIVE_LOG_DIR", &c.Logs.Dir)
	parseEnvString("HIVE_REPO_PATH", &c.Git.RepoPath)
	parseEnvString("HIVE_BASE_BRANCH", &c.Git.BaseBranch)
	parseEnvString("HIVE_PATTERNS_DIR", &c.Patterns.Dir)

	if err := parseEnvBool("HIVE_DRY_RUN", &c.Git.DryRun); err != nil {
		return err
	}
	if err := parseEnvBool("HIVE_TEST_MODE", &c.Reviewer.TestMode); err != nil {
		return err
	}
	if err := parseEnvFloat("HIVE_APPROVE_THRESHOLD", &c.Review.ApproveThreshold); err != nil {
		return err
	}
	if err := parseEnvFloat("HIVE_COMPLEXITY_THRESHOLD", &c.QA.ComplexityThreshold); err != nil {
		return err
	}
	if err := parseEnvInt("HIVE_FIX_MAX_ATTEMPTS", &c.AutoFix.MaxAttempts); err != nil {
		return err
	}
	if err := parseEnvDuration("HIVE_POLL_INTERVAL", &c.Reviewer.PollInterval); err != nil {
		return err
	}
	if err := parseEnvDuration("HIVE_HEARTBEAT_TIMEOUT", &c.QA.HeartbeatTimeout); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Session.Name == "" {
		return fmt.Errorf("session name is required")
	}
	if len(c.Session.Panes) == 0 {
		return fmt.Errorf("at least one pane mapping is required")
	}
	if c.Review.ApproveThreshold <= c.Review.RejectThreshold {
		return fmt.Errorf("approve threshold %.0f must exceed reject threshold %.0f",
			c.Review.ApproveThreshold, c.Review.RejectThreshold)
	}
	if c.Review.ConfidenceThreshold < 0 || c.Review.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1], got %.2f", c.Review.ConfidenceThreshold)
	}
	if c.AutoFix.MaxAttempts < 1 {
		return fmt.Errorf("autofix max attempts must be at least 1")
	}
	if c.QA.FastPoolSize < 1 || c.QA.HeavyPoolSize < 1 {
		return fmt.Errorf("pool sizes must be at least 1")
	}
	for _, worker := range c.Orchestrator.Workers {
		if _, ok := c.Session.Panes[worker]; !ok {
			return fmt.Errorf("worker %q has no pane mapping", worker)
		}
	}
	if _, ok := c.Session.Panes[c.Orchestrator.QueenAgent]; !ok {
		return fmt.Errorf("queen agent %q has no pane mapping", c.Orchestrator.QueenAgent)
	}
	return nil
}

func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}

func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q is not an integer", key, value)
	}
	*dest = parsed
	return nil
}

func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q is not a number", key, value)
	}
	*dest = parsed
	return nil
}

func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q is not a boolean", key, value)
	}
	*dest = parsed
	return nil
}

func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q is not a duration", key, value)
	}
	*dest = parsed
	return nil
}
