// Package config provides configuration loading for phasegate.
//
// A single Config is loaded once at process start (see LoadWithFile) and
// handed to each component constructor. Components never read the
// environment or configuration files themselves.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// Config holds the complete phasegate configuration.
type Config struct {
	Paths         PathsConfig         `koanf:"paths"`
	TaskID        TaskIDConfig        `koanf:"task_id"`
	Gates         GatesConfig         `koanf:"gates"`
	Isolation     IsolationConfig     `koanf:"isolation"`
	Contamination ContaminationConfig `koanf:"contamination"`
	Parallel      ParallelConfig      `koanf:"parallel"`
	LoopGuard     LoopGuardConfig     `koanf:"loop_guard"`
	Server        ServerConfig        `koanf:"server"`
	Logging       logging.Config      `koanf:"logging"`
	Telemetry     telemetry.Config    `koanf:"telemetry"`
}

// PathsConfig locates the shared context tree.
type PathsConfig struct {
	// Base is the context root, e.g. ".phasegate/context".
	Base string `koanf:"base"`
	// Tasks is the per-task directory name under Base.
	Tasks string `koanf:"tasks"`
	// Meta holds shared reference documents copied read-only into each task.
	Meta string `koanf:"meta"`
	// Memory is the shared/global memory area that must never hold per-task files.
	Memory string `koanf:"memory"`
	// Quarantine is where contaminated files are moved, under the tasks root.
	Quarantine string `koanf:"quarantine"`
	// SharedDocs is an optional extra root searched by some gates (e.g. architecture docs).
	SharedDocs string `koanf:"shared_docs"`
	// Templates holds agent instruction templates.
	Templates string `koanf:"templates"`
}

// TasksRoot returns the directory holding every task context.
func (p PathsConfig) TasksRoot() string { return filepath.Join(p.Base, p.Tasks) }

// MetaDir returns the shared reference document directory.
func (p PathsConfig) MetaDir() string { return filepath.Join(p.Base, p.Meta) }

// MemoryDir returns the shared memory directory.
func (p PathsConfig) MemoryDir() string { return filepath.Join(p.Base, p.Memory) }

// QuarantineDir returns the quarantine directory.
func (p PathsConfig) QuarantineDir() string { return filepath.Join(p.TasksRoot(), p.Quarantine) }

// TaskIDConfig controls identifier generation.
type TaskIDConfig struct {
	CounterStart int `koanf:"counter_start"`
	CounterMax   int `koanf:"counter_max"`
}

// GatesConfig controls the gate engine.
type GatesConfig struct {
	// RulesFile is an optional TOML file overriding or adding gate rules.
	RulesFile          string `koanf:"rules_file"`
	MinCodeReviewScore int    `koanf:"min_code_review_score"`
	MinConfidenceScore int    `koanf:"min_confidence_score"`
}

// IsolationConfig controls task context provisioning.
type IsolationConfig struct {
	Enabled         bool          `koanf:"enabled"`
	StrictMode      bool          `koanf:"strict_mode"`
	RootAllowlist   []string      `koanf:"root_allowlist"`
	SharedTemplates []string      `koanf:"shared_templates"`
	MaxAge          time.Duration `koanf:"max_age"`
	KeepMinimum     int           `koanf:"keep_minimum"`
}

// ContaminationConfig controls the contamination detector.
type ContaminationConfig struct {
	AutoQuarantine    bool     `koanf:"auto_quarantine"`
	ForbiddenPatterns []string `koanf:"forbidden_patterns"`
	ScanContent       bool     `koanf:"scan_content"`
	// DetectSecrets runs the gitleaks rule set over scanned content.
	DetectSecrets     bool     `koanf:"detect_secrets"`
	MaxContentBytes   int64    `koanf:"max_content_bytes"`
	ContentExtensions []string `koanf:"content_extensions"`
	// ReferenceExempt names task root files, with or without the task id
	// prefix, whose content may quote other task ids: the user request lands
	// in them verbatim. Secrets are still scanned.
	ReferenceExempt   []string `koanf:"reference_exempt"`
}

// ParallelConfig controls the parallel coordinator.
type ParallelConfig struct {
	Enabled             bool           `koanf:"enabled"`
	Mode                string         `koanf:"mode"`
	MaxParallel         int            `koanf:"max_parallel"`
	MaxQueueLength      int            `koanf:"max_queue_length"`
	DisableForWorkflows []string       `koanf:"disable_for_workflows"`
	MinComplexity       string         `koanf:"min_complexity"`
	DefaultPriority     int            `koanf:"default_priority"`
	MaxRetries          int            `koanf:"max_retries"`
	HeartbeatInterval   time.Duration  `koanf:"heartbeat_interval"`
	ResponseTimeout     time.Duration  `koanf:"response_timeout"`
	CompletionTimeout   time.Duration  `koanf:"completion_timeout"`
	PollInterval        time.Duration  `koanf:"poll_interval"`
	ScanInterval        time.Duration  `koanf:"scan_interval"`
	WatchMarkers        bool           `koanf:"watch_markers"`
	Fallback            FallbackConfig `koanf:"fallback"`
	Cleanup             CleanupConfig  `koanf:"cleanup"`
}

// FallbackConfig controls when the coordinator degrades to sequential mode.
type FallbackConfig struct {
	// Conditions lists enabled triggers: contamination_detected, multiple_failures, resource_exceeded.
	Conditions       []string `koanf:"conditions"`
	FailureThreshold int      `koanf:"failure_threshold"`
	MinSeverity      string   `koanf:"min_severity"`
}

// CleanupConfig controls retention of finished task contexts and of the
// {id}_final_results.json archives, which outlive their contexts.
type CleanupConfig struct {
	Interval      time.Duration `koanf:"interval"`
	KeepCompleted time.Duration `koanf:"keep_completed"`
	KeepFailed    time.Duration `koanf:"keep_failed"`
	KeepResults   time.Duration `koanf:"keep_results"`
}

// LoopGuardConfig flags agents hammering gate checks or transitions.
type LoopGuardConfig struct {
	Enabled bool          `koanf:"enabled"`
	Calls   int           `koanf:"calls"`
	Window  time.Duration `koanf:"window"`
}

// ServerConfig holds the daemon's status server configuration.
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Fallback condition names.
const (
	ConditionContamination    = "contamination_detected"
	ConditionMultipleFailures = "multiple_failures"
	ConditionResourceExceeded = "resource_exceeded"
)

var complexities = map[string]bool{"low": true, "medium": true, "high": true}

var severities = map[string]bool{"critical": true, "high": true, "medium": true, "warning": true}

// Default returns the configuration used when no file or environment overrides exist.
// Parallel execution is disabled by default.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Base:       ".phasegate/context",
			Tasks:      "tasks",
			Meta:       "00_meta",
			Memory:     "01_memory",
			Quarantine: "quarantine",
			Templates:  ".phasegate/agent_templates",
		},
		TaskID: TaskIDConfig{
			CounterStart: 1,
			CounterMax:   9999,
		},
		Gates: GatesConfig{
			MinCodeReviewScore: 80,
			MinConfidenceScore: 80,
		},
		Isolation: IsolationConfig{
			Enabled:         true,
			StrictMode:      true,
			RootAllowlist:   []string{"contract.md", "status.md", "result.md", "questions.md"},
			SharedTemplates: []string{"tech-stack.md", "patterns.md", "glossary.md"},
			MaxAge:          7 * 24 * time.Hour,
			KeepMinimum:     10,
		},
		Contamination: ContaminationConfig{
			ScanContent:       true,
			DetectSecrets:     true,
			MaxContentBytes:   1 << 20,
			ContentExtensions: []string{".md", ".json", ".txt", ".yaml", ".yml", ".log"},
			ReferenceExempt:   []string{"task_config.json", "instructions.md", "contract.md"},
		},
		Parallel: ParallelConfig{
			Enabled:           false,
			Mode:              "hybrid",
			MaxParallel:       3,
			MaxQueueLength:    10,
			MinComplexity:     "medium",
			DefaultPriority:   5,
			MaxRetries:        3,
			HeartbeatInterval: 30 * time.Second,
			ResponseTimeout:   120 * time.Second,
			CompletionTimeout: 300 * time.Second,
			PollInterval:      5 * time.Second,
			ScanInterval:      60 * time.Second,
			WatchMarkers:      true,
			Fallback: FallbackConfig{
				Conditions:       []string{ConditionContamination, ConditionMultipleFailures, ConditionResourceExceeded},
				FailureThreshold: 3,
				MinSeverity:      "warning",
			},
			Cleanup: CleanupConfig{
				Interval:      time.Hour,
				KeepCompleted: 7 * 24 * time.Hour,
				KeepFailed:    24 * time.Hour,
				KeepResults:   30 * 24 * time.Hour,
			},
		},
		LoopGuard: LoopGuardConfig{
			Enabled: true,
			Calls:   10,
			Window:  2 * time.Second,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Base == "" {
		errs = append(errs, errors.New("paths.base is required"))
	}
	if c.Paths.Tasks == "" {
		errs = append(errs, errors.New("paths.tasks is required"))
	}
	if c.TaskID.CounterMax < c.TaskID.CounterStart || c.TaskID.CounterStart < 0 {
		errs = append(errs, fmt.Errorf("task_id counter range invalid: start %d, max %d", c.TaskID.CounterStart, c.TaskID.CounterMax))
	}
	if c.Gates.MinCodeReviewScore < 0 || c.Gates.MinCodeReviewScore > 100 {
		errs = append(errs, fmt.Errorf("gates.min_code_review_score must be 0-100, got %d", c.Gates.MinCodeReviewScore))
	}
	if c.Gates.MinConfidenceScore < 0 || c.Gates.MinConfidenceScore > 100 {
		errs = append(errs, fmt.Errorf("gates.min_confidence_score must be 0-100, got %d", c.Gates.MinConfidenceScore))
	}
	if c.Isolation.KeepMinimum < 0 {
		errs = append(errs, fmt.Errorf("isolation.keep_minimum must be >= 0, got %d", c.Isolation.KeepMinimum))
	}
	for _, p := range c.Contamination.ForbiddenPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("contamination.forbidden_patterns %q: %w", p, err))
		}
	}
	if err := c.Parallel.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.LoopGuard.Enabled && (c.LoopGuard.Calls <= 0 || c.LoopGuard.Window <= 0) {
		errs = append(errs, errors.New("loop_guard.calls and loop_guard.window must be positive"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func (p ParallelConfig) validate() error {
	var errs []error
	if p.MaxParallel <= 0 {
		errs = append(errs, fmt.Errorf("parallel.max_parallel must be positive, got %d", p.MaxParallel))
	}
	if p.MaxQueueLength <= 0 {
		errs = append(errs, fmt.Errorf("parallel.max_queue_length must be positive, got %d", p.MaxQueueLength))
	}
	if !complexities[p.MinComplexity] {
		errs = append(errs, fmt.Errorf("parallel.min_complexity must be low, medium or high, got %q", p.MinComplexity))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("parallel.max_retries must be >= 0, got %d", p.MaxRetries))
	}
	if p.ResponseTimeout < p.HeartbeatInterval {
		errs = append(errs, errors.New("parallel.response_timeout must be >= parallel.heartbeat_interval"))
	}
	if p.CompletionTimeout <= 0 || p.PollInterval <= 0 {
		errs = append(errs, errors.New("parallel.completion_timeout and parallel.poll_interval must be positive"))
	}
	for _, cond := range p.Fallback.Conditions {
		switch cond {
		case ConditionContamination, ConditionMultipleFailures, ConditionResourceExceeded:
		default:
			errs = append(errs, fmt.Errorf("parallel.fallback.conditions: unknown condition %q", cond))
		}
	}
	if p.Fallback.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("parallel.fallback.failure_threshold must be positive, got %d", p.Fallback.FailureThreshold))
	}
	if !severities[p.Fallback.MinSeverity] {
		errs = append(errs, fmt.Errorf("parallel.fallback.min_severity invalid: %q", p.Fallback.MinSeverity))
	}
	return errors.Join(errs...)
}
