package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PHASEGATE_"

	projectConfigDir = ".phasegate"
	configFileName   = "config.yaml"
)

// envSections maps underscore-joined environment prefixes to koanf key paths.
// Longer prefixes win, so PARALLEL_FALLBACK_X maps to parallel.fallback.x.
var envSections = map[string]string{
	"paths":             "paths",
	"task_id":           "task_id",
	"gates":             "gates",
	"isolation":         "isolation",
	"contamination":     "contamination",
	"parallel":          "parallel",
	"parallel_fallback": "parallel.fallback",
	"parallel_cleanup":  "parallel.cleanup",
	"loop_guard":        "loop_guard",
	"server":            "server",
	"logging":           "logging",
	"logging_output":    "logging.output",
	"logging_caller":    "logging.caller",
	"telemetry":         "telemetry",
	"telemetry_metrics": "telemetry.metrics",
}

var envPrefixes = sortedByLength(envSections)

// LoadWithFile loads configuration from a YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PHASEGATE_PARALLEL_MAX_PARALLEL, PHASEGATE_PATHS_BASE, ...)
//  2. YAML config file
//  3. Default()
//
// When configPath is empty, ./.phasegate/config.yaml is used if present,
// otherwise ~/.config/phasegate/config.yaml. A missing file is not an error.
//
// Config files must live under ./.phasegate/, ~/.config/phasegate/ or
// /etc/phasegate/, must not be group or world writable, and must be under 1MB.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envKey maps PHASEGATE_PARALLEL_MAX_PARALLEL to parallel.max_parallel.
// Variables that match no known section are ignored.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, prefix := range envPrefixes {
		if strings.HasPrefix(key, prefix+"_") {
			return envSections[prefix] + "." + strings.TrimPrefix(key, prefix+"_")
		}
	}
	return ""
}

func sortedByLength(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

func defaultConfigPath() (string, error) {
	local := filepath.Join(projectConfigDir, configFileName)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "phasegate", configFileName), nil
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate through the open descriptor to avoid a stat/open race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks the path is inside an allowed config directory.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	allowed, err := allowedConfigDirs()
	if err != nil {
		return err
	}
	for _, dir := range allowed {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ./%s/, ~/.config/phasegate/ or /etc/phasegate/", projectConfigDir)
}

func allowedConfigDirs() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	dirs := []string{
		filepath.Join(home, ".config", "phasegate"),
		"/etc/phasegate",
		filepath.Join(cwd, projectConfigDir),
	}
	for i, d := range dirs {
		if r, err := filepath.EvalSymlinks(d); err == nil {
			dirs[i] = r
		}
	}
	return dirs, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults restores defaults for values explicitly zeroed by file or environment.
func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Paths.Base == "" {
		cfg.Paths.Base = d.Paths.Base
	}
	if cfg.Paths.Tasks == "" {
		cfg.Paths.Tasks = d.Paths.Tasks
	}
	if cfg.Paths.Meta == "" {
		cfg.Paths.Meta = d.Paths.Meta
	}
	if cfg.Paths.Memory == "" {
		cfg.Paths.Memory = d.Paths.Memory
	}
	if cfg.Paths.Quarantine == "" {
		cfg.Paths.Quarantine = d.Paths.Quarantine
	}
	if cfg.TaskID.CounterMax == 0 {
		cfg.TaskID.CounterMax = d.TaskID.CounterMax
	}
	if len(cfg.Isolation.RootAllowlist) == 0 {
		cfg.Isolation.RootAllowlist = d.Isolation.RootAllowlist
	}
	if cfg.Parallel.MaxParallel == 0 {
		cfg.Parallel.MaxParallel = d.Parallel.MaxParallel
	}
	if cfg.Parallel.MaxQueueLength == 0 {
		cfg.Parallel.MaxQueueLength = d.Parallel.MaxQueueLength
	}
	if cfg.Parallel.MinComplexity == "" {
		cfg.Parallel.MinComplexity = d.Parallel.MinComplexity
	}
	if cfg.Parallel.PollInterval == 0 {
		cfg.Parallel.PollInterval = d.Parallel.PollInterval
	}
	if cfg.Parallel.Fallback.FailureThreshold == 0 {
		cfg.Parallel.Fallback.FailureThreshold = d.Parallel.Fallback.FailureThreshold
	}
	if cfg.Parallel.Fallback.MinSeverity == "" {
		cfg.Parallel.Fallback.MinSeverity = d.Parallel.Fallback.MinSeverity
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
}
