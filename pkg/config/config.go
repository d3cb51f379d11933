// Package config provides configuration types and loading for the LMStrix
// CLI.
//
// # Overview
//
// This package defines the configuration schema for LMStrix: the backend
// connection, the adaptive context-search strategy's tunable constants,
// storage locations, and the optional observability stack.
//
// # Configuration File
//
// The configuration is stored at ~/.lmstrix/lmstrix.yaml and is created
// automatically on first run with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendConfig configures the connection to the local inference server.
type BackendConfig struct {
	// BaseURL is the backend's API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names an environment variable holding the backend's API
	// key, if one is required. Empty means no auth is sent.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// SettleDelay is the pause enforced around every load/unload to let
	// the backend settle before the next operation.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// StrategyConfig configures the adaptive context-search algorithm (spec
// §4.4.3): a safety threshold, a climb step, a bisection convergence
// width, and iteration/time bounds.
type StrategyConfig struct {
	// Threshold caps every probe regardless of a model's declared context,
	// protecting host memory from runaway allocations.
	Threshold int `yaml:"threshold"`

	// MinProbe is the smallest context size ever probed.
	MinProbe int `yaml:"min_probe"`

	// ClimbStep is the climb phase's fixed step: each climb probe is the
	// last good size plus ClimbStep, capped at min(declared, Threshold).
	ClimbStep int `yaml:"climb_step"`

	// BisectConvergence is the bisection window width at which a model is
	// considered fully tested.
	BisectConvergence int `yaml:"bisect_convergence"`

	// MaxIterations is the bisection iteration limit handed to the
	// tester's plan; reaching it ends the plan as done, with the last good
	// size as the result. The tester re-derives its plan from the persisted
	// bounds on every probe, so the count starts again at each probe and
	// does not bound the number of probes a run spends on one model;
	// bisection of a run ends when the window reaches BisectConvergence.
	MaxIterations int `yaml:"max_iterations"`

	// LoadTimeout bounds how long a single model load may take.
	LoadTimeout time.Duration `yaml:"load_timeout"`

	// InferenceTimeout bounds how long a single inference call may take
	// before it is classified as a hang.
	InferenceTimeout time.Duration `yaml:"inference_timeout"`
}

// StorageConfig configures where LMStrix keeps its persistent state.
type StorageConfig struct {
	// RegistryPath is the path to the model registry JSON file.
	RegistryPath string `yaml:"registry_path"`

	// JournalDir is the directory probe journals (JSONL) are written to.
	JournalDir string `yaml:"journal_dir"`

	// LogDir is the directory structured logs are written to.
	LogDir string `yaml:"log_dir"`
}

// ObservabilityConfig toggles the optional metrics/tracing stack.
type ObservabilityConfig struct {
	// MetricsEnabled registers the Prometheus probe metrics and installs the
	// OpenTelemetry meter provider. The status server's /metrics endpoint
	// is served either way.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// TracingEnabled installs the OpenTelemetry tracer provider.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// OTLPEndpoint, if set, routes trace spans to an OTLP/gRPC collector
	// instead of stdout.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// ServerConfig configures the optional read-only status HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8787".
	Addr string `yaml:"addr"`
}

// LMStrixConfig is the root configuration structure for the LMStrix CLI.
type LMStrixConfig struct {
	Backend       BackendConfig       `yaml:"backend"`
	Strategy      StrategyConfig      `yaml:"strategy"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Server        ServerConfig        `yaml:"server"`
}

var (
	// Global is the process-wide configuration singleton, populated by
	// Load.
	Global LMStrixConfig
	once   sync.Once
)

// Load ensures the config is loaded into the Global variable. Safe to
// call from multiple goroutines; the file is only read once per process.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

func loadInternal() error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		fmt.Printf("First run detected, creating config at %s\n", path)
		if err := createDefault(path); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &Global); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// DefaultPath returns ~/.lmstrix/lmstrix.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding user home directory: %w", err)
	}
	return filepath.Join(home, ".lmstrix", "lmstrix.yaml"), nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultConfig returns the default LMStrix configuration, matching the
// adaptive context-search strategy's documented defaults.
func DefaultConfig() LMStrixConfig {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".lmstrix")

	return LMStrixConfig{
		Backend: BackendConfig{
			BaseURL:     "http://localhost:1234",
			SettleDelay: 500 * time.Millisecond,
		},
		Strategy: StrategyConfig{
			Threshold:         102400,
			MinProbe:          1024,
			ClimbStep:         10240,
			BisectConvergence: 256,
			MaxIterations:     25,
			LoadTimeout:       120 * time.Second,
			InferenceTimeout:  60 * time.Second,
		},
		Storage: StorageConfig{
			RegistryPath: filepath.Join(base, "registry.json"),
			JournalDir:   filepath.Join(base, "journal"),
			LogDir:       filepath.Join(base, "logs"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			TracingEnabled: true,
		},
		Server: ServerConfig{
			Addr: ":8787",
		},
	}
}
