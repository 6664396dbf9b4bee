package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"gopkg.in/yaml.v3"
)

// Config is the manager process configuration, read from a YAML file and
// overridden by command line flags.
type Config struct {
	NodeID   string `yaml:"nodeId"`
	BindAddr string `yaml:"bindAddr"` // raft transport
	APIAddr  string `yaml:"apiAddr"`  // HTTP admin surface
	DataDir  string `yaml:"dataDir"`

	Log        LogConfig        `yaml:"log"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// ExecutorConfig configures the procedure executor
type ExecutorConfig struct {
	Workers          int           `yaml:"workers"`
	PhaseTimeout     time.Duration `yaml:"phaseTimeout"`
	MaxPhaseRetries  int           `yaml:"maxPhaseRetries"`
	RetryBackoff     time.Duration `yaml:"retryBackoff"`
	MaxRetryBackoff  time.Duration `yaml:"maxRetryBackoff"`
	ConflictPolicy   string        `yaml:"conflictPolicy"` // "queue" or "reject"
	CompactInterval  time.Duration `yaml:"compactInterval"`
	CompactThreshold int           `yaml:"compactThreshold"`
	ResultRetention  time.Duration `yaml:"resultRetention"`
}

// FanoutConfig configures pushes to worker nodes
type FanoutConfig struct {
	NodeTimeout    time.Duration `yaml:"nodeTimeout"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
}

// ReconcilerConfig configures the reconciliation loop
type ReconcilerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	ResyncPerSecond  float64       `yaml:"resyncPerSecond"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		NodeID:   "manager-1",
		BindAddr: "127.0.0.1:7946",
		APIAddr:  "127.0.0.1:8080",
		DataDir:  "./burrow-data",
		Log: LogConfig{
			Level: log.InfoLevel,
		},
		Executor: ExecutorConfig{
			Workers:          4,
			PhaseTimeout:     10 * time.Second,
			MaxPhaseRetries:  3,
			RetryBackoff:     200 * time.Millisecond,
			MaxRetryBackoff:  2 * time.Second,
			ConflictPolicy:   "queue",
			CompactInterval:  time.Minute,
			CompactThreshold: 1024,
			ResultRetention:  10 * time.Minute,
		},
		Fanout: FanoutConfig{
			NodeTimeout:    5 * time.Second,
			MaxConcurrency: 16,
		},
		Reconciler: ReconcilerConfig{
			Interval:         10 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			ResyncPerSecond:  20,
		},
	}
}

// Load reads a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("nodeId is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	if c.Executor.Workers < 1 {
		errs = append(errs, fmt.Errorf("executor.workers must be positive, got %d", c.Executor.Workers))
	}
	if c.Executor.MaxPhaseRetries < 0 {
		errs = append(errs, fmt.Errorf("executor.maxPhaseRetries must not be negative, got %d", c.Executor.MaxPhaseRetries))
	}
	if c.Executor.RetryBackoff > c.Executor.MaxRetryBackoff {
		errs = append(errs, errors.New("executor.retryBackoff exceeds executor.maxRetryBackoff"))
	}
	switch c.Executor.ConflictPolicy {
	case "queue", "reject":
	default:
		errs = append(errs, fmt.Errorf("executor.conflictPolicy must be queue or reject, got %q", c.Executor.ConflictPolicy))
	}
	if c.Fanout.NodeTimeout <= 0 {
		errs = append(errs, errors.New("fanout.nodeTimeout must be positive"))
	}
	if c.Fanout.MaxConcurrency < 1 {
		errs = append(errs, errors.New("fanout.maxConcurrency must be positive"))
	}
	if c.Reconciler.ResyncPerSecond <= 0 {
		errs = append(errs, errors.New("reconciler.resyncPerSecond must be positive"))
	}
	return errors.Join(errs...)
}
