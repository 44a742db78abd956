// Package config loads the toolgate YAML configuration. String values may
// reference environment variables as ${NAME}; unset variables are left as is.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opentalon/toolgate/internal/approval"
	"github.com/opentalon/toolgate/internal/contract"
)

type Config struct {
	Controller   ControllerConfig   `yaml:"controller"`
	Resolver     ResolverConfig     `yaml:"resolver"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Contracts    ContractsConfig    `yaml:"contracts"`
	Sinks        SinksConfig        `yaml:"sinks"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Schedule     []JobConfig        `yaml:"schedule"`
	Log          LogConfig          `yaml:"log"`
}

type ControllerConfig struct {
	ConfidenceThreshold float64        `yaml:"confidence_threshold"`
	Approval            ApprovalConfig `yaml:"approval"`
}

type ApprovalConfig struct {
	// Kind is deny, always, prompt or lua.
	Kind   string `yaml:"kind"`
	Script string `yaml:"script"`
}

type ResolverConfig struct {
	HistoryWindow     int           `yaml:"history_window"`
	HistoryCapacity   int           `yaml:"history_capacity"`
	IrreversibleTools []string      `yaml:"irreversible_tools"`
	WaveTimeBudget    string        `yaml:"wave_time_budget"`
	History           HistoryConfig `yaml:"history"`
}

type HistoryConfig struct {
	// Backend is memory or redis.
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type OrchestratorConfig struct {
	RollbackOnFailure bool   `yaml:"rollback_on_failure"`
	LockAfterFailures int    `yaml:"lock_after_failures"`
	MaxOutputBytes    int    `yaml:"max_output_bytes"`
	DefaultTimeout    string `yaml:"default_timeout"`
}

type ContractsConfig struct {
	IncludeDefaults bool                `yaml:"include_defaults"`
	Files           []string            `yaml:"files"`
	Tools           []contract.Contract `yaml:"tools"`
}

type SinksConfig struct {
	JournalDir string      `yaml:"journal_dir"`
	Store      StoreConfig `yaml:"store"`
}

type StoreConfig struct {
	// Driver is empty (disabled), sqlite or postgres.
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// JobConfig runs the plan file at Plan on the cron Spec.
type JobConfig struct {
	Name string `yaml:"name"`
	Spec string `yaml:"spec"`
	Plan string `yaml:"plan"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default is the configuration used when no file is given: built-in
// contracts, in-memory history and a gate that denies every LIVE request.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			ConfidenceThreshold: 0.8,
			Approval:            ApprovalConfig{Kind: approval.KindDeny},
		},
		Resolver: ResolverConfig{
			HistoryWindow:   10,
			HistoryCapacity: 100,
			History:         HistoryConfig{Backend: "memory"},
		},
		Orchestrator: OrchestratorConfig{
			MaxOutputBytes: 16 * 1024,
			DefaultTimeout: "30s",
		},
		Contracts: ContractsConfig{IncludeDefaults: true},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(envPattern.FindStringSubmatch(match)[1]); ok {
			return val
		}
		return match
	})
}

func (c *Config) expand() {
	c.Controller.Approval.Script = expandEnv(c.Controller.Approval.Script)
	r := &c.Resolver.History.Redis
	r.Addr = expandEnv(r.Addr)
	r.Password = expandEnv(r.Password)
	c.Sinks.JournalDir = expandEnv(c.Sinks.JournalDir)
	c.Sinks.Store.DataDir = expandEnv(c.Sinks.Store.DataDir)
	c.Sinks.Store.DSN = expandEnv(c.Sinks.Store.DSN)
	c.Metrics.Listen = expandEnv(c.Metrics.Listen)
	for i := range c.Contracts.Files {
		c.Contracts.Files[i] = expandEnv(c.Contracts.Files[i])
	}
	for i := range c.Schedule {
		c.Schedule[i].Plan = expandEnv(c.Schedule[i].Plan)
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse overlays data on Default, expands env references and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if t := c.Controller.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("controller.confidence_threshold %v out of [0,1]", t))
	}
	switch c.Controller.Approval.Kind {
	case "", approval.KindDeny, approval.KindAlways, approval.KindPrompt:
	case approval.KindLua:
		if c.Controller.Approval.Script == "" {
			errs = append(errs, errors.New("controller.approval.script is required for lua"))
		}
	default:
		errs = append(errs, fmt.Errorf("controller.approval.kind %q unknown", c.Controller.Approval.Kind))
	}

	switch c.Resolver.History.Backend {
	case "", "memory":
	case "redis":
		if c.Resolver.History.Redis.Addr == "" {
			errs = append(errs, errors.New("resolver.history.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("resolver.history.backend %q unknown", c.Resolver.History.Backend))
	}
	if _, err := parseDuration(c.Resolver.WaveTimeBudget); err != nil {
		errs = append(errs, fmt.Errorf("resolver.wave_time_budget: %w", err))
	}
	if _, err := parseDuration(c.Orchestrator.DefaultTimeout); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.default_timeout: %w", err))
	}
	if c.Orchestrator.LockAfterFailures < 0 {
		errs = append(errs, errors.New("orchestrator.lock_after_failures must not be negative"))
	}

	switch c.Sinks.Store.Driver {
	case "":
	case "sqlite":
		if c.Sinks.Store.DataDir == "" {
			errs = append(errs, errors.New("sinks.store.data_dir is required for sqlite"))
		}
	case "postgres":
		if c.Sinks.Store.DSN == "" {
			errs = append(errs, errors.New("sinks.store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("sinks.store.driver %q unknown", c.Sinks.Store.Driver))
	}

	seen := make(map[string]bool, len(c.Schedule))
	for i, j := range c.Schedule {
		if j.Name == "" || j.Spec == "" || j.Plan == "" {
			errs = append(errs, fmt.Errorf("schedule[%d]: name, spec and plan are required", i))
			continue
		}
		if seen[j.Name] {
			errs = append(errs, fmt.Errorf("schedule: duplicate job %q", j.Name))
		}
		seen[j.Name] = true
	}
	return errors.Join(errs...)
}

// Budget is the parsed wave_time_budget; zero when unset.
func (r ResolverConfig) Budget() time.Duration {
	d, _ := parseDuration(r.WaveTimeBudget)
	return d
}

func (o OrchestratorConfig) Timeout() time.Duration {
	d, _ := parseDuration(o.DefaultTimeout)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// LoadContracts builds the registry: built-ins first (if enabled), then
// files in order, then inline tools. Later definitions replace earlier ones.
func (c *Config) LoadContracts() (*contract.Registry, error) {
	reg := contract.NewRegistry()
	if c.Contracts.IncludeDefaults {
		if err := reg.RegisterAll(contract.Defaults()); err != nil {
			return nil, err
		}
	}
	for _, path := range c.Contracts.Files {
		cs, err := contract.Load(path)
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterAll(cs); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := reg.RegisterAll(c.Contracts.Tools); err != nil {
		return nil, fmt.Errorf("contracts.tools: %w", err)
	}
	return reg, nil
}
