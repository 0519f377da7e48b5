package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const configFileName = "server.yaml"

// Load builds the server configuration from layered sources: compiled
// defaults, then ~/.buildd/server.yaml, then BUILDD_* environment variables,
// then programmatic overrides. Later layers win per field.
func Load(opts ...Option) (ServerConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := ServerConfig{
		ListenAddr:  DefaultListenAddr,
		Environment: "development",

		LogLevel:  "info",
		LogStdout: true,

		RateLimitRPS:   DefaultRateLimitRPS,
		RateLimitBurst: DefaultRateLimitBurst,

		ClaimLeaseTTL:      DefaultClaimLeaseTTL,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		LivenessWindow:     DefaultLivenessWindow,
		StaleActiveAfter:   DefaultStaleActiveAfter,
		StalePlanningAfter: DefaultStalePlanningAfter,
		StaleSweepInterval: DefaultStaleSweepInterval,
		SchedulerTick:      DefaultSchedulerTick,
		ProbeTimeout:       DefaultProbeTimeout,
		ShutdownGrace:      DefaultShutdownGrace,

		MaxConcurrentWorkers: DefaultMaxConcurrentWorkers,
		SchedulerParallelism: DefaultSchedulerParallelism,

		BusHistorySize:  DefaultBusHistorySize,
		BusClientBuffer: DefaultBusClientBuffer,

		MetricsEnabled: true,
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return ServerConfig{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return ServerConfig{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, Metadata{}, err
	}
	return cfg, meta, nil
}

// ConfigPath resolves the config file location the loader would consult.
func ConfigPath(opts ...Option) string {
	options := loadOptions{homeDir: os.UserHomeDir}
	for _, opt := range opts {
		opt(&options)
	}
	return resolveConfigPath(options)
}

func resolveConfigPath(opts loadOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	home, err := opts.homeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".buildd", configFileName)
}

// fileConfig mirrors the on-disk YAML layout. Pointer fields distinguish
// "absent" from zero values; duration fields hold time.ParseDuration strings.
type fileConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	DatabaseURL   string `yaml:"database_url"`
	Environment   string `yaml:"environment"`
	PublicBaseURL string `yaml:"public_base_url"`
	ShutdownGrace string `yaml:"shutdown_grace"`

	Log *struct {
		Level  string `yaml:"level"`
		Dir    string `yaml:"dir"`
		Stdout *bool  `yaml:"stdout"`
	} `yaml:"log"`

	HTTP *struct {
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
		RateLimitRPS       *float64 `yaml:"rate_limit_rps"`
		RateLimitBurst     *int     `yaml:"rate_limit_burst"`
	} `yaml:"http"`

	Claim *struct {
		LeaseTTL             string `yaml:"lease_ttl"`
		MaxConcurrentWorkers *int   `yaml:"max_concurrent_workers"`
	} `yaml:"claim"`

	Runners *struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		LivenessWindow    string `yaml:"liveness_window"`
	} `yaml:"runners"`

	Reassign *struct {
		StaleActiveAfter   string `yaml:"stale_active_after"`
		StalePlanningAfter string `yaml:"stale_planning_after"`
		SweepInterval      string `yaml:"sweep_interval"`
	} `yaml:"reassign"`

	Scheduler *struct {
		Tick         string `yaml:"tick"`
		ProbeTimeout string `yaml:"probe_timeout"`
		Parallelism  *int   `yaml:"parallelism"`
	} `yaml:"scheduler"`

	Skills *struct {
		InstallerAllowlist []string `yaml:"installer_allowlist"`
	} `yaml:"skills"`

	Bus *struct {
		HistorySize  *int `yaml:"history_size"`
		ClientBuffer *int `yaml:"client_buffer"`
	} `yaml:"bus"`

	Metrics *struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

func applyFile(cfg *ServerConfig, meta *Metadata, opts loadOptions) error {
	configPath := resolveConfigPath(opts)
	if configPath == "" {
		return nil
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	meta.path = configPath

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", configPath, err)
	}

	setStr := func(field string, dst *string, value string) {
		if value == "" {
			return
		}
		*dst = value
		meta.sources[field] = SourceFile
	}
	setDur := func(field string, dst *time.Duration, value string) error {
		if value == "" {
			return nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config file %s: invalid %s %q: %w", configPath, field, value, err)
		}
		*dst = d
		meta.sources[field] = SourceFile
		return nil
	}

	setStr("listen_addr", &cfg.ListenAddr, parsed.ListenAddr)
	setStr("database_url", &cfg.DatabaseURL, parsed.DatabaseURL)
	setStr("environment", &cfg.Environment, parsed.Environment)
	setStr("public_base_url", &cfg.PublicBaseURL, parsed.PublicBaseURL)
	if err := setDur("shutdown_grace", &cfg.ShutdownGrace, parsed.ShutdownGrace); err != nil {
		return err
	}

	if parsed.Log != nil {
		setStr("log_level", &cfg.LogLevel, parsed.Log.Level)
		setStr("log_dir", &cfg.LogDir, parsed.Log.Dir)
		if parsed.Log.Stdout != nil {
			cfg.LogStdout = *parsed.Log.Stdout
			meta.sources["log_stdout"] = SourceFile
		}
	}
	if parsed.HTTP != nil {
		if len(parsed.HTTP.CORSAllowedOrigins) > 0 {
			cfg.CORSAllowedOrigins = parsed.HTTP.CORSAllowedOrigins
			meta.sources["cors_allowed_origins"] = SourceFile
		}
		if parsed.HTTP.RateLimitRPS != nil {
			cfg.RateLimitRPS = *parsed.HTTP.RateLimitRPS
			meta.sources["rate_limit_rps"] = SourceFile
		}
		if parsed.HTTP.RateLimitBurst != nil {
			cfg.RateLimitBurst = *parsed.HTTP.RateLimitBurst
			meta.sources["rate_limit_burst"] = SourceFile
		}
	}
	if parsed.Claim != nil {
		if err := setDur("claim_lease_ttl", &cfg.ClaimLeaseTTL, parsed.Claim.LeaseTTL); err != nil {
			return err
		}
		if parsed.Claim.MaxConcurrentWorkers != nil {
			cfg.MaxConcurrentWorkers = *parsed.Claim.MaxConcurrentWorkers
			meta.sources["max_concurrent_workers"] = SourceFile
		}
	}
	if parsed.Runners != nil {
		if err := setDur("heartbeat_interval", &cfg.HeartbeatInterval, parsed.Runners.HeartbeatInterval); err != nil {
			return err
		}
		if err := setDur("liveness_window", &cfg.LivenessWindow, parsed.Runners.LivenessWindow); err != nil {
			return err
		}
	}
	if parsed.Reassign != nil {
		if err := setDur("stale_active_after", &cfg.StaleActiveAfter, parsed.Reassign.StaleActiveAfter); err != nil {
			return err
		}
		if err := setDur("stale_planning_after", &cfg.StalePlanningAfter, parsed.Reassign.StalePlanningAfter); err != nil {
			return err
		}
		if err := setDur("stale_sweep_interval", &cfg.StaleSweepInterval, parsed.Reassign.SweepInterval); err != nil {
			return err
		}
	}
	if parsed.Scheduler != nil {
		if err := setDur("scheduler_tick", &cfg.SchedulerTick, parsed.Scheduler.Tick); err != nil {
			return err
		}
		if err := setDur("probe_timeout", &cfg.ProbeTimeout, parsed.Scheduler.ProbeTimeout); err != nil {
			return err
		}
		if parsed.Scheduler.Parallelism != nil {
			cfg.SchedulerParallelism = *parsed.Scheduler.Parallelism
			meta.sources["scheduler_parallelism"] = SourceFile
		}
	}
	if parsed.Skills != nil && len(parsed.Skills.InstallerAllowlist) > 0 {
		cfg.InstallerAllowlist = parsed.Skills.InstallerAllowlist
		meta.sources["installer_allowlist"] = SourceFile
	}
	if parsed.Bus != nil {
		if parsed.Bus.HistorySize != nil {
			cfg.BusHistorySize = *parsed.Bus.HistorySize
			meta.sources["bus_history_size"] = SourceFile
		}
		if parsed.Bus.ClientBuffer != nil {
			cfg.BusClientBuffer = *parsed.Bus.ClientBuffer
			meta.sources["bus_client_buffer"] = SourceFile
		}
	}
	if parsed.Metrics != nil && parsed.Metrics.Enabled != nil {
		cfg.MetricsEnabled = *parsed.Metrics.Enabled
		meta.sources["metrics_enabled"] = SourceFile
	}
	return nil
}

func applyEnv(cfg *ServerConfig, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	setStr := func(field string, dst *string, keys ...string) {
		for _, key := range keys {
			if value, ok := lookup(key); ok && value != "" {
				*dst = value
				meta.sources[field] = SourceEnv
				return
			}
		}
	}
	setBool := func(field string, dst *bool, key string) error {
		value, ok := lookup(key)
		if !ok || value == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", key, value)
		}
		*dst = parsed
		meta.sources[field] = SourceEnv
		return nil
	}
	setInt := func(field string, dst *int, key string) error {
		value, ok := lookup(key)
		if !ok || value == "" {
			return nil
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, value)
		}
		*dst = parsed
		meta.sources[field] = SourceEnv
		return nil
	}
	setFloat := func(field string, dst *float64, key string) error {
		value, ok := lookup(key)
		if !ok || value == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", key, value)
		}
		*dst = parsed
		meta.sources[field] = SourceEnv
		return nil
	}
	setDur := func(field string, dst *time.Duration, key string) error {
		value, ok := lookup(key)
		if !ok || value == "" {
			return nil
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, value)
		}
		*dst = parsed
		meta.sources[field] = SourceEnv
		return nil
	}
	setList := func(field string, dst *[]string, key string) {
		value, ok := lookup(key)
		if !ok || value == "" {
			return
		}
		*dst = splitCommaList(value)
		meta.sources[field] = SourceEnv
	}

	setStr("listen_addr", &cfg.ListenAddr, "BUILDD_LISTEN_ADDR")
	setStr("database_url", &cfg.DatabaseURL, "BUILDD_DATABASE_URL", "DATABASE_URL")
	setStr("environment", &cfg.Environment, "BUILDD_ENV")
	setStr("public_base_url", &cfg.PublicBaseURL, "BUILDD_PUBLIC_BASE_URL")
	setStr("log_level", &cfg.LogLevel, "BUILDD_LOG_LEVEL")
	setStr("log_dir", &cfg.LogDir, "BUILDD_LOG_DIR")
	if err := setBool("log_stdout", &cfg.LogStdout, "BUILDD_LOG_STDOUT"); err != nil {
		return err
	}
	setList("cors_allowed_origins", &cfg.CORSAllowedOrigins, "BUILDD_CORS_ORIGINS")
	if err := setFloat("rate_limit_rps", &cfg.RateLimitRPS, "BUILDD_RATE_LIMIT_RPS"); err != nil {
		return err
	}
	if err := setInt("rate_limit_burst", &cfg.RateLimitBurst, "BUILDD_RATE_LIMIT_BURST"); err != nil {
		return err
	}
	if err := setDur("claim_lease_ttl", &cfg.ClaimLeaseTTL, "BUILDD_CLAIM_LEASE_TTL"); err != nil {
		return err
	}
	if err := setDur("heartbeat_interval", &cfg.HeartbeatInterval, "BUILDD_HEARTBEAT_INTERVAL"); err != nil {
		return err
	}
	if err := setDur("liveness_window", &cfg.LivenessWindow, "BUILDD_LIVENESS_WINDOW"); err != nil {
		return err
	}
	if err := setDur("stale_active_after", &cfg.StaleActiveAfter, "BUILDD_STALE_ACTIVE_AFTER"); err != nil {
		return err
	}
	if err := setDur("stale_planning_after", &cfg.StalePlanningAfter, "BUILDD_STALE_PLANNING_AFTER"); err != nil {
		return err
	}
	if err := setDur("stale_sweep_interval", &cfg.StaleSweepInterval, "BUILDD_STALE_SWEEP_INTERVAL"); err != nil {
		return err
	}
	if err := setDur("scheduler_tick", &cfg.SchedulerTick, "BUILDD_SCHEDULER_TICK"); err != nil {
		return err
	}
	if err := setDur("probe_timeout", &cfg.ProbeTimeout, "BUILDD_PROBE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDur("shutdown_grace", &cfg.ShutdownGrace, "BUILDD_SHUTDOWN_GRACE"); err != nil {
		return err
	}
	if err := setInt("max_concurrent_workers", &cfg.MaxConcurrentWorkers, "BUILDD_MAX_CONCURRENT_WORKERS"); err != nil {
		return err
	}
	if err := setInt("scheduler_parallelism", &cfg.SchedulerParallelism, "BUILDD_SCHEDULER_PARALLELISM"); err != nil {
		return err
	}
	setList("installer_allowlist", &cfg.InstallerAllowlist, "BUILDD_INSTALLER_ALLOWLIST")
	if err := setBool("metrics_enabled", &cfg.MetricsEnabled, "BUILDD_METRICS_ENABLED"); err != nil {
		return err
	}
	return nil
}

func applyOverrides(cfg *ServerConfig, meta *Metadata, overrides Overrides) {
	if overrides.ListenAddr != nil {
		cfg.ListenAddr = *overrides.ListenAddr
		meta.sources["listen_addr"] = SourceOverride
	}
	if overrides.DatabaseURL != nil {
		cfg.DatabaseURL = *overrides.DatabaseURL
		meta.sources["database_url"] = SourceOverride
	}
	if overrides.Environment != nil {
		cfg.Environment = *overrides.Environment
		meta.sources["environment"] = SourceOverride
	}
	if overrides.PublicBaseURL != nil {
		cfg.PublicBaseURL = *overrides.PublicBaseURL
		meta.sources["public_base_url"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
		meta.sources["log_level"] = SourceOverride
	}
	if overrides.LogDir != nil {
		cfg.LogDir = *overrides.LogDir
		meta.sources["log_dir"] = SourceOverride
	}
	if overrides.LogStdout != nil {
		cfg.LogStdout = *overrides.LogStdout
		meta.sources["log_stdout"] = SourceOverride
	}
	if overrides.RateLimitRPS != nil {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
		meta.sources["rate_limit_rps"] = SourceOverride
	}
	if overrides.RateLimitBurst != nil {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
		meta.sources["rate_limit_burst"] = SourceOverride
	}
	if overrides.ClaimLeaseTTL != nil {
		cfg.ClaimLeaseTTL = *overrides.ClaimLeaseTTL
		meta.sources["claim_lease_ttl"] = SourceOverride
	}
	if overrides.SchedulerTick != nil {
		cfg.SchedulerTick = *overrides.SchedulerTick
		meta.sources["scheduler_tick"] = SourceOverride
	}
	if overrides.StaleSweepInterval != nil {
		cfg.StaleSweepInterval = *overrides.StaleSweepInterval
		meta.sources["stale_sweep_interval"] = SourceOverride
	}
	if overrides.MaxConcurrentWorkers != nil {
		cfg.MaxConcurrentWorkers = *overrides.MaxConcurrentWorkers
		meta.sources["max_concurrent_workers"] = SourceOverride
	}
	if overrides.MetricsEnabled != nil {
		cfg.MetricsEnabled = *overrides.MetricsEnabled
		meta.sources["metrics_enabled"] = SourceOverride
	}
}

func normalize(cfg *ServerConfig) {
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogDir = strings.TrimSpace(cfg.LogDir)

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = DefaultRateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = DefaultRateLimitBurst
	}
	if cfg.ClaimLeaseTTL <= 0 {
		cfg.ClaimLeaseTTL = DefaultClaimLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultLivenessWindow
	}
	if cfg.StaleActiveAfter <= 0 {
		cfg.StaleActiveAfter = DefaultStaleActiveAfter
	}
	if cfg.StalePlanningAfter <= 0 {
		cfg.StalePlanningAfter = DefaultStalePlanningAfter
	}
	if cfg.StaleSweepInterval <= 0 {
		cfg.StaleSweepInterval = DefaultStaleSweepInterval
	}
	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = DefaultSchedulerTick
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = DefaultMaxConcurrentWorkers
	}
	if cfg.SchedulerParallelism <= 0 {
		cfg.SchedulerParallelism = DefaultSchedulerParallelism
	}
	if cfg.BusHistorySize <= 0 {
		cfg.BusHistorySize = DefaultBusHistorySize
	}
	if cfg.BusClientBuffer <= 0 {
		cfg.BusClientBuffer = DefaultBusClientBuffer
	}

	cfg.CORSAllowedOrigins = dedupeTrimmed(cfg.CORSAllowedOrigins)
	cfg.InstallerAllowlist = dedupeTrimmed(cfg.InstallerAllowlist)
}

// Validate rejects configurations that would misbehave at runtime. Database
// presence is checked by commands that actually open a pool, not here.
func (c ServerConfig) Validate() error {
	switch c.Environment {
	case "development", "production", "test":
	default:
		return fmt.Errorf("environment must be development, production, or test (got %q)", c.Environment)
	}
	if c.LivenessWindow < c.HeartbeatInterval {
		return fmt.Errorf("liveness window %s shorter than heartbeat interval %s", c.LivenessWindow, c.HeartbeatInterval)
	}
	if c.StalePlanningAfter < c.StaleActiveAfter {
		return fmt.Errorf("planning staleness %s shorter than active staleness %s", c.StalePlanningAfter, c.StaleActiveAfter)
	}
	return nil
}

func splitCommaList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func dedupeTrimmed(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
