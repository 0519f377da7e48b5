package config

import (
	"os"
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Coordination timing defaults. These track the protocol constants the rest
// of the server assumes; changing them changes how aggressively leases expire
// and how quickly stalled workers are recovered.
const (
	DefaultListenAddr = ":8420"

	DefaultClaimLeaseTTL      = 15 * time.Minute
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultLivenessWindow     = 90 * time.Second
	DefaultStaleActiveAfter   = 5 * time.Minute
	DefaultStalePlanningAfter = 15 * time.Minute
	DefaultStaleSweepInterval = 60 * time.Second
	DefaultSchedulerTick      = 30 * time.Second
	DefaultProbeTimeout       = 10 * time.Second
	DefaultShutdownGrace      = 20 * time.Second

	DefaultMaxConcurrentWorkers = 3
	DefaultSchedulerParallelism = 4

	DefaultRateLimitRPS   = 10.0
	DefaultRateLimitBurst = 30

	DefaultBusHistorySize  = 256
	DefaultBusClientBuffer = 64
)

// ServerConfig captures the operator-tunable settings for the coordination
// server. Values load in layers: compiled defaults, then the YAML config
// file, then BUILDD_* environment variables, then programmatic overrides.
type ServerConfig struct {
	ListenAddr  string
	DatabaseURL string
	Environment string

	// PublicBaseURL prefixes artifact share links handed to clients.
	PublicBaseURL string

	LogLevel  string
	LogDir    string
	LogStdout bool

	CORSAllowedOrigins []string

	RateLimitRPS   float64
	RateLimitBurst int

	ClaimLeaseTTL      time.Duration
	HeartbeatInterval  time.Duration
	LivenessWindow     time.Duration
	StaleActiveAfter   time.Duration
	StalePlanningAfter time.Duration
	StaleSweepInterval time.Duration
	SchedulerTick      time.Duration
	ProbeTimeout       time.Duration
	ShutdownGrace      time.Duration

	MaxConcurrentWorkers int
	SchedulerParallelism int

	// InstallerAllowlist extends the built-in set of permitted skill
	// installer command prefixes.
	InstallerAllowlist []string

	BusHistorySize  int
	BusClientBuffer int

	MetricsEnabled bool
}

// IsProduction reports whether the server runs with production hardening.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	path     string
	loadedAt time.Time
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Path returns the config file path consulted during the load, empty when no
// file layer applied.
func (m Metadata) Path() string { return m.path }

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// Overrides conveys caller-specified values that win over env/file sources.
type Overrides struct {
	ListenAddr           *string
	DatabaseURL          *string
	Environment          *string
	PublicBaseURL        *string
	LogLevel             *string
	LogDir               *string
	LogStdout            *bool
	RateLimitRPS         *float64
	RateLimitBurst       *int
	ClaimLeaseTTL        *time.Duration
	SchedulerTick        *time.Duration
	StaleSweepInterval   *time.Duration
	MaxConcurrentWorkers *int
	MetricsEnabled       *bool
}

// EnvLookup resolves environment variables; injectable for tests.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Option customizes configuration loading.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	overrides  Overrides
}

// WithEnv injects an environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.envLookup = lookup
		}
	}
}

// WithFileReader injects the file reader used for the config file layer.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		if reader != nil {
			o.readFile = reader
		}
	}
}

// WithHomeDir injects the home directory resolver.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		if resolver != nil {
			o.homeDir = resolver
		}
	}
}

// WithConfigPath pins the config file location instead of ~/.buildd/server.yaml.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithOverrides applies caller-specified values after all other layers.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}
