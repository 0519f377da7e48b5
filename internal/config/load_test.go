package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func emptyEnv(string) (string, bool) { return "", false }

func missingFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func fixedHome(dir string) func() (string, error) {
	return func() (string, error) { return dir, nil }
}

func envMap(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(
		WithEnv(emptyEnv),
		WithFileReader(missingFile),
		WithHomeDir(fixedHome("/nonexistent")),
	)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want development", cfg.Environment)
	}
	if cfg.ClaimLeaseTTL != 15*time.Minute {
		t.Errorf("ClaimLeaseTTL = %s, want 15m", cfg.ClaimLeaseTTL)
	}
	if cfg.LivenessWindow != 90*time.Second {
		t.Errorf("LivenessWindow = %s, want 90s", cfg.LivenessWindow)
	}
	if cfg.StaleActiveAfter != 5*time.Minute || cfg.StalePlanningAfter != 15*time.Minute {
		t.Errorf("staleness thresholds = %s/%s, want 5m/15m", cfg.StaleActiveAfter, cfg.StalePlanningAfter)
	}
	if cfg.MaxConcurrentWorkers != 3 {
		t.Errorf("MaxConcurrentWorkers = %d, want 3", cfg.MaxConcurrentWorkers)
	}
	if got := meta.Source("listen_addr"); got != SourceDefault {
		t.Errorf("Source(listen_addr) = %q, want default", got)
	}
	if meta.Path() != "" {
		t.Errorf("Path = %q, want empty when no file loaded", meta.Path())
	}
}

func TestLoadFileLayer(t *testing.T) {
	const yamlBody = `
listen_addr: ":9999"
database_url: postgres://buildd:secret@db/buildd
environment: production
log:
  level: debug
  stdout: false
claim:
  lease_ttl: 20m
  max_concurrent_workers: 5
scheduler:
  tick: 45s
  parallelism: 8
skills:
  installer_allowlist:
    - "poetry add"
    - "poetry add"
`
	var readPath string
	readFile := func(path string) ([]byte, error) {
		readPath = path
		return []byte(yamlBody), nil
	}

	cfg, meta, err := Load(
		WithEnv(emptyEnv),
		WithFileReader(readFile),
		WithHomeDir(fixedHome("/home/svc")),
	)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if want := "/home/svc/.buildd/server.yaml"; readPath != want {
		t.Errorf("config path = %q, want %q", readPath, want)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if !cfg.IsProduction() {
		t.Errorf("IsProduction = false, want true")
	}
	if cfg.LogLevel != "debug" || cfg.LogStdout {
		t.Errorf("log = %q/stdout=%v, want debug/false", cfg.LogLevel, cfg.LogStdout)
	}
	if cfg.ClaimLeaseTTL != 20*time.Minute {
		t.Errorf("ClaimLeaseTTL = %s, want 20m", cfg.ClaimLeaseTTL)
	}
	if cfg.MaxConcurrentWorkers != 5 {
		t.Errorf("MaxConcurrentWorkers = %d, want 5", cfg.MaxConcurrentWorkers)
	}
	if cfg.SchedulerTick != 45*time.Second || cfg.SchedulerParallelism != 8 {
		t.Errorf("scheduler = %s/%d, want 45s/8", cfg.SchedulerTick, cfg.SchedulerParallelism)
	}
	if len(cfg.InstallerAllowlist) != 1 || cfg.InstallerAllowlist[0] != "poetry add" {
		t.Errorf("InstallerAllowlist = %v, want deduped single entry", cfg.InstallerAllowlist)
	}
	if got := meta.Source("claim_lease_ttl"); got != SourceFile {
		t.Errorf("Source(claim_lease_ttl) = %q, want file", got)
	}
	if got := meta.Source("heartbeat_interval"); got != SourceDefault {
		t.Errorf("Source(heartbeat_interval) = %q, want default", got)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	readFile := func(string) ([]byte, error) {
		return []byte("listen_addr: \":9000\"\ndatabase_url: postgres://file/db\n"), nil
	}
	env := envMap(map[string]string{
		"BUILDD_LISTEN_ADDR":    ":7000",
		"BUILDD_CLAIM_LEASE_TTL": "30m",
		"DATABASE_URL":          "postgres://env/db",
	})

	cfg, meta, err := Load(
		WithEnv(env),
		WithFileReader(readFile),
		WithHomeDir(fixedHome("/home/svc")),
	)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want env value :7000", cfg.ListenAddr)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
	}
	if cfg.ClaimLeaseTTL != 30*time.Minute {
		t.Errorf("ClaimLeaseTTL = %s, want 30m", cfg.ClaimLeaseTTL)
	}
	if got := meta.Source("listen_addr"); got != SourceEnv {
		t.Errorf("Source(listen_addr) = %q, want environment", got)
	}
}

func TestLoadPrefixedEnvWinsOverBare(t *testing.T) {
	env := envMap(map[string]string{
		"BUILDD_DATABASE_URL": "postgres://prefixed/db",
		"DATABASE_URL":        "postgres://bare/db",
	})

	cfg, _, err := Load(WithEnv(env), WithFileReader(missingFile), WithHomeDir(fixedHome("/home/svc")))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://prefixed/db" {
		t.Errorf("DatabaseURL = %q, want BUILDD_DATABASE_URL to win", cfg.DatabaseURL)
	}
}

func TestLoadOverridesWin(t *testing.T) {
	env := envMap(map[string]string{"BUILDD_LISTEN_ADDR": ":7000"})
	addr := ":6000"
	tick := 10 * time.Second

	cfg, meta, err := Load(
		WithEnv(env),
		WithFileReader(missingFile),
		WithHomeDir(fixedHome("/home/svc")),
		WithOverrides(Overrides{ListenAddr: &addr, SchedulerTick: &tick}),
	)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":6000" {
		t.Errorf("ListenAddr = %q, want override :6000", cfg.ListenAddr)
	}
	if cfg.SchedulerTick != 10*time.Second {
		t.Errorf("SchedulerTick = %s, want 10s", cfg.SchedulerTick)
	}
	if got := meta.Source("listen_addr"); got != SourceOverride {
		t.Errorf("Source(listen_addr) = %q, want override", got)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := []struct {
		name     string
		readFile func(string) ([]byte, error)
		env      EnvLookup
		wantErr  string
	}{
		{
			name: "bad file duration",
			readFile: func(string) ([]byte, error) {
				return []byte("claim:\n  lease_ttl: fifteen\n"), nil
			},
			env:     emptyEnv,
			wantErr: "claim_lease_ttl",
		},
		{
			name:     "bad env integer",
			readFile: missingFile,
			env:      envMap(map[string]string{"BUILDD_RATE_LIMIT_BURST": "lots"}),
			wantErr:  "BUILDD_RATE_LIMIT_BURST",
		},
		{
			name:     "bad env bool",
			readFile: missingFile,
			env:      envMap(map[string]string{"BUILDD_METRICS_ENABLED": "yep"}),
			wantErr:  "BUILDD_METRICS_ENABLED",
		},
		{
			name:     "unknown environment",
			readFile: missingFile,
			env:      envMap(map[string]string{"BUILDD_ENV": "staging"}),
			wantErr:  "environment must be",
		},
		{
			name:     "liveness below heartbeat",
			readFile: missingFile,
			env: envMap(map[string]string{
				"BUILDD_HEARTBEAT_INTERVAL": "2m",
				"BUILDD_LIVENESS_WINDOW":    "30s",
			}),
			wantErr: "liveness window",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Load(WithEnv(tc.env), WithFileReader(tc.readFile), WithHomeDir(fixedHome("/home/svc")))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadNormalizesValues(t *testing.T) {
	env := envMap(map[string]string{
		"BUILDD_ENV":             "  Production ",
		"BUILDD_PUBLIC_BASE_URL": "https://buildd.example.com/",
		"BUILDD_CORS_ORIGINS":    "https://a.example, https://b.example, ,https://a.example",
	})

	cfg, _, err := Load(WithEnv(env), WithFileReader(missingFile), WithHomeDir(fixedHome("/home/svc")))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want production", cfg.Environment)
	}
	if cfg.PublicBaseURL != "https://buildd.example.com" {
		t.Errorf("PublicBaseURL = %q, want trailing slash trimmed", cfg.PublicBaseURL)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.CORSAllowedOrigins) != len(want) {
		t.Fatalf("CORSAllowedOrigins = %v, want %v", cfg.CORSAllowedOrigins, want)
	}
	for i := range want {
		if cfg.CORSAllowedOrigins[i] != want[i] {
			t.Errorf("CORSAllowedOrigins[%d] = %q, want %q", i, cfg.CORSAllowedOrigins[i], want[i])
		}
	}
}
