package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.lender.test" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "backoffice-bff" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Lending.BaseURL != "https://lending.internal" {
		t.Errorf("Lending.BaseURL = %q", cfg.Lending.BaseURL)
	}
	if cfg.Lending.Timeout != 8*time.Second {
		t.Errorf("Lending.Timeout = %v, want 8s", cfg.Lending.Timeout)
	}
	if cfg.Lending.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("Lending.CircuitBreaker.FailureThreshold = %d, want 3", cfg.Lending.CircuitBreaker.FailureThreshold)
	}
	if cfg.Lending.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("Lending.CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Lending.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Lending.Retry.MaxAttempts != 1 {
		t.Errorf("Lending.Retry.MaxAttempts = %d, want 1", cfg.Lending.Retry.MaxAttempts)
	}
	if cfg.Session.Driver != DriverRedis {
		t.Errorf("Session.Driver = %q, want redis", cfg.Session.Driver)
	}
	if cfg.Session.IdleTTL != 30*time.Minute {
		t.Errorf("Session.IdleTTL = %v, want 30m", cfg.Session.IdleTTL)
	}
	if cfg.Session.Redis.AddrEnv != "ONBOARDING_REDIS_ADDR" || cfg.Session.Redis.DB != 2 {
		t.Errorf("Session.Redis = %+v", cfg.Session.Redis)
	}
	if cfg.Session.Redis.KeyPrefix != "backoffice:onboarding:" {
		t.Errorf("Session.Redis.KeyPrefix = %q, want default", cfg.Session.Redis.KeyPrefix)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("Observability.LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v, want identity.issuer message", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Capability.Cache.TTL != 5*time.Minute {
		t.Errorf("default Capability.Cache.TTL = %v, want 5m", cfg.Capability.Cache.TTL)
	}
	if cfg.Session.Driver != DriverMemory {
		t.Errorf("default Session.Driver = %q, want memory", cfg.Session.Driver)
	}
	if cfg.Lending.Timeout != 10*time.Second {
		t.Errorf("default Lending.Timeout = %v, want 10s", cfg.Lending.Timeout)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BACKOFFICE_SERVER_PORT", "3000")
	t.Setenv("BACKOFFICE_IDENTITY_ISSUER", "https://env-issuer.test")
	t.Setenv("BACKOFFICE_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("BACKOFFICE_LENDING_BASE_URL", "https://lending.env")
	t.Setenv("BACKOFFICE_SESSION_DRIVER", "memory")
	t.Setenv("BACKOFFICE_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.test" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Lending.BaseURL != "https://lending.env" {
		t.Errorf("Lending.BaseURL = %q, want env override", cfg.Lending.BaseURL)
	}
	if cfg.Session.Driver != DriverMemory {
		t.Errorf("Session.Driver = %q, want env override", cfg.Session.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.lender.test"
	cfg.Identity.JWKSURL = "https://auth.lender.test/.well-known/jwks.json"
	cfg.Identity.Audience = "backoffice-bff"
	cfg.Lending.BaseURL = "https://lending.internal"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing lending url", func(c *Config) { c.Lending.BaseURL = "" }, "lending.base_url"},
		{"unknown driver", func(c *Config) { c.Session.Driver = "etcd" }, "session.driver"},
		{"redis without addr env", func(c *Config) {
			c.Session.Driver = DriverRedis
			c.Session.Redis.AddrEnv = ""
		}, "session.redis.addr_env"},
		{"postgres without dsn env", func(c *Config) {
			c.Session.Driver = DriverPostgres
			c.Session.Postgres.DSNEnv = ""
		}, "session.postgres.dsn_env"},
		{"zero idle ttl", func(c *Config) { c.Session.IdleTTL = 0 }, "session.idle_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_joins_errors(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() on bare defaults should fail")
	}
	if got := strings.Count(err.Error(), ";"); got != 3 {
		t.Errorf("Validate() = %q, want 4 joined messages", err)
	}
}
