package config

import (
	"strings"
	"testing"
	"time"
)

func validMemory() Config {
	return Config{
		App:   AppConfig{Env: "local"},
		Store: StoreConfig{ProvidersFile: "providers.yaml"},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "PROVIDERS_FILE", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestValidate_MemoryBackendAppliesDefaults(t *testing.T) {
	c := validMemory()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Store.Backend != BackendMemory || c.App.Port != 8080 {
		t.Fatalf("unexpected defaults: %+v %+v", c.Store, c.App)
	}
	d := c.Dispatch
	if d.HandoffTimeout != 15*time.Second || d.MaxCallDuration != 2*time.Hour || d.RetryBase != 30*time.Second || d.RetryCap != time.Hour || d.RetryMaxAttempts != 5 {
		t.Fatalf("unexpected dispatch defaults: %+v", d)
	}
	if c.Telemetry.ServiceName != "calldispatch" || c.Telemetry.SampleRate != 1 {
		t.Fatalf("unexpected telemetry defaults: %+v", c.Telemetry)
	}
}

func TestValidate_PostgresRequiresDBAndRedis(t *testing.T) {
	c := validMemory()
	c.Store.Backend = BackendPostgres
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for postgres backend without DB settings")
	}
	for _, want := range []string{"DB_HOST", "DB_USER", "DB_NAME", "REDIS_HOST"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:     AppConfig{Env: "production", PublicBaseURL: "https://dispatch.example.com"},
		Store:   StoreConfig{Backend: BackendPostgres, ProvidersFile: "p.yaml"},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis:   RedisConfig{Host: "localhost", Port: 6379},
		Auth:    AuthConfig{JWTSecret: strings.Repeat("s", 32), JWTIssuer: "iss", JWTAudience: "aud"},
		Webhook: WebhookConfig{Secret: "whsec"},
	}
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validMemory()
	c.Store.Backend = BackendPostgres
	c.DB = DBConfig{Host: "localhost", User: "postgres", Password: "x", Name: "calls"}
	c.Redis = RedisConfig{Host: "localhost"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" || c.DB.Port != 5432 || c.Redis.Port != 6379 {
		t.Fatalf("unexpected defaults: %+v %+v", c.DB, c.Redis)
	}
}

func TestValidate_RejectsBadRetryBounds(t *testing.T) {
	c := validMemory()
	c.Dispatch.RetryBase = time.Hour
	c.Dispatch.RetryCap = time.Minute
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error when cap is below base")
	}
}

func TestValidate_RejectsNegativeMaxCallDuration(t *testing.T) {
	c := validMemory()
	c.Dispatch.MaxCallDuration = -time.Minute
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DISPATCH_MAX_CALL_DURATION") {
		t.Fatalf("expected max call duration error, got %v", err)
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("PROVIDERS_FILE", "providers.yaml")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DISPATCH_HANDOFF_TIMEOUT", "5s")
	t.Setenv("DISPATCH_MAX_CALL_DURATION", "45m")
	t.Setenv("RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("PUBLIC_BASE_URL", "https://dispatch.example.com/")
	t.Setenv("DISPATCH_DISABLE_EMBEDDED", "true")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Dispatch.HandoffTimeout != 5*time.Second || c.Dispatch.MaxCallDuration != 45*time.Minute || c.Dispatch.RetryMaxAttempts != 3 {
		t.Fatalf("unexpected dispatch config: %+v", c.Dispatch)
	}
	if c.App.PublicBaseURL != "https://dispatch.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", c.App.PublicBaseURL)
	}
	if !c.Dispatch.DisableEmbedded {
		t.Fatalf("expected embedded dispatch disabled")
	}
}

func TestLoad_ReportsMalformedValues(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("PROVIDERS_FILE", "providers.yaml")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DISPATCH_INTERVAL", "soon")
	t.Setenv("APP_PORT", "eighty")
	t.Setenv("DISPATCH_DISABLE_EMBEDDED", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	if !strings.Contains(err.Error(), "DISPATCH_INTERVAL") || !strings.Contains(err.Error(), "APP_PORT") ||
		!strings.Contains(err.Error(), "DISPATCH_DISABLE_EMBEDDED") {
		t.Fatalf("expected both keys reported, got %q", err.Error())
	}
}
