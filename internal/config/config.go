package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API and dispatcher processes.
// All values come from env (or an env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	Store     StoreConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Webhook   WebhookConfig
	Dispatch  DispatchConfig
	Telemetry TelemetryConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin used for provider
	// callbacks and Twilio signature checks.
	PublicBaseURL string
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type StoreConfig struct {
	// Backend selects memory (single process) or postgres+redis.
	Backend string
	// ProvidersFile is the YAML provider catalog.
	ProvidersFile string
	// SeedFile optionally preloads templates and subscriptions into the
	// memory backend.
	SeedFile string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// MaxConns caps each of the two pools (database/sql and pgx).
	MaxConns int
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	// AuthToken validates X-Twilio-Signature on status callbacks.
	AuthToken string
}

type WebhookConfig struct {
	// Secret authenticates generic provider completion callbacks.
	Secret string
}

type DispatchConfig struct {
	Interval          time.Duration
	BatchSize         int
	HandoffTimeout    time.Duration
	ReconcileInterval time.Duration
	// MaxCallDuration is how long an accepted call may run without an end
	// report before reconciliation fails it.
	MaxCallDuration time.Duration

	HealthInterval time.Duration
	HealthTimeout  time.Duration

	RetryBase        time.Duration
	RetryCap         time.Duration
	RetryMaxAttempts int

	// DisableEmbedded keeps the API process from running the background loops,
	// for deployments where `dispatcher run` owns them.
	DisableEmbedded bool
}

type TelemetryConfig struct {
	ServiceName string
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
	SampleRate   float64
}

func Load() (Config, error) {
	c := Config{}
	p := &parser{}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = p.int("APP_PORT")
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.Store.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	c.Store.ProvidersFile = strings.TrimSpace(os.Getenv("PROVIDERS_FILE"))
	c.Store.SeedFile = strings.TrimSpace(os.Getenv("SEED_FILE"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = p.int("DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.MaxConns = p.int("DB_MAX_CONNS")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = p.int("REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = p.int("REDIS_DB")
	c.Redis.KeyPrefix = strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = p.duration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = p.duration("JWT_REFRESH_TTL")

	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Webhook.Secret = os.Getenv("PROVIDER_WEBHOOK_SECRET")

	c.Dispatch.Interval = p.duration("DISPATCH_INTERVAL")
	c.Dispatch.DisableEmbedded = p.bool("DISPATCH_DISABLE_EMBEDDED")
	c.Dispatch.BatchSize = p.int("DISPATCH_BATCH_SIZE")
	c.Dispatch.HandoffTimeout = p.duration("DISPATCH_HANDOFF_TIMEOUT")
	c.Dispatch.ReconcileInterval = p.duration("DISPATCH_RECONCILE_INTERVAL")
	c.Dispatch.MaxCallDuration = p.duration("DISPATCH_MAX_CALL_DURATION")
	c.Dispatch.HealthInterval = p.duration("PROVIDER_HEALTH_INTERVAL")
	c.Dispatch.HealthTimeout = p.duration("PROVIDER_HEALTH_TIMEOUT")
	c.Dispatch.RetryBase = p.duration("RETRY_BASE")
	c.Dispatch.RetryCap = p.duration("RETRY_CAP")
	c.Dispatch.RetryMaxAttempts = p.int("RETRY_MAX_ATTEMPTS")

	c.Telemetry.ServiceName = strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME"))
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	c.Telemetry.SampleRate = p.float("OTEL_TRACES_SAMPLER_ARG")

	if err := joinErrors(p.errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.App.Port < 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL != "" {
		if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
		}
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.SeedFile != "" {
			errs = append(errs, errors.New("SEED_FILE is only supported with the memory backend"))
		}
		errs = append(errs, c.validatePostgres()...)
		errs = append(errs, c.validateRedis()...)
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be memory or postgres, got %q", c.Store.Backend))
	}
	if c.Store.ProvidersFile == "" {
		errs = append(errs, errors.New("PROVIDERS_FILE is required"))
	}

	errs = append(errs, c.validateAuth()...)

	if c.IsProduction() {
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
		}
		if c.Webhook.Secret == "" {
			errs = append(errs, errors.New("PROVIDER_WEBHOOK_SECRET is required in production"))
		}
	}

	errs = append(errs, c.validateDispatch()...)

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "calldispatch"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0,1], got %v", c.Telemetry.SampleRate))
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.Port < 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be >= 0, got %d", c.DB.MaxConns))
	}
	return errs
}

func (c *Config) validateRedis() []error {
	var errs []error
	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.Port < 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.Redis.DB))
	}
	return errs
}

func (c *Config) validateAuth() []error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes in production"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	return errs
}

func (c *Config) validateDispatch() []error {
	var errs []error
	d := &c.Dispatch
	if d.Interval <= 0 {
		d.Interval = 2 * time.Second
	}
	if d.BatchSize == 0 {
		d.BatchSize = 50
	}
	if d.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", d.BatchSize))
	}
	if d.HandoffTimeout <= 0 {
		d.HandoffTimeout = 15 * time.Second
	}
	if d.ReconcileInterval <= 0 {
		d.ReconcileInterval = time.Minute
	}
	if d.MaxCallDuration == 0 {
		d.MaxCallDuration = 2 * time.Hour
	}
	if d.MaxCallDuration < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CALL_DURATION must be positive, got %s", d.MaxCallDuration))
	}
	if d.HealthInterval <= 0 {
		d.HealthInterval = 30 * time.Second
	}
	if d.HealthTimeout <= 0 {
		d.HealthTimeout = 5 * time.Second
	}
	if d.RetryBase <= 0 {
		d.RetryBase = 30 * time.Second
	}
	if d.RetryCap <= 0 {
		d.RetryCap = time.Hour
	}
	if d.RetryCap < d.RetryBase {
		errs = append(errs, errors.New("RETRY_CAP must not be below RETRY_BASE"))
	}
	if d.RetryMaxAttempts == 0 {
		d.RetryMaxAttempts = 5
	}
	if d.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", d.RetryMaxAttempts))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) UsesPostgres() bool {
	return c.Store.Backend == BackendPostgres
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// parser collects malformed values so Load can report them together.
// Empty values parse as zero and are defaulted in Validate.
type parser struct {
	errs []error
}

func (p *parser) int(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func (p *parser) duration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return 0
	}
	return d
}

func (p *parser) bool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return false
	}
	return b
}

func (p *parser) float(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a number, got %q", key, v))
		return 0
	}
	return f
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
