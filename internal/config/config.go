// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// server, database, geocoding, importer sources, notifications, caching and
// observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "planwatch")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]; serve only
	Environment string  // OTEL_DEPLOYMENT_ENVIRONMENT (e.g. "staging")
}

// DBConfig selects the database driver and connection.
type DBConfig struct {
	Driver string // sqlite|postgres|mysql
	Path   string // SQLite file path
	URL    string // DSN for postgres/mysql
}

// DSN returns the connection string for the configured driver.
func (d DBConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return d.URL
}

// GeocodeConfig configures the geocoding provider chain.
type GeocodeConfig struct {
	Providers   []string      // ordered, e.g. arcgis,google
	Concurrency int           // batch worker count
	MinScore    float64       // candidates below are rejected
	Timeout     time.Duration // per provider call
	RPS         float64       // per provider; 0 disables limiting
	ArcGISURL   string
	ArcGISToken string
	GoogleKey   string
}

// ImportConfig configures importer sources.
type ImportConfig struct {
	Sources       string // "name=url,name=url"
	Region        string
	RegionTZ      string
	AddressSuffix string // appended to addresses before geocoding
	PageTimeout   time.Duration
}

// Location resolves RegionTZ. Load validates it, so errors are only possible
// on hand-built configs.
func (c ImportConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.RegionTZ)
}

// SMTPConfig configures outgoing mail. An empty Host selects the log mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// NotifyConfig configures the notification run.
type NotifyConfig struct {
	CheckInterval time.Duration
	SendTimeout   time.Duration
	SMTP          SMTPConfig
}

// CacheConfig configures the lot-size quantile cache.
type CacheConfig struct {
	RedisURL       string // empty selects the in-process store
	LotSizeRefresh time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DB DBConfig

	// Pipeline
	Geocode GeocodeConfig
	Import  ImportConfig
	Notify  NotifyConfig
	Cache   CacheConfig

	// Rate limiting, per client IP. Run triggers have their own budget.
	RateRPS      float64 // tokens per second (>= 0)
	RateBurst    int     // bucket size (>= 1)
	RunRateRPS   float64 // RUN_RATE_RPS
	RunRateBurst int     // RUN_RATE_BURST

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency of run triggers
	IdempotencyTTL time.Duration

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 5*time.Minute),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "planwatch.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		// Pipeline
		Geocode: GeocodeConfig{
			Providers:   splitCSV(strings.ToLower(getenv("GEOCODE_PROVIDERS", "arcgis"))),
			Concurrency: getint("GEOCODE_CONCURRENCY", 5),
			MinScore:    getfloat("GEOCODE_MIN_SCORE", 80),
			Timeout:     getdur("GEOCODE_TIMEOUT", 10*time.Second),
			RPS:         getfloat("GEOCODE_RPS", 0),
			ArcGISURL:   getenv("ARCGIS_URL", ""),
			ArcGISToken: getenv("ARCGIS_TOKEN", ""),
			GoogleKey:   getenv("GOOGLE_API_KEY", ""),
		},
		Import: ImportConfig{
			Sources:       getenv("IMPORT_SOURCES", ""),
			Region:        getenv("IMPORT_REGION", ""),
			RegionTZ:      getenv("IMPORT_REGION_TZ", "America/New_York"),
			AddressSuffix: getenv("IMPORT_ADDRESS_SUFFIX", ""),
			PageTimeout:   getdur("IMPORT_PAGE_TIMEOUT", 30*time.Second),
		},
		Notify: NotifyConfig{
			CheckInterval: getdur("NOTIFY_CHECK_INTERVAL", 24*time.Hour),
			SendTimeout:   getdur("MAIL_SEND_TIMEOUT", 30*time.Second),
			SMTP: SMTPConfig{
				Host:     getenv("SMTP_HOST", ""),
				Port:     getint("SMTP_PORT", 587),
				Username: getenv("SMTP_USER", ""),
				Password: getenv("SMTP_PASSWORD", ""),
				From:     getenv("SMTP_FROM", "planwatch@localhost"),
			},
		},
		Cache: CacheConfig{
			RedisURL:       getenv("REDIS_URL", ""),
			LotSizeRefresh: getdur("LOTSIZE_REFRESH", 6*time.Hour),
		},

		// Rate limiting
		RateRPS:      getfloat("RATE_RPS", 5.0),
		RateBurst:    getint("RATE_BURST", 10),
		RunRateRPS:   getfloat("RUN_RATE_RPS", 0.1),
		RunRateBurst: getint("RUN_RATE_BURST", 3),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "planwatch"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
			Environment: getenv("OTEL_DEPLOYMENT_ENVIRONMENT", ""),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "sqlite3" {
		cfg.DB.Driver = "sqlite"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL must be set for DB_DRIVER " + cfg.DB.Driver)
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	for _, p := range cfg.Geocode.Providers {
		switch p {
		case "arcgis":
		case "google":
			if cfg.Geocode.GoogleKey == "" {
				return cfg, errors.New("GOOGLE_API_KEY must be set when GEOCODE_PROVIDERS includes google")
			}
		default:
			return cfg, errors.New("GEOCODE_PROVIDERS must list only: arcgis, google")
		}
	}
	if cfg.Geocode.Concurrency < 1 {
		return cfg, errors.New("GEOCODE_CONCURRENCY must be >= 1")
	}
	if cfg.Geocode.MinScore < 0 || cfg.Geocode.MinScore > 100 {
		return cfg, errors.New("GEOCODE_MIN_SCORE must be between 0 and 100")
	}
	if cfg.Geocode.Timeout <= 0 {
		return cfg, errors.New("GEOCODE_TIMEOUT must be > 0")
	}
	if cfg.Geocode.RPS < 0 {
		return cfg, errors.New("GEOCODE_RPS must be >= 0")
	}
	if _, err := cfg.Import.Location(); err != nil {
		return cfg, errors.New("IMPORT_REGION_TZ must be a valid IANA time zone")
	}
	if cfg.Import.PageTimeout <= 0 {
		return cfg, errors.New("IMPORT_PAGE_TIMEOUT must be > 0")
	}
	if cfg.Notify.CheckInterval <= 0 {
		return cfg, errors.New("NOTIFY_CHECK_INTERVAL must be > 0")
	}
	if cfg.Notify.SendTimeout <= 0 {
		return cfg, errors.New("MAIL_SEND_TIMEOUT must be > 0")
	}
	if cfg.Notify.SMTP.Port < 1 || cfg.Notify.SMTP.Port > 65535 {
		return cfg, errors.New("SMTP_PORT must be between 1 and 65535")
	}
	if cfg.Cache.LotSizeRefresh <= 0 {
		return cfg, errors.New("LOTSIZE_REFRESH must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.RunRateRPS < 0 {
		return cfg, errors.New("RUN_RATE_RPS must be >= 0")
	}
	if cfg.RunRateBurst < 1 {
		return cfg, errors.New("RUN_RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
