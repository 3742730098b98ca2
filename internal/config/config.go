// Package config provides application configuration loaded from environment
// variables (optionally seeded from a .env file in development).
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds the HTTP surface (websocket upgrade + healthz) settings.
type ServerConfig struct {
	Port         string // e.g. "8080"
	Env          string // "development" | "production"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string // full postgres DSN
	MaxOpenConns    int    // default 25
	MaxIdleConns    int    // default 10
	ConnMaxLifetime time.Duration
}

// SourceEndpoint groups one upstream's base URL with its own rate-limit and
// retry knobs — each of the four stages hits a different, independently
// flaky API and needs its own budget.
type SourceEndpoint struct {
	BaseURL         string
	RequestsPerSec  float64
	Burst           int
	RequestTimeout  time.Duration
	MaxRetries      int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

// SourcesConfig holds per-stage upstream endpoint settings for the four C3
// source clients.
type SourcesConfig struct {
	Market   SourceEndpoint
	Security SourceEndpoint
	Router   SourceEndpoint
	Chain    SourceEndpoint
}

// CacheConfig controls the bounded TTL cache (C2) shared by the source
// clients.
type CacheConfig struct {
	TTL             time.Duration
	MaxEntries      int
	SweepInterval   time.Duration
}

// PipelineConfig controls the C4 per-token staged evaluation.
type PipelineConfig struct {
	PerTokenTimeout time.Duration
	MaxConcurrent   int
	Weights         ScoreWeights
	Filter          FilterDefaults
}

// ScoreWeights assigns relative importance to each stage's contribution to
// CombinedAnalysis.OverallScore. The pipeline does not normalize them: each
// stage's contribution is multiplied by its weight, the products are summed,
// and the sum is clamped to 0..100.
type ScoreWeights struct {
	Market   decimal.Decimal
	Security decimal.Decimal
	Router   decimal.Decimal
	Chain    decimal.Decimal
}

// FilterDefaults is the env-configurable baseline FilterCriteria applied
// when the Aggregator isn't given an explicit override via UpdateConfig.
// Every field here is always-set (no env-level "absent" representation);
// pipeline.CriteriaFromConfig converts these into the pointer-typed
// domain.FilterCriteria, where a nil field means "no constraint."
type FilterDefaults struct {
	MinAgeHours             float64
	MaxAgeHours             float64
	MinLiquidityUSD         float64
	MinVolumeUSD            float64
	MinSafetyScore          float64 // 0..10
	AllowHoneypot           bool
	RequireRouting          bool
	MaxSlippagePct          float64
	AllowBlacklisted        bool
	MaxCreatorRugs          int
	MaxTopHoldersPercentage float64 // 0..100
}

// AggregatorConfig controls the C5 scheduling loop.
type AggregatorConfig struct {
	TickInterval     time.Duration
	MaxTokensPerRun  int
	BatchSize        int
	RetryAttempts    int
	CacheResults     bool
	DedupeWindow     time.Duration
}

// HealthConfig controls the C6 dependency health monitor.
type HealthConfig struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FreshnessTTL     time.Duration
	DegradedThreshold int // failing sources in one probe round for "degraded"
	UnhealthyThreshold int // failing sources in one probe round for "unhealthy"
}

// HubConfig controls the C7 pub/sub hub's client protocol.
type HubConfig struct {
	ClientBufferSize int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	ReapInterval     time.Duration
	// JWTSecret optionally identifies hub clients via a bearer token on the
	// /ws upgrade's ?token= query param. Empty means every connection is
	// anonymous; identification is never required to connect.
	JWTSecret string
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Sources    SourcesConfig
	Cache      CacheConfig
	Pipeline   PipelineConfig
	Aggregator AggregatorConfig
	Health     HealthConfig
	Hub        HubConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and
// consistent. Returns the joined set of every violation found, not just the
// first, so a misconfigured deploy reports everything wrong in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}

	if c.Aggregator.TickInterval <= 0 {
		errs = append(errs, errors.New("AGGREGATOR_TICK_INTERVAL must be positive"))
	}
	if c.Aggregator.MaxTokensPerRun <= 0 {
		errs = append(errs, errors.New("AGGREGATOR_MAX_TOKENS_PER_RUN must be positive"))
	}
	if c.Aggregator.BatchSize <= 0 {
		errs = append(errs, errors.New("AGGREGATOR_BATCH_SIZE must be positive"))
	}

	if c.Pipeline.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("PIPELINE_MAX_CONCURRENT must be positive"))
	}

	weightSum := c.Pipeline.Weights.Market.
		Add(c.Pipeline.Weights.Security).
		Add(c.Pipeline.Weights.Router).
		Add(c.Pipeline.Weights.Chain)
	if weightSum.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, fmt.Errorf(
			"score weights must sum to a positive value, got %s", weightSum,
		))
	}

	for name, ep := range map[string]SourceEndpoint{
		"market": c.Sources.Market, "security": c.Sources.Security,
		"router": c.Sources.Router, "chain": c.Sources.Chain,
	} {
		if ep.BaseURL == "" {
			errs = append(errs, fmt.Errorf("SOURCES_%s_BASE_URL must be set", name))
		}
		if ep.RequestsPerSec <= 0 {
			errs = append(errs, fmt.Errorf("SOURCES_%s_RPS must be positive", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment
// variables. Panics if loading fails — call this early in main() to catch
// misconfigurations at startup.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load() // best-effort; absence of a .env file is normal in prod
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:         getEnv("SERVER_PORT", "8080"),
		Env:          getEnv("ENVIRONMENT", "development"),
		ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "tokensentry"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}
	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── Sources ───────────────────────────────────────────────────────────────
	market, err := loadSourceEndpoint("MARKET", "https://api.dexmarketdata.io", 5, 10)
	if err != nil {
		return nil, err
	}
	security, err := loadSourceEndpoint("SECURITY", "https://api.tokensafety.io", 2, 4)
	if err != nil {
		return nil, err
	}
	router, err := loadSourceEndpoint("ROUTER", "https://api.dexrouter.io", 3, 6)
	if err != nil {
		return nil, err
	}
	chain, err := loadSourceEndpoint("CHAIN", "https://api.chainindex.io", 4, 8)
	if err != nil {
		return nil, err
	}
	cfg.Sources = SourcesConfig{Market: market, Security: security, Router: router, Chain: chain}

	// ── Cache ─────────────────────────────────────────────────────────────────
	maxEntries, err := getInt("CACHE_MAX_ENTRIES", 5000)
	if err != nil {
		return nil, fmt.Errorf("CACHE_MAX_ENTRIES: %w", err)
	}
	cfg.Cache = CacheConfig{
		TTL:           getDuration("CACHE_TTL", 30*time.Second),
		MaxEntries:    maxEntries,
		SweepInterval: getDuration("CACHE_SWEEP_INTERVAL", 1*time.Minute),
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	maxConcurrent, err := getInt("PIPELINE_MAX_CONCURRENT", 8)
	if err != nil {
		return nil, fmt.Errorf("PIPELINE_MAX_CONCURRENT: %w", err)
	}
	cfg.Pipeline = PipelineConfig{
		PerTokenTimeout: getDuration("PIPELINE_PER_TOKEN_TIMEOUT", 8*time.Second),
		MaxConcurrent:   maxConcurrent,
		Weights: ScoreWeights{
			Market:   getDecimal("PIPELINE_WEIGHT_MARKET", decimal.NewFromFloat(0.25)),
			Security: getDecimal("PIPELINE_WEIGHT_SECURITY", decimal.NewFromFloat(0.35)),
			Router:   getDecimal("PIPELINE_WEIGHT_ROUTER", decimal.NewFromFloat(0.20)),
			Chain:    getDecimal("PIPELINE_WEIGHT_CHAIN", decimal.NewFromFloat(0.20)),
		},
		Filter: FilterDefaults{
			MinAgeHours:             getFloatDefault("FILTER_MIN_AGE_HOURS", 1),
			MaxAgeHours:             getFloatDefault("FILTER_MAX_AGE_HOURS", 24),
			MinLiquidityUSD:         getFloatDefault("FILTER_MIN_LIQUIDITY_USD", 10000),
			MinVolumeUSD:            getFloatDefault("FILTER_MIN_VOLUME_USD", 5000),
			MinSafetyScore:          getFloatDefault("FILTER_MIN_SAFETY_SCORE", 6),
			AllowHoneypot:           getBool("FILTER_ALLOW_HONEYPOT", false),
			RequireRouting:          getBool("FILTER_REQUIRE_ROUTING", true),
			MaxSlippagePct:          getFloatDefault("FILTER_MAX_SLIPPAGE_PCT", 5),
			AllowBlacklisted:        getBool("FILTER_ALLOW_BLACKLISTED", false),
			MaxCreatorRugs:          getIntDefault("FILTER_MAX_CREATOR_RUGS", 0),
			MaxTopHoldersPercentage: getFloatDefault("FILTER_MAX_TOP_HOLDERS_PERCENTAGE", 50),
		},
	}

	// ── Aggregator ────────────────────────────────────────────────────────────
	maxTokens, err := getInt("AGGREGATOR_MAX_TOKENS_PER_RUN", 200)
	if err != nil {
		return nil, fmt.Errorf("AGGREGATOR_MAX_TOKENS_PER_RUN: %w", err)
	}
	batchSize, err := getInt("AGGREGATOR_BATCH_SIZE", 25)
	if err != nil {
		return nil, fmt.Errorf("AGGREGATOR_BATCH_SIZE: %w", err)
	}
	retryAttempts, err := getInt("AGGREGATOR_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("AGGREGATOR_RETRY_ATTEMPTS: %w", err)
	}
	cfg.Aggregator = AggregatorConfig{
		TickInterval:    getDuration("AGGREGATOR_TICK_INTERVAL", 2*time.Minute),
		MaxTokensPerRun: maxTokens,
		BatchSize:       batchSize,
		RetryAttempts:   retryAttempts,
		CacheResults:    getBool("AGGREGATOR_CACHE_RESULTS", true),
		DedupeWindow:    getDuration("AGGREGATOR_DEDUPE_WINDOW", 24*time.Hour),
	}

	// ── Health ────────────────────────────────────────────────────────────────
	degraded, err := getInt("HEALTH_DEGRADED_THRESHOLD", 2)
	if err != nil {
		return nil, fmt.Errorf("HEALTH_DEGRADED_THRESHOLD: %w", err)
	}
	unhealthy, err := getInt("HEALTH_UNHEALTHY_THRESHOLD", 4)
	if err != nil {
		return nil, fmt.Errorf("HEALTH_UNHEALTHY_THRESHOLD: %w", err)
	}
	cfg.Health = HealthConfig{
		ProbeInterval:      getDuration("HEALTH_PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:       getDuration("HEALTH_PROBE_TIMEOUT", 3*time.Second),
		FreshnessTTL:       getDuration("HEALTH_FRESHNESS_TTL", 20*time.Second),
		DegradedThreshold:  degraded,
		UnhealthyThreshold: unhealthy,
	}

	// ── Hub ───────────────────────────────────────────────────────────────────
	bufSize, err := getInt("HUB_CLIENT_BUFFER_SIZE", 64)
	if err != nil {
		return nil, fmt.Errorf("HUB_CLIENT_BUFFER_SIZE: %w", err)
	}
	cfg.Hub = HubConfig{
		ClientBufferSize: bufSize,
		WriteTimeout:     getDuration("HUB_WRITE_TIMEOUT", 10*time.Second),
		PingInterval:     getDuration("HUB_PING_INTERVAL", 30*time.Second),
		PongWait:         getDuration("HUB_PONG_WAIT", 35*time.Second),
		ReapInterval:     getDuration("HUB_REAP_INTERVAL", 10*time.Second),
		JWTSecret:        getEnv("HUB_JWT_SECRET", ""),
	}

	return cfg, nil
}

func loadSourceEndpoint(prefix, defaultURL string, defaultRPS float64, defaultBurst int) (SourceEndpoint, error) {
	rps, err := getFloat("SOURCES_"+prefix+"_RPS", defaultRPS)
	if err != nil {
		return SourceEndpoint{}, fmt.Errorf("SOURCES_%s_RPS: %w", prefix, err)
	}
	burst, err := getInt("SOURCES_"+prefix+"_BURST", defaultBurst)
	if err != nil {
		return SourceEndpoint{}, fmt.Errorf("SOURCES_%s_BURST: %w", prefix, err)
	}
	retries, err := getInt("SOURCES_"+prefix+"_MAX_RETRIES", 3)
	if err != nil {
		return SourceEndpoint{}, fmt.Errorf("SOURCES_%s_MAX_RETRIES: %w", prefix, err)
	}
	return SourceEndpoint{
		BaseURL:        getEnv("SOURCES_"+prefix+"_BASE_URL", defaultURL),
		RequestsPerSec: rps,
		Burst:          burst,
		RequestTimeout: getDuration("SOURCES_"+prefix+"_TIMEOUT", 3*time.Second),
		MaxRetries:     retries,
		BackoffInitial: getDuration("SOURCES_"+prefix+"_BACKOFF_INITIAL", 250*time.Millisecond),
		BackoffMax:     getDuration("SOURCES_"+prefix+"_BACKOFF_MAX", 5*time.Second),
	}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

// getIntDefault is like getInt but silently falls back on parse error,
// for knobs where a malformed value shouldn't block boot.
func getIntDefault(key string, defaultVal int) int {
	n, err := getInt(key, defaultVal)
	if err != nil {
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

func getFloatDefault(key string, defaultVal float64) float64 {
	f, err := getFloat(key, defaultVal)
	if err != nil {
		return defaultVal
	}
	return f
}

func getDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or unparseable.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
