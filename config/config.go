package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the shiftline service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	TurnDeadline   time.Duration `mapstructure:"turn_deadline"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	APITokenHash string `mapstructure:"api_token_hash"` // bcrypt hash of the static API token
}

// LLMConfig contains language model provider configuration
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing   LLMRoutingConfig             `mapstructure:"routing"`
}

// LLMProviderConfig represents a single model provider
type LLMProviderConfig struct {
	Type       string        `mapstructure:"type"` // openai-compatible
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig names the primary and fallback model identifiers
type LLMRoutingConfig struct {
	Primary  string `mapstructure:"primary"`
	Fallback string `mapstructure:"fallback"`
}

// AgentConfig bounds the optional model-driven turn phase
type AgentConfig struct {
	Mode            string        `mapstructure:"mode"` // agent or deterministic
	MaxToolRounds   int           `mapstructure:"max_tool_rounds"`
	MaxToolCalls    int           `mapstructure:"max_tool_calls"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	SummaryTimeout  time.Duration `mapstructure:"summary_timeout"`
	RepairTimeout   time.Duration `mapstructure:"repair_timeout"`
	MinRepairBudget time.Duration `mapstructure:"min_repair_budget"`
}

// Normalize applies defaults for unset agent values.
func (a AgentConfig) Normalize() AgentConfig {
	if a.Mode == "" {
		a.Mode = "agent"
	}
	if a.MaxToolRounds <= 0 {
		a.MaxToolRounds = 2
	}
	if a.MaxToolCalls <= 0 {
		a.MaxToolCalls = 8
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = 2048
	}
	if a.SummaryTimeout <= 0 {
		a.SummaryTimeout = 900 * time.Millisecond
	}
	if a.RepairTimeout <= 0 {
		a.RepairTimeout = 1500 * time.Millisecond
	}
	if a.MinRepairBudget <= 0 {
		a.MinRepairBudget = 300 * time.Millisecond
	}
	return a
}

// Validate ensures agent settings are usable.
func (a AgentConfig) Validate() error {
	if a.Mode != "agent" && a.Mode != "deterministic" {
		return fmt.Errorf("agent.mode must be agent or deterministic, got %q", a.Mode)
	}
	return nil
}

// SourcesConfig contains per-provider settings for the signal fan-out
type SourcesConfig struct {
	Places         PlacesConfig         `mapstructure:"places"`
	Weather        WeatherConfig        `mapstructure:"weather"`
	Events         EventsConfig         `mapstructure:"events"`
	Closures       ClosuresConfig       `mapstructure:"closures"`
	Reviews        ReviewsConfig        `mapstructure:"reviews"`
	SchoolCalendar SchoolCalendarConfig `mapstructure:"school_calendar"`
}

// PlacesConfig contains geocoding/places provider settings
type PlacesConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// WeatherConfig contains forecast provider settings
type WeatherConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EventsConfig contains venue-event provider settings
type EventsConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Endpoint   string        `mapstructure:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxResults int           `mapstructure:"max_results"`
}

// ClosuresConfig contains street-closure provider settings
type ClosuresConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RadiusKM float64       `mapstructure:"radius_km"`
}

// ReviewsConfig bounds the review-signal fetch
type ReviewsConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxPerPlace int           `mapstructure:"max_per_place"`
}

// SchoolCalendarConfig bounds the school-calendar store read
type SchoolCalendarConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Normalize fills the per-source timeout budgets the turn deadline is carved into.
func (s SourcesConfig) Normalize() SourcesConfig {
	if s.Places.Timeout <= 0 {
		s.Places.Timeout = 900 * time.Millisecond
	}
	if s.Weather.Timeout <= 0 {
		s.Weather.Timeout = 1200 * time.Millisecond
	}
	if s.Events.Timeout <= 0 {
		s.Events.Timeout = 1500 * time.Millisecond
	}
	if s.Events.MaxResults <= 0 {
		s.Events.MaxResults = 10
	}
	if s.Closures.Timeout <= 0 {
		s.Closures.Timeout = 1600 * time.Millisecond
	}
	if s.Closures.RadiusKM <= 0 {
		s.Closures.RadiusKM = 0.8
	}
	if s.Reviews.Timeout <= 0 {
		s.Reviews.Timeout = 800 * time.Millisecond
	}
	if s.Reviews.MaxPerPlace <= 0 {
		s.Reviews.MaxPerPlace = 25
	}
	if s.SchoolCalendar.Timeout <= 0 {
		s.SchoolCalendar.Timeout = 250 * time.Millisecond
	}
	return s
}

// CacheConfig controls the shared signal cache
type CacheConfig struct {
	Backend     string        `mapstructure:"backend"` // memory or redis
	WeatherTTL  time.Duration `mapstructure:"weather_ttl"`
	EventsTTL   time.Duration `mapstructure:"events_ttl"`
	ClosuresTTL time.Duration `mapstructure:"closures_ttl"`
	ReviewsTTL  time.Duration `mapstructure:"reviews_ttl"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

// Normalize applies per-source TTL defaults keyed to signal volatility.
func (c CacheConfig) Normalize() CacheConfig {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.WeatherTTL <= 0 {
		c.WeatherTTL = 3 * time.Hour
	}
	if c.EventsTTL <= 0 {
		c.EventsTTL = 12 * time.Hour
	}
	if c.ClosuresTTL <= 0 {
		c.ClosuresTTL = 6 * time.Hour
	}
	if c.ReviewsTTL <= 0 {
		c.ReviewsTTL = 24 * time.Hour
	}
	return c
}

// Validate checks the cache configuration.
func (c CacheConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "redis":
		return c.Redis.Validate()
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Backend)
	}
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("cache.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("cache.redis.port required")
	}
	return nil
}

// PolicyConfig exposes the product-tuned thresholds as configuration rather
// than hard-coded constants.
type PolicyConfig struct {
	ReviewThemeMinCount int           `mapstructure:"review_theme_min_count"`
	ReviewThemeMinShare float64       `mapstructure:"review_theme_min_share"`
	ReviewStaleDays     int           `mapstructure:"review_stale_days"`
	IdempotencyTTL      time.Duration `mapstructure:"idempotency_ttl"`
	JanitorSpec         string        `mapstructure:"janitor_spec"`
}

// Normalize applies the inherited tuning defaults.
func (p PolicyConfig) Normalize() PolicyConfig {
	if p.ReviewThemeMinCount <= 0 {
		p.ReviewThemeMinCount = 2
	}
	if p.ReviewThemeMinShare <= 0 {
		p.ReviewThemeMinShare = 0.30
	}
	if p.ReviewStaleDays <= 0 {
		p.ReviewStaleDays = 45
	}
	if p.IdempotencyTTL <= 0 {
		p.IdempotencyTTL = 60 * time.Second
	}
	if strings.TrimSpace(p.JanitorSpec) == "" {
		p.JanitorSpec = "*/5 * * * *"
	}
	return p
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LogFile      string `mapstructure:"log_file"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
}

// LoadConfig loads config from file. Missing required credentials are fatal
// here at boot; nothing past boot is allowed to panic the process.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.turn_deadline", "12s")
	viper.SetDefault("general.default_timeout", "15s")
	viper.SetDefault("agent.mode", "agent")
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("policy.review_theme_min_count", 2)
	viper.SetDefault("policy.review_theme_min_share", 0.30)
	viper.SetDefault("policy.review_stale_days", 45)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("SHIFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Agent = config.Agent.Normalize()
	config.Sources = config.Sources.Normalize()
	config.Cache = config.Cache.Normalize()
	config.Policy = config.Policy.Normalize()

	if err := config.Agent.Validate(); err != nil {
		panic(err)
	}
	if err := config.Cache.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if strings.TrimSpace(config.Sources.Places.APIKey) == "" {
		panic(fmt.Errorf("sources.places.api_key required"))
	}
	return &config
}
