package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Auth token verification (tokens are issued by the upstream identity
	// provider; we only verify and read claims)
	JWTSecret string `mapstructure:"jwt_secret"`

	// Query engine tuning
	QueryEngine QueryEngineConfig `mapstructure:"query_engine"`
}

// QueryEngineConfig tunes the analytics query/cache engine.
type QueryEngineConfig struct {
	MeasureCacheTTLSeconds   int `mapstructure:"measure_cache_ttl_seconds"`
	HierarchyTTLHours        int `mapstructure:"hierarchy_ttl_hours"`
	MaxInflightQueries       int `mapstructure:"max_inflight_queries"`
	CacheWarnIntervalSeconds int `mapstructure:"cache_warn_interval_seconds"`
	OrgPollIntervalSeconds   int `mapstructure:"org_poll_interval_seconds"`
}

// MeasureCacheTTL returns the measure row cache TTL as a duration.
func (c QueryEngineConfig) MeasureCacheTTL() time.Duration {
	return time.Duration(c.MeasureCacheTTLSeconds) * time.Second
}

// HierarchyTTL returns the organization hierarchy cache TTL as a duration.
func (c QueryEngineConfig) HierarchyTTL() time.Duration {
	return time.Duration(c.HierarchyTTLHours) * time.Hour
}

// CacheWarnInterval returns how often a degraded cache store may log.
func (c QueryEngineConfig) CacheWarnInterval() time.Duration {
	return time.Duration(c.CacheWarnIntervalSeconds) * time.Second
}

// OrgPollInterval returns how often the invalidation worker polls
// the organizations table for changes.
func (c QueryEngineConfig) OrgPollInterval() time.Duration {
	return time.Duration(c.OrgPollIntervalSeconds) * time.Second
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present (local development convenience)
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Set default values
	v.SetDefault("port", "8080")
	v.SetDefault("query_engine.measure_cache_ttl_seconds", 900)
	v.SetDefault("query_engine.hierarchy_ttl_hours", 24)
	v.SetDefault("query_engine.max_inflight_queries", 16)
	v.SetDefault("query_engine.cache_warn_interval_seconds", 60)
	v.SetDefault("query_engine.org_poll_interval_seconds", 30)

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	// Environment variable settings
	v.SetEnvPrefix("pulseboard")

	// Bind standard environment variables (Docker/deploy compatibility)
	// This allows using standard keys like DATABASE_URL instead of
	// pulseboard_DATABASE_URL
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")

	_ = v.BindEnv("query_engine.measure_cache_ttl_seconds", "MEASURE_CACHE_TTL_SECONDS")
	_ = v.BindEnv("query_engine.hierarchy_ttl_hours", "HIERARCHY_TTL_HOURS")
	_ = v.BindEnv("query_engine.max_inflight_queries", "MAX_INFLIGHT_QUERIES")
	_ = v.BindEnv("query_engine.cache_warn_interval_seconds", "CACHE_WARN_INTERVAL_SECONDS")
	_ = v.BindEnv("query_engine.org_poll_interval_seconds", "ORG_POLL_INTERVAL_SECONDS")

	v.AutomaticEnv()

	// 1. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	// 2. Unmarshal into struct
	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// 3. Backfill environment variables for tooling that still reads
	// os.Getenv() directly
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
