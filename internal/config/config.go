package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	FHIRBaseURL         string  `mapstructure:"FHIR_BASE_URL"`
	PreferLive          bool    `mapstructure:"PREFER_LIVE"`
	RefreshIntervalSecs int     `mapstructure:"REFRESH_INTERVAL_SECONDS"`
	RequestTimeoutSecs  int     `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	FetchCount          int     `mapstructure:"FETCH_COUNT"`
	ObsBatchSize        int     `mapstructure:"OBS_BATCH_SIZE"`
	ObsPerPatient       int     `mapstructure:"OBS_PER_PATIENT"`
	MinViablePatients   int     `mapstructure:"MIN_VIABLE_PATIENTS"`
	MaxSurvivorsPerName int     `mapstructure:"MAX_SURVIVORS_PER_NAME"`
	BedCapacity         int     `mapstructure:"ED_BED_CAPACITY"`
	FallbackDir         string  `mapstructure:"FALLBACK_DIR"`
	UpstreamRPS         float64 `mapstructure:"UPSTREAM_RPS"`
	RateLimitRPS        float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int     `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PREFER_LIVE", true)
	v.SetDefault("REFRESH_INTERVAL_SECONDS", 60)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 10)
	v.SetDefault("FETCH_COUNT", 50)
	v.SetDefault("OBS_BATCH_SIZE", 5)
	v.SetDefault("OBS_PER_PATIENT", 20)
	v.SetDefault("MIN_VIABLE_PATIENTS", 4)
	v.SetDefault("MAX_SURVIVORS_PER_NAME", 3)
	v.SetDefault("ED_BED_CAPACITY", 40)
	v.SetDefault("UPSTREAM_RPS", 10)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("PREFER_LIVE")
	v.BindEnv("REFRESH_INTERVAL_SECONDS")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("FETCH_COUNT")
	v.BindEnv("OBS_BATCH_SIZE")
	v.BindEnv("OBS_PER_PATIENT")
	v.BindEnv("MIN_VIABLE_PATIENTS")
	v.BindEnv("MAX_SURVIVORS_PER_NAME")
	v.BindEnv("ED_BED_CAPACITY")
	v.BindEnv("FALLBACK_DIR")
	v.BindEnv("UPSTREAM_RPS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.PreferLive && cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required when PREFER_LIVE is set")
	}
	if cfg.MinViablePatients < 1 {
		return nil, fmt.Errorf("MIN_VIABLE_PATIENTS must be at least 1")
	}
	if cfg.RefreshIntervalSecs < 5 {
		return nil, fmt.Errorf("REFRESH_INTERVAL_SECONDS must be at least 5")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSecs) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}
