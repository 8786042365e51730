package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	StaticPath  string        `mapstructure:"static_path"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	BcryptCost  int           `mapstructure:"bcrypt_cost"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
	RememberTTL time.Duration `mapstructure:"remember_ttl"`

	SessionSecret string `mapstructure:"session_secret"`
	LiveToken     string `mapstructure:"audix_live_token"`
	DatabaseURL   string `mapstructure:"database_url"`
}

// Production reports whether cookies should carry the Secure flag.
func (c *Config) Production() bool {
	return c.Mode == "release"
}

func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 5005)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "15s")
	v.SetDefault("bcrypt_cost", 10)
	v.SetDefault("session_ttl", "168h")
	v.SetDefault("remember_ttl", "720h")

	// Env-only keys have to be bound explicitly before Unmarshal sees them.
	for _, key := range []string{
		"mode", "port", "static_path", "read_limit", "ping_period",
		"bcrypt_cost", "session_ttl", "remember_ttl",
		"session_secret", "audix_live_token", "database_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// SESSION_SECRET stays in the env contract even though the bare-sid
	// cookie leaves nothing to sign.
	if cfg.SessionSecret == "" {
		return nil, errors.New("SESSION_SECRET is required")
	}
	if cfg.LiveToken == "" {
		return nil, errors.New("AUDIX_LIVE_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return &cfg, nil
}
