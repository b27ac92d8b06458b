package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds everything the console needs to reach the backend: the REST
// base URL, the event channel URL, and the per-request timeout. There is no
// persisted session state; only connection settings live on disk.
type Config struct {
	APIBase               string `mapstructure:"api_base"`
	WSURL                 string `mapstructure:"ws_url"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	LogLevel              string `mapstructure:"log_level"`
	LogFormat             string `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		APIBase:               "http://localhost:8000/api/v1",
		WSURL:                 "ws://localhost:8000/ws",
		RequestTimeoutSeconds: 30,
		LogLevel:              "warn",
		LogFormat:             "text",
	}
}

// Load reads configuration from a .env file (if present), then the YAML
// config file, then THINKALIKE_* environment variables, in increasing
// precedence. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	// .env is a convenience for local development; absence is fine.
	_ = godotenv.Load()

	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("console")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.thinkalike")
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("THINKALIKE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
