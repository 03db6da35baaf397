package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	DB     string `mapstructure:"db"`
	Listen string `mapstructure:"listen"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	HTTP struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"http"`

	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`

	Cache struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	HuggingFace struct {
		URL    string   `mapstructure:"url"`
		Models []string `mapstructure:"models"`
	} `mapstructure:"huggingface"`

	OpenRouter struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"openrouter"`

	Vision struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"vision"`

	Batch struct {
		Concurrency int `mapstructure:"concurrency"`
	} `mapstructure:"batch"`
}

// loadConfig reads path (if not empty) and CAPTIONER_ environment variables
// over the built in defaults. CAPTIONER_LOG_LEVEL sets log.level and so on.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("db", "./captioner.db")
	v.SetDefault("listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("huggingface.url", "")
	v.SetDefault("huggingface.models", []string{})
	v.SetDefault("openrouter.url", "")
	v.SetDefault("vision.url", "")
	v.SetDefault("batch.concurrency", 2)

	v.SetEnvPrefix("captioner")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Batch.Concurrency < 1 {
		cfg.Batch.Concurrency = 1
	}
	return &cfg, nil
}

func newLogger(cfg *Config, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log.level: %w", err)
	}

	switch cfg.Log.Format {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
