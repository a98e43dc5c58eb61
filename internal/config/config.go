package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment. A .env
// file in the working directory is loaded first when present.
type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	Hostname    string `env:"CIVBUILDER_HOSTNAME" envDefault:"http://localhost:8080"`
	ExportURL   string `env:"EXPORT_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
