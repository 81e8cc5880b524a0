// Package config содержит логику чтения конфигурации сервиса покупки номеров.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса покупки номеров.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	FivesimAPIKey   string `env:"FIVESIM_API_KEY"`
	FivesimAddress  string `env:"FIVESIM_ADDRESS"`
	OrderTTLMinutes int    `env:"ORDER_TTL_MINUTES"`
}

// Parse считывает конфигурацию из .env-файла, переменных окружения и флагов
// командной строки. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env поднимает переменные окружения, как dotenv у чат-бота. Отсутствие файла не ошибка.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAPIKey := cfg.FivesimAPIKey
	envFivesimAddress := cfg.FivesimAddress
	envOrderTTL := cfg.OrderTTLMinutes

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.FivesimAPIKey, "k", "", "5sim API key")
	flag.StringVar(&cfg.FivesimAddress, "f", "", "5sim base URL override")
	flag.IntVar(&cfg.OrderTTLMinutes, "t", 15, "order validity window in minutes")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAPIKey != "" {
		cfg.FivesimAPIKey = envAPIKey
	}
	if envFivesimAddress != "" {
		cfg.FivesimAddress = envFivesimAddress
	}
	if envOrderTTL != 0 {
		cfg.OrderTTLMinutes = envOrderTTL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.OrderTTLMinutes <= 0 {
		cfg.OrderTTLMinutes = 15
	}

	return cfg, nil
}
