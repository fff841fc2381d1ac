package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type AppConfig struct {
	Port          int
	ClientBaseURL string

	RedisURL    string
	DatabaseURL string

	Judge0URL    string
	RapidAPIKey  string
	RapidAPIHost string

	// Optional directory of extra problem YAML files merged over the
	// embedded catalog.
	ProblemDir string

	DefaultTimeLimitSec int
	MaxTimeLimitSec     int
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Port:                8080,
		DefaultTimeLimitSec: 600,
		MaxTimeLimitSec:     3600,
	}

	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, errors.New("PORT must be a positive integer")
		}
		cfg.Port = n
	}

	cfg.ClientBaseURL = strings.TrimSpace(os.Getenv("CLIENT_BASE_URL"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	cfg.Judge0URL = strings.TrimSpace(os.Getenv("JUDGE0_URL"))
	cfg.RapidAPIKey = strings.TrimSpace(os.Getenv("RAPIDAPI_KEY"))
	cfg.RapidAPIHost = strings.TrimSpace(os.Getenv("RAPIDAPI_HOST"))

	cfg.ProblemDir = strings.TrimSpace(os.Getenv("PROBLEM_DIR"))

	if v := strings.TrimSpace(os.Getenv("DEFAULT_TIME_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultTimeLimitSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_TIME_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTimeLimitSec = n
		}
	}

	if cfg.ClientBaseURL == "" {
		return nil, errors.New("CLIENT_BASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.Judge0URL == "" {
		return nil, errors.New("JUDGE0_URL is required")
	}

	return cfg, nil
}
