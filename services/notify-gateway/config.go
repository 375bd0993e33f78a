package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration for the notify gateway service.
type Config struct {
	ListenAddress string
	NodeURL       string
	NodeAuthToken string
	DatabasePath  string
	JWTSecret     string
	JWTIssuer     string
	PollInterval  time.Duration
	BatchSize     int
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress: getenvDefault("NOTIFY_GATEWAY_LISTEN", ":8082"),
		NodeURL:       os.Getenv("NOTIFY_GATEWAY_NODE_URL"),
		NodeAuthToken: os.Getenv("NOTIFY_GATEWAY_NODE_TOKEN"),
		DatabasePath:  getenvDefault("NOTIFY_GATEWAY_DB_PATH", "notify-gateway.db"),
		JWTSecret:     os.Getenv("NOTIFY_GATEWAY_JWT_SECRET"),
		JWTIssuer:     getenvDefault("NOTIFY_GATEWAY_JWT_ISSUER", "fariima"),
		PollInterval:  5 * time.Second,
		BatchSize:     100,
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_GATEWAY_POLL_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse NOTIFY_GATEWAY_POLL_INTERVAL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("NOTIFY_GATEWAY_POLL_INTERVAL must be positive")
		}
		cfg.PollInterval = dur
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_GATEWAY_BATCH_SIZE")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse NOTIFY_GATEWAY_BATCH_SIZE: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("NOTIFY_GATEWAY_BATCH_SIZE must be positive")
		}
		cfg.BatchSize = val
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("NOTIFY_GATEWAY_NODE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("NOTIFY_GATEWAY_JWT_SECRET is required")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
