package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// serverConfig holds flag defaults read from DM_* environment variables.
type serverConfig struct {
	RelayURLs    []string      `env:"RELAY" envSeparator:","`
	Port         int           `env:"DM_PORT" envDefault:"4000"`
	Name         string        `env:"DM_NAME" envDefault:"dm-server"`
	DataPath     string        `env:"DM_DATA_PATH"`
	CredKey      string        `env:"DM_CRED_KEY"`
	RedisAddr    string        `env:"DM_REDIS_ADDR"`
	RedisChannel string        `env:"DM_REDIS_CHANNEL" envDefault:"dm-rooms"`
	SendRate     float64       `env:"DM_SEND_RATE" envDefault:"5"`
	SendBurst    int           `env:"DM_SEND_BURST" envDefault:"10"`
	HistoryLimit int           `env:"DM_HISTORY_LIMIT" envDefault:"500"`
	PollTimeout  time.Duration `env:"DM_POLL_TIMEOUT" envDefault:"25s"`
	PollIdle     time.Duration `env:"DM_POLL_IDLE" envDefault:"60s"`
}

func loadServerConfig() (serverConfig, error) {
	var cfg serverConfig
	if err := env.Parse(&cfg); err != nil {
		return serverConfig{}, fmt.Errorf("parse env: %w", err)
	}
	urls := cfg.RelayURLs[:0]
	for _, u := range cfg.RelayURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	cfg.RelayURLs = urls
	return cfg, nil
}

// hubConfig is the subset of settings the hub needs at runtime.
type hubConfig struct {
	SendRate     float64
	SendBurst    int
	HistoryLimit int
	PollTimeout  time.Duration
	PollIdle     time.Duration
}

func (c serverConfig) hub() hubConfig {
	return hubConfig{
		SendRate:     c.SendRate,
		SendBurst:    c.SendBurst,
		HistoryLimit: c.HistoryLimit,
		PollTimeout:  c.PollTimeout,
		PollIdle:     c.PollIdle,
	}
}

func (c hubConfig) withDefaults() hubConfig {
	if c.SendRate <= 0 {
		c.SendRate = 5
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 10
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 500
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 25 * time.Second
	}
	if c.PollIdle <= 0 {
		c.PollIdle = 60 * time.Second
	}
	return c
}
