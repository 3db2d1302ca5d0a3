package chat

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transport framing names accepted in Config.Transports.
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// Config drives one Engine. Zero fields fall back to DefaultConfig values.
type Config struct {
	// Endpoint is the relay server base URL. http, https, ws and wss are accepted;
	// each framing derives its own path from it.
	Endpoint string `env:"CHAT_ENDPOINT" json:"endpoint"`
	// APIBase is the history API root. Defaults to Endpoint + "/api".
	APIBase string `env:"CHAT_API_BASE" json:"api_base"`
	// Transports lists framings in preference order.
	Transports []string `env:"CHAT_TRANSPORTS" envSeparator:"," json:"transports"`

	ReconnectAttempts int           `env:"CHAT_RECONNECT_ATTEMPTS" json:"reconnect_attempts"`
	ConnectTimeout    time.Duration `env:"CHAT_CONNECT_TIMEOUT" json:"connect_timeout"`
	ReconnectDelay    time.Duration `env:"CHAT_RECONNECT_DELAY" json:"reconnect_delay"`
	ReconnectDelayMax time.Duration `env:"CHAT_RECONNECT_DELAY_MAX" json:"reconnect_delay_max"`
	WriteTimeout      time.Duration `env:"CHAT_WRITE_TIMEOUT" json:"write_timeout"`
	HistoryTimeout    time.Duration `env:"CHAT_HISTORY_TIMEOUT" json:"history_timeout"`

	// VisibleDiagnostics is how many recent diagnostics a Snapshot carries.
	VisibleDiagnostics int `env:"CHAT_VISIBLE_DIAGNOSTICS" json:"visible_diagnostics"`
	// HeldEvents caps realtime events buffered while the baseline is loading.
	HeldEvents int `env:"CHAT_HELD_EVENTS" json:"held_events"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:           "http://127.0.0.1:4000",
		Transports:         []string{TransportWebsocket, TransportPolling},
		ReconnectAttempts:  5,
		ConnectTimeout:     10 * time.Second,
		ReconnectDelay:     time.Second,
		ReconnectDelayMax:  5 * time.Second,
		WriteTimeout:       10 * time.Second,
		HistoryTimeout:     15 * time.Second,
		VisibleDiagnostics: 2,
		HeldEvents:         256,
	}
}

// LoadConfig returns DefaultConfig overridden by CHAT_* environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse chat env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the endpoint and transport names after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if _, err := baseURL(c.Endpoint); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	for _, t := range c.Transports {
		switch t {
		case TransportWebsocket, TransportPolling:
		default:
			return fmt.Errorf("unknown transport %q", t)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if len(c.Transports) == 0 {
		c.Transports = d.Transports
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		c.ReconnectDelayMax = c.ReconnectDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = d.HistoryTimeout
	}
	if c.VisibleDiagnostics <= 0 {
		c.VisibleDiagnostics = d.VisibleDiagnostics
	}
	if c.HeldEvents <= 0 {
		c.HeldEvents = d.HeldEvents
	}
	if strings.TrimSpace(c.APIBase) == "" {
		if u, err := baseURL(c.Endpoint); err == nil {
			u.Scheme = httpScheme(u.Scheme)
			u.Path = strings.TrimSuffix(u.Path, "/") + "/api"
			c.APIBase = u.String()
		}
	}
	return c
}

// baseURL parses an endpoint and strips a trailing framing path so both
// "http://host" and "ws://host/ws" name the same server.
func baseURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.Path = strings.TrimSuffix(u.Path, "/poll")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func httpScheme(s string) string {
	switch s {
	case "ws":
		return "http"
	case "wss":
		return "https"
	}
	return s
}

func wsScheme(s string) string {
	switch s {
	case "http":
		return "ws"
	case "https":
		return "wss"
	}
	return s
}
