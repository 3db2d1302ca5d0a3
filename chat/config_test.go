package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CHAT_ENDPOINT", "https://chat.example.com")
	t.Setenv("CHAT_TRANSPORTS", "polling")
	t.Setenv("CHAT_RECONNECT_ATTEMPTS", "3")
	t.Setenv("CHAT_CONNECT_TIMEOUT", "2s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.Endpoint)
	assert.Equal(t, []string{TransportPolling}, cfg.Transports)
	assert.Equal(t, 3, cfg.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 2, cfg.VisibleDiagnostics, "unset keys keep defaults")
}

func TestLoadConfigRejectsUnknownTransport(t *testing.T) {
	t.Setenv("CHAT_TRANSPORTS", "carrier-pigeon")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestConfigDefaultsDeriveAPIBase(t *testing.T) {
	cfg := Config{Endpoint: "wss://chat.example.com/ws"}.withDefaults()
	assert.Equal(t, "https://chat.example.com/api", cfg.APIBase)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, []string{TransportWebsocket, TransportPolling}, cfg.Transports)

	cfg = Config{Endpoint: "http://h", APIBase: "http://api.h/v1"}.withDefaults()
	assert.Equal(t, "http://api.h/v1", cfg.APIBase)
}

func TestConfigValidateEndpoint(t *testing.T) {
	assert.Error(t, Config{Endpoint: "ftp://chat"}.Validate())
	assert.Error(t, Config{Endpoint: "http://"}.Validate())
	assert.NoError(t, Config{}.Validate())
}

func TestBaseURLStripsFramingPaths(t *testing.T) {
	for _, in := range []string{"http://h:4000", "http://h:4000/", "ws://h:4000/ws", "http://h:4000/poll?sid=1"} {
		u, err := baseURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, "h:4000", u.Host, in)
		assert.Empty(t, u.Path, in)
		assert.Empty(t, u.RawQuery, in)
	}
}
