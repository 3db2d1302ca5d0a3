package chat

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Option customizes a Session or Engine.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	client   *http.Client
	framings []Framing
	history  HistorySource
	now      func() time.Time
	newID    func() string
}

func defaultOptions() options {
	return options{
		logger: log.Logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient sets the client used by the polling framing and the
// default history source.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithFramings overrides the framings selected by Config.Transports.
func WithFramings(f ...Framing) Option {
	return func(o *options) { o.framings = f }
}

func WithHistory(h HistorySource) Option {
	return func(o *options) { o.history = h }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator sets the provisional id source for outbound messages.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

func (o *options) resolve(cfg Config) {
	o.logger = o.logger.With().Str("component", "chat").Logger()
	if o.history == nil {
		hc := o.client
		if hc == nil {
			hc = &http.Client{Timeout: cfg.HistoryTimeout}
		}
		o.history = NewHTTPHistory(cfg.APIBase, hc)
	}
	if o.client == nil {
		o.client = &http.Client{}
	}
	if len(o.framings) == 0 {
		for _, name := range cfg.Transports {
			switch name {
			case TransportWebsocket:
				ws := NewWebsocketFraming()
				ws.Dialer.HandshakeTimeout = cfg.ConnectTimeout
				o.framings = append(o.framings, ws)
			case TransportPolling:
				o.framings = append(o.framings, NewPollingFraming(o.client))
			}
		}
	}
}
