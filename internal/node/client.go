// Package node implements the node side of the proxy network: it keeps one
// WebSocket session open to the coordination server, authenticates as a
// node, answers liveness messages and relays HTTP requests.
//
// Client.Run is the supervisor. It rotates through the configured
// endpoints, reconnecting after every dial failure or session end; it never
// gives up on network errors and returns only when its context is
// cancelled.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/philsphicas/herbivore/internal/metrics"
	"github.com/philsphicas/herbivore/internal/protocol"
	"github.com/philsphicas/herbivore/internal/relay"
)

const (
	defaultPingInterval   = 60 * time.Second
	defaultDialTimeout    = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultReconnectDelay = 1 * time.Second
	defaultReadLimit      = 16 << 20
)

// Relayer executes relayed HTTP requests. *relay.Relay implements it.
type Relayer interface {
	Do(ctx context.Context, req protocol.RelayRequest) (*protocol.RelayResult, error)
}

// Config holds node configuration.
type Config struct {
	UserID   string
	NodeType protocol.NodeType

	// Endpoints are tried in order, advancing one entry per failure.
	// Defaults to DefaultEndpoints.
	Endpoints []string

	// Relayer executes HTTP_REQUEST messages. Defaults to a relay.Relay
	// sharing Logger and Metrics.
	Relayer Relayer

	// RelayWorkers bounds concurrent relayed requests per session. Values
	// below 2 handle requests one at a time, in arrival order, without
	// reading the next message until the current one is answered.
	RelayWorkers int

	PingInterval time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReconnectDelay is the wait before reconnecting. When ReconnectMax is
	// larger the delay doubles after each failure up to ReconnectMax, and
	// resets once a session outlives ReconnectMax.
	ReconnectDelay time.Duration
	ReconnectMax   time.Duration

	// ReadLimit caps the size of one inbound message.
	ReadLimit int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Client is a node client. Use New to create one.
type Client struct {
	cfg Config

	// attempts counts dial failures and ended sessions. It selects the
	// endpoint and is only touched by Run.
	attempts uint64

	dial  dialFunc
	newID func() string
	now   func() time.Time
}

// New validates cfg and returns a Client. Configuration errors are returned
// here, before any connection is attempted.
func New(cfg Config) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if !cfg.NodeType.Valid() {
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownNodeType, int(cfg.NodeType))
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultEndpoints
	}
	if err := ValidateEndpoints(cfg.Endpoints); err != nil {
		return nil, err
	}
	cfg.Endpoints = append([]string(nil), cfg.Endpoints...)

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ReconnectMax < cfg.ReconnectDelay {
		cfg.ReconnectMax = cfg.ReconnectDelay
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.Relayer == nil {
		cfg.Relayer = relay.New(relay.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}

	return &Client{
		cfg:   cfg,
		dial:  websocketDialer(cfg.DialTimeout, cfg.ReadLimit),
		newID: uuid.NewString,
		now:   time.Now,
	}, nil
}

// Attempts returns the number of failed dials and ended sessions so far.
// It must not be called concurrently with Run.
func (c *Client) Attempts() uint64 { return c.attempts }

// Run keeps a session open until ctx is cancelled, reconnecting after every
// failure. It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	c.cfg.Logger.Info("starting node",
		"nodeType", c.cfg.NodeType.String(), "version", c.cfg.NodeType.Version(),
		"endpoints", len(c.cfg.Endpoints))

	delay := c.cfg.ReconnectDelay
	for {
		endpoint := SelectEndpoint(c.cfg.Endpoints, c.attempts)
		start := time.Now()
		err := c.runOnce(ctx, endpoint)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Reset backoff if the session was up for a meaningful duration.
		if time.Since(start) > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectDelay
		}
		c.attempts++
		c.cfg.Metrics.Reconnect()
		c.cfg.Logger.Warn("session ended, reconnecting",
			"endpoint", endpoint, "error", err, "attempt", c.attempts, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		// Exponential backoff capped at ReconnectMax; fixed when equal.
		delay = min(delay*2, c.cfg.ReconnectMax)
	}
}

// runOnce dials endpoint and serves one session until it ends.
func (c *Client) runOnce(ctx context.Context, endpoint string) error {
	c.cfg.Logger.Info("connecting", "endpoint", endpoint)
	dialStart := time.Now()
	conn, err := c.dial(ctx, endpoint)
	c.cfg.Metrics.ObserveDialDuration(endpoint, time.Since(dialStart).Seconds())
	if err != nil {
		c.cfg.Metrics.DialError(endpoint, metrics.DialReason(err, metrics.ReasonDialFailed))
		return err
	}
	defer func() { _ = conn.CloseNow() }()
	c.cfg.Logger.Info("connected", "endpoint", endpoint)

	tracker := c.cfg.Metrics.SessionOpened(endpoint)
	start := time.Now()
	s := newSession(conn, endpoint, c)
	err = s.run(ctx)

	if ctx.Err() != nil {
		tracker.Done(time.Since(start).Seconds(), nil)
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
		return err
	}
	tracker.Done(time.Since(start).Seconds(), err)
	return err
}
