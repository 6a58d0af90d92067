// Package ws is a push channel read from a websocket. Each text frame is a
// JSON envelope {"event": "...", "data": {...}}. The client redials with
// exponential backoff; every new connection starts with no listeners and the
// reconnect hooks re-attach them before any frame is read.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/channel"
	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

// Config configures the dial loop.
type Config struct {
	URL        string
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Client is a reconnecting websocket reader.
type Client struct {
	cfg      Config
	dialer   *websocket.Dialer
	registry *channel.Registry
	hooks    channel.Hooks
	logger   *zap.Logger
}

// NewClient validates cfg. A nil logger disables logging.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		registry: channel.NewRegistry(),
		logger:   logger,
	}, nil
}

// Subscribe registers h for event on the current connection.
func (c *Client) Subscribe(event string, h progress.Handler) (progress.Subscription, error) {
	return c.registry.Subscribe(event, h)
}

// SubscribeKind registers h for every event of kind.
func (c *Client) SubscribeKind(kind progress.Kind, h progress.KindHandler) (progress.Subscription, error) {
	return c.registry.SubscribeKind(kind, h)
}

// OnReconnect registers fn to run on every (re)connect.
func (c *Client) OnReconnect(fn func()) {
	c.hooks.OnReconnect(fn)
}

// Listeners counts handlers registered for event.
func (c *Client) Listeners(event string) int {
	return c.registry.Listeners(event)
}

// Run dials and reads until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err == nil {
			backoff = c.cfg.MinBackoff
			c.logger.Info("progress channel connected", zap.String("url", c.cfg.URL))
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("progress channel disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	c.registry.Reset()
	c.hooks.Fire()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		var env progress.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		c.registry.Dispatch(env.Event, env.Data)
	}
}
