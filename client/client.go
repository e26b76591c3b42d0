package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/gorilla/websocket"

	"github.com/pulse-io/pulse/internal/logging"
)

// ErrDisconnected is returned by Run once the reconnect budget is spent.
var ErrDisconnected = errors.New("push channel disconnected")

// Options configures a push-channel client.
type Options struct {
	// OnMetrics is invoked for every decoded metrics event.
	OnMetrics func(*Snapshot)

	// OnTraces is invoked for every decoded traces event.
	OnTraces func([]Span)

	// ReconnectAttempts bounds dial retries after a lost connection.
	// Zero means 5. Reconnecting is never retried indefinitely.
	ReconnectAttempts uint

	// ReconnectDelay is the base delay between dial attempts. Zero
	// means 1s.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds a single dial. Zero means 10s.
	HandshakeTimeout time.Duration

	Logger *logging.Logger
}

// Client consumes the pulse push channel: it dials the websocket, decodes
// the two named events, and hands them to the configured callbacks. A
// dropped connection is re-dialed with a bounded retry budget.
type Client struct {
	url  string
	opts Options
	log  *logging.Logger
}

// New creates a client for the given websocket URL (ws://host/ws).
func New(url string, opts Options) *Client {
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &Client{
		url:  url,
		opts: opts,
		log:  opts.Logger.WithComponent("client"),
	}
}

// Run connects and consumes events until ctx is cancelled or the
// reconnect budget is exhausted. It returns nil on cancellation and
// ErrDisconnected (wrapping the dial failure) when it gives up.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		c.consume(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		c.log.Infof("push channel lost, reconnecting", map[string]any{"url": c.url})
	}
}

// dial connects with a bounded retry budget.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.opts.ReconnectAttempts),
		retry.Delay(c.opts.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
		wsConn, resp, err := dialer.DialContext(ctx, c.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			c.log.Warnf("push channel dial failed", map[string]any{
				"url": c.url, "error": err.Error(),
			})
			return err
		}
		conn = wsConn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// consume reads events until the connection breaks or ctx is cancelled.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn) {
	// Unblock the read loop on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}

		switch ev.Event {
		case EventMetrics:
			if c.opts.OnMetrics == nil {
				continue
			}
			var snap Snapshot
			if err := json.Unmarshal(ev.Data, &snap); err != nil {
				c.log.Warnf("bad metrics event", map[string]any{"error": err.Error()})
				continue
			}
			c.opts.OnMetrics(&snap)

		case EventTraces:
			if c.opts.OnTraces == nil {
				continue
			}
			var spans []Span
			if err := json.Unmarshal(ev.Data, &spans); err != nil {
				c.log.Warnf("bad traces event", map[string]any{"error": err.Error()})
				continue
			}
			c.opts.OnTraces(spans)

		default:
			c.log.Debugf("ignoring unknown event", map[string]any{"event": ev.Event})
		}
	}
}
