// Package websocket provides the WebSocket transport used by every exchange session.
//
// The Client owns at most one live connection at a time. Sessions pull messages with
// ReadMessage from a single receive goroutine and write commands with Send from any
// goroutine. A dropped connection can be re-established with Connect on the same
// Client; Close is terminal.
//
// While connected, the Client sends protocol-level ping frames every PingPeriod and
// extends the read deadline whenever a pong or a data message arrives, so a silent
// peer surfaces as a read error instead of a hung receive loop.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending WebSocket ping frames.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// Common errors returned by the WebSocket client
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrNotConnected indicates that no connection is currently established.
	ErrNotConnected = errors.New("websocket not connected")
)

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping frames.
	// A negative value disables protocol pings.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// ReadLimit caps the size of a single incoming message.
	ReadLimit int64

	// Logger is the parent logger. Nil falls back to the global zerolog logger.
	Logger *zerolog.Logger
}

// Client wraps a websocket.Conn with dial, send, receive and close logic.
type Client struct {
	// conn stores the active WebSocket connection using atomic operations.
	// A typed nil pointer marks the disconnected state.
	conn atomic.Value // stores *websocket.Conn

	// cfg holds the client configuration.
	cfg Config

	logger zerolog.Logger

	// connMu serializes Connect and Disconnect.
	connMu sync.Mutex

	// writeMu serializes data frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// stopPing ends the ping loop of the current connection.
	stopPing context.CancelFunc

	closed atomic.Bool

	// once ensures Close() is only executed once.
	once sync.Once

	// wg coordinates goroutine shutdown.
	wg sync.WaitGroup
}

// NewClient returns a configured, not yet connected WebSocket client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}

	// Apply defaults for optional fields
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	parent := cfg.Logger
	if parent == nil {
		parent = &log.Logger
	}

	c := &Client{
		cfg:    cfg,
		logger: parent.With().Str("component", "websocket").Str("endpoint", cfg.Endpoint).Logger(),
	}
	c.conn.Store((*websocket.Conn)(nil))
	return c, nil
}

// Endpoint returns the URL the client dials.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// Connect dials the endpoint unless a connection is already established.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed.Load() {
		return ErrClientShuttingDown
	}
	if c.current() != nil {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
	}

	// Configure connection parameters
	conn.SetReadLimit(c.cfg.ReadLimit)
	if c.cfg.PingPeriod > 0 {
		conn.SetPongHandler(func(string) error {
			// Update read deadline when pong is received
			if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2)); err != nil {
				c.logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
			}
			return nil
		})
	}

	c.conn.Store(conn)

	if c.cfg.PingPeriod > 0 {
		pingCtx, cancel := context.WithCancel(context.Background())
		c.stopPing = cancel
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pingLoop(pingCtx, conn)
		}()
	}

	return nil
}

// Send writes one text message.
func (c *Client) Send(data []byte) error {
	conn := c.current()
	if conn == nil {
		if c.closed.Load() {
			return ErrClientShuttingDown
		}
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Set write deadline to prevent hanging
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	c.logger.Trace().Int("bytes", len(data)).Msg("sent message")
	return nil
}

// ReadMessage blocks until the next data message arrives.
//
// Any read error drops the connection; the caller decides whether to reconnect.
// Only one goroutine may read at a time.
func (c *Client) ReadMessage() ([]byte, error) {
	conn := c.current()
	if conn == nil {
		if c.closed.Load() {
			return nil, ErrClientShuttingDown
		}
		return nil, ErrNotConnected
	}

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		// Categorize and log different error types
		switch {
		case c.closed.Load():
			err = ErrClientShuttingDown
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			c.logger.Info().Err(err).Msg("websocket closed normally")
		case websocket.IsUnexpectedCloseError(err):
			c.logger.Warn().Err(err).Msg("unexpected websocket closure")
		default:
			c.logger.Error().Err(err).Msg("read error")
		}
		c.dropConn(conn)
		return nil, err
	}

	if c.cfg.PingPeriod > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2)); err != nil {
			c.logger.Warn().Err(err).Msg("failed to extend read deadline")
		}
	}

	// Log message details for debugging
	c.logger.Debug().
		Int("messageType", messageType).
		Int("bytes", len(data)).
		Msg("received message")

	return data, nil
}

// Disconnect closes the current connection, if any. The client can connect again.
func (c *Client) Disconnect() {
	if conn := c.current(); conn != nil {
		c.dropConn(conn)
	}
}

// Close gracefully shuts down the client. It can be called multiple times safely.
func (c *Client) Close() {
	c.once.Do(func() {
		c.logger.Info().Msg("initiating graceful shutdown")
		c.closed.Store(true)
		c.Disconnect()

		// Wait for all goroutines to complete
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info().Msg("all goroutines completed")
		case <-time.After(5 * time.Second):
			c.logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		c.logger.Info().Msg("shutdown complete")
	})
}

func (c *Client) current() *websocket.Conn {
	conn, _ := c.conn.Load().(*websocket.Conn)
	return conn
}

// dropConn closes conn with a normal closure frame if it is still the current one.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.current() != conn {
		return
	}
	c.conn.Store((*websocket.Conn)(nil))
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}

	// Send close frame with normal closure code
	if err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("failed to send close frame")
	}

	// Close underlying connection
	if err := conn.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("error closing websocket connection")
	}
	c.logger.Info().Msg("websocket connection closed")
}

// pingLoop sends periodic ping frames on conn until ctx is cancelled.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := c.logger.With().Str("loop", "ping").Logger()
	logger.Debug().Dur("period", c.cfg.PingPeriod).Msg("starting ping loop")
	defer logger.Debug().Msg("ping loop exiting")

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout)); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			} else {
				logger.Trace().Msg("ping sent")
			}
		case <-ctx.Done():
			return
		}
	}
}

// dial establishes a WebSocket connection.
//
// It handles proxy configuration, TLS settings and the handshake timeout.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := c.logger.With().
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Dur("handshakeTimeout", defaultHandshakeTimeout).
		Logger()

	logger.Info().Msg("attempting websocket connection")

	// Configure WebSocket dialer
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		// Log detailed error information
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}
