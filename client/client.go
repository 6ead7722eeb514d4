package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wsmux/wsmux/config"
	"github.com/wsmux/wsmux/server/auth"
	"github.com/wsmux/wsmux/stream"
)

var (
	// ErrNotConnected is returned when an operation needs a live stream and
	// there is none, e.g. between reconnect attempts.
	ErrNotConnected = errors.New("not connected to server")

	// ErrTakenOver means the server closed this connection because another
	// connection presented the same client id. The newer instance wins;
	// reconnecting would only steal the id back and forth.
	ErrTakenOver = errors.New("client id taken over by another connection")
)

// Clients allocate odd substream ids; servers take the even ones.
const (
	clientIDStart = 1
	clientIDStep  = 2
)

// BackoffFactor doubles the reconnect delay per consecutive failure.
const BackoffFactor = 2

// CalculateBackoff returns the delay before reconnect attempt number attempt.
// The delay grows initial, 2*initial, 4*initial... capped at max.
func CalculateBackoff(initial, max time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 0; i < attempt; i++ {
		backoff *= BackoffFactor
		if backoff > max {
			return max
		}
	}
	return backoff
}

// Client maintains one signed connection to the server, re-dialing with
// exponential backoff whenever it drops.
type Client struct {
	config  *config.Client
	logger  zerolog.Logger
	actions *stream.Actions
	dialer  *websocket.Dialer

	cbMu         sync.RWMutex
	onConnect    []func(*stream.Stream)
	onDisconnect []func(*stream.Stream, stream.Cause)
	onSubstream  func(*stream.Stream, *stream.Substream)

	current atomic.Pointer[stream.Stream]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client from conf. The configuration is validated here so a
// bad server URL or missing secret fails before the first dial.
func New(conf *config.Client) (*Client, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	logger := log.With().
		Str("com", "client").
		Str("client_id", conf.ClientID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:  conf,
		logger:  logger,
		actions: stream.NewActions(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Handle registers a handler for requests the server sends to this client.
func (c *Client) Handle(action string, h stream.Handler) {
	c.actions.Register(action, h)
}

// OnConnect registers fn to run after each successful connection, including
// reconnects.
func (c *Client) OnConnect(fn func(*stream.Stream)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers fn to run once per connection teardown with the cause.
func (c *Client) OnDisconnect(fn func(*stream.Stream, stream.Cause)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// OnSubstream installs the acceptor for server-opened substreams. Without
// one, implicit opens are destroyed immediately.
func (c *Client) OnSubstream(fn func(*stream.Stream, *stream.Substream)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onSubstream = fn
}

// Stream returns the live stream, or nil between reconnects.
func (c *Client) Stream() *stream.Stream {
	return c.current.Load()
}

// Connected reports whether a live stream is up right now.
func (c *Client) Connected() bool {
	st := c.current.Load()
	return st != nil && !st.Closed()
}

// Invoke calls action on the server and decodes the reply into result.
func (c *Client) Invoke(ctx context.Context, action string, payload, result interface{}) error {
	st := c.current.Load()
	if st == nil || st.Closed() {
		return ErrNotConnected
	}
	return st.Invoke(ctx, action, payload, result)
}

// OpenSubstream opens a binary channel to the server.
func (c *Client) OpenSubstream() (*stream.Substream, error) {
	st := c.current.Load()
	if st == nil || st.Closed() {
		return nil, ErrNotConnected
	}
	return st.OpenSubstream()
}

// Start connects and keeps the connection alive until ctx is cancelled, the
// client is stopped, or the server evicts this client id in favor of a newer
// connection (ErrTakenOver).
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info().Str("server", c.config.Server).Msg("starting client")

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		default:
		}

		st, err := c.dial(ctx)
		if err != nil {
			backoff := CalculateBackoff(
				c.config.Reconnect.InitialBackoff, c.config.Reconnect.MaxBackoff, attempt)
			attempt++
			c.logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("connect failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}

		attempt = 0
		c.current.Store(st)
		c.logger.Info().Str("conn_id", st.ConnID()).Msg("connected")
		c.fireConnect(st)

		c.superviseStream(ctx, st)
		c.current.Store(nil)

		if st.Cause() == stream.CauseDuplicateTakeover {
			c.logger.Error().Msg("client id taken over by another connection, stopping")
			return ErrTakenOver
		}
	}
}

// Stop tears down the live connection and stops reconnecting. Start returns
// nil after Stop.
func (c *Client) Stop() error {
	c.cancel()
	if st := c.current.Load(); st != nil {
		st.Teardown(stream.CauseNormal)
	}
	c.wg.Wait()
	c.logger.Info().Msg("client shutdown complete")
	return nil
}

// dial performs one signed connect attempt and wraps the socket in a stream.
func (c *Client) dial(ctx context.Context) (*stream.Stream, error) {
	connID := uuid.New().String()
	target, err := c.connectURL(connID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	return stream.New(stream.Config{
		Conn:          conn,
		Logger:        c.logger,
		Actions:       c.actions,
		ClientID:      c.config.ClientID,
		ConnID:        connID,
		Version:       c.config.Version,
		Metadata:      c.config.Metadata,
		InvokeTimeout: c.config.InvokeTimeout,
		Substreams:    c.config.Substream.StreamConfig(clientIDStart, clientIDStep),
		OnSubstream:   c.acceptSubstream,
		OnTeardown:    c.streamClosed,
	}), nil
}

// connectURL builds the upgrade URL: identity parameters, a fresh timestamp
// and signature, and the configured metadata as m-- parameters. Query
// parameters already present on the configured URL are preserved.
func (c *Client) connectURL(connID string) (string, error) {
	u, err := c.config.ServerURL()
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	q := u.Query()
	q.Set(auth.ParamConnID, connID)
	q.Set(auth.ParamClientID, c.config.ClientID)
	q.Set(auth.ParamVersion, c.config.Version)
	q.Set(auth.ParamAuthVersion, c.config.Auth.AuthVersion)
	q.Set(auth.ParamTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	q.Set(auth.ParamSignature, auth.Sign([]byte(c.config.Auth.Secret),
		c.config.Auth.AuthVersion, c.config.Version, connID, c.config.ClientID))
	for k, v := range c.config.Metadata {
		q.Set(auth.MetaPrefix+k, v)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// superviseStream runs the read loop in the background and beats on a ticker
// until the stream dies. A link that stays silent for three beat periods is
// declared dead even if the socket has not errored.
func (c *Client) superviseStream(ctx context.Context, st *stream.Stream) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := st.Run(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("stream closed with error")
		}
	}()

	// Announce liveness at once instead of waiting out the first tick.
	if err := st.SendHeartbeat(); err != nil {
		return
	}

	interval := c.config.HeartbeatInterval
	deadline := 3 * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.Done():
			return
		case <-c.ctx.Done():
			st.Teardown(stream.CauseNormal)
			return
		case <-ticker.C:
			silent := time.Since(st.LastActivity())
			if silent > deadline {
				c.logger.Warn().
					Dur("silent", silent).
					Msg("server unresponsive, dropping connection")
				st.Teardown(stream.CauseHeartbeatTimeout)
				return
			}
			if err := st.SendHeartbeat(); err != nil {
				return
			}
		}
	}
}

func (c *Client) streamClosed(st *stream.Stream, cause stream.Cause) {
	c.logger.Info().
		Str("conn_id", st.ConnID()).
		Str("cause", cause.String()).
		Msg("disconnected")
	c.fireDisconnect(st, cause)
}

func (c *Client) fireConnect(st *stream.Stream) {
	c.cbMu.RLock()
	callbacks := c.onConnect
	c.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(st)
	}
}

func (c *Client) fireDisconnect(st *stream.Stream, cause stream.Cause) {
	c.cbMu.RLock()
	callbacks := c.onDisconnect
	c.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(st, cause)
	}
}

func (c *Client) acceptSubstream(st *stream.Stream, ss *stream.Substream) {
	c.cbMu.RLock()
	fn := c.onSubstream
	c.cbMu.RUnlock()
	if fn == nil {
		_ = ss.Destroy("no substream handler")
		return
	}
	fn(st, ss)
}

// Start builds a client from conf and runs it until ctx is cancelled.
func Start(ctx context.Context, conf *config.Client) error {
	c, err := New(conf)
	if err != nil {
		return err
	}
	return c.Start(ctx)
}
