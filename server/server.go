package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wsmux/wsmux/config"
	"github.com/wsmux/wsmux/server/auth"
	"github.com/wsmux/wsmux/server/auth/hmacsig"
	"github.com/wsmux/wsmux/server/claim"
	"github.com/wsmux/wsmux/server/registry"
	"github.com/wsmux/wsmux/stream"
)

// ErrClientNotConnected is returned when an operation targets a client id
// with no registered stream.
var ErrClientNotConnected = errors.New("client not connected")

// Servers allocate even substream ids; clients take the odd ones.
const (
	serverIDStart = 2
	serverIDStep  = 2
)

// Server accepts websocket upgrades, authenticates them and keeps exactly
// one live stream per client id.
type Server struct {
	config     *config.Server
	logger     zerolog.Logger
	registry   *registry.Registry
	actions    *stream.Actions
	authorizer auth.Authorizer

	cbMu         sync.RWMutex
	onConnect    []func(*stream.Stream)
	onDisconnect []func(*stream.Stream, stream.Cause)
	onSubstream  func(*stream.Stream, *stream.Substream)

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a server from conf. When conf carries an HMAC secret the
// default signature verifier is installed; SetAuthorizer replaces it.
func New(conf *config.Server) *Server {
	conf.ApplyDefaults()

	logger := log.With().Str("com", "server").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   conf,
		logger:   logger,
		registry: registry.New(logger, conf.SweepInterval, conf.IdleDeadline),
		actions:  stream.NewActions(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Clients are agents, not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}

	if conf.Auth.Secret != "" {
		s.authorizer = hmacsig.New(hmacsig.Config{
			Secret:   []byte(conf.Auth.Secret),
			MaxDrift: conf.Auth.MaxDrift,
		})
		logger.Info().Str("method", "hmac-signature").Msg("authentication enabled")
	}

	return s
}

// SetAuthorizer replaces the handshake authorizer. Call before the server
// starts accepting upgrades.
func (s *Server) SetAuthorizer(a auth.Authorizer) {
	s.authorizer = a
}

// Handle registers a handler for inbound requests naming action. Earlier
// registrations win when a request carries several known action fields.
func (s *Server) Handle(action string, h stream.Handler) {
	s.actions.Register(action, h)
}

// OnConnect registers fn to run after a stream is registered. Callbacks run
// on the upgrade goroutine, before the first frame is read.
func (s *Server) OnConnect(fn func(*stream.Stream)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// OnDisconnect registers fn to run once per stream teardown with the cause.
func (s *Server) OnDisconnect(fn func(*stream.Stream, stream.Cause)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// OnSubstream installs the acceptor for client-opened substreams. Without
// one, implicit opens are destroyed immediately.
func (s *Server) OnSubstream(fn func(*stream.Stream, *stream.Substream)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onSubstream = fn
}

// Registry exposes the connected-stream registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Invoke calls action on the client's stream and decodes the reply into
// result. The reply deadline is the stream's invoke timeout or ctx,
// whichever fires first.
func (s *Server) Invoke(ctx context.Context, clientID, action string, payload, result interface{}) error {
	st, ok := s.registry.Get(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotConnected, clientID)
	}
	return st.Invoke(ctx, action, payload, result)
}

// OpenSubstream opens a binary channel to the client.
func (s *Server) OpenSubstream(clientID string) (*stream.Substream, error) {
	st, ok := s.registry.Get(clientID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotConnected, clientID)
	}
	return st.OpenSubstream()
}

// Attach subscribes the server to a claim coordinator. Upgrades on the
// configured path are claimed and handled here; everything else is left
// for other subscribers.
func (s *Server) Attach(c *claim.Coordinator) {
	c.Subscribe(s.claimUpgrade)
}

func (s *Server) claimUpgrade(u *claim.Upgrade) {
	if u.Request().URL.Path != s.config.Path {
		return
	}
	w, r, ok := u.Claim()
	if !ok {
		return
	}
	s.handleUpgrade(w, r)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	h, err := auth.ParseUpgrade(r)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("malformed handshake")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger := s.logger.With().
		Str("client_id", h.ClientID).
		Str("conn_id", h.ConnID).
		Logger()

	authorizer := s.authorizer
	if authorizer == nil {
		logger.Error().Msg("no authorizer configured, rejecting upgrade")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	granted, err := authorizer.Authorize(r.Context(), h)
	if err != nil {
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Client metadata first, authorizer grants on top.
	meta := make(map[string]string, len(h.Metadata)+len(granted))
	for k, v := range h.Metadata {
		meta[k] = v
	}
	for k, v := range granted {
		meta[k] = v
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	st := stream.New(stream.Config{
		Conn:          conn,
		Logger:        s.logger,
		Actions:       s.actions,
		ClientID:      h.ClientID,
		ConnID:        h.ConnID,
		Version:       h.Version,
		Metadata:      meta,
		EchoHeartbeat: true,
		InvokeTimeout: s.config.InvokeTimeout,
		Substreams:    s.config.Substream.StreamConfig(serverIDStart, serverIDStep),
		OnSubstream:   s.acceptSubstream,
		OnTeardown:    s.streamClosed,
	})

	s.registry.Register(st)

	logger.Info().
		Str("stream", st.ID()).
		Str("version", h.Version).
		Int("connected", s.registry.Count()).
		Msg("client connected")

	s.fireConnect(st)

	// Lets the client observe liveness without waiting out a beat period.
	if err := st.SendHeartbeat(); err != nil {
		logger.Debug().Err(err).Msg("initial heartbeat failed")
	}

	go func() {
		if err := st.Run(s.ctx); err != nil {
			logger.Debug().Err(err).Msg("stream closed with error")
		}
	}()
}

// streamClosed runs once per teardown: disconnect callbacks first, then the
// registry entries go away.
func (s *Server) streamClosed(st *stream.Stream, cause stream.Cause) {
	s.fireDisconnect(st, cause)
	s.registry.Remove(st)
	s.logger.Info().
		Str("client_id", st.ClientID()).
		Str("stream", st.ID()).
		Str("cause", cause.String()).
		Msg("client disconnected")
}

func (s *Server) fireConnect(st *stream.Stream) {
	s.cbMu.RLock()
	callbacks := s.onConnect
	s.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(st)
	}
}

func (s *Server) fireDisconnect(st *stream.Stream, cause stream.Cause) {
	s.cbMu.RLock()
	callbacks := s.onDisconnect
	s.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(st, cause)
	}
}

func (s *Server) acceptSubstream(st *stream.Stream, ss *stream.Substream) {
	s.cbMu.RLock()
	fn := s.onSubstream
	s.cbMu.RUnlock()
	if fn == nil {
		_ = ss.Destroy("no substream handler")
		return
	}
	fn(st, ss)
}

// Start runs the HTTP listener until ctx is cancelled or the listener
// fails. Connected streams are torn down on the way out.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.config.Listen.Addr(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	coordinator := claim.Install(httpSrv, s.logger)
	s.Attach(coordinator)

	s.registry.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info().
		Str("listen", s.config.Listen.Addr()).
		Str("path", s.config.Path).
		Msg("server started")

	select {
	case err := <-errCh:
		s.Shutdown()
		return fmt.Errorf("http listener: %w", err)
	case <-ctx.Done():
		s.logger.Info().Msg("server shutting down")
		s.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// Shutdown tears down every connected stream and stops the idle sweeper.
// Safe to call more than once.
func (s *Server) Shutdown() {
	s.cancel()
	s.registry.Stop()
	for _, st := range s.registry.Snapshot() {
		st.Teardown(stream.CauseNormal)
	}
}

// Start builds a server from conf and runs it until ctx is cancelled.
func Start(ctx context.Context, conf *config.Server) error {
	return New(conf).Start(ctx)
}
