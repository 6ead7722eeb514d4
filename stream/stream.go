package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wsmux/wsmux/protocol"
)

const (
	defaultInvokeTimeout = 30 * time.Second
	closeWriteTimeout    = time.Second
)

// Config assembles a Stream. Conn, Codec and Actions are required for a
// functional stream; everything else has a usable zero value.
type Config struct {
	Conn     *websocket.Conn
	Codec    protocol.Codec
	Logger   zerolog.Logger
	Actions  *Actions
	ClientID string
	// ConnID is the peer-supplied connection id from the handshake.
	ConnID   string
	Version  string
	Metadata map[string]string

	// EchoHeartbeat makes the stream answer inbound heartbeats with a
	// heartbeat carrying the same request id. Servers echo; clients must
	// not, or two peers would volley forever.
	EchoHeartbeat bool

	// InvokeTimeout is the absolute reply deadline per outbound invocation.
	InvokeTimeout time.Duration

	Substreams SubstreamConfig

	// OnSubstream runs in its own goroutine when the peer implicitly opens
	// a substream. If nil, the attach window expires and the substream is
	// destroyed.
	OnSubstream func(*Stream, *Substream)
	// OnTeardown runs once, at the end of teardown, with the recorded cause.
	OnTeardown func(*Stream, Cause)
}

// Stream is one established bidirectional connection: it owns the read loop,
// a single write pump, the request correlator and the substream multiplexer.
// Both server and client sides run the same engine.
type Stream struct {
	id       string
	clientID string
	connID   string
	version  string

	conn    *websocket.Conn
	codec   protocol.Codec
	logger  zerolog.Logger
	actions *Actions

	echoHeartbeat bool
	invokeTimeout time.Duration
	subConf       SubstreamConfig

	onSubstream func(*Stream, *Substream)
	onTeardown  func(*Stream, Cause)

	metaMu sync.RWMutex
	meta   map[string]string

	lastBeat atomic.Int64

	// nextID numbers every outbound frame that needs a fresh request id.
	nextID atomic.Uint64

	pendMu  sync.Mutex
	pending map[uint64]*pendingRequest

	subMu  sync.Mutex
	subs   map[uint64]*Substream
	subIDs idAllocator

	outbox outbox

	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	tornDown  atomic.Bool
	causeCode atomic.Int32
	done      chan struct{}
}

// New builds a stream around an established websocket connection. The stream
// is inert until Run is called; heartbeats and invocations may be sent before
// that, they queue in the outbox.
func New(conf Config) *Stream {
	if conf.Codec == nil {
		conf.Codec = protocol.JSONCodec{}
	}
	if conf.Actions == nil {
		conf.Actions = NewActions()
	}
	if conf.InvokeTimeout <= 0 {
		conf.InvokeTimeout = defaultInvokeTimeout
	}
	conf.Substreams.applyDefaults()

	s := &Stream{
		id:            uuid.New().String(),
		clientID:      conf.ClientID,
		connID:        conf.ConnID,
		version:       conf.Version,
		conn:          conf.Conn,
		codec:         conf.Codec,
		actions:       conf.Actions,
		echoHeartbeat: conf.EchoHeartbeat,
		invokeTimeout: conf.InvokeTimeout,
		subConf:       conf.Substreams,
		onSubstream:   conf.OnSubstream,
		onTeardown:    conf.OnTeardown,
		meta:          make(map[string]string),
		pending:       make(map[uint64]*pendingRequest),
		subs:          make(map[uint64]*Substream),
		done:          make(chan struct{}),
	}
	s.subIDs.init(conf.Substreams.IDStart, conf.Substreams.IDStep)
	s.logger = conf.Logger.With().
		Str("stream", s.id).
		Str("clientId", s.clientID).
		Logger()
	for k, v := range conf.Metadata {
		s.meta[k] = v
	}
	s.lastBeat.Store(time.Now().UnixNano())
	s.handlerCtx, s.handlerCancel = context.WithCancel(context.Background())
	if s.conn != nil {
		s.conn.SetReadLimit(protocol.MaxFrameSize)
	}
	return s
}

// ID is the locally generated stream identifier.
func (s *Stream) ID() string { return s.id }

// ClientID is the stable client identity from the handshake.
func (s *Stream) ClientID() string { return s.clientID }

// ConnID is the peer-supplied per-connection id from the handshake.
func (s *Stream) ConnID() string { return s.connID }

// Version is the application version announced by the peer.
func (s *Stream) Version() string { return s.version }

// Logger exposes the stream-scoped logger for handlers.
func (s *Stream) Logger() zerolog.Logger { return s.logger }

// Metadata returns a copy of the stream's metadata.
func (s *Stream) Metadata() map[string]string {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	out := make(map[string]string, len(s.meta))
	for k, v := range s.meta {
		out[k] = v
	}
	return out
}

// MetaValue looks up a single metadata key.
func (s *Stream) MetaValue(key string) (string, bool) {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	v, ok := s.meta[key]
	return v, ok
}

// SetMeta sets a metadata key on the established stream.
func (s *Stream) SetMeta(key, value string) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.meta[key] = value
}

// Touch refreshes the liveness timestamp consulted by the inactivity sweep.
func (s *Stream) Touch() {
	s.lastBeat.Store(time.Now().UnixNano())
}

// LastActivity reports when the stream last saw proof of peer liveness.
func (s *Stream) LastActivity() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

// Buffered reports the bytes queued in the outbox but not yet written to the
// socket. Substream writers use it as their backpressure signal.
func (s *Stream) Buffered() int { return s.outbox.size() }

// Done closes when teardown completes.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Closed reports whether teardown has begun.
func (s *Stream) Closed() bool { return s.tornDown.Load() }

// Cause reports the recorded teardown cause. Meaningful once Closed.
func (s *Stream) Cause() Cause { return Cause(s.causeCode.Load()) }

// SendHeartbeat queues a heartbeat frame with a fresh request id.
func (s *Stream) SendHeartbeat() error {
	return s.send(protocol.NewHeartbeat(s.nextID.Add(1)))
}

func (s *Stream) send(env *protocol.Envelope) error {
	data, err := s.codec.Encode(env)
	if err != nil {
		return err
	}
	return s.outbox.push(data)
}

// Run drives the read loop until the connection closes or a protocol
// violation tears the stream down. It always leaves the stream torn down.
func (s *Stream) Run(ctx context.Context) error {
	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Teardown(CauseNormal)
		case <-s.done:
		}
	}()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if code, ok := closeCode(err); ok {
				cause := CauseFromCloseCode(code)
				s.logger.Debug().Int("code", code).Str("cause", cause.String()).Msg("peer closed connection")
				s.Teardown(cause)
				return nil
			}
			s.logger.Debug().Err(err).Msg("read failed")
			s.Teardown(CauseNormal)
			return nil
		}
		if mt != websocket.BinaryMessage {
			s.logger.Warn().Int("type", mt).Msg("unexpected websocket message type")
			s.Teardown(CauseMalformedArgument)
			return ErrStreamClosed
		}
		env, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("undecodable frame")
			s.Teardown(CauseMalformedArgument)
			return err
		}
		s.dispatch(env)
		if s.tornDown.Load() {
			return nil
		}
	}
}

func closeCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

func (s *Stream) writePump() {
	for {
		data, ok := s.outbox.pop()
		if !ok {
			return
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			s.logger.Debug().Err(err).Msg("write failed")
			s.Teardown(CauseNormal)
			return
		}
	}
}

// Teardown closes the stream exactly once: pending invocations are rejected
// with ErrStreamClosed, substreams released, the close frame sent, and the
// OnTeardown callback fired with the recorded cause. Safe to call from any
// goroutine, including the read loop itself.
func (s *Stream) Teardown(cause Cause) {
	if !s.tornDown.CompareAndSwap(false, true) {
		return
	}
	s.causeCode.Store(int32(cause))
	s.logger.Info().Str("cause", cause.String()).Msg("stream torn down")

	s.handlerCancel()

	s.pendMu.Lock()
	pend := s.pending
	s.pending = make(map[uint64]*pendingRequest)
	s.pendMu.Unlock()
	for _, p := range pend {
		p.resolveErr(ErrStreamClosed)
	}

	s.subMu.Lock()
	subs := make([]*Substream, 0, len(s.subs))
	for _, ss := range s.subs {
		subs = append(subs, ss)
	}
	s.subMu.Unlock()
	for _, ss := range subs {
		ss.fail(ErrStreamClosed)
	}

	if s.conn != nil {
		msg := websocket.FormatCloseMessage(cause.CloseCode(), cause.String())
		deadline := time.Now().Add(closeWriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
	}
	s.outbox.close()

	close(s.done)

	if s.onTeardown != nil {
		s.onTeardown(s, cause)
	}
}

// outbox queues encoded frames for the single write pump. gorilla/websocket
// permits one concurrent writer, so every sender funnels through here; the
// byte count doubles as the substream flow-control signal.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	bytes  int
	closed bool
}

func (o *outbox) init() {
	if o.cond == nil {
		o.cond = sync.NewCond(&o.mu)
	}
}

func (o *outbox) push(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.init()
	if o.closed {
		return ErrStreamClosed
	}
	o.queue = append(o.queue, data)
	o.bytes += len(data)
	o.cond.Broadcast()
	return nil
}

func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.init()
	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.queue) == 0 {
		return nil, false
	}
	data := o.queue[0]
	o.queue = o.queue[1:]
	o.bytes -= len(data)
	o.cond.Broadcast()
	return data, true
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bytes
}

// waitBelow blocks until the queued byte count drops under the threshold.
func (o *outbox) waitBelow(threshold int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.init()
	for o.bytes >= threshold && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		return ErrStreamClosed
	}
	return nil
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.init()
	o.closed = true
	o.cond.Broadcast()
}
