package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wsmux/wsmux/config"
	"github.com/wsmux/wsmux/protocol"
	"github.com/wsmux/wsmux/server/auth"
	"github.com/wsmux/wsmux/server/auth/hmacsig"
	"github.com/wsmux/wsmux/stream"
)

const testSecret = "client-test-secret"

// gateway is a minimal server side for client tests: it authenticates
// upgrades with the production verifier and wraps each socket in a stream.
type gateway struct {
	ts       *httptest.Server
	verifier *hmacsig.Verifier
	actions  *stream.Actions
	upgrader websocket.Upgrader

	// silent accepts upgrades but never sends a frame, so the client's
	// watchdog is the only thing that can end the connection.
	silent      bool
	onSubstream func(*stream.Stream, *stream.Substream)

	mu         sync.Mutex
	streams    []*stream.Stream
	handshakes []*auth.Handshake

	upgrades atomic.Int32
}

func newGateway(t *testing.T) *gateway {
	gw := &gateway{
		verifier: hmacsig.New(hmacsig.Config{Secret: []byte(testSecret)}),
		actions:  stream.NewActions(),
	}
	gw.ts = httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.mu.Lock()
		streams := append([]*stream.Stream(nil), gw.streams...)
		gw.mu.Unlock()
		for _, st := range streams {
			st.Teardown(stream.CauseNormal)
		}
		gw.ts.Close()
		time.Sleep(20 * time.Millisecond)
	})
	return gw
}

func (gw *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, err := auth.ParseUpgrade(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := gw.verifier.Authorize(r.Context(), h); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	st := stream.New(stream.Config{
		Conn:          conn,
		Logger:        zerolog.Nop(),
		Actions:       gw.actions,
		ClientID:      h.ClientID,
		ConnID:        h.ConnID,
		Metadata:      h.Metadata,
		EchoHeartbeat: !gw.silent,
		Substreams:    stream.SubstreamConfig{IDStart: 2, IDStep: 2},
		OnSubstream:   gw.onSubstream,
	})

	gw.mu.Lock()
	gw.streams = append(gw.streams, st)
	gw.handshakes = append(gw.handshakes, h)
	gw.mu.Unlock()
	gw.upgrades.Add(1)

	if !gw.silent {
		_ = st.SendHeartbeat()
	}
	go func() { _ = st.Run(context.Background()) }()
}

func (gw *gateway) latest() *stream.Stream {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.streams) == 0 {
		return nil
	}
	return gw.streams[len(gw.streams)-1]
}

func (gw *gateway) clientConfig(clientID string) *config.Client {
	return &config.Client{
		ClientID:          clientID,
		Server:            "ws" + strings.TrimPrefix(gw.ts.URL, "http") + "/connect",
		Auth:              config.ClientAuth{Secret: testSecret},
		HeartbeatInterval: 30 * time.Millisecond,
		Reconnect: config.Reconnect{
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
		},
	}
}

// startClient runs Start in the background and stops the client on cleanup.
func startClient(t *testing.T, c *Client) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	t.Cleanup(func() {
		_ = c.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("client Start did not return after Stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(&config.Client{
		Server: "https://not-a-websocket",
		Auth:   config.ClientAuth{Secret: testSecret},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid client config")
}

func TestClient_ConnectSignsHandshake(t *testing.T) {
	gw := newGateway(t)
	conf := gw.clientConfig("agent-1")
	conf.Metadata = map[string]string{"region": "eu"}

	c, err := New(conf)
	require.NoError(t, err)
	startClient(t, c)

	waitFor(t, "connect", c.Connected)

	// The verifier accepted the upgrade, so the signature was valid.
	gw.mu.Lock()
	h := gw.handshakes[0]
	gw.mu.Unlock()
	assert.Equal(t, "agent-1", h.ClientID)
	assert.NotEmpty(t, h.ConnID)
	assert.Equal(t, config.DefaultClientVersion, h.Version)
	assert.Equal(t, config.DefaultAuthVersion, h.AuthVersion)
	assert.Equal(t, "eu", h.Metadata["region"])
}

func TestClient_InvokeRoundTrip(t *testing.T) {
	gw := newGateway(t)
	type greetReq struct {
		Name string `json:"name"`
	}
	gw.actions.Register("greet", func(ctx context.Context, st *stream.Stream, payload protocol.RawMessage) (interface{}, error) {
		var req greetReq
		if err := protocol.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return "hello " + req.Name, nil
	})

	c, err := New(gw.clientConfig("agent-1"))
	require.NoError(t, err)
	startClient(t, c)
	waitFor(t, "connect", c.Connected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply string
	require.NoError(t, c.Invoke(ctx, "greet", greetReq{Name: "gateway"}, &reply))
	assert.Equal(t, "hello gateway", reply)
}

func TestClient_HandlesServerRequest(t *testing.T) {
	gw := newGateway(t)

	c, err := New(gw.clientConfig("agent-1"))
	require.NoError(t, err)
	c.Handle("status", func(ctx context.Context, st *stream.Stream, payload protocol.RawMessage) (interface{}, error) {
		return "ok", nil
	})
	startClient(t, c)
	waitFor(t, "connect", c.Connected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply string
	require.NoError(t, gw.latest().Invoke(ctx, "status", nil, &reply))
	assert.Equal(t, "ok", reply)
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	gw := newGateway(t)

	c, err := New(gw.clientConfig("agent-1"))
	require.NoError(t, err)

	var connects, disconnects atomic.Int32
	var firstCause atomic.Int32
	c.OnConnect(func(st *stream.Stream) { connects.Add(1) })
	c.OnDisconnect(func(st *stream.Stream, cause stream.Cause) {
		if disconnects.Add(1) == 1 {
			firstCause.Store(int32(cause))
		}
	})

	startClient(t, c)
	waitFor(t, "connect", c.Connected)

	gw.latest().Teardown(stream.CauseNormal)

	waitFor(t, "reconnect", func() bool {
		return gw.upgrades.Load() >= 2 && c.Connected()
	})
	assert.GreaterOrEqual(t, connects.Load(), int32(2))
	assert.Equal(t, int32(stream.CauseNormal), firstCause.Load())
}

func TestClient_StopsOnTakeover(t *testing.T) {
	gw := newGateway(t)

	c, err := New(gw.clientConfig("agent-1"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	defer c.Stop()

	waitFor(t, "connect", c.Connected)

	gw.latest().Teardown(stream.CauseDuplicateTakeover)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTakenOver)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after takeover")
	}
	assert.Equal(t, int32(1), gw.upgrades.Load(), "must not reconnect after takeover")
}

func TestClient_WatchdogDropsSilentLink(t *testing.T) {
	gw := newGateway(t)
	gw.silent = true

	c, err := New(gw.clientConfig("agent-1"))
	require.NoError(t, err)

	var firstCause atomic.Int32
	var causeOnce sync.Once
	c.OnDisconnect(func(st *stream.Stream, cause stream.Cause) {
		causeOnce.Do(func() { firstCause.Store(int32(cause)) })
	})

	startClient(t, c)

	// The watchdog declares the silent link dead and the client redials.
	waitFor(t, "watchdog reconnect", func() bool { return gw.upgrades.Load() >= 2 })
	assert.Equal(t, int32(stream.CauseHeartbeatTimeout), firstCause.Load())
}

func TestClient_NotConnectedErrors(t *testing.T) {
	gw := newGateway(t)

	c, err := New(gw.clientConfig("agent-1"))
	require.NoError(t, err)

	require.ErrorIs(t, c.Invoke(context.Background(), "ping", nil, nil), ErrNotConnected)
	_, err = c.OpenSubstream()
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Nil(t, c.Stream())
}

func TestClient_SubstreamEcho(t *testing.T) {
	gw := newGateway(t)
	gw.onSubstream = func(st *stream.Stream, ss *stream.Substream) {
		_, _ = io.Copy(ss, ss)
		_ = ss.Close()
	}

	c, err := New(gw.clientConfig("agent-1"))
	require.NoError(t, err)
	startClient(t, c)
	waitFor(t, "connect", c.Connected)

	ss, err := c.OpenSubstream()
	require.NoError(t, err)

	_, err = ss.Write([]byte("ping over substream"))
	require.NoError(t, err)
	require.NoError(t, ss.Close())

	data, err := io.ReadAll(ss)
	require.NoError(t, err)
	assert.Equal(t, "ping over substream", string(data))
}

func TestCalculateBackoff(t *testing.T) {
	initial := 5 * time.Second
	max := 60 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := CalculateBackoff(initial, max, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}

	if got := CalculateBackoff(time.Second, 4*time.Second, 5); got != 4*time.Second {
		t.Errorf("cap: expected 4s, got %v", got)
	}
}
