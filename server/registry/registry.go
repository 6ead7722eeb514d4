package registry

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/wsmux/wsmux/stream"
)

const (
	// DefaultSweepInterval is how often the inactivity sweep runs.
	DefaultSweepInterval = 15 * time.Second
	// DefaultIdleDeadline is how long a stream may go without proof of
	// liveness before the sweep reaps it.
	DefaultIdleDeadline = 75 * time.Second
)

// Registry owns every live stream, indexed by stream id and by client id.
// At most one stream exists per client id: registering over a live client
// tears the older stream down first (duplicate takeover).
type Registry struct {
	logger zerolog.Logger

	streams cmap.ConcurrentMap[string, *stream.Stream] // stream id -> stream
	clients cmap.ConcurrentMap[string, *stream.Stream] // client id -> stream

	// regMu serializes register/takeover sequences. Reads and removals go
	// straight to the maps.
	regMu sync.Mutex

	sweepEvery time.Duration
	idleAfter  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger zerolog.Logger, sweepEvery, idleAfter time.Duration) *Registry {
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleDeadline
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:     logger.With().Str("com", "registry").Logger(),
		streams:    cmap.New[*stream.Stream](),
		clients:    cmap.New[*stream.Stream](),
		sweepEvery: sweepEvery,
		idleAfter:  idleAfter,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register adds an established stream. A live stream under the same client
// id is torn down with the duplicate-takeover cause before the new stream
// becomes visible, so at no instant do two live streams share a client id.
func (r *Registry) Register(st *stream.Stream) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if old, ok := r.clients.Get(st.ClientID()); ok {
		r.logger.Info().
			Str("clientId", st.ClientID()).
			Str("old", old.ID()).
			Str("new", st.ID()).
			Msg("duplicate client id, taking over")
		old.Teardown(stream.CauseDuplicateTakeover)
	}
	r.streams.Set(st.ID(), st)
	r.clients.Set(st.ClientID(), st)
}

// Remove drops a stream from the indexes. The client entry is only removed
// while it still points at this stream, so removing a displaced stream
// cannot evict its successor.
func (r *Registry) Remove(st *stream.Stream) {
	r.streams.Remove(st.ID())
	r.clients.RemoveCb(st.ClientID(), func(_ string, cur *stream.Stream, exists bool) bool {
		return exists && cur.ID() == st.ID()
	})
}

// Get returns the live stream for a client id.
func (r *Registry) Get(clientID string) (*stream.Stream, bool) {
	return r.clients.Get(clientID)
}

// GetByID returns a stream by its generated stream id.
func (r *Registry) GetByID(streamID string) (*stream.Stream, bool) {
	return r.streams.Get(streamID)
}

// Count reports the number of registered streams.
func (r *Registry) Count() int {
	return r.streams.Count()
}

// Snapshot returns the registered streams at this instant.
func (r *Registry) Snapshot() []*stream.Stream {
	out := make([]*stream.Stream, 0, r.streams.Count())
	for t := range r.streams.IterBuffered() {
		out = append(out, t.Val)
	}
	return out
}

// Start launches the periodic inactivity sweep.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweep. Registered streams are untouched; closing them is
// the server's shutdown concern.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// sweep tears down every stream silent past the idle deadline. Teardown
// rejects the stream's pending invocations, so callers waiting on a dead
// peer fail here rather than at their own expiry.
func (r *Registry) sweep(now time.Time) {
	for _, st := range r.Snapshot() {
		idle := now.Sub(st.LastActivity())
		if idle > r.idleAfter {
			r.logger.Warn().
				Str("stream", st.ID()).
				Str("clientId", st.ClientID()).
				Dur("idle", idle).
				Msg("stream exceeded idle deadline")
			st.Teardown(stream.CauseHeartbeatTimeout)
		}
	}
}
