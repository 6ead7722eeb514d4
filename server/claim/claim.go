package claim

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Upgrade is one inbound connection-upgrade event. Exactly one listener may
// claim it; the claimed flag lives on the event itself, so there is no
// out-of-band bookkeeping to leak or race.
type Upgrade struct {
	w       http.ResponseWriter
	r       *http.Request
	claimed atomic.Bool
}

// Request exposes the upgrade request for inspection before claiming.
func (u *Upgrade) Request() *http.Request { return u.r }

// Claim hands the caller exclusive use of the connection. The second and
// later calls report false and return nothing.
func (u *Upgrade) Claim() (http.ResponseWriter, *http.Request, bool) {
	if !u.claimed.CompareAndSwap(false, true) {
		return nil, nil, false
	}
	return u.w, u.r, true
}

// Claimed reports whether some listener has taken the connection.
func (u *Upgrade) Claimed() bool { return u.claimed.Load() }

// Listener inspects an upgrade event and may claim it. A listener that
// claims must finish the HTTP exchange (upgrade or reject) before returning;
// the coordinator hands the connection to nobody else afterwards.
type Listener func(u *Upgrade)

// Coordinator owns the ordered upgrade-listener list for one HTTP server.
// Listeners run in subscription order and the first claim short-circuits
// the scan; an unclaimed request falls through to the fallback handler or
// is rejected.
type Coordinator struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener

	fallback http.Handler
}

func NewCoordinator(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With().Str("com", "claim").Logger(),
	}
}

// Subscribe appends a listener. Order of subscription is order of offer.
func (c *Coordinator) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// ServeHTTP offers the request to each listener in order until one claims
// it. Unclaimed requests go to the fallback handler when one was installed,
// otherwise they are rejected.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u := &Upgrade{w: w, r: r}

	c.mu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		l(u)
		if u.Claimed() {
			return
		}
	}

	if c.fallback != nil {
		c.fallback.ServeHTTP(w, r)
		return
	}
	c.logger.Debug().Str("path", r.URL.Path).Msg("upgrade claimed by no listener")
	http.Error(w, "no handler claimed the connection", http.StatusNotFound)
}

// Install routes srv through a Coordinator and returns it. Installing twice
// returns the coordinator already in place; a pre-existing handler becomes
// the fallback for unclaimed requests.
func Install(srv *http.Server, logger zerolog.Logger) *Coordinator {
	if c, ok := srv.Handler.(*Coordinator); ok {
		return c
	}
	c := NewCoordinator(logger)
	c.fallback = srv.Handler
	srv.Handler = c
	return c
}
