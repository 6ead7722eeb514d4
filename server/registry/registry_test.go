package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/wsmux/wsmux/stream"
)

// TestMain ensures no goroutine leaks across all tests in this package
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newStream builds a connectionless stream wired to remove itself from the
// registry on teardown, the way the server wires real ones.
func newStream(r *Registry, clientID string) *stream.Stream {
	return stream.New(stream.Config{
		Logger:   zerolog.Nop(),
		ClientID: clientID,
		OnTeardown: func(st *stream.Stream, _ stream.Cause) {
			r.Remove(st)
		},
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New(zerolog.Nop(), time.Hour, time.Hour)
	defer r.Stop()

	st := newStream(r, "client-1")
	r.Register(st)

	if got, ok := r.Get("client-1"); !ok || got != st {
		t.Fatal("client lookup failed")
	}
	if got, ok := r.GetByID(st.ID()); !ok || got != st {
		t.Fatal("stream id lookup failed")
	}
	if r.Count() != 1 {
		t.Errorf("count %d, want 1", r.Count())
	}

	st.Teardown(stream.CauseNormal)
	if _, ok := r.Get("client-1"); ok {
		t.Error("torn-down stream still registered")
	}
	if r.Count() != 0 {
		t.Errorf("count %d after teardown", r.Count())
	}
}

func TestRegistry_DuplicateTakeover(t *testing.T) {
	r := New(zerolog.Nop(), time.Hour, time.Hour)
	defer r.Stop()

	var duringTeardown *stream.Stream
	first := stream.New(stream.Config{
		Logger:   zerolog.Nop(),
		ClientID: "client-1",
		OnTeardown: func(st *stream.Stream, _ stream.Cause) {
			// The old stream finishes teardown before the new one becomes
			// visible, so the client entry still points at the old stream.
			duringTeardown, _ = r.Get("client-1")
			r.Remove(st)
		},
	})
	r.Register(first)

	second := newStream(r, "client-1")
	r.Register(second)

	if !first.Closed() || first.Cause() != stream.CauseDuplicateTakeover {
		t.Errorf("first stream cause %s, want duplicate-takeover", first.Cause())
	}
	if duringTeardown != first {
		t.Error("new stream was visible before the old finished teardown")
	}
	if second.Closed() {
		t.Error("second stream was torn down")
	}
	if got, _ := r.Get("client-1"); got != second {
		t.Error("client entry does not point at the successor")
	}
	if r.Count() != 1 {
		t.Errorf("count %d, want 1", r.Count())
	}
}

func TestRegistry_RemoveDisplacedCannotEvictSuccessor(t *testing.T) {
	r := New(zerolog.Nop(), time.Hour, time.Hour)
	defer r.Stop()

	first := newStream(r, "client-1")
	r.Register(first)
	second := newStream(r, "client-1")
	r.Register(second)

	// A stale removal of the displaced stream must not touch the successor.
	r.Remove(first)
	if got, ok := r.Get("client-1"); !ok || got != second {
		t.Error("successor evicted by stale removal")
	}
}

func TestRegistry_SweepReapsIdleStreams(t *testing.T) {
	r := New(zerolog.Nop(), time.Hour, 30*time.Millisecond)
	defer r.Stop()

	stale := newStream(r, "stale")
	fresh := newStream(r, "fresh")
	r.Register(stale)
	r.Register(fresh)

	time.Sleep(50 * time.Millisecond)
	fresh.Touch()
	r.sweep(time.Now())

	if !stale.Closed() || stale.Cause() != stream.CauseHeartbeatTimeout {
		t.Errorf("stale stream cause %s, want heartbeat-timeout", stale.Cause())
	}
	if fresh.Closed() {
		t.Error("fresh stream reaped")
	}
	if _, ok := r.Get("stale"); ok {
		t.Error("reaped stream still registered")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh stream lost")
	}
}

func TestRegistry_SweepLoop(t *testing.T) {
	r := New(zerolog.Nop(), 10*time.Millisecond, 20*time.Millisecond)
	r.Start()
	defer r.Stop()

	st := newStream(r, "client-1")
	r.Register(st)

	waitFor(t, "idle stream reaped by sweep loop", func() bool {
		return r.Count() == 0
	})
	if st.Cause() != stream.CauseHeartbeatTimeout {
		t.Errorf("cause %s, want heartbeat-timeout", st.Cause())
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New(zerolog.Nop(), time.Hour, time.Hour)
	defer r.Stop()

	ids := map[string]bool{}
	for _, c := range []string{"a", "b", "c"} {
		st := newStream(r, c)
		r.Register(st)
		ids[st.ID()] = true
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d streams", len(snap))
	}
	for _, st := range snap {
		if !ids[st.ID()] {
			t.Errorf("unknown stream %s in snapshot", st.ID())
		}
	}
}
