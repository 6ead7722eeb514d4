package stream

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wsmux/wsmux/protocol"
)

const (
	defaultPendingCap    = 2 * 1024 * 1024
	defaultAttachTimeout = 5 * time.Second
	defaultHighWater     = 256 * 1024
	defaultChunkSize     = 64 * 1024
)

// SubstreamConfig tunes the multiplexer. Servers and clients must draw ids
// from disjoint sequences; by convention clients start at 1 and servers at
// 2, both stepping by 2.
type SubstreamConfig struct {
	IDStart uint64
	IDStep  uint64
	// PendingCap bounds bytes buffered for a substream no consumer has
	// attached to yet. Overflow destroys the substream.
	PendingCap int
	// AttachTimeout bounds how long a remotely opened substream may wait
	// for its first Read.
	AttachTimeout time.Duration
	// HighWater is the stream outbox level above which substream writes
	// block until the write pump drains.
	HighWater int
	// ChunkSize caps the payload of a single write frame.
	ChunkSize int
}

func (c *SubstreamConfig) applyDefaults() {
	if c.IDStart == 0 && c.IDStep == 0 {
		c.IDStart = 1
	}
	if c.IDStep == 0 {
		c.IDStep = 2
	}
	if c.PendingCap <= 0 {
		c.PendingCap = defaultPendingCap
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = defaultAttachTimeout
	}
	if c.HighWater <= 0 {
		c.HighWater = defaultHighWater
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
}

// idAllocator hands out substream ids from an interleaved sequence so the
// two peers can open substreams without coordination.
type idAllocator struct {
	next atomic.Uint64
	step uint64
}

func (a *idAllocator) init(start, step uint64) {
	a.next.Store(start)
	a.step = step
}

func (a *idAllocator) Next() uint64 {
	return a.next.Add(a.step) - a.step
}

// Substream is one binary channel multiplexed over a stream. It implements
// io.ReadWriteCloser: reads consume remote write frames in arrival order,
// writes chunk into frames on the shared stream. There is no separate open
// frame; the first write on a fresh id opens the substream at the peer.
type Substream struct {
	id uint64
	st *Stream

	mu          sync.Mutex
	cond        *sync.Cond
	buf         *bytes.Buffer
	finished    bool
	destroyed   bool
	destroyErr  error
	attachTimer *time.Timer

	attached    atomic.Bool
	closedLocal atomic.Bool
}

func newSubstream(st *Stream, id uint64) *Substream {
	ss := &Substream{
		id:  id,
		st:  st,
		buf: protocol.GetBuffer(),
	}
	ss.cond = sync.NewCond(&ss.mu)
	return ss
}

// SID is the substream id shared with the peer.
func (ss *Substream) SID() uint64 { return ss.id }

// Stream is the parent stream.
func (ss *Substream) Stream() *Stream { return ss.st }

// Read consumes buffered data, blocking until data arrives, the peer
// finishes the substream (io.EOF) or it is destroyed. The first Read
// attaches the consumer and disarms the attach window.
func (ss *Substream) Read(p []byte) (int, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.attached.CompareAndSwap(false, true) && ss.attachTimer != nil {
		ss.attachTimer.Stop()
		ss.attachTimer = nil
	}
	for ss.buf.Len() == 0 && !ss.finished && !ss.destroyed {
		ss.cond.Wait()
	}
	if ss.buf.Len() > 0 {
		n, _ := ss.buf.Read(p)
		return n, nil
	}
	if ss.destroyed {
		return 0, ss.destroyErr
	}
	return 0, io.EOF
}

// Write chunks p into write frames. It blocks while the stream outbox sits
// at or above the high-water mark, returns ErrSubstreamFinished after Close
// and the destroy error once the substream is destroyed.
func (ss *Substream) Write(p []byte) (int, error) {
	if ss.closedLocal.Load() {
		return 0, ErrSubstreamFinished
	}
	written := 0
	for len(p) > 0 {
		ss.mu.Lock()
		if ss.destroyed {
			err := ss.destroyErr
			ss.mu.Unlock()
			return written, err
		}
		ss.mu.Unlock()
		if err := ss.st.outbox.waitBelow(ss.st.subConf.HighWater); err != nil {
			return written, err
		}
		n := len(p)
		if n > ss.st.subConf.ChunkSize {
			n = ss.st.subConf.ChunkSize
		}
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		frame := protocol.NewSubstreamWrite(ss.st.nextID.Add(1), ss.id, chunk)
		if err := ss.st.send(frame); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close finishes the substream: the peer drains buffered data and then sees
// io.EOF. Idempotent; reads stay usable.
func (ss *Substream) Close() error {
	if !ss.closedLocal.CompareAndSwap(false, true) {
		return nil
	}
	return ss.st.send(protocol.NewSubstreamFinish(ss.st.nextID.Add(1), ss.id))
}

// Destroy terminates the substream abnormally on both ends. Buffered data
// is discarded and blocked reads fail with an error wrapping
// ErrSubstreamDestroyed.
func (ss *Substream) Destroy(reason string) error {
	return ss.destroyLocal(reason)
}

// fail marks the substream dead without telling the peer. Used for remote
// destroys and stream teardown.
func (ss *Substream) fail(err error) {
	ss.mu.Lock()
	if ss.destroyed {
		ss.mu.Unlock()
		return
	}
	ss.destroyed = true
	ss.destroyErr = err
	if ss.attachTimer != nil {
		ss.attachTimer.Stop()
		ss.attachTimer = nil
	}
	// Swap the buffer out before recycling it so no reader can touch a
	// pooled buffer.
	old := ss.buf
	ss.buf = new(bytes.Buffer)
	ss.cond.Broadcast()
	ss.mu.Unlock()
	protocol.PutBuffer(old)
}

// destroyLocal fails the substream and notifies the peer.
func (ss *Substream) destroyLocal(reason string) error {
	ss.fail(fmt.Errorf("%w: %s", ErrSubstreamDestroyed, reason))
	return ss.st.send(protocol.NewSubstreamDestroy(ss.st.nextID.Add(1), ss.id, reason))
}

// deliver buffers one inbound chunk and enforces the pending cap while no
// consumer is attached. Chunks for destroyed substreams are dropped, which
// keeps a stale id from implicitly reopening.
func (ss *Substream) deliver(chunk []byte) {
	ss.mu.Lock()
	if ss.destroyed {
		ss.mu.Unlock()
		return
	}
	ss.buf.Write(chunk)
	overflow := !ss.attached.Load() && ss.buf.Len() > ss.st.subConf.PendingCap
	ss.cond.Broadcast()
	ss.mu.Unlock()
	if overflow {
		ss.st.logger.Warn().
			Uint64("sid", ss.id).
			Int("cap", ss.st.subConf.PendingCap).
			Msg("substream pending buffer overflow")
		if err := ss.destroyLocal("pending buffer overflow"); err != nil {
			ss.st.logger.Debug().Err(err).Msg("destroy frame failed")
		}
	}
}

func (ss *Substream) finishRemote() {
	ss.mu.Lock()
	if !ss.destroyed {
		ss.finished = true
		ss.cond.Broadcast()
	}
	ss.mu.Unlock()
}

func (ss *Substream) destroyRemote(reason string) {
	if reason == "" {
		ss.fail(ErrSubstreamDestroyed)
		return
	}
	ss.fail(fmt.Errorf("%w: %s", ErrSubstreamDestroyed, reason))
}

func (ss *Substream) armAttachTimer(d time.Duration) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.destroyed || ss.attached.Load() {
		return
	}
	ss.attachTimer = time.AfterFunc(d, func() {
		if ss.attached.Load() {
			return
		}
		ss.st.logger.Warn().Uint64("sid", ss.id).Msg("no consumer attached within window")
		if err := ss.destroyLocal("consumer attach timeout"); err != nil {
			ss.st.logger.Debug().Err(err).Msg("destroy frame failed")
		}
	})
}

// OpenSubstream allocates a local substream id. No frame is sent until the
// first Write; the peer learns about the substream from that frame.
func (s *Stream) OpenSubstream() (*Substream, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.tornDown.Load() {
		return nil, ErrStreamClosed
	}
	ss := newSubstream(s, s.subIDs.Next())
	ss.attached.Store(true)
	s.subs[ss.id] = ss
	return ss, nil
}

// Substreams reports currently known substream ids, tombstones included.
func (s *Stream) Substreams() []uint64 {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	return out
}

// handleSubstream routes one substream frame. A write on an unknown id
// implicitly opens the substream; finish and destroy on unknown ids are
// dropped because the substream may simply be gone already.
func (s *Stream) handleSubstream(f *protocol.SubstreamFrame) {
	op, err := f.Op()
	if err != nil {
		s.logger.Warn().Err(err).Uint64("sid", f.SID).Msg("malformed substream frame")
		s.Teardown(CauseMalformedArgument)
		return
	}

	s.subMu.Lock()
	ss, ok := s.subs[f.SID]
	if !ok {
		if op != protocol.SubstreamWrite {
			s.subMu.Unlock()
			s.logger.Debug().
				Uint64("sid", f.SID).
				Str("op", op.String()).
				Msg("substream op for unknown id")
			return
		}
		ss = newSubstream(s, f.SID)
		s.subs[f.SID] = ss
		s.subMu.Unlock()
		ss.armAttachTimer(s.subConf.AttachTimeout)
		if s.onSubstream != nil {
			go s.onSubstream(s, ss)
		}
	} else {
		s.subMu.Unlock()
	}

	switch op {
	case protocol.SubstreamWrite:
		ss.deliver(f.Write)
	case protocol.SubstreamFinish:
		ss.finishRemote()
	case protocol.SubstreamDestroy:
		ss.destroyRemote(f.Error)
	}
}
