package stream

import "errors"

var (
	// ErrStreamClosed is returned by operations attempted on a torn-down
	// stream and delivered to invocations still pending at teardown.
	ErrStreamClosed = errors.New("stream closed")
	// ErrInvokeTimeout is returned when the peer does not reply within the
	// invocation expiry window.
	ErrInvokeTimeout = errors.New("invocation timed out")
	// ErrSubstreamDestroyed is wrapped into errors returned by reads and
	// writes on a destroyed substream.
	ErrSubstreamDestroyed = errors.New("substream destroyed")
	// ErrSubstreamFinished is returned by writes after Close.
	ErrSubstreamFinished = errors.New("substream finished")
)

// genericFailure is the reply text for handler errors not marked user-facing.
// The real error stays in the local log only.
const genericFailure = "internal error"
