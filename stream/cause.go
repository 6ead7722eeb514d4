package stream

import "github.com/gorilla/websocket"

// Cause records why a stream was torn down. Every teardown path records
// exactly one cause; it is surfaced to disconnect handlers and selects the
// close frame's reason code.
type Cause int

const (
	// CauseNormal covers graceful closes and transport errors.
	CauseNormal Cause = iota
	// CauseDuplicateTakeover means a newer stream for the same client id
	// displaced this one.
	CauseDuplicateTakeover
	// CauseHeartbeatTimeout means the inactivity sweep found the stream stale.
	CauseHeartbeatTimeout
	// CauseMalformedArgument covers protocol violations: undecodable frames,
	// non-binary messages, replies to unknown request ids.
	CauseMalformedArgument
)

func (c Cause) String() string {
	switch c {
	case CauseNormal:
		return "normal"
	case CauseDuplicateTakeover:
		return "duplicate-takeover"
	case CauseHeartbeatTimeout:
		return "heartbeat-timeout"
	case CauseMalformedArgument:
		return "malformed-handshake-argument"
	default:
		return "unknown"
	}
}

// CloseCode maps the cause to the websocket close code sent to the peer.
func (c Cause) CloseCode() int {
	switch c {
	case CauseDuplicateTakeover:
		return 4001
	case CauseHeartbeatTimeout:
		return 4002
	case CauseMalformedArgument:
		return 4003
	default:
		return websocket.CloseNormalClosure
	}
}

// CauseFromCloseCode recovers the teardown cause from a received close code.
// Unrecognized codes map to CauseNormal.
func CauseFromCloseCode(code int) Cause {
	switch code {
	case 4001:
		return CauseDuplicateTakeover
	case 4002:
		return CauseHeartbeatTimeout
	case 4003:
		return CauseMalformedArgument
	default:
		return CauseNormal
	}
}
