package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage is an opaque, pre-encoded payload fragment.
type RawMessage = jsoniter.RawMessage

// Envelope field names reserved by the protocol. Application payloads may use
// any other top-level key.
const (
	fieldID        = "id"
	fieldReply     = "reply"
	fieldError     = "error"
	fieldUserError = "userError"
	fieldTrace     = "trace"
	fieldSubstream = "substream"
)

// Suffixes of the named application payload fields. An action "echo" sends its
// request under "echoRequest" and receives its result under "echoResponse".
const (
	RequestSuffix  = "Request"
	ResponseSuffix = "Response"
)

// RequestField returns the envelope field carrying an action's request payload.
func RequestField(action string) string {
	return action + RequestSuffix
}

// ResponseField returns the envelope field carrying an action's reply payload.
func ResponseField(action string) string {
	return action + ResponseSuffix
}

// Envelope is one decoded wire frame. Every frame carries a request id;
// everything else is optional and its presence determines the frame kind.
// Application payloads ride in Fields keyed by their named request/response
// field, opaque to this package.
type Envelope struct {
	ID        uint64
	Reply     bool
	Error     string
	UserError bool
	Trace     string
	Substream *SubstreamFrame
	Fields    map[string]RawMessage
}

// FrameKind is the decoded classification of an envelope.
type FrameKind int

const (
	FrameInvalid FrameKind = iota
	FrameHeartbeat
	FrameSubstream
	FrameReply
	FrameRequest
)

func (k FrameKind) String() string {
	switch k {
	case FrameHeartbeat:
		return "heartbeat"
	case FrameSubstream:
		return "substream"
	case FrameReply:
		return "reply"
	case FrameRequest:
		return "request"
	default:
		return "invalid"
	}
}

// Kind classifies the envelope once so dispatch can switch on the result.
// Order matters: heartbeat, then substream control, then reply, then request.
func (e *Envelope) Kind() FrameKind {
	if !e.Reply && e.Substream == nil && e.Error == "" && len(e.Fields) == 0 {
		return FrameHeartbeat
	}
	if e.Substream != nil {
		return FrameSubstream
	}
	if e.Reply {
		return FrameReply
	}
	if len(e.Fields) > 0 {
		return FrameRequest
	}
	return FrameInvalid
}

// SubstreamOp identifies which control operation a substream frame carries.
type SubstreamOp int

const (
	SubstreamWrite SubstreamOp = iota
	SubstreamFinish
	SubstreamDestroy
)

func (op SubstreamOp) String() string {
	switch op {
	case SubstreamWrite:
		return "write"
	case SubstreamFinish:
		return "finish"
	case SubstreamDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// SubstreamFrame is the substream control portion of an envelope: a substream
// id plus exactly one of a data chunk, a graceful finish, or a destroy with an
// optional error description.
type SubstreamFrame struct {
	SID     uint64 `json:"sid"`
	Write   []byte `json:"write,omitempty"`
	Finish  bool   `json:"finish,omitempty"`
	Destroy bool   `json:"destroy,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Op validates the frame and returns its operation. A frame carrying zero or
// more than one operation is malformed.
func (f *SubstreamFrame) Op() (SubstreamOp, error) {
	ops := 0
	op := SubstreamWrite
	if f.Write != nil {
		ops++
	}
	if f.Finish {
		ops++
		op = SubstreamFinish
	}
	if f.Destroy {
		ops++
		op = SubstreamDestroy
	}
	if ops != 1 {
		return 0, fmt.Errorf("substream frame for sid %d carries %d operations", f.SID, ops)
	}
	return op, nil
}

// NewHeartbeat builds a heartbeat frame. Heartbeats carry nothing but an id.
func NewHeartbeat(id uint64) *Envelope {
	return &Envelope{ID: id}
}

// NewRequest builds an application request frame for the given action.
func NewRequest(id uint64, action string, payload RawMessage, trace string) *Envelope {
	return &Envelope{
		ID:     id,
		Trace:  trace,
		Fields: map[string]RawMessage{RequestField(action): payload},
	}
}

// NewReply builds a successful reply frame carrying the result under the
// action's response field.
func NewReply(id uint64, action string, result RawMessage) *Envelope {
	return &Envelope{
		ID:     id,
		Reply:  true,
		Fields: map[string]RawMessage{ResponseField(action): result},
	}
}

// NewErrorReply builds an error reply. The userFacing flag tells the caller
// whether the text is a handler-originated message safe to surface verbatim.
func NewErrorReply(id uint64, message string, userFacing bool) *Envelope {
	return &Envelope{
		ID:        id,
		Reply:     true,
		Error:     message,
		UserError: userFacing,
	}
}

// NewSubstreamWrite builds a substream data frame.
func NewSubstreamWrite(id, sid uint64, chunk []byte) *Envelope {
	return &Envelope{ID: id, Substream: &SubstreamFrame{SID: sid, Write: chunk}}
}

// NewSubstreamFinish builds a graceful end-of-data frame for a substream.
func NewSubstreamFinish(id, sid uint64) *Envelope {
	return &Envelope{ID: id, Substream: &SubstreamFrame{SID: sid, Finish: true}}
}

// NewSubstreamDestroy builds an abnormal-termination frame for a substream.
func NewSubstreamDestroy(id, sid uint64, reason string) *Envelope {
	return &Envelope{ID: id, Substream: &SubstreamFrame{SID: sid, Destroy: true, Error: reason}}
}
