package stream

import (
	"context"
	"sync"

	"github.com/wsmux/wsmux/protocol"
)

// Handler serves one inbound request. The payload is the raw value of the
// action's request field; the returned value is encoded under the action's
// response field. Errors marked protocol.UserFacing travel to the peer
// verbatim, anything else is replaced with a generic failure text.
type Handler func(ctx context.Context, st *Stream, payload protocol.RawMessage) (interface{}, error)

type action struct {
	name    string
	field   string
	handler Handler
}

// Actions is the ordered action set consulted for inbound requests. Requests
// are matched by probing registration order for the first action whose
// request field is present, so registering an action twice leaves the
// earlier one in charge.
type Actions struct {
	mu   sync.RWMutex
	list []action
}

func NewActions() *Actions {
	return &Actions{}
}

// Register appends an action. The wire request field is derived from the
// action name.
func (a *Actions) Register(name string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list = append(a.list, action{
		name:    name,
		field:   protocol.RequestField(name),
		handler: h,
	})
}

// Names lists registered action names in registration order.
func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.list))
	for i, ac := range a.list {
		out[i] = ac.name
	}
	return out
}

// match finds the first registered action whose request field appears among
// the frame's payload fields.
func (a *Actions) match(fields map[string]protocol.RawMessage) (string, Handler, protocol.RawMessage, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ac := range a.list {
		if raw, ok := fields[ac.field]; ok {
			return ac.name, ac.handler, raw, true
		}
	}
	return "", nil, nil, false
}
