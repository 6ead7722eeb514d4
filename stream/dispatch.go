package stream

import (
	"context"
	"time"

	"github.com/wsmux/wsmux/protocol"
	"github.com/wsmux/wsmux/traceutil"
)

// dispatch routes one decoded frame. Classification order is heartbeat,
// substream, reply, request; anything else is a protocol violation.
func (s *Stream) dispatch(env *protocol.Envelope) {
	switch env.Kind() {
	case protocol.FrameHeartbeat:
		s.Touch()
		s.logger.Debug().Uint64("id", env.ID).Msg("heartbeat")
		if s.echoHeartbeat {
			if err := s.send(protocol.NewHeartbeat(env.ID)); err != nil {
				s.logger.Debug().Err(err).Msg("heartbeat echo failed")
			}
		}
	case protocol.FrameSubstream:
		s.Touch()
		s.handleSubstream(env.Substream)
	case protocol.FrameReply:
		s.Touch()
		s.resolveReply(env)
	case protocol.FrameRequest:
		s.Touch()
		name, h, payload, ok := s.actions.match(env.Fields)
		if !ok {
			s.logger.Debug().Uint64("id", env.ID).Msg("request matched no registered action")
			if err := s.send(protocol.NewErrorReply(env.ID, "unsupported action", false)); err != nil {
				s.logger.Debug().Err(err).Msg("reject reply failed")
			}
			return
		}
		go s.runHandler(env.ID, name, h, payload, env.Trace)
	default:
		s.logger.Warn().Uint64("id", env.ID).Msg("malformed frame")
		s.Teardown(CauseMalformedArgument)
	}
}

func (s *Stream) runHandler(id uint64, name string, h Handler, payload protocol.RawMessage, trace string) {
	ctx := s.handlerCtx
	if trace != "" {
		ctx = traceutil.SetTraceID(ctx, trace)
	}
	logger := traceutil.LogCtx(ctx, s.logger.With()).Str("action", name).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("handler panicked")
			if err := s.send(protocol.NewErrorReply(id, genericFailure, false)); err != nil {
				logger.Debug().Err(err).Msg("error reply failed")
			}
		}
	}()

	result, err := h(ctx, s, payload)
	if err != nil {
		var reply *protocol.Envelope
		if protocol.IsUserFacing(err) {
			logger.Debug().Err(err).Msg("handler returned user-facing error")
			reply = protocol.NewErrorReply(id, err.Error(), true)
		} else {
			logger.Error().Err(err).Msg("handler failed")
			reply = protocol.NewErrorReply(id, genericFailure, false)
		}
		if err := s.send(reply); err != nil {
			logger.Debug().Err(err).Msg("error reply failed")
		}
		return
	}

	raw, err := protocol.Marshal(result)
	if err != nil {
		logger.Error().Err(err).Msg("encode handler result failed")
		if err := s.send(protocol.NewErrorReply(id, genericFailure, false)); err != nil {
			logger.Debug().Err(err).Msg("error reply failed")
		}
		return
	}
	if err := s.send(protocol.NewReply(id, name, raw)); err != nil {
		logger.Debug().Err(err).Msg("reply failed")
	}
}

// pendingRequest tracks one outbound invocation until a reply, its expiry
// timer, context cancellation or stream teardown resolves it. Removal from
// the pending map is the linearization point, so exactly one resolver wins.
type pendingRequest struct {
	id     uint64
	action string
	timer  *time.Timer
	done   chan struct{}
	result protocol.RawMessage
	err    error
}

func (p *pendingRequest) resolveErr(err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.err = err
	close(p.done)
}

func (s *Stream) takePending(id uint64) (*pendingRequest, bool) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return p, ok
}

func (s *Stream) failPending(id uint64, err error) {
	if p, ok := s.takePending(id); ok {
		p.resolveErr(err)
	}
}

func (s *Stream) resolveReply(env *protocol.Envelope) {
	p, ok := s.takePending(env.ID)
	if !ok {
		s.logger.Warn().Uint64("id", env.ID).Msg("reply for unknown request")
		s.Teardown(CauseMalformedArgument)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if env.Error != "" {
		p.err = &protocol.RemoteError{Message: env.Error, UserFacing: env.UserError}
	} else {
		p.result = env.Fields[protocol.ResponseField(p.action)]
	}
	close(p.done)
}

// Invoke sends a request to the peer and decodes the reply into result.
// A nil result discards the reply payload. The reply deadline is absolute
// from the moment of sending, independent of other traffic on the stream.
func (s *Stream) Invoke(ctx context.Context, name string, payload, result interface{}) error {
	raw, err := protocol.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := s.InvokeRaw(ctx, name, raw)
	if err != nil {
		return err
	}
	if result == nil || resp == nil {
		return nil
	}
	return protocol.Unmarshal(resp, result)
}

// InvokeRaw is Invoke without payload encoding: the raw bytes are placed
// under the action's request field and the raw response field is returned.
func (s *Stream) InvokeRaw(ctx context.Context, name string, payload protocol.RawMessage) (protocol.RawMessage, error) {
	id := s.nextID.Add(1)
	p := &pendingRequest{
		id:     id,
		action: name,
		done:   make(chan struct{}),
	}

	s.pendMu.Lock()
	if s.tornDown.Load() {
		s.pendMu.Unlock()
		return nil, ErrStreamClosed
	}
	s.pending[id] = p
	// Assigned before the entry is visible to other resolvers, so whoever
	// takes the entry also owns stopping the timer.
	p.timer = time.AfterFunc(s.invokeTimeout, func() {
		s.failPending(id, ErrInvokeTimeout)
	})
	s.pendMu.Unlock()

	env := protocol.NewRequest(id, name, payload, traceutil.TraceID(ctx))
	if err := s.send(env); err != nil {
		s.failPending(id, err)
		<-p.done
		return nil, p.err
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		s.failPending(id, ctx.Err())
		<-p.done
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}
