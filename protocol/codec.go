package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxFrameSize is the largest encoded frame either end will accept.
const MaxFrameSize = 10 * 1024 * 1024 // 10MB

// Codec encodes and decodes envelopes to and from wire bytes. The engine
// never builds envelope bytes itself; swapping the codec swaps the wire
// format.
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// JSONCodec is the default codec: one JSON object per frame, application
// payload fields merged into the top level next to the protocol fields.
type JSONCodec struct{}

func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", len(data))
	}
	env := new(Envelope)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// reserved marks the top-level keys owned by the protocol; application
// payload fields must not collide with them.
var reserved = map[string]bool{
	fieldID:        true,
	fieldReply:     true,
	fieldError:     true,
	fieldUserError: true,
	fieldTrace:     true,
	fieldSubstream: true,
}

// MarshalJSON flattens the envelope into a single object: the protocol fields
// plus every application payload field at the top level.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	obj := make(map[string]RawMessage, len(e.Fields)+6)
	for k, v := range e.Fields {
		if reserved[k] {
			return nil, fmt.Errorf("payload field %q collides with a protocol field", k)
		}
		obj[k] = v
	}

	put := func(key string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		obj[key] = raw
		return nil
	}

	if err := put(fieldID, e.ID); err != nil {
		return nil, err
	}
	if e.Reply {
		if err := put(fieldReply, e.Reply); err != nil {
			return nil, err
		}
	}
	if e.Error != "" {
		if err := put(fieldError, e.Error); err != nil {
			return nil, err
		}
	}
	if e.UserError {
		if err := put(fieldUserError, e.UserError); err != nil {
			return nil, err
		}
	}
	if e.Trace != "" {
		if err := put(fieldTrace, e.Trace); err != nil {
			return nil, err
		}
	}
	if e.Substream != nil {
		if err := put(fieldSubstream, e.Substream); err != nil {
			return nil, err
		}
	}

	return json.Marshal(obj)
}

// UnmarshalJSON splits a frame object back into protocol fields and opaque
// application payload fields. Unknown keys are payload, never an error.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var obj map[string]RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	for key, raw := range obj {
		var err error
		switch key {
		case fieldID:
			err = json.Unmarshal(raw, &e.ID)
		case fieldReply:
			err = json.Unmarshal(raw, &e.Reply)
		case fieldError:
			err = json.Unmarshal(raw, &e.Error)
		case fieldUserError:
			err = json.Unmarshal(raw, &e.UserError)
		case fieldTrace:
			err = json.Unmarshal(raw, &e.Trace)
		case fieldSubstream:
			e.Substream = new(SubstreamFrame)
			err = json.Unmarshal(raw, e.Substream)
		default:
			if e.Fields == nil {
				e.Fields = make(map[string]RawMessage)
			}
			e.Fields[key] = raw
		}
		if err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
	}

	return nil
}

// Marshal encodes an application payload value for use as an envelope field.
func Marshal(v interface{}) (RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes an application payload field into v.
func Unmarshal(data RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
