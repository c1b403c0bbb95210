package protocol

import (
	"encoding/json"
	"fmt"
)

// Downstream message tags.
const (
	DownstreamTagPushResponse = "pushResponse"
	DownstreamTagError        = "error"
)

// Error kinds carried by ["error", ...] messages.
const (
	ErrorKindInvalidPush = "InvalidPush"
	ErrorKindInternal    = "Internal"
)

// ErrorBody tells the client why the server is about to close the
// connection.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Downstream is one server→client message on a per-client output
// stream. On the wire it is a two-element array: a string tag followed
// by the tag's payload, e.g. ["pushResponse", {...}].
type Downstream struct {
	Tag          string
	PushResponse PushResponse
	Err          ErrorBody
}

// PushResponseMessage wraps a push response for delivery downstream.
func PushResponseMessage(resp PushResponse) Downstream {
	return Downstream{Tag: DownstreamTagPushResponse, PushResponse: resp}
}

// ErrorMessage builds the ["error", ...] message sent before a failed
// stream's close frame.
func ErrorMessage(kind, message string) Downstream {
	return Downstream{Tag: DownstreamTagError, Err: ErrorBody{Kind: kind, Message: message}}
}

// MarshalJSON encodes the tuple form.
func (d Downstream) MarshalJSON() ([]byte, error) {
	switch d.Tag {
	case DownstreamTagPushResponse:
		return json.Marshal([2]any{d.Tag, d.PushResponse})
	case DownstreamTagError:
		return json.Marshal([2]any{d.Tag, d.Err})
	default:
		return nil, fmt.Errorf("downstream: unknown tag %q", d.Tag)
	}
}

// UnmarshalJSON decodes the tuple form.
func (d *Downstream) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("downstream: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("downstream: expected 2 elements, got %d", len(parts))
	}
	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return fmt.Errorf("downstream tag: %w", err)
	}
	switch tag {
	case DownstreamTagPushResponse:
		var resp PushResponse
		if err := json.Unmarshal(parts[1], &resp); err != nil {
			return fmt.Errorf("downstream body: %w", err)
		}
		d.Tag = tag
		d.PushResponse = resp
		return nil
	case DownstreamTagError:
		var body ErrorBody
		if err := json.Unmarshal(parts[1], &body); err != nil {
			return fmt.Errorf("downstream body: %w", err)
		}
		if body.Kind == "" {
			return fmt.Errorf("downstream body: missing error kind")
		}
		d.Tag = tag
		d.Err = body
		return nil
	default:
		return fmt.Errorf("downstream: unknown tag %q", tag)
	}
}
