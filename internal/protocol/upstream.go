package protocol

import (
	"encoding/json"
	"fmt"
)

// UpstreamTagPush tags the only client→server message kind the sync
// transport accepts today.
const UpstreamTagPush = "push"

// Upstream is one client→server message on a sync connection. Same
// tuple form as Downstream: ["push", {...}].
type Upstream struct {
	Tag  string
	Push PushBody
}

// PushMessage wraps a push body for the upstream wire.
func PushMessage(push PushBody) Upstream {
	return Upstream{Tag: UpstreamTagPush, Push: push}
}

// MarshalJSON encodes the tuple form.
func (u Upstream) MarshalJSON() ([]byte, error) {
	switch u.Tag {
	case UpstreamTagPush:
		return json.Marshal([2]any{u.Tag, u.Push})
	default:
		return nil, fmt.Errorf("upstream: unknown tag %q", u.Tag)
	}
}

// UnmarshalJSON decodes the tuple form and validates the payload.
func (u *Upstream) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("upstream: expected 2 elements, got %d", len(parts))
	}
	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return fmt.Errorf("upstream tag: %w", err)
	}
	switch tag {
	case UpstreamTagPush:
		push, err := ParsePushBody(parts[1])
		if err != nil {
			return fmt.Errorf("upstream body: %w", err)
		}
		u.Tag = tag
		u.Push = push
		return nil
	default:
		return fmt.Errorf("upstream: unknown tag %q", tag)
	}
}
