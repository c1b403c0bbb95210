package protocol

import (
	"encoding/json"
	"fmt"
)

// PushVersion is the only push protocol version this server speaks.
const PushVersion = 1

// MutationKind discriminates how a mutation is executed on the
// application side.
type MutationKind string

const (
	// MutationCustom dispatches a registered named mutator.
	MutationCustom MutationKind = "custom"
	// MutationCRUD executes a built-in list of row operations.
	MutationCRUD MutationKind = "crud"
)

// MutationID identifies one mutation within a client's ordered stream.
// IDs are assigned by the client, start at 1, and must increase by
// exactly 1 per mutation; the server is the authority on which IDs have
// been applied.
type MutationID struct {
	ClientID string `json:"clientID"`
	ID       int64  `json:"id"`
}

func (m MutationID) String() string {
	return fmt.Sprintf("%s:%d", m.ClientID, m.ID)
}

// Mutation is a single client-originated state change. Immutable after
// creation; Args is opaque JSON interpreted by the named mutator.
type Mutation struct {
	Kind      MutationKind    `json:"kind"`
	ID        int64           `json:"id"`
	ClientID  string          `json:"clientID"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MID returns the mutation's identifier pair.
func (m Mutation) MID() MutationID {
	return MutationID{ClientID: m.ClientID, ID: m.ID}
}

// PushBody is the wire form of one push: an ordered batch of mutations
// for a single client group. Mutations may span multiple clientIDs only
// when the pusher has coalesced compatible entries.
type PushBody struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion,omitempty"`
	Timestamp     int64      `json:"timestamp"`
	RequestID     string     `json:"requestID"`
}

// MutationIDs returns the identifiers of every mutation in the body, in
// body order.
func (p PushBody) MutationIDs() []MutationID {
	ids := make([]MutationID, 0, len(p.Mutations))
	for _, m := range p.Mutations {
		ids = append(ids, m.MID())
	}
	return ids
}

// Validate checks the structural invariants of a decoded push body.
// Version and schema negotiation are deliberately not checked here; the
// processor owns those and reports them as fatal push errors rather
// than parse failures.
func (p PushBody) Validate() error {
	if p.ClientGroupID == "" {
		return fmt.Errorf("push body: missing clientGroupID")
	}
	if p.RequestID == "" {
		return fmt.Errorf("push body: missing requestID")
	}
	for i, m := range p.Mutations {
		if m.ClientID == "" {
			return fmt.Errorf("push body: mutation %d: missing clientID", i)
		}
		if m.ID < 1 {
			return fmt.Errorf("push body: mutation %d: id must be >= 1, got %d", i, m.ID)
		}
		if m.Name == "" {
			return fmt.Errorf("push body: mutation %d: missing name", i)
		}
		switch m.Kind {
		case MutationCustom, MutationCRUD:
		default:
			return fmt.Errorf("push body: mutation %d: unknown kind %q", i, m.Kind)
		}
	}
	return nil
}

// ParsePushBody decodes and validates a push body from raw JSON.
func ParsePushBody(data []byte) (PushBody, error) {
	var body PushBody
	if err := json.Unmarshal(data, &body); err != nil {
		return PushBody{}, fmt.Errorf("push body: %w", err)
	}
	if err := body.Validate(); err != nil {
		return PushBody{}, err
	}
	return body, nil
}
