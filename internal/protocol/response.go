package protocol

import (
	"encoding/json"
	"fmt"
)

// PushErrorKind classifies a whole-push failure.
type PushErrorKind string

const (
	// PushErrorHTTP reports a non-2xx reply from the application endpoint.
	// Retriable: the client resubmits the unconfirmed mutations.
	PushErrorHTTP PushErrorKind = "http"
	// PushErrorZeroPusher reports a failure inside the pusher itself
	// (network error, unreachable endpoint). Retriable.
	PushErrorZeroPusher PushErrorKind = "zeroPusher"
	// PushErrorUnsupportedPushVersion is fatal; the connection must be
	// torn down.
	PushErrorUnsupportedPushVersion PushErrorKind = "unsupportedPushVersion"
	// PushErrorUnsupportedSchemaVersion is fatal; the connection must be
	// torn down.
	PushErrorUnsupportedSchemaVersion PushErrorKind = "unsupportedSchemaVersion"
)

// Fatal reports whether the error kind terminates the client's stream
// rather than inviting a retry.
func (k PushErrorKind) Fatal() bool {
	return k == PushErrorUnsupportedPushVersion || k == PushErrorUnsupportedSchemaVersion
}

// MutationErrorKind classifies a per-mutation failure inside an
// otherwise successful push.
type MutationErrorKind string

const (
	// MutationErrorApp means the user mutator failed; the mutation ID was
	// still consumed so the client treats it as resolved.
	MutationErrorApp MutationErrorKind = "app"
	// MutationErrorOutOfOrder means the mutation ID skipped ahead of the
	// persisted counter. The client's stream is failed after delivery.
	MutationErrorOutOfOrder MutationErrorKind = "oooMutation"
)

// MutationOutcome is the result slot of one mutation: empty for a clean
// apply (marshals as {}), or an error kind with optional details.
type MutationOutcome struct {
	Error   MutationErrorKind `json:"error,omitempty"`
	Details string            `json:"details,omitempty"`
}

// OK reports whether the mutation applied cleanly (including the
// idempotent-skip case, which is indistinguishable on the wire).
func (o MutationOutcome) OK() bool { return o.Error == "" }

// MutationResult pairs a mutation identifier with its outcome.
type MutationResult struct {
	ID     MutationID      `json:"id"`
	Result MutationOutcome `json:"result"`
}

// PushResponse is the application endpoint's reply to one push. Exactly
// one of the three shapes is populated:
//
//   - ok:        Mutations set, Error empty
//   - fatal:     Error is a fatal kind; MutationIDs optional
//   - retriable: Error is http or zeroPusher; Status/Details describe it
type PushResponse struct {
	Mutations   []MutationResult `json:"mutations,omitempty"`
	Error       PushErrorKind    `json:"error,omitempty"`
	Status      int              `json:"status,omitempty"`
	Details     string           `json:"details,omitempty"`
	MutationIDs []MutationID     `json:"mutationIDs,omitempty"`
}

// MarshalJSON emits exactly one wire variant: ok responses always carry
// "mutations" (even when empty, so the strict parser on the other side
// accepts them), error responses never do.
func (r PushResponse) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		type errorShape struct {
			Error       PushErrorKind `json:"error"`
			Status      int           `json:"status,omitempty"`
			Details     string        `json:"details,omitempty"`
			MutationIDs []MutationID  `json:"mutationIDs,omitempty"`
		}
		return json.Marshal(errorShape{r.Error, r.Status, r.Details, r.MutationIDs})
	}
	type okShape struct {
		Mutations []MutationResult `json:"mutations"`
	}
	mutations := r.Mutations
	if mutations == nil {
		mutations = []MutationResult{}
	}
	return json.Marshal(okShape{mutations})
}

// OK reports whether the response carries per-mutation results rather
// than a push-level error.
func (r PushResponse) OK() bool { return r.Error == "" }

// Fatal reports whether the response must fail the affected streams.
func (r PushResponse) Fatal() bool { return r.Error != "" && r.Error.Fatal() }

// Retriable reports whether the response leaves the push unconfirmed so
// the client retries it.
func (r PushResponse) Retriable() bool { return r.Error != "" && !r.Error.Fatal() }

// ParsePushResponse decodes a push response and rejects shapes that fit
// none of the three variants, so a confused upstream cannot silently
// corrupt client state.
func ParsePushResponse(data []byte) (PushResponse, error) {
	var resp PushResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return PushResponse{}, fmt.Errorf("push response: %w", err)
	}
	if resp.Error != "" {
		switch resp.Error {
		case PushErrorHTTP, PushErrorZeroPusher,
			PushErrorUnsupportedPushVersion, PushErrorUnsupportedSchemaVersion:
		default:
			return PushResponse{}, fmt.Errorf("push response: unknown error kind %q", resp.Error)
		}
		if len(resp.Mutations) > 0 {
			return PushResponse{}, fmt.Errorf("push response: error %q with mutation results", resp.Error)
		}
		return resp, nil
	}
	if resp.Mutations == nil {
		return PushResponse{}, fmt.Errorf("push response: neither mutations nor error present")
	}
	for i, m := range resp.Mutations {
		switch m.Result.Error {
		case "", MutationErrorApp, MutationErrorOutOfOrder:
		default:
			return PushResponse{}, fmt.Errorf("push response: mutation %d: unknown result error %q", i, m.Result.Error)
		}
	}
	return resp, nil
}

// InvalidPush is the stream-fatal error delivered to a client whose
// push cannot be recovered by retrying. The transport above must tear
// down the connection when iteration ends with this error.
type InvalidPush struct {
	Reason string
}

func (e InvalidPush) Error() string {
	return "invalid push: " + e.Reason
}
