package pusher

import (
	"fmt"

	"github.com/erauner12/syncbridge/internal/protocol"
)

// coalesce merges queued entries into one composite entry per client,
// preserving first-appearance order across clients and mutation order
// within a client. A sentinel ends the scan: accumulated batches are
// returned with terminate=true and trailing entries are discarded.
//
// Entries for the same client must agree on jwt, pushVersion, and
// schemaVersion; disagreement fails the whole call.
func coalesce(entries []PushEntry) (batches []PushEntry, terminate bool, err error) {
	var order []string
	groups := make(map[string]*clientGroup)

	for _, e := range entries {
		if e.stop {
			terminate = true
			break
		}

		g, ok := groups[e.ClientID]
		if !ok {
			g = &clientGroup{first: e}
			groups[e.ClientID] = g
			order = append(order, e.ClientID)
			continue
		}

		if e.JWT != g.first.JWT {
			return nil, false, fmt.Errorf("%w: client %q pushed with differing jwt", ErrCoalesceInvariant, e.ClientID)
		}
		if e.Push.PushVersion != g.first.Push.PushVersion {
			return nil, false, fmt.Errorf("%w: client %q pushed with differing pushVersion", ErrCoalesceInvariant, e.ClientID)
		}
		if e.Push.SchemaVersion != g.first.Push.SchemaVersion {
			return nil, false, fmt.Errorf("%w: client %q pushed with differing schemaVersion", ErrCoalesceInvariant, e.ClientID)
		}
		g.extra = append(g.extra, e.Push.Mutations...)
	}

	for _, clientID := range order {
		batches = append(batches, groups[clientID].composite())
	}
	return batches, terminate, nil
}

type clientGroup struct {
	first PushEntry
	extra []protocol.Mutation
}

// composite returns the merged entry. Metadata (requestID, timestamps)
// comes from the group's first push.
func (g *clientGroup) composite() PushEntry {
	if len(g.extra) == 0 {
		return g.first
	}
	merged := g.first
	mutations := make([]protocol.Mutation, 0, len(g.first.Push.Mutations)+len(g.extra))
	mutations = append(mutations, g.first.Push.Mutations...)
	mutations = append(mutations, g.extra...)
	merged.Push.Mutations = mutations
	return merged
}
