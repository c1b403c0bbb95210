package pusher

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/metrics"
	"github.com/erauner12/syncbridge/internal/protocol"
)

// fanOut delivers one upstream response to the client streams it
// affects. Clients without a live connection are skipped; their
// results are dropped. Returns an error only when ctx ends mid-send.
func fanOut(ctx context.Context, reg *Registry, entry PushEntry, resp protocol.PushResponse) error {
	switch {
	case resp.Fatal():
		fanOutFatal(reg, entry, resp)
		return nil
	case resp.Retriable():
		return fanOutRetriable(ctx, reg, entry, resp)
	default:
		return fanOutResults(ctx, reg, resp)
	}
}

// fanOutFatal fails every affected stream. The transport above sees
// the failure and tears the connection down; the client must not
// retry these mutations blindly.
func fanOutFatal(reg *Registry, entry PushEntry, resp protocol.PushResponse) {
	ids := resp.MutationIDs
	if len(ids) == 0 {
		ids = entry.Push.MutationIDs()
	}
	order, _ := groupIDsByClient(ids)
	for _, clientID := range order {
		conn, ok := reg.Get(clientID)
		if !ok {
			log.Debug().Str("clientID", clientID).Msg("Dropped fatal push error for disconnected client")
			continue
		}
		log.Warn().
			Str("clientID", clientID).
			Str("error", string(resp.Error)).
			Msg("Failing sync stream on fatal push error")
		conn.Out.Fail(protocol.InvalidPush{Reason: string(resp.Error)})
		metrics.StreamFailures.Inc()
	}
}

// fanOutRetriable reports the error to each affected client, scoped to
// that client's own mutationIDs. Streams stay open; the client retries.
func fanOutRetriable(ctx context.Context, reg *Registry, entry PushEntry, resp protocol.PushResponse) error {
	ids := resp.MutationIDs
	if len(ids) == 0 {
		ids = entry.Push.MutationIDs()
	}
	order, byClient := groupIDsByClient(ids)
	for _, clientID := range order {
		conn, ok := reg.Get(clientID)
		if !ok {
			log.Debug().Str("clientID", clientID).Msg("Dropped retriable push error for disconnected client")
			continue
		}
		msg := protocol.PushResponseMessage(protocol.PushResponse{
			Error:       resp.Error,
			Status:      resp.Status,
			Details:     resp.Details,
			MutationIDs: byClient[clientID],
		})
		if err := pushDownstream(ctx, conn, msg); err != nil {
			return err
		}
	}
	return nil
}

// fanOutResults delivers per-mutation results. An oooMutation result
// ends the client's stream: the prefix of earlier results is pushed
// first, then the stream fails so the client reconnects and resyncs.
func fanOutResults(ctx context.Context, reg *Registry, resp protocol.PushResponse) error {
	order, byClient := groupResultsByClient(resp.Mutations)
	for _, clientID := range order {
		results := byClient[clientID]
		oooAt := -1
		for i, r := range results {
			if r.Result.Error == protocol.MutationErrorOutOfOrder {
				oooAt = i
				break
			}
		}

		conn, ok := reg.Get(clientID)
		if !ok {
			log.Debug().
				Str("clientID", clientID).
				Int("results", len(results)).
				Msg("Dropped mutation results for disconnected client")
			continue
		}

		prefix := results
		if oooAt >= 0 {
			prefix = results[:oooAt]
		}
		if len(prefix) > 0 {
			msg := protocol.PushResponseMessage(protocol.PushResponse{Mutations: prefix})
			if err := pushDownstream(ctx, conn, msg); err != nil {
				return err
			}
		}
		if oooAt >= 0 {
			if trailing := len(results) - oooAt - 1; trailing > 0 {
				log.Error().
					Str("clientID", clientID).
					Int("dropped", trailing).
					Msg("Upstream returned mutation results after an out-of-order error")
			}
			log.Warn().
				Str("clientID", clientID).
				Str("mutationID", results[oooAt].ID.String()).
				Msg("Failing sync stream on out-of-order mutation")
			conn.Out.Fail(protocol.InvalidPush{Reason: "mutation was out of order"})
			metrics.StreamFailures.Inc()
		}
	}
	return nil
}

// pushDownstream sends one message, treating a concurrently-closed
// stream as a disconnect rather than an error.
func pushDownstream(ctx context.Context, conn *ClientConnection, msg protocol.Downstream) error {
	err := conn.Out.Push(ctx, msg)
	switch {
	case err == nil:
		metrics.DownstreamMessages.Inc()
		return nil
	case errors.Is(err, ErrStreamClosed):
		log.Debug().Str("clientID", conn.ClientID).Msg("Dropped downstream message for closed stream")
		return nil
	default:
		return err
	}
}

func groupIDsByClient(ids []protocol.MutationID) ([]string, map[string][]protocol.MutationID) {
	var order []string
	byClient := make(map[string][]protocol.MutationID)
	for _, id := range ids {
		if _, ok := byClient[id.ClientID]; !ok {
			order = append(order, id.ClientID)
		}
		byClient[id.ClientID] = append(byClient[id.ClientID], id)
	}
	return order, byClient
}

func groupResultsByClient(results []protocol.MutationResult) ([]string, map[string][]protocol.MutationResult) {
	var order []string
	byClient := make(map[string][]protocol.MutationResult)
	for _, r := range results {
		if _, ok := byClient[r.ID.ClientID]; !ok {
			order = append(order, r.ID.ClientID)
		}
		byClient[r.ID.ClientID] = append(byClient[r.ID.ClientID], r)
	}
	return order, byClient
}
