package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/metrics"
	"github.com/erauner12/syncbridge/internal/protocol"
)

// Params scope one push to its upstream schema and application.
type Params struct {
	// Schema is the Postgres schema holding the clients table.
	Schema string
	// AppID identifies the pushing deployment; logged only.
	AppID string
	// UserID is the subject of the verified push token, stored on the
	// client row when it is first created. May be empty.
	UserID string
}

// Processor applies pushed mutations against Postgres. Each mutation
// runs in its own transaction guarded by the client's lastMutationID,
// so replays are skipped and gaps stop the push.
type Processor struct {
	DB       *pgxpool.Pool
	Mutators *MutatorRegistry

	// SupportedSchemaVersions limits accepted schemaVersion values.
	// Empty accepts every version.
	SupportedSchemaVersions []string
}

// mutation dispositions after the LMID comparison.
type disposition int

const (
	dispositionApplied disposition = iota
	dispositionSkipped
	dispositionOutOfOrder
)

// Process applies the push's mutations in order and returns the
// per-mutation results. An out-of-order mutation or a failed mutator
// stops the loop; earlier results are still returned.
//
// The returned error reports infrastructure failures only (connection,
// commit). Application-level outcomes travel inside the PushResponse.
func (p *Processor) Process(ctx context.Context, params Params, push protocol.PushBody) (protocol.PushResponse, error) {
	logger := log.With().
		Str("clientGroupID", push.ClientGroupID).
		Str("requestID", push.RequestID).
		Str("schema", params.Schema).
		Str("appID", params.AppID).
		Logger()

	if push.PushVersion != protocol.PushVersion {
		logger.Warn().Int("pushVersion", push.PushVersion).Msg("unsupported push version")
		return protocol.PushResponse{
			Error:       protocol.PushErrorUnsupportedPushVersion,
			Details:     fmt.Sprintf("push version %d is not supported", push.PushVersion),
			MutationIDs: push.MutationIDs(),
		}, nil
	}
	if !p.schemaVersionSupported(push.SchemaVersion) {
		logger.Warn().Str("schemaVersion", push.SchemaVersion).Msg("unsupported schema version")
		return protocol.PushResponse{
			Error:       protocol.PushErrorUnsupportedSchemaVersion,
			Details:     fmt.Sprintf("schema version %q is not supported", push.SchemaVersion),
			MutationIDs: push.MutationIDs(),
		}, nil
	}

	// One connection for the whole push; one transaction per mutation.
	conn, err := p.DB.Acquire(ctx)
	if err != nil {
		return protocol.PushResponse{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	table := clientsTable(params.Schema)
	resp := protocol.PushResponse{Mutations: []protocol.MutationResult{}}

	for _, m := range push.Mutations {
		result, stop, err := p.applyMutation(ctx, conn, table, params, push, m)
		if err != nil {
			return protocol.PushResponse{}, err
		}
		resp.Mutations = append(resp.Mutations, result)
		if stop {
			break
		}
	}
	return resp, nil
}

// applyMutation runs one mutation in its own transaction. A mutator
// failure triggers a second, error-mode transaction that advances the
// LMID without the mutator, so the client does not resend the same
// poisoned mutation forever.
func (p *Processor) applyMutation(ctx context.Context, conn *pgxpool.Conn, table string, params Params, push protocol.PushBody, m protocol.Mutation) (protocol.MutationResult, bool, error) {
	result := protocol.MutationResult{ID: m.MID()}

	disp, details, err := p.mutationTx(ctx, conn, table, params, push, m, false)
	if err != nil {
		mutatorErr := err
		log.Warn().
			Err(mutatorErr).
			Str("mutation", m.MID().String()).
			Str("name", m.Name).
			Msg("mutation failed, advancing lastMutationID in error mode")

		disp, details, err = p.mutationTx(ctx, conn, table, params, push, m, true)
		if err != nil {
			return result, false, fmt.Errorf("error-mode retry for mutation %s: %w", m.MID(), err)
		}
		if disp == dispositionApplied {
			metrics.MutationsApplied.Inc()
			metrics.MutationErrors.WithLabelValues(string(protocol.MutationErrorApp)).Inc()
			result.Result = protocol.MutationOutcome{
				Error:   protocol.MutationErrorApp,
				Details: mutatorErr.Error(),
			}
			return result, true, nil
		}
	}

	switch disp {
	case dispositionSkipped:
		metrics.MutationsSkipped.Inc()
		log.Debug().Str("mutation", m.MID().String()).Msg("mutation already processed, skipping")
		return result, false, nil
	case dispositionOutOfOrder:
		metrics.MutationErrors.WithLabelValues(string(protocol.MutationErrorOutOfOrder)).Inc()
		log.Warn().Str("mutation", m.MID().String()).Str("details", details).Msg("mutation out of order")
		result.Result = protocol.MutationOutcome{
			Error:   protocol.MutationErrorOutOfOrder,
			Details: details,
		}
		return result, true, nil
	default:
		metrics.MutationsApplied.Inc()
		return result, false, nil
	}
}

// mutationTx opens a transaction, bumps the LMID, and compares it to
// the mutation's id. Skips and gaps roll back. In error mode the
// mutator is not dispatched; the increment alone commits.
func (p *Processor) mutationTx(ctx context.Context, conn *pgxpool.Conn, table string, params Params, push protocol.PushBody, m protocol.Mutation, errorMode bool) (disposition, string, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var newLMID int64
	err = tx.QueryRow(ctx, upsertLMIDSQL(table), push.ClientGroupID, m.ClientID, params.UserID).Scan(&newLMID)
	if err != nil {
		return 0, "", fmt.Errorf("increment lastMutationID: %w", err)
	}

	if m.ID < newLMID {
		return dispositionSkipped, "", nil
	}
	if m.ID > newLMID {
		details := fmt.Sprintf("Client %s sent mutation ID %d but expected %d", m.ClientID, m.ID, newLMID)
		return dispositionOutOfOrder, details, nil
	}

	if !errorMode {
		if err := p.dispatch(ctx, tx, m); err != nil {
			return 0, "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, "", fmt.Errorf("commit mutation %s: %w", m.MID(), err)
	}
	return dispositionApplied, "", nil
}

// dispatch invokes the mutation's implementation inside tx. CRUD
// mutations go through the row facade; custom mutations go through
// the registry.
func (p *Processor) dispatch(ctx context.Context, tx pgx.Tx, m protocol.Mutation) error {
	t := &Transaction{ClientID: m.ClientID, MutationID: m.ID, tx: tx}

	if m.Kind == protocol.MutationCRUD {
		var arg CRUDArg
		if err := json.Unmarshal(m.Args, &arg); err != nil {
			return fmt.Errorf("decode crud args: %w", err)
		}
		return t.CRUD().Apply(ctx, arg)
	}

	if p.Mutators == nil {
		return fmt.Errorf("unknown mutator %q", m.Name)
	}
	fn, ok := p.Mutators.Lookup(m.Name)
	if !ok {
		return fmt.Errorf("unknown mutator %q", m.Name)
	}
	return fn(ctx, t, m.Args)
}

func (p *Processor) schemaVersionSupported(version string) bool {
	if len(p.SupportedSchemaVersions) == 0 {
		return true
	}
	for _, v := range p.SupportedSchemaVersions {
		if v == version {
			return true
		}
	}
	return false
}
