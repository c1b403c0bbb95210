package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/auth"
	"github.com/erauner12/syncbridge/internal/metrics"
	"github.com/erauner12/syncbridge/internal/processor"
	"github.com/erauner12/syncbridge/internal/protocol"
)

// HandlePush handles POST /api/push?schema=<schema>&appID=<appID>.
//
// The body is a push protocol PushBody. Mutations are applied in order,
// each in its own transaction, guarded by the client's lastMutationID.
// Application-level outcomes (unsupported versions, out-of-order
// mutations, mutator failures) return 200 with the error inside the
// PushResponse; only malformed requests and infrastructure failures get
// non-2xx statuses.
func (s *Server) HandlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	appID := r.URL.Query().Get("appID")
	if s.AppID != "" && appID != "" && appID != s.AppID {
		log.Warn().Str("appID", appID).Str("served", s.AppID).Msg("push for unknown app")
		writeError(w, r, http.StatusBadRequest,
			fmt.Sprintf("push for app %q, this deployment serves %q", appID, s.AppID))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read push body")
		writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	push, err := protocol.ParsePushBody(body)
	if err != nil {
		log.Warn().Err(err).Msg("invalid push body")
		writeError(w, r, http.StatusBadRequest, "invalid push body: "+err.Error())
		return
	}

	if !s.allowPush(w, r, push.ClientGroupID) {
		return
	}

	resp, err := s.Processor.Process(ctx, processor.Params{
		Schema: s.Schema,
		AppID:  appID,
		UserID: auth.Subject(ctx),
	}, push)
	if err != nil {
		log.Error().Err(err).
			Str("clientGroupID", push.ClientGroupID).
			Str("requestID", push.RequestID).
			Msg("push processing failed")
		writeError(w, r, http.StatusInternalServerError, "push processing failed")
		return
	}

	metrics.ProcessSeconds.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, resp)
}
