package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/metrics"
	"github.com/erauner12/syncbridge/internal/protocol"
)

// DefaultDispatchTimeout bounds one upstream push round-trip.
const DefaultDispatchTimeout = 30 * time.Second

// Dispatcher posts one composite push to the application endpoint and
// classifies the reply. Implementations must not retry; retries belong
// to the client, driven by retriable error kinds.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry PushEntry, params *ConnectParams) (protocol.PushResponse, error)
}

// DispatchConfig configures the HTTP dispatcher.
type DispatchConfig struct {
	// PushURL is the application push endpoint. Per-connection params
	// may replace it.
	PushURL string
	// APIKey is sent as X-Api-Key when non-empty.
	APIKey string
	// Schema and AppID are appended as reserved query parameters.
	Schema string
	AppID  string
	// Timeout bounds each request; zero means DefaultDispatchTimeout.
	Timeout time.Duration
}

// HTTPDispatcher is the production Dispatcher.
type HTTPDispatcher struct {
	cfg    DispatchConfig
	client *http.Client
}

// NewHTTPDispatcher creates a dispatcher for the configured endpoint.
func NewHTTPDispatcher(cfg DispatchConfig) *HTTPDispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultDispatchTimeout
	}
	return &HTTPDispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Dispatch POSTs the entry's PushBody upstream.
//
// Failures before or on the wire come back as a zeroPusher response;
// non-2xx replies come back as an http response. Both carry every
// mutationID in the entry so the client knows what to resubmit. A 2xx
// reply that fails to parse is returned as an error: something is
// wrong upstream and silently guessing would corrupt client state.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, entry PushEntry, params *ConnectParams) (protocol.PushResponse, error) {
	logger := log.With().
		Str("clientGroupID", entry.Push.ClientGroupID).
		Str("clientID", entry.ClientID).
		Str("requestID", entry.Push.RequestID).
		Int("mutations", len(entry.Push.Mutations)).
		Logger()

	reqURL, err := d.requestURL(params)
	if err != nil {
		logger.Warn().Err(err).Msg("Push request rejected before dispatch")
		metrics.PushUpstreamErrors.Inc()
		return zeroPusherResponse(entry, err), nil
	}

	body, err := json.Marshal(entry.Push)
	if err != nil {
		logger.Warn().Err(err).Msg("Push body failed to encode")
		metrics.PushUpstreamErrors.Inc()
		return zeroPusherResponse(entry, err), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		logger.Warn().Err(err).Msg("Push request failed to build")
		metrics.PushUpstreamErrors.Inc()
		return zeroPusherResponse(entry, err), nil
	}
	d.setHeaders(req, entry.JWT, params)

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", duration).Msg("Push request failed")
		metrics.PushUpstreamErrors.Inc()
		return zeroPusherResponse(entry, err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", duration).Msg("Push response body unreadable")
		metrics.PushUpstreamErrors.Inc()
		return zeroPusherResponse(entry, err), nil
	}

	metrics.PushDispatchSeconds.Observe(duration.Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn().
			Int("status", resp.StatusCode).
			Dur("duration", duration).
			Msg("Push rejected upstream")
		metrics.PushUpstreamErrors.Inc()
		return protocol.PushResponse{
			Error:       protocol.PushErrorHTTP,
			Status:      resp.StatusCode,
			Details:     string(respBody),
			MutationIDs: entry.Push.MutationIDs(),
		}, nil
	}

	parsed, err := protocol.ParsePushResponse(respBody)
	if err != nil {
		logger.Error().Err(err).Int("status", resp.StatusCode).Msg("Push response failed to parse")
		return protocol.PushResponse{}, fmt.Errorf("parse push response: %w", err)
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("Push dispatched")
	return parsed, nil
}

// requestURL resolves the endpoint and appends the reserved schema and
// appID parameters, rejecting URLs that already carry them.
func (d *HTTPDispatcher) requestURL(params *ConnectParams) (string, error) {
	raw := d.cfg.PushURL
	if params != nil && params.URL != "" {
		raw = params.URL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse push URL: %w", err)
	}
	q := u.Query()
	for _, reserved := range []string{"schema", "appID"} {
		if q.Has(reserved) {
			return "", fmt.Errorf("push URL %q carries reserved query parameter %q", raw, reserved)
		}
	}
	q.Set("schema", d.cfg.Schema)
	q.Set("appID", d.cfg.AppID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// setHeaders builds the dispatch headers. Per-connection headers are
// merged last but cannot take over the system-owned credentials.
func (d *HTTPDispatcher) setHeaders(req *http.Request, jwt string, params *ConnectParams) {
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", d.cfg.APIKey)
	}
	if jwt != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", jwt))
	}
	if params == nil {
		return
	}
	for k, v := range params.Headers {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "X-Api-Key":
			continue
		}
		req.Header.Set(k, v)
	}
}

func zeroPusherResponse(entry PushEntry, err error) protocol.PushResponse {
	return protocol.PushResponse{
		Error:       protocol.PushErrorZeroPusher,
		Details:     err.Error(),
		MutationIDs: entry.Push.MutationIDs(),
	}
}
