package httpapi

import (
	"net/http"
	"time"

	"github.com/erauner12/syncbridge/internal/protocol"
)

// ServerInfo represents the push endpoint's capabilities and configuration
type ServerInfo struct {
	APIVersion              string         `json:"apiVersion"`
	ServerTime              string         `json:"serverTime"`
	PushVersion             int            `json:"pushVersion"`
	SupportedSchemaVersions []string       `json:"supportedSchemaVersions,omitempty"`
	AppID                   string         `json:"appID,omitempty"`
	RateLimit               *RateLimitInfo `json:"rateLimit,omitempty"`
}

// RateLimitInfo describes the server's rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// Info handles GET /api/info
// Returns the push protocol version and the schema versions this
// deployment accepts. Callable without authentication so sync daemons
// can discover capabilities before connecting clients.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		APIVersion:  "1.0",
		ServerTime:  time.Now().UTC().Format(time.RFC3339Nano),
		PushVersion: protocol.PushVersion,
		AppID:       s.AppID,
	}
	if s.Processor != nil {
		info.SupportedSchemaVersions = s.Processor.SupportedSchemaVersions
	}
	if s.RateLimitConfig.MaxRequests > 0 {
		info.RateLimit = &s.RateLimitConfig
	}

	writeJSON(w, http.StatusOK, info)
}
