package gateway

import (
	"encoding/json"
	"net/http"
)

// HealthResponse is returned by health endpoints. The HTTP endpoint only
// populates Status; the RPC handler populates all fields.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Clients  int    `json:"clients,omitempty"`
	Channels int    `json:"channels,omitempty"`
	UptimeMs int64  `json:"uptimeMs,omitempty"`
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleChannels lists every channel with its live session.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeJSON(w, http.StatusOK, map[string]any{"channels": []any{}})
		return
	}
	statuses, err := s.channelStatuses(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("listing channels")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing channels failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": statuses})
}

// handleChannel returns one channel with its live session.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		handleNotFound(w, r)
		return
	}
	status, err := s.channelStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		code, msg := errorShape(err)
		httpStatus := http.StatusInternalServerError
		if code == "not_found" {
			httpStatus = http.StatusNotFound
		}
		writeJSON(w, httpStatus, map[string]string{"error": msg, "code": code})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// RequestHandler processes an incoming RPC request frame from a client.
type RequestHandler func(ctx *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, ErrorShape{
		Code:    code,
		Message: message,
	})
}

// Fail responds with the error code mapped from err.
func (rc *RequestContext) Fail(err error) {
	code, msg := errorShape(err)
	rc.RespondError(code, msg)
}

// Params unmarshals the request params into the given target.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}
