package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/soyeahso/omnidesk/internal/config"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/lifecycle"
	"github.com/soyeahso/omnidesk/internal/store"
	"github.com/soyeahso/omnidesk/internal/transport/sim"
)

// safeConfigPrefixes lists config path prefixes that can be read and
// written via RPC. All other paths are denied by default (allowlist).
var safeConfigPrefixes = []string{
	"gateway.port",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.allowedOrigins",
	"logging",
	"pairing",
	"reconnect",
	"persistence",
	"transport",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

// rpcTimeout bounds store and transport calls made on behalf of a request.
const rpcTimeout = 30 * time.Second

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /api/channels/{id}", s.handleChannel)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.health != nil {
		mux.HandleFunc("GET /live", s.health.LiveEndpoint)
		mux.HandleFunc("GET /ready", s.health.ReadyEndpoint)
	}

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)
	s.Handle("config.set", s.rpcConfigSet)

	if s.channels == nil || s.admin == nil {
		return
	}
	s.Handle("channels.list", s.rpcChannelsList)
	s.Handle("channels.get", s.rpcChannelsGet)
	s.Handle("channels.add", s.rpcChannelsAdd)
	s.Handle("channels.remove", s.rpcChannelsRemove)
	s.Handle("channels.connect", s.sessionRPC(s.channels.Connect))
	s.Handle("channels.disconnect", s.sessionRPC(s.channels.Disconnect))
	s.Handle("channels.refresh", s.sessionRPC(s.channels.RefreshPairing))
	s.Handle("channels.subscribe", s.rpcChannelsSubscribe)
	s.Handle("channels.unsubscribe", s.rpcChannelsUnsubscribe)
	s.Handle("channels.send", s.rpcChannelsSend)
	if s.sim != nil {
		s.Handle("channels.simulate", s.rpcChannelsSimulate)
	}
}

// errorShape maps an error to a wire error code and message.
func errorShape(err error) (string, string) {
	var terr *lifecycle.TransportError
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "invalid_transition", err.Error()
	case errors.Is(err, lifecycle.ErrUnknownChannel), errors.Is(err, domain.ErrChannelNotFound):
		return "not_found", err.Error()
	case errors.Is(err, lifecycle.ErrNotConnected):
		return "not_connected", err.Error()
	case errors.Is(err, lifecycle.ErrSendUnsupported):
		return "unsupported", err.Error()
	case errors.Is(err, lifecycle.ErrClosed):
		return "unavailable", err.Error()
	case errors.Is(err, store.ErrDuplicateName):
		return "conflict", err.Error()
	case errors.Is(err, sim.ErrNoSession), errors.Is(err, sim.ErrNoQR), errors.Is(err, sim.ErrNotLinked):
		return "not_ready", err.Error()
	case errors.As(err, &terr):
		return "transport_error", err.Error()
	default:
		return "internal_error", err.Error()
	}
}

func rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rpcTimeout)
}

// Built-in RPC handlers

func (s *Server) rpcHealth(rc *RequestContext) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
	}
	if s.channels != nil {
		resp.Channels = s.channels.Count()
	}
	if !s.startedAt.IsZero() {
		resp.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	rc.Respond(resp)
}

type configGetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.RLock()
	val, ok := config.GetValueAtPath(s.configRaw, path)
	s.mu.RUnlock()

	if !ok {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

type configSetParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// rpcConfigSet edits the in-memory raw config. Changes apply on restart.
func (s *Server) rpcConfigSet(rc *RequestContext) {
	var p configSetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "cannot modify config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.Lock()
	config.SetValueAtPath(s.configRaw, path, p.Value)
	s.mu.Unlock()

	rc.Respond(map[string]any{"key": p.Key, "value": p.Value})
}

// Channel RPC handlers

type channelParams struct {
	ChannelID string `json:"channelId"`
}

func (rc *RequestContext) channelID() (string, bool) {
	var p channelParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return "", false
	}
	if p.ChannelID == "" {
		rc.RespondError("invalid_params", "channelId is required")
		return "", false
	}
	return p.ChannelID, true
}

func (s *Server) channelStatus(ctx context.Context, id string) (domain.ChannelStatus, error) {
	rec, err := s.admin.GetChannel(ctx, id)
	if err != nil {
		return domain.ChannelStatus{}, err
	}
	return s.withSession(ctx, rec)
}

func (s *Server) channelStatuses(ctx context.Context) ([]domain.ChannelStatus, error) {
	recs, err := s.admin.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChannelStatus, 0, len(recs))
	for _, rec := range recs {
		st, err := s.withSession(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Server) withSession(ctx context.Context, rec domain.ChannelRecord) (domain.ChannelStatus, error) {
	st := domain.ChannelStatus{ChannelRecord: rec}
	if s.channels == nil {
		return st, nil
	}
	sess, err := s.channels.Session(ctx, rec.ID)
	if err != nil {
		return domain.ChannelStatus{}, err
	}
	st.Session = &sess
	return st, nil
}

func (s *Server) rpcChannelsList(rc *RequestContext) {
	ctx, cancel := rpcContext()
	defer cancel()

	statuses, err := s.channelStatuses(ctx)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"channels": statuses})
}

func (s *Server) rpcChannelsGet(rc *RequestContext) {
	id, ok := rc.channelID()
	if !ok {
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()

	st, err := s.channelStatus(ctx, id)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(st)
}

type channelAddParams struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (s *Server) rpcChannelsAdd(rc *RequestContext) {
	var p channelAddParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		rc.RespondError("invalid_params", "name is required")
		return
	}
	typ := domain.ChannelType(p.Type)
	if !slices.Contains(domain.KnownChannelTypes, typ) {
		rc.RespondError("invalid_params", fmt.Sprintf("unknown channel type %q", p.Type))
		return
	}

	ctx, cancel := rpcContext()
	defer cancel()

	rec, err := s.admin.CreateChannel(ctx, p.Name, typ)
	if err != nil {
		rc.Fail(err)
		return
	}
	st, err := s.withSession(ctx, rec)
	if err != nil {
		rc.Fail(err)
		return
	}

	s.clients.Broadcast(EventChannelsChanged, map[string]any{
		"action":  "added",
		"channel": st,
	}, s.eventSeq.Add(1))
	rc.Respond(st)
}

func (s *Server) rpcChannelsRemove(rc *RequestContext) {
	id, ok := rc.channelID()
	if !ok {
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()

	// The manager is closed first so its final state write lands before the
	// row disappears.
	if err := s.channels.Remove(ctx, id, func(ctx context.Context) error {
		return s.admin.DeleteChannel(ctx, id)
	}); err != nil {
		rc.Fail(err)
		return
	}

	s.clients.Broadcast(EventChannelsChanged, map[string]any{
		"action":    "removed",
		"channelId": id,
	}, s.eventSeq.Add(1))
	rc.Respond(map[string]any{"channelId": id, "removed": true})
}

// sessionRPC adapts a registry command to an RPC handler that responds
// with the resulting session.
func (s *Server) sessionRPC(op func(context.Context, string) (domain.ChannelSession, error)) RequestHandler {
	return func(rc *RequestContext) {
		id, ok := rc.channelID()
		if !ok {
			return
		}
		ctx, cancel := rpcContext()
		defer cancel()

		sess, err := op(ctx, id)
		if err != nil {
			rc.Fail(err)
			return
		}
		rc.Respond(sess)
	}
}

func (s *Server) rpcChannelsSubscribe(rc *RequestContext) {
	id, ok := rc.channelID()
	if !ok {
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()

	if err := s.channels.Subscribe(ctx, id, rc.Client.events); err != nil {
		rc.Fail(err)
		return
	}
	rc.Client.track(id)
	rc.Respond(map[string]any{"channelId": id, "subscribed": true})
}

func (s *Server) rpcChannelsUnsubscribe(rc *RequestContext) {
	id, ok := rc.channelID()
	if !ok {
		return
	}
	s.channels.Unsubscribe(id, rc.Client.events)
	rc.Client.untrack(id)
	rc.Respond(map[string]any{"channelId": id, "subscribed": false})
}

type channelSendParams struct {
	ChannelID string `json:"channelId"`
	To        string `json:"to"`
	Body      string `json:"body"`
}

func (s *Server) rpcChannelsSend(rc *RequestContext) {
	var p channelSendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.ChannelID == "" || p.To == "" || p.Body == "" {
		rc.RespondError("invalid_params", "channelId, to and body are required")
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()

	if err := s.channels.SendMessage(ctx, p.ChannelID, p.To, p.Body); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"channelId": p.ChannelID, "sent": true})
}

type channelSimulateParams struct {
	ChannelID string `json:"channelId"`
	Action    string `json:"action"` // "scan" | "drop" | "fail"
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) rpcChannelsSimulate(rc *RequestContext) {
	var p channelSimulateParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.ChannelID == "" {
		rc.RespondError("invalid_params", "channelId is required")
		return
	}

	var err error
	switch p.Action {
	case "scan":
		err = s.sim.Scan(p.ChannelID)
	case "drop":
		err = s.sim.Drop(p.ChannelID)
	case "fail":
		err = s.sim.Fail(p.ChannelID, p.Reason)
	default:
		rc.RespondError("invalid_params", fmt.Sprintf("unknown action %q", p.Action))
		return
	}
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"channelId": p.ChannelID, "action": p.Action})
}
