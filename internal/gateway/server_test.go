package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/omnidesk/internal/config"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/hooks"
	"github.com/soyeahso/omnidesk/internal/lifecycle"
	"github.com/soyeahso/omnidesk/internal/logging"
	"github.com/soyeahso/omnidesk/internal/metrics"
	"github.com/soyeahso/omnidesk/internal/store"
	"github.com/soyeahso/omnidesk/internal/transport/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	srv   *Server
	ts    *httptest.Server
	store *store.ChannelStore
	sim   *sim.Transport
	reg   *lifecycle.Registry
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	log := logging.New(nil, "silent")

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cs := store.NewChannelStore(db)
	tr := sim.New(log, sim.Options{QRDelay: 5 * time.Millisecond})
	mc := metrics.New()

	reg, err := lifecycle.NewRegistry(cs, tr, log, lifecycle.Options{
		PairingExpiry: time.Minute,
		Workers:       2,
		Observer:      mc,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
	})

	raw := map[string]any{
		"gateway": map[string]any{"port": 18790},
		"pairing": map[string]any{"expirySeconds": 90},
	}

	srv := New(config.Defaults(), log,
		WithConfigRaw(raw),
		WithChannels(reg, cs),
		WithSimulator(tr),
		WithMetrics(mc, metrics.NewHealth(mc, db)),
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testStack{srv: srv, ts: ts, store: cs, sim: tr, reg: reg}
}

func (st *testStack) addChannel(t *testing.T, name string) domain.ChannelRecord {
	t.Helper()
	rec, err := st.store.CreateChannel(context.Background(), name, domain.ChannelTypeWhatsApp)
	require.NoError(t, err)
	return rec
}

// wsClient is a connected test client that keeps events read while
// waiting for responses.
type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	backlog []Frame
}

var reqCounter atomic.Int64

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testConnectParams() ConnectParams {
	return ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client: ClientInfo{
			ID:       "test-client",
			Version:  "1.0.0",
			Platform: "linux",
			Mode:     "cli",
		},
	}
}

// connectedClient returns a client that has completed the handshake.
func (st *testStack) connectedClient(t *testing.T) *wsClient {
	t.Helper()
	conn := dialWS(t, st.ts)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	connectReq, err := NewRequest("hello", "connect", testConnectParams())
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(connectReq))

	var helloResp Frame
	require.NoError(t, conn.ReadJSON(&helloResp))
	require.NotNil(t, helloResp.OK)
	require.True(t, *helloResp.OK, "handshake should succeed")

	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) call(method string, params any) Frame {
	c.t.Helper()
	id := fmt.Sprintf("req-%d", reqCounter.Add(1))
	req, err := NewRequest(id, method, params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(req))

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		var f Frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if f.Type == FrameTypeResponse && f.ID == id {
			return f
		}
		c.backlog = append(c.backlog, f)
	}
}

func (c *wsClient) ok(method string, params any, out any) {
	c.t.Helper()
	resp := c.call(method, params)
	require.NotNil(c.t, resp.OK)
	require.True(c.t, *resp.OK, "%s failed: %+v", method, resp.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(resp.Payload, out))
	}
}

func (c *wsClient) fail(method string, params any) string {
	c.t.Helper()
	resp := c.call(method, params)
	require.NotNil(c.t, resp.OK)
	require.False(c.t, *resp.OK, "%s should fail", method)
	require.NotNil(c.t, resp.Error)
	return resp.Error.Code
}

// awaitEvent returns the first event frame matching match, consuming
// everything before it.
func (c *wsClient) awaitEvent(name string, match func(domain.Event) bool) domain.Event {
	c.t.Helper()
	check := func(f Frame) (domain.Event, bool) {
		if f.Type != FrameTypeEvent || f.Event != name {
			return domain.Event{}, false
		}
		var ev domain.Event
		require.NoError(c.t, json.Unmarshal(f.Payload, &ev))
		return ev, match == nil || match(ev)
	}

	for len(c.backlog) > 0 {
		f := c.backlog[0]
		c.backlog = c.backlog[1:]
		if ev, ok := check(f); ok {
			return ev
		}
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		var f Frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if ev, ok := check(f); ok {
			return ev
		}
	}
}

func inState(s domain.ConnectionState) func(domain.Event) bool {
	return func(ev domain.Event) bool { return ev.State == s }
}

func TestHealthEndpoint(t *testing.T) {
	st := newTestStack(t)

	resp, err := http.Get(st.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Empty(t, health.Version)
}

func TestNotFoundEndpoint(t *testing.T) {
	st := newTestStack(t)

	resp, err := http.Get(st.ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChannelsAPI(t *testing.T) {
	st := newTestStack(t)
	rec := st.addChannel(t, "Sales WhatsApp")

	resp, err := http.Get(st.ts.URL + "/api/channels")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Channels []domain.ChannelStatus `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Channels, 1)
	assert.Equal(t, rec.ID, list.Channels[0].ID)
	require.NotNil(t, list.Channels[0].Session)
	assert.Equal(t, domain.StateDisconnected, list.Channels[0].Session.State)

	one, err := http.Get(st.ts.URL + "/api/channels/" + rec.ID)
	require.NoError(t, err)
	defer one.Body.Close()
	assert.Equal(t, http.StatusOK, one.StatusCode)

	missing, err := http.Get(st.ts.URL + "/api/channels/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestMetricsAndProbes(t *testing.T) {
	st := newTestStack(t)
	st.addChannel(t, "Support")
	_, err := st.reg.Load(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(st.ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `omnidesk_channel_sessions{state="disconnected"} 1`)
	assert.Contains(t, string(body), "omnidesk_gateway_clients 0")

	for _, path := range []string{"/live", "/ready"} {
		resp, err := http.Get(st.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestWebSocketHandshakeSuccess(t *testing.T) {
	st := newTestStack(t)
	rec := st.addChannel(t, "Support")
	_, err := st.reg.Session(context.Background(), rec.ID)
	require.NoError(t, err)

	conn := dialWS(t, st.ts)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	assert.Equal(t, FrameTypeEvent, challenge.Type)
	assert.Equal(t, EventConnectChallenge, challenge.Event)

	connectReq, err := NewRequest("req-1", "connect", testConnectParams())
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(connectReq))

	var helloResp Frame
	require.NoError(t, conn.ReadJSON(&helloResp))
	assert.Equal(t, FrameTypeResponse, helloResp.Type)
	assert.Equal(t, "req-1", helloResp.ID)
	require.NotNil(t, helloResp.OK)
	assert.True(t, *helloResp.OK)

	var hello HelloOK
	require.NoError(t, json.Unmarshal(helloResp.Payload, &hello))
	assert.Equal(t, ProtocolVersion, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.Contains(t, hello.Features.Methods, "channels.connect")
	assert.Contains(t, hello.Features.Methods, "channels.simulate")
	assert.Contains(t, hello.Features.Events, EventChannelQR)
	assert.Greater(t, hello.Policy.MaxPayload, 0)
	assert.Equal(t, 90000, hello.Policy.PairingExpiryMs)
	require.Len(t, hello.Sessions, 1)
	assert.Equal(t, rec.ID, hello.Sessions[0].ChannelID)
	assert.Equal(t, domain.StateDisconnected, hello.Sessions[0].State)
}

func TestWebSocketHandshakeWrongFirstFrame(t *testing.T) {
	st := newTestStack(t)
	conn := dialWS(t, st.ts)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	req, _ := NewRequest("req-1", "health", nil)
	require.NoError(t, conn.WriteJSON(req))

	var errResp Frame
	require.NoError(t, conn.ReadJSON(&errResp))
	require.NotNil(t, errResp.OK)
	assert.False(t, *errResp.OK)
	require.NotNil(t, errResp.Error)
	assert.Equal(t, "protocol_error", errResp.Error.Code)
}

func TestWebSocketHandshakeProtocolMismatch(t *testing.T) {
	st := newTestStack(t)
	conn := dialWS(t, st.ts)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	params := testConnectParams()
	params.MinProtocol = 2
	params.MaxProtocol = 3
	req, _ := NewRequest("req-1", "connect", params)
	require.NoError(t, conn.WriteJSON(req))

	var errResp Frame
	require.NoError(t, conn.ReadJSON(&errResp))
	require.NotNil(t, errResp.Error)
	assert.Equal(t, "protocol_mismatch", errResp.Error.Code)
}

func TestWebSocketRPCHealth(t *testing.T) {
	st := newTestStack(t)
	st.addChannel(t, "Support")
	_, err := st.reg.Load(context.Background())
	require.NoError(t, err)

	c := st.connectedClient(t)
	var health HealthResponse
	c.ok("health", nil, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)
	assert.Equal(t, 1, health.Channels)
}

func TestWebSocketRPCConfig(t *testing.T) {
	st := newTestStack(t)
	c := st.connectedClient(t)

	var got map[string]any
	c.ok("config.get", configGetParams{Key: "pairing.expirySeconds"}, &got)
	assert.Equal(t, float64(90), got["value"])

	c.ok("config.set", configSetParams{Key: "pairing.expirySeconds", Value: 120}, nil)
	c.ok("config.get", configGetParams{Key: "pairing.expirySeconds"}, &got)
	assert.Equal(t, float64(120), got["value"])

	assert.Equal(t, "forbidden", c.fail("config.get", configGetParams{Key: "gateway.tls.keyPath"}))
	assert.Equal(t, "forbidden", c.fail("config.set", configSetParams{Key: "hooks.gatewayStart", Value: "x"}))
	assert.Equal(t, "invalid_params", c.fail("config.get", configGetParams{}))
	assert.Equal(t, "not_found", c.fail("config.get", configGetParams{Key: "logging.nonexistent"}))
}

func TestWebSocketRPCUnknownMethod(t *testing.T) {
	st := newTestStack(t)
	c := st.connectedClient(t)
	assert.Equal(t, "method_not_found", c.fail("chat.send", nil))
}

func TestChannelsAddAndList(t *testing.T) {
	st := newTestStack(t)
	c := st.connectedClient(t)

	var added domain.ChannelStatus
	c.ok("channels.add", channelAddParams{Name: "Sales", Type: "whatsapp"}, &added)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, domain.ChannelTypeWhatsApp, added.Type)
	require.NotNil(t, added.Session)
	assert.Equal(t, domain.StateDisconnected, added.Session.State)

	assert.Equal(t, "conflict", c.fail("channels.add", channelAddParams{Name: "Sales", Type: "whatsapp"}))
	assert.Equal(t, "invalid_params", c.fail("channels.add", channelAddParams{Name: "Fax", Type: "fax"}))
	assert.Equal(t, "invalid_params", c.fail("channels.add", channelAddParams{Name: "  ", Type: "telegram"}))

	var list struct {
		Channels []domain.ChannelStatus `json:"channels"`
	}
	c.ok("channels.list", nil, &list)
	require.Len(t, list.Channels, 1)
	assert.Equal(t, "Sales", list.Channels[0].Name)

	var changed bool
	for _, f := range c.backlog {
		if f.Event == EventChannelsChanged {
			changed = true
		}
	}
	assert.True(t, changed, "channels.changed should be broadcast")
}

func TestChannelPairingFlow(t *testing.T) {
	st := newTestStack(t)
	rec := st.addChannel(t, "Sales")
	c := st.connectedClient(t)
	params := channelParams{ChannelID: rec.ID}

	c.ok("channels.subscribe", params, nil)
	replay := c.awaitEvent(EventChannelStatus, nil)
	assert.Equal(t, domain.StateDisconnected, replay.State)

	var sess domain.ChannelSession
	c.ok("channels.connect", params, &sess)
	assert.Equal(t, domain.StateConnecting, sess.State)

	c.awaitEvent(EventChannelStatus, inState(domain.StateConnecting))
	c.awaitEvent(EventChannelStatus, inState(domain.StateAwaitingScan))
	qr := c.awaitEvent(EventChannelQR, nil)
	assert.True(t, strings.HasPrefix(qr.Payload, "omnidesk:"+rec.ID))

	c.ok("channels.simulate", channelSimulateParams{ChannelID: rec.ID, Action: "scan"}, nil)
	c.awaitEvent(EventChannelStatus, inState(domain.StateConnected))

	c.ok("channels.send", channelSendParams{ChannelID: rec.ID, To: "+5511999990000", Body: "olá"}, nil)
	sent := st.sim.Sent(rec.ID)
	require.Len(t, sent, 1)
	assert.Equal(t, "olá", sent[0].Body)

	c.ok("channels.disconnect", params, &sess)
	assert.Equal(t, domain.StateDisconnected, sess.State)
	c.awaitEvent(EventChannelStatus, inState(domain.StateDisconnected))
}

func TestChannelRefreshAndFailure(t *testing.T) {
	st := newTestStack(t)
	rec := st.addChannel(t, "Support")
	c := st.connectedClient(t)
	params := channelParams{ChannelID: rec.ID}

	assert.Equal(t, "invalid_transition", c.fail("channels.refresh", params))

	c.ok("channels.subscribe", params, nil)
	c.ok("channels.connect", params, nil)
	c.awaitEvent(EventChannelQR, nil)

	var sess domain.ChannelSession
	c.ok("channels.refresh", params, &sess)
	assert.Equal(t, domain.StateConnecting, sess.State)
	c.awaitEvent(EventChannelQR, nil)

	c.ok("channels.simulate", channelSimulateParams{ChannelID: rec.ID, Action: "fail", Reason: "socket reset"}, nil)
	c.awaitEvent(EventChannelStatus, inState(domain.StateFailed))
	failure := c.awaitEvent(EventChannelError, nil)
	assert.Contains(t, failure.Payload, "socket reset")
}

func TestChannelErrors(t *testing.T) {
	st := newTestStack(t)
	rec := st.addChannel(t, "Support")
	c := st.connectedClient(t)

	assert.Equal(t, "not_found", c.fail("channels.connect", channelParams{ChannelID: "nope"}))
	assert.Equal(t, "not_found", c.fail("channels.get", channelParams{ChannelID: "nope"}))
	assert.Equal(t, "invalid_params", c.fail("channels.connect", channelParams{}))
	assert.Equal(t, "not_connected", c.fail("channels.send", channelSendParams{ChannelID: rec.ID, To: "x", Body: "y"}))
	assert.Equal(t, "invalid_params", c.fail("channels.send", channelSendParams{ChannelID: rec.ID}))
	assert.Equal(t, "not_ready", c.fail("channels.simulate", channelSimulateParams{ChannelID: rec.ID, Action: "scan"}))
	assert.Equal(t, "invalid_params", c.fail("channels.simulate", channelSimulateParams{ChannelID: rec.ID, Action: "explode"}))
}

func TestChannelsRemove(t *testing.T) {
	st := newTestStack(t)
	rec := st.addChannel(t, "Old line")
	c := st.connectedClient(t)

	c.ok("channels.connect", channelParams{ChannelID: rec.ID}, nil)
	c.ok("channels.remove", channelParams{ChannelID: rec.ID}, nil)

	assert.Equal(t, 0, st.reg.Count())
	assert.Equal(t, "not_found", c.fail("channels.get", channelParams{ChannelID: rec.ID}))
	assert.Equal(t, "not_found", c.fail("channels.remove", channelParams{ChannelID: rec.ID}))
	assert.False(t, st.sim.Active(rec.ID))
}

func TestClientDisconnectUnsubscribes(t *testing.T) {
	st := newTestStack(t)
	rec := st.addChannel(t, "Support")
	c := st.connectedClient(t)

	c.ok("channels.subscribe", channelParams{ChannelID: rec.ID}, nil)
	m, err := st.reg.Manager(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Subscribers())

	c.ok("channels.subscribe", channelParams{ChannelID: rec.ID}, nil)
	assert.Equal(t, 1, m.Subscribers())

	c.conn.Close()
	assert.Eventually(t, func() bool { return m.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return st.srv.clients.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerWithoutChannels(t *testing.T) {
	srv := New(config.Defaults(), logging.New(nil, "silent"))
	assert.Equal(t, []string{"config.get", "config.set", "health"}, srv.Methods())
}

func TestServerStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0

	log := logging.New(nil, "silent")
	hm := hooks.NewManager(log)
	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	hm.On(hooks.EventGatewayStart, "test", func(context.Context, hooks.Payload) error {
		started <- struct{}{}
		return nil
	})
	hm.On(hooks.EventGatewayStop, "test", func(context.Context, hooks.Payload) error {
		stopped <- struct{}{}
		return nil
	})

	srv := New(cfg, log, WithHooks(hm))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not start")
	}

	cancel()
	assert.NoError(t, <-errCh)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway_stop hook not fired")
	}
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		bind string
		port int
		want string
	}{
		{"loopback", 18790, "127.0.0.1:18790"},
		{"lan", 9999, "0.0.0.0:9999"},
		{"auto", 8080, "0.0.0.0:8080"},
		{"custom", 3000, "0.0.0.0:3000"},
		{"unknown", 5000, "127.0.0.1:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.bind, func(t *testing.T) {
			addr := resolveBindAddr(config.GatewayConfig{Bind: tt.bind, Port: tt.port})
			assert.Equal(t, tt.want, addr)
		})
	}
}
