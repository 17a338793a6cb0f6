package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimapp/echolink/link"
)

// gateway is a scripted JSON-RPC peer. Each method name maps to a canned
// result or error; "notify" makes it push the notifications in params.
type gateway struct {
	t        *testing.T
	results  map[string]string
	errors   map[string]*RPCError
	refuse   atomic.Bool
	lastAuth atomic.Value
}

func newGateway(t *testing.T) (*gateway, *httptest.Server) {
	g := &gateway{t: t, results: map[string]string{}, errors: map[string]*RPCError{}}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.refuse.Load() {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		g.lastAuth.Store(r.Header.Get("Authorization"))
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		var mu sync.Mutex
		write := func(v any) {
			b, _ := json.Marshal(v)
			mu.Lock()
			_ = c.WriteMessage(websocket.TextMessage, b)
			mu.Unlock()
		}
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req rpcRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				t.Errorf("bad req: %v", err)
				return
			}
			switch req.Method {
			case "notify":
				raw, _ := json.Marshal(req.Params)
				var notes []rpcNotification
				_ = json.Unmarshal(raw, &notes)
				for _, n := range notes {
					n.JSONRPC = "2.0"
					write(n)
				}
				write(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`true`)})
			case "drop":
				g.refuse.Store(true)
				_ = c.Close()
				return
			default:
				if e, ok := g.errors[req.Method]; ok {
					write(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: e})
					continue
				}
				res, ok := g.results[req.Method]
				if !ok {
					res = `{}`
				}
				write(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(res)})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

func dialGateway(t *testing.T, srv *httptest.Server) *GatewayLink {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	gl := NewGatewayLink(u.String(), StaticAuth{Value: "Bearer t0k3n"}, zerolog.Nop())
	gl.CallTimeout = 2 * time.Second
	gl.ReconnectAttempts = 1
	gl.ReconnectDelay = 0
	require.NoError(t, gl.Connect(context.Background()))
	t.Cleanup(func() { _ = gl.Close() })
	return gl
}

func nextMessage(t *testing.T, gl *GatewayLink) link.Message {
	t.Helper()
	select {
	case m := <-gl.Messages():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message from gateway")
		return link.Message{}
	}
}

func TestGatewayCalls(t *testing.T) {
	g, srv := newGateway(t)
	g.results["getDevices"] = `{"devices":[{"accountName":"Kitchen","deviceFamily":"ECHO","deviceType":"A3S5BH2HU6VAYF","serialNumber":"S1","online":true}]}`
	g.results["checkAuthentication"] = `{"authenticated":true}`
	g.results["getAllDeviceVolumes"] = `{"volumes":[{"dsn":"S1","speakerVolume":30}]}`
	g.results["getAutomationRoutines"] = `[{"automationId":"amzn1.alexa.automation.1","name":"Morning","triggers":[{"payload":{"utterance":"good morning"}}]}]`
	g.results["getDisplayPower"] = `{"enabled":true}`
	gl := dialGateway(t, srv)
	ctx := context.Background()

	devices, err := gl.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "S1", devices[0].SerialNumber)
	assert.Equal(t, "Kitchen", devices[0].AccountName)
	assert.Equal(t, "Bearer t0k3n", g.lastAuth.Load())

	ok, err := gl.CheckAuthentication(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	vols, err := gl.DeviceVolumes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []link.DeviceVolume{{Serial: "S1", Volume: 30}}, vols)

	routines, err := gl.Routines(ctx, 10)
	require.NoError(t, err)
	require.Len(t, routines, 1)
	assert.Equal(t, "amzn1.alexa.automation.1", routines[0].ID)
	assert.Equal(t, "good morning", routines[0].Utterance)
	require.NoError(t, gl.ExecuteRoutine(ctx, "S1", routines[0]))

	on, err := gl.DisplayPower(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, on)

	_, err = gl.SendSequenceCommand(ctx, "S1", "speak", "hello")
	require.NoError(t, err)
}

func TestGatewayErrors(t *testing.T) {
	g, srv := newGateway(t)
	g.errors["sendCommand"] = &RPCError{Code: CodeNotSupported, Message: "no player"}
	g.errors["init"] = &RPCError{Code: 401, Message: "cookie rejected"}
	gl := dialGateway(t, srv)

	_, err := gl.SendCommand(context.Background(), "S1", "play", true)
	assert.ErrorIs(t, err, link.ErrNotSupported)

	err = gl.Init(context.Background(), link.SessionConfig{ProxyOnly: true})
	require.Error(t, err)
	assert.NotErrorIs(t, err, link.ErrNotSupported)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 401, rpcErr.Code)
}

func TestGatewayNotificationsBecomeMessages(t *testing.T) {
	_, srv := newGateway(t)
	gl := dialGateway(t, srv)

	notes := []rpcNotification{
		{Method: "cookie", Params: json.RawMessage(`{"cookie":{"loginCookie":"abc","csrf":"x"}}`)},
		{Method: "ws-connect"},
		{Method: "command", Params: json.RawMessage(`{"command":"PUSH_VOLUME_CHANGE","payload":{"dopplerId":{"deviceSerialNumber":"S1"},"volumeSetting":20}}`)},
		{Method: "something-else"},
		{Method: "ws-disconnect", Params: json.RawMessage(`{"willReconnect":true,"reason":"timeout"}`)},
	}
	_, err := gl.Call(context.Background(), "notify", notes)
	require.NoError(t, err)

	m := nextMessage(t, gl)
	assert.Equal(t, link.MessageCredential, m.Type)
	assert.Equal(t, "abc", m.Credential.Field("loginCookie"))

	m = nextMessage(t, gl)
	assert.Equal(t, link.MessageConnect, m.Type)

	m = nextMessage(t, gl)
	assert.Equal(t, link.MessageVolume, m.Type)
	assert.True(t, m.IsTelemetry())
	assert.Equal(t, "S1", m.Serial())

	m = nextMessage(t, gl)
	assert.Equal(t, link.MessageDisconnect, m.Type)
	assert.True(t, m.WillReconnect)
	assert.Equal(t, "timeout", m.Reason)
	assert.False(t, gl.IsPushConnected())
}

func TestGatewayLossEmitsDisconnect(t *testing.T) {
	_, srv := newGateway(t)
	gl := dialGateway(t, srv)

	_, err := gl.Call(context.Background(), "notify", []rpcNotification{{Method: "ws-connect"}})
	require.NoError(t, err)
	assert.Equal(t, link.MessageConnect, nextMessage(t, gl).Type)
	assert.True(t, gl.IsPushConnected())

	_, _ = gl.Call(context.Background(), "drop", nil)
	m := nextMessage(t, gl)
	assert.Equal(t, link.MessageDisconnect, m.Type)
	assert.False(t, m.WillReconnect)
	assert.Contains(t, m.Reason, "gateway")
	assert.False(t, gl.IsPushConnected())

	_, err = gl.Call(context.Background(), "getDevices", nil)
	assert.Error(t, err)
}
