package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/link"
)

// GatewayLink implements link.Link over a JSON-RPC websocket to a gateway
// process that owns the vendor client.
//
// Requests: {"jsonrpc":"2.0","id":"<uuid>","method":...,"params":...}.
// Responses are matched by id. Notifications (no id) become link.Message
// values: "cookie", "ws-connect", "ws-disconnect" and "command".
type GatewayLink struct {
	url  string
	auth AuthStrategy
	log  zerolog.Logger

	// CallTimeout bounds a call when ctx has no earlier deadline.
	CallTimeout time.Duration
	// InitTimeout replaces CallTimeout for init, which may wait on a login.
	InitTimeout       time.Duration
	ReconnectAttempts uint
	ReconnectDelay    time.Duration

	dialer *websocket.Dialer
	connMu sync.RWMutex
	conn   *websocket.Conn
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	pushMu        sync.RWMutex
	pushConnected bool

	messages  chan link.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// RPCError models a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Error codes the gateway uses for calls the vendor has nothing to act on.
const (
	CodeMethodNotFound = -32601
	CodeNotSupported   = -32004
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func NewGatewayLink(url string, auth AuthStrategy, log zerolog.Logger) *GatewayLink {
	return &GatewayLink{
		url:               url,
		auth:              auth,
		log:               log.With().Str("component", "gateway").Logger(),
		CallTimeout:       10 * time.Second,
		InitTimeout:       60 * time.Second,
		ReconnectAttempts: 2,
		ReconnectDelay:    300 * time.Millisecond,
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending:           make(map[string]chan json.RawMessage),
		messages:          make(chan link.Message, 256),
		closed:            make(chan struct{}),
	}
}

func (g *GatewayLink) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if g.auth != nil {
		if v, err := g.auth.AuthorizationValue(); err == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	conn, _, err := g.dialer.DialContext(ctx, g.url, header)
	return conn, err
}

// Connect opens the websocket and starts reading.
func (g *GatewayLink) Connect(ctx context.Context) error {
	conn, err := g.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()
	g.log.Info().Str("url", g.url).Msg("gateway connected")
	go g.readLoop(conn)
	return nil
}

func (g *GatewayLink) reconnect() (*websocket.Conn, error) {
	return retry.DoWithData(func() (*websocket.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return g.dial(ctx)
	},
		retry.Attempts(g.ReconnectAttempts),
		retry.Delay(g.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool {
			select {
			case <-g.closed:
				return false
			default:
				return true
			}
		}),
	)
}

// Close terminates the connection and fails pending calls.
func (g *GatewayLink) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.connMu.Lock()
		c := g.conn
		g.conn = nil
		g.connMu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		g.pendingMu.Lock()
		for id, ch := range g.pending {
			close(ch)
			delete(g.pending, id)
		}
		g.pendingMu.Unlock()
	})
	return nil
}

// Call issues a JSON-RPC request and returns its raw result.
func (g *GatewayLink) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return g.call(ctx, method, params, g.CallTimeout)
}

func (g *GatewayLink) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if method == "" {
		return nil, errors.New("method required")
	}
	id := uuid.NewString()
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	g.pendingMu.Lock()
	g.pending[id] = ch
	g.pendingMu.Unlock()
	forget := func() {
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
	}

	g.connMu.RLock()
	c := g.conn
	g.connMu.RUnlock()
	if c == nil {
		forget()
		return nil, errors.New("gateway not connected")
	}
	g.writeMu.Lock()
	err = c.WriteMessage(websocket.TextMessage, payload)
	g.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case data, ok := <-ch:
		if !ok {
			return nil, errors.New("gateway connection closed")
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		if resp.Error != nil {
			if resp.Error.Code == CodeNotSupported || resp.Error.Code == CodeMethodNotFound {
				return nil, fmt.Errorf("%s: %w: %s", method, link.ErrNotSupported, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (g *GatewayLink) readLoop(c *websocket.Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			select {
			case <-g.closed:
				return
			default:
			}
			g.log.Warn().Err(err).Msg("gateway read error, reconnecting")
			next, recErr := g.reconnect()
			if recErr == nil {
				g.connMu.Lock()
				g.conn = next
				g.connMu.Unlock()
				_ = c.Close()
				c = next
				continue
			}
			g.log.Error().Err(recErr).Msg("gateway lost")
			g.setPush(false)
			g.emit(link.Message{Type: link.MessageDisconnect, ReceivedAt: time.Now(), Reason: "gateway: " + err.Error()})
			_ = g.Close()
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID != "" && (resp.Result != nil || resp.Error != nil) {
			g.pendingMu.Lock()
			ch, found := g.pending[resp.ID]
			if found {
				delete(g.pending, resp.ID)
			}
			g.pendingMu.Unlock()
			if found {
				ch <- data
				close(ch)
			}
			continue
		}

		var note rpcNotification
		if err := json.Unmarshal(data, &note); err != nil || note.Method == "" {
			g.log.Debug().Bytes("frame", data).Msg("unrecognized gateway frame")
			continue
		}
		if msg, ok := g.toMessage(note); ok {
			g.emit(msg)
		}
	}
}

func (g *GatewayLink) toMessage(note rpcNotification) (link.Message, bool) {
	msg := link.Message{ReceivedAt: time.Now()}
	params := gjson.ParseBytes(note.Params)
	switch note.Method {
	case "cookie":
		msg.Type = link.MessageCredential
		cred := params.Get("cookie")
		if !cred.Exists() {
			cred = params
		}
		msg.Credential = echolink.Credential(cred.Raw)
	case "ws-connect":
		msg.Type = link.MessageConnect
		g.setPush(true)
	case "ws-disconnect":
		msg.Type = link.MessageDisconnect
		msg.WillReconnect = params.Get("willReconnect").Bool()
		msg.Reason = params.Get("reason").String()
		g.setPush(false)
	case "command":
		cmd := params.Get("command").String()
		if cmd == "" {
			return msg, false
		}
		msg.Type = link.MessageType(cmd)
		msg.Payload = json.RawMessage(params.Get("payload").Raw)
	default:
		g.log.Debug().Str("method", note.Method).Msg("ignoring gateway notification")
		return msg, false
	}
	return msg, true
}

// emit hands msg to the consumer; a full buffer drops it.
func (g *GatewayLink) emit(msg link.Message) {
	select {
	case <-g.closed:
		return
	default:
	}
	select {
	case g.messages <- msg:
	default:
		g.log.Warn().Str("type", string(msg.Type)).Msg("message buffer full, dropping")
	}
}

func (g *GatewayLink) setPush(v bool) {
	g.pushMu.Lock()
	g.pushConnected = v
	g.pushMu.Unlock()
}

func (g *GatewayLink) Messages() <-chan link.Message { return g.messages }

func (g *GatewayLink) Init(ctx context.Context, cfg link.SessionConfig) error {
	_, err := g.call(ctx, "init", cfg, g.InitTimeout)
	return err
}

func (g *GatewayLink) Devices(ctx context.Context) ([]link.RawDevice, error) {
	res, err := g.Call(ctx, "getDevices", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Devices []link.RawDevice `json:"devices"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return out.Devices, nil
}

type commandParams struct {
	Serial  string `json:"serial"`
	Command string `json:"command"`
	Value   any    `json:"value,omitempty"`
}

func (g *GatewayLink) SendSequenceCommand(ctx context.Context, serial, command string, value any) (json.RawMessage, error) {
	return g.Call(ctx, "sendSequenceCommand", commandParams{Serial: serial, Command: command, Value: value})
}

func (g *GatewayLink) SendCommand(ctx context.Context, serial, command string, value any) (json.RawMessage, error) {
	return g.Call(ctx, "sendCommand", commandParams{Serial: serial, Command: command, Value: value})
}

func (g *GatewayLink) DeviceVolumes(ctx context.Context) ([]link.DeviceVolume, error) {
	res, err := g.Call(ctx, "getAllDeviceVolumes", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Volumes []link.DeviceVolume `json:"volumes"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode volumes: %w", err)
	}
	return out.Volumes, nil
}

func (g *GatewayLink) CheckAuthentication(ctx context.Context) (bool, error) {
	res, err := g.Call(ctx, "checkAuthentication", nil)
	if err != nil {
		return false, err
	}
	r := gjson.ParseBytes(res)
	if r.IsObject() {
		return r.Get("authenticated").Bool(), nil
	}
	return r.Bool(), nil
}

func (g *GatewayLink) InitPushConnection(ctx context.Context) error {
	_, err := g.Call(ctx, "initPushConnection", nil)
	return err
}

// Stop asks the gateway to close the push channel without waiting long for
// an answer.
func (g *GatewayLink) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.Call(ctx, "stop", nil); err != nil {
		g.log.Warn().Err(err).Msg("stop request failed")
	}
	g.setPush(false)
}

func (g *GatewayLink) IsPushConnected() bool {
	g.pushMu.RLock()
	defer g.pushMu.RUnlock()
	return g.pushConnected
}

func (g *GatewayLink) PlayerInfo(ctx context.Context, serial string) (json.RawMessage, error) {
	return g.Call(ctx, "getPlayerInfo", map[string]string{"serial": serial})
}

func (g *GatewayLink) Routines(ctx context.Context, limit int) ([]link.Routine, error) {
	res, err := g.Call(ctx, "getAutomationRoutines", map[string]int{"limit": limit})
	if err != nil {
		return nil, err
	}
	var out []link.Routine
	gjson.ParseBytes(res).ForEach(func(_, r gjson.Result) bool {
		out = append(out, link.Routine{
			ID:        r.Get("automationId").String(),
			Name:      r.Get("name").String(),
			Utterance: r.Get("triggers.0.payload.utterance").String(),
			Raw:       json.RawMessage(r.Raw),
		})
		return true
	})
	return out, nil
}

func (g *GatewayLink) ExecuteRoutine(ctx context.Context, serial string, routine link.Routine) error {
	params := map[string]any{"serial": serial, "routine": routine.Raw}
	if len(routine.Raw) == 0 {
		params["routine"] = routine
	}
	_, err := g.Call(ctx, "executeAutomationRoutine", params)
	return err
}

func (g *GatewayLink) CreateNotification(ctx context.Context, n link.Notification) (json.RawMessage, error) {
	return g.Call(ctx, "createNotification", n)
}

func (g *GatewayLink) DisplayPower(ctx context.Context, serial string) (bool, error) {
	res, err := g.Call(ctx, "getDisplayPower", map[string]string{"serial": serial})
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(res, "enabled").Bool(), nil
}

func (g *GatewayLink) SetDisplayPower(ctx context.Context, serial string, enabled bool) error {
	_, err := g.Call(ctx, "setDisplayPower", map[string]any{"serial": serial, "enabled": enabled})
	return err
}

var _ link.Link = (*GatewayLink)(nil)
