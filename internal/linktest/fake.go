// Package linktest provides a scriptable in-memory link.Link for tests.
package linktest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dimapp/echolink/link"
)

// Call records one outbound command.
type Call struct {
	Method  string
	Serial  string
	Command string
	Value   any
}

// Fake is a link.Link whose responses are set through its exported fields.
// Unset hooks succeed with zero values.
type Fake struct {
	mu sync.Mutex

	InitFn        func(cfg link.SessionConfig) error
	DevicesFn     func() ([]link.RawDevice, error)
	AuthFn        func() (bool, error)
	PushFn        func() error
	SequenceFn    func(serial, command string, value any) (json.RawMessage, error)
	CommandFn     func(serial, command string, value any) (json.RawMessage, error)
	VolumesFn     func() ([]link.DeviceVolume, error)
	PlayerInfoFn  func(serial string) (json.RawMessage, error)
	RoutinesFn    func(limit int) ([]link.Routine, error)
	RoutineFn     func(serial string, r link.Routine) error
	NotifyFn      func(n link.Notification) (json.RawMessage, error)
	DisplayFn     func(serial string) (bool, error)
	SetDisplayFn  func(serial string, enabled bool) error
	PushConnected bool

	Inits   []link.SessionConfig
	Calls   []Call
	Stopped int

	messages chan link.Message
}

func New() *Fake {
	return &Fake{messages: make(chan link.Message, 64)}
}

// Emit queues a message on the telemetry stream.
func (f *Fake) Emit(m link.Message) { f.messages <- m }

func (f *Fake) Messages() <-chan link.Message { return f.messages }

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.Calls = append(f.Calls, c)
	f.mu.Unlock()
}

// CallsFor returns the recorded calls for a method.
func (f *Fake) CallsFor(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// InitConfigs returns a copy of every config passed to Init.
func (f *Fake) InitConfigs() []link.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]link.SessionConfig(nil), f.Inits...)
}

func (f *Fake) SetPushConnected(v bool) {
	f.mu.Lock()
	f.PushConnected = v
	f.mu.Unlock()
}

func (f *Fake) Init(ctx context.Context, cfg link.SessionConfig) error {
	f.mu.Lock()
	f.Inits = append(f.Inits, cfg)
	fn := f.InitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(cfg)
	}
	return nil
}

func (f *Fake) Devices(ctx context.Context) ([]link.RawDevice, error) {
	if f.DevicesFn != nil {
		return f.DevicesFn()
	}
	return nil, nil
}

func (f *Fake) SendSequenceCommand(ctx context.Context, serial, command string, value any) (json.RawMessage, error) {
	f.record(Call{Method: "sequence", Serial: serial, Command: command, Value: value})
	if f.SequenceFn != nil {
		return f.SequenceFn(serial, command, value)
	}
	return json.RawMessage(`{}`), nil
}

func (f *Fake) SendCommand(ctx context.Context, serial, command string, value any) (json.RawMessage, error) {
	f.record(Call{Method: "command", Serial: serial, Command: command, Value: value})
	if f.CommandFn != nil {
		return f.CommandFn(serial, command, value)
	}
	return json.RawMessage(`{}`), nil
}

func (f *Fake) DeviceVolumes(ctx context.Context) ([]link.DeviceVolume, error) {
	if f.VolumesFn != nil {
		return f.VolumesFn()
	}
	return nil, nil
}

func (f *Fake) CheckAuthentication(ctx context.Context) (bool, error) {
	f.record(Call{Method: "auth"})
	if f.AuthFn != nil {
		return f.AuthFn()
	}
	return true, nil
}

func (f *Fake) InitPushConnection(ctx context.Context) error {
	f.record(Call{Method: "push"})
	if f.PushFn != nil {
		if err := f.PushFn(); err != nil {
			return err
		}
	}
	f.SetPushConnected(true)
	return nil
}

func (f *Fake) Stop() {
	f.mu.Lock()
	f.Stopped++
	f.PushConnected = false
	f.mu.Unlock()
}

func (f *Fake) IsPushConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PushConnected
}

func (f *Fake) PlayerInfo(ctx context.Context, serial string) (json.RawMessage, error) {
	f.record(Call{Method: "playerInfo", Serial: serial})
	if f.PlayerInfoFn != nil {
		return f.PlayerInfoFn(serial)
	}
	return nil, errors.New("no player info")
}

func (f *Fake) Routines(ctx context.Context, limit int) ([]link.Routine, error) {
	if f.RoutinesFn != nil {
		return f.RoutinesFn(limit)
	}
	return nil, nil
}

func (f *Fake) ExecuteRoutine(ctx context.Context, serial string, r link.Routine) error {
	f.record(Call{Method: "routine", Serial: serial, Value: r})
	if f.RoutineFn != nil {
		return f.RoutineFn(serial, r)
	}
	return nil
}

func (f *Fake) CreateNotification(ctx context.Context, n link.Notification) (json.RawMessage, error) {
	f.record(Call{Method: "notification", Serial: n.Serial, Value: n})
	if f.NotifyFn != nil {
		return f.NotifyFn(n)
	}
	return json.RawMessage(`{"status":"ON"}`), nil
}

func (f *Fake) DisplayPower(ctx context.Context, serial string) (bool, error) {
	if f.DisplayFn != nil {
		return f.DisplayFn(serial)
	}
	return true, nil
}

func (f *Fake) SetDisplayPower(ctx context.Context, serial string, enabled bool) error {
	f.record(Call{Method: "display", Serial: serial, Value: enabled})
	if f.SetDisplayFn != nil {
		return f.SetDisplayFn(serial, enabled)
	}
	return nil
}

var _ link.Link = (*Fake)(nil)
