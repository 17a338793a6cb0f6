// Package dispatch issues outbound device actions and normalizes their
// failures into tagged echolink errors, one kind per action.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/link"
	"github.com/dimapp/echolink/statesync"
)

const (
	MinVolume = 0
	MaxVolume = 100

	// DefaultRoutineLimit is used when ListRoutines is called with limit 0.
	DefaultRoutineLimit = 2000
)

// Playback actions accepted by ChangePlayback.
const (
	ActionPlay     = "play"
	ActionPause    = "pause"
	ActionNext     = "next"
	ActionPrevious = "previous"
	ActionShuffle  = "shuffle"
	ActionRepeat   = "repeat"
)

var playbackActions = map[string]struct{}{
	ActionPlay: {}, ActionPause: {}, ActionNext: {}, ActionPrevious: {}, ActionShuffle: {}, ActionRepeat: {},
}

// Notification types and states accepted by CreateNotification.
const (
	NotificationReminder = "Reminder"
	NotificationAlarm    = "Alarm"
	NotificationTimer    = "Timer"

	NotificationOn  = "ON"
	NotificationOff = "OFF"
)

// Guard runs before every action. A non-nil error aborts the action and is
// returned unchanged.
type Guard func(ctx context.Context) error

// Devices reports registry membership.
type Devices interface {
	Exists(serial string) bool
}

// VolumeCache receives levels learned from volume reads and writes.
type VolumeCache interface {
	Remember(serial string, level int)
}

// Dispatcher sends validated commands to devices through the link.
type Dispatcher struct {
	link    link.Link
	devices Devices
	guard   Guard
	volumes VolumeCache
	log     zerolog.Logger
}

// New returns a dispatcher. guard and volumes may be nil.
func New(l link.Link, devices Devices, guard Guard, volumes VolumeCache, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		link:    l,
		devices: devices,
		guard:   guard,
		volumes: volumes,
		log:     log.With().Str("component", "dispatch").Logger(),
	}
}

func (d *Dispatcher) check(ctx context.Context) error {
	if d.guard == nil {
		return nil
	}
	return d.guard(ctx)
}

// fail tags a vendor error with kind, or NotSupported when the vendor had
// nothing actionable to report.
func (d *Dispatcher) fail(kind echolink.ErrorKind, op, serial string, err error) error {
	if errors.Is(err, link.ErrNotSupported) {
		kind = echolink.KindNotSupported
	}
	d.log.Error().Err(err).Str("op", op).Str("serial", serial).Str("kind", string(kind)).Msg("device action failed")
	return echolink.Wrap(kind, op, err)
}

func requireSerial(op, serial string) error {
	if strings.TrimSpace(serial) == "" {
		return echolink.Errorf(echolink.KindValidation, op, "serial must not be empty")
	}
	return nil
}

// Speak makes the device say text.
func (d *Dispatcher) Speak(ctx context.Context, serial, text string) (json.RawMessage, error) {
	return d.voice(ctx, "speak", serial, "speak", text, text)
}

// Whisper makes the device whisper text.
func (d *Dispatcher) Whisper(ctx context.Context, serial, text string) (json.RawMessage, error) {
	ssml := `<speak><amazon:effect name="whispered">` + text + `</amazon:effect></speak>`
	return d.voice(ctx, "whisper", serial, "ssml", text, ssml)
}

// Announce plays text as an announcement on the device.
func (d *Dispatcher) Announce(ctx context.Context, serial, text string) (json.RawMessage, error) {
	return d.voice(ctx, "announce", serial, "announcement", text, text)
}

// voice validates text and sends value, its wire form.
func (d *Dispatcher) voice(ctx context.Context, op, serial, command, text, value string) (json.RawMessage, error) {
	if err := requireSerial(op, serial); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, echolink.Errorf(echolink.KindValidation, op, "text must not be empty")
	}
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	// the registry is only current once the guard has confirmed the session
	if !d.devices.Exists(serial) {
		return nil, echolink.Errorf(echolink.KindInvalidSerial, op, "unknown serial %q", serial)
	}
	d.log.Debug().Str("serial", serial).Str("command", command).Msg("sending voice command")
	res, err := d.link.SendSequenceCommand(ctx, serial, command, value)
	if err != nil {
		return nil, d.fail(echolink.KindSpeak, op, serial, err)
	}
	return res, nil
}

// SendCommand asks the device to run a free-text voice command.
func (d *Dispatcher) SendCommand(ctx context.Context, serial, text string) error {
	if err := requireSerial("command", serial); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return echolink.Errorf(echolink.KindValidation, "command", "command text must not be empty")
	}
	if err := d.check(ctx); err != nil {
		return err
	}
	if _, err := d.link.SendSequenceCommand(ctx, serial, "textCommand", text); err != nil {
		return d.fail(echolink.KindCommand, "command", serial, err)
	}
	return nil
}

// ChangePlayback sends a transport action. value only matters for shuffle
// and repeat.
func (d *Dispatcher) ChangePlayback(ctx context.Context, serial, action string, value bool) error {
	if err := requireSerial("playback", serial); err != nil {
		return err
	}
	if _, ok := playbackActions[action]; !ok {
		return echolink.Errorf(echolink.KindValidation, "playback", "unknown playback action %q", action)
	}
	if err := d.check(ctx); err != nil {
		return err
	}
	if _, err := d.link.SendCommand(ctx, serial, action, value); err != nil {
		return d.fail(echolink.KindPlayback, "playback", serial, err)
	}
	return nil
}

// GetVolume reads the current level of the device from the vendor.
func (d *Dispatcher) GetVolume(ctx context.Context, serial string) (int, error) {
	if err := requireSerial("volume", serial); err != nil {
		return 0, err
	}
	if err := d.check(ctx); err != nil {
		return 0, err
	}
	vols, err := d.link.DeviceVolumes(ctx)
	if err != nil {
		return 0, d.fail(echolink.KindVolume, "volume", serial, fmt.Errorf("error recovering device volume: %w", err))
	}
	for _, v := range vols {
		if v.Serial == serial {
			if d.volumes != nil {
				d.volumes.Remember(serial, v.Volume)
			}
			return v.Volume, nil
		}
	}
	return 0, echolink.Errorf(echolink.KindInvalidSerial, "volume", "serial number %s not found", serial)
}

// SetVolume sets the level of the device. level must be within [0,100].
func (d *Dispatcher) SetVolume(ctx context.Context, serial string, level int) error {
	if err := requireSerial("volume", serial); err != nil {
		return err
	}
	if level < MinVolume || level > MaxVolume {
		return echolink.Errorf(echolink.KindValidation, "volume", "volume %d out of range [%d,%d]", level, MinVolume, MaxVolume)
	}
	if err := d.check(ctx); err != nil {
		return err
	}
	if _, err := d.link.SendSequenceCommand(ctx, serial, "volume", level); err != nil {
		return d.fail(echolink.KindVolume, "volume", serial, err)
	}
	if d.volumes != nil {
		d.volumes.Remember(serial, level)
	}
	return nil
}

func (d *Dispatcher) GetPlayerInfo(ctx context.Context, serial string) (echolink.PlayerInfo, error) {
	if err := requireSerial("player info", serial); err != nil {
		return echolink.PlayerInfo{}, err
	}
	if err := d.check(ctx); err != nil {
		return echolink.PlayerInfo{}, err
	}
	raw, err := d.link.PlayerInfo(ctx, serial)
	if err != nil {
		return echolink.PlayerInfo{}, d.fail(echolink.KindPlayback, "player info", serial, err)
	}
	return statesync.ParsePlayerInfo(serial, raw)
}

// ListRoutines returns up to limit routines; 0 means DefaultRoutineLimit.
func (d *Dispatcher) ListRoutines(ctx context.Context, limit int) ([]link.Routine, error) {
	if limit < 0 {
		return nil, echolink.Errorf(echolink.KindValidation, "routines", "limit %d must not be negative", limit)
	}
	if limit == 0 {
		limit = DefaultRoutineLimit
	}
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	routines, err := d.link.Routines(ctx, limit)
	if err != nil {
		return nil, d.fail(echolink.KindRoutine, "routines", "", err)
	}
	return routines, nil
}

func (d *Dispatcher) RunRoutine(ctx context.Context, serial string, routine link.Routine) error {
	if err := requireSerial("routine", serial); err != nil {
		return err
	}
	if routine.ID == "" {
		return echolink.Errorf(echolink.KindValidation, "routine", "routine id must not be empty")
	}
	if err := d.check(ctx); err != nil {
		return err
	}
	d.log.Debug().Str("serial", serial).Str("routine", routine.Name).Msg("executing routine")
	if err := d.link.ExecuteRoutine(ctx, serial, routine); err != nil {
		return d.fail(echolink.KindRoutine, "routine", serial, err)
	}
	return nil
}

// CreateNotification schedules a reminder, alarm or timer on the device.
func (d *Dispatcher) CreateNotification(ctx context.Context, serial, typ, label string, when time.Time, status string) (json.RawMessage, error) {
	if err := requireSerial("notification", serial); err != nil {
		return nil, err
	}
	switch typ {
	case NotificationReminder, NotificationAlarm, NotificationTimer:
	default:
		return nil, echolink.Errorf(echolink.KindValidation, "notification", "unknown notification type %q", typ)
	}
	if status == "" {
		status = NotificationOn
	}
	if status != NotificationOn && status != NotificationOff {
		return nil, echolink.Errorf(echolink.KindValidation, "notification", "unknown notification status %q", status)
	}
	if when.IsZero() {
		return nil, echolink.Errorf(echolink.KindValidation, "notification", "notification time must be set")
	}
	if typ == NotificationReminder && strings.TrimSpace(label) == "" {
		return nil, echolink.Errorf(echolink.KindValidation, "notification", "reminder label must not be empty")
	}

	if err := d.check(ctx); err != nil {
		return nil, err
	}
	res, err := d.link.CreateNotification(ctx, link.Notification{Serial: serial, Type: typ, Label: label, When: when, Status: status})
	if err != nil {
		return nil, d.fail(echolink.KindNotification, "notification", serial, err)
	}
	return res, nil
}

func (d *Dispatcher) SetDisplayPower(ctx context.Context, serial string, enabled bool) error {
	if err := requireSerial("display", serial); err != nil {
		return err
	}
	if err := d.check(ctx); err != nil {
		return err
	}
	if err := d.link.SetDisplayPower(ctx, serial, enabled); err != nil {
		return d.fail(echolink.KindDisplaySetting, "display", serial, err)
	}
	return nil
}

func (d *Dispatcher) GetDisplayPower(ctx context.Context, serial string) (bool, error) {
	if err := requireSerial("display", serial); err != nil {
		return false, err
	}
	if err := d.check(ctx); err != nil {
		return false, err
	}
	on, err := d.link.DisplayPower(ctx, serial)
	if err != nil {
		return false, d.fail(echolink.KindDisplaySetting, "display", serial, err)
	}
	return on, nil
}

// ParseFlag reads a textual boolean flag such as "true", "off" or "1".
func ParseFlag(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, echolink.Errorf(echolink.KindValidation, "flag", "invalid boolean flag %q", s)
	}
	return v, nil
}
