package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/internal/linktest"
	"github.com/dimapp/echolink/link"
	"github.com/dimapp/echolink/registry"
)

type cache map[string]int

func (c cache) Remember(serial string, level int) { c[serial] = level }

func newDispatcher(t *testing.T, guard Guard) (*Dispatcher, *linktest.Fake, cache) {
	t.Helper()
	fake := linktest.New()
	reg := registry.New()
	reg.Replace([]echolink.DeviceRecord{{Serial: "S1"}, {Serial: "S2"}}, time.Now())
	c := cache{}
	return New(fake, reg, guard, c, zerolog.Nop()), fake, c
}

func TestVoiceCommands(t *testing.T) {
	ctx := context.Background()
	d, fake, _ := newDispatcher(t, nil)

	_, err := d.Speak(ctx, "S1", "hello")
	require.NoError(t, err)
	_, err = d.Whisper(ctx, "S1", "psst")
	require.NoError(t, err)
	_, err = d.Announce(ctx, "S2", "dinner")
	require.NoError(t, err)

	calls := fake.CallsFor("sequence")
	require.Len(t, calls, 3)
	assert.Equal(t, linktest.Call{Method: "sequence", Serial: "S1", Command: "speak", Value: "hello"}, calls[0])
	assert.Equal(t, `<speak><amazon:effect name="whispered">psst</amazon:effect></speak>`, calls[1].Value)
	assert.Equal(t, "ssml", calls[1].Command)
	assert.Equal(t, "announcement", calls[2].Command)
}

func TestVoiceRejectsUnknownSerial(t *testing.T) {
	d, fake, _ := newDispatcher(t, nil)

	_, err := d.Speak(context.Background(), "ghost", "hello")
	assert.ErrorIs(t, err, echolink.ErrInvalidSerial)

	_, err = d.Speak(context.Background(), "", "hello")
	assert.ErrorIs(t, err, echolink.ErrValidation)

	_, err = d.Speak(context.Background(), "S1", "  ")
	assert.ErrorIs(t, err, echolink.ErrValidation)
	assert.Empty(t, fake.CallsFor("sequence"))
}

func TestVendorErrorsAreTaggedPerAction(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("vendor said no")
	d, fake, _ := newDispatcher(t, nil)
	fake.SequenceFn = func(string, string, any) (json.RawMessage, error) { return nil, boom }
	fake.CommandFn = func(string, string, any) (json.RawMessage, error) { return nil, boom }
	fake.RoutineFn = func(string, link.Routine) error { return boom }
	fake.NotifyFn = func(link.Notification) (json.RawMessage, error) { return nil, boom }
	fake.SetDisplayFn = func(string, bool) error { return boom }
	fake.VolumesFn = func() ([]link.DeviceVolume, error) { return nil, boom }

	_, err := d.Speak(ctx, "S1", "hi")
	assert.ErrorIs(t, err, echolink.ErrSpeak)
	assert.ErrorIs(t, err, boom)

	assert.ErrorIs(t, d.SendCommand(ctx, "S1", "what time is it"), echolink.ErrCommand)
	assert.ErrorIs(t, d.ChangePlayback(ctx, "S1", ActionPlay, true), echolink.ErrPlayback)
	assert.ErrorIs(t, d.SetVolume(ctx, "S1", 10), echolink.ErrVolume)
	assert.ErrorIs(t, d.RunRoutine(ctx, "S1", link.Routine{ID: "r1"}), echolink.ErrRoutine)
	assert.ErrorIs(t, d.SetDisplayPower(ctx, "S1", true), echolink.ErrDisplaySetting)

	_, err = d.CreateNotification(ctx, "S1", NotificationAlarm, "", time.Now(), NotificationOn)
	assert.ErrorIs(t, err, echolink.ErrNotification)

	_, err = d.GetVolume(ctx, "S1")
	assert.ErrorIs(t, err, echolink.ErrVolume)
}

func TestNotSupportedOverridesActionKind(t *testing.T) {
	d, fake, _ := newDispatcher(t, nil)
	fake.CommandFn = func(string, string, any) (json.RawMessage, error) { return nil, link.ErrNotSupported }

	err := d.ChangePlayback(context.Background(), "S1", ActionShuffle, true)
	assert.ErrorIs(t, err, echolink.ErrNotSupported)
	assert.Equal(t, echolink.KindNotSupported, echolink.KindOf(err))
}

func TestSetVolumeRange(t *testing.T) {
	ctx := context.Background()
	d, fake, c := newDispatcher(t, nil)

	for _, bad := range []int{-1, 101} {
		assert.ErrorIs(t, d.SetVolume(ctx, "S1", bad), echolink.ErrValidation, "volume %d", bad)
	}
	assert.Empty(t, fake.CallsFor("sequence"))

	for _, ok := range []int{0, 100} {
		assert.NoError(t, d.SetVolume(ctx, "S1", ok), "volume %d", ok)
	}
	calls := fake.CallsFor("sequence")
	require.Len(t, calls, 2)
	assert.Equal(t, "volume", calls[0].Command)
	assert.Equal(t, 0, calls[0].Value)
	assert.Equal(t, 100, c["S1"])
}

func TestGetVolume(t *testing.T) {
	d, fake, c := newDispatcher(t, nil)
	fake.VolumesFn = func() ([]link.DeviceVolume, error) {
		return []link.DeviceVolume{{Serial: "S2", Volume: 10}, {Serial: "S1", Volume: 55}}, nil
	}

	v, err := d.GetVolume(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, 55, v)
	assert.Equal(t, 55, c["S1"])

	_, err = d.GetVolume(context.Background(), "S9")
	assert.ErrorIs(t, err, echolink.ErrInvalidSerial)
}

func TestChangePlaybackValidatesAction(t *testing.T) {
	d, fake, _ := newDispatcher(t, nil)
	assert.ErrorIs(t, d.ChangePlayback(context.Background(), "S1", "rewind", true), echolink.ErrValidation)
	require.NoError(t, d.ChangePlayback(context.Background(), "S1", ActionRepeat, false))

	calls := fake.CallsFor("command")
	require.Len(t, calls, 1)
	assert.Equal(t, linktest.Call{Method: "command", Serial: "S1", Command: "repeat", Value: false}, calls[0])
}

func TestCreateNotificationValidation(t *testing.T) {
	ctx := context.Background()
	when := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	d, fake, _ := newDispatcher(t, nil)

	cases := []struct {
		name, typ, label, status string
		when                     time.Time
	}{
		{"unknown type", "Birthday", "x", NotificationOn, when},
		{"unknown status", NotificationAlarm, "", "MAYBE", when},
		{"missing time", NotificationTimer, "", NotificationOn, time.Time{}},
		{"reminder without label", NotificationReminder, " ", NotificationOn, when},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.CreateNotification(ctx, "S1", tc.typ, tc.label, tc.when, tc.status)
			assert.ErrorIs(t, err, echolink.ErrValidation)
		})
	}
	assert.Empty(t, fake.CallsFor("notification"))

	_, err := d.CreateNotification(ctx, "S1", NotificationReminder, "take out bins", when, "")
	require.NoError(t, err)
	calls := fake.CallsFor("notification")
	require.Len(t, calls, 1)
	assert.Equal(t, link.Notification{Serial: "S1", Type: NotificationReminder, Label: "take out bins", When: when, Status: NotificationOn}, calls[0].Value)
}

func TestArgumentsAreValidatedBeforeGuard(t *testing.T) {
	var guardCalls int
	denied := echolink.Errorf(echolink.KindAuthentication, "check", "not authenticated")
	d, fake, _ := newDispatcher(t, func(context.Context) error {
		guardCalls++
		return denied
	})
	ctx := context.Background()

	assert.ErrorIs(t, d.SetVolume(ctx, "S1", -1), echolink.ErrValidation)
	assert.ErrorIs(t, d.SetVolume(ctx, "", 10), echolink.ErrValidation)
	_, err := d.Speak(ctx, "S1", "  ")
	assert.ErrorIs(t, err, echolink.ErrValidation)
	_, err = d.Whisper(ctx, "S1", "")
	assert.ErrorIs(t, err, echolink.ErrValidation)
	assert.ErrorIs(t, d.ChangePlayback(ctx, "S1", "rewind", false), echolink.ErrValidation)
	_, err = d.ListRoutines(ctx, -1)
	assert.ErrorIs(t, err, echolink.ErrValidation)
	assert.ErrorIs(t, d.RunRoutine(ctx, "S1", link.Routine{}), echolink.ErrValidation)
	_, err = d.CreateNotification(ctx, "S1", "Birthday", "", time.Now(), "")
	assert.ErrorIs(t, err, echolink.ErrValidation)
	assert.Zero(t, guardCalls, "invalid arguments never reach the session check")

	_, err = d.Speak(ctx, "ghost", "hi")
	assert.Same(t, denied, err)
	assert.True(t, echolink.IsAuthFailure(d.SetVolume(ctx, "S1", 50)))
	_, err = d.ListRoutines(ctx, 5)
	assert.ErrorIs(t, err, echolink.ErrAuthentication)
	assert.Equal(t, 3, guardCalls)
	assert.Empty(t, fake.Calls)
}

func TestRoutines(t *testing.T) {
	d, fake, _ := newDispatcher(t, nil)
	var gotLimit int
	fake.RoutinesFn = func(limit int) ([]link.Routine, error) {
		gotLimit = limit
		return []link.Routine{{ID: "r1", Name: "Good morning"}}, nil
	}

	rs, err := d.ListRoutines(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRoutineLimit, gotLimit)
	require.Len(t, rs, 1)

	_, err = d.ListRoutines(context.Background(), -1)
	assert.ErrorIs(t, err, echolink.ErrValidation)

	assert.ErrorIs(t, d.RunRoutine(context.Background(), "S1", link.Routine{}), echolink.ErrValidation)
	require.NoError(t, d.RunRoutine(context.Background(), "S1", rs[0]))
	assert.Len(t, fake.CallsFor("routine"), 1)
}

func TestGetPlayerInfo(t *testing.T) {
	d, fake, _ := newDispatcher(t, nil)
	fake.PlayerInfoFn = func(string) (json.RawMessage, error) {
		return json.RawMessage(`{"playerInfo":{"state":"PLAYING","infoText":{"title":"Blue in Green"}}}`), nil
	}
	info, err := d.GetPlayerInfo(context.Background(), "S1")
	require.NoError(t, err)
	assert.True(t, info.Playing)
	assert.Equal(t, "Blue in Green", info.Track.Title)
}

func TestDisplayPower(t *testing.T) {
	d, fake, _ := newDispatcher(t, nil)
	fake.DisplayFn = func(string) (bool, error) { return false, nil }

	on, err := d.GetDisplayPower(context.Background(), "S1")
	require.NoError(t, err)
	assert.False(t, on)
	require.NoError(t, d.SetDisplayPower(context.Background(), "S1", true))
	assert.Len(t, fake.CallsFor("display"), 1)
}

func TestParseFlag(t *testing.T) {
	for in, want := range map[string]bool{"true": true, "1": true, "ON": true, "yes": true, "false": false, "0": false, "off": false, " No ": false} {
		got, err := ParseFlag(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFlag("maybe")
	assert.ErrorIs(t, err, echolink.ErrValidation)
}
