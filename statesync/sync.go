// Package statesync turns raw device telemetry into normalized domain
// events: volume changes, player changes and queue changes.
package statesync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/tidwall/gjson"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/link"
)

// DefaultLookupTimeout bounds a single player-info lookup.
const DefaultLookupTimeout = 10 * time.Second

const queueStatusChanged = "STATUS_CHANGED"

// Publisher receives normalized state events.
type Publisher interface {
	Publish(echolink.Event)
}

// Devices reports registry membership.
type Devices interface {
	Exists(serial string) bool
}

// PlayerLookup fetches the current player document of a device.
type PlayerLookup interface {
	PlayerInfo(ctx context.Context, serial string) (json.RawMessage, error)
}

// Synchronizer maps telemetry messages onto state events.
type Synchronizer struct {
	devices Devices
	lookup  PlayerLookup
	pub     Publisher
	clock   clockwork.Clock
	log     zerolog.Logger

	LookupTimeout time.Duration

	volumes *xsync.MapOf[string, int]
	wg      conc.WaitGroup
}

func New(devices Devices, lookup PlayerLookup, pub Publisher, clock clockwork.Clock, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		devices:       devices,
		lookup:        lookup,
		pub:           pub,
		clock:         clock,
		log:           log.With().Str("component", "statesync").Logger(),
		LookupTimeout: DefaultLookupTimeout,
		volumes:       xsync.NewMapOf[string, int](),
	}
}

// Handle dispatches one telemetry message. It reports whether the message
// type is one the synchronizer maps.
func (s *Synchronizer) Handle(ctx context.Context, msg link.Message) bool {
	switch msg.Type {
	case link.MessageVolume:
		s.HandleVolume(msg)
	case link.MessageAudioPlayer:
		s.HandleAudioPlayer(ctx, msg)
	case link.MessageMediaQueue:
		s.HandleQueue(msg)
	default:
		return false
	}
	return true
}

// HandleVolume publishes a volume change for a known device and caches the
// level.
func (s *Synchronizer) HandleVolume(msg link.Message) {
	serial := msg.Serial()
	if !s.devices.Exists(serial) {
		s.log.Debug().Str("serial", serial).Msg("volume change for unknown serial ignored")
		return
	}
	v := gjson.GetBytes(msg.Payload, "volumeSetting")
	if v.Type != gjson.Number {
		s.log.Warn().Str("serial", serial).RawJSON("payload", msg.Payload).Msg("volume change without a level")
		return
	}
	level := int(v.Int())
	s.volumes.Store(serial, level)
	s.log.Debug().Str("serial", serial).Int("volume", level).Msg("volume changed")
	s.pub.Publish(echolink.NewEvent(echolink.VolumeChanged{Serial: serial, Level: level}, serial, "statesync", s.at(msg)))
}

// HandleAudioPlayer looks up the player of the device in the background and
// publishes the result. Lookup failures are logged.
func (s *Synchronizer) HandleAudioPlayer(ctx context.Context, msg link.Message) {
	serial := msg.Serial()
	if serial == "" {
		return
	}
	vendorErr := ""
	if gjson.GetBytes(msg.Payload, "error").Bool() {
		vendorErr = gjson.GetBytes(msg.Payload, "errorMessage").String()
	}
	at := s.at(msg)

	s.wg.Go(func() {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.LookupTimeout)
		defer cancel()

		raw, err := s.lookup.PlayerInfo(lctx, serial)
		if err != nil {
			s.log.Error().Err(err).Str("serial", serial).Msg("player info lookup failed")
			return
		}
		info, err := ParsePlayerInfo(serial, raw)
		if err != nil {
			s.log.Error().Err(err).Str("serial", serial).Msg("player info unreadable")
			return
		}
		s.pub.Publish(echolink.NewEvent(echolink.PlayerChanged{
			Serial:       serial,
			MediaID:      info.MediaID,
			Track:        info.Track,
			Playing:      info.Playing,
			InGroup:      info.InGroup(),
			GroupMembers: info.GroupMembers,
			Error:        vendorErr,
		}, serial, "statesync", at))
	})
}

// HandleQueue forwards queue status changes. Other change types only
// reorder content and are dropped.
func (s *Synchronizer) HandleQueue(msg link.Message) {
	p := gjson.ParseBytes(msg.Payload)
	if p.Get("changeType").String() != queueStatusChanged {
		return
	}
	serial := msg.Serial()
	order := p.Get("playBackOrder").String()
	loop := p.Get("loopMode").String()
	s.pub.Publish(echolink.NewEvent(echolink.QueueChanged{
		Serial:        serial,
		PlaybackOrder: order,
		LoopMode:      loop,
		Shuffle:       order == "SHUFFLE_ALL",
		Repeat:        loop == "LOOP_QUEUE",
	}, serial, "statesync", s.at(msg)))
}

// LastVolume returns the last level seen on the push channel.
func (s *Synchronizer) LastVolume(serial string) (int, bool) {
	return s.volumes.Load(serial)
}

// Remember caches a level learned outside the push channel.
func (s *Synchronizer) Remember(serial string, level int) {
	s.volumes.Store(serial, level)
}

// Volumes returns a copy of the volume cache.
func (s *Synchronizer) Volumes() map[string]int {
	out := make(map[string]int, s.volumes.Size())
	s.volumes.Range(func(k string, v int) bool {
		out[k] = v
		return true
	})
	return out
}

// Wait blocks until every pending player lookup has finished.
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}

func (s *Synchronizer) at(msg link.Message) time.Time {
	if msg.ReceivedAt.IsZero() {
		return s.clock.Now()
	}
	return msg.ReceivedAt
}
