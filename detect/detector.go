// Package detect infers that a device was triggered by voice from two
// telemetry signals, an equalizer state push and a volume push, arriving for
// the same device inside a short window. After a detection a global cooldown
// suppresses every device until it expires, since several devices can hear
// the same utterance.
package detect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dimapp/echolink"
)

// Signal is a telemetry kind the detector correlates.
type Signal string

const (
	SignalEqualizer Signal = "equalizer"
	SignalVolume    Signal = "volume"
)

// required lists the signal kinds a tracker must see before firing.
var required = []Signal{SignalEqualizer, SignalVolume}

// Publisher receives detection events.
type Publisher interface {
	Publish(echolink.Event)
}

// Devices reports whether a serial belongs to the session.
type Devices interface {
	Exists(serial string) bool
}

type observation struct {
	signal Signal
	at     time.Time
}

type tracker struct {
	events   []observation
	lastSeen time.Time
	idle     clockwork.Timer
	gen      uint64
}

type cooldown struct {
	active bool
	serial string
	expiry time.Time
	timer  clockwork.Timer
}

// Cooldown is a snapshot of the global cooldown.
type Cooldown struct {
	Active bool
	Serial string
	Expiry time.Time
}

// Detector infers voice triggers from paired telemetry and enforces one
// global cooldown.
type Detector struct {
	cfg     echolink.DetectionConfig
	devices Devices
	pub     Publisher
	clock   clockwork.Clock
	log     zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*tracker
	cooldown cooldown
	nextGen  uint64
}

func New(cfg echolink.DetectionConfig, devices Devices, pub Publisher, clock clockwork.Clock, log zerolog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		devices:  devices,
		pub:      pub,
		clock:    clock,
		log:      log.With().Str("component", "detect").Logger(),
		trackers: make(map[string]*tracker),
	}
}

// Observe feeds one signal for serial. It reports whether the signal
// completed a detection.
func (d *Detector) Observe(serial string, sig Signal) bool {
	if !d.devices.Exists(serial) {
		d.log.Debug().Str("serial", serial).Str("signal", string(sig)).Msg("signal for unknown serial ignored")
		return false
	}

	d.mu.Lock()
	now := d.clock.Now()
	if d.cooldownActiveLocked(now) {
		d.log.Debug().
			Str("serial", serial).
			Str("signal", string(sig)).
			Str("winner", d.cooldown.serial).
			Msg("signal discarded during cooldown")
		d.mu.Unlock()
		return false
	}

	t := d.trackers[serial]
	if t != nil && now.Sub(t.lastSeen) >= d.cfg.Inactivity {
		d.dropLocked(serial)
		t = nil
	}
	if t == nil {
		d.nextGen++
		t = &tracker{gen: d.nextGen}
		d.trackers[serial] = t
	}
	t.events = append(t.events, observation{signal: sig, at: now})
	t.lastSeen = now
	t.events = prune(t.events, now, d.cfg.Window)

	kinds := seen(t.events)
	if !complete(kinds) {
		d.armIdleLocked(serial, t)
		d.mu.Unlock()
		return false
	}

	d.cooldown = cooldown{active: true, serial: serial, expiry: now.Add(d.cfg.Cooldown)}
	expiry := d.cooldown.expiry
	d.cooldown.timer = d.clock.AfterFunc(d.cfg.Cooldown, func() { d.endCooldown(expiry) })
	for s := range d.trackers {
		d.dropLocked(s)
	}
	d.mu.Unlock()

	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	sort.Strings(names)

	d.log.Info().Str("serial", serial).Strs("signals", names).Dur("cooldown", d.cfg.Cooldown).Msg("voice trigger detected")
	d.pub.Publish(echolink.NewEvent(echolink.VoiceTriggered{
		ID:         uuid.NewString(),
		Serial:     serial,
		Kinds:      names,
		DetectedAt: now,
	}, serial, "detect", now))
	return true
}

// cooldownActiveLocked honours the expiry time even if the expiry timer has
// not run yet.
func (d *Detector) cooldownActiveLocked(now time.Time) bool {
	if !d.cooldown.active {
		return false
	}
	if now.Before(d.cooldown.expiry) {
		return true
	}
	d.cooldown.active = false
	return false
}

func (d *Detector) endCooldown(expiry time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cooldown.active && d.cooldown.expiry.Equal(expiry) {
		d.cooldown.active = false
		d.log.Debug().Str("serial", d.cooldown.serial).Msg("cooldown expired")
	}
}

func (d *Detector) armIdleLocked(serial string, t *tracker) {
	if t.idle != nil {
		t.idle.Stop()
	}
	gen := t.gen
	t.idle = d.clock.AfterFunc(d.cfg.Inactivity, func() { d.expireIdle(serial, gen) })
}

func (d *Detector) expireIdle(serial string, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.trackers[serial]
	if !ok || t.gen != gen {
		return
	}
	if d.clock.Now().Sub(t.lastSeen) < d.cfg.Inactivity {
		return
	}
	delete(d.trackers, serial)
	d.log.Debug().Str("serial", serial).Msg("tracker reset after inactivity")
}

func (d *Detector) dropLocked(serial string) {
	if t, ok := d.trackers[serial]; ok {
		if t.idle != nil {
			t.idle.Stop()
		}
		delete(d.trackers, serial)
	}
}

// Sweep removes trackers silent for longer than StaleAfter and returns how
// many were dropped.
func (d *Detector) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	n := 0
	for serial, t := range d.trackers {
		if now.Sub(t.lastSeen) > d.cfg.StaleAfter {
			d.dropLocked(serial)
			n++
		}
	}
	if n > 0 {
		d.log.Debug().Int("dropped", n).Msg("stale trackers swept")
	}
	return n
}

// Run sweeps periodically until ctx ends.
func (d *Detector) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.Sweep()
		}
	}
}

// Cooldown returns the current cooldown state.
func (d *Detector) Cooldown() Cooldown {
	d.mu.Lock()
	defer d.mu.Unlock()
	active := d.cooldownActiveLocked(d.clock.Now())
	return Cooldown{Active: active, Serial: d.cooldown.serial, Expiry: d.cooldown.expiry}
}

// Tracking returns the serials with an open tracker.
func (d *Detector) Tracking() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.trackers))
	for s := range d.trackers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Close stops all pending timers.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.trackers {
		d.dropLocked(s)
	}
	if d.cooldown.timer != nil {
		d.cooldown.timer.Stop()
	}
}

func prune(events []observation, now time.Time, window time.Duration) []observation {
	kept := events[:0]
	for _, e := range events {
		if now.Sub(e.at) <= window {
			kept = append(kept, e)
		}
	}
	return kept
}

func seen(events []observation) map[Signal]struct{} {
	kinds := make(map[Signal]struct{}, len(required))
	for _, e := range events {
		kinds[e.signal] = struct{}{}
	}
	return kinds
}

func complete(kinds map[Signal]struct{}) bool {
	for _, r := range required {
		if _, ok := kinds[r]; !ok {
			return false
		}
	}
	return true
}
