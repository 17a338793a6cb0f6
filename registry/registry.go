// Package registry holds the authoritative set of device and group serials for
// the current session. Snapshots are immutable and swapped whole, so a reader
// sees either the previous complete generation or the next one.
package registry

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/link"
)

// Snapshot is one immutable generation of the device list.
type Snapshot struct {
	Generation uint64
	LoadedAt   time.Time
	devices    []echolink.DeviceRecord
	bySerial   map[string]int
}

// Devices returns a copy of the records in vendor order.
func (s *Snapshot) Devices() []echolink.DeviceRecord {
	return slices.Clone(s.devices)
}

func (s *Snapshot) Get(serial string) (echolink.DeviceRecord, bool) {
	i, ok := s.bySerial[serial]
	if !ok {
		return echolink.DeviceRecord{}, false
	}
	return s.devices[i], true
}

func (s *Snapshot) Len() int { return len(s.devices) }

// Registry publishes the current Snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
}

func New() *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{bySerial: map[string]int{}})
	return r
}

// Replace installs a new generation built from devices and returns it.
func (r *Registry) Replace(devices []echolink.DeviceRecord, at time.Time) *Snapshot {
	snap := &Snapshot{
		Generation: r.gen.Add(1),
		LoadedAt:   at,
		devices:    slices.Clone(devices),
		bySerial:   make(map[string]int, len(devices)),
	}
	for i, d := range snap.devices {
		snap.bySerial[d.Serial] = i
	}
	r.current.Store(snap)
	return snap
}

func (r *Registry) Load() *Snapshot { return r.current.Load() }

func (r *Registry) Exists(serial string) bool {
	_, ok := r.Load().Get(serial)
	return ok
}

func (r *Registry) Get(serial string) (echolink.DeviceRecord, bool) {
	return r.Load().Get(serial)
}

func (r *Registry) List() []echolink.DeviceRecord { return r.Load().Devices() }

// IsOnline reports the vendor's online flag; unknown serials are offline.
func (r *Registry) IsOnline(serial string) bool {
	d, ok := r.Get(serial)
	return ok && d.Online
}

// FilterDevices keeps the families the integration can drive and maps them to
// records.
func FilterDevices(raw []link.RawDevice, families []string) []echolink.DeviceRecord {
	out := make([]echolink.DeviceRecord, 0, len(raw))
	for _, d := range raw {
		if len(families) > 0 && !slices.Contains(families, d.DeviceFamily) {
			continue
		}
		if d.SerialNumber == "" {
			continue
		}
		out = append(out, echolink.DeviceRecord{
			Serial:       d.SerialNumber,
			Name:         d.AccountName,
			Family:       d.DeviceFamily,
			Type:         d.DeviceType,
			Online:       d.Online,
			Capabilities: d.Capabilities,
		})
	}
	return out
}
