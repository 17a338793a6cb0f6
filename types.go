package echolink

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Credential is the opaque registration blob issued by the vendor (login cookie,
// csrf token, registration device id, ...). It is passed in by the caller and
// handed back on refresh; echolink never persists it.
type Credential json.RawMessage

// Field returns the string value at a gjson path, or "" when absent.
func (c Credential) Field(path string) string {
	if len(c) == 0 {
		return ""
	}
	return gjson.GetBytes(c, path).String()
}

func (c Credential) String() string { return string(c) }

// MarshalJSON keeps the blob verbatim.
func (c Credential) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(c).MarshalJSON()
}

// DeviceRecord is one speaker or speaker group known to the vendor account.
type DeviceRecord struct {
	Serial       string   `json:"serial"`
	Name         string   `json:"name"`
	Family       string   `json:"family"`
	Type         string   `json:"type"`
	Online       bool     `json:"online"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Icon is the asset name host UIs use for the device family.
func (d DeviceRecord) Icon() string {
	return "ic_" + strings.ToLower(d.Family) + ".svg"
}

// EventKind tags the payload of an Event.
type EventKind string

const (
	EventCredentialGenerated EventKind = "credentialGenerated"
	EventPushConnected       EventKind = "pushConnected"
	EventPushDisconnected    EventKind = "pushDisconnected"
	EventSessionConnected    EventKind = "sessionConnected"
	EventSessionLost         EventKind = "sessionLost"
	EventVolumeChanged       EventKind = "volumeChanged"
	EventPlayerChanged       EventKind = "playerChanged"
	EventQueueChanged        EventKind = "queueChanged"
	EventVoiceTriggered      EventKind = "voiceTriggered"
)

// Payload is implemented by every event body; the kind tags the union.
type Payload interface {
	Kind() EventKind
}

// Event is one published domain event.
type Event struct {
	Kind       EventKind
	Serial     string // empty for session-wide events
	OccurredAt time.Time
	Source     string
	Payload    Payload
}

// CredentialGenerated carries a new or refreshed credential.
type CredentialGenerated struct {
	NewLogin   bool
	Credential Credential
}

type PushConnected struct{}

// PushDisconnected reports a lost push channel.
type PushDisconnected struct {
	WillReconnect bool
	Reason        string
}

// SessionConnected follows a successful session init.
type SessionConnected struct {
	Devices []DeviceRecord
}

// SessionLost follows a failed re-login.
type SessionLost struct {
	Err error
}

type VolumeChanged struct {
	Serial string
	Level  int
}

// Track describes the media item currently loaded on a player.
type Track struct {
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Album   string `json:"album"`
	Artwork string `json:"artwork,omitempty"`
}

// PlayerChanged carries the refreshed player state of a device.
type PlayerChanged struct {
	Serial       string
	MediaID      string
	Track        Track
	Playing      bool
	InGroup      bool
	GroupMembers []string
	Error        string
}

// Shuffle and repeat states as reported by the player transport. Disabled
// means the control is hidden for the current media.
const (
	ShuffleOn       = "on"
	ShuffleOff      = "off"
	RepeatPlaylist  = "playlist"
	RepeatNone      = "none"
	ControlDisabled = "disabled"
)

// PlayerInfo is the normalized player state of a device.
type PlayerInfo struct {
	Serial       string   `json:"serial"`
	MediaID      string   `json:"mediaId,omitempty"`
	Playing      bool     `json:"playing"`
	Volume       *int     `json:"volume,omitempty"`
	Shuffle      string   `json:"shuffle,omitempty"`
	Repeat       string   `json:"repeat,omitempty"`
	Track        Track    `json:"track"`
	GroupMembers []string `json:"groupMembers,omitempty"`
}

// InGroup reports whether the player is driving a multi-room group.
func (p PlayerInfo) InGroup() bool { return len(p.GroupMembers) > 0 }

// QueueChanged reports shuffle and loop changes of a media queue.
type QueueChanged struct {
	Serial        string
	PlaybackOrder string
	LoopMode      string
	Shuffle       bool
	Repeat        bool
}

// VoiceTriggered marks a device that was most likely spoken to.
type VoiceTriggered struct {
	ID         string
	Serial     string
	Kinds      []string
	DetectedAt time.Time
}

func (CredentialGenerated) Kind() EventKind { return EventCredentialGenerated }
func (PushConnected) Kind() EventKind       { return EventPushConnected }
func (PushDisconnected) Kind() EventKind    { return EventPushDisconnected }
func (SessionConnected) Kind() EventKind    { return EventSessionConnected }
func (SessionLost) Kind() EventKind         { return EventSessionLost }
func (VolumeChanged) Kind() EventKind       { return EventVolumeChanged }
func (PlayerChanged) Kind() EventKind       { return EventPlayerChanged }
func (QueueChanged) Kind() EventKind        { return EventQueueChanged }
func (VoiceTriggered) Kind() EventKind      { return EventVoiceTriggered }

// NewEvent stamps a payload with its kind and time.
func NewEvent(p Payload, serial, source string, at time.Time) Event {
	return Event{Kind: p.Kind(), Serial: serial, OccurredAt: at, Source: source, Payload: p}
}

// EventSubscription delivers events until closed.
type EventSubscription interface {
	C() <-chan Event
	Close() error
}
