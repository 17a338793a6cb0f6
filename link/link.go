// Package link defines the capability surface echolink consumes from the
// vendor client: command/response calls plus a typed telemetry stream.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dimapp/echolink"
)

// ErrNotSupported is returned by a Link when the vendor accepted the call but
// reported nothing actionable for that device.
var ErrNotSupported = errors.New("link: action not supported by device")

// Link is the vendor client. Every call is a blocking round trip.
type Link interface {
	Init(ctx context.Context, cfg SessionConfig) error
	Devices(ctx context.Context) ([]RawDevice, error)
	SendSequenceCommand(ctx context.Context, serial, command string, value any) (json.RawMessage, error)
	SendCommand(ctx context.Context, serial, command string, value any) (json.RawMessage, error)
	DeviceVolumes(ctx context.Context) ([]DeviceVolume, error)
	CheckAuthentication(ctx context.Context) (bool, error)
	InitPushConnection(ctx context.Context) error
	Stop()
	IsPushConnected() bool

	PlayerInfo(ctx context.Context, serial string) (json.RawMessage, error)
	Routines(ctx context.Context, limit int) ([]Routine, error)
	ExecuteRoutine(ctx context.Context, serial string, routine Routine) error
	CreateNotification(ctx context.Context, n Notification) (json.RawMessage, error)
	DisplayPower(ctx context.Context, serial string) (bool, error)
	SetDisplayPower(ctx context.Context, serial string, enabled bool) error

	// Messages delivers telemetry and lifecycle notifications in arrival order.
	Messages() <-chan Message
}

// SessionConfig is built fresh for every init attempt and never mutated.
type SessionConfig struct {
	HasCredential bool `json:"-"`

	Cookie                 string              `json:"cookie,omitempty"`
	FormerRegistrationData echolink.Credential `json:"formerRegistrationData,omitempty"`

	ProxyOnly       bool   `json:"proxyOnly,omitempty"`
	ProxyOwnIP      string `json:"proxyOwnIp,omitempty"`
	ProxyPort       int    `json:"proxyPort,omitempty"`
	ProxyLanguage   string `json:"amazonPageProxyLanguage,omitempty"`
	CloseWindowHTML string `json:"proxyCloseWindowHTML,omitempty"`

	AmazonPage     string `json:"amazonPage"`
	BaseAmazonPage string `json:"baseAmazonPage"`
	AcceptLanguage string `json:"acceptLanguage"`
	AppName        string `json:"appName,omitempty"`
}

// RawDevice is a device entry as the vendor reports it.
type RawDevice struct {
	AccountName  string   `json:"accountName"`
	DeviceFamily string   `json:"deviceFamily"`
	DeviceType   string   `json:"deviceType"`
	SerialNumber string   `json:"serialNumber"`
	Online       bool     `json:"online"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// DeviceVolume is the vendor-reported volume of one device.
type DeviceVolume struct {
	Serial string `json:"dsn"`
	Volume int    `json:"speakerVolume"`
	Muted  bool   `json:"speakerMuted"`
}

// Routine is an automation routine defined in the vendor app.
type Routine struct {
	ID        string          `json:"automationId"`
	Name      string          `json:"name"`
	Utterance string          `json:"utterance,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Notification is a reminder, alarm or timer to create on a device.
type Notification struct {
	Serial string    `json:"serial"`
	Type   string    `json:"type"`
	Label  string    `json:"label"`
	When   time.Time `json:"when"`
	Status string    `json:"status"`
}

// MessageType names a link notification.
type MessageType string

const (
	MessageCredential  MessageType = "cookie"
	MessageConnect     MessageType = "ws-connect"
	MessageDisconnect  MessageType = "ws-disconnect"
	MessageVolume      MessageType = "PUSH_VOLUME_CHANGE"
	MessageEqualizer   MessageType = "PUSH_EQUALIZER_STATE_CHANGE"
	MessageAudioPlayer MessageType = "PUSH_AUDIO_PLAYER_STATE_CHANGE"
	MessageMediaQueue  MessageType = "PUSH_MEDIA_QUEUE_CHANGE"
)

// Message is one notification from the link. Payload carries the vendor body
// for telemetry types; Credential, WillReconnect and Reason are set for the
// lifecycle types.
type Message struct {
	Type       MessageType
	ReceivedAt time.Time
	Payload    json.RawMessage

	Credential    echolink.Credential
	WillReconnect bool
	Reason        string
}

// IsTelemetry reports whether the message is a device push command.
func (m Message) IsTelemetry() bool {
	switch m.Type {
	case MessageVolume, MessageEqualizer, MessageAudioPlayer, MessageMediaQueue:
		return true
	}
	return false
}

// Serial returns the device serial a telemetry payload refers to.
func (m Message) Serial() string {
	return gjson.GetBytes(m.Payload, "dopplerId.deviceSerialNumber").String()
}
