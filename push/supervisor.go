// Package push supervises the vendor streaming channel and re-emits its
// lifecycle as normalized events.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/link"
)

// ReasonManual is reported when the channel was stopped by a caller.
const ReasonManual = "manual"

// Publisher receives push lifecycle events.
type Publisher interface {
	Publish(echolink.Event)
}

// Supervisor starts and stops the push channel and mirrors its state.
type Supervisor struct {
	link  link.Link
	pub   Publisher
	clock clockwork.Clock
	log   zerolog.Logger

	mu             sync.Mutex
	connectedSince time.Time
	reconnects     int
	lastReason     string
}

// Status is a point-in-time view for status endpoints.
type Status struct {
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	Reconnects     int       `json:"reconnects"`
	LastReason     string    `json:"lastReason,omitempty"`
}

func NewSupervisor(l link.Link, pub Publisher, clock clockwork.Clock, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		link:  l,
		pub:   pub,
		clock: clock,
		log:   log.With().Str("component", "push").Logger(),
	}
}

// Start opens the streaming channel.
func (s *Supervisor) Start(ctx context.Context) error {
	s.log.Debug().Msg("starting push connection")
	if err := s.link.InitPushConnection(ctx); err != nil {
		s.log.Error().Err(err).Msg("push connection failed")
		return echolink.Wrap(echolink.KindPush, "start", err)
	}
	s.log.Info().Msg("push connection initialized")
	return nil
}

// Stop tears the channel down and reports a manual, final disconnect.
func (s *Supervisor) Stop() {
	s.link.Stop()
	s.log.Info().Msg("push connection stopped manually")
	s.HandleDisconnect(false, ReasonManual)
}

func (s *Supervisor) IsConnected() bool { return s.link.IsPushConnected() }

// HandleConnect mirrors a link connect notification.
func (s *Supervisor) HandleConnect() {
	now := s.clock.Now()
	s.mu.Lock()
	if !s.connectedSince.IsZero() {
		s.reconnects++
	}
	s.connectedSince = now
	s.mu.Unlock()

	s.log.Info().Msg("push connected")
	s.pub.Publish(echolink.NewEvent(echolink.PushConnected{}, "", "push", now))
}

// HandleDisconnect mirrors a link disconnect notification.
func (s *Supervisor) HandleDisconnect(willReconnect bool, reason string) {
	s.mu.Lock()
	if !willReconnect {
		s.connectedSince = time.Time{}
	}
	s.lastReason = reason
	s.mu.Unlock()

	s.log.Warn().Bool("will_reconnect", willReconnect).Str("reason", reason).Msg("push disconnected")
	s.pub.Publish(echolink.NewEvent(echolink.PushDisconnected{WillReconnect: willReconnect, Reason: reason}, "", "push", s.clock.Now()))
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Connected: s.link.IsPushConnected(), Reconnects: s.reconnects, LastReason: s.lastReason}
	if st.Connected {
		st.ConnectedSince = s.connectedSince
	}
	return st
}
