// Package eventbus fans normalized echolink events out to subscribers.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dimapp/echolink"
)

// Bus delivers each published event to every live subscription. A subscriber
// that is not keeping up loses events rather than blocking the publisher.
type Bus struct {
	log zerolog.Logger

	mu        sync.RWMutex
	listeners []*subscription
	closed    bool
}

type subscription struct {
	bus       *Bus
	ch        chan echolink.Event
	filter    func(echolink.Event) bool
	closeOnce sync.Once
}

func (s *subscription) C() <-chan echolink.Event { return s.ch }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
	return nil
}

func New(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "eventbus").Logger()}
}

// Subscribe returns a subscription receiving every event.
func (b *Bus) Subscribe(buffer int) echolink.EventSubscription {
	return b.subscribe(buffer, nil)
}

// SubscribeKinds returns a subscription receiving only the listed kinds.
func (b *Bus) SubscribeKinds(buffer int, kinds ...echolink.EventKind) echolink.EventSubscription {
	want := make(map[echolink.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		want[k] = struct{}{}
	}
	return b.subscribe(buffer, func(e echolink.Event) bool {
		_, ok := want[e.Kind]
		return ok
	})
}

func (b *Bus) subscribe(buffer int, filter func(echolink.Event) bool) *subscription {
	s := &subscription{bus: b, ch: make(chan echolink.Event, buffer), filter: filter}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.closeOnce.Do(func() {})
		return s
	}
	b.listeners = append(b.listeners, s)
	return s
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l == s {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish broadcasts e. It never blocks.
func (b *Bus) Publish(e echolink.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.listeners {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.log.Warn().Str("kind", string(e.Kind)).Str("serial", e.Serial).Msg("subscriber slow, event dropped")
		}
	}
}

// WaitFor blocks until an event satisfying match is published or the timeout
// elapses (KindTimeout error). Use Waiter when the event may be published
// before WaitFor would get to subscribe.
func (b *Bus) WaitFor(ctx context.Context, timeout time.Duration, match func(echolink.Event) bool) (echolink.Event, error) {
	return b.Waiter(match).Wait(ctx, timeout)
}

// Waiter registers interest in one event now; Wait collects it later. This
// avoids missing an event published between issuing a command and waiting.
func (b *Bus) Waiter(match func(echolink.Event) bool) *Waiter {
	return &Waiter{sub: b.subscribe(8, match)}
}

// Waiter holds a pending interest in one event.
type Waiter struct {
	sub *subscription
}

func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (echolink.Event, error) {
	defer w.sub.Close()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e, ok := <-w.sub.ch:
		if !ok {
			return echolink.Event{}, echolink.Errorf(echolink.KindTimeout, "wait", "event bus closed")
		}
		return e, nil
	case <-timer.C:
		return echolink.Event{}, echolink.Errorf(echolink.KindTimeout, "wait", "no matching event within %s", timeout)
	case <-ctx.Done():
		return echolink.Event{}, echolink.Wrap(echolink.KindTimeout, "wait", ctx.Err())
	}
}

// Cancel drops the waiter without waiting.
func (w *Waiter) Cancel() { _ = w.sub.Close() }

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	listeners := b.listeners
	b.listeners = nil
	b.closed = true
	b.mu.Unlock()
	for _, s := range listeners {
		s.closeOnce.Do(func() { close(s.ch) })
	}
}
