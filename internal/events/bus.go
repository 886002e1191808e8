package events

import (
	gethevent "github.com/ethereum/go-ethereum/event"

	"Attest-Chain/internal/ledger"
)

// Bus fans committed ledger events out to in-process subscribers. It
// implements ledger.Emitter.
type Bus struct {
	feed gethevent.Feed
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Emit delivers ev to every current subscriber. Delivery blocks until each
// subscriber channel accepts the value, so subscribers should use buffered
// channels and drain them continuously.
func (b *Bus) Emit(ev ledger.Event) {
	b.feed.Send(ev)
}

// Subscribe registers a channel that receives every event emitted after the
// call returns. The caller must Close the subscription when done.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan ledger.Event, buffer)
	return &Subscription{events: ch, sub: b.feed.Subscribe(ch)}
}

// Subscription wraps a feed subscription so callers do not depend on the
// go-ethereum event package.
type Subscription struct {
	events <-chan ledger.Event
	sub    gethevent.Subscription
}

// Events returns the channel receiving ledger events.
func (s *Subscription) Events() <-chan ledger.Event {
	return s.events
}

// Err is closed when the subscription ends.
func (s *Subscription) Err() <-chan error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Err()
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	if s == nil || s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
}
