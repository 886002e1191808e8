package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"Attest-Chain/internal/ledger"
	"Attest-Chain/internal/observability/alerting"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

func sampleEvent(id string) ledger.Event {
	return ledger.Event{
		ID:        id,
		Kind:      ledger.EventIssued,
		Subject:   common.HexToAddress("0x01"),
		Attester:  common.HexToAddress("0x02"),
		Requester: common.HexToAddress("0x03"),
		DataHash:  common.HexToHash("0xabcd"),
		EmittedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	defer a.Close()
	defer b.Close()

	bus.Emit(sampleEvent("1"))
	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events():
			if ev.ID != "1" {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	a.Close()
	bus.Emit(sampleEvent("2"))
	if ev := <-b.Events(); ev.ID != "2" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestEncodeKeepsHexFields(t *testing.T) {
	ev := sampleEvent("enc")
	payload, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.DataHash != ev.DataHash || decoded.Subject != ev.Subject || !decoded.EmittedAt.Equal(ev.EmittedAt) {
		t.Fatalf("decoded event differs: %+v", decoded)
	}
	if _, err := Decode([]byte("{")); err == nil {
		t.Fatal("expected malformed payload to fail")
	}
}

func TestRelayForwardsCommittedEvents(t *testing.T) {
	bus := NewBus()
	pub := NewMemoryPublisher()
	relay := NewRelay(bus, pub, nil, RelayConfig{Buffer: 8})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	bus.Emit(sampleEvent("a"))
	bus.Emit(sampleEvent("b"))

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.Events()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected run result: %v", err)
	}
	got := pub.Events()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected published events: %+v", got)
	}
}

type gatedPublisher struct {
	gate chan struct{}
	mu   sync.Mutex
	ids  []string
}

func (p *gatedPublisher) Publish(ctx context.Context, ev ledger.Event) error {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, ev.ID)
	return nil
}

func (p *gatedPublisher) Close() error { return nil }

func (p *gatedPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func TestSlowPublisherDoesNotBlockBus(t *testing.T) {
	bus := NewBus()
	pub := &gatedPublisher{gate: make(chan struct{})}
	relay := NewRelay(bus, pub, nil, RelayConfig{Buffer: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for _, id := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
			bus.Emit(sampleEvent(id))
		}
	}()
	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("bus emit blocked behind a stalled publisher")
	}

	close(pub.gate)
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.published()) < 8 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	got := pub.published()
	if len(got) != 8 || got[0] != "1" || got[7] != "8" {
		t.Fatalf("events published out of order or lost: %v", got)
	}
	if relay.Pending() != 0 {
		t.Fatalf("outbox not drained: %d", relay.Pending())
	}
}

type flakyPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *flakyPublisher) Publish(context.Context, ledger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return errors.New("broker down")
}

func (p *flakyPublisher) Close() error { return nil }

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, ev alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func TestRelayAlertsAfterRetries(t *testing.T) {
	bus := NewBus()
	pub := &flakyPublisher{}
	alerts := &alertRecorder{}
	relay := NewRelay(bus, pub, alerts, RelayConfig{Attempts: 2, Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	bus.Emit(sampleEvent("lost"))
	deadline := time.Now().Add(2 * time.Second)
	for alerts.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected one alert, got %d", alerts.count())
	}
	alerts.mu.Lock()
	ev := alerts.events[0]
	alerts.mu.Unlock()
	if ev.Operation != "relay" || ev.Metadata["event_id"] != "lost" {
		t.Fatalf("unexpected alert: %+v", ev)
	}
	pub.mu.Lock()
	calls := pub.calls
	pub.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected two attempts, got %d", calls)
	}
}

func TestRedisPublisher(t *testing.T) {
	addr := os.Getenv("ATTESTD_TEST_REDIS")
	if addr == "" {
		t.Skip("ATTESTD_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	list := "attest:test:" + t.Name()
	t.Cleanup(func() {
		client.Del(ctx, list)
		_ = client.Close()
	})

	pub := NewRedisPublisherWithClient(client, list)
	if err := pub.Publish(ctx, sampleEvent("redis")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	raw, err := client.RPop(ctx, list).Bytes()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID != "redis" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
