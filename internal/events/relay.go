package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/ledger"
	"Attest-Chain/internal/observability/alerting"
	"Attest-Chain/pkg/logger"
)

// RelayConfig 控制转发行为。
type RelayConfig struct {
	Buffer   int
	Attempts int
	Backoff  time.Duration
}

// Relay 订阅总线并将事件转发给外部发布器。发布失败只会告警，
// 不影响已提交的账本状态。订阅到的事件先进入内部待发队列，
// 发布器再慢也不会反压总线。
type Relay struct {
	bus       *Bus
	publisher Publisher
	alerter   alerting.Dispatcher
	logger    *slog.Logger
	cfg       RelayConfig
	sub       *Subscription

	mu        sync.Mutex
	outbox    []ledger.Event
	ready     chan struct{}
	collected chan struct{}
}

// NewRelay 创建转发器并立即订阅总线，确保此后发布的事件都不会丢失。
func NewRelay(bus *Bus, publisher Publisher, alerter alerting.Dispatcher, cfg RelayConfig) *Relay {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	r := &Relay{
		bus:       bus,
		publisher: publisher,
		alerter:   alerter,
		logger:    logger.Named("events"),
		cfg:       cfg,
		sub:       bus.Subscribe(cfg.Buffer),
		ready:     make(chan struct{}, 1),
		collected: make(chan struct{}),
	}
	go r.collect()
	return r
}

// Pending 返回尚未转发的事件数量。
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

// Run 持续转发事件直到 ctx 取消。返回前会转发队列中剩余的事件。
func (r *Relay) Run(ctx context.Context) error {
	defer r.sub.Close()
	for {
		if ctx.Err() != nil {
			r.sub.Close()
			<-r.collected
			r.drain()
			return ctx.Err()
		}
		if ev, ok := r.pop(); ok {
			r.forward(ctx, ev)
			continue
		}
		select {
		case <-ctx.Done():
		case <-r.collected:
			r.drain()
			return nil
		case <-r.ready:
		}
	}
}

// collect moves events from the bus into the outbox until the subscription
// ends.
func (r *Relay) collect() {
	defer close(r.collected)
	for {
		select {
		case <-r.sub.Err():
			for {
				select {
				case ev := <-r.sub.Events():
					r.push(ev)
				default:
					return
				}
			}
		case ev := <-r.sub.Events():
			r.push(ev)
		}
	}
}

func (r *Relay) push(ev ledger.Event) {
	r.mu.Lock()
	r.outbox = append(r.outbox, ev)
	r.mu.Unlock()
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

func (r *Relay) pop() (ledger.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outbox) == 0 {
		return ledger.Event{}, false
	}
	ev := r.outbox[0]
	r.outbox[0] = ledger.Event{}
	r.outbox = r.outbox[1:]
	return ev, true
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		ev, ok := r.pop()
		if !ok {
			return
		}
		r.forward(ctx, ev)
	}
}

func (r *Relay) forward(ctx context.Context, ev ledger.Event) {
	var err error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = r.publisher.Publish(pctx, ev)
		cancel()
		if err == nil {
			return
		}
		if attempt == r.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			attempt = r.cfg.Attempts
		case <-time.After(r.cfg.Backoff * time.Duration(attempt)):
		}
	}

	wrapped := xerrors.Wrap(xerrors.CodePublishFailure, err, "",
		xerrors.WithMetadata("event_id", ev.ID),
		xerrors.WithMetadata("kind", string(ev.Kind)),
	)
	r.logger.Error("事件转发失败", slog.String("event_id", ev.ID), slog.Any("error", wrapped))
	if r.alerter == nil {
		return
	}
	if notifyErr := r.alerter.Notify(context.WithoutCancel(ctx), alerting.FromError("relay", wrapped)); notifyErr != nil {
		r.logger.Warn("告警发送失败", slog.Any("error", notifyErr))
	}
}
