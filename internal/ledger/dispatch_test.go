package ledger

import (
	"context"
	"testing"
	"time"

	"Attest-Chain/internal/signing/signingtest"
)

func TestStalledEmitterDoesNotBlockOperations(t *testing.T) {
	f := newFixture(t)
	stalled := make(chan Event, 1)
	engine, err := New(f.ctx, Config{
		Address:         signingtest.EngineAddress,
		Domain:          signingtest.EngineDomain(),
		Initializer:     initializer,
		EscrowAuthority: signingtest.EscrowAddress,
	}, NewMemoryStore(), WithEscrow(f.market), WithEmitter(EmitterFunc(func(ev Event) { stalled <- ev })))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for _, label := range []string{"stall-1", "stall-2"} {
			if _, err := engine.Attest(f.ctx, bob.Address, newIssuance(label).request(t)); err != nil {
				done <- err
				return
			}
		}
		done <- engine.EndInitialization(f.ctx, initializer)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("operation failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("operations blocked behind a stalled emitter")
	}
	if n := engine.Backlog(); n == 0 {
		t.Fatal("expected undelivered events in the backlog")
	}

	ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
	defer cancel()
	if err := engine.Flush(ctx); err == nil {
		t.Fatal("flush should wait for the stalled emitter")
	}

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-stalled:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("emitter received %d events, want 2", len(got))
		}
	}
	if got[0].AttestationID != 1 || got[1].AttestationID != 2 {
		t.Fatalf("events out of commit order: %+v", got)
	}
	if err := engine.Close(f.ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := engine.Backlog(); n != 0 {
		t.Fatalf("backlog after close = %d", n)
	}
}

func TestClosedEngineDropsEvents(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Close(f.ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.engine.Attest(f.ctx, bob.Address, newIssuance("after-close").request(t)); err != nil {
		t.Fatalf("attest after close: %v", err)
	}
	if n := len(f.emitted(t)); n != 0 {
		t.Fatalf("expected no events after close, got %d", n)
	}
}
