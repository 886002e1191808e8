package ledger

import (
	stdErrors "errors"
	"math/big"
	"testing"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/escrow"
	"Attest-Chain/internal/signing/signingtest"

	"github.com/ethereum/go-ethereum/common"
)

func TestAttestReleasesRewardAndEmitsIssued(t *testing.T) {
	f := newFixture(t)
	req := newIssuance("basic").request(t)

	rec, err := f.engine.Attest(f.ctx, bob.Address, req)
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	if rec.ID == 0 || rec.Subject != alice.Address || rec.Attester != bob.Address || rec.Requester != david.Address {
		t.Fatalf("unexpected record: %+v", rec)
	}
	f.requireBalances(t, eth(1), eth(1))

	events := f.emitted(t)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != EventIssued || ev.Subject != alice.Address || ev.Attester != bob.Address ||
		ev.Requester != david.Address || ev.DataHash != req.DataHash {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ID == "" || ev.SubjectID == 0 || ev.AttesterID == 0 || ev.RequesterID == 0 {
		t.Fatalf("event missing id or identities: %+v", ev)
	}

	stored, err := f.engine.Attestation(f.ctx, rec.ID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if stored.DataHash != req.DataHash || stored.Revoked {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
	if got := f.recorder.codes["attest"]; len(got) != 1 || got[0] != "OK" {
		t.Fatalf("unexpected recorded codes: %v", got)
	}
}

func TestAttestReplayFailsWithNonceAlreadyUsed(t *testing.T) {
	f := newFixture(t)
	req := newIssuance("replay").request(t)

	if _, err := f.engine.Attest(f.ctx, bob.Address, req); err != nil {
		t.Fatalf("first attest: %v", err)
	}
	_, err := f.engine.Attest(f.ctx, bob.Address, req)
	if !stdErrors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected nonce replay, got %v", err)
	}
	if stdErrors.Is(err, ErrEscrowReleaseFailed) {
		t.Fatalf("replay must be caught before escrow: %v", err)
	}
	f.requireBalances(t, eth(1), eth(1))
	if n := len(f.emitted(t)); n != 1 {
		t.Fatalf("expected exactly one event, got %d", n)
	}
}

func TestAttestWithZeroReward(t *testing.T) {
	f := newFixture(t)
	iss := newIssuance("zero")
	iss.reward = big.NewInt(0)
	if _, err := f.engine.Attest(f.ctx, bob.Address, iss.request(t)); err != nil {
		t.Fatalf("attest: %v", err)
	}
	f.requireBalances(t, eth(2), new(big.Int))
}

func TestAttestSecondDistinctRequestForSameData(t *testing.T) {
	f := newFixture(t)
	first, err := f.engine.Attest(f.ctx, bob.Address, newIssuance("first").request(t))
	if err != nil {
		t.Fatalf("first attest: %v", err)
	}
	second, err := f.engine.Attest(f.ctx, bob.Address, newIssuance("second").request(t))
	if err != nil {
		t.Fatalf("second attest: %v", err)
	}
	if first.ID == second.ID || first.DataHash != second.DataHash {
		t.Fatalf("expected two independent records for the same hash: %+v %+v", first, second)
	}
	f.requireBalances(t, new(big.Int), eth(2))
}

func TestAttestReleasesPartialThenRemainder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Attest(f.ctx, bob.Address, newIssuance("partial").request(t)); err != nil {
		t.Fatalf("partial: %v", err)
	}
	f.requireBalances(t, eth(1), eth(1))

	if _, err := f.engine.Attest(f.ctx, bob.Address, newIssuance("remainder").request(t)); err != nil {
		t.Fatalf("remainder: %v", err)
	}
	f.requireBalances(t, new(big.Int), eth(2))
}

func TestAttestFromWrongCallerIsRejectedAtomically(t *testing.T) {
	f := newFixture(t)
	req := newIssuance("wrong-caller").request(t)

	_, err := f.engine.Attest(f.ctx, alice.Address, req)
	if !stdErrors.Is(err, ErrEscrowReleaseFailed) {
		t.Fatalf("expected escrow failure, got %v", err)
	}
	if !stdErrors.Is(err, ErrInvalidSignature) {
		t.Fatalf("escrow failure should carry the signature cause: %v", err)
	}
	f.requireUntouched(t)

	if _, err := f.engine.Attest(f.ctx, bob.Address, req); err != nil {
		t.Fatalf("request nonce should still be usable after the failed attempt: %v", err)
	}
}

func TestAttestRejectsUnrelatedSubjectSignature(t *testing.T) {
	f := newFixture(t)
	iss := newIssuance("unrelated")
	iss.subject = signingtest.NewParty(t)
	req := iss.request(t)
	req.Subject = alice.Address

	if _, err := f.engine.Attest(f.ctx, bob.Address, req); !stdErrors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	f.requireUntouched(t)
}

func TestAttestRejectsAnyAlteredField(t *testing.T) {
	stranger := signingtest.NewParty(t).Address
	cases := map[string]struct {
		mutate func(*AttestRequest)
		want   error
	}{
		"subject":       {func(r *AttestRequest) { r.Subject = stranger }, ErrInvalidSignature},
		"requester":     {func(r *AttestRequest) { r.Requester = alice.Address }, ErrEscrowReleaseFailed},
		"reward":        {func(r *AttestRequest) { r.Reward = eth(2) }, ErrEscrowReleaseFailed},
		"data hash":     {func(r *AttestRequest) { r.DataHash = common.Hash{0xde, 0xad} }, ErrInvalidSignature},
		"payment nonce": {func(r *AttestRequest) { r.PaymentNonce = signingtest.Nonce("other") }, ErrEscrowReleaseFailed},
		"request nonce": {func(r *AttestRequest) { r.RequestNonce = signingtest.Nonce("other") }, ErrInvalidSignature},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := newIssuance("altered").request(t)
			tc.mutate(&req)
			_, err := f.engine.Attest(f.ctx, bob.Address, req)
			if !stdErrors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			f.requireUntouched(t)
		})
	}
}

func TestAttestInsufficientEscrowBurnsNothing(t *testing.T) {
	f := newFixture(t)
	iss := newIssuance("overdraw")
	iss.reward = eth(3)

	_, err := f.engine.Attest(f.ctx, bob.Address, iss.request(t))
	if !stdErrors.Is(err, ErrEscrowReleaseFailed) || !stdErrors.Is(err, escrow.ErrInsufficientLocked) {
		t.Fatalf("expected insufficient locked escrow failure, got %v", err)
	}
	f.requireUntouched(t)

	iss.reward = eth(1)
	if _, err := f.engine.Attest(f.ctx, bob.Address, iss.request(t)); err != nil {
		t.Fatalf("retry with same request nonce: %v", err)
	}
}

func TestAttestForMatchesDirectOutcome(t *testing.T) {
	f := newFixture(t)
	req := newIssuance("delegated").delegated(t, bob)

	rec, err := f.engine.AttestFor(f.ctx, relayer, req)
	if err != nil {
		t.Fatalf("attest for: %v", err)
	}
	if rec.Attester != bob.Address {
		t.Fatalf("record attester = %s, want bob", rec.Attester.Hex())
	}
	f.requireBalances(t, eth(1), eth(1))
	if ev := f.emitted(t); len(ev) != 1 || ev[0].Attester != bob.Address {
		t.Fatalf("unexpected events: %+v", ev)
	}

	if _, err := f.engine.AttestFor(f.ctx, relayer, req); !stdErrors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected relayed replay to fail, got %v", err)
	}
}

func TestAttestForRejectsDelegationMismatch(t *testing.T) {
	stranger := signingtest.NewParty(t).Address
	cases := map[string]func(*DelegatedAttest){
		"subject":       func(r *DelegatedAttest) { r.Subject = stranger },
		"attester":      func(r *DelegatedAttest) { r.Attester = alice.Address },
		"requester":     func(r *DelegatedAttest) { r.Requester = alice.Address },
		"reward":        func(r *DelegatedAttest) { r.Reward = eth(2) },
		"payment nonce": func(r *DelegatedAttest) { r.PaymentNonce = signingtest.Nonce("x") },
		"data hash":     func(r *DelegatedAttest) { r.DataHash = common.Hash{1} },
		"request nonce": func(r *DelegatedAttest) { r.RequestNonce = signingtest.Nonce("y") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := newIssuance("mismatch").delegated(t, bob)
			mutate(&req)
			_, err := f.engine.AttestFor(f.ctx, relayer, req)
			if !stdErrors.Is(err, ErrInvalidDelegation) {
				t.Fatalf("expected invalid delegation, got %v", err)
			}
			f.requireUntouched(t)
		})
	}
}

func TestAttestForSignedByAnotherPartyIsInvalidDelegation(t *testing.T) {
	f := newFixture(t)
	req := newIssuance("impostor").delegated(t, alice)
	_, err := f.engine.AttestFor(f.ctx, relayer, req)
	if xerrors.CodeOf(err) != CodeInvalidDelegation {
		t.Fatalf("expected INVALID_DELEGATION, got %v", err)
	}
	f.requireUntouched(t)
}

func TestAttestForRejectsRevocationLink(t *testing.T) {
	f := newFixture(t)
	req := newIssuance("link").delegated(t, bob)
	req.RevocationLink = common.Hash{7}
	if _, err := f.engine.AttestFor(f.ctx, relayer, req); !stdErrors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestContestReleasesRewardAndEmitsRejected(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Contest(f.ctx, bob.Address, newRejection("contest").request(t)); err != nil {
		t.Fatalf("contest: %v", err)
	}
	f.requireBalances(t, eth(1), eth(1))
	events := f.emitted(t)
	if len(events) != 1 || events[0].Kind != EventRejected || events[0].Attester != bob.Address || events[0].Requester != david.Address {
		t.Fatalf("unexpected events: %+v", events)
	}
	if f.store.Len() != 0 {
		t.Fatal("rejection must not record an attestation")
	}

	full := newRejection("contest-full")
	if err := f.engine.Contest(f.ctx, bob.Address, full.request(t)); err != nil {
		t.Fatalf("contest remainder: %v", err)
	}
	f.requireBalances(t, new(big.Int), eth(2))
}

func TestContestFromWrongCallerFails(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Contest(f.ctx, alice.Address, newRejection("contest-wrong").request(t))
	if !stdErrors.Is(err, ErrEscrowReleaseFailed) {
		t.Fatalf("expected escrow failure, got %v", err)
	}
	f.requireUntouched(t)
}

func TestContestForRelaysOnBehalfOfAttester(t *testing.T) {
	f := newFixture(t)
	req := newRejection("contest-for").delegated(t, bob)
	if err := f.engine.ContestFor(f.ctx, relayer, req); err != nil {
		t.Fatalf("contest for: %v", err)
	}
	f.requireBalances(t, eth(1), eth(1))

	if err := f.engine.ContestFor(f.ctx, relayer, req); !stdErrors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected delegation replay to fail, got %v", err)
	}
	f.requireBalances(t, eth(1), eth(1))
}

func TestContestForEscrowFailureLeavesDelegationUnburned(t *testing.T) {
	f := newFixture(t)
	contest := newRejection("contest-underfunded")
	contest.reward = eth(5)
	req := contest.delegated(t, bob)

	err := f.engine.ContestFor(f.ctx, relayer, req)
	if !stdErrors.Is(err, ErrEscrowReleaseFailed) || !stdErrors.Is(err, escrow.ErrInsufficientLocked) {
		t.Fatalf("expected insufficient locked escrow, got %v", err)
	}
	f.requireUntouched(t)

	if err := f.market.Lock(f.ctx, david.Address, eth(10)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := f.engine.ContestFor(f.ctx, relayer, req); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
	f.requireBalances(t, eth(7), eth(5))
	if n := f.store.NonceCount(); n != 1 {
		t.Fatalf("expected only the delegation digest consumed, got %d", n)
	}
	if err := f.engine.ContestFor(f.ctx, relayer, req); !stdErrors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected delegation replay to fail, got %v", err)
	}
}

func TestContestWithZeroReward(t *testing.T) {
	f := newFixture(t)
	contest := newRejection("contest-free")
	contest.reward = new(big.Int)
	req := contest.request(t)

	if err := f.engine.Contest(f.ctx, bob.Address, req); err != nil {
		t.Fatalf("zero reward contest: %v", err)
	}
	f.requireBalances(t, eth(2), new(big.Int))
	events := f.emitted(t)
	if len(events) != 1 || events[0].Kind != EventRejected {
		t.Fatalf("unexpected events: %+v", events)
	}

	err := f.engine.Contest(f.ctx, bob.Address, req)
	if !stdErrors.Is(err, ErrEscrowReleaseFailed) || !stdErrors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected the payment nonce to be burned, got %v", err)
	}
}

func TestContestReplayRejectedAfterRestart(t *testing.T) {
	f := newFixture(t)
	req := newRejection("contest-restart").request(t)
	if err := f.engine.Contest(f.ctx, bob.Address, req); err != nil {
		t.Fatalf("contest: %v", err)
	}
	if err := f.engine.Close(f.ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	market := newMarket(f.funds)
	if applied, err := market.Seed(f.ctx, david.Address, eth(98), eth(2)); err != nil || applied {
		t.Fatalf("seed must keep persisted balances: applied=%v err=%v", applied, err)
	}
	engine, err := New(f.ctx, Config{
		Address:         signingtest.EngineAddress,
		Domain:          signingtest.EngineDomain(),
		Initializer:     initializer,
		EscrowAuthority: signingtest.EscrowAddress,
	}, f.store, WithEscrow(market))
	if err != nil {
		t.Fatalf("restart engine: %v", err)
	}
	err = engine.Contest(f.ctx, bob.Address, req)
	if !stdErrors.Is(err, ErrEscrowReleaseFailed) || !stdErrors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected replay to fail after restart, got %v", err)
	}
	f.requireBalances(t, eth(1), eth(1))
}

func TestContestForRejectsDelegationMismatch(t *testing.T) {
	cases := map[string]func(*DelegatedContest){
		"attester":      func(r *DelegatedContest) { r.Attester = alice.Address },
		"requester":     func(r *DelegatedContest) { r.Requester = alice.Address },
		"reward":        func(r *DelegatedContest) { r.Reward = eth(2) },
		"payment nonce": func(r *DelegatedContest) { r.PaymentNonce = signingtest.Nonce("z") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := newRejection("contest-mismatch").delegated(t, bob)
			mutate(&req)
			if err := f.engine.ContestFor(f.ctx, relayer, req); !stdErrors.Is(err, ErrInvalidDelegation) {
				t.Fatalf("expected invalid delegation, got %v", err)
			}
			f.requireUntouched(t)
		})
	}
}
