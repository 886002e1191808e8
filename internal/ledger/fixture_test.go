package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/escrow"
	"Attest-Chain/internal/signing"
	"Attest-Chain/internal/signing/signingtest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	alice = signingtest.Alice
	bob   = signingtest.Bob
	david = signingtest.David
	ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	initializer = common.HexToAddress("0x00000000000000000000000000000000001417a1")
	relayer     = common.HexToAddress("0x000000000000000000000000000000000000ca71")
)

func eth(n int64) *big.Int { return new(big.Int).Mul(ether, big.NewInt(n)) }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

type opRecorder struct {
	mu    sync.Mutex
	codes map[string][]xerrors.Code
}

func (r *opRecorder) ObserveOperation(op string, code xerrors.Code, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codes == nil {
		r.codes = make(map[string][]xerrors.Code)
	}
	r.codes[op] = append(r.codes[op], code)
}

type fixture struct {
	ctx      context.Context
	store    *MemoryStore
	funds    *escrow.MemoryStore
	market   *escrow.Marketplace
	engine   *Engine
	events   *eventLog
	recorder *opRecorder
}

// newFixture funds David with 100 ether and locks two of them in escrow.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	funds := escrow.NewMemoryStore()
	market := newMarket(funds)
	if err := market.Credit(ctx, david.Address, eth(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := market.Lock(ctx, david.Address, eth(2)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	f := &fixture{
		ctx:      ctx,
		store:    NewMemoryStore(),
		funds:    funds,
		market:   market,
		events:   &eventLog{},
		recorder: &opRecorder{},
	}
	base := []Option{
		WithEscrow(market),
		WithEmitter(f.events),
		WithRecorder(f.recorder),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	}
	engine, err := New(ctx, Config{
		Address:         signingtest.EngineAddress,
		Domain:          signingtest.EngineDomain(),
		Initializer:     initializer,
		EscrowAuthority: signingtest.EscrowAddress,
	}, f.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return f
}

func newMarket(funds escrow.Store) *escrow.Marketplace {
	return escrow.New(signingtest.EscrowAddress, signingtest.EngineAddress, signingtest.EscrowDomain(), escrow.WithStore(funds))
}

// emitted waits for the engine's event backlog and returns what was emitted.
func (f *fixture) emitted(t *testing.T) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, 2*time.Second)
	defer cancel()
	if err := f.engine.Flush(ctx); err != nil {
		t.Fatalf("flush events: %v", err)
	}
	return f.events.all()
}

func (f *fixture) requireBalances(t *testing.T, locked, payee *big.Int) {
	t.Helper()
	got, err := f.market.LockedBalance(f.ctx, david.Address)
	if err != nil || got.Cmp(locked) != 0 {
		t.Fatalf("locked(david) = %s, want %s (%v)", got, locked, err)
	}
	got, err = f.market.Balance(f.ctx, bob.Address)
	if err != nil || got.Cmp(payee) != 0 {
		t.Fatalf("liquid(bob) = %s, want %s (%v)", got, payee, err)
	}
}

func (f *fixture) requireUntouched(t *testing.T) {
	t.Helper()
	f.requireBalances(t, eth(2), new(big.Int))
	if f.store.Len() != 0 {
		t.Fatalf("expected no attestations, got %d", f.store.Len())
	}
	if f.store.NonceCount() != 0 {
		t.Fatalf("expected no consumed nonces, got %d", f.store.NonceCount())
	}
	if n := len(f.emitted(t)); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

// issuance describes one attestation request; request() signs it as the
// subject and requester would.
type issuance struct {
	subject      signingtest.Party
	requester    signingtest.Party
	attester     common.Address
	reward       *big.Int
	dataHash     common.Hash
	requestNonce common.Hash
	paymentNonce common.Hash
}

func newIssuance(label string) issuance {
	return issuance{
		subject:      alice,
		requester:    david,
		attester:     bob.Address,
		reward:       eth(1),
		dataHash:     crypto.Keccak256Hash([]byte("phone"), []byte("email")),
		requestNonce: signingtest.Nonce(label + "/request"),
		paymentNonce: signingtest.Nonce(label + "/payment"),
	}
}

func (i issuance) request(t *testing.T) AttestRequest {
	t.Helper()
	subjectSig := i.subject.Sign(t, signingtest.EngineDomain(), signing.AttestationRequest{
		DataHash: i.dataHash,
		Nonce:    i.requestNonce,
	})
	requesterSig := i.requester.Sign(t, signingtest.EscrowDomain(), signing.ReleaseTokens{
		Payer:  i.requester.Address,
		Payee:  i.attester,
		Amount: i.reward,
		Nonce:  i.paymentNonce,
	})
	return AttestRequest{
		Subject:      i.subject.Address,
		Requester:    i.requester.Address,
		Reward:       i.reward,
		PaymentNonce: i.paymentNonce,
		RequesterSig: requesterSig,
		DataHash:     i.dataHash,
		RequestNonce: i.requestNonce,
		SubjectSig:   subjectSig,
	}
}

func (i issuance) delegated(t *testing.T, signer signingtest.Party) DelegatedAttest {
	t.Helper()
	sig := signer.Sign(t, signingtest.EngineDomain(), signing.AttestFor{
		Attester:     i.attester,
		Subject:      i.subject.Address,
		Requester:    i.requester.Address,
		Reward:       i.reward,
		PaymentNonce: i.paymentNonce,
		DataHash:     i.dataHash,
		RequestNonce: i.requestNonce,
	})
	return DelegatedAttest{AttestRequest: i.request(t), Attester: i.attester, DelegationSig: sig}
}

type rejection struct {
	requester    signingtest.Party
	attester     common.Address
	reward       *big.Int
	paymentNonce common.Hash
}

func newRejection(label string) rejection {
	return rejection{requester: david, attester: bob.Address, reward: eth(1), paymentNonce: signingtest.Nonce(label + "/payment")}
}

func (r rejection) request(t *testing.T) ContestRequest {
	t.Helper()
	sig := r.requester.Sign(t, signingtest.EscrowDomain(), signing.ReleaseTokens{
		Payer:  r.requester.Address,
		Payee:  r.attester,
		Amount: r.reward,
		Nonce:  r.paymentNonce,
	})
	return ContestRequest{Requester: r.requester.Address, Reward: r.reward, PaymentNonce: r.paymentNonce, RequesterSig: sig}
}

func (r rejection) delegated(t *testing.T, signer signingtest.Party) DelegatedContest {
	t.Helper()
	sig := signer.Sign(t, signingtest.EngineDomain(), signing.ContestFor{
		Attester:     r.attester,
		Requester:    r.requester.Address,
		Reward:       r.reward,
		PaymentNonce: r.paymentNonce,
	})
	return DelegatedContest{ContestRequest: r.request(t), Attester: r.attester, DelegationSig: sig}
}

func revokeDelegation(t *testing.T, signer signingtest.Party, link common.Hash) []byte {
	t.Helper()
	return signer.Sign(t, signingtest.EngineDomain(), signing.RevokeAttestationFor{Link: link})
}
