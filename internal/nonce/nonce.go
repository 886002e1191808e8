package nonce

import (
	"context"
	"fmt"
	"sync"

	xerrors "Attest-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Purpose separates nonce spaces so the same value can be used once per
// purpose by the same signer.
type Purpose uint8

const (
	PurposeAttestationRequest Purpose = iota + 1
	PurposeReleaseTokens
	PurposeDelegation
)

func (p Purpose) String() string {
	switch p {
	case PurposeAttestationRequest:
		return "attestation_request"
	case PurposeReleaseTokens:
		return "release_tokens"
	case PurposeDelegation:
		return "delegation"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

// Key identifies one consumable nonce.
type Key struct {
	Signer  common.Address
	Purpose Purpose
	Value   common.Hash
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Signer.Hex(), k.Purpose, k.Value.Hex())
}

const CodeNonceAlreadyUsed xerrors.Code = "NONCE_ALREADY_USED"

// ErrAlreadyUsed is returned when a nonce has been consumed before.
var ErrAlreadyUsed = xerrors.New(CodeNonceAlreadyUsed, "nonce already used")

func init() {
	xerrors.Register(CodeNonceAlreadyUsed, xerrors.Attributes{
		Message:  "nonce already used",
		Severity: xerrors.SeverityInfo,
	})
}

// Ledger is the transactional view a reservation is made against. Writes made
// through ConsumeNonce become visible to others only when the surrounding
// transaction commits.
type Ledger interface {
	NonceUsed(ctx context.Context, key Key) (bool, error)
	ConsumeNonce(ctx context.Context, key Key) error
}

// Reserve consumes key in l, failing with ErrAlreadyUsed on replay.
func Reserve(ctx context.Context, l Ledger, key Key) error {
	used, err := l.NonceUsed(ctx, key)
	if err != nil {
		return err
	}
	if used {
		return ErrAlreadyUsed.With(
			xerrors.WithMetadata("signer", key.Signer.Hex()),
			xerrors.WithMetadata("purpose", key.Purpose.String()),
			xerrors.WithMetadata("nonce", key.Value.Hex()),
		)
	}
	return l.ConsumeNonce(ctx, key)
}

// Set is an in-memory nonce space. The zero value is not usable; use NewSet.
type Set struct {
	mu   sync.RWMutex
	used map[Key]struct{}
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{used: make(map[Key]struct{})}
}

// Used reports whether key has been committed.
func (s *Set) Used(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.used[key]
	return ok
}

// Len returns the number of committed nonces.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.used)
}

// Stage opens a batch of reservations that only land in the set on Commit.
func (s *Set) Stage() *Staged {
	return &Staged{set: s, pending: make(map[Key]struct{})}
}

// Staged collects reservations against a Set. It implements Ledger.
type Staged struct {
	set     *Set
	pending map[Key]struct{}
	done    bool
}

// NonceUsed implements Ledger.
func (s *Staged) NonceUsed(_ context.Context, key Key) (bool, error) {
	if _, ok := s.pending[key]; ok {
		return true, nil
	}
	return s.set.Used(key), nil
}

// ConsumeNonce implements Ledger.
func (s *Staged) ConsumeNonce(_ context.Context, key Key) error {
	if s.done {
		return fmt.Errorf("nonce batch already closed")
	}
	s.pending[key] = struct{}{}
	return nil
}

// Commit publishes every staged reservation. It fails without side effects if
// another writer consumed one of them first.
func (s *Staged) Commit() error {
	if s.done {
		return fmt.Errorf("nonce batch already closed")
	}
	s.done = true

	s.set.mu.Lock()
	defer s.set.mu.Unlock()
	for key := range s.pending {
		if _, ok := s.set.used[key]; ok {
			return ErrAlreadyUsed.With(xerrors.WithMetadata("nonce", key.String()))
		}
	}
	for key := range s.pending {
		s.set.used[key] = struct{}{}
	}
	return nil
}

// Discard drops every staged reservation.
func (s *Staged) Discard() {
	s.done = true
	s.pending = nil
}
