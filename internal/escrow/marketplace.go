// Package escrow holds requester funds and releases them against signed
// ReleaseTokens authorizations.
package escrow

import (
	"context"
	"math/big"
	"sync"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/nonce"
	"Attest-Chain/internal/signing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	CodeInsufficientLocked xerrors.Code = "ESCROW_INSUFFICIENT_LOCKED"
	CodeInsufficientFunds  xerrors.Code = "ESCROW_INSUFFICIENT_FUNDS"
	CodeSettlementClosed   xerrors.Code = "ESCROW_SETTLEMENT_CLOSED"
)

var (
	// ErrInsufficientLocked 表示付款方锁定余额不足以完成释放。
	ErrInsufficientLocked = xerrors.New(CodeInsufficientLocked, "insufficient locked balance")
	// ErrInsufficientFunds 表示可用余额不足以锁定。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient liquid balance")
	// ErrSettlementClosed 表示结算已经提交或撤销。
	ErrSettlementClosed = xerrors.New(CodeSettlementClosed, "settlement already closed")
	// ErrUnauthorized 表示调用方不是被授权的引擎。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "caller may not release escrow")
	// ErrInvalidAmount 表示金额为负或超出 256 位。
	ErrInvalidAmount = xerrors.New(xerrors.CodeInvalidArgument, "amount out of range")
)

func init() {
	xerrors.Register(CodeInsufficientLocked, xerrors.Attributes{
		Message:  "insufficient locked balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient liquid balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSettlementClosed, xerrors.Attributes{
		Message:  "settlement already closed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Settlement is a validated release whose effects are held until Commit.
// Abort discards them. Other releases wait until the settlement is closed.
type Settlement interface {
	Commit() error
	Abort()
}

// Marketplace keeps liquid and locked balances per account and releases
// locked funds against a payer's ReleaseTokens signature. State lives in a
// Store; balance reads only observe committed writes.
type Marketplace struct {
	mu        sync.Mutex
	address   common.Address
	authority common.Address
	domain    signing.Domain
	store     Store
}

// Option configures a Marketplace.
type Option func(*Marketplace)

// WithStore persists balances and consumed nonces in store.
func WithStore(store Store) Option {
	return func(m *Marketplace) {
		if store != nil {
			m.store = store
		}
	}
}

// New creates a marketplace living at address. Only authority may release
// funds; domain is re-bound to address.
func New(address, authority common.Address, domain signing.Domain, opts ...Option) *Marketplace {
	m := &Marketplace{
		address:   address,
		authority: authority,
		domain:    domain.At(address),
		store:     NewMemoryStore(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Address returns the marketplace address.
func (m *Marketplace) Address() common.Address { return m.address }

// Domain returns the signing domain ReleaseTokens messages are verified under.
func (m *Marketplace) Domain() signing.Domain { return m.domain.At(m.address) }

// Credit adds amount to the liquid balance of account.
func (m *Marketplace) Credit(ctx context.Context, account common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	return m.update(ctx, account, func(state *Account) error {
		sum, overflow := new(uint256.Int).AddOverflow(state.Liquid, value)
		if overflow {
			return ErrInvalidAmount.With(xerrors.WithMetadata("account", account.Hex()))
		}
		state.Liquid = sum
		return nil
	})
}

// Lock moves amount from account's liquid balance into escrow.
func (m *Marketplace) Lock(ctx context.Context, account common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	return m.update(ctx, account, func(state *Account) error {
		if state.Liquid.Lt(value) {
			return ErrInsufficientFunds.With(xerrors.WithMetadata("account", account.Hex()))
		}
		locked, overflow := new(uint256.Int).AddOverflow(state.Locked, value)
		if overflow {
			return ErrInvalidAmount.With(xerrors.WithMetadata("account", account.Hex()))
		}
		state.Liquid = new(uint256.Int).Sub(state.Liquid, value)
		state.Locked = locked
		return nil
	})
}

// Seed sets the balances of account unless the store already knows it. It
// reports whether the seed was applied, so restarts keep persisted balances.
func (m *Marketplace) Seed(ctx context.Context, account common.Address, liquid, locked *big.Int) (bool, error) {
	liquidValue, err := toUint256(liquid)
	if err != nil {
		return false, err
	}
	lockedValue, err := toUint256(locked)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, exists, err := tx.Account(ctx, account); err != nil || exists {
		return false, err
	}
	if err := tx.PutAccount(ctx, account, Account{Liquid: liquidValue, Locked: lockedValue}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// LockedBalance returns the committed escrowed balance of account.
func (m *Marketplace) LockedBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	state, _, err := m.store.Account(ctx, account)
	if err != nil {
		return nil, err
	}
	return state.Clone().Locked.ToBig(), nil
}

// Balance returns the committed liquid balance of account.
func (m *Marketplace) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	state, _, err := m.store.Account(ctx, account)
	if err != nil {
		return nil, err
	}
	return state.Clone().Liquid.ToBig(), nil
}

func (m *Marketplace) update(ctx context.Context, account common.Address, apply func(*Account) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	current, _, err := tx.Account(ctx, account)
	if err != nil {
		return err
	}
	state := current.Clone()
	if err := apply(&state); err != nil {
		return err
	}
	if err := tx.PutAccount(ctx, account, state); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseTokens verifies and settles a release in one step.
func (m *Marketplace) ReleaseTokens(ctx context.Context, caller common.Address, rel signing.ReleaseTokens, sig []byte) error {
	settlement, err := m.PrepareRelease(ctx, caller, rel, sig)
	if err != nil {
		return err
	}
	return settlement.Commit()
}

// PrepareRelease validates a release and stages it in a store transaction:
// the payer's locked balance is debited, the payee credited and the nonce
// consumed. Nothing is visible to readers until Commit. The marketplace stays
// locked until the settlement is closed, so callers must always Commit or
// Abort.
func (m *Marketplace) PrepareRelease(ctx context.Context, caller common.Address, rel signing.ReleaseTokens, sig []byte) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if caller != m.authority {
		return nil, ErrUnauthorized.With(xerrors.WithMetadata("caller", caller.Hex()))
	}
	amount, err := toUint256(rel.Amount)
	if err != nil {
		return nil, err
	}
	if err := signing.Verify(m.Domain(), rel, sig, rel.Payer); err != nil {
		return nil, err
	}

	m.mu.Lock()
	// The commit happens after the caller's own ledger commit and must not be
	// undone by the request context going away in between.
	txCtx := context.WithoutCancel(ctx)
	tx, err := m.store.Begin(txCtx)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.stage(txCtx, tx, rel, amount); err != nil {
		_ = tx.Rollback()
		m.mu.Unlock()
		return nil, err
	}
	return &settlement{market: m, tx: tx}, nil
}

func (m *Marketplace) stage(ctx context.Context, tx Tx, rel signing.ReleaseTokens, amount *uint256.Int) error {
	key := nonce.Key{Signer: rel.Payer, Purpose: nonce.PurposeReleaseTokens, Value: rel.Nonce}
	if err := nonce.Reserve(ctx, tx, key); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}

	payer, _, err := tx.Account(ctx, rel.Payer)
	if err != nil {
		return err
	}
	payer = payer.Clone()
	if payer.Locked.Lt(amount) {
		return ErrInsufficientLocked.With(
			xerrors.WithMetadata("payer", rel.Payer.Hex()),
			xerrors.WithMetadata("locked", payer.Locked.Dec()),
			xerrors.WithMetadata("amount", amount.Dec()),
		)
	}
	payer.Locked = new(uint256.Int).Sub(payer.Locked, amount)
	if err := tx.PutAccount(ctx, rel.Payer, payer); err != nil {
		return err
	}

	payee, _, err := tx.Account(ctx, rel.Payee)
	if err != nil {
		return err
	}
	payee = payee.Clone()
	// bounded by the credited supply, cannot overflow
	payee.Liquid = new(uint256.Int).Add(payee.Liquid, amount)
	return tx.PutAccount(ctx, rel.Payee, payee)
}

type settlement struct {
	market *Marketplace
	tx     Tx
	closed bool
}

func (s *settlement) Commit() error {
	if s.closed {
		return ErrSettlementClosed
	}
	s.closed = true
	defer s.market.mu.Unlock()
	if err := s.tx.Commit(); err != nil {
		_ = s.tx.Rollback()
		return err
	}
	return nil
}

func (s *settlement) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	defer s.market.mu.Unlock()
	_ = s.tx.Rollback()
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount.With(xerrors.WithMetadata("amount", amount.String()))
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrInvalidAmount.With(xerrors.WithMetadata("amount", amount.String()))
	}
	return value, nil
}
