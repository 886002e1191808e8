package escrow

import (
	"context"
	"fmt"
	"sync"

	"Attest-Chain/internal/nonce"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Account 是一个托管账户的持久化状态。
type Account struct {
	Liquid *uint256.Int
	Locked *uint256.Int
}

// Clone returns a deep copy; nil balances become zero.
func (a Account) Clone() Account {
	out := Account{Liquid: new(uint256.Int), Locked: new(uint256.Int)}
	if a.Liquid != nil {
		out.Liquid.Set(a.Liquid)
	}
	if a.Locked != nil {
		out.Locked.Set(a.Locked)
	}
	return out
}

// Store 持久化托管余额与已消费的 ReleaseTokens nonce。Account 只读取已提交的状态。
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Account(ctx context.Context, account common.Address) (Account, bool, error)
	Close() error
}

// Tx 是一次托管写入。写入在 Commit 之前对其他读者不可见；
// Rollback 在 Commit 之后调用是安全的空操作。
type Tx interface {
	nonce.Ledger
	Account(ctx context.Context, account common.Address) (Account, bool, error)
	PutAccount(ctx context.Context, account common.Address, state Account) error
	Commit() error
	Rollback() error
}

// MemoryStore keeps escrow state in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[common.Address]Account
	nonces   *nonce.Set
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[common.Address]Account), nonces: nonce.NewSet()}
}

// Begin implements Store.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{store: s, writes: make(map[common.Address]Account), staged: s.nonces.Stage()}, nil
}

// Account implements Store.
func (s *MemoryStore) Account(_ context.Context, account common.Address) (Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.accounts[account]
	return state.Clone(), ok, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store  *MemoryStore
	writes map[common.Address]Account
	staged *nonce.Staged
	done   bool
}

func (t *memoryTx) NonceUsed(ctx context.Context, key nonce.Key) (bool, error) {
	return t.staged.NonceUsed(ctx, key)
}

func (t *memoryTx) ConsumeNonce(ctx context.Context, key nonce.Key) error {
	return t.staged.ConsumeNonce(ctx, key)
}

func (t *memoryTx) Account(ctx context.Context, account common.Address) (Account, bool, error) {
	if state, ok := t.writes[account]; ok {
		return state.Clone(), true, nil
	}
	return t.store.Account(ctx, account)
}

func (t *memoryTx) PutAccount(_ context.Context, account common.Address, state Account) error {
	if t.done {
		return fmt.Errorf("escrow transaction already closed")
	}
	t.writes[account] = state.Clone()
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("escrow transaction already closed")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.staged.Commit(); err != nil {
		return err
	}
	for account, state := range t.writes {
		t.store.accounts[account] = state
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.staged.Discard()
	return nil
}
