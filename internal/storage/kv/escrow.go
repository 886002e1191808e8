package kv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/escrow"
	"Attest-Chain/internal/nonce"
)

var (
	prefixEscrowAccount = []byte("e/a/")
	prefixEscrowNonce   = []byte("e/n/")
)

// EscrowStore keeps escrow balances and release nonces in the same Pebble
// database as the ledger, under their own key prefixes.
type EscrowStore struct {
	store *Store
	mu    sync.Mutex
}

// Escrow returns the escrow view of s. It shares the database and is closed
// together with s.
func (s *Store) Escrow() *EscrowStore {
	return &EscrowStore{store: s}
}

type escrowRecord struct {
	Liquid string `json:"liquid"`
	Locked string `json:"locked"`
}

// Begin implements escrow.Store.
func (e *EscrowStore) Begin(ctx context.Context) (escrow.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	return &escrowTx{owner: e, batch: e.store.db.NewIndexedBatch()}, nil
}

// Account implements escrow.Store and reads committed state only.
func (e *EscrowStore) Account(_ context.Context, account common.Address) (escrow.Account, bool, error) {
	value, closer, err := e.store.db.Get(escrowAccountKey(account))
	if errors.Is(err, pebble.ErrNotFound) {
		return escrow.Account{}.Clone(), false, nil
	}
	if err != nil {
		return escrow.Account{}, false, fmt.Errorf("读取托管账户失败: %w", err)
	}
	defer closer.Close()
	state, err := decodeEscrowAccount(value)
	return state, err == nil, err
}

// Close is a no-op; the parent Store owns the database.
func (e *EscrowStore) Close() error { return nil }

type escrowTx struct {
	owner *EscrowStore
	batch *pebble.Batch
	done  bool
}

func (t *escrowTx) NonceUsed(_ context.Context, key nonce.Key) (bool, error) {
	_, closer, err := t.batch.Get(escrowNonceKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("读取托管 nonce 失败: %w", err)
	}
	closer.Close()
	return true, nil
}

func (t *escrowTx) ConsumeNonce(ctx context.Context, key nonce.Key) error {
	used, err := t.NonceUsed(ctx, key)
	if err != nil {
		return err
	}
	if used {
		return nonce.ErrAlreadyUsed.With(xerrors.WithMetadata("nonce", key.String()))
	}
	stamp := make([]byte, 8)
	binary.BigEndian.PutUint64(stamp, uint64(time.Now().UnixMilli()))
	return t.batch.Set(escrowNonceKey(key), stamp, nil)
}

func (t *escrowTx) Account(_ context.Context, account common.Address) (escrow.Account, bool, error) {
	value, closer, err := t.batch.Get(escrowAccountKey(account))
	if errors.Is(err, pebble.ErrNotFound) {
		return escrow.Account{}.Clone(), false, nil
	}
	if err != nil {
		return escrow.Account{}, false, fmt.Errorf("读取托管账户失败: %w", err)
	}
	defer closer.Close()
	state, err := decodeEscrowAccount(value)
	return state, err == nil, err
}

func (t *escrowTx) PutAccount(_ context.Context, account common.Address, state escrow.Account) error {
	state = state.Clone()
	raw, err := json.Marshal(escrowRecord{Liquid: state.Liquid.Dec(), Locked: state.Locked.Dec()})
	if err != nil {
		return fmt.Errorf("编码托管账户失败: %w", err)
	}
	return t.batch.Set(escrowAccountKey(account), raw, nil)
}

func (t *escrowTx) Commit() error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "托管事务已结束")
	}
	defer t.finish()
	if err := t.batch.Commit(t.owner.store.write); err != nil {
		return fmt.Errorf("提交托管批次失败: %w", err)
	}
	return nil
}

func (t *escrowTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *escrowTx) finish() {
	t.done = true
	_ = t.batch.Close()
	t.owner.mu.Unlock()
}

func decodeEscrowAccount(raw []byte) (escrow.Account, error) {
	var rec escrowRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return escrow.Account{}, fmt.Errorf("解析托管账户失败: %w", err)
	}
	liquid, err := uint256.FromDecimal(rec.Liquid)
	if err != nil {
		return escrow.Account{}, fmt.Errorf("解析可用余额失败: %w", err)
	}
	locked, err := uint256.FromDecimal(rec.Locked)
	if err != nil {
		return escrow.Account{}, fmt.Errorf("解析锁定余额失败: %w", err)
	}
	return escrow.Account{Liquid: liquid, Locked: locked}, nil
}

func escrowAccountKey(account common.Address) []byte {
	return append(append([]byte{}, prefixEscrowAccount...), account.Bytes()...)
}

func escrowNonceKey(k nonce.Key) []byte {
	key := make([]byte, 0, len(prefixEscrowNonce)+common.AddressLength+1+common.HashLength)
	key = append(key, prefixEscrowNonce...)
	key = append(key, k.Signer.Bytes()...)
	key = append(key, byte(k.Purpose))
	return append(key, k.Value.Bytes()...)
}
