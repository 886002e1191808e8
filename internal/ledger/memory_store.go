package ledger

import (
	"context"
	"sync"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/nonce"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 以内存方式保存账本状态，主要用于测试和单机部署。
type MemoryStore struct {
	mu           sync.RWMutex
	attestations map[uint64]Attestation
	links        map[common.Hash]Revocation
	meta         *Meta
	lastID       uint64
	nonces       *nonce.Set
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attestations: make(map[uint64]Attestation),
		links:        make(map[common.Hash]Revocation),
		nonces:       nonce.NewSet(),
	}
}

// Begin 实现 Store 接口。写入在 Commit 前对其他事务不可见。
func (m *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	lastID := m.lastID
	m.mu.RUnlock()
	return &memoryTx{
		store:        m,
		nonces:       m.nonces.Stage(),
		attestations: make(map[uint64]Attestation),
		links:        make(map[common.Hash]Revocation),
		baseID:       lastID,
		lastID:       lastID,
	}, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// Len 返回已提交的记录数。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attestations)
}

// NonceCount 返回已消耗的 nonce 数量。
func (m *MemoryStore) NonceCount() int {
	return m.nonces.Len()
}

type memoryTx struct {
	store        *MemoryStore
	nonces       *nonce.Staged
	attestations map[uint64]Attestation
	links        map[common.Hash]Revocation
	meta         *Meta
	baseID       uint64
	lastID       uint64
	done         bool
}

func (t *memoryTx) NonceUsed(ctx context.Context, key nonce.Key) (bool, error) {
	return t.nonces.NonceUsed(ctx, key)
}

func (t *memoryTx) ConsumeNonce(ctx context.Context, key nonce.Key) error {
	return t.nonces.ConsumeNonce(ctx, key)
}

func (t *memoryTx) InsertAttestation(_ context.Context, a *Attestation) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "attestation 不能为空")
	}
	t.lastID++
	a.ID = t.lastID
	t.attestations[a.ID] = *a
	return nil
}

func (t *memoryTx) Attestation(_ context.Context, id uint64) (Attestation, error) {
	if a, ok := t.attestations[id]; ok {
		return a, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if a, ok := t.store.attestations[id]; ok {
		return a, nil
	}
	return Attestation{}, ErrNotFound
}

func (t *memoryTx) MarkRevoked(ctx context.Context, id uint64) error {
	a, err := t.Attestation(ctx, id)
	if err != nil {
		return err
	}
	a.Revoked = true
	t.attestations[id] = a
	return nil
}

func (t *memoryTx) Link(_ context.Context, link common.Hash) (Revocation, bool, error) {
	if rev, ok := t.links[link]; ok {
		return rev, true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rev, ok := t.store.links[link]
	return rev, ok, nil
}

func (t *memoryTx) PutLink(_ context.Context, rev Revocation) error {
	t.links[rev.Link] = rev
	return nil
}

func (t *memoryTx) Meta(_ context.Context) (Meta, bool, error) {
	if t.meta != nil {
		return *t.meta, true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if t.store.meta == nil {
		return Meta{}, false, nil
	}
	return *t.store.meta, true, nil
}

func (t *memoryTx) PutMeta(_ context.Context, meta Meta) error {
	t.meta = &meta
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	t.done = true

	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.lastID > t.baseID && m.lastID != t.baseID {
		t.nonces.Discard()
		return xerrors.New(xerrors.CodeConflict, "attestation id 冲突")
	}
	if err := t.nonces.Commit(); err != nil {
		return err
	}
	for id, a := range t.attestations {
		m.attestations[id] = a
	}
	for link, rev := range t.links {
		m.links[link] = rev
	}
	if t.meta != nil {
		meta := *t.meta
		m.meta = &meta
	}
	if t.lastID > t.baseID {
		m.lastID = t.lastID
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.nonces.Discard()
	return nil
}
