// Package kv implements the ledger store on an embedded Pebble database.
//
// Each ledger transaction is a Pebble indexed batch, which gives the
// transaction read-your-writes over the committed state. Transactions are
// serialized by the store, so a batch never races another writer.
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

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/ledger"
	"Attest-Chain/internal/nonce"
)

var (
	prefixAttestation = []byte("a/")
	prefixLink        = []byte("l/")
	prefixNonce       = []byte("n/")
	keyMeta           = []byte("m/engine")
	keySequence       = []byte("s/attestation")
)

// Options tunes the underlying Pebble database.
type Options struct {
	// CacheSize is the block cache size in bytes.
	CacheSize int64
	// NoSync commits batches without fsync. Only suitable for tests.
	NoSync bool
}

// Store is a Pebble-backed ledger.Store.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
	write *pebble.WriteOptions
	mu    sync.Mutex
}

// Open opens or creates a store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 32 << 20
	}
	cache := pebble.NewCache(opts.CacheSize)
	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("打开 Pebble 失败: %w", err)
	}
	write := pebble.Sync
	if opts.NoSync {
		write = pebble.NoSync
	}
	return &Store{db: db, cache: cache, write: write}, nil
}

// Begin implements ledger.Store. It blocks until the previous transaction
// has committed or rolled back.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{store: s, batch: s.db.NewIndexedBatch()}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.cache.Unref()
	return err
}

type tx struct {
	store *Store
	batch *pebble.Batch
	done  bool
}

func (t *tx) NonceUsed(_ context.Context, key nonce.Key) (bool, error) {
	_, found, err := t.get(nonceKey(key))
	return found, err
}

func (t *tx) ConsumeNonce(ctx context.Context, key nonce.Key) error {
	used, err := t.NonceUsed(ctx, key)
	if err != nil {
		return err
	}
	if used {
		return nonce.ErrAlreadyUsed.With(xerrors.WithMetadata("nonce", key.String()))
	}
	stamp := make([]byte, 8)
	binary.BigEndian.PutUint64(stamp, uint64(time.Now().UnixMilli()))
	return t.batch.Set(nonceKey(key), stamp, nil)
}

func (t *tx) InsertAttestation(_ context.Context, a *ledger.Attestation) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "attestation 不能为空")
	}
	raw, _, err := t.get(keySequence)
	if err != nil {
		return err
	}
	var seq uint64
	if len(raw) == 8 {
		seq = binary.BigEndian.Uint64(raw)
	}
	seq++
	a.ID = seq

	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, seq)
	if err := t.batch.Set(keySequence, next, nil); err != nil {
		return err
	}
	return t.putJSON(attestationKey(seq), a)
}

func (t *tx) Attestation(_ context.Context, id uint64) (ledger.Attestation, error) {
	var rec ledger.Attestation
	found, err := t.getJSON(attestationKey(id), &rec)
	if err != nil {
		return ledger.Attestation{}, err
	}
	if !found {
		return ledger.Attestation{}, ledger.ErrNotFound.With(xerrors.WithMetadata("id", fmt.Sprint(id)))
	}
	return rec, nil
}

func (t *tx) MarkRevoked(ctx context.Context, id uint64) error {
	rec, err := t.Attestation(ctx, id)
	if err != nil {
		return err
	}
	rec.Revoked = true
	return t.putJSON(attestationKey(id), rec)
}

func (t *tx) Link(_ context.Context, link common.Hash) (ledger.Revocation, bool, error) {
	var rev ledger.Revocation
	found, err := t.getJSON(linkKey(link), &rev)
	if err != nil || !found {
		return ledger.Revocation{}, false, err
	}
	return rev, true, nil
}

func (t *tx) PutLink(_ context.Context, rev ledger.Revocation) error {
	return t.putJSON(linkKey(rev.Link), rev)
}

func (t *tx) Meta(_ context.Context) (ledger.Meta, bool, error) {
	var meta ledger.Meta
	found, err := t.getJSON(keyMeta, &meta)
	if err != nil || !found {
		return ledger.Meta{}, false, err
	}
	return meta, true, nil
}

func (t *tx) PutMeta(_ context.Context, meta ledger.Meta) error {
	return t.putJSON(keyMeta, meta)
}

func (t *tx) Commit() error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	defer t.finish()
	if err := t.batch.Commit(t.store.write); err != nil {
		return fmt.Errorf("提交 Pebble 批次失败: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	_ = t.batch.Close()
	t.store.mu.Unlock()
}

// get returns a copy of the value since Pebble invalidates it on close.
func (t *tx) get(key []byte) ([]byte, bool, error) {
	value, closer, err := t.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取 Pebble 失败: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (t *tx) getJSON(key []byte, dst any) (bool, error) {
	raw, found, err := t.get(key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("解析 Pebble 记录失败: %w", err)
	}
	return true, nil
}

func (t *tx) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("编码 Pebble 记录失败: %w", err)
	}
	return t.batch.Set(key, raw, nil)
}

func attestationKey(id uint64) []byte {
	key := make([]byte, len(prefixAttestation)+8)
	copy(key, prefixAttestation)
	binary.BigEndian.PutUint64(key[len(prefixAttestation):], id)
	return key
}

func linkKey(link common.Hash) []byte {
	return append(append([]byte{}, prefixLink...), link.Bytes()...)
}

func nonceKey(k nonce.Key) []byte {
	key := make([]byte, 0, len(prefixNonce)+common.AddressLength+1+common.HashLength)
	key = append(key, prefixNonce...)
	key = append(key, k.Signer.Bytes()...)
	key = append(key, byte(k.Purpose))
	return append(key, k.Value.Bytes()...)
}

// Attestations returns the number of attestations ever inserted.
func (s *Store) Attestations() (uint64, error) {
	value, closer, err := s.db.Get(keySequence)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(value), nil
}
