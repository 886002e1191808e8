package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gomysql "github.com/go-sql-driver/mysql"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/ledger"
	"Attest-Chain/internal/nonce"
)

// Config 描述 MySQL 连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

const (
	selectNonceSQL = `SELECT 1 FROM consumed_nonces WHERE signer = ? AND purpose = ? AND nonce = ? LIMIT 1`
	insertNonceSQL = `INSERT INTO consumed_nonces (signer, purpose, nonce, consumed_at) VALUES (?, ?, ?, ?)`

	insertAttestationSQL = `INSERT INTO attestations
    (subject, attester, requester, data_hash, revocation_link, revoked, migrated, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	selectAttestationSQL = `SELECT id, subject, attester, requester, data_hash, revocation_link, revoked, migrated, created_at
    FROM attestations WHERE id = ?`
	markRevokedSQL = `UPDATE attestations SET revoked = 1 WHERE id = ?`

	selectLinkSQL = `SELECT attestation_id, attester, revoked, revoked_at FROM revocation_links WHERE link = ?`
	upsertLinkSQL = `INSERT INTO revocation_links (link, attestation_id, attester, revoked, revoked_at)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE attestation_id = VALUES(attestation_id), attester = VALUES(attester), revoked = VALUES(revoked), revoked_at = VALUES(revoked_at)`

	selectMetaSQL = `SELECT phase, initializer, escrow_authority FROM engine_meta WHERE id = 1 FOR UPDATE`
	upsertMetaSQL = `INSERT INTO engine_meta (id, phase, initializer, escrow_authority)
    VALUES (1, ?, ?, ?)
    ON DUPLICATE KEY UPDATE phase = VALUES(phase), initializer = VALUES(initializer), escrow_authority = VALUES(escrow_authority)`
)

// LedgerStore 使用 MySQL 持久化账本状态。每个 ledger.Tx 对应一个数据库事务，
// engine_meta 行上的 FOR UPDATE 锁让共享同一数据库的多个实例串行化写操作。
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore 建立连接并执行嵌入的迁移。
func NewLedgerStore(ctx context.Context, cfg Config) (*LedgerStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &LedgerStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Begin 实现 ledger.Store。
func (s *LedgerStore) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启 MySQL 事务失败: %w", err)
	}
	return &ledgerTx{tx: tx}, nil
}

// Close 关闭连接池。
func (s *LedgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type ledgerTx struct {
	tx   *sql.Tx
	done bool
}

func (t *ledgerTx) NonceUsed(ctx context.Context, key nonce.Key) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, selectNonceSQL, key.Signer.Hex(), key.Purpose.String(), key.Value.Hex()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	return true, nil
}

func (t *ledgerTx) ConsumeNonce(ctx context.Context, key nonce.Key) error {
	_, err := t.tx.ExecContext(ctx, insertNonceSQL, key.Signer.Hex(), key.Purpose.String(), key.Value.Hex(), time.Now().UnixMilli())
	if isDuplicate(err) {
		return nonce.ErrAlreadyUsed.With(xerrors.WithMetadata("nonce", key.String()))
	}
	if err != nil {
		return fmt.Errorf("写入 nonce 失败: %w", err)
	}
	return nil
}

func (t *ledgerTx) InsertAttestation(ctx context.Context, a *ledger.Attestation) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "attestation 不能为空")
	}
	var link sql.NullString
	if a.HasLink() {
		link = sql.NullString{String: a.RevocationLink.Hex(), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, insertAttestationSQL,
		a.Subject.Hex(), a.Attester.Hex(), a.Requester.Hex(), a.DataHash.Hex(),
		link, a.Revoked, a.Migrated, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("写入认证记录失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("读取认证记录 ID 失败: %w", err)
	}
	a.ID = uint64(id)
	return nil
}

func (t *ledgerTx) Attestation(ctx context.Context, id uint64) (ledger.Attestation, error) {
	var (
		rec                                    ledger.Attestation
		subject, attester, requester, dataHash string
		link                                   sql.NullString
		createdAt                              int64
	)
	err := t.tx.QueryRowContext(ctx, selectAttestationSQL, id).Scan(
		&rec.ID, &subject, &attester, &requester, &dataHash, &link, &rec.Revoked, &rec.Migrated, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Attestation{}, ledger.ErrNotFound.With(xerrors.WithMetadata("id", fmt.Sprint(id)))
	}
	if err != nil {
		return ledger.Attestation{}, fmt.Errorf("查询认证记录失败: %w", err)
	}
	rec.Subject = common.HexToAddress(subject)
	rec.Attester = common.HexToAddress(attester)
	rec.Requester = common.HexToAddress(requester)
	rec.DataHash = common.HexToHash(dataHash)
	if link.Valid {
		rec.RevocationLink = common.HexToHash(link.String)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}

func (t *ledgerTx) MarkRevoked(ctx context.Context, id uint64) error {
	res, err := t.tx.ExecContext(ctx, markRevokedSQL, id)
	if err != nil {
		return fmt.Errorf("更新认证记录失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound.With(xerrors.WithMetadata("id", fmt.Sprint(id)))
	}
	return nil
}

func (t *ledgerTx) Link(ctx context.Context, link common.Hash) (ledger.Revocation, bool, error) {
	var (
		attester  string
		revokedAt int64
	)
	rev := ledger.Revocation{Link: link}
	err := t.tx.QueryRowContext(ctx, selectLinkSQL, link.Hex()).Scan(&rev.AttestationID, &attester, &rev.Revoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Revocation{}, false, nil
	}
	if err != nil {
		return ledger.Revocation{}, false, fmt.Errorf("查询撤销链接失败: %w", err)
	}
	rev.Attester = common.HexToAddress(attester)
	if revokedAt > 0 {
		rev.RevokedAt = time.UnixMilli(revokedAt).UTC()
	}
	return rev, true, nil
}

func (t *ledgerTx) PutLink(ctx context.Context, rev ledger.Revocation) error {
	var revokedAt int64
	if !rev.RevokedAt.IsZero() {
		revokedAt = rev.RevokedAt.UnixMilli()
	}
	if _, err := t.tx.ExecContext(ctx, upsertLinkSQL, rev.Link.Hex(), rev.AttestationID, rev.Attester.Hex(), rev.Revoked, revokedAt); err != nil {
		return fmt.Errorf("写入撤销链接失败: %w", err)
	}
	return nil
}

func (t *ledgerTx) Meta(ctx context.Context) (ledger.Meta, bool, error) {
	var phase, initializer, authority string
	err := t.tx.QueryRowContext(ctx, selectMetaSQL).Scan(&phase, &initializer, &authority)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Meta{}, false, nil
	}
	if err != nil {
		return ledger.Meta{}, false, fmt.Errorf("查询引擎状态失败: %w", err)
	}
	return ledger.Meta{
		Phase:           ledger.Phase(phase),
		Initializer:     common.HexToAddress(initializer),
		EscrowAuthority: common.HexToAddress(authority),
	}, true, nil
}

func (t *ledgerTx) PutMeta(ctx context.Context, meta ledger.Meta) error {
	if _, err := t.tx.ExecContext(ctx, upsertMetaSQL, string(meta.Phase), meta.Initializer.Hex(), meta.EscrowAuthority.Hex()); err != nil {
		return fmt.Errorf("写入引擎状态失败: %w", err)
	}
	return nil
}

func (t *ledgerTx) Commit() error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("提交 MySQL 事务失败: %w", err)
	}
	return nil
}

func (t *ledgerTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("回滚 MySQL 事务失败: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	var myErr *gomysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
