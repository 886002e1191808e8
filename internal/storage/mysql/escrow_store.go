package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/escrow"
	"Attest-Chain/internal/nonce"
)

const (
	selectEscrowAccountSQL          = `SELECT liquid, locked FROM escrow_accounts WHERE account = ?`
	selectEscrowAccountForUpdateSQL = `SELECT liquid, locked FROM escrow_accounts WHERE account = ? FOR UPDATE`
	upsertEscrowAccountSQL          = `INSERT INTO escrow_accounts (account, liquid, locked, updated_at)
    VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE liquid = VALUES(liquid), locked = VALUES(locked), updated_at = VALUES(updated_at)`

	selectEscrowNonceSQL = `SELECT 1 FROM escrow_nonces WHERE signer = ? AND purpose = ? AND nonce = ? LIMIT 1`
	insertEscrowNonceSQL = `INSERT INTO escrow_nonces (signer, purpose, nonce, consumed_at) VALUES (?, ?, ?, ?)`
)

// EscrowStore 将托管余额与 ReleaseTokens nonce 持久化到账本所在的数据库。
// 事务内读取账户时加 FOR UPDATE 锁，多实例共享数据库时不会重复扣减。
type EscrowStore struct {
	db *sql.DB
}

// Escrow 返回共享同一连接池的托管存储，随 LedgerStore 一起关闭。
func (s *LedgerStore) Escrow() *EscrowStore {
	return &EscrowStore{db: s.db}
}

// Begin 实现 escrow.Store。
func (s *EscrowStore) Begin(ctx context.Context) (escrow.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启托管事务失败: %w", err)
	}
	return &escrowTx{tx: tx}, nil
}

// Account 实现 escrow.Store，只读取已提交的余额。
func (s *EscrowStore) Account(ctx context.Context, account common.Address) (escrow.Account, bool, error) {
	return scanEscrowAccount(s.db.QueryRowContext(ctx, selectEscrowAccountSQL, account.Hex()))
}

// Close 为空操作，连接池由 LedgerStore 管理。
func (s *EscrowStore) Close() error { return nil }

type escrowTx struct {
	tx   *sql.Tx
	done bool
}

func (t *escrowTx) NonceUsed(ctx context.Context, key nonce.Key) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, selectEscrowNonceSQL, key.Signer.Hex(), key.Purpose.String(), key.Value.Hex()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询托管 nonce 失败: %w", err)
	}
	return true, nil
}

func (t *escrowTx) ConsumeNonce(ctx context.Context, key nonce.Key) error {
	_, err := t.tx.ExecContext(ctx, insertEscrowNonceSQL, key.Signer.Hex(), key.Purpose.String(), key.Value.Hex(), time.Now().UnixMilli())
	if isDuplicate(err) {
		return nonce.ErrAlreadyUsed.With(xerrors.WithMetadata("nonce", key.String()))
	}
	if err != nil {
		return fmt.Errorf("写入托管 nonce 失败: %w", err)
	}
	return nil
}

func (t *escrowTx) Account(ctx context.Context, account common.Address) (escrow.Account, bool, error) {
	return scanEscrowAccount(t.tx.QueryRowContext(ctx, selectEscrowAccountForUpdateSQL, account.Hex()))
}

func (t *escrowTx) PutAccount(ctx context.Context, account common.Address, state escrow.Account) error {
	state = state.Clone()
	if _, err := t.tx.ExecContext(ctx, upsertEscrowAccountSQL, account.Hex(), state.Liquid.Dec(), state.Locked.Dec(), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("写入托管账户失败: %w", err)
	}
	return nil
}

func (t *escrowTx) Commit() error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "托管事务已结束")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("提交托管事务失败: %w", err)
	}
	return nil
}

func (t *escrowTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("回滚托管事务失败: %w", err)
	}
	return nil
}

func scanEscrowAccount(row *sql.Row) (escrow.Account, bool, error) {
	var liquid, locked string
	err := row.Scan(&liquid, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Account{}.Clone(), false, nil
	}
	if err != nil {
		return escrow.Account{}, false, fmt.Errorf("查询托管账户失败: %w", err)
	}
	liquidValue, err := uint256.FromDecimal(liquid)
	if err != nil {
		return escrow.Account{}, false, fmt.Errorf("解析可用余额失败: %w", err)
	}
	lockedValue, err := uint256.FromDecimal(locked)
	if err != nil {
		return escrow.Account{}, false, fmt.Errorf("解析锁定余额失败: %w", err)
	}
	return escrow.Account{Liquid: liquidValue, Locked: lockedValue}, true, nil
}
