package ledger

import (
	"context"

	"Attest-Chain/internal/nonce"

	"github.com/ethereum/go-ethereum/common"
)

// Store 定义账本持久化接口。所有写入都通过事务完成。
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx 是一次操作的原子写入边界。Rollback 在 Commit 之后调用是安全的空操作。
type Tx interface {
	nonce.Ledger

	// InsertAttestation 写入新记录并回填 ID。
	InsertAttestation(ctx context.Context, a *Attestation) error
	// Attestation 读取记录，不存在时返回 ErrNotFound。
	Attestation(ctx context.Context, id uint64) (Attestation, error)
	// MarkRevoked 将记录标记为撤销。
	MarkRevoked(ctx context.Context, id uint64) error

	// Link 返回撤销链接状态。
	Link(ctx context.Context, link common.Hash) (Revocation, bool, error)
	// PutLink 写入或覆盖撤销链接状态。
	PutLink(ctx context.Context, rev Revocation) error

	// Meta 读取全局状态，found 为 false 表示尚未初始化。
	Meta(ctx context.Context) (meta Meta, found bool, err error)
	PutMeta(ctx context.Context, meta Meta) error

	Commit() error
	Rollback() error
}
