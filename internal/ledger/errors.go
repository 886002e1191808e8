package ledger

import (
	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/nonce"
	"Attest-Chain/internal/signing"
)

const (
	CodeInvalidDelegation   xerrors.Code = "INVALID_DELEGATION"
	CodeEscrowReleaseFailed xerrors.Code = "ESCROW_RELEASE_FAILED"
	CodeEscrowUnavailable   xerrors.Code = "ESCROW_UNAVAILABLE"
	CodeInitializationEnded xerrors.Code = "INITIALIZATION_ENDED"
	CodeAlreadyRevoked      xerrors.Code = "ALREADY_REVOKED"
	CodeLinkTaken           xerrors.Code = "REVOCATION_LINK_TAKEN"
	CodeSettlementDiverged  xerrors.Code = "SETTLEMENT_DIVERGED"
)

var (
	// ErrInvalidSignature 表示签名格式错误或恢复出的地址不符。
	ErrInvalidSignature = signing.ErrInvalidSignature
	// ErrNonceAlreadyUsed 表示请求被重放。
	ErrNonceAlreadyUsed = nonce.ErrAlreadyUsed
	// ErrInvalidDelegation 表示委托签名人与声明的角色不一致。
	ErrInvalidDelegation = xerrors.New(CodeInvalidDelegation, "delegation signer does not match declared role")
	// ErrEscrowReleaseFailed 包裹托管方返回的签名、nonce 或余额错误。
	ErrEscrowReleaseFailed = xerrors.New(CodeEscrowReleaseFailed, "escrow release failed")
	// ErrEscrowUnavailable 表示当前托管地址没有对应的托管实例。
	ErrEscrowUnavailable = xerrors.New(CodeEscrowUnavailable, "no escrow registered at authority address")
	// ErrUnauthorized 表示调用方不具备所需角色。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "caller lacks the required role")
	// ErrInitializationEnded 表示初始化阶段已经结束。
	ErrInitializationEnded = xerrors.New(CodeInitializationEnded, "initialization has ended")
	// ErrAlreadyRevoked 表示撤销链接已被使用。
	ErrAlreadyRevoked = xerrors.New(CodeAlreadyRevoked, "revocation link already revoked")
	// ErrLinkTaken 表示撤销链接已绑定到其他记录。
	ErrLinkTaken = xerrors.New(CodeLinkTaken, "revocation link already bound")
	// ErrNotFound 表示记录不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "attestation not found")
	// ErrLinkNotFound 表示撤销链接从未被绑定或撤销。
	ErrLinkNotFound = xerrors.New(xerrors.CodeNotFound, "revocation link not found")
	// ErrInvalidRequest 表示请求参数不完整。
	ErrInvalidRequest = xerrors.New(xerrors.CodeInvalidArgument, "invalid request")
)

func init() {
	xerrors.Register(CodeInvalidDelegation, xerrors.Attributes{
		Message:  "delegation signer does not match declared role",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEscrowReleaseFailed, xerrors.Attributes{
		Message:  "escrow release failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeEscrowUnavailable, xerrors.Attributes{
		Message:  "no escrow registered at authority address",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInitializationEnded, xerrors.Attributes{
		Message:  "initialization has ended",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAlreadyRevoked, xerrors.Attributes{
		Message:  "revocation link already revoked",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeLinkTaken, xerrors.Attributes{
		Message:  "revocation link already bound",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSettlementDiverged, xerrors.Attributes{
		Message:  "ledger committed but escrow settlement failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
