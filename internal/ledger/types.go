package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Phase 表示引擎的生命周期阶段。
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseFinalized    Phase = "finalized"
)

// Attestation 描述一条已记录的认证。记录只会从有效变为撤销，不会被删除。
type Attestation struct {
	ID             uint64         `json:"id"`
	Subject        common.Address `json:"subject"`
	Attester       common.Address `json:"attester"`
	Requester      common.Address `json:"requester"`
	DataHash       common.Hash    `json:"data_hash"`
	RevocationLink common.Hash    `json:"revocation_link"`
	Revoked        bool           `json:"revoked"`
	Migrated       bool           `json:"migrated"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HasLink reports whether the record was issued with a revocation link.
func (a Attestation) HasLink() bool {
	return a.RevocationLink != (common.Hash{})
}

// Revocation tracks the state of one revocation link. AttestationID is zero
// for links that were revoked without ever being bound at issuance.
type Revocation struct {
	Link          common.Hash    `json:"link"`
	AttestationID uint64         `json:"attestation_id,omitempty"`
	Attester      common.Address `json:"attester"`
	Revoked       bool           `json:"revoked"`
	RevokedAt     time.Time      `json:"revoked_at,omitempty"`
}

// Meta 保存引擎的全局状态。
type Meta struct {
	Phase           Phase          `json:"phase"`
	Initializer     common.Address `json:"initializer"`
	EscrowAuthority common.Address `json:"escrow_authority"`
}

// Status 是对外暴露的引擎状态快照。
type Status struct {
	Meta
	Address common.Address `json:"address"`
	Domain  DomainInfo     `json:"domain"`
}

// DomainInfo 是签名域的可序列化形式。
type DomainInfo struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           string         `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
}

// AttestRequest carries the signed material for an issuance. The acting
// attester is the caller for Attest and an explicit parameter for AttestFor.
type AttestRequest struct {
	Subject      common.Address
	Requester    common.Address
	Reward       *big.Int
	PaymentNonce common.Hash
	RequesterSig []byte
	DataHash     common.Hash
	RequestNonce common.Hash
	SubjectSig   []byte
	// RevocationLink optionally binds a revocation handle to the new record.
	// Only accepted on the direct path.
	RevocationLink common.Hash
}

// DelegatedAttest is an AttestRequest submitted on behalf of Attester.
type DelegatedAttest struct {
	AttestRequest
	Attester      common.Address
	DelegationSig []byte
}

// ContestRequest carries the signed material for a rejection.
type ContestRequest struct {
	Requester    common.Address
	Reward       *big.Int
	PaymentNonce common.Hash
	RequesterSig []byte
}

// DelegatedContest is a ContestRequest submitted on behalf of Attester.
type DelegatedContest struct {
	ContestRequest
	Attester      common.Address
	DelegationSig []byte
}

// DelegatedRevoke revokes Link on behalf of Attester.
type DelegatedRevoke struct {
	Link          common.Hash
	Attester      common.Address
	DelegationSig []byte
}

// Migration is a trusted bulk-load record written during initialization.
type Migration struct {
	Attester       common.Address
	Requester      common.Address
	Subject        common.Address
	DataHash       common.Hash
	RevocationLink common.Hash
}
