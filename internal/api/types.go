package api

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"Attest-Chain/internal/ledger"
)

// 请求体中的地址、哈希与签名均为 0x 前缀十六进制；金额接受十进制或 0x 十六进制字符串。

type attestForRequest struct {
	Attester      common.Address        `json:"attester"`
	Subject       common.Address        `json:"subject"`
	Requester     common.Address        `json:"requester"`
	Reward        *math.HexOrDecimal256 `json:"reward"`
	PaymentNonce  common.Hash           `json:"payment_nonce"`
	RequesterSig  hexutil.Bytes         `json:"requester_sig"`
	DataHash      common.Hash           `json:"data_hash"`
	RequestNonce  common.Hash           `json:"request_nonce"`
	SubjectSig    hexutil.Bytes         `json:"subject_sig"`
	DelegationSig hexutil.Bytes         `json:"delegation_sig"`
}

func (r attestForRequest) toLedger() ledger.DelegatedAttest {
	return ledger.DelegatedAttest{
		AttestRequest: ledger.AttestRequest{
			Subject:      r.Subject,
			Requester:    r.Requester,
			Reward:       amount(r.Reward),
			PaymentNonce: r.PaymentNonce,
			RequesterSig: r.RequesterSig,
			DataHash:     r.DataHash,
			RequestNonce: r.RequestNonce,
			SubjectSig:   r.SubjectSig,
		},
		Attester:      r.Attester,
		DelegationSig: r.DelegationSig,
	}
}

type contestForRequest struct {
	Attester      common.Address        `json:"attester"`
	Requester     common.Address        `json:"requester"`
	Reward        *math.HexOrDecimal256 `json:"reward"`
	PaymentNonce  common.Hash           `json:"payment_nonce"`
	RequesterSig  hexutil.Bytes         `json:"requester_sig"`
	DelegationSig hexutil.Bytes         `json:"delegation_sig"`
}

func (r contestForRequest) toLedger() ledger.DelegatedContest {
	return ledger.DelegatedContest{
		ContestRequest: ledger.ContestRequest{
			Requester:    r.Requester,
			Reward:       amount(r.Reward),
			PaymentNonce: r.PaymentNonce,
			RequesterSig: r.RequesterSig,
		},
		Attester:      r.Attester,
		DelegationSig: r.DelegationSig,
	}
}

type revokeForRequest struct {
	Link          common.Hash    `json:"link"`
	Attester      common.Address `json:"attester"`
	DelegationSig hexutil.Bytes  `json:"delegation_sig"`
}

type escrowAuthorityRequest struct {
	Authority common.Address `json:"authority"`
}

type migrationRequest struct {
	Attester       common.Address `json:"attester"`
	Requester      common.Address `json:"requester"`
	Subject        common.Address `json:"subject"`
	DataHash       common.Hash    `json:"data_hash"`
	RevocationLink common.Hash    `json:"revocation_link"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type balanceResponse struct {
	Account common.Address `json:"account"`
	Liquid  string         `json:"liquid"`
	Locked  string         `json:"locked"`
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func amount(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return (*big.Int)(v)
}
