package signing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Kind names one of the fixed message layouts.
type Kind string

const (
	KindAttestationRequest   Kind = "AttestationRequest"
	KindReleaseTokens        Kind = "ReleaseTokens"
	KindAttestFor            Kind = "AttestFor"
	KindContestFor           Kind = "ContestFor"
	KindRevokeAttestationFor Kind = "RevokeAttestationFor"
)

// Message is implemented only by the message variants in this package.
type Message interface {
	Kind() Kind
	fields() []apitypes.Type
	values() apitypes.TypedDataMessage
}

// AttestationRequest is signed by a subject asking for dataHash to be attested.
type AttestationRequest struct {
	DataHash common.Hash
	Nonce    common.Hash
}

func (AttestationRequest) Kind() Kind { return KindAttestationRequest }

func (AttestationRequest) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "dataHash", Type: "bytes32"},
		{Name: "nonce", Type: "bytes32"},
	}
}

func (m AttestationRequest) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"dataHash": m.DataHash.Hex(),
		"nonce":    m.Nonce.Hex(),
	}
}

// ReleaseTokens is signed by a payer authorising release of locked funds. It
// is verified against the escrow's domain, not the engine's.
type ReleaseTokens struct {
	Payer  common.Address
	Payee  common.Address
	Amount *big.Int
	Nonce  common.Hash
}

func (ReleaseTokens) Kind() Kind { return KindReleaseTokens }

func (ReleaseTokens) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "payer", Type: "address"},
		{Name: "payee", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	}
}

func (m ReleaseTokens) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"payer":  m.Payer.Hex(),
		"payee":  m.Payee.Hex(),
		"amount": decimal(m.Amount),
		"nonce":  m.Nonce.Hex(),
	}
}

// AttestFor delegates an issuance to whoever submits it.
type AttestFor struct {
	Attester     common.Address
	Subject      common.Address
	Requester    common.Address
	Reward       *big.Int
	PaymentNonce common.Hash
	DataHash     common.Hash
	RequestNonce common.Hash
}

func (AttestFor) Kind() Kind { return KindAttestFor }

func (AttestFor) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "attester", Type: "address"},
		{Name: "subject", Type: "address"},
		{Name: "requester", Type: "address"},
		{Name: "reward", Type: "uint256"},
		{Name: "paymentNonce", Type: "bytes32"},
		{Name: "dataHash", Type: "bytes32"},
		{Name: "requestNonce", Type: "bytes32"},
	}
}

func (m AttestFor) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"attester":     m.Attester.Hex(),
		"subject":      m.Subject.Hex(),
		"requester":    m.Requester.Hex(),
		"reward":       decimal(m.Reward),
		"paymentNonce": m.PaymentNonce.Hex(),
		"dataHash":     m.DataHash.Hex(),
		"requestNonce": m.RequestNonce.Hex(),
	}
}

// ContestFor delegates a rejection.
type ContestFor struct {
	Attester     common.Address
	Requester    common.Address
	Reward       *big.Int
	PaymentNonce common.Hash
}

func (ContestFor) Kind() Kind { return KindContestFor }

func (ContestFor) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "attester", Type: "address"},
		{Name: "requester", Type: "address"},
		{Name: "reward", Type: "uint256"},
		{Name: "paymentNonce", Type: "bytes32"},
	}
}

func (m ContestFor) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"attester":     m.Attester.Hex(),
		"requester":    m.Requester.Hex(),
		"reward":       decimal(m.Reward),
		"paymentNonce": m.PaymentNonce.Hex(),
	}
}

// RevokeAttestationFor delegates a revocation of the record behind Link.
type RevokeAttestationFor struct {
	Link common.Hash
}

func (RevokeAttestationFor) Kind() Kind { return KindRevokeAttestationFor }

func (RevokeAttestationFor) fields() []apitypes.Type {
	return []apitypes.Type{{Name: "link", Type: "bytes32"}}
}

func (m RevokeAttestationFor) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{"link": m.Link.Hex()}
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
