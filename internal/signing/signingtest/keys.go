// Package signingtest provides fixed keys and signing helpers for tests that
// need real signatures.
package signingtest

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"Attest-Chain/internal/signing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Party is a test account.
type Party struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

const (
	aliceHex = "c87509a1c067bbde78beb793e6fa76530b6382a4c0241e5e4a9ec0a0f44dc0d3"
	bobHex   = "ae6ae8e5ccbfb04590405997ee2d52d2b330726137b875053c36d94e974d162f"
	davidHex = "c88b703fb08cbea894b6aeff5a544fb92e78a18e19814cd85da83b71f772aa6c"
)

// Alice usually plays the subject, Bob the attester and David the requester.
var (
	Alice = mustParty(aliceHex)
	Bob   = mustParty(bobHex)
	David = mustParty(davidHex)
)

var (
	EngineAddress = common.HexToAddress("0x00000000000000000000000000000000000a77e5")
	EscrowAddress = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
)

// EngineDomain is the domain used by tests for engine-verified messages.
func EngineDomain() signing.Domain {
	return signing.Domain{
		Name:              "Attestation Logic",
		Version:           "2",
		ChainID:           big.NewInt(1),
		VerifyingContract: EngineAddress,
	}
}

// EscrowDomain is the domain used by tests for ReleaseTokens messages.
func EscrowDomain() signing.Domain {
	return signing.Domain{
		Name:              "Token Escrow Marketplace",
		Version:           "2",
		ChainID:           big.NewInt(1),
		VerifyingContract: EscrowAddress,
	}
}

// NewParty generates a random account.
func NewParty(t testing.TB) Party {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Party{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Sign signs msg under domain or fails the test.
func (p Party) Sign(t testing.TB, domain signing.Domain, msg signing.Message) []byte {
	t.Helper()
	sig, err := signing.Sign(domain, msg, p.Key)
	if err != nil {
		t.Fatalf("sign %s: %v", msg.Kind(), err)
	}
	return sig
}

// Nonce derives a deterministic nonce from a label.
func Nonce(label string) common.Hash {
	return crypto.Keccak256Hash([]byte("nonce:" + label))
}

func mustParty(hex string) Party {
	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		panic(err)
	}
	return Party{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}
