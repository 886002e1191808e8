package signing_test

import (
	stdErrors "errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"Attest-Chain/internal/signing"
	"Attest-Chain/internal/signing/signingtest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func sampleAttestFor() signing.AttestFor {
	return signing.AttestFor{
		Attester:     signingtest.Bob.Address,
		Subject:      signingtest.Alice.Address,
		Requester:    signingtest.David.Address,
		Reward:       big.NewInt(1_000_000_000_000_000_000),
		PaymentNonce: signingtest.Nonce("payment"),
		DataHash:     crypto.Keccak256Hash([]byte("phone")),
		RequestNonce: signingtest.Nonce("request"),
	}
}

func TestRecoverEveryKind(t *testing.T) {
	engine := signingtest.EngineDomain()
	escrow := signingtest.EscrowDomain()
	cases := []struct {
		domain signing.Domain
		msg    signing.Message
	}{
		{engine, signing.AttestationRequest{DataHash: crypto.Keccak256Hash([]byte("email")), Nonce: signingtest.Nonce("a")}},
		{escrow, signing.ReleaseTokens{Payer: signingtest.David.Address, Payee: signingtest.Bob.Address, Amount: big.NewInt(7), Nonce: signingtest.Nonce("b")}},
		{engine, sampleAttestFor()},
		{engine, signing.ContestFor{Attester: signingtest.Bob.Address, Requester: signingtest.David.Address, Reward: big.NewInt(0), PaymentNonce: signingtest.Nonce("c")}},
		{engine, signing.RevokeAttestationFor{Link: crypto.Keccak256Hash([]byte("link"))}},
	}

	for _, tc := range cases {
		sig := signingtest.Bob.Sign(t, tc.domain, tc.msg)
		got, err := signing.Recover(tc.domain, tc.msg, sig)
		if err != nil {
			t.Fatalf("recover %s: %v", tc.msg.Kind(), err)
		}
		if got != signingtest.Bob.Address {
			t.Fatalf("%s recovered %s, want %s", tc.msg.Kind(), got.Hex(), signingtest.Bob.Address.Hex())
		}
		if err := signing.Verify(tc.domain, tc.msg, sig, signingtest.Bob.Address); err != nil {
			t.Fatalf("verify %s: %v", tc.msg.Kind(), err)
		}
	}
}

func TestAlteredFieldChangesRecoveredSigner(t *testing.T) {
	domain := signingtest.EngineDomain()
	signed := sampleAttestFor()
	sig := signingtest.Bob.Sign(t, domain, signed)

	other := signingtest.NewParty(t).Address
	mutations := map[string]func(m *signing.AttestFor){
		"attester":     func(m *signing.AttestFor) { m.Attester = other },
		"subject":      func(m *signing.AttestFor) { m.Subject = other },
		"requester":    func(m *signing.AttestFor) { m.Requester = other },
		"reward":       func(m *signing.AttestFor) { m.Reward = big.NewInt(2) },
		"paymentNonce": func(m *signing.AttestFor) { m.PaymentNonce = signingtest.Nonce("other") },
		"dataHash":     func(m *signing.AttestFor) { m.DataHash = common.Hash{1} },
		"requestNonce": func(m *signing.AttestFor) { m.RequestNonce = signingtest.Nonce("other") },
	}
	for name, mutate := range mutations {
		msg := signed
		mutate(&msg)
		err := signing.Verify(domain, msg, sig, signingtest.Bob.Address)
		if !stdErrors.Is(err, signing.ErrInvalidSignature) {
			t.Fatalf("%s: expected invalid signature, got %v", name, err)
		}
	}
}

func TestDomainSeparation(t *testing.T) {
	msg := signing.RevokeAttestationFor{Link: common.Hash{9}}
	base := signingtest.EngineDomain()
	sig := signingtest.Bob.Sign(t, base, msg)

	variants := map[string]signing.Domain{
		"chain":    {Name: base.Name, Version: base.Version, ChainID: big.NewInt(5), VerifyingContract: base.VerifyingContract},
		"version":  {Name: base.Name, Version: "3", ChainID: base.ChainID, VerifyingContract: base.VerifyingContract},
		"contract": base.At(signingtest.EscrowAddress),
	}
	for name, domain := range variants {
		got, err := signing.Recover(domain, msg, sig)
		if err != nil {
			t.Fatalf("%s: recover: %v", name, err)
		}
		if got == signingtest.Bob.Address {
			t.Fatalf("%s: signature should not recover to the signer under another domain", name)
		}
	}
	if base.VerifyingContract != signingtest.EngineAddress {
		t.Fatal("At must not mutate the receiver")
	}
}

func TestRecoverRejectsMalformedSignatures(t *testing.T) {
	domain := signingtest.EngineDomain()
	msg := signing.AttestationRequest{DataHash: common.Hash{1}, Nonce: common.Hash{2}}
	sig := signingtest.Alice.Sign(t, domain, msg)

	if _, err := signing.Recover(domain, msg, sig[:64]); !stdErrors.Is(err, signing.ErrInvalidSignature) {
		t.Fatalf("short signature: expected invalid signature, got %v", err)
	}

	bad := append([]byte(nil), sig...)
	bad[64] = 31
	if _, err := signing.Recover(domain, msg, bad); !stdErrors.Is(err, signing.ErrInvalidSignature) {
		t.Fatalf("bad recovery id: expected invalid signature, got %v", err)
	}

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err := signing.Recover(domain, msg, raw)
	if err != nil || got != signingtest.Alice.Address {
		t.Fatalf("0/1 recovery id should be accepted: %s %v", got.Hex(), err)
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	domain := signingtest.EngineDomain()
	msg := sampleAttestFor()
	first, err := signing.Digest(domain, msg)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	second, err := signing.Digest(domain, msg)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if first != second {
		t.Fatalf("digest changed between calls: %s vs %s", first.Hex(), second.Hex())
	}
}

func TestLoadDomainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domain.yaml")
	content := []byte(`engine:
  name: Attestation Logic
  version: "2"
  chain_id: 4
escrow:
  name: Token Escrow Marketplace
  contract: "0x00000000000000000000000000000000000e5c40"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write domain file: %v", err)
	}

	file, err := signing.LoadDomainFile(path)
	if err != nil {
		t.Fatalf("load domain file: %v", err)
	}

	fallback := signing.Domain{Name: "x", Version: "1", ChainID: big.NewInt(1)}
	engine, err := file.Engine.Domain(fallback)
	if err != nil {
		t.Fatalf("engine domain: %v", err)
	}
	if engine.Name != "Attestation Logic" || engine.Version != "2" || engine.ChainID.Int64() != 4 {
		t.Fatalf("unexpected engine domain: %+v", engine)
	}

	escrow, err := file.Escrow.Domain(fallback)
	if err != nil {
		t.Fatalf("escrow domain: %v", err)
	}
	if escrow.VerifyingContract != signingtest.EscrowAddress || escrow.Version != "1" {
		t.Fatalf("unexpected escrow domain: %+v", escrow)
	}
	if err := escrow.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	empty, err := signing.LoadDomainFile("")
	if err != nil || empty.Engine.Name != "" {
		t.Fatalf("empty path should yield empty definition: %+v %v", empty, err)
	}
}
