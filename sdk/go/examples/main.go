// Command examples submits a delegated attestation through the Go SDK.
//
// Usage:
//
//	ATTESTD_URL=http://localhost:8080 go run ./sdk/go/examples
//
// The keys below are demo keys; the target daemon must accept the engine
// and escrow domains printed by GET /api/v1/status.
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"Attest-Chain/internal/signing"
	"Attest-Chain/sdk/go/attest"
)

const (
	subjectKey   = "c87509a1c067bbde78beb793e6fa76530b6382a4c0241e5e4a9ec0a0f44dc0d3"
	attesterKey  = "ae6ae8e5ccbfb04590405997ee2d52d2b330726137b875053c36d94e974d162f"
	requesterKey = "c88b703fb08cbea894b6aeff5a544fb92e78a18e19814cd85da83b71f772aa6c"
)

func main() {
	base := os.Getenv("ATTESTD_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client, err := attest.NewClient(base, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		log.Fatalf("status: %v", err)
	}
	chainID, ok := new(big.Int).SetString(status.Domain.ChainID, 10)
	if !ok {
		log.Fatalf("unexpected chain id %q", status.Domain.ChainID)
	}
	engine := signing.Domain{
		Name:              status.Domain.Name,
		Version:           status.Domain.Version,
		ChainID:           chainID,
		VerifyingContract: status.Address,
	}
	escrowDomain := signing.Domain{
		Name:              "Token Escrow Marketplace",
		Version:           "2",
		ChainID:           chainID,
		VerifyingContract: status.EscrowAuthority,
	}

	subject, _ := crypto.HexToECDSA(subjectKey)
	attester, _ := crypto.HexToECDSA(attesterKey)
	requester, _ := crypto.HexToECDSA(requesterKey)
	subjectAddr := crypto.PubkeyToAddress(subject.PublicKey)
	attesterAddr := crypto.PubkeyToAddress(attester.PublicKey)
	requesterAddr := crypto.PubkeyToAddress(requester.PublicKey)

	reward := big.NewInt(0)
	dataHash := crypto.Keccak256Hash([]byte("demo-data"))
	requestNonce := crypto.Keccak256Hash([]byte(fmt.Sprintf("request-%d", time.Now().UnixNano())))
	paymentNonce := crypto.Keccak256Hash([]byte(fmt.Sprintf("payment-%d", time.Now().UnixNano())))

	subjectSig, err := signing.Sign(engine, signing.AttestationRequest{DataHash: dataHash, Nonce: requestNonce}, subject)
	if err != nil {
		log.Fatal(err)
	}
	requesterSig, err := signing.Sign(escrowDomain, signing.ReleaseTokens{
		Payer: requesterAddr, Payee: attesterAddr, Amount: reward, Nonce: paymentNonce,
	}, requester)
	if err != nil {
		log.Fatal(err)
	}
	delegationSig, err := signing.Sign(engine, signing.AttestFor{
		Attester:     attesterAddr,
		Subject:      subjectAddr,
		Requester:    requesterAddr,
		Reward:       reward,
		PaymentNonce: paymentNonce,
		DataHash:     dataHash,
		RequestNonce: requestNonce,
	}, attester)
	if err != nil {
		log.Fatal(err)
	}

	issued, err := client.AttestFor(ctx, attest.AttestForRequest{
		Attester:      attesterAddr,
		Subject:       subjectAddr,
		Requester:     requesterAddr,
		Reward:        attest.Reward(reward),
		PaymentNonce:  paymentNonce,
		RequesterSig:  requesterSig,
		DataHash:      dataHash,
		RequestNonce:  requestNonce,
		SubjectSig:    subjectSig,
		DelegationSig: delegationSig,
	})
	if err != nil {
		log.Fatalf("attest for: %v", err)
	}
	fmt.Printf("issued attestation %d for subject %s\n", issued.ID, issued.Subject.Hex())
}
