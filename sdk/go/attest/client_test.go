package attest

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Attest-Chain/internal/api"
	"Attest-Chain/internal/escrow"
	"Attest-Chain/internal/ledger"
	"Attest-Chain/internal/signing"
	"Attest-Chain/internal/signing/signingtest"
)

func TestAdminCallsRequireToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.EndInitialization(context.Background()); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestErrorResponseIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/attestations/9" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Code: "NOT_FOUND", Message: "missing"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Attestation(context.Background(), 9)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || !IsCode(err, "NOT_FOUND") {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestErrorStatusSurvivesBodyFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"StatusCode":0,"statusCode":200,"code":"NONCE_ALREADY_USED","message":"nonce already used"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Attestation(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "NONCE_ALREADY_USED" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if payload, _ := json.Marshal(apiErr); strings.Contains(string(payload), "StatusCode") {
		t.Fatalf("status code must not be serialized: %s", payload)
	}
}

func TestRelayerHeaderIsSent(t *testing.T) {
	relayer := common.HexToAddress("0x000000000000000000000000000000000000ca71")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(RelayerHeader); got != relayer.Hex() {
			t.Fatalf("unexpected relayer header %q", got)
		}
		_, _ = w.Write([]byte(`{"status":"revoked"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetRelayer(relayer)
	if err := client.RevokeFor(context.Background(), RevokeForRequest{}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
}

func TestRoundTripAgainstServer(t *testing.T) {
	ether := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	alice, bob, david := signingtest.Alice, signingtest.Bob, signingtest.David

	market := escrow.New(signingtest.EscrowAddress, signingtest.EngineAddress, signingtest.EscrowDomain())
	if err := market.Credit(context.Background(), david.Address, ether); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := market.Lock(context.Background(), david.Address, ether); err != nil {
		t.Fatalf("lock: %v", err)
	}
	engine, err := ledger.New(context.Background(), ledger.Config{
		Address:         signingtest.EngineAddress,
		Domain:          signingtest.EngineDomain(),
		Initializer:     david.Address,
		EscrowAuthority: signingtest.EscrowAddress,
	}, ledger.NewMemoryStore(), ledger.WithEscrow(market))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(":0", engine, api.WithBalances(market), api.WithAdminToken("token")).Handler())
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	dataHash := crypto.Keccak256Hash([]byte("passport"))
	requestNonce := signingtest.Nonce("sdk/request")
	paymentNonce := signingtest.Nonce("sdk/payment")
	req := AttestForRequest{
		Attester:     bob.Address,
		Subject:      alice.Address,
		Requester:    david.Address,
		Reward:       Reward(ether),
		PaymentNonce: paymentNonce,
		RequesterSig: david.Sign(t, signingtest.EscrowDomain(), signing.ReleaseTokens{
			Payer: david.Address, Payee: bob.Address, Amount: ether, Nonce: paymentNonce,
		}),
		DataHash:     dataHash,
		RequestNonce: requestNonce,
		SubjectSig:   alice.Sign(t, signingtest.EngineDomain(), signing.AttestationRequest{DataHash: dataHash, Nonce: requestNonce}),
		DelegationSig: bob.Sign(t, signingtest.EngineDomain(), signing.AttestFor{
			Attester:     bob.Address,
			Subject:      alice.Address,
			Requester:    david.Address,
			Reward:       ether,
			PaymentNonce: paymentNonce,
			DataHash:     dataHash,
			RequestNonce: requestNonce,
		}),
	}
	issued, err := client.AttestFor(ctx, req)
	if err != nil {
		t.Fatalf("attest for: %v", err)
	}
	got, err := client.Attestation(ctx, issued.ID)
	if err != nil || got.DataHash != dataHash {
		t.Fatalf("read back: %+v %v", got, err)
	}
	if _, err := client.AttestFor(ctx, req); !IsCode(err, "NONCE_ALREADY_USED") {
		t.Fatalf("expected replay rejection, got %v", err)
	}

	bal, err := client.Balance(ctx, bob.Address)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Liquid.Cmp(ether) != 0 || bal.Locked.Sign() != 0 {
		t.Fatalf("unexpected balance %+v", bal)
	}

	client.SetAdminToken("token")
	if err := client.EndInitialization(ctx); err != nil {
		t.Fatalf("end initialization: %v", err)
	}
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Phase != "finalized" || status.Initializer != david.Address {
		t.Fatalf("unexpected status %+v", status)
	}
}
