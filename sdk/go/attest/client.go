// Package attest is a Go client for the attestd REST API.
package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// RelayerHeader names the header carrying the relayer address.
const RelayerHeader = "X-Relayer-Address"

// Client wraps the HTTP interactions with the attestd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu         sync.RWMutex
	adminToken string
	relayer    common.Address
}

// AttestForRequest is a delegated issuance. Signatures are raw 65-byte
// r||s||v values.
type AttestForRequest struct {
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

// ContestForRequest is a delegated rejection.
type ContestForRequest struct {
	Attester      common.Address        `json:"attester"`
	Requester     common.Address        `json:"requester"`
	Reward        *math.HexOrDecimal256 `json:"reward"`
	PaymentNonce  common.Hash           `json:"payment_nonce"`
	RequesterSig  hexutil.Bytes         `json:"requester_sig"`
	DelegationSig hexutil.Bytes         `json:"delegation_sig"`
}

// RevokeForRequest is a delegated revocation.
type RevokeForRequest struct {
	Link          common.Hash    `json:"link"`
	Attester      common.Address `json:"attester"`
	DelegationSig hexutil.Bytes  `json:"delegation_sig"`
}

// Migration is a record bulk-loaded by the initializer.
type Migration struct {
	Attester       common.Address `json:"attester"`
	Requester      common.Address `json:"requester"`
	Subject        common.Address `json:"subject"`
	DataHash       common.Hash    `json:"data_hash"`
	RevocationLink common.Hash    `json:"revocation_link"`
}

// Attestation is an issued record.
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

// Revocation is the state of a revocation link.
type Revocation struct {
	Link          common.Hash    `json:"link"`
	AttestationID uint64         `json:"attestation_id,omitempty"`
	Attester      common.Address `json:"attester"`
	Revoked       bool           `json:"revoked"`
	RevokedAt     time.Time      `json:"revoked_at,omitempty"`
}

// Domain describes the engine's signing domain.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           string         `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
}

// Status is a snapshot of the engine state.
type Status struct {
	Phase           string         `json:"phase"`
	Initializer     common.Address `json:"initializer"`
	EscrowAuthority common.Address `json:"escrow_authority"`
	Address         common.Address `json:"address"`
	Domain          Domain         `json:"domain"`
}

// Balance reports an escrow account.
type Balance struct {
	Account common.Address `json:"account"`
	Liquid  *big.Int       `json:"-"`
	Locked  *big.Int       `json:"-"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("attestd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("attestd api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Reward converts an amount to its wire form.
func Reward(v *big.Int) *math.HexOrDecimal256 {
	if v == nil {
		return nil
	}
	return (*math.HexOrDecimal256)(new(big.Int).Set(v))
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAdminToken sets the bearer token used by the admin calls.
func (c *Client) SetAdminToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adminToken = token
}

// SetRelayer sets the address reported in RelayerHeader.
func (c *Client) SetRelayer(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relayer = addr
}

// AttestFor submits a delegated issuance.
func (c *Client) AttestFor(ctx context.Context, req AttestForRequest) (Attestation, error) {
	var out Attestation
	if err := c.send(ctx, http.MethodPost, "/api/v1/attestations", req, &out, false); err != nil {
		return Attestation{}, err
	}
	return out, nil
}

// ContestFor submits a delegated rejection.
func (c *Client) ContestFor(ctx context.Context, req ContestForRequest) error {
	return c.send(ctx, http.MethodPost, "/api/v1/contests", req, nil, false)
}

// RevokeFor submits a delegated revocation.
func (c *Client) RevokeFor(ctx context.Context, req RevokeForRequest) error {
	return c.send(ctx, http.MethodPost, "/api/v1/revocations", req, nil, false)
}

// Status fetches the engine status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	if err := c.send(ctx, http.MethodGet, "/api/v1/status", nil, &out, false); err != nil {
		return Status{}, err
	}
	return out, nil
}

// Attestation fetches a record by id.
func (c *Client) Attestation(ctx context.Context, id uint64) (Attestation, error) {
	var out Attestation
	endpoint := "/api/v1/attestations/" + strconv.FormatUint(id, 10)
	if err := c.send(ctx, http.MethodGet, endpoint, nil, &out, false); err != nil {
		return Attestation{}, err
	}
	return out, nil
}

// Revocation fetches the state of a revocation link.
func (c *Client) Revocation(ctx context.Context, link common.Hash) (Revocation, error) {
	var out Revocation
	if err := c.send(ctx, http.MethodGet, "/api/v1/revocations/"+link.Hex(), nil, &out, false); err != nil {
		return Revocation{}, err
	}
	return out, nil
}

// Balance fetches the escrow balances of account.
func (c *Client) Balance(ctx context.Context, account common.Address) (Balance, error) {
	var raw struct {
		Account common.Address `json:"account"`
		Liquid  string         `json:"liquid"`
		Locked  string         `json:"locked"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/escrow/accounts/"+account.Hex(), nil, &raw, false); err != nil {
		return Balance{}, err
	}
	liquid, ok := new(big.Int).SetString(raw.Liquid, 10)
	if !ok {
		return Balance{}, fmt.Errorf("decode liquid balance %q", raw.Liquid)
	}
	locked, ok := new(big.Int).SetString(raw.Locked, 10)
	if !ok {
		return Balance{}, fmt.Errorf("decode locked balance %q", raw.Locked)
	}
	return Balance{Account: raw.Account, Liquid: liquid, Locked: locked}, nil
}

// SetEscrowAuthority points the engine at a new escrow. Requires the admin token.
func (c *Client) SetEscrowAuthority(ctx context.Context, authority common.Address) error {
	body := struct {
		Authority common.Address `json:"authority"`
	}{Authority: authority}
	return c.send(ctx, http.MethodPut, "/api/v1/admin/escrow-authority", body, nil, true)
}

// MigrateAttestation bulk-loads a record. Requires the admin token.
func (c *Client) MigrateAttestation(ctx context.Context, m Migration) (Attestation, error) {
	var out Attestation
	if err := c.send(ctx, http.MethodPost, "/api/v1/admin/migrations", m, &out, true); err != nil {
		return Attestation{}, err
	}
	return out, nil
}

// EndInitialization closes the initialization phase. Requires the admin token.
func (c *Client) EndInitialization(ctx context.Context) error {
	return c.send(ctx, http.MethodPost, "/api/v1/admin/end-initialization", nil, nil, true)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any, admin bool) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, body, admin)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, admin bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token, relayer := c.adminToken, c.relayer
	c.mu.RUnlock()
	if admin {
		if token == "" {
			return nil, errors.New("attest: admin token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if relayer != (common.Address{}) {
		req.Header.Set(RelayerHeader, relayer.Hex())
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
