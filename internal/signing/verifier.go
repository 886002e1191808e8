package signing

import (
	"crypto/ecdsa"
	"fmt"

	xerrors "Attest-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const CodeInvalidSignature xerrors.Code = "INVALID_SIGNATURE"

// ErrInvalidSignature is returned when a signature is malformed or recovers
// to an address other than the expected signer.
var ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid signature")

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:  "invalid signature",
		Severity: xerrors.SeverityInfo,
	})
}

// TypedData builds the EIP-712 payload for msg under domain.
func TypedData(domain Domain, msg Message) apitypes.TypedData {
	primary := string(msg.Kind())
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			primary:        msg.fields(),
		},
		PrimaryType: primary,
		Domain:      domain.typed(),
		Message:     msg.values(),
	}
}

// Digest returns the hash a signer commits to for msg under domain.
func Digest(domain Domain, msg Message) (common.Hash, error) {
	if msg == nil {
		return common.Hash{}, fmt.Errorf("nil message")
	}
	hash, _, err := apitypes.TypedDataAndHash(TypedData(domain, msg))
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return common.BytesToHash(hash), nil
}

// Recover returns the address that produced sig over msg. Signatures carry a
// trailing recovery byte which may be 0/1 or 27/28.
func Recover(domain Domain, msg Message, sig []byte) (common.Address, error) {
	if msg == nil {
		return common.Address{}, ErrInvalidSignature.With(xerrors.WithMetadata("reason", "nil message"))
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature.With(
			xerrors.WithMetadata("kind", string(msg.Kind())),
			xerrors.WithMetadata("reason", fmt.Sprintf("expected %d bytes, got %d", crypto.SignatureLength, len(sig))),
		)
	}
	digest, err := Digest(domain, msg)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSignature, err, "")
	}

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, ErrInvalidSignature.With(
			xerrors.WithMetadata("kind", string(msg.Kind())),
			xerrors.WithMetadata("reason", "invalid recovery id"),
		)
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSignature, err, "",
			xerrors.WithMetadata("kind", string(msg.Kind())))
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over msg was produced by expected.
func Verify(domain Domain, msg Message, sig []byte, expected common.Address) error {
	signer, err := Recover(domain, msg, sig)
	if err != nil {
		return err
	}
	if signer != expected {
		return ErrInvalidSignature.With(
			xerrors.WithMetadata("kind", string(msg.Kind())),
			xerrors.WithMetadata("expected", expected.Hex()),
			xerrors.WithMetadata("recovered", signer.Hex()),
		)
	}
	return nil
}

// Sign produces a 65-byte signature with a 27/28 recovery byte, the form
// wallets return from eth_signTypedData.
func Sign(domain Domain, msg Message, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Digest(domain, msg)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", msg.Kind(), err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
