// Package signing builds domain-separated EIP-712 digests for the five
// message kinds the attestation engine accepts, and recovers or verifies the
// secp256k1 signer of each. Everything here is stateless.
package signing
