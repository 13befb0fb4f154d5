// Package crypto implements the crypto operations used by the provisioning and quoting logic.
//
// ECDSA keys and signatures use the raw big-endian encoding of the EPID ecosystem:
// public keys are X‖Y and signatures are r‖s, 32 bytes each.
package crypto

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// BuildECDSAPublicKey builds a P-256 public key from its raw X‖Y encoding.
func BuildECDSAPublicKey(rawPublicKey [64]byte) *ecdsa.PublicKey {
	key := new(ecdsa.PublicKey)
	key.Curve = elliptic.P256()

	// construct the key manually...
	key.X = new(big.Int).SetBytes(rawPublicKey[:32])
	key.Y = new(big.Int).SetBytes(rawPublicKey[32:64])

	return key
}

// MarshalECDSAPublicKey returns the raw X‖Y encoding of a P-256 public key.
func MarshalECDSAPublicKey(key *ecdsa.PublicKey) [64]byte {
	var raw [64]byte
	key.X.FillBytes(raw[:32])
	key.Y.FillBytes(raw[32:64])
	return raw
}

// ECDSAPrivateKeyFromScalar builds a P-256 private key from the scalar d, which must satisfy
// 1 <= d < N.
func ECDSAPrivateKeyFromScalar(d *big.Int) (*ecdsa.PrivateKey, error) {
	if d.Sign() <= 0 || d.BitLen() > 256 {
		return nil, errors.New("P-256 scalar out of range")
	}
	scalar := d.FillBytes(make([]byte, 32))
	defer clear(scalar)
	priv, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("deriving P-256 key: %w", err)
	}

	// uncompressed point 0x04 ‖ X ‖ Y
	point := priv.PublicKey().Bytes()
	key := BuildECDSAPublicKey([64]byte(point[1:]))
	return &ecdsa.PrivateKey{PublicKey: *key, D: new(big.Int).Set(d)}, nil
}

// VerifyECDSASignature verifies an ECDSA signature over the SHA-256 of data.
func VerifyECDSASignature(publicKey crypto.PublicKey, data, signature []byte) error {
	return VerifyECDSADigest(publicKey, sha256.Sum256(data), signature)
}

// VerifyECDSADigest verifies an ECDSA signature over an already computed SHA-256 digest.
func VerifyECDSADigest(publicKey crypto.PublicKey, digest [32]byte, signature []byte) error {
	signingKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("signing public key is not an ECDSA key")
	}
	if len(signature) != 64 {
		return fmt.Errorf("invalid ECDSA signature: expected 64 bytes but got %d bytes", len(signature))
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:64])

	if !ecdsa.Verify(signingKey, digest[:], r, s) {
		return errors.New("failed to verify signature using ECDSA public key")
	}
	return nil
}

// SignECDSA signs the SHA-256 of data and returns the raw r‖s signature.
func SignECDSA(rand io.Reader, key *ecdsa.PrivateKey, data []byte) ([64]byte, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand, key, digest[:])
	if err != nil {
		return [64]byte{}, fmt.Errorf("signing: %w", err)
	}
	var signature [64]byte
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:64])
	return signature, nil
}
