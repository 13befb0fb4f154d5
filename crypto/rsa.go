package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// BuildRSAPublicKey builds an RSA public key from a big-endian modulus and exponent.
func BuildRSAPublicKey(modulus []byte, exponent []byte) (*rsa.PublicKey, error) {
	n := new(big.Int).SetBytes(modulus)
	if n.Sign() == 0 {
		return nil, errors.New("RSA modulus is zero")
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid RSA exponent %s", e)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// RSAOAEPEncrypt encrypts msg with RSA-OAEP using SHA-256 and an empty label.
// The result is always the size of the modulus.
func RSAOAEPEncrypt(rand io.Reader, key *rsa.PublicKey, msg []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand, key, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encrypting: %w", err)
	}
	return out, nil
}

// RSAOAEPDecrypt decrypts an RSA-OAEP cipher text produced by RSAOAEPEncrypt.
func RSAOAEPDecrypt(rand io.Reader, key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP decrypting: %w", err)
	}
	return out, nil
}

// MarshalRSAPublicKey returns the big-endian modulus of size bytes and the 4-byte exponent.
func MarshalRSAPublicKey(key *rsa.PublicKey, size int) ([]byte, [4]byte, error) {
	if (key.N.BitLen()+7)/8 > size {
		return nil, [4]byte{}, fmt.Errorf("RSA modulus does not fit into %d bytes", size)
	}
	modulus := key.N.FillBytes(make([]byte, size))
	var exponent [4]byte
	big.NewInt(int64(key.E)).FillBytes(exponent[:])
	return modulus, exponent, nil
}
