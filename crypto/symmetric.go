package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

const (
	// KeySize is the size of the AES-128 keys used throughout the protocol.
	KeySize = 16
	// IVSize is the size of an AES-GCM IV.
	IVSize = 12
	// TagSize is the size of an AES-GCM tag and an AES-CMAC.
	TagSize = 16
)

// ErrMACMismatch is returned when an AES-GCM tag or a CMAC does not verify.
var ErrMACMismatch = errors.New("MAC mismatch")

// Key is an AES-128 key.
type Key [KeySize]byte

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}

// GCMEncrypt encrypts plaintext with AES-128-GCM and returns cipher text and tag separately.
func GCMEncrypt(key Key, iv [IVSize]byte, plaintext, aad []byte) ([]byte, [TagSize]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, [TagSize]byte{}, err
	}
	sealed := aead.Seal(nil, iv[:], plaintext, aad)
	split := len(sealed) - TagSize
	return sealed[:split], [TagSize]byte(sealed[split:]), nil
}

// GCMDecrypt decrypts cipher text with AES-128-GCM. It returns ErrMACMismatch if the tag does not verify.
func GCMDecrypt(key Key, iv [IVSize]byte, ciphertext, aad []byte, tag [TagSize]byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)
	plaintext, err := aead.Open(nil, iv[:], sealed, aad)
	if err != nil {
		return nil, ErrMACMismatch
	}
	return plaintext, nil
}

// CMAC computes the AES-128-CMAC of data.
func CMAC(key Key, data []byte) (Key, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Key{}, fmt.Errorf("creating AES cipher: %w", err)
	}
	mac, err := cmac.Sum(data, block, TagSize)
	if err != nil {
		return Key{}, fmt.Errorf("computing CMAC: %w", err)
	}
	return Key(mac), nil
}

// VerifyCMAC checks mac against the AES-128-CMAC of data in constant time.
func VerifyCMAC(key Key, data []byte, mac [TagSize]byte) error {
	want, err := CMAC(key, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want[:], mac[:]) != 1 {
		return ErrMACMismatch
	}
	return nil
}

// Zero overwrites the key.
func (k *Key) Zero() {
	clear(k[:])
}
