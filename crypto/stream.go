package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"
)

// NewSHA256 returns a running SHA-256 state.
func NewSHA256() hash.Hash {
	return sha256.New()
}

// GCMStream encrypts plaintext with AES-128-GCM as it is written. Each piece is encrypted and
// authenticated on arrival, so no plaintext is retained; only the cipher text, which is the
// output, grows with the input. The result equals GCMEncrypt over the concatenated pieces.
type GCMStream struct {
	ctr        cipher.Stream
	tagMask    [TagSize]byte
	h          gfElement
	acc        gfElement
	pending    [TagSize]byte
	nPending   int
	aadLen     uint64
	ciphertext []byte
	err        error
}

// NewGCMStream starts a piecewise encryption under key and iv.
func NewGCMStream(key Key, iv [IVSize]byte, aad []byte) *GCMStream {
	s := &GCMStream{}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		s.err = fmt.Errorf("creating AES cipher: %w", err)
		return s
	}

	var hashKey [TagSize]byte
	block.Encrypt(hashKey[:], hashKey[:])
	s.h = loadElement(hashKey[:])
	clear(hashKey[:])

	// J0 = iv ‖ 1 masks the tag, the keystream starts at iv ‖ 2
	var counter [aes.BlockSize]byte
	copy(counter[:], iv[:])
	counter[aes.BlockSize-1] = 1
	block.Encrypt(s.tagMask[:], counter[:])
	counter[aes.BlockSize-1] = 2
	s.ctr = cipher.NewCTR(block, counter[:])

	s.aadLen = uint64(len(aad))
	s.absorb(aad)
	s.flush()
	return s
}

// Write encrypts p and appends the cipher text to the output.
func (s *GCMStream) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	// the 32 bit GCM counter wraps after 2^32 blocks
	if uint64(len(s.ciphertext))+uint64(len(p)) > (math.MaxUint32-1)*aes.BlockSize {
		return 0, fmt.Errorf("GCM stream exceeds %d blocks", uint64(math.MaxUint32-1))
	}
	start := len(s.ciphertext)
	s.ciphertext = append(s.ciphertext, p...)
	out := s.ciphertext[start:]
	s.ctr.XORKeyStream(out, out)
	s.absorb(out)
	return len(p), nil
}

// Len returns the number of plaintext bytes written so far.
func (s *GCMStream) Len() int {
	return len(s.ciphertext)
}

// Seal finishes the encryption and returns the cipher text and tag.
func (s *GCMStream) Seal() ([]byte, [TagSize]byte, error) {
	defer s.Close()
	if s.err != nil {
		return nil, [TagSize]byte{}, s.err
	}
	s.flush()

	var lengths [TagSize]byte
	binary.BigEndian.PutUint64(lengths[:8], s.aadLen*8)
	binary.BigEndian.PutUint64(lengths[8:], uint64(len(s.ciphertext))*8)
	s.acc = gfMul(s.acc.xor(loadElement(lengths[:])), s.h)

	var tag [TagSize]byte
	s.acc.store(tag[:])
	xorBytes(tag[:], s.tagMask[:])
	ciphertext := s.ciphertext
	s.ciphertext = nil
	return ciphertext, tag, nil
}

// Close wipes the key material. The stream cannot be used afterwards.
func (s *GCMStream) Close() {
	s.ctr = nil
	s.h, s.acc = gfElement{}, gfElement{}
	clear(s.tagMask[:])
	clear(s.pending[:])
	if s.err == nil {
		s.err = errors.New("GCM stream closed")
	}
}

// absorb feeds data into GHASH, keeping an incomplete trailing block pending.
func (s *GCMStream) absorb(data []byte) {
	for len(data) > 0 {
		n := copy(s.pending[s.nPending:], data)
		s.nPending += n
		data = data[n:]
		if s.nPending == TagSize {
			s.acc = gfMul(s.acc.xor(loadElement(s.pending[:])), s.h)
			s.nPending = 0
		}
	}
}

// flush zero pads and absorbs a pending partial block.
func (s *GCMStream) flush() {
	if s.nPending == 0 {
		return
	}
	clear(s.pending[s.nPending:])
	s.acc = gfMul(s.acc.xor(loadElement(s.pending[:])), s.h)
	s.nPending = 0
}

func xorBytes(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// gfElement is an element of GF(2^128) in the bit order of GCM: hi holds the first 8 bytes.
type gfElement struct {
	hi, lo uint64
}

func loadElement(b []byte) gfElement {
	return gfElement{hi: binary.BigEndian.Uint64(b[:8]), lo: binary.BigEndian.Uint64(b[8:16])}
}

func (x gfElement) store(b []byte) {
	binary.BigEndian.PutUint64(b[:8], x.hi)
	binary.BigEndian.PutUint64(b[8:16], x.lo)
}

func (x gfElement) xor(y gfElement) gfElement {
	return gfElement{hi: x.hi ^ y.hi, lo: x.lo ^ y.lo}
}

// gfMul multiplies in GF(2^128) modulo x^128 + x^7 + x^2 + x + 1 without secret dependent
// branches.
func gfMul(x, y gfElement) gfElement {
	var z gfElement
	v := y
	for i := 0; i < 128; i++ {
		var bit uint64
		if i < 64 {
			bit = (x.hi >> (63 - i)) & 1
		} else {
			bit = (x.lo >> (127 - i)) & 1
		}
		mask := -bit
		z.hi ^= v.hi & mask
		z.lo ^= v.lo & mask

		reduce := -(v.lo & 1)
		v.lo = v.lo>>1 | v.hi<<63
		v.hi = v.hi>>1 ^ 0xe100000000000000&reduce
	}
	return z
}
