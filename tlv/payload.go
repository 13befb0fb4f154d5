package tlv

import "fmt"

// NewCipherText returns a CIPHER_TEXT entry: a key ID byte followed by the cipher text.
func NewCipherText(keyID byte, text []byte) Entry {
	payload := make([]byte, 0, KeyIDSize+len(text))
	payload = append(payload, keyID)
	payload = append(payload, text...)
	return New(CipherText, payload)
}

// ParseCipherText splits a CIPHER_TEXT entry into key ID and cipher text.
func ParseCipherText(e Entry) (keyID byte, text []byte, err error) {
	if e.Type != CipherText || len(e.Payload) < KeyIDSize {
		return 0, nil, fmt.Errorf("%w: malformed cipher text TLV", ErrInvalidFormat)
	}
	return e.Payload[0], e.Payload[KeyIDSize:], nil
}

// NewBlockCipherText returns a BLOCK_CIPHER_TEXT entry: an IV followed by the cipher text.
func NewBlockCipherText(iv [IVSize]byte, text []byte) Entry {
	payload := make([]byte, 0, IVSize+len(text))
	payload = append(payload, iv[:]...)
	payload = append(payload, text...)
	return New(BlockCipherText, payload)
}

// ParseBlockCipherText splits a BLOCK_CIPHER_TEXT entry into IV and cipher text.
func ParseBlockCipherText(e Entry) (iv [IVSize]byte, text []byte, err error) {
	if e.Type != BlockCipherText || len(e.Payload) < IVSize {
		return iv, nil, fmt.Errorf("%w: malformed block cipher text TLV", ErrInvalidFormat)
	}
	return [IVSize]byte(e.Payload[:IVSize]), e.Payload[IVSize:], nil
}

// NewMAC returns a MAC entry.
func NewMAC(mac [MACSize]byte) Entry {
	return New(MAC, mac[:])
}

// ParseMAC returns the tag carried by a MAC entry.
func ParseMAC(e Entry) ([MACSize]byte, error) {
	payload, err := Fixed(e, MAC, MACSize)
	if err != nil {
		return [MACSize]byte{}, err
	}
	return [MACSize]byte(payload), nil
}

// Fixed returns the payload of e after checking its type and exact size.
func Fixed(e Entry, typ Type, size int) ([]byte, error) {
	if e.Type != typ {
		return nil, fmt.Errorf("%w: expected TLV type %d, got %d", ErrInvalidFormat, typ, e.Type)
	}
	if len(e.Payload) != size {
		return nil, fmt.Errorf("%w: TLV type %d has %d bytes, expected %d", ErrInvalidFormat, typ, len(e.Payload), size)
	}
	return e.Payload, nil
}
