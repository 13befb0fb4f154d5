package types

import (
	"encoding/binary"
	"fmt"
)

// SealedDataHeaderSize is the size of the fixed part of a sealed data blob.
const SealedDataHeaderSize = KeyRequestSize + 4 + 12 + 4 + 12 + 16

// SealedData is an AES-GCM protected container bound to an enclave identity.
// Payload holds the encrypted text followed by the additional MAC text;
// PlainTextOffset is the length of the encrypted part. IV occupies bytes of the AES
// data header that are reserved in the hardware layout; it is zero for blobs sealed
// with a zero IV.
type SealedData struct {
	KeyRequest      KeyRequest
	PlainTextOffset uint32
	PayloadSize     uint32
	IV              [12]byte
	Tag             [16]byte
	Payload         []byte
}

// ParseSealedData parses a sealed data blob.
func ParseSealedData(raw []byte) (SealedData, error) {
	if len(raw) < SealedDataHeaderSize {
		return SealedData{}, fmt.Errorf("sealed data is too short to be parsed (received: %d bytes)", len(raw))
	}
	keyRequest, err := ParseKeyRequest(raw[0:512])
	if err != nil {
		return SealedData{}, fmt.Errorf("parsing key request: %w", err)
	}

	plainTextOffset := binary.LittleEndian.Uint32(raw[512:516])
	payloadSize := binary.LittleEndian.Uint32(raw[528:532])

	// upcast to avoid overflow on 32 bit platforms
	if uint64(SealedDataHeaderSize)+uint64(payloadSize) != uint64(len(raw)) {
		return SealedData{}, fmt.Errorf("sealed data payload size does not match (declared: %d bytes, available: %d bytes)", payloadSize, len(raw)-SealedDataHeaderSize)
	}
	if plainTextOffset > payloadSize {
		return SealedData{}, fmt.Errorf("plain text offset %d exceeds payload size %d", plainTextOffset, payloadSize)
	}

	payload := make([]byte, payloadSize)
	copy(payload, raw[SealedDataHeaderSize:])

	return SealedData{
		KeyRequest:      keyRequest,
		PlainTextOffset: plainTextOffset,
		PayloadSize:     payloadSize,
		IV:              [12]byte(raw[532:544]),
		Tag:             [16]byte(raw[544:560]),
		Payload:         payload,
	}, nil
}

// Marshal serializes the sealed data blob.
func (s *SealedData) Marshal() []byte {
	keyRequest := s.KeyRequest.Marshal()

	result := make([]byte, SealedDataHeaderSize+len(s.Payload))
	copy(result[0:512], keyRequest[:])
	binary.LittleEndian.PutUint32(result[512:516], s.PlainTextOffset)
	binary.LittleEndian.PutUint32(result[528:532], s.PayloadSize)
	copy(result[532:544], s.IV[:])
	copy(result[544:560], s.Tag[:])
	copy(result[SealedDataHeaderSize:], s.Payload)
	return result
}

// EncryptedText returns the encrypted part of the payload.
func (s *SealedData) EncryptedText() []byte {
	return s.Payload[:s.PlainTextOffset]
}

// AdditionalMACText returns the authenticated but unencrypted part of the payload.
func (s *SealedData) AdditionalMACText() []byte {
	return s.Payload[s.PlainTextOffset:]
}
