/*
# SGX EPID Data Types

This package contains the fixed binary structures exchanged between the quoting and
provisioning logic, the provisioning backend, and SGX applications.
All structures are decoded with explicit offsets. Integers inside SGX hardware structures
(reports, key requests, sealed data, quotes) are little endian, integers inside structures
defined by the provisioning backend (SigRL, XEGB, platform info) are big endian.

## EPID Quote Format

	            Quote
	         ParseQuote                                 QuoteSignature
	┌─────────────────────────┐                     ParseQuoteSignature
	│   Version / SignType    │            ┌─────────────────────────────────────┐
	│        (4 bytes)        │            │             WrappedKey              │
	├─────────────────────────┤            │     RSA-OAEP(AES key) (256 bytes)   │
	│      EPID Group ID      │            ├─────────────────────────────────────┤
	│        (4 bytes)        │            │        SHA-256(AES key) (32)        │
	├─────────────────────────┤            ├─────────────────────────────────────┤
	│ QESVN / PCESVN / XEID   │            │             IV (12 bytes)           │
	│        (8 bytes)        │            ├─────────────────────────────────────┤
	├─────────────────────────┤            │         PayloadSize (4 bytes)       │
	│        Basename         │            ├─────────────────────────────────────┤
	│       (32 bytes)        │            │  AES-GCM encrypted:                 │
	├─────────────────────────┤            │  ┌───────────────────────────────┐  │
	│       ReportBody        │            │  │  BasicSignature (352 bytes)   │  │
	│       (384 bytes)       │            │  ├───────────────────────────────┤  │
	├─────────────────────────┤            │  │  RLVersion / N2 (BE, 8 bytes) │  │
	│     SignatureLength     │            │  ├───────────────────────────────┤  │
	│        (4 bytes)        │            │  │  NrProof x N2 (160 bytes)     │  │
	├─────────────────────────┤            │  └───────────────────────────────┘  │
	│       Signature         ├───────────►├─────────────────────────────────────┤
	│       (variable)        │            │            Tag (16 bytes)           │
	└─────────────────────────┘            └─────────────────────────────────────┘

## Sealed Data Format

	┌─────────────────────────┬──────────────────┬──────────────────┬─────────┬───────────────────────────┐
	│ KeyRequest (512 bytes)  │ PlainTextOffset  │   PayloadSize    │   Tag   │ Payload                   │
	│                         │ (4 + 12 reserved)│   (4 + 12 IV)    │  (16)   │ ciphertext ‖ AAD          │
	└─────────────────────────┴──────────────────┴──────────────────┴─────────┴───────────────────────────┘
*/
package types
