/*
Package status defines the error taxonomy shared by the provisioning and quoting logic.

Every protocol function returns a plain Go error. Errors that carry meaning for a caller are
*Error values holding a Code. Each Code belongs to one Kind:

	┌────────────────────┬──────────────────────────────────────────────────────────┐
	│ Kind               │ Codes                                                    │
	├────────────────────┼──────────────────────────────────────────────────────────┤
	│ Parameter          │ ParameterError, IntegerOverflow, AttributeError          │
	│ CryptoUnexpected   │ Unexpected, ReadRandError, SealError                     │
	│ OutOfMemory        │ OutOfMemory                                              │
	│ Integrity          │ MsgError, SigRLIntegrity, EPIDBlobError, PEKSignError,   │
	│                    │ XEGDSKSignError, IntegrityError                          │
	│ Revoked            │ Revoked                                                  │
	│ UnsupportedVersion │ UnsupportedVersion                                       │
	│ Transport          │ Busy, NetworkError, BackendServerError, ProtocolError    │
	└────────────────────┴──────────────────────────────────────────────────────────┘

Codes are compared with errors.Is against the exported sentinels, so wrapping with %w keeps
them visible to callers further up.
*/
package status

import (
	"errors"
	"fmt"
)

// Kind groups codes by how a caller is expected to react.
type Kind int

// Kinds of errors.
const (
	KindParameter Kind = iota + 1
	KindCryptoUnexpected
	KindOutOfMemory
	KindIntegrity
	KindRevoked
	KindUnsupportedVersion
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindParameter:
		return "parameter"
	case KindCryptoUnexpected:
		return "crypto-unexpected"
	case KindOutOfMemory:
		return "out-of-memory"
	case KindIntegrity:
		return "integrity"
	case KindRevoked:
		return "revoked"
	case KindUnsupportedVersion:
		return "unsupported-version"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Code is a protocol level status code.
type Code uint32

// Status codes.
const (
	Success Code = iota
	Unexpected
	ParameterError
	OutOfMemory
	ReadRandError
	SigRLIntegrity
	EPIDBlobError
	MsgError
	PEKSignError
	XEGDSKSignError
	IntegerOverflow
	Revoked
	UnsupportedVersion
	AttributeError
	IntegrityError
	SealError
	Busy
	NetworkError
	BackendServerError
	ProtocolError
)

var codeNames = map[Code]string{
	Success:            "SUCCESS",
	Unexpected:         "UNEXPECTED_ERROR",
	ParameterError:     "PARAMETER_ERROR",
	OutOfMemory:        "INSUFFICIENT_MEMORY_ERROR",
	ReadRandError:      "READ_RAND_ERROR",
	SigRLIntegrity:     "SIGRL_INTEGRITY_CHECK_ERROR",
	EPIDBlobError:      "EPID_BLOB_ERROR",
	MsgError:           "MSG_ERROR",
	PEKSignError:       "PEK_SIGN_ERROR",
	XEGDSKSignError:    "XEGDSK_SIGN_ERROR",
	IntegerOverflow:    "INTEGER_OVERFLOW_ERROR",
	Revoked:            "REVOKED_ERROR",
	UnsupportedVersion: "UNSUPPORTED_VERSION",
	AttributeError:     "ATTRIBUTE_ERROR",
	IntegrityError:     "MAC_MISMATCH",
	SealError:          "SEAL_ERROR",
	Busy:               "BUSY",
	NetworkError:       "NETWORK_ERROR",
	BackendServerError: "BACKEND_SERVER_ERROR",
	ProtocolError:      "PROTOCOL_ERROR",
}

var codeKinds = map[Code]Kind{
	Unexpected:         KindCryptoUnexpected,
	ParameterError:     KindParameter,
	OutOfMemory:        KindOutOfMemory,
	ReadRandError:      KindCryptoUnexpected,
	SigRLIntegrity:     KindIntegrity,
	EPIDBlobError:      KindIntegrity,
	MsgError:           KindIntegrity,
	PEKSignError:       KindIntegrity,
	XEGDSKSignError:    KindIntegrity,
	IntegerOverflow:    KindParameter,
	Revoked:            KindRevoked,
	UnsupportedVersion: KindUnsupportedVersion,
	AttributeError:     KindParameter,
	IntegrityError:     KindIntegrity,
	SealError:          KindCryptoUnexpected,
	Busy:               KindTransport,
	NetworkError:       KindTransport,
	BackendServerError: KindTransport,
	ProtocolError:      KindTransport,
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", uint32(c))
}

// Kind returns the kind the code belongs to.
func (c Code) Kind() Kind {
	return codeKinds[c]
}

// Error is an error carrying a status code.
type Error struct {
	Code Code
	msg  string
	err  error
}

// Sentinels for use with errors.Is.
var (
	ErrUnexpected         = &Error{Code: Unexpected}
	ErrParameter          = &Error{Code: ParameterError}
	ErrOutOfMemory        = &Error{Code: OutOfMemory}
	ErrReadRand           = &Error{Code: ReadRandError}
	ErrSigRLIntegrity     = &Error{Code: SigRLIntegrity}
	ErrEPIDBlob           = &Error{Code: EPIDBlobError}
	ErrMsg                = &Error{Code: MsgError}
	ErrPEKSign            = &Error{Code: PEKSignError}
	ErrXEGDSKSign         = &Error{Code: XEGDSKSignError}
	ErrIntegerOverflow    = &Error{Code: IntegerOverflow}
	ErrRevoked            = &Error{Code: Revoked}
	ErrUnsupportedVersion = &Error{Code: UnsupportedVersion}
	ErrAttribute          = &Error{Code: AttributeError}
	ErrIntegrity          = &Error{Code: IntegrityError}
	ErrSeal               = &Error{Code: SealError}
	ErrBusy               = &Error{Code: Busy}
	ErrNetwork            = &Error{Code: NetworkError}
	ErrBackendServer      = &Error{Code: BackendServerError}
	ErrProtocol           = &Error{Code: ProtocolError}
)

// New returns an error with the given code and a formatted detail message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. It returns nil if err is nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.err)
	case e.msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.msg)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.err)
	default:
		return e.Code.String()
	}
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.err
}

// CodeOf returns the code of the outermost *Error in err's chain.
// Errors without a code map to Unexpected, nil maps to Success.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return Unexpected
}

// KindOf returns the kind of err's code.
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}

// releaseVisible lists the codes a release build passes through unchanged.
var releaseVisible = map[Code]bool{
	ParameterError:     true,
	OutOfMemory:        true,
	SigRLIntegrity:     true,
	EPIDBlobError:      true,
	MsgError:           true,
	PEKSignError:       true,
	XEGDSKSignError:    true,
	Revoked:            true,
	UnsupportedVersion: true,
	Busy:               true,
	NetworkError:       true,
	BackendServerError: true,
}

// Coarsen reduces err to a bare code. In debug mode the detail is kept.
// Outside debug mode codes that are not meaningful to a caller collapse to Unexpected
// and the message is dropped.
func Coarsen(err error, debug bool) error {
	if err == nil {
		return nil
	}
	if debug {
		return err
	}
	code := CodeOf(err)
	if !releaseVisible[code] {
		code = Unexpected
	}
	return &Error{Code: code}
}
