package status

// AESMCode is the result code reported to clients of the quoting service.
type AESMCode uint32

// AESM result codes, numbered as in the AESM wire protocol.
const (
	AESMSuccess              AESMCode = 0
	AESMUnexpectedError      AESMCode = 1
	AESMNoDeviceError        AESMCode = 2
	AESMParameterError       AESMCode = 3
	AESMEPIDBlobError        AESMCode = 4
	AESMEPIDRevokedError     AESMCode = 5
	AESMNetworkError         AESMCode = 12
	AESMNetworkBusyError     AESMCode = 13
	AESMFileAccessError      AESMCode = 15
	AESMSGXProvisionFailed   AESMCode = 16
	AESMServiceStopped       AESMCode = 17
	AESMBusy                 AESMCode = 18
	AESMBackendServerBusy    AESMCode = 19
	AESMOutOfMemoryError     AESMCode = 21
	AESMMsgError             AESMCode = 22
	AESMOutOfEPC             AESMCode = 28
	AESMServiceUnavailable   AESMCode = 29
	AESMUnrecognizedPlatform AESMCode = 41
)

// ToAESM maps an error returned by the provisioning or quoting logic to an AESM code.
func ToAESM(err error) AESMCode {
	switch CodeOf(err) {
	case Success:
		return AESMSuccess
	case ParameterError, IntegerOverflow, AttributeError:
		return AESMParameterError
	case OutOfMemory:
		return AESMOutOfMemoryError
	case EPIDBlobError, IntegrityError:
		return AESMEPIDBlobError
	case Revoked:
		return AESMEPIDRevokedError
	case MsgError, SigRLIntegrity, PEKSignError, XEGDSKSignError, ProtocolError:
		return AESMMsgError
	case Busy:
		return AESMBackendServerBusy
	case NetworkError:
		return AESMNetworkError
	case BackendServerError:
		return AESMSGXProvisionFailed
	default:
		return AESMUnexpectedError
	}
}
