package types

import "crypto/sha256"

/*
   Byte strings both sides of the provisioning exchange authenticate.
   Based on:
   https://github.com/intel/linux-sgx/blob/master/psw/ae/pve/provision_msg3.cpp
   https://github.com/intel/linux-sgx/blob/master/psw/ae/pve/provision_msg4.cpp
*/

const (
	// ChallengeNonceSize is the size of the backend's challenge nonce in Msg2.
	ChallengeNonceSize = 32
	// N2Size is the size of the nonce PWK2 is derived from.
	N2Size = 16
)

// JoinProofAAD returns the associated data of the encrypted join proof in Msg3:
// gid ‖ device ID ‖ challenge nonce.
func JoinProofAAD(gid [4]byte, device *DeviceID, challenge [ChallengeNonceSize]byte) []byte {
	deviceID := device.Marshal()

	aad := make([]byte, 0, 4+DeviceIDSize+ChallengeNonceSize)
	aad = append(aad, gid[:]...)
	aad = append(aad, deviceID[:]...)
	aad = append(aad, challenge[:]...)
	return aad
}

// CredentialAAD returns the associated data of the encrypted membership credential in Msg4:
// gid ‖ equivalent PSVN of the provisioning enclave.
func CredentialAAD(gid [4]byte, psvn PSVN) []byte {
	rawPSVN := psvn.Marshal()

	aad := make([]byte, 0, 4+PSVNSize)
	aad = append(aad, gid[:]...)
	aad = append(aad, rawPSVN[:]...)
	return aad
}

// Msg3ReportData returns the report data binding the Msg3 field1 to the PCE signature:
// SHA256(field1 MAC ‖ field1 cipher text ‖ n2 ‖ encrypted PWK2) in the first 32 bytes.
// The cipher text is empty for performance rekeys.
func Msg3ReportData(field1MAC [16]byte, field1 []byte, n2 [N2Size]byte, encryptedPWK2 []byte) [64]byte {
	h := sha256.New()
	h.Write(field1MAC[:])
	h.Write(field1)
	h.Write(n2[:])
	h.Write(encryptedPWK2)

	var reportData [64]byte
	copy(reportData[:], h.Sum(nil))
	return reportData
}
