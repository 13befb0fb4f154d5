//go:build !linux

package device

import "errors"

// GrantProvisionKey allows the enclave behind the enclave file to request the provisioning
// key.
func GrantProvisionKey(_, _ device) error {
	return errors.New("granting the provisioning key is only supported on linux")
}
