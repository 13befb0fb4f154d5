// Package device gives enclaves access to the provisioning key through the Linux SGX driver.
package device

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// ProvisionDevice grants the PROVISIONKEY attribute to enclaves.
	ProvisionDevice = "/dev/sgx_provision"
	// EnclaveDevice creates enclaves.
	EnclaveDevice = "/dev/sgx_enclave"
)

// device is an open device or enclave file.
type device interface {
	Fd() uintptr
}

// Status describes the SGX devices of the host.
type Status struct {
	Enclave   DeviceStatus `json:"enclave"`
	Provision DeviceStatus `json:"provision"`
}

// DeviceStatus describes one device node.
type DeviceStatus struct {
	Path       string `json:"path"`
	Present    bool   `json:"present"`
	Accessible bool   `json:"accessible"`
	Err        string `json:"error,omitempty"`
}

// Probe reports the state of the SGX device nodes.
func Probe() Status {
	return Status{
		Enclave:   probe(EnclaveDevice),
		Provision: probe(ProvisionDevice),
	}
}

// Ready reports whether enclaves can be created and granted the provisioning key.
func (s Status) Ready() bool {
	return s.Enclave.Accessible && s.Provision.Accessible
}

func probe(path string) DeviceStatus {
	status := DeviceStatus{Path: path}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return status
	}
	if err != nil {
		status.Err = err.Error()
		return status
	}
	status.Present = true
	if info.Mode()&fs.ModeDevice == 0 {
		status.Err = "not a device"
		return status
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		status.Err = fmt.Sprintf("no read/write access: %v", err)
		return status
	}
	status.Accessible = true
	return status
}

// OpenProvision opens the provisioning device.
func OpenProvision() (*os.File, error) {
	f, err := os.OpenFile(ProvisionDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening provisioning device: %w", err)
	}
	return f, nil
}
