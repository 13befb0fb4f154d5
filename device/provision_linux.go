package device

import (
	"fmt"
	"unsafe"

	"github.com/vtolstov/go-ioctl"
	"golang.org/x/sys/unix"
)

// sgxMagic is the ioctl type of the in-kernel SGX driver.
const sgxMagic = 0xA4

// SGX_IOC_ENCLAVE_PROVISION, arch/x86/include/uapi/asm/sgx.h
var enclaveProvision = ioctl.IOW(sgxMagic, 0x03, unsafe.Sizeof(enclaveProvisionArg{}))

// enclaveProvisionArg is struct sgx_enclave_provision.
type enclaveProvisionArg struct {
	fd uint64
}

// GrantProvisionKey allows the enclave behind the enclave file to request the provisioning
// key. It must be called before the enclave is initialized.
func GrantProvisionKey(enclave, provision device) error {
	arg := enclaveProvisionArg{fd: uint64(provision.Fd())}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, enclave.Fd(), enclaveProvision, uintptr(unsafe.Pointer(&arg))); errno != 0 {
		return fmt.Errorf("granting provisioning key: %w", errno)
	}
	return nil
}
