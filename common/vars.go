package common

// Version is set at build time with -ldflags "-X github.com/edgelesssys/go-sgx-epid/common.Version=...".
var Version = "dev"

// PackageName is the service name attached to logs by default.
const PackageName = "epidd"
