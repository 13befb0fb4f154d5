//go:build !linux
// +build !linux

package secret

func lock(_ []byte) bool {
	return false
}

func unlock(_ []byte) {}
