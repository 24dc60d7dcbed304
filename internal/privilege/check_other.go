//go:build !windows

package privilege

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsRunningAsRoot returns true if the installer is running with UID 0 (root).
func IsRunningAsRoot() bool {
	return os.Getuid() == 0
}

func canWrite(dir string) error {
	return unix.Access(dir, unix.W_OK|unix.X_OK)
}
