//go:build windows

package privilege

import "os"

// IsRunningAsRoot is always false on Windows; the install script needs a
// POSIX escalation tool.
func IsRunningAsRoot() bool {
	return false
}

func canWrite(dir string) error {
	f, err := os.CreateTemp(dir, ".viewer-installer-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
