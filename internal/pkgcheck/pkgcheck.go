// Package pkgcheck asks the system package database whether a package is
// already installed, so the installer can exit early.
package pkgcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/gooroom/viewer-installer/internal/logging"
)

var log = logging.L("pkgcheck")

// ErrNoPackageManager means neither dpkg-query nor rpm could be used.
var ErrNoPackageManager = errors.New("no supported package manager found")

// Runner executes a query command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Checker picks the query tool from the host's platform family.
type Checker struct {
	run      Runner
	family   func(ctx context.Context) (string, error)
	lookPath func(string) (string, error)
}

func New() *Checker {
	return &Checker{
		run:      execRunner,
		family:   platformFamily,
		lookPath: exec.LookPath,
	}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func platformFamily(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", err
	}
	return info.PlatformFamily, nil
}

// Installed reports whether pkg is installed. A query that exits non-zero
// means "not installed"; only a missing or unrunnable tool is an error.
func (c *Checker) Installed(ctx context.Context, pkg string) (bool, error) {
	family, err := c.family(ctx)
	if err != nil {
		log.Debug("platform family unknown", logging.KeyError, err)
	}

	var tools []string
	switch family {
	case "debian":
		tools = []string{"dpkg-query"}
	case "rhel", "fedora", "suse":
		tools = []string{"rpm"}
	default:
		tools = []string{"dpkg-query", "rpm"}
	}

	for _, tool := range tools {
		if _, err := c.lookPath(tool); err != nil {
			continue
		}
		installed, err := c.query(ctx, tool, pkg)
		log.Debug("package query", "tool", tool, "package", pkg, "installed", installed)
		return installed, err
	}
	return false, fmt.Errorf("%w (platform family %q)", ErrNoPackageManager, family)
}

func (c *Checker) query(ctx context.Context, tool, pkg string) (bool, error) {
	var args []string
	if tool == "rpm" {
		args = []string{"-q", pkg}
	} else {
		args = []string{"-W", "-f=${Status}", pkg}
	}

	out, err := c.run(ctx, tool, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("%s query for %s failed: %w", tool, pkg, err)
	}

	if tool == "rpm" {
		return true, nil
	}
	return dpkgInstalled(out), nil
}

// dpkgInstalled parses dpkg-query's ${Status} field, e.g.
// "install ok installed" or "deinstall ok config-files".
func dpkgInstalled(status []byte) bool {
	fields := strings.Fields(string(bytes.TrimSpace(status)))
	return len(fields) == 3 && fields[2] == "installed"
}
