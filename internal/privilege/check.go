package privilege

import (
	"errors"
	"fmt"
	"os/exec"
)

var (
	ErrStagingNotWritable = errors.New("staging directory is not writable")
	ErrNoEscalationTool   = errors.New("escalation tool not found")
)

// Report is what the installer can do as the current user.
type Report struct {
	Root            bool
	StagingDir      string
	StagingErr      error
	EscalationTool  string
	EscalationPath  string
	EscalationError error
}

// Preflight checks that downloads can be staged in stagingDir and that the
// install script can be escalated with tool.
func Preflight(stagingDir, tool string) Report {
	r := Report{
		Root:           IsRunningAsRoot(),
		StagingDir:     stagingDir,
		EscalationTool: tool,
	}
	if err := canWrite(stagingDir); err != nil {
		r.StagingErr = fmt.Errorf("%w: %s: %w", ErrStagingNotWritable, stagingDir, err)
	}
	path, err := exec.LookPath(tool)
	if err != nil {
		r.EscalationError = fmt.Errorf("%w: %s: %w", ErrNoEscalationTool, tool, err)
	} else {
		r.EscalationPath = path
	}
	return r
}

// Err returns the first problem that would stop an install, or nil.
func (r Report) Err() error {
	if r.StagingErr != nil {
		return r.StagingErr
	}
	return r.EscalationError
}
