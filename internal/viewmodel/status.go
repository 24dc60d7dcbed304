package viewmodel

import "fmt"

// Status is the lifecycle state of the managed artifact. The numeric order
// matters: network loss only affects states below StatusInstalling.
type Status int

const (
	// StatusNormal means nothing has been attempted yet
	StatusNormal Status = iota

	// StatusDownloading means the integrity probe or transfer is running
	StatusDownloading

	// StatusDownloaded means the artifact is staged and ready to install
	StatusDownloaded

	// StatusInstalling means the privileged install script is running
	StatusInstalling

	// StatusInstalled means the install script was invoked
	StatusInstalled

	// StatusCancel means the user declined the installation
	StatusCancel

	// StatusError means the last attempt failed; see Model.Error
	StatusError
)

var statusNames = [...]string{
	StatusNormal:      "normal",
	StatusDownloading: "downloading",
	StatusDownloaded:  "downloaded",
	StatusInstalling:  "installing",
	StatusInstalled:   "installed",
	StatusCancel:      "cancel",
	StatusError:       "error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// IsActive returns true while a worker owns the state
func (s Status) IsActive() bool {
	return s == StatusDownloading || s == StatusInstalling
}

// IsFinished returns true for states that end an attempt
func (s Status) IsFinished() bool {
	return s == StatusInstalled || s == StatusCancel || s == StatusError
}
