// Package health reports installer readiness as the worst of a set of
// named component probes.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/gooroom/viewer-installer/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Check stores the latest result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Probe inspects one component. It must not block.
type Probe func() (Status, string)

// Report is the result of one Evaluate call.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Monitor runs registered probes on demand and keeps their last results.
type Monitor struct {
	mu     sync.Mutex
	probes map[string]Probe
	checks map[string]Check
	now    func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		probes: make(map[string]Probe),
		checks: make(map[string]Check),
		now:    time.Now,
	}
}

// Register adds or replaces the probe for name.
func (m *Monitor) Register(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = p
}

// Evaluate runs every probe and returns the checks sorted by name. Only
// status changes are logged.
func (m *Monitor) Evaluate() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, probe := range m.probes {
		status, msg := probe()
		prev, seen := m.checks[name]
		if seen && prev.Status == status && prev.Message == msg {
			continue
		}
		if status != Healthy {
			log.Warn("check not healthy", "check", name, "status", string(status), "message", msg)
		} else if seen {
			log.Info("check recovered", "check", name)
		}
		m.checks[name] = Check{Name: name, Status: status, Message: msg, UpdatedAt: m.now()}
	}

	r := Report{Status: Healthy, Checks: make([]Check, 0, len(m.checks))}
	for _, c := range m.checks {
		r.Checks = append(r.Checks, c)
		if rank(c.Status) > rank(r.Status) {
			r.Status = c.Status
		}
	}
	sort.Slice(r.Checks, func(i, j int) bool { return r.Checks[i].Name < r.Checks[j].Name })
	return r
}

func rank(s Status) int {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 0
	}
}
