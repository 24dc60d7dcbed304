// Package netmon watches local network connectivity by polling the
// interface table and publishes availability changes on a channel.
package netmon

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/gooroom/viewer-installer/internal/logging"
)

var log = logging.L("netmon")

// Observer reports whether the network is usable and signals changes.
type Observer interface {
	Available() bool
	Changes() <-chan bool
}

// Prober answers whether any usable network is up right now.
type Prober func(ctx context.Context) (bool, error)

// Monitor polls a Prober and sends on Changes whenever availability flips.
type Monitor struct {
	probe    Prober
	interval time.Duration

	mu        sync.RWMutex
	available bool

	changes  chan bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Monitor using probe. A nil probe uses InterfaceProbe.
func New(probe Prober, interval time.Duration) *Monitor {
	if probe == nil {
		probe = InterfaceProbe
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		changes:  make(chan bool, 1),
		done:     make(chan struct{}),
	}
}

// Start takes an initial reading and begins polling in the background.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.set(m.read(ctx), false)
	go m.loop(ctx)
}

// Stop ends polling and closes the Changes channel.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		close(m.changes)
	})
}

// Available returns the most recent reading.
func (m *Monitor) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

// Changes delivers the new availability each time it flips. When a reader
// falls behind only the latest value is kept.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.set(m.read(ctx), true)
		}
	}
}

func (m *Monitor) read(ctx context.Context) bool {
	ok, err := m.probe(ctx)
	if err != nil {
		log.Debug("network probe failed", "error", err)
		return false
	}
	return ok
}

func (m *Monitor) set(available, notify bool) {
	m.mu.Lock()
	changed := m.available != available
	m.available = available
	m.mu.Unlock()

	if !changed || !notify {
		return
	}

	log.Info("network availability changed", "available", available)
	for {
		select {
		case m.changes <- available:
			return
		default:
		}
		// Drop the stale pending value so the reader sees the latest state.
		select {
		case <-m.changes:
		default:
		}
	}
}

// InterfaceProbe reports true when an interface other than loopback is up
// and carries a routable address.
func InterfaceProbe(ctx context.Context) (bool, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return false, err
	}
	return HasUsableInterface(ifaces), nil
}

// HasUsableInterface is the pure part of InterfaceProbe.
func HasUsableInterface(ifaces psnet.InterfaceStatList) bool {
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return true
		}
	}
	return false
}

// Static is an Observer with a fixed answer and no changes.
type Static bool

func (s Static) Available() bool { return bool(s) }

func (s Static) Changes() <-chan bool { return nil }
