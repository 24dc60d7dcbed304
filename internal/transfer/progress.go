package transfer

import "sync"

// Counter is an io.Writer that tracks received bytes and calls a callback
// whenever the integer percentage of total changes. Within one transfer the
// reported values are strictly increasing.
type Counter struct {
	mu       sync.Mutex
	total    int64
	received int64
	last     int
	notify   func(int)
}

// NewCounter returns a Counter for a transfer of total bytes. A total of
// zero or less disables notifications.
func NewCounter(total int64, notify func(int)) *Counter {
	return &Counter{total: total, last: -1, notify: notify}
}

func (c *Counter) Write(p []byte) (int, error) {
	c.Add(int64(len(p)))
	return len(p), nil
}

// Add records n more bytes received.
func (c *Counter) Add(n int64) {
	c.mu.Lock()
	c.received += n
	pct, changed := c.percent()
	c.mu.Unlock()

	if changed && c.notify != nil {
		c.notify(pct)
	}
}

// Percent is the last computed percentage, or -1 before the first report.
func (c *Counter) Percent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Counter) percent() (int, bool) {
	if c.total <= 0 {
		return 0, false
	}
	p := int(c.received * 100 / c.total)
	if p > 100 {
		p = 100
	}
	if p == c.last {
		return p, false
	}
	c.last = p
	return p, true
}
