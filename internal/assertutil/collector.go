package assertutil

import "sync"

type Report struct {
	Severity Severity
	Err      error
}

// Collector records reports instead of acting on them. It's meant for tests
// asserting which violations a scenario triggers.
type Collector struct {
	mu      sync.Mutex
	reports []Report
}

// NewCollector returns a Reporter wired to a fresh Collector.
func NewCollector() (*Reporter, *Collector) {
	c := &Collector{}
	return NewReporter(c.handle), c
}

func (c *Collector) handle(severity Severity, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, Report{Severity: severity, Err: err})
}

func (c *Collector) Reports() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	reports := make([]Report, len(c.reports))
	copy(reports, c.reports)
	return reports
}

// Count returns how many reports of the given severity were collected.
func (c *Collector) Count(severity Severity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, r := range c.reports {
		if r.Severity == severity {
			n++
		}
	}
	return n
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = nil
}
