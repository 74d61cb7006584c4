// Package health tracks consecutive failures of the service's external
// dependencies (event stream, control API, notification endpoint) and
// reports an overall status for the operator API.
package health

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Component names used across the service.
const (
	EventStream = "event_stream"
	ControlAPI  = "control_api"
	Notifier    = "notifier"
)

// componentHealth counts consecutive failures for one dependency.
type componentHealth struct {
	failures    int
	lastErr     string
	lastFailure time.Time
	lastSuccess time.Time
}

// Tracker is safe for concurrent use. A nil *Tracker ignores all records.
type Tracker struct {
	mu         sync.Mutex
	threshold  int
	components map[string]*componentHealth
	now        func() time.Time
}

// NewTracker returns a tracker that reports a component failed after
// threshold consecutive failures and degraded after any failure.
func NewTracker(threshold int, names ...string) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	t := &Tracker{
		threshold:  threshold,
		components: make(map[string]*componentHealth),
		now:        time.Now,
	}
	for _, n := range names {
		t.components[n] = &componentHealth{}
	}
	return t
}

// componentLocked returns the entry for name, creating it. Caller must hold t.mu.
func (t *Tracker) componentLocked(name string) *componentHealth {
	c, ok := t.components[name]
	if !ok {
		c = &componentHealth{}
		t.components[name] = c
	}
	return c
}

func (t *Tracker) RecordSuccess(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.componentLocked(name)
	c.failures = 0
	c.lastSuccess = t.now()
}

func (t *Tracker) RecordFailure(name string, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.componentLocked(name)
	c.failures++
	if err != nil {
		c.lastErr = err.Error()
	}
	c.lastFailure = t.now()
}

// statusLocked computes a component's status. Caller must hold t.mu.
func (t *Tracker) statusLocked(c *componentHealth) Status {
	switch {
	case c.failures >= t.threshold:
		return StatusFailed
	case c.failures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// ComponentReport is the externally visible state of one dependency.
type ComponentReport struct {
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Failures    int        `json:"consecutiveFailures"`
	LastError   string     `json:"lastError,omitempty"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
}

// Report is the health document served by the operator API.
type Report struct {
	Status     Status            `json:"status"`
	Components []ComponentReport `json:"components"`
	Process    *ProcessStats     `json:"process,omitempty"`
}

// Report returns a consistent copy of every component's state. The overall
// status is the worst component status.
func (t *Tracker) Report() Report {
	if t == nil {
		return Report{Status: StatusHealthy}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Report{Status: StatusHealthy, Components: make([]ComponentReport, 0, len(t.components))}
	for name, c := range t.components {
		cr := ComponentReport{
			Name:      name,
			Status:    t.statusLocked(c),
			Failures:  c.failures,
			LastError: c.lastErr,
		}
		if !c.lastFailure.IsZero() {
			ts := c.lastFailure
			cr.LastFailure = &ts
		}
		if !c.lastSuccess.IsZero() {
			ts := c.lastSuccess
			cr.LastSuccess = &ts
		}
		r.Components = append(r.Components, cr)
		r.Status = worse(r.Status, cr.Status)
	}
	sort.Slice(r.Components, func(i, j int) bool { return r.Components[i].Name < r.Components[j].Name })
	return r
}

// Status returns the status of a single component.
func (t *Tracker) Status(name string) Status {
	if t == nil {
		return StatusHealthy
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.components[name]
	if !ok {
		return StatusHealthy
	}
	return t.statusLocked(c)
}

var severity = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusFailed: 2}

func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}
