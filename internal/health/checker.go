// Package health aggregates subsystem probes behind the /healthz endpoint.
// Probes answer on demand; nothing polls in the background. A critical
// probe failing means the process should be taken out of rotation, a
// non-critical one only colors the report.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status summarizes the whole process.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Probe inspects one subsystem. The detail string lands verbatim in the
// report ("ok", "depth 12", "disabled"); a non-nil error marks the
// subsystem unhealthy.
type Probe func(ctx context.Context) (detail string, err error)

// Report is the /healthz payload.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]string `json:"checks"`
	Uptime string            `json:"uptime"`
}

// Healthy reports whether the process should stay in rotation.
func (r *Report) Healthy() bool { return r.Status != StatusDown }

type entry struct {
	probe    Probe
	critical bool
}

// Checker runs registered probes with a shared per-probe timeout.
type Checker struct {
	mu      sync.Mutex
	probes  map[string]entry
	timeout time.Duration
	started time.Time
	logger  *zap.Logger
}

// New creates a Checker. timeout bounds each individual probe; 0 selects
// two seconds.
func New(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		probes:  make(map[string]entry),
		timeout: timeout,
		started: time.Now().UTC(),
		logger:  logger,
	}
}

// Register adds a named probe. Critical probes take the process to
// StatusDown when they fail; others only degrade it.
func (c *Checker) Register(name string, critical bool, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = entry{probe: p, critical: critical}
}

// Check runs every probe and folds the results into one report. Probes run
// sequentially; the set is small and the timeout per probe is short.
func (c *Checker) Check(ctx context.Context) *Report {
	c.mu.Lock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	snapshot := make(map[string]entry, len(c.probes))
	for name, e := range c.probes {
		snapshot[name] = e
	}
	c.mu.Unlock()

	report := &Report{
		Status: StatusOK,
		Checks: make(map[string]string, len(names)),
		Uptime: time.Since(c.started).Round(time.Second).String(),
	}

	for _, name := range names {
		e := snapshot[name]
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		detail, err := e.probe(probeCtx)
		cancel()

		if err != nil {
			report.Checks[name] = fmt.Sprintf("error: %v", err)
			if e.critical {
				report.Status = StatusDown
			} else if report.Status == StatusOK {
				report.Status = StatusDegraded
			}
			c.logger.Warn("health probe failed",
				zap.String("probe", name),
				zap.Bool("critical", e.critical),
				zap.Error(err),
			)
			continue
		}
		if detail == "" {
			detail = "ok"
		}
		report.Checks[name] = detail
	}
	return report
}
