// Package timing provides simple phase timing for VM start latency.
package timing

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Timer tracks durations of named phases.
type Timer struct {
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark records a named phase ending now.
// Duration is time since last mark (or since start if first mark).
func (t *Timer) Mark(name string) {
	now := time.Now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Fields returns one duration field per phase plus the total, for
// attaching to a log entry.
func (t *Timer) Fields() []zap.Field {
	phases := t.Phases()
	fields := make([]zap.Field, 0, len(phases)+1)
	for _, p := range phases {
		fields = append(fields, zap.Duration(p.Name, p.Duration))
	}
	return append(fields, zap.Duration("total", t.Total()))
}

// String renders the phases on one line, e.g. "load=2ms launch=1.20s".
func (t *Timer) String() string {
	phases := t.Phases()
	parts := make([]string, 0, len(phases))
	for _, p := range phases {
		parts = append(parts, p.Name+"="+formatDuration(p.Duration))
	}
	return strings.Join(parts, " ")
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
