// Package report accumulates step-scoped build failures.
//
// Nothing in the pipeline aborts on the first patch or postcondition
// failure; every phase records what went wrong into a Collector so a single
// run surfaces the complete problem set. The pipeline inspects the
// collector at fixed checkpoints and fails the build if it is non-empty.
package report

import (
	"fmt"
	"strings"
)

// Entry is a single recorded failure, tagged with the step that produced it.
type Entry struct {
	Step    string
	Message string
}

// Collector holds failures in the order they were recorded.
// The zero value is ready to use.
type Collector struct {
	entries []Entry
}

// Add records a failure for the given step.
func (c *Collector) Add(step, format string, args ...any) {
	c.entries = append(c.entries, Entry{Step: step, Message: fmt.Sprintf(format, args...)})
}

// Len returns the number of recorded failures.
func (c *Collector) Len() int {
	return len(c.entries)
}

// Empty reports whether nothing has been recorded.
func (c *Collector) Empty() bool {
	return len(c.entries) == 0
}

// Entries returns the recorded failures in insertion order.
func (c *Collector) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Steps returns the distinct step identifiers in first-appearance order.
func (c *Collector) Steps() []string {
	seen := make(map[string]bool)
	var steps []string
	for _, e := range c.entries {
		if !seen[e.Step] {
			seen[e.Step] = true
			steps = append(steps, e.Step)
		}
	}
	return steps
}

// Render formats the failures grouped by step.
func (c *Collector) Render() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d failure(s):\n", len(c.entries))
	for _, step := range c.Steps() {
		fmt.Fprintf(&b, "[%s]\n", step)
		for _, e := range c.entries {
			if e.Step == step {
				fmt.Fprintf(&b, "  - %s\n", e.Message)
			}
		}
	}
	return b.String()
}

// Err returns a *FailureError wrapping the collected entries, or nil if
// nothing was recorded.
func (c *Collector) Err() error {
	if c.Empty() {
		return nil
	}
	return &FailureError{Entries: c.Entries()}
}

// FailureError is returned at pipeline checkpoints when failures were
// collected during a phase.
type FailureError struct {
	Entries []Entry
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("build failed with %d error(s)", len(e.Entries))
}
