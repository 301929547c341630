// Package timeout centralises dispatch and validator deadlines. Each
// operation class has a default budget that scales with the retry
// attempt and clamps to a configured range. When enough recent
// successes have been observed, the P95 of their durations replaces
// the static default so budgets track real agent behavior.
package timeout

import (
	"sort"
	"sync"
	"time"
)

// Class names an operation category with its own budget.
type Class string

const (
	ClassPlan         Class = "plan"
	ClassWork         Class = "work"
	ClassFastFix      Class = "fast-fix"
	ClassHeavyFix     Class = "heavy-fix"
	ClassSyntaxCheck  Class = "syntax-check"
	ClassLint         Class = "lint"
	ClassTestCollect  Class = "test-collect"
	ClassCollaborator Class = "collaborator"
)

// minSamples is how many observations a class needs before the P95
// overrides the static default.
const minSamples = 8

// Config holds the policy settings
type Config struct {
	// Defaults maps each class to its base budget
	Defaults map[Class]time.Duration

	// Min and Max clamp every computed budget
	Min time.Duration
	Max time.Duration

	// WindowSize bounds the per-class sample history
	WindowSize int
}

// DefaultConfig returns the default timeout configuration
func DefaultConfig() Config {
	return Config{
		Defaults: map[Class]time.Duration{
			ClassPlan:         60 * time.Second,
			ClassWork:         120 * time.Second,
			ClassFastFix:      30 * time.Second,
			ClassHeavyFix:     300 * time.Second,
			ClassSyntaxCheck:  10 * time.Second,
			ClassLint:         30 * time.Second,
			ClassTestCollect:  30 * time.Second,
			ClassCollaborator: 60 * time.Second,
		},
		Min:        5 * time.Second,
		Max:        10 * time.Minute,
		WindowSize: 64,
	}
}

// Policy computes per-class deadlines.
type Policy struct {
	cfg Config

	mu      sync.Mutex
	samples map[Class][]time.Duration
}

// NewPolicy creates a policy from cfg, filling unset fields from the
// defaults.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.Defaults == nil {
		cfg.Defaults = def.Defaults
	}
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	return &Policy{
		cfg:     cfg,
		samples: make(map[Class][]time.Duration),
	}
}

// For returns the budget for one attempt of the given class. Attempts
// are 1-based; later attempts get proportionally more time.
func (p *Policy) For(class Class, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.base(class)
	budget := base * time.Duration(attempt)

	if budget < p.cfg.Min {
		return p.cfg.Min
	}
	if budget > p.cfg.Max {
		return p.cfg.Max
	}
	return budget
}

// Observe records the duration of a successful operation so future
// budgets can adapt.
func (p *Policy) Observe(class Class, d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	window := append(p.samples[class], d)
	if len(window) > p.cfg.WindowSize {
		window = window[len(window)-p.cfg.WindowSize:]
	}
	p.samples[class] = window
}

// base returns the P95 of recent successes when available, otherwise
// the configured default.
func (p *Policy) base(class Class) time.Duration {
	p.mu.Lock()
	window := p.samples[class]
	var sorted []time.Duration
	if len(window) >= minSamples {
		sorted = make([]time.Duration, len(window))
		copy(sorted, window)
	}
	p.mu.Unlock()

	if sorted == nil {
		if d, ok := p.cfg.Defaults[class]; ok {
			return d
		}
		return p.cfg.Min
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
