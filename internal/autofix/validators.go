package autofix

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ValidatorKind names one of the three re-validation steps.
type ValidatorKind string

const (
	ValidatorSyntax      ValidatorKind = "syntax"
	ValidatorLint        ValidatorKind = "lint"
	ValidatorTestCollect ValidatorKind = "test-collect"
)

// ValidatorResult is the outcome of one validator run.
type ValidatorResult struct {
	Kind     ValidatorKind
	Passed   bool
	Skipped  bool // tool not installed; advisory only
	Output   string
	Duration time.Duration
}

// Validator runs one validation step against a service directory.
type Validator interface {
	Kind() ValidatorKind
	Run(ctx context.Context, dir string) *ValidatorResult
}

// CommandValidator runs a subprocess validator. Exit 0 means clean;
// any other exit is a validation failure with parseable stdout.
type CommandValidator struct {
	kind    ValidatorKind
	tool    string
	args    []string
	timeout time.Duration
}

// NewCommandValidator builds a subprocess validator.
func NewCommandValidator(kind ValidatorKind, timeout time.Duration, tool string, args ...string) *CommandValidator {
	return &CommandValidator{kind: kind, tool: tool, args: args, timeout: timeout}
}

// Kind returns the validator's step name.
func (v *CommandValidator) Kind() ValidatorKind {
	return v.kind
}

// Run executes the tool in dir. A missing binary yields Skipped.
func (v *CommandValidator) Run(ctx context.Context, dir string) *ValidatorResult {
	result := &ValidatorResult{Kind: v.kind}

	toolPath, err := exec.LookPath(v.tool)
	if err != nil {
		result.Skipped = true
		result.Passed = true
		result.Output = fmt.Sprintf("%s not found in PATH", v.tool)
		return result
	}

	runCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, toolPath, v.args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	result.Duration = time.Since(start)
	result.Output = string(output)

	if runCtx.Err() == context.DeadlineExceeded {
		result.Output = fmt.Sprintf("%s timed out after %v\n%s", v.tool, v.timeout, result.Output)
		return result
	}
	result.Passed = err == nil
	return result
}

// DefaultValidators returns the standard python-service chain:
// syntax check, linter, test collection, with their default budgets.
func DefaultValidators() []Validator {
	return []Validator{
		NewCommandValidator(ValidatorSyntax, 10*time.Second, "python3", "-m", "compileall", "-q", "."),
		NewCommandValidator(ValidatorLint, 30*time.Second, "ruff", "check", "."),
		NewCommandValidator(ValidatorTestCollect, 30*time.Second, "pytest", "--collect-only", "-q"),
	}
}

// Runner executes the validator chain in order.
type Runner struct {
	validators []Validator

	mu     sync.Mutex
	warned map[ValidatorKind]bool
}

// NewRunner creates a runner over the given chain.
func NewRunner(validators []Validator) *Runner {
	return &Runner{
		validators: validators,
		warned:     make(map[ValidatorKind]bool),
	}
}

// RunAll runs every validator in order and reports whether all
// non-skipped steps passed. Missing tools warn once and count as
// advisory passes.
func (r *Runner) RunAll(ctx context.Context, dir string) ([]*ValidatorResult, bool) {
	results := make([]*ValidatorResult, 0, len(r.validators))
	allPassed := true

	for _, v := range r.validators {
		result := v.Run(ctx, dir)
		results = append(results, result)

		if result.Skipped {
			r.warnOnce(result.Kind, result.Output)
			continue
		}
		if !result.Passed {
			allPassed = false
		}
	}
	return results, allPassed
}

func (r *Runner) warnOnce(kind ValidatorKind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warned[kind] {
		return
	}
	r.warned[kind] = true
	fmt.Fprintf(os.Stderr, "Warning: %s validator unavailable (%s), step is advisory\n", kind, strings.TrimSpace(detail))
}

// FailureOutput concatenates the output of every failed step, the
// input for the next parse pass.
func FailureOutput(results []*ValidatorResult) string {
	var parts []string
	for _, r := range results {
		if !r.Passed && !r.Skipped {
			parts = append(parts, r.Output)
		}
	}
	return strings.Join(parts, "\n")
}
