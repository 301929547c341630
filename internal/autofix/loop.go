package autofix

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hiveops/hive/internal/types"
)

// Escalation reason codes for terminated sessions.
const (
	ReasonNoParseableErrors = "no-parseable-errors"
	ReasonNoFixesGenerated  = "no-fixes-generated"
	ReasonIdenticalFailures = "consecutive-identical-failures"
	ReasonBudgetExhausted   = "fix-attempts-exhausted"
)

// FixGenerator is the collaborator that proposes a repair for one
// parsed error given the current file contents. A nil Fix with nil
// error means the generator declined.
type FixGenerator interface {
	GenerateFix(ctx context.Context, perr types.ParsedError, fileContents string) (*types.Fix, error)
}

// Report is the terminal record of a fix session, carried into the
// escalation when the session fails.
type Report struct {
	Session             *types.FixSession
	Reason              string
	LastValidatorOutput string
}

// Config holds fix-loop settings
type Config struct {
	// MaxAttempts bounds the parse/generate/apply/re-validate cycle
	MaxAttempts int
}

// DefaultConfig returns the default fix-loop configuration
func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

// Loop drives bounded fix sessions.
type Loop struct {
	generator FixGenerator
	runner    *Runner
	cfg       Config
}

// New creates a fix loop.
func New(generator FixGenerator, runner *Runner, cfg Config) (*Loop, error) {
	if generator == nil {
		return nil, fmt.Errorf("fix generator is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("validator runner is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Loop{generator: generator, runner: runner, cfg: cfg}, nil
}

// TryFix runs one session for the task. It returns true when
// re-validation passed and the session ended fixed; the report always
// carries the session for event publication and escalation.
//
// Session invariants: attempt_count never exceeds max_attempts, and a
// fixed outcome means the last re-validation run passed across all
// available validators.
func (l *Loop) TryFix(ctx context.Context, task *types.Task, validatorOutput string) (bool, *Report) {
	session := &types.FixSession{
		TaskID:      task.ID,
		ServicePath: task.ServiceDirectory,
		MaxAttempts: l.cfg.MaxAttempts,
		Outcome:     types.FixOutcomeInProgress,
	}
	report := &Report{Session: session, LastValidatorOutput: validatorOutput}

	output := validatorOutput
	lastSignature := ""

	for session.AttemptCount < session.MaxAttempts {
		fixable := FilterAutoFixable(ParseErrors(output))
		if len(fixable) == 0 {
			// Nothing parseable left to fix: on the first pass there
			// was never anything mechanical to do, on a later pass the
			// remaining failures are beyond the generator.
			session.Outcome = types.FixOutcomeEscalated
			report.Reason = ReasonNoParseableErrors
			return false, report
		}

		session.AttemptCount++

		applied := 0
		for _, perr := range fixable {
			fix, err := l.generator.GenerateFix(ctx, perr, l.readFile(session.ServicePath, perr.FilePath))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: fix generation failed for %s:%d: %v\n", perr.FilePath, perr.Line, err)
				continue
			}
			if fix == nil {
				continue
			}
			if err := l.applyFix(session.ServicePath, fix); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not apply fix to %s: %v\n", fix.FilePath, err)
				continue
			}
			session.AppliedFixes = append(session.AppliedFixes, types.AppliedFix{
				FilePath:  fix.FilePath,
				FixType:   fix.FixType,
				Attempt:   session.AttemptCount,
				AppliedAt: time.Now(),
			})
			applied++
		}

		if applied == 0 {
			session.Outcome = types.FixOutcomeEscalated
			report.Reason = ReasonNoFixesGenerated
			return false, report
		}

		results, allPassed := l.runner.RunAll(ctx, session.ServicePath)
		if allPassed {
			session.Outcome = types.FixOutcomeFixed
			report.Reason = ""
			return true, report
		}

		output = FailureOutput(results)
		report.LastValidatorOutput = output

		signature := failureSignature(output)
		if signature == lastSignature {
			session.Outcome = types.FixOutcomeEscalated
			report.Reason = ReasonIdenticalFailures
			return false, report
		}
		lastSignature = signature
	}

	session.Outcome = types.FixOutcomeEscalated
	report.Reason = ReasonBudgetExhausted
	return false, report
}

func (l *Loop) readFile(serviceDir, relPath string) string {
	path := relPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(serviceDir, relPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (l *Loop) applyFix(serviceDir string, fix *types.Fix) error {
	path := fix.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(serviceDir, fix.FilePath)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return os.WriteFile(path, []byte(fix.Content), 0o644)
}

func failureSignature(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:8])
}
