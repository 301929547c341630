// Package autofix implements the bounded fix/retry loop that runs
// after a review rejection: parse validator diagnostics, ask the fix
// generator for patches, apply them, and re-validate. Sessions are
// single-threaded; different tasks may run sessions in parallel.
package autofix

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hiveops/hive/internal/types"
)

// One parser per tool family. Each recognises its own line shape and
// ignores everything else, so mixed output can be fed to all of them.
var (
	// linter: path:line:col: CODE message (ruff, flake8, golangci-lint)
	linterLineRegex = regexp.MustCompile(`^([^\s:]+):(\d+):(?:\d+:)?\s+([A-Z]+\d+)\s+(.+)$`)

	// type checker: path:line: error: message [code] (mypy)
	typeCheckerLineRegex = regexp.MustCompile(`^([^\s:]+):(\d+):\s*error:\s*(.+?)(?:\s+\[([a-z-]+)\])?$`)

	// test runner: FAILED path::test - message (pytest) and
	// path:line: failure detail (go test / pytest tracebacks)
	testFailureRegex  = regexp.MustCompile(`^FAILED\s+([^\s:]+)::\S+(?:\s+-\s+(.+))?$`)
	testLocationRegex = regexp.MustCompile(`^([^\s:]+\.(?:py|go)):(\d+):\s+(.+)$`)
)

// autoFixableLintPrefixes are diagnostic code classes that a patch
// generator reliably repairs: formatting, imports, unused symbols.
var autoFixableLintPrefixes = []string{
	"E", "W", // pycodestyle style/whitespace
	"F4", "F8", // pyflakes imports and unused names
	"I",   // import ordering
	"COM", // trailing commas
	"Q",   // quote style
	"HVS", "HVC", // hive violation batches: style and config
}

// ParseErrors extracts structured diagnostics from raw validator
// output, running every tool-family parser over every line.
func ParseErrors(output string) []types.ParsedError {
	var errors []types.ParsedError
	seen := make(map[string]struct{})

	add := func(e types.ParsedError) {
		key := fmt.Sprintf("%s:%d:%s:%s", e.FilePath, e.Line, e.ErrorCode, e.ErrorMessage)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		errors = append(errors, e)
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := linterLineRegex.FindStringSubmatch(trimmed); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			add(types.ParsedError{
				FilePath:     m[1],
				Line:         lineNo,
				ErrorCode:    m[3],
				ErrorMessage: m[4],
				Severity:     lintSeverity(m[3]),
				AutoFixable:  isAutoFixableLint(m[3]),
			})
			continue
		}

		if m := typeCheckerLineRegex.FindStringSubmatch(trimmed); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			add(types.ParsedError{
				FilePath:     m[1],
				Line:         lineNo,
				ErrorCode:    m[4],
				ErrorMessage: m[3],
				Severity:     types.SeverityError,
				AutoFixable:  isAutoFixableTypeError(m[4]),
			})
			continue
		}

		if m := testFailureRegex.FindStringSubmatch(trimmed); m != nil {
			add(types.ParsedError{
				FilePath:     m[1],
				ErrorCode:    "test-failure",
				ErrorMessage: strings.TrimSpace(m[2]),
				Severity:     types.SeverityError,
				AutoFixable:  false,
			})
			continue
		}

		if m := testLocationRegex.FindStringSubmatch(trimmed); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			add(types.ParsedError{
				FilePath:     m[1],
				Line:         lineNo,
				ErrorCode:    "test-failure",
				ErrorMessage: m[3],
				Severity:     types.SeverityError,
				AutoFixable:  false,
			})
		}
	}
	return errors
}

// FilterAutoFixable keeps only the errors a generator may repair.
func FilterAutoFixable(errors []types.ParsedError) []types.ParsedError {
	var fixable []types.ParsedError
	for _, e := range errors {
		if e.AutoFixable {
			fixable = append(fixable, e)
		}
	}
	return fixable
}

func lintSeverity(code string) types.ErrorSeverity {
	switch {
	case strings.HasPrefix(code, "S"): // security (bandit family)
		return types.SeverityCritical
	case strings.HasPrefix(code, "W"):
		return types.SeverityWarn
	default:
		return types.SeverityError
	}
}

func isAutoFixableLint(code string) bool {
	if strings.HasPrefix(code, "S") {
		return false
	}
	for _, prefix := range autoFixableLintPrefixes {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

// Only annotation-shaped type errors are worth a mechanical patch;
// real type mismatches need a human or a heavy-fix worker.
func isAutoFixableTypeError(code string) bool {
	switch code {
	case "no-untyped-def", "annotation-unchecked", "var-annotated", "import-untyped":
		return true
	}
	return false
}
