package review

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// StaticAnalyzer is the built-in objective analyzer. It computes
// per-file metrics from the artifact text alone: line counts, lint
// markers, oversized files, and whether any tests accompany the
// change. Deeper analyzers can replace it behind ObjectiveAnalyzer.
type StaticAnalyzer struct {
	// MaxFileLines flags files longer than this
	MaxFileLines int
}

// NewStaticAnalyzer returns an analyzer with default limits.
func NewStaticAnalyzer() *StaticAnalyzer {
	return &StaticAnalyzer{MaxFileLines: 800}
}

// Analyze computes the objective analysis for a request.
func (a *StaticAnalyzer) Analyze(_ context.Context, req *Request) (*ObjectiveAnalysis, error) {
	analysis := &ObjectiveAnalysis{}

	paths := make([]string, 0, len(req.CodeFiles))
	for path := range req.CodeFiles {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	hasTests := false
	for _, path := range paths {
		content := req.CodeFiles[path]
		metric := FileMetric{
			Path:  path,
			Lines: strings.Count(content, "\n") + 1,
		}

		if isTestFile(path) {
			hasTests = true
		}
		if n := strings.Count(content, "TODO") + strings.Count(content, "FIXME"); n > 0 {
			metric.Issues = append(metric.Issues, fmt.Sprintf("%d unresolved TODO/FIXME markers", n))
		}
		if a.MaxFileLines > 0 && metric.Lines > a.MaxFileLines {
			metric.Issues = append(metric.Issues, fmt.Sprintf("file is %d lines, consider splitting", metric.Lines))
		}
		analysis.Files = append(analysis.Files, metric)
	}

	if len(paths) > 0 && !hasTests {
		analysis.Issues = append(analysis.Issues, "no test files in change set")
	}
	if strings.Contains(req.TestResults, "FAIL") {
		analysis.Issues = append(analysis.Issues, "test results contain failures")
	}
	return analysis, nil
}

func isTestFile(path string) bool {
	base := strings.ToLower(path)
	return strings.HasSuffix(base, "_test.go") ||
		strings.Contains(base, "test_") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, "/tests/")
}
