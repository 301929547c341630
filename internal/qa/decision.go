// Package qa routes violation batches to the worker tier that can
// actually fix them: an in-process fast pool for mechanical lint
// debt, and spawned terminal agents for architectural work. A monitor
// watches the heavy agents and escalates the ones that go quiet.
package qa

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hiveops/hive/internal/rag"
	"github.com/hiveops/hive/internal/types"
)

// DecisionConfig holds the routing thresholds.
type DecisionConfig struct {
	// ComplexityThreshold routes batches above it to heavy workers
	ComplexityThreshold float64

	// RAGConfidenceThreshold gates pattern-backed fast-fix routing
	RAGConfidenceThreshold float64

	// RAGMinViolations is the batch size above which pattern
	// confidence matters
	RAGMinViolations int

	// TopK is how many patterns confidence is averaged over
	TopK int
}

// DefaultDecisionConfig returns the default routing thresholds
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		ComplexityThreshold:    0.7,
		RAGConfidenceThreshold: 0.8,
		RAGMinViolations:       5,
		TopK:                   3,
	}
}

// Engine scores violation batches and picks a worker type. The
// pattern index is optional; without it RAG confidence is always 0.
type Engine struct {
	index rag.PatternIndex
	cfg   DecisionConfig
}

// NewEngine creates a decision engine.
func NewEngine(index rag.PatternIndex, cfg DecisionConfig) *Engine {
	if cfg.ComplexityThreshold == 0 {
		cfg = DefaultDecisionConfig()
	}
	return &Engine{index: index, cfg: cfg}
}

// Decide routes one violation batch.
//
// Routing rules, in priority order:
//  1. any critical violation: heavy-fix-with-human
//  2. complexity above threshold: heavy-fix-headless
//  3. confident pattern match on a non-trivial batch: fast-fix
//  4. otherwise: fast-fix (the cheap default)
func (e *Engine) Decide(_ context.Context, violations []types.Violation) *types.WorkerDecision {
	if len(violations) == 0 {
		return &types.WorkerDecision{
			WorkerType: types.WorkerTypeFastFix,
			Reason:     "no violations",
		}
	}

	complexity := Complexity(violations)
	matches := e.retrieve(violations)
	confidence := ragConfidence(matches, e.cfg.TopK)

	decision := &types.WorkerDecision{
		ComplexityScore: complexity,
		RAGConfidence:   confidence,
		Context:         matches,
	}

	switch {
	case hasCritical(violations):
		decision.WorkerType = types.WorkerTypeHeavyFixWithHuman
		decision.Reason = "critical violation present"
	case complexity > e.cfg.ComplexityThreshold:
		decision.WorkerType = types.WorkerTypeHeavyFixHeadless
		decision.Reason = fmt.Sprintf("complexity %.2f above %.2f", complexity, e.cfg.ComplexityThreshold)
	case confidence > e.cfg.RAGConfidenceThreshold && len(violations) > e.cfg.RAGMinViolations:
		decision.WorkerType = types.WorkerTypeFastFix
		decision.Reason = fmt.Sprintf("pattern confidence %.2f on %d violations", confidence, len(violations))
	default:
		decision.WorkerType = types.WorkerTypeFastFix
		decision.Reason = "default fast-fix routing"
	}
	return decision
}

// Complexity scores a batch in [0,1]: violation count saturates at
// 0.5, file spread at 0.3, and the heaviest violation type adds its
// weight.
func Complexity(violations []types.Violation) float64 {
	if len(violations) == 0 {
		return 0
	}

	countScore := float64(len(violations)) / 20.0
	if countScore > 0.5 {
		countScore = 0.5
	}

	files := make(map[string]struct{})
	for _, v := range violations {
		files[v.FilePath] = struct{}{}
	}
	fileScore := float64(len(files)) / 10.0
	if fileScore > 0.3 {
		fileScore = 0.3
	}

	var maxWeight float64
	for _, v := range violations {
		if w := v.Type.Weight(); w > maxWeight {
			maxWeight = w
		}
	}

	score := countScore + fileScore + maxWeight
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func hasCritical(violations []types.Violation) bool {
	for _, v := range violations {
		if v.Severity == types.SeverityCritical {
			return true
		}
	}
	return false
}

func (e *Engine) retrieve(violations []types.Violation) []types.PatternMatch {
	if e.index == nil {
		return nil
	}
	var parts []string
	for _, v := range violations {
		parts = append(parts, v.Message)
	}
	return e.index.Retrieve(strings.Join(parts, " "), e.cfg.TopK)
}

// ragConfidence is the mean similarity of the top-k matches. Fewer
// than k matches average over what exists; none means 0.
func ragConfidence(matches []types.PatternMatch, topK int) float64 {
	if len(matches) == 0 {
		return 0
	}
	sorted := make([]types.PatternMatch, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Similarity > sorted[j].Similarity })

	if len(sorted) > topK {
		sorted = sorted[:topK]
	}
	var sum float64
	for _, m := range sorted {
		sum += m.Similarity
	}
	return sum / float64(len(sorted))
}
