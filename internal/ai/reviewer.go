package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hiveops/hive/internal/review"
	"github.com/hiveops/hive/internal/types"
)

const reviewMaxTokens = 4096

// Reviewer implements review.ReviewCollaborator over a Completer.
type Reviewer struct {
	completer Completer
	model     string
}

// NewReviewer creates the LLM review collaborator.
func NewReviewer(completer Completer) (*Reviewer, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	return &Reviewer{completer: completer, model: ReviewModel()}, nil
}

// reviewResponse is the JSON schema the model is asked to produce.
type reviewResponse struct {
	Decision    string              `json:"decision"`
	Metrics     types.ReviewMetrics `json:"metrics"`
	Summary     string              `json:"summary"`
	Issues      []string            `json:"issues"`
	Suggestions []string            `json:"suggestions"`
	Confidence  float64             `json:"confidence"`
}

// Review sends the artifacts and objective analysis to the model and
// parses the structured verdict. Malformed responses surface as
// errors; the engine's coercion handles out-of-range fields.
func (r *Reviewer) Review(ctx context.Context, req *review.Request, objective *review.ObjectiveAnalysis) (*types.ReviewVerdict, error) {
	prompt := r.buildPrompt(req, objective)

	text, err := r.completer.Complete(ctx, "review", r.model, prompt, reviewMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("review completion: %w", err)
	}

	parsed := Parse[reviewResponse](text, fmt.Sprintf("review verdict for task %s", req.TaskID))
	if !parsed.Success {
		return nil, fmt.Errorf("unparseable review response: %s", parsed.Error)
	}

	resp := parsed.Data
	return &types.ReviewVerdict{
		TaskID:      req.TaskID,
		Decision:    types.ReviewDecision(strings.ToLower(strings.TrimSpace(resp.Decision))),
		Metrics:     resp.Metrics,
		Summary:     resp.Summary,
		Issues:      resp.Issues,
		Suggestions: resp.Suggestions,
		Confidence:  resp.Confidence,
	}, nil
}

func (r *Reviewer) buildPrompt(req *review.Request, objective *review.ObjectiveAnalysis) string {
	var b strings.Builder

	b.WriteString("You are a senior code reviewer for an autonomous engineering system.\n")
	b.WriteString("Review the following change set and respond with ONLY a JSON object:\n")
	b.WriteString(`{"decision": "approve|reject|rework|escalate", "metrics": {"code_quality": 0-100, "test_coverage": 0-100, "documentation": 0-100, "security": 0-100, "architecture": 0-100}, "summary": "...", "issues": [], "suggestions": [], "confidence": 0.0-1.0}`)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Task: %s\n\n", req.Description)

	if objective != nil && len(objective.Files) > 0 {
		analysis, err := json.Marshal(objective)
		if err == nil {
			fmt.Fprintf(&b, "Objective analysis:\n%s\n\n", analysis)
		}
	}

	paths := make([]string, 0, len(req.CodeFiles))
	for path := range req.CodeFiles {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", path, req.CodeFiles[path])
	}

	if req.TestResults != "" {
		fmt.Fprintf(&b, "\nTest results:\n%s\n", req.TestResults)
	}
	return b.String()
}
