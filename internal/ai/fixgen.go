package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/hiveops/hive/internal/types"
)

const fixMaxTokens = 8192

// FixGen implements autofix.FixGenerator over a Completer. It asks
// the cheap model for the full corrected file rather than a diff;
// whole-file replacement sidesteps patch-application failures.
type FixGen struct {
	completer Completer
	model     string
}

// NewFixGen creates the fix-generation collaborator.
func NewFixGen(completer Completer) (*FixGen, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	return &FixGen{completer: completer, model: FixModel()}, nil
}

type fixResponse struct {
	Fixable bool   `json:"fixable"`
	Content string `json:"content"`
}

// GenerateFix proposes a repair for one parsed error. A declined fix
// (model says not fixable) returns nil, nil so the loop moves on.
func (g *FixGen) GenerateFix(ctx context.Context, perr types.ParsedError, fileContents string) (*types.Fix, error) {
	if fileContents == "" {
		return nil, nil
	}

	prompt := g.buildPrompt(perr, fileContents)
	text, err := g.completer.Complete(ctx, "generate-fix", g.model, prompt, fixMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("fix completion for %s:%d: %w", perr.FilePath, perr.Line, err)
	}

	parsed := Parse[fixResponse](text, fmt.Sprintf("fix for %s:%d", perr.FilePath, perr.Line))
	if !parsed.Success {
		return nil, fmt.Errorf("unparseable fix response: %s", parsed.Error)
	}
	resp := parsed.Data
	if !resp.Fixable || strings.TrimSpace(resp.Content) == "" {
		return nil, nil
	}

	return &types.Fix{
		FilePath: perr.FilePath,
		Content:  resp.Content,
		FixType:  perr.ErrorCode,
	}, nil
}

func (g *FixGen) buildPrompt(perr types.ParsedError, fileContents string) string {
	var b strings.Builder
	b.WriteString("Fix exactly one mechanical error in the file below.\n")
	b.WriteString("Change only what the error requires; preserve everything else byte for byte.\n")
	b.WriteString(`Respond with ONLY a JSON object: {"fixable": true|false, "content": "<entire corrected file>"}`)
	b.WriteString("\nIf the error needs human judgment, respond with {\"fixable\": false, \"content\": \"\"}.\n\n")
	fmt.Fprintf(&b, "Error: %s:%d %s %s\n\n", perr.FilePath, perr.Line, perr.ErrorCode, perr.ErrorMessage)
	fmt.Fprintf(&b, "--- %s ---\n%s\n", perr.FilePath, fileContents)
	return b.String()
}
