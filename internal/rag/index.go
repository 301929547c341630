// Package rag implements the read-only pattern index used to estimate
// auto-fix confidence. Historical commit patterns and code chunks are
// loaded once at startup; retrieval scores keyword overlap (Jaccard)
// between the query and each pattern. Embedding-based retrieval can
// replace the scorer without changing the interface.
package rag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hiveops/hive/internal/types"
)

// PatternIndex is the retrieval capability the QA engine depends on.
type PatternIndex interface {
	Retrieve(query string, topK int) []types.PatternMatch
}

// CommitPattern is one historical fix commit.
type CommitPattern struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Diff    string `json:"diff"`
}

// ChunkPattern is one indexed code chunk.
type ChunkPattern struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

// Metadata describes an index build.
type Metadata struct {
	BuiltAt     string `json:"built_at,omitempty"`
	CommitCount int    `json:"commit_count,omitempty"`
	ChunkCount  int    `json:"chunk_count,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Index holds the loaded patterns with pre-tokenised keyword sets.
type Index struct {
	commits  []CommitPattern
	chunks   []ChunkPattern
	meta     Metadata
	keywords []map[string]struct{} // commits first, then chunks
}

// Load reads the index from dir (git_commits.json, chunks.json,
// metadata.json). A missing directory or missing files yield an empty
// index, not an error: retrieval then returns no matches and the QA
// engine scores confidence 0.
func Load(dir string) (*Index, error) {
	idx := &Index{}

	if err := loadJSON(filepath.Join(dir, "git_commits.json"), &idx.commits); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, "chunks.json"), &idx.chunks); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, "metadata.json"), &idx.meta); err != nil {
		return nil, err
	}

	idx.keywords = make([]map[string]struct{}, 0, len(idx.commits)+len(idx.chunks))
	for _, c := range idx.commits {
		idx.keywords = append(idx.keywords, tokenize(c.Message+" "+c.Diff))
	}
	for _, c := range idx.chunks {
		idx.keywords = append(idx.keywords, tokenize(c.File+" "+c.Content))
	}
	return idx, nil
}

// loadJSON decodes one index file; a missing file is not an error.
func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Size returns the number of loaded patterns.
func (idx *Index) Size() int {
	return len(idx.commits) + len(idx.chunks)
}

// Metadata returns the index build metadata.
func (idx *Index) Metadata() Metadata {
	return idx.meta
}

// Retrieve returns the topK patterns most similar to the query,
// highest similarity first. Zero-similarity patterns are omitted.
func (idx *Index) Retrieve(query string, topK int) []types.PatternMatch {
	if topK <= 0 || idx.Size() == 0 {
		return nil
	}

	queryKeywords := tokenize(query)
	if len(queryKeywords) == 0 {
		return nil
	}

	matches := make([]types.PatternMatch, 0, idx.Size())
	for i, kw := range idx.keywords {
		sim := jaccard(queryKeywords, kw)
		if sim == 0 {
			continue
		}
		matches = append(matches, idx.match(i, sim))
	}

	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Similarity > matches[b].Similarity
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func (idx *Index) match(i int, sim float64) types.PatternMatch {
	if i < len(idx.commits) {
		c := idx.commits[i]
		return types.PatternMatch{
			Type:       "commit",
			Similarity: sim,
			Data: map[string]interface{}{
				"sha":     c.SHA,
				"message": c.Message,
				"diff":    c.Diff,
			},
		}
	}
	c := idx.chunks[i-len(idx.commits)]
	return types.PatternMatch{
		Type:       "chunk",
		Similarity: sim,
		Data: map[string]interface{}{
			"file":    c.File,
			"content": c.Content,
		},
	}
}

// tokenize lowercases and splits on non-alphanumerics, dropping short
// tokens that carry no signal.
func tokenize(text string) map[string]struct{} {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if len(tok) < 3 {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
