// Package retrieval is the knowledge-retrieval contract consumed during
// Deliver. Answers are only produced from evidence whose top score clears
// the configured threshold; anything else is deferred, never fabricated.
package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Answer reasons.
const (
	ReasonEvidenceOK           = "evidence_ok"
	ReasonInsufficientEvidence = "insufficient_evidence"
)

// DefaultK is the number of results requested per question.
const DefaultK = 3

// SnippetLength caps citation snippets, in runes.
const SnippetLength = 240

// Document is one corpus entry.
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Result is a scored search hit.
type Result struct {
	Score    float64
	Document Document
}

// Retriever ranks documents against a query, best first.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

// Citation is the caller-visible reference to a hit.
type Citation struct {
	DocID   string  `json:"doc_id"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Answer is the outcome of one question.
type Answer struct {
	OK        bool       `json:"ok"`
	Answer    *string    `json:"answer"`
	Citations []Citation `json:"citations"`
	Reason    string     `json:"reason"`
	MinScore  float64    `json:"min_score"`
}

// Citations converts results, keeping their order.
func Citations(results []Result) []Citation {
	out := make([]Citation, 0, len(results))
	for _, r := range results {
		out = append(out, Citation{
			DocID:   r.Document.ID,
			Title:   r.Document.Title,
			Score:   r.Score,
			Snippet: snippet(r.Document.Text),
		})
	}
	return out
}

// Sufficient reports whether the top result reaches minScore.
func Sufficient(results []Result, minScore float64) bool {
	return len(results) > 0 && results[0].Score >= minScore
}

// Ask searches and answers question from the top two citations when the
// evidence is sufficient.
func Ask(ctx context.Context, r Retriever, question string, minScore float64) (Answer, error) {
	results, err := r.Search(ctx, question, DefaultK)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieval: search: %w", err)
	}
	cites := Citations(results)
	if !Sufficient(results, minScore) {
		return Answer{Citations: cites, Reason: ReasonInsufficientEvidence, MinScore: minScore}, nil
	}

	snippets := make([]string, 0, 2)
	for i := 0; i < len(cites) && i < 2; i++ {
		snippets = append(snippets, cites[i].Snippet)
	}
	text := "Based on retrieved sources: " + strings.Join(snippets, " ")
	return Answer{OK: true, Answer: &text, Citations: cites, Reason: ReasonEvidenceOK, MinScore: minScore}, nil
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) > SnippetLength {
		runes = runes[:SnippetLength]
	}
	return strings.TrimSpace(strings.ReplaceAll(string(runes), "\n", " "))
}
