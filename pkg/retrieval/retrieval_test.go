package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var corpus = []Document{
	{ID: "doc-001", Title: "Silicon photonics overview", Text: "Silicon photonics integrates optical components on silicon to enable high-bandwidth, energy-efficient optical interconnects for data centers and high-performance computing."},
	{ID: "doc-002", Title: "Co-packaged optics motivation", Text: "Co-packaged optics aims to reduce electrical I/O bottlenecks by bringing optics closer to switching and compute, improving bandwidth density and power efficiency."},
	{ID: "doc-003", Title: "Quantum networking concept", Text: "Quantum networking focuses on distributing quantum states or entanglement across distance, enabling networked quantum systems and potentially distributed quantum computing."},
}

func TestCorpusIndex_RanksRelevantFirst(t *testing.T) {
	ix := NewCorpusIndex()
	ix.Build(corpus)

	results, err := ix.Search(context.Background(), "What is quantum entanglement networking?", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "doc-003", results[0].Document.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.LessOrEqual(t, results[0].Score, 1.0+1e-9)
}

func TestCorpusIndex_UnrelatedQueryScoresZero(t *testing.T) {
	ix := NewCorpusIndex()
	ix.Build(corpus)

	results, err := ix.Search(context.Background(), "banana bread recipe", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Zero(t, results[0].Score)
	// Ties keep corpus order.
	assert.Equal(t, "doc-001", results[0].Document.ID)
}

func TestCorpusIndex_LoadDir(t *testing.T) {
	dir := t.TempDir()
	for _, d := range corpus {
		raw, err := json.Marshal(d)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, d.ID+".json"), raw, 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	ix := NewCorpusIndex()
	require.NoError(t, ix.LoadDir(dir))
	assert.Equal(t, 3, ix.Len())

	require.NoError(t, ix.LoadDir(filepath.Join(dir, "missing")))
	assert.Equal(t, 0, ix.Len())
	results, err := ix.Search(context.Background(), "optics", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"co", "packaged", "optics"}, tokenize("The Co-Packaged OPTICS"))
	assert.Equal(t, []string{"énergie", "x2"}, tokenize("ÉNERGIE x2 ·"))
}

func TestCitations(t *testing.T) {
	long := strings.Repeat("x", 300) + "\nend"
	c := Citations([]Result{{Score: 0.5, Document: Document{ID: "d", Title: "T", Text: "line one\nline two"}}, {Score: 0.1, Document: Document{ID: "e", Text: long}}})
	require.Len(t, c, 2)
	assert.Equal(t, Citation{DocID: "d", Title: "T", Score: 0.5, Snippet: "line one line two"}, c[0])
	assert.Len(t, c[1].Snippet, SnippetLength)
}

func TestSufficient(t *testing.T) {
	assert.False(t, Sufficient(nil, 0))
	assert.True(t, Sufficient([]Result{{Score: 0.15}}, 0.15))
	assert.False(t, Sufficient([]Result{{Score: 0.14}}, 0.15))
}

type staticRetriever struct {
	results []Result
	err     error
}

func (s staticRetriever) Search(context.Context, string, int) ([]Result, error) {
	return s.results, s.err
}

func TestAsk(t *testing.T) {
	r := staticRetriever{results: []Result{
		{Score: 0.6, Document: corpus[0]},
		{Score: 0.3, Document: corpus[1]},
		{Score: 0.1, Document: corpus[2]},
	}}

	a, err := Ask(context.Background(), r, "q", 0.15)
	require.NoError(t, err)
	assert.True(t, a.OK)
	require.NotNil(t, a.Answer)
	assert.True(t, strings.HasPrefix(*a.Answer, "Based on retrieved sources: Silicon photonics"))
	assert.NotContains(t, *a.Answer, "Quantum")
	assert.Equal(t, ReasonEvidenceOK, a.Reason)

	a, err = Ask(context.Background(), r, "q", 0.9)
	require.NoError(t, err)
	assert.False(t, a.OK)
	assert.Nil(t, a.Answer)
	assert.Equal(t, ReasonInsufficientEvidence, a.Reason)
	assert.Len(t, a.Citations, 3)

	_, err = Ask(context.Background(), staticRetriever{err: errors.New("down")}, "q", 0.1)
	assert.Error(t, err)
}
