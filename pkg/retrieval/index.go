package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CorpusIndex is an in-memory TF-IDF index with cosine ranking.
type CorpusIndex struct {
	mu      sync.RWMutex
	docs    []Document
	vectors []map[string]float64
	idf     map[string]float64
}

func NewCorpusIndex() *CorpusIndex {
	return &CorpusIndex{idf: map[string]float64{}}
}

// LoadDir replaces the index with every *.json document in dir, in file
// name order. A missing directory yields an empty index.
func (ix *CorpusIndex) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			ix.Build(nil)
			return nil
		}
		return fmt.Errorf("retrieval: read corpus: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("retrieval: read %s: %w", name, err)
		}
		var d Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("retrieval: decode %s: %w", name, err)
		}
		docs = append(docs, d)
	}
	ix.Build(docs)
	return nil
}

// Build replaces the index contents.
func (ix *CorpusIndex) Build(docs []Document) {
	tokenized := make([][]string, len(docs))
	df := map[string]int{}
	for i, d := range docs {
		tokenized[i] = tokenize(d.Text)
		seen := map[string]bool{}
		for _, tok := range tokenized[i] {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	// Smoothed idf: ln((1+n)/(1+df)) + 1.
	n := float64(len(docs))
	idf := make(map[string]float64, len(df))
	for term, c := range df {
		idf[term] = math.Log((1+n)/(1+float64(c))) + 1
	}

	vectors := make([]map[string]float64, len(docs))
	for i, toks := range tokenized {
		vectors[i] = weigh(toks, idf)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = append([]Document(nil), docs...)
	ix.vectors = vectors
	ix.idf = idf
}

// Len returns the number of indexed documents.
func (ix *CorpusIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search implements Retriever. Ties keep corpus order.
func (ix *CorpusIndex) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.docs) == 0 || k <= 0 {
		return []Result{}, nil
	}
	q := weigh(tokenize(query), ix.idf)

	results := make([]Result, len(ix.docs))
	for i, d := range ix.docs {
		results[i] = Result{Score: cosine(q, ix.vectors[i]), Document: d}
	}
	sort.SliceStable(results, func(a, b int) bool { return results[a].Score > results[b].Score })
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// weigh returns the L2-normalized tf-idf vector. Terms unknown to the
// corpus carry no weight.
func weigh(tokens []string, idf map[string]float64) map[string]float64 {
	v := map[string]float64{}
	for _, tok := range tokens {
		if w, ok := idf[tok]; ok {
			v[tok] += w
		}
	}
	var sum float64
	for _, w := range v {
		sum += w * w
	}
	if sum == 0 {
		return v
	}
	l := math.Sqrt(sum)
	for t := range v {
		v[t] /= l
	}
	return v
}

func cosine(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for t, w := range a {
		dot += w * b[t]
	}
	return dot
}

func tokenize(text string) []string {
	// Casers are stateful; one per call.
	text = cases.Fold().String(norm.NFKC.String(text))
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

var stopWords = func() map[string]bool {
	words := strings.Fields(`a about above after again against all am an and any are as at be because been before
		being below between both but by can did do does doing down during each few for from further had has have
		having he her here hers herself him himself his how i if in into is it its itself just me more most my
		myself no nor not now of off on once only or other our ours ourselves out over own same she should so
		some such than that the their theirs them themselves then there these they this those through to too
		under until up very was we were what when where which while who whom why will with you your yours
		yourself yourselves`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()
