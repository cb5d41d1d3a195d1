// Package retriever ranks stored chunks against a query.
//
// Vector mode embeds the query and scores same-model candidates by cosine
// similarity. Lexical mode matches query terms against chunk text. Vector
// search falls back to lexical automatically when embedding fails or yields
// zero candidates; the fallback is never surfaced as an error.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/meetingd/internal/embeddings"
	"github.com/fyrsmithlabs/meetingd/internal/metastore"
	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

// ErrEmptyQuery indicates a missing query string.
var ErrEmptyQuery = errors.New("empty query")

// Embedder generates query embeddings.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// CandidateStore supplies pre-filtered retrieval candidates.
type CandidateStore interface {
	VectorCandidates(ctx context.Context, model string, filters transcript.SearchFilters, limit int) ([]metastore.ChunkWithMeeting, error)
	LexicalCandidates(ctx context.Context, terms []string, filters transcript.SearchFilters, limit int) ([]metastore.ChunkWithMeeting, error)
}

// Result is one ranked retrieval hit with its meeting context.
type Result struct {
	Meeting transcript.Meeting `json:"meeting"`
	Chunk   transcript.Chunk   `json:"chunk"`
	Score   float64            `json:"score"`
}

// Retriever serves lexical and semantic search over stored chunks.
type Retriever struct {
	store    CandidateStore
	embedder Embedder
	logger   *zap.Logger
}

// New creates a retriever.
func New(store CandidateStore, embedder Embedder, logger *zap.Logger) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("candidate store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: store, embedder: embedder, logger: logger}, nil
}

// VectorSearch embeds the query and ranks same-model chunks by cosine
// similarity, ties broken by most-recent meeting first. When embedding is
// unavailable or no embedded candidates exist, it degrades to Search and
// returns those results instead; a query matching nothing returns an empty
// slice, not an error.
func (r *Retriever) VectorSearch(ctx context.Context, query string, limit int, filters transcript.SearchFilters) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if limit < 1 {
		limit = 10
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, falling back to lexical search",
			zap.Error(err))
		return r.Search(ctx, query, limit, filters)
	}

	candidates, err := r.store.VectorCandidates(ctx, r.embedder.Model(), filters, 0)
	if err != nil {
		return nil, fmt.Errorf("loading vector candidates: %w", err)
	}
	if len(candidates) == 0 {
		r.logger.Debug("no embedded candidates, falling back to lexical search")
		return r.Search(ctx, query, limit, filters)
	}

	results := make([]Result, 0, len(candidates))
	for _, cm := range candidates {
		vec, err := embeddings.DecodeVector(cm.Chunk.Embedding)
		if err != nil {
			r.logger.Warn("skipping chunk with corrupt embedding",
				zap.Int64("chunk_id", cm.Chunk.ID),
				zap.Error(err))
			continue
		}
		results = append(results, Result{
			Meeting: cm.Meeting,
			Chunk:   cm.Chunk,
			Score:   embeddings.Cosine(queryVec, vec),
		})
	}

	rank(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Search performs lexical search: query terms matched against chunk text,
// scored by the fraction of terms present. Results are deterministic for a
// fixed query, corpus, and filter set.
func (r *Retriever) Search(ctx context.Context, query string, limit int, filters transcript.SearchFilters) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if limit < 1 {
		limit = 10
	}

	terms := queryTerms(query)
	if len(terms) == 0 {
		return []Result{}, nil
	}

	candidates, err := r.store.LexicalCandidates(ctx, terms, filters, 0)
	if err != nil {
		return nil, fmt.Errorf("loading lexical candidates: %w", err)
	}

	results := make([]Result, 0, len(candidates))
	for _, cm := range candidates {
		score := lexicalScore(cm.Chunk.Content, terms)
		if score == 0 {
			continue
		}
		results = append(results, Result{
			Meeting: cm.Meeting,
			Chunk:   cm.Chunk,
			Score:   score,
		})
	}

	rank(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// rank orders results by score descending, then meeting date descending,
// then chunk id ascending. No randomized tie-breaking.
func rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Meeting.Date.Equal(results[j].Meeting.Date) {
			return results[i].Meeting.Date.After(results[j].Meeting.Date)
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

// queryTerms lowercases and splits the query, dropping single-character
// noise terms unless the query has nothing else.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	if len(terms) == 0 {
		return fields
	}
	return terms
}

// lexicalScore is the fraction of query terms present in the content.
func lexicalScore(content string, terms []string) float64 {
	lower := strings.ToLower(content)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
