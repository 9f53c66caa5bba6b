package search

import (
	"context"
	"log"
	"strings"
)

// Service is the facade that tries the index first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index Index, fallback Searcher) *Service {
	return &Service{index: index, fallback: fallback}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to PG FTS. Errors
// are logged and produce an empty response.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	if strings.TrimSpace(q.Text) == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a document (fire-and-forget).
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexDocument(doc); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	}()
}

// Reindex pushes every record loaded by load into the index.
func (s *Service) Reindex(ctx context.Context, load func(context.Context) ([]DocumentRecord, error)) {
	if !s.indexReady() {
		return
	}
	documents, err := load(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(documents) == 0 {
		return
	}
	if err := s.index.IndexDocuments(documents); err != nil {
		log.Printf("search: reindex documents: %v", err)
		return
	}
	log.Printf("search: reindexed %d documents", len(documents))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
