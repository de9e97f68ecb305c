package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes an assessment version (fire-and-forget to Meilisearch).
func (s *Service) IndexDocument(doc DocumentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(doc); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	}()
}

// IndexAction indexes a remedial action (fire-and-forget to Meilisearch).
func (s *Service) IndexAction(a ActionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexAction(a); err != nil {
			log.Printf("search: index action %s: %v", a.ID, err)
		}
	}()
}

// DeleteAction removes an action from the search index (fire-and-forget).
func (s *Service) DeleteAction(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAction(id); err != nil {
			log.Printf("search: delete action %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes records to Meilisearch in bulk.
func (s *Service) ReindexAll(documents []DocumentRecord, actions []ActionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(documents) > 0 {
		if err := s.meili.IndexDocuments(documents); err != nil {
			log.Printf("search: reindex documents: %v", err)
		}
	}
	if len(actions) > 0 {
		if err := s.meili.IndexActions(actions); err != nil {
			log.Printf("search: reindex actions: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	documents, actions, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(documents, actions)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
