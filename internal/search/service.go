package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log.With().Str("component", "search").Logger()}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Reindex reloads one document's record from Postgres and pushes it to
// Meilisearch in the background.
func (s *Service) Reindex(ctx context.Context, documentID string) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	rec, err := s.pgfts.LoadRecord(ctx, documentID)
	if err != nil {
		s.log.Warn().Err(err).Str("document_id", documentID).Msg("load search record failed")
		return
	}
	go func() {
		if err := s.meili.IndexDocument(rec); err != nil {
			s.log.Warn().Err(err).Str("document_id", documentID).Msg("index document failed")
		}
	}()
}

// Remove drops a document from the index (fire-and-forget).
func (s *Service) Remove(documentID string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(documentID); err != nil {
			s.log.Warn().Err(err).Str("document_id", documentID).Msg("delete indexed document failed")
		}
	}()
}

// ReindexAllFromPG pushes every document to Meilisearch. Called at startup.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexDocuments(records); err != nil {
		s.log.Error().Err(err).Msg("reindex documents failed")
		return
	}
	s.log.Info().Int("documents", len(records)).Msg("search index rebuilt")
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
