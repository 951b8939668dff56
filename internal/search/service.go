package search

import (
	"context"

	"go.uber.org/zap"
)

// Service fronts Meilisearch with a store-backed fallback so search
// keeps working when the index is down.
type Service struct {
	meili    *Meili
	fallback Fallback
	log      *zap.Logger
}

func NewService(meili *Meili, fallback Fallback, log *zap.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log}
}

// Search runs the query against Meilisearch when it is healthy,
// otherwise against the fallback store.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: results, Total: total, Query: q.Text}, nil
		}
		s.log.Warn("meilisearch query failed, using fallback", zap.Error(err))
	}

	results, err := s.fallback.SearchProjects(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: results, Total: len(results), Query: q.Text}, nil
}

// Index updates the search index for a project. Failures are logged,
// never surfaced: the store remains the source of truth.
func (s *Service) Index(p ProjectRecord) {
	if s.meili == nil {
		return
	}
	if err := s.meili.IndexProject(p); err != nil {
		s.log.Warn("index project", zap.String("id", p.ID), zap.Error(err))
	}
}

// Remove deletes a project from the search index.
func (s *Service) Remove(id string) {
	if s.meili == nil {
		return
	}
	if err := s.meili.DeleteProject(id); err != nil {
		s.log.Warn("remove project from index", zap.String("id", id), zap.Error(err))
	}
}

// Reindex bulk-loads all projects into the index.
func (s *Service) Reindex(projects []ProjectRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexProjects(projects); err != nil {
		s.log.Warn("reindex projects", zap.Error(err))
	}
}
