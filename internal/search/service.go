package search

import (
	"context"

	"github.com/rs/zerolog/log"
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
		log.Warn().Err(err).Msg("search: meilisearch error, falling back to pgfts")
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Error().Err(err).Msg("search: pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSong indexes a song (fire-and-forget to Meilisearch).
func (s *Service) IndexSong(rec SongRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSong(rec); err != nil {
			log.Warn().Err(err).Str("song", rec.ID).Msg("search: index song")
		}
	}()
}

// IndexArrangement indexes an arrangement (fire-and-forget to Meilisearch).
func (s *Service) IndexArrangement(rec ArrangementRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexArrangement(rec); err != nil {
			log.Warn().Err(err).Str("arrangement", rec.ID).Msg("search: index arrangement")
		}
	}()
}

// DeleteSong removes a song from the search index (fire-and-forget).
func (s *Service) DeleteSong(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSong(id); err != nil {
			log.Warn().Err(err).Str("song", id).Msg("search: delete song")
		}
	}()
}

// DeleteArrangement removes an arrangement from the search index (fire-and-forget).
func (s *Service) DeleteArrangement(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteArrangement(id); err != nil {
			log.Warn().Err(err).Str("arrangement", id).Msg("search: delete arrangement")
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch.
func (s *Service) ReindexAll(songs []SongRecord, arrangements []ArrangementRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(songs) > 0 {
		if err := s.meili.IndexSongs(songs); err != nil {
			log.Warn().Err(err).Msg("search: reindex songs")
		}
	}
	if len(arrangements) > 0 {
		if err := s.meili.IndexArrangements(arrangements); err != nil {
			log.Warn().Err(err).Msg("search: reindex arrangements")
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	songs, arrangements, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("search: reindex load failed")
		return
	}
	s.ReindexAll(songs, arrangements)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
