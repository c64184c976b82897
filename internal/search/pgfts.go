package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across songs and arrangements using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	var subQueries []string

	// Songs sub-query
	if q.FilterType == "" || q.FilterType == ResultSong {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'song'::text AS type, s.id, s.title,
				ts_headline('english', coalesce(s.lyrics, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS song_id,
				ts_rank(s.fts, %s) AS rank
			FROM songs s
			WHERE s.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	// Arrangements sub-query
	if q.FilterType == "" || q.FilterType == ResultArrangement {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'arrangement'::text AS type, a.id, a.name AS title,
				ts_headline('english', coalesce(a.chord_content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.song_id,
				ts_rank(a.fts, %s) AS rank
			FROM arrangements a
			WHERE a.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, song_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SongID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SongRecord, []ArrangementRecord, error) {
	songRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, artist, themes, lyrics
		FROM songs
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load songs: %w", err)
	}
	defer songRows.Close()

	songs := make([]SongRecord, 0)
	for songRows.Next() {
		var s SongRecord
		var themes []byte
		if err := songRows.Scan(&s.ID, &s.Title, &s.Artist, &themes, &s.Lyrics); err != nil {
			return nil, nil, fmt.Errorf("scan song: %w", err)
		}
		if err := json.Unmarshal(themes, &s.Themes); err != nil {
			return nil, nil, fmt.Errorf("decode themes: %w", err)
		}
		songs = append(songs, s)
	}
	if err := songRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate songs: %w", err)
	}

	arrangementRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, key, tags, chord_content, song_id
		FROM arrangements
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load arrangements: %w", err)
	}
	defer arrangementRows.Close()

	arrangements := make([]ArrangementRecord, 0)
	for arrangementRows.Next() {
		var a ArrangementRecord
		var tags []byte
		if err := arrangementRows.Scan(&a.ID, &a.Name, &a.Key, &tags, &a.ChordContent, &a.SongID); err != nil {
			return nil, nil, fmt.Errorf("scan arrangement: %w", err)
		}
		if err := json.Unmarshal(tags, &a.Tags); err != nil {
			return nil, nil, fmt.Errorf("decode tags: %w", err)
		}
		arrangements = append(arrangements, a)
	}
	if err := arrangementRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate arrangements: %w", err)
	}

	return songs, arrangements, nil
}
