package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Its queries run outside the owner-bound transactions the store uses, so
// every sub-query repeats the owner predicate explicitly.
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

// Search executes a UNION ALL query across patients and patient_records
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.OwnerID == "" {
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

	const tsQuery = "plainto_tsquery('portuguese', $1)"
	args := []any{q.Text, q.OwnerID}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultPatient {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'patient'::text AS type, p.id, p.full_name AS title,
				ts_headline('portuguese', coalesce(p.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS patient_id,
				ts_rank(p.fts, %s) AS rank
			FROM patients p
			WHERE p.fts @@ %s AND p.owner_id = $2 AND p.archived_at IS NULL`,
			tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultRecord {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'record'::text AS type, r.id, coalesce(nullif(r.title, ''), p.full_name) AS title,
				ts_headline('portuguese', coalesce(r.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.patient_id,
				ts_rank(r.fts, %s) AS rank
			FROM patient_records r
			JOIN patients p ON p.id = r.patient_id
			WHERE r.fts @@ %s AND r.owner_id = $2 AND p.archived_at IS NULL`,
			tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, patient_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "), limit, offset)

	var total int
	if err := p.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("fts count: %w", err)
	}

	rows, err := p.db.Query(dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PatientID); err != nil {
			return nil, 0, fmt.Errorf("fts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("fts rows: %w", err)
	}

	return results, total, nil
}
