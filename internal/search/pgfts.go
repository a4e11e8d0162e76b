package search

import (
	"context"
	"database/sql"
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

// Search runs a UNION ALL query across messages and drafts using
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
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultMessage {
		msgWhere := "m.fts @@ " + tsQuery
		if q.FilterThreadID != "" {
			msgWhere += fmt.Sprintf(" AND m.thread_id = $%d", argN)
			args = append(args, q.FilterThreadID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, m.thread_id, m.role AS title,
				ts_headline('english', coalesce(m.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS status,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			WHERE %s`, tsQuery, tsQuery, msgWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultDraft {
		draftWhere := "d.fts @@ " + tsQuery
		if q.FilterThreadID != "" {
			draftWhere += fmt.Sprintf(" AND d.thread_id = $%d", argN)
			args = append(args, q.FilterThreadID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'draft'::text AS type, d.id, d.thread_id,
				coalesce(d.fields->>'subject', d.fields->>'summary', '') AS title,
				ts_headline('english',
					coalesce(d.fields->>'body', d.fields->>'description', ''),
					%s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.status,
				ts_rank(d.fts, %s) AS rank
			FROM drafts d
			WHERE %s`, tsQuery, tsQuery, draftWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, thread_id, title, snippet, status
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
		if err := rows.Scan(&typ, &r.ID, &r.ThreadID, &r.Title, &r.Snippet, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, []DraftRecord, error) {
	msgRows, err := p.db.QueryContext(ctx, `
		SELECT id, thread_id, role, body
		FROM messages
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()

	messages := make([]MessageRecord, 0)
	for msgRows.Next() {
		var m MessageRecord
		if err := msgRows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Body); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	draftRows, err := p.db.QueryContext(ctx, `
		SELECT id, thread_id, type, status,
			coalesce(fields->>'subject', fields->>'summary', ''),
			coalesce(fields->>'body', fields->>'description', '')
		FROM drafts
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load drafts: %w", err)
	}
	defer draftRows.Close()

	drafts := make([]DraftRecord, 0)
	for draftRows.Next() {
		var d DraftRecord
		if err := draftRows.Scan(&d.ID, &d.ThreadID, &d.Type, &d.Status, &d.Title, &d.Body); err != nil {
			return nil, nil, fmt.Errorf("scan draft: %w", err)
		}
		drafts = append(drafts, d)
	}
	if err := draftRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate drafts: %w", err)
	}

	return messages, drafts, nil
}
