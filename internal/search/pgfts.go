package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// PgFTS searches documents with PostgreSQL full-text search. It is the
// fallback whenever Meilisearch is not configured or not healthy.
type PgFTS struct {
	db    *sql.DB
	types *pgtype.Map
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db, types: pgtype.NewMap()}
}

const accessibleTo = `(d.creator_id = $1
	OR EXISTS (SELECT 1 FROM document_access a WHERE a.document_id = d.id AND a.user_id = $1))`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where := "d.fts @@ plainto_tsquery('english', $2) AND " + accessibleTo

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM documents d WHERE `+where, q.UserID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.title,
			ts_headline('english', d.title, plainto_tsquery('english', $2), 'StartSel=<mark>,StopSel=</mark>') AS snippet,
			d.creator_id,
			ts_rank(d.fts, plainto_tsquery('english', $2)) AS rank
		FROM documents d
		WHERE %s
		ORDER BY rank DESC, d.updated_at DESC
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset()), q.UserID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.CreatorID, &r.Rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

const recordSelect = `
	SELECT d.id, d.title, d.creator_id,
		COALESCE(array_agg(a.user_id) FILTER (WHERE a.user_id IS NOT NULL), '{}') AS members
	FROM documents d
	LEFT JOIN document_access a ON a.document_id = d.id`

func (p *PgFTS) LoadRecord(ctx context.Context, documentID string) (DocumentRecord, error) {
	row := p.db.QueryRowContext(ctx, recordSelect+` WHERE d.id = $1 GROUP BY d.id`, documentID)
	var rec DocumentRecord
	if err := row.Scan(&rec.ID, &rec.Title, &rec.CreatorID, p.types.SQLScanner(&rec.Members)); err != nil {
		return DocumentRecord{}, fmt.Errorf("load search record %s: %w", documentID, err)
	}
	rec.Members = withCreator(rec.Members, rec.CreatorID)
	return rec, nil
}

// LoadAllRecords returns every document for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, recordSelect+` GROUP BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	records := make([]DocumentRecord, 0)
	for rows.Next() {
		var rec DocumentRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.CreatorID, p.types.SQLScanner(&rec.Members)); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		rec.Members = withCreator(rec.Members, rec.CreatorID)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return records, nil
}

func withCreator(members []string, creatorID string) []string {
	for _, m := range members {
		if m == creatorID {
			return members
		}
	}
	return append(members, creatorID)
}
