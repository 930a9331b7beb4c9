package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"lessonplan/api/internal/rbac"
)

type PostgresStore struct {
	db    *sql.DB
	types *pgtype.Map
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, types: pgtype.NewMap()}
}

// CreateDocument inserts the metadata row and the owner's access entry in one
// transaction.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc DocumentMetadata) (DocumentMetadata, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentMetadata{}, fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO documents (id, creator_id, email, title)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, doc.ID, doc.CreatorID, doc.Email, doc.Title).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return DocumentMetadata{}, fmt.Errorf("insert document: %w", err)
	}

	owner := rbac.Strings(rbac.FullAccess())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_access (document_id, user_id, capabilities)
		VALUES ($1, $2, $3)
	`, doc.ID, doc.CreatorID, owner); err != nil {
		return DocumentMetadata{}, fmt.Errorf("insert owner access: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DocumentMetadata{}, fmt.Errorf("commit create document: %w", err)
	}

	doc.Access = map[string][]rbac.Capability{doc.CreatorID: rbac.FullAccess()}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (DocumentMetadata, error) {
	var doc DocumentMetadata
	var lastConnection sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, creator_id, email, title, created_at, updated_at, last_connection_at
		FROM documents WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.CreatorID, &doc.Email, &doc.Title, &doc.CreatedAt, &doc.UpdatedAt, &lastConnection)
	if err != nil {
		return DocumentMetadata{}, err
	}
	if lastConnection.Valid {
		doc.LastConnectionAt = &lastConnection.Time
	}

	access, err := s.loadAccess(ctx, []string{doc.ID})
	if err != nil {
		return DocumentMetadata{}, err
	}
	doc.Access = access[doc.ID]
	return doc, nil
}

// ListAccessibleDocuments returns every document the user created or holds an
// access entry on. Ordering is left to the caller.
func (s *PostgresStore) ListAccessibleDocuments(ctx context.Context, userID string) ([]DocumentMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.creator_id, d.email, d.title, d.created_at, d.updated_at, d.last_connection_at
		FROM documents d
		WHERE d.creator_id = $1
			OR EXISTS (SELECT 1 FROM document_access a WHERE a.document_id = d.id AND a.user_id = $1)
		ORDER BY d.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accessible documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentMetadata
	var ids []string
	for rows.Next() {
		var doc DocumentMetadata
		var lastConnection sql.NullTime
		if err := rows.Scan(&doc.ID, &doc.CreatorID, &doc.Email, &doc.Title, &doc.CreatedAt, &doc.UpdatedAt, &lastConnection); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if lastConnection.Valid {
			doc.LastConnectionAt = &lastConnection.Time
		}
		docs = append(docs, doc)
		ids = append(ids, doc.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return docs, nil
	}

	access, err := s.loadAccess(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Access = access[docs[i].ID]
	}
	return docs, nil
}

func (s *PostgresStore) loadAccess(ctx context.Context, documentIDs []string) (map[string]map[string][]rbac.Capability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, capabilities
		FROM document_access
		WHERE document_id = ANY($1)
	`, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("load document access: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string][]rbac.Capability, len(documentIDs))
	for rows.Next() {
		var documentID, userID string
		var caps []string
		if err := rows.Scan(&documentID, &userID, s.types.SQLScanner(&caps)); err != nil {
			return nil, fmt.Errorf("scan document access: %w", err)
		}
		if out[documentID] == nil {
			out[documentID] = map[string][]rbac.Capability{}
		}
		out[documentID][userID] = rbac.Normalize(caps)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAccess(ctx context.Context, documentID string) ([]AccessEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, capabilities, granted_at
		FROM document_access
		WHERE document_id = $1
		ORDER BY granted_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	defer rows.Close()

	var entries []AccessEntry
	for rows.Next() {
		var entry AccessEntry
		var caps []string
		if err := rows.Scan(&entry.DocumentID, &entry.UserID, s.types.SQLScanner(&caps), &entry.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		entry.Capabilities = rbac.Normalize(caps)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) UpdateDocumentTitle(ctx context.Context, documentID, title string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET title=$2, updated_at=NOW() WHERE id=$1`, documentID, title)
	if err != nil {
		return fmt.Errorf("update document title: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) TouchConnection(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET last_connection_at=NOW() WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("touch document connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GrantAccess(ctx context.Context, documentID, userID string, caps []rbac.Capability) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_access (document_id, user_id, capabilities)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET capabilities=EXCLUDED.capabilities, granted_at=NOW()
	`, documentID, userID, rbac.Strings(caps))
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccess(ctx context.Context, documentID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_access WHERE document_id=$1 AND user_id=$2`, documentID, userID)
	if err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsNotFound reports whether err means the addressed row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
