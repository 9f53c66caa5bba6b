package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation      = "23505"
	versionInsertRetries = 8
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUserByName returns the user with that display name, creating it with
// the given role on first sight.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, id, name, role string) (User, error) {
	const findUser = `SELECT id, display_name, role, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, role, created_at
	`, id, name, role).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, role, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, document Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $4)
	`, document.ID, document.Title, document.Content, document.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var document Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, created_by, updated_by, created_at, updated_at
		FROM documents WHERE id=$1
	`, documentID).Scan(
		&document.ID,
		&document.Title,
		&document.Content,
		&document.CreatedBy,
		&document.UpdatedBy,
		&document.CreatedAt,
		&document.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	return document, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_by, updated_by, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		var document Document
		if err := rows.Scan(
			&document.ID,
			&document.Title,
			&document.CreatedBy,
			&document.UpdatedBy,
			&document.CreatedAt,
			&document.UpdatedAt,
		); err != nil {
			return nil, err
		}
		documents = append(documents, document)
	}
	return documents, rows.Err()
}

func (s *PostgresStore) DocumentExists(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetContent(ctx context.Context, documentID string) (string, error) {
	var content string
	if err := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id=$1`, documentID).Scan(&content); err != nil {
		return "", err
	}
	return content, nil
}

// SaveContent overwrites the live content. Saving identical content only
// touches updated_at, so repeated saves are harmless.
func (s *PostgresStore) SaveContent(ctx context.Context, documentID, content, actor string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET content=$2, updated_by=$3, updated_at=NOW()
		WHERE id=$1
	`, documentID, content, actor)
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListVersions returns a document's versions newest first, without content.
func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version_number, version_name, description, commit_hash, created_by, created_at, is_locked
		FROM document_versions
		WHERE document_id=$1
		ORDER BY version_number DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

// InsertVersion assigns the next per-document number, and the default name
// when none is given. Concurrent inserts racing for a number are retried.
func (s *PostgresStore) InsertVersion(ctx context.Context, version Version) (Version, error) {
	const insert = `
		INSERT INTO document_versions (id, document_id, version_number, version_name, description, commit_hash, created_by)
		SELECT $1, $2, next.n, COALESCE(NULLIF($3, ''), 'Version ' || next.n), $4, $5, $6
		FROM (
			SELECT COALESCE(MAX(version_number), 0) + 1 AS n
			FROM document_versions
			WHERE document_id = $2
		) AS next
		RETURNING version_number, version_name, created_at, is_locked
	`
	name := strings.TrimSpace(version.Name)
	var err error
	for attempt := 0; attempt < versionInsertRetries; attempt++ {
		err = s.db.QueryRowContext(ctx, insert,
			version.ID,
			version.DocumentID,
			name,
			version.Description,
			version.CommitHash,
			version.CreatedBy,
		).Scan(&version.Number, &version.Name, &version.CreatedAt, &version.Locked)
		if err == nil {
			return version, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
			break
		}
	}
	return Version{}, fmt.Errorf("insert version: %w", err)
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, version_number, version_name, description, commit_hash, created_by, created_at, is_locked
		FROM document_versions
		WHERE id=$1
	`, versionID)
	return scanVersion(row)
}

func (s *PostgresStore) SetVersionLocked(ctx context.Context, versionID string, locked bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE document_versions SET is_locked=$2 WHERE id=$1`, versionID, locked)
	if err != nil {
		return fmt.Errorf("set version lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set version lock: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (Version, error) {
	var version Version
	err := row.Scan(
		&version.ID,
		&version.DocumentID,
		&version.Number,
		&version.Name,
		&version.Description,
		&version.CommitHash,
		&version.CreatedBy,
		&version.CreatedAt,
		&version.Locked,
	)
	if err != nil {
		return Version{}, err
	}
	return version, nil
}
