// Package access enforces per-token resource isolation independently of the
// upstream service's own authorization.
package access

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/shared/apperr"
)

// ResourceType discriminates the two isolated resource families.
type ResourceType string

const (
	ResourceConversation ResourceType = "conversation"
	ResourceGizmo        ResourceType = "gizmo"
)

// AccessType discriminates grant strength.
type AccessType string

const (
	AccessOwner  AccessType = "owner"
	AccessViewer AccessType = "viewer"
)

// Grant is one durable (token, resource) access record.
type Grant struct {
	Token      string
	ResourceID string
	Resource   ResourceType
	Access     AccessType
	CreatedAt  time.Time
}

// Flags disable isolation per resource family, for operational debugging.
type Flags struct {
	DisableConversationIsolation bool
	DisableGizmoIsolation        bool
}

// Store is the durable token and grant table, backed by SQLite.
type Store struct {
	db            *sql.DB
	internalToken string
	flags         Flags
	logger        *logging.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	token      TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS conversation_access (
	resource_id TEXT NOT NULL,
	token       TEXT NOT NULL,
	access_type TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (token, resource_id)
);
CREATE TABLE IF NOT EXISTS gizmo_access (
	resource_id TEXT NOT NULL,
	token       TEXT NOT NULL,
	access_type TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (token, resource_id)
);
CREATE INDEX IF NOT EXISTS idx_conversation_resource ON conversation_access(resource_id);
CREATE INDEX IF NOT EXISTS idx_gizmo_resource ON gizmo_access(resource_id);
`

// Open opens (creating if needed) the access database at path.
func Open(path, internalToken string, flags Flags, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open access db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply access schema: %w", err)
	}
	return &Store{db: db, internalToken: internalToken, flags: flags, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsInternal reports whether token is the privileged internal caller identity.
func (s *Store) IsInternal(token string) bool {
	return token != "" && token == s.internalToken
}

// IssueToken stores a new opaque user token.
func (s *Store) IssueToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO tokens (token) VALUES (?)`, token)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	return nil
}

// TokenExists reports whether token was previously issued.
func (s *Store) TokenExists(ctx context.Context, token string) bool {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tokens WHERE token = ?`, token).Scan(&n)
	if err != nil {
		s.logger.Warn("token lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}

// IsolationDisabled reports whether the resource family's isolation flag is
// off. With isolation off every check passes and grants are no-ops, so
// callers that filter by grant must not consult the grant tables at all.
func (s *Store) IsolationDisabled(resource ResourceType) bool {
	return s.isolationOff(resource)
}

func (s *Store) isolationOff(resource ResourceType) bool {
	switch resource {
	case ResourceConversation:
		return s.flags.DisableConversationIsolation
	case ResourceGizmo:
		return s.flags.DisableGizmoIsolation
	}
	return false
}

func tableFor(resource ResourceType) string {
	if resource == ResourceGizmo {
		return "gizmo_access"
	}
	return "conversation_access"
}

// CheckAccess reports whether token may see resourceID. The internal token
// and disabled isolation both short-circuit to true.
func (s *Store) CheckAccess(ctx context.Context, resourceID, token string, resource ResourceType) bool {
	if s.IsInternal(token) || s.isolationOff(resource) {
		return true
	}

	var n int
	query := fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE resource_id = ? AND token = ?`, tableFor(resource))
	if err := s.db.QueryRowContext(ctx, query, resourceID, token).Scan(&n); err != nil {
		s.logger.Warn("access check failed", zap.String("resource", resourceID), zap.Error(err))
		return false
	}
	return n > 0
}

// GrantAccess records that token may see resourceID. Owner grants fail closed
// when a different token already owns the resource; regrants by the same token
// are idempotent. The conflict check and insert run in one transaction so two
// concurrent callers cannot both win ownership.
func (s *Store) GrantAccess(ctx context.Context, resourceID, token string, resource ResourceType, access AccessType) error {
	if s.IsInternal(token) || s.isolationOff(resource) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin grant tx: %w", err)
	}
	defer tx.Rollback()

	table := tableFor(resource)
	if access == AccessOwner {
		var owner string
		query := fmt.Sprintf(`SELECT token FROM %s WHERE resource_id = ? AND access_type = ? LIMIT 1`, table)
		err := tx.QueryRowContext(ctx, query, resourceID, string(AccessOwner)).Scan(&owner)
		switch {
		case err == sql.ErrNoRows:
			// First owner; proceed.
		case err != nil:
			return fmt.Errorf("failed to check owner: %w", err)
		case owner != token:
			return apperr.New(apperr.KindAccessConflict,
				fmt.Sprintf("resource %s already owned by a different token", resourceID))
		}
	}

	insert := fmt.Sprintf(`INSERT OR REPLACE INTO %s (resource_id, token, access_type) VALUES (?, ?, ?)`, table)
	if _, err := tx.ExecContext(ctx, insert, resourceID, token, string(access)); err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return tx.Commit()
}

// ListAccessible returns every resource id the token may see.
func (s *Store) ListAccessible(ctx context.Context, token string, resource ResourceType) ([]string, error) {
	query := fmt.Sprintf(`SELECT resource_id FROM %s WHERE token = ? ORDER BY created_at`, tableFor(resource))
	rows, err := s.db.QueryContext(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RevokeAccess removes one (token, resource) grant.
func (s *Store) RevokeAccess(ctx context.Context, resourceID, token string, resource ResourceType) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE resource_id = ? AND token = ?`, tableFor(resource))
	if _, err := s.db.ExecContext(ctx, query, resourceID, token); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	return nil
}
