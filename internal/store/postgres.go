package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore holds tree metadata, permissions and visit records.
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

const metadataColumns = `tree_id, owner_id, created_at, last_accessed, title, node_count, deleted, deleted_at`

func scanMetadata(row interface{ Scan(...any) error }) (TreeMetadata, error) {
	var m TreeMetadata
	err := row.Scan(&m.TreeID, &m.Owner, &m.CreatedAt, &m.LastAccessed, &m.Title, &m.NodeCount, &m.Deleted, &m.DeletedAt)
	return m, err
}

// InsertTreeMetadata creates the metadata record for a new tree.
func (s *PostgresStore) InsertTreeMetadata(ctx context.Context, treeID, ownerID, title string, nodeCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tree_metadata (tree_id, owner_id, title, node_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tree_id) DO NOTHING
	`, treeID, ownerID, title, nodeCount)
	if err != nil {
		return fmt.Errorf("insert tree metadata: %w", err)
	}
	return nil
}

// GetTreeMetadata fetches a record by id, including soft-deleted ones: a
// deleted tree stays fetchable by id even though listings exclude it.
func (s *PostgresStore) GetTreeMetadata(ctx context.Context, treeID string) (TreeMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+metadataColumns+`
		FROM tree_metadata
		WHERE tree_id=$1
	`, treeID)
	return scanMetadata(row)
}

// ListUserTrees returns the caller's non-deleted trees, most recently
// accessed first.
func (s *PostgresStore) ListUserTrees(ctx context.Context, ownerID string) ([]TreeMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metadataColumns+`
		FROM tree_metadata
		WHERE owner_id=$1 AND deleted=false
		ORDER BY last_accessed DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list user trees: %w", err)
	}
	defer rows.Close()

	items := make([]TreeMetadata, 0)
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tree metadata: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tree metadata: %w", err)
	}
	return items, nil
}

// SoftDeleteTree flags a record deleted without touching the replicated
// content. Returns false when no record matched.
func (s *PostgresStore) SoftDeleteTree(ctx context.Context, treeID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tree_metadata
		SET deleted=true, deleted_at=NOW()
		WHERE tree_id=$1 AND deleted=false
	`, treeID)
	if err != nil {
		return false, fmt.Errorf("soft delete tree: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete tree: %w", err)
	}
	return affected > 0, nil
}

// TouchTree overwrites the cached title and node count and bumps
// last_accessed. This is the self-healing write: whatever the cache held
// before, it now matches the live document.
func (s *PostgresStore) TouchTree(ctx context.Context, treeID, title string, nodeCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tree_metadata
		SET last_accessed=NOW(), title=$2, node_count=$3
		WHERE tree_id=$1
	`, treeID, title, nodeCount)
	if err != nil {
		return fmt.Errorf("touch tree: %w", err)
	}
	return nil
}

// UpdateLastAccessed bumps only the access time.
func (s *PostgresStore) UpdateLastAccessed(ctx context.Context, treeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tree_metadata SET last_accessed=NOW() WHERE tree_id=$1
	`, treeID)
	if err != nil {
		return fmt.Errorf("update last accessed: %w", err)
	}
	return nil
}

// GrantPermission upserts the single permission record of a (tree, user)
// pair.
func (s *PostgresStore) GrantPermission(ctx context.Context, treeID, userID, permissionType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tree_permissions (tree_id, user_id, permission_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (tree_id, user_id) DO UPDATE SET permission_type=EXCLUDED.permission_type
	`, treeID, userID, permissionType)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// RevokePermission removes a user's permission record for a tree.
func (s *PostgresStore) RevokePermission(ctx context.Context, treeID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tree_permissions WHERE tree_id=$1 AND user_id=$2
	`, treeID, userID)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// GetPermission returns the permission record of a (tree, user) pair.
func (s *PostgresStore) GetPermission(ctx context.Context, treeID, userID string) (TreePermission, error) {
	var p TreePermission
	err := s.db.QueryRowContext(ctx, `
		SELECT tree_id, user_id, permission_type
		FROM tree_permissions
		WHERE tree_id=$1 AND user_id=$2
	`, treeID, userID).Scan(&p.TreeID, &p.UserID, &p.PermissionType)
	if err != nil {
		return TreePermission{}, err
	}
	return p, nil
}

// ListTreePermissions returns every user's permission on a tree.
func (s *PostgresStore) ListTreePermissions(ctx context.Context, treeID string) ([]TreePermission, error) {
	return s.listPermissions(ctx, `tree_id=$1`, treeID)
}

// ListUserPermissions returns every tree a user has a permission on.
func (s *PostgresStore) ListUserPermissions(ctx context.Context, userID string) ([]TreePermission, error) {
	return s.listPermissions(ctx, `user_id=$1`, userID)
}

func (s *PostgresStore) listPermissions(ctx context.Context, where string, arg any) ([]TreePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tree_id, user_id, permission_type
		FROM tree_permissions
		WHERE `+where+`
		ORDER BY tree_id, user_id
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	items := make([]TreePermission, 0)
	for rows.Next() {
		var p TreePermission
		if err := rows.Scan(&p.TreeID, &p.UserID, &p.PermissionType); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return items, nil
}

// HasPermission reports whether the exact (tree, user, type) record
// exists.
func (s *PostgresStore) HasPermission(ctx context.Context, treeID, userID, permissionType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM tree_permissions
			WHERE tree_id=$1 AND user_id=$2 AND permission_type=$3
		)
	`, treeID, userID, permissionType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return exists, nil
}

// RecordVisit upserts the (user, tree) visit record in one statement.
// The storage layer does the read-modify-write atomically, so concurrent
// first visits cannot lose an update between existence check and insert.
func (s *PostgresStore) RecordVisit(ctx context.Context, userID, treeID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tree_visits (user_id, tree_id, last_visited)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, tree_id) DO UPDATE SET last_visited=NOW()
	`, userID, treeID)
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	return nil
}

// ListVisits returns a user's visits, most recent first.
func (s *PostgresStore) ListVisits(ctx context.Context, userID string) ([]TreeVisit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, tree_id, last_visited
		FROM tree_visits
		WHERE user_id=$1
		ORDER BY last_visited DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	items := make([]TreeVisit, 0)
	for rows.Next() {
		var v TreeVisit
		if err := rows.Scan(&v.UserID, &v.TreeID, &v.LastVisited); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visits: %w", err)
	}
	return items, nil
}

// RemoveVisit deletes a tree from a user's visit history.
func (s *PostgresStore) RemoveVisit(ctx context.Context, userID, treeID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tree_visits WHERE user_id=$1 AND tree_id=$2
	`, userID, treeID)
	if err != nil {
		return fmt.Errorf("remove visit: %w", err)
	}
	return nil
}
