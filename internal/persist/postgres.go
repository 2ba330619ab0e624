package persist

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLog stores update history in the tree_updates table, one row
// per update, ordered by a sequence column.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog wraps an open database handle.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Load(ctx context.Context, treeID string) ([][]byte, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload FROM tree_updates
		WHERE tree_id=$1
		ORDER BY seq ASC
	`, treeID)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var updates [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return updates, nil
}

func (l *PostgresLog) Append(ctx context.Context, treeID string, update []byte) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tree_updates (tree_id, payload)
		VALUES ($1, $2)
	`, treeID, update)
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (l *PostgresLog) Replace(ctx context.Context, treeID string, state []byte) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tree_updates WHERE tree_id=$1`, treeID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear updates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tree_updates (tree_id, payload) VALUES ($1, $2)`, treeID, state); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("write compacted state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}
