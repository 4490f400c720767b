package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/portrelay/relay/internal/model"
)

// ConnectionRepository provides data access for the connection journal.
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository creates a new ConnectionRepository.
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const selectColumns = `
	SELECT id, boot_id, identity, instance_id, remote_addr, status,
	       frames_in, frames_out, connected_at, disconnected_at
	FROM connections
`

// Create inserts an open connection and sets rec.RowID.
func (r *ConnectionRepository) Create(ctx context.Context, rec *model.ConnectionRecord) error {
	query := `
		INSERT INTO connections (boot_id, identity, instance_id, remote_addr, status, connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.BootID,
		int64(rec.Identity),
		rec.InstanceID,
		rec.RemoteAddr,
		rec.Status,
		rec.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	rowID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get row id: %w", err)
	}
	rec.RowID = rowID
	return nil
}

// MarkClosed records the end of the open connection id within bootID.
func (r *ConnectionRepository) MarkClosed(ctx context.Context, bootID string, id model.Identity, stats model.ConnectionStats, at time.Time) error {
	query := `
		UPDATE connections
		SET status = ?, frames_in = ?, frames_out = ?, disconnected_at = ?
		WHERE boot_id = ? AND identity = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		model.ConnectionStatusClosed,
		stats.FramesIn,
		stats.FramesOut,
		at,
		bootID,
		int64(id),
		model.ConnectionStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrPeerNotFound
	}
	return nil
}

// CloseStale closes open rows left behind by earlier boots.
func (r *ConnectionRepository) CloseStale(ctx context.Context, bootID string, at time.Time) (int64, error) {
	query := `
		UPDATE connections
		SET status = ?, disconnected_at = ?
		WHERE boot_id != ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.ConnectionStatusClosed, at, bootID, model.ConnectionStatusOpen)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale connections: %w", err)
	}
	return result.RowsAffected()
}

// GetByIdentity retrieves the journal entry of id within bootID.
func (r *ConnectionRepository) GetByIdentity(ctx context.Context, bootID string, id model.Identity) (*model.ConnectionRecord, error) {
	query := selectColumns + `WHERE boot_id = ? AND identity = ? ORDER BY id DESC LIMIT 1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, bootID, int64(id)))
	if err == sql.ErrNoRows {
		return nil, model.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return rec, nil
}

// List returns the newest entries first. An empty bootID lists every boot.
func (r *ConnectionRepository) List(ctx context.Context, bootID string, limit int) ([]*model.ConnectionRecord, error) {
	query := selectColumns
	args := []interface{}{}
	if bootID != "" {
		query += `WHERE boot_id = ? `
		args = append(args, bootID)
	}
	query += `ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var records []*model.ConnectionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return records, nil
}

// CountOpen returns the number of open connections within bootID.
func (r *ConnectionRepository) CountOpen(ctx context.Context, bootID string) (int, error) {
	query := `SELECT COUNT(*) FROM connections WHERE boot_id = ? AND status = ?`

	var count int
	err := r.db.QueryRowContext(ctx, query, bootID, model.ConnectionStatusOpen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open connections: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.ConnectionRecord, error) {
	rec := &model.ConnectionRecord{}
	var identity int64
	var instanceID sql.NullString
	var remoteAddr sql.NullString
	var disconnectedAt sql.NullTime

	err := row.Scan(
		&rec.RowID,
		&rec.BootID,
		&identity,
		&instanceID,
		&remoteAddr,
		&rec.Status,
		&rec.FramesIn,
		&rec.FramesOut,
		&rec.ConnectedAt,
		&disconnectedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Identity = model.Identity(identity)
	rec.InstanceID = instanceID.String
	rec.RemoteAddr = remoteAddr.String
	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		rec.DisconnectedAt = &t
	}
	return rec, nil
}
