package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/core"
)

type updateStore struct {
	pool *pgxpool.Pool
}

// NewUpdateStore connects to postgres and ensures the log table exists.
// Suited to hosts that already run a database and want the update history
// to outlive the machine.
func NewUpdateStore(ctx context.Context, databaseURL string) (core.UpdateStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sts := `CREATE TABLE IF NOT EXISTS document_updates (
		room_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		snapshot_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		data BYTEA NOT NULL,
		PRIMARY KEY (room_id, seq)
	)`
	if _, err := pool.Exec(ctx, sts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create document_updates table: %w", err)
	}

	logrus.Info("Postgres update store ready")
	return &updateStore{pool: pool}, nil
}

func (s *updateStore) Append(ctx context.Context, roomID string, update []byte) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO document_updates (room_id, seq, data)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2 FROM document_updates WHERE room_id = $1
		 RETURNING seq`,
		roomID, update).Scan(&seq)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"error":   err,
		}).Error("Failed to append update")
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"seq":     seq,
	}).Debug("Update appended")
	return seq, nil
}

func (s *updateStore) Load(ctx context.Context, roomID string) ([]core.UpdateRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT seq, created_at, data FROM document_updates WHERE room_id = $1 ORDER BY seq ASC",
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []core.UpdateRecord
	for rows.Next() {
		var r core.UpdateRecord
		var createdAt time.Time
		if err := rows.Scan(&r.Seq, &createdAt, &r.Update); err != nil {
			return nil, err
		}
		r.RoomID = roomID
		r.Timestamp = createdAt
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *updateStore) Compact(ctx context.Context, roomID string, snapshot []byte, upTo int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"DELETE FROM document_updates WHERE room_id = $1 AND seq <= $2", roomID, upTo); err != nil {
		return err
	}

	snapshotID := ulid.Make().String()
	if _, err := tx.Exec(ctx,
		"INSERT INTO document_updates (room_id, seq, snapshot_id, data) VALUES ($1, $2, $3, $4)",
		roomID, upTo, snapshotID, snapshot); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"up_to":       upTo,
		"snapshot_id": snapshotID,
	}).Info("Room log compacted")
	return nil
}

func (s *updateStore) Close() error {
	s.pool.Close()
	return nil
}
