package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/core"
)

type updateStore struct {
	db *sql.DB
}

// NewUpdateStore opens (or creates) the embedded update log. This is the
// default durable backend.
func NewUpdateStore(dataSourceName string) (core.UpdateStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	sts := `CREATE TABLE IF NOT EXISTS document_updates (
		room_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		snapshot_id TEXT,
		created_at INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (room_id, seq)
	);`
	if _, err := db.Exec(sts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create document_updates table: %w", err)
	}

	logrus.WithField("dataSourceName", dataSourceName).Info("SQLite update store ready")
	return &updateStore{db: db}, nil
}

func (s *updateStore) Append(ctx context.Context, roomID string, update []byte) (int64, error) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(update),
	})

	// Single INSERT..SELECT keeps the seq assignment atomic; the room loop
	// already serializes appends per room.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO document_updates (room_id, seq, created_at, data)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM document_updates WHERE room_id = ?`,
		roomID, time.Now().UnixMilli(), update, roomID)
	if err != nil {
		log.WithField("error", err).Error("Failed to append update")
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, fmt.Errorf("append inserted no row for room %s", roomID)
	}

	var seq int64
	err = s.db.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM document_updates WHERE room_id = ?", roomID).Scan(&seq)
	if err != nil {
		return 0, err
	}

	log.WithField("seq", seq).Debug("Update appended")
	return seq, nil
}

func (s *updateStore) Load(ctx context.Context, roomID string) ([]core.UpdateRecord, error) {
	log := logrus.WithField("room_id", roomID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, created_at, data FROM document_updates WHERE room_id = ? ORDER BY seq ASC",
		roomID)
	if err != nil {
		log.WithField("error", err).Error("Failed to load update log")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close update rows")
		}
	}()

	var records []core.UpdateRecord
	for rows.Next() {
		var r core.UpdateRecord
		var createdAt int64
		if err := rows.Scan(&r.Seq, &createdAt, &r.Update); err != nil {
			log.WithField("error", err).Error("Failed to scan update record")
			return nil, err
		}
		r.RoomID = roomID
		r.Timestamp = time.UnixMilli(createdAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.WithField("records", len(records)).Debug("Update log loaded")
	return records, nil
}

func (s *updateStore) Compact(ctx context.Context, roomID string, snapshot []byte, upTo int64) error {
	log := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"up_to":   upTo,
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM document_updates WHERE room_id = ? AND seq <= ?", roomID, upTo); err != nil {
		log.WithField("error", err).Error("Failed to drop compacted prefix")
		return err
	}

	snapshotID := ulid.Make().String()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO document_updates (room_id, seq, snapshot_id, created_at, data) VALUES (?, ?, ?, ?, ?)",
		roomID, upTo, snapshotID, time.Now().UnixMilli(), snapshot); err != nil {
		log.WithField("error", err).Error("Failed to insert snapshot record")
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.WithField("snapshot_id", snapshotID).Info("Room log compacted")
	return nil
}

func (s *updateStore) Close() error {
	return s.db.Close()
}
