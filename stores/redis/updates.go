package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/core"
)

const (
	logKeyPrefix = "jcollab:updates:"
	seqKeyPrefix = "jcollab:seq:"
)

// record is the wire shape of one list entry. Update marshals as base64.
type record struct {
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"ts"`
	Update    []byte `json:"update"`
}

type updateStore struct {
	client *redis.Client
}

// NewUpdateStore connects to redis and keeps one list per room id plus a
// sequence counter. Durability follows the redis persistence configuration.
func NewUpdateStore(ctx context.Context, addr string) (core.UpdateStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logrus.WithField("addr", addr).Info("Redis update store ready")
	return &updateStore{client: client}, nil
}

func (s *updateStore) Append(ctx context.Context, roomID string, update []byte) (int64, error) {
	seq, err := s.client.Incr(ctx, seqKeyPrefix+roomID).Result()
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(record{
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Update:    update,
	})
	if err != nil {
		return 0, err
	}

	if err := s.client.RPush(ctx, logKeyPrefix+roomID, data).Err(); err != nil {
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
	entries, err := s.client.LRange(ctx, logKeyPrefix+roomID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]core.UpdateRecord, 0, len(entries))
	for _, entry := range entries {
		var r record
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			return nil, fmt.Errorf("corrupt update record for room %s: %w", roomID, err)
		}
		records = append(records, core.UpdateRecord{
			RoomID:    roomID,
			Seq:       r.Seq,
			Timestamp: time.UnixMilli(r.Timestamp),
			Update:    r.Update,
		})
	}
	return records, nil
}

func (s *updateStore) Compact(ctx context.Context, roomID string, snapshot []byte, upTo int64) error {
	records, err := s.Load(ctx, roomID)
	if err != nil {
		return err
	}

	snap, err := json.Marshal(record{
		Seq:       upTo,
		Timestamp: time.Now().UnixMilli(),
		Update:    snapshot,
	})
	if err != nil {
		return err
	}

	entries := [][]byte{snap}
	for _, r := range records {
		if r.Seq <= upTo {
			continue
		}
		data, err := json.Marshal(record{
			Seq:       r.Seq,
			Timestamp: r.Timestamp.UnixMilli(),
			Update:    r.Update,
		})
		if err != nil {
			return err
		}
		entries = append(entries, data)
	}

	// The room loop owns both appends and compaction for a room, so the
	// delete-and-rewrite below does not race new records.
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, logKeyPrefix+roomID)
	for _, entry := range entries {
		pipe.RPush(ctx, logKeyPrefix+roomID, entry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"up_to":   upTo,
		"tail":    len(entries) - 1,
	}).Info("Room log compacted")
	return nil
}

func (s *updateStore) Close() error {
	return s.client.Close()
}
