package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/core"
)

type updateStore struct {
	mu   sync.RWMutex
	logs map[string][]core.UpdateRecord
	seqs map[string]int64
}

// NewUpdateStore returns a volatile update store. History does not survive
// a restart; useful for tests and for hosts that treat the file as the only
// durable representation.
func NewUpdateStore() core.UpdateStore {
	return &updateStore{
		logs: make(map[string][]core.UpdateRecord),
		seqs: make(map[string]int64),
	}
}

func (s *updateStore) Append(ctx context.Context, roomID string, update []byte) (int64, error) {
	data := make([]byte, len(update))
	copy(data, update)

	s.mu.Lock()
	s.seqs[roomID]++
	seq := s.seqs[roomID]
	s.logs[roomID] = append(s.logs[roomID], core.UpdateRecord{
		RoomID:    roomID,
		Seq:       seq,
		Timestamp: time.Now(),
		Update:    data,
	})
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"seq":     seq,
	}).Debug("Update appended")
	return seq, nil
}

func (s *updateStore) Load(ctx context.Context, roomID string) ([]core.UpdateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]core.UpdateRecord, len(s.logs[roomID]))
	copy(records, s.logs[roomID])
	return records, nil
}

func (s *updateStore) Compact(ctx context.Context, roomID string, snapshot []byte, upTo int64) error {
	data := make([]byte, len(snapshot))
	copy(data, snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()

	var tail []core.UpdateRecord
	for _, r := range s.logs[roomID] {
		if r.Seq > upTo {
			tail = append(tail, r)
		}
	}

	compacted := append([]core.UpdateRecord{{
		RoomID:    roomID,
		Seq:       upTo,
		Timestamp: time.Now(),
		Update:    data,
	}}, tail...)
	s.logs[roomID] = compacted

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"up_to":   upTo,
		"tail":    len(tail),
	}).Info("Room log compacted")
	return nil
}

func (s *updateStore) Close() error { return nil }
