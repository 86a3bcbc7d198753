package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/codecs"
	"github.com/trungleduc/jupyter-collaboration/config"
	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
	"github.com/trungleduc/jupyter-collaboration/filesync"
)

// Registry maps room ids to live rooms. Concurrent requests for the same id
// share one construction; losers wait on the winner instead of building a
// second room for the same file.
type Registry struct {
	store    core.UpdateStore
	resolver core.FileIdentityResolver
	files    core.FileProvider
	codecs   *codecs.Registry
	cfg      config.CollaborationConfig

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ready chan struct{}
	room  *Room
	err   error
}

func NewRegistry(store core.UpdateStore, resolver core.FileIdentityResolver, files core.FileProvider, cdx *codecs.Registry, cfg config.CollaborationConfig) *Registry {
	return &Registry{
		store:    store,
		resolver: resolver,
		files:    files,
		codecs:   cdx,
		cfg:      cfg,
		entries:  make(map[string]*entry),
	}
}

// Ensure returns the live room for roomID, constructing it if absent. The
// two-phase entry keeps construction outside the registry lock while still
// guaranteeing a single room per id.
func (g *Registry) Ensure(ctx context.Context, roomID string) (*Room, error) {
	for {
		g.mu.Lock()
		if e, ok := g.entries[roomID]; ok {
			g.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				return nil, e.err
			}
			if !e.room.Closed() {
				return e.room, nil
			}
			// A closed room can linger briefly until its onClosed callback
			// removes the entry. Clear it ourselves and rebuild.
			g.mu.Lock()
			if cur, ok := g.entries[roomID]; ok && cur == e {
				delete(g.entries, roomID)
			}
			g.mu.Unlock()
			continue
		}

		e := &entry{ready: make(chan struct{})}
		g.entries[roomID] = e
		g.mu.Unlock()

		room, err := g.build(ctx, roomID)
		if err != nil {
			g.mu.Lock()
			delete(g.entries, roomID)
			g.mu.Unlock()
			e.err = err
			close(e.ready)
			return nil, err
		}
		e.room = room
		close(e.ready)
		return room, nil
	}
}

// Lookup returns the room only if it is already live. It never constructs
// and never touches idle timers, so observers cannot keep a dying room
// alive by accident.
func (g *Registry) Lookup(roomID string) (*Room, error) {
	g.mu.Lock()
	e, ok := g.entries[roomID]
	g.mu.Unlock()
	if !ok {
		return nil, core.ErrRoomNotFound
	}
	select {
	case <-e.ready:
	default:
		return nil, core.ErrRoomNotFound
	}
	if e.err != nil || e.room.Closed() {
		return nil, core.ErrRoomNotFound
	}
	return e.room, nil
}

// Rooms snapshots every live room for the admin surface.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.entries))
	for _, e := range g.entries {
		select {
		case <-e.ready:
			if e.err == nil && !e.room.Closed() {
				out = append(out, e.room)
			}
		default:
		}
	}
	return out
}

// build loads history, reconciles with the backing file and starts the
// room loop. Runs outside the registry lock.
func (g *Registry) build(ctx context.Context, roomID string) (*Room, error) {
	_, contentType, fileID, err := core.DecodeRoomID(roomID)
	if err != nil {
		return nil, err
	}
	path, err := g.resolver.Path(fileID)
	if err != nil {
		return nil, err
	}
	codec := g.codecs.Get(contentType)
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "path": path})

	records, err := g.store.Load(ctx, roomID)
	if err != nil {
		// History is a cache of the file; a broken store costs offline
		// edits, not the session.
		log.WithError(err).Warn("Loading update history failed, starting from file only")
		records = nil
	}

	doc := document.New()
	var lastSeq int64
	replayed := 0
	for _, rec := range records {
		if err := doc.ApplyUpdate(rec.Update); err != nil {
			log.WithError(err).WithField("seq", rec.Seq).Warn("Skipping corrupt update record")
			continue
		}
		replayed++
		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
	}
	if replayed > 0 {
		log.WithField("updates", replayed).Debug("Replayed update history")
	}

	room := newRoom(roomID, doc, g.store, lastSeq, g.cfg, g.remove)
	bridge := filesync.New(roomID, path, codec, g.files, filesync.Config{
		SaveDelay:    g.cfg.SaveDelay,
		PollInterval: g.cfg.PollInterval,
	}, room)
	room.bridge = bridge

	loaded, dirty, err := bridge.LoadInitial(ctx, doc, replayed > 0)
	if err != nil {
		return nil, err
	}
	room.doc = loaded
	// Seeding from the file produced the document's first change; log it
	// so a replay reproduces what clients are about to see.
	if pending := loaded.PendingUpdate(); pending != nil {
		if seq, err := g.store.Append(ctx, roomID, pending); err != nil {
			log.WithError(err).Warn("Persisting initial seed failed")
		} else {
			room.lastSeq = seq
		}
	}
	if dirty {
		// Replayed history is ahead of the file; schedule a save to
		// reconcile it.
		room.dirty = true
		bridge.MarkDirty()
	}

	room.start()
	log.Info("Room started")
	return room, nil
}

// remove is the room's onClosed callback. It runs on the room loop.
func (g *Registry) remove(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[r.id]; ok && e.room == r {
		delete(g.entries, r.id)
	}
}

// Teardown closes every room in parallel and waits up to timeout. Rooms
// still flushing after the deadline are abandoned and reported.
func (g *Registry) Teardown(timeout time.Duration) error {
	rooms := g.Rooms()
	if len(rooms) == 0 {
		return nil
	}
	logrus.WithField("rooms", len(rooms)).Info("Tearing down rooms")

	done := make(chan string, len(rooms))
	for _, r := range rooms {
		go func(r *Room) {
			r.Close()
			done <- r.id
		}(r)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	closed := make(map[string]bool, len(rooms))
	for range rooms {
		select {
		case id := <-done:
			closed[id] = true
		case <-deadline.C:
			var abandoned []string
			for _, r := range rooms {
				if !closed[r.id] {
					abandoned = append(abandoned, r.id)
				}
			}
			err := &core.TeardownTimeoutError{Abandoned: abandoned}
			logrus.WithField("abandoned", abandoned).Error("Teardown deadline exceeded")
			return err
		}
	}
	return nil
}
