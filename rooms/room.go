package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/config"
	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
	"github.com/trungleduc/jupyter-collaboration/filesync"
)

type State int

const (
	StateLoading State = iota
	StateActive
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Info is a point-in-time description of a room for the admin surface.
type Info struct {
	ID      string `json:"id"`
	Clients int    `json:"clients"`
	State   string `json:"state"`
	Dirty   bool   `json:"dirty"`
	LastSeq int64  `json:"last_seq"`
}

// storeTimeout bounds every update store call issued from the room loop.
const storeTimeout = 5 * time.Second

// Room owns one live document, its connected clients and its timers. All
// mutation runs on a single loop goroutine, so edits from clients, the
// facade and file-poll merges never interleave mid-merge, and no two state
// transitions overlap.
type Room struct {
	id     string
	doc    *document.Document
	store  core.UpdateStore
	bridge *filesync.Bridge
	cfg    config.CollaborationConfig
	log    *logrus.Entry

	// Loop-owned state. Only the loop goroutine touches these.
	clients        map[*Client]struct{}
	awareness      map[string][]byte
	state          State
	dirty          bool
	lastSeq        int64
	storeHealthy   bool
	lastDisconnect time.Time
	cleanupTimer   *time.Timer
	onClosed       func(*Room)

	qmu     sync.Mutex
	qclosed bool
	tasks   chan func()
	quit    chan struct{}
}

func newRoom(id string, doc *document.Document, store core.UpdateStore, lastSeq int64, cfg config.CollaborationConfig, onClosed func(*Room)) *Room {
	return &Room{
		id:           id,
		doc:          doc,
		store:        store,
		cfg:          cfg,
		log:          logrus.WithField("room_id", id),
		clients:      make(map[*Client]struct{}),
		awareness:    make(map[string][]byte),
		state:        StateLoading,
		lastSeq:      lastSeq,
		storeHealthy: true,
		onClosed:     onClosed,
		tasks:        make(chan func(), 256),
		quit:         make(chan struct{}),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// start transitions out of LOADING and begins serving. A fresh room has no
// clients yet, so it starts idle with its cleanup window already running in
// case the connecting client never completes its join.
func (r *Room) start() {
	r.state = StateIdle
	r.lastDisconnect = time.Now()
	r.startCleanupTimer()
	go r.loop()
	r.bridge.Start()
}

func (r *Room) loop() {
	for {
		select {
		case f := <-r.tasks:
			f()
		case <-r.quit:
			// Run what was accepted before the close, then stop.
			for {
				select {
				case f := <-r.tasks:
					f()
				default:
					return
				}
			}
		}
	}
}

// enqueue schedules f on the room loop. Every accepted task is guaranteed
// to run, even when the room closes concurrently.
func (r *Room) enqueue(f func()) error {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.qclosed {
		return core.ErrRoomClosed
	}
	r.tasks <- f
	return nil
}

// tryEnqueue is the non-blocking variant used by timers and the poll loop.
func (r *Room) tryEnqueue(f func()) bool {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.qclosed {
		return false
	}
	select {
	case r.tasks <- f:
		return true
	default:
		r.log.Warn("Room task queue full, dropping scheduled task")
		return false
	}
}

// call runs f on the room loop and waits for it.
func (r *Room) call(f func()) error {
	done := make(chan struct{})
	if err := r.enqueue(func() {
		defer close(done)
		f()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Closed reports whether the room has fully shut down.
func (r *Room) Closed() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

// Join admits a connection. The new client immediately receives the full
// document state as its first update message, followed by the known
// awareness states of its peers.
func (r *Room) Join() (*Client, error) {
	var client *Client
	err := r.call(func() {
		if r.state == StateClosed {
			return
		}
		client = newClient()
		r.clients[client] = struct{}{}
		r.stopCleanupTimer()
		r.state = StateActive

		client.deliver(Message{Kind: MessageUpdate, Payload: r.doc.Save()})
		for _, payload := range r.awareness {
			client.deliver(Message{Kind: MessageAwareness, Payload: payload})
		}

		r.log.WithFields(logrus.Fields{
			"client_id": client.id,
			"clients":   len(r.clients),
		}).Info("Client joined room")
	})
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, core.ErrRoomClosed
	}
	return client, nil
}

// Leave removes a connection. The last leaver moves the room to IDLE and
// arms the cleanup timer.
func (r *Room) Leave(client *Client) {
	_ = r.enqueue(func() {
		if _, ok := r.clients[client]; !ok {
			return
		}
		delete(r.clients, client)
		client.closeOutbox()

		if _, ok := r.awareness[client.id]; ok {
			delete(r.awareness, client.id)
			r.broadcast(nil, Message{Kind: MessageAwareness, Payload: awarenessTombstone(client.id)})
		}

		r.log.WithFields(logrus.Fields{
			"client_id": client.id,
			"clients":   len(r.clients),
		}).Info("Client left room")

		if len(r.clients) == 0 && r.state == StateActive {
			r.state = StateIdle
			r.lastDisconnect = time.Now()
			r.startCleanupTimer()
		}
	})
}

// SubmitUpdate applies one opaque document update coming from a client,
// relays it to every peer, appends it to the update log and schedules a
// save. The payload is broadcast verbatim; peers merge it themselves.
func (r *Room) SubmitUpdate(from *Client, payload []byte) {
	_ = r.enqueue(func() {
		if r.state == StateClosed {
			return
		}
		if err := r.doc.ApplyUpdate(payload); err != nil {
			r.log.WithError(err).WithField("client_id", from.id).Warn("Dropping malformed update")
			return
		}
		// Applying a remote update leaves nothing pending locally, but a
		// leftover local change (say a file merge) must not leak into the
		// persisted copy of this client's update.
		r.broadcast(from, Message{Kind: MessageUpdate, Payload: payload})
		r.persist(payload)
		r.markDirty()
	})
}

// SubmitAwareness records and relays ephemeral presence state. Never
// persisted, never ordered.
func (r *Room) SubmitAwareness(from *Client, payload []byte) {
	_ = r.enqueue(func() {
		if r.state == StateClosed {
			return
		}
		r.awareness[from.id] = payload
		r.broadcast(from, Message{Kind: MessageAwareness, Payload: payload})
	})
}

// ApplyLocalEdit mutates the document on behalf of an in-process caller
// (the facade), then broadcasts and persists the resulting update.
func (r *Room) ApplyLocalEdit(edit func(doc *document.Document) error) error {
	var editErr error
	err := r.call(func() {
		if r.state == StateClosed {
			editErr = core.ErrRoomClosed
			return
		}
		if editErr = edit(r.doc); editErr != nil {
			return
		}
		if pending := r.doc.PendingUpdate(); pending != nil {
			r.broadcast(nil, Message{Kind: MessageUpdate, Payload: pending})
			r.persist(pending)
			r.markDirty()
		}
	})
	if err != nil {
		return err
	}
	return editErr
}

// ForkDocument returns an independent snapshot of the live document. It is
// not a connection: it does not touch idle timers.
func (r *Room) ForkDocument() (*document.Document, error) {
	var fork *document.Document
	var forkErr error
	if err := r.call(func() {
		fork, forkErr = r.doc.Fork()
	}); err != nil {
		return nil, err
	}
	return fork, forkErr
}

// LiveDocument exposes the shared instance without any copy. Callers
// bypass the per-room update sequencing; mutations are immediately visible
// to every collaborator. Reserved for trusted in-process use.
func (r *Room) LiveDocument() *document.Document {
	return r.doc
}

// Save flushes the document to disk immediately. This is the explicit-save
// path used when automatic saving is disabled.
func (r *Room) Save(ctx context.Context) error {
	var saveErr error
	if err := r.call(func() {
		if r.state == StateClosed {
			saveErr = core.ErrRoomClosed
			return
		}
		saveErr = r.saveNow(ctx)
	}); err != nil {
		return err
	}
	return saveErr
}

// Compact snapshots the live document over the log prefix. Returns the
// sequence number the log was compacted through.
func (r *Room) Compact(ctx context.Context) (int64, error) {
	var seq int64
	var compactErr error
	if err := r.call(func() {
		if r.state == StateClosed {
			compactErr = core.ErrRoomClosed
			return
		}
		if r.lastSeq == 0 {
			return
		}
		if err := r.store.Compact(ctx, r.id, r.doc.Save(), r.lastSeq); err != nil {
			compactErr = &core.PersistenceError{Op: "compact", RoomID: r.id, Err: err}
			return
		}
		seq = r.lastSeq
	}); err != nil {
		return 0, err
	}
	return seq, compactErr
}

// Info reports the room state for the admin surface.
func (r *Room) Info() Info {
	info := Info{ID: r.id, State: StateClosed.String()}
	_ = r.call(func() {
		info.Clients = len(r.clients)
		info.State = r.state.String()
		info.Dirty = r.dirty
		info.LastSeq = r.lastSeq
	})
	return info
}

// Close flushes and shuts the room down. Safe to call more than once.
func (r *Room) Close() {
	_ = r.call(func() { r.closeNow(nil) })
}

// EnqueueSave implements filesync.Target: the debounce timer elapsed.
func (r *Room) EnqueueSave() {
	r.tryEnqueue(func() {
		if r.state == StateClosed || !r.dirty {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.saveNow(ctx); err != nil {
			// Collaboration stays up; the next edit re-arms the timer.
			r.log.WithError(err).Error("Scheduled save failed")
		}
	})
}

// EnqueueExternalChange implements filesync.Target: the backing file was
// modified by someone else. The bridge diffs the new content against the
// last-synced state and applies it as one more edit, so concurrent
// uncommitted client edits survive the merge.
func (r *Room) EnqueueExternalChange(content, hash string, mtime time.Time) {
	r.tryEnqueue(func() {
		if r.state == StateClosed {
			return
		}
		update, err := r.bridge.MergeExternal(r.doc, content, hash, mtime)
		if err != nil {
			r.log.WithError(err).Warn("Skipping external change")
			return
		}
		if update != nil {
			r.broadcast(nil, Message{Kind: MessageUpdate, Payload: update})
			r.persist(update)
		}
		// The dirty flag only remains set if unreconciled local edits were
		// pending before the merge.
		r.log.Info("Merged external file change")
	})
}

// EnqueueClose implements filesync.Target: polling hit a terminal
// condition, typically a deleted backing file.
func (r *Room) EnqueueClose(reason error) {
	r.tryEnqueue(func() { r.closeNow(reason) })
}

// broadcast delivers to every client except from. from == nil reaches
// everyone.
func (r *Room) broadcast(from *Client, m Message) {
	for c := range r.clients {
		if c == from {
			continue
		}
		c.deliver(m)
	}
}

// persist appends one update to the store. A failing store degrades the
// room to memory-only operation instead of rejecting the edit.
func (r *Room) persist(update []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	seq, err := r.store.Append(ctx, r.id, update)
	if err != nil {
		perr := &core.PersistenceError{Op: "append", RoomID: r.id, Err: err}
		if r.storeHealthy {
			r.storeHealthy = false
			r.log.WithError(perr).Error("Update store unavailable, continuing in memory only")
		} else {
			r.log.WithError(perr).Debug("Update store still unavailable")
		}
		return
	}
	if !r.storeHealthy {
		r.storeHealthy = true
		r.log.Info("Update store recovered")
	}
	r.lastSeq = seq
}

func (r *Room) markDirty() {
	r.dirty = true
	r.bridge.MarkDirty()
}

// saveNow writes the document through the bridge and clears the dirty flag
// only when the write succeeds.
func (r *Room) saveNow(ctx context.Context) error {
	if err := r.bridge.SaveNow(ctx, r.doc); err != nil {
		return err
	}
	r.dirty = false
	return nil
}

func (r *Room) startCleanupTimer() {
	if !r.cfg.AutoEvict || r.cfg.CleanupDelay == nil {
		return
	}
	r.stopCleanupTimer()
	r.cleanupTimer = time.AfterFunc(*r.cfg.CleanupDelay, func() {
		r.tryEnqueue(func() {
			if r.state == StateIdle && len(r.clients) == 0 {
				r.closeNow(nil)
			}
		})
	})
}

func (r *Room) stopCleanupTimer() {
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
}

// closeNow is the single CLOSED transition. It runs on the loop, so it can
// never overlap another transition; timer and poll cancellation completes
// before the room is removed from the registry.
func (r *Room) closeNow(reason error) {
	if r.state == StateClosed {
		return
	}
	r.state = StateClosed
	r.stopCleanupTimer()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// Final flush. With the backing file gone there is nothing to save to,
	// but buffered edits still reach the update log below.
	if r.dirty && reason != core.ErrFileDeleted {
		if err := r.saveNow(ctx); err != nil {
			r.log.WithError(err).Error("Final save failed")
		}
	}
	if pending := r.doc.PendingUpdate(); pending != nil {
		r.persist(pending)
	}
	if r.lastSeq > 0 && r.storeHealthy {
		if err := r.store.Compact(ctx, r.id, r.doc.Save(), r.lastSeq); err != nil {
			r.log.WithError(err).Warn("Compaction on close failed")
		}
	}

	r.bridge.Close()

	for c := range r.clients {
		c.closeOutbox()
		delete(r.clients, c)
	}
	r.awareness = make(map[string][]byte)

	r.qmu.Lock()
	r.qclosed = true
	r.qmu.Unlock()
	close(r.quit)

	if r.onClosed != nil {
		r.onClosed(r)
	}

	if reason != nil {
		r.log.WithError(reason).Info("Room closed")
	} else {
		r.log.Info("Room closed")
	}
}

func awarenessTombstone(clientID string) []byte {
	return []byte(`{"clientId":"` + clientID + `","removed":true}`)
}
