// Package filesync reconciles one room's document with its backing file:
// initial load, debounced save, and periodic detection of external changes.
package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/codecs"
	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
)

// opTimeout bounds every file operation issued from a timer or poll tick.
const opTimeout = 10 * time.Second

// Target is the room side of the bridge. Enqueue methods must never block:
// a dropped poll merge is retried on the next interval and a dropped save
// request is covered by the final flush on close.
type Target interface {
	EnqueueSave()
	EnqueueExternalChange(content, hash string, mtime time.Time)
	EnqueueClose(reason error)
}

type Config struct {
	// SaveDelay is the debounce after the most recent edit. Nil disables
	// automatic saving.
	SaveDelay *time.Duration
	// PollInterval is the period between file checks. Zero disables
	// polling.
	PollInterval time.Duration
}

// Bridge binds one room to one file. At most one save timer is pending at
// any time; every new edit restarts it.
type Bridge struct {
	roomID string
	path   string
	codec  codecs.Codec
	files  core.FileProvider
	cfg    Config
	target Target
	log    *logrus.Entry

	mu        sync.Mutex
	saveTimer *time.Timer
	lastHash  string
	lastMtime time.Time
	closed    bool

	// shadow is a fork of the document pinned at the last point document
	// and file were reconciled. External changes are diffed against it,
	// never against the live document, so concurrent client edits merge
	// instead of being overwritten. Touched only from the room's
	// execution context.
	shadow *document.Document

	pollStop chan struct{}
	pollDone chan struct{}
}

func New(roomID, path string, codec codecs.Codec, files core.FileProvider, cfg Config, target Target) *Bridge {
	return &Bridge{
		roomID:   roomID,
		path:     path,
		codec:    codec,
		files:    files,
		cfg:      cfg,
		target:   target,
		log:      logrus.WithFields(logrus.Fields{"room_id": roomID, "path": path}),
		pollStop: make(chan struct{}),
		pollDone: make(chan struct{}),
	}
}

// LoadInitial seeds or reconciles the document before the room goes live,
// returning the document the room should serve and whether it already
// diverges from disk. With no persisted history the file is loaded through
// the codec; with history the replayed document wins and any divergence is
// reported as dirty so the next save reconciles the file.
func (b *Bridge) LoadInitial(ctx context.Context, doc *document.Document, hasHistory bool) (*document.Document, bool, error) {
	content, mtime, err := b.files.Read(ctx, b.path)
	if err != nil {
		if os.IsNotExist(err) && hasHistory {
			// The file will reappear on the next save.
			b.log.Warn("Backing file missing, serving replayed history")
			return doc, true, b.resetShadow(doc)
		}
		return nil, false, fmt.Errorf("failed to load %s: %w", b.path, err)
	}

	normalized, err := b.codec.Normalize(content)
	if err != nil {
		if !hasHistory {
			return nil, false, &core.ConflictMergeError{Path: b.path, Err: err}
		}
		b.log.WithError(err).Warn("Unreadable file content, serving replayed history")
		return doc, true, b.resetShadow(doc)
	}

	if !hasHistory {
		loaded, err := b.codec.Load(normalized)
		if err != nil {
			return nil, false, &core.ConflictMergeError{Path: b.path, Err: err}
		}
		b.markSynced(contentHash(normalized), mtime)
		return loaded, false, b.resetShadow(loaded)
	}

	current, err := b.codec.Dump(doc)
	if err != nil {
		return nil, false, err
	}

	// The shadow must only hold state the live document shares, so on a
	// diverged restart it is pinned at the replayed state and the hash at
	// the file content; the reconciling save re-aligns both.
	if err := b.resetShadow(doc); err != nil {
		return nil, false, err
	}
	b.markSynced(contentHash(normalized), mtime)
	return doc, current != normalized, nil
}

// resetShadow pins the sync base to the document's current state. The fork
// shares the document's history, so deltas it later produces apply cleanly.
func (b *Bridge) resetShadow(doc *document.Document) error {
	shadow, err := doc.Fork()
	if err != nil {
		return err
	}
	shadow.PendingUpdate()
	b.shadow = shadow
	return nil
}

// MergeExternal folds externally changed file content into the live
// document. The change is computed against the last-synced state and
// applied as one more edit, so concurrent client edits merge with it
// instead of being overwritten. Returns the update to broadcast and
// persist, nil when the change is a no-op. Must be called from the room's
// execution context.
func (b *Bridge) MergeExternal(doc *document.Document, content, hash string, mtime time.Time) ([]byte, error) {
	if b.shadow == nil {
		if err := b.resetShadow(doc); err != nil {
			return nil, err
		}
	}
	if err := b.shadow.SetText(content); err != nil {
		return nil, &core.ConflictMergeError{Path: b.path, Err: err}
	}
	update := b.shadow.PendingUpdate()
	if update != nil {
		if err := doc.ApplyUpdate(update); err != nil {
			return nil, &core.ConflictMergeError{Path: b.path, Err: err}
		}
	}
	b.markSynced(hash, mtime)
	return update, nil
}

// Start launches the inbound poll loop. No-op when polling is disabled.
func (b *Bridge) Start() {
	if b.cfg.PollInterval <= 0 {
		close(b.pollDone)
		return
	}
	go b.pollLoop()
}

func (b *Bridge) pollLoop() {
	defer close(b.pollDone)

	t := time.NewTicker(b.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if stop := b.pollOnce(); stop {
				return
			}
		case <-b.pollStop:
			return
		}
	}
}

// pollOnce checks the file for an external change. Returns true when
// polling must stop for good.
func (b *Bridge) pollOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	mtime, err := b.files.Stat(ctx, b.path)
	if err != nil {
		if os.IsNotExist(err) {
			b.log.Error("Backing file deleted, scheduling room close")
			b.target.EnqueueClose(core.ErrFileDeleted)
			return true
		}
		b.log.WithError(err).Warn("Failed to stat backing file")
		return false
	}

	b.mu.Lock()
	unchanged := !mtime.After(b.lastMtime)
	b.mu.Unlock()
	if unchanged {
		return false
	}

	content, mtime, err := b.files.Read(ctx, b.path)
	if err != nil {
		if os.IsNotExist(err) {
			b.log.Error("Backing file deleted, scheduling room close")
			b.target.EnqueueClose(core.ErrFileDeleted)
			return true
		}
		b.log.WithError(err).Warn("Failed to read backing file")
		return false
	}

	normalized, err := b.codec.Normalize(content)
	if err != nil {
		// Unreadable content; skip this cycle and retry on the next one.
		cerr := &core.ConflictMergeError{Path: b.path, Err: err}
		b.log.WithError(cerr).Warn("Skipping poll cycle")
		return false
	}

	hash := contentHash(normalized)
	b.mu.Lock()
	same := hash == b.lastHash
	if same {
		// Touched but identical content: just remember the new mtime.
		b.lastMtime = mtime
	}
	b.mu.Unlock()
	if same {
		return false
	}

	b.target.EnqueueExternalChange(normalized, hash, mtime)
	return false
}

// MarkDirty restarts the save debounce timer. Each call supersedes the
// previous pending save.
func (b *Bridge) MarkDirty() {
	if b.cfg.SaveDelay == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.saveTimer != nil {
		b.saveTimer.Stop()
	}
	b.saveTimer = time.AfterFunc(*b.cfg.SaveDelay, b.target.EnqueueSave)
}

// SaveNow serializes the document and writes it to disk. Must be called
// from the room loop.
func (b *Bridge) SaveNow(ctx context.Context, doc *document.Document) error {
	b.mu.Lock()
	if b.saveTimer != nil {
		b.saveTimer.Stop()
		b.saveTimer = nil
	}
	b.mu.Unlock()

	text, err := b.codec.Dump(doc)
	if err != nil {
		return err
	}
	mtime, err := b.files.Write(ctx, b.path, text)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", b.path, err)
	}

	b.markSynced(contentHash(text), mtime)
	if err := b.resetShadow(doc); err != nil {
		return err
	}
	b.log.WithField("bytes", len(text)).Debug("Document saved")
	return nil
}

func (b *Bridge) markSynced(hash string, mtime time.Time) {
	b.mu.Lock()
	b.lastHash = hash
	b.lastMtime = mtime
	b.mu.Unlock()
}

// Close stops the debounce timer and the poll loop. It returns only once
// the poll goroutine has exited, so no stale tick can fire against a
// torn-down room.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.pollDone
		return
	}
	b.closed = true
	if b.saveTimer != nil {
		b.saveTimer.Stop()
		b.saveTimer = nil
	}
	b.mu.Unlock()

	close(b.pollStop)
	<-b.pollDone
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
