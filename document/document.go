// Package document wraps the automerge CRDT behind the small surface the
// collaboration engine needs: a shared text body, opaque incremental
// updates, and independent forks.
package document

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// contentKey is the root map key holding the document body.
const contentKey = "content"

// Document is one live CRDT document. It is not safe for concurrent use;
// rooms serialize all access through their run loop.
type Document struct {
	doc *automerge.Doc
}

// New returns an empty document.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// FromText returns a document seeded with the given body.
func FromText(content string) (*Document, error) {
	d := New()
	if err := d.doc.Path(contentKey).Set(automerge.NewText(content)); err != nil {
		return nil, fmt.Errorf("failed to seed document text: %w", err)
	}
	return d, nil
}

// Load restores a document from a full save.
func Load(raw []byte) (*Document, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &Document{doc: doc}, nil
}

func (d *Document) text() (*automerge.Text, error) {
	v, err := d.doc.Path(contentKey).Get()
	if err != nil {
		return nil, err
	}
	if v.Kind() == automerge.KindText {
		return v.Text(), nil
	}
	t := automerge.NewText("")
	if err := d.doc.Path(contentKey).Set(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Text returns the current document body.
func (d *Document) Text() (string, error) {
	t, err := d.text()
	if err != nil {
		return "", err
	}
	return t.Get()
}

// SetText reconciles the body towards next as one edit. Only the changed
// span is spliced, so concurrent edits to disjoint regions survive a merge
// instead of being overwritten.
func (d *Document) SetText(next string) error {
	t, err := d.text()
	if err != nil {
		return err
	}
	cur, err := t.Get()
	if err != nil {
		return err
	}
	if cur == next {
		return nil
	}

	old, want := []rune(cur), []rune(next)
	prefix := 0
	for prefix < len(old) && prefix < len(want) && old[prefix] == want[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(want)-prefix &&
		old[len(old)-1-suffix] == want[len(want)-1-suffix] {
		suffix++
	}

	if del := len(old) - prefix - suffix; del > 0 {
		if err := t.Delete(prefix, del); err != nil {
			return err
		}
	}
	if ins := string(want[prefix : len(want)-suffix]); ins != "" {
		if err := t.Insert(prefix, ins); err != nil {
			return err
		}
	}
	return nil
}

// ApplyUpdate merges an opaque update produced by any replica of this
// document. Applying the same update twice is a no-op.
func (d *Document) ApplyUpdate(raw []byte) error {
	if err := d.doc.LoadIncremental(raw); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

// PendingUpdate encodes every local change made since the previous call to
// PendingUpdate or Save. Returns nil when there is nothing new.
func (d *Document) PendingUpdate() []byte {
	raw := d.doc.SaveIncremental()
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// Save encodes the full document state.
func (d *Document) Save() []byte {
	return d.doc.Save()
}

// Fork returns an independent copy carrying the full current state.
// Changes made to the fork never reach this document.
func (d *Document) Fork() (*Document, error) {
	doc, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork document: %w", err)
	}
	return &Document{doc: doc}, nil
}
