// Package codecs maps content types to the load/dump contract that turns
// file text into a live document and back. The engine never interprets
// document structure itself; codecs own that.
package codecs

import (
	"sync"

	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
)

type Codec interface {
	ContentType() string
	// Load builds a fresh document seeded from file text.
	Load(text string) (*document.Document, error)
	// Dump serializes the document body into file text.
	Dump(doc *document.Document) (string, error)
	// Normalize canonicalizes raw file text before it is compared or
	// merged. An error means the content is unreadable for this type.
	Normalize(text string) (string, error)
}

// Registry resolves content types to codecs. Unknown types fall back to the
// plain file codec.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(textCodec{})
	r.Register(notebookCodec{})
	return r
}

func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.ContentType()] = c
	r.mu.Unlock()
}

func (r *Registry) Get(contentType string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.codecs[contentType]; ok {
		return c
	}
	return r.codecs[core.ContentTypeFile]
}

// textCodec passes file content through untouched.
type textCodec struct{}

func (textCodec) ContentType() string { return core.ContentTypeFile }

func (textCodec) Load(text string) (*document.Document, error) {
	return document.FromText(text)
}

func (textCodec) Dump(doc *document.Document) (string, error) {
	return doc.Text()
}

func (textCodec) Normalize(text string) (string, error) {
	return text, nil
}
