package codecs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
)

// notebookCodec stores notebooks as canonical JSON text. Canonicalization
// makes on-disk content comparable byte-for-byte regardless of which tool
// last wrote the file.
type notebookCodec struct{}

func (notebookCodec) ContentType() string { return core.ContentTypeNotebook }

func (c notebookCodec) Load(text string) (*document.Document, error) {
	canonical, err := c.Normalize(text)
	if err != nil {
		return nil, err
	}
	return document.FromText(canonical)
}

func (c notebookCodec) Dump(doc *document.Document) (string, error) {
	text, err := doc.Text()
	if err != nil {
		return "", err
	}
	// A merge of two structurally valid notebooks can transiently produce
	// text that is not valid JSON; it is still written out so no edit is
	// lost, and the next valid state repairs the file.
	canonical, err := c.Normalize(text)
	if err != nil {
		return text, nil
	}
	return canonical, nil
}

func (notebookCodec) Normalize(text string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return "", fmt.Errorf("notebook content is not valid JSON: %w", err)
	}

	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetIndent("", " ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
