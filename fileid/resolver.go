// Package fileid provides the default file identity resolver. Hosts with a
// real file-id manager inject their own implementation of
// core.FileIdentityResolver instead.
package fileid

import (
	"encoding/base64"
	"fmt"
	"path/filepath"

	"github.com/trungleduc/jupyter-collaboration/core"
)

// LocalResolver derives identities from the cleaned absolute path. The
// encoding is reversible, so identities minted before a restart still
// resolve back to a path afterwards.
type LocalResolver struct{}

var _ core.FileIdentityResolver = LocalResolver{}

func NewLocalResolver() LocalResolver { return LocalResolver{} }

func (LocalResolver) Identity(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve %q: %w", path, err)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(filepath.Clean(abs))), nil
}

func (LocalResolver) Path(identity string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(identity)
	if err != nil {
		return "", fmt.Errorf("unknown file identity %q: %w", identity, err)
	}
	return string(raw), nil
}
