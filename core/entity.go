package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// ContentTypeFile is the fallback content type for plain documents.
	ContentTypeFile = "file"
	// ContentTypeNotebook marks notebook-structured documents.
	ContentTypeNotebook = "notebook"

	FormatText = "text"
	FormatJSON = "json"
)

type (
	// UpdateRecord is one durably stored document update. Within a room,
	// Seq is a total order; across rooms it carries no meaning.
	UpdateRecord struct {
		RoomID    string
		Seq       int64
		Timestamp time.Time
		Update    []byte
	}

	// UpdateStore is the append-only per-room update log. Appends for the
	// same room are serialized by the caller; implementations only need to
	// keep Seq monotonically increasing per room.
	UpdateStore interface {
		Append(ctx context.Context, roomID string, update []byte) (int64, error)
		Load(ctx context.Context, roomID string) ([]UpdateRecord, error)
		// Compact replaces all records with Seq <= upTo by a single
		// snapshot record at Seq == upTo. Replaying the compacted log must
		// be observationally identical to replaying the original one.
		Compact(ctx context.Context, roomID string, snapshot []byte, upTo int64) error
		Close() error
	}

	// FileIdentityResolver maps paths to stable file identities and back.
	// Identities survive process restarts; they are the variable part of a
	// room id.
	FileIdentityResolver interface {
		Identity(path string) (string, error)
		Path(identity string) (string, error)
	}

	// FileProvider is the raw file read/write primitive used by the file
	// sync bridge. Write must be atomic with respect to concurrent readers.
	FileProvider interface {
		Read(ctx context.Context, path string) (content string, mtime time.Time, err error)
		Write(ctx context.Context, path string, content string) (mtime time.Time, err error)
		Stat(ctx context.Context, path string) (mtime time.Time, err error)
	}
)

// EncodeRoomID builds the deterministic room id for a document. The id is
// also the persistence key, so it must be stable across restarts. Distinct
// representations of the same file (say notebook-json vs raw-text) yield
// distinct ids.
func EncodeRoomID(fileFormat, contentType, fileID string) string {
	return fmt.Sprintf("%s:%s:%s", fileFormat, contentType, fileID)
}

// DecodeRoomID splits a room id back into its three components.
func DecodeRoomID(roomID string) (fileFormat, contentType, fileID string, err error) {
	parts := strings.SplitN(roomID, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed room id %q", roomID)
	}
	return parts[0], parts[1], parts[2], nil
}
