package rooms

import (
	"context"

	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
)

// Facade gives server-side extensions access to shared documents by file
// path instead of room id. It only observes: a path whose room is not live
// yields core.ErrRoomNotFound rather than a new room.
type Facade struct {
	registry *Registry
	resolver core.FileIdentityResolver
}

func NewFacade(registry *Registry, resolver core.FileIdentityResolver) *Facade {
	return &Facade{registry: registry, resolver: resolver}
}

// GetDocument returns the shared document backing path. With copy set the
// caller gets an independent fork, safe to mutate and inspect without any
// effect on collaborators. Without it the live instance is returned;
// mutations bypass update sequencing and are visible to every connected
// client, so the copy form is the right default.
func (f *Facade) GetDocument(ctx context.Context, path, contentType, fileFormat string, copy bool) (*document.Document, error) {
	room, err := f.lookup(ctx, path, contentType, fileFormat)
	if err != nil {
		return nil, err
	}
	if copy {
		return room.ForkDocument()
	}
	return room.LiveDocument(), nil
}

// EditDocument applies edit to the live document under the room's update
// sequencing: the change is broadcast to clients and appended to the
// update log like any client edit.
func (f *Facade) EditDocument(ctx context.Context, path, contentType, fileFormat string, edit func(doc *document.Document) error) error {
	room, err := f.lookup(ctx, path, contentType, fileFormat)
	if err != nil {
		return err
	}
	return room.ApplyLocalEdit(edit)
}

func (f *Facade) lookup(ctx context.Context, path, contentType, fileFormat string) (*Room, error) {
	fileID, err := f.resolver.Identity(path)
	if err != nil {
		return nil, err
	}
	return f.registry.Lookup(core.EncodeRoomID(fileFormat, contentType, fileID))
}
