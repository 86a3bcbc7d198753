package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trungleduc/jupyter-collaboration/codecs"
	"github.com/trungleduc/jupyter-collaboration/config"
	"github.com/trungleduc/jupyter-collaboration/contents"
	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
	"github.com/trungleduc/jupyter-collaboration/fileid"
	collab "github.com/trungleduc/jupyter-collaboration/rooms"
	"github.com/trungleduc/jupyter-collaboration/stores/memory"
)

type apiEnv struct {
	t        *testing.T
	dir      string
	server   *httptest.Server
	registry *collab.Registry
	resolver fileid.LocalResolver
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	resolver := fileid.NewLocalResolver()
	registry := collab.NewRegistry(
		memory.NewUpdateStore(),
		resolver,
		contents.NewLocalProvider(),
		codecs.NewRegistry(),
		config.CollaborationConfig{AutoEvict: true},
	)

	r := chi.NewRouter()
	r.Get("/api/rooms", HandleListRooms(registry))
	r.Get("/api/rooms/{roomId}", HandleGetRoom(registry))
	r.Post("/api/rooms/{roomId}/compact", HandleCompactRoom(registry))
	r.Post("/api/rooms/{roomId}/save", HandleSaveRoom(registry))
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		server.Close()
		_ = registry.Teardown(5 * time.Second)
	})
	return &apiEnv{t: t, dir: t.TempDir(), server: server, registry: registry, resolver: resolver}
}

func (e *apiEnv) openRoom(name, content string) (*collab.Room, string) {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		e.t.Fatal(err)
	}
	id, err := e.resolver.Identity(path)
	if err != nil {
		e.t.Fatal(err)
	}
	roomID := core.EncodeRoomID(core.FormatText, core.ContentTypeFile, id)
	room, err := e.registry.Ensure(context.Background(), roomID)
	if err != nil {
		e.t.Fatal(err)
	}
	return room, roomID
}

func TestListRoomsEmpty(t *testing.T) {
	e := newAPIEnv(t)

	resp, err := http.Get(e.server.URL + "/api/rooms")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var infos []collab.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("listed %d rooms, want 0", len(infos))
	}
}

func TestListRooms(t *testing.T) {
	e := newAPIEnv(t)
	_, roomID := e.openRoom("a.txt", "a")
	e.openRoom("b.txt", "b")

	resp, err := http.Get(e.server.URL + "/api/rooms")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var infos []collab.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d rooms, want 2", len(infos))
	}
	found := false
	for _, info := range infos {
		if info.ID == roomID {
			found = true
			if info.State != "idle" {
				t.Fatalf("room state = %s, want idle", info.State)
			}
		}
	}
	if !found {
		t.Fatalf("room %s missing from listing", roomID)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	e := newAPIEnv(t)

	resp, err := http.Get(e.server.URL + "/api/rooms/text:file:bm9wZQ")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCompactRoom(t *testing.T) {
	e := newAPIEnv(t)
	_, roomID := e.openRoom("c.txt", "compact me")

	resp, err := http.Post(e.server.URL+"/api/rooms/"+roomID+"/compact", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body CompactResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.CompactedThrough == 0 {
		t.Fatal("compacted through sequence 0")
	}
}

func TestSaveRoom(t *testing.T) {
	e := newAPIEnv(t)
	room, roomID := e.openRoom("s.txt", "v0")

	if err := room.ApplyLocalEdit(func(doc *document.Document) error {
		return doc.SetText("v1")
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(e.server.URL+"/api/rooms/"+roomID+"/save", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	data, err := os.ReadFile(filepath.Join(e.dir, "s.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v1" {
		t.Fatalf("file holds %q, want %q", data, "v1")
	}
}
