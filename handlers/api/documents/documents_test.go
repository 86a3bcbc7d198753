package documents

import (
	"bytes"
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
	"github.com/trungleduc/jupyter-collaboration/fileid"
	"github.com/trungleduc/jupyter-collaboration/rooms"
	"github.com/trungleduc/jupyter-collaboration/stores/memory"
)

type docEnv struct {
	t        *testing.T
	dir      string
	server   *httptest.Server
	registry *rooms.Registry
	resolver fileid.LocalResolver
}

func newDocEnv(t *testing.T) *docEnv {
	t.Helper()
	resolver := fileid.NewLocalResolver()
	registry := rooms.NewRegistry(
		memory.NewUpdateStore(),
		resolver,
		contents.NewLocalProvider(),
		codecs.NewRegistry(),
		config.CollaborationConfig{AutoEvict: true},
	)
	facade := rooms.NewFacade(registry, resolver)

	r := chi.NewRouter()
	r.Get("/api/documents", HandleGetDocument(facade))
	r.Put("/api/documents", HandleUpdateDocument(facade))
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		server.Close()
		_ = registry.Teardown(5 * time.Second)
	})
	return &docEnv{t: t, dir: t.TempDir(), server: server, registry: registry, resolver: resolver}
}

func (e *docEnv) openRoom(name, content string) (*rooms.Room, string) {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		e.t.Fatal(err)
	}
	id, err := e.resolver.Identity(path)
	if err != nil {
		e.t.Fatal(err)
	}
	room, err := e.registry.Ensure(context.Background(), core.EncodeRoomID(core.FormatText, core.ContentTypeFile, id))
	if err != nil {
		e.t.Fatal(err)
	}
	return room, path
}

func TestGetDocument(t *testing.T) {
	e := newDocEnv(t)
	_, path := e.openRoom("doc.txt", "read me")

	resp, err := http.Get(e.server.URL + "/api/documents?path=" + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body DocumentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Content != "read me" {
		t.Fatalf("content = %q, want %q", body.Content, "read me")
	}
}

func TestGetDocumentNoSession(t *testing.T) {
	e := newDocEnv(t)

	resp, err := http.Get(e.server.URL + "/api/documents?path=/nowhere/doc.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetDocumentRequiresPath(t *testing.T) {
	e := newDocEnv(t)

	resp, err := http.Get(e.server.URL + "/api/documents")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateDocument(t *testing.T) {
	e := newDocEnv(t)
	room, path := e.openRoom("doc.txt", "before")

	payload, err := json.Marshal(UpdateDocumentRequest{Path: path, Content: "after"})
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPut, e.server.URL+"/api/documents", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	text, err := room.LiveDocument().Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "after" {
		t.Fatalf("live text = %q, want %q", text, "after")
	}
}

func TestUpdateDocumentBadBody(t *testing.T) {
	e := newDocEnv(t)

	req, err := http.NewRequest(http.MethodPut, e.server.URL+"/api/documents", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
