package websocket

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"

	"github.com/trungleduc/jupyter-collaboration/codecs"
	"github.com/trungleduc/jupyter-collaboration/config"
	"github.com/trungleduc/jupyter-collaboration/contents"
	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
	"github.com/trungleduc/jupyter-collaboration/fileid"
	"github.com/trungleduc/jupyter-collaboration/rooms"
	"github.com/trungleduc/jupyter-collaboration/stores/memory"
)

type wsEnv struct {
	t        *testing.T
	dir      string
	server   *httptest.Server
	registry *rooms.Registry
	resolver fileid.LocalResolver
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	resolver := fileid.NewLocalResolver()
	registry := rooms.NewRegistry(
		memory.NewUpdateStore(),
		resolver,
		contents.NewLocalProvider(),
		codecs.NewRegistry(),
		config.CollaborationConfig{AutoEvict: true},
	)

	r := chi.NewRouter()
	r.Get("/api/collaboration/room/{roomId}", HandleCollab(registry))
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		server.Close()
		_ = registry.Teardown(5 * time.Second)
	})
	return &wsEnv{
		t:        t,
		dir:      t.TempDir(),
		server:   server,
		registry: registry,
		resolver: resolver,
	}
}

func (e *wsEnv) newFile(name, content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		e.t.Fatal(err)
	}
	id, err := e.resolver.Identity(path)
	if err != nil {
		e.t.Fatal(err)
	}
	return core.EncodeRoomID(core.FormatText, core.ContentTypeFile, id)
}

func (e *wsEnv) dial(roomID string) *gorilla.Conn {
	e.t.Helper()
	url := strings.Replace(e.server.URL, "http", "ws", 1) + "/api/collaboration/room/" + roomID
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		e.t.Fatalf("dial %s: %v", roomID, err)
	}
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorilla.Conn) (rooms.MessageKind, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != gorilla.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	kind, payload, err := decodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	return kind, payload
}

func TestCollabDeliversSnapshotOnConnect(t *testing.T) {
	e := newWSEnv(t)
	roomID := e.newFile("doc.txt", "over the wire")

	conn := e.dial(roomID)
	kind, payload := readFrame(t, conn)
	if kind != rooms.MessageUpdate {
		t.Fatalf("first frame kind = %d, want update", kind)
	}
	doc, err := document.Load(payload)
	if err != nil {
		t.Fatal(err)
	}
	text, err := doc.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "over the wire" {
		t.Fatalf("snapshot text = %q", text)
	}
}

func TestCollabRelaysUpdates(t *testing.T) {
	e := newWSEnv(t)
	roomID := e.newFile("doc.txt", "start")

	alice := e.dial(roomID)
	_, snapshot := readFrame(t, alice)
	bob := e.dial(roomID)
	readFrame(t, bob)

	doc, err := document.Load(snapshot)
	if err != nil {
		t.Fatal(err)
	}
	doc.PendingUpdate()
	if err := doc.SetText("start plus alice"); err != nil {
		t.Fatal(err)
	}
	update := doc.PendingUpdate()
	if update == nil {
		t.Fatal("edit produced no update")
	}

	frame, err := encodeFrame(rooms.MessageUpdate, update)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.WriteMessage(gorilla.BinaryMessage, frame); err != nil {
		t.Fatal(err)
	}

	kind, payload := readFrame(t, bob)
	if kind != rooms.MessageUpdate {
		t.Fatalf("relayed kind = %d, want update", kind)
	}
	merged, err := document.Load(snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if err := merged.ApplyUpdate(payload); err != nil {
		t.Fatal(err)
	}
	text, err := merged.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "start plus alice" {
		t.Fatalf("merged text = %q", text)
	}
}

func TestCollabRelaysAwareness(t *testing.T) {
	e := newWSEnv(t)
	roomID := e.newFile("doc.txt", "aw")

	alice := e.dial(roomID)
	readFrame(t, alice)
	bob := e.dial(roomID)
	readFrame(t, bob)

	state := []byte(`{"clientId":"alice","cursor":{"line":1,"col":4}}`)
	frame, err := encodeFrame(rooms.MessageAwareness, state)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.WriteMessage(gorilla.BinaryMessage, frame); err != nil {
		t.Fatal(err)
	}

	kind, payload := readFrame(t, bob)
	if kind != rooms.MessageAwareness {
		t.Fatalf("relayed kind = %d, want awareness", kind)
	}
	if string(payload) != string(state) {
		t.Fatalf("awareness payload altered: %s", payload)
	}
}

func TestCollabRejectsInvalidRoomID(t *testing.T) {
	e := newWSEnv(t)

	resp, err := http.Get(e.server.URL + "/api/collaboration/room/not-a-room-id")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCollabMissingDocument(t *testing.T) {
	e := newWSEnv(t)
	id, err := e.resolver.Identity(filepath.Join(e.dir, "absent.txt"))
	if err != nil {
		t.Fatal(err)
	}
	roomID := core.EncodeRoomID(core.FormatText, core.ContentTypeFile, id)

	resp, err := http.Get(e.server.URL + "/api/collaboration/room/" + roomID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
