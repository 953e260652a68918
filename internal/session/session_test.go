package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coide/internal/models"
)

type frameCapture struct {
	mu     sync.Mutex
	frames []models.Frame
}

func newFrameCapture() *frameCapture { return &frameCapture{} }

func (c *frameCapture) hook(frame models.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *frameCapture) list() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func identity(name string) models.Identity {
	return models.Identity{UserID: "id-" + name, DisplayName: name}
}

func TestClientSendWithHook(t *testing.T) {
	client := NewClient("c1", identity("u1"), nil)
	capture := newFrameCapture()
	client.SetSendHook(capture.hook)

	if err := client.Send(models.OutFrame{Type: models.EventJoined, Data: map[string]string{"roomId": "r"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := capture.list()
	if len(got) != 1 || got[0].Type != models.EventJoined {
		t.Fatalf("expected frame captured, got %#v", got)
	}
	var data map[string]string
	if err := json.Unmarshal(got[0].Data, &data); err != nil || data["roomId"] != "r" {
		t.Fatalf("unexpected data %s err=%v", got[0].Data, err)
	}
}

func TestClientSendAfterClose(t *testing.T) {
	client := NewClient("c1", identity("u1"), nil)
	client.Close()
	client.Close()

	if err := client.Send(models.OutFrame{Type: models.EventError}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
	select {
	case <-client.Done():
	default:
		t.Fatalf("expected done channel closed")
	}
}

func TestClientSendBufferFull(t *testing.T) {
	client := NewClient("c1", identity("u1"), nil)
	for i := 0; i < sendBuffer; i++ {
		if err := client.SendRaw([]byte(`{"type":"x"}`)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := client.SendRaw([]byte(`{"type":"x"}`)); !errors.Is(err, ErrSendBuffer) {
		t.Fatalf("expected ErrSendBuffer, got %v", err)
	}
}

func TestClientPumpsOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	inbound := make(chan models.Frame, 1)
	serverDone := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient("srv", identity("srv"), conn)
		go client.WritePump()
		_ = client.Send(models.OutFrame{Type: models.EventSyncCode, Data: models.SyncCodePayload{RoomID: "r", FileKey: "main.py", Content: "x"}})
		serverDone <- client.ReadPump(func(f models.Frame) { inbound <- f }, nil)
		client.Close()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}

	var frame models.Frame
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != models.EventSyncCode {
		t.Fatalf("expected sync-code frame, got %#v err=%v", frame, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "join", "data": map[string]string{"roomId": "r"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case f := <-inbound:
		if f.Type != models.EventJoin {
			t.Fatalf("unexpected inbound frame: %#v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected frame to be received")
	}

	conn.Close()
	select {
	case err := <-serverDone:
		if err == nil {
			t.Fatalf("expected read pump to end with an error")
		}
	case <-time.After(time.Second):
		t.Fatalf("read pump did not stop after client close")
	}
}

func TestRegistrySnapshotsLastWriteWins(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.GetSnapshot("abc123", "main.py"); ok {
		t.Fatalf("expected no snapshot before any change")
	}

	reg.RecordSnapshot("abc123", "main.py", "X")
	reg.RecordSnapshot("abc123", "main.py", "Y")
	reg.RecordSnapshot("abc123", "util.py", "Z")

	if got, ok := reg.GetSnapshot("abc123", "main.py"); !ok || got != "Y" {
		t.Fatalf("expected last write Y, got %q ok=%v", got, ok)
	}
	room, _ := reg.Get("abc123")
	snaps := room.Snapshots()
	if len(snaps) != 2 || snaps[0].FileKey != "main.py" || snaps[1].FileKey != "util.py" {
		t.Fatalf("unexpected snapshot listing: %#v", snaps)
	}
}

func TestRegistryEnsureRoomIdempotent(t *testing.T) {
	reg := NewRegistry()
	a := reg.EnsureRoom("a")
	b := reg.EnsureRoom("a")
	if a != b || reg.Len() != 1 {
		t.Fatalf("expected same room instance")
	}
	if !reg.Evict("a") || reg.Evict("a") {
		t.Fatalf("expected evict to succeed exactly once")
	}
	if _, ok := reg.Get("a"); ok {
		t.Fatalf("expected room to be evicted")
	}
}

func TestRegistryActivityAndEvictIdle(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry()
	reg.SetClock(func() time.Time { return now })

	reg.EnsureRoom("idle")
	reg.EnsureRoom("busy")
	reg.EnsureRoom("occupied")

	now = now.Add(5 * time.Minute)
	reg.RecordSnapshot("busy", "f", "content")
	room, _ := reg.Get("busy")
	if !room.LastActivity().Equal(now) {
		t.Fatalf("expected activity bump, got %s", room.LastActivity())
	}

	now = now.Add(6 * time.Minute)
	evicted := reg.EvictIdle(10*time.Minute, func(id string) bool { return id == "occupied" })
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("expected only idle room evicted, got %v", evicted)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 rooms left, got %d", reg.Len())
	}
}

func TestRoomEmptiedFiresHooksOnce(t *testing.T) {
	room := NewRoom("r", time.Now())
	var saved []string
	room.OnEmpty("a.py", func() { saved = append(saved, "a.py") })
	room.OnEmpty("a.py", func() { saved = append(saved, "dup") })
	room.OnEmpty("b.py", func() { saved = append(saved, "b.py") })

	if n := room.Emptied(); n != 2 {
		t.Fatalf("expected 2 hooks, got %d", n)
	}
	if n := room.Emptied(); n != 0 {
		t.Fatalf("expected re-armed empty hook set, got %d", n)
	}
	if strings.Join(saved, ",") != "a.py,b.py" {
		t.Fatalf("unexpected hook order %v", saved)
	}

	room.OnEmpty("a.py", func() { saved = append(saved, "again") })
	room.Emptied()
	if saved[len(saved)-1] != "again" {
		t.Fatalf("expected hooks to re-arm after firing")
	}
}

func TestOneShotGuards(t *testing.T) {
	o := NewOneShot()
	calls := 0
	if !o.Register("k", func() { calls++ }) {
		t.Fatalf("expected register to succeed")
	}
	if o.Register("nil", nil) {
		t.Fatalf("nil hooks must be rejected")
	}
	if o.Pending() != 1 {
		t.Fatalf("expected one pending hook")
	}
	o.Fire()
	o.Fire()
	if calls != 1 || !o.Fired() {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
	if o.Register("late", func() { calls++ }) {
		t.Fatalf("registration after fire must be ignored")
	}
}

func TestOneShotUnregister(t *testing.T) {
	o := NewOneShot()
	var ran []string
	o.Register("a", func() { ran = append(ran, "a") })
	o.Register("b", func() { ran = append(ran, "b") })
	if !o.Unregister("a") {
		t.Fatalf("expected a to be removed")
	}
	if o.Unregister("a") || o.Unregister("missing") {
		t.Fatalf("unregistering an absent key must report false")
	}
	if !o.Register("a", func() { ran = append(ran, "a2") }) {
		t.Fatalf("expected a to be registrable again")
	}
	if n := o.Fire(); n != 2 {
		t.Fatalf("expected 2 hooks, got %d", n)
	}
	if strings.Join(ran, ",") != "b,a2" {
		t.Fatalf("unexpected hooks run %v", ran)
	}
}

func TestRegistryDropSnapshotClearsSaveHook(t *testing.T) {
	reg := NewRegistry()
	reg.RecordSnapshot("r", "main.py", "v1")
	reg.RecordSnapshot("r", "util.py", "u1")
	room, _ := reg.Get("r")
	saved := 0
	room.OnEmpty("main.py", func() { saved++ })

	if !reg.DropSnapshot("r", "main.py") {
		t.Fatalf("expected main.py to be dropped")
	}
	if reg.DropSnapshot("r", "main.py") || reg.DropSnapshot("nope", "main.py") {
		t.Fatalf("dropping twice or in an unknown room must report false")
	}
	if _, ok := reg.GetSnapshot("r", "main.py"); ok {
		t.Fatalf("snapshot should be gone")
	}
	if content, _ := reg.GetSnapshot("r", "util.py"); content != "u1" {
		t.Fatalf("other files must be kept, got %q", content)
	}
	if n := room.Emptied(); n != 0 || saved != 0 {
		t.Fatalf("dropped file must not be saved, ran %d", n)
	}
	if len(reg.Rooms()) != 1 {
		t.Fatalf("expected one room, got %d", len(reg.Rooms()))
	}
}

func TestPresenceRequiresAttach(t *testing.T) {
	p := NewPresence()
	if _, err := p.Join("c1", "r"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
	if err := p.Attach("c1", identity("u1")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := p.Attach("c1", identity("u1")); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestPresenceRosterOrderAndIdempotentJoin(t *testing.T) {
	p := NewPresence()
	for _, c := range []string{"c1", "c2", "c3"} {
		_ = p.Attach(c, identity("u-"+c))
	}

	for i, c := range []string{"c2", "c1", "c3"} {
		joined, err := p.Join(c, "abc123")
		if err != nil || !joined {
			t.Fatalf("join %s: joined=%v err=%v", c, joined, err)
		}
		if n := len(p.Roster("abc123")); n != i+1 {
			t.Fatalf("expected %d entries, got %d", i+1, n)
		}
	}
	if joined, err := p.Join("c1", "abc123"); err != nil || joined {
		t.Fatalf("second join must be a no-op, joined=%v err=%v", joined, err)
	}

	roster := p.Roster("abc123")
	order := []string{roster[0].ConnectionID, roster[1].ConnectionID, roster[2].ConnectionID}
	if strings.Join(order, ",") != "c2,c1,c3" {
		t.Fatalf("unexpected roster order %v", order)
	}
	if roster[1].DisplayName != "u-c1" || roster[1].RoomID != "abc123" {
		t.Fatalf("unexpected entry %#v", roster[1])
	}
}

func TestPresenceLeaveAndLeaveAll(t *testing.T) {
	p := NewPresence()
	_ = p.Attach("c1", identity("u1"))
	_ = p.Attach("c2", identity("u2"))
	_, _ = p.Join("c1", "A")
	_, _ = p.Join("c1", "B")
	_, _ = p.Join("c2", "A")

	if !p.InAnyRoom("c2", p.RoomsOf("c1")) {
		t.Fatalf("expected c1 and c2 to share room A")
	}
	if p.Leave("c2", "B") {
		t.Fatalf("leaving a room never joined must report false")
	}

	rooms := p.LeaveAll("c1")
	if strings.Join(rooms, ",") != "A,B" {
		t.Fatalf("unexpected rooms left %v", rooms)
	}
	if p.LeaveAll("c1") != nil {
		t.Fatalf("second LeaveAll must be a no-op")
	}
	if roster := p.Roster("A"); len(roster) != 1 || roster[0].ConnectionID != "c2" {
		t.Fatalf("unexpected roster A %#v", roster)
	}
	if p.Count("B") != 0 {
		t.Fatalf("expected B empty")
	}
	if _, ok := p.Identity("c1"); ok {
		t.Fatalf("identity should be dropped on LeaveAll")
	}
	if p.Connections() != 1 {
		t.Fatalf("expected 1 attached connection, got %d", p.Connections())
	}

	if !p.Leave("c2", "A") || p.Count("A") != 0 {
		t.Fatalf("expected explicit leave to empty A")
	}
}

func TestPresenceHasUserAndTouch(t *testing.T) {
	now := time.Unix(100, 0)
	p := NewPresence()
	p.SetClock(func() time.Time { return now })
	_ = p.Attach("tab1", models.Identity{UserID: "u", DisplayName: "U"})
	_ = p.Attach("tab2", models.Identity{UserID: "u", DisplayName: "U"})
	_, _ = p.Join("tab1", "r")
	_, _ = p.Join("tab2", "r")

	p.Leave("tab1", "r")
	if !p.HasUser("r", "u") {
		t.Fatalf("user still present through second tab")
	}

	now = now.Add(time.Minute)
	if err := p.Touch("tab2", "r"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if got := p.Roster("r")[0].LastActive; !got.Equal(now) {
		t.Fatalf("expected refreshed last active, got %s", got)
	}
	if err := p.Touch("tab1", "r"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}
