package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"coide/internal/metrics"
	"coide/internal/models"
	"coide/internal/session"
	"coide/internal/utils"
)

const (
	inboxSize             = 1024
	outboxSize            = 1024
	defaultPersistTimeout = 10 * time.Second
)

var ErrStopped = errors.New("router stopped")

// Options wires the router's collaborators. Rooms and Files may be nil, in
// which case persistence side effects are skipped.
type Options struct {
	Registry *session.Registry
	Presence *session.Presence
	Fanout   Fanout
	Rooms    RoomStore
	Files    FileStore

	// SyncDelay is the fallback delay before a joiner gets the cached files
	// without having sent ready-for-sync. Zero leaves sync to the handshake.
	SyncDelay      time.Duration
	EvictGrace     time.Duration
	PersistTimeout time.Duration
}

// Router owns the registry and presence tracker. Every mutation runs on the
// goroutine started by Run; other goroutines reach it through post.
type Router struct {
	log      *utils.Logger
	registry *session.Registry
	presence *session.Presence
	fanout   Fanout
	rooms    RoomStore
	files    FileStore

	syncDelay      time.Duration
	evictGrace     time.Duration
	persistTimeout time.Duration

	clients     map[string]*session.Client
	pendingSync map[string]map[string]*time.Timer // connID -> roomID -> fallback timer
	failed      []string

	inbox    chan func()
	outbox   chan Delivery
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRouter(log *utils.Logger, opts Options) *Router {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry()
	}
	if opts.Presence == nil {
		opts.Presence = session.NewPresence()
	}
	if opts.Fanout == nil {
		opts.Fanout = LocalFanout{}
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	return &Router{
		log:            log,
		registry:       opts.Registry,
		presence:       opts.Presence,
		fanout:         opts.Fanout,
		rooms:          opts.Rooms,
		files:          opts.Files,
		syncDelay:      opts.SyncDelay,
		evictGrace:     opts.EvictGrace,
		persistTimeout: opts.PersistTimeout,
		clients:        make(map[string]*session.Client),
		pendingSync:    make(map[string]map[string]*time.Timer),
		inbox:          make(chan func(), inboxSize),
		outbox:         make(chan Delivery, outboxSize),
		done:           make(chan struct{}),
	}
}

// Run subscribes to the fanout and processes events until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	defer r.stop()
	if err := r.fanout.Subscribe(ctx, r.remote); err != nil {
		return err
	}
	go r.publishLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			r.stop()
			r.drainPersist()
			return nil
		case fn := <-r.inbox:
			fn()
			r.flushFailed()
		}
	}
}

func (r *Router) stop() { r.stopOnce.Do(func() { close(r.done) }) }

func (r *Router) shutdown() {
	for connID := range r.pendingSync {
		r.cancelAllSync(connID)
	}
	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}
	metrics.SetConnections(0)

	for _, room := range r.registry.Rooms() {
		if n := room.Emptied(); n > 0 {
			r.log.Info("saving files on shutdown", "roomId", room.ID, "files", n)
		}
	}
}

// drainPersist waits for in-flight store writes, at most one persist timeout.
func (r *Router) drainPersist() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.persistTimeout):
		r.log.Warn("store writes still running at shutdown", "timeout", r.persistTimeout)
	}
}

func (r *Router) post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Query runs fn on the event loop and waits for it to finish.
func (r *Router) Query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !r.post(func() { fn(); close(finished) }) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// Connect attaches an authenticated client. Frames passed to Inbound for
// this client afterwards are processed in order.
func (r *Router) Connect(ctx context.Context, c *session.Client) error {
	var err error
	if qerr := r.Query(ctx, func() {
		if err = r.presence.Attach(c.ID, c.Identity); err != nil {
			return
		}
		r.clients[c.ID] = c
		metrics.SetConnections(len(r.clients))
		r.log.Info("connection attached", "connId", c.ID, "userId", c.Identity.UserID)
	}); qerr != nil {
		return qerr
	}
	return err
}

// Inbound queues one frame received from connID.
func (r *Router) Inbound(connID string, frame models.Frame) {
	r.post(func() { r.handleFrame(connID, frame) })
}

// Dropped records a frame the transport discarded before decoding.
func (r *Router) Dropped(connID string, err error) {
	reason := "malformed"
	if errors.Is(err, session.ErrRateLimited) {
		reason = "rate_limited"
	}
	r.drop(connID, "", reason)
}

// Disconnect tears the connection down. Repeated calls are no-ops.
func (r *Router) Disconnect(connID string) {
	r.post(func() { r.disconnect(connID) })
}

// Roster returns the room's participants on this instance in join order.
func (r *Router) Roster(ctx context.Context, roomID string) ([]models.Participant, error) {
	var roster []models.Participant
	err := r.Query(ctx, func() { roster = r.presence.Roster(roomID) })
	return roster, err
}

// Sweep evicts idle empty rooms from memory.
func (r *Router) Sweep() {
	r.post(func() {
		evicted := r.registry.EvictIdle(r.evictGrace, func(roomID string) bool {
			return r.presence.Count(roomID) > 0
		})
		if len(evicted) == 0 {
			return
		}
		metrics.RoomsEvicted(len(evicted))
		metrics.SetRooms(r.registry.Len())
		r.log.Info("evicted idle rooms", "rooms", evicted)
	})
}

func (r *Router) handleFrame(connID string, frame models.Frame) {
	c, ok := r.clients[connID]
	if !ok {
		return
	}
	ev, err := models.Decode(frame)
	if err != nil {
		r.drop(connID, frame.Type, dropReason(err))
		return
	}
	if scoped, ok := ev.(models.RoomScoped); ok {
		if !r.presence.InRoom(connID, scoped.Room()) {
			r.drop(connID, ev.Name(), "not_joined")
			return
		}
		_ = r.presence.Touch(connID, scoped.Room())
		r.registry.Touch(scoped.Room())
	}
	metrics.EventAccepted(string(ev.Name()))

	switch e := ev.(type) {
	case models.Join:
		r.onJoin(c, e)
	case models.Leave:
		r.onLeave(c, e)
	case models.ReadyForSync:
		r.onReadyForSync(c, e)
	case models.CodeChange:
		r.onCodeChange(c, e)
	case models.CodeExecutionResult:
		r.onExecutionResult(c, e)
	case models.FileEvent:
		r.onFileEvent(c, e)
	case models.Signal:
		r.onSignal(c, e)
	default:
		r.drop(connID, ev.Name(), "unknown_event")
	}
}

func (r *Router) onJoin(c *session.Client, e models.Join) {
	joined, err := r.presence.Join(c.ID, e.RoomID)
	if err != nil {
		r.drop(c.ID, models.EventJoin, "not_attached")
		return
	}
	if !joined {
		r.log.Debug("duplicate join ignored", "connId", c.ID, "roomId", e.RoomID)
		return
	}
	room := r.registry.EnsureRoom(e.RoomID)
	r.registry.Touch(e.RoomID)
	metrics.SetRooms(r.registry.Len())

	roster := r.presence.Roster(e.RoomID)
	clients := make([]models.RosterEntry, len(roster))
	for i, p := range roster {
		clients[i] = models.RosterEntry{ConnectionID: p.ConnectionID, DisplayName: p.DisplayName, UserID: p.UserID}
	}
	r.emit(Delivery{Scope: ScopeRoom, RoomID: e.RoomID}, models.EventJoined, models.JoinedPayload{
		RoomID:       e.RoomID,
		Clients:      clients,
		DisplayName:  c.Identity.DisplayName,
		ConnectionID: c.ID,
	})
	r.log.Info("joined room", "connId", c.ID, "roomId", e.RoomID, "participants", len(roster))

	if room.HasSnapshots() {
		r.scheduleSync(c.ID, e.RoomID)
	}
	if r.rooms != nil {
		roomID, id := e.RoomID, c.Identity
		r.persist(c.ID, models.EventJoin, func(ctx context.Context) error {
			return r.rooms.AddParticipant(ctx, roomID, id)
		})
	}
}

func (r *Router) onLeave(c *session.Client, e models.Leave) {
	if !r.presence.Leave(c.ID, e.RoomID) {
		r.log.Debug("leave for a room not joined", "connId", c.ID, "roomId", e.RoomID)
		return
	}
	r.cancelSync(c.ID, e.RoomID)
	r.departed(c.ID, c.Identity, e.RoomID)
}

func (r *Router) onReadyForSync(c *session.Client, e models.ReadyForSync) {
	r.cancelSync(c.ID, e.RoomID)
	r.sendSync(c, e.RoomID)
}

func (r *Router) onCodeChange(c *session.Client, e models.CodeChange) {
	r.registry.RecordSnapshot(e.RoomID, e.FileKey, e.Content)
	r.emit(Delivery{
		Scope:    ScopeRoomExcept,
		RoomID:   e.RoomID,
		Except:   c.ID,
		Snapshot: &Snapshot{RoomID: e.RoomID, FileKey: e.FileKey, Content: e.Content},
	}, models.EventCodeChange, models.CodeChangePayload{
		RoomID:    e.RoomID,
		FileKey:   e.FileKey,
		Content:   e.Content,
		ChangedBy: c.Identity.DisplayName,
	})

	// The default document has no file record to save into.
	if r.files != nil && e.FileKey != models.DefaultFileKey {
		if room, ok := r.registry.Get(e.RoomID); ok {
			roomID, fileKey := e.RoomID, e.FileKey
			room.OnEmpty(fileKey, func() { r.autosave(roomID, fileKey) })
		}
	}
}

func (r *Router) onExecutionResult(c *session.Client, e models.CodeExecutionResult) {
	r.emit(Delivery{Scope: ScopeRoomExcept, RoomID: e.RoomID, Except: c.ID},
		models.EventCodeExecutionResult, models.ExecutionResultPayload{
			RoomID:        e.RoomID,
			OutputDetails: e.OutputDetails,
			ExecutedBy:    c.Identity.DisplayName,
		})
}

func (r *Router) onFileEvent(c *session.Client, e models.FileEvent) {
	payload := models.FileEventPayload{
		RoomID:   e.RoomID,
		File:     e.File,
		FileID:   e.FileID,
		FileName: e.FileName,
	}
	actor := c.Identity.DisplayName
	switch e.Kind {
	case models.EventFileCreated:
		payload.CreatedBy = actor
	case models.EventFileUpdated:
		payload.UpdatedBy = actor
	case models.EventFileDeleted:
		payload.DeletedBy = actor
	case models.EventFileRenamed:
		payload.RenamedBy = actor
	case models.EventFileOpened:
		payload.OpenedBy = actor
	}
	r.emit(Delivery{Scope: ScopeRoomExcept, RoomID: e.RoomID, Except: c.ID}, e.Kind, payload)

	switch e.Kind {
	case models.EventFileDeleted:
		r.forgetFile(e.RoomID, e.FileName, e.FileID)
	case models.EventFileRenamed:
		r.forgetFile(e.RoomID, e.FileName)
	}

	if (e.Kind == models.EventFileCreated || e.Kind == models.EventFileDeleted) && r.rooms != nil && r.files != nil {
		roomID := e.RoomID
		r.persist(c.ID, e.Kind, func(ctx context.Context) error {
			n, err := r.files.CountActive(ctx, roomID)
			if err != nil {
				return err
			}
			return r.rooms.UpdateFileCount(ctx, roomID, n)
		})
	}
}

// forgetFile drops the cached snapshot and save hook of every non-empty key.
func (r *Router) forgetFile(roomID string, keys ...string) {
	for _, key := range keys {
		if key != "" && r.registry.DropSnapshot(roomID, key) {
			r.log.Debug("forgot cached file", "roomId", roomID, "fileKey", key)
		}
	}
}

func (r *Router) onSignal(c *session.Client, s models.Signal) {
	rooms := r.presence.RoomsOf(c.ID)
	if s.RoomID != "" {
		if !r.presence.InRoom(c.ID, s.RoomID) {
			r.drop(c.ID, s.Kind, "not_joined")
			return
		}
		rooms = []string{s.RoomID}
	}
	if len(rooms) == 0 {
		r.drop(c.ID, s.Kind, "not_joined")
		return
	}
	if _, local := r.clients[s.To]; local && !r.presence.InAnyRoom(s.To, rooms) {
		r.drop(c.ID, s.Kind, "target_not_in_room")
		return
	}

	var (
		event   models.EventName
		payload any
	)
	switch s.Kind {
	case models.EventCallUser:
		event = models.EventIncomingCall
		payload = models.IncomingCallPayload{From: c.ID, DisplayName: c.Identity.DisplayName, Offer: s.Offer}
	case models.EventCallAccepted:
		event = models.EventCallAccepted
		payload = models.CallAcceptedPayload{From: c.ID, DisplayName: c.Identity.DisplayName, Answer: s.Answer}
	case models.EventICECandidate:
		event = models.EventAddICECandidate
		payload = models.AddICECandidatePayload{From: c.ID, Candidate: s.Candidate}
	default:
		return
	}
	r.emit(Delivery{Scope: ScopeUnicast, Target: s.To, Rooms: rooms}, event, payload)
}

// departed notifies the room that connID left it and runs the empty-room
// hooks when it was the last participant here.
func (r *Router) departed(connID string, id models.Identity, roomID string) {
	r.emit(Delivery{Scope: ScopeRoom, RoomID: roomID}, models.EventDisconnected, models.DisconnectedPayload{
		RoomID:       roomID,
		ConnectionID: connID,
		DisplayName:  id.DisplayName,
	})
	r.registry.Touch(roomID)
	if r.presence.Count(roomID) == 0 {
		if room, ok := r.registry.Get(roomID); ok {
			if n := room.Emptied(); n > 0 {
				r.log.Info("room emptied, saving files", "roomId", roomID, "files", n)
			}
		}
	}
	if r.rooms != nil && !r.presence.HasUser(roomID, id.UserID) {
		userID := id.UserID
		r.persist("", models.EventLeave, func(ctx context.Context) error {
			return r.rooms.RemoveParticipant(ctx, roomID, userID)
		})
	}
}

func (r *Router) disconnect(connID string) {
	c, ok := r.clients[connID]
	if !ok {
		return
	}
	delete(r.clients, connID)
	r.cancelAllSync(connID)
	c.Close()

	rooms := r.presence.LeaveAll(connID)
	for _, roomID := range rooms {
		r.departed(connID, c.Identity, roomID)
	}
	metrics.SetConnections(len(r.clients))
	r.log.Info("connection closed", "connId", connID, "rooms", rooms)
}

/*** Late-joiner sync ***/

func (r *Router) scheduleSync(connID, roomID string) {
	if r.syncDelay <= 0 {
		return
	}
	pending := r.pendingSync[connID]
	if pending == nil {
		pending = make(map[string]*time.Timer)
		r.pendingSync[connID] = pending
	}
	if _, ok := pending[roomID]; ok {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(r.syncDelay, func() {
		r.post(func() { r.syncTimerFired(connID, roomID, t) })
	})
	pending[roomID] = t
}

func (r *Router) syncTimerFired(connID, roomID string, t *time.Timer) {
	if r.pendingSync[connID][roomID] != t {
		return
	}
	r.cancelSync(connID, roomID)
	c, ok := r.clients[connID]
	if !ok || !r.presence.InRoom(connID, roomID) {
		return
	}
	r.sendSync(c, roomID)
}

func (r *Router) cancelSync(connID, roomID string) {
	pending := r.pendingSync[connID]
	if t, ok := pending[roomID]; ok {
		t.Stop()
		delete(pending, roomID)
	}
	if len(pending) == 0 {
		delete(r.pendingSync, connID)
	}
}

func (r *Router) cancelAllSync(connID string) {
	for _, t := range r.pendingSync[connID] {
		t.Stop()
	}
	delete(r.pendingSync, connID)
}

// sendSync unicasts one sync-code frame per cached file, read at send time.
func (r *Router) sendSync(c *session.Client, roomID string) {
	room, ok := r.registry.Get(roomID)
	if !ok {
		return
	}
	for _, snap := range room.Snapshots() {
		frame, err := encode(models.EventSyncCode, models.SyncCodePayload{
			RoomID:  roomID,
			FileKey: snap.FileKey,
			Content: snap.Content,
		})
		if err != nil {
			r.log.Error("encode sync frame", "error", err)
			return
		}
		r.sendTo(c, frame)
	}
}

/*** Delivery ***/

func (r *Router) emit(d Delivery, event models.EventName, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		r.log.Error("encode outbound frame", "event", event, "error", err)
		return
	}
	d.Frame = frame
	r.deliverLocal(d)
	if d.Scope == ScopeUnicast {
		if _, local := r.clients[d.Target]; local {
			return
		}
	}
	select {
	case r.outbox <- d:
	default:
		metrics.FanoutError()
		r.log.Warn("fanout queue full, delivery not published", "event", event)
	}
}

func (r *Router) deliverLocal(d Delivery) {
	switch d.Scope {
	case ScopeUnicast:
		c, ok := r.clients[d.Target]
		if !ok {
			return
		}
		if len(d.Rooms) > 0 && !r.presence.InAnyRoom(d.Target, d.Rooms) {
			r.log.Debug("unicast target shares no room", "target", d.Target)
			return
		}
		r.sendTo(c, d.Frame)
	case ScopeRoom, ScopeRoomExcept:
		for _, p := range r.presence.Roster(d.RoomID) {
			if d.Scope == ScopeRoomExcept && p.ConnectionID == d.Except {
				continue
			}
			if c, ok := r.clients[p.ConnectionID]; ok {
				r.sendTo(c, d.Frame)
			}
		}
	}
}

func (r *Router) sendTo(c *session.Client, frame []byte) {
	err := c.SendRaw(frame)
	if err == nil || errors.Is(err, session.ErrClientClosed) {
		return
	}
	r.log.Warn("send failed, closing connection", "connId", c.ID, "error", err)
	r.failed = append(r.failed, c.ID)
}

// flushFailed disconnects clients whose send queue overflowed during the
// last handler. Disconnecting may overflow further queues, hence the loop.
func (r *Router) flushFailed() {
	for len(r.failed) > 0 {
		connID := r.failed[0]
		r.failed = r.failed[1:]
		r.disconnect(connID)
	}
}

func (r *Router) remote(d Delivery) {
	r.post(func() {
		if d.Snapshot != nil {
			r.registry.RecordSnapshot(d.Snapshot.RoomID, d.Snapshot.FileKey, d.Snapshot.Content)
		}
		r.deliverLocal(d)
	})
}

func (r *Router) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.outbox:
			if err := r.fanout.Publish(ctx, d); err != nil {
				metrics.FanoutError()
				r.log.Warn("fanout publish failed", "scope", d.Scope, "roomId", d.RoomID, "error", err)
			}
		}
	}
}

/*** Persistence side effects ***/

// persist runs fn off the loop. A failure is reported to connID, if it is
// still connected, and never to the room.
func (r *Router) persist(connID string, event models.EventName, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			if !r.post(func() { r.persistFailed(connID, event, err) }) {
				r.log.Warn("persistence failed after stop", "connId", connID, "event", event, "error", err)
			}
		}
	}()
}

func (r *Router) persistFailed(connID string, event models.EventName, err error) {
	r.log.Warn("persistence failed", "connId", connID, "event", event, "error", err)
	c, ok := r.clients[connID]
	if !ok {
		return
	}
	frame, encErr := encode(models.EventError, models.ErrorPayload{Event: event, Message: "failed to persist " + string(event)})
	if encErr != nil {
		return
	}
	r.sendTo(c, frame)
}

func (r *Router) autosave(roomID, fileKey string) {
	content, ok := r.registry.GetSnapshot(roomID, fileKey)
	if !ok {
		return
	}
	r.persist("", models.EventCodeChange, func(ctx context.Context) error {
		return r.files.SaveContent(ctx, roomID, fileKey, content)
	})
}

func (r *Router) drop(connID string, event models.EventName, reason string) {
	metrics.EventDropped(reason)
	r.log.Warn("dropped inbound event", "connId", connID, "event", event, "reason", reason)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, models.ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, models.ErrMissingRoomID):
		return "missing_room"
	case errors.Is(err, models.ErrMissingTarget):
		return "missing_target"
	default:
		return "malformed"
	}
}

func encode(event models.EventName, payload any) ([]byte, error) {
	return json.Marshal(models.OutFrame{Type: event, Data: payload})
}
