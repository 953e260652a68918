package session

import (
	"sort"
	"time"
)

// FileSnapshot is one cached file of a room.
type FileSnapshot struct {
	FileKey string
	Content string
}

// Room holds the last-write-wins snapshot cache of one collaboration room.
// The authoritative copy of every file lives in the external file store.
type Room struct {
	ID           string
	snapshots    map[string]string
	lastActivity time.Time
	autosave     *OneShot
}

func NewRoom(id string, now time.Time) *Room {
	return &Room{
		ID:           id,
		snapshots:    make(map[string]string),
		lastActivity: now,
		autosave:     NewOneShot(),
	}
}

func (r *Room) Snapshot(fileKey string) (string, bool) {
	content, ok := r.snapshots[fileKey]
	return content, ok
}

// Snapshots returns every cached file ordered by key.
func (r *Room) Snapshots() []FileSnapshot {
	out := make([]FileSnapshot, 0, len(r.snapshots))
	for key, content := range r.snapshots {
		out = append(out, FileSnapshot{FileKey: key, Content: content})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileKey < out[j].FileKey })
	return out
}

func (r *Room) HasSnapshots() bool { return len(r.snapshots) > 0 }

func (r *Room) LastActivity() time.Time { return r.lastActivity }

// OnEmpty registers a save hook for fileKey that runs once the room loses its
// last participant. Registering the same key twice keeps the first hook.
func (r *Room) OnEmpty(fileKey string, fn func()) { r.autosave.Register(fileKey, fn) }

// Emptied fires the pending save hooks and arms a fresh set for the next
// occupancy. Returns the number of hooks run.
func (r *Room) Emptied() int {
	fired := r.autosave.Fire()
	r.autosave = NewOneShot()
	return fired
}

// forget drops the cached content of fileKey and its pending save hook.
func (r *Room) forget(fileKey string) bool {
	_, cached := r.snapshots[fileKey]
	delete(r.snapshots, fileKey)
	hooked := r.autosave.Unregister(fileKey)
	return cached || hooked
}

func (r *Room) setSnapshot(fileKey, content string) { r.snapshots[fileKey] = content }

func (r *Room) touch(now time.Time) {
	if now.After(r.lastActivity) {
		r.lastActivity = now
	}
}
