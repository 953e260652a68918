package realtime

import (
	"context"

	"coide/internal/models"
)

// RoomStore is the room metadata collaborator. Implementations refresh the
// room's last-activity time on every call.
type RoomStore interface {
	AddParticipant(ctx context.Context, roomID string, id models.Identity) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	UpdateFileCount(ctx context.Context, roomID string, count int64) error
}

// FileStore is the persistent file collaborator.
type FileStore interface {
	CountActive(ctx context.Context, roomID string) (int64, error)
	SaveContent(ctx context.Context, roomID, fileName, content string) error
}
