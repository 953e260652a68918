package mongo

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"coide/internal/store"
)

const (
	maxFileNameLen = 100
	maxContentLen  = 1_000_000
)

// FileRepo stores file contents keyed by (roomId, fileName).
type FileRepo struct {
	col *mongo.Collection
	now func() time.Time
}

func NewFileRepo(ctx context.Context, c *Client) (*FileRepo, error) {
	db, err := c.DB()
	if err != nil {
		return nil, err
	}
	r := &FileRepo{col: db.Collection("files"), now: func() time.Time { return time.Now().UTC() }}

	_, err = r.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "roomId", Value: 1}, {Key: "fileName", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create file index: %w", err)
	}
	return r, nil
}

// CountActive returns the number of files of the room not soft-deleted.
func (r *FileRepo) CountActive(ctx context.Context, roomID string) (int64, error) {
	return r.col.CountDocuments(ctx, bson.M{"roomId": roomID, "isActive": true})
}

// SaveContent writes the latest content of a file, creating the record if the
// file was never persisted.
func (r *FileRepo) SaveContent(ctx context.Context, roomID, fileName, content string) error {
	name, err := validateFile(fileName, content)
	if err != nil {
		return err
	}
	now := r.now()
	_, err = r.col.UpdateOne(ctx,
		bson.M{"roomId": roomID, "fileName": name},
		bson.M{
			"$set": bson.M{"content": content, "updatedAt": now, "isActive": true},
			"$setOnInsert": bson.M{
				"language":  languageFor(name),
				"createdAt": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", store.ErrDuplicateName, name)
	}
	return err
}

func validateFile(fileName, content string) (string, error) {
	name := strings.TrimSpace(fileName)
	if name == "" {
		return "", fmt.Errorf("%w: empty file name", store.ErrInvalidFile)
	}
	if len(name) > maxFileNameLen {
		return "", fmt.Errorf("%w: file name longer than %d characters", store.ErrInvalidFile, maxFileNameLen)
	}
	if len(content) > maxContentLen {
		return "", fmt.Errorf("%w: content exceeds %d bytes", store.ErrInvalidFile, maxContentLen)
	}
	return name, nil
}

func languageFor(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".c", ".h":
		return "c"
	case ".go":
		return "go"
	default:
		return "javascript"
	}
}
