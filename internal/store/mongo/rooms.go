package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"coide/internal/models"
	"coide/internal/store"
)

type Participant struct {
	UserID     string    `bson:"userId" json:"userId"`
	Username   string    `bson:"username" json:"username"`
	LastActive time.Time `bson:"lastActive" json:"lastActive"`
}

// Room is the persisted room metadata document.
type Room struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	RoomID       string             `bson:"roomId" json:"roomId"`
	RoomName     string             `bson:"roomName" json:"roomName"`
	Description  string             `bson:"description" json:"description"`
	CreatedBy    string             `bson:"createdBy" json:"createdBy"`
	Participants []Participant      `bson:"participants" json:"participants"`
	IsActive     bool               `bson:"isActive" json:"isActive"`
	LastActivity time.Time          `bson:"lastActivity" json:"lastActivity"`
	FileCount    int64              `bson:"fileCount" json:"fileCount"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// RoomRepo persists room metadata and the participant list.
type RoomRepo struct {
	col *mongo.Collection
	now func() time.Time
}

func NewRoomRepo(ctx context.Context, c *Client) (*RoomRepo, error) {
	db, err := c.DB()
	if err != nil {
		return nil, err
	}
	r := &RoomRepo{col: db.Collection("rooms"), now: func() time.Time { return time.Now().UTC() }}

	_, err = r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "roomId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants.userId", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("create room indexes: %w", err)
	}
	return r, nil
}

func (r *RoomRepo) GetByRoomID(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := r.col.FindOne(ctx, bson.M{"roomId": roomID}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// AddParticipant refreshes the participant's lastActive, or appends the
// participant when absent. A room joined for the first time is created.
func (r *RoomRepo) AddParticipant(ctx context.Context, roomID string, id models.Identity) error {
	now := r.now()
	res, err := r.col.UpdateOne(ctx,
		bson.M{"roomId": roomID, "participants.userId": id.UserID},
		bson.M{"$set": bson.M{
			"participants.$.lastActive": now,
			"participants.$.username":   id.DisplayName,
			"lastActivity":              now,
			"updatedAt":                 now,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	_, err = r.col.UpdateOne(ctx,
		bson.M{"roomId": roomID, "participants.userId": bson.M{"$ne": id.UserID}},
		bson.M{
			"$push": bson.M{"participants": Participant{UserID: id.UserID, Username: id.DisplayName, LastActive: now}},
			"$set":  bson.M{"lastActivity": now, "updatedAt": now},
			"$setOnInsert": bson.M{
				"roomName":    roomID,
				"description": "",
				"createdBy":   id.UserID,
				"isActive":    true,
				"fileCount":   0,
				"createdAt":   now,
			},
		},
		options.Update().SetUpsert(true),
	)
	// A concurrent add for the same user turns the upsert into a duplicate insert.
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (r *RoomRepo) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	now := r.now()
	_, err := r.col.UpdateOne(ctx,
		bson.M{"roomId": roomID},
		bson.M{
			"$pull": bson.M{"participants": bson.M{"userId": userID}},
			"$set":  bson.M{"lastActivity": now, "updatedAt": now},
		},
	)
	return err
}

func (r *RoomRepo) UpdateFileCount(ctx context.Context, roomID string, count int64) error {
	now := r.now()
	res, err := r.col.UpdateOne(ctx,
		bson.M{"roomId": roomID},
		bson.M{"$set": bson.M{"fileCount": count, "lastActivity": now, "updatedAt": now}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
