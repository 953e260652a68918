package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"coide/internal/store"
)

// UserRepo reads display names from the users collection written by the
// auth service.
type UserRepo struct{ col *mongo.Collection }

func NewUserRepo(c *Client) (*UserRepo, error) {
	db, err := c.DB()
	if err != nil {
		return nil, err
	}
	return &UserRepo{col: db.Collection("users")}, nil
}

func (r *UserRepo) DisplayName(ctx context.Context, userID string) (string, error) {
	var doc struct {
		Username string `bson:"username"`
	}
	opts := options.FindOne().SetProjection(bson.M{"username": 1})
	err := r.col.FindOne(ctx, userFilter(userID), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return doc.Username, nil
}

// userFilter matches ObjectID-keyed users by hex id and anything else by the
// raw string.
func userFilter(userID string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(userID); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": userID}
}
