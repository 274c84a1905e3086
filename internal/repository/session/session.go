package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"game_channel/internal/model"
)

// ErrConflict is returned when an append does not extend the stored log by
// exactly one message.
var ErrConflict = errors.New("archived log is not at the expected length")

type (
	SessionRepo struct {
		collection *mongo.Collection
		now        func() time.Time
	}
)

func NewSessionRepo(db *mongo.Database) *SessionRepo {
	return &SessionRepo{
		collection: db.Collection("sessions"),
		now:        time.Now,
	}
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	filter := bson.M{
		"_id": id,
	}

	var s model.Session
	err := r.collection.FindOne(ctx, filter).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &s, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	now := r.now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := r.collection.InsertOne(ctx, s)
	return err
}

// Append stores the message at index, which must be the current length of
// the archived log.
func (r *SessionRepo) Append(ctx context.Context, id string, index int, encoding []byte) error {
	filter := bson.M{
		"_id":      id,
		"messages": bson.M{"$size": index},
	}
	update := bson.M{
		"$push": bson.M{"messages": encoding},
		"$set":  bson.M{"updated_at": r.now().UTC()},
	}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: session %s, index %d", ErrConflict, id, index)
	}
	return nil
}

// Fail marks the session as no longer playable.
func (r *SessionRepo) Fail(ctx context.Context, id string) error {
	update := bson.M{
		"$set": bson.M{
			"failed":     true,
			"updated_at": r.now().UTC(),
		},
	}
	_, err := r.collection.UpdateByID(ctx, id, update)
	return err
}

func (r *SessionRepo) Finish(ctx context.Context, id string, winner uint8) error {
	update := bson.M{
		"$set": bson.M{
			"finished":   true,
			"winner":     winner,
			"updated_at": r.now().UTC(),
		},
	}
	_, err := r.collection.UpdateByID(ctx, id, update)
	return err
}
