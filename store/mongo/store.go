// Package mongo provides a MongoDB implementation of store.RecordStore and a
// change stream based store.ChangeFeed.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/educpro/inbox/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var _ store.RecordStore = (*Store)(nil)

// messageDoc is the MongoDB document representation.
type messageDoc struct {
	ID          bson.ObjectID `bson:"_id,omitempty"`
	SenderID    string        `bson:"sender_id"`
	RecipientID string        `bson:"recipient_id"`
	Subject     string        `bson:"subject"`
	Content     string        `bson:"content"`
	IsRead      bool          `bson:"is_read"`
	Attachments []string      `bson:"attachments,omitempty"`
	CreatedAt   time.Time     `bson:"created_at"`
}

func (d *messageDoc) toMessage() store.Message {
	m := store.Message{
		ID:          d.ID.Hex(),
		SenderID:    d.SenderID,
		RecipientID: d.RecipientID,
		Subject:     d.Subject,
		Content:     d.Content,
		IsRead:      d.IsRead,
		CreatedAt:   d.CreatedAt.UTC(),
	}
	if len(d.Attachments) > 0 {
		m.Attachments = d.Attachments
	}
	return m
}

// Store implements store.RecordStore using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collection and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the collection and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureIndexes creates required indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{
			bson.E{Key: "sender_id", Value: 1},
			bson.E{Key: "created_at", Value: -1},
		}},
		{Keys: bson.D{
			bson.E{Key: "recipient_id", Value: 1},
			bson.E{Key: "created_at", Value: -1},
		}},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// participantFilter matches rows where userID is the sender or the recipient.
func participantFilter(userID string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"sender_id": userID},
		bson.M{"recipient_id": userID},
	}}
}

// Find returns every message involving participantID, newest first.
func (s *Store) Find(ctx context.Context, participantID string) ([]store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	findOpts := mongoopts.Find().SetSort(bson.D{
		bson.E{Key: "created_at", Value: -1},
		bson.E{Key: "_id", Value: -1},
	})
	cursor, err := s.collection.Find(ctx, participantFilter(participantID), findOpts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	out := make([]store.Message, len(docs))
	for i := range docs {
		out[i] = docs[i].toMessage()
	}
	return out, nil
}

// Get returns a message involving participantID.
func (s *Store) Get(ctx context.Context, id, participantID string) (store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return store.Message{}, err
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return store.Message{}, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := participantFilter(participantID)
	filter["_id"] = oid

	var doc messageDoc
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.Message{}, store.ErrNotFound
		}
		return store.Message{}, fmt.Errorf("find message: %w", err)
	}
	return doc.toMessage(), nil
}

// Insert creates a new unread message.
func (s *Store) Insert(ctx context.Context, msg store.Message) (store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return store.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return store.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc := messageDoc{
		ID:          bson.NewObjectID(),
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Subject:     msg.Subject,
		Content:     msg.Content,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if len(msg.Attachments) > 0 {
		doc.Attachments = append([]string(nil), msg.Attachments...)
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toMessage(), nil
}

// MarkRead sets the read flag if recipientID is the recipient.
func (s *Store) MarkRead(ctx context.Context, id, recipientID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"_id": oid, "recipient_id": recipientID}
	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"is_read": true}})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete permanently removes a message involving participantID.
func (s *Store) Delete(ctx context.Context, id, participantID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := participantFilter(participantID)
	filter["_id"] = oid

	result, err := s.collection.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
