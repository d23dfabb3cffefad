package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/educpro/inbox/retry"
	"github.com/educpro/inbox/store"
	"github.com/educpro/inbox/store/memory"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var _ store.ChangeFeed = (*Feed)(nil)

// Feed implements store.ChangeFeed on a MongoDB change stream. Change
// streams require a replica set or sharded cluster.
//
// Deletes carry only the document key, so Connect enables pre-images on the
// collection. When a pre-image is unavailable the delete is broadcast to
// every subscriber.
type Feed struct {
	client    *mongo.Client
	opts      *options
	logger    *slog.Logger
	fanout    *memory.Feed
	connected int32
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewFeed creates a change stream feed over the configured collection.
func NewFeed(client *mongo.Client, opts ...Option) *Feed {
	o := newOptions(opts...)
	return &Feed{
		client: client,
		opts:   o,
		logger: o.logger,
		fanout: memory.NewFeed(),
	}
}

// Connect opens the change stream and starts dispatching.
func (f *Feed) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&f.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if f.client == nil {
		atomic.StoreInt32(&f.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	coll := f.client.Database(f.opts.database).Collection(f.opts.collection)
	f.enablePreImages(ctx)

	cs, err := f.open(ctx, coll, nil)
	if err != nil {
		atomic.StoreInt32(&f.connected, 0)
		return fmt.Errorf("open change stream: %w", err)
	}
	if err := f.fanout.Connect(ctx); err != nil {
		_ = cs.Close(ctx)
		atomic.StoreInt32(&f.connected, 0)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(1)
	go f.run(runCtx, coll, cs)

	f.logger.Info("watching message changes", "database", f.opts.database, "collection", f.opts.collection)
	return nil
}

// Close stops the change stream and every subscription.
func (f *Feed) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&f.connected, 1, 0) {
		return nil
	}
	f.cancel()
	f.wg.Wait()
	return f.fanout.Close(ctx)
}

// Subscribe registers handler for changes involving participantID.
func (f *Feed) Subscribe(ctx context.Context, participantID string, handler store.ChangeHandler) (store.Subscription, error) {
	if atomic.LoadInt32(&f.connected) == 0 {
		return nil, store.ErrNotConnected
	}
	return f.fanout.Subscribe(ctx, participantID, handler)
}

func (f *Feed) enablePreImages(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.timeout)
	defer cancel()

	cmd := bson.D{
		bson.E{Key: "collMod", Value: f.opts.collection},
		bson.E{Key: "changeStreamPreAndPostImages", Value: bson.M{"enabled": true}},
	}
	if err := f.client.Database(f.opts.database).RunCommand(ctx, cmd).Err(); err != nil {
		f.logger.Warn("pre-images unavailable, deletes will be broadcast", "error", err)
	}
}

func (f *Feed) open(ctx context.Context, coll *mongo.Collection, resumeToken bson.Raw) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		bson.D{bson.E{Key: "$match", Value: bson.M{
			"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}},
		}}},
	}
	csOpts := mongoopts.ChangeStream().
		SetFullDocument(mongoopts.UpdateLookup).
		SetFullDocumentBeforeChange(mongoopts.WhenAvailable)
	if resumeToken != nil {
		csOpts.SetResumeAfter(resumeToken)
	}
	return coll.Watch(ctx, pipeline, csOpts)
}

func (f *Feed) run(ctx context.Context, coll *mongo.Collection, cs *mongo.ChangeStream) {
	defer f.wg.Done()

	cfg := f.opts.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
			f.logger.Warn("reopening change stream", "attempt", attempt, "backoff", backoff, "error", err)
		}
	}

	var token bson.Raw
	for {
		token = f.consume(ctx, cs, token)
		if ctx.Err() != nil {
			return
		}

		err := retry.Do(ctx, cfg, func(ctx context.Context) error {
			var err error
			cs, err = f.open(ctx, coll, token)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("failed to reopen change stream", "error", err)
			cs = nil
			continue
		}
		// Resuming may still skip events when no token was recorded.
		f.fanout.Broadcast(store.Change{Op: store.ChangeUpdate})
	}
}

// consume dispatches events until the stream fails and returns the last
// resume token seen.
func (f *Feed) consume(ctx context.Context, cs *mongo.ChangeStream, token bson.Raw) bson.Raw {
	if cs == nil {
		return token
	}
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			f.logger.Warn("dropping undecodable change event", "error", err)
			continue
		}
		token = append(bson.Raw(nil), cs.ResumeToken()...)

		change, ok := ev.toChange()
		if !ok {
			f.fanout.Broadcast(change)
			continue
		}
		_ = f.fanout.Publish(ctx, change)
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		f.logger.Warn("change stream interrupted", "error", err)
	}
	return token
}

// changeEvent is the subset of a change stream event the feed reads.
type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID bson.ObjectID `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument             *messageDoc `bson:"fullDocument"`
	FullDocumentBeforeChange *messageDoc `bson:"fullDocumentBeforeChange"`
}

// toChange maps the event to a Change. ok is false when the participants
// could not be resolved; the returned change still carries op and id.
func (ev changeEvent) toChange() (store.Change, bool) {
	change := store.Change{MessageID: ev.DocumentKey.ID.Hex()}

	var doc *messageDoc
	switch ev.OperationType {
	case "insert":
		change.Op = store.ChangeInsert
		doc = ev.FullDocument
	case "update", "replace":
		change.Op = store.ChangeUpdate
		doc = ev.FullDocument
	case "delete":
		change.Op = store.ChangeDelete
		doc = ev.FullDocumentBeforeChange
	default:
		change.Op = store.ChangeUpdate
	}

	if doc == nil {
		return change, false
	}
	change.SenderID = doc.SenderID
	change.RecipientID = doc.RecipientID
	return change, true
}
