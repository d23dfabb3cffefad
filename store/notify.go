package store

import (
	"context"
	"log/slog"
)

// Compile-time check
var _ RecordStore = (*notifyingStore)(nil)

// Notify wraps a RecordStore so that every successful write is announced
// through pub. Publishing is best-effort: a publish failure is logged and
// the write still succeeds, since the row is already committed.
//
// Use it with feeds that cannot observe the backend directly, for example:
//
//	feed := redisfeed.New(client)
//	records := store.Notify(postgres.New(db), feed, logger)
func Notify(rs RecordStore, pub ChangePublisher, logger *slog.Logger) RecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &notifyingStore{RecordStore: rs, pub: pub, logger: logger}
}

type notifyingStore struct {
	RecordStore
	pub    ChangePublisher
	logger *slog.Logger
}

func (s *notifyingStore) Insert(ctx context.Context, msg Message) (Message, error) {
	stored, err := s.RecordStore.Insert(ctx, msg)
	if err != nil {
		return stored, err
	}
	s.publish(ctx, ChangeFor(ChangeInsert, stored))
	return stored, nil
}

func (s *notifyingStore) MarkRead(ctx context.Context, id, recipientID string) error {
	if err := s.RecordStore.MarkRead(ctx, id, recipientID); err != nil {
		return err
	}
	// The sender must be notified too; read the row back to learn who it is.
	msg, err := s.RecordStore.Get(ctx, id, recipientID)
	if err != nil {
		s.publish(ctx, Change{Op: ChangeUpdate, MessageID: id, RecipientID: recipientID})
		return nil
	}
	s.publish(ctx, ChangeFor(ChangeUpdate, msg))
	return nil
}

func (s *notifyingStore) Delete(ctx context.Context, id, participantID string) error {
	// Resolve participants before the row disappears.
	msg, getErr := s.RecordStore.Get(ctx, id, participantID)
	if err := s.RecordStore.Delete(ctx, id, participantID); err != nil {
		return err
	}
	if getErr != nil {
		s.publish(ctx, Change{Op: ChangeDelete, MessageID: id, SenderID: participantID})
		return nil
	}
	s.publish(ctx, ChangeFor(ChangeDelete, msg))
	return nil
}

func (s *notifyingStore) publish(ctx context.Context, change Change) {
	if err := s.pub.Publish(ctx, change); err != nil {
		s.logger.Error("failed to publish change",
			"op", change.Op,
			"message_id", change.MessageID,
			"error", err,
		)
	}
}
