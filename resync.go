package inbox

import (
	"context"
	"errors"

	"github.com/educpro/inbox/store"
)

// Reconciler brings a Sync view back in line with the store after a change
// notification. A change with an empty MessageID means changes may have
// been missed.
type Reconciler interface {
	Reconcile(ctx context.Context, s *Sync, change store.Change) error
}

// ReconcilerFunc adapts a function to Reconciler.
type ReconcilerFunc func(ctx context.Context, s *Sync, change store.Change) error

// Reconcile calls f(ctx, s, change).
func (f ReconcilerFunc) Reconcile(ctx context.Context, s *Sync, change store.Change) error {
	return f(ctx, s, change)
}

// RefetchReconciler refetches the whole view on every change. The change
// payload is ignored.
type RefetchReconciler struct{}

// Reconcile runs a full Fetch.
func (RefetchReconciler) Reconcile(ctx context.Context, s *Sync, _ store.Change) error {
	_, err := s.Fetch(ctx)
	if errors.Is(err, ErrSessionEnded) || errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}
