package otel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/educpro/inbox/store"
	"github.com/educpro/inbox/store/memory"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newInstrumented(t *testing.T, backend store.BlobStore) *Store {
	t.Helper()
	s, err := New(backend,
		WithTracerProvider(tracenoop.NewTracerProvider()),
		WithMeterProvider(metricnoop.NewMeterProvider()),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestStore_Delegates(t *testing.T) {
	backend := memory.NewBlobStore("avatars")
	s := newInstrumented(t, backend)
	ctx := context.Background()

	if err := s.Put(ctx, "u1/a.png", "image/png", strings.NewReader("png")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj, ok := backend.Get("u1/a.png"); !ok || string(obj.Data) != "png" {
		t.Error("expected object in backend")
	}
	if got := s.PublicURL("u1/a.png"); got != backend.PublicURL("u1/a.png") {
		t.Errorf("unexpected url %q", got)
	}
	if s.Bucket() != "avatars" {
		t.Errorf("unexpected bucket %q", s.Bucket())
	}
	if err := s.Delete(ctx, "u1/a.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "u1/a.png"); !errors.Is(err, store.ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestStore_PropagatesPutError(t *testing.T) {
	boom := errors.New("boom")
	backend := memory.NewBlobStore("x", memory.WithPutHook(func(string) error { return boom }))
	s := newInstrumented(t, backend)

	if err := s.Put(context.Background(), "k", "text/plain", strings.NewReader("x")); !errors.Is(err, boom) {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestStore_Disabled(t *testing.T) {
	s, err := New(memory.NewBlobStore("x"), WithTracing(false), WithMetrics(false))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Put(context.Background(), "k", "text/plain", strings.NewReader("x")); err != nil {
		t.Errorf("put: %v", err)
	}
}
