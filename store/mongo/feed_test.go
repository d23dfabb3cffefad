package mongo

import (
	"testing"

	"github.com/educpro/inbox/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestChangeEvent_ToChange(t *testing.T) {
	id := bson.NewObjectID()
	doc := &messageDoc{ID: id, SenderID: "alice", RecipientID: "bob"}

	tests := []struct {
		name   string
		ev     changeEvent
		wantOp store.ChangeOp
		wantOK bool
	}{
		{"insert", changeEvent{OperationType: "insert", FullDocument: doc}, store.ChangeInsert, true},
		{"update", changeEvent{OperationType: "update", FullDocument: doc}, store.ChangeUpdate, true},
		{"replace", changeEvent{OperationType: "replace", FullDocument: doc}, store.ChangeUpdate, true},
		{"delete with pre-image", changeEvent{OperationType: "delete", FullDocumentBeforeChange: doc}, store.ChangeDelete, true},
		{"delete without pre-image", changeEvent{OperationType: "delete"}, store.ChangeDelete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.DocumentKey.ID = id
			got, ok := tt.ev.toChange()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got.Op != tt.wantOp {
				t.Errorf("op = %q, want %q", got.Op, tt.wantOp)
			}
			if got.MessageID != id.Hex() {
				t.Errorf("message id = %q, want %q", got.MessageID, id.Hex())
			}
			if ok && !got.Involves("alice") {
				t.Error("expected sender to be routed")
			}
		})
	}
}

func TestMessageDoc_ToMessage(t *testing.T) {
	doc := &messageDoc{ID: bson.NewObjectID(), SenderID: "a", RecipientID: "b", Attachments: []string{}}
	m := doc.toMessage()
	if m.Attachments != nil {
		t.Error("expected empty attachments to map to nil")
	}
	if m.ID != doc.ID.Hex() {
		t.Errorf("id = %q", m.ID)
	}
}

func TestStore_NotConnected(t *testing.T) {
	s := New(nil)
	if err := s.MarkRead(t.Context(), "not-an-id", "bob"); err != store.ErrNotConnected {
		t.Errorf("expected ErrNotConnected before connect, got %v", err)
	}
}
