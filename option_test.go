package inbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/educpro/inbox/store/memory"
)

func TestNewOptionsDefaults(t *testing.T) {
	o := newOptions()

	if o.maxSubjectLength != DefaultMaxSubjectLength {
		t.Errorf("maxSubjectLength = %d", o.maxSubjectLength)
	}
	if o.maxContentSize != DefaultMaxContentSize {
		t.Errorf("maxContentSize = %d", o.maxContentSize)
	}
	if o.maxAttachmentCount != DefaultMaxAttachmentCount {
		t.Errorf("maxAttachmentCount = %d", o.maxAttachmentCount)
	}
	if o.maxConcurrentSends != DefaultMaxConcurrentSends {
		t.Errorf("maxConcurrentSends = %d", o.maxConcurrentSends)
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("shutdownTimeout = %v", o.shutdownTimeout)
	}
	if o.resyncTimeout != DefaultResyncTimeout {
		t.Errorf("resyncTimeout = %v", o.resyncTimeout)
	}
	if o.logger == nil || o.reporter == nil || o.onEventPublishFailure == nil {
		t.Error("expected logger, reporter and failure callback defaults")
	}
}

func TestOptionsIgnoreInvalidValues(t *testing.T) {
	o := newOptions(
		WithStore(nil),
		WithChangeFeed(nil),
		WithAttachmentUploader(nil),
		WithReporter(nil),
		WithLogger(nil),
		WithMaxSubjectLength(-1),
		WithMaxConcurrentSends(0),
		WithShutdownTimeout(10*time.Millisecond),
		WithResyncTimeout(0),
		WithServiceName(""),
		WithEventTransport(nil),
	)

	if o.store != nil || o.feed != nil || o.attachments != nil {
		t.Error("expected nil values to be ignored")
	}
	if o.maxSubjectLength != DefaultMaxSubjectLength || o.maxConcurrentSends != DefaultMaxConcurrentSends {
		t.Error("expected non-positive limits to be ignored")
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected timeout below minimum to be ignored, got %v", o.shutdownTimeout)
	}
	if o.resyncTimeout != DefaultResyncTimeout {
		t.Errorf("expected zero resync timeout to be ignored, got %v", o.resyncTimeout)
	}
}

func TestOptionsApply(t *testing.T) {
	records := memory.New()
	o := newOptions(
		WithStore(records),
		WithChangeFeed(records.Feed()),
		WithMaxAttachmentCount(3),
		WithShutdownTimeout(2*time.Second),
		WithOTel(true),
		WithServiceName("school-inbox"),
		WithEventErrorsFatal(true),
	)
	if o.store != records || o.feed == nil {
		t.Error("expected store and feed set")
	}
	if o.maxAttachmentCount != 3 || o.shutdownTimeout != 2*time.Second {
		t.Error("expected limits applied")
	}
	if !o.tracingEnabled || !o.metricsEnabled || o.serviceName != "school-inbox" || !o.eventErrorsFatal {
		t.Error("expected telemetry and event options applied")
	}
}

func TestSafeEventPublishFailure(t *testing.T) {
	var got string
	o := newOptions(WithEventPublishFailureHandler(func(name string, err error) {
		got = name + ": " + err.Error()
	}))
	o.safeEventPublishFailure("MessageSent", errors.New("down"))
	if got != "MessageSent: down" {
		t.Errorf("handler got %q", got)
	}

	panicky := newOptions(WithEventPublishFailureHandler(func(string, error) { panic("boom") }))
	panicky.safeEventPublishFailure("MessageRead", errors.New("down"))
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	r := LogReporter(slog.New(slog.NewTextHandler(&buf, nil)))

	r.Report(context.Background(), Notice{Level: NoticeError, Op: "send", UserID: "u1", Message: "Failed", Err: errors.New("x")})
	r.Report(context.Background(), Notice{Level: NoticeSuccess, Op: "send", Message: "Sent"})

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "user_id=u1") {
		t.Errorf("expected warn line with user id, got %q", out)
	}
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "message=Sent") {
		t.Errorf("expected info line, got %q", out)
	}
}

func TestReportRecoversPanics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	report(context.Background(), ReporterFunc(func(context.Context, Notice) { panic("boom") }), logger, Notice{Op: "x"})

	var at time.Time
	report(context.Background(), ReporterFunc(func(_ context.Context, n Notice) { at = n.At }), logger, Notice{Op: "x"})
	if at.IsZero() {
		t.Error("expected timestamp filled")
	}
}

func TestSessionContext(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "teacher-1")
	if got := UserIDFromContext(ctx); got != "teacher-1" {
		t.Errorf("expected teacher-1, got %q", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
	if !RoleTeacher.Valid() || Role("janitor").Valid() {
		t.Error("unexpected role validity")
	}
}
