package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/educpro/inbox"
	"github.com/educpro/inbox/internal/config"
	"github.com/educpro/inbox/internal/health"
	"github.com/educpro/inbox/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{Driver: "memory"},
		Feed:     config.FeedConfig{Driver: "memory", Prefix: "inbox:changes:"},
		Blob: config.BlobConfig{
			Driver:            "memory",
			AttachmentsBucket: "message-attachments",
			AvatarsBucket:     "avatars",
			PublicBaseURL:     "https://files.educpro.test/",
		},
		Upload: config.UploadConfig{
			AttachmentMaxSize: 1 << 20,
			AvatarTypes:       []string{"image/"},
			AvatarMaxSize:     1 << 20,
			MaxConcurrent:     2,
		},
		Telemetry: config.TelemetryConfig{ServiceName: "inboxd-test"},
	}
}

func TestBuildBackends_Memory(t *testing.T) {
	log := logger.NewDevelopmentLogger()
	cfg := memoryConfig()

	b, err := buildBackends(context.Background(), cfg, logger.Slog(log), log, health.NewChecker(log))
	require.NoError(t, err)
	t.Cleanup(func() { b.close(context.Background(), log) })

	assert.NotNil(t, b.records)
	assert.NotNil(t, b.feed)
	assert.Nil(t, b.directory)
	assert.Nil(t, b.redis)
	assert.Equal(t, "message-attachments", b.attachments.Bucket())
	assert.Equal(t, "avatars", b.avatars.Bucket())
}

func TestBuildBackends_RedisFeed(t *testing.T) {
	mr := miniredis.RunT(t)
	log := logger.NewDevelopmentLogger()
	cfg := memoryConfig()
	cfg.Feed.Driver = "redis"
	cfg.Redis.Address = mr.Addr()

	b, err := buildBackends(context.Background(), cfg, logger.Slog(log), log, health.NewChecker(log))
	require.NoError(t, err)
	t.Cleanup(func() { b.close(context.Background(), log) })

	require.NotNil(t, b.redis)
	require.NotNil(t, b.feed)
	assert.NoError(t, b.redis.Ping(context.Background()).Err())
}

func TestBuildBackends_UnknownBlobDriver(t *testing.T) {
	log := logger.NewDevelopmentLogger()
	cfg := memoryConfig()
	cfg.Blob.Driver = "ftp"

	_, err := buildBackends(context.Background(), cfg, logger.Slog(log), log, health.NewChecker(log))
	assert.ErrorContains(t, err, `unknown blob driver "ftp"`)
}

func TestServiceOptions_EndToEnd(t *testing.T) {
	ctx := context.Background()
	log := logger.NewDevelopmentLogger()
	cfg := memoryConfig()

	b, err := buildBackends(ctx, cfg, logger.Slog(log), log, health.NewChecker(log))
	require.NoError(t, err)
	t.Cleanup(func() { b.close(context.Background(), log) })

	notices := make(chan inbox.Notice, 8)
	reporter := inbox.ReporterFunc(func(_ context.Context, n inbox.Notice) {
		select {
		case notices <- n:
		default:
		}
	})

	svc, err := inbox.NewService(serviceOptions(cfg, b, reporter, logger.Slog(log))...)
	require.NoError(t, err)
	require.NoError(t, svc.Connect(ctx))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	s := svc.NewSync()
	require.NoError(t, s.Begin(ctx, inbox.Session{UserID: "teacher-1"}))
	t.Cleanup(func() { _ = s.End() })

	_, err = s.Send(ctx, inbox.SendRequest{RecipientID: "parent-1", Subject: "Field trip", Content: "Forms due Friday"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for sent := false; !sent; {
		select {
		case n := <-notices:
			if n.Op == "send" {
				assert.Equal(t, inbox.NoticeSuccess, n.Level)
				sent = true
			}
		case <-deadline:
			t.Fatal("expected a send notice")
		}
	}

	url, err := svc.UploadAvatar(ctx, inbox.Session{UserID: "teacher-1"}, inbox.File{
		Name:        "me.png",
		ContentType: "image/png",
		Size:        4,
		Body:        strings.NewReader("\x89PNG"),
	})
	require.NoError(t, err)
	assert.Contains(t, url, "https://files.educpro.test/avatars/teacher-1/")
}
