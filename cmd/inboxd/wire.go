package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/educpro/inbox"
	"github.com/educpro/inbox/directory"
	"github.com/educpro/inbox/internal/config"
	"github.com/educpro/inbox/internal/health"
	"github.com/educpro/inbox/store"
	blobgcs "github.com/educpro/inbox/store/blob/gcs"
	blobotel "github.com/educpro/inbox/store/blob/otel"
	blobs3 "github.com/educpro/inbox/store/blob/s3"
	"github.com/educpro/inbox/store/memory"
	mongostore "github.com/educpro/inbox/store/mongo"
	"github.com/educpro/inbox/store/postgres"
	"github.com/educpro/inbox/store/redisfeed"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// backends holds the storage collaborators built from configuration and
// the resources that must be released on shutdown.
type backends struct {
	records     store.RecordStore
	feed        store.ChangeFeed
	attachments store.BlobStore
	avatars     store.BlobStore
	directory   *directory.Postgres
	redis       redis.UniversalClient

	closers []func(context.Context) error
}

func (b *backends) onClose(fn func(context.Context) error) {
	b.closers = append(b.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (b *backends) close(ctx context.Context, log *zap.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			log.Warn("failed to release resource", zap.Error(err))
		}
	}
}

func buildBackends(ctx context.Context, cfg *config.Config, slogger *slog.Logger, log *zap.Logger, checks *health.Checker) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.close(context.Background(), log)
		}
	}()

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.redis = rdb
		b.onClose(func(context.Context) error { return rdb.Close() })
		checks.AddReadiness("redis", health.RedisCheck(rdb))
		log.Info("redis client configured", zap.String("address", cfg.Redis.Address))
	}

	if err := buildRecordStore(ctx, cfg, slogger, log, checks, b); err != nil {
		return nil, err
	}
	if err := buildBlobStores(ctx, cfg, slogger, b); err != nil {
		return nil, err
	}
	if err := buildDirectory(ctx, cfg, slogger, log, checks, b); err != nil {
		return nil, err
	}
	return b, nil
}

func buildRecordStore(ctx context.Context, cfg *config.Config, slogger *slog.Logger, log *zap.Logger, checks *health.Checker, b *backends) error {
	db := cfg.Database

	switch db.Driver {
	case "memory":
		records := memory.New()
		b.records = records
		if cfg.Feed.Driver == "memory" {
			b.feed = records.Feed()
		}
		log.Info("using memory record store (development mode)")

	case "postgres":
		sqlDB, err := sqlx.Open("postgres", db.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		sqlDB.SetMaxOpenConns(db.MaxOpenConns)
		sqlDB.SetMaxIdleConns(db.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(db.ConnMaxLifetime)
		b.onClose(func(context.Context) error { return sqlDB.Close() })
		checks.AddReadiness("postgres", health.DatabaseCheck(sqlDB.DB))

		b.records = postgres.New(sqlDB,
			postgres.WithTable(db.Table),
			postgres.WithTimeout(db.Timeout),
			postgres.WithLogger(slogger),
			postgres.WithNotifyTrigger(cfg.Feed.Driver == "postgres"),
		)
		if cfg.Feed.Driver == "postgres" {
			b.feed = postgres.NewFeed(db.DSN,
				postgres.WithFeedTable(db.Table),
				postgres.WithFeedLogger(slogger),
			)
		}
		log.Info("using postgres record store", zap.String("table", db.Table))

	case "mongo":
		client, err := mongo.Connect(mongoopts.Client().ApplyURI(db.DSN).SetTimeout(db.Timeout))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		b.onClose(client.Disconnect)
		checks.AddReadiness("mongo", health.MongoCheck(client))

		opts := []mongostore.Option{
			mongostore.WithDatabase(db.Name),
			mongostore.WithCollection(db.Table),
			mongostore.WithTimeout(db.Timeout),
			mongostore.WithLogger(slogger),
		}
		b.records = mongostore.New(client, opts...)
		if cfg.Feed.Driver == "mongo" {
			b.feed = mongostore.NewFeed(client, opts...)
		}
		log.Info("using mongo record store", zap.String("database", db.Name), zap.String("collection", db.Table))

	default:
		return fmt.Errorf("unknown database driver %q", db.Driver)
	}

	if cfg.Feed.Driver == "redis" {
		feed := redisfeed.New(b.redis,
			redisfeed.WithPrefix(cfg.Feed.Prefix),
			redisfeed.WithLogger(slogger),
		)
		b.feed = feed
		b.records = store.Notify(b.records, feed, slogger)
		log.Info("using redis change feed", zap.String("prefix", cfg.Feed.Prefix))
	}
	return nil
}

func buildBlobStores(ctx context.Context, cfg *config.Config, slogger *slog.Logger, b *backends) error {
	build := func(bucket string) (store.BlobStore, error) {
		bc := cfg.Blob
		publicBase := ""
		if bc.PublicBaseURL != "" {
			publicBase = strings.TrimRight(bc.PublicBaseURL, "/") + "/" + bucket
		}

		var backend store.BlobStore
		switch bc.Driver {
		case "memory":
			var opts []memory.BlobOption
			if publicBase != "" {
				opts = append(opts, memory.WithBaseURL(publicBase))
			}
			backend = memory.NewBlobStore(bucket, opts...)

		case "s3":
			opts := []blobs3.Option{
				blobs3.WithBucket(bucket),
				blobs3.WithPrefix(bc.Prefix),
				blobs3.WithRegion(bc.Region),
				blobs3.WithEndpoint(bc.Endpoint),
				blobs3.WithPathStyle(bc.PathStyle),
				blobs3.WithPublicBaseURL(publicBase),
				blobs3.WithLogger(slogger),
			}
			if bc.AccessKey != "" {
				opts = append(opts, blobs3.WithStaticCredentials(bc.AccessKey, bc.SecretKey))
			}
			if bc.RoleARN != "" {
				opts = append(opts,
					blobs3.WithAssumeRole(bc.RoleARN, "inboxd"),
					blobs3.WithExternalID(bc.ExternalID),
				)
			}
			s, err := blobs3.New(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("create s3 store for %s: %w", bucket, err)
			}
			backend = s

		case "gcs":
			opts := []blobgcs.Option{
				blobgcs.WithBucket(bucket),
				blobgcs.WithPrefix(bc.Prefix),
				blobgcs.WithEndpoint(bc.Endpoint),
				blobgcs.WithPublicBaseURL(publicBase),
				blobgcs.WithLogger(slogger),
			}
			if bc.CredentialsFile != "" {
				opts = append(opts, blobgcs.WithCredentialsFile(bc.CredentialsFile))
			}
			s, err := blobgcs.New(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("create gcs store for %s: %w", bucket, err)
			}
			b.onClose(func(context.Context) error { return s.Close() })
			backend = s

		default:
			return nil, fmt.Errorf("unknown blob driver %q", bc.Driver)
		}

		return blobotel.New(backend,
			blobotel.WithTracing(cfg.Telemetry.Enabled),
			blobotel.WithMetrics(cfg.Telemetry.Enabled),
			blobotel.WithServiceName(cfg.Telemetry.ServiceName),
		)
	}

	var err error
	if b.attachments, err = build(cfg.Blob.AttachmentsBucket); err != nil {
		return err
	}
	if b.avatars, err = build(cfg.Blob.AvatarsBucket); err != nil {
		return err
	}
	return nil
}

func buildDirectory(ctx context.Context, cfg *config.Config, slogger *slog.Logger, log *zap.Logger, checks *health.Checker, b *backends) error {
	if cfg.Directory.DSN == "" {
		log.Info("profiles directory disabled")
		return nil
	}
	db, err := sqlx.Open("postgres", cfg.Directory.DSN)
	if err != nil {
		return fmt.Errorf("open directory database: %w", err)
	}
	b.onClose(func(context.Context) error { return db.Close() })
	checks.AddReadiness("directory", health.DatabaseCheck(db.DB))

	dir := directory.NewPostgres(db,
		directory.WithTable(cfg.Directory.Table),
		directory.WithTimeout(cfg.Database.Timeout),
		directory.WithLogger(slogger),
	)
	if err := dir.Connect(ctx); err != nil {
		return fmt.Errorf("connect directory: %w", err)
	}
	b.onClose(dir.Close)
	b.directory = dir
	log.Info("using postgres profiles directory", zap.String("table", cfg.Directory.Table))
	return nil
}

// serviceOptions assembles the inbox service options.
func serviceOptions(cfg *config.Config, b *backends, reporter inbox.Reporter, slogger *slog.Logger) []inbox.Option {
	uploadOpts := func(types []string, maxSize int64) []inbox.UploadOption {
		return []inbox.UploadOption{
			inbox.WithPolicy(inbox.UploadPolicy{AllowedTypes: types, MaxSize: maxSize}),
			inbox.WithMaxConcurrentUploads(cfg.Upload.MaxConcurrent),
			inbox.WithUploadReporter(reporter),
			inbox.WithUploadLogger(slogger),
		}
	}

	opts := []inbox.Option{
		inbox.WithStore(b.records),
		inbox.WithChangeFeed(b.feed),
		inbox.WithAttachmentUploader(inbox.NewUploader(b.attachments,
			uploadOpts(cfg.Upload.AttachmentTypes, cfg.Upload.AttachmentMaxSize)...)),
		inbox.WithAvatarUploader(inbox.NewUploader(b.avatars,
			uploadOpts(cfg.Upload.AvatarTypes, cfg.Upload.AvatarMaxSize)...)),
		inbox.WithReporter(reporter),
		inbox.WithLogger(slogger),
		inbox.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		inbox.WithOTel(cfg.Telemetry.Enabled),
		inbox.WithServiceName(cfg.Telemetry.ServiceName),
	}
	if b.directory != nil {
		opts = append(opts, inbox.WithDirectory(b.directory))
	}
	if cfg.Redis.Events {
		opts = append(opts, inbox.WithRedisClient(b.redis))
	}
	return opts
}
