// Package config loads inboxd settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. INBOX_SERVER_PORT.
const EnvPrefix = "inbox"

const defaultJWTSecret = "change-me-in-production"

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	MaxBodySize     int64 // bytes, applied to every request

	RateLimit   float64       // requests per second per user, 0 disables
	RateBurst   int
	SessionIdle time.Duration // idle sync sessions are ended after this long
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CORSConfig holds cross-origin settings shared by the API and the websocket.
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig holds logger settings. File enables rotation through lumberjack.
type LogConfig struct {
	Level       string
	Development bool
	File        string
	MaxSize     int // MB
	MaxBackups  int
	MaxAge      int // days
	Compress    bool
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	Driver          string // memory, postgres or mongo
	DSN             string // postgres DSN or mongo URI
	Name            string // mongo database
	Table           string // postgres table or mongo collection
	Timeout         time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// FeedConfig selects the change feed. An empty driver follows the database.
type FeedConfig struct {
	Driver string // memory, postgres, mongo or redis
	Prefix string // redis channel prefix
}

// RedisConfig configures the shared redis client. An empty address disables it.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Events   bool // publish service events over redis
}

// Enabled reports whether a redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// BlobConfig selects the blob store backing both buckets.
type BlobConfig struct {
	Driver            string // memory, s3 or gcs
	AttachmentsBucket string
	AvatarsBucket     string
	Prefix            string
	PublicBaseURL     string
	Endpoint          string

	// s3
	Region     string
	PathStyle  bool
	AccessKey  string
	SecretKey  string
	RoleARN    string
	ExternalID string

	// gcs
	CredentialsFile string
}

// UploadConfig holds the upload policies of both buckets.
type UploadConfig struct {
	AttachmentTypes   []string
	AttachmentMaxSize int64
	AvatarTypes       []string
	AvatarMaxSize     int64
	MaxConcurrent     int
}

// DirectoryConfig configures the profiles directory. An empty DSN reuses
// the database DSN when the database driver is postgres.
type DirectoryConfig struct {
	DSN   string
	Table string
}

// JWTConfig holds session token settings.
type JWTConfig struct {
	Secret string
	Issuer string
	Expiry time.Duration
}

// TelemetryConfig toggles OpenTelemetry instrumentation in the library.
type TelemetryConfig struct {
	Enabled     bool
	ServiceName string
}

// Config is the root configuration of inboxd.
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Feed      FeedConfig
	Redis     RedisConfig
	Blob      BlobConfig
	Upload    UploadConfig
	Directory DirectoryConfig
	JWT       JWTConfig
	Telemetry TelemetryConfig
}

// Load reads configuration with this precedence: process environment,
// then .env, then defaults. Variables use the INBOX_ prefix with dots
// replaced by underscores, e.g. INBOX_BLOB_DRIVER.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	shutdown, err := duration(v, "server.shutdown_timeout")
	if err != nil {
		return nil, err
	}
	dbTimeout, err := duration(v, "database.timeout")
	if err != nil {
		return nil, err
	}
	connLifetime, err := duration(v, "database.conn_max_lifetime")
	if err != nil {
		return nil, err
	}
	sessionIdle, err := duration(v, "server.session_idle")
	if err != nil {
		return nil, err
	}
	jwtExpiry, err := duration(v, "jwt.expiry")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ShutdownTimeout: shutdown,
			MaxBodySize:     v.GetInt64("server.max_body_size"),
			RateLimit:       v.GetFloat64("server.rate_limit"),
			RateBurst:       v.GetInt("server.rate_burst"),
			SessionIdle:     sessionIdle,
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList(v.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(v.GetString("database.driver")),
			DSN:             v.GetString("database.dsn"),
			Name:            v.GetString("database.name"),
			Table:           v.GetString("database.table"),
			Timeout:         dbTimeout,
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connLifetime,
		},
		Feed: FeedConfig{
			Driver: strings.ToLower(v.GetString("feed.driver")),
			Prefix: v.GetString("feed.prefix"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Events:   v.GetBool("redis.events"),
		},
		Blob: BlobConfig{
			Driver:            strings.ToLower(v.GetString("blob.driver")),
			AttachmentsBucket: v.GetString("blob.attachments_bucket"),
			AvatarsBucket:     v.GetString("blob.avatars_bucket"),
			Prefix:            v.GetString("blob.prefix"),
			PublicBaseURL:     v.GetString("blob.public_base_url"),
			Endpoint:          v.GetString("blob.endpoint"),
			Region:            v.GetString("blob.region"),
			PathStyle:         v.GetBool("blob.path_style"),
			AccessKey:         v.GetString("blob.access_key"),
			SecretKey:         v.GetString("blob.secret_key"),
			RoleARN:           v.GetString("blob.role_arn"),
			ExternalID:        v.GetString("blob.external_id"),
			CredentialsFile:   v.GetString("blob.credentials_file"),
		},
		Upload: UploadConfig{
			AttachmentTypes:   parseList(v.GetString("upload.attachment_types")),
			AttachmentMaxSize: v.GetInt64("upload.attachment_max_size"),
			AvatarTypes:       parseList(v.GetString("upload.avatar_types")),
			AvatarMaxSize:     v.GetInt64("upload.avatar_max_size"),
			MaxConcurrent:     v.GetInt("upload.max_concurrent"),
		},
		Directory: DirectoryConfig{
			DSN:   v.GetString("directory.dsn"),
			Table: v.GetString("directory.table"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
			Expiry: jwtExpiry,
		},
		Telemetry: TelemetryConfig{
			Enabled:     v.GetBool("telemetry.enabled"),
			ServiceName: v.GetString("telemetry.service_name"),
		},
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
	if cfg.Feed.Driver == "" {
		cfg.Feed.Driver = cfg.Database.Driver
	}
	if cfg.Directory.DSN == "" && cfg.Database.Driver == "postgres" {
		cfg.Directory.DSN = cfg.Database.DSN
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_size", 64<<20)
	v.SetDefault("server.rate_limit", 10)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.session_idle", "15m")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.name", "inbox")
	v.SetDefault("database.table", "messages")
	v.SetDefault("database.timeout", "10s")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("feed.driver", "")
	v.SetDefault("feed.prefix", "inbox:changes:")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.events", false)
	v.SetDefault("blob.driver", "memory")
	v.SetDefault("blob.attachments_bucket", "message-attachments")
	v.SetDefault("blob.avatars_bucket", "avatars")
	v.SetDefault("blob.prefix", "")
	v.SetDefault("blob.public_base_url", "")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.path_style", false)
	v.SetDefault("upload.attachment_types", "")
	v.SetDefault("upload.attachment_max_size", 10<<20)
	v.SetDefault("upload.avatar_types", "image/")
	v.SetDefault("upload.avatar_max_size", 5<<20)
	v.SetDefault("upload.max_concurrent", 4)
	v.SetDefault("directory.dsn", "")
	v.SetDefault("directory.table", "profiles")
	v.SetDefault("jwt.secret", defaultJWTSecret)
	v.SetDefault("jwt.issuer", "educpro")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "inboxd")
}

// Validate checks driver names, required DSNs and the JWT secret.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "memory":
	case "postgres", "mongo":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Feed.Driver {
	case "memory", "postgres", "mongo":
		if c.Feed.Driver != c.Database.Driver {
			errs = append(errs, fmt.Errorf("feed.driver %q requires database.driver %q", c.Feed.Driver, c.Feed.Driver))
		}
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("feed.driver redis requires redis.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown feed.driver %q", c.Feed.Driver))
	}

	switch c.Blob.Driver {
	case "memory", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unknown blob.driver %q", c.Blob.Driver))
	}
	if c.Blob.AttachmentsBucket == "" || c.Blob.AvatarsBucket == "" {
		errs = append(errs, errors.New("blob bucket names must not be empty"))
	}

	if c.Redis.Events && !c.Redis.Enabled() {
		errs = append(errs, errors.New("redis.events requires redis.address"))
	}

	if c.JWT.Secret == defaultJWTSecret {
		errs = append(errs, errors.New("jwt.secret must be set (INBOX_JWT_SECRET)"))
	} else if len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("jwt.secret must be at least 32 characters long"))
	}

	return errors.Join(errs...)
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseList splits a comma-separated value and drops empty items.
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile loads .env from the working directory or its parent.
// Existing environment variables win; a missing file is not an error.
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
