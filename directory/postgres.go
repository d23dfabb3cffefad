package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/educpro/inbox"
	"github.com/educpro/inbox/store"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Defaults for the PostgreSQL directory.
const (
	DefaultTable   = "profiles"
	DefaultTimeout = 10 * time.Second
)

// Compile-time checks
var (
	_ inbox.Directory     = (*Postgres)(nil)
	_ inbox.AvatarUpdater = (*Postgres)(nil)
)

// Profile is a portal user profile.
type Profile struct {
	ID        string     `db:"id" json:"id"`
	Email     string     `db:"email" json:"email"`
	FullName  string     `db:"full_name" json:"full_name"`
	AvatarURL string     `db:"avatar_url" json:"avatar_url"`
	Role      inbox.Role `db:"role" json:"role"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Participant returns the display form of the profile.
func (p Profile) Participant() inbox.Participant {
	return inbox.Participant{ID: p.ID, Name: p.FullName, AvatarURL: p.AvatarURL}
}

// ProfileUpdate lists the fields a user may change on their own profile.
// Nil fields are left unchanged.
type ProfileUpdate struct {
	FullName  *string `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
}

// Option configures the PostgreSQL directory.
type Option func(*Postgres)

// WithTable sets the profiles table name.
func WithTable(name string) Option {
	return func(p *Postgres) {
		if name != "" {
			p.table = name
		}
	}
}

// WithTimeout sets the per-query timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Postgres) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Postgres) {
		if l != nil {
			p.logger = l
		}
	}
}

// Postgres is a Directory backed by a profiles table.
type Postgres struct {
	db        *sqlx.DB
	table     string
	timeout   time.Duration
	logger    *slog.Logger
	connected int32
}

// NewPostgres creates a directory on db. Call Connect to ensure the schema.
func NewPostgres(db *sqlx.DB, opts ...Option) *Postgres {
	p := &Postgres{
		db:      db,
		table:   DefaultTable,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect pings the database and creates the profiles table if needed.
func (p *Postgres) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&p.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			role VARCHAR(32) NOT NULL DEFAULT 'student',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, p.table)
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		atomic.StoreInt32(&p.connected, 0)
		return fmt.Errorf("ensure profiles schema: %w", err)
	}

	p.logger.Info("profile directory ready", "table", p.table)
	return nil
}

// Close marks the directory as disconnected.
// The caller is responsible for closing the database connection.
func (p *Postgres) Close(_ context.Context) error {
	atomic.StoreInt32(&p.connected, 0)
	return nil
}

func (p *Postgres) checkConnected() error {
	if atomic.LoadInt32(&p.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (p *Postgres) columns() string {
	return "id, email, full_name, avatar_url, role, updated_at"
}

// Get returns the profile for id.
func (p *Postgres) Get(ctx context.Context, id string) (Profile, error) {
	if err := p.checkConnected(); err != nil {
		return Profile{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var prof Profile
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, p.columns(), p.table)
	if err := p.db.GetContext(ctx, &prof, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, store.ErrNotFound
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return prof, nil
}

// Upsert creates or replaces a profile.
func (p *Postgres) Upsert(ctx context.Context, prof Profile) error {
	if err := p.checkConnected(); err != nil {
		return err
	}
	if prof.ID == "" {
		return store.ErrInvalidID
	}
	if prof.Role == "" {
		prof.Role = inbox.RoleStudent
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, email, full_name, avatar_url, role, updated_at)
		VALUES (:id, :email, :full_name, :avatar_url, :role, NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			full_name = EXCLUDED.full_name,
			avatar_url = EXCLUDED.avatar_url,
			role = EXCLUDED.role,
			updated_at = NOW()
	`, p.table)
	if _, err := p.db.NamedExecContext(ctx, query, prof); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Update applies the non-nil fields of upd to the profile and returns it.
func (p *Postgres) Update(ctx context.Context, id string, upd ProfileUpdate) (Profile, error) {
	if err := p.checkConnected(); err != nil {
		return Profile{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var prof Profile
	query := fmt.Sprintf(`
		UPDATE %s SET
			full_name = COALESCE($2, full_name),
			avatar_url = COALESCE($3, avatar_url),
			updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, p.table, p.columns())
	err := p.db.GetContext(ctx, &prof, query, id, nullString(upd.FullName), nullString(upd.AvatarURL))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, store.ErrNotFound
		}
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return prof, nil
}

// SetAvatar points the user's profile at url, creating the profile row if
// it does not exist yet.
func (p *Postgres) SetAvatar(ctx context.Context, userID, url string) error {
	if err := p.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, avatar_url, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET avatar_url = EXCLUDED.avatar_url, updated_at = NOW()
	`, p.table)
	if _, err := p.db.ExecContext(ctx, query, userID, url); err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	return nil
}

// Lookup returns participants for the known ids in one query.
func (p *Postgres) Lookup(ctx context.Context, ids []string) (map[string]inbox.Participant, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	out := make(map[string]inbox.Participant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var profiles []Profile
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1)`, p.columns(), p.table)
	if err := p.db.SelectContext(ctx, &profiles, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("lookup profiles: %w", err)
	}
	for _, prof := range profiles {
		out[prof.ID] = prof.Participant()
	}
	return out, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
