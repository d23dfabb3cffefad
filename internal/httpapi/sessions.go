package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/educpro/inbox"
	"github.com/educpro/inbox/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Sessions keeps one live inbox.Sync per signed-in user. A Sync is begun on
// first use and ended after it has been idle with no open socket.
type Sessions struct {
	svc       *inbox.Service
	syncOpts  []inbox.SyncOption
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*sessionEntry
	group   singleflight.Group
}

type sessionEntry struct {
	sync     *inbox.Sync
	lastUsed time.Time
	held     int // requests using sync; held entries are never swept
}

// NewSessions creates a pool over svc. Every Sync receives opts, and
// onChange (if non-nil) is registered as a change listener.
func NewSessions(svc *inbox.Service, onChange inbox.ChangeListener, m *metrics.Metrics, log *zap.Logger, opts ...inbox.SyncOption) *Sessions {
	if log == nil {
		log = zap.NewNop()
	}
	if onChange != nil {
		opts = append(opts, inbox.WithChangeListener(onChange))
	}
	return &Sessions{
		svc:      svc,
		syncOpts: opts,
		metrics:  m,
		log:      log,
		now:      time.Now,
		entries:  make(map[string]*sessionEntry),
	}
}

// Get returns the user's Sync, beginning one when none is live.
// Concurrent first calls for the same user share one Begin.
func (p *Sessions) Get(ctx context.Context, sess inbox.Session) (*inbox.Sync, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if s, ok := p.lookup(sess.UserID); ok {
		return s, nil
	}

	v, err, _ := p.group.Do(sess.UserID, func() (any, error) {
		if s, ok := p.lookup(sess.UserID); ok {
			return s, nil
		}
		s := p.svc.NewSync(p.syncOpts...)
		// Begin outlives the request that triggered it.
		if err := s.Begin(context.WithoutCancel(ctx), sess); err != nil {
			// A failed first fetch leaves the session active; keep it and
			// let the next change or refresh retry.
			if _, active := s.Session(); !active {
				return nil, err
			}
			p.log.Warn("initial fetch failed", zap.String("user_id", sess.UserID), zap.Error(err))
		}
		p.mu.Lock()
		p.entries[sess.UserID] = &sessionEntry{sync: s, lastUsed: p.now()}
		n := len(p.entries)
		p.mu.Unlock()
		p.setGauge(n)
		p.log.Debug("sync session started", zap.String("user_id", sess.UserID))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*inbox.Sync), nil
}

// Acquire returns the user's Sync and holds it until release is called,
// so Sweep cannot end it under a long request.
func (p *Sessions) Acquire(ctx context.Context, sess inbox.Session) (*inbox.Sync, func(), error) {
	for {
		s, err := p.Get(ctx, sess)
		if err != nil {
			return nil, nil, err
		}
		if p.hold(sess.UserID, s) {
			var once sync.Once
			return s, func() { once.Do(func() { p.unhold(sess.UserID, s) }) }, nil
		}
		// Swept between Get and hold; begin a new one.
	}
}

func (p *Sessions) hold(userID string, s *inbox.Sync) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok || e.sync != s {
		return false
	}
	e.held++
	e.lastUsed = p.now()
	return true
}

func (p *Sessions) unhold(userID string, s *inbox.Sync) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[userID]; ok && e.sync == s && e.held > 0 {
		e.held--
		e.lastUsed = p.now()
	}
}

func (p *Sessions) lookup(userID string) (*inbox.Sync, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		return nil, false
	}
	e.lastUsed = p.now()
	return e.sync, true
}

// Touch marks the user's session as used, if one is live.
func (p *Sessions) Touch(userID string) {
	p.lookup(userID)
}

// Len returns the number of live sessions.
func (p *Sessions) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Release ends the user's session.
func (p *Sessions) Release(userID string) {
	p.mu.Lock()
	e, ok := p.entries[userID]
	delete(p.entries, userID)
	n := len(p.entries)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.setGauge(n)
	p.end(userID, e.sync)
}

// Sweep ends sessions idle for longer than idle whose user is not online
// and that no request holds, and returns how many were ended. online may
// be nil.
func (p *Sessions) Sweep(idle time.Duration, online func(userID string) bool) int {
	cutoff := p.now().Add(-idle)

	p.mu.Lock()
	stale := make(map[string]*inbox.Sync)
	for userID, e := range p.entries {
		if e.held > 0 || e.lastUsed.After(cutoff) {
			continue
		}
		if online != nil && online(userID) {
			continue
		}
		stale[userID] = e.sync
		delete(p.entries, userID)
	}
	n := len(p.entries)
	p.mu.Unlock()

	for userID, s := range stale {
		p.end(userID, s)
	}
	if len(stale) > 0 {
		p.setGauge(n)
		p.log.Info("idle sync sessions ended", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Close ends every session.
func (p *Sessions) Close() {
	p.mu.Lock()
	all := p.entries
	p.entries = make(map[string]*sessionEntry)
	p.mu.Unlock()

	for userID, e := range all {
		p.end(userID, e.sync)
	}
	p.setGauge(0)
}

func (p *Sessions) end(userID string, s *inbox.Sync) {
	if err := s.End(); err != nil {
		p.log.Warn("failed to end sync session", zap.String("user_id", userID), zap.Error(err))
	}
}

func (p *Sessions) setGauge(n int) {
	if p.metrics != nil {
		p.metrics.ActiveSessions.Set(float64(n))
	}
}
