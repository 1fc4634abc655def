package server

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/pipeline"
)

// ErrTooManySessions is returned when the registry is at capacity.
var ErrTooManySessions = errors.New("too many active sessions")

// SessionFactory creates a fresh, not yet loaded pipeline session.
type SessionFactory func() (*pipeline.Session, error)

type entry struct {
	sess     *pipeline.Session
	lastUsed time.Time
}

// Registry owns the live pipeline sessions keyed by session id.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	pending int // slots reserved by Create calls still running the factory
	factory SessionFactory
	max     int
	now     func() time.Time
	logger  *zap.Logger
}

// NewRegistry returns an empty registry. max <= 0 means unbounded.
func NewRegistry(factory SessionFactory, max int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
		max:     max,
		now:     time.Now,
		logger:  logger,
	}
}

// Create builds and registers a new session. The capacity slot is reserved
// before the factory runs so concurrent calls cannot overshoot max.
func (r *Registry) Create() (*pipeline.Session, error) {
	r.mu.Lock()
	if r.max > 0 && len(r.entries)+r.pending >= r.max {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	r.pending++
	r.mu.Unlock()

	sess, err := r.factory()
	r.mu.Lock()
	r.pending--
	if err == nil {
		r.entries[sess.ID()] = &entry{sess: sess, lastUsed: r.now()}
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.logger.Debug("session created", zap.String("session", sess.ID()))
	return sess, nil
}

// Get returns the session for id and marks it used.
func (r *Registry) Get(id string) (*pipeline.Session, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = r.now()
	return e.sess, true
}

// Remove unregisters and closes the session for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		r.close(id, e.sess)
	}
}

// Sweep closes sessions unused for longer than idle and returns how many
// were removed.
func (r *Registry) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-idle)
	var stale []*pipeline.Session
	r.mu.Lock()
	for id, e := range r.entries {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, e.sess)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	for _, s := range stale {
		r.close(s.ID(), s)
	}
	if len(stale) > 0 {
		r.logger.Info("swept idle sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for id, e := range entries {
		r.close(id, e.sess)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) close(id string, s *pipeline.Session) {
	if err := s.Close(); err != nil {
		r.logger.Warn("session close failed", zap.String("session", id), zap.Error(err))
	}
}
