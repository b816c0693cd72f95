package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prospecthq/prospect/internal/agent/core"
	"github.com/prospecthq/prospect/session"
)

type entry struct {
	sess      *core.Session
	expiresAt time.Time
}

// Store keeps sessions in process memory. Suitable for single-instance
// deployments and tests.
type Store struct {
	sessions map[string]*entry
	mu       sync.RWMutex
}

func NewInMemorySessionStore() session.Store {
	return &Store{sessions: make(map[string]*entry)}
}

func (s *Store) Create(ctx context.Context, userID, title string, ttl time.Duration) (*core.Session, error) {
	now := time.Now()
	sess := &core.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &entry{sess: sess, expiresAt: now.Add(ttl)}
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, session.ErrNotFound
	}
	return e.sess, nil
}

func (s *Store) Save(ctx context.Context, sess *core.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &entry{sess: sess, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *Store) List(ctx context.Context, userID string) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*core.Session
	for _, e := range s.sessions {
		if now.After(e.expiresAt) {
			continue
		}
		if userID == "" || e.sess.UserID == userID {
			out = append(out, e.sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
