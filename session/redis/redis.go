package redis_session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prospecthq/prospect/internal/agent/core"
	"github.com/prospecthq/prospect/session"
	"github.com/redis/go-redis/v9"
)

// Store persists sessions as JSON blobs in redis with a sliding TTL, so
// multiple service instances can share one session space.
type Store struct {
	client *redis.Client
}

func NewRedisSessionStore(addr, password string, db int) session.Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{client: rdb}
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }
func userKey(userID string) string {
	return fmt.Sprintf("user:%s:sessions", userID)
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
	if err := s.Save(ctx, sess, ttl); err != nil {
		return nil, err
	}
	if userID != "" {
		if err := s.client.SAdd(ctx, userKey(userID), sess.ID).Err(); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (*core.Session, error) {
	val, err := s.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess core.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *Store) Save(ctx context.Context, sess *core.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	return s.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err()
}

func (s *Store) List(ctx context.Context, userID string) ([]*core.Session, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*core.Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			// expired; drop the stale membership
			_ = s.client.SRem(ctx, userKey(userID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err == nil && sess.UserID != "" {
		_ = s.client.SRem(ctx, userKey(sess.UserID), id).Err()
	}
	return s.client.Del(ctx, sessionKey(id)).Err()
}
