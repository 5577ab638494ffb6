package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/karzina/internal/session"
)

const sessionKeyPrefix = "session:"

// Store persists shopping sessions as JSON blobs in Redis so several
// frontends can observe the same session.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Conn dials Redis and verifies the connection before handing it out.
func Conn(ctx context.Context, addr, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) Save(ctx context.Context, sess *session.ShoppingSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKeyPrefix+sess.ID, data, s.ttl).Err()
}

func (s *Store) Get(ctx context.Context, id string) (*session.ShoppingSession, error) {
	val, err := s.client.Get(ctx, sessionKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess session.ShoppingSession
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, sessionKeyPrefix+id).Err()
}
