package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"careconnect-backend/models"
	"careconnect-backend/tokens"

	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "careconnect:qr:"

// ConnectRedis parses a redis:// URL and pings the server.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// TokenStore keeps one-time tokens in Redis. Keys expire with the token, so no sweep is
// needed; consumed tokens stay until then so a late consume still reports already-consumed.
// Consumption goes through CompareAndSwap, so replicas sharing the server consume a token once.
type TokenStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client, now: time.Now}
}

func (s *TokenStore) Get(ctx context.Context, id string) (*models.OneTimeToken, error) {
	raw, err := s.client.Get(ctx, tokenKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, tokens.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var tok models.OneTimeToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", id, err)
	}
	return &tok, nil
}

func (s *TokenStore) Upsert(ctx context.Context, tok *models.OneTimeToken) error {
	ttl := tok.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, tok.ID)
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token %s: %w", tok.ID, err)
	}
	return s.client.Set(ctx, tokenKeyPrefix+tok.ID, raw, ttl).Err()
}

func (s *TokenStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, tokenKeyPrefix+id).Err()
}

// CompareAndSwap replaces the token under WATCH while its stored state is still from. A
// concurrent write to the key aborts the transaction and counts as losing the race.
func (s *TokenStore) CompareAndSwap(ctx context.Context, next *models.OneTimeToken, from models.TokenState) (bool, error) {
	key := tokenKeyPrefix + next.ID
	swapped := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return tokens.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur models.OneTimeToken
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode token %s: %w", next.ID, err)
		}
		if cur.State != from {
			return nil
		}
		ttl := next.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return tokens.ErrNotFound
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode token %s: %w", next.ID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}
