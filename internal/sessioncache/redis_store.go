package sessioncache

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/strongboxhq/strongbox/internal/apperror"
)

// RedisStore is the production Session Cache backend (REDIS_URL), giving
// every session record a native TTL via SET ... EX instead of the
// hand-rolled expiry BoltStore needs.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL (a redis://host:port/db DSN).
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperror.Wrap(apperror.Validation, err, "parsing REDIS_URL")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "connecting to session cache")
	}
	return &RedisStore{client: client}, nil
}

// SaveSession implements Store.
func (r *RedisStore) SaveSession(ctx context.Context, s *UploadSession, ttl time.Duration) error {
	payload, err := s.marshal()
	if err != nil {
		return apperror.Wrap(apperror.Validation, err, "marshaling session %s", s.ID)
	}
	if err := r.client.Set(ctx, sessionKey(s.ID), payload, ttl).Err(); err != nil {
		return apperror.Wrap(apperror.Transient, err, "saving session %s", s.ID)
	}
	return nil
}

// GetSession implements Store.
func (r *RedisStore) GetSession(ctx context.Context, id string) (*UploadSession, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "loading session %s", id)
	}
	return unmarshalSession(raw)
}

// DeleteSession implements Store.
func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return apperror.Wrap(apperror.Transient, err, "deleting session %s", id)
	}
	return nil
}

// PutInline implements Store. Inline payloads have no TTL: they live as
// long as the File row that embeds their base64 form references them
// (spec §4.4).
func (r *RedisStore) PutInline(ctx context.Context, owner, hash string, payload []byte) error {
	encoded := base64.StdEncoding.EncodeToString(payload)
	if err := r.client.Set(ctx, inlineKey(owner, hash), encoded, 0).Err(); err != nil {
		return apperror.Wrap(apperror.Transient, err, "saving inline payload")
	}
	return nil
}

// GetInline implements Store.
func (r *RedisStore) GetInline(ctx context.Context, owner, hash string) ([]byte, bool, error) {
	encoded, err := r.client.Get(ctx, inlineKey(owner, hash)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperror.Wrap(apperror.Transient, err, "loading inline payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, apperror.Wrap(apperror.StorageIO, err, "decoding inline payload")
	}
	return decoded, true, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
