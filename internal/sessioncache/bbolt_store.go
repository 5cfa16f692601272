package sessioncache

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/strongboxhq/strongbox/internal/apperror"
)

var (
	sessionsBucket = []byte("sessions")
	inlineBucket   = []byte("inline")
)

// BoltStore is the embedded-KV fallback Session Cache used by single-node
// deployments without Redis and by tests, grounded on cuemby-warren's use
// of go.etcd.io/bbolt as a durable local KV store. TTL is emulated with an
// expiry timestamp prefix checked on read, since bbolt has no native
// expiry.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt-backed session cache at
// path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "opening session cache at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(inlineBucket)
		return err
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "initializing session cache buckets")
	}
	return &BoltStore{db: db}, nil
}

func encodeExpiry(ttl time.Duration) int64 {
	return time.Now().Add(ttl).Unix()
}

func withExpiry(expiry int64, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiry))
	copy(buf[8:], payload)
	return buf
}

func splitExpiry(raw []byte) (expiry int64, payload []byte, ok bool) {
	if len(raw) < 8 {
		return 0, nil, false
	}
	return int64(binary.BigEndian.Uint64(raw[:8])), raw[8:], true
}

// SaveSession implements Store.
func (b *BoltStore) SaveSession(ctx context.Context, s *UploadSession, ttl time.Duration) error {
	payload, err := s.marshal()
	if err != nil {
		return apperror.Wrap(apperror.Validation, err, "marshaling session %s", s.ID)
	}
	record := withExpiry(encodeExpiry(ttl), payload)
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(sessionKey(s.ID)), record)
	})
}

// GetSession implements Store.
func (b *BoltStore) GetSession(ctx context.Context, id string) (*UploadSession, error) {
	var out *UploadSession
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(sessionKey(id)))
		if raw == nil {
			return nil
		}
		expiry, payload, ok := splitExpiry(raw)
		if !ok || time.Now().Unix() > expiry {
			return nil
		}
		s, err := unmarshalSession(payload)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "loading session %s", id)
	}
	return out, nil
}

// DeleteSession implements Store.
func (b *BoltStore) DeleteSession(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(sessionKey(id)))
	})
}

// PutInline implements Store.
func (b *BoltStore) PutInline(ctx context.Context, owner, hash string, payload []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(inlineBucket).Put([]byte(inlineKey(owner, hash)), payload)
	})
}

// GetInline implements Store.
func (b *BoltStore) GetInline(ctx context.Context, owner, hash string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(inlineBucket).Get([]byte(inlineKey(owner, hash)))
		if raw == nil {
			return nil
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, false, apperror.Wrap(apperror.Transient, err, "loading inline payload")
	}
	return out, out != nil, nil
}

// Close implements Store.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

var _ Store = (*BoltStore)(nil)
