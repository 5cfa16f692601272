// Package sessioncache is the Session Cache: a volatile key/value store
// holding in-progress upload sessions and inline file payloads, always
// reconstructible from the Metadata Store plus on-disk state (spec §2).
package sessioncache

import (
	"context"
	"encoding/json"
	"time"
)

// Strategy is the storage strategy chosen at session init time (spec §4.1).
type Strategy string

// Strategies, selected by declared file size.
const (
	StrategyInline  Strategy = "inline"
	StrategySingle  Strategy = "single"
	StrategyChunked Strategy = "chunked"
)

// UploadSession is the ephemeral record tracked for the lifetime of one
// upload (spec §3). It lives only in the Session Cache.
type UploadSession struct {
	ID                string            `json:"id"`
	Owner             string            `json:"owner"`
	FileName          string            `json:"file_name"`
	FolderID          string            `json:"folder_id"`
	DeclaredSize      int64             `json:"declared_size"`
	Strategy          Strategy          `json:"strategy"`
	ChunkSize         int64             `json:"chunk_size"`
	ExpectedChunks    int               `json:"expected_chunk_count"`
	Compress          bool              `json:"compress"`
	WrappedFileKey    string            `json:"wrapped_file_key"`
	ReceivedIndices   map[int]bool      `json:"received_indices"`
	ChunkPaths        map[int]string    `json:"chunk_paths"`
	ChunkHashes       map[int]string    `json:"chunk_block_hashes"`
	InlinePayload     string            `json:"inline_payload,omitempty"`
	DirectObjectPath  string            `json:"direct_object_path,omitempty"`
	DirectReceived    bool              `json:"direct_received"`
	StartTime         time.Time         `json:"start_time"`
}

// Progress returns the fraction of expected chunks received, 0-100.
func (s *UploadSession) Progress() float64 {
	if s.ExpectedChunks == 0 {
		return 0
	}
	return 100 * float64(len(s.ReceivedIndices)) / float64(s.ExpectedChunks)
}

// MissingIndices returns the sorted indices not yet received.
func (s *UploadSession) MissingIndices() []int {
	var missing []int
	for i := 0; i < s.ExpectedChunks; i++ {
		if !s.ReceivedIndices[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// IsComplete reports whether every expected chunk index has been received.
func (s *UploadSession) IsComplete() bool {
	return len(s.ReceivedIndices) == s.ExpectedChunks
}

func (s *UploadSession) marshal() ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalSession(data []byte) (*UploadSession, error) {
	var s UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ReceivedIndices == nil {
		s.ReceivedIndices = map[int]bool{}
	}
	if s.ChunkPaths == nil {
		s.ChunkPaths = map[int]string{}
	}
	if s.ChunkHashes == nil {
		s.ChunkHashes = map[int]string{}
	}
	return &s, nil
}

// Store is the interface both the Redis-backed and bbolt-backed
// implementations satisfy, so the upload manager never depends on a
// concrete backend (mirrors the way backend/cache's storage layer swaps
// between storage_memory.go and storage_persistent.go behind one
// interface).
type Store interface {
	// SaveSession upserts a session and (re)sets its TTL.
	SaveSession(ctx context.Context, s *UploadSession, ttl time.Duration) error
	// GetSession loads a session, returning (nil, nil) if expired or absent.
	GetSession(ctx context.Context, id string) (*UploadSession, error)
	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, id string) error
	// PutInline stores a base64 ciphertext payload under an inline key.
	PutInline(ctx context.Context, owner, hash string, payload []byte) error
	// GetInline retrieves a previously stored inline payload.
	GetInline(ctx context.Context, owner, hash string) ([]byte, bool, error)
	// Close releases backend resources.
	Close() error
}

func inlineKey(owner, hash string) string {
	return "inline:" + owner + ":" + hash
}

func sessionKey(id string) string {
	return "session:" + id
}
