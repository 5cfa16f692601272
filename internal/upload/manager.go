// Package upload implements the Upload Session Manager (spec §4.1): session
// init, chunk/direct acceptance, and completion, the component that ties
// together the encryption envelope, the CAS deduplicator, the metadata
// store, the session cache and the worker pool.
package upload

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/config"
	"github.com/strongboxhq/strongbox/internal/metadata"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
	"github.com/strongboxhq/strongbox/internal/versioning"
	"github.com/strongboxhq/strongbox/internal/workerpool"
)

// Manager coordinates a single upload's lifecycle from init() through
// complete(). It holds no per-session state itself: everything in flight
// lives in the Session Cache, so a process restart loses only uploads that
// have not yet called complete().
type Manager struct {
	Config     *config.Config
	Metadata   *metadata.Store
	Sessions   sessioncache.Store
	CAS        *cas.Store
	Dedup      *cas.Deduplicator
	Versioning *versioning.Manager
	Pool       *workerpool.Pool

	// StagingDir holds not-yet-durable chunk/direct payloads received
	// mid-session, keyed by session id. It is scratch space: nothing here
	// is assumed to survive a restart, and complete() always cleans up
	// after itself.
	StagingDir string
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*sessioncache.UploadSession, error) {
	s, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperror.New(apperror.NotFound, "upload session %s not found or expired", sessionID)
	}
	return s, nil
}

func (m *Manager) saveSession(ctx context.Context, s *sessioncache.UploadSession) error {
	return m.Sessions.SaveSession(ctx, s, m.Config.SessionTTL)
}

// Status returns a session's current progress, for the resume endpoint
// (spec §6 /upload/resume/{sid}).
func (m *Manager) Status(ctx context.Context, sessionID string) (*sessioncache.UploadSession, error) {
	return m.loadSession(ctx, sessionID)
}

// Abort discards an in-progress session and its staged bytes. Nothing was
// ever deducted from the user's quota (ReserveQuota at init time only
// checks, it does not reserve), so there is nothing to release.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m.cleanupStaging(session.ID)
	return m.Sessions.DeleteSession(ctx, sessionID)
}

func (m *Manager) sessionStagingDir(sessionID string) string {
	return filepath.Join(m.StagingDir, sessionID)
}

func stagingChunkPath(dir, sessionID string, index int) string {
	return filepath.Join(dir, sessionID, strconv.Itoa(index)+".chunk")
}

func stagingDirectPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID, "direct.payload")
}

func (m *Manager) cleanupStaging(sessionID string) {
	_ = os.RemoveAll(m.sessionStagingDir(sessionID))
}

// writeSingleObject persists a sealed single-object payload under the
// configured objects root, sharded by owner, and returns its path.
func (m *Manager) writeSingleObject(owner, id string, sealed []byte) (string, error) {
	dir := filepath.Join(m.Config.ObjectsRoot, owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperror.Wrap(apperror.StorageIO, err, "creating objects directory for owner %s", owner)
	}
	path := filepath.Join(dir, id+".obj")
	if err := os.WriteFile(path, sealed, 0o644); err != nil {
		return "", apperror.Wrap(apperror.StorageIO, err, "writing single object %s", path)
	}
	return path, nil
}
