// SPDX-License-Identifier: MIT

// Package upload implements resumable chunked uploads. A session is
// created with a declared size, chunks arrive in any order and may be
// retransmitted, and completion assembles the artifact atomically.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/config"
	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/davidgeorgehope/vibecaster/internal/metrics"
	"github.com/davidgeorgehope/vibecaster/internal/store"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// ErrNotFound covers unknown, expired, and foreign-owner sessions. The
// API layer maps all three to 404 so session ids leak nothing.
var ErrNotFound = errors.New("upload session not found")

// ErrSessionComplete rejects chunk writes after completion.
var ErrSessionComplete = errors.New("upload session already complete")

// ErrTooLarge rejects sessions whose declared size exceeds the cap.
var ErrTooLarge = errors.New("upload exceeds maximum size")

// ErrTypeNotAllowed rejects content types outside the allowlist.
var ErrTypeNotAllowed = errors.New("content type not allowed")

// ChunkError reports an invalid chunk index or length.
type ChunkError struct {
	Index int
	Msg   string
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %s", e.Index, e.Msg)
}

// IncompleteError names the chunks still outstanding at completion.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete, %d chunks missing", len(e.Missing))
}

// Manager owns upload sessions: metadata in the store, chunk bytes on
// disk under dataDir/uploads/<id>, assembled artifacts under
// dataDir/artifacts.
type Manager struct {
	store *store.Store
	cfg   config.Settings
	locks *keyedMutex
	now   func() time.Time
}

// NewManager builds a Manager rooted at cfg.DataDir.
func NewManager(st *store.Store, cfg config.Settings) *Manager {
	return &Manager{
		store: st,
		cfg:   cfg,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

func (m *Manager) chunkDir(id string) string {
	return filepath.Join(m.cfg.DataDir, "uploads", id)
}

func (m *Manager) chunkPath(id string, index int) string {
	return filepath.Join(m.chunkDir(id), fmt.Sprintf("%06d.part", index))
}

func (m *Manager) artifactPath(id, filename string) string {
	ext := filepath.Ext(filepath.Base(filename))
	return filepath.Join(m.cfg.DataDir, "artifacts", id+ext)
}

func (m *Manager) expired(u *store.UploadSession) bool {
	return m.now().Sub(u.CreatedAt) > m.cfg.UploadTTL
}

func (m *Manager) typeAllowed(contentType string) bool {
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(strings.ToLower(base))
	for _, t := range m.cfg.AllowedTypes {
		if base == t {
			return true
		}
	}
	return false
}

// Init creates a new session and returns it. The chunk size is fixed
// at session creation; the last chunk is the remainder.
func (m *Manager) Init(ctx context.Context, owner, filename, contentType string, totalSize int64) (*store.UploadSession, error) {
	logger := log.WithComponentFromContext(ctx, "upload")

	if totalSize <= 0 {
		return nil, &ChunkError{Index: -1, Msg: "total size must be positive"}
	}
	if totalSize > m.cfg.MaxUploadSize {
		return nil, fmt.Errorf("%d bytes: %w", totalSize, ErrTooLarge)
	}
	if !m.typeAllowed(contentType) {
		return nil, fmt.Errorf("%q: %w", contentType, ErrTypeNotAllowed)
	}
	if filename == "" {
		filename = "upload.bin"
	}

	sess := &store.UploadSession{
		ID:          uuid.NewString(),
		Owner:       owner,
		Filename:    filepath.Base(filename),
		ContentType: contentType,
		TotalSize:   totalSize,
		ChunkSize:   m.cfg.ChunkSize,
		Received:    make(map[int]bool),
		CreatedAt:   m.now().UTC(),
	}
	if err := os.MkdirAll(m.chunkDir(sess.ID), 0o750); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	if err := m.store.PutUpload(ctx, sess); err != nil {
		return nil, err
	}

	logger.Info().
		Str("event", "upload.created").
		Str("upload_id", sess.ID).
		Str("content_type", contentType).
		Int64("total_size", totalSize).
		Int("chunks", sess.ChunkCount()).
		Msg("upload session created")
	return sess, nil
}

// getOwned loads a live session for owner. Unknown, foreign, and
// expired sessions all come back as ErrNotFound.
func (m *Manager) getOwned(ctx context.Context, owner, id string) (*store.UploadSession, error) {
	sess, err := m.store.GetUpload(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.Owner != owner {
		return nil, ErrNotFound
	}
	if m.expired(sess) && !sess.Complete {
		return nil, ErrNotFound
	}
	return sess, nil
}

// PutChunk stores one chunk. Chunks may arrive in any order and may be
// written more than once; a rewrite replaces the previous bytes whole.
func (m *Manager) PutChunk(ctx context.Context, owner, id string, index int, r io.Reader) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	sess, err := m.getOwned(ctx, owner, id)
	if err != nil {
		return err
	}
	if sess.Complete {
		return ErrSessionComplete
	}
	if index < 0 || index >= sess.ChunkCount() {
		return &ChunkError{Index: index, Msg: fmt.Sprintf("index out of range [0,%d)", sess.ChunkCount())}
	}

	want := sess.ExpectedChunkLen(index)

	// Write to a temp file first so a torn or short body never
	// replaces a previously accepted chunk.
	dir := m.chunkDir(id)
	tmp, err := os.CreateTemp(dir, "chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("create chunk temp: %w", err)
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, io.LimitReader(r, want+1))
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr != nil {
			return fmt.Errorf("write chunk: %w", copyErr)
		}
		return fmt.Errorf("write chunk: %w", closeErr)
	}
	if n != want {
		_ = os.Remove(tmpName)
		return &ChunkError{Index: index, Msg: fmt.Sprintf("expected %d bytes, got %d", want, n)}
	}
	if err := os.Rename(tmpName, m.chunkPath(id, index)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store chunk: %w", err)
	}

	if _, err := m.store.UpdateUpload(ctx, id, func(u *store.UploadSession) error {
		if u.Received == nil {
			u.Received = make(map[int]bool)
		}
		u.Received[index] = true
		return nil
	}); err != nil {
		return err
	}
	metrics.UploadBytesTotal.Add(float64(n))

	logger := log.WithComponentFromContext(ctx, "upload")
	logger.Debug().
		Str("event", "upload.chunk").
		Str("upload_id", id).
		Int("index", index).
		Int64("bytes", n).
		Msg("chunk stored")
	return nil
}

// Complete assembles the artifact from all chunks in index order. The
// assembled file appears atomically. Completing an already complete
// session returns the existing session unchanged.
func (m *Manager) Complete(ctx context.Context, owner, id string) (*store.UploadSession, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	sess, err := m.getOwned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if sess.Complete {
		return sess, nil
	}
	if missing := sess.MissingChunks(); len(missing) > 0 {
		return nil, &IncompleteError{Missing: missing}
	}

	outPath := m.artifactPath(id, sess.Filename)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(outPath, renameio.WithPermissions(0o640))
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck // no-op after CloseAtomicallyReplace

	for i := 0; i < sess.ChunkCount(); i++ {
		chunk, err := os.Open(m.chunkPath(id, i))
		if err != nil {
			return nil, fmt.Errorf("open chunk %d: %w", i, err)
		}
		_, cErr := io.Copy(pending, chunk)
		chunk.Close()
		if cErr != nil {
			return nil, fmt.Errorf("assemble chunk %d: %w", i, cErr)
		}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("finalize artifact: %w", err)
	}

	sess, err = m.store.UpdateUpload(ctx, id, func(u *store.UploadSession) error {
		u.Complete = true
		u.ArtifactPath = outPath
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithComponentFromContext(ctx, "upload")
	if err := os.RemoveAll(m.chunkDir(id)); err != nil {
		logger.Warn().
			Err(err).
			Str("upload_id", id).
			Msg("remove chunk dir after completion")
	}

	logger.Info().
		Str("event", "upload.complete").
		Str("upload_id", id).
		Str("artifact", outPath).
		Msg("upload assembled")
	return sess, nil
}

// Get returns the session for status queries.
func (m *Manager) Get(ctx context.Context, owner, id string) (*store.UploadSession, error) {
	return m.getOwned(ctx, owner, id)
}

// Resolve returns a completed session by artifact reference, for job
// creation. Incomplete sessions do not resolve.
func (m *Manager) Resolve(ctx context.Context, owner, id string) (*store.UploadSession, error) {
	sess, err := m.getOwned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !sess.Complete {
		return nil, fmt.Errorf("upload %s: %w", id, &IncompleteError{Missing: sess.MissingChunks()})
	}
	return sess, nil
}
