// SPDX-License-Identifier: MIT

package upload

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/config"
	"github.com/davidgeorgehope/vibecaster/internal/store"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Settings{
		DataDir:       dir,
		ChunkSize:     16,
		MaxUploadSize: 1 << 20,
		UploadTTL:     30 * time.Minute,
		AllowedTypes:  []string{"video/mp4", "text/plain"},
	}
	return NewManager(st, cfg)
}

// payload returns n deterministic bytes.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func chunkOf(data []byte, size int64, index int) []byte {
	start := int64(index) * size
	end := start + size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end]
}

func TestUploadAssemblesInOrder(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	data := payload(40) // 3 chunks of 16/16/8

	sess, err := m.Init(ctx, "alice", "clip.mp4", "video/mp4", int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, 3, sess.ChunkCount())

	// Out of order, with a duplicate retransmission of chunk 1.
	for _, i := range []int{2, 0, 1, 1} {
		require.NoError(t, m.PutChunk(ctx, "alice", sess.ID, i, bytes.NewReader(chunkOf(data, sess.ChunkSize, i))))
	}

	done, err := m.Complete(ctx, "alice", sess.ID)
	require.NoError(t, err)
	require.True(t, done.Complete)

	got, err := os.ReadFile(done.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// Chunk dir is gone after assembly.
	_, err = os.Stat(m.chunkDir(sess.ID))
	require.True(t, os.IsNotExist(err))
}

func TestCompleteIsIdempotent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	data := payload(16)

	sess, err := m.Init(ctx, "alice", "a.txt", "text/plain", int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, m.PutChunk(ctx, "alice", sess.ID, 0, bytes.NewReader(data)))

	first, err := m.Complete(ctx, "alice", sess.ID)
	require.NoError(t, err)
	second, err := m.Complete(ctx, "alice", sess.ID)
	require.NoError(t, err)
	require.Equal(t, first.ArtifactPath, second.ArtifactPath)
}

func TestCompleteReportsMissingChunks(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	data := payload(40)

	sess, err := m.Init(ctx, "alice", "a.mp4", "video/mp4", int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, m.PutChunk(ctx, "alice", sess.ID, 1, bytes.NewReader(chunkOf(data, sess.ChunkSize, 1))))

	_, err = m.Complete(ctx, "alice", sess.ID)
	var inc *IncompleteError
	require.ErrorAs(t, err, &inc)
	require.Equal(t, []int{0, 2}, inc.Missing)
}

func TestPutChunkLengthValidation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, "alice", "a.mp4", "video/mp4", 40)
	require.NoError(t, err)

	var cerr *ChunkError

	// Interior chunk must be exactly ChunkSize.
	err = m.PutChunk(ctx, "alice", sess.ID, 0, bytes.NewReader(payload(10)))
	require.ErrorAs(t, err, &cerr)

	// Last chunk must be exactly the remainder (8), not ChunkSize.
	err = m.PutChunk(ctx, "alice", sess.ID, 2, bytes.NewReader(payload(16)))
	require.ErrorAs(t, err, &cerr)

	// Index outside [0, ChunkCount).
	err = m.PutChunk(ctx, "alice", sess.ID, 3, bytes.NewReader(payload(8)))
	require.ErrorAs(t, err, &cerr)

	err = m.PutChunk(ctx, "alice", sess.ID, -1, bytes.NewReader(payload(8)))
	require.ErrorAs(t, err, &cerr)
}

func TestRejectedChunkDoesNotClobberAcceptedOne(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	data := payload(16)

	sess, err := m.Init(ctx, "alice", "a.txt", "text/plain", int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, m.PutChunk(ctx, "alice", sess.ID, 0, bytes.NewReader(data)))

	// A short retransmission fails and must leave the good bytes alone.
	require.Error(t, m.PutChunk(ctx, "alice", sess.ID, 0, bytes.NewReader(payload(5))))

	done, err := m.Complete(ctx, "alice", sess.ID)
	require.NoError(t, err)
	got, err := os.ReadFile(done.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestInitValidation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Init(ctx, "alice", "big.mp4", "video/mp4", 2<<20)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = m.Init(ctx, "alice", "evil.exe", "application/x-msdownload", 16)
	require.ErrorIs(t, err, ErrTypeNotAllowed)

	_, err = m.Init(ctx, "alice", "a.mp4", "video/mp4", 0)
	require.Error(t, err)
}

func TestContentTypeParametersIgnored(t *testing.T) {
	m := testManager(t)
	_, err := m.Init(context.Background(), "alice", "a.txt", "text/plain; charset=utf-8", 16)
	require.NoError(t, err)
}

func TestForeignOwnerSeesNotFound(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, "alice", "a.mp4", "video/mp4", 16)
	require.NoError(t, err)

	err = m.PutChunk(ctx, "bob", sess.ID, 0, bytes.NewReader(payload(16)))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Complete(ctx, "bob", sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, "bob", sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChunkAfterCompleteRejected(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	data := payload(16)

	sess, err := m.Init(ctx, "alice", "a.txt", "text/plain", int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, m.PutChunk(ctx, "alice", sess.ID, 0, bytes.NewReader(data)))
	_, err = m.Complete(ctx, "alice", sess.ID)
	require.NoError(t, err)

	err = m.PutChunk(ctx, "alice", sess.ID, 0, bytes.NewReader(data))
	require.ErrorIs(t, err, ErrSessionComplete)
}

func TestExpiredSessionUnreachable(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, "alice", "a.mp4", "video/mp4", 16)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	err = m.PutChunk(ctx, "alice", sess.ID, 0, bytes.NewReader(payload(16)))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Complete(ctx, "alice", sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpiredPurgesChunksAndRow(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	stale, err := m.Init(ctx, "alice", "old.mp4", "video/mp4", 16)
	require.NoError(t, err)
	require.NoError(t, m.PutChunk(ctx, "alice", stale.ID, 0, bytes.NewReader(payload(16))))

	fresh, err := m.Init(ctx, "alice", "new.mp4", "video/mp4", 16)
	require.NoError(t, err)

	done, err := m.Init(ctx, "alice", "done.txt", "text/plain", 16)
	require.NoError(t, err)
	require.NoError(t, m.PutChunk(ctx, "alice", done.ID, 0, bytes.NewReader(payload(16))))
	_, err = m.Complete(ctx, "alice", done.ID)
	require.NoError(t, err)

	base := time.Now()
	m.now = func() time.Time { return base.Add(31 * time.Minute) }
	// Keep fresh alive by re-creating it under the shifted clock.
	fresh2, err := m.Init(ctx, "alice", "new2.mp4", "video/mp4", 16)
	require.NoError(t, err)
	_ = fresh

	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n) // stale and the original fresh, both past TTL

	_, err = m.Get(ctx, "alice", stale.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(m.chunkDir(stale.ID))
	require.True(t, os.IsNotExist(err))

	// Completed session survives the sweep; its artifact stays usable.
	kept, err := m.Get(ctx, "alice", done.ID)
	require.NoError(t, err)
	require.True(t, kept.Complete)

	// The session created after the clock shift is untouched.
	_, err = m.Get(ctx, "alice", fresh2.ID)
	require.NoError(t, err)
}

func TestResolveRequiresComplete(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, "alice", "a.txt", "text/plain", 16)
	require.NoError(t, err)

	_, err = m.Resolve(ctx, "alice", sess.ID)
	require.Error(t, err)

	require.NoError(t, m.PutChunk(ctx, "alice", sess.ID, 0, bytes.NewReader(payload(16))))
	_, err = m.Complete(ctx, "alice", sess.ID)
	require.NoError(t, err)

	got, err := m.Resolve(ctx, "alice", sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.ArtifactPath)
}
