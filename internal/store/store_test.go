// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &Job{
		ID:        "j1",
		Owner:     "alice",
		Kind:      KindVideo,
		Status:    JobPending,
		Topic:     "the water cycle",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutJob(ctx, job))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, JobPending, got.Status)
	require.Equal(t, "alice", got.Owner)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobBumpsUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, &Job{ID: "j1", Owner: "a", Status: JobPending}))
	got, err := s.UpdateJob(ctx, "j1", func(j *Job) error {
		j.Status = JobPlanning
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, JobPlanning, got.Status)
	require.False(t, got.UpdatedAt.IsZero())

	_, err = s.UpdateJob(ctx, "missing", func(j *Job) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScenesOrdinalOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Insert out of order; listing must come back in ordinal order.
	scenes := []*Scene{
		{JobID: "j1", Ordinal: 3, Status: ScenePending},
		{JobID: "j1", Ordinal: 1, Status: ScenePending},
		{JobID: "j1", Ordinal: 2, Status: ScenePending},
		{JobID: "j2", Ordinal: 1, Status: ScenePending},
	}
	require.NoError(t, s.PutScenes(ctx, scenes))

	got, err := s.ListScenes(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, sc := range got {
		require.Equal(t, i+1, sc.Ordinal)
	}
}

func TestUpdateScene(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutScenes(ctx, []*Scene{{JobID: "j1", Ordinal: 1, Status: ScenePending}}))
	got, err := s.UpdateScene(ctx, "j1", 1, func(sc *Scene) error {
		sc.Status = SceneGeneratingImage
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, SceneGeneratingImage, got.Status)

	_, err = s.UpdateScene(ctx, "j1", 9, func(sc *Scene) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteJobCascadesScenes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, &Job{ID: "j1", Owner: "a", Status: JobComplete}))
	require.NoError(t, s.PutScenes(ctx, []*Scene{
		{JobID: "j1", Ordinal: 1},
		{JobID: "j1", Ordinal: 2},
	}))

	require.NoError(t, s.DeleteJob(ctx, "j1"))

	_, err := s.GetJob(ctx, "j1")
	require.ErrorIs(t, err, ErrNotFound)
	scenes, err := s.ListScenes(ctx, "j1")
	require.NoError(t, err)
	require.Empty(t, scenes)
}

func TestListJobsPagedNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.PutJob(ctx, &Job{
			ID:        string(rune('a' + i)),
			Owner:     "alice",
			Status:    JobComplete,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.PutJob(ctx, &Job{ID: "x", Owner: "bob", CreatedAt: base}))

	jobs, err := s.ListJobs(ctx, "alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "e", jobs[0].ID)
	require.Equal(t, "d", jobs[1].ID)

	jobs, err = s.ListJobs(ctx, "alice", 2, 4)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "a", jobs[0].ID)

	jobs, err = s.ListJobs(ctx, "alice", 0, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestOwnerIndexFollowsJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, &Job{ID: "j1", Owner: "alice", Status: JobPending, CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.PutJob(ctx, &Job{ID: "j2", Owner: "bob", Status: JobPending, CreatedAt: time.Now().UTC()}))

	jobs, err := s.ListJobs(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "j1", jobs[0].ID)

	// Deleting the job must drop its index entry too, or the id would
	// resurface on the next list.
	require.NoError(t, s.DeleteJob(ctx, "j1"))
	jobs, err = s.ListJobs(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Empty(t, jobs)

	err = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(ownerKey("alice", "j1"))
		return err
	})
	require.ErrorIs(t, err, badger.ErrKeyNotFound)

	jobs, err = s.ListJobs(ctx, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestListUnfinishedJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, &Job{ID: "done", Owner: "a", Status: JobComplete}))
	require.NoError(t, s.PutJob(ctx, &Job{ID: "mid", Owner: "a", Status: JobGenerating}))
	require.NoError(t, s.PutJob(ctx, &Job{ID: "new", Owner: "b", Status: JobPending}))

	jobs, err := s.ListUnfinishedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestUploadSessionHelpers(t *testing.T) {
	u := &UploadSession{TotalSize: 120, ChunkSize: 50, Received: map[int]bool{0: true, 2: true}}
	require.Equal(t, 3, u.ChunkCount())
	require.Equal(t, []int{1}, u.MissingChunks())
	require.EqualValues(t, 50, u.ExpectedChunkLen(0))
	require.EqualValues(t, 50, u.ExpectedChunkLen(1))
	require.EqualValues(t, 20, u.ExpectedChunkLen(2))
}

func TestUploadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &UploadSession{
		ID: "u1", Owner: "alice", Filename: "talk.mp4",
		ContentType: "video/mp4", TotalSize: 100, ChunkSize: 40,
		Received: map[int]bool{}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutUpload(ctx, u))

	_, err := s.UpdateUpload(ctx, "u1", func(u *UploadSession) error {
		u.Received[1] = true
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetUpload(ctx, "u1")
	require.NoError(t, err)
	require.True(t, got.Received[1])

	all, err := s.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteUpload(ctx, "u1"))
	_, err = s.GetUpload(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)
}
