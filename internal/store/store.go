// SPDX-License-Identifier: MIT

// Package store persists jobs, scenes and upload sessions in an
// embedded Badger database. Rows are JSON values under typed key
// prefixes:
//   - jobs:    "job:<id>"
//   - owners:  "owner:<owner>:<job id>" (index, value empty)
//   - scenes:  "scene:<job id>:<ordinal %05d>"
//   - uploads: "upload:<id>"
//
// Writes are committed with sync enabled so a status transition is
// durable before the caller proceeds.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a Badger database holding all durable state.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func jobKey(id string) []byte          { return []byte("job:" + id) }
func ownerKey(owner, id string) []byte { return []byte("owner:" + owner + ":" + id) }
func ownerPrefix(owner string) []byte  { return []byte("owner:" + owner + ":") }
func sceneKey(jobID string, ord int) []byte {
	return []byte(fmt.Sprintf("scene:%s:%05d", jobID, ord))
}
func scenePrefix(jobID string) []byte { return []byte("scene:" + jobID + ":") }
func uploadKey(id string) []byte      { return []byte("upload:" + id) }

func (s *Store) put(key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

func (s *Store) get(key []byte, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// PutJob stores a job row and its owner index entry.
func (s *Store) PutJob(ctx context.Context, job *Job) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(jobKey(job.ID), buf); err != nil {
			return err
		}
		return txn.Set(ownerKey(job.Owner, job.ID), nil)
	})
}

// GetJob loads a job row by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := s.get(jobKey(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateJob applies fn to the stored job inside a single transaction
// and returns the updated row. UpdatedAt is bumped on success.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	var out Job
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.UpdatedAt = time.Now().UTC()
		buf, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return txn.Set(jobKey(id), buf)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteJob removes the job row, its owner index entry and all of its
// scene rows in one transaction.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		switch {
		case err == nil:
			var job Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			if err := txn.Delete(ownerKey(job.Owner, job.ID)); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Delete(jobKey(id)); err != nil {
			return err
		}
		it := txn.NewIterator(badger.IteratorOptions{Prefix: scenePrefix(id)})
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListJobs returns the owner's jobs, newest first, paged by limit and
// offset. The owner index keeps the scan proportional to the owner's
// own jobs rather than the whole table.
func (s *Store) ListJobs(ctx context.Context, owner string, limit, offset int) ([]*Job, error) {
	var jobs []*Job
	prefix := ownerPrefix(owner)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get(jobKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Index entry outlived its row; harmless, skip it.
				continue
			}
			if err != nil {
				return err
			}
			var job Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			j := job
			jobs = append(jobs, &j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListUnfinishedJobs returns every job whose status is not terminal,
// regardless of owner. Used for crash recovery at boot.
func (s *Store) ListUnfinishedJobs(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("job:")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			if !job.Status.Terminal() {
				j := job
				jobs = append(jobs, &j)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// PutScenes stores scene rows in bulk inside one transaction. Used
// once planning completes.
func (s *Store) PutScenes(ctx context.Context, scenes []*Scene) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, sc := range scenes {
			buf, err := json.Marshal(sc)
			if err != nil {
				return err
			}
			if err := txn.Set(sceneKey(sc.JobID, sc.Ordinal), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListScenes returns a job's scenes in ordinal order. The zero-padded
// key layout makes iteration order the ordinal order.
func (s *Store) ListScenes(ctx context.Context, jobID string) ([]*Scene, error) {
	var scenes []*Scene
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: scenePrefix(jobID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var sc Scene
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sc)
			}); err != nil {
				return err
			}
			c := sc
			scenes = append(scenes, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scenes, nil
}

// UpdateScene applies fn to the stored scene inside one transaction.
func (s *Store) UpdateScene(ctx context.Context, jobID string, ordinal int, fn func(*Scene) error) (*Scene, error) {
	var out Scene
	err := s.db.Update(func(txn *badger.Txn) error {
		key := sceneKey(jobID, ordinal)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.UpdatedAt = time.Now().UTC()
		buf, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PutUpload stores an upload session row.
func (s *Store) PutUpload(ctx context.Context, u *UploadSession) error {
	return s.put(uploadKey(u.ID), u)
}

// GetUpload loads an upload session by id.
func (s *Store) GetUpload(ctx context.Context, id string) (*UploadSession, error) {
	var out UploadSession
	if err := s.get(uploadKey(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateUpload applies fn to the stored session inside one transaction.
func (s *Store) UpdateUpload(ctx context.Context, id string, fn func(*UploadSession) error) (*UploadSession, error) {
	var out UploadSession
	err := s.db.Update(func(txn *badger.Txn) error {
		key := uploadKey(id)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteUpload removes an upload session row.
func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(uploadKey(id))
	})
}

// ListUploads returns every upload session. Used by the sweeper.
func (s *Store) ListUploads(ctx context.Context) ([]*UploadSession, error) {
	var sessions []*UploadSession
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("upload:")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var u UploadSession
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			}); err != nil {
				return err
			}
			c := u
			sessions = append(sessions, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
