// SPDX-License-Identifier: MIT

package upload

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/davidgeorgehope/vibecaster/internal/metrics"
	"github.com/davidgeorgehope/vibecaster/internal/store"
)

// Sweeper purges incomplete upload sessions whose TTL has elapsed.
type Sweeper struct {
	mgr      *Manager
	interval time.Duration
}

// NewSweeper builds a sweeper that runs every interval.
func NewSweeper(mgr *Manager, interval time.Duration) *Sweeper {
	return &Sweeper{mgr: mgr, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled. One sweep runs
// immediately on start so a restart does not defer cleanup by a full
// interval.
func (s *Sweeper) Run(ctx context.Context) {
	logger := log.WithComponent("sweeper")
	logger.Info().
		Str("event", "sweeper.start").
		Dur("interval", s.interval).
		Msg("upload sweeper running")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.mgr.SweepExpired(ctx); err != nil {
			logger.Error().Err(err).Str("event", "sweeper.error").Msg("sweep failed")
		} else if n > 0 {
			logger.Info().Str("event", "sweeper.swept").Int("sessions", n).Msg("expired uploads purged")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepExpired deletes every incomplete session past its TTL, chunks
// and metadata both. It takes each session's lock, so a completion in
// flight either finishes first or observes the session gone.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	sessions, err := m.store.ListUploads(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sess := range sessions {
		if sess.Complete || !m.expired(sess) {
			continue
		}
		if err := m.sweepOne(ctx, sess.ID); err != nil {
			return swept, err
		}
		swept++
		metrics.UploadsSweptTotal.Inc()
	}
	return swept, nil
}

func (m *Manager) sweepOne(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	// Re-read under the lock: a concurrent Complete may have finished
	// while we waited.
	sess, err := m.store.GetUpload(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Complete || !m.expired(sess) {
		return nil
	}

	if err := os.RemoveAll(m.chunkDir(id)); err != nil {
		return err
	}
	return m.store.DeleteUpload(ctx, id)
}
