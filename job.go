package main

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/yarkm13/skiff/internal/logging"
	"github.com/yarkm13/skiff/internal/store"
	"github.com/yarkm13/skiff/internal/transfer"
)

// autosaveInterval is how often running transfers are snapshotted.
const autosaveInterval = 2 * time.Second

// job holds the transfers of one invocation and keeps their snapshots in
// the store, so an interrupted run can be resumed with -job.
type job struct {
	store store.Store

	mu        sync.Mutex
	transfers []*transfer.Transfer
}

func newJob(st store.Store) *job {
	return &job{store: st}
}

func (j *job) add(t *transfer.Transfer) {
	j.mu.Lock()
	j.transfers = append(j.transfers, t)
	j.mu.Unlock()
}

func (j *job) snapshot() []*transfer.Transfer {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*transfer.Transfer(nil), j.transfers...)
}

// save stores the snapshot of every transfer that is running or waiting
// for a slot.
func (j *job) save(ctx context.Context) error {
	var result *multierror.Error
	for _, t := range j.snapshot() {
		if !t.IsRunning() && !t.IsQueued() {
			continue
		}
		if err := j.store.Save(ctx, t.Snapshot()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// finish records the outcome of t. A transfer that ended without failures
// is dropped from the store; anything else stays resumable.
func (j *job) finish(ctx context.Context, t *transfer.Transfer, runErr error) error {
	if runErr == nil {
		return j.store.Delete(ctx, t.ID())
	}
	return j.store.Save(ctx, t.Snapshot())
}

// autosave saves the job every interval until ctx is done.
func (j *job) autosave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.save(ctx); err != nil {
				logging.Warn("autosave failed", logging.Err(err))
			}
		}
	}
}
