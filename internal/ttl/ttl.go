// Package ttl ages out expired records on an hourly cadence.
//
// Each sweep runs four purges in one transaction: soft-archive memories past
// their ttl_days, hard-delete rows archived more than thirty days ago, drop
// finished staging jobs past retention, and evict expired context entries.
// The first three can remove profile content, so any hit there forces a
// primer rebuild; an expired context entry never does.
package ttl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/storage"
)

const defaultInterval = time.Hour

// PrimerRefresher regenerates the system primer after the sweep removed
// memory rows.
type PrimerRefresher interface {
	Refresh(ctx context.Context, profileChanged bool) error
}

// Daemon owns the periodic aging sweep.
type Daemon struct {
	store         storage.Storage
	primer        PrimerRefresher
	retentionDays int
	interval      time.Duration
	log           *zap.Logger
}

// Options tunes the sweep cadence. Zero values use the defaults.
type Options struct {
	// Interval between sweeps. The first sweep runs one interval after
	// start, not immediately.
	Interval time.Duration

	// StagingRetentionDays controls how long finished ingestion jobs are
	// kept for inspection.
	StagingRetentionDays int
}

// New creates a Daemon.
func New(store storage.Storage, primer PrimerRefresher, opts Options, log *zap.Logger) *Daemon {
	if log == nil {
		log = zap.NewNop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Daemon{
		store:         store,
		primer:        primer,
		retentionDays: opts.StagingRetentionDays,
		interval:      interval,
		log:           log,
	}
}

// Run sweeps once per interval until ctx is cancelled. Sweep failures are
// logged and the next tick proceeds normally.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("ttl daemon started", zap.Duration("interval", d.interval))
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.log.Error("ttl sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one aging pass immediately. It is safe to call outside Run;
// the admin flush operation reuses it.
func (d *Daemon) Sweep(ctx context.Context) error {
	var archived, deleted, staging, contexts int64

	err := d.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		now := time.Now().UTC()
		var err error
		if archived, err = tx.ArchiveExpiredTTL(ctx, now); err != nil {
			return fmt.Errorf("archive expired memories: %w", err)
		}
		if deleted, err = tx.HardDeleteArchived(ctx); err != nil {
			return fmt.Errorf("hard-delete archived memories: %w", err)
		}
		if staging, err = tx.PurgeStaging(ctx, d.retentionDays); err != nil {
			return fmt.Errorf("purge staging: %w", err)
		}
		if contexts, err = tx.PurgeExpiredContext(ctx); err != nil {
			return fmt.Errorf("purge expired context: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if contexts > 0 {
		d.log.Info("purged expired context entries", zap.Int64("count", contexts))
	}
	if archived == 0 && deleted == 0 && staging == 0 {
		return nil
	}

	d.log.Info("aging sweep removed records",
		zap.Int64("archived", archived),
		zap.Int64("hard_deleted", deleted),
		zap.Int64("staging_purged", staging))

	// Aged-out rows may have carried profile content; the primer must not
	// keep describing them.
	if err := d.primer.Refresh(ctx, true); err != nil {
		return fmt.Errorf("refresh primer after sweep: %w", err)
	}
	return nil
}
