package ttl_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/ttl"
)

// sweepTx scripts the four purge counts for one sweep.
type sweepTx struct {
	storage.Transaction
	archived, deleted, staging, contexts int64
	retentionDays                        int
	err                                  error
}

func (tx *sweepTx) ArchiveExpiredTTL(ctx context.Context, at time.Time) (int64, error) {
	return tx.archived, tx.err
}

func (tx *sweepTx) HardDeleteArchived(ctx context.Context) (int64, error) {
	return tx.deleted, nil
}

func (tx *sweepTx) PurgeStaging(ctx context.Context, retentionDays int) (int64, error) {
	tx.retentionDays = retentionDays
	return tx.staging, nil
}

func (tx *sweepTx) PurgeExpiredContext(ctx context.Context) (int64, error) {
	return tx.contexts, nil
}

type sweepStore struct {
	storage.Storage
	mu     sync.Mutex
	tx     *sweepTx
	sweeps int
}

func (s *sweepStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()
	return fn(s.tx)
}

func (s *sweepStore) sweepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

type recordingPrimer struct {
	mu        sync.Mutex
	refreshes []bool
	err       error
}

func (p *recordingPrimer) Refresh(ctx context.Context, profileChanged bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes = append(p.refreshes, profileChanged)
	return p.err
}

func (p *recordingPrimer) calls() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.refreshes...)
}

func TestSweepRefreshesPrimerWhenRecordsAge(t *testing.T) {
	tests := []struct {
		name        string
		tx          sweepTx
		wantRefresh bool
	}{
		{
			name:        "nothing expired",
			tx:          sweepTx{},
			wantRefresh: false,
		},
		{
			name:        "archived memories",
			tx:          sweepTx{archived: 3},
			wantRefresh: true,
		},
		{
			name:        "hard deletions only",
			tx:          sweepTx{deleted: 1},
			wantRefresh: true,
		},
		{
			name:        "staging purge only",
			tx:          sweepTx{staging: 12},
			wantRefresh: true,
		},
		{
			name:        "context entries never trigger a rebuild",
			tx:          sweepTx{contexts: 9},
			wantRefresh: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &sweepStore{tx: &tt.tx}
			primer := &recordingPrimer{}
			d := ttl.New(store, primer, ttl.Options{StagingRetentionDays: 7}, zap.NewNop())

			require.NoError(t, d.Sweep(context.Background()))

			if tt.wantRefresh {
				assert.Equal(t, []bool{true}, primer.calls())
			} else {
				assert.Empty(t, primer.calls())
			}
			assert.Equal(t, 7, tt.tx.retentionDays)
		})
	}
}

func TestSweepPropagatesErrors(t *testing.T) {
	store := &sweepStore{tx: &sweepTx{err: errors.New("disk on fire")}}
	primer := &recordingPrimer{}
	d := ttl.New(store, primer, ttl.Options{}, zap.NewNop())

	err := d.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive expired memories")
	assert.Empty(t, primer.calls())
}

func TestSweepPropagatesPrimerFailure(t *testing.T) {
	store := &sweepStore{tx: &sweepTx{archived: 1}}
	primer := &recordingPrimer{err: errors.New("model offline")}
	d := ttl.New(store, primer, ttl.Options{}, zap.NewNop())

	err := d.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh primer after sweep")
}

func TestRunSweepsOnInterval(t *testing.T) {
	store := &sweepStore{tx: &sweepTx{}}
	d := ttl.New(store, &recordingPrimer{}, ttl.Options{Interval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.sweepCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
	assert.GreaterOrEqual(t, store.sweepCount(), 2)
}
