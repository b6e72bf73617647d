package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/domain"
)

// StateSource reads a consistent view of both boards
type StateSource interface {
	BoardState(ctx context.Context) domain.BoardState
}

// Mirror stores a copy of the board state for readers outside the process
type Mirror interface {
	Sync(ctx context.Context, state domain.BoardState) error
}

// Broadcaster pushes board snapshots to live subscribers
type Broadcaster interface {
	BroadcastLeaderboardUpdate(board domain.Board, version uint64, entries []domain.RankedEntry, totalPlayers int)
}

// SyncWorker periodically mirrors the boards and refreshes subscribers
type SyncWorker struct {
	source         StateSource
	mirror         Mirror
	hub            Broadcaster
	config         *config.SyncConfig
	broadcastLimit int
	logger         *slog.Logger
	stopCh         chan struct{}
	doneCh         chan struct{}
	mu             sync.Mutex
	running        bool
	lastSync       time.Time
	failures       int
}

// NewSyncWorker creates a new sync worker. mirror and hub may be nil.
func NewSyncWorker(
	source StateSource,
	mirror Mirror,
	hub Broadcaster,
	cfg *config.SyncConfig,
	broadcastLimit int,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		source:         source,
		mirror:         mirror,
		hub:            hub,
		config:         cfg,
		broadcastLimit: broadcastLimit,
		logger:         logger,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	// Mirror right away so readers do not wait a full interval after startup
	w.syncAll(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.syncAll(ctx)
		}
	}
}

// syncAll mirrors the current state and rebroadcasts the board heads
func (w *SyncWorker) syncAll(ctx context.Context) {
	startTime := time.Now()
	state := w.source.BoardState(ctx)

	if w.mirror != nil {
		if err := w.mirror.Sync(ctx, state); err != nil {
			w.mu.Lock()
			w.failures++
			failures := w.failures
			w.mu.Unlock()
			w.logger.Error("failed to mirror boards",
				"error", err,
				"consecutive_failures", failures,
			)
		} else {
			w.mu.Lock()
			w.failures = 0
			w.lastSync = time.Now()
			w.mu.Unlock()
		}
	}

	if w.hub != nil {
		for _, board := range domain.Boards {
			entries := state.Entries(board)
			if w.broadcastLimit > 0 && len(entries) > w.broadcastLimit {
				entries = entries[:w.broadcastLimit]
			}
			w.hub.BroadcastLeaderboardUpdate(board, state.Version, entries, state.Overview.TotalPlayers)
		}
	}

	w.logger.Debug("sync cycle completed",
		"duration", time.Since(startTime),
		"weekly_entries", len(state.Weekly),
		"all_time_entries", len(state.AllTime),
		"epoch", state.Overview.Epoch,
		"week_ended", state.Overview.IsWeekEnded,
	)
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// LastSync returns when the mirror last succeeded
func (w *SyncWorker) LastSync() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSync
}

// RunOnce runs a single sync cycle (useful for manual triggers)
func (w *SyncWorker) RunOnce(ctx context.Context) {
	w.syncAll(ctx)
}
