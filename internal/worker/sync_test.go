package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/domain"
)

type staticSource struct {
	state domain.BoardState
}

func (s staticSource) BoardState(ctx context.Context) domain.BoardState {
	return s.state
}

type fakeMirror struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *fakeMirror) Sync(ctx context.Context, state domain.BoardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *fakeMirror) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeHub struct {
	mu      sync.Mutex
	updates map[domain.Board]int
	total   int
}

func (h *fakeHub) BroadcastLeaderboardUpdate(board domain.Board, version uint64, entries []domain.RankedEntry, totalPlayers int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updates == nil {
		h.updates = make(map[domain.Board]int)
	}
	h.updates[board] = len(entries)
	h.total = totalPlayers
}

func sampleState(n int) domain.BoardState {
	entries := make([]domain.ScoreEntry, n)
	for i := range entries {
		entries[i] = domain.ScoreEntry{Score: uint64(100 - i), GameType: domain.DefaultGameType}
	}
	return domain.BoardState{
		Weekly:   domain.WithRanks(entries[:n/2]),
		AllTime:  domain.WithRanks(entries),
		Overview: domain.Overview{TotalPlayers: n, Epoch: 3},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnceMirrorsAndBroadcasts(t *testing.T) {
	mirror := &fakeMirror{}
	hub := &fakeHub{}
	w := NewSyncWorker(staticSource{sampleState(20)}, mirror, hub, &config.SyncConfig{Interval: time.Hour}, 5, discard())

	w.RunOnce(context.Background())

	assert.Equal(t, 1, mirror.Calls())
	assert.False(t, w.LastSync().IsZero())
	assert.Equal(t, 5, hub.updates[domain.BoardWeekly])
	assert.Equal(t, 5, hub.updates[domain.BoardAllTime])
	assert.Equal(t, 20, hub.total)
}

func TestMirrorFailureKeepsBroadcasting(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("redis down")}
	hub := &fakeHub{}
	w := NewSyncWorker(staticSource{sampleState(4)}, mirror, hub, &config.SyncConfig{Interval: time.Hour}, 10, discard())

	w.RunOnce(context.Background())
	w.RunOnce(context.Background())

	assert.True(t, w.LastSync().IsZero())
	assert.Equal(t, 2, w.failures)
	assert.Equal(t, 2, hub.updates[domain.BoardWeekly])
	assert.Equal(t, 4, hub.updates[domain.BoardAllTime])
}

func TestOptionalTargets(t *testing.T) {
	w := NewSyncWorker(staticSource{sampleState(2)}, nil, nil, &config.SyncConfig{Interval: time.Hour}, 10, discard())
	assert.NotPanics(t, func() { w.RunOnce(context.Background()) })
}

func TestStartStop(t *testing.T) {
	mirror := &fakeMirror{}
	w := NewSyncWorker(staticSource{sampleState(2)}, mirror, nil, &config.SyncConfig{Interval: 10 * time.Millisecond}, 10, discard())

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	require.Eventually(t, func() bool { return mirror.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())

	calls := mirror.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, mirror.Calls())
}
