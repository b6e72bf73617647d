package service

import (
	"context"
	"sync"

	"github.com/neon-arena/leaderboard/internal/contract"
	"github.com/neon-arena/leaderboard/internal/domain"
)

// Store durably records contract state. Persist must be atomic: either the
// whole transition is stored or none of it is.
type Store interface {
	// LoadSnapshot returns nil when the store was never initialized
	LoadSnapshot(ctx context.Context) (*contract.Snapshot, error)
	Init(ctx context.Context, snap *contract.Snapshot) error
	Persist(ctx context.Context, tr *contract.Transition) error
}

// EventLog reads back persisted events
type EventLog interface {
	Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error)
}

// EventSink receives the events of every committed transition
type EventSink interface {
	Publish(ctx context.Context, events []domain.Event) error
}

// Broadcaster pushes committed changes to live subscribers. Board updates
// carry the contract version they were read at.
type Broadcaster interface {
	BroadcastLeaderboardUpdate(board domain.Board, version uint64, entries []domain.RankedEntry, totalPlayers int)
	BroadcastEvents(events []domain.Event)
}

// RateLimiter bounds how often a player may submit
type RateLimiter interface {
	Allow(ctx context.Context, player domain.Address) (bool, error)
}

// MemoryStore keeps state in process memory
type MemoryStore struct {
	mu     sync.Mutex
	snap   *contract.Snapshot
	events []domain.Event
}

// NewMemoryStore creates an empty, uninitialized store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadSnapshot returns a copy of the stored state
func (m *MemoryStore) LoadSnapshot(ctx context.Context) (*contract.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	return cloneSnapshot(m.snap), nil
}

// Init replaces the stored state with snap
func (m *MemoryStore) Init(ctx context.Context, snap *contract.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = cloneSnapshot(snap)
	m.events = nil
	return nil
}

// Persist applies a transition to the stored state
func (m *MemoryStore) Persist(ctx context.Context, tr *contract.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return domain.ErrNotInitialized
	}

	if tr.Stats != nil {
		found := false
		for i := range m.snap.Players {
			if m.snap.Players[i].Player == tr.Stats.Player {
				m.snap.Players[i] = *tr.Stats
				found = true
				break
			}
		}
		if !found {
			m.snap.Players = append(m.snap.Players, *tr.Stats)
		}
	}
	if tr.Weekly != nil {
		m.snap.Weekly = append([]domain.ScoreEntry(nil), tr.Weekly...)
	}
	if tr.AllTime != nil {
		m.snap.AllTime = append([]domain.ScoreEntry(nil), tr.AllTime...)
	}
	m.snap.Epoch = tr.Epoch
	m.snap.WeeklyPrizePool = tr.PrizePool
	m.snap.NextSequence = tr.NextSequence
	m.events = append(m.events, tr.Events...)
	return nil
}

// Events returns persisted events with a sequence above after, oldest first
func (m *MemoryStore) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.Sequence <= after {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func cloneSnapshot(snap *contract.Snapshot) *contract.Snapshot {
	if snap == nil {
		return nil
	}
	c := *snap
	c.Players = append([]domain.PlayerStats(nil), snap.Players...)
	c.Weekly = append([]domain.ScoreEntry(nil), snap.Weekly...)
	c.AllTime = append([]domain.ScoreEntry(nil), snap.AllTime...)
	return &c
}
