package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/contract"
	"github.com/neon-arena/leaderboard/internal/domain"
)

// ArenaService hosts the leaderboard contract. Calls are serialized on a
// read/write lock, and every state change is persisted before it is committed.
type ArenaService struct {
	mu       sync.RWMutex
	contract *contract.Contract
	store    Store

	// fanout is taken before mu is released so sinks and the hub see
	// transitions in commit order
	fanout sync.Mutex

	config  *config.LeaderboardConfig
	logger  *slog.Logger
	now     func() time.Time
	sinks   []EventSink
	limiter RateLimiter
	hub     Broadcaster
}

// NewArenaService creates a service around c. Call Restore before serving.
func NewArenaService(
	c *contract.Contract,
	store Store,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *ArenaService {
	return &ArenaService{
		contract: c,
		store:    store,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetHub sets the live update broadcaster
func (s *ArenaService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// SetRateLimiter enables per-player submission limits
func (s *ArenaService) SetRateLimiter(l RateLimiter) {
	s.limiter = l
}

// AddEventSink registers a sink for committed events
func (s *ArenaService) AddEventSink(sink EventSink) {
	s.sinks = append(s.sinks, sink)
}

// SetClock overrides the time source
func (s *ArenaService) SetClock(now func() time.Time) {
	s.now = now
}

// Restore loads the latest persisted state, or seeds the store with the
// current, freshly deployed contract when it holds nothing yet.
func (s *ArenaService) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	if snap == nil {
		if err := s.store.Init(ctx, s.contract.Snapshot()); err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		s.logger.Info("initialized store with genesis state",
			"owner", s.contract.Owner(),
			"epoch_start", s.contract.Epoch().Start,
		)
		return nil
	}

	c, err := contract.Restore(s.contract.Config(), snap)
	if err != nil {
		return err
	}
	s.contract = c
	s.logger.Info("restored contract state",
		"players", c.TotalPlayers(),
		"epoch", c.Epoch().Number,
		"next_sequence", snap.NextSequence,
	)
	return nil
}

// commit persists tr and applies it. Caller holds the write lock.
func (s *ArenaService) commit(ctx context.Context, tr *contract.Transition) error {
	if err := s.store.Persist(ctx, tr); err != nil {
		return fmt.Errorf("persisting %s transition: %w", tr.Kind, err)
	}
	if err := s.contract.Commit(tr); err != nil {
		return fmt.Errorf("committing %s transition: %w", tr.Kind, err)
	}
	return nil
}

type boardUpdate struct {
	board   domain.Board
	version uint64
	entries []domain.RankedEntry
}

// updates collects the changed boards of tr. Caller holds the lock.
func (s *ArenaService) updates(tr *contract.Transition) []boardUpdate {
	var out []boardUpdate
	for _, u := range []struct {
		board   domain.Board
		entries []domain.ScoreEntry
	}{
		{domain.BoardWeekly, tr.Weekly},
		{domain.BoardAllTime, tr.AllTime},
	} {
		if u.entries == nil {
			continue
		}
		entries := u.entries
		if limit := s.config.BroadcastLimit; limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		out = append(out, boardUpdate{
			board:   u.board,
			version: s.contract.Version(),
			entries: domain.WithRanks(entries),
		})
	}
	return out
}

// handOff moves from the state lock to the fan-out lock. Caller holds the
// write lock, which is released on return.
func (s *ArenaService) handOff() {
	s.fanout.Lock()
	s.mu.Unlock()
}

// afterCommit fans out a committed transition and releases the fan-out lock.
// Failures here never undo the call.
func (s *ArenaService) afterCommit(ctx context.Context, tr *contract.Transition, updates []boardUpdate, totalPlayers int) {
	defer s.fanout.Unlock()
	ctx = context.WithoutCancel(ctx)
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, tr.Events); err != nil {
			s.logger.Warn("failed to publish events",
				"kind", tr.Kind,
				"events", len(tr.Events),
				"error", err,
			)
		}
	}

	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvents(tr.Events)
	for _, u := range updates {
		s.hub.BroadcastLeaderboardUpdate(u.board, u.version, u.entries, totalPlayers)
	}
}

// RegisterPlayer registers caller with zeroed stats
func (s *ArenaService) RegisterPlayer(ctx context.Context, caller domain.Address) (domain.PlayerStats, error) {
	s.mu.Lock()
	tr, err := s.contract.PrepareRegisterPlayer(caller, s.now())
	if err != nil {
		s.mu.Unlock()
		return domain.PlayerStats{}, err
	}
	if err := s.commit(ctx, tr); err != nil {
		s.mu.Unlock()
		return domain.PlayerStats{}, err
	}
	total := s.contract.TotalPlayers()
	s.handOff()

	s.logger.Info("player registered", "player", caller, "total_players", total)
	s.afterCommit(ctx, tr, nil, total)
	return *tr.Stats, nil
}

// SubmitScore records one finished game for caller
func (s *ArenaService) SubmitScore(ctx context.Context, caller domain.Address, sub domain.ScoreSubmission) (*domain.SubmissionResult, error) {
	gameType := sub.GameType
	if gameType == "" {
		gameType = domain.DefaultGameType
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, caller)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, allowing submission", "player", caller, "error", err)
		} else if !allowed {
			return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, caller)
		}
	}

	s.mu.Lock()
	tr, err := s.contract.PrepareSubmitScore(caller, sub.Score, gameType, s.now())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.commit(ctx, tr); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	updates := s.updates(tr)
	total := s.contract.TotalPlayers()
	s.handOff()

	if tr.EpochRolled {
		s.logger.Info("weekly epoch rolled over",
			"epoch", tr.Epoch.Number,
			"epoch_start", tr.Epoch.Start,
		)
	}
	s.afterCommit(ctx, tr, updates, total)

	return &domain.SubmissionResult{
		Stats:        *tr.Stats,
		WeeklyRank:   tr.WeeklyRank,
		AllTimeRank:  tr.AllTimeRank,
		EpochRolled:  tr.EpochRolled,
		Epoch:        tr.Epoch.Number,
		EventSeq:     tr.Events[len(tr.Events)-1].Sequence,
		SubmittedAt:  tr.At,
		IsHighScore:  sub.Score > tr.PreviousHighScore,
		PreviousBest: tr.PreviousHighScore,
	}, nil
}

// FundPrizePool adds an owner deposit and returns the new pool balance
func (s *ArenaService) FundPrizePool(ctx context.Context, caller domain.Address, amount sdkmath.Int) (sdkmath.Int, error) {
	s.mu.Lock()
	tr, err := s.contract.PrepareFundPrizePool(caller, amount, s.now())
	if err != nil {
		s.mu.Unlock()
		return sdkmath.Int{}, err
	}
	if err := s.commit(ctx, tr); err != nil {
		s.mu.Unlock()
		return sdkmath.Int{}, err
	}
	total := s.contract.TotalPlayers()
	s.handOff()

	s.logger.Info("prize pool funded", "amount", amount.String(), "pool", tr.PrizePool.String())
	s.afterCommit(ctx, tr, nil, total)
	return tr.PrizePool, nil
}

func (s *ArenaService) checkLimit(limit int) error {
	if s.config.MaxLimit > 0 && limit > s.config.MaxLimit {
		return fmt.Errorf("%w: %d exceeds %d", domain.ErrInvalidLimit, limit, s.config.MaxLimit)
	}
	return nil
}

// Leaderboard returns up to limit ranked entries of board
func (s *ArenaService) Leaderboard(ctx context.Context, board domain.Board, limit int) ([]domain.RankedEntry, error) {
	if err := s.checkLimit(limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := s.contract.Leaderboard(board, limit)
	if err != nil {
		return nil, err
	}
	return domain.WithRanks(entries), nil
}

// WeeklyLeaderboard returns the current week's top entries
func (s *ArenaService) WeeklyLeaderboard(ctx context.Context, limit int) ([]domain.RankedEntry, error) {
	return s.Leaderboard(ctx, domain.BoardWeekly, limit)
}

// AllTimeLeaderboard returns the all-time top entries
func (s *ArenaService) AllTimeLeaderboard(ctx context.Context, limit int) ([]domain.RankedEntry, error) {
	return s.Leaderboard(ctx, domain.BoardAllTime, limit)
}

// PlayerStats returns the player's record, zeroed if never registered
func (s *ArenaService) PlayerStats(ctx context.Context, player domain.Address) domain.PlayerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contract.PlayerStats(player)
}

// PlayerRank returns the player's position on both boards
func (s *ArenaService) PlayerRank(ctx context.Context, player domain.Address) domain.PlayerRank {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.PlayerRank{
		Player:      player,
		WeeklyRank:  s.contract.WeeklyRank(player),
		AllTimeRank: s.contract.AllTimeRank(player),
	}
}

// WeeklyRank returns the player's weekly position, 0 if unranked
func (s *ArenaService) WeeklyRank(ctx context.Context, player domain.Address) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contract.WeeklyRank(player)
}

// TotalPlayers counts registered players
func (s *ArenaService) TotalPlayers(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contract.TotalPlayers()
}

// IsWeekEnded reports whether the stored week has expired
func (s *ArenaService) IsWeekEnded(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contract.IsWeekEnded(s.now())
}

// WeekTimeRemaining returns the time left in the stored week
func (s *ArenaService) WeekTimeRemaining(ctx context.Context) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contract.WeekTimeRemaining(s.now())
}

// WeeklyPrizePool returns the pool balance in base units
func (s *ArenaService) WeeklyPrizePool(ctx context.Context) sdkmath.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contract.WeeklyPrizePool()
}

// Overview returns the contract-wide views
func (s *ArenaService) Overview(ctx context.Context) domain.Overview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contract.Overview(s.now())
}

// BoardState reads both full boards and the overview under one lock
func (s *ArenaService) BoardState(ctx context.Context) domain.BoardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := s.contract.MaxLeaderboardSize()
	weekly, _ := s.contract.WeeklyLeaderboard(limit)
	allTime, _ := s.contract.AllTimeLeaderboard(limit)
	return domain.BoardState{
		Version:  s.contract.Version(),
		Weekly:   domain.WithRanks(weekly),
		AllTime:  domain.WithRanks(allTime),
		Overview: s.contract.Overview(s.now()),
	}
}

// Events pages through the persisted event log when the store keeps one
func (s *ArenaService) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	log, ok := s.store.(EventLog)
	if !ok {
		return nil, fmt.Errorf("%w: store does not keep an event log", domain.ErrInvalidRequest)
	}
	if limit <= 0 || (s.config.MaxLimit > 0 && limit > s.config.MaxLimit) {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidLimit, limit)
	}
	events, err := log.Events(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	return events, nil
}

// Owner is the address allowed to fund the prize pool
func (s *ArenaService) Owner() domain.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contract.Owner()
}
