// Package contract implements the leaderboard contract: registration, score
// submission, the owner-gated prize pool and read-only views over an explicit
// state object.
//
// State changes are two-phase. Prepare* validates a call and computes the
// resulting state without touching the contract; Commit applies it. A host that
// must persist state first can do so between the two steps.
package contract

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/neon-arena/leaderboard/internal/domain"
	"github.com/neon-arena/leaderboard/internal/epoch"
	"github.com/neon-arena/leaderboard/internal/ledger"
	"github.com/neon-arena/leaderboard/internal/ranking"
)

// DefaultMaxLeaderboardSize caps each ranking list when the config leaves it unset
const DefaultMaxLeaderboardSize = 100

// Config holds the deployment-time constants
type Config struct {
	MaxLeaderboardSize int
	WeeklyPolicy       ranking.Policy
	AllTimePolicy      ranking.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxLeaderboardSize <= 0 {
		c.MaxLeaderboardSize = DefaultMaxLeaderboardSize
	}
	if c.WeeklyPolicy == "" {
		c.WeeklyPolicy = ranking.PolicyReplace
	}
	if c.AllTimePolicy == "" {
		c.AllTimePolicy = ranking.PolicyReplace
	}
	return c
}

// Contract is the complete leaderboard state. It is not safe for concurrent
// use; the host serializes calls.
type Contract struct {
	cfg       Config
	owner     domain.Address
	ledger    *ledger.Ledger
	weekly    *ranking.List
	allTime   *ranking.List
	epoch     epoch.Window
	prizePool sdkmath.Int
	nextSeq   uint64
	version   uint64
}

// New deploys a fresh contract owned by owner
func New(cfg Config, owner domain.Address, deployedAt time.Time) (*Contract, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("deploying contract: %w: owner", domain.ErrInvalidAddress)
	}
	cfg = cfg.withDefaults()
	return &Contract{
		cfg:       cfg,
		owner:     owner,
		ledger:    ledger.New(),
		weekly:    ranking.New(cfg.MaxLeaderboardSize, cfg.WeeklyPolicy),
		allTime:   ranking.New(cfg.MaxLeaderboardSize, cfg.AllTimePolicy),
		epoch:     epoch.Genesis(deployedAt),
		prizePool: sdkmath.ZeroInt(),
		nextSeq:   1,
	}, nil
}

// Config returns the effective deployment constants
func (c *Contract) Config() Config { return c.cfg }

// Owner is the address allowed to fund the prize pool
func (c *Contract) Owner() domain.Address { return c.owner }

// MaxLeaderboardSize is the cap of each ranking list
func (c *Contract) MaxLeaderboardSize() int { return c.cfg.MaxLeaderboardSize }

// Version increments on every committed transition
func (c *Contract) Version() uint64 { return c.version }

func (c *Contract) checkLimit(limit int) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidLimit, limit)
	}
	if limit > c.cfg.MaxLeaderboardSize {
		limit = c.cfg.MaxLeaderboardSize
	}
	return limit, nil
}

// WeeklyLeaderboard returns the top entries of the current week.
// The list reflects the stored epoch; an expired week is cleared only by the
// next submission.
func (c *Contract) WeeklyLeaderboard(limit int) ([]domain.ScoreEntry, error) {
	limit, err := c.checkLimit(limit)
	if err != nil {
		return nil, err
	}
	return c.weekly.Top(limit), nil
}

// AllTimeLeaderboard returns the top entries across all weeks
func (c *Contract) AllTimeLeaderboard(limit int) ([]domain.ScoreEntry, error) {
	limit, err := c.checkLimit(limit)
	if err != nil {
		return nil, err
	}
	return c.allTime.Top(limit), nil
}

// Leaderboard dispatches to the named board
func (c *Contract) Leaderboard(board domain.Board, limit int) ([]domain.ScoreEntry, error) {
	switch board {
	case domain.BoardWeekly:
		return c.WeeklyLeaderboard(limit)
	case domain.BoardAllTime:
		return c.AllTimeLeaderboard(limit)
	}
	return nil, fmt.Errorf("%w: unknown board %q", domain.ErrInvalidRequest, board)
}

// PlayerStats returns a zeroed record for players who never registered
func (c *Contract) PlayerStats(player domain.Address) domain.PlayerStats {
	return c.ledger.Stats(player)
}

// WeeklyRank is the player's 1-based weekly position, 0 if unranked
func (c *Contract) WeeklyRank(player domain.Address) int {
	return c.weekly.RankOf(player)
}

// AllTimeRank is the player's 1-based all-time position, 0 if unranked
func (c *Contract) AllTimeRank(player domain.Address) int {
	return c.allTime.RankOf(player)
}

// TotalPlayers counts registered players
func (c *Contract) TotalPlayers() int {
	return c.ledger.Total()
}

// IsWeekEnded reports whether the stored epoch has expired at now
func (c *Contract) IsWeekEnded(now time.Time) bool {
	return c.epoch.IsEnded(now)
}

// WeekTimeRemaining is max(0, 7 days - elapsed)
func (c *Contract) WeekTimeRemaining(now time.Time) time.Duration {
	return c.epoch.Remaining(now)
}

// WeeklyPrizePool is the pool balance in native-token base units
func (c *Contract) WeeklyPrizePool() sdkmath.Int {
	return c.prizePool
}

// Epoch returns the stored scoring window
func (c *Contract) Epoch() epoch.Window {
	return c.epoch
}

// Overview gathers the contract-wide views evaluated at now
func (c *Contract) Overview(now time.Time) domain.Overview {
	return domain.Overview{
		TotalPlayers:         c.TotalPlayers(),
		Epoch:                c.epoch.Number,
		EpochStart:           c.epoch.Start,
		IsWeekEnded:          c.IsWeekEnded(now),
		WeekSecondsRemaining: int64(c.WeekTimeRemaining(now) / time.Second),
		WeeklyPrizePool:      c.prizePool,
		MaxLeaderboardSize:   c.cfg.MaxLeaderboardSize,
		Owner:                c.owner,
	}
}
