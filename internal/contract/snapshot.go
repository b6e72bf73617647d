package contract

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/neon-arena/leaderboard/internal/domain"
	"github.com/neon-arena/leaderboard/internal/epoch"
	"github.com/neon-arena/leaderboard/internal/ledger"
	"github.com/neon-arena/leaderboard/internal/ranking"
)

// Snapshot is the complete persisted contract state
type Snapshot struct {
	Owner              domain.Address       `json:"owner"`
	MaxLeaderboardSize int                  `json:"max_leaderboard_size"`
	Epoch              epoch.Window         `json:"epoch"`
	WeeklyPrizePool    sdkmath.Int          `json:"weekly_prize_pool"`
	NextSequence       uint64               `json:"next_sequence"`
	Players            []domain.PlayerStats `json:"players"`
	Weekly             []domain.ScoreEntry  `json:"weekly"`
	AllTime            []domain.ScoreEntry  `json:"all_time"`
}

// Snapshot captures the current state
func (c *Contract) Snapshot() *Snapshot {
	return &Snapshot{
		Owner:              c.owner,
		MaxLeaderboardSize: c.cfg.MaxLeaderboardSize,
		Epoch:              c.epoch,
		WeeklyPrizePool:    c.prizePool,
		NextSequence:       c.nextSeq,
		Players:            c.ledger.All(),
		Weekly:             c.weekly.Entries(),
		AllTime:            c.allTime.Entries(),
	}
}

// Restore rebuilds a contract from a snapshot. The list cap is fixed at
// deployment, so the snapshot's cap wins over cfg; the policies come from cfg.
func Restore(cfg Config, snap *Snapshot) (*Contract, error) {
	if snap == nil {
		return nil, fmt.Errorf("restoring contract: nil snapshot")
	}
	if snap.MaxLeaderboardSize > 0 {
		cfg.MaxLeaderboardSize = snap.MaxLeaderboardSize
	}
	c, err := New(cfg, snap.Owner, snap.Epoch.Start)
	if err != nil {
		return nil, fmt.Errorf("restoring contract: %w", err)
	}
	c.epoch = snap.Epoch
	if c.epoch.Number == 0 {
		c.epoch.Number = 1
	}
	if !snap.WeeklyPrizePool.IsNil() {
		c.prizePool = snap.WeeklyPrizePool
	}
	if snap.NextSequence > 0 {
		c.nextSeq = snap.NextSequence
	}

	c.ledger = ledger.New()
	for _, p := range snap.Players {
		if !p.IsRegistered || p.Player.IsZero() {
			return nil, fmt.Errorf("restoring contract: invalid player record %q", p.Player)
		}
		c.ledger.Put(p)
	}

	for _, list := range []struct {
		name    string
		list    *ranking.List
		entries []domain.ScoreEntry
	}{
		{name: "weekly", list: c.weekly, entries: snap.Weekly},
		{name: "all-time", list: c.allTime, entries: snap.AllTime},
	} {
		if err := list.list.Load(list.entries); err != nil {
			return nil, fmt.Errorf("restoring %s list: %w", list.name, err)
		}
		for _, e := range list.entries {
			if !c.ledger.IsRegistered(e.Player) {
				return nil, fmt.Errorf("restoring %s list: %w: %s", list.name, domain.ErrNotRegistered, e.Player)
			}
		}
	}
	return c, nil
}
