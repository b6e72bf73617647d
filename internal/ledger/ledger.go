// Package ledger keeps the per-player aggregate score records.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/neon-arena/leaderboard/internal/domain"
)

// Ledger maps each registered player to its stats. Records are never deleted.
type Ledger struct {
	players map[domain.Address]domain.PlayerStats
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{players: make(map[domain.Address]domain.PlayerStats)}
}

// CheckRegister validates a registration without applying it
func (l *Ledger) CheckRegister(player domain.Address) error {
	if player.IsZero() {
		return domain.ErrInvalidAddress
	}
	if l.players[player].IsRegistered {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyRegistered, player)
	}
	return nil
}

// Registered builds the fresh record Register would store
func Registered(player domain.Address, now time.Time) domain.PlayerStats {
	return domain.PlayerStats{
		Player:       player,
		RegisteredAt: now.UTC(),
		IsRegistered: true,
	}
}

// Register creates a zeroed record for player
func (l *Ledger) Register(player domain.Address, now time.Time) (domain.PlayerStats, error) {
	if err := l.CheckRegister(player); err != nil {
		return domain.PlayerStats{}, err
	}
	stats := Registered(player, now)
	l.players[player] = stats
	return stats, nil
}

// CheckSubmission validates a submission and returns the record it would produce
func (l *Ledger) CheckSubmission(player domain.Address, score uint64, now time.Time) (domain.PlayerStats, error) {
	stats, ok := l.players[player]
	if !ok || !stats.IsRegistered {
		return domain.PlayerStats{}, fmt.Errorf("%w: %s", domain.ErrNotRegistered, player)
	}
	if score == 0 {
		return domain.PlayerStats{}, domain.ErrInvalidScore
	}
	if stats.TotalScore > math.MaxUint64-score {
		return domain.PlayerStats{}, fmt.Errorf("%w: %s", domain.ErrScoreOverflow, player)
	}

	stats.TotalGamesPlayed++
	stats.TotalScore += score
	stats.LastPlayed = now.UTC()
	if score > stats.HighScore {
		stats.HighScore = score
	}
	return stats, nil
}

// RecordSubmission applies a submission to the player's record
func (l *Ledger) RecordSubmission(player domain.Address, score uint64, now time.Time) (domain.PlayerStats, error) {
	stats, err := l.CheckSubmission(player, score, now)
	if err != nil {
		return domain.PlayerStats{}, err
	}
	l.players[player] = stats
	return stats, nil
}

// Put stores a record computed by CheckSubmission or Registered
func (l *Ledger) Put(stats domain.PlayerStats) {
	l.players[stats.Player] = stats
}

// Stats returns the player's record, or a zeroed record if the player never
// registered. Check IsRegistered to tell the two apart.
func (l *Ledger) Stats(player domain.Address) domain.PlayerStats {
	stats, ok := l.players[player]
	if !ok {
		return domain.PlayerStats{Player: player}
	}
	return stats
}

// IsRegistered reports whether player has registered
func (l *Ledger) IsRegistered(player domain.Address) bool {
	return l.players[player].IsRegistered
}

// Total is the number of registered players
func (l *Ledger) Total() int {
	return len(l.players)
}

// All returns every record ordered by registration time, then address
func (l *Ledger) All() []domain.PlayerStats {
	out := make([]domain.PlayerStats, 0, len(l.players))
	for _, s := range l.players {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].Player < out[j].Player
	})
	return out
}
