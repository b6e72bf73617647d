package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
)

// DefaultGameType is the label used when a client omits one
const DefaultGameType = "target_blitz"

// MaxGameTypeLength bounds the game type label in bytes
const MaxGameTypeLength = 32

// Board names one of the two ranking lists
type Board string

const (
	BoardWeekly  Board = "weekly"
	BoardAllTime Board = "all_time"
)

// Boards lists every board in display order
var Boards = []Board{BoardWeekly, BoardAllTime}

// ParseBoard accepts the board name or its URL form
func ParseBoard(s string) (Board, error) {
	switch s {
	case string(BoardWeekly):
		return BoardWeekly, nil
	case string(BoardAllTime), "all-time", "alltime":
		return BoardAllTime, nil
	}
	return "", fmt.Errorf("%w: unknown board %q", ErrInvalidRequest, s)
}

// ScoreEntry is one placement in a ranking list. Entries are immutable once placed.
type ScoreEntry struct {
	Player    Address   `json:"player"`
	Score     uint64    `json:"score"`
	Timestamp time.Time `json:"timestamp"`
	GameType  string    `json:"game_type"`
}

// RankedEntry is a ScoreEntry with its 1-based position
type RankedEntry struct {
	Rank int `json:"rank"`
	ScoreEntry
}

// WithRanks numbers entries from 1
func WithRanks(entries []ScoreEntry) []RankedEntry {
	ranked := make([]RankedEntry, len(entries))
	for i, e := range entries {
		ranked[i] = RankedEntry{Rank: i + 1, ScoreEntry: e}
	}
	return ranked
}

// ValidateGameType checks the label is short and made of [a-z0-9_-]
func ValidateGameType(gameType string) error {
	if gameType == "" || len(gameType) > MaxGameTypeLength {
		return fmt.Errorf("%w: %q", ErrInvalidGameType, gameType)
	}
	for i := 0; i < len(gameType); i++ {
		c := gameType[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return fmt.Errorf("%w: %q", ErrInvalidGameType, gameType)
	}
	return nil
}

// ParseScore parses a decimal score as it arrives on the wire. Zero, negative,
// fractional and out of range values are ErrInvalidScore.
func ParseScore(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	score, err := strconv.ParseUint(s, 10, 64)
	if err != nil || score == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidScore, s)
	}
	return score, nil
}

// ScoreSubmission represents a request to submit a score
type ScoreSubmission struct {
	Score    uint64 `json:"score"`
	GameType string `json:"game_type,omitempty"`
}

// SubmissionResult describes the outcome of an accepted submission
type SubmissionResult struct {
	Stats        PlayerStats `json:"stats"`
	WeeklyRank   int         `json:"weekly_rank"`
	AllTimeRank  int         `json:"all_time_rank"`
	EpochRolled  bool        `json:"epoch_rolled"`
	Epoch        uint64      `json:"epoch"`
	EventSeq     uint64      `json:"event_sequence"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	IsHighScore  bool        `json:"is_high_score"`
	PreviousBest uint64      `json:"previous_best"`
}

// Overview contains contract-wide totals and epoch status
type Overview struct {
	TotalPlayers         int         `json:"total_players"`
	Epoch                uint64      `json:"epoch"`
	EpochStart           time.Time   `json:"epoch_start"`
	IsWeekEnded          bool        `json:"is_week_ended"`
	WeekSecondsRemaining int64       `json:"week_seconds_remaining"`
	WeeklyPrizePool      sdkmath.Int `json:"weekly_prize_pool"`
	MaxLeaderboardSize   int         `json:"max_leaderboard_size"`
	Owner                Address     `json:"owner"`
}

// BoardState is both boards and the overview read under one consistent view.
// Version is the contract version the view was read at.
type BoardState struct {
	Version  uint64        `json:"version"`
	Weekly   []RankedEntry `json:"weekly"`
	AllTime  []RankedEntry `json:"all_time"`
	Overview Overview      `json:"overview"`
}

// Entries returns the entries of the named board
func (s BoardState) Entries(board Board) []RankedEntry {
	if board == BoardWeekly {
		return s.Weekly
	}
	return s.AllTime
}
