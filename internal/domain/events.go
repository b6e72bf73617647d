package domain

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// EventType names an entry in the contract's event log
type EventType string

const (
	EventScoreSubmitted   EventType = "ScoreSubmitted"
	EventPlayerRegistered EventType = "PlayerRegistered"
	EventPrizePoolFunded  EventType = "PrizePoolFunded"
	EventEpochRolledOver  EventType = "EpochRolledOver"
)

// Event is an append-only log entry emitted by a successful state change.
// Fields that do not apply to the event type are zero.
type Event struct {
	Sequence  uint64       `json:"sequence"`
	Type      EventType    `json:"type"`
	Player    Address      `json:"player,omitempty"`
	Score     uint64       `json:"score,omitempty"`
	GameType  string       `json:"game_type,omitempty"`
	Amount    *sdkmath.Int `json:"amount,omitempty"`
	Epoch     uint64       `json:"epoch"`
	Timestamp time.Time    `json:"timestamp"`
}
