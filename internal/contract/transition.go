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

// Kind names the call a transition was prepared for
type Kind string

const (
	KindRegister Kind = "register"
	KindSubmit   Kind = "submit"
	KindFund     Kind = "fund"
)

// Transition is the full effect of one state-changing call. The exported
// fields describe the post-call state of everything the call touched, which is
// what a store needs to persist it; nil slices mean the list is unchanged.
type Transition struct {
	Kind   Kind
	Caller domain.Address
	At     time.Time

	Stats             *domain.PlayerStats
	NewPlayer         bool
	PreviousHighScore uint64

	Weekly      []domain.ScoreEntry
	AllTime     []domain.ScoreEntry
	WeeklyRank  int
	AllTimeRank int

	Epoch        epoch.Window
	EpochRolled  bool
	PrizePool    sdkmath.Int
	NextSequence uint64
	Events       []domain.Event

	base    uint64
	weekly  *ranking.List
	allTime *ranking.List
}

func (c *Contract) begin(kind Kind, caller domain.Address, now time.Time) *Transition {
	return &Transition{
		Kind:         kind,
		Caller:       caller,
		At:           now.UTC(),
		Epoch:        c.epoch,
		PrizePool:    c.prizePool,
		NextSequence: c.nextSeq,
		base:         c.version,
	}
}

func (tr *Transition) emit(e domain.Event) {
	e.Sequence = tr.NextSequence
	e.Epoch = tr.Epoch.Number
	e.Timestamp = tr.At
	tr.NextSequence++
	tr.Events = append(tr.Events, e)
}

// PrepareRegisterPlayer validates registration of caller
func (c *Contract) PrepareRegisterPlayer(caller domain.Address, now time.Time) (*Transition, error) {
	if err := c.ledger.CheckRegister(caller); err != nil {
		return nil, err
	}
	tr := c.begin(KindRegister, caller, now)
	stats := ledger.Registered(caller, now)
	tr.Stats = &stats
	tr.NewPlayer = true
	tr.emit(domain.Event{Type: domain.EventPlayerRegistered, Player: caller})
	return tr, nil
}

// PrepareSubmitScore validates a submission and computes its effect: the lazy
// epoch rollover, the ledger update and both ranking upserts. Preconditions are
// checked before anything else, so a rejected call never rolls the epoch.
func (c *Contract) PrepareSubmitScore(caller domain.Address, score uint64, gameType string, now time.Time) (*Transition, error) {
	if caller.IsZero() {
		return nil, domain.ErrInvalidAddress
	}
	stats, err := c.ledger.CheckSubmission(caller, score, now)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateGameType(gameType); err != nil {
		return nil, err
	}

	tr := c.begin(KindSubmit, caller, now)
	tr.PreviousHighScore = c.ledger.Stats(caller).HighScore
	tr.Stats = &stats

	weekly := c.weekly.Clone()
	weeklyChanged := false
	if next, rolled := c.epoch.Rollover(now); rolled {
		closedPool := c.prizePool
		tr.Epoch = next
		tr.EpochRolled = true
		tr.PrizePool = sdkmath.ZeroInt()
		weekly.Reset()
		weeklyChanged = true
		tr.emit(domain.Event{Type: domain.EventEpochRolledOver, Amount: &closedPool})
	}

	entry := domain.ScoreEntry{
		Player:    caller,
		Score:     score,
		Timestamp: tr.At,
		GameType:  gameType,
	}

	rank, changed := weekly.Upsert(entry)
	tr.WeeklyRank = rank
	if changed || weeklyChanged {
		tr.weekly = weekly
		tr.Weekly = weekly.Entries()
	}

	allTime := c.allTime.Clone()
	rank, changed = allTime.Upsert(entry)
	tr.AllTimeRank = rank
	if changed {
		tr.allTime = allTime
		tr.AllTime = allTime.Entries()
	}

	tr.emit(domain.Event{
		Type:     domain.EventScoreSubmitted,
		Player:   caller,
		Score:    score,
		GameType: gameType,
	})
	return tr, nil
}

// PrepareFundPrizePool validates an owner deposit into the weekly pool
func (c *Contract) PrepareFundPrizePool(caller domain.Address, amount sdkmath.Int, now time.Time) (*Transition, error) {
	if caller != c.owner {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnauthorized, caller)
	}
	if amount.IsNil() || !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	tr := c.begin(KindFund, caller, now)
	tr.PrizePool = c.prizePool.Add(amount)
	deposit := amount
	tr.emit(domain.Event{Type: domain.EventPrizePoolFunded, Player: caller, Amount: &deposit})
	return tr, nil
}

// Commit applies a transition prepared against the current state. A transition
// prepared before any other commit is rejected with ErrStaleTransition.
func (c *Contract) Commit(tr *Transition) error {
	if tr == nil || tr.base != c.version {
		return domain.ErrStaleTransition
	}
	if tr.Stats != nil {
		c.ledger.Put(*tr.Stats)
	}
	if tr.weekly != nil {
		c.weekly = tr.weekly
	}
	if tr.allTime != nil {
		c.allTime = tr.allTime
	}
	c.epoch = tr.Epoch
	c.prizePool = tr.PrizePool
	c.nextSeq = tr.NextSequence
	c.version++
	return nil
}

func (c *Contract) apply(tr *Transition, err error) (*Transition, error) {
	if err != nil {
		return nil, err
	}
	if err := c.Commit(tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// RegisterPlayer prepares and commits a registration
func (c *Contract) RegisterPlayer(caller domain.Address, now time.Time) (*Transition, error) {
	return c.apply(c.PrepareRegisterPlayer(caller, now))
}

// SubmitScore prepares and commits a submission
func (c *Contract) SubmitScore(caller domain.Address, score uint64, gameType string, now time.Time) (*Transition, error) {
	return c.apply(c.PrepareSubmitScore(caller, score, gameType, now))
}

// FundPrizePool prepares and commits an owner deposit
func (c *Contract) FundPrizePool(caller domain.Address, amount sdkmath.Int, now time.Time) (*Transition, error) {
	return c.apply(c.PrepareFundPrizePool(caller, amount, now))
}
