package domain

import "time"

// PlayerStats is the per-player aggregate record kept by the score ledger
type PlayerStats struct {
	Player           Address   `json:"player"`
	HighScore        uint64    `json:"high_score"`
	TotalGamesPlayed uint64    `json:"total_games_played"`
	TotalScore       uint64    `json:"total_score"`
	LastPlayed       time.Time `json:"last_played"`
	RegisteredAt     time.Time `json:"registered_at"`
	IsRegistered     bool      `json:"is_registered"`
}

// WalletType identifies how a player connected
type WalletType string

const (
	WalletTypeEmail    WalletType = "email"
	WalletTypePolkadot WalletType = "polkadot"
	WalletTypeStellar  WalletType = "stellar"
	WalletTypeMetaMask WalletType = "metamask"
)

// Valid reports whether w is a known wallet type
func (w WalletType) Valid() bool {
	switch w {
	case WalletTypeEmail, WalletTypePolkadot, WalletTypeStellar, WalletTypeMetaMask:
		return true
	}
	return false
}

// PlayerRank is a player's position on both boards
type PlayerRank struct {
	Player      Address `json:"player"`
	WeeklyRank  int     `json:"weekly_rank"`
	AllTimeRank int     `json:"all_time_rank"`
}
