// Package storage holds the column encodings shared by the SQL stores.
// Unsigned counters and token amounts are stored as decimal text so that no
// value is truncated by a signed integer column.
package storage

import (
	"fmt"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/neon-arena/leaderboard/internal/domain"
)

// FormatUint encodes an unsigned counter
func FormatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// ParseUint decodes a counter written by FormatUint
func ParseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decoding counter %q: %w", s, err)
	}
	return v, nil
}

// FormatAmount encodes a token amount in base units
func FormatAmount(v sdkmath.Int) string {
	if v.IsNil() {
		return "0"
	}
	return v.String()
}

// ParseAmount decodes a non-negative token amount
func ParseAmount(s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok || v.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("decoding amount %q: %w", s, domain.ErrInvalidAmount)
	}
	return v, nil
}

// FormatTime encodes a timestamp as UTC RFC 3339 with nanoseconds
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime decodes a timestamp written by FormatTime
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParsePlayer decodes a stored address
func ParsePlayer(s string) (domain.Address, error) {
	a, err := domain.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("decoding player %q: %w", s, err)
	}
	return a, nil
}
