// Package ranking maintains bounded, descending-by-score lists with at most
// one entry per player.
package ranking

import (
	"fmt"
	"sort"

	"github.com/neon-arena/leaderboard/internal/domain"
)

// Policy decides what a re-submission by an already ranked player does
type Policy string

const (
	// PolicyReplace drops the player's old entry and inserts the new one
	PolicyReplace Policy = "replace"
	// PolicyBest keeps the old entry unless the new one outranks it
	PolicyBest Policy = "best"
)

// ParsePolicy parses a policy name, defaulting to PolicyReplace
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReplace:
		return PolicyReplace, nil
	case PolicyBest:
		return PolicyBest, nil
	}
	return "", fmt.Errorf("unknown ranking policy %q", s)
}

// List is a capped ranking. The backing slice is allocated once at cap+1 so
// inserts never reallocate; index maps each ranked player to its slot.
type List struct {
	capacity int
	policy   Policy
	entries  []domain.ScoreEntry
	index    map[domain.Address]int
}

// New creates an empty list holding at most capacity entries
func New(capacity int, policy Policy) *List {
	if capacity < 1 {
		capacity = 1
	}
	if policy == "" {
		policy = PolicyReplace
	}
	return &List{
		capacity: capacity,
		policy:   policy,
		entries:  make([]domain.ScoreEntry, 0, capacity+1),
		index:    make(map[domain.Address]int, capacity+1),
	}
}

// outranks reports whether a belongs above b: higher score first, then the
// earlier timestamp.
func outranks(a, b domain.ScoreEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Timestamp.Before(b.Timestamp)
}

// Upsert places e, replacing any entry the player already holds. It returns the
// player's resulting 1-based rank (0 if the entry did not make the cut) and
// whether the list changed.
func (l *List) Upsert(e domain.ScoreEntry) (rank int, changed bool) {
	if pos, ok := l.index[e.Player]; ok {
		if l.policy == PolicyBest && !outranks(e, l.entries[pos]) {
			return pos + 1, false
		}
		l.removeAt(pos)
		changed = true
	}

	i := sort.Search(len(l.entries), func(i int) bool {
		return outranks(e, l.entries[i])
	})
	if i >= l.capacity {
		return 0, changed
	}

	l.entries = append(l.entries, domain.ScoreEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	l.reindex(i)

	if len(l.entries) > l.capacity {
		last := l.entries[len(l.entries)-1]
		delete(l.index, last.Player)
		l.entries = l.entries[:l.capacity]
	}
	return i + 1, true
}

func (l *List) removeAt(pos int) {
	delete(l.index, l.entries[pos].Player)
	copy(l.entries[pos:], l.entries[pos+1:])
	l.entries[len(l.entries)-1] = domain.ScoreEntry{}
	l.entries = l.entries[:len(l.entries)-1]
	l.reindex(pos)
}

func (l *List) reindex(from int) {
	for j := from; j < len(l.entries); j++ {
		l.index[l.entries[j].Player] = j
	}
}

// Top returns a copy of the first min(limit, Len) entries
func (l *List) Top(limit int) []domain.ScoreEntry {
	if limit > len(l.entries) {
		limit = len(l.entries)
	}
	if limit < 0 {
		limit = 0
	}
	out := make([]domain.ScoreEntry, limit)
	copy(out, l.entries[:limit])
	return out
}

// Entries returns a copy of the whole list
func (l *List) Entries() []domain.ScoreEntry {
	return l.Top(len(l.entries))
}

// RankOf returns the player's 1-based position, or 0 if unranked
func (l *List) RankOf(player domain.Address) int {
	if pos, ok := l.index[player]; ok {
		return pos + 1
	}
	return 0
}

// Entry returns the player's entry if ranked
func (l *List) Entry(player domain.Address) (domain.ScoreEntry, bool) {
	pos, ok := l.index[player]
	if !ok {
		return domain.ScoreEntry{}, false
	}
	return l.entries[pos], true
}

func (l *List) Len() int { return len(l.entries) }
func (l *List) Cap() int { return l.capacity }

// Reset empties the list, keeping its allocation
func (l *List) Reset() {
	for i := range l.entries {
		l.entries[i] = domain.ScoreEntry{}
	}
	l.entries = l.entries[:0]
	clear(l.index)
}

// Clone returns an independent copy
func (l *List) Clone() *List {
	c := New(l.capacity, l.policy)
	c.entries = append(c.entries, l.entries...)
	for p, pos := range l.index {
		c.index[p] = pos
	}
	return c
}

// Load replaces the contents with already ranked entries, as read back from
// storage. It rejects input that breaks the list invariants.
func (l *List) Load(entries []domain.ScoreEntry) error {
	if len(entries) > l.capacity {
		return fmt.Errorf("loading ranking: %d entries exceed cap %d", len(entries), l.capacity)
	}
	seen := make(map[domain.Address]struct{}, len(entries))
	for i, e := range entries {
		if _, dup := seen[e.Player]; dup {
			return fmt.Errorf("loading ranking: duplicate player %s", e.Player)
		}
		seen[e.Player] = struct{}{}
		if i > 0 && outranks(e, entries[i-1]) {
			return fmt.Errorf("loading ranking: entry %d out of order", i)
		}
	}
	l.Reset()
	l.entries = append(l.entries, entries...)
	l.reindex(0)
	return nil
}
