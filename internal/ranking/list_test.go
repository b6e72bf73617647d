package ranking

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neon-arena/leaderboard/internal/domain"
)

var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func addr(i int) domain.Address {
	return domain.MustParseAddress(fmt.Sprintf("0x%040x", i+1))
}

func entry(player int, score uint64, offset time.Duration) domain.ScoreEntry {
	return domain.ScoreEntry{
		Player:    addr(player),
		Score:     score,
		Timestamp: t0.Add(offset),
		GameType:  domain.DefaultGameType,
	}
}

func requireInvariants(t *testing.T, l *List) {
	t.Helper()
	entries := l.Entries()
	require.LessOrEqual(t, len(entries), l.Cap())
	seen := make(map[domain.Address]bool)
	for i, e := range entries {
		require.False(t, seen[e.Player], "player %s listed twice", e.Player)
		seen[e.Player] = true
		require.Equal(t, i+1, l.RankOf(e.Player))
		if i > 0 {
			require.GreaterOrEqual(t, entries[i-1].Score, e.Score)
		}
	}
}

func TestUpsertOrdersDescending(t *testing.T) {
	l := New(10, PolicyReplace)
	l.Upsert(entry(0, 10, 0))
	l.Upsert(entry(1, 30, time.Second))
	l.Upsert(entry(2, 20, 2*time.Second))

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, addr(1), entries[0].Player)
	assert.Equal(t, addr(2), entries[1].Player)
	assert.Equal(t, addr(0), entries[2].Player)
	requireInvariants(t, l)
}

func TestUpsertBoundedKeepsTopScores(t *testing.T) {
	const capacity = 10
	l := New(capacity, PolicyReplace)

	scores := rand.New(rand.NewSource(7)).Perm(capacity + 5)
	for i, s := range scores {
		l.Upsert(entry(i, uint64(s+1), time.Duration(i)*time.Second))
	}

	require.Equal(t, capacity, l.Len())
	want := make([]int, len(scores))
	copy(want, scores)
	sort.Sort(sort.Reverse(sort.IntSlice(want)))
	for i, e := range l.Entries() {
		assert.Equal(t, uint64(want[i]+1), e.Score)
	}
	requireInvariants(t, l)
}

func TestUpsertEvictsLowest(t *testing.T) {
	l := New(3, PolicyReplace)
	for i, s := range []uint64{10, 30, 20, 5} {
		l.Upsert(entry(i, s, time.Duration(i)*time.Second))
	}

	require.Equal(t, 3, l.Len())
	assert.Equal(t, 0, l.RankOf(addr(3)))
	assert.Equal(t, 3, l.RankOf(addr(0)))

	rank, changed := l.Upsert(entry(4, 1, 10*time.Second))
	assert.Zero(t, rank)
	assert.False(t, changed)

	rank, changed = l.Upsert(entry(5, 25, 11*time.Second))
	assert.Equal(t, 2, rank)
	assert.True(t, changed)
	assert.Equal(t, 0, l.RankOf(addr(0)))
	requireInvariants(t, l)
}

func TestUpsertTiesFavorEarlierTimestamp(t *testing.T) {
	l := New(5, PolicyReplace)
	l.Upsert(entry(0, 50, 5*time.Second))
	l.Upsert(entry(1, 50, time.Second))
	l.Upsert(entry(2, 50, 5*time.Second))

	assert.Equal(t, 1, l.RankOf(addr(1)))
	assert.Equal(t, 2, l.RankOf(addr(0)))
	assert.Equal(t, 3, l.RankOf(addr(2)), "equal score and time ranks below the existing entry")
	requireInvariants(t, l)
}

func TestUpsertReplaceSinglesMembership(t *testing.T) {
	l := New(5, PolicyReplace)
	l.Upsert(entry(0, 100, 0))
	l.Upsert(entry(1, 50, time.Second))

	rank, changed := l.Upsert(entry(0, 10, 2*time.Second))
	assert.True(t, changed)
	assert.Equal(t, 2, rank)
	require.Equal(t, 2, l.Len())

	e, ok := l.Entry(addr(0))
	require.True(t, ok)
	assert.Equal(t, uint64(10), e.Score)
	requireInvariants(t, l)
}

func TestUpsertBestKeepsBetterEntry(t *testing.T) {
	l := New(5, PolicyBest)
	l.Upsert(entry(0, 100, 0))
	l.Upsert(entry(1, 50, time.Second))

	rank, changed := l.Upsert(entry(0, 10, 2*time.Second))
	assert.False(t, changed)
	assert.Equal(t, 1, rank)

	rank, changed = l.Upsert(entry(1, 150, 3*time.Second))
	assert.True(t, changed)
	assert.Equal(t, 1, rank)
	requireInvariants(t, l)
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, policy := range []Policy{PolicyReplace, PolicyBest} {
		l := New(8, policy)
		for i := 0; i < 500; i++ {
			l.Upsert(entry(rng.Intn(20), uint64(rng.Intn(100)+1), time.Duration(i)*time.Second))
			requireInvariants(t, l)
		}
	}
}

func TestTopAndReset(t *testing.T) {
	l := New(5, PolicyReplace)
	for i := 0; i < 4; i++ {
		l.Upsert(entry(i, uint64(10*(i+1)), 0))
	}

	top := l.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, uint64(40), top[0].Score)
	assert.Len(t, l.Top(100), 4)

	top[0].Score = 1
	assert.Equal(t, uint64(40), l.Top(1)[0].Score, "Top returns a copy")

	l.Reset()
	assert.Zero(t, l.Len())
	assert.Zero(t, l.RankOf(addr(3)))
}

func TestCloneIsIndependent(t *testing.T) {
	l := New(5, PolicyReplace)
	l.Upsert(entry(0, 10, 0))

	c := l.Clone()
	c.Upsert(entry(1, 20, 0))

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.RankOf(addr(0)))
	assert.Equal(t, 1, l.RankOf(addr(0)))
}

func TestLoadValidates(t *testing.T) {
	l := New(3, PolicyReplace)
	require.NoError(t, l.Load([]domain.ScoreEntry{entry(0, 30, 0), entry(1, 20, 0)}))
	assert.Equal(t, 2, l.RankOf(addr(1)))

	require.Error(t, l.Load([]domain.ScoreEntry{entry(0, 10, 0), entry(1, 20, 0)}))
	require.Error(t, l.Load([]domain.ScoreEntry{entry(0, 30, 0), entry(0, 20, 0)}))
	require.Error(t, l.Load([]domain.ScoreEntry{entry(0, 4, 0), entry(1, 3, 0), entry(2, 2, 0), entry(3, 1, 0)}))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyReplace, p)

	p, err = ParsePolicy("best")
	require.NoError(t, err)
	assert.Equal(t, PolicyBest, p)

	_, err = ParsePolicy("increment")
	require.Error(t, err)
}
