package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/neon-arena/leaderboard/internal/domain"
)

// BoardCache mirrors the boards and contract overview into Redis for readers
// outside this process. The sorted set score is the 1-based position, so
// ZRANGE returns the exact contract order, ties included.
type BoardCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewBoardCache creates a mirror writing under prefix
func NewBoardCache(client *redis.Client, prefix string, logger *slog.Logger) *BoardCache {
	return &BoardCache{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// boardKey returns the Redis key for a board's sorted set
func (c *BoardCache) boardKey(board domain.Board) string {
	return fmt.Sprintf("%s:board:%s", c.prefix, board)
}

// entriesKey returns the Redis key for a board's entry hash
func (c *BoardCache) entriesKey(board domain.Board) string {
	return fmt.Sprintf("%s:board:%s:entries", c.prefix, board)
}

// metaKey returns the Redis key for the overview hash
func (c *BoardCache) metaKey() string {
	return c.prefix + ":meta"
}

// Sync replaces both boards and the overview in one MULTI/EXEC block
func (c *BoardCache) Sync(ctx context.Context, state domain.BoardState) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, board := range domain.Boards {
			if err := c.queueBoard(ctx, pipe, board, state.Entries(board)); err != nil {
				return err
			}
		}
		c.queueOverview(ctx, pipe, state.Overview)
		return nil
	})
	if err != nil {
		return fmt.Errorf("syncing boards: %w", err)
	}
	return nil
}

// MirrorBoard replaces a single board
func (c *BoardCache) MirrorBoard(ctx context.Context, board domain.Board, entries []domain.RankedEntry) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return c.queueBoard(ctx, pipe, board, entries)
	})
	if err != nil {
		return fmt.Errorf("mirroring %s board: %w", board, err)
	}
	return nil
}

func (c *BoardCache) queueBoard(ctx context.Context, pipe redis.Pipeliner, board domain.Board, entries []domain.RankedEntry) error {
	key := c.boardKey(board)
	hashKey := c.entriesKey(board)
	pipe.Del(ctx, key, hashKey)
	if len(entries) == 0 {
		return nil
	}

	members := make([]redis.Z, len(entries))
	fields := make([]interface{}, 0, 2*len(entries))
	for i, e := range entries {
		members[i] = redis.Z{Score: float64(e.Rank), Member: e.Player.String()}
		data, err := json.Marshal(e.ScoreEntry)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		fields = append(fields, e.Player.String(), data)
	}
	pipe.ZAdd(ctx, key, members...)
	pipe.HSet(ctx, hashKey, fields...)
	return nil
}

func (c *BoardCache) queueOverview(ctx context.Context, pipe redis.Pipeliner, ov domain.Overview) {
	pipe.HSet(ctx, c.metaKey(),
		"total_players", ov.TotalPlayers,
		"epoch", strconv.FormatUint(ov.Epoch, 10),
		"epoch_start", ov.EpochStart.Unix(),
		"is_week_ended", strconv.FormatBool(ov.IsWeekEnded),
		"week_seconds_remaining", ov.WeekSecondsRemaining,
		"weekly_prize_pool", ov.WeeklyPrizePool.String(),
		"max_leaderboard_size", ov.MaxLeaderboardSize,
		"owner", ov.Owner.String(),
	)
}

// TopN reads the first n entries of a mirrored board
func (c *BoardCache) TopN(ctx context.Context, board domain.Board, n int) ([]domain.RankedEntry, error) {
	players, err := c.client.ZRange(ctx, c.boardKey(board), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	if len(players) == 0 {
		return []domain.RankedEntry{}, nil
	}

	values, err := c.client.HMGet(ctx, c.entriesKey(board), players...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting entries: %w", err)
	}

	entries := make([]domain.RankedEntry, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// board rewritten between the two reads
			c.logger.Debug("mirrored entry missing", "board", board, "player", players[i])
			continue
		}
		var e domain.ScoreEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decoding entry: %w", err)
		}
		entries = append(entries, domain.RankedEntry{Rank: len(entries) + 1, ScoreEntry: e})
	}
	return entries, nil
}

// Meta returns the mirrored overview fields
func (c *BoardCache) Meta(ctx context.Context) (map[string]string, error) {
	result, err := c.client.HGetAll(ctx, c.metaKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("getting meta: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("getting meta: %w", redis.Nil)
	}
	return result, nil
}

// Ping checks the server answers
func (c *BoardCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
