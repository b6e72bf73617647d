package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/contract"
	"github.com/neon-arena/leaderboard/internal/domain"
	"github.com/neon-arena/leaderboard/internal/epoch"
	"github.com/neon-arena/leaderboard/internal/storage"
)

// Store persists contract state in PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore connects to PostgreSQL
func NewStore(cfg *config.PostgresConfig, logger *slog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (s *Store) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS contract_state (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			owner VARCHAR(42) NOT NULL,
			max_leaderboard_size INT NOT NULL,
			epoch_number BIGINT NOT NULL,
			epoch_start TIMESTAMPTZ NOT NULL,
			prize_pool NUMERIC(78, 0) NOT NULL DEFAULT 0,
			next_sequence BIGINT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			address VARCHAR(42) PRIMARY KEY,
			high_score NUMERIC(20, 0) NOT NULL DEFAULT 0,
			total_games_played NUMERIC(20, 0) NOT NULL DEFAULT 0,
			total_score NUMERIC(20, 0) NOT NULL DEFAULT 0,
			last_played TIMESTAMPTZ,
			registered_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ranking_entries (
			board VARCHAR(16) NOT NULL,
			position INT NOT NULL,
			player VARCHAR(42) NOT NULL REFERENCES players(address),
			score NUMERIC(20, 0) NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			game_type VARCHAR(32) NOT NULL,
			PRIMARY KEY (board, position),
			UNIQUE (board, player)
		)`,
		`CREATE TABLE IF NOT EXISTS contract_events (
			sequence BIGINT PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			player VARCHAR(42),
			score NUMERIC(20, 0),
			game_type VARCHAR(32),
			amount NUMERIC(78, 0),
			epoch BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contract_events_player ON contract_events(player, sequence DESC)`,
	}

	for _, migration := range migrations {
		_, err := s.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	s.logger.Info("database migrations completed")
	return nil
}

// Init replaces all stored state with snap
func (s *Store) Init(ctx context.Context, snap *contract.Snapshot) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"contract_events", "ranking_entries", "players", "contract_state"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO contract_state (id, owner, max_leaderboard_size, epoch_number, epoch_start, prize_pool, next_sequence)
			VALUES (1, $1, $2, $3, $4, $5::numeric, $6)
		`,
			snap.Owner.String(),
			snap.MaxLeaderboardSize,
			int64(snap.Epoch.Number),
			snap.Epoch.Start,
			storage.FormatAmount(snap.WeeklyPrizePool),
			int64(snap.NextSequence),
		)
		if err != nil {
			return fmt.Errorf("inserting contract state: %w", err)
		}

		batch := &pgx.Batch{}
		for _, p := range snap.Players {
			queuePlayer(batch, p)
		}
		queueBoard(batch, domain.BoardWeekly, snap.Weekly)
		queueBoard(batch, domain.BoardAllTime, snap.AllTime)
		return sendBatch(ctx, tx, batch)
	})
	if err != nil {
		return fmt.Errorf("initializing state: %w", err)
	}
	return nil
}

// Persist writes a transition in one database transaction
func (s *Store) Persist(ctx context.Context, tr *contract.Transition) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE contract_state
			SET epoch_number = $1, epoch_start = $2, prize_pool = $3::numeric, next_sequence = $4, updated_at = $5
			WHERE id = 1
		`,
			int64(tr.Epoch.Number),
			tr.Epoch.Start,
			storage.FormatAmount(tr.PrizePool),
			int64(tr.NextSequence),
			time.Now(),
		)
		if err != nil {
			return fmt.Errorf("updating contract state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotInitialized
		}

		batch := &pgx.Batch{}
		if tr.Stats != nil {
			queuePlayer(batch, *tr.Stats)
		}
		if tr.Weekly != nil {
			queueBoard(batch, domain.BoardWeekly, tr.Weekly)
		}
		if tr.AllTime != nil {
			queueBoard(batch, domain.BoardAllTime, tr.AllTime)
		}
		for _, e := range tr.Events {
			queueEvent(batch, e)
		}
		return sendBatch(ctx, tx, batch)
	})
	if err != nil {
		return fmt.Errorf("persisting transition: %w", err)
	}
	return nil
}

func queuePlayer(batch *pgx.Batch, p domain.PlayerStats) {
	var lastPlayed *time.Time
	if !p.LastPlayed.IsZero() {
		lastPlayed = &p.LastPlayed
	}
	batch.Queue(`
		INSERT INTO players (address, high_score, total_games_played, total_score, last_played, registered_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5, $6)
		ON CONFLICT (address)
		DO UPDATE SET high_score = $2::numeric, total_games_played = $3::numeric, total_score = $4::numeric, last_played = $5
	`,
		p.Player.String(),
		storage.FormatUint(p.HighScore),
		storage.FormatUint(p.TotalGamesPlayed),
		storage.FormatUint(p.TotalScore),
		lastPlayed,
		p.RegisteredAt,
	)
}

// queueBoard rewrites a whole board; a list holds at most the leaderboard cap
func queueBoard(batch *pgx.Batch, board domain.Board, entries []domain.ScoreEntry) {
	batch.Queue(`DELETE FROM ranking_entries WHERE board = $1`, string(board))
	for i, e := range entries {
		batch.Queue(`
			INSERT INTO ranking_entries (board, position, player, score, submitted_at, game_type)
			VALUES ($1, $2, $3, $4::numeric, $5, $6)
		`,
			string(board),
			i+1,
			e.Player.String(),
			storage.FormatUint(e.Score),
			e.Timestamp,
			e.GameType,
		)
	}
}

func queueEvent(batch *pgx.Batch, e domain.Event) {
	var player, score, gameType, amount *string
	if !e.Player.IsZero() {
		v := e.Player.String()
		player = &v
	}
	if e.Score > 0 {
		v := storage.FormatUint(e.Score)
		score = &v
	}
	if e.GameType != "" {
		gameType = &e.GameType
	}
	if e.Amount != nil {
		v := storage.FormatAmount(*e.Amount)
		amount = &v
	}
	batch.Queue(`
		INSERT INTO contract_events (sequence, event_type, player, score, game_type, amount, epoch, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7, $8)
	`,
		int64(e.Sequence),
		string(e.Type),
		player,
		score,
		gameType,
		amount,
		int64(e.Epoch),
		e.Timestamp,
	)
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("executing batch statement %d: %w", i, err)
		}
	}
	return br.Close()
}

// LoadSnapshot rebuilds the stored state, or returns nil if none was stored
func (s *Store) LoadSnapshot(ctx context.Context) (*contract.Snapshot, error) {
	var (
		snap                 contract.Snapshot
		owner, pool          string
		epochNumber, nextSeq int64
		epochStart           time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT owner, max_leaderboard_size, epoch_number, epoch_start, prize_pool::text, next_sequence
		FROM contract_state
		WHERE id = 1
	`).Scan(&owner, &snap.MaxLeaderboardSize, &epochNumber, &epochStart, &pool, &nextSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading contract state: %w", err)
	}

	if snap.Owner, err = storage.ParsePlayer(owner); err != nil {
		return nil, err
	}
	if snap.WeeklyPrizePool, err = storage.ParseAmount(pool); err != nil {
		return nil, err
	}
	snap.Epoch = epoch.Window{Number: uint64(epochNumber), Start: epochStart.UTC()}
	snap.NextSequence = uint64(nextSeq)

	if snap.Players, err = s.loadPlayers(ctx); err != nil {
		return nil, err
	}
	if snap.Weekly, err = s.loadBoard(ctx, domain.BoardWeekly); err != nil {
		return nil, err
	}
	if snap.AllTime, err = s.loadBoard(ctx, domain.BoardAllTime); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) loadPlayers(ctx context.Context) ([]domain.PlayerStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, high_score::text, total_games_played::text, total_score::text, last_played, registered_at
		FROM players
		ORDER BY registered_at, address
	`)
	if err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}
	defer rows.Close()

	var players []domain.PlayerStats
	for rows.Next() {
		var (
			address, high, games, total string
			lastPlayed                  *time.Time
			p                           domain.PlayerStats
		)
		if err := rows.Scan(&address, &high, &games, &total, &lastPlayed, &p.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		if p.Player, err = storage.ParsePlayer(address); err != nil {
			return nil, err
		}
		if p.HighScore, err = storage.ParseUint(high); err != nil {
			return nil, err
		}
		if p.TotalGamesPlayed, err = storage.ParseUint(games); err != nil {
			return nil, err
		}
		if p.TotalScore, err = storage.ParseUint(total); err != nil {
			return nil, err
		}
		if lastPlayed != nil {
			p.LastPlayed = lastPlayed.UTC()
		}
		p.RegisteredAt = p.RegisteredAt.UTC()
		p.IsRegistered = true
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}
	return players, nil
}

func (s *Store) loadBoard(ctx context.Context, board domain.Board) ([]domain.ScoreEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player, score::text, submitted_at, game_type
		FROM ranking_entries
		WHERE board = $1
		ORDER BY position
	`, string(board))
	if err != nil {
		return nil, fmt.Errorf("loading %s board: %w", board, err)
	}
	defer rows.Close()

	var entries []domain.ScoreEntry
	for rows.Next() {
		var (
			player, score string
			e             domain.ScoreEntry
		)
		if err := rows.Scan(&player, &score, &e.Timestamp, &e.GameType); err != nil {
			return nil, fmt.Errorf("scanning %s entry: %w", board, err)
		}
		if e.Player, err = storage.ParsePlayer(player); err != nil {
			return nil, err
		}
		if e.Score, err = storage.ParseUint(score); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading %s board: %w", board, err)
	}
	return entries, nil
}

// Events returns logged events with a sequence above after, oldest first
func (s *Store) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, event_type, COALESCE(player, ''), COALESCE(score::text, '0'),
			COALESCE(game_type, ''), amount::text, epoch, created_at
		FROM contract_events
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			seq, ep                      int64
			typ, player, score, gameType string
			amount                       *string
			e                            domain.Event
		)
		if err := rows.Scan(&seq, &typ, &player, &score, &gameType, &amount, &ep, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Type = domain.EventType(typ)
		e.Player = domain.Address(player)
		if e.Score, err = storage.ParseUint(score); err != nil {
			return nil, err
		}
		e.GameType = gameType
		if amount != nil {
			v, err := storage.ParseAmount(*amount)
			if err != nil {
				return nil, err
			}
			e.Amount = &v
		}
		e.Epoch = uint64(ep)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}
