// Package sqlite persists contract state in a local SQLite file, for single
// node deployments without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/neon-arena/leaderboard/internal/contract"
	"github.com/neon-arena/leaderboard/internal/domain"
	"github.com/neon-arena/leaderboard/internal/epoch"
	"github.com/neon-arena/leaderboard/internal/storage"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Store wraps SQLite access for contract state
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database and applies migrations
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps the pragmas and serializes writers
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is usable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS contract_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			owner TEXT NOT NULL,
			max_leaderboard_size INTEGER NOT NULL,
			epoch_number INTEGER NOT NULL,
			epoch_start TEXT NOT NULL,
			prize_pool TEXT NOT NULL,
			next_sequence INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS players (
			address TEXT PRIMARY KEY,
			high_score TEXT NOT NULL,
			total_games_played TEXT NOT NULL,
			total_score TEXT NOT NULL,
			last_played TEXT NOT NULL,
			registered_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ranking_entries (
			board TEXT NOT NULL,
			position INTEGER NOT NULL,
			player TEXT NOT NULL REFERENCES players(address),
			score TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			game_type TEXT NOT NULL,
			PRIMARY KEY (board, position),
			UNIQUE (board, player)
		);`,
		`CREATE TABLE IF NOT EXISTS contract_events (
			sequence INTEGER PRIMARY KEY,
			event_type TEXT NOT NULL,
			player TEXT NOT NULL,
			score TEXT NOT NULL,
			game_type TEXT NOT NULL,
			amount TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contract_events_player ON contract_events(player);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Init replaces all stored state with snap
func (s *Store) Init(ctx context.Context, snap *contract.Snapshot) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"contract_events", "ranking_entries", "players", "contract_state"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO contract_state (id, owner, max_leaderboard_size, epoch_number, epoch_start, prize_pool, next_sequence)
			 VALUES (1, ?, ?, ?, ?, ?, ?)`,
			snap.Owner.String(),
			snap.MaxLeaderboardSize,
			int64(snap.Epoch.Number),
			storage.FormatTime(snap.Epoch.Start),
			storage.FormatAmount(snap.WeeklyPrizePool),
			int64(snap.NextSequence),
		)
		if err != nil {
			return fmt.Errorf("inserting contract state: %w", err)
		}
		for _, p := range snap.Players {
			if err := upsertPlayer(ctx, tx, p); err != nil {
				return err
			}
		}
		if err := writeBoard(ctx, tx, domain.BoardWeekly, snap.Weekly); err != nil {
			return err
		}
		return writeBoard(ctx, tx, domain.BoardAllTime, snap.AllTime)
	})
	if err != nil {
		return fmt.Errorf("initializing state: %w", err)
	}
	s.logger.Info("sqlite store initialized", "players", len(snap.Players))
	return nil
}

// Persist writes a transition in one database transaction
func (s *Store) Persist(ctx context.Context, tr *contract.Transition) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE contract_state SET epoch_number = ?, epoch_start = ?, prize_pool = ?, next_sequence = ? WHERE id = 1`,
			int64(tr.Epoch.Number),
			storage.FormatTime(tr.Epoch.Start),
			storage.FormatAmount(tr.PrizePool),
			int64(tr.NextSequence),
		)
		if err != nil {
			return fmt.Errorf("updating contract state: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return domain.ErrNotInitialized
		}

		if tr.Stats != nil {
			if err := upsertPlayer(ctx, tx, *tr.Stats); err != nil {
				return err
			}
		}
		if tr.Weekly != nil {
			if err := writeBoard(ctx, tx, domain.BoardWeekly, tr.Weekly); err != nil {
				return err
			}
		}
		if tr.AllTime != nil {
			if err := writeBoard(ctx, tx, domain.BoardAllTime, tr.AllTime); err != nil {
				return err
			}
		}
		for _, e := range tr.Events {
			if err := insertEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting transition: %w", err)
	}
	return nil
}

func upsertPlayer(ctx context.Context, tx *sql.Tx, p domain.PlayerStats) error {
	lastPlayed := ""
	if !p.LastPlayed.IsZero() {
		lastPlayed = storage.FormatTime(p.LastPlayed)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO players (address, high_score, total_games_played, total_score, last_played, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (address) DO UPDATE SET
			high_score = excluded.high_score,
			total_games_played = excluded.total_games_played,
			total_score = excluded.total_score,
			last_played = excluded.last_played`,
		p.Player.String(),
		storage.FormatUint(p.HighScore),
		storage.FormatUint(p.TotalGamesPlayed),
		storage.FormatUint(p.TotalScore),
		lastPlayed,
		storage.FormatTime(p.RegisteredAt),
	)
	if err != nil {
		return fmt.Errorf("upserting player %s: %w", p.Player, err)
	}
	return nil
}

func writeBoard(ctx context.Context, tx *sql.Tx, board domain.Board, entries []domain.ScoreEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ranking_entries WHERE board = ?`, string(board)); err != nil {
		return fmt.Errorf("clearing %s board: %w", board, err)
	}
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ranking_entries (board, position, player, score, submitted_at, game_type)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing %s board insert: %w", board, err)
	}
	defer stmt.Close()
	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			string(board),
			i+1,
			e.Player.String(),
			storage.FormatUint(e.Score),
			storage.FormatTime(e.Timestamp),
			e.GameType,
		); err != nil {
			return fmt.Errorf("writing %s board: %w", board, err)
		}
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	amount := ""
	if e.Amount != nil {
		amount = storage.FormatAmount(*e.Amount)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO contract_events (sequence, event_type, player, score, game_type, amount, epoch, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.Sequence),
		string(e.Type),
		e.Player.String(),
		storage.FormatUint(e.Score),
		e.GameType,
		amount,
		int64(e.Epoch),
		storage.FormatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("recording event %d: %w", e.Sequence, err)
	}
	return nil
}

// LoadSnapshot rebuilds the stored state, or returns nil if none was stored
func (s *Store) LoadSnapshot(ctx context.Context) (*contract.Snapshot, error) {
	var (
		snap                    contract.Snapshot
		owner, epochStart, pool string
		epochNumber, nextSeq    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, max_leaderboard_size, epoch_number, epoch_start, prize_pool, next_sequence
		 FROM contract_state WHERE id = 1`,
	).Scan(&owner, &snap.MaxLeaderboardSize, &epochNumber, &epochStart, &pool, &nextSeq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	start, err := storage.ParseTime(epochStart)
	if err != nil {
		return nil, err
	}
	snap.Epoch = epoch.Window{Number: uint64(epochNumber), Start: start}
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, high_score, total_games_played, total_score, last_played, registered_at
		 FROM players ORDER BY registered_at, address`)
	if err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}
	defer rows.Close()

	var players []domain.PlayerStats
	for rows.Next() {
		var (
			address, high, games, total, lastPlayed, registeredAt string
			p                                                     domain.PlayerStats
		)
		if err := rows.Scan(&address, &high, &games, &total, &lastPlayed, &registeredAt); err != nil {
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
		if lastPlayed != "" {
			if p.LastPlayed, err = storage.ParseTime(lastPlayed); err != nil {
				return nil, err
			}
		}
		if p.RegisteredAt, err = storage.ParseTime(registeredAt); err != nil {
			return nil, err
		}
		p.IsRegistered = true
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}
	return players, nil
}

func (s *Store) loadBoard(ctx context.Context, board domain.Board) ([]domain.ScoreEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT player, score, submitted_at, game_type
		 FROM ranking_entries WHERE board = ? ORDER BY position`, string(board))
	if err != nil {
		return nil, fmt.Errorf("loading %s board: %w", board, err)
	}
	defer rows.Close()

	var entries []domain.ScoreEntry
	for rows.Next() {
		var (
			player, score, submittedAt string
			e                          domain.ScoreEntry
		)
		if err := rows.Scan(&player, &score, &submittedAt, &e.GameType); err != nil {
			return nil, fmt.Errorf("scanning %s entry: %w", board, err)
		}
		if e.Player, err = storage.ParsePlayer(player); err != nil {
			return nil, err
		}
		if e.Score, err = storage.ParseUint(score); err != nil {
			return nil, err
		}
		if e.Timestamp, err = storage.ParseTime(submittedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading %s board: %w", board, err)
	}
	return entries, nil
}

// Events returns logged events with a sequence above after, oldest first
func (s *Store) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, event_type, player, score, game_type, amount, epoch, created_at
		 FROM contract_events WHERE sequence > ? ORDER BY sequence LIMIT ?`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			seq, ep                                  int64
			typ, player, score, gameType, amount, at string
			e                                        domain.Event
		)
		if err := rows.Scan(&seq, &typ, &player, &score, &gameType, &amount, &ep, &at); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Type = domain.EventType(typ)
		e.Player = domain.Address(player)
		if e.Score, err = storage.ParseUint(score); err != nil {
			return nil, err
		}
		e.GameType = gameType
		if amount != "" {
			v, err := storage.ParseAmount(amount)
			if err != nil {
				return nil, err
			}
			e.Amount = &v
		}
		e.Epoch = uint64(ep)
		if e.Timestamp, err = storage.ParseTime(at); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}
