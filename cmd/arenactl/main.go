// Package main provides a command line client for the arena API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	sdkmath "cosmossdk.io/math"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/neon-arena/leaderboard/internal/auth"
	"github.com/neon-arena/leaderboard/internal/client"
	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/domain"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 15 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	serverURL  string
	authToken  string
	retries    int
	retryWrite bool
	timeout    time.Duration
	jsonOutput bool

	tokenConfig string
	tokenSecret string
	tokenIssuer string
	tokenWallet string
	tokenTTL    time.Duration

	submitGameType string
	boardLimit     int
	eventsAfter    uint64
	eventsLimit    int
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "arenactl",
		Short:         "Command line client for the Neon Arena leaderboard",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ARENA_SERVER", defaultServer), "API base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("ARENA_TOKEN"), "bearer token for calls made as a player")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", client.DefaultMaxAttempts, "attempts for transient failures")
	rootCmd.PersistentFlags().BoolVar(&retryWrite, "retry-writes", false, "also retry register, submit and fund after network errors (may apply twice)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", defaultTimeout, "overall deadline per command")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newBoardCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newRankCmd())
	rootCmd.AddCommand(newOverviewCmd())
	rootCmd.AddCommand(newFundCmd())
	rootCmd.AddCommand(newEventsCmd())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *client.Client {
	opts := []client.Option{client.WithToken(authToken), client.WithRetry(retries, client.DefaultBackoff)}
	if retryWrite {
		opts = append(opts, client.WithWriteRetries())
	}
	return client.New(serverURL, opts...)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <address>",
		Short: "Mint a caller token with the server's secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, issuer, ttl := tokenSecret, tokenIssuer, tokenTTL
			if tokenConfig != "" {
				cfg, err := config.Load(tokenConfig)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				if !cmd.Flags().Changed("secret") {
					secret = cfg.Auth.JWTSecret
				}
				if !cmd.Flags().Changed("issuer") {
					issuer = cfg.Auth.Issuer
				}
				if !cmd.Flags().Changed("ttl") {
					ttl = cfg.Auth.TokenTTL
				}
			}
			if secret == "" {
				return fmt.Errorf("a signing secret is required (--secret, ARENA_JWT_SECRET or --config)")
			}

			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			token, err := auth.NewManager(secret, issuer).GenerateToken(addr, domain.WalletType(tokenWallet), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&tokenConfig, "config", "", "server config file to read auth settings from")
	cmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("ARENA_JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().StringVar(&tokenIssuer, "issuer", "neon-arena", "token issuer")
	cmd.Flags().StringVar(&tokenWallet, "wallet", string(domain.WalletTypeMetaMask), "wallet type (email, polkadot, stellar, metamask)")
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register the token holder as a player",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			stats, err := newClient().RegisterPlayer(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s\n", stats.Player, stats.RegisteredAt.Format(time.RFC3339))
			return err
		},
	}
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <score>",
		Short: "Submit a game result for the token holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("score must be a non-negative integer: %w", err)
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			result, err := newClient().SubmitScore(ctx, score, submitGameType)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "score %d accepted (epoch %d)\n", score, result.Epoch)
			fmt.Fprintf(out, "weekly rank:   %s\n", rankLabel(result.WeeklyRank))
			fmt.Fprintf(out, "all-time rank: %s\n", rankLabel(result.AllTimeRank))
			if result.IsHighScore {
				fmt.Fprintf(out, "new high score (previous %d)\n", result.PreviousBest)
			}
			if result.EpochRolled {
				fmt.Fprintln(out, "a new week started with this submission")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&submitGameType, "game-type", "", "game label (default target_blitz)")
	return cmd
}

func rankLabel(rank int) string {
	if rank == 0 {
		return "unranked"
	}
	return "#" + strconv.Itoa(rank)
}

func newBoardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board <weekly|all-time>",
		Short: "Show a leaderboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			board, err := domain.ParseBoard(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			entries, err := newClient().Leaderboard(ctx, board, boardLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return printBoard(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&boardLimit, "limit", 0, "number of entries (server default when 0)")
	return cmd
}

func printBoard(w io.Writer, entries []domain.RankedEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no entries yet")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPLAYER\tSCORE\tGAME\tSUBMITTED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", e.Rank, e.Player, e.Score, e.GameType, e.Timestamp.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <address>",
		Short: "Show a player's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			stats, err := newClient().PlayerStats(ctx, addr)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			if !stats.IsRegistered {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is not registered\n", addr)
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "player\t%s\n", stats.Player)
			fmt.Fprintf(tw, "high score\t%d\n", stats.HighScore)
			fmt.Fprintf(tw, "games played\t%d\n", stats.TotalGamesPlayed)
			fmt.Fprintf(tw, "total score\t%d\n", stats.TotalScore)
			fmt.Fprintf(tw, "last played\t%s\n", formatTime(stats.LastPlayed))
			fmt.Fprintf(tw, "registered\t%s\n", formatTime(stats.RegisteredAt))
			return tw.Flush()
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func newRankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rank <address>",
		Short: "Show a player's positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			rank, err := newClient().PlayerRank(ctx, addr)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), rank)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "weekly %s, all-time %s\n",
				rankLabel(rank.WeeklyRank), rankLabel(rank.AllTimeRank))
			return err
		},
	}
}

func newOverviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Show totals and the current week",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			ov, err := newClient().Overview(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), ov)
			}
			remaining := "ended"
			if !ov.IsWeekEnded {
				remaining = (time.Duration(ov.WeekSecondsRemaining) * time.Second).String()
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "players\t%d\n", ov.TotalPlayers)
			fmt.Fprintf(tw, "epoch\t%d (started %s)\n", ov.Epoch, formatTime(ov.EpochStart))
			fmt.Fprintf(tw, "week remaining\t%s\n", remaining)
			fmt.Fprintf(tw, "prize pool\t%s\n", ov.WeeklyPrizePool)
			fmt.Fprintf(tw, "board size\t%d\n", ov.MaxLeaderboardSize)
			fmt.Fprintf(tw, "owner\t%s\n", ov.Owner)
			return tw.Flush()
		},
	}
}

func newFundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fund <amount>",
		Short: "Add base units to the weekly prize pool (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, ok := sdkmath.NewIntFromString(args[0])
			if !ok || !amount.IsPositive() {
				return fmt.Errorf("amount must be a positive integer, got %q", args[0])
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			pool, err := newClient().FundPrizePool(ctx, amount)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]sdkmath.Int{"weekly_prize_pool": pool})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "weekly prize pool is now %s\n", pool)
			return err
		},
	}
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through the contract event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			events, err := newClient().Events(ctx, eventsAfter, eventsLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), events)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTYPE\tEPOCH\tPLAYER\tDETAIL\tAT")
			for _, e := range events {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
					e.Sequence, e.Type, e.Epoch, e.Player, eventDetail(e), e.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Uint64Var(&eventsAfter, "after", 0, "only events with a higher sequence")
	cmd.Flags().IntVar(&eventsLimit, "limit", 0, "page size (server default when 0)")
	return cmd
}

func eventDetail(e domain.Event) string {
	switch e.Type {
	case domain.EventScoreSubmitted:
		return fmt.Sprintf("%d %s", e.Score, e.GameType)
	case domain.EventPrizePoolFunded, domain.EventEpochRolledOver:
		if e.Amount != nil {
			return e.Amount.String()
		}
	}
	return "-"
}
