package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neon-arena/leaderboard/internal/auth"
	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/contract"
	"github.com/neon-arena/leaderboard/internal/domain"
	"github.com/neon-arena/leaderboard/internal/handler"
	"github.com/neon-arena/leaderboard/internal/service"
	"github.com/neon-arena/leaderboard/internal/websocket"
)

var (
	owner  = domain.MustParseAddress("0x00000000000000000000000000000000000000aa")
	player = domain.MustParseAddress("0x000000000000000000000000000000000000000a")
)

func writeEnvelope(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			writeEnvelope(w, http.StatusServiceUnavailable, `{"success":false,"error":"internal server error"}`)
		case 2:
			writeEnvelope(w, http.StatusTooManyRequests, `{"success":false,"error":"rate limit exceeded"}`)
		default:
			writeEnvelope(w, http.StatusOK, `{"success":true,"data":{"total_players":7,"weekly_prize_pool":"12"}}`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(3, time.Millisecond))
	ov, err := c.Overview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 7, ov.TotalPlayers)
	assert.Equal(t, "12", ov.WeeklyPrizePool.String())
}

func TestRejectionsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusConflict, `{"success":false,"error":"player already registered"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(5, time.Millisecond))
	_, err := c.RegisterPlayer(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.ErrorIs(t, err, domain.ErrAlreadyRegistered)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(2, time.Millisecond))
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestNetworkErrorsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, WithRetry(2, time.Millisecond))
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := New(srv.URL, WithRetry(100, time.Second))
	err := c.Health(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWritesNotRetriedByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusServiceUnavailable, `{"success":false,"error":"internal server error"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(3, time.Millisecond))
	_, err := c.SubmitScore(context.Background(), 10, "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	calls.Store(0)
	c = New(srv.URL, WithRetry(3, time.Millisecond), WithWriteRetries())
	_, err = c.SubmitScore(context.Background(), 10, "")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWriteNetworkErrorNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, WithRetry(3, time.Millisecond))
	_, err := c.SubmitScore(context.Background(), 10, "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "attempts")

	c = New(url, WithRetry(2, time.Millisecond), WithWriteRetries())
	_, err = c.SubmitScore(context.Background(), 10, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestWritesRetriedWhenRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeEnvelope(w, http.StatusTooManyRequests, `{"success":false,"error":"rate limit exceeded"}`)
			return
		}
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":{"weekly_rank":2,"all_time_rank":3}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(3, time.Millisecond))
	result, err := c.SubmitScore(context.Background(), 10, "neon_dash")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, result.WeeklyRank)
	assert.Equal(t, 3, result.AllTimeRank)
}

func TestAgainstServer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctr, err := contract.New(contract.Config{}, owner, time.Now())
	require.NoError(t, err)
	cfg := &config.LeaderboardConfig{DefaultLimit: 10, MaxLimit: 100, BroadcastLimit: 10}
	svc := service.NewArenaService(ctr, service.NewMemoryStore(), cfg, logger)
	require.NoError(t, svc.Restore(context.Background()))
	tokens := auth.NewManager("secret", "neon-arena")
	h := handler.NewHandler(svc, websocket.NewHub(logger), tokens, cfg, logger)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	ctx := context.Background()
	playerToken, err := tokens.GenerateToken(player, domain.WalletTypeEmail, time.Hour)
	require.NoError(t, err)
	ownerToken, err := tokens.GenerateToken(owner, domain.WalletTypeMetaMask, time.Hour)
	require.NoError(t, err)

	pc := New(srv.URL, WithToken(playerToken), WithRetry(1, 0))
	_, err = pc.SubmitScore(ctx, 10, "")
	require.ErrorIs(t, err, domain.ErrNotRegistered)

	stats, err := pc.RegisterPlayer(ctx)
	require.NoError(t, err)
	assert.True(t, stats.IsRegistered)

	result, err := pc.SubmitScore(ctx, 420, "neon_dash")
	require.NoError(t, err)
	assert.Equal(t, 1, result.WeeklyRank)
	assert.Equal(t, uint64(420), result.Stats.TotalScore)

	_, err = pc.SubmitScore(ctx, 0, "")
	require.ErrorIs(t, err, domain.ErrInvalidScore)

	entries, err := pc.Leaderboard(ctx, domain.BoardAllTime, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "neon_dash", entries[0].GameType)

	_, err = pc.Leaderboard(ctx, domain.BoardWeekly, 1000)
	require.ErrorIs(t, err, domain.ErrInvalidLimit)

	rank, err := pc.PlayerRank(ctx, player)
	require.NoError(t, err)
	assert.Equal(t, 1, rank.AllTimeRank)

	got, err := pc.PlayerStats(ctx, player)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.TotalGamesPlayed)

	_, err = pc.FundPrizePool(ctx, sdkmath.NewInt(5))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	oc := New(srv.URL, WithToken(ownerToken))
	pool, err := oc.FundPrizePool(ctx, sdkmath.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, "5", pool.String())

	ov, err := oc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ov.TotalPlayers)
	assert.Equal(t, owner, ov.Owner)

	events, err := oc.Events(ctx, 0, 50)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	var apiErr *APIError
	anon := New(srv.URL)
	_, err = anon.RegisterPlayer(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
