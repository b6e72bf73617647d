package websocket

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neon-arena/leaderboard/internal/domain"
)

type wireMessage struct {
	Type  string `json:"type"`
	Board string `json:"board"`
	Data  struct {
		Board        string `json:"board"`
		Version      uint64 `json:"version"`
		TotalPlayers int    `json:"total_players"`
		Entries      []struct {
			Rank   int    `json:"rank"`
			Player string `json:"player"`
			Score  uint64 `json:"score"`
		} `json:"entries"`
		Type     string `json:"type"`
		Sequence uint64 `json:"sequence"`
		Error    string `json:"error"`
	} `json:"data"`
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func sampleEntries() []domain.RankedEntry {
	return domain.WithRanks([]domain.ScoreEntry{
		{Player: "0x000000000000000000000000000000000000000a", Score: 90, GameType: "target_blitz"},
		{Player: "0x000000000000000000000000000000000000000b", Score: 40, GameType: "target_blitz"},
	})
}

func TestSubscribeAndReceiveUpdate(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "weekly"}))
	ack := read(t, conn)
	assert.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.Equal(t, "weekly", ack.Board)

	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount(domain.BoardWeekly) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastLeaderboardUpdate(domain.BoardWeekly, 1, sampleEntries(), 2)
	msg := read(t, conn)
	assert.Equal(t, MessageTypeLeaderboardUpdate, msg.Type)
	assert.Equal(t, "weekly", msg.Data.Board)
	assert.Equal(t, 2, msg.Data.TotalPlayers)
	assert.Equal(t, uint64(1), msg.Data.Version)
	require.Len(t, msg.Data.Entries, 2)
	assert.Equal(t, 1, msg.Data.Entries[0].Rank)
	assert.Equal(t, uint64(90), msg.Data.Entries[0].Score)
}

func TestUpdatesOnlyReachBoardSubscribers(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "all-time"}))
	ack := read(t, conn)
	assert.Equal(t, "all_time", ack.Board)
	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount(domain.BoardAllTime) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastLeaderboardUpdate(domain.BoardWeekly, 1, sampleEntries(), 2)
	hub.BroadcastLeaderboardUpdate(domain.BoardAllTime, 1, sampleEntries()[:1], 2)

	msg := read(t, conn)
	assert.Equal(t, "all_time", msg.Board)
	assert.Len(t, msg.Data.Entries, 1)
}

func TestLatestUpdateReplayedOnSubscribe(t *testing.T) {
	hub, url := startHub(t)
	hub.BroadcastLeaderboardUpdate(domain.BoardWeekly, 1, sampleEntries(), 2)
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		_, ok := hub.latest[domain.BoardWeekly]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, url)
	require.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "weekly"}))
	assert.Equal(t, MessageTypeSubscribed, read(t, conn).Type)

	msg := read(t, conn)
	assert.Equal(t, MessageTypeLeaderboardUpdate, msg.Type)
	assert.Len(t, msg.Data.Entries, 2)
}

func TestStaleUpdatesDropped(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "weekly"}))
	assert.Equal(t, MessageTypeSubscribed, read(t, conn).Type)
	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount(domain.BoardWeekly) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastLeaderboardUpdate(domain.BoardWeekly, 5, sampleEntries(), 2)
	hub.BroadcastLeaderboardUpdate(domain.BoardWeekly, 3, sampleEntries()[:1], 1)
	hub.BroadcastLeaderboardUpdate(domain.BoardWeekly, 5, sampleEntries(), 2)
	hub.BroadcastLeaderboardUpdate(domain.BoardWeekly, 6, sampleEntries()[:1], 2)

	assert.Equal(t, uint64(5), read(t, conn).Data.Version)
	assert.Equal(t, uint64(5), read(t, conn).Data.Version, "same version is a rebroadcast")
	last := read(t, conn)
	assert.Equal(t, uint64(6), last.Data.Version)
	assert.Len(t, last.Data.Entries, 1)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Equal(t, uint64(6), hub.latestVersion[domain.BoardWeekly])
}

func TestContractEventsReachEveryClient(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastEvents([]domain.Event{{
		Sequence:  4,
		Type:      domain.EventPlayerRegistered,
		Player:    "0x000000000000000000000000000000000000000a",
		Epoch:     1,
		Timestamp: time.Now(),
	}})

	msg := read(t, conn)
	assert.Equal(t, MessageTypeContractEvent, msg.Type)
	assert.Equal(t, string(domain.EventPlayerRegistered), msg.Data.Type)
	assert.Equal(t, uint64(4), msg.Data.Sequence)
}

func TestInvalidClientMessages(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := read(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "invalid message format", msg.Data.Error)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "monthly"}))
	msg = read(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, read(t, conn).Type)
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "weekly"}))
	read(t, conn)
	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount(domain.BoardWeekly) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 0 && hub.GetSubscriberCount(domain.BoardWeekly) == 0
	}, 2*time.Second, 10*time.Millisecond)

	stats := hub.Stats()
	assert.Equal(t, 0, stats["total_connections"])
	assert.Equal(t, 0, stats["weekly_subscribers"])
}
