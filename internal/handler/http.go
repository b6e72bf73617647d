package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"github.com/neon-arena/leaderboard/internal/auth"
	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/domain"
	"github.com/neon-arena/leaderboard/internal/service"
	"github.com/neon-arena/leaderboard/internal/websocket"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 16

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler provides HTTP handlers for the arena API
type Handler struct {
	service *service.ArenaService
	hub     *websocket.Hub
	tokens  *auth.Manager
	config  *config.LeaderboardConfig
	checks  map[string]ReadinessCheck
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	svc *service.ArenaService,
	hub *websocket.Hub,
	tokens *auth.Manager,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		service: svc,
		hub:     hub,
		tokens:  tokens,
		config:  cfg,
		checks:  make(map[string]ReadinessCheck),
		logger:  logger,
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SubmitScoreRequest is the body of POST /api/v1/scores. Score is kept as the
// raw number so negative values fail as an invalid score, not a bad body.
type SubmitScoreRequest struct {
	Score    jsoniter.Number `json:"score"`
	GameType string          `json:"game_type,omitempty"`
}

// FundPrizePoolRequest is the body of POST /api/v1/admin/prize-pool. Amount is
// a decimal string in base units.
type FundPrizePoolRequest struct {
	Amount string `json:"amount"`
}

// FundPrizePoolResponse reports the pool balance after funding
type FundPrizePoolResponse struct {
	WeeklyPrizePool sdkmath.Int `json:"weekly_prize_pool"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/leaderboard", func(r chi.Router) {
			r.Get("/weekly", h.boardHandler(domain.BoardWeekly))
			r.Get("/all-time", h.boardHandler(domain.BoardAllTime))
			r.Get("/{board}", h.GetLeaderboard)
		})

		r.Get("/players/{address}/stats", h.GetPlayerStats)
		r.Get("/players/{address}/rank", h.GetPlayerRank)
		r.Get("/overview", h.GetOverview)
		r.Get("/events", h.GetEvents)

		// Calls that act on behalf of the token holder
		r.Group(func(r chi.Router) {
			r.Use(h.tokens.Middleware(h.unauthorized))
			r.Post("/players/register", h.RegisterPlayer)
			r.Post("/scores", h.SubmitScore)
			r.Post("/admin/prize-pool", h.FundPrizePool)
		})

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// statusFor maps a call error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotRegistered), errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case domain.IsRejection(err), errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Infrastructure failures are logged
// and hidden behind ErrInternalError.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"op", op,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		h.writeError(w, status, domain.ErrInternalError)
		return
	}
	h.writeError(w, status, err)
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	h.writeError(w, http.StatusUnauthorized, err)
}

// caller returns the token holder. Only valid behind the auth middleware.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	addr, ok := auth.CallerFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
	}
	return addr, ok
}

// decode reads a JSON body into v
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return false
	}
	return true
}

// limit parses ?limit=, falling back to the configured default
func (h *Handler) limit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return h.config.DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.ErrInvalidLimit
	}
	return n, nil
}

func (h *Handler) address(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return addr, true
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.hub.Stats())
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck probes every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ready"}
	ready := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			ready = false
			continue
		}
		status[name] = "ok"
	}
	if !ready {
		status["status"] = "not_ready"
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{Success: false, Data: status, Error: "not ready"})
		return
	}
	h.writeSuccess(w, status)
}

// RegisterPlayer registers the token holder
func (h *Handler) RegisterPlayer(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	stats, err := h.service.RegisterPlayer(r.Context(), caller)
	if err != nil {
		h.fail(w, r, "register_player", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    stats,
	})
}

// SubmitScore records a game result for the token holder
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req SubmitScoreRequest
	if !h.decode(w, r, &req) {
		return
	}

	score, err := domain.ParseScore(req.Score.String())
	if err != nil {
		h.fail(w, r, "submit_score", err)
		return
	}

	result, err := h.service.SubmitScore(r.Context(), caller, domain.ScoreSubmission{
		Score:    score,
		GameType: req.GameType,
	})
	if err != nil {
		h.fail(w, r, "submit_score", err)
		return
	}

	h.writeSuccess(w, result)
}

// FundPrizePool adds to the weekly pool. Owner only.
func (h *Handler) FundPrizePool(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req FundPrizePoolRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := sdkmath.NewIntFromString(req.Amount)
	if !ok {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidAmount)
		return
	}

	pool, err := h.service.FundPrizePool(r.Context(), caller, amount)
	if err != nil {
		h.fail(w, r, "fund_prize_pool", err)
		return
	}

	h.writeSuccess(w, FundPrizePoolResponse{WeeklyPrizePool: pool})
}

func (h *Handler) boardHandler(board domain.Board) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serveBoard(w, r, board)
	}
}

// GetLeaderboard serves a board named in the path
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := domain.ParseBoard(chi.URLParam(r, "board"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	h.serveBoard(w, r, board)
}

func (h *Handler) serveBoard(w http.ResponseWriter, r *http.Request, board domain.Board) {
	limit, err := h.limit(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	entries, err := h.service.Leaderboard(r.Context(), board, limit)
	if err != nil {
		h.fail(w, r, "leaderboard", err)
		return
	}

	h.writeSuccess(w, entries)
}

// GetPlayerStats returns a player's record. Unknown players read as zeroed.
func (h *Handler) GetPlayerStats(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	stats := h.service.PlayerStats(r.Context(), addr)
	stats.Player = addr
	h.writeSuccess(w, stats)
}

// GetPlayerRank returns a player's positions, 0 where unranked
func (h *Handler) GetPlayerRank(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	h.writeSuccess(w, h.service.PlayerRank(r.Context(), addr))
}

// GetOverview returns contract-wide totals and epoch status
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.service.Overview(r.Context()))
}

// GetEvents pages through the event log with ?after=<sequence>&limit=
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		after = n
	}
	limit, err := h.limit(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	events, err := h.service.Events(r.Context(), after, limit)
	if err != nil {
		h.fail(w, r, "events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}

	h.writeSuccess(w, events)
}
