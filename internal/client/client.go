// Package client is a typed HTTP client for the arena API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	jsoniter "github.com/json-iterator/go"

	"github.com/neon-arena/leaderboard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default retry settings
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 200 * time.Millisecond
)

// APIError is a response the server refused. It unwraps to the matching
// domain error when the message names one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

var knownErrors = []error{
	domain.ErrNotRegistered,
	domain.ErrAlreadyRegistered,
	domain.ErrInvalidScore,
	domain.ErrScoreOverflow,
	domain.ErrInvalidGameType,
	domain.ErrUnauthorized,
	domain.ErrInvalidLimit,
	domain.ErrInvalidAmount,
	domain.ErrInvalidAddress,
	domain.ErrRateLimited,
	domain.ErrInvalidRequest,
	domain.ErrInternalError,
}

func (e *APIError) Unwrap() error {
	for _, known := range knownErrors {
		if strings.HasPrefix(e.Message, known.Error()) {
			return known
		}
	}
	return nil
}

// retryable reports whether a failed response is worth another attempt
func (e *APIError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// idempotent reports whether method can be sent twice without changing the outcome
func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

type envelope struct {
	Success bool                `json:"success"`
	Data    jsoniter.RawMessage `json:"data"`
	Error   string              `json:"error"`
}

// Client calls the arena HTTP API
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
	retryWrites bool
}

// Option configures a Client
type Option func(*Client)

// WithToken sets the bearer token sent with every call
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the attempt count and the initial backoff, which doubles
// after each failed attempt
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithWriteRetries lets writes be retried after transport failures and 5xx.
// A write that committed before its response was lost is then applied twice.
func WithWriteRetries() Option {
	return func(c *Client) { c.retryWrites = true }
}

// New creates a client for the API served at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends the request, retrying transport failures, 5xx and 429. Writes are
// only retried on 429, which the server returns before changing state, unless
// WithWriteRetries is set. Other refusals return immediately as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	delay := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.shouldRetry(method, err) {
			return err
		}
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.maxAttempts, lastErr)
}

func (c *Client) shouldRetry(method string, err error) bool {
	var apiErr *APIError
	isAPI := errors.As(err, &apiErr)
	if isAPI && apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if !idempotent(method) && !c.retryWrites {
		return false
	}
	return !isAPI || apiErr.retryable()
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reader io.Reader = http.NoBody
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

// Health checks the liveness endpoint
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// RegisterPlayer registers the token holder
func (c *Client) RegisterPlayer(ctx context.Context) (domain.PlayerStats, error) {
	var stats domain.PlayerStats
	err := c.do(ctx, http.MethodPost, "/api/v1/players/register", nil, &stats)
	return stats, err
}

// SubmitScore submits a result for the token holder
func (c *Client) SubmitScore(ctx context.Context, score uint64, gameType string) (*domain.SubmissionResult, error) {
	var result domain.SubmissionResult
	body := map[string]interface{}{"score": score}
	if gameType != "" {
		body["game_type"] = gameType
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/scores", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FundPrizePool adds amount base units to the weekly pool and returns the new balance
func (c *Client) FundPrizePool(ctx context.Context, amount sdkmath.Int) (sdkmath.Int, error) {
	var resp struct {
		WeeklyPrizePool sdkmath.Int `json:"weekly_prize_pool"`
	}
	body := map[string]string{"amount": amount.String()}
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/prize-pool", body, &resp); err != nil {
		return sdkmath.Int{}, err
	}
	return resp.WeeklyPrizePool, nil
}

// Leaderboard returns up to limit entries of board. A zero limit uses the
// server default.
func (c *Client) Leaderboard(ctx context.Context, board domain.Board, limit int) ([]domain.RankedEntry, error) {
	path := "/api/v1/leaderboard/" + url.PathEscape(string(board))
	if limit != 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []domain.RankedEntry
	err := c.do(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}

// PlayerStats returns a player's record
func (c *Client) PlayerStats(ctx context.Context, player domain.Address) (domain.PlayerStats, error) {
	var stats domain.PlayerStats
	err := c.do(ctx, http.MethodGet, "/api/v1/players/"+player.String()+"/stats", nil, &stats)
	return stats, err
}

// PlayerRank returns a player's positions on both boards
func (c *Client) PlayerRank(ctx context.Context, player domain.Address) (domain.PlayerRank, error) {
	var rank domain.PlayerRank
	err := c.do(ctx, http.MethodGet, "/api/v1/players/"+player.String()+"/rank", nil, &rank)
	return rank, err
}

// Overview returns contract-wide totals and epoch status
func (c *Client) Overview(ctx context.Context) (domain.Overview, error) {
	var ov domain.Overview
	err := c.do(ctx, http.MethodGet, "/api/v1/overview", nil, &ov)
	return ov, err
}

// Events pages through the event log
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit != 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var events []domain.Event
	err := c.do(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), nil, &events)
	return events, err
}
