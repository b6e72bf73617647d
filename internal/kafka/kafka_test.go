package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/domain"
)

var playerA = domain.MustParseAddress("0x000000000000000000000000000000000000000a")

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeMessage(t *testing.T) {
	testCases := []struct {
		name    string
		value   string
		action  string
		score   uint64
		wantErr error
	}{
		{
			name:   "submit by default",
			value:  `{"player":"0x000000000000000000000000000000000000000A","score":77}`,
			action: ActionSubmit,
			score:  77,
		},
		{
			name:   "register",
			value:  `{"action":"register","player":"0x000000000000000000000000000000000000000a"}`,
			action: ActionRegister,
		},
		{
			name:    "bad json",
			value:   `{"player":`,
			wantErr: domain.ErrInvalidRequest,
		},
		{
			name:    "bad address",
			value:   `{"player":"alice","score":1}`,
			wantErr: domain.ErrInvalidAddress,
		},
		{
			name:    "negative score",
			value:   `{"player":"0x000000000000000000000000000000000000000a","score":-3}`,
			wantErr: domain.ErrInvalidScore,
		},
		{
			name:    "submit without score",
			value:   `{"player":"0x000000000000000000000000000000000000000a"}`,
			wantErr: domain.ErrInvalidScore,
		},
		{
			name:    "unknown action",
			value:   `{"action":"delete","player":"0x000000000000000000000000000000000000000a"}`,
			wantErr: domain.ErrInvalidRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			call, err := decodeMessage([]byte(tc.value))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.action, call.action)
			assert.Equal(t, playerA, call.player)
			assert.Equal(t, tc.score, call.sub.Score)
		})
	}
}

type fakeHandler struct {
	registered []domain.Address
	submitted  []domain.ScoreSubmission
	submitErr  error
	// failScore fails submissions of exactly that score with failErr
	failScore  uint64
	failErr    error
}

func (f *fakeHandler) RegisterPlayer(ctx context.Context, caller domain.Address) (domain.PlayerStats, error) {
	f.registered = append(f.registered, caller)
	return domain.PlayerStats{Player: caller, IsRegistered: true}, nil
}

func (f *fakeHandler) SubmitScore(ctx context.Context, caller domain.Address, sub domain.ScoreSubmission) (*domain.SubmissionResult, error) {
	if f.failErr != nil && sub.Score == f.failScore {
		return nil, f.failErr
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, sub)
	return &domain.SubmissionResult{}, nil
}

func TestHandleBatch(t *testing.T) {
	h := &fakeHandler{}
	c := &Consumer{config: &config.KafkaConfig{}, handler: h, logger: discard()}

	settled, applied, err := c.handleBatch(context.Background(), []relayedCall{
		{action: ActionRegister, player: playerA},
		{invalid: true},
		{action: ActionSubmit, player: playerA, sub: domain.ScoreSubmission{Score: 5}},
		{action: ActionSubmit, player: playerA, sub: domain.ScoreSubmission{Score: 9}},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, settled)
	assert.Equal(t, 3, applied)
	assert.Equal(t, []domain.Address{playerA}, h.registered)
	require.Len(t, h.submitted, 2)
	assert.Equal(t, uint64(9), h.submitted[1].Score)

	h.submitErr = fmt.Errorf("wrapped: %w", domain.ErrNotRegistered)
	settled, applied, err = c.handleBatch(context.Background(), []relayedCall{
		{action: ActionSubmit, player: playerA, sub: domain.ScoreSubmission{Score: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Zero(t, applied)
}

func TestHandleBatchStopsAtFailure(t *testing.T) {
	storeDown := errors.New("persisting submit transition: connection refused")
	h := &fakeHandler{failScore: 2, failErr: storeDown}
	c := &Consumer{config: &config.KafkaConfig{}, handler: h, logger: discard()}

	settled, applied, err := c.handleBatch(context.Background(), []relayedCall{
		{action: ActionSubmit, player: playerA, sub: domain.ScoreSubmission{Score: 1}},
		{action: ActionSubmit, player: playerA, sub: domain.ScoreSubmission{Score: 2}},
		{action: ActionSubmit, player: playerA, sub: domain.ScoreSubmission{Score: 3}},
	})
	require.ErrorIs(t, err, storeDown)
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, applied)
	require.Len(t, h.submitted, 1, "calls after the failure must not be applied")
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// newClaim returns a closed claim holding values at offsets from first
func newClaim(first int64, values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Topic: "arena-submissions", Offset: first + int64(i), Value: []byte(v)}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func newGroupHandler(h SubmissionHandler, batchSize int) *consumerGroupHandler {
	cfg := &config.KafkaConfig{BatchSize: batchSize, BatchTimeout: time.Hour}
	return &consumerGroupHandler{
		consumer: &Consumer{config: cfg, handler: h, logger: discard()},
		ready:    make(chan bool),
	}
}

const (
	registerA = `{"action":"register","player":"0x000000000000000000000000000000000000000a"}`
	garbage   = `{"player":`
)

func submitA(score int) string {
	return fmt.Sprintf(`{"player":"0x000000000000000000000000000000000000000a","score":%d}`, score)
}

func TestConsumeClaimMarksSettledMessages(t *testing.T) {
	h := &fakeHandler{}
	gh := newGroupHandler(h, 2)
	session := &fakeSession{ctx: context.Background()}

	err := gh.ConsumeClaim(session, newClaim(10, registerA, garbage, submitA(5), submitA(-1), submitA(8)))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12, 13, 14}, session.marked)
	assert.Len(t, h.registered, 1)
	require.Len(t, h.submitted, 2)
	assert.Equal(t, uint64(8), h.submitted[1].Score)
	assert.False(t, gh.stalled.Load())
}

func TestConsumeClaimKeepsUnappliedMessages(t *testing.T) {
	storeDown := errors.New("persisting submit transition: connection refused")

	testCases := []struct {
		name      string
		batchSize int
		values    []string
		marked    []int64
		submitted int
	}{
		{
			name:      "single message batch",
			batchSize: 1,
			values:    []string{submitA(2)},
			marked:    nil,
		},
		{
			name:      "failure mid batch",
			batchSize: 10,
			values:    []string{registerA, garbage, submitA(1), submitA(2), submitA(3)},
			marked:    []int64{42, 43, 44},
			submitted: 1,
		},
		{
			name:      "failure in a later batch",
			batchSize: 2,
			values:    []string{submitA(1), submitA(4), submitA(2), submitA(3)},
			marked:    []int64{42, 43},
			submitted: 2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := &fakeHandler{failScore: 2, failErr: storeDown}
			gh := newGroupHandler(h, tc.batchSize)
			session := &fakeSession{ctx: context.Background()}

			err := gh.ConsumeClaim(session, newClaim(42, tc.values...))
			require.ErrorIs(t, err, storeDown)
			assert.Equal(t, tc.marked, session.marked)
			assert.Len(t, h.submitted, tc.submitted)
			assert.True(t, gh.stalled.Load())
		})
	}
}

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, cfg)
}

func TestPublishEvents(t *testing.T) {
	producer := newMockProducer(t)
	pub := NewEventPublisherWithProducer(producer, "arena-events", discard())

	pool := sdkmath.NewInt(250)
	events := []domain.Event{
		{Sequence: 7, Type: domain.EventEpochRolledOver, Amount: &pool, Epoch: 2},
		{Sequence: 8, Type: domain.EventScoreSubmitted, Player: playerA, Score: 40, GameType: "target_blitz", Epoch: 2},
	}

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e domain.Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Type != domain.EventEpochRolledOver || e.Amount == nil || e.Amount.String() != "250" {
			return fmt.Errorf("unexpected event %+v", e)
		}
		return nil
	})
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e domain.Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Sequence != 8 || e.Player != playerA || e.Score != 40 {
			return fmt.Errorf("unexpected event %+v", e)
		}
		return nil
	})

	require.NoError(t, pub.Publish(context.Background(), events))
	require.NoError(t, pub.Close())
}

func TestPublishFailure(t *testing.T) {
	producer := newMockProducer(t)
	pub := NewEventPublisherWithProducer(producer, "arena-events", discard())

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err := pub.Publish(context.Background(), []domain.Event{
		{Sequence: 1, Type: domain.EventPlayerRegistered, Player: playerA},
	})
	require.Error(t, err)
	require.NoError(t, pub.Close())
}

func TestPublishNothing(t *testing.T) {
	producer := newMockProducer(t)
	pub := NewEventPublisherWithProducer(producer, "arena-events", discard())
	require.NoError(t, pub.Publish(context.Background(), nil))
	require.NoError(t, pub.Close())
}
