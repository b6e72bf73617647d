package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"

	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/domain"
)

// Relay actions
const (
	ActionRegister = "register"
	ActionSubmit   = "submit"
)

// SubmissionMessage is a call relayed on behalf of an already authenticated player
type SubmissionMessage struct {
	Action   string          `json:"action,omitempty"`
	Player   string          `json:"player"`
	Score    jsoniter.Number `json:"score,omitempty"`
	GameType string          `json:"game_type,omitempty"`
}

// FormatScore renders a score for SubmissionMessage.Score
func FormatScore(score uint64) jsoniter.Number {
	return jsoniter.Number(strconv.FormatUint(score, 10))
}

// relayedCall is a decoded, validated SubmissionMessage. Messages that failed
// to decode stay in the batch as invalid so batch and offsets line up.
type relayedCall struct {
	action  string
	player  domain.Address
	sub     domain.ScoreSubmission
	invalid bool
}

// decodeMessage parses and validates a relay message
func decodeMessage(value []byte) (relayedCall, error) {
	var msg SubmissionMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return relayedCall{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	player, err := domain.ParseAddress(msg.Player)
	if err != nil {
		return relayedCall{}, err
	}
	call := relayedCall{
		action: msg.Action,
		player: player,
		sub:    domain.ScoreSubmission{GameType: msg.GameType},
	}
	switch call.action {
	case "":
		call.action = ActionSubmit
	case ActionRegister, ActionSubmit:
	default:
		return relayedCall{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidRequest, msg.Action)
	}
	if call.action == ActionSubmit {
		if call.sub.Score, err = domain.ParseScore(msg.Score.String()); err != nil {
			return relayedCall{}, err
		}
	}
	return call, nil
}

// SubmissionHandler applies relayed calls
type SubmissionHandler interface {
	RegisterPlayer(ctx context.Context, caller domain.Address) (domain.PlayerStats, error)
	SubmitScore(ctx context.Context, caller domain.Address, sub domain.ScoreSubmission) (*domain.SubmissionResult, error)
}

// Consumer consumes relayed calls from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       SubmissionHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler SubmissionHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	return newConsumer(cfg, handler, logger, consumerGroup), nil
}

func newConsumer(cfg *config.KafkaConfig, handler SubmissionHandler, logger *slog.Logger, group sarama.ConsumerGroup) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}
}

// Start begins consuming messages and returns once the first session is set up
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.SubmissionsTopic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.SubmissionsTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			// Unmarked calls are redelivered when the group rejoins
			if handler.stalled.Load() {
				c.logger.Warn("relay stalled, rejoining after delay", "delay", c.config.RetryDelay)
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(c.config.RetryDelay):
				}
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	c.logger.Info("Kafka consumer ready")

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handleBatch applies calls in order and stops at the first failure that is
// not a rejection. It returns how many leading calls were settled, meaning
// applied, rejected or undecodable. Rejections are logged and settled, since
// redelivering a call the contract refused would be refused again.
func (c *Consumer) handleBatch(ctx context.Context, batch []relayedCall) (settled, applied int, err error) {
	for _, call := range batch {
		if call.invalid {
			settled++
			continue
		}

		switch call.action {
		case ActionRegister:
			_, err = c.handler.RegisterPlayer(ctx, call.player)
		default:
			_, err = c.handler.SubmitScore(ctx, call.player, call.sub)
		}

		switch {
		case err == nil:
			applied++
		case domain.IsRejection(err) || errors.Is(err, domain.ErrRateLimited):
			c.logger.Warn("relayed call rejected",
				"action", call.action,
				"player", call.player,
				"error", err,
			)
		default:
			return settled, applied, fmt.Errorf("applying relayed %s for %s: %w", call.action, call.player, err)
		}
		settled++
	}
	return settled, applied, nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
	stalled  atomic.Bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := make([]relayedCall, 0, cfg.BatchSize)
	pending := make([]*sarama.ConsumerMessage, 0, cfg.BatchSize)
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	// Offsets are marked only for settled calls. A failure ends the claim so
	// the session rebalances and redelivers from the first unsettled call.
	processBatch := func() error {
		if len(pending) == 0 {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		settled, applied, err := h.consumer.handleBatch(ctx, batch)
		for _, msg := range pending[:settled] {
			session.MarkMessage(msg, "")
		}
		if err != nil {
			h.stalled.Store(true)
			h.consumer.logger.Error("relay batch failed",
				"error", err,
				"settled", settled,
				"unsettled", len(pending)-settled,
				"offset", pending[settled].Offset,
				"partition", pending[settled].Partition,
			)
			return err
		}
		h.consumer.logger.Debug("processed batch", "batch_size", len(batch), "applied", applied)

		batch = batch[:0]
		pending = pending[:0]
		return nil
	}

	for {
		select {
		case <-session.Context().Done():
			// Process remaining batch before exit
			return processBatch()

		case <-batchTimer.C:
			if err := processBatch(); err != nil {
				return err
			}
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				return processBatch()
			}

			call, err := decodeMessage(message.Value)
			if err != nil {
				h.consumer.logger.Warn("invalid relay message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				call = relayedCall{invalid: true}
			}
			pending = append(pending, message)
			batch = append(batch, call)

			if len(pending) >= cfg.BatchSize {
				if err := processBatch(); err != nil {
					return err
				}
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}
