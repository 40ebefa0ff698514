package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang-hma-trader/internal/trader/config"
	"golang-hma-trader/internal/trader/dto"
	"golang-hma-trader/internal/trader/service"
	"golang-hma-trader/pkg/common"
	"golang-hma-trader/pkg/logger"
	"golang-hma-trader/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisConsumer reads broker order-status events from the push-feed stream
// and applies them through the order coordinator.
type RedisConsumer struct {
	cfg         *config.Config
	redisClient *redis.Client
	coordinator service.OrderCoordinator
	logger      *logger.Logger
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// NewRedisConsumer creates a new RedisConsumer.
func NewRedisConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	coordinator service.OrderCoordinator,
	log *logger.Logger,
) *RedisConsumer {
	return &RedisConsumer{
		cfg:         cfg,
		redisClient: redisClient,
		coordinator: coordinator,
		logger:      log,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the consumer's event processing loop and the pending-entry
// retry sweep that reclaims messages left unacked by a failed apply.
func (c *RedisConsumer) Start(ctx context.Context) {
	c.logger.Info("Order event consumer started",
		logger.StringField("stream", common.RedisStreamOrderEvents))
	c.wg.Add(1)
	utils.GoSafe(func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Order event consumer stopping due to context cancellation")
				return
			case <-c.stopChan:
				c.logger.Info("Order event consumer stopping")
				return
			default:
				ctxTimeout, cancel := context.WithTimeout(ctx, c.cfg.Trader.OrderEventStreamTimeout)
				c.processNext(ctxTimeout)
				cancel()
			}
		}
	})

	c.wg.Add(1)
	utils.GoSafe(func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Trader.OrderEventRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Order event retry sweep stopping due to context cancellation")
				return
			case <-c.stopChan:
				c.logger.Info("Order event retry sweep stopping")
				return
			case <-ticker.C:
				ctxTimeout, cancel := context.WithTimeout(ctx, c.cfg.Trader.OrderEventStreamTimeout)
				c.processRetries(ctxTimeout)
				cancel()
			}
		}
	})
}

// Stop gracefully shuts down the consumer.
func (c *RedisConsumer) Stop() {
	close(c.stopChan)
	c.wg.Wait()
	c.logger.Info("Order event consumer stopped")
}

func (c *RedisConsumer) processNext(ctx context.Context) {
	streams, err := c.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    common.RedisStreamGroup,
		Consumer: common.RedisStreamConsumer,
		Streams:  []string{common.RedisStreamOrderEvents, ">"},
		Count:    1,
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		// Expected during shutdown or idle periods.
		if err == context.Canceled || err == context.DeadlineExceeded || err == redis.Nil {
			return
		}
		c.logger.Error("Failed to read from order event stream", logger.ErrorField(err))
		return
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return
	}

	message := streams[0].Messages[0]

	payload, ok := message.Values["payload"].(string)
	if !ok {
		c.logger.Error("Field 'payload' not found or not a string in stream message",
			logger.Field("message_id", message.ID))
		c.ackNDel(ctx, message.ID)
		return
	}

	var event dto.OrderEventPayload
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		c.logger.Error("Failed to unmarshal order event", logger.ErrorField(err),
			logger.Field("message_id", message.ID))
		c.ackNDel(ctx, message.ID)
		return
	}

	if err := c.coordinator.ApplyOrderEvent(ctx, event); err != nil {
		// Left unacked so the retry sweep can reclaim it; the
		// coordinator unwound its ledger row on the failure.
		c.logger.Error("Failed to apply order event", logger.ErrorField(err),
			logger.StringField("order_id", event.OrderID),
			logger.StringField("status", string(event.Status)),
			logger.StringField("message_id", message.ID))
		return
	}

	c.ackNDel(ctx, message.ID)
}

// processRetries reclaims one pending message that has sat idle past the
// configured threshold. XReadGroup with ">" never re-delivers a consumer's
// own pending entries, so a failed apply would otherwise stay stuck in the
// PEL forever.
func (c *RedisConsumer) processRetries(ctx context.Context) {
	msgs, _, err := c.redisClient.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   common.RedisStreamOrderEvents,
		Group:    common.RedisStreamGroup,
		Consumer: common.RedisStreamConsumer + "-retry",
		MinIdle:  c.cfg.Trader.OrderEventMaxIdleDuration,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil {
		if err == context.Canceled || err == context.DeadlineExceeded || err == redis.Nil {
			return
		}
		c.logger.Error("Failed to claim pending order event", logger.ErrorField(err))
		return
	}
	if len(msgs) == 0 {
		return
	}

	message := msgs[0]
	pendingInfo, err := c.redisClient.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: common.RedisStreamOrderEvents,
		Group:  common.RedisStreamGroup,
		Start:  message.ID,
		End:    message.ID,
		Count:  1,
	}).Result()
	if err != nil {
		c.logger.Error("Failed to inspect pending order event", logger.ErrorField(err),
			logger.Field("message_id", message.ID))
		return
	}
	if len(pendingInfo) == 0 {
		return
	}

	payload, ok := message.Values["payload"].(string)
	if !ok {
		c.logger.Error("Field 'payload' not found or not a string in stream message",
			logger.Field("message_id", message.ID))
		c.ackNDel(ctx, message.ID)
		return
	}

	var event dto.OrderEventPayload
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		c.logger.Error("Failed to unmarshal order event", logger.ErrorField(err),
			logger.Field("message_id", message.ID))
		c.ackNDel(ctx, message.ID)
		return
	}

	if pendingInfo[0].RetryCount >= int64(c.cfg.Trader.OrderEventMaxRetry) {
		c.logger.Error("Pending order event retry count exceeded",
			logger.StringField("message_id", message.ID),
			logger.StringField("order_id", event.OrderID),
			logger.StringField("status", string(event.Status)),
			logger.IntField("retry_count", int(pendingInfo[0].RetryCount)),
			logger.IntField("max_retry", c.cfg.Trader.OrderEventMaxRetry))
		c.ackNDel(ctx, message.ID)
		return
	}

	if err := c.coordinator.ApplyOrderEvent(ctx, event); err != nil {
		c.logger.Error("Failed to apply order event on retry", logger.ErrorField(err),
			logger.StringField("order_id", event.OrderID),
			logger.StringField("status", string(event.Status)),
			logger.StringField("message_id", message.ID))
		return
	}

	c.ackNDel(ctx, message.ID)
	c.logger.Info("Order event retry processed",
		logger.StringField("order_id", event.OrderID),
		logger.StringField("status", string(event.Status)),
		logger.StringField("message_id", message.ID))
}

func (c *RedisConsumer) ackNDel(ctx context.Context, messageID string) {
	if err := c.redisClient.XAck(ctx, common.RedisStreamOrderEvents, common.RedisStreamGroup, messageID).Err(); err != nil {
		c.logger.Error("Failed to ack order event", logger.ErrorField(err),
			logger.StringField("message_id", messageID))
		return
	}
	if err := c.redisClient.XDel(ctx, common.RedisStreamOrderEvents, messageID).Err(); err != nil {
		c.logger.Error("Failed to delete order event", logger.ErrorField(err),
			logger.StringField("message_id", messageID))
	}
}
