package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"golang-hma-trader/internal/entity"
	"golang-hma-trader/internal/trader/config"
	"golang-hma-trader/internal/trader/dto"
	"golang-hma-trader/internal/trader/repository"
	"golang-hma-trader/pkg/logger"
	"golang-hma-trader/pkg/telegram"
	"golang-hma-trader/pkg/utils"

	"gorm.io/datatypes"
)

// OrderCoordinator converts a confirmed entry signal into exactly one live
// order and applies asynchronous order-status events idempotently.
type OrderCoordinator interface {
	// AttemptEntry claims the instrument's opportunity slot and submits
	// the entry order. A lost claim aborts silently; a lost race is not
	// an error.
	AttemptEntry(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error
	// MaybeReprice cancels and replaces an outstanding entry order when
	// the indicator has drifted past the configured threshold since
	// placement.
	MaybeReprice(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error
	// ApplyOrderEvent applies one push-feed event. Duplicate deliveries
	// of the same (orderID, status) pair are detected and discarded.
	ApplyOrderEvent(ctx context.Context, event dto.OrderEventPayload) error
}

type orderCoordinator struct {
	cfg             *config.Config
	log             *logger.Logger
	instrumentRepo  repository.WatchedInstrumentsRepository
	positionRepo    repository.OpenPositionsRepository
	orderEventsRepo repository.OrderEventsRepository
	metaRepo        repository.InstrumentMetaRepository
	broker          repository.BrokerRepository
	positionManager PositionManager
	notifier        telegram.Notifier
}

// NewOrderCoordinator creates the order lifecycle coordinator.
func NewOrderCoordinator(
	cfg *config.Config,
	log *logger.Logger,
	instrumentRepo repository.WatchedInstrumentsRepository,
	positionRepo repository.OpenPositionsRepository,
	orderEventsRepo repository.OrderEventsRepository,
	metaRepo repository.InstrumentMetaRepository,
	broker repository.BrokerRepository,
	positionManager PositionManager,
	notifier telegram.Notifier,
) OrderCoordinator {
	return &orderCoordinator{
		cfg:             cfg,
		log:             log,
		instrumentRepo:  instrumentRepo,
		positionRepo:    positionRepo,
		orderEventsRepo: orderEventsRepo,
		metaRepo:        metaRepo,
		broker:          broker,
		positionManager: positionManager,
		notifier:        notifier,
	}
}

func (c *orderCoordinator) AttemptEntry(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error {
	claimed, err := c.instrumentRepo.TryClaim(ctx, instrument.ID)
	if err != nil {
		return fmt.Errorf("failed to claim instrument %d: %w", instrument.ID, err)
	}
	if !claimed {
		// Another tick or the push handler owns this episode.
		return nil
	}

	meta, err := c.metaRepo.GetBySymbol(ctx, instrument.Symbol)
	if err != nil {
		// Transient data problem, not a broker rejection: release the
		// claim so the next tick can retry.
		if releaseErr := c.instrumentRepo.ReleaseClaim(ctx, instrument.ID); releaseErr != nil {
			c.log.Error("Failed to release claim", logger.ErrorField(releaseErr),
				logger.IntField("instrument_id", int(instrument.ID)))
		}
		return fmt.Errorf("failed to resolve instrument metadata for %s: %w", instrument.Symbol, err)
	}

	quantity := instrument.Quantity * meta.LotSize
	limitPrice := utils.RoundToTick(sample.Indicator, meta.TickSize)

	orderID, err := c.broker.PlaceOrder(ctx, dto.OrderSpec{
		AccountID:  instrument.AccountID,
		Symbol:     instrument.Symbol,
		Side:       dto.OrderSideBuy,
		Kind:       dto.OrderKindLimit,
		Quantity:   quantity,
		LimitPrice: limitPrice,
		Tag:        fmt.Sprintf("entry-%d", instrument.ID),
	})
	if err != nil {
		// Terminal: a synchronous placement failure is never retried
		// automatically.
		reason := fmt.Sprintf("order placement failed: %v", err)
		c.markRejected(ctx, instrument, sample, reason)
		return nil
	}

	reason := fmt.Sprintf("entry order %s placed: %d @ %.2f", orderID, quantity, limitPrice)
	won, err := c.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{
			"status":              entity.SignalConfirmingEntry,
			"opportunity_claimed": true,
		},
		map[string]interface{}{
			"status":                entity.SignalOrderPlaced,
			"status_reason":         reason,
			"order_id":              orderID,
			"order_status":          entity.OrderPending,
			"indicator_at_order":    sample.Indicator,
			"confirm_state":         entity.ConfirmWaiting,
			"signal_triggered_at":   nil,
			"confirmation_deadline": nil,
			"last_price":            sample.Price,
			"last_indicator":        sample.Indicator,
			"last_updated_at":       sample.At,
		})
	if err != nil {
		return err
	}
	if !won {
		// The claim should have fenced out every other writer.
		c.log.Error("Lost conditional write after placing entry order",
			logger.IntField("instrument_id", int(instrument.ID)),
			logger.StringField("order_id", orderID))
		return fmt.Errorf("state conflict recording entry order %s for instrument %d", orderID, instrument.ID)
	}

	c.log.Info("Entry order placed",
		logger.IntField("instrument_id", int(instrument.ID)),
		logger.StringField("symbol", instrument.Symbol),
		logger.StringField("order_id", orderID),
		logger.Float64Field("limit_price", limitPrice),
		logger.IntField("quantity", quantity))
	c.notify(telegram.FormatOrderPlaced(instrument.Symbol, orderID, quantity, limitPrice))
	return nil
}

func (c *orderCoordinator) MaybeReprice(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error {
	if instrument.OrderID == "" {
		return nil
	}
	drift := math.Abs(sample.Indicator - instrument.IndicatorAtOrder)
	if drift < c.cfg.Trader.RepriceThreshold {
		return nil
	}

	// Guarded identically to entry placement: flip the in-flight flag
	// with a conditional write so only one cancel/replace runs.
	won, err := c.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{
			"status":            entity.SignalOrderPlaced,
			"order_id":          instrument.OrderID,
			"reprice_in_flight": false,
		},
		map[string]interface{}{"reprice_in_flight": true})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if err := c.broker.CancelOrder(ctx, instrument.OrderID); err != nil {
		c.clearRepriceFlag(ctx, instrument.ID)
		if err == repository.ErrOrderAlreadyTerminal {
			// The order filled or cancelled underneath us; the push
			// feed will resolve the episode.
			return nil
		}
		return fmt.Errorf("failed to cancel stale entry order %s: %w", instrument.OrderID, err)
	}

	meta, err := c.metaRepo.GetBySymbol(ctx, instrument.Symbol)
	if err != nil {
		c.clearRepriceFlag(ctx, instrument.ID)
		return fmt.Errorf("failed to resolve instrument metadata for %s: %w", instrument.Symbol, err)
	}

	quantity := instrument.Quantity * meta.LotSize
	limitPrice := utils.RoundToTick(sample.Indicator, meta.TickSize)

	newOrderID, err := c.broker.PlaceOrder(ctx, dto.OrderSpec{
		AccountID:  instrument.AccountID,
		Symbol:     instrument.Symbol,
		Side:       dto.OrderSideBuy,
		Kind:       dto.OrderKindLimit,
		Quantity:   quantity,
		LimitPrice: limitPrice,
		Tag:        fmt.Sprintf("reprice-%d", instrument.ID),
	})
	if err != nil {
		reason := fmt.Sprintf("replacement order placement failed after cancelling %s: %v", instrument.OrderID, err)
		c.markRejected(ctx, instrument, sample, reason)
		return nil
	}

	reason := fmt.Sprintf("indicator drifted %.2f since placement, order %s replaced by %s @ %.2f",
		drift, instrument.OrderID, newOrderID, limitPrice)
	won, err = c.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{
			"status":            entity.SignalOrderPlaced,
			"reprice_in_flight": true,
		},
		map[string]interface{}{
			"order_id":           newOrderID,
			"order_status":       entity.OrderPending,
			"indicator_at_order": sample.Indicator,
			"reprice_in_flight":  false,
			"status_reason":      reason,
		})
	if err != nil {
		return err
	}
	if !won {
		// Another writer resolved the episode between cancel and record,
		// so nothing tracks the replacement order anymore. Cancel it
		// rather than leave it live at the broker.
		c.log.Error("Lost conditional write after repricing entry order",
			logger.IntField("instrument_id", int(instrument.ID)),
			logger.StringField("order_id", newOrderID))
		if cancelErr := c.broker.CancelOrder(ctx, newOrderID); cancelErr != nil && cancelErr != repository.ErrOrderAlreadyTerminal {
			c.log.Error("Failed to cancel orphaned replacement order",
				logger.ErrorField(cancelErr),
				logger.StringField("order_id", newOrderID))
		}
		return fmt.Errorf("state conflict recording replacement order %s for instrument %d", newOrderID, instrument.ID)
	}

	c.log.Info("Entry order repriced",
		logger.IntField("instrument_id", int(instrument.ID)),
		logger.StringField("symbol", instrument.Symbol),
		logger.StringField("old_order_id", instrument.OrderID),
		logger.StringField("new_order_id", newOrderID),
		logger.Float64Field("limit_price", limitPrice))
	return nil
}

func (c *orderCoordinator) ApplyOrderEvent(ctx context.Context, event dto.OrderEventPayload) error {
	first, err := c.orderEventsRepo.RecordIfAbsent(ctx, event.OrderID, event.Status, event.FillPrice)
	if err != nil {
		return fmt.Errorf("failed to record order event: %w", err)
	}
	if !first {
		c.log.Info("Duplicate order event discarded",
			logger.StringField("order_id", event.OrderID),
			logger.StringField("status", string(event.Status)))
		return nil
	}

	if err := c.dispatchOrderEvent(ctx, event); err != nil {
		// Unwind the ledger row so the redelivery is not mistaken for a
		// duplicate; otherwise a transient apply failure would lose the
		// event permanently.
		if removeErr := c.orderEventsRepo.Remove(ctx, event.OrderID, event.Status); removeErr != nil {
			c.log.Error("Failed to unwind order event record",
				logger.ErrorField(removeErr),
				logger.StringField("order_id", event.OrderID),
				logger.StringField("status", string(event.Status)))
		}
		return err
	}
	return nil
}

func (c *orderCoordinator) dispatchOrderEvent(ctx context.Context, event dto.OrderEventPayload) error {
	instrument, err := c.instrumentRepo.FindByOrderID(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if instrument != nil {
		return c.applyInstrumentOrderEvent(ctx, *instrument, event)
	}

	position, err := c.positionRepo.FindByOrderID(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if position != nil {
		return c.positionManager.HandlePositionOrderEvent(ctx, *position, event)
	}

	// Stale order id: most commonly the cancel acknowledgement for an
	// order that was already replaced by the drift repricer.
	c.log.Info("Order event without a matching record discarded",
		logger.StringField("order_id", event.OrderID),
		logger.StringField("status", string(event.Status)))
	return nil
}

func (c *orderCoordinator) applyInstrumentOrderEvent(ctx context.Context, instrument entity.WatchedInstrument, event dto.OrderEventPayload) error {
	switch event.Status {
	case entity.OrderPending:
		_, err := c.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
			map[string]interface{}{"order_id": event.OrderID},
			map[string]interface{}{"order_status": entity.OrderPending})
		return err

	case entity.OrderFilled:
		return c.promoteToPosition(ctx, instrument, event)

	case entity.OrderRejected:
		reason := "broker rejected entry order, manual reset required"
		won, err := c.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
			map[string]interface{}{"order_id": event.OrderID},
			map[string]interface{}{
				"status":              entity.SignalOrderRejected,
				"status_reason":       reason,
				"order_status":        entity.OrderRejected,
				"opportunity_claimed": false,
				"reprice_in_flight":   false,
			})
		if err != nil {
			return err
		}
		if won {
			c.notify(telegram.FormatOrderRejected(instrument.Symbol, event.OrderID, reason))
		}
		return nil

	case entity.OrderCancelled:
		// Cancellation resets the instrument for an immediate retry on
		// the next tick, unlike rejection. While a reprice is in flight
		// the cancel belongs to the repricer's own CancelOrder call, so
		// the reset must not run: once the replacement order is recorded
		// the event's order id no longer matches and the late
		// acknowledgement is discarded as stale.
		reason := "entry order cancelled, re-watching for reversal"
		_, err := c.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
			map[string]interface{}{
				"order_id":          event.OrderID,
				"reprice_in_flight": false,
			},
			map[string]interface{}{
				"status":                entity.SignalWaitingForReversal,
				"status_reason":         reason,
				"order_id":              "",
				"order_status":          "",
				"indicator_at_order":    0,
				"signal_direction":      "",
				"confirm_state":         entity.ConfirmWaiting,
				"signal_triggered_at":   nil,
				"confirmation_deadline": nil,
				"reversal_confirmed":    false,
				"opportunity_claimed":   false,
				"reprice_in_flight":     false,
			})
		return err

	default:
		return fmt.Errorf("unknown order status %q for order %s", event.Status, event.OrderID)
	}
}

// promoteToPosition turns a filled entry order into an OpenPosition and
// removes the watch-list row.
func (c *orderCoordinator) promoteToPosition(ctx context.Context, instrument entity.WatchedInstrument, event dto.OrderEventPayload) error {
	entryPrice := event.FillPrice
	targetPrice, stopPrice := exitLevels(instrument, entryPrice)

	snapshot := entity.StrategySnapshot{
		Quantity:            instrument.Quantity,
		TargetDistance:      instrument.TargetDistance,
		StopDistance:        instrument.StopDistance,
		DistanceUnit:        instrument.DistanceUnit,
		TrailingEnabled:     instrument.TrailingEnabled,
		TrailingTriggerStep: instrument.TrailingTriggerStep,
		TrailingStopStep:    instrument.TrailingStopStep,
		MaxTradesPerDay:     instrument.MaxTradesPerDay,
		TradesExecutedToday: instrument.TradesExecutedToday,
		TradingDay:          instrument.TradingDay,
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy snapshot: %w", err)
	}

	meta, err := c.metaRepo.GetBySymbol(ctx, instrument.Symbol)
	if err != nil {
		return fmt.Errorf("failed to resolve instrument metadata for %s: %w", instrument.Symbol, err)
	}

	now := time.Now()
	stopOrderDueAt := now.Add(c.cfg.Trader.StopOrderSettleDelay)
	position := &entity.OpenPosition{
		AccountID:        instrument.AccountID,
		Symbol:           instrument.Symbol,
		Snapshot:         datatypes.JSON(snapshotJSON),
		Quantity:         instrument.Quantity * meta.LotSize,
		EntryPrice:       entryPrice,
		CurrentPrice:     entryPrice,
		TargetPrice:      utils.RoundToTick(targetPrice, meta.TickSize),
		StopPrice:        utils.RoundToTick(stopPrice, meta.TickSize),
		InitialStopPrice: utils.RoundToTick(stopPrice, meta.TickSize),
		EntryOrderID:     event.OrderID,
		StopOrderDueAt:   &stopOrderDueAt,
		Status:           entity.PositionPending,
		StatusReason:     fmt.Sprintf("entry order %s filled at %.2f", event.OrderID, entryPrice),
		EnteredAt:        now,
	}

	if err := c.positionRepo.Create(ctx, position); err != nil {
		return fmt.Errorf("failed to create position for order %s: %w", event.OrderID, err)
	}

	if err := c.instrumentRepo.Delete(ctx, instrument.ID); err != nil {
		return fmt.Errorf("failed to remove watched instrument %d after fill: %w", instrument.ID, err)
	}

	c.log.Info("Entry order filled, position opened",
		logger.IntField("position_id", int(position.ID)),
		logger.StringField("symbol", position.Symbol),
		logger.Float64Field("entry_price", entryPrice),
		logger.Float64Field("target_price", position.TargetPrice),
		logger.Float64Field("stop_price", position.StopPrice))
	c.notify(telegram.FormatPositionOpened(position.Symbol, position.Quantity, entryPrice, position.TargetPrice, position.StopPrice))
	return nil
}

func (c *orderCoordinator) markRejected(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample, reason string) {
	_, err := c.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{"opportunity_claimed": true},
		map[string]interface{}{
			"status":                entity.SignalOrderRejected,
			"status_reason":         reason,
			"order_id":              "",
			"order_status":          "",
			"signal_direction":      "",
			"confirm_state":         entity.ConfirmWaiting,
			"signal_triggered_at":   nil,
			"confirmation_deadline": nil,
			"opportunity_claimed":   false,
			"reprice_in_flight":     false,
			"last_price":            sample.Price,
			"last_indicator":        sample.Indicator,
			"last_updated_at":       sample.At,
		})
	if err != nil {
		c.log.Error("Failed to mark instrument rejected", logger.ErrorField(err),
			logger.IntField("instrument_id", int(instrument.ID)))
	}

	c.log.Warn("Entry rejected",
		logger.IntField("instrument_id", int(instrument.ID)),
		logger.StringField("symbol", instrument.Symbol),
		logger.StringField("reason", reason))
	c.notify(telegram.FormatOrderRejected(instrument.Symbol, instrument.OrderID, reason))
}

func (c *orderCoordinator) clearRepriceFlag(ctx context.Context, instrumentID uint) {
	if _, err := c.instrumentRepo.ConditionalUpdate(ctx, instrumentID,
		map[string]interface{}{"reprice_in_flight": true},
		map[string]interface{}{"reprice_in_flight": false}); err != nil {
		c.log.Error("Failed to clear reprice flag", logger.ErrorField(err),
			logger.IntField("instrument_id", int(instrumentID)))
	}
}

func (c *orderCoordinator) notify(message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.SendMessage(message); err != nil {
		c.log.Error("Failed to send notification", logger.ErrorField(err))
	}
}

// exitLevels computes target and stop prices from the strategy distances.
func exitLevels(instrument entity.WatchedInstrument, entryPrice float64) (target, stop float64) {
	if instrument.DistanceUnit == entity.DistancePercent {
		target = entryPrice * (1 + instrument.TargetDistance/100)
		stop = entryPrice * (1 - instrument.StopDistance/100)
		return target, stop
	}
	return entryPrice + instrument.TargetDistance, entryPrice - instrument.StopDistance
}
