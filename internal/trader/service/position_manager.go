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
)

// PositionManager tracks open positions through exit and re-entry: the
// protective stop, the target check, trailing-stop ratcheting, the
// end-of-session liquidation and the post-closure re-entry.
type PositionManager interface {
	// ProcessPositions runs one monitoring pass over the account's
	// non-terminal positions. Per-position errors are isolated.
	ProcessPositions(ctx context.Context, accountID uint)
	// ProcessReentries re-creates watch-list rows for closed positions
	// whose re-entry settle delay has elapsed.
	ProcessReentries(ctx context.Context, accountID uint)
	// HandlePositionOrderEvent applies a push-feed event whose order id
	// belongs to a position's stop or exit order.
	HandlePositionOrderEvent(ctx context.Context, position entity.OpenPosition, event dto.OrderEventPayload) error
}

type positionManager struct {
	cfg            *config.Config
	log            *logger.Logger
	positionRepo   repository.OpenPositionsRepository
	instrumentRepo repository.WatchedInstrumentsRepository
	accountRepo    repository.AccountStateRepository
	marketData     repository.MarketDataRepository
	metaRepo       repository.InstrumentMetaRepository
	broker         repository.BrokerRepository
	notifier       telegram.Notifier
	marketLoc      *time.Location
}

// NewPositionManager creates the position lifecycle manager.
func NewPositionManager(
	cfg *config.Config,
	log *logger.Logger,
	positionRepo repository.OpenPositionsRepository,
	instrumentRepo repository.WatchedInstrumentsRepository,
	accountRepo repository.AccountStateRepository,
	marketData repository.MarketDataRepository,
	metaRepo repository.InstrumentMetaRepository,
	broker repository.BrokerRepository,
	notifier telegram.Notifier,
	marketLoc *time.Location,
) PositionManager {
	return &positionManager{
		cfg:            cfg,
		log:            log,
		positionRepo:   positionRepo,
		instrumentRepo: instrumentRepo,
		accountRepo:    accountRepo,
		marketData:     marketData,
		metaRepo:       metaRepo,
		broker:         broker,
		notifier:       notifier,
		marketLoc:      marketLoc,
	}
}

func (m *positionManager) ProcessPositions(ctx context.Context, accountID uint) {
	positions, err := m.positionRepo.Get(ctx, repository.GetOpenPositionsParam{
		AccountIDs: []uint{accountID},
		Statuses:   []entity.PositionStatus{entity.PositionPending, entity.PositionActive},
	})
	if err != nil {
		m.log.Error("Failed to load open positions", logger.ErrorField(err),
			logger.IntField("account_id", int(accountID)))
		return
	}

	for _, position := range positions {
		if !utils.ShouldContinue(ctx, m.log) {
			return
		}
		if err := m.processOne(ctx, position); err != nil {
			m.log.Error("Failed to process position", logger.ErrorField(err),
				logger.IntField("position_id", int(position.ID)),
				logger.StringField("symbol", position.Symbol))
		}
	}
}

func (m *positionManager) processOne(ctx context.Context, position entity.OpenPosition) error {
	now := time.Now()

	if position.Status == entity.PositionPending {
		return m.submitProtectiveStop(ctx, position, now)
	}

	quote, err := m.marketData.GetQuote(ctx, position.Symbol)
	if err != nil {
		// Transient: skip this position for the cycle, no state change.
		return err
	}
	price := quote.Price

	if _, err := m.positionRepo.ConditionalUpdate(ctx, position.ID,
		map[string]interface{}{"status": entity.PositionActive},
		map[string]interface{}{"current_price": price}); err != nil {
		return err
	}

	// Forced liquidation applies on the entry's calendar day only, to
	// positions still open at the cutoff.
	cutoff := utils.AtTimeOfDay(now, m.cfg.Trader.SessionCutoffHour, m.cfg.Trader.SessionCutoffMinute, m.marketLoc)
	if utils.SameCalendarDay(now, position.EnteredAt, m.marketLoc) && !now.Before(cutoff) {
		return m.submitExit(ctx, position, entity.PositionEndOfSession,
			fmt.Sprintf("end of session at %02d:%02d, forced exit at %.2f",
				m.cfg.Trader.SessionCutoffHour, m.cfg.Trader.SessionCutoffMinute, price))
	}

	if price >= position.TargetPrice {
		return m.submitExit(ctx, position, entity.PositionTargetHit,
			fmt.Sprintf("target %.2f reached at %.2f", position.TargetPrice, price))
	}

	// A price at or below the stop needs no action here: the resting
	// protective order fills on the exchange and arrives as a push event.

	snapshot, err := decodeSnapshot(position)
	if err != nil {
		return err
	}
	if snapshot.TrailingEnabled && snapshot.TrailingTriggerStep > 0 {
		return m.ratchetTrailingStop(ctx, position, snapshot, price)
	}
	return nil
}

func (m *positionManager) submitProtectiveStop(ctx context.Context, position entity.OpenPosition, now time.Time) error {
	if position.StopOrderDueAt == nil || now.Before(*position.StopOrderDueAt) {
		return nil
	}

	meta, err := m.metaRepo.GetBySymbol(ctx, position.Symbol)
	if err != nil {
		return err
	}

	stopOrderID, err := m.broker.PlaceOrder(ctx, dto.OrderSpec{
		AccountID:    position.AccountID,
		Symbol:       position.Symbol,
		Side:         dto.OrderSideSell,
		Kind:         dto.OrderKindStopMarket,
		Quantity:     position.Quantity,
		TriggerPrice: utils.RoundToTick(position.StopPrice, meta.TickSize),
		Tag:          fmt.Sprintf("stop-%d", position.ID),
	})
	if err != nil {
		// Left pending; retried next cycle.
		return fmt.Errorf("failed to place protective stop: %w", err)
	}

	won, err := m.positionRepo.ConditionalUpdate(ctx, position.ID,
		map[string]interface{}{
			"status":        entity.PositionPending,
			"stop_order_id": "",
		},
		map[string]interface{}{
			"status":        entity.PositionActive,
			"stop_order_id": stopOrderID,
			"status_reason": fmt.Sprintf("protective stop %s resting at %.2f", stopOrderID, position.StopPrice),
		})
	if err != nil {
		return err
	}
	if !won {
		// A concurrent writer got there first; cancel the duplicate.
		if cancelErr := m.broker.CancelOrder(ctx, stopOrderID); cancelErr != nil && cancelErr != repository.ErrOrderAlreadyTerminal {
			m.log.Error("Failed to cancel duplicate protective stop", logger.ErrorField(cancelErr),
				logger.StringField("order_id", stopOrderID))
		}
		return nil
	}

	m.log.Info("Protective stop placed",
		logger.IntField("position_id", int(position.ID)),
		logger.StringField("symbol", position.Symbol),
		logger.StringField("order_id", stopOrderID),
		logger.Float64Field("stop_price", position.StopPrice))
	return nil
}

func (m *positionManager) submitExit(ctx context.Context, position entity.OpenPosition, status entity.PositionStatus, reason string) error {
	if position.StopOrderID != "" {
		if err := m.broker.CancelOrder(ctx, position.StopOrderID); err != nil {
			if err == repository.ErrOrderAlreadyTerminal {
				// The stop filled first; its push event closes the
				// position as a stop-loss.
				return nil
			}
			return fmt.Errorf("failed to cancel protective stop %s: %w", position.StopOrderID, err)
		}
		// Clear the stop id as soon as the cancel sticks: if the exit
		// placement below fails, the retry must not cancel again and
		// misread the broker's terminal answer as a stop fill.
		if _, err := m.positionRepo.ConditionalUpdate(ctx, position.ID,
			map[string]interface{}{
				"status":        entity.PositionActive,
				"stop_order_id": position.StopOrderID,
			},
			map[string]interface{}{"stop_order_id": ""}); err != nil {
			return err
		}
	}

	exitOrderID, err := m.broker.PlaceOrder(ctx, dto.OrderSpec{
		AccountID: position.AccountID,
		Symbol:    position.Symbol,
		Side:      dto.OrderSideSell,
		Kind:      dto.OrderKindMarket,
		Quantity:  position.Quantity,
		Tag:       fmt.Sprintf("exit-%d", position.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to place exit order: %w", err)
	}

	won, err := m.positionRepo.ConditionalUpdate(ctx, position.ID,
		map[string]interface{}{
			"status":        entity.PositionActive,
			"exit_order_id": "",
		},
		map[string]interface{}{
			"status":        status,
			"exit_order_id": exitOrderID,
			"status_reason": reason,
		})
	if err != nil {
		return err
	}
	if won {
		m.log.Info("Exit order placed",
			logger.IntField("position_id", int(position.ID)),
			logger.StringField("symbol", position.Symbol),
			logger.StringField("order_id", exitOrderID),
			logger.StringField("reason", reason))
	}
	return nil
}

// ratchetTrailingStop lifts the protective stop by whole step intervals.
// The stop never moves down.
func (m *positionManager) ratchetTrailingStop(ctx context.Context, position entity.OpenPosition, snapshot entity.StrategySnapshot, price float64) error {
	moved := price - position.EntryPrice
	if moved < snapshot.TrailingTriggerStep {
		return nil
	}
	if position.StopOrderID == "" {
		return nil
	}

	intervals := math.Floor(moved / snapshot.TrailingTriggerStep)
	newStop := position.InitialStopPrice + intervals*snapshot.TrailingStopStep
	if newStop <= position.StopPrice {
		return nil
	}

	meta, err := m.metaRepo.GetBySymbol(ctx, position.Symbol)
	if err != nil {
		return err
	}
	newStop = utils.RoundToTick(newStop, meta.TickSize)
	if newStop <= position.StopPrice {
		return nil
	}

	if err := m.broker.ModifyOrder(ctx, position.StopOrderID, dto.ModifyOrderRequest{
		TriggerPrice: newStop,
	}); err != nil {
		if err == repository.ErrOrderAlreadyTerminal {
			return nil
		}
		return fmt.Errorf("failed to modify protective stop %s: %w", position.StopOrderID, err)
	}

	won, err := m.positionRepo.ConditionalUpdate(ctx, position.ID,
		map[string]interface{}{
			"status":     entity.PositionActive,
			"stop_price": position.StopPrice,
		},
		map[string]interface{}{
			"stop_price":    newStop,
			"status_reason": fmt.Sprintf("trailing stop raised to %.2f after %.2f favorable move", newStop, moved),
		})
	if err != nil {
		return err
	}
	if won {
		m.log.Info("Trailing stop raised",
			logger.IntField("position_id", int(position.ID)),
			logger.StringField("symbol", position.Symbol),
			logger.Float64Field("old_stop", position.StopPrice),
			logger.Float64Field("new_stop", newStop))
	}
	return nil
}

func (m *positionManager) HandlePositionOrderEvent(ctx context.Context, position entity.OpenPosition, event dto.OrderEventPayload) error {
	switch {
	case event.OrderID == position.StopOrderID && event.Status == entity.OrderFilled:
		return m.closePosition(ctx, position, entity.PositionStopLossHit, event.FillPrice,
			fmt.Sprintf("protective stop filled at %.2f", event.FillPrice))

	case event.OrderID == position.ExitOrderID && event.Status == entity.OrderFilled:
		status := position.Status
		if !status.Terminal() {
			status = entity.PositionClosed
		}
		return m.closePosition(ctx, position, status, event.FillPrice,
			fmt.Sprintf("exit order filled at %.2f", event.FillPrice))

	case event.Status == entity.OrderCancelled:
		// Expected when an exit path cancels the protective stop.
		m.log.Info("Position order cancelled",
			logger.IntField("position_id", int(position.ID)),
			logger.StringField("order_id", event.OrderID))
		return nil

	case event.Status == entity.OrderRejected:
		_, err := m.positionRepo.ConditionalUpdate(ctx, position.ID,
			map[string]interface{}{"status": position.Status},
			map[string]interface{}{
				"status_reason": fmt.Sprintf("broker rejected order %s", event.OrderID),
			})
		m.log.Error("Position order rejected",
			logger.IntField("position_id", int(position.ID)),
			logger.StringField("order_id", event.OrderID))
		return err

	default:
		m.log.Info("Ignoring position order event",
			logger.IntField("position_id", int(position.ID)),
			logger.StringField("order_id", event.OrderID),
			logger.StringField("status", string(event.Status)))
		return nil
	}
}

// closePosition terminates the position, books P&L into the account totals
// and schedules re-entry when the daily trade budget allows another attempt.
func (m *positionManager) closePosition(ctx context.Context, position entity.OpenPosition, status entity.PositionStatus, exitPrice float64, reason string) error {
	snapshot, err := decodeSnapshot(position)
	if err != nil {
		return err
	}

	now := time.Now()
	realized := (exitPrice - position.EntryPrice) * float64(position.Quantity)
	pnlPercent := 0.0
	if position.EntryPrice != 0 {
		pnlPercent = (exitPrice - position.EntryPrice) / position.EntryPrice * 100
	}

	tradesToday := snapshot.TradesExecutedToday + 1
	if snapshot.TradingDay != utils.TradingDay(now, m.marketLoc) {
		tradesToday = 1
	}

	updates := map[string]interface{}{
		"status":        status,
		"status_reason": reason,
		"exit_price":    exitPrice,
		"current_price": exitPrice,
		"realized_pnl":  realized,
		"pnl_percent":   pnlPercent,
		"closed_at":     now,
	}
	if tradesToday < snapshot.MaxTradesPerDay {
		reentryDueAt := now.Add(m.cfg.Trader.ReentrySettleDelay)
		updates["reentry_due_at"] = reentryDueAt
	} else {
		updates["reentry_done"] = true
	}

	won, err := m.positionRepo.ConditionalUpdate(ctx, position.ID,
		map[string]interface{}{"closed_at": nil},
		updates)
	if err != nil {
		return err
	}
	if !won {
		// Already closed by a racing event; nothing to book.
		return nil
	}

	if err := m.accountRepo.AddTrade(ctx, position.AccountID, realized); err != nil {
		m.log.Error("Failed to update account totals", logger.ErrorField(err),
			logger.IntField("account_id", int(position.AccountID)))
	}

	m.log.Info("Position closed",
		logger.IntField("position_id", int(position.ID)),
		logger.StringField("symbol", position.Symbol),
		logger.StringField("status", string(status)),
		logger.Float64Field("exit_price", exitPrice),
		logger.Float64Field("realized_pnl", realized))
	m.notify(telegram.FormatPositionClosed(position.Symbol, string(status), exitPrice, realized, pnlPercent, reason))
	return nil
}

func (m *positionManager) ProcessReentries(ctx context.Context, accountID uint) {
	pending := true
	now := time.Now()
	positions, err := m.positionRepo.Get(ctx, repository.GetOpenPositionsParam{
		AccountIDs:     []uint{accountID},
		ReentryPending: &pending,
		ReentryDueBy:   &now,
	})
	if err != nil {
		m.log.Error("Failed to load re-entry candidates", logger.ErrorField(err),
			logger.IntField("account_id", int(accountID)))
		return
	}

	for _, position := range positions {
		if !utils.ShouldContinue(ctx, m.log) {
			return
		}
		if err := m.reenter(ctx, position); err != nil {
			m.log.Error("Failed to re-enter instrument", logger.ErrorField(err),
				logger.IntField("position_id", int(position.ID)),
				logger.StringField("symbol", position.Symbol))
		}
	}
}

// reenter re-creates the watch-list row from the position's config
// snapshot, categorized fresh against the current market, independent of
// the direction that led to the prior entry.
func (m *positionManager) reenter(ctx context.Context, position entity.OpenPosition) error {
	snapshot, err := decodeSnapshot(position)
	if err != nil {
		return err
	}

	quote, err := m.marketData.GetQuote(ctx, position.Symbol)
	if err != nil {
		return err
	}
	indicator, err := m.marketData.GetIndicator(ctx, position.Symbol)
	if err != nil {
		return err
	}

	// The reentry_done flip is the claim: only the winning writer
	// creates the new watch-list row.
	won, err := m.positionRepo.ConditionalUpdate(ctx, position.ID,
		map[string]interface{}{"reentry_done": false},
		map[string]interface{}{"reentry_done": true})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	now := time.Now()
	today := utils.TradingDay(now, m.marketLoc)
	tradesToday := snapshot.TradesExecutedToday + 1
	if snapshot.TradingDay != today {
		tradesToday = 1
	}

	status, reversalConfirmed, reason := categorize(quote.Price, indicator.Value)
	instrument := &entity.WatchedInstrument{
		AccountID:           position.AccountID,
		Symbol:              position.Symbol,
		Quantity:            snapshot.Quantity,
		TargetDistance:      snapshot.TargetDistance,
		StopDistance:        snapshot.StopDistance,
		DistanceUnit:        snapshot.DistanceUnit,
		TrailingEnabled:     snapshot.TrailingEnabled,
		TrailingTriggerStep: snapshot.TrailingTriggerStep,
		TrailingStopStep:    snapshot.TrailingStopStep,
		MaxTradesPerDay:     snapshot.MaxTradesPerDay,
		LastPrice:           quote.Price,
		LastIndicator:       indicator.Value,
		LastUpdatedAt:       &now,
		Status:              status,
		StatusReason:        "re-entry: " + reason,
		ConfirmState:        entity.ConfirmWaiting,
		ReversalConfirmed:   reversalConfirmed,
		TradesExecutedToday: tradesToday,
		TradingDay:          today,
	}
	if err := m.instrumentRepo.Create(ctx, instrument); err != nil {
		return fmt.Errorf("failed to re-create watched instrument for %s: %w", position.Symbol, err)
	}

	m.log.Info("Instrument re-entered watch list",
		logger.IntField("instrument_id", int(instrument.ID)),
		logger.StringField("symbol", instrument.Symbol),
		logger.StringField("status", string(status)),
		logger.IntField("trades_today", tradesToday))
	return nil
}

func (m *positionManager) notify(message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.SendMessage(message); err != nil {
		m.log.Error("Failed to send notification", logger.ErrorField(err))
	}
}

func decodeSnapshot(position entity.OpenPosition) (entity.StrategySnapshot, error) {
	var snapshot entity.StrategySnapshot
	if len(position.Snapshot) == 0 {
		return snapshot, fmt.Errorf("position %d has no strategy snapshot", position.ID)
	}
	if err := json.Unmarshal(position.Snapshot, &snapshot); err != nil {
		return snapshot, fmt.Errorf("failed to decode strategy snapshot for position %d: %w", position.ID, err)
	}
	return snapshot, nil
}
