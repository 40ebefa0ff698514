package service

import (
	"context"
	"fmt"

	"golang-hma-trader/internal/entity"
	"golang-hma-trader/internal/trader/config"
	"golang-hma-trader/internal/trader/dto"
	"golang-hma-trader/internal/trader/repository"
	"golang-hma-trader/pkg/logger"
	"golang-hma-trader/pkg/utils"
)

// SignalEngine advances one watched instrument through the crossover state
// machine for each price+indicator sample. All transitions are evaluated on
// poll against stored deadlines; there is no timer callback.
type SignalEngine interface {
	Evaluate(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error
}

type signalEngine struct {
	cfg            *config.Config
	log            *logger.Logger
	instrumentRepo repository.WatchedInstrumentsRepository
	coordinator    OrderCoordinator
}

// NewSignalEngine creates the per-instrument state machine.
func NewSignalEngine(
	cfg *config.Config,
	log *logger.Logger,
	instrumentRepo repository.WatchedInstrumentsRepository,
	coordinator OrderCoordinator,
) SignalEngine {
	return &signalEngine{
		cfg:            cfg,
		log:            log,
		instrumentRepo: instrumentRepo,
		coordinator:    coordinator,
	}
}

// categorize places an instrument into its initial state from the current
// price/indicator relation. Used at creation and again at re-entry. Price at
// or below the indicator skips the reversal phase entirely.
func categorize(price, indicator float64) (entity.SignalStatus, bool, string) {
	if price > indicator {
		return entity.SignalWaitingForReversal, false,
			fmt.Sprintf("price %.2f above indicator %.2f, waiting for reversal", price, indicator)
	}
	return entity.SignalWaitingForEntry, true,
		fmt.Sprintf("price %.2f at or below indicator %.2f, waiting for entry crossover", price, indicator)
}

func (e *signalEngine) Evaluate(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error {
	switch instrument.Status {
	case entity.SignalWaitingForReversal:
		return e.evaluateWaitingForReversal(ctx, instrument, sample)
	case entity.SignalConfirmingReversal:
		return e.evaluateConfirmingReversal(ctx, instrument, sample)
	case entity.SignalWaitingForEntry:
		return e.evaluateWaitingForEntry(ctx, instrument, sample)
	case entity.SignalConfirmingEntry:
		return e.evaluateConfirmingEntry(ctx, instrument, sample)
	case entity.SignalOrderPlaced:
		// Live fields still refresh while the order is outstanding; the
		// coordinator owns the drift-repricing protocol.
		if err := e.refreshLiveFields(ctx, instrument, sample); err != nil {
			return err
		}
		return e.coordinator.MaybeReprice(ctx, instrument, sample)
	case entity.SignalOrderRejected:
		// Terminal. Requires an explicit manual reset.
		return e.refreshLiveFields(ctx, instrument, sample)
	default:
		return fmt.Errorf("instrument %d has unknown status %q", instrument.ID, instrument.Status)
	}
}

func (e *signalEngine) evaluateWaitingForReversal(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error {
	if sample.Price > sample.Indicator {
		return e.refreshLiveFields(ctx, instrument, sample)
	}

	deadline := sample.At.Add(e.cfg.Trader.ReversalConfirmWindow)
	reason := fmt.Sprintf("price %.2f crossed below indicator %.2f, confirming reversal until %s",
		sample.Price, sample.Indicator, deadline.Format("15:04:05"))

	won, err := e.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{
			"status":        entity.SignalWaitingForReversal,
			"confirm_state": instrument.ConfirmState,
		},
		e.withLiveFields(sample, map[string]interface{}{
			"status":                entity.SignalConfirmingReversal,
			"status_reason":         reason,
			"signal_direction":      entity.DirectionReversal,
			"confirm_state":         entity.ConfirmConfirming,
			"signal_triggered_at":   sample.At,
			"confirmation_deadline": deadline,
		}))
	if err != nil {
		return err
	}
	if won {
		e.log.Info("Reversal crossover detected",
			logger.IntField("instrument_id", int(instrument.ID)),
			logger.StringField("symbol", instrument.Symbol),
			logger.StringField("reason", reason))
	}
	return nil
}

func (e *signalEngine) evaluateConfirmingReversal(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error {
	if sample.Price > sample.Indicator {
		// The reversal did not persist; drop back regardless of how
		// close to the deadline the observation is.
		reason := fmt.Sprintf("price %.2f moved back above indicator %.2f before confirmation, reversal cancelled",
			sample.Price, sample.Indicator)
		return e.clearPendingSignal(ctx, instrument, sample, entity.SignalWaitingForReversal, reason)
	}

	if instrument.ConfirmationDeadline == nil || sample.At.Before(*instrument.ConfirmationDeadline) {
		return e.refreshLiveFields(ctx, instrument, sample)
	}

	reason := fmt.Sprintf("reversal held through %s window, waiting for entry crossover",
		e.cfg.Trader.ReversalConfirmWindow)
	won, err := e.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{
			"status":        entity.SignalConfirmingReversal,
			"confirm_state": entity.ConfirmConfirming,
		},
		e.withLiveFields(sample, map[string]interface{}{
			"status":                entity.SignalWaitingForEntry,
			"status_reason":         reason,
			"signal_direction":      entity.DirectionEntry,
			"confirm_state":         entity.ConfirmWaiting,
			"signal_triggered_at":   nil,
			"confirmation_deadline": nil,
			"reversal_confirmed":    true,
		}))
	if err != nil {
		return err
	}
	if won {
		e.log.Info("Reversal confirmed",
			logger.IntField("instrument_id", int(instrument.ID)),
			logger.StringField("symbol", instrument.Symbol))
	}
	return nil
}

func (e *signalEngine) evaluateWaitingForEntry(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error {
	if sample.Price <= sample.Indicator {
		return e.refreshLiveFields(ctx, instrument, sample)
	}

	// The entry must persist to the close of the current candle, aligned
	// to the interval grid rather than sample time + interval.
	deadline := utils.NextCandleBoundary(sample.At, e.cfg.Trader.CandleInterval)
	reason := fmt.Sprintf("price %.2f crossed above indicator %.2f, confirming entry until candle close %s",
		sample.Price, sample.Indicator, deadline.Format("15:04:05"))

	won, err := e.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{
			"status":        entity.SignalWaitingForEntry,
			"confirm_state": instrument.ConfirmState,
		},
		e.withLiveFields(sample, map[string]interface{}{
			"status":                entity.SignalConfirmingEntry,
			"status_reason":         reason,
			"signal_direction":      entity.DirectionEntry,
			"confirm_state":         entity.ConfirmConfirming,
			"signal_triggered_at":   sample.At,
			"confirmation_deadline": deadline,
		}))
	if err != nil {
		return err
	}
	if won {
		e.log.Info("Entry crossover detected",
			logger.IntField("instrument_id", int(instrument.ID)),
			logger.StringField("symbol", instrument.Symbol),
			logger.StringField("reason", reason))
	}
	return nil
}

func (e *signalEngine) evaluateConfirmingEntry(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error {
	if sample.Price <= sample.Indicator {
		reason := fmt.Sprintf("price %.2f fell back to indicator %.2f before candle close, entry cancelled",
			sample.Price, sample.Indicator)
		return e.clearPendingSignal(ctx, instrument, sample, entity.SignalWaitingForEntry, reason)
	}

	if instrument.ConfirmationDeadline == nil || sample.At.Before(*instrument.ConfirmationDeadline) {
		return e.refreshLiveFields(ctx, instrument, sample)
	}

	// Confirmed entry. The coordinator's claim makes this exactly-once
	// even when two ticks race past the deadline together.
	return e.coordinator.AttemptEntry(ctx, instrument, sample)
}

// clearPendingSignal cancels an unconfirmed observation and returns the
// instrument to the given waiting state.
func (e *signalEngine) clearPendingSignal(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample, target entity.SignalStatus, reason string) error {
	direction := ""
	if target == entity.SignalWaitingForEntry {
		direction = string(entity.DirectionEntry)
	}
	won, err := e.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{
			"status":        instrument.Status,
			"confirm_state": entity.ConfirmConfirming,
		},
		e.withLiveFields(sample, map[string]interface{}{
			"status":                target,
			"status_reason":         reason,
			"signal_direction":      direction,
			"confirm_state":         entity.ConfirmWaiting,
			"signal_triggered_at":   nil,
			"confirmation_deadline": nil,
		}))
	if err != nil {
		return err
	}
	if won {
		e.log.Info("Pending signal cancelled",
			logger.IntField("instrument_id", int(instrument.ID)),
			logger.StringField("symbol", instrument.Symbol),
			logger.StringField("reason", reason))
	}
	return nil
}

// refreshLiveFields records the latest observation without any state
// transition. The status guard keeps a stale sample from racing a
// concurrent transition.
func (e *signalEngine) refreshLiveFields(ctx context.Context, instrument entity.WatchedInstrument, sample dto.InstrumentSample) error {
	_, err := e.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
		map[string]interface{}{"status": instrument.Status},
		e.withLiveFields(sample, map[string]interface{}{}))
	return err
}

func (e *signalEngine) withLiveFields(sample dto.InstrumentSample, updates map[string]interface{}) map[string]interface{} {
	updates["last_price"] = sample.Price
	updates["last_indicator"] = sample.Indicator
	updates["last_updated_at"] = sample.At
	return updates
}
