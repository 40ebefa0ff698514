package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang-hma-trader/internal/entity"
	"golang-hma-trader/internal/trader/config"
	"golang-hma-trader/internal/trader/dto"
	"golang-hma-trader/internal/trader/repository"
	"golang-hma-trader/pkg/logger"
	"golang-hma-trader/pkg/utils"
)

// MonitoringService is the surface exposed to collaborators: watch-list
// management, monitoring control and the periodic cycle itself.
type MonitoringService interface {
	StartMonitoring(ctx context.Context, accountID uint) error
	StopMonitoring(ctx context.Context, accountID uint) error
	AddInstrument(ctx context.Context, req dto.AddInstrumentRequest) (*dto.AddInstrumentResponse, error)
	RemoveInstrument(ctx context.Context, instrumentID uint) error
	// ResetInstrument is the explicit manual path out of ORDER_REJECTED.
	ResetInstrument(ctx context.Context, instrumentID uint) error
	GetStatus(ctx context.Context, accountID uint) (*dto.AccountStatusResponse, error)

	// RunMonitoringCycle runs one pass for one account.
	RunMonitoringCycle(ctx context.Context, accountID uint) error
	// RunAllMonitoringCycles runs one pass for every monitored account;
	// invoked by the scheduler.
	RunAllMonitoringCycles(ctx context.Context)
}

type monitoringService struct {
	cfg             *config.Config
	log             *logger.Logger
	instrumentRepo  repository.WatchedInstrumentsRepository
	positionRepo    repository.OpenPositionsRepository
	accountRepo     repository.AccountStateRepository
	marketData      repository.MarketDataRepository
	signalEngine    SignalEngine
	positionManager PositionManager
	marketLoc       *time.Location
}

// NewMonitoringService creates the monitoring orchestrator.
func NewMonitoringService(
	cfg *config.Config,
	log *logger.Logger,
	instrumentRepo repository.WatchedInstrumentsRepository,
	positionRepo repository.OpenPositionsRepository,
	accountRepo repository.AccountStateRepository,
	marketData repository.MarketDataRepository,
	signalEngine SignalEngine,
	positionManager PositionManager,
	marketLoc *time.Location,
) MonitoringService {
	return &monitoringService{
		cfg:             cfg,
		log:             log,
		instrumentRepo:  instrumentRepo,
		positionRepo:    positionRepo,
		accountRepo:     accountRepo,
		marketData:      marketData,
		signalEngine:    signalEngine,
		positionManager: positionManager,
		marketLoc:       marketLoc,
	}
}

func (s *monitoringService) StartMonitoring(ctx context.Context, accountID uint) error {
	if _, err := s.accountRepo.GetOrCreate(ctx, accountID); err != nil {
		return err
	}
	if err := s.accountRepo.SetMonitoring(ctx, accountID, true); err != nil {
		return err
	}
	s.log.Info("Monitoring started", logger.IntField("account_id", int(accountID)))
	return nil
}

func (s *monitoringService) StopMonitoring(ctx context.Context, accountID uint) error {
	if err := s.accountRepo.SetMonitoring(ctx, accountID, false); err != nil {
		return err
	}
	s.log.Info("Monitoring stopped", logger.IntField("account_id", int(accountID)))
	return nil
}

func (s *monitoringService) AddInstrument(ctx context.Context, req dto.AddInstrumentRequest) (*dto.AddInstrumentResponse, error) {
	if req.Symbol == "" || req.AccountID == 0 {
		return nil, fmt.Errorf("symbol and account_id are required")
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if req.MaxTradesPerDay <= 0 {
		req.MaxTradesPerDay = 1
	}

	quote, err := s.marketData.GetQuote(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("cannot categorize %s without a quote: %w", req.Symbol, err)
	}
	indicator, err := s.marketData.GetIndicator(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("cannot categorize %s without an indicator value: %w", req.Symbol, err)
	}

	unit := entity.DistanceUnit(req.DistanceUnit)
	if unit != entity.DistancePercent {
		unit = entity.DistancePoints
	}

	now := time.Now()
	status, reversalConfirmed, reason := categorize(quote.Price, indicator.Value)
	instrument := &entity.WatchedInstrument{
		AccountID:           req.AccountID,
		Symbol:              req.Symbol,
		Quantity:            req.Quantity,
		TargetDistance:      req.TargetDistance,
		StopDistance:        req.StopDistance,
		DistanceUnit:        unit,
		TrailingEnabled:     req.TrailingEnabled,
		TrailingTriggerStep: req.TrailingTriggerStep,
		TrailingStopStep:    req.TrailingStopStep,
		MaxTradesPerDay:     req.MaxTradesPerDay,
		LastPrice:           quote.Price,
		LastIndicator:       indicator.Value,
		LastUpdatedAt:       &now,
		Status:              status,
		StatusReason:        reason,
		ConfirmState:        entity.ConfirmWaiting,
		ReversalConfirmed:   reversalConfirmed,
		TradingDay:          utils.TradingDay(now, s.marketLoc),
	}
	if err := s.instrumentRepo.Create(ctx, instrument); err != nil {
		return nil, err
	}

	s.log.Info("Instrument added to watch list",
		logger.IntField("instrument_id", int(instrument.ID)),
		logger.StringField("symbol", instrument.Symbol),
		logger.StringField("status", string(status)))

	return &dto.AddInstrumentResponse{
		InstrumentID: instrument.ID,
		Status:       status,
		StatusReason: reason,
	}, nil
}

func (s *monitoringService) RemoveInstrument(ctx context.Context, instrumentID uint) error {
	return s.instrumentRepo.Delete(ctx, instrumentID)
}

func (s *monitoringService) ResetInstrument(ctx context.Context, instrumentID uint) error {
	won, err := s.instrumentRepo.ConditionalUpdate(ctx, instrumentID,
		map[string]interface{}{"status": entity.SignalOrderRejected},
		map[string]interface{}{
			"status":                entity.SignalWaitingForReversal,
			"status_reason":         "manually reset after rejection",
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
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("instrument %d is not in a rejected state", instrumentID)
	}
	s.log.Info("Instrument manually reset", logger.IntField("instrument_id", int(instrumentID)))
	return nil
}

func (s *monitoringService) GetStatus(ctx context.Context, accountID uint) (*dto.AccountStatusResponse, error) {
	state, err := s.accountRepo.GetOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}

	instruments, err := s.instrumentRepo.Get(ctx, repository.GetWatchedInstrumentsParam{
		AccountIDs: []uint{accountID},
	})
	if err != nil {
		return nil, err
	}

	positions, err := s.positionRepo.Get(ctx, repository.GetOpenPositionsParam{
		AccountIDs: []uint{accountID},
	})
	if err != nil {
		return nil, err
	}

	return &dto.AccountStatusResponse{
		AccountID:    accountID,
		IsMonitoring: state.IsMonitoring,
		TotalTrades:  state.TotalTradesExecuted,
		TotalPnL:     state.TotalRealizedPnL,
		WatchList:    instruments,
		Positions:    positions,
		LastCycleAt:  state.LastCycleFinishedAt,
	}, nil
}

func (s *monitoringService) RunAllMonitoringCycles(ctx context.Context) {
	states, err := s.accountRepo.ListMonitoring(ctx)
	if err != nil {
		s.log.Error("Failed to list monitored accounts", logger.ErrorField(err))
		return
	}

	for _, state := range states {
		if !utils.ShouldContinue(ctx, s.log) {
			return
		}
		if err := s.RunMonitoringCycle(ctx, state.AccountID); err != nil {
			s.log.Error("Monitoring cycle failed", logger.ErrorField(err),
				logger.IntField("account_id", int(state.AccountID)))
		}
	}
}

func (s *monitoringService) RunMonitoringCycle(ctx context.Context, accountID uint) error {
	state, err := s.accountRepo.GetOrCreate(ctx, accountID)
	if err != nil {
		return err
	}
	if !state.IsMonitoring {
		s.log.Debug("Skipping cycle, monitoring is off", logger.IntField("account_id", int(accountID)))
		return nil
	}

	started := time.Now()
	if err := s.accountRepo.MarkCycleStarted(ctx, accountID, started); err != nil {
		return err
	}

	instruments, err := s.instrumentRepo.Get(ctx, repository.GetWatchedInstrumentsParam{
		AccountIDs: []uint{accountID},
	})
	if err != nil {
		return fmt.Errorf("failed to load watch list: %w", err)
	}

	s.resetDailyCounters(ctx, instruments, started)
	s.evaluateInstruments(ctx, instruments)

	s.positionManager.ProcessPositions(ctx, accountID)
	s.positionManager.ProcessReentries(ctx, accountID)

	if err := s.accountRepo.MarkCycleFinished(ctx, accountID, time.Now()); err != nil {
		return err
	}

	s.log.Debug("Monitoring cycle finished",
		logger.IntField("account_id", int(accountID)),
		logger.IntField("instruments", len(instruments)),
		logger.DurationField("elapsed", time.Since(started)))
	return nil
}

// evaluateInstruments runs the state machine for each instrument with
// bounded parallelism. Instruments are independent; one failure never halts
// the others.
func (s *monitoringService) evaluateInstruments(ctx context.Context, instruments []entity.WatchedInstrument) {
	sem := make(chan struct{}, s.cfg.Trader.MaxConcurrentInstruments)
	var wg sync.WaitGroup

	for _, instrument := range instruments {
		if !utils.ShouldContinue(ctx, s.log) {
			break
		}
		instrument := instrument
		wg.Add(1)
		sem <- struct{}{}
		utils.GoSafe(func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.evaluateOne(ctx, instrument); err != nil {
				s.log.Error("Failed to evaluate instrument", logger.ErrorField(err),
					logger.IntField("instrument_id", int(instrument.ID)),
					logger.StringField("symbol", instrument.Symbol))
			}
		})
	}

	wg.Wait()
}

func (s *monitoringService) evaluateOne(ctx context.Context, instrument entity.WatchedInstrument) error {
	quote, err := s.marketData.GetQuote(ctx, instrument.Symbol)
	if err != nil {
		// Transient: skip this instrument for the cycle, no state change.
		return err
	}
	indicator, err := s.marketData.GetIndicator(ctx, instrument.Symbol)
	if err != nil {
		return err
	}

	return s.signalEngine.Evaluate(ctx, instrument, dto.InstrumentSample{
		Price:     quote.Price,
		Indicator: indicator.Value,
		At:        time.Now(),
	})
}

// resetDailyCounters zeroes per-day trade counters when the trading day has
// rolled over since the instrument last traded.
func (s *monitoringService) resetDailyCounters(ctx context.Context, instruments []entity.WatchedInstrument, now time.Time) {
	today := utils.TradingDay(now, s.marketLoc)
	for i := range instruments {
		instrument := &instruments[i]
		if instrument.TradingDay == today {
			continue
		}
		won, err := s.instrumentRepo.ConditionalUpdate(ctx, instrument.ID,
			map[string]interface{}{"trading_day": instrument.TradingDay},
			map[string]interface{}{
				"trading_day":           today,
				"trades_executed_today": 0,
			})
		if err != nil {
			s.log.Error("Failed to reset daily trade counter", logger.ErrorField(err),
				logger.IntField("instrument_id", int(instrument.ID)))
			continue
		}
		if won {
			instrument.TradingDay = today
			instrument.TradesExecutedToday = 0
		}
	}
}
