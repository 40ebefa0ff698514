package service

import (
	"context"
	"testing"
	"time"

	"golang-hma-trader/internal/entity"
	"golang-hma-trader/internal/trader/config"
	"golang-hma-trader/internal/trader/dto"
	"golang-hma-trader/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	cfg         *config.Config
	instruments *fakeInstrumentRepo
	positions   *fakePositionRepo
	accounts    *fakeAccountRepo
	events      *fakeOrderEventsRepo
	metas       *fakeMetaRepo
	market      *fakeMarketData
	broker      *fakeBroker
	manager     PositionManager
	coordinator OrderCoordinator
	engine      SignalEngine
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	log, err := logger.New("error", "console")
	require.NoError(t, err)

	cfg := &config.Config{
		Trader: config.Trader{
			ReversalConfirmWindow:    15 * time.Minute,
			CandleInterval:           5 * time.Minute,
			RepriceThreshold:         0.5,
			StopOrderSettleDelay:     30 * time.Second,
			ReentrySettleDelay:       time.Minute,
			SessionCutoffHour:        23,
			SessionCutoffMinute:      59,
			MaxConcurrentInstruments: 4,
		},
	}

	stack := &testStack{
		cfg:         cfg,
		instruments: newFakeInstrumentRepo(),
		positions:   newFakePositionRepo(),
		accounts:    newFakeAccountRepo(),
		events:      newFakeOrderEventsRepo(),
		metas:       newFakeMetaRepo(entity.InstrumentMeta{Symbol: "SBIN", Exchange: "NSE", LotSize: 1, TickSize: 0.05}),
		market:      newFakeMarketData(),
		broker:      newFakeBroker(),
	}
	stack.manager = NewPositionManager(cfg, log, stack.positions, stack.instruments, stack.accounts,
		stack.market, stack.metas, stack.broker, nil, time.UTC)
	stack.coordinator = NewOrderCoordinator(cfg, log, stack.instruments, stack.positions, stack.events,
		stack.metas, stack.broker, stack.manager, nil)
	stack.engine = NewSignalEngine(cfg, log, stack.instruments, stack.coordinator)
	return stack
}

func (s *testStack) seedInstrument(t *testing.T, status entity.SignalStatus) *entity.WatchedInstrument {
	t.Helper()
	instrument := &entity.WatchedInstrument{
		AccountID:       1,
		Symbol:          "SBIN",
		Quantity:        2,
		TargetDistance:  2,
		StopDistance:    1,
		DistanceUnit:    entity.DistancePoints,
		MaxTradesPerDay: 2,
		Status:          status,
		ConfirmState:    entity.ConfirmWaiting,
	}
	require.NoError(t, s.instruments.Create(context.Background(), instrument))
	return instrument
}

func (s *testStack) mustGetInstrument(t *testing.T, id uint) entity.WatchedInstrument {
	t.Helper()
	instrument, err := s.instruments.GetByID(context.Background(), id)
	require.NoError(t, err)
	return *instrument
}

func sampleAt(price, indicator float64, at time.Time) dto.InstrumentSample {
	return dto.InstrumentSample{Price: price, Indicator: indicator, At: at}
}

func TestCategorize(t *testing.T) {
	status, confirmed, _ := categorize(105, 100)
	assert.Equal(t, entity.SignalWaitingForReversal, status)
	assert.False(t, confirmed)

	status, confirmed, _ = categorize(100, 100)
	assert.Equal(t, entity.SignalWaitingForEntry, status)
	assert.True(t, confirmed)

	status, confirmed, _ = categorize(97.5, 100)
	assert.Equal(t, entity.SignalWaitingForEntry, status)
	assert.True(t, confirmed)
}

// Walks one instrument through the full happy path: reversal crossover,
// reversal confirmation, entry crossover, candle-close confirmation and the
// entry order placement.
func TestEvaluateFullEntrySequence(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	seed := stack.seedInstrument(t, entity.SignalWaitingForReversal)

	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

	// Price above the indicator: nothing but a live-field refresh.
	require.NoError(t, stack.engine.Evaluate(ctx, stack.mustGetInstrument(t, seed.ID), sampleAt(105, 100, base)))
	current := stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalWaitingForReversal, current.Status)
	assert.Equal(t, 105.0, current.LastPrice)

	// Reversal crossover opens the confirmation window.
	crossAt := base.Add(2 * time.Minute)
	require.NoError(t, stack.engine.Evaluate(ctx, current, sampleAt(98, 100, crossAt)))
	current = stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalConfirmingReversal, current.Status)
	assert.Equal(t, entity.DirectionReversal, current.SignalDirection)
	assert.Equal(t, entity.ConfirmConfirming, current.ConfirmState)
	require.NotNil(t, current.ConfirmationDeadline)
	assert.Equal(t, crossAt.Add(15*time.Minute), *current.ConfirmationDeadline)

	// Still below, window not elapsed: no transition.
	require.NoError(t, stack.engine.Evaluate(ctx, current, sampleAt(97.5, 100, crossAt.Add(5*time.Minute))))
	current = stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalConfirmingReversal, current.Status)

	// Deadline reached with price still below: reversal confirmed.
	require.NoError(t, stack.engine.Evaluate(ctx, current, sampleAt(97, 100, crossAt.Add(15*time.Minute))))
	current = stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalWaitingForEntry, current.Status)
	assert.True(t, current.ReversalConfirmed)
	assert.Nil(t, current.ConfirmationDeadline)

	// Entry crossover: deadline is the close of the current candle, not
	// sample time + interval.
	entryAt := time.Date(2026, 8, 27, 10, 17, 30, 0, time.UTC)
	require.NoError(t, stack.engine.Evaluate(ctx, current, sampleAt(103, 100, entryAt)))
	current = stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalConfirmingEntry, current.Status)
	assert.Equal(t, entity.DirectionEntry, current.SignalDirection)
	require.NotNil(t, current.ConfirmationDeadline)
	assert.Equal(t, time.Date(2026, 8, 27, 10, 20, 0, 0, time.UTC), *current.ConfirmationDeadline)

	// Candle close with price still above: order placed at the indicator
	// value, tick-rounded.
	require.NoError(t, stack.engine.Evaluate(ctx, current, sampleAt(104, 100.12, *current.ConfirmationDeadline)))
	current = stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalOrderPlaced, current.Status)
	assert.NotEmpty(t, current.OrderID)
	assert.Equal(t, 100.12, current.IndicatorAtOrder)

	require.Equal(t, 1, stack.broker.placeCount())
	placed := stack.broker.lastPlaced()
	assert.Equal(t, dto.OrderSideBuy, placed.Spec.Side)
	assert.Equal(t, dto.OrderKindLimit, placed.Spec.Kind)
	assert.Equal(t, 2, placed.Spec.Quantity)
	assert.InDelta(t, 100.10, placed.Spec.LimitPrice, 1e-9)
}

// A freshly watched instrument above the indicator can never jump straight
// to CONFIRMING_ENTRY; the reversal leg always comes first.
func TestEvaluateNeverSkipsReversalLeg(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	seed := stack.seedInstrument(t, entity.SignalWaitingForReversal)
	at := time.Date(2026, 8, 27, 11, 0, 0, 0, time.UTC)

	require.NoError(t, stack.engine.Evaluate(ctx, stack.mustGetInstrument(t, seed.ID), sampleAt(99, 100, at)))
	current := stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalConfirmingReversal, current.Status)
	assert.Equal(t, entity.DirectionReversal, current.SignalDirection)
	assert.Equal(t, 0, stack.broker.placeCount())
}

func TestEvaluateReversalCancelledJustBeforeDeadline(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	seed := stack.seedInstrument(t, entity.SignalWaitingForReversal)
	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

	require.NoError(t, stack.engine.Evaluate(ctx, stack.mustGetInstrument(t, seed.ID), sampleAt(98, 100, base)))
	current := stack.mustGetInstrument(t, seed.ID)
	require.Equal(t, entity.SignalConfirmingReversal, current.Status)

	// One second short of the deadline the price pops back above: the whole
	// observation is discarded.
	almostDeadline := current.ConfirmationDeadline.Add(-time.Second)
	require.NoError(t, stack.engine.Evaluate(ctx, current, sampleAt(100.5, 100, almostDeadline)))
	current = stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalWaitingForReversal, current.Status)
	assert.Equal(t, entity.SignalDirection(""), current.SignalDirection)
	assert.Equal(t, entity.ConfirmWaiting, current.ConfirmState)
	assert.Nil(t, current.SignalTriggeredAt)
	assert.Nil(t, current.ConfirmationDeadline)
	assert.False(t, current.ReversalConfirmed)
}

func TestEvaluateEntryCancelledBeforeCandleClose(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	seed := stack.seedInstrument(t, entity.SignalWaitingForEntry)
	base := time.Date(2026, 8, 27, 10, 1, 0, 0, time.UTC)

	require.NoError(t, stack.engine.Evaluate(ctx, stack.mustGetInstrument(t, seed.ID), sampleAt(101, 100, base)))
	current := stack.mustGetInstrument(t, seed.ID)
	require.Equal(t, entity.SignalConfirmingEntry, current.Status)

	// Falls back to the indicator before the candle closes: return to
	// WAITING_FOR_ENTRY, keeping the entry direction armed.
	require.NoError(t, stack.engine.Evaluate(ctx, current, sampleAt(99.8, 100, base.Add(2*time.Minute))))
	current = stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalWaitingForEntry, current.Status)
	assert.Equal(t, entity.DirectionEntry, current.SignalDirection)
	assert.Nil(t, current.ConfirmationDeadline)
	assert.Equal(t, 0, stack.broker.placeCount())
}

func TestEvaluateOrderPlacedRepricesOnDrift(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	seed := stack.seedInstrument(t, entity.SignalOrderPlaced)
	_, err := stack.instruments.ConditionalUpdate(ctx, seed.ID,
		map[string]interface{}{"status": entity.SignalOrderPlaced},
		map[string]interface{}{
			"order_id":            "ORD-OLD",
			"order_status":        entity.OrderPending,
			"indicator_at_order":  100.0,
			"opportunity_claimed": true,
		})
	require.NoError(t, err)
	at := time.Date(2026, 8, 27, 10, 25, 0, 0, time.UTC)

	// Drift below the threshold: no broker traffic.
	require.NoError(t, stack.engine.Evaluate(ctx, stack.mustGetInstrument(t, seed.ID), sampleAt(104, 100.4, at)))
	assert.Equal(t, 0, stack.broker.placeCount())
	assert.Empty(t, stack.broker.cancelled)

	// Drift past the threshold: cancel/replace at the new indicator.
	require.NoError(t, stack.engine.Evaluate(ctx, stack.mustGetInstrument(t, seed.ID), sampleAt(104, 100.6, at.Add(time.Minute))))
	require.Equal(t, 1, stack.broker.placeCount())
	assert.Equal(t, []string{"ORD-OLD"}, stack.broker.cancelled)

	current := stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalOrderPlaced, current.Status)
	assert.Equal(t, stack.broker.lastPlaced().OrderID, current.OrderID)
	assert.Equal(t, 100.6, current.IndicatorAtOrder)
	assert.False(t, current.RepriceInFlight)
}

func TestEvaluateRepriceSkippedWhenAlreadyInFlight(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	seed := stack.seedInstrument(t, entity.SignalOrderPlaced)
	_, err := stack.instruments.ConditionalUpdate(ctx, seed.ID,
		map[string]interface{}{"status": entity.SignalOrderPlaced},
		map[string]interface{}{
			"order_id":            "ORD-OLD",
			"indicator_at_order":  100.0,
			"opportunity_claimed": true,
			"reprice_in_flight":   true,
		})
	require.NoError(t, err)

	at := time.Date(2026, 8, 27, 10, 25, 0, 0, time.UTC)
	require.NoError(t, stack.engine.Evaluate(ctx, stack.mustGetInstrument(t, seed.ID), sampleAt(104, 101, at)))
	assert.Equal(t, 0, stack.broker.placeCount())
	assert.Empty(t, stack.broker.cancelled)
}

func TestEvaluateRejectedIsTerminalWithoutReset(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	seed := stack.seedInstrument(t, entity.SignalOrderRejected)
	at := time.Date(2026, 8, 27, 10, 30, 0, 0, time.UTC)

	require.NoError(t, stack.engine.Evaluate(ctx, stack.mustGetInstrument(t, seed.ID), sampleAt(98, 100, at)))
	current := stack.mustGetInstrument(t, seed.ID)
	assert.Equal(t, entity.SignalOrderRejected, current.Status)
	assert.Equal(t, 98.0, current.LastPrice)
	assert.Equal(t, 0, stack.broker.placeCount())
}
