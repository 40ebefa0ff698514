package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang-hma-trader/internal/entity"
	"golang-hma-trader/internal/trader/dto"
	"golang-hma-trader/internal/trader/repository"
)

// The fakes below implement the repository contracts in memory with the
// same conditional-write semantics as the Postgres-backed versions, so the
// claim and conflict behavior under test matches production.

type fakeInstrumentRepo struct {
	mu     sync.Mutex
	nextID uint
	rows   map[uint]*entity.WatchedInstrument
}

func newFakeInstrumentRepo() *fakeInstrumentRepo {
	return &fakeInstrumentRepo{nextID: 1, rows: map[uint]*entity.WatchedInstrument{}}
}

func (f *fakeInstrumentRepo) Create(_ context.Context, instrument *entity.WatchedInstrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if instrument.ID == 0 {
		instrument.ID = f.nextID
		f.nextID++
	}
	copied := *instrument
	f.rows[instrument.ID] = &copied
	return nil
}

func (f *fakeInstrumentRepo) Get(_ context.Context, param repository.GetWatchedInstrumentsParam) ([]entity.WatchedInstrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.WatchedInstrument
	for _, row := range f.rows {
		if len(param.AccountIDs) > 0 && !containsUint(param.AccountIDs, row.AccountID) {
			continue
		}
		if len(param.Symbols) > 0 && !containsString(param.Symbols, row.Symbol) {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (f *fakeInstrumentRepo) GetByID(_ context.Context, id uint) (*entity.WatchedInstrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("instrument %d not found", id)
	}
	copied := *row
	return &copied, nil
}

func (f *fakeInstrumentRepo) FindByOrderID(_ context.Context, orderID string) (*entity.WatchedInstrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.OrderID == orderID && orderID != "" {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeInstrumentRepo) Delete(_ context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeInstrumentRepo) TryClaim(_ context.Context, id uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.OpportunityClaimed || row.OrderID != "" {
		return false, nil
	}
	row.OpportunityClaimed = true
	return true, nil
}

func (f *fakeInstrumentRepo) ReleaseClaim(_ context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok {
		row.OpportunityClaimed = false
	}
	return nil
}

func (f *fakeInstrumentRepo) ConditionalUpdate(_ context.Context, id uint, expected map[string]interface{}, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	for column, want := range expected {
		if !valueMatches(instrumentColumn(row, column), want) {
			return false, nil
		}
	}
	for column, value := range updates {
		setInstrumentColumn(row, column, value)
	}
	return true, nil
}

func instrumentColumn(row *entity.WatchedInstrument, column string) interface{} {
	switch column {
	case "status":
		return row.Status
	case "confirm_state":
		return row.ConfirmState
	case "signal_direction":
		return row.SignalDirection
	case "order_id":
		return row.OrderID
	case "order_status":
		return row.OrderStatus
	case "opportunity_claimed":
		return row.OpportunityClaimed
	case "reprice_in_flight":
		return row.RepriceInFlight
	case "trading_day":
		return row.TradingDay
	case "signal_triggered_at":
		return timePtrValue(row.SignalTriggeredAt)
	case "confirmation_deadline":
		return timePtrValue(row.ConfirmationDeadline)
	default:
		panic("unexpected instrument column in test fake: " + column)
	}
}

func setInstrumentColumn(row *entity.WatchedInstrument, column string, value interface{}) {
	switch column {
	case "status":
		row.Status = entity.SignalStatus(asString(value))
	case "status_reason":
		row.StatusReason = asString(value)
	case "signal_direction":
		row.SignalDirection = entity.SignalDirection(asString(value))
	case "confirm_state":
		row.ConfirmState = entity.ConfirmState(asString(value))
	case "signal_triggered_at":
		row.SignalTriggeredAt = asTimePtr(value)
	case "confirmation_deadline":
		row.ConfirmationDeadline = asTimePtr(value)
	case "reversal_confirmed":
		row.ReversalConfirmed = value.(bool)
	case "order_id":
		row.OrderID = asString(value)
	case "order_status":
		row.OrderStatus = asString(value)
	case "indicator_at_order":
		row.IndicatorAtOrder = asFloat(value)
	case "opportunity_claimed":
		row.OpportunityClaimed = value.(bool)
	case "reprice_in_flight":
		row.RepriceInFlight = value.(bool)
	case "trades_executed_today":
		row.TradesExecutedToday = asInt(value)
	case "trading_day":
		row.TradingDay = asString(value)
	case "last_price":
		row.LastPrice = asFloat(value)
	case "last_indicator":
		row.LastIndicator = asFloat(value)
	case "last_updated_at":
		row.LastUpdatedAt = asTimePtr(value)
	default:
		panic("unexpected instrument update column in test fake: " + column)
	}
}

type fakePositionRepo struct {
	mu        sync.Mutex
	nextID    uint
	rows      map[uint]*entity.OpenPosition
	createErr error // consumed by the next Create call
}

func newFakePositionRepo() *fakePositionRepo {
	return &fakePositionRepo{nextID: 1, rows: map[uint]*entity.OpenPosition{}}
}

func (f *fakePositionRepo) Create(_ context.Context, position *entity.OpenPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	if position.ID == 0 {
		position.ID = f.nextID
		f.nextID++
	}
	copied := *position
	f.rows[position.ID] = &copied
	return nil
}

func (f *fakePositionRepo) Get(_ context.Context, param repository.GetOpenPositionsParam) ([]entity.OpenPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.OpenPosition
	for _, row := range f.rows {
		if len(param.AccountIDs) > 0 && !containsUint(param.AccountIDs, row.AccountID) {
			continue
		}
		if len(param.Statuses) > 0 && !containsStatus(param.Statuses, row.Status) {
			continue
		}
		if param.ReentryPending != nil {
			if *param.ReentryPending && (row.ReentryDone || row.ReentryDueAt == nil) {
				continue
			}
			if !*param.ReentryPending && !row.ReentryDone {
				continue
			}
		}
		if param.ReentryDueBy != nil && (row.ReentryDueAt == nil || row.ReentryDueAt.After(*param.ReentryDueBy)) {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (f *fakePositionRepo) GetByID(_ context.Context, id uint) (*entity.OpenPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("position %d not found", id)
	}
	copied := *row
	return &copied, nil
}

func (f *fakePositionRepo) FindByOrderID(_ context.Context, orderID string) (*entity.OpenPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if orderID == "" {
		return nil, nil
	}
	for _, row := range f.rows {
		if row.EntryOrderID == orderID || row.StopOrderID == orderID || row.ExitOrderID == orderID {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakePositionRepo) ConditionalUpdate(_ context.Context, id uint, expected map[string]interface{}, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	for column, want := range expected {
		if !valueMatches(positionColumn(row, column), want) {
			return false, nil
		}
	}
	for column, value := range updates {
		setPositionColumn(row, column, value)
	}
	return true, nil
}

func positionColumn(row *entity.OpenPosition, column string) interface{} {
	switch column {
	case "status":
		return row.Status
	case "stop_order_id":
		return row.StopOrderID
	case "exit_order_id":
		return row.ExitOrderID
	case "stop_price":
		return row.StopPrice
	case "closed_at":
		return timePtrValue(row.ClosedAt)
	case "reentry_done":
		return row.ReentryDone
	default:
		panic("unexpected position column in test fake: " + column)
	}
}

func setPositionColumn(row *entity.OpenPosition, column string, value interface{}) {
	switch column {
	case "status":
		row.Status = entity.PositionStatus(asString(value))
	case "status_reason":
		row.StatusReason = asString(value)
	case "current_price":
		row.CurrentPrice = asFloat(value)
	case "stop_order_id":
		row.StopOrderID = asString(value)
	case "exit_order_id":
		row.ExitOrderID = asString(value)
	case "stop_price":
		row.StopPrice = asFloat(value)
	case "exit_price":
		row.ExitPrice = asFloat(value)
	case "realized_pnl":
		row.RealizedPnL = asFloat(value)
	case "pnl_percent":
		row.PnLPercent = asFloat(value)
	case "closed_at":
		row.ClosedAt = asTimePtr(value)
	case "reentry_due_at":
		row.ReentryDueAt = asTimePtr(value)
	case "reentry_done":
		row.ReentryDone = value.(bool)
	default:
		panic("unexpected position update column in test fake: " + column)
	}
}

type fakeAccountRepo struct {
	mu     sync.Mutex
	states map[uint]*entity.AccountMonitoringState
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{states: map[uint]*entity.AccountMonitoringState{}}
}

func (f *fakeAccountRepo) GetOrCreate(_ context.Context, accountID uint) (*entity.AccountMonitoringState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[accountID]; ok {
		copied := *state
		return &copied, nil
	}
	state := &entity.AccountMonitoringState{ID: accountID, AccountID: accountID}
	f.states[accountID] = state
	copied := *state
	return &copied, nil
}

func (f *fakeAccountRepo) ListMonitoring(_ context.Context) ([]entity.AccountMonitoringState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.AccountMonitoringState
	for _, state := range f.states {
		if state.IsMonitoring {
			out = append(out, *state)
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) SetMonitoring(_ context.Context, accountID uint, monitoring bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[accountID]; ok {
		state.IsMonitoring = monitoring
	}
	return nil
}

func (f *fakeAccountRepo) MarkCycleStarted(_ context.Context, accountID uint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[accountID]; ok {
		state.LastCycleStartedAt = &at
	}
	return nil
}

func (f *fakeAccountRepo) MarkCycleFinished(_ context.Context, accountID uint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[accountID]; ok {
		state.LastCycleFinishedAt = &at
	}
	return nil
}

func (f *fakeAccountRepo) AddTrade(_ context.Context, accountID uint, realizedPnL float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[accountID]; ok {
		state.TotalTradesExecuted++
		state.TotalRealizedPnL += realizedPnL
	}
	return nil
}

type fakeOrderEventsRepo struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeOrderEventsRepo() *fakeOrderEventsRepo {
	return &fakeOrderEventsRepo{seen: map[string]bool{}}
}

func (f *fakeOrderEventsRepo) RecordIfAbsent(_ context.Context, orderID string, status entity.OrderStatus, _ float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := orderID + "|" + string(status)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeOrderEventsRepo) Remove(_ context.Context, orderID string, status entity.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, orderID+"|"+string(status))
	return nil
}

type fakeMetaRepo struct {
	metas map[string]entity.InstrumentMeta
}

func newFakeMetaRepo(metas ...entity.InstrumentMeta) *fakeMetaRepo {
	repo := &fakeMetaRepo{metas: map[string]entity.InstrumentMeta{}}
	for _, meta := range metas {
		repo.metas[meta.Symbol] = meta
	}
	return repo
}

func (f *fakeMetaRepo) GetBySymbol(_ context.Context, symbol string) (*entity.InstrumentMeta, error) {
	meta, ok := f.metas[symbol]
	if !ok {
		return nil, fmt.Errorf("no instrument metadata for symbol %s", symbol)
	}
	return &meta, nil
}

type fakeMarketData struct {
	mu         sync.Mutex
	prices     map[string]float64
	indicators map[string]float64
	failQuotes map[string]error
}

func newFakeMarketData() *fakeMarketData {
	return &fakeMarketData{
		prices:     map[string]float64{},
		indicators: map[string]float64{},
		failQuotes: map[string]error{},
	}
}

func (f *fakeMarketData) set(symbol string, price, indicator float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
	f.indicators[symbol] = indicator
}

func (f *fakeMarketData) GetQuote(_ context.Context, symbol string) (*dto.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failQuotes[symbol]; ok {
		return nil, err
	}
	price, ok := f.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return &dto.Quote{Symbol: symbol, Price: price, AsOf: time.Now()}, nil
}

func (f *fakeMarketData) GetIndicator(_ context.Context, symbol string) (*dto.IndicatorValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.indicators[symbol]
	if !ok {
		return nil, fmt.Errorf("no indicator for %s", symbol)
	}
	return &dto.IndicatorValue{Symbol: symbol, Value: value, AsOf: time.Now()}, nil
}

type placedOrder struct {
	Spec    dto.OrderSpec
	OrderID string
}

type fakeBroker struct {
	mu        sync.Mutex
	nextID    int
	placed    []placedOrder
	cancelled []string
	modified  map[string][]dto.ModifyOrderRequest
	placeErr  error
	cancelErr error
	modifyErr error
	onCancel  func(orderID string) // runs after a successful cancel, outside the lock
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{modified: map[string][]dto.ModifyOrderRequest{}}
}

func (f *fakeBroker) PlaceOrder(_ context.Context, spec dto.OrderSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	orderID := fmt.Sprintf("ORD-%d", f.nextID)
	f.placed = append(f.placed, placedOrder{Spec: spec, OrderID: orderID})
	return orderID, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	if f.cancelErr != nil {
		err := f.cancelErr
		f.mu.Unlock()
		return err
	}
	f.cancelled = append(f.cancelled, orderID)
	hook := f.onCancel
	f.mu.Unlock()
	if hook != nil {
		hook(orderID)
	}
	return nil
}

func (f *fakeBroker) ModifyOrder(_ context.Context, orderID string, req dto.ModifyOrderRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modifyErr != nil {
		return f.modifyErr
	}
	f.modified[orderID] = append(f.modified[orderID], req)
	return nil
}

func (f *fakeBroker) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeBroker) lastPlaced() placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[len(f.placed)-1]
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) SendMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func positionsFilter(accountID uint) repository.GetOpenPositionsParam {
	return repository.GetOpenPositionsParam{AccountIDs: []uint{accountID}}
}

func watchlistFilter(accountID uint) repository.GetWatchedInstrumentsParam {
	return repository.GetWatchedInstrumentsParam{AccountIDs: []uint{accountID}}
}

func valueMatches(current, want interface{}) bool {
	if want == nil {
		return current == nil
	}
	if current == nil {
		return false
	}
	return fmt.Sprint(current) == fmt.Sprint(want)
}

func timePtrValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func asString(value interface{}) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func asFloat(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		panic(fmt.Sprintf("unexpected numeric value %T in test fake", value))
	}
}

func asInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		panic(fmt.Sprintf("unexpected int value %T in test fake", value))
	}
}

func asTimePtr(value interface{}) *time.Time {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	default:
		panic(fmt.Sprintf("unexpected time value %T in test fake", value))
	}
}

func containsUint(values []uint, want uint) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func containsStatus(values []entity.PositionStatus, want entity.PositionStatus) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
