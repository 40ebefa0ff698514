package utils

import (
	"context"
	"math"
	"runtime/debug"
	"time"

	"golang-hma-trader/pkg/logger"
)

// GoSafe runs fn in a goroutine and recovers from panics so a single
// misbehaving task cannot take down the process.
func GoSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				debug.PrintStack()
			}
		}()
		fn()
	}()
}

// ShouldContinue reports whether the context is still live, logging the
// cancellation when it is not.
func ShouldContinue(ctx context.Context, log *logger.Logger) bool {
	select {
	case <-ctx.Done():
		log.Info("Context cancelled, stopping work", logger.ErrorField(ctx.Err()))
		return false
	default:
		return true
	}
}

// RoundToTick rounds a price to the nearest multiple of the instrument's
// tick size. A zero tick size leaves the price untouched.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// NextCandleBoundary returns the end of the candle interval containing t,
// aligned to the interval grid rather than t+interval.
func NextCandleBoundary(t time.Time, interval time.Duration) time.Time {
	return t.Truncate(interval).Add(interval)
}

// SameCalendarDay reports whether a and b fall on the same calendar day in
// the given location.
func SameCalendarDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// TradingDay returns the calendar date of t in the given location, useful
// as a key for per-day trade counters.
func TradingDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// AtTimeOfDay returns the instant on t's calendar day (in loc) at the given
// hour and minute.
func AtTimeOfDay(t time.Time, hour, minute int, loc *time.Location) time.Time {
	tt := t.In(loc)
	return time.Date(tt.Year(), tt.Month(), tt.Day(), hour, minute, 0, 0, loc)
}
