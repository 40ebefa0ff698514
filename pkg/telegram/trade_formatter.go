package telegram

import (
	"fmt"
	"strings"
)

// FormatOrderPlaced formats an entry-order placement notification.
func FormatOrderPlaced(symbol, orderID string, quantity int, limitPrice float64) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🛒 *Entry Order Placed: %s*\n", symbol))
	b.WriteString(fmt.Sprintf("🆔 Order: `%s`\n", orderID))
	b.WriteString(fmt.Sprintf("📦 Quantity: %d\n", quantity))
	b.WriteString(fmt.Sprintf("💰 Limit Price: %.2f", limitPrice))
	return b.String()
}

// FormatOrderRejected formats a terminal rejection notification.
func FormatOrderRejected(symbol, orderID, reason string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🚫 *Order Rejected: %s*\n", symbol))
	if orderID != "" {
		b.WriteString(fmt.Sprintf("🆔 Order: `%s`\n", orderID))
	}
	b.WriteString(fmt.Sprintf("💬 Reason: %s\n", reason))
	b.WriteString("⚠️ Instrument needs a manual reset before it is watched again.")
	return b.String()
}

// FormatPositionOpened formats an entry-fill notification.
func FormatPositionOpened(symbol string, quantity int, entryPrice, targetPrice, stopPrice float64) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📈 *Position Opened: %s*\n", symbol))
	b.WriteString(fmt.Sprintf("📦 Quantity: %d\n", quantity))
	b.WriteString(fmt.Sprintf("💰 Entry: %.2f\n", entryPrice))
	b.WriteString(fmt.Sprintf("🎯 Target: %.2f\n", targetPrice))
	b.WriteString(fmt.Sprintf("🛡 Stop: %.2f", stopPrice))
	return b.String()
}

// FormatPositionClosed formats a closure notification with realized P&L.
func FormatPositionClosed(symbol, status string, exitPrice, realizedPnL, pnlPercent float64, reason string) string {
	icon := "😐"
	if realizedPnL > 0 {
		icon = "✅"
	} else if realizedPnL < 0 {
		icon = "🔻"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s *Position Closed: %s*\n", icon, symbol))
	b.WriteString(fmt.Sprintf("🏁 Status: %s\n", status))
	b.WriteString(fmt.Sprintf("💰 Exit: %.2f\n", exitPrice))
	b.WriteString(fmt.Sprintf("📊 P&L: %.2f (%.2f%%)\n", realizedPnL, pnlPercent))
	b.WriteString(fmt.Sprintf("💬 %s", reason))
	return b.String()
}
