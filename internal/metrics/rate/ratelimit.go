package rate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"hyperflow/logger"
)

// ReportRateLimitExceeded increments the rate limit exceeded counter for the
// given venue and data type and emits the metric to CloudWatch. Additional
// fields such as venue, symbol and type are attached to the log entry.
func ReportRateLimitExceeded(log *logger.Log, venue, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(venue), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"venue":  strings.ToLower(venue),
		"symbol": symbol,
		"type":   strings.ToLower(dataType),
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan increments the IP ban counter for the given venue and data type
// and emits the metric to CloudWatch.
func ReportIPBan(log *logger.Log, venue, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(venue), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"venue":  strings.ToLower(venue),
		"symbol": symbol,
		"type":   strings.ToLower(dataType),
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit inspects the message returned from a venue and determines
// whether it signals a rate limit exceed or an IP ban. The detection logic is
// customised per venue as each one uses different wording.
func detectLimit(venue, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(venue) {
	case "hyperliquid":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "status 429")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "block")
	case "binance":
		ipBan = strings.Contains(lowerMsg, "banned until") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "-1003"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage checks the provided message for rate limit or IP ban
// events based on venue-specific keywords and records the appropriate
// metrics. No action is taken when the message does not match any known
// pattern.
func ReportLimitFromMessage(log *logger.Log, venue, symbol, dataType, msg string) {
	rateLimit, ipBan := detectLimit(venue, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, venue, symbol, dataType)
	}
	if ipBan {
		ReportIPBan(log, venue, symbol, dataType)
	}
}

// BanExpiry extracts the ban expiry timestamp from a Binance ban message.
// Binance embeds a unix millisecond timestamp ("banned until 1652313600000").
// Returns 0 when no plausible timestamp is present.
func BanExpiry(msg string) int64 {
	for _, n := range extractInts(msg) {
		if n > 1_000_000_000_000 {
			return n
		}
	}
	return 0
}

// WSWeightTracker tracks the number of outgoing websocket messages and
// connection attempts for venue book streams.
type WSWeightTracker struct {
	mu       sync.Mutex
	window   time.Time
	msgs     int
	attempts int
}

// NewWSWeightTracker creates a new tracker.
func NewWSWeightTracker() *WSWeightTracker {
	return &WSWeightTracker{window: time.Now()}
}

// RegisterOutgoing records n outgoing client messages (subs/pings).
func (t *WSWeightTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
}

// RegisterConnectionAttempt records a websocket handshake attempt.
func (t *WSWeightTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns the current message count within the one second window and
// the total connection attempts.
func (t *WSWeightTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs = t.msgs
	attempts = t.attempts
	return
}

// ReportWSWeight emits websocket related weight metrics.
func ReportWSWeight(log *logger.Log, t *WSWeightTracker, venue string) {
	msgs, attempts := t.Stats()
	component := strings.ToLower(venue) + "_ws"
	l := log.WithComponent(component)
	fields := logger.Fields{"venue": strings.ToLower(venue)}
	l.LogMetric(component, "outgoing_messages", int64(msgs), "gauge", fields)
	l.LogMetric(component, "connection_attempts", int64(attempts), "counter", fields)
}
