// Package audit counts failed authentication events per client and reports
// when a threshold is crossed within a window.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventOTPIssue   = "otp.issue"
	EventOTPVerify  = "otp.verify"
	EventAuthorize  = "session.authorize"
	OutcomeFail     = "fail"
	OutcomeThrottle = "rate_limited"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Result is the state of one event counter after an observation.
type Result struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Alerter keeps event counters in Redis so every replica sees the same totals.
type Alerter struct {
	client *redis.Client
	prefix string
}

// NewAlerter creates an alerter backed by Redis counters.
func NewAlerter(addr, password, prefix string) (*Alerter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("audit alerter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "storeit:audit"
	}
	return &Alerter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Observe records event for ip. Events without a rule are ignored.
// Triggered is reported on every observation at or past the threshold.
func (a *Alerter) Observe(ctx context.Context, event, outcome, ip string) (Result, error) {
	result := Result{}
	if a == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return result, nil
	}
	slot := time.Now().UTC().UnixMilli() / window.Milliseconds()
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count >= threshold
	return result, nil
}

// Close releases the Redis client.
func (a *Alerter) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	event = strings.TrimSpace(event)
	outcome = strings.TrimSpace(outcome)
	if outcome == OutcomeThrottle {
		return 20, time.Minute, true
	}
	if outcome != OutcomeFail {
		return 0, 0, false
	}
	switch event {
	case EventOTPVerify:
		return 10, 5 * time.Minute, true
	case EventOTPIssue:
		return 15, 5 * time.Minute, true
	case EventAuthorize:
		return 25, 5 * time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
