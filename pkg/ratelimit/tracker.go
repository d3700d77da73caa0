package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrOperatingBudgetExhausted is returned when a method's operating budget is
// critical and its window has not reset yet.
var ErrOperatingBudgetExhausted = errors.New("operating budget exhausted")

// Prometheus metrics for operating budget tracking.
var (
	operatingSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "b24_operating_seconds",
		Help: "Operating time consumed in the current window by method",
	}, []string{"method"})

	operatingBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b24_operating_blocks_total",
		Help: "Total number of requests blocked due to critical operating budget",
	})

	operatingThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b24_operating_throttles_total",
		Help: "Total number of requests throttled due to warning operating budget",
	})
)

// Tracker stores per-method operating state in Redis and gates requests.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	throttleDelay time.Duration
}

// NewTracker creates a new operating budget tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		throttleDelay: 1 * time.Second,
	}
}

// SetThrottleDelay sets the pause applied in the warning state.
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.throttleDelay = d
}

// Key returns the Redis key of a method's state.
func Key(method string) string {
	return RedisKeyPrefix + method
}

// GetState retrieves the state of method from Redis.
// Returns a default healthy state if no data exists.
func (t *Tracker) GetState(ctx context.Context, method string) (*OperatingState, error) {
	fields, err := t.redis.HGetAll(ctx, Key(method)).Result()
	if err != nil {
		return nil, fmt.Errorf("get operating state: %w", err)
	}

	if len(fields) == 0 {
		t.logger.Debug().Str("method", method).Msg("No operating state in Redis, returning default healthy state")
		return &OperatingState{
			Method:     method,
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	return parseState(method, fields)
}

func parseState(method string, fields map[string]string) (*OperatingState, error) {
	state := &OperatingState{Method: method}

	if v, ok := fields[fieldOperating]; ok {
		operating, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse operating: %w", err)
		}
		state.Operating = operating
	}

	if v, ok := fields[fieldResetAt]; ok && v != "0" {
		resetAt, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse reset timestamp: %w", err)
		}
		state.ResetAt = time.Unix(resetAt, 0)
	}

	if v, ok := fields[fieldLastUpdate]; ok {
		lastUpdate, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
		state.LastUpdate = lastUpdate
	}

	state.UpdateHealth()
	return state, nil
}

// Update records the operating time reported for method.
// resetAt is the unix timestamp of the window reset; 0 if unknown.
func (t *Tracker) Update(ctx context.Context, method string, operating, resetAt float64) error {
	now := time.Now()
	state := &OperatingState{
		Method:     method,
		Operating:  operating,
		LastUpdate: now,
	}
	if resetAt > 0 {
		sec, frac := math.Modf(resetAt)
		state.ResetAt = time.Unix(int64(sec), int64(frac*1e9))
	}
	state.UpdateHealth()

	ttl := state.TimeUntilReset()
	if ttl <= 0 {
		ttl = DefaultWindow
	}

	reset := "0"
	if !state.ResetAt.IsZero() {
		reset = strconv.FormatInt(state.ResetAt.Unix(), 10)
	}

	key := Key(method)
	pipe := t.redis.Pipeline()
	pipe.HSet(ctx, key,
		fieldOperating, strconv.FormatFloat(operating, 'f', -1, 64),
		fieldResetAt, reset,
		fieldLastUpdate, now.Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store operating state in redis: %w", err)
	}

	operatingSeconds.WithLabelValues(method).Set(operating)

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Str("method", method).
			Float64("operating", operating).
			Time("reset_at", state.ResetAt).
			Msg("Operating budget CRITICAL - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Str("method", method).
			Float64("operating", operating).
			Time("reset_at", state.ResetAt).
			Msg("Operating budget WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Str("method", method).
			Float64("operating", operating).
			Msg("Operating state updated")
	}

	return nil
}

// ShouldAllowRequest checks if a request for method should be allowed.
// Returns false if the method's budget is critical.
// Returns true but may pause for throttling if in warning state.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, method string) (bool, error) {
	state, err := t.GetState(ctx, method)
	if err != nil {
		return false, fmt.Errorf("get operating state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Str("method", method).
			Float64("operating", state.Operating).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Operating budget critical - blocking request")

		operatingBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Str("method", method).
			Float64("operating", state.Operating).
			Msg("Operating budget warning - throttling request")

		operatingThrottlesTotal.Inc()
		timer := time.NewTimer(t.throttleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	return true, nil
}
