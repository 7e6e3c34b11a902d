// Package quota implements pre-flight admission and post-flight cost
// accounting against per-key and per-key-per-model limits over rolling
// 5-hour, weekly, and cumulative windows (C8).
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maxrelay/internal/model"
	"maxrelay/internal/proxyerr"
	"maxrelay/internal/store"
)

const (
	fiveHourDuration = 5 * time.Hour
	weeklyDuration   = 7 * 24 * time.Hour
)

// Engine is the quota admission and accounting service composing C3/C4.
type Engine struct {
	keys   store.KeyService
	usage  *store.UsageStore
	models *model.Store

	// locks serializes read-modify-write per key, across all of that key's
	// counters, so
	// admission reads are consistent with the last completed update
	// (spec §5 "Shared resources: Counters").
	locks   sync.Mutex
	perKey  map[string]*sync.Mutex
}

func NewEngine(keys store.KeyService, usage *store.UsageStore, models *model.Store) *Engine {
	return &Engine{
		keys:   keys,
		usage:  usage,
		models: models,
		perKey: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(keyID string) *sync.Mutex {
	e.locks.Lock()
	defer e.locks.Unlock()
	m, ok := e.perKey[keyID]
	if !ok {
		m = &sync.Mutex{}
		e.perKey[keyID] = m
	}
	return m
}

// Permit implements the admission check from spec §4.4. It is advisory:
// cost is only known after the response, so admission checks the
// already-accumulated counters, not a reservation.
func (e *Engine) Permit(ctx context.Context, keyID, modelID string) (store.Key, error) {
	key, ok, err := e.keys.Get(ctx, keyID)
	if err != nil {
		return store.Key{}, fmt.Errorf("loading key: %w", err)
	}
	if !ok || !key.Enabled {
		return store.Key{}, proxyerr.New(proxyerr.Unauthorized, "api key unknown or disabled")
	}
	if !key.Allows(modelID) {
		return store.Key{}, proxyerr.New(proxyerr.ModelForbidden, fmt.Sprintf("key does not permit model %q", modelID))
	}

	limits := key.EffectiveLimits(modelID)

	lock := e.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	for _, w := range []struct {
		window store.Window
		limit  *int64
	}{
		{store.FiveHour, limits.FiveHourMicros},
		{store.Weekly, limits.WeeklyMicros},
		{store.Total, limits.TotalMicros},
	} {
		if w.limit == nil {
			continue
		}
		// Checked against the key-aggregate counter only, never the
		// per-model one maintained in applyDelta: the effective limit
		// already folds in the per-model override (most restrictive
		// wins), so the aggregate counter is the tighter of the two to
		// compare against.
		counter, ok, err := e.usage.GetCounter(ctx, keyID, store.ModelKeyAll, w.window)
		if err != nil {
			return store.Key{}, fmt.Errorf("reading usage counter: %w", err)
		}
		if !ok {
			continue
		}
		cost := counter.CostMicros
		if rolledOver(w.window, counter.WindowStart) {
			cost = 0
		}
		if cost >= *w.limit {
			return store.Key{}, proxyerr.QuotaDenied(string(w.window), *w.limit, cost, "quota exceeded")
		}
	}

	return key, nil
}

// Record implements the post-flight accounting from spec §4.4: compute
// cost, roll each window over if its boundary has passed, add the usage
// delta atomically, and append a history event.
func (e *Engine) Record(ctx context.Context, keyID, modelID string, usage model.Usage, now time.Time) error {
	m, ok, err := e.models.Get(ctx, modelID)
	if err != nil {
		return fmt.Errorf("loading model pricing: %w", err)
	}
	if !ok {
		return fmt.Errorf("unknown model %q", modelID)
	}
	cost := m.CostMicros(usage)

	lock := e.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	for _, window := range []store.Window{store.FiveHour, store.Weekly, store.Total} {
		if err := e.applyDelta(ctx, keyID, store.ModelKeyAll, window, usage, cost, now); err != nil {
			return err
		}
		if err := e.applyDelta(ctx, keyID, modelID, window, usage, cost, now); err != nil {
			return err
		}
	}

	if err := e.usage.AppendEvent(ctx, store.UsageHistoryEvent{
		Timestamp:        now,
		KeyID:            keyID,
		ModelID:          modelID,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		CostMicros:       cost,
		RequestCount:     1,
	}); err != nil {
		return fmt.Errorf("appending usage history: %w", err)
	}

	return e.keys.Touch(ctx, keyID, now)
}

func (e *Engine) applyDelta(ctx context.Context, keyID, modelID string, window store.Window, usage model.Usage, cost int64, now time.Time) error {
	counter, ok, err := e.usage.GetCounter(ctx, keyID, modelID, window)
	if err != nil {
		return fmt.Errorf("reading usage counter: %w", err)
	}
	if !ok {
		counter = store.UsageCounter{KeyID: keyID, ModelID: modelID, Window: window}
	}

	if window != store.Total && rolledOver(window, counter.WindowStart) {
		counter.InputTokens, counter.OutputTokens = 0, 0
		counter.CacheReadTokens, counter.CacheWriteTokens = 0, 0
		counter.CostMicros = 0
		start := windowStart(window, now)
		counter.WindowStart = &start
	} else if window != store.Total && counter.WindowStart == nil {
		start := windowStart(window, now)
		counter.WindowStart = &start
	}

	counter.InputTokens += usage.InputTokens
	counter.OutputTokens += usage.OutputTokens
	counter.CacheReadTokens += usage.CacheReadTokens
	counter.CacheWriteTokens += usage.CacheWriteTokens
	counter.CostMicros += cost

	return e.usage.PutCounter(ctx, counter)
}

// Reset clears one or all windows for a key or (key, model), per spec
// §4.4's admin reset operation. An empty modelID resets the key-level
// counter only; an empty window resets all three.
func (e *Engine) Reset(ctx context.Context, keyID, modelID string, window store.Window) error {
	lock := e.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	windows := []store.Window{window}
	if window == "" {
		windows = []store.Window{store.FiveHour, store.Weekly, store.Total}
	}
	for _, w := range windows {
		if err := e.usage.ResetCounter(ctx, keyID, modelID, w); err != nil {
			return fmt.Errorf("resetting counter: %w", err)
		}
	}
	return nil
}

// rolledOver reports whether window's wall-clock boundary has passed
// since windowStart. Absent or total windows never roll over.
func rolledOver(window store.Window, start *time.Time) bool {
	if window == store.Total || start == nil {
		return false
	}
	return time.Now().Sub(*start) >= windowDuration(window)
}

func windowDuration(window store.Window) time.Duration {
	switch window {
	case store.FiveHour:
		return fiveHourDuration
	case store.Weekly:
		return weeklyDuration
	default:
		return 0
	}
}

// windowStart computes the wall-clock anchor for a fresh window: the
// current UTC hour boundary for five_hour, UTC Monday 00:00 for weekly
// (spec §4.4). This is the only anchor used: no upstream-reported reset
// time is read or consulted anywhere in the engine.
func windowStart(window store.Window, now time.Time) time.Time {
	now = now.UTC()
	switch window {
	case store.FiveHour:
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
	case store.Weekly:
		offset := (int(now.Weekday()) + 6) % 7 // days since Monday
		monday := now.AddDate(0, 0, -offset)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return now
	}
}
