// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// WARM TASKS
// =============================================================================

// FetchFunc produces the value for a warm task. A nil value means
// "nothing to cache" and counts as failure.
type FetchFunc func(ctx context.Context) (any, error)

// WarmTaskOptions tunes one warm task.
type WarmTaskOptions struct {
	// Priority orders startup warming, 1 highest through 10 lowest.
	Priority int

	// TTL for the cached value. Non-positive uses the service default.
	TTL time.Duration

	// IsCore marks tasks whose startup failure is worth a warning.
	IsCore bool

	// RetryTimes bounds scheduled-warm retries. Default: 3.
	RetryTimes int

	// RetryDelay is the base of the exponential retry backoff.
	// Default: 1s.
	RetryDelay time.Duration

	// IsScheduled enrolls the task in periodic re-warming.
	IsScheduled bool

	// Schedule is a cron expression of the restricted form
	// "0 */N * * *", meaning every N hours.
	Schedule string
}

// WarmTask pairs a cache key with its data fetcher.
type WarmTask struct {
	Key     string
	Fetcher FetchFunc
	Options WarmTaskOptions
}

type taskState struct {
	task WarmTask
	stop chan struct{}
}

// accessState tracks on-demand warming pressure for one key.
type accessState struct {
	window    []time.Time
	threshold float64
	lastWarm  time.Time
}

// =============================================================================
// WARMER
// =============================================================================

// Defaults for the warmer's triggers.
const (
	DefaultStartupConcurrency = 5
	DefaultStartupTimeout     = 30 * time.Second
	DefaultWarmRetryTimes     = 3
	DefaultWarmRetryDelay     = time.Second

	// onDemandCooldown is the minimum gap between on-demand warms of
	// the same key.
	onDemandCooldown = 5 * time.Minute

	// accessWindow is the sliding window for on-demand miss counting.
	accessWindow = time.Hour

	minThreshold = 20
	maxThreshold = 200
)

// cronEveryNHours is the only accepted schedule form.
var cronEveryNHours = regexp.MustCompile(`^0 \*/(\d+) \* \* \*$`)

// ParseCronInterval converts a "0 */N * * *" expression into N hours.
func ParseCronInterval(expr string) (time.Duration, error) {
	m := cronEveryNHours.FindStringSubmatch(expr)
	if m == nil {
		return 0, fmt.Errorf(`cache: unsupported cron expression %q, want "0 */N * * *"`, expr)
	}
	hours, err := strconv.Atoi(m[1])
	if err != nil || hours <= 0 {
		return 0, fmt.Errorf("cache: invalid cron hour step in %q", expr)
	}
	return time.Duration(hours) * time.Hour, nil
}

// StartupReport aggregates one startup warm pass.
type StartupReport struct {
	Successful []string `json:"successful"`
	Failed     []string `json:"failed"`
}

// WarmerStats is the cumulative execution tally.
type WarmerStats struct {
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	MeanLatency time.Duration `json:"meanLatency"`
}

// Warmer executes registered warm tasks on three triggers: a
// prioritized startup batch, per-task cron schedules, and on-demand
// when a key misses often enough.
//
// # Thread Safety
//
// Safe for concurrent use.
type Warmer struct {
	cache  *Service
	logger *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*taskState
	access   map[string]*accessState
	stats    WarmerStats
	inFlight bool
	started  bool

	concurrency    int
	startupTimeout time.Duration
	cooldown       time.Duration
	window         time.Duration
}

// WarmerOption customises the warmer.
type WarmerOption func(*Warmer)

// WithStartupConcurrency bounds parallel startup warms.
func WithStartupConcurrency(n int) WarmerOption {
	return func(w *Warmer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithStartupTimeout bounds the startup batch wall clock.
func WithStartupTimeout(d time.Duration) WarmerOption {
	return func(w *Warmer) {
		if d > 0 {
			w.startupTimeout = d
		}
	}
}

// WithWarmerLogger sets the structured logger.
func WithWarmerLogger(logger *slog.Logger) WarmerOption {
	return func(w *Warmer) { w.logger = logger }
}

// withOnDemandTiming shortens the cooldown and window in tests.
func withOnDemandTiming(cooldown, window time.Duration) WarmerOption {
	return func(w *Warmer) {
		w.cooldown = cooldown
		w.window = window
	}
}

// NewWarmer creates a warmer over the cache service and installs its
// access recorder for the on-demand trigger.
func NewWarmer(cache *Service, opts ...WarmerOption) *Warmer {
	w := &Warmer{
		cache:          cache,
		logger:         slog.Default(),
		tasks:          make(map[string]*taskState),
		access:         make(map[string]*accessState),
		concurrency:    DefaultStartupConcurrency,
		startupTimeout: DefaultStartupTimeout,
		cooldown:       onDemandCooldown,
		window:         accessWindow,
	}
	for _, opt := range opts {
		opt(w)
	}
	cache.SetAccessRecorder(w.RecordAccess)
	return w
}

// RegisterTask adds a warm task. Scheduled tasks must carry a valid
// schedule. Tasks registered after StartScheduled begin ticking
// immediately.
func (w *Warmer) RegisterTask(task WarmTask) error {
	if task.Key == "" {
		return fmt.Errorf("cache: warm task key is required")
	}
	if task.Fetcher == nil {
		return fmt.Errorf("cache: warm task %q has no fetcher", task.Key)
	}
	if task.Options.Priority < 1 || task.Options.Priority > 10 {
		task.Options.Priority = 5
	}
	if task.Options.RetryTimes <= 0 {
		task.Options.RetryTimes = DefaultWarmRetryTimes
	}
	if task.Options.RetryDelay <= 0 {
		task.Options.RetryDelay = DefaultWarmRetryDelay
	}

	var interval time.Duration
	if task.Options.IsScheduled {
		var err error
		interval, err = ParseCronInterval(task.Options.Schedule)
		if err != nil {
			return err
		}
	}

	w.mu.Lock()
	if _, exists := w.tasks[task.Key]; exists {
		w.mu.Unlock()
		return fmt.Errorf("cache: warm task %q already registered", task.Key)
	}
	state := &taskState{task: task}
	w.tasks[task.Key] = state
	startNow := w.started && task.Options.IsScheduled
	if startNow {
		state.stop = make(chan struct{})
	}
	w.mu.Unlock()

	if startNow {
		go w.runScheduled(state, interval)
	}
	return nil
}

// =============================================================================
// STARTUP TRIGGER
// =============================================================================

// WarmStartup executes every registered task, highest priority first,
// with bounded concurrency and an overall wall-clock timeout. Tasks
// that did not finish in time are reported as failed.
func (w *Warmer) WarmStartup(ctx context.Context) StartupReport {
	w.mu.Lock()
	tasks := make([]WarmTask, 0, len(w.tasks))
	for _, state := range w.tasks {
		tasks = append(tasks, state.task)
	}
	w.mu.Unlock()

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Options.Priority < tasks[j].Options.Priority
	})

	ctx, cancel := context.WithTimeout(ctx, w.startupTimeout)
	defer cancel()

	var mu sync.Mutex
	report := StartupReport{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				report.Failed = append(report.Failed, task.Key)
				mu.Unlock()
				return nil
			}
			ok := w.executeTask(gctx, task)
			mu.Lock()
			if ok {
				report.Successful = append(report.Successful, task.Key)
			} else {
				report.Failed = append(report.Failed, task.Key)
			}
			mu.Unlock()
			if !ok && task.Options.IsCore {
				w.logger.Warn("core warm task failed at startup", "key", task.Key)
			}
			return nil
		})
	}
	g.Wait()
	return report
}

// =============================================================================
// SCHEDULED TRIGGER
// =============================================================================

// StartScheduled begins per-task timers for every scheduled task.
// Idempotent.
func (w *Warmer) StartScheduled() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	type pending struct {
		state    *taskState
		interval time.Duration
	}
	var toStart []pending
	for _, state := range w.tasks {
		if !state.task.Options.IsScheduled || state.stop != nil {
			continue
		}
		interval, err := ParseCronInterval(state.task.Options.Schedule)
		if err != nil {
			continue
		}
		state.stop = make(chan struct{})
		toStart = append(toStart, pending{state, interval})
	}
	w.mu.Unlock()

	for _, p := range toStart {
		go w.runScheduled(p.state, p.interval)
	}
}

// StopScheduled halts every per-task timer. Idempotent.
func (w *Warmer) StopScheduled() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = false
	for _, state := range w.tasks {
		if state.stop != nil {
			close(state.stop)
			state.stop = nil
		}
	}
}

func (w *Warmer) runScheduled(state *taskState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-state.stop:
			return
		case <-ticker.C:
			w.scheduledWarm(state.task)
		}
	}
}

// scheduledWarm re-runs the task with exponential retries, skipping
// entirely while another warm is in flight.
func (w *Warmer) scheduledWarm(task WarmTask) {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return
	}
	w.inFlight = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight = false
		w.mu.Unlock()
	}()

	delay := task.Options.RetryDelay
	for attempt := 0; attempt <= task.Options.RetryTimes; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if w.executeTask(context.Background(), task) {
			return
		}
	}
	w.logger.Warn("scheduled warm exhausted retries",
		"key", task.Key, "retries", task.Options.RetryTimes)
}

// =============================================================================
// ON-DEMAND TRIGGER
// =============================================================================

// RecordAccess feeds the on-demand trigger. Misses accumulate in a
// sliding one-hour window; once they reach the key's dynamic threshold
// and the cooldown has passed, an async warm runs. The threshold
// starts at max(20, 100 - priority*10), eases by x0.9 on success
// (floor 20) and backs off by x1.2 on failure (ceiling 200).
func (w *Warmer) RecordAccess(key string, hit bool) {
	if hit {
		return
	}

	w.mu.Lock()
	state, ok := w.tasks[key]
	if !ok {
		w.mu.Unlock()
		return
	}
	task := state.task

	acc := w.access[key]
	if acc == nil {
		acc = &accessState{threshold: initialThreshold(task.Options.Priority)}
		w.access[key] = acc
	}

	now := time.Now()
	cutoff := now.Add(-w.window)
	trimmed := acc.window[:0]
	for _, t := range acc.window {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	acc.window = append(trimmed, now)

	trigger := float64(len(acc.window)) >= acc.threshold &&
		(acc.lastWarm.IsZero() || now.Sub(acc.lastWarm) >= w.cooldown)
	if trigger {
		acc.lastWarm = now
		acc.window = acc.window[:0]
	}
	w.mu.Unlock()

	if trigger {
		go w.onDemandWarm(task)
	}
}

func (w *Warmer) onDemandWarm(task WarmTask) {
	ok := w.executeTask(context.Background(), task)

	w.mu.Lock()
	if acc := w.access[task.Key]; acc != nil {
		if ok {
			acc.threshold *= 0.9
			if acc.threshold < minThreshold {
				acc.threshold = minThreshold
			}
		} else {
			acc.threshold *= 1.2
			if acc.threshold > maxThreshold {
				acc.threshold = maxThreshold
			}
		}
	}
	w.mu.Unlock()
}

func initialThreshold(priority int) float64 {
	t := float64(100 - priority*10)
	if t < minThreshold {
		t = minThreshold
	}
	return t
}

// =============================================================================
// EXECUTION
// =============================================================================

// executeTask runs one fetch-and-store and updates the tally.
func (w *Warmer) executeTask(ctx context.Context, task WarmTask) bool {
	start := time.Now()

	value, err := task.Fetcher(ctx)
	if err != nil || value == nil {
		if err != nil {
			w.logger.Warn("warm task fetch failed", "key", task.Key, "error", err)
		}
		w.recordExecution(false, time.Since(start))
		return false
	}

	if err := w.cache.Set(ctx, task.Key, value, task.Options.TTL); err != nil {
		w.logger.Warn("warm task store failed", "key", task.Key, "error", err)
		w.recordExecution(false, time.Since(start))
		return false
	}

	w.recordExecution(true, time.Since(start))
	return true
}

// recordExecution folds one run into the counters and rolling mean.
func (w *Warmer) recordExecution(ok bool, latency time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := w.stats.Successes + w.stats.Failures
	w.stats.MeanLatency = time.Duration(
		(int64(w.stats.MeanLatency)*total + int64(latency)) / (total + 1))
	if ok {
		w.stats.Successes++
	} else {
		w.stats.Failures++
	}
}

// Stats returns the cumulative execution tally.
func (w *Warmer) Stats() WarmerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Threshold exposes a key's current on-demand threshold, primarily
// for the admin surface.
func (w *Warmer) Threshold(key string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if acc, ok := w.access[key]; ok {
		return acc.threshold
	}
	if state, ok := w.tasks[key]; ok {
		return initialThreshold(state.task.Options.Priority)
	}
	return 0
}

// Prewarm re-runs every core task; the cache optimizer's lever.
func (w *Warmer) Prewarm(ctx context.Context) error {
	w.mu.Lock()
	var tasks []WarmTask
	for _, state := range w.tasks {
		if state.task.Options.IsCore {
			tasks = append(tasks, state.task)
		}
	}
	w.mu.Unlock()

	var failed int
	for _, task := range tasks {
		if !w.executeTask(ctx, task) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("cache: prewarm had %d failures out of %d tasks", failed, len(tasks))
	}
	return nil
}
