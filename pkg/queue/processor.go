// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// MESSAGE PROCESSOR
// =============================================================================

// Message is one typed unit of work for the processor.
type Message struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	Attempts int            `json:"attempts"`
}

// HandlerFunc processes one message's payload.
type HandlerFunc func(ctx context.Context, data map[string]any) (any, error)

// Processor defaults.
const (
	DefaultMessageTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second

	// maxRetryBackoff caps the exponential retry sleep.
	maxRetryBackoff = 30 * time.Second
)

var (
	// ErrDuplicateInFlight rejects a message whose id is already being
	// processed.
	ErrDuplicateInFlight = fmt.Errorf("queue: message already in flight")

	// ErrNoHandler is returned for unregistered message types.
	ErrNoHandler = fmt.Errorf("queue: no handler for message type")

	// ErrMessageTimeout marks a handler that outran its budget.
	ErrMessageTimeout = fmt.Errorf("queue: message processing timeout")
)

// BatchRecord is one message's outcome within a batch.
type BatchRecord struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchReport aggregates a processBatch run.
type BatchReport struct {
	Records   []BatchRecord `json:"records"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// Processor routes messages to per-type handlers with an in-flight
// dedupe guard, a per-message timeout, and exponential retry.
//
// # Thread Safety
//
// Safe for concurrent use.
type Processor struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	inFlight map[string]time.Time
	logger   *slog.Logger

	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration

	// onProcessed/onFailed observe terminal outcomes, best-effort.
	onProcessed func(msg Message, result any)
	onFailed    func(msg Message, err error)
}

// ProcessorOption customises the processor.
type ProcessorOption func(*Processor)

// WithMessageTimeout bounds one handler invocation.
func WithMessageTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxRetries bounds retry attempts.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *Processor) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryDelay sets the exponential backoff base.
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithProcessorLogger sets the structured logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// OnProcessed installs the success observer.
func (p *Processor) OnProcessed(fn func(msg Message, result any)) {
	p.mu.Lock()
	p.onProcessed = fn
	p.mu.Unlock()
}

// OnFailed installs the terminal-failure observer.
func (p *Processor) OnFailed(fn func(msg Message, err error)) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

// NewProcessor creates a processor with no handlers.
func NewProcessor(opts ...ProcessorOption) *Processor {
	p := &Processor{
		handlers:   make(map[string]HandlerFunc),
		inFlight:   make(map[string]time.Time),
		logger:     slog.Default(),
		timeout:    DefaultMessageTimeout,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler maps a message type to its handler. Re-registering
// a type replaces the handler.
func (p *Processor) RegisterHandler(msgType string, fn HandlerFunc) {
	p.mu.Lock()
	p.handlers[msgType] = fn
	p.mu.Unlock()
}

// =============================================================================
// PROCESS
// =============================================================================

// Process runs one message to a terminal outcome: the handler races a
// per-message timeout, transient failures retry with exponential
// backoff until the attempt budget is spent.
func (p *Processor) Process(ctx context.Context, msg Message) (any, error) {
	p.mu.Lock()
	handler, ok := p.handlers[msg.Type]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, msg.Type)
	}
	if _, dup := p.inFlight[msg.ID]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInFlight, msg.ID)
	}
	p.inFlight[msg.ID] = time.Now()
	onProcessed := p.onProcessed
	onFailed := p.onFailed
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, msg.ID)
		p.mu.Unlock()
	}()

	attempts := msg.Attempts
	for {
		result, err := p.runOnce(ctx, handler, msg.Data)
		if err == nil {
			if onProcessed != nil {
				onProcessed(msg, result)
			}
			return result, nil
		}

		attempts++
		if attempts >= p.maxRetries {
			p.logger.Warn("message failed terminally",
				"id", msg.ID, "type", msg.Type, "attempts", attempts, "error", err)
			if onFailed != nil {
				msg.Attempts = attempts
				onFailed(msg, err)
			}
			return nil, fmt.Errorf("queue: message %s failed after %d attempts: %w", msg.ID, attempts, err)
		}

		backoff := retryBackoff(p.retryDelay, attempts)
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
		p.logger.Debug("message retry scheduled",
			"id", msg.ID, "attempt", attempts, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("queue: message %s aborted: %w", msg.ID, ctx.Err())
		case <-time.After(backoff):
		}
	}
}

// runOnce races the handler against the per-message timeout.
func (p *Processor) runOnce(ctx context.Context, handler HandlerFunc, data map[string]any) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", rec)}
			}
		}()
		result, err := handler(runCtx, data)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-runCtx.Done():
		return nil, fmt.Errorf("%w after %s", ErrMessageTimeout, p.timeout)
	case out := <-done:
		return out.result, out.err
	}
}

// ProcessBatch runs every message concurrently and reports per-message
// outcomes.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []Message) BatchReport {
	records := make([]BatchRecord, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg Message) {
			defer wg.Done()
			result, err := p.Process(ctx, msg)
			record := BatchRecord{ID: msg.ID, Success: err == nil, Result: result}
			if err != nil {
				record.Error = err.Error()
			}
			records[i] = record
		}(i, msg)
	}
	wg.Wait()

	report := BatchReport{Records: records}
	for _, r := range records {
		if r.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	return report
}

// CleanupTimedOut evicts in-flight entries older than the timeout.
// Defensive: the per-message race normally handles this. Returns the
// eviction count.
func (p *Processor) CleanupTimedOut() int {
	cutoff := time.Now().Add(-p.timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for id, started := range p.inFlight {
		if started.Before(cutoff) {
			delete(p.inFlight, id)
			evicted++
		}
	}
	return evicted
}

// InFlight reports how many messages are currently processing.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}
