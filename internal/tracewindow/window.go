// Package tracewindow implements the Trace Window (spec §4.E): it bounds
// consecutive dispatches under one tracing span by count and elapsed time,
// rolling over (closing the current span, opening a new one) when any bound
// is crossed.
package tracewindow

import (
	"context"
	"time"

	"github.com/minyoung/trigger.dev/internal/trace"
)

// Config holds the two rollover bounds. Defaults per spec §4.E / §6.
type Config struct {
	MaxItemsPerWindow    int
	WindowTimeoutSeconds int
}

func DefaultConfig() Config {
	return Config{MaxItemsPerWindow: 1000, WindowTimeoutSeconds: 60}
}

// Window is process-local state owned exclusively by one dispatcher
// instance; it must never be shared across instances (spec §9: "trace
// window as value, not global").
type Window struct {
	recorder trace.Recorder
	cfg      Config

	span              trace.Span
	spanCtx           context.Context
	remainingItems    int
	openedAt          time.Time
	successes         int
	failures          int
	forceRolloverFlag bool

	onRollover func()
}

func New(recorder trace.Recorder, cfg Config) *Window {
	return &Window{recorder: recorder, cfg: cfg}
}

// OnRollover installs a callback invoked every time the window rolls over to
// a fresh span, including the first open. Used by the Connection Supervisor
// to feed the dispatch_window_rollovers_total counter without this package
// importing metrics directly.
func (w *Window) OnRollover(fn func()) { w.onRollover = fn }

// ForceRollover marks the window for rollover on its next consultation.
// Used after a transport exception is recorded on the current span (spec
// §4.F step 11).
func (w *Window) ForceRollover() { w.forceRolloverFlag = true }

// shouldRollover reports whether any of the four rollover conditions hold.
func (w *Window) shouldRollover() bool {
	if w.span == nil {
		return true
	}
	if w.remainingItems == 0 {
		return true
	}
	if time.Since(w.openedAt) > time.Duration(w.cfg.WindowTimeoutSeconds)*time.Second {
		return true
	}
	return w.forceRolloverFlag
}

// Prepare is called by the Dispatch Loop before each iteration. It rolls
// the window over if needed and returns the context the iteration should
// run its tracing calls under.
func (w *Window) Prepare(ctx context.Context, spanName string, attrs map[string]any) context.Context {
	if w.shouldRollover() {
		w.rollover(ctx, spanName, attrs)
	}
	return w.spanCtx
}

func (w *Window) rollover(ctx context.Context, spanName string, attrs map[string]any) {
	w.close()
	spanCtx, span := w.recorder.StartConsumerSpan(ctx, spanName, attrs)
	w.span = span
	w.spanCtx = spanCtx
	w.remainingItems = w.cfg.MaxItemsPerWindow
	w.openedAt = time.Now()
	w.successes = 0
	w.failures = 0
	w.forceRolloverFlag = false
	if w.onRollover != nil {
		w.onRollover()
	}
}

// close annotates and ends whatever span is currently open, if any. Safe to
// call when no span is open.
func (w *Window) close() {
	if w.span == nil {
		return
	}
	w.span.SetAttributes(map[string]any{
		"tasks.period.successes": w.successes,
		"tasks.period.failures":  w.failures,
	})
	w.span.End()
	w.span = nil
}

// Close ends the current span unconditionally. Called on dispatcher stop.
func (w *Window) Close() { w.close() }

// RecordDispatch decrements the item budget after a message is sent to the
// worker (spec §4.F step 11, success path).
func (w *Window) RecordDispatch() {
	if w.remainingItems > 0 {
		w.remainingItems--
	}
}

// RecordSuccess/RecordFailure are called by the Completion Handler.
func (w *Window) RecordSuccess() { w.successes++ }
func (w *Window) RecordFailure() { w.failures++ }

// RecordException records a transport exception on the current span and
// forces a rollover on the window's next consultation.
func (w *Window) RecordException(err error) {
	if w.span != nil {
		w.span.RecordException(err)
	}
	w.ForceRollover()
}

// Span exposes the currently open span, if any, so callers can inspect it
// without reaching into the window's fields.
func (w *Window) Span() trace.Span { return w.span }
