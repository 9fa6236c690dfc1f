// Package operation tracks a single outstanding request/response interaction:
// which request is in flight, when it times out, how long the slot has been
// idle, and how many operations in a row ended in a timeout.
//
// Every request the station originates uses a Holder: the delivery engine's
// outbound call slot, heartbeats, and the boot notification.
package operation

import (
	"log/slog"
	"math"
	"time"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/clock"
)

// Holder is the timeout and consecutive-failure tracker for one slot.
// It is not safe for concurrent use; it lives on the tick thread.
type Holder[T comparable] struct {
	clk    clock.Clock
	logger *slog.Logger

	id        T
	tracked   bool
	startedAt time.Time
	timeout   time.Duration

	// expiresAt is startedAt+timeout of the most recent operation. It counts
	// towards idle time only if that operation actually timed out.
	expiresAt   time.Time
	expiryValid bool

	idleSince time.Time
	idleSet   bool

	failures int
}

// New returns an empty Holder. A nil logger discards clock warnings.
func New[T comparable](clk clock.Clock, logger *slog.Logger) *Holder[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Holder[T]{clk: clk, logger: logger}
}

// Assign starts tracking *id with the given timeout. A nil id clears the
// slot: if the cleared operation had timed out the failure counter is
// incremented and idle time keeps counting from the timeout instant;
// otherwise idle time restarts now.
func (h *Holder[T]) Assign(timeout time.Duration, id *T) {
	now := h.clk.Now()
	if id != nil {
		h.id = *id
		h.tracked = true
		h.startedAt = now
		h.timeout = timeout
		h.expiresAt = now.Add(timeout)
		h.expiryValid = true
		return
	}

	if h.tracked && h.TimedOut() {
		h.failures++
	} else {
		h.expiryValid = false
		h.idleSince = now
		h.idleSet = true
	}
	var zero T
	h.id = zero
	h.tracked = false
}

// Equals reports whether id is the tracked, unexpired operation.
func (h *Holder[T]) Equals(id T) bool {
	return h.tracked && h.InProgress() && h.id == id
}

// Current returns the tracked id, expired or not.
func (h *Holder[T]) Current() (T, bool) {
	return h.id, h.tracked
}

// InProgress reports whether an operation is tracked and its timeout has not
// elapsed.
func (h *Holder[T]) InProgress() bool {
	if !h.tracked {
		return false
	}
	elapsed, ok := h.elapsed(h.startedAt)
	if !ok {
		return false
	}
	return elapsed < h.timeout
}

// TimedOut reports whether the tracked operation's timeout elapsed without an
// explicit clear.
func (h *Holder[T]) TimedOut() bool {
	return h.tracked && !h.InProgress()
}

// IdleDuration returns 0 while an operation is in progress, otherwise the
// time since the later of the last timeout and the last explicit idle reset.
// It saturates at math.MaxInt64 when neither has happened.
func (h *Holder[T]) IdleDuration() time.Duration {
	if h.InProgress() {
		return 0
	}
	var (
		since time.Time
		set   bool
	)
	if h.expiryValid {
		since, set = h.expiresAt, true
	}
	if h.idleSet && (!set || h.idleSince.After(since)) {
		since, set = h.idleSince, true
	}
	if !set {
		return time.Duration(math.MaxInt64)
	}
	d, ok := h.elapsed(since)
	if !ok {
		return 0
	}
	return d
}

// IdleDurationSeconds is IdleDuration in whole seconds.
func (h *Holder[T]) IdleDurationSeconds() int64 {
	d := h.IdleDuration()
	if d == time.Duration(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(d / time.Second)
}

// ConsecutiveFailures returns the number of operations in a row that were
// cleared after timing out.
func (h *Holder[T]) ConsecutiveFailures() int { return h.failures }

// ResetFailures zeroes the consecutive-failure counter, typically after a
// response arrived.
func (h *Holder[T]) ResetFailures() { h.failures = 0 }

// elapsed returns now-since. A negative delta means the monotonic source
// misbehaved: it is logged and reported as not ok.
func (h *Holder[T]) elapsed(since time.Time) (time.Duration, bool) {
	d := h.clk.Now().Sub(since)
	if d < 0 {
		h.logger.Warn("operation: negative clock delta", "delta", d)
		return 0, false
	}
	return d, true
}
