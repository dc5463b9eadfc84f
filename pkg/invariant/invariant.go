// Package invariant provides the safety checks run against a simulated
// cluster. Violations are recorded with the virtual time they were found
// at and can optionally panic (fail-fast mode).
package invariant

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/logger"
	"github.com/baxromumarov/walsim/pkg/types"
)

// Violation represents a detected invariant violation.
type Violation struct {
	Name    string
	Message string
	At      types.VirtualTime
	Stack   string
}

func (v Violation) String() string {
	return fmt.Sprintf("[%dms] %s: %s", v.At, v.Name, v.Message)
}

// Checker tracks and checks invariants for one world.
type Checker struct {
	mu          sync.RWMutex
	name        string
	log         *logger.Logger
	clock       logger.Clock
	failFast    bool
	violations  []Violation
	totalChecks int64
	failedCheck int64

	onViolation func(v Violation)
}

// New creates a checker. A nil log discards output; a nil clock stamps
// violations with time zero.
func New(name string, log *logger.Logger, clock logger.Clock, failFast bool) *Checker {
	if log == nil {
		log = logger.Nop()
	}
	return &Checker{
		name:     name,
		log:      log.Named("invariant"),
		clock:    clock,
		failFast: failFast,
	}
}

// SetViolationCallback sets a callback for violations.
func (c *Checker) SetViolationCallback(fn func(v Violation)) {
	c.mu.Lock()
	c.onViolation = fn
	c.mu.Unlock()
}

// Check records a violation named name unless condition holds.
func (c *Checker) Check(name string, condition bool, format string, args ...any) bool {
	atomic.AddInt64(&c.totalChecks, 1)
	if condition {
		return true
	}
	c.record(name, fmt.Sprintf(format, args...))
	return false
}

// ReportViolation records a violation detected by a node.
func (c *Checker) ReportViolation(err error) {
	atomic.AddInt64(&c.totalChecks, 1)
	c.record("PROTOCOL", err.Error())
}

func (c *Checker) record(name, message string) {
	atomic.AddInt64(&c.failedCheck, 1)

	v := Violation{Name: name, Message: message, Stack: getStack()}
	if c.clock != nil {
		v.At = c.clock.Now()
	}

	c.mu.Lock()
	c.violations = append(c.violations, v)
	callback := c.onViolation
	c.mu.Unlock()

	if callback != nil {
		callback(v)
	}
	c.log.Error("invariant violation in %s: %s: %s (at %s)", c.name, name, message, v.Stack)

	if c.failFast {
		panic(fmt.Sprintf("INVARIANT VIOLATION [%s]: %s", name, message))
	}
}

// Violations returns all recorded violations.
func (c *Checker) Violations() []Violation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Violation, len(c.violations))
	copy(result, c.violations)
	return result
}

// Err returns nil if nothing was violated, otherwise an error wrapping
// types.ErrProtocolViolation that describes the first violation.
func (c *Checker) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.violations) == 0 {
		return nil
	}
	return errors.Wrapf(types.ErrProtocolViolation, "%s: %d violations, first %s",
		c.name, len(c.violations), c.violations[0])
}

// Stats returns checker statistics.
func (c *Checker) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := map[string]any{
		"total_checks":    atomic.LoadInt64(&c.totalChecks),
		"failed_checks":   atomic.LoadInt64(&c.failedCheck),
		"violation_count": len(c.violations),
		"fail_fast":       c.failFast,
	}
	if n := len(c.violations); n > 0 {
		stats["last_violation_ms"] = uint64(c.violations[n-1].At)
	}
	return stats
}

// Clear clears all recorded violations.
func (c *Checker) Clear() {
	c.mu.Lock()
	c.violations = c.violations[:0]
	c.mu.Unlock()
}

// ===== Replication invariants =====

// CheckCommitDurable checks that a committed record is flushed on at
// least a quorum of safekeepers.
func (c *Checker) CheckCommitDurable(lsn types.Lsn, copies, quorum int) bool {
	return c.Check(
		"COMMIT_DURABLE",
		copies >= quorum,
		"committed record %v flushed on %d safekeepers, need %d",
		lsn, copies, quorum,
	)
}

// CheckRecordConsistent checks that two copies of the record at lsn agree.
func (c *Checker) CheckRecordConsistent(lsn types.Lsn, want, got types.Record) bool {
	return c.Check(
		"RECORD_CONSISTENT",
		want.Lsn == got.Lsn && want.Term == got.Term && bytes.Equal(want.Payload, got.Payload),
		"record %v differs: term %d %q, found term %d %q",
		lsn, want.Term, want.Payload, got.Term, got.Payload,
	)
}

// CheckCommitMonotonic checks that the commit position never goes back.
func (c *Checker) CheckCommitMonotonic(prev, next types.Lsn) bool {
	return c.Check(
		"COMMIT_MONOTONIC",
		next >= prev,
		"commit position went back from %v to %v",
		prev, next,
	)
}

// CheckSyncMonotonic checks that a sync result covers every earlier one.
func (c *Checker) CheckSyncMonotonic(prev, next types.Lsn) bool {
	return c.Check(
		"SYNC_MONOTONIC",
		next >= prev,
		"sync returned %v after an earlier sync returned %v",
		next, prev,
	)
}

// CheckSyncCoversCommit checks that a sync result is not below a position
// some proposer reported as committed.
func (c *Checker) CheckSyncCoversCommit(result, committed types.Lsn) bool {
	return c.Check(
		"SYNC_COVERS_COMMIT",
		result >= committed,
		"sync returned %v below observed commit %v",
		result, committed,
	)
}

// CheckNoResurrection checks that a restarted safekeeper holds nothing
// beyond what it had flushed before the crash.
func (c *Checker) CheckNoResurrection(safekeeper int, flushedBefore, endAfter types.Lsn) bool {
	return c.Check(
		"NO_RESURRECTION",
		endAfter <= flushedBefore,
		"safekeeper %d ends at %v after restart, had flushed only %v",
		safekeeper, endAfter, flushedBefore,
	)
}

func getStack() string {
	_, file, line, ok := runtime.Caller(4)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
