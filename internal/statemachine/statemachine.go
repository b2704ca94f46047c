// Package statemachine owns the transient, in-memory lifecycle for each
// cache entry: its current state, the valid transitions between states,
// an audit trail of recent transitions, and single-shot waiters that let
// the streaming proxy block until enough data (or a specific byte range)
// has landed on disk.
package statemachine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arsfeld/reelcached/internal/obslog"
)

// State is one lifecycle stage of a cache entry's download.
type State int

const (
	NotStarted State = iota
	Initializing
	Downloading
	Paused
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Initializing:
		return "initializing"
	case Downloading:
		return "downloading"
	case Paused:
		return "paused"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions encodes the table in spec.md §4.5. A transition not
// listed here is rejected.
var validTransitions = map[State][]State{
	NotStarted:   {Initializing, Failed},
	Initializing: {Downloading, Paused, Failed},
	Downloading:  {Paused, Complete, Failed},
	Paused:       {Downloading, Failed},
	Failed:       {Initializing},
	Complete:     {Initializing},
}

func isValidTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change, kept in a bounded per-entry
// audit trail.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

const auditTrailLimit = 20

type waiter struct {
	start, end int64 // both zero means "wait for minimum playback bytes"
	ch         chan bool
}

type entryState struct {
	mu              sync.Mutex
	state           State
	downloadedBytes int64
	totalSize       int64 // -1 if unknown
	failureMsg      string
	audit           []Transition
	waiters         []*waiter
}

// Machine tracks lifecycle state for every entry currently known to the
// process. Entries are created lazily on first reference and never
// removed except by explicit Forget (called when an entry is evicted).
type Machine struct {
	minimumPlaybackBytes int64

	mu      sync.Mutex
	entries map[int64]*entryState

	log *slog.Logger
}

// New returns a Machine. minimumPlaybackBytes is the threshold WaitForData
// waits for (spec.md default: 1 MiB).
func New(minimumPlaybackBytes int64, logger *slog.Logger) *Machine {
	return &Machine{
		minimumPlaybackBytes: minimumPlaybackBytes,
		entries:              make(map[int64]*entryState),
		log:                  obslog.Default(logger).With("component", "statemachine"),
	}
}

func (m *Machine) entry(entryID int64) *entryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		e = &entryState{state: NotStarted, totalSize: -1}
		m.entries[entryID] = e
	}
	return e
}

// Reconstruct seeds entryID's state from durable repository fields at
// startup, per spec.md §4.5: is_complete -> Complete; downloaded_bytes >
// 0 -> Paused; else NotStarted.
func (m *Machine) Reconstruct(entryID int64, isComplete bool, downloadedBytes, totalSize int64) {
	e := m.entry(entryID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downloadedBytes = downloadedBytes
	e.totalSize = totalSize
	switch {
	case isComplete:
		e.state = Complete
	case downloadedBytes > 0:
		e.state = Paused
	default:
		e.state = NotStarted
	}
}

// State returns entryID's current state.
func (m *Machine) State(entryID int64) State {
	e := m.entry(entryID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Transition attempts to move entryID from its current state to to. It
// returns an error describing the rejected transition if to is not valid
// from the current state.
func (m *Machine) Transition(entryID int64, to State, reason string) error {
	e := m.entry(entryID)
	e.mu.Lock()

	from := e.state
	if !isValidTransition(from, to) {
		e.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}

	e.state = to
	if to == Failed {
		e.failureMsg = reason
	}
	e.audit = append(e.audit, Transition{From: from, To: to, Reason: reason, At: time.Now().UTC()})
	if len(e.audit) > auditTrailLimit {
		e.audit = e.audit[len(e.audit)-auditTrailLimit:]
	}

	var toWake []*waiter
	if wakesWaiters(to, e.downloadedBytes, m.minimumPlaybackBytes) {
		toWake = e.waiters
		e.waiters = nil
	}
	e.mu.Unlock()

	for _, w := range toWake {
		w.ch <- to != Failed
	}

	m.log.Info("state transition", "entry_id", entryID, "from", from, "to", to)
	return nil
}

func wakesWaiters(to State, downloadedBytes, minimumPlaybackBytes int64) bool {
	return to == Complete || to == Failed || (to == Downloading && downloadedBytes >= minimumPlaybackBytes)
}

// UpdateProgress records new progress counters and wakes any waiter whose
// condition is now satisfied. totalSize is left unchanged when 0.
func (m *Machine) UpdateProgress(entryID int64, downloadedBytes, totalSize int64) {
	e := m.entry(entryID)
	e.mu.Lock()
	e.downloadedBytes = downloadedBytes
	if totalSize > 0 {
		e.totalSize = totalSize
	}

	var toWake []*waiter
	var remaining []*waiter
	for _, w := range e.waiters {
		if w.start != 0 || w.end != 0 {
			// Range waiter: any progress wakes it; WaitForRange re-checks
			// its own predicate and re-waits if the range is still missing.
			toWake = append(toWake, w)
			continue
		}
		if w.start == 0 && w.end == 0 {
			if downloadedBytes >= m.minimumPlaybackBytes {
				toWake = append(toWake, w)
				continue
			}
		}
		remaining = append(remaining, w)
	}
	e.waiters = remaining
	e.mu.Unlock()

	for _, w := range toWake {
		w.ch <- true
	}
}

// WaitForData blocks until entryID has at least minimumPlaybackBytes
// downloaded, reaches Complete, reaches Failed (returns false), or ctx is
// done / timeout elapses (returns false).
func (m *Machine) WaitForData(ctx context.Context, entryID int64, timeout time.Duration) bool {
	e := m.entry(entryID)
	e.mu.Lock()
	if e.state == Failed {
		e.mu.Unlock()
		return false
	}
	if e.state == Complete || e.downloadedBytes >= m.minimumPlaybackBytes {
		e.mu.Unlock()
		return true
	}
	w := &waiter{ch: make(chan bool, 1)}
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	return wait(ctx, w.ch, timeout)
}

// WaitForRange blocks until hasByteRange(start, end) is observed true by
// a caller-supplied check (consulted by the manager/repository, not held
// by this package), reaches Failed, or times out. Because byte-range
// coverage depends on the repository's merged chunk records rather than
// anything this package tracks itself, the caller polls hasByteRange
// after each wake and re-waits if the range still isn't covered.
func (m *Machine) WaitForRange(ctx context.Context, entryID int64, start, end int64, timeout time.Duration, hasByteRange func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if hasByteRange() {
			return true
		}
		e := m.entry(entryID)
		e.mu.Lock()
		if e.state == Failed {
			e.mu.Unlock()
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.mu.Unlock()
			return false
		}
		w := &waiter{start: start, end: end + 1, ch: make(chan bool, 1)}
		e.waiters = append(e.waiters, w)
		e.mu.Unlock()

		if !wait(ctx, w.ch, remaining) {
			return false
		}
		// Woken — loop back and re-check hasByteRange, since a wake only
		// means "some progress happened", not necessarily this range.
	}
}

func wait(ctx context.Context, ch chan bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-ch:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// AuditTrail returns a copy of entryID's recent transitions, oldest first.
func (m *Machine) AuditTrail(entryID int64) []Transition {
	e := m.entry(entryID)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transition, len(e.audit))
	copy(out, e.audit)
	return out
}

// Forget drops all in-memory state for entryID, e.g. after eviction.
func (m *Machine) Forget(entryID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryID)
}

// InvalidTransitionError is returned by Transition for a rejected move.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition: " + e.From.String() + " -> " + e.To.String()
}
