package mcp

import (
	"encoding/json"
	"sync"

	"github.com/ruaan-deysel/mcp-runtime/daemon/logger"

)

// Awaiter is resumed exactly once by the pending request table, either
// with a successful result or with an error (remote error, timeout,
// cancellation, or disconnect).
type Awaiter struct {
	resultCh chan awaiterOutcome
}

type awaiterOutcome struct {
	result json.RawMessage
	err    error
}

func newAwaiter() *Awaiter {
	return &Awaiter{resultCh: make(chan awaiterOutcome, 1)}
}

// Wait blocks until the awaiter is resumed and returns its outcome.
func (a *Awaiter) Wait() (json.RawMessage, error) {
	o := <-a.resultCh
	return o.result, o.err
}

// pendingEntry is one row of the pending request table.
type pendingEntry struct {
	id      RequestID
	awaiter *Awaiter
}

// PendingTable maps an outbound request-id to the awaiter blocked on its
// response. At most one entry exists per request-id at any time; each
// awaiter is guaranteed to be resumed exactly once, with concurrent
// completion paths (response, timeout, cancellation, disconnect) racing
// through remove so only the winner resumes.
type PendingTable struct {
	mu      sync.Mutex
	entries map[any]*pendingEntry
}

// NewPendingTable constructs an empty pending request table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[any]*pendingEntry)}
}

// Add registers a new awaiter for id. It fails with InternalError if an
// entry for id is already present, since at most one PendingRequest may
// exist per request-id at any time.
func (t *PendingTable) Add(id RequestID) (*Awaiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id.Key()]; exists {
		return nil, NewError(InternalError, "duplicate pending request id: "+id.String())
	}
	a := newAwaiter()
	t.entries[id.Key()] = &pendingEntry{id: id, awaiter: a}
	return a, nil
}

// remove performs the atomic take described by the spec: at most one
// caller among concurrent response/timeout/cancel/disconnect paths wins.
func (t *PendingTable) remove(id RequestID) (*Awaiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id.Key()]
	if !ok {
		return nil, false
	}
	delete(t.entries, id.Key())
	return e.awaiter, true
}

// ResumeSuccess delivers a successful result to id's awaiter, if still
// present. If absent (raced by cancellation or disconnect) it logs and
// drops, which is expected behavior rather than an error.
func (t *PendingTable) ResumeSuccess(id RequestID, result json.RawMessage) {
	a, ok := t.remove(id)
	if !ok {
		logger.Debug("mcp: response for unknown or already-resolved request id %s dropped", id.String())
		return
	}
	a.resultCh <- awaiterOutcome{result: result}
}

// ResumeFailure delivers err to id's awaiter, if still present.
func (t *PendingTable) ResumeFailure(id RequestID, err error) {
	a, ok := t.remove(id)
	if !ok {
		logger.Debug("mcp: failure for unknown or already-resolved request id %s dropped: %v", id.String(), err)
		return
	}
	a.resultCh <- awaiterOutcome{err: err}
}

// Remove takes ownership of id's awaiter without resuming it, for callers
// (cancel, timeout) that resume the awaiter themselves after doing
// additional bookkeeping (e.g. sending a cancelled notification).
func (t *PendingTable) Remove(id RequestID) (*Awaiter, bool) {
	return t.remove(id)
}

// DrainAll removes every pending entry and resumes each awaiter with err.
// Used on disconnect.
func (t *PendingTable) DrainAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[any]*pendingEntry)
	t.mu.Unlock()

	for _, e := range entries {
		e.awaiter.resultCh <- awaiterOutcome{err: err}
	}
}

// Len reports the number of in-flight pending requests, exposed for
// metrics instrumentation.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
