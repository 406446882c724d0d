// Package correlator implements the edge's request/response correlation:
// the pending-slot table joining correlation ids to suspended callers, the
// Query operation, and the response-topic listener.
package correlator

import (
	"sync"
	"time"

	"github.com/c360/ratebridge/errors"
)

// result is what a completed slot delivers to its waiting caller
type result struct {
	body []byte
	err  error
}

// Slot is the ephemeral record holding the completion sink for one rid.
// It is created on request admission and destroyed on completion, timeout
// or cancellation.
type Slot struct {
	rid      string
	created  time.Time
	deadline time.Time

	// ch is buffered so the completer never blocks; removal from the table
	// happens before the send, making the completion single-shot.
	ch chan result
}

// RID returns the slot's correlation id
func (s *Slot) RID() string {
	return s.rid
}

// PendingTable is the process-wide concurrent mapping rid → pending slot.
// Insert rejects duplicates; remove is linearisable, so at most one
// completion is ever observed per rid.
type PendingTable struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// NewPendingTable creates an empty pending table
func NewPendingTable() *PendingTable {
	return &PendingTable{
		slots: make(map[string]*Slot),
	}
}

// Add creates and registers a slot for rid. At most one live slot may exist
// per rid per process.
func (t *PendingTable) Add(rid string, deadline time.Time) (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.slots[rid]; exists {
		return nil, errors.WrapInvalid(errors.ErrDuplicate, "PendingTable", "Add", "register slot")
	}

	slot := &Slot{
		rid:      rid,
		created:  time.Now(),
		deadline: deadline,
		ch:       make(chan result, 1),
	}
	t.slots[rid] = slot
	return slot, nil
}

// Remove atomically removes the slot for rid, returning nil if absent
func (t *PendingTable) Remove(rid string) *Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.slots[rid]
	if !ok {
		return nil
	}
	delete(t.slots, rid)
	return slot
}

// Complete removes the slot for rid and delivers the reply body. Returns
// false when no slot exists (late or foreign reply) — a normal outcome the
// caller must not treat as an error.
func (t *PendingTable) Complete(rid string, body []byte) bool {
	slot := t.Remove(rid)
	if slot == nil {
		return false
	}
	slot.ch <- result{body: body}
	return true
}

// Fail removes the slot for rid and delivers an error
func (t *PendingTable) Fail(rid string, err error) bool {
	slot := t.Remove(rid)
	if slot == nil {
		return false
	}
	slot.ch <- result{err: err}
	return true
}

// Len returns the number of live slots
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
