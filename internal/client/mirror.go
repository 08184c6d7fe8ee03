// Package client is the Go side of a room connection: it keeps a local
// replica of the board, applies local edits optimistically and reconciles
// them with the sequenced operations coming back from the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Icerzack/excalisync/internal/board"
	"github.com/Icerzack/excalisync/internal/models"
)

var ErrSequenceGap = errors.New("sequence gap")

// Mirror is a confirmed store holding the authoritative prefix of the room
// plus the local operations not yet echoed by the server. It is safe for
// concurrent use.
type Mirror struct {
	mu sync.Mutex

	confirmed *board.Store
	pending   []models.Operation
	epoch     string

	// selves holds every participant id this replica has joined as, echoes of
	// operations submitted through an earlier connection still count as ours
	selves map[string]struct{}

	nextClientSeq uint64

	// changed is closed and replaced on every change
	changed chan struct{}
}

func NewMirror() *Mirror {
	return &Mirror{
		confirmed: board.NewStore(),
		selves:    make(map[string]struct{}),
		changed:   make(chan struct{}),
	}
}

// AddSelf records a participant id under which this replica submits operations.
func (m *Mirror) AddSelf(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selves[participantID] = struct{}{}
}

// Local validates op against the current view, assigns it the next client
// sequence number and applies it speculatively.
func (m *Mirror) Local(op models.Operation) (models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op = op.Clone()
	op.ServerSeq = 0
	if err := op.Validate(models.Bounds{}); err != nil {
		return models.Operation{}, err
	}
	if !op.Mutating() {
		return models.Operation{}, fmt.Errorf("%q is not a board operation: %w", op.Type, models.ErrMalformed)
	}
	if err := m.viewLocked().Check(op); err != nil {
		return models.Operation{}, err
	}

	m.nextClientSeq++
	op.ClientSeq = m.nextClientSeq
	m.pending = append(m.pending, op)
	m.notifyLocked()
	return op.Clone(), nil
}

// Receive applies a sequenced operation. Operations at or below the
// confirmed sequence number are duplicates and ignored; a hole before op
// returns ErrSequenceGap and leaves the mirror untouched.
func (m *Mirror) Receive(op models.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiveLocked(op)
}

// ReceiveAll applies a batch such as a delta, stopping at the first gap.
func (m *Mirror) ReceiveAll(ops []models.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if err := m.receiveLocked(op); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) receiveLocked(op models.Operation) error {
	seq := m.confirmed.Seq()
	if op.ServerSeq <= seq {
		return nil
	}
	// a clear wipes everything before it, so it may close a hole
	if op.ServerSeq > seq+1 && op.Type != models.OpClear {
		return fmt.Errorf("expected %d, got %d: %w", seq+1, op.ServerSeq, ErrSequenceGap)
	}

	m.confirmed.Apply(op)
	if _, ours := m.selves[op.SenderID]; ours {
		m.dropLocked(op.ClientSeq)
	}
	m.notifyLocked()
	return nil
}

// Reject reverts the optimistic operation with clientSeq.
func (m *Mirror) Reject(clientSeq uint64) (models.Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.dropLocked(clientSeq)
	if ok {
		m.notifyLocked()
	}
	return op, ok
}

// DropThrough forgets pending operations up to and including clientSeq.
func (m *Mirror) DropThrough(clientSeq uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.pending[:0]
	for _, op := range m.pending {
		if op.ClientSeq > clientSeq {
			kept = append(kept, op)
		}
	}
	dropped := len(m.pending) - len(kept)
	m.pending = kept
	if dropped > 0 {
		m.notifyLocked()
	}
	return dropped
}

// Reset replaces the confirmed state with a snapshot. With keepPending
// false every optimistic operation is discarded as well.
func (m *Mirror) Reset(snapshot models.Snapshot, epoch string, keepPending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.confirmed = board.Restore(snapshot)
	m.epoch = epoch
	if !keepPending {
		m.pending = nil
	}
	m.notifyLocked()
}

// SetEpoch records the epoch of the confirmed state.
func (m *Mirror) SetEpoch(epoch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch = epoch
}

// View returns the confirmed elements with the pending operations applied.
func (m *Mirror) View() []models.Element {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked().Elements()
}

// Confirmed returns only the authoritative elements.
func (m *Mirror) Confirmed() []models.Element {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed.Elements()
}

// Seq is the last sequence number applied to the confirmed state.
func (m *Mirror) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed.Seq()
}

func (m *Mirror) Epoch() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Unacknowledged returns the pending operations in submission order.
func (m *Mirror) Unacknowledged() []models.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]models.Operation, len(m.pending))
	for i, op := range m.pending {
		ops[i] = op.Clone()
	}
	return ops
}

// WaitFor blocks until no pending operation touches elementID. A pending
// clear touches every element.
func (m *Mirror) WaitFor(ctx context.Context, elementID string) error {
	return m.wait(ctx, func(op models.Operation) bool {
		return op.Type == models.OpClear || op.ElementID == elementID
	})
}

// WaitIdle blocks until every pending operation is echoed or rejected.
func (m *Mirror) WaitIdle(ctx context.Context) error {
	return m.wait(ctx, func(models.Operation) bool { return true })
}

// WaitSeq blocks until the confirmed state reaches seq.
func (m *Mirror) WaitSeq(ctx context.Context, seq uint64) error {
	for {
		m.mu.Lock()
		reached := m.confirmed.Seq() >= seq
		changed := m.changed
		m.mu.Unlock()
		if reached {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mirror) wait(ctx context.Context, blocks func(models.Operation) bool) error {
	for {
		m.mu.Lock()
		blocked := false
		for _, op := range m.pending {
			if blocks(op) {
				blocked = true
				break
			}
		}
		changed := m.changed
		m.mu.Unlock()

		if !blocked {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// viewLocked builds a throwaway store with the pending operations applied
// on top of the confirmed state, numbered after it.
func (m *Mirror) viewLocked() *board.Store {
	view := m.confirmed.Clone()
	base := view.Seq()
	for i, op := range m.pending {
		op.ServerSeq = base + uint64(i) + 1
		view.Apply(op)
	}
	return view
}

func (m *Mirror) dropLocked(clientSeq uint64) (models.Operation, bool) {
	for i, op := range m.pending {
		if op.ClientSeq == clientSeq {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return op, true
		}
	}
	return models.Operation{}, false
}

func (m *Mirror) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
