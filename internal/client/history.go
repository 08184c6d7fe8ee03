package client

import (
	"reflect"

	"github.com/google/uuid"

	"github.com/Icerzack/excalisync/internal/models"
)

const defaultHistoryDepth = 100

// History is a local linear undo/redo stack of full-canvas states. Undo and
// redo never rewrite the room's history, they produce ordinary operations
// that move the canvas to the target state.
type History struct {
	depth int
	undo  [][]models.Element
	redo  [][]models.Element
}

func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	return &History{depth: depth}
}

// Record saves the state before a local change and forgets the redo stack.
func (h *History) Record(state []models.Element) {
	h.undo = push(h.undo, cloneElements(state), h.depth)
	h.redo = nil
}

// Undo returns the operations that take current back to the last recorded state.
func (h *History) Undo(current []models.Element) ([]models.Operation, bool) {
	if len(h.undo) == 0 {
		return nil, false
	}
	target := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = push(h.redo, cloneElements(current), h.depth)
	return Diff(current, target), true
}

// Redo reapplies the last undone state.
func (h *History) Redo(current []models.Element) ([]models.Operation, bool) {
	if len(h.redo) == 0 {
		return nil, false
	}
	target := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = push(h.undo, cloneElements(current), h.depth)
	return Diff(current, target), true
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Diff returns the operations turning from into to: deletes, then updates,
// then adds in the target's drawing order. Element ids are never reused
// once deleted, so an element that has to come back is added under a fresh id.
func Diff(from, to []models.Element) []models.Operation {
	current := make(map[string]models.Element, len(from))
	for _, el := range from {
		current[el.ID] = el
	}
	wanted := make(map[string]struct{}, len(to))
	for _, el := range to {
		wanted[el.ID] = struct{}{}
	}

	var ops []models.Operation
	for _, el := range from {
		if _, ok := wanted[el.ID]; !ok {
			ops = append(ops, models.Operation{Type: models.OpDelete, ElementID: el.ID})
		}
	}

	var adds []models.Operation
	for _, el := range to {
		have, ok := current[el.ID]
		switch {
		case !ok:
			el = el.Clone()
			el.ID = uuid.NewString()
			el.Version = 0
			adds = append(adds, models.Operation{Type: models.OpAdd, ElementID: el.ID, Payload: &el})
		case have.Kind != el.Kind:
			// a kind cannot change in place
			ops = append(ops, models.Operation{Type: models.OpDelete, ElementID: el.ID})
			el = el.Clone()
			el.ID = uuid.NewString()
			el.Version = 0
			adds = append(adds, models.Operation{Type: models.OpAdd, ElementID: el.ID, Payload: &el})
		case !sameElement(have, el):
			el = el.Clone()
			el.Version = 0
			ops = append(ops, models.Operation{Type: models.OpUpdate, ElementID: el.ID, Payload: &el})
		}
	}
	return append(ops, adds...)
}

func sameElement(a, b models.Element) bool {
	a.Version, b.Version = 0, 0
	return reflect.DeepEqual(a, b)
}

func push(stack [][]models.Element, state []models.Element, depth int) [][]models.Element {
	stack = append(stack, state)
	if len(stack) > depth {
		stack = stack[len(stack)-depth:]
	}
	return stack
}

func cloneElements(elements []models.Element) []models.Element {
	out := make([]models.Element, len(elements))
	for i, el := range elements {
		out[i] = el.Clone()
	}
	return out
}
