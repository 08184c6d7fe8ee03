// Package board holds the element store of a room: pure data with the
// apply and merge rules that make replicas converge.
package board

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Icerzack/excalisync/internal/models"
)

var (
	ErrUnknownElement   = errors.New("unknown element")
	ErrDuplicateElement = errors.New("duplicate element")
	ErrKindChanged      = errors.New("element kind cannot change")
)

type entry struct {
	element models.Element

	// created is the insertion counter at the add, used for drawing order.
	created uint64
}

// Store maps element ids to their current state. It is not safe for
// concurrent use; a store is owned by exactly one goroutine.
type Store struct {
	elements   map[string]*entry
	tombstones map[string]uint64

	seq      uint64
	clearSeq uint64
	order    uint64
}

func NewStore() *Store {
	return &Store{
		elements:   make(map[string]*entry),
		tombstones: make(map[string]uint64),
	}
}

// Restore rebuilds a store from a snapshot.
func Restore(snapshot models.Snapshot) *Store {
	s := NewStore()
	s.seq = snapshot.ServerSeq
	s.clearSeq = snapshot.ClearSeq
	for _, el := range snapshot.Elements {
		// snapshot order is creation order
		s.order++
		s.elements[el.ID] = &entry{element: el.Clone(), created: s.order}
	}
	for id, seq := range snapshot.Tombstones {
		s.tombstones[id] = seq
	}
	return s
}

// Check reports whether a validated operation can be sequenced against the
// current state.
func (s *Store) Check(op models.Operation) error {
	switch op.Type {
	case models.OpAdd:
		if _, ok := s.elements[op.ElementID]; ok {
			return fmt.Errorf("element %s: %w", op.ElementID, ErrDuplicateElement)
		}
		if _, ok := s.tombstones[op.ElementID]; ok {
			return fmt.Errorf("element %s was deleted: %w", op.ElementID, ErrDuplicateElement)
		}
	case models.OpUpdate:
		e, ok := s.elements[op.ElementID]
		if !ok {
			return fmt.Errorf("element %s: %w", op.ElementID, ErrUnknownElement)
		}
		if op.Payload != nil && op.Payload.Kind != e.element.Kind {
			return fmt.Errorf("element %s is %s: %w", op.ElementID, e.element.Kind, ErrKindChanged)
		}
	case models.OpDelete:
		if _, ok := s.elements[op.ElementID]; !ok {
			return fmt.Errorf("element %s: %w", op.ElementID, ErrUnknownElement)
		}
	}
	return nil
}

// Apply applies a sequenced operation and reports whether it changed the
// store. Duplicate, stale and unsequenced operations are dropped silently.
func (s *Store) Apply(op models.Operation) bool {
	if op.ServerSeq == 0 || !op.Mutating() {
		return false
	}
	if op.ServerSeq > s.seq {
		s.seq = op.ServerSeq
	}
	if op.ServerSeq <= s.clearSeq {
		return false
	}

	switch op.Type {
	case models.OpAdd:
		if op.Payload == nil {
			return false
		}
		if _, ok := s.elements[op.ElementID]; ok {
			return false
		}
		if _, ok := s.tombstones[op.ElementID]; ok {
			return false
		}
		el := op.Payload.Clone()
		el.Version = op.ServerSeq
		s.order++
		s.elements[op.ElementID] = &entry{element: el, created: s.order}
		return true

	case models.OpUpdate:
		e, ok := s.elements[op.ElementID]
		if !ok || op.Payload == nil || op.ServerSeq <= e.element.Version {
			return false
		}
		if op.Payload.Kind != e.element.Kind {
			return false
		}
		el := op.Payload.Clone()
		el.Version = op.ServerSeq
		e.element = el
		return true

	case models.OpDelete:
		e, ok := s.elements[op.ElementID]
		if !ok || op.ServerSeq <= e.element.Version {
			return false
		}
		delete(s.elements, op.ElementID)
		s.tombstones[op.ElementID] = op.ServerSeq
		return true

	case models.OpClear:
		s.elements = make(map[string]*entry)
		s.tombstones = make(map[string]uint64)
		s.clearSeq = op.ServerSeq
		return true
	}
	return false
}

// Get returns a copy of an element.
func (s *Store) Get(id string) (models.Element, bool) {
	e, ok := s.elements[id]
	if !ok {
		return models.Element{}, false
	}
	return e.element.Clone(), true
}

func (s *Store) Len() int {
	return len(s.elements)
}

// Seq is the highest sequence number this store has processed.
func (s *Store) Seq() uint64 {
	return s.seq
}

func (s *Store) ClearSeq() uint64 {
	return s.clearSeq
}

// Elements returns copies of all elements in drawing order.
func (s *Store) Elements() []models.Element {
	entries := make([]*entry, 0, len(s.elements))
	for _, e := range s.elements {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created != entries[j].created {
			return entries[i].created < entries[j].created
		}
		return entries[i].element.ID < entries[j].element.ID
	})

	elements := make([]models.Element, len(entries))
	for i, e := range entries {
		elements[i] = e.element.Clone()
	}
	return elements
}

// Snapshot returns an immutable point-in-time copy of the store.
func (s *Store) Snapshot() models.Snapshot {
	snapshot := models.Snapshot{
		Elements:  s.Elements(),
		ServerSeq: s.seq,
		ClearSeq:  s.clearSeq,
	}
	if len(s.tombstones) > 0 {
		snapshot.Tombstones = make(map[string]uint64, len(s.tombstones))
		for id, seq := range s.tombstones {
			snapshot.Tombstones[id] = seq
		}
	}
	return snapshot
}

// Clone returns an independent copy of the store.
func (s *Store) Clone() *Store {
	c := &Store{
		elements:   make(map[string]*entry, len(s.elements)),
		tombstones: make(map[string]uint64, len(s.tombstones)),
		seq:        s.seq,
		clearSeq:   s.clearSeq,
		order:      s.order,
	}
	for id, e := range s.elements {
		c.elements[id] = &entry{element: e.element.Clone(), created: e.created}
	}
	for id, seq := range s.tombstones {
		c.tombstones[id] = seq
	}
	return c
}
