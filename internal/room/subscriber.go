package room

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/protocol"
)

// Subscriber is the outbound side of one participant's connection. Durable
// messages go through a bounded queue that is never allowed to drop: a
// subscriber that cannot keep up is flagged stale and has to resync. Cursor
// positions are coalesced per participant and may be overwritten freely.
type Subscriber struct {
	ParticipantID string

	queue chan interface{}

	mu          sync.Mutex
	cursors     map[string]models.Cursor
	cursorReady chan struct{}

	stale       atomic.Bool
	staleSignal chan struct{}
	delivered   atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(participantID string, size int) *Subscriber {
	return &Subscriber{
		ParticipantID: participantID,
		queue:         make(chan interface{}, size),
		cursors:       make(map[string]models.Cursor),
		cursorReady:   make(chan struct{}, 1),
		staleSignal:   make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Messages yields durable messages in the order the hub produced them.
func (s *Subscriber) Messages() <-chan interface{} {
	return s.queue
}

// CursorsReady fires when TakeCursors has something to return.
func (s *Subscriber) CursorsReady() <-chan struct{} {
	return s.cursorReady
}

// TakeCursors returns and forgets the pending cursor positions.
func (s *Subscriber) TakeCursors() []protocol.CursorPosition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cursors) == 0 {
		return nil
	}
	positions := make([]protocol.CursorPosition, 0, len(s.cursors))
	for id, c := range s.cursors {
		positions = append(positions, protocol.CursorPosition{ParticipantID: id, X: c.X, Y: c.Y})
	}
	s.cursors = make(map[string]models.Cursor)
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ParticipantID < positions[j].ParticipantID
	})
	return positions
}

// StaleSignal fires once each time the subscriber is flagged stale.
func (s *Subscriber) StaleSignal() <-chan struct{} {
	return s.staleSignal
}

func (s *Subscriber) Stale() bool {
	return s.stale.Load()
}

// Delivered is the sequence number of the last operation queued for this subscriber.
func (s *Subscriber) Delivered() uint64 {
	return s.delivered.Load()
}

// Done is closed when the hub stops serving the subscriber.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) deliver(msg interface{}) bool {
	if s.stale.Load() {
		return false
	}
	select {
	case s.queue <- msg:
		if m, ok := msg.(*protocol.MessageSequencedOpResponse); ok {
			s.delivered.Store(m.Op.ServerSeq)
		}
		return true
	default:
		s.markStale()
		return false
	}
}

func (s *Subscriber) markStale() {
	if s.stale.CompareAndSwap(false, true) {
		select {
		case s.staleSignal <- struct{}{}:
		default:
		}
	}
}

func (s *Subscriber) clearStale() {
	s.stale.Store(false)
	select {
	case <-s.staleSignal:
	default:
	}
}

func (s *Subscriber) pushCursor(participantID string, c models.Cursor) {
	s.mu.Lock()
	s.cursors[participantID] = c
	s.mu.Unlock()

	select {
	case s.cursorReady <- struct{}{}:
	default:
	}
}

func (s *Subscriber) dropCursor(participantID string) {
	s.mu.Lock()
	delete(s.cursors, participantID)
	s.mu.Unlock()
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
