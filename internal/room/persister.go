package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/models"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

// Persister writes room snapshots to storage off the room goroutines.
// Snapshots of the same room queued before a write coalesce into the newest.
type Persister struct {
	storage rStorage.Storage
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]models.RoomSnapshot

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewPersister(storage rStorage.Storage, timeout time.Duration, logger *zap.Logger) *Persister {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Persister{
		storage: storage,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]models.RoomSnapshot),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue schedules a snapshot for writing and never blocks on storage.
func (p *Persister) Enqueue(snapshot models.RoomSnapshot) {
	p.mu.Lock()
	if prev, ok := p.pending[snapshot.RoomID]; ok && prev.Epoch == snapshot.Epoch && prev.ServerSeq > snapshot.ServerSeq {
		p.mu.Unlock()
		return
	}
	p.pending[snapshot.RoomID] = snapshot
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Pending returns a snapshot that was queued but not yet written. Loading a
// room must prefer it over storage.
func (p *Persister) Pending(roomID string) (models.RoomSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.pending[roomID]
	if !ok {
		return models.RoomSnapshot{}, false
	}
	return s.Clone(), true
}

// Run writes queued snapshots until Close is called. Failed writes stay
// queued and are retried periodically.
func (p *Persister) Run() {
	defer close(p.done)

	retry := time.NewTicker(p.timeout)
	defer retry.Stop()

	for {
		select {
		case <-p.notify:
			p.flush()
		case <-retry.C:
			p.flush()
		case <-p.stop:
			p.flush()
			return
		}
	}
}

// Close writes what is still queued and stops Run.
func (p *Persister) Close() {
	p.once.Do(func() {
		close(p.stop)
	})
	<-p.done
}

func (p *Persister) flush() {
	p.mu.Lock()
	batch := make([]models.RoomSnapshot, 0, len(p.pending))
	for _, s := range p.pending {
		batch = append(batch, s)
	}
	p.mu.Unlock()

	for _, s := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.storage.Set(ctx, s.RoomID, &s)
		cancel()
		if err != nil {
			// kept pending, retried on the next flush
			p.logger.Error("Failed to persist room snapshot", zap.String("roomID", s.RoomID), zap.Error(err))
			continue
		}

		p.mu.Lock()
		if cur, ok := p.pending[s.RoomID]; ok && cur.Epoch == s.Epoch && cur.ServerSeq == s.ServerSeq {
			delete(p.pending, s.RoomID)
		}
		p.mu.Unlock()
		p.logger.Debug("Room snapshot persisted", zap.String("roomID", s.RoomID), zap.Uint64("serverSeq", s.ServerSeq))
	}
}
