package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Icerzack/excalisync/internal/models"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

// JoinRequest is what a connection asks the manager for.
type JoinRequest struct {
	RoomID      string
	Participant models.Participant

	// Create allows the room to be created when it is neither live nor stored.
	Create bool

	LastKnownSeq uint64
	Epoch        string
}

// Manager is the registry of live rooms. Rooms are created on first join,
// restored from storage when they were persisted earlier, and removed once
// they destroy themselves.
type Manager struct {
	cfg       Config
	storage   rStorage.Storage
	persister *Persister
	logger    *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	loads singleflight.Group
}

// NewManager creates a manager. storage and persister may be nil, in which
// case rooms live only in memory.
func NewManager(cfg Config, storage rStorage.Storage, persister *Persister, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		storage:   storage,
		persister: persister,
		logger:    logger,
		rooms:     make(map[string]*Room),
	}
}

// Join adds a participant to a room, loading or creating the room as needed.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (*Room, *Subscriber, models.Participant, error) {
	if req.RoomID == "" {
		return nil, nil, models.Participant{}, fmt.Errorf("room id is required: %w", models.ErrMalformed)
	}
	if req.Participant.Role == "" {
		req.Participant.Role = models.RoleCollaborator
	}
	if !req.Participant.Role.Valid() {
		return nil, nil, models.Participant{}, fmt.Errorf("unknown role %q: %w", req.Participant.Role, models.ErrMalformed)
	}
	create := req.Create && req.Participant.Role.CanMutate()

	// a room may be destroyed between lookup and join, the retry picks up its successor
	for attempt := 0; attempt < 3; attempt++ {
		r, err := m.room(ctx, req.RoomID, create)
		if errors.Is(err, ErrNoSuchRoom) && req.Create && !create {
			return nil, nil, models.Participant{}, fmt.Errorf("%s cannot create rooms: %w", req.Participant.Role, ErrForbidden)
		}
		if err != nil {
			return nil, nil, models.Participant{}, err
		}

		sub, p, err := r.Join(ctx, req.Participant, req.LastKnownSeq, req.Epoch)
		if errors.Is(err, ErrRoomClosed) {
			m.logger.Debug("Room closed during join, retrying", zap.String("roomID", req.RoomID))
			continue
		}
		if err != nil {
			return nil, nil, models.Participant{}, err
		}
		return r, sub, p, nil
	}
	return nil, nil, models.Participant{}, ErrRoomClosed
}

// Get returns a live room.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Rooms lists the live rooms ordered by id.
func (m *Manager) Rooms() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.rooms))
	for _, r := range m.rooms {
		infos = append(infos, r.Info())
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Snapshot returns the state of a room, live or stored.
func (m *Manager) Snapshot(ctx context.Context, roomID string) (models.RoomSnapshot, error) {
	if r, ok := m.Get(roomID); ok {
		s, err := r.Snapshot(ctx)
		if !errors.Is(err, ErrRoomClosed) {
			return s, err
		}
	}
	s, err := m.load(ctx, roomID)
	if err != nil {
		return models.RoomSnapshot{}, err
	}
	if s == nil {
		return models.RoomSnapshot{}, ErrNoSuchRoom
	}
	return *s, nil
}

// Close destroys every live room, which persists them, and refuses new joins.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range rooms {
		r := r
		g.Go(func() error {
			return r.Close(ctx)
		})
	}
	return g.Wait()
}

func (m *Manager) room(ctx context.Context, roomID string, create bool) (*Room, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if r, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	key := roomID
	if create {
		key += "\x00create"
	}
	ch := m.loads.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.Background(), m.cfg.LoadTimeout)
		defer cancel()

		snapshot, err := m.load(loadCtx, roomID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return nil, ErrRoomClosed
		}
		if r, ok := m.rooms[roomID]; ok {
			return r, nil
		}
		if snapshot == nil && !create {
			return nil, ErrNoSuchRoom
		}

		r := NewRoom(roomID, snapshot, m.cfg, m.logger)
		r.OnPersist(m.persist)
		r.OnDestroy(m.remove)
		m.rooms[roomID] = r
		go r.Run()

		if snapshot != nil {
			m.logger.Info("Room restored", zap.String("roomID", roomID), zap.Uint64("serverSeq", snapshot.ServerSeq))
		} else {
			m.logger.Info("Room created", zap.String("roomID", roomID))
		}
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load returns nil without error when the room was never stored.
func (m *Manager) load(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	if m.persister != nil {
		if s, ok := m.persister.Pending(roomID); ok {
			return &s, nil
		}
	}
	if m.storage == nil {
		return nil, nil
	}
	s, err := m.storage.Get(ctx, roomID)
	if errors.Is(err, rStorage.ErrRoomNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	return s, nil
}

func (m *Manager) persist(s models.RoomSnapshot) {
	if m.persister != nil {
		m.persister.Enqueue(s)
	}
}

func (m *Manager) remove(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.ID] == r {
		delete(m.rooms, r.ID)
	}
}
