package inmemory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/models"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

type Storage struct {
	data   map[string]models.RoomSnapshot
	logger *zap.Logger

	mtx *sync.Mutex
}

func NewStorage(logger *zap.Logger) *Storage {
	return &Storage{
		data:   make(map[string]models.RoomSnapshot),
		logger: logger,
		mtx:    &sync.Mutex{},
	}
}

func (s *Storage) Set(_ context.Context, key string, value *models.RoomSnapshot) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.data[key] = value.Clone()
	s.logger.Debug("Room snapshot stored", zap.String("key", key), zap.Uint64("serverSeq", value.ServerSeq))
	return nil
}

func (s *Storage) Get(_ context.Context, key string) (*models.RoomSnapshot, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	v, ok := s.data[key]
	if !ok {
		s.logger.Debug("Room not found in storage", zap.String("key", key))
		return nil, rStorage.ErrRoomNotFound
	}
	snapshot := v.Clone()
	return &snapshot, nil
}

func (s *Storage) Delete(_ context.Context, key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.data, key)
	s.logger.Debug("Room deleted from storage", zap.String("key", key))
	return nil
}

func (s *Storage) Close() error {
	return nil
}
