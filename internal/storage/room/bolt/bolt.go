package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/models"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

var roomsBucket = []byte("rooms")

// Storage keeps snapshots in a single bbolt file, one key per room.
type Storage struct {
	db     *bolt.DB
	logger *zap.Logger
}

func NewStorage(path string, logger *zap.Logger) (*Storage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rooms bucket: %w", err)
	}
	logger.Info("Opened bolt room storage", zap.String("path", path))
	return &Storage{db: db, logger: logger}, nil
}

func (s *Storage) Set(_ context.Context, key string, value *models.RoomSnapshot) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("store room %s: %w", key, err)
	}
	s.logger.Debug("Room snapshot stored", zap.String("key", key), zap.Uint64("serverSeq", value.ServerSeq))
	return nil
}

func (s *Storage) Get(_ context.Context, key string) (*models.RoomSnapshot, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		// bolt values are only valid inside the transaction
		if v := tx.Bucket(roomsBucket).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", key, err)
	}
	if data == nil {
		return nil, rStorage.ErrRoomNotFound
	}

	var snapshot models.RoomSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", key, err)
	}
	return &snapshot, nil
}

func (s *Storage) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Delete([]byte(key))
	})
}

func (s *Storage) Close() error {
	return s.db.Close()
}
