// Package room defines where room snapshots are kept between the lifetimes
// of their live rooms.
package room

import (
	"context"
	"errors"

	"github.com/Icerzack/excalisync/internal/models"
)

const (
	InMemoryStorageType = "in-memory"
	RedisStorageType    = "redis"
	PostgresStorageType = "postgres"
	BoltStorageType     = "bolt"
	SQLiteStorageType   = "sqlite"
)

var ErrRoomNotFound = errors.New("room not found")

type Storage interface {
	Set(ctx context.Context, key string, value *models.RoomSnapshot) error

	// Get returns ErrRoomNotFound when nothing is stored under key.
	Get(ctx context.Context, key string) (*models.RoomSnapshot, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
