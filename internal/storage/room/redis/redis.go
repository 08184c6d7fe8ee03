package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/models"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

const keyPrefix = "excalisync:room:"

type Config struct {
	Addr     string
	Password string
	DB       int

	// TTL expires idle rooms, zero keeps them forever.
	TTL time.Duration
}

type Storage struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewStorage(ctx context.Context, cfg Config, logger *zap.Logger) (*Storage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("Connected to redis room storage", zap.String("addr", cfg.Addr))

	return NewStorageWithClient(client, cfg.TTL, logger), nil
}

// NewStorageWithClient wraps an existing client.
func NewStorageWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Storage {
	return &Storage{client: client, ttl: ttl, logger: logger}
}

func (s *Storage) Set(ctx context.Context, key string, value *models.RoomSnapshot) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", key, err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store room %s: %w", key, err)
	}
	s.logger.Debug("Room snapshot stored", zap.String("key", key), zap.Uint64("serverSeq", value.ServerSeq))
	return nil
}

func (s *Storage) Get(ctx context.Context, key string) (*models.RoomSnapshot, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, rStorage.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", key, err)
	}

	var snapshot models.RoomSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", key, err)
	}
	return &snapshot, nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}

func (s *Storage) Close() error {
	return s.client.Close()
}
