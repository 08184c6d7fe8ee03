package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/models"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

type Storage struct {
	database *sql.DB
	logger   *zap.Logger
}

func NewStorage(path string, logger *zap.Logger) (*Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite serialises writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
		id text not null primary key,
		epoch text not null,
		server_seq integer not null,
		content text not null,
		updated_at timestamp not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}
	logger.Info("Opened sqlite room storage", zap.String("path", path))
	return &Storage{database: db, logger: logger}, nil
}

func (s *Storage) Set(ctx context.Context, key string, value *models.RoomSnapshot) error {
	content, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", key, err)
	}
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO rooms (id, epoch, server_seq, content, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET epoch = excluded.epoch, server_seq = excluded.server_seq,
		content = excluded.content, updated_at = excluded.updated_at`,
		key, value.Epoch, value.ServerSeq, string(content), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store room %s: %w", key, err)
	}
	s.logger.Debug("Room snapshot stored", zap.String("key", key), zap.Uint64("serverSeq", value.ServerSeq))
	return nil
}

func (s *Storage) Get(ctx context.Context, key string) (*models.RoomSnapshot, error) {
	var content string
	err := s.database.QueryRowContext(ctx, `SELECT content FROM rooms WHERE id = ?`, key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rStorage.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", key, err)
	}

	var snapshot models.RoomSnapshot
	if err := json.Unmarshal([]byte(content), &snapshot); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", key, err)
	}
	return &snapshot, nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.database.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, key)
	return err
}

func (s *Storage) Close() error {
	return s.database.Close()
}
