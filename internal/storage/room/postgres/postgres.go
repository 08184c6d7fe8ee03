package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Icerzack/excalisync/internal/models"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

// RoomRecord is one row of the room_snapshots table.
type RoomRecord struct {
	RoomID    string `gorm:"primaryKey;size:255"`
	Epoch     string `gorm:"size:64;not null"`
	ServerSeq uint64 `gorm:"not null"`
	Data      []byte `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (RoomRecord) TableName() string {
	return "room_snapshots"
}

type Storage struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStorage(dsn string, logger *zap.Logger) (*Storage, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormlogger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&RoomRecord{}); err != nil {
		return nil, fmt.Errorf("migrate room snapshots: %w", err)
	}
	logger.Info("Connected to postgres room storage")
	return &Storage{db: db, logger: logger}, nil
}

func (s *Storage) Set(ctx context.Context, key string, value *models.RoomSnapshot) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", key, err)
	}
	record := RoomRecord{
		RoomID:    key,
		Epoch:     value.Epoch,
		ServerSeq: value.ServerSeq,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"epoch", "server_seq", "data", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("store room %s: %w", key, err)
	}
	s.logger.Debug("Room snapshot stored", zap.String("key", key), zap.Uint64("serverSeq", value.ServerSeq))
	return nil
}

func (s *Storage) Get(ctx context.Context, key string) (*models.RoomSnapshot, error) {
	var record RoomRecord
	err := s.db.WithContext(ctx).Where("room_id = ?", key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, rStorage.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", key, err)
	}

	var snapshot models.RoomSnapshot
	if err := json.Unmarshal(record.Data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", key, err)
	}
	return &snapshot, nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("room_id = ?", key).Delete(&RoomRecord{}).Error
}

func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
