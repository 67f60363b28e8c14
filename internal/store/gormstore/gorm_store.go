// Package gormstore persists the core's key/value records and event log in
// SQLite through Gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tessera/internal/store"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&kvModel{}, &eventModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for concurrent HTTP reads while
	// keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("gorm store not initialized")
	}
	var m kvModel
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(m.Value), true, nil
}

func (s *GormStore) Put(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key cannot be empty")
	}
	m := kvModel{
		Key:           key,
		Value:         datatypes.JSON(value),
		UpdatedAtUnix: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&m).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&kvModel{}).Error
}

func (s *GormStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []kvModel
	q := s.db.WithContext(ctx).Order("key ASC")
	if prefix != "" {
		q = q.Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(models))
	for _, m := range models {
		out[m.Key] = []byte(m.Value)
	}
	return out, nil
}

func (s *GormStore) AppendEvent(ctx context.Context, evt store.EventRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	m := eventModel{
		EventID:       evt.ID,
		Type:          evt.Type,
		StrategyID:    strings.TrimSpace(evt.StrategyID),
		Symbol:        strings.ToUpper(strings.TrimSpace(evt.Symbol)),
		Payload:       datatypes.JSON(evt.Payload),
		CreatedAtUnix: evt.CreatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) LoadEvents(ctx context.Context, since time.Time, limit int) ([]store.EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 {
		limit = 1000
	}
	var models []eventModel
	q := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Limit(limit)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since.UnixMilli())
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.EventRecord, 0, len(models))
	for _, m := range models {
		out = append(out, store.EventRecord{
			ID:         m.EventID,
			Type:       m.Type,
			StrategyID: m.StrategyID,
			Symbol:     m.Symbol,
			Payload:    []byte(m.Payload),
			CreatedAt:  time.UnixMilli(m.CreatedAtUnix),
		})
	}
	return out, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

type kvModel struct {
	Key           string         `gorm:"column:key;primaryKey"`
	Value         datatypes.JSON `gorm:"column:value"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (kvModel) TableName() string { return "kv_records" }

type eventModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	EventID       string         `gorm:"column:event_uuid;index"`
	Type          string         `gorm:"column:type"`
	StrategyID    string         `gorm:"column:strategy_id;index"`
	Symbol        string         `gorm:"column:symbol;index"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (eventModel) TableName() string { return "event_log" }
