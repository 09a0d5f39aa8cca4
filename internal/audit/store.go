package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Record is the persisted form of an Entry.
type Record struct {
	ID        uint      `gorm:"primaryKey"`
	Action    string    `gorm:"index;size:128"`
	Actor     string    `gorm:"index;size:128"`
	Details   string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"index"`
}

// TableName pins the table name independent of gorm's pluralization config.
func (Record) TableName() string { return "audit_records" }

// Store persists audit entries to a SQL database through gorm. It satisfies
// Sink, so it can back the validator and orchestrator directly or sit inside
// a MultiSink next to a ZapSink.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore migrates the audit table and returns a store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "audit_store")),
	}, nil
}

// NewStoreAt opens (or creates) a sqlite-backed store at path.
func NewStoreAt(path string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return NewStore(db, logger)
}

// Record implements Sink.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	rec := Record{
		Action:    entry.Action,
		Actor:     entry.Actor,
		Details:   string(details),
		Timestamp: entry.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// ByAction returns the stored records for one action, newest first, capped
// at limit.
func (s *Store) ByAction(ctx context.Context, action string, limit int) ([]Record, error) {
	var out []Record
	err := s.db.WithContext(ctx).
		Where("action = ?", action).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ByActor returns the stored records for one actor, newest first, capped at
// limit.
func (s *Store) ByActor(ctx context.Context, actor string, limit int) ([]Record, error) {
	var out []Record
	err := s.db.WithContext(ctx).
		Where("actor = ?", actor).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
