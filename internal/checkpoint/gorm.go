package checkpoint

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Record struct {
	ID        uint      `gorm:"primaryKey"`
	Namespace string    `gorm:"uniqueIndex:idx_checkpoints_namespace_key;not null"`
	RecordKey string    `gorm:"uniqueIndex:idx_checkpoints_namespace_key;not null"`
	Value     string    `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Record) TableName() string { return "checkpoints" }

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

// GormStore keeps records in the checkpoints table so they survive restarts.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Put(ctx context.Context, namespace, key string, value any) error {
	data, err := encode(namespace, key, value)
	if err != nil {
		return err
	}

	rec := Record{Namespace: namespace, RecordKey: key, Value: string(data)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) Get(ctx context.Context, namespace, key string, dst any) (bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND record_key = ?", namespace, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, decode(namespace, key, []byte(rec.Value), dst)
}

func (s *GormStore) Delete(ctx context.Context, namespace, key string) error {
	return s.db.WithContext(ctx).
		Where("namespace = ? AND record_key = ?", namespace, key).
		Delete(&Record{}).Error
}

func (s *GormStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	var recs []Record
	if err := s.db.WithContext(ctx).
		Where("namespace = ?", namespace).
		Order("record_key ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, Entry{Key: r.RecordKey, Value: []byte(r.Value), UpdatedAt: r.UpdatedAt})
	}
	return entries, nil
}
