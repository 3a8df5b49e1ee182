package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/model"
)

type ActivityRepository interface {
	Create(ctx context.Context, entry *model.ActivityLog) error
	// Последние записи журнала по провайдеру, новые первыми.
	ListByProvider(ctx context.Context, providerID uuid.UUID, limit int) ([]model.ActivityLog, error)
}

type GormActivityRepository struct {
	db *gorm.DB
}

func NewGormActivityRepository(db *gorm.DB) *GormActivityRepository {
	return &GormActivityRepository{db: db}
}

func (r *GormActivityRepository) Create(ctx context.Context, entry *model.ActivityLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *GormActivityRepository) ListByProvider(ctx context.Context, providerID uuid.UUID, limit int) ([]model.ActivityLog, error) {
	var entries []model.ActivityLog
	q := r.db.WithContext(ctx).
		Where("provider_id = ?", providerID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}
