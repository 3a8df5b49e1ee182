package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/model"
)

type AvailabilityRepository interface {
	// Активные окна провайдера на день недели, по времени начала.
	ListActiveByWeekday(ctx context.Context, providerID uuid.UUID, weekday calendar.Weekday) ([]model.AvailabilityWindow, error)
	// Все окна провайдера (включая неактивные).
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]model.AvailabilityWindow, error)
	// Атомарно заменить весь набор окон провайдера.
	ReplaceAll(ctx context.Context, providerID uuid.UUID, windows []model.AvailabilityWindow) error
}

type GormAvailabilityRepository struct {
	db *gorm.DB
}

func NewGormAvailabilityRepository(db *gorm.DB) *GormAvailabilityRepository {
	return &GormAvailabilityRepository{db: db}
}

func (r *GormAvailabilityRepository) ListActiveByWeekday(
	ctx context.Context,
	providerID uuid.UUID,
	weekday calendar.Weekday,
) ([]model.AvailabilityWindow, error) {
	var windows []model.AvailabilityWindow
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND weekday = ? AND is_active = ?", providerID, weekday, true).
		Order("start_time ASC").
		Find(&windows).
		Error
	return windows, err
}

func (r *GormAvailabilityRepository) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]model.AvailabilityWindow, error) {
	var windows []model.AvailabilityWindow
	err := r.db.WithContext(ctx).
		Where("provider_id = ?", providerID).
		Order("weekday ASC, start_time ASC").
		Find(&windows).
		Error
	return windows, err
}

func (r *GormAvailabilityRepository) ReplaceAll(
	ctx context.Context,
	providerID uuid.UUID,
	windows []model.AvailabilityWindow,
) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_id = ?", providerID).Delete(&model.AvailabilityWindow{}).Error; err != nil {
			return err
		}
		if len(windows) == 0 {
			return nil
		}
		for i := range windows {
			windows[i].ProviderID = providerID
		}
		return tx.Create(&windows).Error
	})
}
