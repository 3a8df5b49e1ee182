package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/model"
)

type ProviderRepository interface {
	Create(ctx context.Context, p *model.Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Provider, error)
	// Все провайдеры, по дате создания.
	List(ctx context.Context) ([]model.Provider, error)
	// Сохранить политику записи провайдера.
	Update(ctx context.Context, p *model.Provider) error
}

type GormProviderRepository struct {
	db *gorm.DB
}

func NewGormProviderRepository(db *gorm.DB) *GormProviderRepository {
	return &GormProviderRepository{db: db}
}

func (r *GormProviderRepository) Create(ctx context.Context, p *model.Provider) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *GormProviderRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Provider, error) {
	var p model.Provider
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *GormProviderRepository) List(ctx context.Context) ([]model.Provider, error) {
	var providers []model.Provider
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&providers).Error
	return providers, err
}

func (r *GormProviderRepository) Update(ctx context.Context, p *model.Provider) error {
	return r.db.WithContext(ctx).
		Model(&model.Provider{}).
		Where("id = ?", p.ID).
		Select(
			"display_name", "description", "time_zone", "allow_overbooking",
			"auto_approve_bookings", "digital_booking_active",
			"booking_visibility_weeks", "booking_cutoff_hours",
		).
		Updates(p).
		Error
}
