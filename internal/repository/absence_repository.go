package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/model"
)

type AbsenceRepository interface {
	Create(ctx context.Context, a *model.AbsenceWindow) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.AbsenceWindow, error)
	// Активные отсутствия, пересекающие диапазон дат [from, to] включительно.
	ListActiveOverlapping(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]model.AbsenceWindow, error)
	// Мягкое удаление: active -> cancelled. false, если уже отменено.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	// Сохранить счётчики обработки конфликтов.
	UpdateCounters(ctx context.Context, a *model.AbsenceWindow) error
}

type GormAbsenceRepository struct {
	db *gorm.DB
}

func NewGormAbsenceRepository(db *gorm.DB) *GormAbsenceRepository {
	return &GormAbsenceRepository{db: db}
}

func (r *GormAbsenceRepository) Create(ctx context.Context, a *model.AbsenceWindow) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *GormAbsenceRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.AbsenceWindow, error) {
	var a model.AbsenceWindow
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *GormAbsenceRepository) ListActiveOverlapping(
	ctx context.Context,
	providerID uuid.UUID,
	from, to time.Time,
) ([]model.AbsenceWindow, error) {
	var absences []model.AbsenceWindow
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND status = ?", providerID, model.AbsenceStatusActive).
		Where("start_date <= ? AND end_date >= ?", calendar.CivilDate(to), calendar.CivilDate(from)).
		Order("start_date ASC").
		Find(&absences).
		Error
	return absences, err
}

func (r *GormAbsenceRepository) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.AbsenceWindow{}).
		Where("id = ? AND status = ?", id, model.AbsenceStatusActive).
		Update("status", model.AbsenceStatusCancelled)
	return res.RowsAffected > 0, res.Error
}

func (r *GormAbsenceRepository) UpdateCounters(ctx context.Context, a *model.AbsenceWindow) error {
	return r.db.WithContext(ctx).
		Model(&model.AbsenceWindow{}).
		Where("id = ?", a.ID).
		Select(
			"conflicting_bookings_count", "rescheduled_count",
			"walk_in_cancelled_count", "all_conflicts_handled",
		).
		Updates(a).
		Error
}
