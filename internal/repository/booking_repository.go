package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/model"
)

type BookingRepository interface {
	// Создать новое бронирование.
	Create(ctx context.Context, booking *model.Booking) error
	// Получить бронирование по ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	// Перевести статус, только если текущий входит в from. false: строка не подошла.
	Transition(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus, fields map[string]any) (bool, error)
	// Связать запись с той, что её заменила.
	SetReplacedBy(ctx context.Context, id, replacementID uuid.UUID) error
	// Суммарный размер групп в слоте, без отменённых.
	SumOccupancy(ctx context.Context, providerID uuid.UUID, startsAt time.Time, excludeID *uuid.UUID) (int, error)
	// Занятость по началам слотов в [from, to).
	OccupancyBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time) (map[int64]int, error)
	// Есть ли у пациента активная запись к провайдеру в [from, to).
	HasActiveForRequester(ctx context.Context, providerID, requesterID uuid.UUID, from, to time.Time) (bool, error)
	// Суммарный размер групп за [from, to), без отменённых.
	SumPartyBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time) (int, error)
	// Записи провайдера в [from, to] с указанными статусами.
	ListByStatusBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time, statuses []model.BookingStatus) ([]model.Booking, error)
	// Массово перевести записи провайдера, начавшиеся до before, из from в to.
	ExpireBefore(ctx context.Context, providerID uuid.UUID, before time.Time, from, to model.BookingStatus, reason string) (int64, error)
}

// Реализация на GORM.
type GormBookingRepository struct {
	db *gorm.DB
}

func NewGormBookingRepository(db *gorm.DB) *GormBookingRepository {
	return &GormBookingRepository{db: db}
}

func (r *GormBookingRepository) Create(ctx context.Context, booking *model.Booking) error {
	return r.db.WithContext(ctx).Create(booking).Error
}

func (r *GormBookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	var b model.Booking
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *GormBookingRepository) Transition(
	ctx context.Context,
	id uuid.UUID,
	from []model.BookingStatus,
	to model.BookingStatus,
	fields map[string]any,
) (bool, error) {
	update := map[string]any{
		"status": to,
	}
	for k, v := range fields {
		update[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&model.Booking{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(update)
	return res.RowsAffected > 0, res.Error
}

func (r *GormBookingRepository) SetReplacedBy(ctx context.Context, id, replacementID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&model.Booking{}).
		Where("id = ?", id).
		Update("replaced_by_id", replacementID).
		Error
}

func (r *GormBookingRepository) SumOccupancy(
	ctx context.Context,
	providerID uuid.UUID,
	startsAt time.Time,
	excludeID *uuid.UUID,
) (int, error) {
	var total int
	q := r.db.WithContext(ctx).
		Model(&model.Booking{}).
		Select("COALESCE(SUM(party_size), 0)").
		Where("provider_id = ? AND starts_at = ?", providerID, startsAt.UTC()).
		Where("status <> ?", model.BookingStatusCancelled)
	if excludeID != nil {
		q = q.Where("id <> ?", *excludeID)
	}
	if err := q.Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *GormBookingRepository) OccupancyBetween(
	ctx context.Context,
	providerID uuid.UUID,
	from, to time.Time,
) (map[int64]int, error) {
	var rows []model.Booking
	err := r.db.WithContext(ctx).
		Select("starts_at", "party_size").
		Where("provider_id = ? AND starts_at >= ? AND starts_at < ?", providerID, from.UTC(), to.UTC()).
		Where("status <> ?", model.BookingStatusCancelled).
		Find(&rows).
		Error
	if err != nil {
		return nil, err
	}

	occ := make(map[int64]int, len(rows))
	for _, b := range rows {
		occ[b.StartsAt.Unix()] += b.PartySize
	}
	return occ, nil
}

func (r *GormBookingRepository) HasActiveForRequester(
	ctx context.Context,
	providerID, requesterID uuid.UUID,
	from, to time.Time,
) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.Booking{}).
		Where("provider_id = ? AND requester_id = ?", providerID, requesterID).
		Where("starts_at >= ? AND starts_at < ?", from.UTC(), to.UTC()).
		Where("status IN ?", model.ActiveBookingStatuses).
		Count(&n).
		Error
	return n > 0, err
}

func (r *GormBookingRepository) SumPartyBetween(
	ctx context.Context,
	providerID uuid.UUID,
	from, to time.Time,
) (int, error) {
	var total int
	err := r.db.WithContext(ctx).
		Model(&model.Booking{}).
		Select("COALESCE(SUM(party_size), 0)").
		Where("provider_id = ? AND starts_at >= ? AND starts_at < ?", providerID, from.UTC(), to.UTC()).
		Where("status <> ?", model.BookingStatusCancelled).
		Scan(&total).
		Error
	return total, err
}

func (r *GormBookingRepository) ListByStatusBetween(
	ctx context.Context,
	providerID uuid.UUID,
	from, to time.Time,
	statuses []model.BookingStatus,
) ([]model.Booking, error) {
	var bookings []model.Booking
	err := forUpdate(r.db.WithContext(ctx)).
		Where("provider_id = ? AND starts_at >= ? AND starts_at <= ?", providerID, from.UTC(), to.UTC()).
		Where("status IN ?", statuses).
		Order("starts_at ASC").
		Find(&bookings).
		Error
	return bookings, err
}

func (r *GormBookingRepository) ExpireBefore(
	ctx context.Context,
	providerID uuid.UUID,
	before time.Time,
	from, to model.BookingStatus,
	reason string,
) (int64, error) {
	update := map[string]any{
		"status":              to,
		"cancellation_reason": reason,
	}
	res := r.db.WithContext(ctx).
		Model(&model.Booking{}).
		Where("provider_id = ? AND status = ? AND starts_at < ?", providerID, from, before.UTC()).
		Updates(update)
	return res.RowsAffected, res.Error
}
