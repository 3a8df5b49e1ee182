package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/model"
)

type OfferRepository interface {
	Create(ctx context.Context, offer *model.RescheduleOffer) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.RescheduleOffer, error)
	GetByToken(ctx context.Context, token string) (*model.RescheduleOffer, error)
	// Закрыть ожидающее предложение. false: предложение уже не pending.
	Resolve(ctx context.Context, id uuid.UUID, to model.OfferStatus, newBookingID *uuid.UUID, at time.Time) (bool, error)
	// Перевести просроченные ожидающие предложения в expired.
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
	// Предложения, созданные по отсутствию.
	ListByAbsence(ctx context.Context, absenceID uuid.UUID) ([]model.RescheduleOffer, error)
}

type GormOfferRepository struct {
	db *gorm.DB
}

func NewGormOfferRepository(db *gorm.DB) *GormOfferRepository {
	return &GormOfferRepository{db: db}
}

func (r *GormOfferRepository) Create(ctx context.Context, offer *model.RescheduleOffer) error {
	return r.db.WithContext(ctx).Create(offer).Error
}

func (r *GormOfferRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.RescheduleOffer, error) {
	var o model.RescheduleOffer
	if err := r.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *GormOfferRepository) GetByToken(ctx context.Context, token string) (*model.RescheduleOffer, error) {
	var o model.RescheduleOffer
	if err := r.db.WithContext(ctx).First(&o, "token = ?", token).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *GormOfferRepository) Resolve(
	ctx context.Context,
	id uuid.UUID,
	to model.OfferStatus,
	newBookingID *uuid.UUID,
	at time.Time,
) (bool, error) {
	update := map[string]any{
		"status":      to,
		"resolved_at": at.UTC(),
	}
	if newBookingID != nil {
		update["new_booking_id"] = *newBookingID
	}
	res := r.db.WithContext(ctx).
		Model(&model.RescheduleOffer{}).
		Where("id = ? AND status = ?", id, model.OfferStatusPending).
		Updates(update)
	return res.RowsAffected > 0, res.Error
}

func (r *GormOfferRepository) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.RescheduleOffer{}).
		Where("status = ? AND expires_at < ?", model.OfferStatusPending, now.UTC()).
		Updates(map[string]any{
			"status":      model.OfferStatusExpired,
			"resolved_at": now.UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *GormOfferRepository) ListByAbsence(ctx context.Context, absenceID uuid.UUID) ([]model.RescheduleOffer, error) {
	var offers []model.RescheduleOffer
	err := r.db.WithContext(ctx).
		Where("absence_id = ?", absenceID).
		Order("created_at ASC").
		Find(&offers).
		Error
	return offers, err
}
