package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "pending"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusRejected OfferStatus = "rejected"
	OfferStatusExpired  OfferStatus = "expired"
)

// RescheduleOffer: предложение перенести отменённую запись.
// Список предложенных моментов после создания не меняется.
type RescheduleOffer struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Token string    `gorm:"type:varchar(64);not null;uniqueIndex"`

	OriginalBookingID uuid.UUID  `gorm:"type:uuid;not null;index"`
	NewBookingID      *uuid.UUID `gorm:"type:uuid"`
	AbsenceID         *uuid.UUID `gorm:"type:uuid;index"`
	ProviderID        uuid.UUID  `gorm:"type:uuid;not null;index"`
	RequesterID       uuid.UUID  `gorm:"type:uuid;not null;index"`

	SuggestedInstants datatypes.JSONSlice[time.Time] `gorm:"not null"`

	Status     OfferStatus `gorm:"type:varchar(16);not null;index"`
	ExpiresAt  time.Time   `gorm:"not null;index"`
	ResolvedAt *time.Time

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (o *RescheduleOffer) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = OfferStatusPending
	}
	return nil
}

// ExpiredAt: истёк ли срок ожидающего предложения к моменту now.
func (o *RescheduleOffer) ExpiredAt(now time.Time) bool {
	return o.Status == OfferStatusPending && now.After(o.ExpiresAt)
}

// Suggests: входит ли момент в список предложенных.
func (o *RescheduleOffer) Suggests(instant time.Time) bool {
	for _, s := range o.SuggestedInstants {
		if s.Equal(instant) {
			return true
		}
	}
	return false
}
