package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BookingStatus string

const (
	BookingStatusPending             BookingStatus = "pending"
	BookingStatusConfirmed           BookingStatus = "confirmed"
	BookingStatusInProgress          BookingStatus = "in_progress"
	BookingStatusCancelled           BookingStatus = "cancelled"
	BookingStatusCompleted           BookingStatus = "completed"
	BookingStatusNoShow              BookingStatus = "no_show"
	BookingStatusExpired             BookingStatus = "expired"
	BookingStatusReschedulingPending BookingStatus = "rescheduling_pending"
)

// ActiveBookingStatuses: статусы, при которых у пациента "есть запись" на день.
var ActiveBookingStatuses = []BookingStatus{
	BookingStatusPending,
	BookingStatusConfirmed,
	BookingStatusInProgress,
	BookingStatusReschedulingPending,
}

// IsTerminal: из терминального статуса переходов нет.
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case BookingStatusCancelled, BookingStatusCompleted, BookingStatusNoShow, BookingStatusExpired:
		return true
	}
	return false
}

// Occupies: занимает ли запись место в слоте. Освобождает только отмена.
func (s BookingStatus) Occupies() bool {
	return s != BookingStatusCancelled
}

func (s BookingStatus) IsActive() bool {
	for _, a := range ActiveBookingStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// bookings
type Booking struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProviderID uuid.UUID `gorm:"type:uuid;not null;index:idx_booking_provider_start"`
	// nil у записей живой очереди.
	RequesterID *uuid.UUID `gorm:"type:uuid;index"`

	// Начало слота, всегда в UTC с точностью до минуты.
	StartsAt  time.Time     `gorm:"not null;index:idx_booking_provider_start"`
	PartySize int           `gorm:"not null"`
	Status    BookingStatus `gorm:"type:varchar(32);not null;index"`
	Channel   Channel       `gorm:"type:varchar(16);not null"`

	IsWalkIn   bool   `gorm:"not null"`
	IsOverflow bool   `gorm:"not null"`
	WalkInName string `gorm:"type:varchar(255)"`
	Notes      string `gorm:"type:text"`

	CancellationReason string `gorm:"type:text"`
	CancelledAt        *time.Time

	// Связи переноса: только идентификаторы, пишет их предложение о переносе.
	RescheduledFromID *uuid.UUID `gorm:"type:uuid;index"`
	ReplacedByID      *uuid.UUID `gorm:"type:uuid"`
	// Общий идентификатор частей записи, разнесённой по соседним слотам.
	GroupID *uuid.UUID `gorm:"type:uuid;index"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Provider *Provider `gorm:"foreignKey:ProviderID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (b *Booking) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// BelongsTo: принадлежит ли запись пациенту.
func (b *Booking) BelongsTo(requesterID uuid.UUID) bool {
	return b.RequesterID != nil && *b.RequesterID == requesterID
}
