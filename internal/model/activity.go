package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Тип действия в журнале активности.
type ActivityAction string

const (
	ActivityBookingCreated     ActivityAction = "BOOKING_CREATED"
	ActivityBookingApproved    ActivityAction = "BOOKING_APPROVED"
	ActivityBookingCancelled   ActivityAction = "BOOKING_CANCELLED"
	ActivityBookingRescheduled ActivityAction = "BOOKING_RESCHEDULED"
	ActivityWalkInAdded        ActivityAction = "WALKIN_ADDED"
	ActivityExamStarted        ActivityAction = "EXAM_STARTED"
	ActivityExamCompleted      ActivityAction = "EXAM_COMPLETED"
	ActivityNoShow             ActivityAction = "NO_SHOW"
	ActivityAbsenceDeclared    ActivityAction = "ABSENCE_DECLARED"
	ActivityAbsenceCancelled   ActivityAction = "ABSENCE_CANCELLED"
)

// activity_logs: журнал действий по провайдеру
type ActivityLog struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Action ActivityAction `gorm:"type:varchar(64);not null;index"`

	CreatedAt time.Time `gorm:"not null;index"`

	ActorID    *uuid.UUID `gorm:"type:uuid;index"`
	ProviderID uuid.UUID  `gorm:"type:uuid;not null;index"`
	TargetID   *uuid.UUID `gorm:"type:uuid;index"`

	Description string `gorm:"type:text"`
}

func (a *ActivityLog) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
