package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Provider: врач или кабинет, к которому ведётся запись.
// Политика записи хранится прямо на провайдере.
type Provider struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	// Имя/отображаемое название в интерфейсе.
	DisplayName string `gorm:"type:varchar(255);not null"`

	// Краткое описание, специализация и т.п.
	Description string `gorm:"type:text"`

	// IANA-зона, в которой заданы окна расписания и даты отсутствий.
	TimeZone string `gorm:"type:varchar(64);not null"`

	// Разрешена ли запись сверх дневной ёмкости (живая очередь).
	AllowOverbooking bool `gorm:"not null"`
	// Самозапись сразу создаётся подтверждённой.
	AutoApproveBookings bool `gorm:"not null"`
	// Главный выключатель онлайн-записи.
	DigitalBookingActive bool `gorm:"not null"`
	// На сколько недель вперёд видны слоты.
	BookingVisibilityWeeks int `gorm:"not null"`
	// За сколько часов до начала закрывается онлайн-запись.
	BookingCutoffHours int `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Windows []AvailabilityWindow `gorm:"foreignKey:ProviderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// NewProvider возвращает провайдера с политикой по умолчанию.
// Булевы поля без gorm-дефолтов: иначе false при вставке заменился бы на default.
func NewProvider(displayName string) *Provider {
	return &Provider{
		DisplayName:            displayName,
		TimeZone:               "UTC",
		DigitalBookingActive:   true,
		BookingVisibilityWeeks: 4,
		BookingCutoffHours:     1,
	}
}

func (p *Provider) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.TimeZone == "" {
		p.TimeZone = "UTC"
	}
	return nil
}

// Location: часовой пояс провайдера; неизвестная зона трактуется как UTC.
func (p *Provider) Location() *time.Location {
	if p.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// VisibilityHorizon: длина окна видимости слотов.
func (p *Provider) VisibilityHorizon() time.Duration {
	weeks := p.BookingVisibilityWeeks
	if weeks <= 0 {
		weeks = 4
	}
	return time.Duration(weeks) * 7 * 24 * time.Hour
}

// Cutoff: минимальный запас времени до начала слота для онлайн-записи.
func (p *Provider) Cutoff() time.Duration {
	if p.BookingCutoffHours < 0 {
		return 0
	}
	return time.Duration(p.BookingCutoffHours) * time.Hour
}
