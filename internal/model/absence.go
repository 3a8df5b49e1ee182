package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
)

type AbsenceType string

const (
	// Полное отсутствие: закрывает и онлайн-запись, и приём на месте.
	AbsenceTypeAbsence AbsenceType = "absence"
	// Закрыт только онлайн-канал; живая очередь работает.
	AbsenceTypeDigitalBlock AbsenceType = "digital_channel_block"
)

type AbsenceStatus string

const (
	AbsenceStatusActive    AbsenceStatus = "active"
	AbsenceStatusCancelled AbsenceStatus = "cancelled"
)

// SuggestionExpiry: сколько живёт предложение о переносе.
type SuggestionExpiry string

const (
	SuggestionExpiryOneDay  SuggestionExpiry = "1_DAY"
	SuggestionExpiryTwoDays SuggestionExpiry = "2_DAYS"
	SuggestionExpiryOneWeek SuggestionExpiry = "1_WEEK"
)

// Duration переводит код срока в длительность; неизвестный код = 2 дня.
func (e SuggestionExpiry) Duration() time.Duration {
	switch e {
	case SuggestionExpiryOneDay:
		return 24 * time.Hour
	case SuggestionExpiryOneWeek:
		return 7 * 24 * time.Hour
	default:
		return 2 * 24 * time.Hour
	}
}

func (e SuggestionExpiry) Valid() bool {
	switch e {
	case SuggestionExpiryOneDay, SuggestionExpiryTwoDays, SuggestionExpiryOneWeek:
		return true
	}
	return false
}

// Channel: канал, через который идёт запись.
type Channel string

const (
	ChannelSelfService Channel = "self_service"
	ChannelInPerson    Channel = "in_person"
)

var (
	ErrAbsenceDateRange = errors.New("absence end date is before start date")
	ErrAbsenceTimeRange = errors.New("absence time range must have both bounds and start before end")
	ErrAbsenceType      = errors.New("unknown absence type")
)

// AbsenceWindow: отсутствие провайдера на диапазон дат, целиком или на часть дня.
type AbsenceWindow struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProviderID uuid.UUID `gorm:"type:uuid;not null;index:idx_absence_provider_dates"`

	StartDate datatypes.Date `gorm:"not null;index:idx_absence_provider_dates"`
	EndDate   datatypes.Date `gorm:"not null;index:idx_absence_provider_dates"`

	// Оба nil: отсутствие на весь день.
	StartTime *datatypes.Time
	EndTime   *datatypes.Time

	Type   AbsenceType   `gorm:"type:varchar(32);not null"`
	Status AbsenceStatus `gorm:"type:varchar(16);not null;index"`
	Reason string        `gorm:"type:text"`

	SuggestionExpiry SuggestionExpiry `gorm:"type:varchar(16);not null"`

	ConflictingBookingsCount int  `gorm:"not null"`
	RescheduledCount         int  `gorm:"not null"`
	WalkInCancelledCount     int  `gorm:"not null"`
	AllConflictsHandled      bool `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (a *AbsenceWindow) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = AbsenceStatusActive
	}
	if a.SuggestionExpiry == "" {
		a.SuggestionExpiry = SuggestionExpiryTwoDays
	}
	return nil
}

// Validate проверяет диапазоны и тип.
func (a *AbsenceWindow) Validate() error {
	if a.Type != AbsenceTypeAbsence && a.Type != AbsenceTypeDigitalBlock {
		return ErrAbsenceType
	}
	if time.Time(a.EndDate).Before(time.Time(a.StartDate)) {
		return ErrAbsenceDateRange
	}
	if (a.StartTime == nil) != (a.EndTime == nil) {
		return ErrAbsenceTimeRange
	}
	if a.StartTime != nil && *a.StartTime >= *a.EndTime {
		return ErrAbsenceTimeRange
	}
	return nil
}

func (a *AbsenceWindow) IsFullDay() bool {
	return a.StartTime == nil || a.EndTime == nil
}

func (a *AbsenceWindow) IsActive() bool {
	return a.Status == AbsenceStatusActive
}

// Blocks: закрывает ли отсутствие указанный канал записи.
func (a *AbsenceWindow) Blocks(ch Channel) bool {
	if !a.IsActive() {
		return false
	}
	return a.Type == AbsenceTypeAbsence || ch == ChannelSelfService
}

// CoversDate: входит ли календарный день в диапазон дат (включительно).
func (a *AbsenceWindow) CoversDate(date time.Time) bool {
	d := calendar.CivilDate(date)
	return !d.Before(calendar.CivilDate(time.Time(a.StartDate))) &&
		!d.After(calendar.CivilDate(time.Time(a.EndDate)))
}

// CoversInstant: попадает ли момент (в поясе провайдера) в отсутствие.
// Границы времени включительные.
func (a *AbsenceWindow) CoversInstant(local time.Time) bool {
	if !a.CoversDate(local) {
		return false
	}
	if a.IsFullDay() {
		return true
	}
	off := calendar.ClockOffset(local)
	return off >= time.Duration(*a.StartTime) && off <= time.Duration(*a.EndTime)
}

// Range: отсутствие как интервал в поясе loc для дня date.
func (a *AbsenceWindow) Range(date time.Time, loc *time.Location) calendar.TimeRange {
	if a.IsFullDay() {
		return calendar.DayBounds(date, loc)
	}
	return calendar.TimeRange{
		Start: calendar.At(date, time.Duration(*a.StartTime), loc),
		End:   calendar.At(date, time.Duration(*a.EndTime), loc),
	}
}
