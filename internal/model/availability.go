package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
)

const (
	MinPeoplePerSlot = 1
	MaxPeoplePerSlot = 20
)

var (
	ErrInvalidWeekday    = errors.New("weekday must be in 0..6")
	ErrWindowRange       = errors.New("window start must be before end")
	ErrWindowSlotLength  = errors.New("slot duration must be positive")
	ErrWindowPeopleLimit = errors.New("max people per slot must be in 1..20")
)

// AvailabilityWindow: недельное окно приёма провайдера.
// Несколько окон в один день не сливаются: их ёмкости складываются.
type AvailabilityWindow struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProviderID uuid.UUID `gorm:"type:uuid;not null;index:idx_window_provider_weekday"`

	// Канонический день недели, 0 = воскресенье.
	Weekday calendar.Weekday `gorm:"not null;index:idx_window_provider_weekday"`

	StartTime datatypes.Time `gorm:"not null"`
	EndTime   datatypes.Time `gorm:"not null"`

	SlotDurationMin  int  `gorm:"not null"`
	MaxPeoplePerSlot int  `gorm:"not null"`
	IsActive         bool `gorm:"not null;index"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (w *AvailabilityWindow) BeforeCreate(*gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}

// Validate проверяет инварианты окна.
func (w *AvailabilityWindow) Validate() error {
	if !w.Weekday.Valid() {
		return ErrInvalidWeekday
	}
	if w.Start() >= w.End() {
		return ErrWindowRange
	}
	if w.SlotDurationMin <= 0 {
		return ErrWindowSlotLength
	}
	if w.MaxPeoplePerSlot < MinPeoplePerSlot || w.MaxPeoplePerSlot > MaxPeoplePerSlot {
		return ErrWindowPeopleLimit
	}
	return nil
}

// Start и End: смещения от полуночи.
func (w *AvailabilityWindow) Start() time.Duration { return time.Duration(w.StartTime) }
func (w *AvailabilityWindow) End() time.Duration   { return time.Duration(w.EndTime) }

func (w *AvailabilityWindow) SlotDuration() time.Duration {
	return time.Duration(w.SlotDurationMin) * time.Minute
}

// NumSlots: сколько целых слотов помещается в окно.
func (w *AvailabilityWindow) NumSlots() int {
	if w.SlotDurationMin <= 0 || w.End() <= w.Start() {
		return 0
	}
	return int((w.End() - w.Start()) / w.SlotDuration())
}

// LastSlotEnd: конец последнего целого слота.
func (w *AvailabilityWindow) LastSlotEnd() time.Duration {
	return w.Start() + time.Duration(w.NumSlots())*w.SlotDuration()
}

// Contains: попадает ли смещение от полуночи в [start, end).
func (w *AvailabilityWindow) Contains(offset time.Duration) bool {
	return offset >= w.Start() && offset < w.End()
}

// OnGrid: совпадает ли смещение с началом одного из целых слотов окна.
func (w *AvailabilityWindow) OnGrid(offset time.Duration) bool {
	if w.NumSlots() == 0 || offset < w.Start() || offset >= w.LastSlotEnd() {
		return false
	}
	return (offset-w.Start())%w.SlotDuration() == 0
}

// SlotStarts раскладывает окно на слоты конкретного дня в поясе loc.
func (w *AvailabilityWindow) SlotStarts(date time.Time, loc *time.Location) []calendar.TimeRange {
	tr := calendar.TimeRange{
		Start: calendar.At(date, w.Start(), loc),
		End:   calendar.At(date, w.End(), loc),
	}
	slots, err := calendar.SplitToTimeSlots(tr, w.SlotDuration())
	if err != nil {
		return nil
	}
	return slots
}
