package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/model"
)

// DayCapacity: ёмкость провайдера на календарный день.
type DayCapacity struct {
	Date     time.Time
	Weekday  calendar.Weekday
	NumSlots int
	// Наибольшая вместимость одного слота среди окон дня.
	PerSlotCapacity int
	DailyCapacity   int
	// Конец последнего целого слота дня (смещение от полуночи).
	LastRegularEnd time.Duration
	// День закрыт отсутствием на весь день.
	Blocked bool
}

// SlotCapacity: вместимость слота в конкретный момент.
type SlotCapacity struct {
	Instant  time.Time
	Capacity int
	// Момент не совпал ни с одним окном, взята ёмкость по умолчанию.
	Fallback bool
	Blocked  bool
}

// computeDayCapacity складывает окна дня. Пересекающиеся окна не сливаются.
func computeDayCapacity(date time.Time, windows []model.AvailabilityWindow, fullDayBlocked bool) DayCapacity {
	dc := DayCapacity{
		Date:    calendar.CivilDate(date),
		Weekday: calendar.ToCanonicalWeekday(date),
		Blocked: fullDayBlocked,
	}
	if fullDayBlocked {
		return dc
	}

	for i := range windows {
		w := &windows[i]
		if !w.IsActive {
			continue
		}
		n := w.NumSlots()
		if n == 0 {
			continue
		}
		dc.NumSlots += n
		dc.DailyCapacity += n * w.MaxPeoplePerSlot
		dc.PerSlotCapacity = max(dc.PerSlotCapacity, w.MaxPeoplePerSlot)
		dc.LastRegularEnd = max(dc.LastRegularEnd, w.LastSlotEnd())
	}
	return dc
}

// slotCapacityAt: вместимость в момент local: сумма окон, в сетке которых он лежит.
// Внутри окна, но не на начале слота, мест нет: такой момент не слот.
// Вне всех окон возвращается fallback.
func slotCapacityAt(local time.Time, windows []model.AvailabilityWindow, fallback int) (int, bool) {
	off := calendar.ClockOffset(local)

	onGrid := 0
	containing := 0
	for i := range windows {
		w := &windows[i]
		if !w.IsActive {
			continue
		}
		if w.OnGrid(off) {
			onGrid += w.MaxPeoplePerSlot
		}
		if w.Contains(off) {
			containing += w.MaxPeoplePerSlot
		}
	}

	switch {
	case onGrid > 0:
		return onGrid, false
	case containing > 0:
		return 0, false
	default:
		return fallback, true
	}
}

// onAnyGrid: начинается ли в момент local слот хотя бы одного активного окна.
func onAnyGrid(local time.Time, windows []model.AvailabilityWindow) bool {
	off := calendar.ClockOffset(local)
	for i := range windows {
		if windows[i].IsActive && windows[i].OnGrid(off) {
			return true
		}
	}
	return false
}

// offGrid: момент лежит внутри рабочего окна, но ни один слот в нём не начинается.
func offGrid(local time.Time, windows []model.AvailabilityWindow) bool {
	if onAnyGrid(local, windows) {
		return false
	}
	off := calendar.ClockOffset(local)
	for i := range windows {
		if windows[i].IsActive && windows[i].Contains(off) {
			return true
		}
	}
	return false
}

// slotStep: длительность слота окна, в сетке которого лежит момент.
func slotStep(local time.Time, windows []model.AvailabilityWindow) (time.Duration, bool) {
	off := calendar.ClockOffset(local)
	for i := range windows {
		if windows[i].IsActive && windows[i].OnGrid(off) {
			return windows[i].SlotDuration(), true
		}
	}
	return 0, false
}

// CapacityFor считает ёмкость дня date (дата берётся в поясе провайдера).
func (s *SchedulingService) CapacityFor(
	ctx context.Context,
	providerID uuid.UUID,
	date time.Time,
	ch model.Channel,
) (DayCapacity, error) {
	p, err := s.loadProvider(ctx, s.store, providerID)
	if err != nil {
		return DayCapacity{}, err
	}

	local := calendar.At(date, 0, p.Location())
	day, err := s.loadDay(ctx, s.store, p, local)
	if err != nil {
		return DayCapacity{}, err
	}
	return computeDayCapacity(local, day.windows, day.fullDayBlock(ch) != nil), nil
}

// SlotCapacityAt считает вместимость слота, начинающегося в instant.
func (s *SchedulingService) SlotCapacityAt(
	ctx context.Context,
	providerID uuid.UUID,
	instant time.Time,
	ch model.Channel,
) (SlotCapacity, error) {
	p, err := s.loadProvider(ctx, s.store, providerID)
	if err != nil {
		return SlotCapacity{}, err
	}

	instant = normalizeInstant(instant)
	local := instant.In(p.Location())
	day, err := s.loadDay(ctx, s.store, p, local)
	if err != nil {
		return SlotCapacity{}, err
	}

	res := SlotCapacity{Instant: instant}
	if day.blockingAbsence(local, ch) != nil {
		res.Blocked = true
		return res, nil
	}
	res.Capacity, res.Fallback = slotCapacityAt(local, day.windows, s.policy.FallbackSlotCapacity)
	return res, nil
}
