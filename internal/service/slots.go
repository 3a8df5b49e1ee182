package service

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/repository"
)

// Slot: один слот расписания с занятостью.
type Slot struct {
	Start     time.Time
	End       time.Time
	Occupied  int
	Capacity  int
	Available int
	IsFull    bool
	// Слот уже начался (только в дневном представлении для персонала).
	IsExpired bool
	// Слот сверх расписания для живой очереди: ёмкость не ограничена,
	// Capacity и Available равны нулю.
	IsOverflow bool
}

// SlotQuery: параметры перечисления слотов.
type SlotQuery struct {
	ProviderID uuid.UUID
	// Нулевой From: "сейчас", нулевой To: конец окна видимости провайдера.
	From time.Time
	To   time.Time
	// По умолчанию self_service.
	Channel model.Channel
	// Пропускать заполненные слоты.
	OnlyAvailable bool
}

// Availability: слоты и даты, закрытые только для онлайн-записи.
type Availability struct {
	Slots        []Slot
	BlockedDates []time.Time
}

type enumOptions struct {
	channel      model.Channel
	notBefore    time.Time
	notAfter     time.Time
	minAvailable int
}

// enumerate лениво обходит дни [fromDate, toDate] и выдаёт слоты по порядку.
// Занятость читается по одному дню, поэтому ранний выход из цикла экономит запросы.
func (s *SchedulingService) enumerate(
	ctx context.Context,
	st *repository.Store,
	p *model.Provider,
	fromDate, toDate time.Time,
	opts enumOptions,
) iter.Seq2[Slot, error] {
	return func(yield func(Slot, error) bool) {
		all, err := st.Availability.ListByProvider(ctx, p.ID)
		if err != nil {
			yield(Slot{}, fmt.Errorf("list availability: %w", err))
			return
		}
		byWeekday := make(map[calendar.Weekday][]model.AvailabilityWindow)
		for _, w := range all {
			if w.IsActive {
				byWeekday[w.Weekday] = append(byWeekday[w.Weekday], w)
			}
		}

		first, last := calendar.CivilDate(fromDate), calendar.CivilDate(toDate)
		absences, err := st.Absences.ListActiveOverlapping(ctx, p.ID, first, last)
		if err != nil {
			yield(Slot{}, fmt.Errorf("list absences: %w", err))
			return
		}

		loc := p.Location()
		for date := first; !date.After(last); date = date.AddDate(0, 0, 1) {
			if err := ctx.Err(); err != nil {
				yield(Slot{}, err)
				return
			}

			day := dayContext{
				provider: p,
				loc:      loc,
				date:     date,
				windows:  byWeekday[calendar.ToCanonicalWeekday(date)],
				absences: absences,
			}
			if len(day.windows) == 0 || day.fullDayBlock(opts.channel) != nil {
				continue
			}

			bounds := calendar.DayBounds(date, loc)
			occ, err := st.Bookings.OccupancyBetween(ctx, p.ID, bounds.Start, bounds.End)
			if err != nil {
				yield(Slot{}, fmt.Errorf("load occupancy: %w", err))
				return
			}

			for _, slot := range buildDaySlots(day, occ, opts.channel) {
				if slot.Start.Before(opts.notBefore) {
					continue
				}
				if !opts.notAfter.IsZero() && !slot.Start.Before(opts.notAfter) {
					return
				}
				if slot.Available < opts.minAvailable {
					continue
				}
				if !yield(slot, nil) {
					return
				}
			}
		}
	}
}

// buildDaySlots нарезает окна дня на слоты. Слоты разных окон с одинаковым
// началом объединяются, их ёмкости складываются.
func buildDaySlots(day dayContext, occ map[int64]int, ch model.Channel) []Slot {
	byStart := make(map[int64]*Slot)
	for i := range day.windows {
		w := &day.windows[i]
		for _, tr := range w.SlotStarts(day.date, day.loc) {
			if day.blockingAbsence(tr.Start, ch) != nil {
				continue
			}
			key := tr.Start.Unix()
			if slot, ok := byStart[key]; ok {
				slot.Capacity += w.MaxPeoplePerSlot
				if tr.End.After(slot.End) {
					slot.End = tr.End.UTC()
				}
				continue
			}
			byStart[key] = &Slot{
				Start:    tr.Start.UTC(),
				End:      tr.End.UTC(),
				Capacity: w.MaxPeoplePerSlot,
			}
		}
	}

	slots := make([]Slot, 0, len(byStart))
	for key, slot := range byStart {
		slot.Occupied = occ[key]
		slot.Available = max(slot.Capacity-slot.Occupied, 0)
		slot.IsFull = slot.Capacity-slot.Occupied <= 0
		slots = append(slots, *slot)
	}
	slices.SortFunc(slots, func(a, b Slot) int { return a.Start.Compare(b.Start) })
	return slots
}

// Slots перечисляет слоты провайдера в пределах окна видимости.
// Последовательность перезапускаемая: каждый обход заново читает данные.
func (s *SchedulingService) Slots(ctx context.Context, q SlotQuery) iter.Seq2[Slot, error] {
	return func(yield func(Slot, error) bool) {
		p, err := s.loadProvider(ctx, s.store, q.ProviderID)
		if err != nil {
			yield(Slot{}, err)
			return
		}

		ch := q.Channel
		if ch == "" {
			ch = model.ChannelSelfService
		}
		if ch == model.ChannelSelfService && !p.DigitalBookingActive {
			return
		}

		tr, ok := s.queryRange(p, q)
		if !ok {
			return
		}

		notBefore := s.now()
		if ch == model.ChannelSelfService {
			notBefore = notBefore.Add(p.Cutoff())
		}
		if tr.Start.After(notBefore) {
			notBefore = tr.Start
		}

		opts := enumOptions{channel: ch, notBefore: notBefore, notAfter: tr.End}
		if q.OnlyAvailable {
			opts.minAvailable = 1
		}
		for slot, err := range s.enumerate(ctx, s.store, p, tr.Start, tr.End, opts) {
			if !yield(slot, err) || err != nil {
				return
			}
		}
	}
}

// queryRange приводит запрошенный интервал к окну видимости провайдера, в его поясе.
func (s *SchedulingService) queryRange(p *model.Provider, q SlotQuery) (calendar.TimeRange, bool) {
	now := s.now()
	horizonEnd := now.Add(p.VisibilityHorizon())

	from := q.From
	if from.IsZero() || from.Before(now) {
		from = now
	}
	to := q.To
	if to.IsZero() || to.After(horizonEnd) {
		to = horizonEnd
	}
	if !to.After(from) {
		return calendar.TimeRange{}, false
	}

	tr, err := calendar.NormalizeTimeRange(from, to, p.Location(), horizonEnd.Sub(from))
	if err != nil {
		return calendar.TimeRange{}, false
	}
	return tr, true
}

// ListAvailability собирает слоты и даты, закрытые онлайн-блокировкой на весь день.
func (s *SchedulingService) ListAvailability(ctx context.Context, q SlotQuery) (Availability, error) {
	var res Availability
	for slot, err := range s.Slots(ctx, q) {
		if err != nil {
			return Availability{}, err
		}
		res.Slots = append(res.Slots, slot)
	}

	p, err := s.loadProvider(ctx, s.store, q.ProviderID)
	if err != nil {
		return Availability{}, err
	}
	if !p.DigitalBookingActive {
		return res, nil
	}
	tr, ok := s.queryRange(p, q)
	if !ok {
		return res, nil
	}

	absences, err := s.store.Absences.ListActiveOverlapping(ctx, p.ID, tr.Start, tr.End)
	if err != nil {
		return Availability{}, fmt.Errorf("list absences: %w", err)
	}
	last := calendar.CivilDate(tr.End)
	for date := calendar.CivilDate(tr.Start); !date.After(last); date = date.AddDate(0, 0, 1) {
		for i := range absences {
			a := &absences[i]
			if a.Type == model.AbsenceTypeDigitalBlock && a.IsFullDay() && a.CoversDate(date) {
				res.BlockedDates = append(res.BlockedDates, date)
				break
			}
		}
	}
	return res, nil
}

// DaySlots: дневное расписание для персонала: онлайн-блокировки не учитываются,
// прошедшие слоты помечены, при разрешённом переборе в конце есть слот живой очереди.
func (s *SchedulingService) DaySlots(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Slot, error) {
	p, err := s.loadProvider(ctx, s.store, providerID)
	if err != nil {
		return nil, err
	}
	loc := p.Location()
	local := calendar.At(date, 0, loc)

	day, err := s.loadDay(ctx, s.store, p, local)
	if err != nil {
		return nil, err
	}
	if day.fullDayBlock(model.ChannelInPerson) != nil {
		return []Slot{}, nil
	}

	bounds := calendar.DayBounds(day.date, loc)
	occ, err := s.store.Bookings.OccupancyBetween(ctx, p.ID, bounds.Start, bounds.End)
	if err != nil {
		return nil, fmt.Errorf("load occupancy: %w", err)
	}

	now := s.now()
	slots := buildDaySlots(day, occ, model.ChannelInPerson)
	for i := range slots {
		slots[i].IsExpired = slots[i].Start.Before(now)
	}

	today := calendar.CivilDate(now.In(loc))
	if p.AllowOverbooking && len(slots) > 0 && !day.date.Before(today) {
		lastEnd := slots[0].End
		for _, sl := range slots {
			if sl.End.After(lastEnd) {
				lastEnd = sl.End
			}
		}
		step, _ := slotStep(slots[len(slots)-1].Start.In(loc), day.windows)
		slots = append(slots, Slot{
			Start:      lastEnd,
			End:        lastEnd.Add(step),
			Occupied:   occ[lastEnd.Unix()],
			IsOverflow: true,
		})
	}
	return slots, nil
}

// SuggestSlots ищет до count свободных моментов начиная со дня после afterDate.
func (s *SchedulingService) SuggestSlots(ctx context.Context, providerID uuid.UUID, afterDate time.Time, count int) ([]time.Time, error) {
	p, err := s.loadProvider(ctx, s.store, providerID)
	if err != nil {
		return nil, err
	}
	return s.suggest(ctx, s.store, p, afterDate, count)
}

// suggest: поиск кандидатов для переноса: те же фильтры, что у онлайн-записи,
// кроме главного выключателя; горизонт: SuggestionLookaheadDays дней.
func (s *SchedulingService) suggest(
	ctx context.Context,
	st *repository.Store,
	p *model.Provider,
	afterDate time.Time,
	count int,
) ([]time.Time, error) {
	if count <= 0 {
		return nil, nil
	}

	now := s.now()
	loc := p.Location()
	start := calendar.CivilDate(afterDate).AddDate(0, 0, 1)
	if today := calendar.CivilDate(now.In(loc)); start.Before(today) {
		start = today
	}
	end := start.AddDate(0, 0, s.policy.SuggestionLookaheadDays-1)

	opts := enumOptions{
		channel:      model.ChannelSelfService,
		notBefore:    now.Add(p.Cutoff()),
		minAvailable: 1,
	}

	out := make([]time.Time, 0, count)
	for slot, err := range s.enumerate(ctx, st, p, start, end, opts) {
		if err != nil {
			return nil, err
		}
		out = append(out, slot.Start)
		if len(out) == count {
			break
		}
	}
	return out, nil
}
