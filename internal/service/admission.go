package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/lock"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/notify"
	"github.com/Leganyst/clinic-scheduler/internal/repository"
)

// AdmitRequest: низкоуровневый запрос на место в одном слоте.
type AdmitRequest struct {
	ProviderID  uuid.UUID
	RequesterID *uuid.UUID
	Instant     time.Time
	PartySize   int
	// Запись, которую не учитывать в занятости слота.
	ExcludingBookingID *uuid.UUID
	// Исходная запись, если это перенос.
	RescheduledFromID *uuid.UUID

	// Пустые значения: Confirmed и in_person.
	Status  model.BookingStatus
	Channel model.Channel
	Notes   string
}

// BookingRequest: запрос на запись от пациента или от персонала.
type BookingRequest struct {
	ProviderID  uuid.UUID
	RequesterID *uuid.UUID
	Instant     time.Time
	PartySize   int
	Notes       string
	ActorID     *uuid.UUID
}

// WalkInRequest: пациент живой очереди без учётной записи.
type WalkInRequest struct {
	ProviderID uuid.UUID
	// Нулевое значение: "сейчас".
	Instant   time.Time
	PartySize int
	Name      string
	Notes     string
	ActorID   *uuid.UUID
}

// TryAdmit атомарно проверяет ёмкость слота и создаёт запись.
// Занятость читается и запись создаётся под блокировкой (провайдер, момент).
func (s *SchedulingService) TryAdmit(ctx context.Context, req AdmitRequest) (*model.Booking, error) {
	if req.PartySize < 1 {
		return nil, reject(KindValidation, CodeInvalidPartySize, "party size must be at least 1")
	}
	p, err := s.loadProvider(ctx, s.store, req.ProviderID)
	if err != nil {
		return nil, err
	}
	instant := normalizeInstant(req.Instant)
	local := instant.In(p.Location())

	var booking *model.Booking
	err = s.lockedTx(ctx, admissionKeys(p.ID, instant, calendar.CivilDate(local)), func(tx *repository.Store) error {
		day, err := s.loadDay(ctx, tx, p, local)
		if err != nil {
			return err
		}
		if offGrid(local, day.windows) {
			return offGridRejection(local)
		}
		booking, err = s.admitLocked(ctx, tx, day, instant, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// admissionKeys: слот и день провайдера. Дневной ключ общий с живой очередью,
// так дневной лимит не обходится параллельной записью.
func admissionKeys(providerID uuid.UUID, instant, date time.Time) []lock.Key {
	return []lock.Key{lock.SlotKey(providerID, instant), lock.ProviderDayKey(providerID, date)}
}

func offGridRejection(local time.Time) *Rejection {
	return reject(KindValidation, CodeOffGridInstant, "%s is not the start of a time slot", local.Format("15:04"))
}

// admitLocked: проверка ёмкости и создание записи. Вызывающий уже держит блокировку слота.
func (s *SchedulingService) admitLocked(
	ctx context.Context,
	tx *repository.Store,
	day dayContext,
	instant time.Time,
	req AdmitRequest,
) (*model.Booking, error) {
	occupied, err := tx.Bookings.SumOccupancy(ctx, day.provider.ID, instant, req.ExcludingBookingID)
	if err != nil {
		return nil, fmt.Errorf("sum occupancy: %w", err)
	}
	capacity, _ := slotCapacityAt(instant.In(day.loc), day.windows, s.policy.FallbackSlotCapacity)
	if req.PartySize > capacity-occupied {
		return nil, capacityRejection(occupied, capacity, req.PartySize)
	}

	b := &model.Booking{
		ProviderID:  day.provider.ID,
		RequesterID: req.RequesterID,
		StartsAt:    instant,
		PartySize:   req.PartySize,
		Status:      req.Status,
		Channel:     req.Channel,
		Notes:       req.Notes,

		RescheduledFromID: req.RescheduledFromID,
	}
	if b.Status == "" {
		b.Status = model.BookingStatusConfirmed
	}
	if b.Channel == "" {
		b.Channel = model.ChannelInPerson
	}
	if err := tx.Bookings.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	return b, nil
}

// checkRequestGates: проверки запроса до ёмкости, по порядку, до первого отказа.
// Правило "одна запись в день" проверяется позже, под блокировкой.
func (s *SchedulingService) checkRequestGates(
	day dayContext,
	instant time.Time,
	partySize, maxParty int,
	ch model.Channel,
) error {
	if partySize < 1 || partySize > maxParty {
		return reject(KindValidation, CodeInvalidPartySize, "party size must be between 1 and %d", maxParty)
	}

	now := s.now()
	if !instant.After(now) {
		return reject(KindValidation, CodeNotInFuture, "booking time must be in the future")
	}
	if instant.After(now.AddDate(0, 0, s.policy.MaxAdvanceDays)) {
		return reject(KindValidation, CodeTooFarAhead, "bookings are accepted at most %d days ahead", s.policy.MaxAdvanceDays)
	}
	if local := instant.In(day.loc); offGrid(local, day.windows) {
		return offGridRejection(local)
	}

	if a := day.blockingAbsence(instant.In(day.loc), ch); a != nil {
		return reject(KindBusinessRule, CodeAbsenceConflict, "the provider is not available at this time")
	}
	return nil
}

// checkOnePerDay: у пациента не больше одной активной записи к провайдеру в день.
func (s *SchedulingService) checkOnePerDay(ctx context.Context, tx *repository.Store, day dayContext, requesterID uuid.UUID) error {
	bounds := calendar.DayBounds(day.date, day.loc)
	exists, err := tx.Bookings.HasActiveForRequester(ctx, day.provider.ID, requesterID, bounds.Start, bounds.End)
	if err != nil {
		return fmt.Errorf("check active bookings: %w", err)
	}
	if exists {
		return reject(KindBusinessRule, CodeDuplicateActive,
			"you already have an active booking with this provider on %s", day.date.Format(time.DateOnly))
	}
	return nil
}

// Book: запись через персонал: общий лимит группы, один слот, сразу подтверждена.
func (s *SchedulingService) Book(ctx context.Context, req BookingRequest) (*model.Booking, error) {
	p, err := s.loadProvider(ctx, s.store, req.ProviderID)
	if err != nil {
		return nil, err
	}
	instant := normalizeInstant(req.Instant)
	day, err := s.loadDay(ctx, s.store, p, instant.In(p.Location()))
	if err != nil {
		return nil, err
	}
	if err := s.checkRequestGates(day, instant, req.PartySize, s.policy.MaxPartySize, model.ChannelInPerson); err != nil {
		return nil, err
	}

	keys := admissionKeys(p.ID, instant, day.date)
	if req.RequesterID != nil {
		keys = append(keys, lock.RequesterDayKey(p.ID, *req.RequesterID, day.date))
	}

	var booking *model.Booking
	err = s.lockedTx(ctx, keys, func(tx *repository.Store) error {
		if req.RequesterID != nil {
			if err := s.checkOnePerDay(ctx, tx, day, *req.RequesterID); err != nil {
				return err
			}
		}
		var err error
		booking, err = s.admitLocked(ctx, tx, day, instant, AdmitRequest{
			ProviderID:  p.ID,
			RequesterID: req.RequesterID,
			PartySize:   req.PartySize,
			Status:      model.BookingStatusConfirmed,
			Channel:     model.ChannelInPerson,
			Notes:       req.Notes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, req.ActorID, p.ID, model.ActivityBookingCreated,
		fmt.Sprintf("booking for %d at %s created by staff", booking.PartySize, formatInstant(booking.StartsAt, day.loc)),
		&booking.ID)
	if booking.RequesterID != nil {
		s.deliver(ctx, notify.Notification{
			RecipientKind: notify.RecipientRequester,
			RecipientID:   *booking.RequesterID,
			Event:         notify.EventBookingConfirmed,
			Message:       fmt.Sprintf("Your appointment with %s is confirmed for %s", p.DisplayName, formatInstant(booking.StartsAt, day.loc)),
			RelatedID:     &booking.ID,
		})
	}
	return booking, nil
}

// splitPart: часть группы, помещённая в один слот.
type splitPart struct {
	instant time.Time
	people  int
}

// RequestBooking: самозапись пациента. Если группа не помещается в слот,
// остаток раскладывается по следующим слотам того же окна; всё или ничего.
func (s *SchedulingService) RequestBooking(ctx context.Context, req BookingRequest) ([]model.Booking, error) {
	if req.RequesterID == nil {
		return nil, reject(KindValidation, CodeRequesterRequired, "requester is required for self-service booking")
	}
	p, err := s.loadProvider(ctx, s.store, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if !p.DigitalBookingActive {
		return nil, reject(KindBusinessRule, CodeDigitalDisabled, "online booking is disabled for this provider")
	}

	instant := normalizeInstant(req.Instant)
	local := instant.In(p.Location())
	day, err := s.loadDay(ctx, s.store, p, local)
	if err != nil {
		return nil, err
	}
	if err := s.checkRequestGates(day, instant, req.PartySize, s.policy.SelfServiceMaxPartySize, model.ChannelSelfService); err != nil {
		return nil, err
	}
	if instant.Before(s.now().Add(p.Cutoff())) {
		return nil, reject(KindBusinessRule, CodeCutoffPassed,
			"online booking closes %d hours before the appointment", p.BookingCutoffHours)
	}

	candidates := s.splitCandidates(day, local)
	keys := []lock.Key{
		lock.RequesterDayKey(p.ID, *req.RequesterID, day.date),
		lock.ProviderDayKey(p.ID, day.date),
	}
	for _, c := range candidates {
		keys = append(keys, lock.SlotKey(p.ID, c))
	}

	status := model.BookingStatusPending
	if p.AutoApproveBookings {
		status = model.BookingStatusConfirmed
	}

	var created []model.Booking
	err = s.lockedTx(ctx, keys, func(tx *repository.Store) error {
		if err := s.checkOnePerDay(ctx, tx, day, *req.RequesterID); err != nil {
			return err
		}

		parts, err := s.planSplit(ctx, tx, day, candidates, req.PartySize)
		if err != nil {
			return err
		}

		var group *uuid.UUID
		if len(parts) > 1 {
			group = ptr(uuid.New())
		}
		for _, part := range parts {
			b := model.Booking{
				ProviderID:  p.ID,
				RequesterID: req.RequesterID,
				StartsAt:    part.instant,
				PartySize:   part.people,
				Status:      status,
				Channel:     model.ChannelSelfService,
				Notes:       req.Notes,
				GroupID:     group,
			}
			if err := tx.Bookings.Create(ctx, &b); err != nil {
				return fmt.Errorf("create booking: %w", err)
			}
			created = append(created, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	main := created[0]
	desc := fmt.Sprintf("booking for %d at %s requested online", req.PartySize, formatInstant(main.StartsAt, day.loc))
	if len(created) > 1 {
		desc += fmt.Sprintf(", split across %d slots", len(created))
	}
	s.record(ctx, req.RequesterID, p.ID, model.ActivityBookingCreated, desc, &main.ID)

	event := notify.EventBookingRequested
	if status == model.BookingStatusConfirmed {
		event = notify.EventBookingConfirmed
	}
	s.deliver(ctx,
		notify.Notification{
			RecipientKind: notify.RecipientProvider,
			RecipientID:   p.ID,
			Event:         notify.EventBookingRequested,
			Message:       "New booking request: " + desc,
			RelatedID:     &main.ID,
		},
		notify.Notification{
			RecipientKind: notify.RecipientRequester,
			RecipientID:   *req.RequesterID,
			Event:         event,
			Message:       fmt.Sprintf("Your booking with %s at %s", p.DisplayName, formatParts(created, day.loc)),
			RelatedID:     &main.ID,
		},
	)
	return created, nil
}

// splitCandidates: момент запроса и до OverflowSlotSteps следующих слотов того же окна.
// Следующие слоты должны лежать в сетке окна, в тот же день и вне отсутствий.
func (s *SchedulingService) splitCandidates(day dayContext, local time.Time) []time.Time {
	out := []time.Time{local.UTC()}

	step, ok := slotStep(local, day.windows)
	if !ok {
		return out
	}
	cutoff := s.now().Add(day.provider.Cutoff())
	for k := 1; k <= s.policy.OverflowSlotSteps; k++ {
		next := local.Add(time.Duration(k) * step)
		if !calendar.SameDate(next, local) {
			break
		}
		if !onAnyGrid(next, day.windows) {
			continue
		}
		if day.blockingAbsence(next, model.ChannelSelfService) != nil || next.Before(cutoff) {
			continue
		}
		out = append(out, next.UTC())
	}
	return out
}

// planSplit распределяет группу по кандидатам. Ничего не пишет.
func (s *SchedulingService) planSplit(
	ctx context.Context,
	tx *repository.Store,
	day dayContext,
	candidates []time.Time,
	party int,
) ([]splitPart, error) {
	var (
		parts     []splitPart
		remaining = party
		first     struct{ occupied, capacity int }
	)
	for i, c := range candidates {
		occupied, err := tx.Bookings.SumOccupancy(ctx, day.provider.ID, c, nil)
		if err != nil {
			return nil, fmt.Errorf("sum occupancy: %w", err)
		}
		capacity, _ := slotCapacityAt(c.In(day.loc), day.windows, s.policy.FallbackSlotCapacity)
		if i == 0 {
			first.occupied, first.capacity = occupied, capacity
		}

		free := capacity - occupied
		if free <= 0 {
			continue
		}
		take := min(remaining, free)
		parts = append(parts, splitPart{instant: c, people: take})
		remaining -= take
		if remaining == 0 {
			return parts, nil
		}
	}

	found := party - remaining
	if found == 0 {
		return nil, capacityRejection(first.occupied, first.capacity, party)
	}
	return nil, &Rejection{
		Kind:      KindBusinessRule,
		Code:      CodeInsufficientSpace,
		Message:   fmt.Sprintf("only %d spots available in the next slots, %d requested", found, party),
		Occupied:  first.occupied,
		Capacity:  first.capacity,
		Available: found,
		Requested: party,
	}
}

// AdmitWalkIn: пациент живой очереди. Онлайн-блокировки и правило "в будущем"
// не действуют; действуют отсутствия и дневной лимит, если перебор запрещён.
func (s *SchedulingService) AdmitWalkIn(ctx context.Context, req WalkInRequest) (*model.Booking, error) {
	if req.PartySize < 1 || req.PartySize > s.policy.MaxPartySize {
		return nil, reject(KindValidation, CodeInvalidPartySize, "party size must be between 1 and %d", s.policy.MaxPartySize)
	}
	p, err := s.loadProvider(ctx, s.store, req.ProviderID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	instant := req.Instant
	if instant.IsZero() {
		instant = now
	}
	instant = normalizeInstant(instant)
	local := instant.In(p.Location())

	day, err := s.loadDay(ctx, s.store, p, local)
	if err != nil {
		return nil, err
	}
	if day.blockingAbsence(local, model.ChannelInPerson) != nil {
		return nil, reject(KindBusinessRule, CodeAbsenceConflict, "the provider is absent on %s", day.date.Format(time.DateOnly))
	}

	dc := computeDayCapacity(local, day.windows, false)
	if len(day.windows) == 0 {
		return nil, reject(KindBusinessRule, CodeNoWorkingHours,
			"the provider does not work on %s (%s)", dc.Weekday, day.date.Format(time.DateOnly))
	}
	if dc.DailyCapacity == 0 {
		return nil, reject(KindBusinessRule, CodeNoWorkingHours, "no capacity configured for this day")
	}

	lastRegular := calendar.At(day.date, dc.LastRegularEnd, day.loc)
	overflow := !local.Before(lastRegular)
	if !overflow && instant.Before(normalizeInstant(now)) {
		return nil, reject(KindBusinessRule, CodeSlotInPast, "cannot book an expired time slot")
	}

	var booking *model.Booking
	err = s.lockedTx(ctx, []lock.Key{lock.ProviderDayKey(p.ID, day.date)}, func(tx *repository.Store) error {
		bounds := calendar.DayBounds(day.date, day.loc)
		total, err := tx.Bookings.SumPartyBetween(ctx, p.ID, bounds.Start, bounds.End)
		if err != nil {
			return fmt.Errorf("sum day occupancy: %w", err)
		}
		if total+req.PartySize > dc.DailyCapacity && !p.AllowOverbooking {
			return &Rejection{
				Kind:      KindBusinessRule,
				Code:      CodeDailyLimitReached,
				Message:   fmt.Sprintf("daily limit reached (%d patients), overbooking is disabled", dc.DailyCapacity),
				Occupied:  total,
				Capacity:  dc.DailyCapacity,
				Available: max(dc.DailyCapacity-total, 0),
				Requested: req.PartySize,
			}
		}

		booking = &model.Booking{
			ProviderID: p.ID,
			StartsAt:   instant,
			PartySize:  req.PartySize,
			Status:     model.BookingStatusConfirmed,
			Channel:    model.ChannelInPerson,
			IsWalkIn:   true,
			IsOverflow: overflow,
			WalkInName: req.Name,
			Notes:      req.Notes,
		}
		if err := tx.Bookings.Create(ctx, booking); err != nil {
			return fmt.Errorf("create walk-in: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, req.ActorID, p.ID, model.ActivityWalkInAdded,
		fmt.Sprintf("walk-in patient %q added at %s", req.Name, formatInstant(instant, day.loc)), &booking.ID)
	return booking, nil
}

func formatInstant(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04")
}

func formatParts(bookings []model.Booking, loc *time.Location) string {
	if len(bookings) == 1 {
		return formatInstant(bookings[0].StartsAt, loc)
	}
	out := bookings[0].StartsAt.In(loc).Format("2006-01-02") + " at "
	for i, b := range bookings {
		if i > 0 {
			out += ", "
		}
		out += b.StartsAt.In(loc).Format("15:04")
	}
	return out
}
