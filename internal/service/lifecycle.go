package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/notify"
)

// transition: переход статуса записи по таблице разрешённых исходных статусов.
// Строка меняется условным UPDATE: параллельный переход даст concurrently_changed.
type transition struct {
	from   []model.BookingStatus
	to     model.BookingStatus
	fields map[string]any
}

var (
	confirmTransition = transition{
		from: []model.BookingStatus{model.BookingStatusPending},
		to:   model.BookingStatusConfirmed,
	}
	startTransition = transition{
		from: []model.BookingStatus{model.BookingStatusConfirmed},
		to:   model.BookingStatusInProgress,
	}
	completeTransition = transition{
		from: []model.BookingStatus{model.BookingStatusConfirmed, model.BookingStatusInProgress},
		to:   model.BookingStatusCompleted,
	}
	noShowTransition = transition{
		from: []model.BookingStatus{model.BookingStatusConfirmed},
		to:   model.BookingStatusNoShow,
	}
	cancelTransition = transition{
		from: []model.BookingStatus{
			model.BookingStatusPending,
			model.BookingStatusConfirmed,
			model.BookingStatusReschedulingPending,
		},
		to: model.BookingStatusCancelled,
	}
	// Клиника может отменить и начавшийся приём.
	clinicCancelTransition = transition{
		from: append(slices.Clone(cancelTransition.from), model.BookingStatusInProgress),
		to:   model.BookingStatusCancelled,
	}
)

func (s *SchedulingService) apply(ctx context.Context, b *model.Booking, t transition) error {
	if !slices.Contains(t.from, b.Status) {
		return reject(KindBusinessRule, CodeInvalidTransition,
			"cannot move booking from %s to %s", b.Status, t.to)
	}
	ok, err := s.store.Bookings.Transition(ctx, b.ID, t.from, t.to, t.fields)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if !ok {
		return reject(KindConcurrency, CodeConcurrentlyChanged, "booking was changed concurrently, reload and retry")
	}
	b.Status = t.to
	return nil
}

// Confirm: провайдер одобряет ожидающую запись.
func (s *SchedulingService) Confirm(ctx context.Context, bookingID uuid.UUID, actorID *uuid.UUID) (*model.Booking, error) {
	b, p, err := s.bookingWithProvider(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, b, confirmTransition); err != nil {
		return nil, err
	}

	loc := p.Location()
	s.record(ctx, actorID, p.ID, model.ActivityBookingApproved,
		fmt.Sprintf("booking at %s approved", formatInstant(b.StartsAt, loc)), &b.ID)
	s.notifyRequester(ctx, b, notify.EventBookingConfirmed,
		fmt.Sprintf("Your appointment with %s on %s is confirmed", p.DisplayName, formatInstant(b.StartsAt, loc)))
	return b, nil
}

// Start: приём начался. Не раньше дня записи.
func (s *SchedulingService) Start(ctx context.Context, bookingID uuid.UUID, actorID *uuid.UUID) (*model.Booking, error) {
	b, p, err := s.bookingWithProvider(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	loc := p.Location()
	dayStart := calendar.DayBounds(calendar.CivilDate(b.StartsAt.In(loc)), loc).Start
	if s.now().Before(dayStart) {
		return nil, reject(KindBusinessRule, CodeTooEarly,
			"the appointment is on %s and cannot be started earlier", dayStart.Format(time.DateOnly))
	}
	if err := s.apply(ctx, b, startTransition); err != nil {
		return nil, err
	}

	s.record(ctx, actorID, p.ID, model.ActivityExamStarted,
		fmt.Sprintf("appointment at %s started", formatInstant(b.StartsAt, loc)), &b.ID)
	return b, nil
}

// Complete: приём завершён.
func (s *SchedulingService) Complete(ctx context.Context, bookingID uuid.UUID, actorID *uuid.UUID) (*model.Booking, error) {
	b, p, err := s.bookingWithProvider(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, b, completeTransition); err != nil {
		return nil, err
	}

	loc := p.Location()
	s.record(ctx, actorID, p.ID, model.ActivityExamCompleted,
		fmt.Sprintf("appointment at %s completed", formatInstant(b.StartsAt, loc)), &b.ID)
	s.notifyRequester(ctx, b, notify.EventBookingCompleted,
		fmt.Sprintf("Your appointment with %s is completed", p.DisplayName))
	return b, nil
}

// MarkNoShow: пациент не пришёл. Место в слоте остаётся занятым.
func (s *SchedulingService) MarkNoShow(ctx context.Context, bookingID uuid.UUID, actorID *uuid.UUID) (*model.Booking, error) {
	b, p, err := s.bookingWithProvider(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, b, noShowTransition); err != nil {
		return nil, err
	}

	loc := p.Location()
	s.record(ctx, actorID, p.ID, model.ActivityNoShow,
		fmt.Sprintf("no show at %s", formatInstant(b.StartsAt, loc)), &b.ID)
	s.notifyRequester(ctx, b, notify.EventBookingNoShow,
		fmt.Sprintf("You missed your appointment with %s on %s", p.DisplayName, formatInstant(b.StartsAt, loc)))
	return b, nil
}

// CancelByClinic: отмена со стороны клиники, освобождает место.
func (s *SchedulingService) CancelByClinic(ctx context.Context, bookingID uuid.UUID, actorID *uuid.UUID, reason string) (*model.Booking, error) {
	b, p, err := s.bookingWithProvider(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by clinic"
	}
	if err := s.cancel(ctx, b, clinicCancelTransition, reason); err != nil {
		return nil, err
	}

	loc := p.Location()
	s.record(ctx, actorID, p.ID, model.ActivityBookingCancelled,
		fmt.Sprintf("booking at %s cancelled by clinic: %s", formatInstant(b.StartsAt, loc), reason), &b.ID)
	s.notifyRequester(ctx, b, notify.EventBookingCancelled,
		fmt.Sprintf("Your appointment with %s on %s was cancelled: %s", p.DisplayName, formatInstant(b.StartsAt, loc), reason))
	return b, nil
}

// CancelByRequester: пациент отменяет свою запись.
func (s *SchedulingService) CancelByRequester(ctx context.Context, bookingID, requesterID uuid.UUID, reason string) (*model.Booking, error) {
	b, p, err := s.bookingWithProvider(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.BelongsTo(requesterID) {
		return nil, reject(KindBusinessRule, CodeNotOwner, "this booking belongs to another requester")
	}
	if reason == "" {
		reason = "cancelled by requester"
	}
	if err := s.cancel(ctx, b, cancelTransition, reason); err != nil {
		return nil, err
	}

	loc := p.Location()
	s.record(ctx, &requesterID, p.ID, model.ActivityBookingCancelled,
		fmt.Sprintf("booking at %s cancelled by requester", formatInstant(b.StartsAt, loc)), &b.ID)
	s.deliver(ctx, notify.Notification{
		RecipientKind: notify.RecipientProvider,
		RecipientID:   p.ID,
		Event:         notify.EventBookingCancelled,
		Message:       fmt.Sprintf("Booking at %s was cancelled by the patient", formatInstant(b.StartsAt, loc)),
		RelatedID:     &b.ID,
	})
	return b, nil
}

func (s *SchedulingService) cancel(ctx context.Context, b *model.Booking, t transition, reason string) error {
	now := s.now()
	t.fields = map[string]any{
		"cancellation_reason": reason,
		"cancelled_at":        now,
	}
	if err := s.apply(ctx, b, t); err != nil {
		return err
	}
	b.CancellationReason = reason
	b.CancelledAt = &now
	return nil
}

func (s *SchedulingService) bookingWithProvider(ctx context.Context, bookingID uuid.UUID) (*model.Booking, *model.Provider, error) {
	b, err := s.loadBooking(ctx, s.store, bookingID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.loadProvider(ctx, s.store, b.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	return b, p, nil
}

func (s *SchedulingService) notifyRequester(ctx context.Context, b *model.Booking, event notify.Event, msg string) {
	if b.RequesterID == nil {
		return
	}
	s.deliver(ctx, notify.Notification{
		RecipientKind: notify.RecipientRequester,
		RecipientID:   *b.RequesterID,
		Event:         event,
		Message:       msg,
		RelatedID:     &b.ID,
	})
}
