package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/lock"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/notify"
	"github.com/Leganyst/clinic-scheduler/internal/repository"
)

// DeclareAbsenceRequest: отсутствие провайдера. Даты берутся в его поясе.
type DeclareAbsenceRequest struct {
	ProviderID uuid.UUID
	ActorID    *uuid.UUID

	StartDate time.Time
	EndDate   time.Time
	// Смещения от полуночи; оба nil: весь день.
	StartTime *time.Duration
	EndTime   *time.Duration

	Type             model.AbsenceType
	Reason           string
	SuggestionExpiry model.SuggestionExpiry

	// Сразу отменить попавшие записи и разослать предложения о переносе.
	AutoProcess bool
}

// AbsenceResult: итог объявления отсутствия.
type AbsenceResult struct {
	Absence   *model.AbsenceWindow
	Cancelled []model.Booking
	Offers    []model.RescheduleOffer
}

// conflictStatuses: какие записи снимаются отсутствием.
var conflictStatuses = []model.BookingStatus{model.BookingStatusConfirmed, model.BookingStatusPending}

func (r DeclareAbsenceRequest) window() *model.AbsenceWindow {
	a := &model.AbsenceWindow{
		ProviderID:       r.ProviderID,
		StartDate:        datatypes.Date(calendar.CivilDate(r.StartDate)),
		EndDate:          datatypes.Date(calendar.CivilDate(r.EndDate)),
		Type:             r.Type,
		Status:           model.AbsenceStatusActive,
		Reason:           r.Reason,
		SuggestionExpiry: r.SuggestionExpiry,
	}
	if a.Type == "" {
		a.Type = model.AbsenceTypeAbsence
	}
	if a.SuggestionExpiry == "" {
		a.SuggestionExpiry = model.SuggestionExpiryTwoDays
	}
	if r.StartTime != nil {
		a.StartTime = ptr(datatypes.Time(*r.StartTime))
	}
	if r.EndTime != nil {
		a.EndTime = ptr(datatypes.Time(*r.EndTime))
	}
	return a
}

// findConflicts: записи в статусах conflictStatuses, попавшие в отсутствие.
func findConflicts(
	ctx context.Context,
	st *repository.Store,
	p *model.Provider,
	a *model.AbsenceWindow,
) ([]model.Booking, error) {
	loc := p.Location()
	from := calendar.At(time.Time(a.StartDate), 0, loc)
	to := calendar.DayBounds(time.Time(a.EndDate), loc).End

	candidates, err := st.Bookings.ListByStatusBetween(ctx, p.ID, from, to, conflictStatuses)
	if err != nil {
		return nil, fmt.Errorf("list conflicting bookings: %w", err)
	}

	out := candidates[:0]
	for _, b := range candidates {
		if a.CoversInstant(b.StartsAt.In(loc)) {
			out = append(out, b)
		}
	}
	return out, nil
}

func validateAbsence(a *model.AbsenceWindow) error {
	if err := a.Validate(); err != nil {
		return &Rejection{Kind: KindValidation, Code: CodeInvalidAbsence, Message: err.Error(), Err: err}
	}
	if !a.SuggestionExpiry.Valid() {
		return reject(KindValidation, CodeInvalidAbsence, "unknown suggestion expiry %q", a.SuggestionExpiry)
	}
	return nil
}

// PreviewConflicts показывает записи, которые снимет отсутствие, ничего не меняя.
func (s *SchedulingService) PreviewConflicts(ctx context.Context, req DeclareAbsenceRequest) ([]model.Booking, error) {
	p, err := s.loadProvider(ctx, s.store, req.ProviderID)
	if err != nil {
		return nil, err
	}
	a := req.window()
	if err := validateAbsence(a); err != nil {
		return nil, err
	}
	return findConflicts(ctx, s.store, p, a)
}

// DeclareAbsence регистрирует отсутствие. С AutoProcess в той же транзакции
// отменяет попавшие записи и создаёт предложения о переносе; уведомления
// рассылаются после коммита.
func (s *SchedulingService) DeclareAbsence(ctx context.Context, req DeclareAbsenceRequest) (*AbsenceResult, error) {
	p, err := s.loadProvider(ctx, s.store, req.ProviderID)
	if err != nil {
		return nil, err
	}
	a := req.window()
	if err := validateAbsence(a); err != nil {
		return nil, err
	}

	res := &AbsenceResult{Absence: a}
	now := s.now()

	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Absences.Create(ctx, a); err != nil {
			return fmt.Errorf("create absence: %w", err)
		}
		if !req.AutoProcess {
			return nil
		}

		conflicts, err := findConflicts(ctx, tx, p, a)
		if err != nil {
			return err
		}

		reason := absenceReason(a)
		for _, b := range conflicts {
			ok, err := tx.Bookings.Transition(ctx, b.ID, conflictStatuses, model.BookingStatusCancelled, map[string]any{
				"cancellation_reason": reason,
				"cancelled_at":        now,
			})
			if err != nil {
				return fmt.Errorf("cancel booking %s: %w", b.ID, err)
			}
			if !ok {
				continue
			}
			b.Status = model.BookingStatusCancelled
			b.CancellationReason = reason
			b.CancelledAt = &now
			res.Cancelled = append(res.Cancelled, b)

			if b.IsWalkIn || b.RequesterID == nil {
				a.WalkInCancelledCount++
				continue
			}

			offer, err := s.createOffer(ctx, tx, p, a, &b, now)
			if err != nil {
				return err
			}
			res.Offers = append(res.Offers, *offer)
		}

		a.ConflictingBookingsCount = len(res.Cancelled)
		a.RescheduledCount = len(res.Offers)
		a.AllConflictsHandled = true
		return tx.Absences.UpdateCounters(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, req.ActorID, p.ID, model.ActivityAbsenceDeclared,
		fmt.Sprintf("absence %s declared, %d bookings cancelled, %d offers sent",
			describeAbsence(a), len(res.Cancelled), len(res.Offers)),
		&a.ID)

	for _, b := range res.Cancelled {
		s.record(ctx, req.ActorID, p.ID, model.ActivityBookingCancelled, b.CancellationReason, &b.ID)
	}

	loc := p.Location()
	for _, o := range res.Offers {
		s.deliver(ctx, notify.Notification{
			RecipientKind: notify.RecipientRequester,
			RecipientID:   o.RequesterID,
			Event:         notify.EventRescheduleOffer,
			Message:       offerMessage(p, &o, loc),
			RelatedID:     &o.ID,
		})
	}
	return res, nil
}

func (s *SchedulingService) createOffer(
	ctx context.Context,
	tx *repository.Store,
	p *model.Provider,
	a *model.AbsenceWindow,
	b *model.Booking,
	now time.Time,
) (*model.RescheduleOffer, error) {
	instants, err := s.suggest(ctx, tx, p, time.Time(a.EndDate), s.policy.SuggestionCount)
	if err != nil {
		return nil, fmt.Errorf("suggest slots: %w", err)
	}
	token, err := newOfferToken()
	if err != nil {
		return nil, err
	}

	offer := &model.RescheduleOffer{
		Token:             token,
		OriginalBookingID: b.ID,
		AbsenceID:         &a.ID,
		ProviderID:        p.ID,
		RequesterID:       *b.RequesterID,
		SuggestedInstants: datatypes.JSONSlice[time.Time](instants),
		Status:            model.OfferStatusPending,
		ExpiresAt:         now.Add(a.SuggestionExpiry.Duration()),
	}
	if err := tx.Offers.Create(ctx, offer); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return offer, nil
}

// CancelAbsence: мягкое удаление; отменённое отсутствие больше ничего не блокирует.
func (s *SchedulingService) CancelAbsence(ctx context.Context, absenceID uuid.UUID, actorID *uuid.UUID) error {
	a, err := s.store.Absences.GetByID(ctx, absenceID)
	if err != nil {
		return notFound(err, CodeAbsenceNotFound, "absence")
	}
	ok, err := s.store.Absences.Cancel(ctx, absenceID)
	if err != nil {
		return fmt.Errorf("cancel absence: %w", err)
	}
	if !ok {
		return reject(KindBusinessRule, CodeAbsenceNotActive, "absence is already cancelled")
	}
	s.record(ctx, actorID, a.ProviderID, model.ActivityAbsenceCancelled,
		fmt.Sprintf("absence %s cancelled", describeAbsence(a)), &a.ID)
	return nil
}

// AbsenceOffers: предложения о переносе, разосланные по отсутствию.
func (s *SchedulingService) AbsenceOffers(ctx context.Context, absenceID uuid.UUID) ([]model.RescheduleOffer, error) {
	if _, err := s.store.Absences.GetByID(ctx, absenceID); err != nil {
		return nil, notFound(err, CodeAbsenceNotFound, "absence")
	}
	offers, err := s.store.Offers.ListByAbsence(ctx, absenceID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return offers, nil
}

// offerGuard проверяет, что с предложением ещё можно работать.
// Просроченное pending-предложение переводится в expired.
func (s *SchedulingService) offerGuard(ctx context.Context, o *model.RescheduleOffer) error {
	switch o.Status {
	case model.OfferStatusPending:
	case model.OfferStatusExpired:
		return reject(KindBusinessRule, CodeOfferExpired, "this reschedule offer has expired")
	default:
		return reject(KindIntegrity, CodeOfferResolved, "this reschedule offer was already %s", o.Status)
	}

	now := s.now()
	if !o.ExpiredAt(now) {
		return nil
	}
	if _, err := s.store.Offers.Resolve(ctx, o.ID, model.OfferStatusExpired, nil, now); err != nil {
		return fmt.Errorf("expire offer: %w", err)
	}
	o.Status = model.OfferStatusExpired
	o.ResolvedAt = &now
	return reject(KindBusinessRule, CodeOfferExpired, "this reschedule offer has expired")
}

func (s *SchedulingService) offerByToken(ctx context.Context, token string) (*model.RescheduleOffer, error) {
	o, err := s.store.Offers.GetByToken(ctx, token)
	if err != nil {
		return nil, notFound(err, CodeOfferNotFound, "offer")
	}
	return o, nil
}

func (s *SchedulingService) offerForRequester(ctx context.Context, offerID, requesterID uuid.UUID) (*model.RescheduleOffer, error) {
	o, err := s.store.Offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, notFound(err, CodeOfferNotFound, "offer")
	}
	if o.RequesterID != requesterID {
		return nil, reject(KindBusinessRule, CodeNotOwner, "this offer belongs to another requester")
	}
	return o, nil
}

// GetOfferByToken возвращает предложение по публичной ссылке,
// попутно переводя просроченное в expired.
func (s *SchedulingService) GetOfferByToken(ctx context.Context, token string) (*model.RescheduleOffer, error) {
	o, err := s.offerByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.offerGuard(ctx, o); err != nil {
		if _, ok := AsRejection(err); !ok {
			return nil, err
		}
	}
	return o, nil
}

// AcceptOffer: принятие предложения авторизованным пациентом.
func (s *SchedulingService) AcceptOffer(ctx context.Context, offerID, requesterID uuid.UUID, instant time.Time) (*model.Booking, error) {
	o, err := s.offerForRequester(ctx, offerID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.acceptOffer(ctx, o, instant)
}

// AcceptOfferByToken: принятие по публичной ссылке.
func (s *SchedulingService) AcceptOfferByToken(ctx context.Context, token string, instant time.Time) (*model.Booking, error) {
	o, err := s.offerByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.acceptOffer(ctx, o, instant)
}

// acceptOffer повторно проверяет ёмкость под блокировкой слота и создаёт
// подтверждённую запись на одного человека. При нехватке места предложение
// остаётся pending: можно выбрать другой момент.
func (s *SchedulingService) acceptOffer(ctx context.Context, o *model.RescheduleOffer, instant time.Time) (*model.Booking, error) {
	if err := s.offerGuard(ctx, o); err != nil {
		return nil, err
	}
	instant = normalizeInstant(instant)
	if !o.Suggests(instant) {
		return nil, reject(KindBusinessRule, CodeOfferSlotMismatch, "the chosen time is not one of the offered options")
	}

	provider, err := s.loadProvider(ctx, s.store, o.ProviderID)
	if err != nil {
		return nil, err
	}
	local := instant.In(provider.Location())
	date := calendar.CivilDate(local)
	keys := append(admissionKeys(o.ProviderID, instant, date), lock.RequesterDayKey(o.ProviderID, o.RequesterID, date))

	var booking *model.Booking
	err = s.lockedTx(ctx, keys, func(tx *repository.Store) error {
		fresh, err := tx.Offers.GetByID(ctx, o.ID)
		if err != nil {
			return notFound(err, CodeOfferNotFound, "offer")
		}
		if fresh.Status != model.OfferStatusPending {
			return reject(KindIntegrity, CodeOfferResolved, "this reschedule offer was already %s", fresh.Status)
		}

		if !instant.After(s.now()) {
			return slotGone("the offered time has already passed", nil)
		}
		day, err := s.loadDay(ctx, tx, provider, local)
		if err != nil {
			return err
		}
		if day.blockingAbsence(local, model.ChannelSelfService) != nil {
			return slotGone("the provider is no longer available at this time", nil)
		}
		if offGrid(local, day.windows) {
			return slotGone("the provider's schedule changed, this time is no longer a slot", offGridRejection(local))
		}
		if err := s.checkOnePerDay(ctx, tx, day, o.RequesterID); err != nil {
			return err
		}

		booking, err = s.admitLocked(ctx, tx, day, instant, AdmitRequest{
			ProviderID:  o.ProviderID,
			RequesterID: ptr(o.RequesterID),
			PartySize:   1,
			Status:      model.BookingStatusConfirmed,
			Channel:     model.ChannelSelfService,

			RescheduledFromID: ptr(o.OriginalBookingID),
		})
		if err != nil {
			if r, ok := AsRejection(err); ok && (r.Code == CodeSlotFull || r.Code == CodeInsufficientSpace) {
				return slotGone("this time slot is no longer available, please choose another one", r)
			}
			return err
		}

		if err := tx.Bookings.SetReplacedBy(ctx, o.OriginalBookingID, booking.ID); err != nil {
			return fmt.Errorf("link original booking: %w", err)
		}

		ok, err := tx.Offers.Resolve(ctx, o.ID, model.OfferStatusAccepted, &booking.ID, s.now())
		if err != nil {
			return fmt.Errorf("accept offer: %w", err)
		}
		if !ok {
			return reject(KindIntegrity, CodeOfferResolved, "this reschedule offer was resolved concurrently")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	loc := provider.Location()
	s.record(ctx, ptr(o.RequesterID), provider.ID, model.ActivityBookingRescheduled,
		fmt.Sprintf("booking %s rescheduled to %s", o.OriginalBookingID, formatInstant(booking.StartsAt, loc)),
		&booking.ID)
	s.deliver(ctx, notify.Notification{
		RecipientKind: notify.RecipientRequester,
		RecipientID:   o.RequesterID,
		Event:         notify.EventBookingConfirmed,
		Message:       fmt.Sprintf("Your new appointment with %s is confirmed for %s", provider.DisplayName, formatInstant(booking.StartsAt, loc)),
		RelatedID:     &booking.ID,
	})
	return booking, nil
}

func slotGone(msg string, cause *Rejection) *Rejection {
	r := &Rejection{Kind: KindConcurrency, Code: CodeSlotNoLongerFree, Message: msg}
	if cause != nil {
		r.Occupied, r.Capacity, r.Available, r.Requested = cause.Occupied, cause.Capacity, cause.Available, cause.Requested
		r.Err = cause
	}
	return r
}

// RejectOffer: отказ авторизованного пациента от предложения.
func (s *SchedulingService) RejectOffer(ctx context.Context, offerID, requesterID uuid.UUID) (*model.RescheduleOffer, error) {
	o, err := s.offerForRequester(ctx, offerID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.rejectOffer(ctx, o)
}

// RejectOfferByToken: отказ по публичной ссылке.
func (s *SchedulingService) RejectOfferByToken(ctx context.Context, token string) (*model.RescheduleOffer, error) {
	o, err := s.offerByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.rejectOffer(ctx, o)
}

func (s *SchedulingService) rejectOffer(ctx context.Context, o *model.RescheduleOffer) (*model.RescheduleOffer, error) {
	if err := s.offerGuard(ctx, o); err != nil {
		return nil, err
	}
	now := s.now()
	ok, err := s.store.Offers.Resolve(ctx, o.ID, model.OfferStatusRejected, nil, now)
	if err != nil {
		return nil, fmt.Errorf("reject offer: %w", err)
	}
	if !ok {
		return nil, reject(KindIntegrity, CodeOfferResolved, "this reschedule offer was resolved concurrently")
	}
	o.Status = model.OfferStatusRejected
	o.ResolvedAt = &now

	s.deliver(ctx, notify.Notification{
		RecipientKind: notify.RecipientProvider,
		RecipientID:   o.ProviderID,
		Event:         notify.EventOfferRejected,
		Message:       fmt.Sprintf("The patient declined all offered times for booking %s", o.OriginalBookingID),
		RelatedID:     &o.ID,
	})
	return o, nil
}

func absenceReason(a *model.AbsenceWindow) string {
	reason := "cancelled: provider absence " + describeAbsence(a)
	if a.Reason != "" {
		reason += " (" + a.Reason + ")"
	}
	return reason
}

func describeAbsence(a *model.AbsenceWindow) string {
	start := time.Time(a.StartDate).Format(time.DateOnly)
	end := time.Time(a.EndDate).Format(time.DateOnly)
	out := start
	if end != start {
		out += ".." + end
	}
	if !a.IsFullDay() {
		out += fmt.Sprintf(" %s-%s", hhmm(time.Duration(*a.StartTime)), hhmm(time.Duration(*a.EndTime)))
	}
	return out
}

func hhmm(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

func offerMessage(p *model.Provider, o *model.RescheduleOffer, loc *time.Location) string {
	if len(o.SuggestedInstants) == 0 {
		return fmt.Sprintf("Your appointment with %s was cancelled. No free times were found, please contact the clinic.", p.DisplayName)
	}
	options := make([]string, 0, len(o.SuggestedInstants))
	for _, t := range o.SuggestedInstants {
		options = append(options, calendar.FormatSlot(calendar.TimeRange{Start: t}, loc))
	}
	return fmt.Sprintf("Your appointment with %s was cancelled. Choose a new time before %s: %s",
		p.DisplayName, formatInstant(o.ExpiresAt, loc), strings.Join(options, "; "))
}
