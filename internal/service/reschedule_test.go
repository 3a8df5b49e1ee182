package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/notify"
)

// declareFullDay объявляет отсутствие на nextMonday с автообработкой.
func (f *fixture) declareFullDay(t *testing.T) *AbsenceResult {
	t.Helper()
	res, err := f.svc.DeclareAbsence(context.Background(), DeclareAbsenceRequest{
		ProviderID:  f.provider.ID,
		StartDate:   nextMonday,
		EndDate:     nextMonday,
		Reason:      "conference",
		AutoProcess: true,
	})
	if err != nil {
		t.Fatalf("DeclareAbsence: %v", err)
	}
	return res
}

func TestDeclareAbsence_CancelsConflictsAndCreatesOffers(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	first := f.book(t, at(nextMonday, 10, 0), 1)
	second := f.book(t, at(nextMonday, 11, 0), 2)
	if _, err := f.svc.AdmitWalkIn(ctx, WalkInRequest{ProviderID: f.provider.ID, Instant: at(nextMonday, 12, 0), PartySize: 1}); err != nil {
		t.Fatalf("AdmitWalkIn: %v", err)
	}
	untouched := f.book(t, at(nextMonday.AddDate(0, 0, 7), 10, 0), 1)

	preview, err := f.svc.PreviewConflicts(ctx, DeclareAbsenceRequest{ProviderID: f.provider.ID, StartDate: nextMonday, EndDate: nextMonday})
	if err != nil {
		t.Fatalf("PreviewConflicts: %v", err)
	}
	if len(preview) != 3 {
		t.Fatalf("expected 3 conflicts in preview, got %d", len(preview))
	}

	res := f.declareFullDay(t)
	if len(res.Cancelled) != 3 {
		t.Fatalf("expected 3 cancelled bookings, got %d", len(res.Cancelled))
	}
	if len(res.Offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(res.Offers))
	}
	if res.Absence.WalkInCancelledCount != 1 || res.Absence.RescheduledCount != 2 || !res.Absence.AllConflictsHandled {
		t.Fatalf("unexpected absence counters: %+v", res.Absence)
	}

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		b, err := f.svc.store.Bookings.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if b.Status != model.BookingStatusCancelled || b.CancelledAt == nil || b.CancellationReason == "" {
			t.Fatalf("expected cancelled booking with reason, got %+v", b)
		}
	}
	b, err := f.svc.store.Bookings.GetByID(ctx, untouched.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if b.Status != model.BookingStatusConfirmed {
		t.Fatalf("booking outside absence must stay confirmed, got %s", b.Status)
	}

	for _, o := range res.Offers {
		if o.Status != model.OfferStatusPending || o.Token == "" {
			t.Fatalf("unexpected offer: %+v", o)
		}
		if len(o.SuggestedInstants) == 0 || len(o.SuggestedInstants) > 3 {
			t.Fatalf("expected 1..3 suggestions, got %d", len(o.SuggestedInstants))
		}
		for _, s := range o.SuggestedInstants {
			if !s.After(at(nextMonday, 23, 59)) {
				t.Fatalf("suggestion %s is not after the absence", s)
			}
		}
		if !o.ExpiresAt.Equal(testNow.Add(48 * time.Hour)) {
			t.Fatalf("expected default 48h expiry, got %s", o.ExpiresAt)
		}
	}
	if got := len(f.notes.byEvent(notify.EventRescheduleOffer)); got != 2 {
		t.Fatalf("expected 2 reschedule notifications, got %d", got)
	}

	stored, err := f.svc.AbsenceOffers(ctx, res.Absence.ID)
	if err != nil {
		t.Fatalf("AbsenceOffers: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored offers, got %d", len(stored))
	}

	logs, err := f.svc.store.Activity.ListByProvider(ctx, f.provider.ID, 50)
	if err != nil {
		t.Fatalf("ListByProvider: %v", err)
	}
	var declared bool
	for _, l := range logs {
		if l.Action == model.ActivityAbsenceDeclared {
			declared = true
		}
	}
	if !declared {
		t.Fatalf("expected absence activity record")
	}
}

func TestDeclareAbsence_WithoutAutoProcessKeepsBookings(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	booked := f.book(t, at(nextMonday, 10, 0), 1)

	res, err := f.svc.DeclareAbsence(ctx, DeclareAbsenceRequest{ProviderID: f.provider.ID, StartDate: nextMonday, EndDate: nextMonday})
	if err != nil {
		t.Fatalf("DeclareAbsence: %v", err)
	}
	if len(res.Cancelled) != 0 || len(res.Offers) != 0 {
		t.Fatalf("expected nothing processed, got %+v", res)
	}
	b, err := f.svc.store.Bookings.GetByID(ctx, booked.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if b.Status != model.BookingStatusConfirmed {
		t.Fatalf("expected booking untouched, got %s", b.Status)
	}
}

func TestDeclareAbsence_Validation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.svc.DeclareAbsence(ctx, DeclareAbsenceRequest{
		ProviderID: f.provider.ID,
		StartDate:  nextMonday,
		EndDate:    nextMonday.AddDate(0, 0, -1),
	})
	wantRejection(t, err, CodeInvalidAbsence)

	_, err = f.svc.DeclareAbsence(ctx, DeclareAbsenceRequest{
		ProviderID: f.provider.ID,
		StartDate:  nextMonday,
		EndDate:    nextMonday,
		StartTime:  ptr(10 * time.Hour),
	})
	wantRejection(t, err, CodeInvalidAbsence)
}

func TestCancelAbsence_ReopensSlots(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	res, err := f.svc.DeclareAbsence(ctx, DeclareAbsenceRequest{ProviderID: f.provider.ID, StartDate: nextMonday, EndDate: nextMonday})
	if err != nil {
		t.Fatalf("DeclareAbsence: %v", err)
	}
	_, err = f.svc.Book(ctx, BookingRequest{ProviderID: f.provider.ID, Instant: at(nextMonday, 10, 0), PartySize: 1})
	wantRejection(t, err, CodeAbsenceConflict)

	if err := f.svc.CancelAbsence(ctx, res.Absence.ID, nil); err != nil {
		t.Fatalf("CancelAbsence: %v", err)
	}
	f.book(t, at(nextMonday, 10, 0), 1)

	err = f.svc.CancelAbsence(ctx, res.Absence.ID, nil)
	wantRejection(t, err, CodeAbsenceNotActive)
}

func TestAcceptOffer_CreatesLinkedBooking(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	original := f.book(t, at(nextMonday, 10, 0), 2)

	offer := f.declareFullDay(t).Offers[0]
	chosen := offer.SuggestedInstants[0]

	_, err := f.svc.AcceptOffer(ctx, offer.ID, offer.RequesterID, chosen.Add(15*time.Minute))
	wantRejection(t, err, CodeOfferSlotMismatch)

	_, err = f.svc.AcceptOffer(ctx, offer.ID, uuid.New(), chosen)
	wantRejection(t, err, CodeNotOwner)

	b, err := f.svc.AcceptOffer(ctx, offer.ID, offer.RequesterID, chosen)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if b.Status != model.BookingStatusConfirmed || b.PartySize != 1 {
		t.Fatalf("unexpected booking: %+v", b)
	}
	if b.RescheduledFromID == nil || *b.RescheduledFromID != original.ID {
		t.Fatalf("expected link to original booking")
	}

	orig, err := f.svc.store.Bookings.GetByID(ctx, original.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if orig.ReplacedByID == nil || *orig.ReplacedByID != b.ID {
		t.Fatalf("expected original booking to point at replacement")
	}

	stored, err := f.svc.store.Offers.GetByID(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetByID offer: %v", err)
	}
	if stored.Status != model.OfferStatusAccepted || stored.NewBookingID == nil || *stored.NewBookingID != b.ID {
		t.Fatalf("unexpected offer after accept: %+v", stored)
	}
	if len(stored.SuggestedInstants) != len(offer.SuggestedInstants) {
		t.Fatalf("suggestions must not change after accept")
	}

	_, err = f.svc.AcceptOffer(ctx, offer.ID, offer.RequesterID, offer.SuggestedInstants[1])
	wantRejection(t, err, CodeOfferResolved)
	_, err = f.svc.RejectOffer(ctx, offer.ID, offer.RequesterID)
	wantRejection(t, err, CodeOfferResolved)
}

func TestAcceptOffer_AfterExpiry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.book(t, at(nextMonday, 10, 0), 1)

	offer := f.declareFullDay(t).Offers[0]
	f.clock.Set(offer.ExpiresAt.Add(time.Second))

	_, err := f.svc.AcceptOfferByToken(ctx, offer.Token, offer.SuggestedInstants[0])
	r := wantRejection(t, err, CodeOfferExpired)
	if r.Kind != KindBusinessRule {
		t.Fatalf("expected business rule rejection, got %s", r.Kind)
	}

	stored, err := f.svc.store.Offers.GetByID(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetByID offer: %v", err)
	}
	if stored.Status != model.OfferStatusExpired || stored.NewBookingID != nil {
		t.Fatalf("expected expired offer without booking, got %+v", stored)
	}

	total, err := f.svc.store.Bookings.SumOccupancy(ctx, f.provider.ID, offer.SuggestedInstants[0], nil)
	if err != nil {
		t.Fatalf("SumOccupancy: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no booking in the suggested slot, got %d", total)
	}
}

func TestAcceptOffer_SlotTakenMeanwhile(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.book(t, at(nextMonday, 10, 0), 1)

	offer := f.declareFullDay(t).Offers[0]
	taken := offer.SuggestedInstants[0]
	f.book(t, taken, 1)

	_, err := f.svc.AcceptOfferByToken(ctx, offer.Token, taken)
	r := wantRejection(t, err, CodeSlotNoLongerFree)
	if !r.Retryable() {
		t.Fatalf("expected retryable concurrency rejection")
	}

	stored, err := f.svc.GetOfferByToken(ctx, offer.Token)
	if err != nil {
		t.Fatalf("GetOfferByToken: %v", err)
	}
	if stored.Status != model.OfferStatusPending {
		t.Fatalf("offer must stay pending, got %s", stored.Status)
	}

	if _, err := f.svc.AcceptOfferByToken(ctx, offer.Token, offer.SuggestedInstants[1]); err != nil {
		t.Fatalf("accept another suggestion: %v", err)
	}
}

func TestAcceptOffer_KeepsOneActiveBookingPerDay(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.book(t, at(nextMonday, 10, 0), 1)

	offer := f.declareFullDay(t).Offers[0]
	chosen := offer.SuggestedInstants[0]
	day := time.Date(chosen.Year(), chosen.Month(), chosen.Day(), 0, 0, 0, 0, time.UTC)

	existing, err := f.svc.Book(ctx, BookingRequest{
		ProviderID:  f.provider.ID,
		RequesterID: ptr(offer.RequesterID),
		Instant:     at(day, 16, 30),
		PartySize:   1,
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	_, err = f.svc.AcceptOffer(ctx, offer.ID, offer.RequesterID, chosen)
	wantRejection(t, err, CodeDuplicateActive)

	stored, err := f.svc.store.Offers.GetByID(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetByID offer: %v", err)
	}
	if stored.Status != model.OfferStatusPending {
		t.Fatalf("offer must stay pending, got %s", stored.Status)
	}

	if _, err := f.svc.CancelByRequester(ctx, existing.ID, offer.RequesterID, "changed plans"); err != nil {
		t.Fatalf("CancelByRequester: %v", err)
	}
	if _, err := f.svc.AcceptOffer(ctx, offer.ID, offer.RequesterID, chosen); err != nil {
		t.Fatalf("AcceptOffer after cancel: %v", err)
	}
}

func TestRejectOfferByToken(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.book(t, at(nextMonday, 10, 0), 1)

	offer := f.declareFullDay(t).Offers[0]

	rejected, err := f.svc.RejectOfferByToken(ctx, offer.Token)
	if err != nil {
		t.Fatalf("RejectOfferByToken: %v", err)
	}
	if rejected.Status != model.OfferStatusRejected || rejected.ResolvedAt == nil {
		t.Fatalf("unexpected offer: %+v", rejected)
	}
	if got := f.notes.byEvent(notify.EventOfferRejected); len(got) != 1 || got[0].RecipientID != f.provider.ID {
		t.Fatalf("expected provider to be told about the rejection, got %+v", got)
	}

	_, err = f.svc.AcceptOfferByToken(ctx, offer.Token, offer.SuggestedInstants[0])
	wantRejection(t, err, CodeOfferResolved)

	_, err = f.svc.GetOfferByToken(ctx, "missing")
	wantRejection(t, err, CodeOfferNotFound)
}

func TestSuggestSlots_SkipsFullSlots(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.book(t, at(nextMonday, 9, 0), 1)

	got, err := f.svc.SuggestSlots(ctx, f.provider.ID, nextMonday.AddDate(0, 0, -1), 2)
	if err != nil {
		t.Fatalf("SuggestSlots: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(got))
	}
	if !got[0].Equal(at(nextMonday, 9, 30)) || !got[1].Equal(at(nextMonday, 10, 0)) {
		t.Fatalf("unexpected suggestions: %v", got)
	}
}
