package service

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/lock"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/notify"
)

func TestTryAdmit_ConcurrentRequestsForLastSeat(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	instant := at(nextMonday, 10, 0)

	var (
		g    errgroup.Group
		errs = make([]error, 2)
	)
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = f.svc.TryAdmit(ctx, AdmitRequest{
				ProviderID:  f.provider.ID,
				RequesterID: ptr(uuid.New()),
				Instant:     instant,
				PartySize:   1,
			})
			return nil
		})
	}
	_ = g.Wait()

	var admitted int
	var rejected *Rejection
	for _, err := range errs {
		if err == nil {
			admitted++
			continue
		}
		rejected = wantRejection(t, err, CodeSlotFull)
	}
	if admitted != 1 || rejected == nil {
		t.Fatalf("expected exactly one admission, got %d (errors %v)", admitted, errs)
	}
	if rejected.Occupied != 1 || rejected.Capacity != 1 || rejected.Kind != KindBusinessRule {
		t.Fatalf("unexpected rejection details: %+v", rejected)
	}

	total, err := f.svc.store.Bookings.SumOccupancy(ctx, f.provider.ID, instant, nil)
	if err != nil {
		t.Fatalf("SumOccupancy: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected occupancy 1, got %d", total)
	}
}

func TestTryAdmit_InsufficientCapacity(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	instant := at(nextMonday, 10, 0)

	f.book(t, instant, 4)

	_, err := f.svc.TryAdmit(ctx, AdmitRequest{ProviderID: f.provider.ID, Instant: instant, PartySize: 3})
	r := wantRejection(t, err, CodeInsufficientSpace)
	if r.Available != 1 || r.Requested != 3 || r.Occupied != 4 || r.Capacity != 5 {
		t.Fatalf("unexpected rejection details: %+v", r)
	}

	if _, err := f.svc.TryAdmit(ctx, AdmitRequest{ProviderID: f.provider.ID, Instant: instant, PartySize: 1}); err != nil {
		t.Fatalf("expected last seat to be admitted: %v", err)
	}
}

func TestTryAdmit_IgnoresExcludedBooking(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	instant := at(nextMonday, 10, 0)

	existing := f.book(t, instant, 2)

	_, err := f.svc.TryAdmit(ctx, AdmitRequest{
		ProviderID:         f.provider.ID,
		Instant:            instant,
		PartySize:          2,
		ExcludingBookingID: &existing.ID,
	})
	if err != nil {
		t.Fatalf("expected admission when own booking is excluded: %v", err)
	}
}

func TestRequestBooking_SplitsAcrossFollowingSlots(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	requester := uuid.New()

	created, err := f.svc.RequestBooking(ctx, BookingRequest{
		ProviderID:  f.provider.ID,
		RequesterID: &requester,
		Instant:     at(nextMonday, 10, 0),
		PartySize:   5,
	})
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(created))
	}

	wantSizes := []int{2, 2, 1}
	for i, b := range created {
		if b.PartySize != wantSizes[i] {
			t.Fatalf("part %d: expected %d people, got %d", i, wantSizes[i], b.PartySize)
		}
		if !b.StartsAt.Equal(at(nextMonday, 10, 30*i)) {
			t.Fatalf("part %d: unexpected start %s", i, b.StartsAt)
		}
		if b.Status != model.BookingStatusPending {
			t.Fatalf("part %d: expected pending, got %s", i, b.Status)
		}
		if b.GroupID == nil || *b.GroupID != *created[0].GroupID {
			t.Fatalf("part %d: expected shared group id", i)
		}
	}

	if got := len(f.notes.byEvent(notify.EventBookingRequested)); got != 2 {
		t.Fatalf("expected provider and requester notifications, got %d", got)
	}
}

func TestRequestBooking_SplitIsAllOrNothing(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	// 16:00 и 16:30: последние слоты окна, вместе 4 места.
	_, err := f.svc.RequestBooking(ctx, BookingRequest{
		ProviderID:  f.provider.ID,
		RequesterID: ptr(uuid.New()),
		Instant:     at(nextMonday, 16, 0),
		PartySize:   5,
	})
	r := wantRejection(t, err, CodeInsufficientSpace)
	if r.Available != 4 || r.Requested != 5 {
		t.Fatalf("unexpected rejection details: %+v", r)
	}

	occ, err := f.svc.store.Bookings.OccupancyBetween(ctx, f.provider.ID, at(nextMonday, 0, 0), at(nextMonday, 23, 59))
	if err != nil {
		t.Fatalf("OccupancyBetween: %v", err)
	}
	if len(occ) != 0 {
		t.Fatalf("expected no bookings after failed split, got %v", occ)
	}
}

func TestRequestBooking_FullSlotReportsFirstSlot(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.book(t, at(nextMonday, 16, 30), 1)

	_, err := f.svc.RequestBooking(ctx, BookingRequest{
		ProviderID:  f.provider.ID,
		RequesterID: ptr(uuid.New()),
		Instant:     at(nextMonday, 16, 30),
		PartySize:   1,
	})
	r := wantRejection(t, err, CodeSlotFull)
	if r.Occupied != 1 || r.Capacity != 1 {
		t.Fatalf("unexpected rejection details: %+v", r)
	}
}

func TestRequestBooking_OneActiveBookingPerDay(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	requester := uuid.New()

	req := BookingRequest{ProviderID: f.provider.ID, RequesterID: &requester, Instant: at(nextMonday, 10, 0), PartySize: 1}
	if _, err := f.svc.RequestBooking(ctx, req); err != nil {
		t.Fatalf("first RequestBooking: %v", err)
	}

	req.Instant = at(nextMonday, 14, 0)
	_, err := f.svc.RequestBooking(ctx, req)
	wantRejection(t, err, CodeDuplicateActive)

	req.Instant = at(nextMonday.AddDate(0, 0, 7), 10, 0)
	if _, err := f.svc.RequestBooking(ctx, req); err != nil {
		t.Fatalf("booking on another day should pass: %v", err)
	}
}

func TestRequestBooking_Gates(t *testing.T) {
	ctx := context.Background()

	t.Run("requester required", func(t *testing.T) {
		f := newFixture(t, 3)
		_, err := f.svc.RequestBooking(ctx, BookingRequest{ProviderID: f.provider.ID, Instant: at(nextMonday, 10, 0), PartySize: 1})
		wantRejection(t, err, CodeRequesterRequired)
	})

	t.Run("digital booking disabled", func(t *testing.T) {
		f := newFixture(t, 3, func(p *model.Provider) { p.DigitalBookingActive = false })
		_, err := f.svc.RequestBooking(ctx, BookingRequest{
			ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: at(nextMonday, 10, 0), PartySize: 1,
		})
		wantRejection(t, err, CodeDigitalDisabled)
	})

	t.Run("party above self-service limit", func(t *testing.T) {
		f := newFixture(t, 10)
		_, err := f.svc.RequestBooking(ctx, BookingRequest{
			ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: at(nextMonday, 10, 0), PartySize: 6,
		})
		wantRejection(t, err, CodeInvalidPartySize)
	})

	t.Run("in the past", func(t *testing.T) {
		f := newFixture(t, 3)
		_, err := f.svc.RequestBooking(ctx, BookingRequest{
			ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: testNow.Add(-24 * time.Hour), PartySize: 1,
		})
		wantRejection(t, err, CodeNotInFuture)
	})

	t.Run("too far ahead", func(t *testing.T) {
		f := newFixture(t, 3)
		_, err := f.svc.RequestBooking(ctx, BookingRequest{
			ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: at(nextMonday.AddDate(0, 0, 91), 10, 0), PartySize: 1,
		})
		wantRejection(t, err, CodeTooFarAhead)
	})

	t.Run("inside cutoff", func(t *testing.T) {
		f := newFixture(t, 3)
		_, err := f.svc.RequestBooking(ctx, BookingRequest{
			ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: at(testNow, 8, 30), PartySize: 1,
		})
		wantRejection(t, err, CodeCutoffPassed)
	})

	t.Run("auto approve", func(t *testing.T) {
		f := newFixture(t, 3, func(p *model.Provider) { p.AutoApproveBookings = true })
		created, err := f.svc.RequestBooking(ctx, BookingRequest{
			ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: at(nextMonday, 10, 0), PartySize: 1,
		})
		if err != nil {
			t.Fatalf("RequestBooking: %v", err)
		}
		if created[0].Status != model.BookingStatusConfirmed {
			t.Fatalf("expected confirmed booking, got %s", created[0].Status)
		}
	})
}

func TestBook_PartialAbsenceBlocksCoveredSlots(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.svc.DeclareAbsence(ctx, DeclareAbsenceRequest{
		ProviderID: f.provider.ID,
		StartDate:  nextMonday,
		EndDate:    nextMonday,
		StartTime:  ptr(12 * time.Hour),
		EndTime:    ptr(13 * time.Hour),
	})
	if err != nil {
		t.Fatalf("DeclareAbsence: %v", err)
	}

	_, err = f.svc.Book(ctx, BookingRequest{ProviderID: f.provider.ID, Instant: at(nextMonday, 12, 30), PartySize: 1})
	wantRejection(t, err, CodeAbsenceConflict)

	// Границы отсутствия включительные.
	_, err = f.svc.Book(ctx, BookingRequest{ProviderID: f.provider.ID, Instant: at(nextMonday, 13, 0), PartySize: 1})
	wantRejection(t, err, CodeAbsenceConflict)

	if _, err := f.svc.Book(ctx, BookingRequest{ProviderID: f.provider.ID, Instant: at(nextMonday, 13, 30), PartySize: 1}); err != nil {
		t.Fatalf("Book after absence: %v", err)
	}
}

func TestAdmitWalkIn_DailyLimit(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.setWindows(t, window(1, 9, 10, 30, 1))

	b, err := f.svc.AdmitWalkIn(ctx, WalkInRequest{ProviderID: f.provider.ID, Instant: at(testNow, 9, 0), PartySize: 2, Name: "Ivanov"})
	if err != nil {
		t.Fatalf("AdmitWalkIn: %v", err)
	}
	if !b.IsWalkIn || b.IsOverflow || b.RequesterID != nil {
		t.Fatalf("unexpected walk-in flags: %+v", b)
	}

	_, err = f.svc.AdmitWalkIn(ctx, WalkInRequest{ProviderID: f.provider.ID, Instant: at(testNow, 9, 30), PartySize: 1})
	r := wantRejection(t, err, CodeDailyLimitReached)
	if r.Occupied != 2 || r.Capacity != 2 {
		t.Fatalf("unexpected rejection details: %+v", r)
	}
}

func TestAdmitWalkIn_OverflowWithOverbooking(t *testing.T) {
	f := newFixture(t, 1, func(p *model.Provider) { p.AllowOverbooking = true })
	ctx := context.Background()
	f.setWindows(t, window(1, 9, 10, 30, 1))

	for _, m := range []int{0, 30} {
		if _, err := f.svc.AdmitWalkIn(ctx, WalkInRequest{ProviderID: f.provider.ID, Instant: at(testNow, 9, m), PartySize: 1}); err != nil {
			t.Fatalf("AdmitWalkIn 09:%02d: %v", m, err)
		}
	}

	f.clock.Set(at(testNow, 11, 0))

	_, err := f.svc.AdmitWalkIn(ctx, WalkInRequest{ProviderID: f.provider.ID, Instant: at(testNow, 9, 30), PartySize: 1})
	wantRejection(t, err, CodeSlotInPast)

	b, err := f.svc.AdmitWalkIn(ctx, WalkInRequest{ProviderID: f.provider.ID, Instant: at(testNow, 10, 30), PartySize: 3})
	if err != nil {
		t.Fatalf("overflow walk-in: %v", err)
	}
	if !b.IsOverflow {
		t.Fatalf("expected overflow booking after the last regular slot")
	}
}

func TestAdmitWalkIn_NoWorkingHours(t *testing.T) {
	f := newFixture(t, 1)
	tuesday := testNow.AddDate(0, 0, 1)

	_, err := f.svc.AdmitWalkIn(context.Background(), WalkInRequest{ProviderID: f.provider.ID, Instant: at(tuesday, 10, 0), PartySize: 1})
	wantRejection(t, err, CodeNoWorkingHours)
}

func TestAdmission_RejectsInstantBetweenSlotStarts(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.book(t, at(nextMonday, 10, 0), 1)
	between := at(nextMonday, 10, 10)

	_, err := f.svc.Book(ctx, BookingRequest{
		ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: between, PartySize: 1,
	})
	r := wantRejection(t, err, CodeOffGridInstant)
	if r.Kind != KindValidation {
		t.Fatalf("expected validation rejection, got %s", r.Kind)
	}

	_, err = f.svc.RequestBooking(ctx, BookingRequest{
		ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: between, PartySize: 1,
	})
	wantRejection(t, err, CodeOffGridInstant)

	_, err = f.svc.TryAdmit(ctx, AdmitRequest{ProviderID: f.provider.ID, Instant: between, PartySize: 1})
	wantRejection(t, err, CodeOffGridInstant)

	sc, err := f.svc.SlotCapacityAt(ctx, f.provider.ID, between, model.ChannelInPerson)
	if err != nil {
		t.Fatalf("SlotCapacityAt: %v", err)
	}
	if sc.Capacity != 0 || sc.Fallback {
		t.Fatalf("expected no capacity between slot starts, got %+v", sc)
	}

	total, err := f.svc.store.Bookings.SumPartyBetween(ctx, f.provider.ID, nextMonday, nextMonday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("SumPartyBetween: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected only the 10:00 booking, got %d people", total)
	}
}

// recordingLocker запоминает ключи каждого захвата.
type recordingLocker struct {
	mu   sync.Mutex
	sets [][]lock.Key
}

func (l *recordingLocker) Lock(_ context.Context, _ *gorm.DB, keys ...lock.Key) (lock.Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets = append(l.sets, slices.Clone(keys))
	return func() {}, nil
}

func (l *recordingLocker) last() []lock.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sets[len(l.sets)-1]
}

func TestAdmission_SharesDayLockWithWalkIns(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	locker := &recordingLocker{}
	f.svc.locker = locker
	dayKey := lock.ProviderDayKey(f.provider.ID, nextMonday)

	f.book(t, at(nextMonday, 10, 0), 1)
	if !slices.Contains(locker.last(), dayKey) {
		t.Fatalf("Book must lock the provider day, got %v", locker.last())
	}

	_, err := f.svc.RequestBooking(ctx, BookingRequest{
		ProviderID: f.provider.ID, RequesterID: ptr(uuid.New()), Instant: at(nextMonday, 11, 0), PartySize: 1,
	})
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	if !slices.Contains(locker.last(), dayKey) {
		t.Fatalf("RequestBooking must lock the provider day, got %v", locker.last())
	}

	if _, err := f.svc.TryAdmit(ctx, AdmitRequest{ProviderID: f.provider.ID, Instant: at(nextMonday, 12, 0), PartySize: 1}); err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}
	if !slices.Contains(locker.last(), dayKey) {
		t.Fatalf("TryAdmit must lock the provider day, got %v", locker.last())
	}

	if _, err := f.svc.AdmitWalkIn(ctx, WalkInRequest{ProviderID: f.provider.ID, Instant: at(nextMonday, 13, 0), PartySize: 1}); err != nil {
		t.Fatalf("AdmitWalkIn: %v", err)
	}
	if !slices.Contains(locker.last(), dayKey) {
		t.Fatalf("AdmitWalkIn must lock the provider day, got %v", locker.last())
	}
}
