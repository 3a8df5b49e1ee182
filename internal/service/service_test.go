package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/config"
	"github.com/Leganyst/clinic-scheduler/internal/db/dbtest"
	"github.com/Leganyst/clinic-scheduler/internal/lock"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/notify"
)

// Понедельник, 2 июня 2025, 08:00 UTC.
var testNow = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

// nextMonday: понедельник через неделю после testNow.
var nextMonday = time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)

func at(date time.Time, h, m int) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, 0, 0, time.UTC)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) byEvent(e notify.Event) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.notes {
		if n.Event == e {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	svc      *SchedulingService
	clock    *calendar.FixedClock
	provider *model.Provider
	notes    *recordingNotifier
}

// newFixture: провайдер с окном по понедельникам 09:00–17:00, слоты по 30 минут.
func newFixture(t *testing.T, perSlot int, tune ...func(p *model.Provider)) *fixture {
	t.Helper()

	clock := calendar.NewFixedClock(testNow)
	notes := &recordingNotifier{}
	svc := NewSchedulingService(dbtest.New(t), Options{
		Policy:   config.DefaultEngineConfig(),
		Clock:    clock,
		Locker:   lock.Nop{},
		Notifier: notes,
	})

	p := model.NewProvider("Dr. Test")
	for _, fn := range tune {
		fn(p)
	}
	if err := svc.store.Providers.Create(context.Background(), p); err != nil {
		t.Fatalf("create provider: %v", err)
	}

	f := &fixture{svc: svc, clock: clock, provider: p, notes: notes}
	f.setWindows(t, window(calendar.Weekday(time.Monday), 9, 17, 30, perSlot))
	return f
}

func (f *fixture) setWindows(t *testing.T, windows ...model.AvailabilityWindow) {
	t.Helper()
	if _, err := f.svc.ReplaceAvailability(context.Background(), f.provider.ID, windows); err != nil {
		t.Fatalf("ReplaceAvailability: %v", err)
	}
}

func window(weekday calendar.Weekday, fromHour, toHour, slotMin, people int) model.AvailabilityWindow {
	return model.AvailabilityWindow{
		Weekday:          weekday,
		StartTime:        datatypes.NewTime(fromHour, 0, 0, 0),
		EndTime:          datatypes.NewTime(toHour, 0, 0, 0),
		SlotDurationMin:  slotMin,
		MaxPeoplePerSlot: people,
		IsActive:         true,
	}
}

// book: запись через персонал для нового пациента.
func (f *fixture) book(t *testing.T, instant time.Time, party int) *model.Booking {
	t.Helper()
	b, err := f.svc.Book(context.Background(), BookingRequest{
		ProviderID:  f.provider.ID,
		RequesterID: ptr(uuid.New()),
		Instant:     instant,
		PartySize:   party,
	})
	if err != nil {
		t.Fatalf("Book at %s: %v", instant, err)
	}
	return b
}

func wantRejection(t *testing.T, err error, code Code) *Rejection {
	t.Helper()
	r, ok := AsRejection(err)
	if !ok {
		t.Fatalf("expected rejection %s, got %v", code, err)
	}
	if r.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, r.Code, r.Message)
	}
	return r
}
