package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/config"
	"github.com/Leganyst/clinic-scheduler/internal/lock"
	"github.com/Leganyst/clinic-scheduler/internal/logging"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/notify"
	"github.com/Leganyst/clinic-scheduler/internal/repository"
)

// Options: зависимости движка. Нулевые поля заменяются значениями по умолчанию.
type Options struct {
	Policy   config.EngineConfig
	Clock    calendar.Clock
	Locker   lock.Locker
	Notifier notify.Notifier
	Activity ActivityRecorder
	Logger   *zap.Logger
}

// SchedulingService: точка входа в движок записи: ёмкость, допуск,
// поиск слотов, переносы при отсутствиях и жизненный цикл записи.
type SchedulingService struct {
	store    *repository.Store
	policy   config.EngineConfig
	clock    calendar.Clock
	locker   lock.Locker
	notifier notify.Notifier
	activity ActivityRecorder
	log      *zap.Logger
}

func NewSchedulingService(db *gorm.DB, opts Options) *SchedulingService {
	store := repository.NewStore(db)

	policy := opts.Policy
	if policy == (config.EngineConfig{}) {
		policy = config.DefaultEngineConfig()
	}
	clock := opts.Clock
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewAdvisory(policy.LockTimeout)
	}
	log := logging.OrNop(opts.Logger)
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLog(log)
	}
	activity := opts.Activity
	if activity == nil {
		activity = NewActivityLog(store.Activity)
	}

	return &SchedulingService{
		store:    store,
		policy:   policy,
		clock:    clock,
		locker:   locker,
		notifier: notifier,
		activity: activity,
		log:      log,
	}
}

// now: текущее время движка, UTC с точностью до секунды.
func (s *SchedulingService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}

// lockedTx выполняет fn в транзакции под блокировкой ключей.
// Блокировка берётся первой операцией транзакции и отпускается после коммита.
func (s *SchedulingService) lockedTx(ctx context.Context, keys []lock.Key, fn func(tx *repository.Store) error) error {
	var release lock.Release
	defer func() {
		if release != nil {
			release()
		}
	}()

	return s.store.Transaction(ctx, func(tx *repository.Store) error {
		r, err := s.locker.Lock(ctx, tx.DB(), keys...)
		if err != nil {
			return lockFailure(err)
		}
		release = r
		return fn(tx)
	})
}

func (s *SchedulingService) loadProvider(ctx context.Context, st *repository.Store, id uuid.UUID) (*model.Provider, error) {
	p, err := st.Providers.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, CodeProviderNotFound, "provider")
	}
	return p, nil
}

func (s *SchedulingService) loadBooking(ctx context.Context, st *repository.Store, id uuid.UUID) (*model.Booking, error) {
	b, err := st.Bookings.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, CodeBookingNotFound, "booking")
	}
	return b, nil
}

// dayContext: всё, что нужно для решений по одному календарному дню провайдера.
type dayContext struct {
	provider *model.Provider
	loc      *time.Location
	date     time.Time // полночь UTC с датой дня провайдера
	windows  []model.AvailabilityWindow
	absences []model.AbsenceWindow
}

// loadDay читает окна и активные отсутствия на день, в который попадает local.
func (s *SchedulingService) loadDay(ctx context.Context, st *repository.Store, p *model.Provider, local time.Time) (dayContext, error) {
	date := calendar.CivilDate(local)

	windows, err := st.Availability.ListActiveByWeekday(ctx, p.ID, calendar.ToCanonicalWeekday(local))
	if err != nil {
		return dayContext{}, fmt.Errorf("list availability: %w", err)
	}
	absences, err := st.Absences.ListActiveOverlapping(ctx, p.ID, date, date)
	if err != nil {
		return dayContext{}, fmt.Errorf("list absences: %w", err)
	}

	return dayContext{
		provider: p,
		loc:      p.Location(),
		date:     date,
		windows:  windows,
		absences: absences,
	}, nil
}

// blockingAbsence возвращает отсутствие, закрывающее момент для канала, или nil.
func (d dayContext) blockingAbsence(local time.Time, ch model.Channel) *model.AbsenceWindow {
	for i := range d.absences {
		a := &d.absences[i]
		if a.Blocks(ch) && a.CoversInstant(local) {
			return a
		}
	}
	return nil
}

// fullDayBlock: есть ли отсутствие на весь день для канала.
func (d dayContext) fullDayBlock(ch model.Channel) *model.AbsenceWindow {
	for i := range d.absences {
		a := &d.absences[i]
		if a.Blocks(ch) && a.IsFullDay() && a.CoversDate(d.date) {
			return a
		}
	}
	return nil
}

// normalizeInstant приводит момент записи к UTC с точностью до минуты.
func normalizeInstant(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

func (s *SchedulingService) deliver(ctx context.Context, notes ...notify.Notification) {
	now := s.now()
	for i := range notes {
		if notes[i].CreatedAt.IsZero() {
			notes[i].CreatedAt = now
		}
	}
	notify.Deliver(context.WithoutCancel(ctx), s.notifier, s.log, notes...)
}

func (s *SchedulingService) record(
	ctx context.Context,
	actorID *uuid.UUID,
	providerID uuid.UUID,
	action model.ActivityAction,
	description string,
	targetID *uuid.UUID,
) {
	err := s.activity.Record(context.WithoutCancel(ctx), actorID, providerID, action, description, targetID)
	if err != nil {
		s.log.Warn("activity record failed",
			zap.String("provider_id", providerID.String()),
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}

func ptr[T any](v T) *T {
	return &v
}
