package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Leganyst/clinic-scheduler/internal/calendar"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/repository"
)

// SweepReport: сколько записей закрыл проход.
type SweepReport struct {
	Expired    int64
	NoShow     int64
	StaleStart int64
}

// sweepRule: прошедшие записи в статусе from переводятся в to.
type sweepRule struct {
	from   model.BookingStatus
	to     model.BookingStatus
	reason string
}

var sweepRules = []sweepRule{
	{model.BookingStatusPending, model.BookingStatusExpired, "expired: not confirmed before the appointment day ended"},
	{model.BookingStatusConfirmed, model.BookingStatusNoShow, "no show: appointment day ended without a visit"},
	{model.BookingStatusInProgress, model.BookingStatusExpired, "expired: appointment was never completed"},
}

// SweepBookings закрывает записи прошедших дней. Граница: полночь текущих суток
// в поясе каждого провайдера. Повторный вызов ничего не меняет.
func (s *SchedulingService) SweepBookings(ctx context.Context) (SweepReport, error) {
	now := s.now()

	var report SweepReport
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		providers, err := tx.Providers.List(ctx)
		if err != nil {
			return fmt.Errorf("list providers: %w", err)
		}
		for i := range providers {
			p := &providers[i]
			before := localMidnight(now, p.Location())
			for _, rule := range sweepRules {
				n, err := tx.Bookings.ExpireBefore(ctx, p.ID, before, rule.from, rule.to, rule.reason)
				if err != nil {
					return fmt.Errorf("sweep %s bookings of provider %s: %w", rule.from, p.ID, err)
				}
				switch rule.from {
				case model.BookingStatusConfirmed:
					report.NoShow += n
				case model.BookingStatusInProgress:
					report.StaleStart += n
				default:
					report.Expired += n
				}
			}
		}
		return nil
	})
	if err != nil {
		return SweepReport{}, err
	}

	s.log.Info("bookings swept",
		zap.Time("now", now),
		zap.Int64("expired", report.Expired),
		zap.Int64("no_show", report.NoShow),
		zap.Int64("stale_in_progress", report.StaleStart),
	)
	return report, nil
}

// localMidnight: начало текущих суток в поясе loc.
func localMidnight(now time.Time, loc *time.Location) time.Time {
	return calendar.DayBounds(now.In(loc), loc).Start
}

// SweepOffers переводит просроченные ожидающие предложения в expired.
func (s *SchedulingService) SweepOffers(ctx context.Context) (int64, error) {
	n, err := s.store.Offers.ExpireBefore(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep offers: %w", err)
	}
	s.log.Info("offers swept", zap.Int64("expired", n))
	return n, nil
}
