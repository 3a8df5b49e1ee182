// Package worker запускает периодические проходы движка через asynq.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/Leganyst/clinic-scheduler/internal/config"
	"github.com/Leganyst/clinic-scheduler/internal/service"
)

const (
	TypeSweepBookings = "scheduling:sweep_bookings"
	TypeSweepOffers   = "scheduling:sweep_offers"

	queue = "maintenance"
)

// Sweeper: проходы, которые выполняет воркер.
type Sweeper interface {
	SweepBookings(ctx context.Context) (service.SweepReport, error)
	SweepOffers(ctx context.Context) (int64, error)
}

// NewMux регистрирует обработчики задач.
func NewMux(s Sweeper, log *zap.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSweepBookings, handleSweepBookings(s, log))
	mux.HandleFunc(TypeSweepOffers, handleSweepOffers(s, log))
	return mux
}

func handleSweepBookings(s Sweeper, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		report, err := s.SweepBookings(ctx)
		if err != nil {
			log.Error("booking sweep failed", zap.Error(err))
			return err
		}
		log.Debug("booking sweep done",
			zap.Int64("expired", report.Expired),
			zap.Int64("no_show", report.NoShow),
		)
		return nil
	}
}

func handleSweepOffers(s Sweeper, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		n, err := s.SweepOffers(ctx)
		if err != nil {
			log.Error("offer sweep failed", zap.Error(err))
			return err
		}
		log.Debug("offer sweep done", zap.Int64("expired", n))
		return nil
	}
}

// Runner: сервер очереди и планировщик периодических задач.
type Runner struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	interval  time.Duration
}

func New(cfg config.RedisConfig, interval time.Duration, s Sweeper, log *zap.Logger) *Runner {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.QueueDB,
	}
	sugar := log.Sugar()

	return &Runner{
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 2,
			Queues:      map[string]int{queue: 1},
			Logger:      sugar,
		}),
		scheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Logger:   sugar,
			Location: time.UTC,
		}),
		mux:      NewMux(s, log),
		interval: interval,
	}
}

// Spec: cron-выражение asynq для интервала.
func Spec(interval time.Duration) string {
	return "@every " + interval.String()
}

// Start регистрирует периодические задачи и запускает обработку в фоне.
func (r *Runner) Start() error {
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(1),
		// Пока проход не завершён, повторная постановка той же задачи отбрасывается.
		asynq.Unique(r.interval),
	}
	for _, typ := range []string{TypeSweepBookings, TypeSweepOffers} {
		if _, err := r.scheduler.Register(Spec(r.interval), asynq.NewTask(typ, nil), opts...); err != nil {
			return fmt.Errorf("register %s: %w", typ, err)
		}
	}
	if err := r.server.Start(r.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := r.scheduler.Start(); err != nil {
		r.server.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	return nil
}

func (r *Runner) Shutdown() {
	r.scheduler.Shutdown()
	r.server.Shutdown()
}
