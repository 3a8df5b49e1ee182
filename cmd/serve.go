package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Leganyst/clinic-scheduler/internal/config"
	"github.com/Leganyst/clinic-scheduler/internal/lock"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/notify"
	"github.com/Leganyst/clinic-scheduler/internal/rpcerr"
	"github.com/Leganyst/clinic-scheduler/internal/service"
	"github.com/Leganyst/clinic-scheduler/internal/worker"
)

const serviceName = "scheduling.v1.SchedulingService"

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC server and the sweep worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Миграции моделей.
	if err := model.AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// 2. Блокировки слотов и уведомления.
	var rdb *redis.Client
	if a.cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	locker, err := newLocker(a.cfg.Engine, rdb)
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := newNotifier(a.cfg.NATS, a.log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	// 3. Движок записи.
	svc := service.NewSchedulingService(a.db, service.Options{
		Policy:   a.cfg.Engine,
		Locker:   locker,
		Notifier: notifier,
		Logger:   a.log,
	})

	// 4. Периодические проходы, если есть очередь.
	if a.cfg.Redis.Enabled() {
		runner := worker.New(a.cfg.Redis, a.cfg.Engine.SweepInterval, svc, a.log)
		if err := runner.Start(); err != nil {
			return err
		}
		defer runner.Shutdown()
		a.log.Info("sweep worker started", zap.Duration("interval", a.cfg.Engine.SweepInterval))
	} else {
		a.log.Warn("redis is not configured, periodic sweeps are disabled; run `sweep` from cron")
	}

	// 5. gRPC-сервер.
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(rpcerr.UnaryServerInterceptor(a.log)))
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	if !a.cfg.IsProduction() {
		reflection.Register(grpcServer)
	}

	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.GRPCAddr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(lis)
	}()
	a.log.Info("gRPC server listening",
		zap.String("addr", a.cfg.GRPCAddr),
		zap.String("lock_backend", a.cfg.Engine.LockBackend),
	)

	// 6. Грейсфул-шатдаун по сигналу.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("grpc serve: %w", err)
	}

	a.log.Info("shutting down gRPC server")
	healthSrv.Shutdown()
	grpcServer.GracefulStop()
	return nil
}

func newLocker(cfg config.EngineConfig, rdb *redis.Client) (lock.Locker, error) {
	switch strings.ToLower(cfg.LockBackend) {
	case config.LockBackendPostgres:
		return lock.NewAdvisory(cfg.LockTimeout), nil
	case config.LockBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("lock backend %q requires REDIS_ADDR", cfg.LockBackend)
		}
		return lock.NewRedis(rdb, cfg.LockTimeout), nil
	case config.LockBackendNone:
		return lock.Nop{}, nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
}

// newNotifier: NATS вместе с логом, если брокер задан, иначе только лог.
func newNotifier(cfg config.NATSConfig, log *zap.Logger) (notify.Notifier, func(), error) {
	logSink := notify.NewLog(log)
	if cfg.URL == "" {
		return logSink, func() {}, nil
	}

	nc, err := notify.NewNATS(cfg.URL, cfg.SubjectPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return notify.Fanout{nc, logSink}, func() { _ = nc.Close() }, nil
}
