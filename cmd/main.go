package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/config"
	"github.com/Leganyst/clinic-scheduler/internal/db"
	"github.com/Leganyst/clinic-scheduler/internal/logging"
	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/service"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "clinic-scheduler",
		Short:        "Slot capacity, booking admission and rescheduling engine",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (env vars override it)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app: общие зависимости команд.
type app struct {
	cfg *config.Config
	log *zap.Logger
	db  *gorm.DB
}

func bootstrap(configPath string) (*app, error) {
	// 1. Конфиг из env и файла.
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	// 2. Подключаемся к БД через GORM.
	gormDB, err := db.NewGormDB(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	return &app{cfg: cfg, log: log, db: gormDB}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply model migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := model.AutoMigrate(a.db); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			a.log.Info("migrations applied")
			return nil
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close past bookings and expired reschedule offers once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			svc := service.NewSchedulingService(a.db, service.Options{Policy: a.cfg.Engine, Logger: a.log})
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			report, err := svc.SweepBookings(ctx)
			if err != nil {
				return err
			}
			offers, err := svc.SweepOffers(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d no_show=%d stale_in_progress=%d offers_expired=%d\n",
				report.Expired, report.NoShow, report.StaleStart, offers)
			return nil
		},
	}
}
