// Package dbtest поднимает in-memory sqlite с настоящими миграциями для тестов.
package dbtest

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/db"
	"github.com/Leganyst/clinic-scheduler/internal/model"
)

// New открывает отдельную in-memory базу на тест.
// Соединение одно: sqlite ":memory:" живёт в пределах соединения,
// а транзакции при этом выполняются строго по очереди.
func New(t *testing.T) *gorm.DB {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open("file::memory:?_busy_timeout=5000"), db.GormConfig())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := model.AutoMigrate(gdb); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return gdb
}
