// Package lock сериализует допуск записи на один и тот же слот между процессами.
//
// Блокировка берётся внутри транзакции до чтения занятости и держится до её
// завершения. Ключи всегда захватываются в отсортированном порядке.
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrTimeout: не дождались блокировки за отведённое время.
var ErrTimeout = errors.New("lock wait timed out")

// Key: имя сериализуемого ресурса.
type Key string

// SlotKey: слот провайдера, начинающийся в instant.
func SlotKey(providerID uuid.UUID, instant time.Time) Key {
	return Key(fmt.Sprintf("slot:%s:%d", providerID, instant.UTC().Unix()))
}

// RequesterDayKey: записи одного пациента к провайдеру на календарный день.
func RequesterDayKey(providerID, requesterID uuid.UUID, day time.Time) Key {
	return Key(fmt.Sprintf("requester:%s:%s:%s", providerID, requesterID, day.Format(time.DateOnly)))
}

// ProviderDayKey: дневная ёмкость провайдера (живая очередь).
func ProviderDayKey(providerID uuid.UUID, day time.Time) Key {
	return Key(fmt.Sprintf("day:%s:%s", providerID, day.Format(time.DateOnly)))
}

// Release отпускает блокировку. Для транзакционных блокировок ничего не делает.
type Release func()

// Locker захватывает набор ключей в рамках транзакции tx.
// Release вызывается после коммита или отката tx.
type Locker interface {
	Lock(ctx context.Context, tx *gorm.DB, keys ...Key) (Release, error)
}

// normalize сортирует и убирает дубликаты: единый порядок захвата исключает взаимные блокировки.
func normalize(keys []Key) []Key {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// Nop ничего не блокирует. Годится только там, где запись в базу и так
// однопоточная (sqlite с одним соединением).
type Nop struct{}

func (Nop) Lock(context.Context, *gorm.DB, ...Key) (Release, error) {
	return func() {}, nil
}
