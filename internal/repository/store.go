package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Leganyst/clinic-scheduler/internal/db"
)

// Store собирает все репозитории поверх одного *gorm.DB.
// Внутри транзакции создаётся новый Store на tx, чтобы все запросы шли через неё.
type Store struct {
	db *gorm.DB

	Providers    ProviderRepository
	Availability AvailabilityRepository
	Absences     AbsenceRepository
	Bookings     BookingRepository
	Offers       OfferRepository
	Activity     ActivityRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:           db,
		Providers:    NewGormProviderRepository(db),
		Availability: NewGormAvailabilityRepository(db),
		Absences:     NewGormAbsenceRepository(db),
		Bookings:     NewGormBookingRepository(db),
		Offers:       NewGormOfferRepository(db),
		Activity:     NewGormActivityRepository(db),
	}
}

// DB: соединение (или транзакция), на котором построен Store.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction выполняет fn в транзакции; ошибка fn откатывает всё.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

// forUpdate навешивает SELECT ... FOR UPDATE там, где диалект это умеет.
// sqlite сериализует запись сам, для него блокировка строк не нужна.
func forUpdate(q *gorm.DB) *gorm.DB {
	if !db.IsPostgres(q) {
		return q
	}
	return q.Clauses(clause.Locking{Strength: "UPDATE"})
}
