package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
)

// Advisory держит транзакционные advisory-локи postgres.
// Локи снимаются самой базой при коммите или откате.
type Advisory struct {
	Timeout time.Duration
}

func NewAdvisory(timeout time.Duration) *Advisory {
	return &Advisory{Timeout: timeout}
}

func (l *Advisory) Lock(ctx context.Context, tx *gorm.DB, keys ...Key) (Release, error) {
	db := tx.WithContext(ctx)

	if l.Timeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.Timeout.Milliseconds())
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	for _, k := range normalize(keys) {
		if err := db.Exec("SELECT pg_advisory_xact_lock(?)", hashKey(k)).Error; err != nil {
			return nil, classify(k, err)
		}
	}
	return func() {}, nil
}

// hashKey сворачивает ключ в bigint для pg_advisory_xact_lock.
func hashKey(k Key) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k))
	return int64(h.Sum64())
}

func classify(k Key, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%w: %s", ErrTimeout, k)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, k)
	}
	return fmt.Errorf("advisory lock %s: %w", k, err)
}
