package calendar

import (
	"sync"
	"time"
)

// Clock: источник текущего времени. Все проверки "в будущем", сроки
// предложений и отсечки бронирования берут время только отсюда.
type Clock interface {
	Now() time.Time
}

// SystemClock возвращает настенное время в UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock: управляемые часы для тестов и пакетных прогонов.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now.UTC()}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set переставляет часы на указанный момент.
func (c *FixedClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now.UTC()
	c.mu.Unlock()
}

// Advance сдвигает часы вперёд на d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
