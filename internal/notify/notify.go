// Package notify доставляет уведомления пациентам и персоналу.
// Доставка всегда best-effort: сбой уведомления не отменяет уже сделанную запись.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RecipientKind string

const (
	RecipientRequester RecipientKind = "requester"
	RecipientProvider  RecipientKind = "provider"
)

type Event string

const (
	EventBookingRequested Event = "BOOKING_REQUESTED"
	EventBookingConfirmed Event = "BOOKING_CONFIRMED"
	EventBookingCancelled Event = "BOOKING_CANCELLED"
	EventBookingCompleted Event = "BOOKING_COMPLETED"
	EventBookingNoShow    Event = "BOOKING_NO_SHOW"
	EventRescheduleOffer  Event = "RESCHEDULE_OFFER"
	EventOfferRejected    Event = "RESCHEDULE_REJECTED"
)

type Notification struct {
	RecipientKind RecipientKind `json:"recipient_kind"`
	RecipientID   uuid.UUID     `json:"recipient_id"`
	Event         Event         `json:"event"`
	Message       string        `json:"message"`
	RelatedID     *uuid.UUID    `json:"related_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Deliver отправляет уведомления по одному, ошибки только логируются.
func Deliver(ctx context.Context, n Notifier, log *zap.Logger, notes ...Notification) {
	if n == nil {
		return
	}
	for _, note := range notes {
		if err := n.Notify(ctx, note); err != nil {
			log.Warn("notification delivery failed",
				zap.String("event", string(note.Event)),
				zap.String("recipient_kind", string(note.RecipientKind)),
				zap.String("recipient_id", note.RecipientID.String()),
				zap.Error(err),
			)
		}
	}
}

// Log пишет уведомления в лог. Используется, когда брокер не настроен.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("event", string(n.Event)),
		zap.String("recipient_kind", string(n.RecipientKind)),
		zap.String("recipient_id", n.RecipientID.String()),
		zap.String("message", n.Message),
	}
	if n.RelatedID != nil {
		fields = append(fields, zap.String("related_id", n.RelatedID.String()))
	}
	l.log.Info("notification", fields...)
	return nil
}

// Fanout рассылает уведомление во все приёмники и возвращает первую ошибку.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, target := range f {
		if err := target.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
