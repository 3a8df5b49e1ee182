package service

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/Leganyst/clinic-scheduler/internal/lock"
)

// Kind: класс отказа. По нему вызывающий решает, можно ли повторить запрос.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindBusinessRule Kind = "business_rule"
	KindConcurrency  Kind = "concurrency"
	KindIntegrity    Kind = "integrity"
)

// Code: машиночитаемая причина отказа.
type Code string

const (
	CodeInvalidPartySize    Code = "invalid_party_size"
	CodeRequesterRequired   Code = "requester_required"
	CodeCutoffPassed        Code = "booking_cutoff_passed"
	CodeNotInFuture         Code = "not_in_future"
	CodeTooFarAhead         Code = "too_far_ahead"
	CodeOffGridInstant      Code = "off_grid_instant"
	CodeInvalidWindow       Code = "invalid_window"
	CodeInvalidAbsence      Code = "invalid_absence"
	CodeAbsenceConflict     Code = "absence_conflict"
	CodeDuplicateActive     Code = "duplicate_active_booking"
	CodeSlotFull            Code = "slot_full"
	CodeInsufficientSpace   Code = "insufficient_capacity"
	CodeDailyLimitReached   Code = "daily_limit_reached"
	CodeDigitalDisabled     Code = "digital_booking_disabled"
	CodeNoWorkingHours      Code = "no_working_hours"
	CodeSlotInPast          Code = "slot_in_past"
	CodeOfferExpired        Code = "offer_expired"
	CodeOfferSlotMismatch   Code = "offer_slot_mismatch"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeTooEarly            Code = "too_early"
	CodeNotOwner            Code = "not_owner"
	CodeSlotNoLongerFree    Code = "slot_no_longer_available"
	CodeLockTimeout         Code = "lock_timeout"
	CodeOfferResolved       Code = "offer_already_resolved"
	CodeProviderNotFound    Code = "provider_not_found"
	CodeBookingNotFound     Code = "booking_not_found"
	CodeOfferNotFound       Code = "offer_not_found"
	CodeAbsenceNotFound     Code = "absence_not_found"
	CodeAbsenceNotActive    Code = "absence_not_active"
	CodeConcurrentlyChanged Code = "concurrently_changed"
)

// Rejection: ожидаемый отказ движка. Возвращается как обычная ошибка,
// разбирается через errors.As или AsRejection.
type Rejection struct {
	Kind    Kind
	Code    Code
	Message string

	// Заполнены для отказов по ёмкости.
	Occupied  int
	Capacity  int
	Available int
	Requested int

	Err error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Retryable: имеет ли смысл повторить запрос без изменений.
func (r *Rejection) Retryable() bool {
	return r.Kind == KindConcurrency
}

// AsRejection достаёт Rejection из цепочки ошибок.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

func reject(kind Kind, code Code, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// capacityRejection различает "слот полон" и "мест меньше, чем нужно".
func capacityRejection(occupied, capacity, requested int) *Rejection {
	available := capacity - occupied
	r := &Rejection{
		Kind:      KindBusinessRule,
		Occupied:  occupied,
		Capacity:  capacity,
		Available: max(available, 0),
		Requested: requested,
	}
	if available <= 0 {
		r.Code = CodeSlotFull
		r.Message = "this slot is full"
	} else {
		r.Code = CodeInsufficientSpace
		r.Message = fmt.Sprintf("only %d spots available, %d requested", available, requested)
	}
	return r
}

// notFound превращает gorm.ErrRecordNotFound в отказ целостности,
// остальные ошибки оборачивает как есть.
func notFound(err error, code Code, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Rejection{Kind: KindIntegrity, Code: code, Message: what + " not found", Err: err}
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// lockFailure переводит таймаут блокировки в повторяемый отказ.
func lockFailure(err error) error {
	if errors.Is(err, lock.ErrTimeout) {
		return &Rejection{
			Kind:    KindConcurrency,
			Code:    CodeLockTimeout,
			Message: "the slot is busy, please retry",
			Err:     err,
		}
	}
	return fmt.Errorf("acquire lock: %w", err)
}
