// Package apperr содержит типизированные ошибки ядра диспетчерской.
package apperr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind описывает машиночитаемый класс ошибки.
type Kind string

const (
	KindNotFound          Kind = "not-found"
	KindForbidden         Kind = "forbidden"
	KindInvalidInput      Kind = "invalid-input"
	KindStateMismatch     Kind = "state-mismatch"
	KindConflict          Kind = "conflict"
	KindUnavailable       Kind = "unavailable"
	KindInsufficientFunds Kind = "insufficient-funds"
	KindInternal          Kind = "internal"
)

// Уточняющие причины ошибок планировщика слотов.
const (
	ReasonNoSchedule          = "no-schedule"
	ReasonSlotOccupied        = "slot-occupied"
	ReasonOutsideAvailability = "outside-availability"
	ReasonInvalidSlotNumber   = "invalid-slot-number"
	ReasonOrderAlreadySlotted = "order-already-slotted"
	ReasonWindowOverlap       = "window-overlap"
	ReasonDuplicateCompletion = "duplicate-completion"
)

// Error представляет ошибку ядра с классом, причиной и сообщением для человека.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	// OccupyingOrderID заполняется для конфликтов занятого слота.
	OccupyingOrderID *uuid.UUID
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is сравнивает ошибки по классу, чтобы работал errors.Is(err, apperr.ErrConflict).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrStateMismatch     = &Error{Kind: KindStateMismatch}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrUnavailable       = &Error{Kind: KindUnavailable}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrInternal          = &Error{Kind: KindInternal}
)

// New создаёт ошибку указанного класса.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithReason создаёт ошибку с уточняющей причиной.
func WithReason(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NotFound сообщает об отсутствующей сущности.
func NotFound(entity string, id any) *Error {
	return New(KindNotFound, "%s %v not found", entity, id)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func Invalid(format string, args ...any) *Error {
	return New(KindInvalidInput, format, args...)
}

func StateMismatch(format string, args ...any) *Error {
	return New(KindStateMismatch, format, args...)
}

// SlotOccupied сообщает о занятом слоте и номере занявшего его заказа.
func SlotOccupied(slot int, orderID uuid.UUID) *Error {
	e := WithReason(KindConflict, ReasonSlotOccupied, "slot %d is occupied by order %s", slot, orderID)
	e.OccupyingOrderID = &orderID
	return e
}

// KindOf возвращает класс ошибки; нетипизированные ошибки считаются внутренними.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Internal оборачивает ошибку хранилища или журнала аудита.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
