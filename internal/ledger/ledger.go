// Package ledger проводит начисления и списания по балансам пользователей и казне компании.
// Каждое изменение баланса сопровождается неизменяемой записью журнала.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/model"
)

// Store описывает часть транзакции хранилища, нужную журналу.
// LockBalance блокирует строку баланса до конца транзакции и создаёт нулевой баланс при отсутствии.
type Store interface {
	LockBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error)
	SaveBalance(ctx context.Context, b model.Balance) error
	LockTreasury(ctx context.Context) (model.Treasury, error)
	SaveTreasury(ctx context.Context, t model.Treasury) error
	AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error
}

// Posting описывает одну проводку.
type Posting struct {
	Subject uuid.UUID
	Amount  decimal.Decimal
	Reason  string
	ActorID uuid.UUID
	OrderID *uuid.UUID
	GroupID *uuid.UUID
}

// Ledger выполняет проводки внутри транзакции вызывающего.
type Ledger struct {
	clock clock.Clock
}

// New создаёт журнал.
func New(c clock.Clock) *Ledger {
	return &Ledger{clock: c}
}

// TopUp пополняет доступный баланс пользователя.
func (l *Ledger) TopUp(ctx context.Context, st Store, p Posting) (model.LedgerEntry, error) {
	if !p.Amount.IsPositive() {
		return model.LedgerEntry{}, apperr.Invalid("top-up amount must be positive")
	}
	return l.applyBalance(ctx, st, model.LedgerTopUp, model.FieldAvailable, p)
}

// Deduct списывает сумму с доступного баланса; баланс не может уйти в минус.
func (l *Ledger) Deduct(ctx context.Context, st Store, p Posting) (model.LedgerEntry, error) {
	if !p.Amount.IsPositive() {
		return model.LedgerEntry{}, apperr.Invalid("deduct amount must be positive")
	}
	return l.applyBalance(ctx, st, model.LedgerDeduct, model.FieldAvailable, Posting{
		Subject: p.Subject,
		Amount:  p.Amount.Neg(),
		Reason:  p.Reason,
		ActorID: p.ActorID,
		OrderID: p.OrderID,
		GroupID: p.GroupID,
	})
}

// DeductUpTo списывает не больше доступного остатка. Нулевое списание не пишется в журнал,
// в этом случае возвращается false.
func (l *Ledger) DeductUpTo(ctx context.Context, st Store, p Posting) (model.LedgerEntry, bool, error) {
	if !p.Amount.IsPositive() {
		return model.LedgerEntry{}, false, apperr.Invalid("deduct amount must be positive")
	}
	b, err := st.LockBalance(ctx, p.Subject)
	if err != nil {
		return model.LedgerEntry{}, false, err
	}
	amount := decimal.Min(p.Amount, b.Available)
	if !amount.IsPositive() {
		return model.LedgerEntry{}, false, nil
	}
	p.Amount = amount
	e, err := l.Deduct(ctx, st, p)
	return e, err == nil, err
}

// CreditPayout увеличивает сумму выплат мастеру.
func (l *Ledger) CreditPayout(ctx context.Context, st Store, p Posting) (model.LedgerEntry, error) {
	if p.Amount.IsNegative() {
		return model.LedgerEntry{}, apperr.Invalid("credit amount must not be negative")
	}
	return l.applyBalance(ctx, st, model.LedgerDistributionCredit, model.FieldPaidOut, p)
}

// CreditAvailable зачисляет долю на доступный баланс.
func (l *Ledger) CreditAvailable(ctx context.Context, st Store, p Posting) (model.LedgerEntry, error) {
	if p.Amount.IsNegative() {
		return model.LedgerEntry{}, apperr.Invalid("credit amount must not be negative")
	}
	return l.applyBalance(ctx, st, model.LedgerDistributionCredit, model.FieldAvailable, p)
}

// CreditTreasury зачисляет долю компании в казну.
func (l *Ledger) CreditTreasury(ctx context.Context, st Store, p Posting) (model.LedgerEntry, error) {
	if p.Amount.IsNegative() {
		return model.LedgerEntry{}, apperr.Invalid("credit amount must not be negative")
	}
	t, err := st.LockTreasury(ctx)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("lock treasury: %w", err)
	}

	now := l.clock.Now()
	pre := t.Amount
	t.Amount = t.Amount.Add(p.Amount)
	t.UpdatedAt = now
	if err := st.SaveTreasury(ctx, t); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("save treasury: %w", err)
	}

	e := model.LedgerEntry{
		ID:        l.clock.NewID(),
		Kind:      model.LedgerDistributionTreasury,
		Subject:   uuid.Nil,
		Field:     model.FieldTreasury,
		Amount:    p.Amount,
		Reason:    p.Reason,
		ActorID:   p.ActorID,
		OrderID:   p.OrderID,
		GroupID:   p.GroupID,
		Pre:       pre,
		Post:      t.Amount,
		CreatedAt: now,
	}
	if err := st.AppendLedgerEntry(ctx, e); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return e, nil
}

func (l *Ledger) applyBalance(ctx context.Context, st Store, kind model.LedgerKind, field model.LedgerField, p Posting) (model.LedgerEntry, error) {
	b, err := st.LockBalance(ctx, p.Subject)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("lock balance: %w", err)
	}

	var pre, post decimal.Decimal
	switch field {
	case model.FieldAvailable:
		pre = b.Available
		post = pre.Add(p.Amount)
		if post.IsNegative() {
			return model.LedgerEntry{}, &apperr.Error{
				Kind:    apperr.KindInsufficientFunds,
				Message: fmt.Sprintf("available balance %s is less than %s", pre.StringFixed(2), p.Amount.Neg().StringFixed(2)),
			}
		}
		b.Available = post
	case model.FieldPaidOut:
		pre = b.PaidOut
		post = pre.Add(p.Amount)
		if post.LessThan(pre) {
			return model.LedgerEntry{}, apperr.Invalid("paid out total cannot decrease")
		}
		b.PaidOut = post
	default:
		return model.LedgerEntry{}, apperr.Invalid("unknown balance field %q", field)
	}

	now := l.clock.Now()
	b.UpdatedAt = now
	if err := st.SaveBalance(ctx, b); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("save balance: %w", err)
	}

	e := model.LedgerEntry{
		ID:        l.clock.NewID(),
		Kind:      kind,
		Subject:   p.Subject,
		Field:     field,
		Amount:    p.Amount,
		Reason:    p.Reason,
		ActorID:   p.ActorID,
		OrderID:   p.OrderID,
		GroupID:   p.GroupID,
		Pre:       pre,
		Post:      post,
		CreatedAt: now,
	}
	if err := st.AppendLedgerEntry(ctx, e); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return e, nil
}
