package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/distribution"
	"github.com/fieldops/dispatch/internal/ledger"
	"github.com/fieldops/dispatch/internal/lifecycle"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/validation"
)

// rescheduleHorizon задаёт, на сколько дней вперёд ищется слот для доработки после отклонения.
const rescheduleHorizon = 14

// CompletionInput содержит отчёт мастера о выполненной работе.
type CompletionInput struct {
	WorkDescription string
	Photos          []string
	PartsExpenses   decimal.Decimal
	TransportCosts  decimal.Decimal
	TotalReceived   decimal.Decimal
}

// SubmitCompletion принимает отчёт исполнителя и ставит заказ в очередь на проверку.
// Слот заказа сохраняется до решения куратора.
func (s *Service) SubmitCompletion(ctx context.Context, actor access.Principal, orderID uuid.UUID, in CompletionInput) (model.Completion, error) {
	if err := access.Require(actor, access.CapWorkOrders); err != nil {
		return model.Completion{}, err
	}
	if err := s.validateCompletion(ctx, in); err != nil {
		return model.Completion{}, err
	}

	var c model.Completion
	err := s.inTx(ctx, "submit_completion", func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := requireAssignee(o, actor); err != nil {
			return err
		}
		pending, err := tx.PendingCompletion(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("pending completion: %w", err)
		}
		if pending != nil {
			return apperr.WithReason(apperr.KindConflict, apperr.ReasonDuplicateCompletion,
				"order %s already has completion %s awaiting review", o.ID, pending.ID)
		}
		from := o.Status
		next, err := lifecycle.Next(from, lifecycle.EventSubmit)
		if err != nil {
			return err
		}

		c = model.Completion{
			ID:              s.clock.NewID(),
			OrderID:         o.ID,
			MasterID:        actor.ID,
			WorkDescription: strings.TrimSpace(in.WorkDescription),
			Photos:          append([]string(nil), in.Photos...),
			PartsExpenses:   in.PartsExpenses,
			TransportCosts:  in.TransportCosts,
			TotalReceived:   in.TotalReceived,
			CompletedAt:     s.clock.Now(),
			Status:          model.CompletionAwaitingReview,
		}
		if err := tx.InsertCompletion(ctx, c); err != nil {
			return err
		}

		o.Status = next
		o.UpdatedAt = s.clock.Now()
		if err := tx.UpdateOrder(ctx, o, from); err != nil {
			return err
		}
		return s.audit(ctx, tx, &o.ID, model.AuditCompletionSubmit, actor.ID,
			fmt.Sprintf("completion %s submitted, net profit %s", c.ID, c.NetProfit().StringFixed(2)),
			string(from), string(next))
	})
	if err != nil {
		return model.Completion{}, err
	}
	s.metrics.Transition(string(lifecycle.EventSubmit))
	return c, nil
}

func (s *Service) validateCompletion(ctx context.Context, in CompletionInput) error {
	if strings.TrimSpace(in.WorkDescription) == "" {
		return apperr.Invalid("work description is required")
	}
	for name, v := range map[string]decimal.Decimal{
		"parts_expenses":  in.PartsExpenses,
		"transport_costs": in.TransportCosts,
		"total_received":  in.TotalReceived,
	} {
		if v.IsNegative() {
			return apperr.Invalid("%s must be non-negative", name)
		}
	}
	if len(in.Photos) > s.opts.MaxPhotos {
		return apperr.Invalid("at most %d photos allowed, got %d", s.opts.MaxPhotos, len(in.Photos))
	}
	for _, p := range in.Photos {
		if !validation.IsValidPhotoPath(p) {
			return apperr.Invalid("invalid photo path %q", p)
		}
	}
	if s.opts.Photos == nil || s.opts.MaxPhotoBytes <= 0 {
		return nil
	}
	for _, p := range in.Photos {
		size, err := s.opts.Photos.Size(ctx, p)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Invalid("photo %q not found in file store", p)
			}
			return fmt.Errorf("check photo %q: %w", p, err)
		}
		if size > s.opts.MaxPhotoBytes {
			return apperr.Invalid("photo %q is %d bytes, limit %d", p, size, s.opts.MaxPhotoBytes)
		}
	}
	return nil
}

// ReviewResult содержит итог проверки отчёта.
type ReviewResult struct {
	Completion model.Completion
	Order      model.Order
	// Split заполнен при одобрении.
	Split *distribution.Split
	// Slot содержит слот для доработки, если отчёт отклонён.
	Slot *model.OrderSlot
}

// ReviewCompletion одобряет или отклоняет отчёт.
// Одобрение распределяет прибыль в той же транзакции; повторное одобрение возвращает state-mismatch.
func (s *Service) ReviewCompletion(ctx context.Context, actor access.Principal, completionID uuid.UUID, approve bool, notes string) (ReviewResult, error) {
	if err := access.Require(actor, access.CapReviewCompletion); err != nil {
		return ReviewResult{}, err
	}
	var res ReviewResult
	err := s.inTx(ctx, "review_completion", func(tx Tx) error {
		c, err := tx.LockCompletion(ctx, completionID)
		if err != nil {
			return err
		}
		if c.Status != model.CompletionAwaitingReview {
			return apperr.StateMismatch("completion %s is %s, not awaiting review", c.ID, c.Status)
		}
		o, err := tx.LockOrder(ctx, c.OrderID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		c.ReviewerID = &actor.ID
		c.ReviewedAt = &now
		c.ReviewerNotes = strings.TrimSpace(notes)

		if approve {
			res, err = s.approve(ctx, tx, actor, c, o)
		} else {
			res, err = s.reject(ctx, tx, actor, c, o)
		}
		return err
	})
	if err != nil {
		s.noteSlotConflict(err)
		return ReviewResult{}, err
	}

	if approve {
		s.metrics.Transition(string(lifecycle.EventApprove))
		s.metrics.Distribution(res.Split.Net)
		s.logger.Info("profit distributed",
			zap.String("order", res.Order.ID.String()),
			zap.String("completion", res.Completion.ID.String()),
			zap.String("net_profit", res.Split.Net.StringFixed(2)))
	} else {
		s.metrics.Transition(string(lifecycle.EventReject))
	}
	return res, nil
}

func (s *Service) approve(ctx context.Context, tx Tx, actor access.Principal, c model.Completion, o model.Order) (ReviewResult, error) {
	from := o.Status
	next, err := lifecycle.Next(from, lifecycle.EventApprove)
	if err != nil {
		return ReviewResult{}, err
	}

	c.Status = model.CompletionApproved
	if err := tx.UpdateCompletion(ctx, c, model.CompletionAwaitingReview); err != nil {
		return ReviewResult{}, err
	}

	o.Status = next
	o.FinalCost = decimal.NewNullDecimal(c.TotalReceived)
	o.Expenses = decimal.NewNullDecimal(c.TotalExpenses())
	o.CuratorID = &actor.ID
	o.UpdatedAt = s.clock.Now()
	if err := tx.UpdateOrder(ctx, o, from); err != nil {
		return ReviewResult{}, err
	}

	split, err := s.distribute(ctx, tx, actor, c)
	if err != nil {
		return ReviewResult{}, err
	}
	c.Distributed = true

	if _, err := s.slots.Release(ctx, tx, o.ID); err != nil {
		return ReviewResult{}, err
	}
	if _, err := s.slots.Cleanup(ctx, tx, c.MasterID); err != nil {
		return ReviewResult{}, err
	}

	if err := s.audit(ctx, tx, &o.ID, model.AuditApproved, actor.ID,
		fmt.Sprintf("completion %s approved: paid %s, balance %s, curator %s, company %s",
			c.ID, split.Immediate.StringFixed(2), split.Deferred.StringFixed(2), split.Curator.StringFixed(2), split.Company.StringFixed(2)),
		string(from), string(next)); err != nil {
		return ReviewResult{}, err
	}
	return ReviewResult{Completion: c, Order: o, Split: &split}, nil
}

// distribute делит чистую прибыль между мастером, куратором и казной.
// Флаг distributed выставляется проверкой-и-записью, поэтому повторная раздача невозможна.
func (s *Service) distribute(ctx context.Context, tx Tx, reviewer access.Principal, c model.Completion) (distribution.Split, error) {
	ok, err := tx.MarkDistributed(ctx, c.ID)
	if err != nil {
		return distribution.Split{}, fmt.Errorf("mark distributed: %w", err)
	}
	if !ok {
		return distribution.Split{}, apperr.StateMismatch("completion %s is already distributed", c.ID)
	}

	p, err := s.policies.ForMaster(ctx, tx, c.MasterID)
	if err != nil {
		return distribution.Split{}, err
	}
	split := distribution.Compute(c.NetProfit(), p)

	group := s.clock.NewID()
	posting := func(subject uuid.UUID, amount decimal.Decimal) ledger.Posting {
		return ledger.Posting{
			Subject: subject,
			Amount:  amount,
			Reason:  "distribution/order " + c.OrderID.String(),
			ActorID: reviewer.ID,
			OrderID: &c.OrderID,
			GroupID: &group,
		}
	}

	if split.Immediate.IsPositive() {
		if _, err := s.ledger.CreditPayout(ctx, tx, posting(c.MasterID, split.Immediate)); err != nil {
			return distribution.Split{}, err
		}
	}
	if split.Deferred.IsPositive() {
		if _, err := s.ledger.CreditAvailable(ctx, tx, posting(c.MasterID, split.Deferred)); err != nil {
			return distribution.Split{}, err
		}
	}
	if split.Curator.IsPositive() && access.IsReviewer(reviewer.Role) {
		if _, err := s.ledger.CreditAvailable(ctx, tx, posting(reviewer.ID, split.Curator)); err != nil {
			return distribution.Split{}, err
		}
	}
	if split.Company.IsPositive() {
		if _, err := s.ledger.CreditTreasury(ctx, tx, posting(uuid.Nil, split.Company)); err != nil {
			return distribution.Split{}, err
		}
	}
	return split, nil
}

func (s *Service) reject(ctx context.Context, tx Tx, actor access.Principal, c model.Completion, o model.Order) (ReviewResult, error) {
	from := o.Status
	next, err := lifecycle.Next(from, lifecycle.EventReject)
	if err != nil {
		return ReviewResult{}, err
	}

	c.Status = model.CompletionRejected
	if err := tx.UpdateCompletion(ctx, c, model.CompletionAwaitingReview); err != nil {
		return ReviewResult{}, err
	}

	master := c.MasterID
	if a := o.Assignee(); a != nil {
		master = *a
	}
	if _, err := s.slots.Cleanup(ctx, tx, master); err != nil {
		return ReviewResult{}, err
	}
	slot, err := s.restoreSlot(ctx, tx, o.ID, master)
	if err != nil {
		return ReviewResult{}, err
	}

	o.Status = next
	o.ScheduledDate = ptr(slot.Date)
	o.ScheduledTime = ptr(slot.SlotTime)
	o.UpdatedAt = s.clock.Now()
	if err := tx.UpdateOrder(ctx, o, from); err != nil {
		return ReviewResult{}, err
	}
	if err := s.audit(ctx, tx, &o.ID, model.AuditRejected, actor.ID,
		fmt.Sprintf("completion %s rejected: %s", c.ID, c.ReviewerNotes), string(from), string(next)); err != nil {
		return ReviewResult{}, err
	}
	return ReviewResult{Completion: c, Order: o, Slot: &slot}, nil
}

// restoreSlot оставляет заказу ровно один слот для доработки: сегодняшний сохраняется,
// иначе заказ переезжает в первый свободный слот начиная с сегодняшнего дня.
func (s *Service) restoreSlot(ctx context.Context, tx Tx, orderID, masterID uuid.UUID) (model.OrderSlot, error) {
	today := s.today()
	existing, err := tx.GetSlotByOrder(ctx, orderID)
	if err != nil {
		return model.OrderSlot{}, fmt.Errorf("get order slot: %w", err)
	}
	if existing != nil && existing.MasterID == masterID && existing.Date.Equal(today) {
		if err := tx.UpdateSlotStatus(ctx, existing.ID, model.SlotInProgress); err != nil {
			return model.OrderSlot{}, fmt.Errorf("update slot status: %w", err)
		}
		existing.Status = model.SlotInProgress
		return *existing, nil
	}

	for i := 0; i < rescheduleHorizon; i++ {
		day := today.AddDate(0, 0, i)
		free, err := s.slots.AvailableSlots(ctx, tx, masterID, day)
		if err != nil {
			return model.OrderSlot{}, err
		}
		if len(free) == 0 {
			continue
		}
		if _, err := s.slots.Release(ctx, tx, orderID); err != nil {
			return model.OrderSlot{}, err
		}
		return s.place(ctx, tx, orderID, masterID, &SlotHint{Date: &day, SlotNumber: free[0]}, model.SlotInProgress, true)
	}

	if existing != nil {
		return *existing, nil
	}
	return model.OrderSlot{}, apperr.WithReason(apperr.KindConflict, apperr.ReasonSlotOccupied,
		"master %s has no free slot within %d days to resume order %s", masterID, rescheduleHorizon, orderID)
}

// ReviewQueue возвращает отчёты, ожидающие проверки, старые первыми.
func (s *Service) ReviewQueue(ctx context.Context, actor access.Principal) ([]model.Completion, error) {
	if err := access.Require(actor, access.CapReviewCompletion); err != nil {
		return nil, err
	}
	var out []model.Completion
	err := s.inTx(ctx, "review_queue", func(tx Tx) error {
		var err error
		out, err = tx.ListCompletionsByStatus(ctx, model.CompletionAwaitingReview)
		return err
	})
	return out, err
}

// OrderCompletions возвращает все отчёты по заказу, включая отклонённые.
func (s *Service) OrderCompletions(ctx context.Context, actor access.Principal, orderID uuid.UUID) ([]model.Completion, error) {
	var out []model.Completion
	err := s.inTx(ctx, "order_completions", func(tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !access.IsReviewer(actor.Role) {
			if err := requireAssignee(o, actor); err != nil {
				return err
			}
		}
		out, err = tx.ListOrderCompletions(ctx, orderID)
		return err
	})
	return out, err
}

// Completion возвращает отчёт по идентификатору.
func (s *Service) Completion(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Completion, error) {
	var c model.Completion
	err := s.inTx(ctx, "get_completion", func(tx Tx) error {
		var err error
		c, err = tx.GetCompletion(ctx, id)
		return err
	})
	if err != nil {
		return model.Completion{}, err
	}
	if !access.IsReviewer(actor.Role) && c.MasterID != actor.ID {
		return model.Completion{}, apperr.NotFound("completion", id)
	}
	return c, nil
}
