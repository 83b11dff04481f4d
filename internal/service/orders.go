package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/ledger"
	"github.com/fieldops/dispatch/internal/lifecycle"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/schedule"
	"github.com/fieldops/dispatch/internal/validation"
	"github.com/fieldops/dispatch/internal/visibility"
)

// ReasonWarrantyFine указывается в проводке штрафа при передаче заказа на гарантию.
const ReasonWarrantyFine = "fine/warranty-transfer"

// SlotHint описывает пожелание по дате и времени визита. Пустые поля выбираются автоматически.
type SlotHint struct {
	Date       *time.Time
	SlotNumber int
	Time       *time.Duration
}

// NewOrder содержит данные новой заявки.
type NewOrder struct {
	ClientName    string
	ClientPhone   string
	Description   string
	Address       model.Address
	EstimatedCost decimal.NullDecimal
	Schedule      *SlotHint
}

// Assignment содержит заказ вместе с занятым слотом.
type Assignment struct {
	Order model.Order
	Slot  *model.OrderSlot
}

// CreateOrder заводит заявку клиента в статусе new.
func (s *Service) CreateOrder(ctx context.Context, actor access.Principal, in NewOrder) (model.Order, error) {
	if err := access.Require(actor, access.CapCreateOrder); err != nil {
		return model.Order{}, err
	}
	phone, ok := validation.NormalizePhone(in.ClientPhone)
	if !ok {
		return model.Order{}, apperr.Invalid("invalid client phone %q", in.ClientPhone)
	}
	if strings.TrimSpace(in.ClientName) == "" {
		return model.Order{}, apperr.Invalid("client name is required")
	}
	if strings.TrimSpace(in.Address.Street) == "" || strings.TrimSpace(in.Address.House) == "" {
		return model.Order{}, apperr.Invalid("street and house are required")
	}
	if in.EstimatedCost.Valid && in.EstimatedCost.Decimal.IsNegative() {
		return model.Order{}, apperr.Invalid("estimated cost must be non-negative")
	}

	now := s.clock.Now()
	o := model.Order{
		ID:            s.clock.NewID(),
		ClientName:    strings.TrimSpace(in.ClientName),
		ClientPhone:   phone,
		Description:   strings.TrimSpace(in.Description),
		Address:       in.Address,
		Status:        model.OrderNew,
		EstimatedCost: in.EstimatedCost,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Schedule != nil && in.Schedule.Date != nil {
		o.ScheduledDate = ptr(clock.Day(in.Schedule.Date.In(s.clock.Location())))
		o.ScheduledTime = in.Schedule.Time
		o.RequestedDate = o.ScheduledDate
		o.RequestedTime = o.ScheduledTime
	}

	err := s.inTx(ctx, "create_order", func(tx Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return s.audit(ctx, tx, &o.ID, model.AuditCreated, actor.ID, "order created", "", string(o.Status))
	})
	if err != nil {
		return model.Order{}, err
	}
	s.metrics.Transition("create")
	return o, nil
}

// GetOrder возвращает заказ. Мастер видит только свои заказы и новые неназначенные.
func (s *Service) GetOrder(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Order, error) {
	var o model.Order
	err := s.inTx(ctx, "get_order", func(tx Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}
	if actor.Role.IsMaster() {
		if a := o.Assignee(); (a == nil && o.Status != model.OrderNew) || (a != nil && *a != actor.ID) {
			return model.Order{}, apperr.NotFound("order", id)
		}
	}
	return o, nil
}

// MarkProcessing берёт новый заказ в работу оператора.
func (s *Service) MarkProcessing(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Order, error) {
	if err := access.Require(actor, access.CapViewQueue); err != nil {
		return model.Order{}, err
	}
	return s.simpleTransition(ctx, actor, id, lifecycle.EventProcess, model.AuditProcessing, "taken by operator")
}

// DeleteOrder помечает новый или обрабатываемый заказ удалённым.
func (s *Service) DeleteOrder(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Order, error) {
	if err := access.Require(actor, access.CapDeleteOrder); err != nil {
		return model.Order{}, err
	}
	return s.simpleTransition(ctx, actor, id, lifecycle.EventDelete, model.AuditDeleted, "order deleted")
}

func (s *Service) simpleTransition(ctx context.Context, actor access.Principal, id uuid.UUID, ev lifecycle.Event, action model.AuditAction, description string) (model.Order, error) {
	var o model.Order
	err := s.inTx(ctx, string(ev), func(tx Tx) error {
		var err error
		o, err = tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		from := o.Status
		next, err := lifecycle.Next(from, ev)
		if err != nil {
			return err
		}
		o.Status = next
		o.UpdatedAt = s.clock.Now()
		if err := tx.UpdateOrder(ctx, o, from); err != nil {
			return err
		}
		return s.audit(ctx, tx, &o.ID, action, actor.ID, description, string(from), string(next))
	})
	if err != nil {
		return model.Order{}, err
	}
	s.metrics.Transition(string(ev))
	return o, nil
}

// ProcessingQueue возвращает новые и обрабатываемые заказы, старые первыми.
func (s *Service) ProcessingQueue(ctx context.Context, actor access.Principal) ([]model.Order, error) {
	if err := access.Require(actor, access.CapViewQueue); err != nil {
		return nil, err
	}
	var orders []model.Order
	err := s.inTx(ctx, "processing_queue", func(tx Tx) error {
		var err error
		orders, err = tx.ListOrdersByStatus(ctx, model.OrderNew, model.OrderProcessing)
		return err
	})
	return orders, err
}

// MasterOrders возвращает заказы, за которые сейчас отвечает мастер.
func (s *Service) MasterOrders(ctx context.Context, actor access.Principal, masterID uuid.UUID) ([]model.Order, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapViewAnyMaster); err != nil {
		return nil, err
	}
	var orders []model.Order
	err := s.inTx(ctx, "master_orders", func(tx Tx) error {
		var err error
		orders, err = tx.ListAssigneeOrders(ctx, masterID)
		return err
	})
	return orders, err
}

// AssignOrder назначает заказ мастеру и занимает слот в его расписании.
func (s *Service) AssignOrder(ctx context.Context, actor access.Principal, orderID, masterID uuid.UUID, hint *SlotHint) (Assignment, error) {
	if err := access.Require(actor, access.CapAssignOrder); err != nil {
		return Assignment{}, err
	}
	return s.assign(ctx, actor, orderID, masterID, hint, nil)
}

// TakeOrder назначает заказ из видимого мастеру списка на самого мастера.
func (s *Service) TakeOrder(ctx context.Context, actor access.Principal, orderID uuid.UUID, hint *SlotHint) (Assignment, error) {
	if err := access.Require(actor, access.CapWorkOrders); err != nil {
		return Assignment{}, err
	}
	guard := func(tx Tx, o model.Order) error {
		u, err := requireMaster(ctx, tx, actor.ID)
		if err != nil {
			return err
		}
		ev, err := s.evaluateTier(ctx, tx, u, actor.ID)
		if err != nil {
			return err
		}
		if len(visibility.Visible([]model.Order{o}, s.clock.Now(), ev.Lookahead)) == 0 {
			return apperr.NotFound("order", o.ID)
		}
		return nil
	}
	return s.assign(ctx, actor, orderID, actor.ID, hint, guard)
}

func (s *Service) assign(ctx context.Context, actor access.Principal, orderID, masterID uuid.UUID, hint *SlotHint, guard func(tx Tx, o model.Order) error) (Assignment, error) {
	var res Assignment
	err := s.inTx(ctx, "assign_order", func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(tx, o); err != nil {
				return err
			}
		}
		if _, err := requireMaster(ctx, tx, masterID); err != nil {
			return err
		}
		from := o.Status
		next, err := lifecycle.Next(from, lifecycle.EventAssign)
		if err != nil {
			return err
		}

		if _, err := s.slots.Cleanup(ctx, tx, masterID); err != nil {
			return err
		}
		if hint == nil && o.ScheduledDate != nil {
			hint = &SlotHint{Date: o.ScheduledDate, Time: o.ScheduledTime}
		}
		slot, err := s.place(ctx, tx, o.ID, masterID, hint, model.SlotReserved, false)
		if err != nil {
			return err
		}

		o.Status = next
		o.AssignedMasterID = &masterID
		if access.IsReviewer(actor.Role) {
			o.CuratorID = &actor.ID
		}
		o.ScheduledDate = ptr(slot.Date)
		o.ScheduledTime = ptr(slot.SlotTime)
		o.UpdatedAt = s.clock.Now()
		if err := tx.UpdateOrder(ctx, o, from); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, &o.ID, model.AuditAssigned, actor.ID,
			fmt.Sprintf("assigned to %s, slot %d on %s", masterID, slot.SlotNumber, slot.Date.Format(time.DateOnly)),
			string(from), string(next)); err != nil {
			return err
		}
		res = Assignment{Order: o, Slot: &slot}
		return nil
	})
	if err != nil {
		s.noteSlotConflict(err)
		return Assignment{}, err
	}
	s.metrics.Transition(string(lifecycle.EventAssign))
	return res, nil
}

// place занимает слот мастера по пожеланию hint.
func (s *Service) place(ctx context.Context, tx Tx, orderID, masterID uuid.UUID, hint *SlotHint, status model.SlotStatus, ignoreAvailability bool) (model.OrderSlot, error) {
	req := schedule.Request{
		OrderID:            orderID,
		MasterID:           masterID,
		Date:               s.today(),
		Status:             status,
		IgnoreAvailability: ignoreAvailability,
	}
	if hint != nil {
		if hint.Date != nil {
			req.Date = *hint.Date
		}
		req.SlotNumber = hint.SlotNumber
		req.SlotTime = hint.Time
	}
	if clock.Day(req.Date.In(s.clock.Location())).Before(s.today()) {
		return model.OrderSlot{}, apperr.Invalid("cannot schedule on past date %s", req.Date.Format(time.DateOnly))
	}
	covers := func(ctx context.Context, m uuid.UUID, at time.Time) (bool, error) {
		return s.windows.Covers(ctx, tx, m, at)
	}
	return s.slots.Assign(ctx, tx, covers, req)
}

func (s *Service) noteSlotConflict(err error) {
	if errors.Is(err, &apperr.Error{Kind: apperr.KindConflict, Reason: apperr.ReasonSlotOccupied}) {
		s.metrics.SlotConflict()
	}
}

// ReleaseAssignment снимает мастера с назначенного заказа и освобождает слот.
// Дата и время визита возвращаются к пожеланию из заявки.
func (s *Service) ReleaseAssignment(ctx context.Context, actor access.Principal, orderID uuid.UUID) (model.Order, error) {
	if err := access.Require(actor, access.CapAssignOrder); err != nil {
		return model.Order{}, err
	}
	var o model.Order
	err := s.inTx(ctx, "release_assignment", func(tx Tx) error {
		var err error
		o, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from := o.Status
		next, err := lifecycle.Next(from, lifecycle.EventUnassign)
		if err != nil {
			return err
		}
		if _, err := s.slots.Release(ctx, tx, o.ID); err != nil {
			return err
		}
		prev := o.AssignedMasterID
		o.Status = next
		o.AssignedMasterID = nil
		o.CuratorID = nil
		o.ResetSchedule()
		o.UpdatedAt = s.clock.Now()
		if err := tx.UpdateOrder(ctx, o, from); err != nil {
			return err
		}
		return s.audit(ctx, tx, &o.ID, model.AuditUnassigned, actor.ID,
			fmt.Sprintf("unassigned from %s", uuidString(prev)), string(from), string(next))
	})
	if err != nil {
		return model.Order{}, err
	}
	s.metrics.Transition(string(lifecycle.EventUnassign))
	return o, nil
}

// WarrantyTransfer содержит результат передачи на гарантию.
type WarrantyTransfer struct {
	Order model.Order
	Slot  *model.OrderSlot
	Fine  *model.LedgerEntry
}

// TransferToWarranty передаёт заказ гарантийному мастеру.
// Если работа уже начата или завершена, исходный мастер штрафуется.
func (s *Service) TransferToWarranty(ctx context.Context, actor access.Principal, orderID, warrantyMasterID uuid.UUID, hint *SlotHint) (WarrantyTransfer, error) {
	if err := access.Require(actor, access.CapTransferWarranty); err != nil {
		return WarrantyTransfer{}, err
	}
	var res WarrantyTransfer
	err := s.inTx(ctx, "transfer_to_warranty", func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		wm, err := tx.GetUser(ctx, warrantyMasterID)
		if err != nil {
			return err
		}
		if wm.Role != model.RoleWarrantyMaster {
			return apperr.Invalid("user %s is not a warranty master", warrantyMasterID)
		}
		from := o.Status
		next, err := lifecycle.Next(from, lifecycle.EventTransferWarranty)
		if err != nil {
			return err
		}

		if lifecycle.FinesOriginalMaster(from) && o.AssignedMasterID != nil && s.opts.WarrantyFine.IsPositive() {
			entry, applied, err := s.ledger.DeductUpTo(ctx, tx, ledger.Posting{
				Subject: *o.AssignedMasterID,
				Amount:  s.opts.WarrantyFine,
				Reason:  ReasonWarrantyFine,
				ActorID: actor.ID,
				OrderID: &o.ID,
			})
			if err != nil {
				return err
			}
			if applied {
				res.Fine = &entry
				if err := s.audit(ctx, tx, &o.ID, model.AuditBalanceAdjustment, actor.ID,
					fmt.Sprintf("%s for master %s", ReasonWarrantyFine, *o.AssignedMasterID),
					entry.Pre.String(), entry.Post.String()); err != nil {
					return err
				}
			}
		}

		if _, err := s.slots.Release(ctx, tx, o.ID); err != nil {
			return err
		}
		o.ClearSchedule()
		if hint != nil {
			slot, err := s.place(ctx, tx, o.ID, warrantyMasterID, hint, model.SlotReserved, false)
			if err != nil {
				return err
			}
			res.Slot = &slot
			o.ScheduledDate = ptr(slot.Date)
			o.ScheduledTime = ptr(slot.SlotTime)
		}

		o.Status = next
		o.WarrantyMasterID = &warrantyMasterID
		o.UpdatedAt = s.clock.Now()
		if err := tx.UpdateOrder(ctx, o, from); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, &o.ID, model.AuditWarrantyTransfer, actor.ID,
			fmt.Sprintf("transferred to warranty master %s", warrantyMasterID), string(from), string(next)); err != nil {
			return err
		}
		res.Order = o
		return nil
	})
	if err != nil {
		s.noteSlotConflict(err)
		return WarrantyTransfer{}, err
	}
	s.metrics.Transition(string(lifecycle.EventTransferWarranty))
	if res.Fine != nil {
		s.logger.Info("warranty transfer fine applied",
			zap.String("order", orderID.String()),
			zap.String("master", res.Fine.Subject.String()),
			zap.String("amount", res.Fine.Amount.Neg().String()))
	}
	return res, nil
}

// StartOrder переводит заказ мастера в работу. Одновременно в работе может быть только один заказ.
func (s *Service) StartOrder(ctx context.Context, actor access.Principal, orderID uuid.UUID) (model.Order, error) {
	if err := access.Require(actor, access.CapWorkOrders); err != nil {
		return model.Order{}, err
	}
	var o model.Order
	err := s.inTx(ctx, "start_order", func(tx Tx) error {
		if _, err := lockMaster(ctx, tx, actor.ID); err != nil {
			return err
		}
		var err error
		o, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := requireAssignee(o, actor); err != nil {
			return err
		}
		from := o.Status
		next, err := lifecycle.Next(from, lifecycle.EventStart)
		if err != nil {
			return err
		}
		busy, err := tx.HasOrderInProgress(ctx, actor.ID, o.ID)
		if err != nil {
			return fmt.Errorf("check orders in progress: %w", err)
		}
		if busy {
			return apperr.New(apperr.KindConflict, "master %s already has an order in progress", actor.ID)
		}

		slot, err := tx.GetSlotByOrder(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("get order slot: %w", err)
		}
		if slot != nil {
			if err := tx.UpdateSlotStatus(ctx, slot.ID, model.SlotInProgress); err != nil {
				return fmt.Errorf("update slot status: %w", err)
			}
		}

		o.Status = next
		o.UpdatedAt = s.clock.Now()
		if err := tx.UpdateOrder(ctx, o, from); err != nil {
			return err
		}
		return s.audit(ctx, tx, &o.ID, model.AuditStarted, actor.ID, "work started", string(from), string(next))
	})
	if err != nil {
		return model.Order{}, err
	}
	s.metrics.Transition(string(lifecycle.EventStart))
	return o, nil
}

// OrderAudit возвращает журнал переходов заказа.
func (s *Service) OrderAudit(ctx context.Context, actor access.Principal, orderID uuid.UUID) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := s.inTx(ctx, "order_audit", func(tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !access.Can(actor.Role, access.CapViewAudit) {
			if err := requireAssignee(o, actor); err != nil {
				return err
			}
		}
		entries, err = tx.ListOrderAudit(ctx, orderID)
		return err
	})
	return entries, err
}

// SystemAudit возвращает системные записи аудита: политики, пороги, уровни.
func (s *Service) SystemAudit(ctx context.Context, actor access.Principal) ([]model.AuditEntry, error) {
	if err := access.Require(actor, access.CapViewAudit); err != nil {
		return nil, err
	}
	var entries []model.AuditEntry
	err := s.inTx(ctx, "system_audit", func(tx Tx) error {
		var err error
		entries, err = tx.ListSystemAudit(ctx)
		return err
	})
	return entries, err
}

func requireAssignee(o model.Order, actor access.Principal) error {
	if a := o.Assignee(); a == nil || *a != actor.ID {
		return apperr.Forbidden("order %s is not assigned to %s", o.ID, actor.ID)
	}
	return nil
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return "nobody"
	}
	return id.String()
}
