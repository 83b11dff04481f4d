package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
)

const orderColumns = `id, client_name, client_phone, description, street, house, apartment, entrance, status,
	assigned_master_id, warranty_master_id, curator_id, scheduled_date, scheduled_time_sec,
	estimated_cost, final_cost, expenses, created_at, updated_at, requested_date, requested_time_sec`

func (t *pgTx) scanOrder(row pgx.Row) (model.Order, error) {
	var (
		o                model.Order
		status           string
		date, reqDate    *time.Time
		timeSec, reqTime *int32
	)
	err := row.Scan(&o.ID, &o.ClientName, &o.ClientPhone, &o.Description,
		&o.Address.Street, &o.Address.House, &o.Address.Apartment, &o.Address.Entrance, &status,
		&o.AssignedMasterID, &o.WarrantyMasterID, &o.CuratorID, &date, &timeSec,
		&o.EstimatedCost, &o.FinalCost, &o.Expenses, &o.CreatedAt, &o.UpdatedAt, &reqDate, &reqTime)
	if err != nil {
		return model.Order{}, err
	}
	o.Status = model.OrderStatus(status)
	o.ScheduledDate, o.ScheduledTime = t.scheduleOf(date, timeSec)
	o.RequestedDate, o.RequestedTime = t.scheduleOf(reqDate, reqTime)
	o.CreatedAt = o.CreatedAt.In(t.loc)
	o.UpdatedAt = o.UpdatedAt.In(t.loc)
	return o, nil
}

func (t *pgTx) scheduleOf(date *time.Time, timeSec *int32) (*time.Time, *time.Duration) {
	var (
		day *time.Time
		at  *time.Duration
	)
	if date != nil {
		d := t.day(*date)
		day = &d
	}
	if timeSec != nil {
		d := fromSecs(*timeSec)
		at = &d
	}
	return day, at
}

func scheduleArgs(date *time.Time, at *time.Duration) (*string, *int32) {
	var (
		day     *string
		timeSec *int32
	)
	if date != nil {
		d := dateArg(*date)
		day = &d
	}
	if at != nil {
		s := secs(*at)
		timeSec = &s
	}
	return day, timeSec
}

func orderArgs(o model.Order) []any {
	date, timeSec := scheduleArgs(o.ScheduledDate, o.ScheduledTime)
	reqDate, reqTime := scheduleArgs(o.RequestedDate, o.RequestedTime)
	return []any{
		o.ID, o.ClientName, o.ClientPhone, o.Description,
		o.Address.Street, o.Address.House, o.Address.Apartment, o.Address.Entrance, string(o.Status),
		o.AssignedMasterID, o.WarrantyMasterID, o.CuratorID, date, timeSec,
		o.EstimatedCost, o.FinalCost, o.Expenses, o.CreatedAt, o.UpdatedAt, reqDate, reqTime,
	}
}

// InsertOrder сохраняет новый заказ.
func (t *pgTx) InsertOrder(ctx context.Context, o model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::date, $14, $15, $16, $17, $18, $19, $20::date, $21)`,
		orderArgs(o)...,
	)
	if err != nil {
		return mapError(err, "insert order")
	}
	return nil
}

// GetOrder возвращает заказ без блокировки.
func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (model.Order, error) {
	return t.getOrder(ctx, id, "")
}

// LockOrder возвращает заказ и блокирует его строку до конца транзакции.
func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (model.Order, error) {
	return t.getOrder(ctx, id, " FOR UPDATE")
}

func (t *pgTx) getOrder(ctx context.Context, id uuid.UUID, lock string) (model.Order, error) {
	o, err := t.scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, apperr.NotFound("order", id)
		}
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// UpdateOrder перезаписывает заказ, если его статус всё ещё равен expected.
func (t *pgTx) UpdateOrder(ctx context.Context, o model.Order, expected model.OrderStatus) error {
	args := append(orderArgs(o), string(expected))
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET client_name = $2, client_phone = $3, description = $4,
		        street = $5, house = $6, apartment = $7, entrance = $8, status = $9,
		        assigned_master_id = $10, warranty_master_id = $11, curator_id = $12,
		        scheduled_date = $13::date, scheduled_time_sec = $14,
		        estimated_cost = $15, final_cost = $16, expenses = $17, created_at = $18, updated_at = $19,
		        requested_date = $20::date, requested_time_sec = $21
		 WHERE id = $1 AND status = $22`,
		args...,
	)
	if err != nil {
		return mapError(err, "update order")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := t.GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	return apperr.StateMismatch("order %s is %s, expected %s", o.ID, cur.Status, expected)
}

// ListOrdersByStatus возвращает заказы в указанных статусах, старые первыми.
func (t *pgTx) ListOrdersByStatus(ctx context.Context, statuses ...model.OrderStatus) ([]model.Order, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ANY($1) ORDER BY created_at, id`,
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders by status: %w", err)
	}
	return collect(rows, "order", t.scanOrder)
}

// ListAssigneeOrders возвращает неудалённые заказы, за которые отвечает мастер.
func (t *pgTx) ListAssigneeOrders(ctx context.Context, masterID uuid.UUID) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE COALESCE(warranty_master_id, assigned_master_id) = $1 AND status <> $2
		 ORDER BY created_at, id`,
		masterID, string(model.OrderDeleted),
	)
	if err != nil {
		return nil, fmt.Errorf("select assignee orders: %w", err)
	}
	return collect(rows, "order", t.scanOrder)
}

// HasOrderInProgress сообщает, есть ли у мастера другой заказ в работе.
func (t *pgTx) HasOrderInProgress(ctx context.Context, masterID, except uuid.UUID) (bool, error) {
	var busy bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM orders
		   WHERE COALESCE(warranty_master_id, assigned_master_id) = $1 AND status = $2 AND id <> $3)`,
		masterID, string(model.OrderInProgress), except,
	).Scan(&busy)
	if err != nil {
		return false, fmt.Errorf("check order in progress: %w", err)
	}
	return busy, nil
}

// ListNewUnassigned возвращает новые неназначенные заказы, созданные в [since, until].
func (t *pgTx) ListNewUnassigned(ctx context.Context, since, until time.Time) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND assigned_master_id IS NULL AND warranty_master_id IS NULL
		   AND created_at BETWEEN $2 AND $3
		 ORDER BY created_at DESC`,
		string(model.OrderNew), since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("select new orders: %w", err)
	}
	return collect(rows, "order", t.scanOrder)
}

// RecentFinalCosts возвращает итоговые суммы последних завершённых заказов мастера.
func (t *pgTx) RecentFinalCosts(ctx context.Context, masterID uuid.UUID, limit int) ([]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT final_cost FROM orders
		 WHERE COALESCE(warranty_master_id, assigned_master_id) = $1 AND status = $2 AND final_cost IS NOT NULL
		 ORDER BY updated_at DESC
		 LIMIT $3`,
		masterID, string(model.OrderCompleted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select final costs: %w", err)
	}
	return collect(rows, "final cost", func(row pgx.Row) (decimal.Decimal, error) {
		var d decimal.Decimal
		err := row.Scan(&d)
		return d, err
	})
}

const completionColumns = `id, order_id, master_id, work_description, photos, parts_expenses, transport_costs,
	total_received, completed_at, status, reviewer_id, reviewed_at, reviewer_notes, distributed`

func (t *pgTx) scanCompletion(row pgx.Row) (model.Completion, error) {
	var (
		c      model.Completion
		status string
	)
	err := row.Scan(&c.ID, &c.OrderID, &c.MasterID, &c.WorkDescription, &c.Photos,
		&c.PartsExpenses, &c.TransportCosts, &c.TotalReceived, &c.CompletedAt, &status,
		&c.ReviewerID, &c.ReviewedAt, &c.ReviewerNotes, &c.Distributed)
	if err != nil {
		return model.Completion{}, err
	}
	c.Status = model.CompletionStatus(status)
	c.CompletedAt = c.CompletedAt.In(t.loc)
	if c.ReviewedAt != nil {
		at := c.ReviewedAt.In(t.loc)
		c.ReviewedAt = &at
	}
	return c, nil
}

// InsertCompletion сохраняет отчёт. Второй отчёт на проверке по тому же заказу отклоняется индексом.
func (t *pgTx) InsertCompletion(ctx context.Context, c model.Completion) error {
	photos := c.Photos
	if photos == nil {
		photos = []string{}
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO completions (`+completionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT DO NOTHING`,
		c.ID, c.OrderID, c.MasterID, c.WorkDescription, photos, c.PartsExpenses, c.TransportCosts,
		c.TotalReceived, c.CompletedAt, string(c.Status), c.ReviewerID, c.ReviewedAt, c.ReviewerNotes, c.Distributed,
	)
	if err != nil {
		return mapError(err, "insert completion")
	}
	if tag.RowsAffected() == 0 {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonDuplicateCompletion,
			"order %s already has a completion awaiting review", c.OrderID)
	}
	return nil
}

// GetCompletion возвращает отчёт без блокировки.
func (t *pgTx) GetCompletion(ctx context.Context, id uuid.UUID) (model.Completion, error) {
	return t.getCompletion(ctx, id, "")
}

// LockCompletion возвращает отчёт и блокирует его строку.
func (t *pgTx) LockCompletion(ctx context.Context, id uuid.UUID) (model.Completion, error) {
	return t.getCompletion(ctx, id, " FOR UPDATE")
}

func (t *pgTx) getCompletion(ctx context.Context, id uuid.UUID, lock string) (model.Completion, error) {
	c, err := t.scanCompletion(t.tx.QueryRow(ctx, `SELECT `+completionColumns+` FROM completions WHERE id = $1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Completion{}, apperr.NotFound("completion", id)
		}
		return model.Completion{}, fmt.Errorf("get completion: %w", err)
	}
	return c, nil
}

// PendingCompletion возвращает отчёт заказа, ожидающий проверки, или nil.
func (t *pgTx) PendingCompletion(ctx context.Context, orderID uuid.UUID) (*model.Completion, error) {
	c, err := t.scanCompletion(t.tx.QueryRow(ctx,
		`SELECT `+completionColumns+` FROM completions WHERE order_id = $1 AND status = $2`,
		orderID, string(model.CompletionAwaitingReview),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending completion: %w", err)
	}
	return &c, nil
}

// ListOrderCompletions возвращает все отчёты заказа в порядке подачи.
func (t *pgTx) ListOrderCompletions(ctx context.Context, orderID uuid.UUID) ([]model.Completion, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+completionColumns+` FROM completions WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select order completions: %w", err)
	}
	return collect(rows, "completion", t.scanCompletion)
}

// ListCompletionsByStatus возвращает отчёты в статусе, старые первыми.
func (t *pgTx) ListCompletionsByStatus(ctx context.Context, status model.CompletionStatus) ([]model.Completion, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+completionColumns+` FROM completions WHERE status = $1 ORDER BY seq`, string(status))
	if err != nil {
		return nil, fmt.Errorf("select completions: %w", err)
	}
	return collect(rows, "completion", t.scanCompletion)
}

// UpdateCompletion записывает решение по отчёту, если его статус всё ещё равен expected.
// Флаг distributed меняется только через MarkDistributed.
func (t *pgTx) UpdateCompletion(ctx context.Context, c model.Completion, expected model.CompletionStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE completions SET status = $2, reviewer_id = $3, reviewed_at = $4, reviewer_notes = $5
		 WHERE id = $1 AND status = $6`,
		c.ID, string(c.Status), c.ReviewerID, c.ReviewedAt, c.ReviewerNotes, string(expected),
	)
	if err != nil {
		return mapError(err, "update completion")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := t.GetCompletion(ctx, c.ID)
	if err != nil {
		return err
	}
	return apperr.StateMismatch("completion %s is %s, expected %s", c.ID, cur.Status, expected)
}

// MarkDistributed выставляет флаг распределения одобренного отчёта ровно один раз.
func (t *pgTx) MarkDistributed(ctx context.Context, completionID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE completions SET distributed = TRUE WHERE id = $1 AND distributed = FALSE AND status = $2`,
		completionID, string(model.CompletionApproved),
	)
	if err != nil {
		return false, mapError(err, "mark distributed")
	}
	return tag.RowsAffected() == 1, nil
}

// ApprovedSince возвращает одобренные отчёты мастера, проверенные не раньше since.
func (t *pgTx) ApprovedSince(ctx context.Context, masterID uuid.UUID, since time.Time) ([]model.CompletionStat, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT order_id, total_received, total_received - parts_expenses - transport_costs, reviewed_at
		 FROM completions
		 WHERE master_id = $1 AND status = $2 AND reviewed_at >= $3`,
		masterID, string(model.CompletionApproved), since,
	)
	if err != nil {
		return nil, fmt.Errorf("select approved completions: %w", err)
	}
	return collect(rows, "completion stat", func(row pgx.Row) (model.CompletionStat, error) {
		var s model.CompletionStat
		err := row.Scan(&s.OrderID, &s.TotalReceived, &s.NetProfit, &s.ReviewedAt)
		return s, err
	})
}
