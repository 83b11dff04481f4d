package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/schedule"
)

var occupyingStatuses = []string{string(model.SlotReserved), string(model.SlotConfirmed), string(model.SlotInProgress)}

func (t *pgTx) scanWindow(row pgx.Row) (model.AvailabilityWindow, error) {
	var (
		w          model.AvailabilityWindow
		start, end int32
	)
	if err := row.Scan(&w.ID, &w.MasterID, &w.Date, &start, &end); err != nil {
		return model.AvailabilityWindow{}, err
	}
	w.Date = t.day(w.Date)
	w.Start, w.End = fromSecs(start), fromSecs(end)
	return w, nil
}

// ListWindows возвращает окна мастера на день по возрастанию начала.
func (t *pgTx) ListWindows(ctx context.Context, masterID uuid.UUID, date time.Time) ([]model.AvailabilityWindow, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, master_id, date, start_sec, end_sec FROM availability_windows
		 WHERE master_id = $1 AND date = $2::date
		 ORDER BY start_sec`,
		masterID, dateArg(date),
	)
	if err != nil {
		return nil, fmt.Errorf("select windows: %w", err)
	}
	return collect(rows, "window", t.scanWindow)
}

// InsertWindow сохраняет окно доступности.
func (t *pgTx) InsertWindow(ctx context.Context, w model.AvailabilityWindow) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO availability_windows (id, master_id, date, start_sec, end_sec)
		 VALUES ($1, $2, $3::date, $4, $5)
		 ON CONFLICT DO NOTHING`,
		w.ID, w.MasterID, dateArg(w.Date), secs(w.Start), secs(w.End),
	)
	if err != nil {
		return mapError(err, "insert window")
	}
	if tag.RowsAffected() == 0 {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonWindowOverlap, "window at the same start already exists")
	}
	return nil
}

// GetWindow возвращает окно по идентификатору.
func (t *pgTx) GetWindow(ctx context.Context, id uuid.UUID) (model.AvailabilityWindow, error) {
	w, err := t.scanWindow(t.tx.QueryRow(ctx,
		`SELECT id, master_id, date, start_sec, end_sec FROM availability_windows WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AvailabilityWindow{}, apperr.NotFound("availability window", id)
		}
		return model.AvailabilityWindow{}, fmt.Errorf("get window: %w", err)
	}
	return w, nil
}

// DeleteWindow удаляет окно.
func (t *pgTx) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM availability_windows WHERE id = $1`, id); err != nil {
		return mapError(err, "delete window")
	}
	return nil
}

const scheduleColumns = `id, master_id, date, work_start_sec, work_end_sec, slot_duration_sec, max_slots, is_working_day`

// GetSchedule возвращает расписание дня или nil. Строка блокируется, чтобы перенастройка
// и постановка в слот одного дня не шли параллельно.
func (t *pgTx) GetSchedule(ctx context.Context, masterID uuid.UUID, date time.Time) (*model.DailySchedule, error) {
	var (
		s                    model.DailySchedule
		start, end, duration int32
	)
	err := t.tx.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM daily_schedules WHERE master_id = $1 AND date = $2::date FOR UPDATE`,
		masterID, dateArg(date),
	).Scan(&s.ID, &s.MasterID, &s.Date, &start, &end, &duration, &s.MaxSlots, &s.IsWorkingDay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	s.Date = t.day(s.Date)
	s.WorkStart, s.WorkEnd, s.SlotDuration = fromSecs(start), fromSecs(end), fromSecs(duration)
	return &s, nil
}

// InsertSchedule создаёт расписание дня; параллельно созданное возвращает conflict.
func (t *pgTx) InsertSchedule(ctx context.Context, s model.DailySchedule) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO daily_schedules (`+scheduleColumns+`)
		 VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		s.ID, s.MasterID, dateArg(s.Date), secs(s.WorkStart), secs(s.WorkEnd), secs(s.SlotDuration), s.MaxSlots, s.IsWorkingDay,
	)
	if err != nil {
		return mapError(err, "insert schedule")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindConflict, "schedule of %s on %s already exists", s.MasterID, dateArg(s.Date))
	}
	return nil
}

// UpdateSchedule перезаписывает параметры дня.
func (t *pgTx) UpdateSchedule(ctx context.Context, s model.DailySchedule) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE daily_schedules
		 SET work_start_sec = $2, work_end_sec = $3, slot_duration_sec = $4, max_slots = $5, is_working_day = $6
		 WHERE id = $1`,
		s.ID, secs(s.WorkStart), secs(s.WorkEnd), secs(s.SlotDuration), s.MaxSlots, s.IsWorkingDay,
	)
	if err != nil {
		return mapError(err, "update schedule")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("schedule", s.ID)
	}
	return nil
}

const slotColumns = `s.id, s.master_id, s.order_id, s.schedule_id, s.date, s.slot_number, s.slot_time_sec, s.slot_duration_sec, s.status, s.created_at`

func (t *pgTx) scanSlot(row pgx.Row, extra ...any) (model.OrderSlot, error) {
	var (
		s            model.OrderSlot
		at, duration int32
		status       string
	)
	dest := append([]any{&s.ID, &s.MasterID, &s.OrderID, &s.ScheduleID, &s.Date, &s.SlotNumber, &at, &duration, &status, &s.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.OrderSlot{}, err
	}
	s.Date = t.day(s.Date)
	s.SlotTime, s.SlotDuration = fromSecs(at), fromSecs(duration)
	s.Status = model.SlotStatus(status)
	return s, nil
}

// ListDaySlots возвращает слоты мастера на день по номеру.
func (t *pgTx) ListDaySlots(ctx context.Context, masterID uuid.UUID, date time.Time) ([]model.OrderSlot, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+slotColumns+` FROM order_slots s
		 WHERE s.master_id = $1 AND s.date = $2::date
		 ORDER BY s.slot_number`,
		masterID, dateArg(date),
	)
	if err != nil {
		return nil, fmt.Errorf("select day slots: %w", err)
	}
	return collect(rows, "slot", func(row pgx.Row) (model.OrderSlot, error) { return t.scanSlot(row) })
}

// GetSlotByOrder возвращает слот заказа или nil.
func (t *pgTx) GetSlotByOrder(ctx context.Context, orderID uuid.UUID) (*model.OrderSlot, error) {
	s, err := t.scanSlot(t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM order_slots s WHERE s.order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order slot: %w", err)
	}
	return &s, nil
}

// InsertSlot занимает слот. Частичный уникальный индекс по активным слотам гарантирует,
// что из двух параллельных вставок пройдёт одна; проигравшая получает номер занявшего заказа.
func (t *pgTx) InsertSlot(ctx context.Context, slot model.OrderSlot) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO order_slots (id, master_id, order_id, schedule_id, date, slot_number, slot_time_sec, slot_duration_sec, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10)
		 ON CONFLICT DO NOTHING`,
		slot.ID, slot.MasterID, slot.OrderID, slot.ScheduleID, dateArg(slot.Date), slot.SlotNumber,
		secs(slot.SlotTime), secs(slot.SlotDuration), string(slot.Status), slot.CreatedAt,
	)
	if err != nil {
		return mapError(err, "insert slot")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var occupant uuid.UUID
	err = t.tx.QueryRow(ctx,
		`SELECT order_id FROM order_slots
		 WHERE master_id = $1 AND date = $2::date AND slot_number = $3 AND status = ANY($4)`,
		slot.MasterID, dateArg(slot.Date), slot.SlotNumber, occupyingStatuses,
	).Scan(&occupant)
	if err == nil {
		return apperr.SlotOccupied(slot.SlotNumber, occupant)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonOrderAlreadySlotted, "order %s already holds a slot", slot.OrderID)
	}
	return fmt.Errorf("find slot occupant: %w", err)
}

// UpdateSlotStatus меняет статус слота.
func (t *pgTx) UpdateSlotStatus(ctx context.Context, slotID uuid.UUID, status model.SlotStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE order_slots SET status = $2 WHERE id = $1`, slotID, string(status))
	if err != nil {
		return mapError(err, "update slot status")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("slot", slotID)
	}
	return nil
}

// DeleteSlot удаляет слот.
func (t *pgTx) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM order_slots WHERE id = $1`, slotID); err != nil {
		return mapError(err, "delete slot")
	}
	return nil
}

// ListMasterSlots возвращает все слоты мастера вместе со статусами заказов.
func (t *pgTx) ListMasterSlots(ctx context.Context, masterID uuid.UUID) ([]schedule.SlotWithOrder, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+slotColumns+`, o.status FROM order_slots s
		 JOIN orders o ON o.id = s.order_id
		 WHERE s.master_id = $1
		 ORDER BY s.date, s.slot_number`,
		masterID,
	)
	if err != nil {
		return nil, fmt.Errorf("select master slots: %w", err)
	}
	return collect(rows, "slot", func(row pgx.Row) (schedule.SlotWithOrder, error) {
		var status string
		s, err := t.scanSlot(row, &status)
		return schedule.SlotWithOrder{Slot: s, OrderStatus: model.OrderStatus(status)}, err
	})
}
