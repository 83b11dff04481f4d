// Package schedule ведёт дневные расписания мастеров и раздаёт слоты заказам.
// В одном слоте может стоять только один заказ.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/model"
)

// Defaults содержит параметры рабочего дня для лениво создаваемых расписаний.
// Число слотов задаётся отдельно от границ дня: сетка всегда 1..MaxSlots от WorkStart.
type Defaults struct {
	WorkStart    time.Duration
	WorkEnd      time.Duration
	SlotDuration time.Duration
	MaxSlots     int
}

// StandardDefaults задаёт день с 09:00 до 17:00, восемь слотов по два часа.
var StandardDefaults = Defaults{WorkStart: 9 * time.Hour, WorkEnd: 17 * time.Hour, SlotDuration: 2 * time.Hour, MaxSlots: 8}

// Validate проверяет границы рабочего дня и сетку слотов.
func (d Defaults) Validate() error {
	if d.SlotDuration <= 0 {
		return apperr.Invalid("slot duration must be positive")
	}
	if d.WorkStart < 0 || d.WorkEnd > 24*time.Hour || d.WorkStart >= d.WorkEnd {
		return apperr.Invalid("work hours must lie within one day and start before they end")
	}
	if d.MaxSlots < 1 {
		return apperr.Invalid("schedule needs at least one slot")
	}
	if d.WorkStart+time.Duration(d.MaxSlots-1)*d.SlotDuration >= 24*time.Hour {
		return apperr.Invalid("last slot would start after midnight")
	}
	return nil
}

// SlotWithOrder содержит слот вместе со статусом его заказа, для очистки.
type SlotWithOrder struct {
	Slot        model.OrderSlot
	OrderStatus model.OrderStatus
}

// Store даёт доступ к расписаниям и слотам внутри транзакции.
// GetSchedule и GetSlotByOrder возвращают nil без ошибки, если записи нет.
// InsertSlot возвращает apperr.SlotOccupied, если слот занят параллельной транзакцией.
type Store interface {
	GetSchedule(ctx context.Context, masterID uuid.UUID, date time.Time) (*model.DailySchedule, error)
	InsertSchedule(ctx context.Context, s model.DailySchedule) error
	UpdateSchedule(ctx context.Context, s model.DailySchedule) error
	ListDaySlots(ctx context.Context, masterID uuid.UUID, date time.Time) ([]model.OrderSlot, error)
	GetSlotByOrder(ctx context.Context, orderID uuid.UUID) (*model.OrderSlot, error)
	InsertSlot(ctx context.Context, slot model.OrderSlot) error
	UpdateSlotStatus(ctx context.Context, slotID uuid.UUID, status model.SlotStatus) error
	DeleteSlot(ctx context.Context, slotID uuid.UUID) error
	ListMasterSlots(ctx context.Context, masterID uuid.UUID) ([]SlotWithOrder, error)
}

// Coverage отвечает, доступен ли мастер в момент at.
type Coverage func(ctx context.Context, masterID uuid.UUID, at time.Time) (bool, error)

// Request описывает запрос на постановку заказа в слот.
// Если SlotNumber и SlotTime не заданы, берётся самый ранний свободный слот.
type Request struct {
	OrderID    uuid.UUID
	MasterID   uuid.UUID
	Date       time.Time
	SlotNumber int
	SlotTime   *time.Duration
	Status     model.SlotStatus
	// IgnoreAvailability отключает проверку окон доступности (повторная работа после отклонения).
	IgnoreAvailability bool
}

// SlotState описывает состояние одного слота дня.
type SlotState struct {
	Number   int
	Time     time.Duration
	Duration time.Duration
	OrderID  *uuid.UUID
	Status   model.SlotStatus
}

// Free сообщает, свободен ли слот.
func (s SlotState) Free() bool { return s.OrderID == nil }

// Allocator раздаёт слоты.
type Allocator struct {
	clock    clock.Clock
	defaults Defaults
}

// NewAllocator создаёт распределитель слотов.
func NewAllocator(c clock.Clock, d Defaults) *Allocator {
	return &Allocator{clock: c, defaults: d}
}

// DailySchedule возвращает расписание мастера на день, создавая его при первом обращении.
func (a *Allocator) DailySchedule(ctx context.Context, st Store, masterID uuid.UUID, date time.Time) (model.DailySchedule, error) {
	date = a.day(date)
	s, err := st.GetSchedule(ctx, masterID, date)
	if err != nil {
		return model.DailySchedule{}, fmt.Errorf("get schedule: %w", err)
	}
	if s != nil {
		return *s, nil
	}

	created := model.DailySchedule{
		ID:           a.clock.NewID(),
		MasterID:     masterID,
		Date:         date,
		WorkStart:    a.defaults.WorkStart,
		WorkEnd:      a.defaults.WorkEnd,
		SlotDuration: a.defaults.SlotDuration,
		MaxSlots:     a.defaults.MaxSlots,
		IsWorkingDay: true,
	}
	if err := st.InsertSchedule(ctx, created); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s, err := st.GetSchedule(ctx, masterID, date)
			if err == nil && s != nil {
				return *s, nil
			}
		}
		return model.DailySchedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return created, nil
}

// Day возвращает расписание и состояние каждого слота.
func (a *Allocator) Day(ctx context.Context, st Store, masterID uuid.UUID, date time.Time) (model.DailySchedule, []SlotState, error) {
	s, err := a.DailySchedule(ctx, st, masterID, date)
	if err != nil {
		return model.DailySchedule{}, nil, err
	}
	slots, err := st.ListDaySlots(ctx, masterID, s.Date)
	if err != nil {
		return model.DailySchedule{}, nil, fmt.Errorf("list slots: %w", err)
	}
	return s, States(s, slots), nil
}

// AvailableSlots возвращает номера свободных слотов дня по возрастанию.
func (a *Allocator) AvailableSlots(ctx context.Context, st Store, masterID uuid.UUID, date time.Time) ([]int, error) {
	s, states, err := a.Day(ctx, st, masterID, date)
	if err != nil {
		return nil, err
	}
	if !s.IsWorkingDay {
		return []int{}, nil
	}
	free := make([]int, 0, len(states))
	for _, state := range states {
		if state.Free() {
			free = append(free, state.Number)
		}
	}
	return free, nil
}

// Assign ставит заказ в слот. Занятый слот никогда не перезаписывается.
func (a *Allocator) Assign(ctx context.Context, st Store, covers Coverage, req Request) (model.OrderSlot, error) {
	existing, err := st.GetSlotByOrder(ctx, req.OrderID)
	if err != nil {
		return model.OrderSlot{}, fmt.Errorf("get order slot: %w", err)
	}
	if existing != nil {
		return model.OrderSlot{}, apperr.WithReason(apperr.KindConflict, apperr.ReasonOrderAlreadySlotted,
			"order %s already holds slot %d on %s", req.OrderID, existing.SlotNumber, existing.Date.Format(time.DateOnly))
	}

	s, states, err := a.Day(ctx, st, req.MasterID, req.Date)
	if err != nil {
		return model.OrderSlot{}, err
	}
	if !s.IsWorkingDay {
		return model.OrderSlot{}, apperr.WithReason(apperr.KindUnavailable, apperr.ReasonNoSchedule,
			"%s is not a working day for master %s", s.Date.Format(time.DateOnly), req.MasterID)
	}

	number := req.SlotNumber
	switch {
	case number != 0:
		if number < 1 || number > s.MaxSlots {
			return model.OrderSlot{}, apperr.WithReason(apperr.KindInvalidInput, apperr.ReasonInvalidSlotNumber,
				"slot number %d outside 1..%d", number, s.MaxSlots)
		}
	case req.SlotTime != nil:
		n, ok := NumberAt(s, *req.SlotTime)
		if !ok {
			return model.OrderSlot{}, apperr.WithReason(apperr.KindInvalidInput, apperr.ReasonInvalidSlotNumber,
				"time %s is outside the slot table", clockString(*req.SlotTime))
		}
		number = n
	default:
		n, err := a.earliestFree(ctx, s, states, covers, req)
		if err != nil {
			return model.OrderSlot{}, err
		}
		number = n
	}

	state := states[number-1]
	if !state.Free() {
		return model.OrderSlot{}, apperr.SlotOccupied(number, *state.OrderID)
	}
	if !req.IgnoreAvailability && covers != nil {
		ok, err := covers(ctx, req.MasterID, s.Date.Add(state.Time))
		if err != nil {
			return model.OrderSlot{}, err
		}
		if !ok {
			return model.OrderSlot{}, apperr.WithReason(apperr.KindUnavailable, apperr.ReasonOutsideAvailability,
				"master %s has no availability at %s %s", req.MasterID, s.Date.Format(time.DateOnly), clockString(state.Time))
		}
	}

	status := req.Status
	if status == "" {
		status = model.SlotReserved
	}
	slot := model.OrderSlot{
		ID:           a.clock.NewID(),
		MasterID:     req.MasterID,
		OrderID:      req.OrderID,
		ScheduleID:   s.ID,
		Date:         s.Date,
		SlotNumber:   number,
		SlotTime:     state.Time,
		SlotDuration: s.SlotDuration,
		Status:       status,
		CreatedAt:    a.clock.Now(),
	}
	if err := st.InsertSlot(ctx, slot); err != nil {
		return model.OrderSlot{}, err
	}
	return slot, nil
}

func (a *Allocator) earliestFree(ctx context.Context, s model.DailySchedule, states []SlotState, covers Coverage, req Request) (int, error) {
	sawFree := false
	for _, state := range states {
		if !state.Free() {
			continue
		}
		sawFree = true
		if req.IgnoreAvailability || covers == nil {
			return state.Number, nil
		}
		ok, err := covers(ctx, req.MasterID, s.Date.Add(state.Time))
		if err != nil {
			return 0, err
		}
		if ok {
			return state.Number, nil
		}
	}
	if !sawFree {
		return 0, apperr.WithReason(apperr.KindConflict, apperr.ReasonSlotOccupied,
			"no free slots for master %s on %s", req.MasterID, s.Date.Format(time.DateOnly))
	}
	return 0, apperr.WithReason(apperr.KindUnavailable, apperr.ReasonOutsideAvailability,
		"no free slot of master %s on %s is covered by availability", req.MasterID, s.Date.Format(time.DateOnly))
}

// Release удаляет слот заказа. Возвращает удалённый слот или nil, если слота не было.
func (a *Allocator) Release(ctx context.Context, st Store, orderID uuid.UUID) (*model.OrderSlot, error) {
	slot, err := st.GetSlotByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order slot: %w", err)
	}
	if slot == nil {
		return nil, nil
	}
	if err := st.DeleteSlot(ctx, slot.ID); err != nil {
		return nil, fmt.Errorf("delete slot: %w", err)
	}
	return slot, nil
}

// Cleanup удаляет слоты завершённых и отклонённых заказов, а также закрытые слоты.
// Повторный вызов на своём результате ничего не меняет.
func (a *Allocator) Cleanup(ctx context.Context, st Store, masterID uuid.UUID) (int, error) {
	slots, err := st.ListMasterSlots(ctx, masterID)
	if err != nil {
		return 0, fmt.Errorf("list master slots: %w", err)
	}
	removed := 0
	for _, sw := range slots {
		if !Sweepable(sw) {
			continue
		}
		if err := st.DeleteSlot(ctx, sw.Slot.ID); err != nil {
			return removed, fmt.Errorf("delete slot: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Configure меняет параметры дня. Слоты с заказами не должны выпасть из новой сетки.
func (a *Allocator) Configure(ctx context.Context, st Store, masterID uuid.UUID, date time.Time, d Defaults, working bool) (model.DailySchedule, error) {
	if err := d.Validate(); err != nil {
		return model.DailySchedule{}, err
	}
	s, states, err := a.Day(ctx, st, masterID, date)
	if err != nil {
		return model.DailySchedule{}, err
	}

	next := s
	next.WorkStart = d.WorkStart
	next.WorkEnd = d.WorkEnd
	next.SlotDuration = d.SlotDuration
	next.MaxSlots = d.MaxSlots
	next.IsWorkingDay = working

	changesGrid := next.WorkStart != s.WorkStart || next.SlotDuration != s.SlotDuration || next.MaxSlots < s.MaxSlots
	for _, state := range states {
		if state.Free() {
			continue
		}
		if !working || (changesGrid && (state.Number > next.MaxSlots || SlotTime(next, state.Number) != state.Time)) {
			return model.DailySchedule{}, apperr.WithReason(apperr.KindConflict, apperr.ReasonSlotOccupied,
				"slot %d holds order %s and cannot be moved", state.Number, *state.OrderID)
		}
	}

	if err := st.UpdateSchedule(ctx, next); err != nil {
		return model.DailySchedule{}, fmt.Errorf("update schedule: %w", err)
	}
	return next, nil
}

func (a *Allocator) day(t time.Time) time.Time {
	return clock.Day(t.In(a.clock.Location()))
}

// SlotTime возвращает начало слота n: work_start + (n-1)*slot_duration.
func SlotTime(s model.DailySchedule, n int) time.Duration {
	return s.WorkStart + time.Duration(n-1)*s.SlotDuration
}

// NumberAt находит слот, в который попадает смещение от полуночи.
func NumberAt(s model.DailySchedule, at time.Duration) (int, bool) {
	if at < s.WorkStart || s.SlotDuration <= 0 {
		return 0, false
	}
	n := int((at-s.WorkStart)/s.SlotDuration) + 1
	if n > s.MaxSlots {
		return 0, false
	}
	return n, true
}

// States раскладывает занятые слоты по сетке дня.
func States(s model.DailySchedule, slots []model.OrderSlot) []SlotState {
	states := make([]SlotState, s.MaxSlots)
	for i := range states {
		states[i] = SlotState{Number: i + 1, Time: SlotTime(s, i+1), Duration: s.SlotDuration}
	}
	for _, slot := range slots {
		if !slot.Status.Occupies() || slot.SlotNumber < 1 || slot.SlotNumber > s.MaxSlots {
			continue
		}
		id := slot.OrderID
		states[slot.SlotNumber-1].OrderID = &id
		states[slot.SlotNumber-1].Status = slot.Status
	}
	return states
}

// Sweepable сообщает, должен ли слот быть удалён очисткой.
func Sweepable(sw SlotWithOrder) bool {
	switch sw.OrderStatus {
	case model.OrderCompleted, model.OrderRejected:
		return true
	}
	switch sw.Slot.Status {
	case model.SlotCompleted, model.SlotCancelled:
		return true
	}
	return false
}

func clockString(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
