package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/schedule"
)

// DayView описывает расписание мастера на день с состоянием слотов.
type DayView struct {
	Schedule model.DailySchedule
	Slots    []schedule.SlotState
}

// DailySchedule возвращает расписание мастера на день, создавая его при первом чтении.
func (s *Service) DailySchedule(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time) (DayView, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapViewAnyMaster); err != nil {
		return DayView{}, err
	}
	var view DayView
	err := s.inTx(ctx, "daily_schedule", func(tx Tx) error {
		if _, err := requireMaster(ctx, tx, masterID); err != nil {
			return err
		}
		sched, states, err := s.slots.Day(ctx, tx, masterID, date)
		if err != nil {
			return err
		}
		view = DayView{Schedule: sched, Slots: states}
		return nil
	})
	return view, err
}

// AvailableSlots возвращает номера свободных слотов дня.
func (s *Service) AvailableSlots(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time) ([]int, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapViewAnyMaster); err != nil {
		return nil, err
	}
	var free []int
	err := s.inTx(ctx, "available_slots", func(tx Tx) error {
		if _, err := requireMaster(ctx, tx, masterID); err != nil {
			return err
		}
		var err error
		free, err = s.slots.AvailableSlots(ctx, tx, masterID, date)
		return err
	})
	return free, err
}

// ConfigureSchedule меняет рабочие часы, длину и число слотов дня.
func (s *Service) ConfigureSchedule(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time, d schedule.Defaults, working bool) (model.DailySchedule, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapManageSchedules); err != nil {
		return model.DailySchedule{}, err
	}
	var out model.DailySchedule
	err := s.inTx(ctx, "configure_schedule", func(tx Tx) error {
		if _, err := requireMaster(ctx, tx, masterID); err != nil {
			return err
		}
		before, err := s.slots.DailySchedule(ctx, tx, masterID, date)
		if err != nil {
			return err
		}
		out, err = s.slots.Configure(ctx, tx, masterID, date, d, working)
		if err != nil {
			return err
		}
		return s.audit(ctx, tx, nil, model.AuditScheduleChanged, actor.ID,
			fmt.Sprintf("schedule of %s on %s", masterID, out.Date.Format(time.DateOnly)),
			formatSchedule(before), formatSchedule(out))
	})
	return out, err
}

// CleanupSlots удаляет слоты завершённых заказов мастера.
func (s *Service) CleanupSlots(ctx context.Context, actor access.Principal, masterID uuid.UUID) (int, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapManageSchedules); err != nil {
		return 0, err
	}
	var removed int
	err := s.inTx(ctx, "cleanup_slots", func(tx Tx) error {
		var err error
		removed, err = s.slots.Cleanup(ctx, tx, masterID)
		return err
	})
	return removed, err
}

// AddAvailability открывает окно доступности мастера.
func (s *Service) AddAvailability(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time, start, end time.Duration) (model.AvailabilityWindow, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapManageSchedules); err != nil {
		return model.AvailabilityWindow{}, err
	}
	var w model.AvailabilityWindow
	err := s.inTx(ctx, "add_availability", func(tx Tx) error {
		if _, err := lockMaster(ctx, tx, masterID); err != nil {
			return err
		}
		var err error
		w, err = s.windows.Add(ctx, tx, masterID, date, start, end)
		return err
	})
	return w, err
}

// RemoveAvailability закрывает окно доступности.
func (s *Service) RemoveAvailability(ctx context.Context, actor access.Principal, masterID, windowID uuid.UUID) error {
	if err := access.RequireSelfOr(actor, masterID, access.CapManageSchedules); err != nil {
		return err
	}
	return s.inTx(ctx, "remove_availability", func(tx Tx) error {
		return s.windows.Remove(ctx, tx, masterID, windowID)
	})
}

// ListAvailability возвращает окна мастера на день по возрастанию начала.
func (s *Service) ListAvailability(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time) ([]model.AvailabilityWindow, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapViewAnyMaster); err != nil {
		return nil, err
	}
	var out []model.AvailabilityWindow
	err := s.inTx(ctx, "list_availability", func(tx Tx) error {
		var err error
		out, err = tx.ListWindows(ctx, masterID, clock.Day(date.In(s.clock.Location())))
		return err
	})
	return out, err
}

func formatSchedule(d model.DailySchedule) string {
	return fmt.Sprintf("%s-%s slot=%s max=%d working=%t",
		clockString(d.WorkStart), clockString(d.WorkEnd), d.SlotDuration, d.MaxSlots, d.IsWorkingDay)
}

func clockString(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
