// Package availability хранит окна, в которые мастер готов принимать заказы.
package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/model"
)

// Store даёт доступ к окнам доступности внутри транзакции.
// ListWindows возвращает окна мастера за день, отсортированные по началу.
type Store interface {
	ListWindows(ctx context.Context, masterID uuid.UUID, date time.Time) ([]model.AvailabilityWindow, error)
	InsertWindow(ctx context.Context, w model.AvailabilityWindow) error
	GetWindow(ctx context.Context, id uuid.UUID) (model.AvailabilityWindow, error)
	DeleteWindow(ctx context.Context, id uuid.UUID) error
}

// Tracker проверяет и выдаёт окна доступности.
type Tracker struct {
	clock clock.Clock
}

// NewTracker создаёт трекер.
func NewTracker(c clock.Clock) *Tracker {
	return &Tracker{clock: c}
}

// Add сохраняет новое окно, если оно в будущем и не пересекается с существующими.
func (t *Tracker) Add(ctx context.Context, st Store, masterID uuid.UUID, date time.Time, start, end time.Duration) (model.AvailabilityWindow, error) {
	date = clock.Day(date.In(t.clock.Location()))
	if err := validateBounds(start, end); err != nil {
		return model.AvailabilityWindow{}, err
	}
	if date.Before(clock.Day(t.clock.Now())) {
		return model.AvailabilityWindow{}, apperr.Invalid("availability date %s is in the past", date.Format(time.DateOnly))
	}

	existing, err := st.ListWindows(ctx, masterID, date)
	if err != nil {
		return model.AvailabilityWindow{}, fmt.Errorf("list windows: %w", err)
	}

	w := model.AvailabilityWindow{
		ID:       t.clock.NewID(),
		MasterID: masterID,
		Date:     date,
		Start:    start,
		End:      end,
	}
	if other, ok := FindOverlap(existing, w); ok {
		return model.AvailabilityWindow{}, apperr.WithReason(apperr.KindConflict, apperr.ReasonWindowOverlap,
			"window %s-%s overlaps %s-%s", clockString(start), clockString(end), clockString(other.Start), clockString(other.End))
	}

	if err := st.InsertWindow(ctx, w); err != nil {
		return model.AvailabilityWindow{}, fmt.Errorf("insert window: %w", err)
	}
	return w, nil
}

// Remove удаляет окно мастера.
func (t *Tracker) Remove(ctx context.Context, st Store, masterID, windowID uuid.UUID) error {
	w, err := st.GetWindow(ctx, windowID)
	if err != nil {
		return err
	}
	if w.MasterID != masterID {
		return apperr.NotFound("availability window", windowID)
	}
	return st.DeleteWindow(ctx, windowID)
}

// Covers сообщает, попадает ли момент at в одно из окон мастера.
func (t *Tracker) Covers(ctx context.Context, st Store, masterID uuid.UUID, at time.Time) (bool, error) {
	at = at.In(t.clock.Location())
	date := clock.Day(at)
	windows, err := st.ListWindows(ctx, masterID, date)
	if err != nil {
		return false, fmt.Errorf("list windows: %w", err)
	}
	return Covers(windows, at.Sub(date)), nil
}

// Covers ищет окно с началом не позже offset бинарным поиском; windows отсортированы по Start.
func Covers(windows []model.AvailabilityWindow, offset time.Duration) bool {
	i := sort.Search(len(windows), func(i int) bool { return windows[i].Start > offset })
	if i == 0 {
		return false
	}
	return offset < windows[i-1].End
}

// FindOverlap возвращает окно, пересекающееся с w по полуинтервалу [Start, End).
func FindOverlap(windows []model.AvailabilityWindow, w model.AvailabilityWindow) (model.AvailabilityWindow, bool) {
	for _, other := range windows {
		if other.ID == w.ID {
			continue
		}
		if w.Start < other.End && other.Start < w.End {
			return other, true
		}
	}
	return model.AvailabilityWindow{}, false
}

// SortWindows упорядочивает окна по началу.
func SortWindows(windows []model.AvailabilityWindow) {
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })
}

func validateBounds(start, end time.Duration) error {
	if start < 0 || end > 24*time.Hour {
		return apperr.Invalid("availability window must lie within one day")
	}
	if start >= end {
		return apperr.Invalid("availability window start must be before end")
	}
	return nil
}

func clockString(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
