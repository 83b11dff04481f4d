package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/model"
)

type fakeStore struct {
	windows map[uuid.UUID]model.AvailabilityWindow
}

func (f *fakeStore) ListWindows(ctx context.Context, masterID uuid.UUID, date time.Time) ([]model.AvailabilityWindow, error) {
	var out []model.AvailabilityWindow
	for _, w := range f.windows {
		if w.MasterID == masterID && w.Date.Equal(date) {
			out = append(out, w)
		}
	}
	SortWindows(out)
	return out, nil
}

func (f *fakeStore) InsertWindow(ctx context.Context, w model.AvailabilityWindow) error {
	f.windows[w.ID] = w
	return nil
}

func (f *fakeStore) GetWindow(ctx context.Context, id uuid.UUID) (model.AvailabilityWindow, error) {
	w, ok := f.windows[id]
	if !ok {
		return model.AvailabilityWindow{}, apperr.NotFound("availability window", id)
	}
	return w, nil
}

func (f *fakeStore) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	delete(f.windows, id)
	return nil
}

var today = time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

func newTracker() (*Tracker, *fakeStore) {
	return NewTracker(clock.NewManual(today)), &fakeStore{windows: map[uuid.UUID]model.AvailabilityWindow{}}
}

func TestAddRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	tr, st := newTracker()
	m := uuid.New()

	_, err := tr.Add(ctx, st, m, today, 9*time.Hour, 13*time.Hour)
	require.NoError(t, err)
	_, err = tr.Add(ctx, st, m, today, 13*time.Hour, 17*time.Hour)
	require.NoError(t, err, "touching windows do not overlap")

	_, err = tr.Add(ctx, st, m, today, 12*time.Hour, 14*time.Hour)
	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindConflict, Reason: apperr.ReasonWindowOverlap}))

	_, err = tr.Add(ctx, st, uuid.New(), today, 12*time.Hour, 14*time.Hour)
	assert.NoError(t, err, "other master is independent")
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	tr, st := newTracker()
	m := uuid.New()

	tests := []struct {
		name       string
		date       time.Time
		start, end time.Duration
	}{
		{name: "start after end", date: today, start: 14 * time.Hour, end: 10 * time.Hour},
		{name: "empty", date: today, start: 10 * time.Hour, end: 10 * time.Hour},
		{name: "past date", date: today.AddDate(0, 0, -1), start: 9 * time.Hour, end: 10 * time.Hour},
		{name: "beyond day", date: today, start: 20 * time.Hour, end: 25 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Add(ctx, st, m, tt.date, tt.start, tt.end)
			assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
		})
	}
}

func TestCovers(t *testing.T) {
	windows := []model.AvailabilityWindow{
		{Start: 9 * time.Hour, End: 11 * time.Hour},
		{Start: 13 * time.Hour, End: 17 * time.Hour},
	}

	assert.False(t, Covers(windows, 8*time.Hour))
	assert.True(t, Covers(windows, 9*time.Hour))
	assert.True(t, Covers(windows, 10*time.Hour+59*time.Minute))
	assert.False(t, Covers(windows, 11*time.Hour))
	assert.False(t, Covers(windows, 12*time.Hour))
	assert.True(t, Covers(windows, 15*time.Hour))
	assert.False(t, Covers(windows, 17*time.Hour))
	assert.False(t, Covers(nil, 10*time.Hour))
}

func TestTrackerCoversAndRemove(t *testing.T) {
	ctx := context.Background()
	tr, st := newTracker()
	m := uuid.New()

	w, err := tr.Add(ctx, st, m, today, 9*time.Hour, 12*time.Hour)
	require.NoError(t, err)

	ok, err := tr.Covers(ctx, st, m, clock.Day(today).Add(10*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	err = tr.Remove(ctx, st, uuid.New(), w.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	require.NoError(t, tr.Remove(ctx, st, m, w.ID))
	ok, err = tr.Covers(ctx, st, m, clock.Day(today).Add(10*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}
