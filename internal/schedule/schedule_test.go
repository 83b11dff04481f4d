package schedule

import (
	"context"
	"errors"
	"sort"
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
	schedules   map[string]model.DailySchedule
	slots       map[uuid.UUID]model.OrderSlot
	orderStatus map[uuid.UUID]model.OrderStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schedules:   map[string]model.DailySchedule{},
		slots:       map[uuid.UUID]model.OrderSlot{},
		orderStatus: map[uuid.UUID]model.OrderStatus{},
	}
}

func key(m uuid.UUID, d time.Time) string { return m.String() + d.Format(time.DateOnly) }

func (f *fakeStore) GetSchedule(ctx context.Context, masterID uuid.UUID, date time.Time) (*model.DailySchedule, error) {
	s, ok := f.schedules[key(masterID, date)]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeStore) InsertSchedule(ctx context.Context, s model.DailySchedule) error {
	f.schedules[key(s.MasterID, s.Date)] = s
	return nil
}

func (f *fakeStore) UpdateSchedule(ctx context.Context, s model.DailySchedule) error {
	f.schedules[key(s.MasterID, s.Date)] = s
	return nil
}

func (f *fakeStore) ListDaySlots(ctx context.Context, masterID uuid.UUID, date time.Time) ([]model.OrderSlot, error) {
	var out []model.OrderSlot
	for _, s := range f.slots {
		if s.MasterID == masterID && s.Date.Equal(date) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotNumber < out[j].SlotNumber })
	return out, nil
}

func (f *fakeStore) GetSlotByOrder(ctx context.Context, orderID uuid.UUID) (*model.OrderSlot, error) {
	for _, s := range f.slots {
		if s.OrderID == orderID {
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertSlot(ctx context.Context, slot model.OrderSlot) error {
	for _, s := range f.slots {
		if s.MasterID == slot.MasterID && s.Date.Equal(slot.Date) && s.SlotNumber == slot.SlotNumber && s.Status.Occupies() {
			return apperr.SlotOccupied(slot.SlotNumber, s.OrderID)
		}
	}
	f.slots[slot.ID] = slot
	return nil
}

func (f *fakeStore) UpdateSlotStatus(ctx context.Context, slotID uuid.UUID, status model.SlotStatus) error {
	s := f.slots[slotID]
	s.Status = status
	f.slots[slotID] = s
	return nil
}

func (f *fakeStore) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	delete(f.slots, slotID)
	return nil
}

func (f *fakeStore) ListMasterSlots(ctx context.Context, masterID uuid.UUID) ([]SlotWithOrder, error) {
	var out []SlotWithOrder
	for _, s := range f.slots {
		if s.MasterID == masterID {
			out = append(out, SlotWithOrder{Slot: s, OrderStatus: f.orderStatus[s.OrderID]})
		}
	}
	return out, nil
}

var now = time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

func alwaysCovered(context.Context, uuid.UUID, time.Time) (bool, error) { return true, nil }

func coveredFrom(from time.Duration) Coverage {
	return func(_ context.Context, _ uuid.UUID, at time.Time) (bool, error) {
		return at.Sub(clock.Day(at)) >= from, nil
	}
}

func newAllocator() (*Allocator, *fakeStore) {
	return NewAllocator(clock.NewManual(now), StandardDefaults), newFakeStore()
}

func TestDailyScheduleIsCreatedLazilyOnce(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m := uuid.New()

	s1, err := a.DailySchedule(ctx, st, m, now)
	require.NoError(t, err)
	s2, err := a.DailySchedule(ctx, st, m, now.Add(3*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, 8, s1.MaxSlots)
	assert.Equal(t, clock.Day(now), s1.Date)
	assert.Len(t, st.schedules, 1)
}

func TestAssignByNumberTimeAndEarliest(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m := uuid.New()

	slot, err := a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now, SlotNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour, slot.SlotTime)
	assert.Equal(t, model.SlotReserved, slot.Status)

	at := 13*time.Hour + 30*time.Minute
	slot, err = a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now, SlotTime: &at})
	require.NoError(t, err)
	assert.Equal(t, 3, slot.SlotNumber)
	assert.Equal(t, 13*time.Hour, slot.SlotTime)

	slot, err = a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now})
	require.NoError(t, err)
	assert.Equal(t, 2, slot.SlotNumber, "earliest free slot is the lowest number")

	free, err := a.AvailableSlots(ctx, st, m, now)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5, 6, 7, 8}, free)
}

func TestAssignFailures(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m := uuid.New()
	first := uuid.New()

	_, err := a.Assign(ctx, st, alwaysCovered, Request{OrderID: first, MasterID: m, Date: now, SlotNumber: 3})
	require.NoError(t, err)

	_, err = a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now, SlotNumber: 3})
	var e *apperr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, apperr.ReasonSlotOccupied, e.Reason)
	require.NotNil(t, e.OccupyingOrderID)
	assert.Equal(t, first, *e.OccupyingOrderID)

	_, err = a.Assign(ctx, st, alwaysCovered, Request{OrderID: first, MasterID: m, Date: now, SlotNumber: 4})
	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindConflict, Reason: apperr.ReasonOrderAlreadySlotted}))

	_, err = a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now, SlotNumber: 9})
	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindInvalidInput, Reason: apperr.ReasonInvalidSlotNumber}))

	late := 8 * time.Hour
	_, err = a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now, SlotTime: &late})
	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindInvalidInput, Reason: apperr.ReasonInvalidSlotNumber}))

	_, err = a.Assign(ctx, st, coveredFrom(12*time.Hour), Request{OrderID: uuid.New(), MasterID: m, Date: now, SlotNumber: 1})
	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindUnavailable, Reason: apperr.ReasonOutsideAvailability}))
}

func TestAssignEarliestRespectsAvailability(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m := uuid.New()

	slot, err := a.Assign(ctx, st, coveredFrom(12*time.Hour), Request{OrderID: uuid.New(), MasterID: m, Date: now})
	require.NoError(t, err)
	assert.Equal(t, 3, slot.SlotNumber)

	slot, err = a.Assign(ctx, st, coveredFrom(12*time.Hour), Request{OrderID: uuid.New(), MasterID: m, Date: now, IgnoreAvailability: true})
	require.NoError(t, err)
	assert.Equal(t, 1, slot.SlotNumber)
}

func TestAssignOnDayOff(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m := uuid.New()

	_, err := a.Configure(ctx, st, m, now, StandardDefaults, false)
	require.NoError(t, err)

	_, err = a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now})
	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindUnavailable, Reason: apperr.ReasonNoSchedule}))

	free, err := a.AvailableSlots(ctx, st, m, now)
	require.NoError(t, err)
	assert.Empty(t, free)
}

func TestAssignFullDay(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m := uuid.New()
	for i := 0; i < 8; i++ {
		_, err := a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now})
		require.NoError(t, err)
	}
	_, err := a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m, o := uuid.New(), uuid.New()

	before, err := a.AvailableSlots(ctx, st, m, now)
	require.NoError(t, err)

	_, err = a.Assign(ctx, st, alwaysCovered, Request{OrderID: o, MasterID: m, Date: now, SlotNumber: 5})
	require.NoError(t, err)

	released, err := a.Release(ctx, st, o)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, 5, released.SlotNumber)

	after, err := a.AvailableSlots(ctx, st, m, now)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	released, err = a.Release(ctx, st, o)
	require.NoError(t, err)
	assert.Nil(t, released)
}

func TestCleanupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m := uuid.New()

	done, rejected, live, closed := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	for i, o := range []uuid.UUID{done, rejected, live, closed} {
		_, err := a.Assign(ctx, st, alwaysCovered, Request{OrderID: o, MasterID: m, Date: now, SlotNumber: i + 1})
		require.NoError(t, err)
	}
	st.orderStatus[done] = model.OrderCompleted
	st.orderStatus[rejected] = model.OrderRejected
	st.orderStatus[live] = model.OrderInProgress
	st.orderStatus[closed] = model.OrderAssigned
	slot, _ := st.GetSlotByOrder(ctx, closed)
	require.NoError(t, st.UpdateSlotStatus(ctx, slot.ID, model.SlotCancelled))

	removed, err := a.Cleanup(ctx, st, m)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	removed, err = a.Cleanup(ctx, st, m)
	require.NoError(t, err)
	assert.Zero(t, removed)

	left, _ := st.GetSlotByOrder(ctx, live)
	assert.NotNil(t, left)
}

func TestConfigureRefusesToDropOccupiedSlots(t *testing.T) {
	ctx := context.Background()
	a, st := newAllocator()
	m := uuid.New()

	_, err := a.Assign(ctx, st, alwaysCovered, Request{OrderID: uuid.New(), MasterID: m, Date: now, SlotNumber: 8})
	require.NoError(t, err)

	_, err = a.Configure(ctx, st, m, now, Defaults{WorkStart: 9 * time.Hour, WorkEnd: 17 * time.Hour, SlotDuration: 2 * time.Hour, MaxSlots: 4}, true)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = a.Configure(ctx, st, m, now, Defaults{WorkStart: 8 * time.Hour, WorkEnd: 17 * time.Hour, SlotDuration: 2 * time.Hour, MaxSlots: 8}, true)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "shifting the grid moves slot 8")

	s, err := a.Configure(ctx, st, m, now, Defaults{WorkStart: 9 * time.Hour, WorkEnd: 18 * time.Hour, SlotDuration: 2 * time.Hour, MaxSlots: 8}, true)
	require.NoError(t, err)
	assert.Equal(t, 8, s.MaxSlots)
	assert.Equal(t, 18*time.Hour, s.WorkEnd)

	_, err = a.Configure(ctx, st, m, now, Defaults{WorkStart: 9 * time.Hour, WorkEnd: 17 * time.Hour, SlotDuration: 2 * time.Hour, MaxSlots: 0}, true)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))

	_, err = a.Configure(ctx, st, m, now, Defaults{WorkStart: 9 * time.Hour, WorkEnd: 17 * time.Hour, SlotDuration: 2 * time.Hour, MaxSlots: 9}, true)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput), "slot 9 would start at 01:00 next day")

	_, err = a.Configure(ctx, st, m, now, StandardDefaults, false)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "day off with an occupied slot")
}

func TestNumberAtAndSlotTime(t *testing.T) {
	s := model.DailySchedule{WorkStart: 9 * time.Hour, WorkEnd: 17 * time.Hour, SlotDuration: 2 * time.Hour, MaxSlots: 8}
	for n := 1; n <= 4; n++ {
		got, ok := NumberAt(s, SlotTime(s, n))
		assert.True(t, ok)
		assert.Equal(t, n, got)
	}
	_, ok := NumberAt(s, 8*time.Hour)
	assert.False(t, ok)
	_, ok = NumberAt(s, 25*time.Hour)
	assert.False(t, ok)
	assert.Equal(t, 23*time.Hour, SlotTime(s, 8))
}
