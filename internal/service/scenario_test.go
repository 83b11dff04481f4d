package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/metrics"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/repository/memory"
	"github.com/fieldops/dispatch/internal/service"
)

type fixture struct {
	ctx      context.Context
	clk      *clock.Manual
	svc      *service.Service
	admin    access.Principal
	curator  access.Principal
	operator access.Principal
	master   access.Principal
	master2  access.Principal
	warranty access.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, memory.New())
}

func newFixtureOn(t *testing.T, store service.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC))
	opts := service.DefaultOptions()
	opts.Metrics = metrics.New()
	svc := service.NewService(store, clk, zap.NewNop(), opts)

	require.NoError(t, svc.EnsureAdmin(ctx, "root@example.com", "secret"))
	admin, err := svc.Login(ctx, "root@example.com", "secret")
	require.NoError(t, err)

	f := &fixture{ctx: ctx, clk: clk, svc: svc, admin: admin}
	f.curator = f.user(t, "curator@example.com", model.RoleCurator)
	f.operator = f.user(t, "operator@example.com", model.RoleOperator)
	f.master = f.user(t, "master@example.com", model.RoleMaster)
	f.master2 = f.user(t, "master2@example.com", model.RoleMaster)
	f.warranty = f.user(t, "warranty@example.com", model.RoleWarrantyMaster)
	return f
}

func (f *fixture) user(t *testing.T, email string, role model.Role) access.Principal {
	t.Helper()
	u, err := f.svc.RegisterUser(f.ctx, f.admin, service.NewUser{Email: email, Name: email, Password: "pw", Role: role})
	require.NoError(t, err)
	return access.Principal{ID: u.ID, Role: u.Role}
}

// openToday открывает мастеру окно 09:00-17:00 на текущий день.
func (f *fixture) openToday(t *testing.T, m access.Principal) {
	t.Helper()
	_, err := f.svc.AddAvailability(f.ctx, m, m.ID, f.clk.Now(), 9*time.Hour, 17*time.Hour)
	require.NoError(t, err)
}

func (f *fixture) newOrder(t *testing.T, cost int64) model.Order {
	t.Helper()
	o, err := f.svc.CreateOrder(f.ctx, f.operator, service.NewOrder{
		ClientName:    "Иван",
		ClientPhone:   "8 (912) 345-67-89",
		Description:   "не греет бойлер",
		Address:       model.Address{Street: "Ленина", House: "12", Apartment: "45"},
		EstimatedCost: decimal.NewNullDecimal(decimal.NewFromInt(cost)),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) assign(t *testing.T, o model.Order, m access.Principal, slot int) service.Assignment {
	t.Helper()
	today := clock.Day(f.clk.Now())
	a, err := f.svc.AssignOrder(f.ctx, f.curator, o.ID, m.ID, &service.SlotHint{Date: &today, SlotNumber: slot})
	require.NoError(t, err)
	return a
}

// submit доводит назначенный заказ до отчёта на проверке.
func (f *fixture) submit(t *testing.T, o model.Order, m access.Principal, received, parts, transport int64) model.Completion {
	t.Helper()
	cur, err := f.svc.GetOrder(f.ctx, m, o.ID)
	require.NoError(t, err)
	if cur.Status != model.OrderInProgress {
		_, err = f.svc.StartOrder(f.ctx, m, o.ID)
		require.NoError(t, err)
	}
	c, err := f.svc.SubmitCompletion(f.ctx, m, o.ID, service.CompletionInput{
		WorkDescription: "заменён ТЭН",
		Photos:          []string{"orders/1/before.jpg", "orders/1/after.jpg"},
		PartsExpenses:   decimal.NewFromInt(parts),
		TransportCosts:  decimal.NewFromInt(transport),
		TotalReceived:   decimal.NewFromInt(received),
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) model.Balance {
	t.Helper()
	b, err := f.svc.Balance(f.ctx, f.admin, id)
	require.NoError(t, err)
	return b
}

func (f *fixture) treasury(t *testing.T) decimal.Decimal {
	t.Helper()
	tr, err := f.svc.Treasury(f.ctx, f.admin)
	require.NoError(t, err)
	return tr.Amount
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

func TestHappyPathDistribution(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 10000)
	assert.Equal(t, "+79123456789", o.ClientPhone)

	a := f.assign(t, o, f.master, 1)
	require.NotNil(t, a.Slot)
	assert.Equal(t, model.OrderAssigned, a.Order.Status)
	assert.Equal(t, 9*time.Hour, a.Slot.SlotTime)

	c := f.submit(t, o, f.master, 10000, 1000, 500)
	res, err := f.svc.ReviewCompletion(f.ctx, f.curator, c.ID, true, "ok")
	require.NoError(t, err)

	require.NotNil(t, res.Split)
	assertAmount(t, 8500, res.Split.Net)
	assert.Equal(t, model.OrderCompleted, res.Order.Status)
	assert.True(t, res.Completion.Distributed)

	mb := f.balance(t, f.master.ID)
	assertAmount(t, 2550, mb.PaidOut)
	assertAmount(t, 2550, mb.Available)
	assertAmount(t, 425, f.balance(t, f.curator.ID).Available)
	assertAmount(t, 2975, f.treasury(t))

	day, err := f.svc.DailySchedule(f.ctx, f.master, f.master.ID, f.clk.Now())
	require.NoError(t, err)
	for _, s := range day.Slots {
		assert.True(t, s.Free(), "slot %d must be free after approval", s.Number)
	}

	entries, err := f.svc.LedgerExport(f.ctx, f.admin)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestApproveTwiceDoesNotRedistribute(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 10000)
	f.assign(t, o, f.master, 1)
	c := f.submit(t, o, f.master, 10000, 1000, 500)

	_, err := f.svc.ReviewCompletion(f.ctx, f.curator, c.ID, true, "")
	require.NoError(t, err)
	_, err = f.svc.ReviewCompletion(f.ctx, f.curator, c.ID, true, "")
	assert.ErrorIs(t, err, apperr.ErrStateMismatch)

	assertAmount(t, 2975, f.treasury(t))
	assertAmount(t, 2550, f.balance(t, f.master.ID).PaidOut)
}

func TestConcurrentSlotGrab(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	orders := []model.Order{f.newOrder(t, 1000), f.newOrder(t, 2000)}
	today := clock.Day(f.clk.Now())

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(orders))
	)
	for i, o := range orders {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.AssignOrder(f.ctx, f.curator, id, f.master.ID, &service.SlotHint{Date: &today, SlotNumber: 3})
		}(i, o.ID)
	}
	wg.Wait()

	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])
	require.Error(t, errs[loser])
	assert.ErrorIs(t, errs[loser], &apperr.Error{Kind: apperr.KindConflict, Reason: apperr.ReasonSlotOccupied})

	var e *apperr.Error
	require.True(t, errors.As(errs[loser], &e))
	require.NotNil(t, e.OccupyingOrderID)
	assert.Equal(t, orders[winner].ID, *e.OccupyingOrderID)

	lost, err := f.svc.GetOrder(f.ctx, f.curator, orders[loser].ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderNew, lost.Status)
	assert.Nil(t, lost.AssignedMasterID)
}

func TestRejectionLoopDistributesOnce(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 10000)
	f.assign(t, o, f.master, 2)

	first := f.submit(t, o, f.master, 10000, 1000, 500)
	res, err := f.svc.ReviewCompletion(f.ctx, f.curator, first.ID, false, "redo wiring")
	require.NoError(t, err)
	assert.Equal(t, model.OrderInProgress, res.Order.Status)
	assert.Equal(t, model.CompletionRejected, res.Completion.Status)
	require.NotNil(t, res.Slot)
	assert.True(t, res.Slot.Date.Equal(clock.Day(f.clk.Now())))
	assert.Equal(t, model.SlotInProgress, res.Slot.Status)

	_, err = f.svc.ReviewCompletion(f.ctx, f.curator, first.ID, true, "")
	assert.ErrorIs(t, err, apperr.ErrStateMismatch)

	second := f.submit(t, o, f.master, 10000, 1000, 500)
	_, err = f.svc.ReviewCompletion(f.ctx, f.curator, second.ID, true, "")
	require.NoError(t, err)

	all, err := f.svc.OrderCompletions(f.ctx, f.master, o.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "redo wiring", all[0].ReviewerNotes)

	entries, err := f.svc.LedgerExport(f.ctx, f.admin)
	require.NoError(t, err)
	groups := map[uuid.UUID]bool{}
	for _, e := range entries {
		if e.OrderID != nil && *e.OrderID == o.ID && e.GroupID != nil {
			groups[*e.GroupID] = true
		}
	}
	assert.Len(t, groups, 1)
	assertAmount(t, 2975, f.treasury(t))
}

func TestDuplicateCompletionRejected(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 5000)
	f.assign(t, o, f.master, 1)
	f.submit(t, o, f.master, 5000, 0, 0)

	_, err := f.svc.SubmitCompletion(f.ctx, f.master, o.ID, service.CompletionInput{
		WorkDescription: "ещё раз",
		TotalReceived:   decimal.NewFromInt(5000),
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindConflict, Reason: apperr.ReasonDuplicateCompletion})

	got, err := f.svc.OrderCompletions(f.ctx, f.curator, o.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestWarrantyTransferFine(t *testing.T) {
	tests := []struct {
		name      string
		available int64
		wantFine  int64
		wantLeft  int64
	}{
		{name: "full fine", available: 8000, wantFine: 5000, wantLeft: 3000},
		{name: "clamped to zero", available: 3000, wantFine: 3000, wantLeft: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.openToday(t, f.master)
			f.openToday(t, f.warranty)
			_, err := f.svc.TopUp(f.ctx, f.admin, f.master.ID, decimal.NewFromInt(tt.available), "аванс")
			require.NoError(t, err)

			o := f.newOrder(t, 10000)
			f.assign(t, o, f.master, 1)
			_, err = f.svc.StartOrder(f.ctx, f.master, o.ID)
			require.NoError(t, err)

			today := clock.Day(f.clk.Now())
			res, err := f.svc.TransferToWarranty(f.ctx, f.admin, o.ID, f.warranty.ID, &service.SlotHint{Date: &today, SlotNumber: 2})
			require.NoError(t, err)

			assert.Equal(t, model.OrderWarrantyTransferred, res.Order.Status)
			require.NotNil(t, res.Fine)
			assert.Equal(t, service.ReasonWarrantyFine, res.Fine.Reason)
			assertAmount(t, -tt.wantFine, res.Fine.Amount)
			assertAmount(t, tt.wantLeft, f.balance(t, f.master.ID).Available)

			require.NotNil(t, res.Slot)
			assert.Equal(t, f.warranty.ID, res.Slot.MasterID)
			assert.Equal(t, 2, res.Slot.SlotNumber)

			free, err := f.svc.AvailableSlots(f.ctx, f.master, f.master.ID, today)
			require.NoError(t, err)
			assert.Contains(t, free, 1)

			_, err = f.svc.StartOrder(f.ctx, f.master, o.ID)
			assert.ErrorIs(t, err, apperr.ErrForbidden)
			_, err = f.svc.StartOrder(f.ctx, f.warranty, o.ID)
			assert.NoError(t, err)
		})
	}
}

func TestWarrantyTransferWithoutFine(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 10000)
	f.assign(t, o, f.master, 1)

	res, err := f.svc.TransferToWarranty(f.ctx, f.curator, o.ID, f.warranty.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Fine)
	assert.Nil(t, res.Slot)
	assert.Nil(t, res.Order.ScheduledDate)

	_, err = f.svc.TransferToWarranty(f.ctx, f.curator, f.newOrder(t, 100).ID, f.master2.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestTierPromotionAndPin(t *testing.T) {
	f := newFixture(t)

	vis, err := f.svc.VisibleOrdersForMaster(f.ctx, f.master, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, vis.Tier)
	assert.Equal(t, 24*time.Hour, vis.Lookahead)

	for i := 0; i < 10; i++ {
		f.openToday(t, f.master)
		o := f.newOrder(t, 70000)
		f.assign(t, o, f.master, 0)
		c := f.submit(t, o, f.master, 70000, 0, 0)
		_, err := f.svc.ReviewCompletion(f.ctx, f.curator, c.ID, true, "")
		require.NoError(t, err)
		f.clk.Advance(24 * time.Hour)
	}

	vis, err = f.svc.VisibleOrdersForMaster(f.ctx, f.master, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, vis.Tier)
	assert.Equal(t, 28*time.Hour, vis.Lookahead)
	assertAmount(t, 70000, vis.Stats.AverageCheck)

	_, err = f.svc.SetTier(f.ctx, f.curator, f.master.ID, 2, true)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	u, err := f.svc.SetTier(f.ctx, f.admin, f.master.ID, 2, true)
	require.NoError(t, err)
	assert.True(t, u.TierPinned)

	changed, err := f.svc.RecomputeTiers(f.ctx, f.admin)
	require.NoError(t, err)
	assert.Zero(t, changed)

	vis, err = f.svc.VisibleOrdersForMaster(f.ctx, f.master, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, vis.Tier)
	assert.True(t, vis.Pinned)
	assert.Equal(t, 48*time.Hour, vis.Lookahead)

	_, err = f.svc.SetTier(f.ctx, f.admin, f.master.ID, 2, false)
	require.NoError(t, err)
	vis, err = f.svc.VisibleOrdersForMaster(f.ctx, f.master, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, vis.Tier)
}

func TestVisibleOrdersAndTake(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	old := f.newOrder(t, 1000)
	f.clk.Advance(25 * time.Hour)
	f.openToday(t, f.master)
	fresh := f.newOrder(t, 2000)

	vis, err := f.svc.VisibleOrdersForMaster(f.ctx, f.master, f.master.ID)
	require.NoError(t, err)
	require.Len(t, vis.Orders, 1)
	assert.Equal(t, fresh.ID, vis.Orders[0].ID)

	_, err = f.svc.TakeOrder(f.ctx, f.master, old.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	a, err := f.svc.TakeOrder(f.ctx, f.master, fresh.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OrderAssigned, a.Order.Status)
	assert.Nil(t, a.Order.CuratorID)

	_, err = f.svc.GetOrder(f.ctx, f.master2, fresh.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMasterPolicyOverride(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetMasterPolicy(f.ctx, f.admin, f.master.ID, service.PolicyInput{MasterPaid: 40, MasterBalance: 30, Curator: 10, Company: 20}, true)
	require.NoError(t, err)

	_, err = f.svc.SetMasterPolicy(f.ctx, f.admin, f.master.ID, service.PolicyInput{MasterPaid: 40, MasterBalance: 30, Curator: 10, Company: 30}, true)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	f.openToday(t, f.master)
	f.openToday(t, f.master2)
	o1 := f.newOrder(t, 10000)
	o2 := f.newOrder(t, 10000)
	f.assign(t, o1, f.master, 1)
	f.assign(t, o2, f.master2, 1)

	c1 := f.submit(t, o1, f.master, 10000, 1000, 500)
	res, err := f.svc.ReviewCompletion(f.ctx, f.curator, c1.ID, true, "")
	require.NoError(t, err)
	assertAmount(t, 3400, res.Split.Immediate)
	assertAmount(t, 2550, res.Split.Deferred)
	assertAmount(t, 850, res.Split.Curator)
	assertAmount(t, 1700, res.Split.Company)

	c2 := f.submit(t, o2, f.master2, 10000, 1000, 500)
	res, err = f.svc.ReviewCompletion(f.ctx, f.curator, c2.ID, true, "")
	require.NoError(t, err)
	assertAmount(t, 2550, res.Split.Immediate)
	assertAmount(t, 2975, res.Split.Company)

	assertAmount(t, 1700+2975, f.treasury(t))
	assertAmount(t, 850+425, f.balance(t, f.curator.ID).Available)

	p, err := f.svc.EffectivePolicy(f.ctx, f.master, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, p.MasterPaid)
}

func TestNegativeNetProfitDistributesNothing(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 1000)
	f.assign(t, o, f.master, 1)
	c := f.submit(t, o, f.master, 1000, 1500, 0)

	res, err := f.svc.ReviewCompletion(f.ctx, f.curator, c.ID, true, "")
	require.NoError(t, err)
	assert.True(t, res.Split.Net.IsZero())
	assert.True(t, f.treasury(t).IsZero())

	entries, err := f.svc.LedgerExport(f.ctx, f.admin)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOneOrderInProgress(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o1, o2 := f.newOrder(t, 100), f.newOrder(t, 200)
	f.assign(t, o1, f.master, 1)
	f.assign(t, o2, f.master, 2)

	_, err := f.svc.StartOrder(f.ctx, f.master, o1.ID)
	require.NoError(t, err)
	_, err = f.svc.StartOrder(f.ctx, f.master, o2.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestReleaseAssignmentFreesSlot(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 100)
	f.assign(t, o, f.master, 4)

	got, err := f.svc.ReleaseAssignment(f.ctx, f.curator, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderNew, got.Status)
	assert.Nil(t, got.AssignedMasterID)
	assert.Nil(t, got.ScheduledDate)

	free, err := f.svc.AvailableSlots(f.ctx, f.master, f.master.ID, f.clk.Now())
	require.NoError(t, err)
	assert.Contains(t, free, 4)

	audit, err := f.svc.OrderAudit(f.ctx, f.operator, o.ID)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, model.AuditUnassigned, audit[2].Action)
}

func TestReleaseRestoresRequestedSchedule(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	today := clock.Day(f.clk.Now())
	eleven := 11 * time.Hour

	created, err := f.svc.CreateOrder(f.ctx, f.operator, service.NewOrder{
		ClientName:  "Пётр",
		ClientPhone: "8 (912) 345-67-89",
		Address:     model.Address{Street: "Мира", House: "3"},
		Schedule:    &service.SlotHint{Date: &today, Time: &eleven},
	})
	require.NoError(t, err)
	before, err := f.svc.GetOrder(f.ctx, f.operator, created.ID)
	require.NoError(t, err)

	a := f.assign(t, before, f.master, 4)
	require.NotNil(t, a.Order.ScheduledTime)
	assert.Equal(t, 15*time.Hour, *a.Order.ScheduledTime)

	_, err = f.svc.ReleaseAssignment(f.ctx, f.curator, before.ID)
	require.NoError(t, err)
	after, err := f.svc.GetOrder(f.ctx, f.operator, before.ID)
	require.NoError(t, err)

	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.AssignedMasterID, after.AssignedMasterID)
	require.NotNil(t, after.ScheduledDate)
	assert.True(t, before.ScheduledDate.Equal(*after.ScheduledDate))
	require.NotNil(t, after.ScheduledTime)
	assert.Equal(t, eleven, *after.ScheduledTime)

	free, err := f.svc.AvailableSlots(f.ctx, f.master, f.master.ID, today)
	require.NoError(t, err)
	assert.Contains(t, free, 4)
}

func TestAssignOutsideAvailability(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t, 100)
	today := clock.Day(f.clk.Now())

	_, err := f.svc.AssignOrder(f.ctx, f.curator, o.ID, f.master.ID, &service.SlotHint{Date: &today, SlotNumber: 1})
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindUnavailable, Reason: apperr.ReasonOutsideAvailability})

	yesterday := today.AddDate(0, 0, -1)
	_, err = f.svc.AssignOrder(f.ctx, f.curator, o.ID, f.master.ID, &service.SlotHint{Date: &yesterday})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	got, err := f.svc.GetOrder(f.ctx, f.curator, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderNew, got.Status)
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 100)

	_, err := f.svc.AssignOrder(f.ctx, f.master, o.ID, f.master.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.CreateOrder(f.ctx, f.master, service.NewOrder{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.RegisterUser(f.ctx, f.curator, service.NewUser{Email: "x@example.com", Password: "pw", Role: model.RoleMaster})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	f.assign(t, o, f.master, 1)
	c := f.submit(t, o, f.master, 100, 0, 0)

	_, err = f.svc.ReviewCompletion(f.ctx, f.operator, c.ID, true, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.ReviewCompletion(f.ctx, f.master, c.ID, true, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Balance(f.ctx, f.master2, f.master.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Treasury(f.ctx, f.curator)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Completion(f.ctx, f.master2, c.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFineMasterInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FineMaster(f.ctx, f.curator, f.master.ID, decimal.NewFromInt(100), "опоздание")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = f.svc.TopUp(f.ctx, f.admin, f.master.ID, decimal.NewFromInt(300), "аванс")
	require.NoError(t, err)
	e, err := f.svc.FineMaster(f.ctx, f.curator, f.master.ID, decimal.NewFromInt(100), "опоздание")
	require.NoError(t, err)
	assertAmount(t, 300, e.Pre)
	assertAmount(t, 200, e.Post)

	_, err = f.svc.FineMaster(f.ctx, f.curator, f.master.ID, decimal.NewFromInt(100), " ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	entries, err := f.svc.LedgerEntries(f.ctx, f.master, f.master.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.LedgerDeduct, entries[0].Kind)
}

func TestLoginAndDuplicateEmail(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.Login(f.ctx, " Master@Example.com ", "pw")
	require.NoError(t, err)
	assert.Equal(t, f.master, p)

	_, err = f.svc.Login(f.ctx, "master@example.com", "wrong")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Login(f.ctx, "nobody@example.com", "pw")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.RegisterUser(f.ctx, f.admin, service.NewUser{Email: "master@example.com", Password: "pw", Role: model.RoleMaster})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NoError(t, f.svc.EnsureAdmin(f.ctx, "root@example.com", "secret"))
}

func TestConfigureScheduleRefusesOccupiedSlot(t *testing.T) {
	f := newFixture(t)
	f.openToday(t, f.master)
	o := f.newOrder(t, 100)
	f.assign(t, o, f.master, 4)

	short := service.DefaultOptions().Schedule
	short.MaxSlots = 3
	_, err := f.svc.ConfigureSchedule(f.ctx, f.master, f.master.ID, f.clk.Now(), short, true)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.svc.ConfigureSchedule(f.ctx, f.master2, f.master.ID, f.clk.Now(), short, true)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	audit, err := f.svc.SystemAudit(f.ctx, f.admin)
	require.NoError(t, err)
	for _, e := range audit {
		assert.NotEqual(t, model.AuditScheduleChanged, e.Action)
	}
}

func TestMaintenanceSweepsAndStops(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		f.svc.StartMaintenance(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}

	f.svc.StartMaintenance(f.ctx, 0)
}
