// Package memory содержит хранилище в памяти процесса для локального запуска и тестов.
// Транзакции выполняются строго по одной; откат отбрасывает рабочую копию состояния.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/policy"
	"github.com/fieldops/dispatch/internal/schedule"
	"github.com/fieldops/dispatch/internal/service"
)

type scheduleKey struct {
	master uuid.UUID
	date   string
}

func keyOf(master uuid.UUID, date time.Time) scheduleKey {
	return scheduleKey{master: master, date: date.Format(time.DateOnly)}
}

type state struct {
	users          map[uuid.UUID]model.User
	balances       map[uuid.UUID]model.Balance
	treasury       model.Treasury
	ledger         []model.LedgerEntry
	globalPolicy   model.ProfitPolicy
	masterPolicies map[uuid.UUID]model.ProfitPolicy
	distance       model.DistanceSettings
	orders         map[uuid.UUID]model.Order
	completions    map[uuid.UUID]model.Completion
	completionSeq  map[uuid.UUID]int
	windows        map[uuid.UUID]model.AvailabilityWindow
	schedules      map[scheduleKey]model.DailySchedule
	slots          map[uuid.UUID]model.OrderSlot
	audit          []model.AuditEntry
	seq            int
}

// clone делает рабочую копию. Журналы только дописываются, поэтому их срезы
// ограничиваются по ёмкости и append в копии не трогает оригинал.
func (s *state) clone() *state {
	return &state{
		users:          maps.Clone(s.users),
		balances:       maps.Clone(s.balances),
		treasury:       s.treasury,
		ledger:         s.ledger[:len(s.ledger):len(s.ledger)],
		globalPolicy:   s.globalPolicy,
		masterPolicies: maps.Clone(s.masterPolicies),
		distance:       s.distance,
		orders:         maps.Clone(s.orders),
		completions:    maps.Clone(s.completions),
		completionSeq:  maps.Clone(s.completionSeq),
		windows:        maps.Clone(s.windows),
		schedules:      maps.Clone(s.schedules),
		slots:          maps.Clone(s.slots),
		audit:          s.audit[:len(s.audit):len(s.audit)],
		seq:            s.seq,
	}
}

// Store реализует service.Store в памяти.
type Store struct {
	mu sync.Mutex
	st *state
}

// New создаёт пустое хранилище с глобальной политикой и порогами по умолчанию.
func New() *Store {
	return &Store{st: &state{
		users:          make(map[uuid.UUID]model.User),
		balances:       make(map[uuid.UUID]model.Balance),
		globalPolicy:   policy.Default,
		masterPolicies: make(map[uuid.UUID]model.ProfitPolicy),
		distance:       model.DefaultDistanceSettings(),
		orders:         make(map[uuid.UUID]model.Order),
		completions:    make(map[uuid.UUID]model.Completion),
		completionSeq:  make(map[uuid.UUID]int),
		windows:        make(map[uuid.UUID]model.AvailabilityWindow),
		schedules:      make(map[scheduleKey]model.DailySchedule),
		slots:          make(map[uuid.UUID]model.OrderSlot),
	}}
}

// InTx выполняет fn над рабочей копией и публикует её только при успехе.
func (s *Store) InTx(ctx context.Context, fn func(tx service.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Close ничего не делает.
func (s *Store) Close() error { return nil }

type tx struct {
	st *state
}

var _ service.Tx = (*tx)(nil)

// Пользователи.

func (t *tx) CreateUser(ctx context.Context, u model.User) error {
	if _, ok := t.st.users[u.ID]; ok {
		return apperr.New(apperr.KindConflict, "user %s already exists", u.ID)
	}
	for _, other := range t.st.users {
		if other.Email == u.Email {
			return apperr.New(apperr.KindConflict, "email %s is already registered", u.Email)
		}
	}
	t.st.users[u.ID] = u
	return nil
}

func (t *tx) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return model.User{}, apperr.NotFound("user", id)
	}
	return u, nil
}

func (t *tx) LockUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	return t.GetUser(ctx, id)
}

func (t *tx) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	for _, u := range t.st.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, apperr.NotFound("user", email)
}

func (t *tx) ListMasters(ctx context.Context) ([]model.User, error) {
	var out []model.User
	for _, u := range t.st.users {
		if u.Role.IsMaster() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (t *tx) UpdateUserTier(ctx context.Context, id uuid.UUID, tier int, pinned bool) error {
	u, ok := t.st.users[id]
	if !ok {
		return apperr.NotFound("user", id)
	}
	u.Tier, u.TierPinned = tier, pinned
	t.st.users[id] = u
	return nil
}

// Балансы и журнал.

func (t *tx) LockBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error) {
	return t.GetBalance(ctx, userID)
}

func (t *tx) GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error) {
	b, ok := t.st.balances[userID]
	if !ok {
		return model.Balance{UserID: userID, Available: decimal.Zero, PaidOut: decimal.Zero}, nil
	}
	return b, nil
}

func (t *tx) SaveBalance(ctx context.Context, b model.Balance) error {
	t.st.balances[b.UserID] = b
	return nil
}

func (t *tx) LockTreasury(ctx context.Context) (model.Treasury, error) {
	return t.st.treasury, nil
}

func (t *tx) GetTreasury(ctx context.Context) (model.Treasury, error) {
	return t.st.treasury, nil
}

func (t *tx) SaveTreasury(ctx context.Context, tr model.Treasury) error {
	t.st.treasury = tr
	return nil
}

func (t *tx) AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error {
	t.st.ledger = append(t.st.ledger, e)
	return nil
}

func (t *tx) ListLedgerEntries(ctx context.Context, subject *uuid.UUID) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for i := len(t.st.ledger) - 1; i >= 0; i-- {
		e := t.st.ledger[i]
		if subject == nil || e.Subject == *subject {
			out = append(out, e)
		}
	}
	return out, nil
}

// Политики и пороги.

func (t *tx) GlobalPolicy(ctx context.Context) (model.ProfitPolicy, error) {
	return t.st.globalPolicy, nil
}

func (t *tx) MasterPolicy(ctx context.Context, masterID uuid.UUID) (*model.ProfitPolicy, error) {
	p, ok := t.st.masterPolicies[masterID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *tx) SaveGlobalPolicy(ctx context.Context, p model.ProfitPolicy) error {
	p.MasterID = nil
	t.st.globalPolicy = p
	return nil
}

func (t *tx) SaveMasterPolicy(ctx context.Context, p model.ProfitPolicy) error {
	if p.MasterID == nil {
		return apperr.Invalid("master policy without master")
	}
	t.st.masterPolicies[*p.MasterID] = p
	return nil
}

func (t *tx) DistanceSettings(ctx context.Context) (model.DistanceSettings, error) {
	return t.st.distance, nil
}

func (t *tx) SaveDistanceSettings(ctx context.Context, s model.DistanceSettings) error {
	t.st.distance = s
	return nil
}

// Заказы.

func (t *tx) InsertOrder(ctx context.Context, o model.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return apperr.New(apperr.KindConflict, "order %s already exists", o.ID)
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *tx) GetOrder(ctx context.Context, id uuid.UUID) (model.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return model.Order{}, apperr.NotFound("order", id)
	}
	return o, nil
}

func (t *tx) LockOrder(ctx context.Context, id uuid.UUID) (model.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *tx) UpdateOrder(ctx context.Context, o model.Order, expected model.OrderStatus) error {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return apperr.NotFound("order", o.ID)
	}
	if cur.Status != expected {
		return apperr.StateMismatch("order %s is %s, expected %s", o.ID, cur.Status, expected)
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *tx) ListOrdersByStatus(ctx context.Context, statuses ...model.OrderStatus) ([]model.Order, error) {
	want := make(map[model.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []model.Order
	for _, o := range t.st.orders {
		if want[o.Status] {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (t *tx) ListAssigneeOrders(ctx context.Context, masterID uuid.UUID) ([]model.Order, error) {
	var out []model.Order
	for _, o := range t.st.orders {
		if a := o.Assignee(); a != nil && *a == masterID && o.Status != model.OrderDeleted {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (t *tx) HasOrderInProgress(ctx context.Context, masterID, except uuid.UUID) (bool, error) {
	for _, o := range t.st.orders {
		if o.ID == except || o.Status != model.OrderInProgress {
			continue
		}
		if a := o.Assignee(); a != nil && *a == masterID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) ListNewUnassigned(ctx context.Context, since, until time.Time) ([]model.Order, error) {
	var out []model.Order
	for _, o := range t.st.orders {
		if o.Status != model.OrderNew || o.AssignedMasterID != nil || o.WarrantyMasterID != nil {
			continue
		}
		if o.CreatedAt.Before(since) || o.CreatedAt.After(until) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (t *tx) RecentFinalCosts(ctx context.Context, masterID uuid.UUID, limit int) ([]decimal.Decimal, error) {
	var done []model.Order
	for _, o := range t.st.orders {
		if o.Status != model.OrderCompleted || !o.FinalCost.Valid {
			continue
		}
		if a := o.Assignee(); a != nil && *a == masterID {
			done = append(done, o)
		}
	}
	sort.SliceStable(done, func(i, j int) bool { return done[i].UpdatedAt.After(done[j].UpdatedAt) })
	if len(done) > limit {
		done = done[:limit]
	}
	out := make([]decimal.Decimal, 0, len(done))
	for _, o := range done {
		out = append(out, o.FinalCost.Decimal)
	}
	return out, nil
}

func sortOrders(orders []model.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})
}

// Отчёты о выполнении.

func (t *tx) InsertCompletion(ctx context.Context, c model.Completion) error {
	for _, other := range t.st.completions {
		if other.OrderID != c.OrderID {
			continue
		}
		if other.Status == model.CompletionAwaitingReview {
			return apperr.WithReason(apperr.KindConflict, apperr.ReasonDuplicateCompletion,
				"order %s already has a completion awaiting review", c.OrderID)
		}
		if other.Status == model.CompletionApproved && other.MasterID == c.MasterID {
			return apperr.WithReason(apperr.KindConflict, apperr.ReasonDuplicateCompletion,
				"order %s already has an approved completion by %s", c.OrderID, c.MasterID)
		}
	}
	c.Photos = append([]string(nil), c.Photos...)
	t.st.seq++
	t.st.completions[c.ID] = c
	t.st.completionSeq[c.ID] = t.st.seq
	return nil
}

func (t *tx) GetCompletion(ctx context.Context, id uuid.UUID) (model.Completion, error) {
	c, ok := t.st.completions[id]
	if !ok {
		return model.Completion{}, apperr.NotFound("completion", id)
	}
	c.Photos = append([]string(nil), c.Photos...)
	return c, nil
}

func (t *tx) LockCompletion(ctx context.Context, id uuid.UUID) (model.Completion, error) {
	return t.GetCompletion(ctx, id)
}

func (t *tx) PendingCompletion(ctx context.Context, orderID uuid.UUID) (*model.Completion, error) {
	for _, c := range t.st.completions {
		if c.OrderID == orderID && c.Status == model.CompletionAwaitingReview {
			return &c, nil
		}
	}
	return nil, nil
}

func (t *tx) ListOrderCompletions(ctx context.Context, orderID uuid.UUID) ([]model.Completion, error) {
	return t.completionsWhere(func(c model.Completion) bool { return c.OrderID == orderID }), nil
}

func (t *tx) ListCompletionsByStatus(ctx context.Context, status model.CompletionStatus) ([]model.Completion, error) {
	return t.completionsWhere(func(c model.Completion) bool { return c.Status == status }), nil
}

func (t *tx) completionsWhere(keep func(model.Completion) bool) []model.Completion {
	var out []model.Completion
	for _, c := range t.st.completions {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return t.st.completionSeq[out[i].ID] < t.st.completionSeq[out[j].ID] })
	return out
}

func (t *tx) UpdateCompletion(ctx context.Context, c model.Completion, expected model.CompletionStatus) error {
	cur, ok := t.st.completions[c.ID]
	if !ok {
		return apperr.NotFound("completion", c.ID)
	}
	if cur.Status != expected {
		return apperr.StateMismatch("completion %s is %s, expected %s", c.ID, cur.Status, expected)
	}
	c.Distributed = cur.Distributed
	c.Photos = append([]string(nil), c.Photos...)
	t.st.completions[c.ID] = c
	return nil
}

func (t *tx) MarkDistributed(ctx context.Context, completionID uuid.UUID) (bool, error) {
	c, ok := t.st.completions[completionID]
	if !ok || c.Distributed || c.Status != model.CompletionApproved {
		return false, nil
	}
	c.Distributed = true
	t.st.completions[completionID] = c
	return true, nil
}

func (t *tx) ApprovedSince(ctx context.Context, masterID uuid.UUID, since time.Time) ([]model.CompletionStat, error) {
	var out []model.CompletionStat
	for _, c := range t.st.completions {
		if c.MasterID != masterID || c.Status != model.CompletionApproved || c.ReviewedAt == nil || c.ReviewedAt.Before(since) {
			continue
		}
		out = append(out, model.CompletionStat{
			OrderID:       c.OrderID,
			TotalReceived: c.TotalReceived,
			NetProfit:     c.NetProfit(),
			ReviewedAt:    *c.ReviewedAt,
		})
	}
	return out, nil
}

// Окна доступности.

func (t *tx) ListWindows(ctx context.Context, masterID uuid.UUID, date time.Time) ([]model.AvailabilityWindow, error) {
	day := date.Format(time.DateOnly)
	var out []model.AvailabilityWindow
	for _, w := range t.st.windows {
		if w.MasterID == masterID && w.Date.Format(time.DateOnly) == day {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (t *tx) InsertWindow(ctx context.Context, w model.AvailabilityWindow) error {
	day := w.Date.Format(time.DateOnly)
	for _, other := range t.st.windows {
		if other.MasterID == w.MasterID && other.Date.Format(time.DateOnly) == day && other.Start == w.Start {
			return apperr.WithReason(apperr.KindConflict, apperr.ReasonWindowOverlap, "window at the same start already exists")
		}
	}
	t.st.windows[w.ID] = w
	return nil
}

func (t *tx) GetWindow(ctx context.Context, id uuid.UUID) (model.AvailabilityWindow, error) {
	w, ok := t.st.windows[id]
	if !ok {
		return model.AvailabilityWindow{}, apperr.NotFound("availability window", id)
	}
	return w, nil
}

func (t *tx) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	delete(t.st.windows, id)
	return nil
}

// Расписания и слоты.

func (t *tx) GetSchedule(ctx context.Context, masterID uuid.UUID, date time.Time) (*model.DailySchedule, error) {
	s, ok := t.st.schedules[keyOf(masterID, date)]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *tx) InsertSchedule(ctx context.Context, s model.DailySchedule) error {
	k := keyOf(s.MasterID, s.Date)
	if _, ok := t.st.schedules[k]; ok {
		return apperr.New(apperr.KindConflict, "schedule of %s on %s already exists", s.MasterID, k.date)
	}
	t.st.schedules[k] = s
	return nil
}

func (t *tx) UpdateSchedule(ctx context.Context, s model.DailySchedule) error {
	k := keyOf(s.MasterID, s.Date)
	if _, ok := t.st.schedules[k]; !ok {
		return apperr.NotFound("schedule", s.ID)
	}
	t.st.schedules[k] = s
	return nil
}

func (t *tx) ListDaySlots(ctx context.Context, masterID uuid.UUID, date time.Time) ([]model.OrderSlot, error) {
	day := date.Format(time.DateOnly)
	var out []model.OrderSlot
	for _, s := range t.st.slots {
		if s.MasterID == masterID && s.Date.Format(time.DateOnly) == day {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotNumber < out[j].SlotNumber })
	return out, nil
}

func (t *tx) GetSlotByOrder(ctx context.Context, orderID uuid.UUID) (*model.OrderSlot, error) {
	for _, s := range t.st.slots {
		if s.OrderID == orderID {
			return &s, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertSlot(ctx context.Context, slot model.OrderSlot) error {
	day := slot.Date.Format(time.DateOnly)
	for _, s := range t.st.slots {
		if s.OrderID == slot.OrderID {
			return apperr.WithReason(apperr.KindConflict, apperr.ReasonOrderAlreadySlotted, "order %s already holds a slot", slot.OrderID)
		}
		if s.MasterID == slot.MasterID && s.Date.Format(time.DateOnly) == day && s.SlotNumber == slot.SlotNumber && s.Status.Occupies() {
			return apperr.SlotOccupied(slot.SlotNumber, s.OrderID)
		}
	}
	t.st.slots[slot.ID] = slot
	return nil
}

func (t *tx) UpdateSlotStatus(ctx context.Context, slotID uuid.UUID, status model.SlotStatus) error {
	s, ok := t.st.slots[slotID]
	if !ok {
		return apperr.NotFound("slot", slotID)
	}
	s.Status = status
	t.st.slots[slotID] = s
	return nil
}

func (t *tx) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	delete(t.st.slots, slotID)
	return nil
}

func (t *tx) ListMasterSlots(ctx context.Context, masterID uuid.UUID) ([]schedule.SlotWithOrder, error) {
	var out []schedule.SlotWithOrder
	for _, s := range t.st.slots {
		if s.MasterID != masterID {
			continue
		}
		out = append(out, schedule.SlotWithOrder{Slot: s, OrderStatus: t.st.orders[s.OrderID].Status})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Slot.Date.Equal(out[j].Slot.Date) {
			return out[i].Slot.Date.Before(out[j].Slot.Date)
		}
		return out[i].Slot.SlotNumber < out[j].Slot.SlotNumber
	})
	return out, nil
}

// Аудит.

func (t *tx) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	t.st.audit = append(t.st.audit, e)
	return nil
}

func (t *tx) ListOrderAudit(ctx context.Context, orderID uuid.UUID) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	for _, e := range t.st.audit {
		if e.OrderID != nil && *e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) ListSystemAudit(ctx context.Context) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	for _, e := range t.st.audit {
		if e.OrderID == nil {
			out = append(out, e)
		}
	}
	return out, nil
}
