// Package model содержит доменные сущности диспетчерской сервисных выездов.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role описывает роль пользователя.
type Role string

const (
	RoleMaster         Role = "master"
	RoleWarrantyMaster Role = "warranty-master"
	RoleOperator       Role = "operator"
	RoleCurator        Role = "curator"
	RoleSuperAdmin     Role = "super-admin"
)

// Valid сообщает, входит ли роль в закрытый список.
func (r Role) Valid() bool {
	switch r {
	case RoleMaster, RoleWarrantyMaster, RoleOperator, RoleCurator, RoleSuperAdmin:
		return true
	}
	return false
}

// IsMaster сообщает, относится ли роль к мастерам, обычным или гарантийным.
func (r Role) IsMaster() bool {
	return r == RoleMaster || r == RoleWarrantyMaster
}

// User представляет сотрудника компании.
type User struct {
	ID           uuid.UUID
	Email        string
	Name         string
	PasswordHash []byte
	Role         Role
	Tier         int
	TierPinned   bool
	CreatedAt    time.Time
}

// Balance содержит доступный остаток и сумму всех выплат пользователя.
type Balance struct {
	UserID    uuid.UUID
	Available decimal.Decimal
	PaidOut   decimal.Decimal
	UpdatedAt time.Time
}

// Treasury описывает общий счёт компании.
type Treasury struct {
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// LedgerKind описывает тип проводки.
type LedgerKind string

const (
	LedgerTopUp                LedgerKind = "top_up"
	LedgerDeduct               LedgerKind = "deduct"
	LedgerDistributionCredit   LedgerKind = "distribution_credit"
	LedgerDistributionTreasury LedgerKind = "distribution_treasury"
)

// LedgerField описывает поле баланса, которое изменила проводка.
type LedgerField string

const (
	FieldAvailable LedgerField = "available"
	FieldPaidOut   LedgerField = "paid_out"
	FieldTreasury  LedgerField = "treasury"
)

// LedgerEntry представляет неизменяемую запись журнала движения средств.
// Subject равен uuid.Nil для проводок по казне компании.
type LedgerEntry struct {
	ID        uuid.UUID
	Kind      LedgerKind
	Subject   uuid.UUID
	Field     LedgerField
	Amount    decimal.Decimal
	Reason    string
	ActorID   uuid.UUID
	OrderID   *uuid.UUID
	GroupID   *uuid.UUID
	Pre       decimal.Decimal
	Post      decimal.Decimal
	CreatedAt time.Time
}

// ProfitPolicy содержит проценты распределения чистой прибыли.
// MasterID пуст для глобальной политики.
type ProfitPolicy struct {
	MasterID      *uuid.UUID
	MasterPaid    int
	MasterBalance int
	Curator       int
	Company       int
	Active        bool
	UpdatedAt     time.Time
}

// Sum возвращает сумму всех четырёх долей.
func (p ProfitPolicy) Sum() int {
	return p.MasterPaid + p.MasterBalance + p.Curator + p.Company
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderNew                 OrderStatus = "new"
	OrderProcessing          OrderStatus = "processing"
	OrderAssigned            OrderStatus = "assigned"
	OrderWarrantyTransferred OrderStatus = "warranty-transferred"
	OrderInProgress          OrderStatus = "in-progress"
	OrderAwaitingReview      OrderStatus = "awaiting-review"
	OrderCompleted           OrderStatus = "completed"
	OrderRejected            OrderStatus = "rejected"
	OrderDeleted             OrderStatus = "deleted"
)

// Valid сообщает, известен ли статус.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderNew, OrderProcessing, OrderAssigned, OrderWarrantyTransferred, OrderInProgress,
		OrderAwaitingReview, OrderCompleted, OrderRejected, OrderDeleted:
		return true
	}
	return false
}

// Address содержит адрес заказа, разбитый на части.
type Address struct {
	Street    string
	House     string
	Apartment string
	Entrance  string
}

// Public возвращает адрес без квартиры и подъезда, его видят все мастера.
func (a Address) Public() string {
	return strings.TrimSpace(strings.TrimSpace(a.Street) + " " + strings.TrimSpace(a.House))
}

// Full возвращает полный адрес для назначенного мастера.
func (a Address) Full() string {
	parts := []string{a.Public()}
	if a.Apartment != "" {
		parts = append(parts, "кв. "+a.Apartment)
	}
	if a.Entrance != "" {
		parts = append(parts, "подъезд "+a.Entrance)
	}
	return strings.Join(parts, ", ")
}

// Order описывает заявку клиента на ремонт.
type Order struct {
	ID               uuid.UUID
	ClientName       string
	ClientPhone      string
	Description      string
	Address          Address
	Status           OrderStatus
	AssignedMasterID *uuid.UUID
	WarrantyMasterID *uuid.UUID
	CuratorID        *uuid.UUID
	ScheduledDate    *time.Time
	// ScheduledTime хранится как смещение от полуночи.
	ScheduledTime *time.Duration
	// RequestedDate и RequestedTime хранят пожелание клиента из заявки.
	RequestedDate *time.Time
	RequestedTime *time.Duration
	EstimatedCost decimal.NullDecimal
	FinalCost     decimal.NullDecimal
	Expenses      decimal.NullDecimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Assignee возвращает мастера, который сейчас отвечает за заказ.
// После передачи на гарантию это гарантийный мастер.
func (o *Order) Assignee() *uuid.UUID {
	if o.WarrantyMasterID != nil {
		return o.WarrantyMasterID
	}
	return o.AssignedMasterID
}

// ScheduledAt собирает дату и время визита, если они заданы.
func (o *Order) ScheduledAt() (time.Time, bool) {
	if o.ScheduledDate == nil || o.ScheduledTime == nil {
		return time.Time{}, false
	}
	return o.ScheduledDate.Add(*o.ScheduledTime), true
}

// ClearSchedule сбрасывает дату и время визита.
func (o *Order) ClearSchedule() {
	o.ScheduledDate = nil
	o.ScheduledTime = nil
}

// ResetSchedule возвращает дату и время визита к пожеланию из заявки.
func (o *Order) ResetSchedule() {
	o.ScheduledDate = o.RequestedDate
	o.ScheduledTime = o.RequestedTime
}

// AvailabilityWindow описывает интервал [Start, End) в дне, когда мастер может принять заказ.
type AvailabilityWindow struct {
	ID       uuid.UUID
	MasterID uuid.UUID
	Date     time.Time
	Start    time.Duration
	End      time.Duration
}

// StartsAt возвращает абсолютное время начала окна.
func (w AvailabilityWindow) StartsAt() time.Time { return w.Date.Add(w.Start) }

// EndsAt возвращает абсолютное время конца окна.
func (w AvailabilityWindow) EndsAt() time.Time { return w.Date.Add(w.End) }

// DailySchedule описывает рабочий день мастера, разбитый на слоты одинаковой длины.
type DailySchedule struct {
	ID           uuid.UUID
	MasterID     uuid.UUID
	Date         time.Time
	WorkStart    time.Duration
	WorkEnd      time.Duration
	SlotDuration time.Duration
	MaxSlots     int
	IsWorkingDay bool
}

// SlotStatus описывает состояние слота.
type SlotStatus string

const (
	SlotReserved   SlotStatus = "reserved"
	SlotConfirmed  SlotStatus = "confirmed"
	SlotInProgress SlotStatus = "in_progress"
	SlotCompleted  SlotStatus = "completed"
	SlotCancelled  SlotStatus = "cancelled"
)

// Occupies сообщает, занимает ли слот в этом статусе место в расписании.
func (s SlotStatus) Occupies() bool {
	return s == SlotReserved || s == SlotConfirmed || s == SlotInProgress
}

// OrderSlot связывает заказ с номером слота в дне мастера.
type OrderSlot struct {
	ID           uuid.UUID
	MasterID     uuid.UUID
	OrderID      uuid.UUID
	ScheduleID   uuid.UUID
	Date         time.Time
	SlotNumber   int
	SlotTime     time.Duration
	SlotDuration time.Duration
	Status       SlotStatus
	CreatedAt    time.Time
}

// CompletionStatus описывает статус отчёта о выполнении.
type CompletionStatus string

const (
	CompletionAwaitingReview CompletionStatus = "awaiting_review"
	CompletionApproved       CompletionStatus = "approved"
	CompletionRejected       CompletionStatus = "rejected"
)

// Completion описывает отчёт мастера о выполненном заказе.
type Completion struct {
	ID              uuid.UUID
	OrderID         uuid.UUID
	MasterID        uuid.UUID
	WorkDescription string
	Photos          []string
	PartsExpenses   decimal.Decimal
	TransportCosts  decimal.Decimal
	TotalReceived   decimal.Decimal
	CompletedAt     time.Time
	Status          CompletionStatus
	ReviewerID      *uuid.UUID
	ReviewedAt      *time.Time
	ReviewerNotes   string
	Distributed     bool
}

// TotalExpenses возвращает сумму расходов на запчасти и дорогу.
func (c *Completion) TotalExpenses() decimal.Decimal {
	return c.PartsExpenses.Add(c.TransportCosts)
}

// NetProfit возвращает полученное от клиента за вычетом расходов. Результат может быть отрицательным.
func (c *Completion) NetProfit() decimal.Decimal {
	return c.TotalReceived.Sub(c.TotalExpenses())
}

// DistanceSettings содержит пороги и горизонты видимости новых заказов.
type DistanceSettings struct {
	AverageCheckThreshold   decimal.Decimal
	DailyRevenueThreshold   decimal.Decimal
	NetTurnoverThreshold    decimal.Decimal
	StandardVisibilityHours int
	DailyVisibilityHours    int
	BaseVisibilityHours     int
	UpdatedAt               time.Time
}

// DefaultDistanceSettings возвращает значения по умолчанию.
func DefaultDistanceSettings() DistanceSettings {
	return DistanceSettings{
		AverageCheckThreshold:   decimal.NewFromInt(65000),
		DailyRevenueThreshold:   decimal.NewFromInt(350000),
		NetTurnoverThreshold:    decimal.NewFromInt(1500000),
		StandardVisibilityHours: 28,
		DailyVisibilityHours:    48,
		BaseVisibilityHours:     24,
	}
}

// AuditAction описывает тег действия в журнале аудита.
type AuditAction string

const (
	AuditCreated           AuditAction = "created"
	AuditProcessing        AuditAction = "processing"
	AuditAssigned          AuditAction = "assigned"
	AuditUnassigned        AuditAction = "unassigned"
	AuditWarrantyTransfer  AuditAction = "warranty_transfer"
	AuditStarted           AuditAction = "started"
	AuditCompletionSubmit  AuditAction = "completion_submitted"
	AuditApproved          AuditAction = "approved"
	AuditRejected          AuditAction = "rejected"
	AuditDeleted           AuditAction = "deleted"
	AuditPolicyChanged     AuditAction = "policy_changed"
	AuditTierChanged       AuditAction = "tier_changed"
	AuditDistanceChanged   AuditAction = "distance_settings_changed"
	AuditScheduleChanged   AuditAction = "schedule_changed"
	AuditBalanceAdjustment AuditAction = "balance_adjustment"
)

// AuditEntry представляет запись журнала аудита. OrderID пуст для системных записей.
type AuditEntry struct {
	ID          uuid.UUID
	OrderID     *uuid.UUID
	Action      AuditAction
	ActorID     uuid.UUID
	Description string
	OldValue    string
	NewValue    string
	CreatedAt   time.Time
}

// CompletionStat содержит выручку и чистую прибыль одного одобренного заказа для расчёта уровня.
type CompletionStat struct {
	OrderID       uuid.UUID
	TotalReceived decimal.Decimal
	NetProfit     decimal.Decimal
	ReviewedAt    time.Time
}
