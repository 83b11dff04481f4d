package handler

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/schedule"
	"github.com/fieldops/dispatch/internal/service"
)

type userResponse struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	Role       model.Role `json:"role"`
	Tier       int        `json:"tier"`
	TierPinned bool       `json:"tier_pinned"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newUserResponse(u model.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Role:       u.Role,
		Tier:       u.Tier,
		TierPinned: u.TierPinned,
		CreatedAt:  u.CreatedAt,
	}
}

type addressDTO struct {
	Street    string `json:"street"`
	House     string `json:"house"`
	Apartment string `json:"apartment,omitempty"`
	Entrance  string `json:"entrance,omitempty"`
}

type orderResponse struct {
	ID               uuid.UUID           `json:"id"`
	ClientName       string              `json:"client_name"`
	ClientPhone      string              `json:"client_phone,omitempty"`
	Description      string              `json:"description"`
	Address          string              `json:"address"`
	AddressParts     *addressDTO         `json:"address_parts,omitempty"`
	Status           model.OrderStatus   `json:"status"`
	AssignedMasterID *uuid.UUID          `json:"assigned_master_id,omitempty"`
	WarrantyMasterID *uuid.UUID          `json:"warranty_master_id,omitempty"`
	CuratorID        *uuid.UUID          `json:"curator_id,omitempty"`
	ScheduledDate    string              `json:"scheduled_date,omitempty"`
	ScheduledTime    string              `json:"scheduled_time,omitempty"`
	EstimatedCost    decimal.NullDecimal `json:"estimated_cost"`
	FinalCost        decimal.NullDecimal `json:"final_cost"`
	Expenses         decimal.NullDecimal `json:"expenses"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// newOrderResponse скрывает квартиру, подъезд и телефон клиента от мастеров,
// которые не отвечают за заказ.
func newOrderResponse(o model.Order, viewer access.Principal) orderResponse {
	resp := orderResponse{
		ID:               o.ID,
		ClientName:       o.ClientName,
		Description:      o.Description,
		Address:          o.Address.Public(),
		Status:           o.Status,
		AssignedMasterID: o.AssignedMasterID,
		WarrantyMasterID: o.WarrantyMasterID,
		CuratorID:        o.CuratorID,
		EstimatedCost:    o.EstimatedCost,
		FinalCost:        o.FinalCost,
		Expenses:         o.Expenses,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	if o.ScheduledDate != nil {
		resp.ScheduledDate = o.ScheduledDate.Format(time.DateOnly)
	}
	if o.ScheduledTime != nil {
		resp.ScheduledTime = formatClock(*o.ScheduledTime)
	}

	assignee := o.Assignee()
	if !viewer.Role.IsMaster() || (assignee != nil && *assignee == viewer.ID) {
		resp.ClientPhone = o.ClientPhone
		resp.Address = o.Address.Full()
		resp.AddressParts = &addressDTO{
			Street:    o.Address.Street,
			House:     o.Address.House,
			Apartment: o.Address.Apartment,
			Entrance:  o.Address.Entrance,
		}
	}
	return resp
}

func newOrderList(orders []model.Order, viewer access.Principal) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o, viewer))
	}
	return out
}

type slotResponse struct {
	ID         uuid.UUID        `json:"id"`
	MasterID   uuid.UUID        `json:"master_id"`
	OrderID    uuid.UUID        `json:"order_id"`
	Date       string           `json:"date"`
	SlotNumber int              `json:"slot_number"`
	Time       string           `json:"time"`
	Duration   int              `json:"duration_minutes"`
	Status     model.SlotStatus `json:"status"`
}

func newSlotResponse(s *model.OrderSlot) *slotResponse {
	if s == nil {
		return nil
	}
	return &slotResponse{
		ID:         s.ID,
		MasterID:   s.MasterID,
		OrderID:    s.OrderID,
		Date:       s.Date.Format(time.DateOnly),
		SlotNumber: s.SlotNumber,
		Time:       formatClock(s.SlotTime),
		Duration:   int(s.SlotDuration / time.Minute),
		Status:     s.Status,
	}
}

type assignmentResponse struct {
	Order orderResponse `json:"order"`
	Slot  *slotResponse `json:"slot,omitempty"`
}

type warrantyResponse struct {
	Order orderResponse   `json:"order"`
	Slot  *slotResponse   `json:"slot,omitempty"`
	Fine  *ledgerEntryDTO `json:"fine,omitempty"`
}

type completionResponse struct {
	ID              uuid.UUID              `json:"id"`
	OrderID         uuid.UUID              `json:"order_id"`
	MasterID        uuid.UUID              `json:"master_id"`
	WorkDescription string                 `json:"work_description"`
	Photos          []string               `json:"photos"`
	PartsExpenses   decimal.Decimal        `json:"parts_expenses"`
	TransportCosts  decimal.Decimal        `json:"transport_costs"`
	TotalReceived   decimal.Decimal        `json:"total_received"`
	TotalExpenses   decimal.Decimal        `json:"total_expenses"`
	NetProfit       decimal.Decimal        `json:"net_profit"`
	CompletedAt     time.Time              `json:"completed_at"`
	Status          model.CompletionStatus `json:"status"`
	ReviewerID      *uuid.UUID             `json:"reviewer_id,omitempty"`
	ReviewedAt      *time.Time             `json:"reviewed_at,omitempty"`
	ReviewerNotes   string                 `json:"reviewer_notes,omitempty"`
	Distributed     bool                   `json:"distributed"`
}

func newCompletionResponse(c model.Completion) completionResponse {
	photos := c.Photos
	if photos == nil {
		photos = []string{}
	}
	return completionResponse{
		ID:              c.ID,
		OrderID:         c.OrderID,
		MasterID:        c.MasterID,
		WorkDescription: c.WorkDescription,
		Photos:          photos,
		PartsExpenses:   c.PartsExpenses,
		TransportCosts:  c.TransportCosts,
		TotalReceived:   c.TotalReceived,
		TotalExpenses:   c.TotalExpenses(),
		NetProfit:       c.NetProfit(),
		CompletedAt:     c.CompletedAt,
		Status:          c.Status,
		ReviewerID:      c.ReviewerID,
		ReviewedAt:      c.ReviewedAt,
		ReviewerNotes:   c.ReviewerNotes,
		Distributed:     c.Distributed,
	}
}

func newCompletionList(cs []model.Completion) []completionResponse {
	out := make([]completionResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, newCompletionResponse(c))
	}
	return out
}

type splitDTO struct {
	Net       decimal.Decimal `json:"net"`
	Immediate decimal.Decimal `json:"master_paid"`
	Deferred  decimal.Decimal `json:"master_balance"`
	Curator   decimal.Decimal `json:"curator"`
	Company   decimal.Decimal `json:"company"`
}

type reviewResponse struct {
	Completion completionResponse `json:"completion"`
	Order      orderResponse      `json:"order"`
	Split      *splitDTO          `json:"split,omitempty"`
	Slot       *slotResponse      `json:"slot,omitempty"`
}

func newReviewResponse(res service.ReviewResult, viewer access.Principal) reviewResponse {
	out := reviewResponse{
		Completion: newCompletionResponse(res.Completion),
		Order:      newOrderResponse(res.Order, viewer),
		Slot:       newSlotResponse(res.Slot),
	}
	if res.Split != nil {
		out.Split = &splitDTO{
			Net:       res.Split.Net,
			Immediate: res.Split.Immediate,
			Deferred:  res.Split.Deferred,
			Curator:   res.Split.Curator,
			Company:   res.Split.Company,
		}
	}
	return out
}

type slotStateDTO struct {
	Number   int              `json:"number"`
	Time     string           `json:"time"`
	Duration int              `json:"duration_minutes"`
	OrderID  *uuid.UUID       `json:"order_id,omitempty"`
	Status   model.SlotStatus `json:"status,omitempty"`
	Free     bool             `json:"free"`
}

type dayResponse struct {
	Date         string         `json:"date"`
	WorkStart    string         `json:"work_start"`
	WorkEnd      string         `json:"work_end"`
	SlotMinutes  int            `json:"slot_minutes"`
	MaxSlots     int            `json:"max_slots"`
	IsWorkingDay bool           `json:"is_working_day"`
	Slots        []slotStateDTO `json:"slots,omitempty"`
}

func newDayResponse(s model.DailySchedule, states []schedule.SlotState) dayResponse {
	out := dayResponse{
		Date:         s.Date.Format(time.DateOnly),
		WorkStart:    formatClock(s.WorkStart),
		WorkEnd:      formatClock(s.WorkEnd),
		SlotMinutes:  int(s.SlotDuration / time.Minute),
		MaxSlots:     s.MaxSlots,
		IsWorkingDay: s.IsWorkingDay,
	}
	for _, st := range states {
		out.Slots = append(out.Slots, slotStateDTO{
			Number:   st.Number,
			Time:     formatClock(st.Time),
			Duration: int(st.Duration / time.Minute),
			OrderID:  st.OrderID,
			Status:   st.Status,
			Free:     st.Free(),
		})
	}
	return out
}

type windowResponse struct {
	ID       uuid.UUID `json:"id"`
	MasterID uuid.UUID `json:"master_id"`
	Date     string    `json:"date"`
	Start    string    `json:"start"`
	End      string    `json:"end"`
}

func newWindowResponse(w model.AvailabilityWindow) windowResponse {
	return windowResponse{
		ID:       w.ID,
		MasterID: w.MasterID,
		Date:     w.Date.Format(time.DateOnly),
		Start:    formatClock(w.Start),
		End:      formatClock(w.End),
	}
}

type balanceResponse struct {
	UserID    uuid.UUID       `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	PaidOut   decimal.Decimal `json:"paid_out"`
}

type treasuryResponse struct {
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ledgerEntryDTO struct {
	ID        uuid.UUID         `json:"id"`
	Kind      model.LedgerKind  `json:"kind"`
	Subject   string            `json:"subject"`
	Field     model.LedgerField `json:"field"`
	Amount    decimal.Decimal   `json:"amount"`
	Reason    string            `json:"reason"`
	ActorID   uuid.UUID         `json:"actor_id"`
	OrderID   *uuid.UUID        `json:"order_id,omitempty"`
	GroupID   *uuid.UUID        `json:"group_id,omitempty"`
	Pre       decimal.Decimal   `json:"pre"`
	Post      decimal.Decimal   `json:"post"`
	CreatedAt time.Time         `json:"created_at"`
}

func newLedgerEntryDTO(e model.LedgerEntry) ledgerEntryDTO {
	subject := "TREASURY"
	if e.Subject != uuid.Nil {
		subject = e.Subject.String()
	}
	return ledgerEntryDTO{
		ID:        e.ID,
		Kind:      e.Kind,
		Subject:   subject,
		Field:     e.Field,
		Amount:    e.Amount,
		Reason:    e.Reason,
		ActorID:   e.ActorID,
		OrderID:   e.OrderID,
		GroupID:   e.GroupID,
		Pre:       e.Pre,
		Post:      e.Post,
		CreatedAt: e.CreatedAt,
	}
}

type auditResponse struct {
	ID          uuid.UUID         `json:"id"`
	OrderID     *uuid.UUID        `json:"order_id,omitempty"`
	Action      model.AuditAction `json:"action"`
	ActorID     uuid.UUID         `json:"actor_id"`
	Description string            `json:"description"`
	OldValue    string            `json:"old_value,omitempty"`
	NewValue    string            `json:"new_value,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func newAuditList(entries []model.AuditEntry) []auditResponse {
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:          e.ID,
			OrderID:     e.OrderID,
			Action:      e.Action,
			ActorID:     e.ActorID,
			Description: e.Description,
			OldValue:    e.OldValue,
			NewValue:    e.NewValue,
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}

type policyDTO struct {
	MasterID      *uuid.UUID `json:"master_id,omitempty"`
	MasterPaid    int        `json:"master_paid"`
	MasterBalance int        `json:"master_balance"`
	Curator       int        `json:"curator"`
	Company       int        `json:"company"`
	Active        *bool      `json:"active,omitempty"`
}

func newPolicyDTO(p model.ProfitPolicy) policyDTO {
	out := policyDTO{
		MasterID:      p.MasterID,
		MasterPaid:    p.MasterPaid,
		MasterBalance: p.MasterBalance,
		Curator:       p.Curator,
		Company:       p.Company,
	}
	if p.MasterID != nil {
		active := p.Active
		out.Active = &active
	}
	return out
}

func (p policyDTO) input() service.PolicyInput {
	return service.PolicyInput{
		MasterPaid:    p.MasterPaid,
		MasterBalance: p.MasterBalance,
		Curator:       p.Curator,
		Company:       p.Company,
	}
}

type distanceDTO struct {
	AverageCheckThreshold   decimal.Decimal `json:"average_check_threshold"`
	DailyRevenueThreshold   decimal.Decimal `json:"daily_revenue_threshold"`
	NetTurnoverThreshold    decimal.Decimal `json:"net_turnover_threshold"`
	StandardVisibilityHours int             `json:"standard_visibility_hours"`
	DailyVisibilityHours    int             `json:"daily_visibility_hours"`
	BaseVisibilityHours     int             `json:"base_visibility_hours"`
}

func newDistanceDTO(s model.DistanceSettings) distanceDTO {
	return distanceDTO{
		AverageCheckThreshold:   s.AverageCheckThreshold,
		DailyRevenueThreshold:   s.DailyRevenueThreshold,
		NetTurnoverThreshold:    s.NetTurnoverThreshold,
		StandardVisibilityHours: s.StandardVisibilityHours,
		DailyVisibilityHours:    s.DailyVisibilityHours,
		BaseVisibilityHours:     s.BaseVisibilityHours,
	}
}

func (d distanceDTO) settings() model.DistanceSettings {
	return model.DistanceSettings{
		AverageCheckThreshold:   d.AverageCheckThreshold,
		DailyRevenueThreshold:   d.DailyRevenueThreshold,
		NetTurnoverThreshold:    d.NetTurnoverThreshold,
		StandardVisibilityHours: d.StandardVisibilityHours,
		DailyVisibilityHours:    d.DailyVisibilityHours,
		BaseVisibilityHours:     d.BaseVisibilityHours,
	}
}
