package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/service"
)

type slotHintRequest struct {
	Date string `json:"date,omitempty"`
	Slot int    `json:"slot,omitempty"`
	Time string `json:"time,omitempty"`
}

// hint переводит пожелание из запроса в service.SlotHint; nil остаётся nil.
func (h *Handler) hint(w http.ResponseWriter, req *slotHintRequest) (*service.SlotHint, bool) {
	if req == nil {
		return nil, true
	}
	out := &service.SlotHint{SlotNumber: req.Slot}
	if req.Date != "" {
		d, err := h.parseDate(req.Date)
		if err != nil {
			badRequest(w, "invalid date %q", req.Date)
			return nil, false
		}
		out.Date = &d
	}
	if req.Time != "" {
		t, err := parseClock(req.Time)
		if err != nil {
			badRequest(w, "invalid time %q", req.Time)
			return nil, false
		}
		out.Time = &t
	}
	return out, true
}

type createOrderRequest struct {
	ClientName    string              `json:"client_name"`
	ClientPhone   string              `json:"client_phone"`
	Description   string              `json:"description"`
	Address       addressDTO          `json:"address"`
	EstimatedCost decimal.NullDecimal `json:"estimated_cost"`
	Schedule      *slotHintRequest    `json:"schedule,omitempty"`
}

// CreateOrder принимает новую заявку.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decode(w, r, &req) {
		return
	}
	hint, ok := h.hint(w, req.Schedule)
	if !ok {
		return
	}

	p := principal(r)
	o, err := h.service.CreateOrder(r.Context(), p, service.NewOrder{
		ClientName:    req.ClientName,
		ClientPhone:   req.ClientPhone,
		Description:   req.Description,
		Address:       req.Address.address(),
		EstimatedCost: req.EstimatedCost,
		Schedule:      hint,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(o, p))
}

// GetOrder возвращает заказ.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	p := principal(r)
	o, err := h.service.GetOrder(r.Context(), p, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o, p))
}

// ProcessingQueue возвращает очередь оператора.
func (h *Handler) ProcessingQueue(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	orders, err := h.service.ProcessingQueue(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderList(orders, p))
}

// MarkProcessing берёт заказ в обработку.
func (h *Handler) MarkProcessing(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(w, r, h.service.MarkProcessing)
}

// DeleteOrder удаляет заказ.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(w, r, h.service.DeleteOrder)
}

// ReleaseAssignment снимает мастера с заказа.
func (h *Handler) ReleaseAssignment(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(w, r, h.service.ReleaseAssignment)
}

// StartOrder переводит заказ в работу.
func (h *Handler) StartOrder(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(w, r, h.service.StartOrder)
}

type assignRequest struct {
	MasterID uuid.UUID        `json:"master_id"`
	Schedule *slotHintRequest `json:"schedule,omitempty"`
}

// AssignOrder назначает мастера и занимает слот.
func (h *Handler) AssignOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	hint, ok := h.hint(w, req.Schedule)
	if !ok {
		return
	}

	p := principal(r)
	a, err := h.service.AssignOrder(r.Context(), p, id, req.MasterID, hint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignmentResponse{Order: newOrderResponse(a.Order, p), Slot: newSlotResponse(a.Slot)})
}

type takeRequest struct {
	Schedule *slotHintRequest `json:"schedule,omitempty"`
}

// TakeOrder позволяет мастеру взять видимый ему заказ.
func (h *Handler) TakeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	var req takeRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	hint, ok := h.hint(w, req.Schedule)
	if !ok {
		return
	}

	p := principal(r)
	a, err := h.service.TakeOrder(r.Context(), p, id, hint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignmentResponse{Order: newOrderResponse(a.Order, p), Slot: newSlotResponse(a.Slot)})
}

type warrantyRequest struct {
	WarrantyMasterID uuid.UUID        `json:"warranty_master_id"`
	Schedule         *slotHintRequest `json:"schedule,omitempty"`
}

// TransferToWarranty передаёт заказ гарантийному мастеру со штрафом исходному.
func (h *Handler) TransferToWarranty(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	var req warrantyRequest
	if !decode(w, r, &req) {
		return
	}
	hint, ok := h.hint(w, req.Schedule)
	if !ok {
		return
	}

	p := principal(r)
	res, err := h.service.TransferToWarranty(r.Context(), p, id, req.WarrantyMasterID, hint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := warrantyResponse{Order: newOrderResponse(res.Order, p), Slot: newSlotResponse(res.Slot)}
	if res.Fine != nil {
		fine := newLedgerEntryDTO(*res.Fine)
		resp.Fine = &fine
	}
	writeJSON(w, http.StatusOK, resp)
}

// OrderAudit возвращает журнал изменений заказа.
func (h *Handler) OrderAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	entries, err := h.service.OrderAudit(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuditList(entries))
}

// orderCommand выполняет команду над заказом без тела запроса.
func (h *Handler) orderCommand(w http.ResponseWriter, r *http.Request, cmd func(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Order, error)) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	p := principal(r)
	o, err := cmd(r.Context(), p, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o, p))
}

func (a addressDTO) address() model.Address {
	return model.Address{
		Street:    a.Street,
		House:     a.House,
		Apartment: a.Apartment,
		Entrance:  a.Entrance,
	}
}
