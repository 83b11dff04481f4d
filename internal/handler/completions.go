package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/service"
)

type completionRequest struct {
	WorkDescription string          `json:"work_description"`
	Photos          []string        `json:"photos"`
	PartsExpenses   decimal.Decimal `json:"parts_expenses"`
	TransportCosts  decimal.Decimal `json:"transport_costs"`
	TotalReceived   decimal.Decimal `json:"total_received"`
}

// SubmitCompletion принимает отчёт мастера о выполнении.
func (h *Handler) SubmitCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	var req completionRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.service.SubmitCompletion(r.Context(), principal(r), id, service.CompletionInput{
		WorkDescription: req.WorkDescription,
		Photos:          req.Photos,
		PartsExpenses:   req.PartsExpenses,
		TransportCosts:  req.TransportCosts,
		TotalReceived:   req.TotalReceived,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCompletionResponse(c))
}

// OrderCompletions возвращает все отчёты по заказу.
func (h *Handler) OrderCompletions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	cs, err := h.service.OrderCompletions(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCompletionList(cs))
}

// ReviewQueue возвращает отчёты, ожидающие проверки.
func (h *Handler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	cs, err := h.service.ReviewQueue(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCompletionList(cs))
}

// GetCompletion возвращает отчёт.
func (h *Handler) GetCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "completionID")
	if !ok {
		return
	}
	c, err := h.service.Completion(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCompletionResponse(c))
}

type reviewRequest struct {
	Approve *bool  `json:"approve"`
	Notes   string `json:"notes"`
}

// ReviewCompletion одобряет или отклоняет отчёт.
func (h *Handler) ReviewCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "completionID")
	if !ok {
		return
	}
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Approve == nil {
		badRequest(w, "approve is required")
		return
	}

	p := principal(r)
	res, err := h.service.ReviewCompletion(r.Context(), p, id, *req.Approve, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReviewResponse(res, p))
}
