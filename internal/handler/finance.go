package handler

import (
	"bytes"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/report"
)

// GetBalance возвращает баланс сотрудника.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	b, err := h.service.Balance(r.Context(), principal(r), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Available: b.Available, PaidOut: b.PaidOut})
}

// LedgerEntries возвращает проводки сотрудника, новые первыми.
func (h *Handler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	entries, err := h.service.LedgerEntries(r.Context(), principal(r), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]ledgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, newLedgerEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// TopUp пополняет доступный баланс сотрудника.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.service.TopUp(r.Context(), principal(r), userID, req.Amount, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLedgerEntryDTO(e))
}

// FineMaster списывает штраф с доступного баланса мастера.
func (h *Handler) FineMaster(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.service.FineMaster(r.Context(), principal(r), masterID, req.Amount, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLedgerEntryDTO(e))
}

// Treasury возвращает счёт компании.
func (h *Handler) Treasury(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Treasury(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, treasuryResponse{Amount: t.Amount, UpdatedAt: t.UpdatedAt})
}

// ExportLedger отдаёт весь журнал проводок книгой xlsx.
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.LedgerExport(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteLedger(&buf, entries, h.loc); err != nil {
		h.logger.Error("export ledger error", zap.Error(err), zap.Int("entries", len(entries)))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	name := "ledger-" + h.clock.Now().Format("20060102") + ".xlsx"
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// SetGlobalPolicy меняет глобальные проценты распределения.
func (h *Handler) SetGlobalPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyDTO
	if !decode(w, r, &req) {
		return
	}
	p, err := h.service.SetGlobalPolicy(r.Context(), principal(r), req.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPolicyDTO(p))
}

// EffectivePolicy возвращает проценты, которые будут применены к заказам мастера.
func (h *Handler) EffectivePolicy(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	p, err := h.service.EffectivePolicy(r.Context(), principal(r), masterID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPolicyDTO(p))
}

// SetMasterPolicy задаёт или отключает индивидуальные проценты мастера.
func (h *Handler) SetMasterPolicy(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	var req policyDTO
	if !decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	p, err := h.service.SetMasterPolicy(r.Context(), principal(r), masterID, req.input(), active)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPolicyDTO(p))
}

// RecomputeTiers пересчитывает уровни всех незакреплённых мастеров.
func (h *Handler) RecomputeTiers(w http.ResponseWriter, r *http.Request) {
	changed, err := h.service.RecomputeTiers(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

// DistanceSettings возвращает пороги видимости.
func (h *Handler) DistanceSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.DistanceSettings(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDistanceDTO(s))
}

// SetDistanceSettings меняет пороги видимости.
func (h *Handler) SetDistanceSettings(w http.ResponseWriter, r *http.Request) {
	var req distanceDTO
	if !decode(w, r, &req) {
		return
	}
	s, err := h.service.SetDistanceSettings(r.Context(), principal(r), req.settings())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDistanceDTO(s))
}

// SystemAudit возвращает системный журнал аудита.
func (h *Handler) SystemAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.SystemAudit(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuditList(entries))
}
