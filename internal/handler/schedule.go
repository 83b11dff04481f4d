package handler

import (
	"net/http"
	"time"

	"github.com/fieldops/dispatch/internal/schedule"
)

// DailySchedule возвращает день мастера со слотами.
func (h *Handler) DailySchedule(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	date, ok := h.queryDate(w, r)
	if !ok {
		return
	}
	view, err := h.service.DailySchedule(r.Context(), principal(r), masterID, date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDayResponse(view.Schedule, view.Slots))
}

// AvailableSlots возвращает номера свободных слотов дня.
func (h *Handler) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	date, ok := h.queryDate(w, r)
	if !ok {
		return
	}
	free, err := h.service.AvailableSlots(r.Context(), principal(r), masterID, date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if free == nil {
		free = []int{}
	}
	writeJSON(w, http.StatusOK, free)
}

type configureRequest struct {
	Date        string `json:"date"`
	WorkStart   string `json:"work_start"`
	WorkEnd     string `json:"work_end"`
	SlotMinutes int    `json:"slot_minutes"`
	MaxSlots    int    `json:"max_slots"`
	Working     *bool  `json:"is_working_day"`
}

// ConfigureSchedule меняет рабочие часы и сетку слотов дня.
func (h *Handler) ConfigureSchedule(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	var req configureRequest
	if !decode(w, r, &req) {
		return
	}
	date, err := h.parseDate(req.Date)
	if err != nil {
		badRequest(w, "invalid date %q", req.Date)
		return
	}
	start, err := parseClock(req.WorkStart)
	if err != nil {
		badRequest(w, "invalid work_start %q", req.WorkStart)
		return
	}
	end, err := parseClock(req.WorkEnd)
	if err != nil {
		badRequest(w, "invalid work_end %q", req.WorkEnd)
		return
	}
	working := true
	if req.Working != nil {
		working = *req.Working
	}

	d := schedule.Defaults{
		WorkStart:    start,
		WorkEnd:      end,
		SlotDuration: time.Duration(req.SlotMinutes) * time.Minute,
		MaxSlots:     req.MaxSlots,
	}
	s, err := h.service.ConfigureSchedule(r.Context(), principal(r), masterID, date, d, working)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDayResponse(s, nil))
}

// CleanupSlots удаляет слоты завершённых заказов мастера.
func (h *Handler) CleanupSlots(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	removed, err := h.service.CleanupSlots(r.Context(), principal(r), masterID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// ListAvailability возвращает окна доступности мастера на день.
func (h *Handler) ListAvailability(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	date, ok := h.queryDate(w, r)
	if !ok {
		return
	}
	windows, err := h.service.ListAvailability(r.Context(), principal(r), masterID, date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]windowResponse, 0, len(windows))
	for _, win := range windows {
		resp = append(resp, newWindowResponse(win))
	}
	writeJSON(w, http.StatusOK, resp)
}

type availabilityRequest struct {
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// AddAvailability открывает окно доступности.
func (h *Handler) AddAvailability(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	var req availabilityRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Date == "" {
		badRequest(w, "date is required")
		return
	}
	date, err := h.parseDate(req.Date)
	if err != nil {
		badRequest(w, "invalid date %q", req.Date)
		return
	}
	start, err := parseClock(req.Start)
	if err != nil {
		badRequest(w, "invalid start %q", req.Start)
		return
	}
	end, err := parseClock(req.End)
	if err != nil {
		badRequest(w, "invalid end %q", req.End)
		return
	}

	win, err := h.service.AddAvailability(r.Context(), principal(r), masterID, date, start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newWindowResponse(win))
}

// RemoveAvailability закрывает окно доступности.
func (h *Handler) RemoveAvailability(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	windowID, ok := pathID(w, r, "windowID")
	if !ok {
		return
	}
	if err := h.service.RemoveAvailability(r.Context(), principal(r), masterID, windowID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MasterOrders возвращает заказы, за которые отвечает мастер.
func (h *Handler) MasterOrders(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	p := principal(r)
	orders, err := h.service.MasterOrders(r.Context(), p, masterID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderList(orders, p))
}

type visibleResponse struct {
	Tier           int             `json:"tier"`
	Pinned         bool            `json:"pinned"`
	LookaheadHours int             `json:"lookahead_hours"`
	Orders         []orderResponse `json:"orders"`
}

// VisibleOrders возвращает новые заказы, которые видит мастер на своём уровне.
func (h *Handler) VisibleOrders(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	p := principal(r)
	v, err := h.service.VisibleOrdersForMaster(r.Context(), p, masterID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, visibleResponse{
		Tier:           v.Tier,
		Pinned:         v.Pinned,
		LookaheadHours: int(v.Lookahead / time.Hour),
		Orders:         newOrderList(v.Orders, p),
	})
}

type tierRequest struct {
	Tier   int  `json:"tier"`
	Pinned bool `json:"pinned"`
}

// SetTier вручную задаёт уровень мастера.
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	masterID, ok := pathID(w, r, "masterID")
	if !ok {
		return
	}
	var req tierRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.service.SetTier(r.Context(), principal(r), masterID, req.Tier, req.Pinned)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(u))
}
