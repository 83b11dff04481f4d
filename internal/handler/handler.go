// Package handler содержит HTTP-обработчики API диспетчерской.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/middleware"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/schedule"
	"github.com/fieldops/dispatch/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Login(ctx context.Context, email, password string) (access.Principal, error)
	Principal(ctx context.Context, id uuid.UUID) (access.Principal, error)
	RegisterUser(ctx context.Context, actor access.Principal, in service.NewUser) (model.User, error)
	User(ctx context.Context, actor access.Principal, id uuid.UUID) (model.User, error)

	CreateOrder(ctx context.Context, actor access.Principal, in service.NewOrder) (model.Order, error)
	GetOrder(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Order, error)
	MarkProcessing(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Order, error)
	DeleteOrder(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Order, error)
	ProcessingQueue(ctx context.Context, actor access.Principal) ([]model.Order, error)
	MasterOrders(ctx context.Context, actor access.Principal, masterID uuid.UUID) ([]model.Order, error)
	AssignOrder(ctx context.Context, actor access.Principal, orderID, masterID uuid.UUID, hint *service.SlotHint) (service.Assignment, error)
	TakeOrder(ctx context.Context, actor access.Principal, orderID uuid.UUID, hint *service.SlotHint) (service.Assignment, error)
	ReleaseAssignment(ctx context.Context, actor access.Principal, orderID uuid.UUID) (model.Order, error)
	TransferToWarranty(ctx context.Context, actor access.Principal, orderID, warrantyMasterID uuid.UUID, hint *service.SlotHint) (service.WarrantyTransfer, error)
	StartOrder(ctx context.Context, actor access.Principal, orderID uuid.UUID) (model.Order, error)
	OrderAudit(ctx context.Context, actor access.Principal, orderID uuid.UUID) ([]model.AuditEntry, error)
	SystemAudit(ctx context.Context, actor access.Principal) ([]model.AuditEntry, error)

	SubmitCompletion(ctx context.Context, actor access.Principal, orderID uuid.UUID, in service.CompletionInput) (model.Completion, error)
	ReviewCompletion(ctx context.Context, actor access.Principal, completionID uuid.UUID, approve bool, notes string) (service.ReviewResult, error)
	ReviewQueue(ctx context.Context, actor access.Principal) ([]model.Completion, error)
	OrderCompletions(ctx context.Context, actor access.Principal, orderID uuid.UUID) ([]model.Completion, error)
	Completion(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Completion, error)

	DailySchedule(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time) (service.DayView, error)
	AvailableSlots(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time) ([]int, error)
	ConfigureSchedule(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time, d schedule.Defaults, working bool) (model.DailySchedule, error)
	CleanupSlots(ctx context.Context, actor access.Principal, masterID uuid.UUID) (int, error)
	AddAvailability(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time, start, end time.Duration) (model.AvailabilityWindow, error)
	RemoveAvailability(ctx context.Context, actor access.Principal, masterID, windowID uuid.UUID) error
	ListAvailability(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time) ([]model.AvailabilityWindow, error)

	Balance(ctx context.Context, actor access.Principal, userID uuid.UUID) (model.Balance, error)
	TopUp(ctx context.Context, actor access.Principal, userID uuid.UUID, amount decimal.Decimal, reason string) (model.LedgerEntry, error)
	FineMaster(ctx context.Context, actor access.Principal, masterID uuid.UUID, amount decimal.Decimal, reason string) (model.LedgerEntry, error)
	Treasury(ctx context.Context, actor access.Principal) (model.Treasury, error)
	LedgerEntries(ctx context.Context, actor access.Principal, userID uuid.UUID) ([]model.LedgerEntry, error)
	LedgerExport(ctx context.Context, actor access.Principal) ([]model.LedgerEntry, error)
	SetGlobalPolicy(ctx context.Context, actor access.Principal, in service.PolicyInput) (model.ProfitPolicy, error)
	SetMasterPolicy(ctx context.Context, actor access.Principal, masterID uuid.UUID, in service.PolicyInput, active bool) (model.ProfitPolicy, error)
	EffectivePolicy(ctx context.Context, actor access.Principal, masterID uuid.UUID) (model.ProfitPolicy, error)

	VisibleOrdersForMaster(ctx context.Context, actor access.Principal, masterID uuid.UUID) (service.VisibleOrders, error)
	SetTier(ctx context.Context, actor access.Principal, masterID uuid.UUID, tier int, pinned bool) (model.User, error)
	RecomputeTiers(ctx context.Context, actor access.Principal) (int, error)
	DistanceSettings(ctx context.Context, actor access.Principal) (model.DistanceSettings, error)
	SetDistanceSettings(ctx context.Context, actor access.Principal, in model.DistanceSettings) (model.DistanceSettings, error)
}

type principalKey struct{}

// Handler реализует HTTP-обработчики API диспетчерской.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
	clock          clock.Clock
	loc            *time.Location
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Даты из запросов разбираются в поясе часов clk; metrics может быть nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler, clk clock.Clock) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
		clock:          clk,
		loc:            clk.Location(),
	}
}

// resolvePrincipal определяет роль пользователя из cookie. Удалённый пользователь получает 401.
func (h *Handler) resolvePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserIDFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		p, err := h.service.Principal(r.Context(), userID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			h.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principal(r *http.Request) access.Principal {
	p, _ := r.Context().Value(principalKey{}).(access.Principal)
	return p
}

type errorResponse struct {
	Error            string     `json:"error"`
	Reason           string     `json:"reason,omitempty"`
	Message          string     `json:"message,omitempty"`
	OccupyingOrderID *uuid.UUID `json:"occupying_order_id,omitempty"`
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindStateMismatch, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusUnprocessableEntity
	case apperr.KindInsufficientFunds:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// writeError отвечает статусом по классу ошибки. Внутренние ошибки логируются без деталей в ответе.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)

	resp := errorResponse{Error: string(kind)}
	var typed *apperr.Error
	if kind != apperr.KindInternal && errors.As(err, &typed) {
		resp.Reason = typed.Reason
		resp.Message = typed.Message
		resp.OccupyingOrderID = typed.OccupyingOrderID
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("method", r.Method), zap.String("path", r.URL.Path))
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(apperr.KindInvalidInput), Message: fmt.Sprintf(format, args...)})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "malformed request body: %v", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		badRequest(w, "invalid %s", name)
		return uuid.Nil, false
	}
	return id, true
}

// parseDate разбирает дату вида 2006-01-02 в поясе сервиса; пустая строка означает сегодня.
func (h *Handler) parseDate(s string) (time.Time, error) {
	if s == "" {
		return clock.Day(h.clock.Now()), nil
	}
	return time.ParseInLocation(time.DateOnly, s, h.loc)
}

func (h *Handler) queryDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	d, err := h.parseDate(r.URL.Query().Get("date"))
	if err != nil {
		badRequest(w, "invalid date %q", r.URL.Query().Get("date"))
		return time.Time{}, false
	}
	return d, true
}

// parseClock разбирает время вида 15:04 в смещение от полуночи.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// Health отвечает 200, пока процесс жив.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
