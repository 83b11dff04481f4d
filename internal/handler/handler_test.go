package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/middleware"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/report"
	"github.com/fieldops/dispatch/internal/service"
)

// stubService реализует только нужные тестам методы; остальные паникуют через nil-интерфейс.
type stubService struct {
	Service

	users map[uuid.UUID]model.Role

	loginResp access.Principal
	loginErr  error

	createOrderResp model.Order
	createOrderIn   service.NewOrder
	createOrderErr  error

	getOrderResp model.Order

	assignErr error

	reviewResp   service.ReviewResult
	reviewCalled bool

	ledger []model.LedgerEntry

	slotsDate time.Time
}

func (s *stubService) Principal(ctx context.Context, id uuid.UUID) (access.Principal, error) {
	role, ok := s.users[id]
	if !ok {
		return access.Principal{}, apperr.NotFound("user", id)
	}
	return access.Principal{ID: id, Role: role}, nil
}

func (s *stubService) Login(ctx context.Context, email, password string) (access.Principal, error) {
	return s.loginResp, s.loginErr
}

func (s *stubService) CreateOrder(ctx context.Context, actor access.Principal, in service.NewOrder) (model.Order, error) {
	s.createOrderIn = in
	return s.createOrderResp, s.createOrderErr
}

func (s *stubService) GetOrder(ctx context.Context, actor access.Principal, id uuid.UUID) (model.Order, error) {
	return s.getOrderResp, nil
}

func (s *stubService) AssignOrder(ctx context.Context, actor access.Principal, orderID, masterID uuid.UUID, hint *service.SlotHint) (service.Assignment, error) {
	return service.Assignment{}, s.assignErr
}

func (s *stubService) ReviewCompletion(ctx context.Context, actor access.Principal, completionID uuid.UUID, approve bool, notes string) (service.ReviewResult, error) {
	s.reviewCalled = true
	return s.reviewResp, nil
}

func (s *stubService) AvailableSlots(ctx context.Context, actor access.Principal, masterID uuid.UUID, date time.Time) ([]int, error) {
	s.slotsDate = date
	return []int{1, 2}, nil
}

func (s *stubService) LedgerExport(ctx context.Context, actor access.Principal) ([]model.LedgerEntry, error) {
	if err := access.Require(actor, access.CapExportLedger); err != nil {
		return nil, err
	}
	return s.ledger, nil
}

// msk — фиксированный пояс сервиса в тестах, без зависимости от tzdata.
var msk = time.FixedZone("MSK", 3*60*60)

type fixture struct {
	clk    *clock.Manual
	svc    *stubService
	auth   *middleware.AuthMiddleware
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := &stubService{users: map[uuid.UUID]model.Role{}}
	auth := middleware.NewAuthMiddleware("test-secret")
	clk := clock.NewManual(time.Date(2025, 4, 1, 12, 0, 0, 0, msk))
	h := NewHandler(svc, zap.NewNop(), auth, nil, clk)
	return &fixture{clk: clk, svc: svc, auth: auth, router: h.SetupRouter()}
}

func (f *fixture) user(role model.Role) uuid.UUID {
	id := uuid.New()
	f.svc.users[id] = role
	return id
}

func (f *fixture) do(t *testing.T, as uuid.UUID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != uuid.Nil {
		rec := httptest.NewRecorder()
		f.auth.SetAuthCookie(rec, as)
		for _, c := range rec.Result().Cookies() {
			req.AddCookie(c)
		}
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	id := f.user(model.RoleCurator)
	f.svc.loginResp = access.Principal{ID: id, Role: model.RoleCurator}

	w := f.do(t, uuid.Nil, http.MethodPost, "/api/login", credentialsRequest{Email: "c@example.com", Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Result().Cookies())

	f.svc.loginErr = apperr.Forbidden("invalid credentials")
	w = f.do(t, uuid.Nil, http.MethodPost, "/api/login", credentialsRequest{Email: "c@example.com", Password: "bad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, uuid.Nil, http.MethodPost, "/api/login", credentialsRequest{Email: "c@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProtectedRoutesRequireKnownUser(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, uuid.Nil, http.MethodGet, "/api/orders/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, uuid.New(), http.MethodGet, "/api/orders/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	operator := f.user(model.RoleOperator)
	f.svc.createOrderResp = model.Order{
		ID:      uuid.New(),
		Status:  model.OrderNew,
		Address: model.Address{Street: "Lenina", House: "5", Apartment: "12"},
	}

	w := f.do(t, operator, http.MethodPost, "/api/orders", map[string]any{
		"client_name":  "Ivan",
		"client_phone": "8 (912) 345-67-89",
		"description":  "washer leaks",
		"address":      map[string]string{"street": "Lenina", "house": "5", "apartment": "12"},
		"schedule":     map[string]any{"date": "2025-04-02", "slot": 3},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	in := f.svc.createOrderIn
	assert.Equal(t, "12", in.Address.Apartment)
	require.NotNil(t, in.Schedule)
	require.NotNil(t, in.Schedule.Date)
	assert.Equal(t, "2025-04-02", in.Schedule.Date.Format(time.DateOnly))
	assert.Equal(t, 3, in.Schedule.SlotNumber)

	var resp orderResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Lenina 5, кв. 12", resp.Address)
}

func TestCreateOrderRejectsBadHint(t *testing.T) {
	f := newFixture(t)
	operator := f.user(model.RoleOperator)

	w := f.do(t, operator, http.MethodPost, "/api/orders", map[string]any{
		"client_name": "Ivan",
		"schedule":    map[string]any{"time": "25:99"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderAddressHiddenFromOtherMasters(t *testing.T) {
	f := newFixture(t)
	assignee := f.user(model.RoleMaster)
	other := f.user(model.RoleMaster)
	f.svc.getOrderResp = model.Order{
		ID:               uuid.New(),
		ClientPhone:      "+79123456789",
		Status:           model.OrderAssigned,
		Address:          model.Address{Street: "Lenina", House: "5", Apartment: "12", Entrance: "2"},
		AssignedMasterID: &assignee,
	}
	path := "/api/orders/" + f.svc.getOrderResp.ID.String()

	var resp orderResponse
	w := f.do(t, other, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Lenina 5", resp.Address)
	assert.Empty(t, resp.ClientPhone)
	assert.Nil(t, resp.AddressParts)

	w = f.do(t, assignee, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Lenina 5, кв. 12, подъезд 2", resp.Address)
	assert.Equal(t, "+79123456789", resp.ClientPhone)
}

func TestAssignSlotConflict(t *testing.T) {
	f := newFixture(t)
	curator := f.user(model.RoleCurator)
	occupant := uuid.New()
	f.svc.assignErr = apperr.SlotOccupied(3, occupant)

	w := f.do(t, curator, http.MethodPost, "/api/orders/"+uuid.NewString()+"/assign", assignRequest{
		MasterID: uuid.New(),
		Schedule: &slotHintRequest{Date: "2025-04-01", Slot: 3},
	})
	require.Equal(t, http.StatusConflict, w.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, string(apperr.KindConflict), resp.Error)
	assert.Equal(t, apperr.ReasonSlotOccupied, resp.Reason)
	require.NotNil(t, resp.OccupyingOrderID)
	assert.Equal(t, occupant, *resp.OccupyingOrderID)
}

func TestInvalidPathID(t *testing.T) {
	f := newFixture(t)
	curator := f.user(model.RoleCurator)

	w := f.do(t, curator, http.MethodGet, "/api/orders/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReviewRequiresDecision(t *testing.T) {
	f := newFixture(t)
	curator := f.user(model.RoleCurator)
	path := "/api/completions/" + uuid.NewString() + "/review"

	w := f.do(t, curator, http.MethodPost, path, map[string]string{"notes": "ok"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, f.svc.reviewCalled)

	w = f.do(t, curator, http.MethodPost, path, map[string]any{"approve": true})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.svc.reviewCalled)
}

func TestExportLedger(t *testing.T) {
	f := newFixture(t)
	admin := f.user(model.RoleSuperAdmin)
	curator := f.user(model.RoleCurator)

	w := f.do(t, curator, http.MethodGet, "/api/admin/ledger.xlsx", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, admin, http.MethodGet, "/api/admin/ledger.xlsx", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, report.ContentType, w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindForbidden, http.StatusForbidden},
		{apperr.KindInvalidInput, http.StatusBadRequest},
		{apperr.KindStateMismatch, http.StatusConflict},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindUnavailable, http.StatusUnprocessableEntity},
		{apperr.KindInsufficientFunds, http.StatusPaymentRequired},
		{apperr.KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.kind))
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := parseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)
	assert.Equal(t, "09:30", formatClock(d))

	_, err = parseClock("9.30")
	assert.Error(t, err)
}

func TestDefaultDateComesFromServiceClock(t *testing.T) {
	f := newFixture(t)
	master := f.user(model.RoleMaster)
	path := "/api/masters/" + master.String() + "/slots/free"

	// 22:30 UTC уже следующий день по Москве.
	f.clk.Set(time.Date(2025, 4, 1, 22, 30, 0, 0, time.UTC).In(msk))
	w := f.do(t, master, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, f.svc.slotsDate.Equal(time.Date(2025, 4, 2, 0, 0, 0, 0, msk)), "date = %s", f.svc.slotsDate)
	assert.Equal(t, msk, f.svc.slotsDate.Location())

	w = f.do(t, master, http.MethodGet, path+"?date=2025-04-05", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, f.svc.slotsDate.Equal(time.Date(2025, 4, 5, 0, 0, 0, 0, msk)), "date = %s", f.svc.slotsDate)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, uuid.Nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
