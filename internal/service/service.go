// Package service реализует бизнес-логику диспетчерской: заказы, слоты, отчёты и распределение прибыли.
// Каждая операция выполняется в одной транзакции хранилища.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/availability"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/ledger"
	"github.com/fieldops/dispatch/internal/metrics"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/policy"
	"github.com/fieldops/dispatch/internal/schedule"
	"github.com/fieldops/dispatch/internal/validation"
	"github.com/fieldops/dispatch/internal/visibility"
)

// Tx описывает контракт доступа к данным внутри одной транзакции.
// Методы Get* возвращают apperr not-found, если записи нет; Lock* дополнительно блокируют строку.
// UpdateOrder и UpdateCompletion обновляют запись, только если её статус всё ещё равен expected,
// иначе возвращают apperr state-mismatch.
type Tx interface {
	ledger.Store
	schedule.Store
	availability.Store
	policy.Source
	visibility.Store
	visibility.SettingsSource

	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	LockUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	ListMasters(ctx context.Context) ([]model.User, error)
	UpdateUserTier(ctx context.Context, id uuid.UUID, tier int, pinned bool) error

	InsertOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (model.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (model.Order, error)
	UpdateOrder(ctx context.Context, o model.Order, expected model.OrderStatus) error
	ListOrdersByStatus(ctx context.Context, statuses ...model.OrderStatus) ([]model.Order, error)
	ListAssigneeOrders(ctx context.Context, masterID uuid.UUID) ([]model.Order, error)
	HasOrderInProgress(ctx context.Context, masterID, except uuid.UUID) (bool, error)

	InsertCompletion(ctx context.Context, c model.Completion) error
	GetCompletion(ctx context.Context, id uuid.UUID) (model.Completion, error)
	LockCompletion(ctx context.Context, id uuid.UUID) (model.Completion, error)
	PendingCompletion(ctx context.Context, orderID uuid.UUID) (*model.Completion, error)
	ListOrderCompletions(ctx context.Context, orderID uuid.UUID) ([]model.Completion, error)
	ListCompletionsByStatus(ctx context.Context, status model.CompletionStatus) ([]model.Completion, error)
	UpdateCompletion(ctx context.Context, c model.Completion, expected model.CompletionStatus) error
	MarkDistributed(ctx context.Context, completionID uuid.UUID) (bool, error)

	SaveGlobalPolicy(ctx context.Context, p model.ProfitPolicy) error
	SaveMasterPolicy(ctx context.Context, p model.ProfitPolicy) error
	SaveDistanceSettings(ctx context.Context, s model.DistanceSettings) error

	GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error)
	GetTreasury(ctx context.Context) (model.Treasury, error)
	ListLedgerEntries(ctx context.Context, subject *uuid.UUID) ([]model.LedgerEntry, error)

	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListOrderAudit(ctx context.Context, orderID uuid.UUID) ([]model.AuditEntry, error)
	ListSystemAudit(ctx context.Context) ([]model.AuditEntry, error)
}

// Store открывает транзакции. fn вызывается ровно в одной транзакции;
// ошибка fn откатывает все изменения.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// PhotoChecker сообщает размер файла фотографии в хранилище.
type PhotoChecker interface {
	Size(ctx context.Context, path string) (int64, error)
}

// Options содержит бизнес-параметры сервиса.
type Options struct {
	Schedule      schedule.Defaults
	WarrantyFine  decimal.Decimal
	MaxPhotos     int
	MaxPhotoBytes int64
	Photos        PhotoChecker
	Metrics       *metrics.Metrics
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		Schedule:      schedule.StandardDefaults,
		WarrantyFine:  decimal.NewFromInt(5000),
		MaxPhotos:     5,
		MaxPhotoBytes: 10 << 20,
	}
}

// Service содержит бизнес-логику диспетчерской.
type Service struct {
	store    Store
	clock    clock.Clock
	logger   *zap.Logger
	opts     Options
	ledger   *ledger.Ledger
	slots    *schedule.Allocator
	windows  *availability.Tracker
	tiers    *visibility.Engine
	policies *policy.Cache
	distance *visibility.SettingsCache
	metrics  *metrics.Metrics
}

// NewService создаёт сервис поверх хранилища.
func NewService(store Store, c clock.Clock, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		clock:    c,
		logger:   logger,
		opts:     opts,
		ledger:   ledger.New(c),
		slots:    schedule.NewAllocator(c, opts.Schedule),
		windows:  availability.NewTracker(c),
		tiers:    visibility.NewEngine(c),
		policies: policy.NewCache(),
		distance: visibility.NewSettingsCache(),
		metrics:  opts.Metrics,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// inTx выполняет fn в транзакции и логирует внутренние ошибки.
func (s *Service) inTx(ctx context.Context, op string, fn func(tx Tx) error) error {
	err := s.store.InTx(ctx, fn)
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		s.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
		var typed *apperr.Error
		if !errors.As(err, &typed) {
			return apperr.Internal(err)
		}
	}
	return err
}

func (s *Service) audit(ctx context.Context, tx Tx, orderID *uuid.UUID, action model.AuditAction, actor uuid.UUID, description, oldValue, newValue string) error {
	e := model.AuditEntry{
		ID:          s.clock.NewID(),
		OrderID:     orderID,
		Action:      action,
		ActorID:     actor,
		Description: description,
		OldValue:    oldValue,
		NewValue:    newValue,
		CreatedAt:   s.clock.Now(),
	}
	if err := tx.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// NewUser содержит данные для заведения сотрудника.
type NewUser struct {
	Email    string
	Name     string
	Password string
	Role     model.Role
}

// RegisterUser заводит сотрудника. Доступно суперадминистратору.
func (s *Service) RegisterUser(ctx context.Context, actor access.Principal, in NewUser) (model.User, error) {
	if err := access.Require(actor, access.CapManageUsers); err != nil {
		return model.User{}, err
	}
	return s.createUser(ctx, in)
}

// EnsureAdmin создаёт суперадминистратора при первом запуске, если такого адреса ещё нет.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	_, err := s.createUser(ctx, NewUser{Email: email, Name: "admin", Password: password, Role: model.RoleSuperAdmin})
	if errors.Is(err, apperr.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service) createUser(ctx context.Context, in NewUser) (model.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if !validation.IsValidEmail(email) {
		return model.User{}, apperr.Invalid("invalid email %q", in.Email)
	}
	if in.Password == "" {
		return model.User{}, apperr.Invalid("password is required")
	}
	if !in.Role.Valid() {
		return model.User{}, apperr.Invalid("unknown role %q", in.Role)
	}

	hash, err := hashPassword(in.Password)
	if err != nil {
		return model.User{}, err
	}

	u := model.User{
		ID:           s.clock.NewID(),
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		Role:         in.Role,
		CreatedAt:    s.clock.Now(),
	}
	err = s.inTx(ctx, "create_user", func(tx Tx) error {
		return tx.CreateUser(ctx, u)
	})
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Login проверяет почту и пароль и возвращает участника.
func (s *Service) Login(ctx context.Context, email, password string) (access.Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var u model.User
	err := s.inTx(ctx, "login", func(tx Tx) error {
		var err error
		u, err = tx.GetUserByEmail(ctx, email)
		return err
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return access.Principal{}, apperr.Forbidden("invalid credentials")
	}
	if err != nil {
		return access.Principal{}, err
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return access.Principal{}, apperr.Forbidden("invalid credentials")
	}
	return access.Principal{ID: u.ID, Role: u.Role}, nil
}

// Principal определяет роль пользователя по идентификатору.
func (s *Service) Principal(ctx context.Context, id uuid.UUID) (access.Principal, error) {
	var u model.User
	err := s.inTx(ctx, "principal", func(tx Tx) error {
		var err error
		u, err = tx.GetUser(ctx, id)
		return err
	})
	if err != nil {
		return access.Principal{}, err
	}
	return access.Principal{ID: u.ID, Role: u.Role}, nil
}

// User возвращает карточку сотрудника.
func (s *Service) User(ctx context.Context, actor access.Principal, id uuid.UUID) (model.User, error) {
	if err := access.RequireSelfOr(actor, id, access.CapViewAnyMaster); err != nil {
		return model.User{}, err
	}
	var u model.User
	err := s.inTx(ctx, "get_user", func(tx Tx) error {
		var err error
		u, err = tx.GetUser(ctx, id)
		return err
	})
	return u, err
}

func hashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, apperr.Invalid("password is longer than 72 bytes")
	}
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// requireMaster загружает пользователя и проверяет, что он мастер.
func requireMaster(ctx context.Context, tx Tx, id uuid.UUID) (model.User, error) {
	u, err := tx.GetUser(ctx, id)
	if err != nil {
		return model.User{}, err
	}
	if !u.Role.IsMaster() {
		return model.User{}, apperr.Invalid("user %s is not a master", id)
	}
	return u, nil
}

// lockMaster блокирует строку мастера до конца транзакции.
// Проверки по всем заказам или окнам мастера выполняются под этой блокировкой.
func lockMaster(ctx context.Context, tx Tx, id uuid.UUID) (model.User, error) {
	u, err := tx.LockUser(ctx, id)
	if err != nil {
		return model.User{}, err
	}
	if !u.Role.IsMaster() {
		return model.User{}, apperr.Invalid("user %s is not a master", id)
	}
	return u, nil
}

func (s *Service) today() time.Time {
	return clock.Day(s.clock.Now())
}

func ptr[T any](v T) *T { return &v }
