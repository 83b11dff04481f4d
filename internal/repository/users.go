package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
)

const userColumns = `id, email, name, password_hash, role, tier, tier_pinned, created_at`

func scanUser(row pgx.Row) (model.User, error) {
	var (
		u    model.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.Tier, &u.TierPinned, &u.CreatedAt); err != nil {
		return model.User{}, err
	}
	u.Role = model.Role(role)
	return u, nil
}

// CreateUser создаёт нового пользователя.
func (t *pgTx) CreateUser(ctx context.Context, u model.User) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO users (id, email, name, password_hash, role, tier, tier_pinned, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), u.Tier, u.TierPinned, u.CreatedAt,
	)
	if err != nil {
		return mapError(err, "create user")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindConflict, "email %s is already registered", u.Email)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (t *pgTx) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, apperr.NotFound("user", id)
		}
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// LockUser возвращает пользователя и блокирует его строку до конца транзакции.
func (t *pgTx) LockUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, apperr.NotFound("user", id)
		}
		return model.User{}, fmt.Errorf("lock user: %w", err)
	}
	return u, nil
}

// GetUserByEmail возвращает пользователя по почте.
func (t *pgTx) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, apperr.NotFound("user", email)
		}
		return model.User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// ListMasters возвращает мастеров обоих видов.
func (t *pgTx) ListMasters(ctx context.Context) ([]model.User, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = ANY($1) ORDER BY email`,
		[]string{string(model.RoleMaster), string(model.RoleWarrantyMaster)},
	)
	if err != nil {
		return nil, fmt.Errorf("select masters: %w", err)
	}
	return collect(rows, "user", scanUser)
}

// UpdateUserTier сохраняет уровень мастера.
func (t *pgTx) UpdateUserTier(ctx context.Context, id uuid.UUID, tier int, pinned bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET tier = $2, tier_pinned = $3 WHERE id = $1`, id, tier, pinned)
	if err != nil {
		return mapError(err, "update tier")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user", id)
	}
	return nil
}

// LockBalance блокирует строку баланса, создавая её при первом обращении.
func (t *pgTx) LockBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, userID); err != nil {
		return model.Balance{}, mapError(err, "create balance")
	}
	b := model.Balance{UserID: userID}
	err := t.tx.QueryRow(ctx,
		`SELECT available, paid_out, updated_at FROM balances WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&b.Available, &b.PaidOut, &b.UpdatedAt)
	if err != nil {
		return model.Balance{}, fmt.Errorf("lock balance: %w", err)
	}
	return b, nil
}

// GetBalance возвращает баланс; отсутствующий баланс считается нулевым.
func (t *pgTx) GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error) {
	b := model.Balance{UserID: userID, Available: decimal.Zero, PaidOut: decimal.Zero}
	err := t.tx.QueryRow(ctx,
		`SELECT available, paid_out, updated_at FROM balances WHERE user_id = $1`,
		userID,
	).Scan(&b.Available, &b.PaidOut, &b.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// SaveBalance записывает заблокированный баланс.
func (t *pgTx) SaveBalance(ctx context.Context, b model.Balance) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE balances SET available = $2, paid_out = $3, updated_at = $4 WHERE user_id = $1`,
		b.UserID, b.Available, b.PaidOut, b.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "save balance")
	}
	return nil
}

// LockTreasury блокирует строку казны.
func (t *pgTx) LockTreasury(ctx context.Context) (model.Treasury, error) {
	var tr model.Treasury
	err := t.tx.QueryRow(ctx, `SELECT amount, updated_at FROM treasury WHERE id = 1 FOR UPDATE`).Scan(&tr.Amount, &tr.UpdatedAt)
	if err != nil {
		return model.Treasury{}, fmt.Errorf("lock treasury: %w", err)
	}
	return tr, nil
}

// GetTreasury возвращает состояние казны.
func (t *pgTx) GetTreasury(ctx context.Context) (model.Treasury, error) {
	var tr model.Treasury
	err := t.tx.QueryRow(ctx, `SELECT amount, updated_at FROM treasury WHERE id = 1`).Scan(&tr.Amount, &tr.UpdatedAt)
	if err != nil {
		return model.Treasury{}, fmt.Errorf("get treasury: %w", err)
	}
	return tr, nil
}

// SaveTreasury записывает заблокированную казну.
func (t *pgTx) SaveTreasury(ctx context.Context, tr model.Treasury) error {
	if _, err := t.tx.Exec(ctx, `UPDATE treasury SET amount = $1, updated_at = $2 WHERE id = 1`, tr.Amount, tr.UpdatedAt); err != nil {
		return mapError(err, "save treasury")
	}
	return nil
}

const ledgerColumns = `id, kind, subject, field, amount, reason, actor_id, order_id, group_id, pre, post, created_at`

func (t *pgTx) scanLedgerEntry(row pgx.Row) (model.LedgerEntry, error) {
	var (
		e           model.LedgerEntry
		kind, field string
	)
	err := row.Scan(&e.ID, &kind, &e.Subject, &field, &e.Amount, &e.Reason, &e.ActorID,
		&e.OrderID, &e.GroupID, &e.Pre, &e.Post, &e.CreatedAt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	e.Kind = model.LedgerKind(kind)
	e.Field = model.LedgerField(field)
	e.CreatedAt = e.CreatedAt.In(t.loc)
	return e, nil
}

// AppendLedgerEntry дописывает проводку в журнал.
func (t *pgTx) AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, string(e.Kind), e.Subject, string(e.Field), e.Amount, e.Reason, e.ActorID,
		e.OrderID, e.GroupID, e.Pre, e.Post, e.CreatedAt,
	)
	if err != nil {
		return mapError(err, "append ledger entry")
	}
	return nil
}

// ListLedgerEntries возвращает проводки субъекта (или все при subject == nil), новые первыми.
func (t *pgTx) ListLedgerEntries(ctx context.Context, subject *uuid.UUID) ([]model.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE $1::uuid IS NULL OR subject = $1
		 ORDER BY seq DESC`,
		subject,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	return collect(rows, "ledger entry", t.scanLedgerEntry)
}

// GlobalPolicy возвращает глобальные проценты распределения.
func (t *pgTx) GlobalPolicy(ctx context.Context) (model.ProfitPolicy, error) {
	p := model.ProfitPolicy{Active: true}
	err := t.tx.QueryRow(ctx,
		`SELECT master_paid, master_balance, curator, company, updated_at FROM global_profit_policy WHERE id = 1`,
	).Scan(&p.MasterPaid, &p.MasterBalance, &p.Curator, &p.Company, &p.UpdatedAt)
	if err != nil {
		return model.ProfitPolicy{}, fmt.Errorf("get global policy: %w", err)
	}
	return p, nil
}

// MasterPolicy возвращает персональную политику мастера или nil.
func (t *pgTx) MasterPolicy(ctx context.Context, masterID uuid.UUID) (*model.ProfitPolicy, error) {
	p := model.ProfitPolicy{MasterID: &masterID}
	err := t.tx.QueryRow(ctx,
		`SELECT master_paid, master_balance, curator, company, active, updated_at
		 FROM master_profit_policies WHERE master_id = $1`,
		masterID,
	).Scan(&p.MasterPaid, &p.MasterBalance, &p.Curator, &p.Company, &p.Active, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get master policy: %w", err)
	}
	return &p, nil
}

// SaveGlobalPolicy заменяет глобальную политику.
func (t *pgTx) SaveGlobalPolicy(ctx context.Context, p model.ProfitPolicy) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE global_profit_policy
		 SET master_paid = $1, master_balance = $2, curator = $3, company = $4, updated_at = $5
		 WHERE id = 1`,
		p.MasterPaid, p.MasterBalance, p.Curator, p.Company, p.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "save global policy")
	}
	return nil
}

// SaveMasterPolicy создаёт или заменяет персональную политику.
func (t *pgTx) SaveMasterPolicy(ctx context.Context, p model.ProfitPolicy) error {
	if p.MasterID == nil {
		return apperr.Invalid("master policy without master")
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO master_profit_policies (master_id, master_paid, master_balance, curator, company, active, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (master_id) DO UPDATE
		 SET master_paid = EXCLUDED.master_paid, master_balance = EXCLUDED.master_balance,
		     curator = EXCLUDED.curator, company = EXCLUDED.company,
		     active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		*p.MasterID, p.MasterPaid, p.MasterBalance, p.Curator, p.Company, p.Active, p.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "save master policy")
	}
	return nil
}

// DistanceSettings возвращает пороги видимости.
func (t *pgTx) DistanceSettings(ctx context.Context) (model.DistanceSettings, error) {
	var s model.DistanceSettings
	err := t.tx.QueryRow(ctx,
		`SELECT average_check_threshold, daily_revenue_threshold, net_turnover_threshold,
		        standard_visibility_hours, daily_visibility_hours, base_visibility_hours, updated_at
		 FROM distance_settings WHERE id = 1`,
	).Scan(&s.AverageCheckThreshold, &s.DailyRevenueThreshold, &s.NetTurnoverThreshold,
		&s.StandardVisibilityHours, &s.DailyVisibilityHours, &s.BaseVisibilityHours, &s.UpdatedAt)
	if err != nil {
		return model.DistanceSettings{}, fmt.Errorf("get distance settings: %w", err)
	}
	return s, nil
}

// SaveDistanceSettings заменяет пороги видимости.
func (t *pgTx) SaveDistanceSettings(ctx context.Context, s model.DistanceSettings) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE distance_settings
		 SET average_check_threshold = $1, daily_revenue_threshold = $2, net_turnover_threshold = $3,
		     standard_visibility_hours = $4, daily_visibility_hours = $5, base_visibility_hours = $6, updated_at = $7
		 WHERE id = 1`,
		s.AverageCheckThreshold, s.DailyRevenueThreshold, s.NetTurnoverThreshold,
		s.StandardVisibilityHours, s.DailyVisibilityHours, s.BaseVisibilityHours, s.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "save distance settings")
	}
	return nil
}

const auditColumns = `id, order_id, action, actor_id, description, old_value, new_value, created_at`

func (t *pgTx) scanAudit(row pgx.Row) (model.AuditEntry, error) {
	var (
		e      model.AuditEntry
		action string
	)
	if err := row.Scan(&e.ID, &e.OrderID, &action, &e.ActorID, &e.Description, &e.OldValue, &e.NewValue, &e.CreatedAt); err != nil {
		return model.AuditEntry{}, err
	}
	e.Action = model.AuditAction(action)
	e.CreatedAt = e.CreatedAt.In(t.loc)
	return e, nil
}

// AppendAudit дописывает запись аудита.
func (t *pgTx) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrderID, string(e.Action), e.ActorID, e.Description, e.OldValue, e.NewValue, e.CreatedAt,
	)
	if err != nil {
		return mapError(err, "append audit")
	}
	return nil
}

// ListOrderAudit возвращает журнал заказа в порядке записи.
func (t *pgTx) ListOrderAudit(ctx context.Context, orderID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select order audit: %w", err)
	}
	return collect(rows, "audit entry", t.scanAudit)
}

// ListSystemAudit возвращает записи аудита без заказа.
func (t *pgTx) ListSystemAudit(ctx context.Context) ([]model.AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE order_id IS NULL ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("select system audit: %w", err)
	}
	return collect(rows, "audit entry", t.scanAudit)
}
