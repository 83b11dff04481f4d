// Package visibility вычисляет уровень мастера и набор новых заказов, которые он видит.
package visibility

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/model"
)

// Уровни видимости.
const (
	TierBase     = 0
	TierStandard = 1
	TierDaily    = 2
)

const (
	// AverageCheckDepth задаёт, сколько последних выполненных заказов входит в средний чек.
	AverageCheckDepth = 10
	revenueWindow     = 24 * time.Hour
	turnoverWindow    = 10 * 24 * time.Hour
)

// ValidTier сообщает, допустим ли уровень.
func ValidTier(t int) bool { return t >= TierBase && t <= TierDaily }

// Stats содержит скользящую статистику мастера.
type Stats struct {
	AverageCheck  decimal.Decimal
	CompletedSeen int
	Revenue24h    decimal.Decimal
	Turnover10d   decimal.Decimal
}

// Store читает данные для расчёта уровня и видимых заказов.
// RecentFinalCosts возвращает final_cost последних выполненных заказов мастера, новые первыми.
type Store interface {
	RecentFinalCosts(ctx context.Context, masterID uuid.UUID, limit int) ([]decimal.Decimal, error)
	ApprovedSince(ctx context.Context, masterID uuid.UUID, since time.Time) ([]model.CompletionStat, error)
	ListNewUnassigned(ctx context.Context, since, until time.Time) ([]model.Order, error)
}

// Tier выбирает уровень по статистике: сначала проверяется дневной, затем стандартный.
func Tier(st Stats, s model.DistanceSettings) int {
	if st.Revenue24h.GreaterThanOrEqual(s.DailyRevenueThreshold) || st.Turnover10d.GreaterThanOrEqual(s.NetTurnoverThreshold) {
		return TierDaily
	}
	if st.CompletedSeen > 0 && st.AverageCheck.GreaterThanOrEqual(s.AverageCheckThreshold) {
		return TierStandard
	}
	return TierBase
}

// Lookahead возвращает горизонт видимости для уровня.
func Lookahead(tier int, s model.DistanceSettings) time.Duration {
	switch tier {
	case TierDaily:
		return time.Duration(s.DailyVisibilityHours) * time.Hour
	case TierStandard:
		return time.Duration(s.StandardVisibilityHours) * time.Hour
	default:
		return time.Duration(s.BaseVisibilityHours) * time.Hour
	}
}

// Visible отбирает новые неназначенные заказы, созданные в [now-lookahead, now], новые первыми.
func Visible(orders []model.Order, now time.Time, lookahead time.Duration) []model.Order {
	from := now.Add(-lookahead)
	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status != model.OrderNew || o.AssignedMasterID != nil || o.WarrantyMasterID != nil {
			continue
		}
		if o.CreatedAt.Before(from) || o.CreatedAt.After(now) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Evaluation содержит результат пересчёта уровня.
type Evaluation struct {
	Tier      int
	Previous  int
	Pinned    bool
	Lookahead time.Duration
	Stats     Stats
}

// Changed сообщает, поменялся ли уровень.
func (e Evaluation) Changed() bool { return e.Tier != e.Previous }

// Engine считает статистику и уровни.
type Engine struct {
	clock clock.Clock
}

// NewEngine создаёт движок видимости.
func NewEngine(c clock.Clock) *Engine {
	return &Engine{clock: c}
}

// Stats собирает статистику мастера на текущий момент.
func (e *Engine) Stats(ctx context.Context, st Store, masterID uuid.UUID) (Stats, error) {
	now := e.clock.Now()

	costs, err := st.RecentFinalCosts(ctx, masterID, AverageCheckDepth)
	if err != nil {
		return Stats{}, fmt.Errorf("recent final costs: %w", err)
	}
	var out Stats
	if len(costs) > AverageCheckDepth {
		costs = costs[:AverageCheckDepth]
	}
	if len(costs) > 0 {
		out.AverageCheck = decimal.Sum(decimal.Zero, costs...).Div(decimal.NewFromInt(int64(len(costs))))
		out.CompletedSeen = len(costs)
	}

	approved, err := st.ApprovedSince(ctx, masterID, now.Add(-turnoverWindow))
	if err != nil {
		return Stats{}, fmt.Errorf("approved completions: %w", err)
	}
	dayAgo := now.Add(-revenueWindow)
	for _, c := range approved {
		out.Turnover10d = out.Turnover10d.Add(c.NetProfit)
		if !c.ReviewedAt.Before(dayAgo) {
			out.Revenue24h = out.Revenue24h.Add(c.TotalReceived)
		}
	}
	return out, nil
}

// Evaluate пересчитывает уровень мастера. Закреплённый уровень не меняется.
func (e *Engine) Evaluate(ctx context.Context, st Store, u model.User, s model.DistanceSettings) (Evaluation, error) {
	ev := Evaluation{Tier: u.Tier, Previous: u.Tier, Pinned: u.TierPinned}
	if !u.TierPinned {
		stats, err := e.Stats(ctx, st, u.ID)
		if err != nil {
			return Evaluation{}, err
		}
		ev.Stats = stats
		ev.Tier = Tier(stats, s)
	}
	ev.Lookahead = Lookahead(ev.Tier, s)
	return ev, nil
}

// VisibleOrders возвращает заказы, видимые при данном горизонте.
func (e *Engine) VisibleOrders(ctx context.Context, st Store, lookahead time.Duration) ([]model.Order, error) {
	now := e.clock.Now()
	orders, err := st.ListNewUnassigned(ctx, now.Add(-lookahead), now)
	if err != nil {
		return nil, fmt.Errorf("list new orders: %w", err)
	}
	return Visible(orders, now, lookahead), nil
}

// SettingsSource читает пороги видимости из хранилища.
type SettingsSource interface {
	DistanceSettings(ctx context.Context) (model.DistanceSettings, error)
}

// SettingsCache держит пороги в памяти и обновляется после записи.
type SettingsCache struct {
	mu       sync.RWMutex
	settings *model.DistanceSettings
}

// NewSettingsCache создаёт пустой кеш порогов.
func NewSettingsCache() *SettingsCache {
	return &SettingsCache{}
}

// Get возвращает пороги, при промахе читая их из src.
func (c *SettingsCache) Get(ctx context.Context, src SettingsSource) (model.DistanceSettings, error) {
	c.mu.RLock()
	s := c.settings
	c.mu.RUnlock()
	if s != nil {
		return *s, nil
	}

	loaded, err := src.DistanceSettings(ctx)
	if err != nil {
		return model.DistanceSettings{}, fmt.Errorf("load distance settings: %w", err)
	}
	c.Put(loaded)
	return loaded, nil
}

// Put заменяет пороги в кеше.
func (c *SettingsCache) Put(s model.DistanceSettings) {
	c.mu.Lock()
	c.settings = &s
	c.mu.Unlock()
}

// ValidateSettings проверяет пороги и горизонты.
func ValidateSettings(s model.DistanceSettings) error {
	if s.AverageCheckThreshold.IsNegative() || s.DailyRevenueThreshold.IsNegative() || s.NetTurnoverThreshold.IsNegative() {
		return apperr.Invalid("distance thresholds must be non-negative")
	}
	if s.BaseVisibilityHours <= 0 || s.StandardVisibilityHours <= 0 || s.DailyVisibilityHours <= 0 {
		return apperr.Invalid("visibility hours must be positive")
	}
	return nil
}

// FormatSettings форматирует пороги для журнала аудита.
func FormatSettings(s model.DistanceSettings) string {
	return fmt.Sprintf("average_check=%s revenue_24h=%s turnover_10d=%s hours=%d/%d/%d",
		s.AverageCheckThreshold, s.DailyRevenueThreshold, s.NetTurnoverThreshold,
		s.BaseVisibilityHours, s.StandardVisibilityHours, s.DailyVisibilityHours)
}
