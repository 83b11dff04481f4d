// Package policy проверяет и выбирает проценты распределения прибыли.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
)

// Default задаёт глобальную политику, которая действует, пока суперадминистратор не задал свою.
var Default = model.ProfitPolicy{MasterPaid: 30, MasterBalance: 30, Curator: 5, Company: 35, Active: true}

// Validate проверяет, что доли неотрицательны и в сумме дают ровно 100.
func Validate(p model.ProfitPolicy) error {
	if p.MasterPaid < 0 || p.MasterBalance < 0 || p.Curator < 0 || p.Company < 0 {
		return apperr.Invalid("policy percentages must not be negative")
	}
	if p.Sum() != 100 {
		return apperr.Invalid("policy percentages sum to %d, want 100", p.Sum())
	}
	return nil
}

// Resolve выбирает действующую политику: активная персональная или глобальная.
func Resolve(global model.ProfitPolicy, override *model.ProfitPolicy) model.ProfitPolicy {
	if override != nil && override.Active {
		return *override
	}
	return global
}

// Diff описывает изменение политики для системного аудита.
func Diff(before *model.ProfitPolicy, after model.ProfitPolicy) (string, string) {
	if before == nil {
		return "", format(after)
	}
	return format(*before), format(after)
}

func format(p model.ProfitPolicy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "master_paid=%d master_balance=%d curator=%d company=%d", p.MasterPaid, p.MasterBalance, p.Curator, p.Company)
	if p.MasterID != nil {
		fmt.Fprintf(&b, " active=%t", p.Active)
	}
	return b.String()
}

// Source читает политики из хранилища.
type Source interface {
	GlobalPolicy(ctx context.Context) (model.ProfitPolicy, error)
	MasterPolicy(ctx context.Context, masterID uuid.UUID) (*model.ProfitPolicy, error)
}

// Cache держит политики в памяти; записи обновляют его после фиксации транзакции.
type Cache struct {
	mu        sync.RWMutex
	global    *model.ProfitPolicy
	overrides map[uuid.UUID]*model.ProfitPolicy
	known     map[uuid.UUID]bool
}

// NewCache создаёт пустой кеш.
func NewCache() *Cache {
	return &Cache{
		overrides: make(map[uuid.UUID]*model.ProfitPolicy),
		known:     make(map[uuid.UUID]bool),
	}
}

// ForMaster возвращает действующую политику мастера, при промахе читая её из src.
func (c *Cache) ForMaster(ctx context.Context, src Source, masterID uuid.UUID) (model.ProfitPolicy, error) {
	c.mu.RLock()
	global, known := c.global, c.known[masterID]
	override := c.overrides[masterID]
	c.mu.RUnlock()

	if global == nil {
		g, err := src.GlobalPolicy(ctx)
		if err != nil {
			return model.ProfitPolicy{}, fmt.Errorf("load global policy: %w", err)
		}
		global = &g
		c.mu.Lock()
		if c.global == nil {
			c.global = &g
		}
		c.mu.Unlock()
	}

	if !known {
		o, err := src.MasterPolicy(ctx, masterID)
		if err != nil {
			return model.ProfitPolicy{}, fmt.Errorf("load master policy: %w", err)
		}
		override = o
		c.mu.Lock()
		if !c.known[masterID] {
			c.overrides[masterID] = o
			c.known[masterID] = true
		}
		c.mu.Unlock()
	}

	return Resolve(*global, override), nil
}

// PutGlobal обновляет глобальную политику в кеше.
func (c *Cache) PutGlobal(p model.ProfitPolicy) {
	c.mu.Lock()
	c.global = &p
	c.mu.Unlock()
}

// PutMaster обновляет персональную политику мастера в кеше.
func (c *Cache) PutMaster(p model.ProfitPolicy) {
	if p.MasterID == nil {
		return
	}
	c.mu.Lock()
	c.overrides[*p.MasterID] = &p
	c.known[*p.MasterID] = true
	c.mu.Unlock()
}
