package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/ledger"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/policy"
)

// Balance возвращает баланс пользователя.
func (s *Service) Balance(ctx context.Context, actor access.Principal, userID uuid.UUID) (model.Balance, error) {
	if err := access.RequireSelfOr(actor, userID, access.CapViewAnyMaster); err != nil {
		return model.Balance{}, err
	}
	var b model.Balance
	err := s.inTx(ctx, "get_balance", func(tx Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		b, err = tx.GetBalance(ctx, userID)
		return err
	})
	return b, err
}

// TopUp пополняет доступный баланс пользователя.
func (s *Service) TopUp(ctx context.Context, actor access.Principal, userID uuid.UUID, amount decimal.Decimal, reason string) (model.LedgerEntry, error) {
	if err := access.Require(actor, access.CapTopUpBalance); err != nil {
		return model.LedgerEntry{}, err
	}
	return s.adjust(ctx, actor, "top_up_balance", userID, reason, func(tx Tx, p ledger.Posting) (model.LedgerEntry, error) {
		p.Amount = amount
		return s.ledger.TopUp(ctx, tx, p)
	})
}

// FineMaster списывает штраф с доступного баланса мастера.
// Если средств не хватает, возвращается insufficient-funds и баланс не меняется.
func (s *Service) FineMaster(ctx context.Context, actor access.Principal, masterID uuid.UUID, amount decimal.Decimal, reason string) (model.LedgerEntry, error) {
	if err := access.Require(actor, access.CapFineMaster); err != nil {
		return model.LedgerEntry{}, err
	}
	return s.adjust(ctx, actor, "fine_master", masterID, reason, func(tx Tx, p ledger.Posting) (model.LedgerEntry, error) {
		if _, err := requireMaster(ctx, tx, masterID); err != nil {
			return model.LedgerEntry{}, err
		}
		p.Amount = amount
		return s.ledger.Deduct(ctx, tx, p)
	})
}

func (s *Service) adjust(ctx context.Context, actor access.Principal, op string, userID uuid.UUID, reason string, apply func(tx Tx, p ledger.Posting) (model.LedgerEntry, error)) (model.LedgerEntry, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.LedgerEntry{}, apperr.Invalid("reason is required")
	}
	var entry model.LedgerEntry
	err := s.inTx(ctx, op, func(tx Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		entry, err = apply(tx, ledger.Posting{Subject: userID, Reason: reason, ActorID: actor.ID})
		if err != nil {
			return err
		}
		return s.audit(ctx, tx, nil, model.AuditBalanceAdjustment, actor.ID,
			fmt.Sprintf("%s %s for %s: %s", entry.Kind, entry.Amount.StringFixed(2), userID, reason),
			entry.Pre.StringFixed(2), entry.Post.StringFixed(2))
	})
	return entry, err
}

// Treasury возвращает состояние казны компании.
func (s *Service) Treasury(ctx context.Context, actor access.Principal) (model.Treasury, error) {
	if err := access.Require(actor, access.CapViewTreasury); err != nil {
		return model.Treasury{}, err
	}
	var t model.Treasury
	err := s.inTx(ctx, "treasury", func(tx Tx) error {
		var err error
		t, err = tx.GetTreasury(ctx)
		return err
	})
	return t, err
}

// LedgerEntries возвращает проводки пользователя, новые первыми.
func (s *Service) LedgerEntries(ctx context.Context, actor access.Principal, userID uuid.UUID) ([]model.LedgerEntry, error) {
	if err := access.RequireSelfOr(actor, userID, access.CapViewAnyMaster); err != nil {
		return nil, err
	}
	var out []model.LedgerEntry
	err := s.inTx(ctx, "ledger_entries", func(tx Tx) error {
		var err error
		out, err = tx.ListLedgerEntries(ctx, &userID)
		return err
	})
	return out, err
}

// LedgerExport возвращает весь журнал для выгрузки.
func (s *Service) LedgerExport(ctx context.Context, actor access.Principal) ([]model.LedgerEntry, error) {
	if err := access.Require(actor, access.CapExportLedger); err != nil {
		return nil, err
	}
	var out []model.LedgerEntry
	err := s.inTx(ctx, "export_ledger", func(tx Tx) error {
		var err error
		out, err = tx.ListLedgerEntries(ctx, nil)
		return err
	})
	return out, err
}

// PolicyInput содержит четыре процента распределения.
type PolicyInput struct {
	MasterPaid    int
	MasterBalance int
	Curator       int
	Company       int
}

func (in PolicyInput) policy() model.ProfitPolicy {
	return model.ProfitPolicy{
		MasterPaid:    in.MasterPaid,
		MasterBalance: in.MasterBalance,
		Curator:       in.Curator,
		Company:       in.Company,
		Active:        true,
	}
}

// SetGlobalPolicy меняет глобальные проценты распределения.
func (s *Service) SetGlobalPolicy(ctx context.Context, actor access.Principal, in PolicyInput) (model.ProfitPolicy, error) {
	if err := access.Require(actor, access.CapWritePolicy); err != nil {
		return model.ProfitPolicy{}, err
	}
	p := in.policy()
	if err := policy.Validate(p); err != nil {
		return model.ProfitPolicy{}, err
	}
	p.UpdatedAt = s.clock.Now()

	err := s.inTx(ctx, "set_global_policy", func(tx Tx) error {
		before, err := tx.GlobalPolicy(ctx)
		if err != nil {
			return fmt.Errorf("load global policy: %w", err)
		}
		if err := tx.SaveGlobalPolicy(ctx, p); err != nil {
			return fmt.Errorf("save global policy: %w", err)
		}
		oldValue, newValue := policy.Diff(&before, p)
		return s.audit(ctx, tx, nil, model.AuditPolicyChanged, actor.ID, "global profit policy", oldValue, newValue)
	})
	if err != nil {
		return model.ProfitPolicy{}, err
	}
	s.policies.PutGlobal(p)
	return p, nil
}

// SetMasterPolicy задаёт или отключает персональные проценты мастера.
func (s *Service) SetMasterPolicy(ctx context.Context, actor access.Principal, masterID uuid.UUID, in PolicyInput, active bool) (model.ProfitPolicy, error) {
	if err := access.Require(actor, access.CapWritePolicy); err != nil {
		return model.ProfitPolicy{}, err
	}
	p := in.policy()
	p.MasterID = &masterID
	p.Active = active
	if err := policy.Validate(p); err != nil {
		return model.ProfitPolicy{}, err
	}
	p.UpdatedAt = s.clock.Now()

	err := s.inTx(ctx, "set_master_policy", func(tx Tx) error {
		if _, err := requireMaster(ctx, tx, masterID); err != nil {
			return err
		}
		before, err := tx.MasterPolicy(ctx, masterID)
		if err != nil {
			return fmt.Errorf("load master policy: %w", err)
		}
		if err := tx.SaveMasterPolicy(ctx, p); err != nil {
			return fmt.Errorf("save master policy: %w", err)
		}
		oldValue, newValue := policy.Diff(before, p)
		return s.audit(ctx, tx, nil, model.AuditPolicyChanged, actor.ID, "profit policy of master "+masterID.String(), oldValue, newValue)
	})
	if err != nil {
		return model.ProfitPolicy{}, err
	}
	s.policies.PutMaster(p)
	return p, nil
}

// EffectivePolicy возвращает политику, по которой будут распределяться заказы мастера.
func (s *Service) EffectivePolicy(ctx context.Context, actor access.Principal, masterID uuid.UUID) (model.ProfitPolicy, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapViewAnyMaster); err != nil {
		return model.ProfitPolicy{}, err
	}
	var p model.ProfitPolicy
	err := s.inTx(ctx, "effective_policy", func(tx Tx) error {
		var err error
		p, err = s.policies.ForMaster(ctx, tx, masterID)
		return err
	})
	return p, err
}
