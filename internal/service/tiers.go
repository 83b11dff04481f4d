package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/access"
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
	"github.com/fieldops/dispatch/internal/visibility"
)

// VisibleOrders содержит заказы, которые видит мастер, и его уровень.
type VisibleOrders struct {
	Orders    []model.Order
	Tier      int
	Pinned    bool
	Lookahead time.Duration
	Stats     visibility.Stats
}

// VisibleOrdersForMaster пересчитывает уровень мастера и возвращает видимые ему новые заказы.
func (s *Service) VisibleOrdersForMaster(ctx context.Context, actor access.Principal, masterID uuid.UUID) (VisibleOrders, error) {
	if err := access.RequireSelfOr(actor, masterID, access.CapViewAnyMaster); err != nil {
		return VisibleOrders{}, err
	}
	var (
		res VisibleOrders
		ev  visibility.Evaluation
	)
	err := s.inTx(ctx, "visible_orders", func(tx Tx) error {
		u, err := requireMaster(ctx, tx, masterID)
		if err != nil {
			return err
		}
		ev, err = s.evaluateTier(ctx, tx, u, actor.ID)
		if err != nil {
			return err
		}
		orders, err := s.tiers.VisibleOrders(ctx, tx, ev.Lookahead)
		if err != nil {
			return err
		}
		res = VisibleOrders{Orders: orders, Tier: ev.Tier, Pinned: ev.Pinned, Lookahead: ev.Lookahead, Stats: ev.Stats}
		return nil
	})
	if err != nil {
		return VisibleOrders{}, err
	}
	if ev.Changed() {
		s.metrics.TierChange(strconv.Itoa(ev.Tier))
	}
	return res, nil
}

// evaluateTier пересчитывает уровень и сохраняет его, если он поменялся.
func (s *Service) evaluateTier(ctx context.Context, tx Tx, u model.User, actorID uuid.UUID) (visibility.Evaluation, error) {
	settings, err := s.distance.Get(ctx, tx)
	if err != nil {
		return visibility.Evaluation{}, err
	}
	ev, err := s.tiers.Evaluate(ctx, tx, u, settings)
	if err != nil {
		return visibility.Evaluation{}, err
	}
	if !ev.Changed() {
		return ev, nil
	}
	if err := tx.UpdateUserTier(ctx, u.ID, ev.Tier, u.TierPinned); err != nil {
		return visibility.Evaluation{}, fmt.Errorf("update tier: %w", err)
	}
	err = s.audit(ctx, tx, nil, model.AuditTierChanged, actorID,
		fmt.Sprintf("tier of %s recomputed", u.ID), strconv.Itoa(ev.Previous), strconv.Itoa(ev.Tier))
	return ev, err
}

// SetTier вручную задаёт уровень мастера. Закреплённый уровень не пересчитывается автоматически.
func (s *Service) SetTier(ctx context.Context, actor access.Principal, masterID uuid.UUID, tier int, pinned bool) (model.User, error) {
	if err := access.Require(actor, access.CapOverrideTier); err != nil {
		return model.User{}, err
	}
	if !visibility.ValidTier(tier) {
		return model.User{}, apperr.Invalid("tier must be 0, 1 or 2, got %d", tier)
	}
	var u model.User
	err := s.inTx(ctx, "set_tier", func(tx Tx) error {
		var err error
		u, err = requireMaster(ctx, tx, masterID)
		if err != nil {
			return err
		}
		before := fmt.Sprintf("tier=%d pinned=%t", u.Tier, u.TierPinned)
		if err := tx.UpdateUserTier(ctx, masterID, tier, pinned); err != nil {
			return fmt.Errorf("update tier: %w", err)
		}
		u.Tier, u.TierPinned = tier, pinned
		return s.audit(ctx, tx, nil, model.AuditTierChanged, actor.ID,
			fmt.Sprintf("tier of %s set manually", masterID), before, fmt.Sprintf("tier=%d pinned=%t", tier, pinned))
	})
	if err != nil {
		return model.User{}, err
	}
	s.metrics.TierChange(strconv.Itoa(tier))
	return u, nil
}

// RecomputeTiers пересчитывает уровни всех незакреплённых мастеров и возвращает число изменений.
func (s *Service) RecomputeTiers(ctx context.Context, actor access.Principal) (int, error) {
	if err := access.Require(actor, access.CapOverrideTier); err != nil {
		return 0, err
	}
	return s.recomputeTiers(ctx, actor.ID)
}

func (s *Service) recomputeTiers(ctx context.Context, actorID uuid.UUID) (int, error) {
	var changed []int
	err := s.inTx(ctx, "recompute_tiers", func(tx Tx) error {
		changed = changed[:0]
		masters, err := tx.ListMasters(ctx)
		if err != nil {
			return fmt.Errorf("list masters: %w", err)
		}
		for _, m := range masters {
			if m.TierPinned {
				continue
			}
			ev, err := s.evaluateTier(ctx, tx, m, actorID)
			if err != nil {
				return err
			}
			if ev.Changed() {
				changed = append(changed, ev.Tier)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, t := range changed {
		s.metrics.TierChange(strconv.Itoa(t))
	}
	return len(changed), nil
}

// DistanceSettings возвращает пороги видимости.
func (s *Service) DistanceSettings(ctx context.Context, actor access.Principal) (model.DistanceSettings, error) {
	if err := access.Require(actor, access.CapViewAnyMaster); err != nil {
		return model.DistanceSettings{}, err
	}
	var out model.DistanceSettings
	err := s.inTx(ctx, "distance_settings", func(tx Tx) error {
		var err error
		out, err = s.distance.Get(ctx, tx)
		return err
	})
	return out, err
}

// SetDistanceSettings меняет пороги и горизонты видимости.
func (s *Service) SetDistanceSettings(ctx context.Context, actor access.Principal, in model.DistanceSettings) (model.DistanceSettings, error) {
	if err := access.Require(actor, access.CapWriteDistance); err != nil {
		return model.DistanceSettings{}, err
	}
	if err := visibility.ValidateSettings(in); err != nil {
		return model.DistanceSettings{}, err
	}
	in.UpdatedAt = s.clock.Now()
	err := s.inTx(ctx, "set_distance_settings", func(tx Tx) error {
		before, err := tx.DistanceSettings(ctx)
		if err != nil {
			return fmt.Errorf("load distance settings: %w", err)
		}
		if err := tx.SaveDistanceSettings(ctx, in); err != nil {
			return fmt.Errorf("save distance settings: %w", err)
		}
		return s.audit(ctx, tx, nil, model.AuditDistanceChanged, actor.ID, "distance settings",
			visibility.FormatSettings(before), visibility.FormatSettings(in))
	})
	if err != nil {
		return model.DistanceSettings{}, err
	}
	s.distance.Put(in)
	return in, nil
}
