package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/model"
)

// StartMaintenance периодически чистит слоты завершённых заказов и пересчитывает уровни мастеров.
// Блокируется до отмены ctx; при interval <= 0 сразу возвращается.
func (s *Service) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	removed, err := s.sweepSlots(ctx)
	if err != nil {
		s.logger.Warn("slot sweep failed", zap.Error(err))
	}
	changed, err := s.recomputeTiers(ctx, uuid.Nil)
	if err != nil {
		s.logger.Warn("tier recompute failed", zap.Error(err))
	}
	if removed > 0 || changed > 0 {
		s.logger.Info("maintenance done", zap.Int("slots_removed", removed), zap.Int("tiers_changed", changed))
	}
}

func (s *Service) sweepSlots(ctx context.Context) (int, error) {
	var masters []model.User
	err := s.inTx(ctx, "list_masters", func(tx Tx) error {
		var err error
		masters, err = tx.ListMasters(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list masters: %w", err)
	}

	total := 0
	for _, m := range masters {
		var removed int
		err := s.inTx(ctx, "sweep_slots", func(tx Tx) error {
			var err error
			removed, err = s.slots.Cleanup(ctx, tx, m.ID)
			return err
		})
		if err != nil {
			return total, err
		}
		total += removed
	}
	return total, nil
}
