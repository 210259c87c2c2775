package withdrawal

import (
	"context"
	"time"

	"learnhub-rewards/pkg/config"
	"learnhub-rewards/services/ledger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

// SweepExpired fails withdrawals whose deadline passed while their debit is
// still open. The per-request timeout task normally covers this; the sweep
// backstops the case where that enqueue itself was lost, so a reservation
// can never sit on a pending debit forever.
func (s *Service) SweepExpired(ctx context.Context) error {
	open := s.db.WithContext(ctx).Model(&ledger.RewardTransaction{}).
		Select("id").
		Where("status IN ?", []ledger.Status{ledger.StatusPending, ledger.StatusProcessing})

	var requests []WithdrawalRequest
	err := s.db.WithContext(ctx).
		Where("deadline < ?", time.Now().UTC()).
		Where("transaction_id IN (?)", open).
		Limit(sweepBatchSize).
		Find(&requests).Error
	if err != nil {
		return err
	}

	for i := range requests {
		request := &requests[i]
		record, err := s.ledger.GetTransaction(ctx, request.TransactionID)
		if err != nil {
			s.logger.Error("sweep could not load withdrawal transaction",
				zap.String("withdrawal_code", request.WithdrawalCode),
				zap.Error(err),
			)
			continue
		}
		if record.Status.Terminal() {
			continue
		}
		if err := s.fail(ctx, request, record, "processing deadline exceeded"); err != nil {
			s.logger.Error("sweep could not fail expired withdrawal",
				zap.String("withdrawal_code", request.WithdrawalCode),
				zap.Error(err),
			)
		}
	}
	return nil
}

// RegisterSweeper runs SweepExpired on a ticker for the life of the app.
func RegisterSweeper(lc fx.Lifecycle, svc *Service, cfg *config.Config) {
	interval := cfg.Withdrawal.MaxProcessing
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := svc.SweepExpired(ctx); err != nil {
							svc.logger.Warn("withdrawal sweep failed", zap.Error(err))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
