package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"learnhub-rewards/pkg/config"
	"learnhub-rewards/pkg/errutil"
	"learnhub-rewards/pkg/sequence"
	"learnhub-rewards/pkg/task"
	"learnhub-rewards/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var withdrawalOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "withdrawal_outcomes_total",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(withdrawalOutcomes)
}

// Service runs the withdrawal lifecycle: reserve the full amount in the
// ledger, hand the net amount to the bridge, and settle or refund based on
// what the bridge reports.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	bridge   Bridge
	enqueuer task.Enqueuer
	node     *snowflake.Node
	codes    sequence.Generator
	logger   *zap.Logger
	cfg      *config.Config
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Ledger   *ledger.Service
	Bridge   Bridge
	Enqueuer task.Enqueuer `optional:"true"`
	Node     *snowflake.Node
	Codes    sequence.Generator `optional:"true"`
	Logger   *zap.Logger
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       p.DB,
		ledger:   p.Ledger,
		bridge:   p.Bridge,
		enqueuer: p.Enqueuer,
		node:     p.Node,
		codes:    p.Codes,
		logger:   logger,
		cfg:      p.Config,
	}
}

// WithdrawParams is the user-facing withdrawal request.
type WithdrawParams struct {
	UserID      string `json:"userId"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

// Withdraw validates the request, reserves the full amount and queues the
// bridge submission. The destination check runs before any balance is
// touched so a typo never reserves funds.
func (s *Service) Withdraw(ctx context.Context, params WithdrawParams) (*WithdrawalRequest, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return nil, errutil.ValidationFailed("userId is required")
	}
	if params.Amount < s.cfg.Withdrawal.MinAmount {
		return nil, errutil.ValidationFailed(
			fmt.Sprintf("withdrawal amount must be at least %d", s.cfg.Withdrawal.MinAmount))
	}
	if err := ValidateDestination(params.Destination); err != nil {
		return nil, err
	}

	fee := ComputeFee(params.Amount, s.cfg.Withdrawal.FeeBps)
	net := params.Amount - fee
	if net <= 0 {
		return nil, errutil.ValidationFailed("withdrawal amount does not cover the fee")
	}

	now := time.Now().UTC()
	request := &WithdrawalRequest{
		ID:              s.node.Generate(),
		WithdrawalCode:  s.nextCode(ctx),
		UserID:          params.UserID,
		Destination:     params.Destination,
		RequestedAmount: params.Amount,
		FeeAmount:       fee,
		NetAmount:       net,
		Deadline:        now.Add(s.cfg.Withdrawal.MaxProcessing),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.ledger.ApplyDebit(ctx, tx, ledger.DebitParams{
			UserID:     params.UserID,
			Amount:     params.Amount,
			Type:       "withdrawal",
			ReasonCode: fmt.Sprintf("withdrawal to %s", params.Destination),
			RelatedID:  request.WithdrawalCode,
		})
		if err != nil {
			return err
		}
		request.TransactionID = record.ID
		return tx.Create(request).Error
	})
	if err != nil {
		return nil, err
	}

	s.enqueueSubmit(request)
	withdrawalOutcomes.WithLabelValues("requested").Inc()
	return request, nil
}

// Get fetches a withdrawal with its underlying transaction status.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*WithdrawalRequest, *ledger.RewardTransaction, error) {
	var request WithdrawalRequest
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errutil.NotFound("withdrawal not found")
	}
	if err != nil {
		return nil, nil, err
	}

	record, err := s.ledger.GetTransaction(ctx, request.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	return &request, record, nil
}

// CallbackPayload is what the gateway posts when a transfer settles.
type CallbackPayload struct {
	ExternalID  string `json:"transferId"`
	Status      string `json:"status"`
	Hash        string `json:"hash"`
	BlockNumber int64  `json:"blockNumber"`
	GasUsed     int64  `json:"gasUsed"`
	Reason      string `json:"reason"`
}

// HandleCallback settles a withdrawal from a gateway push. Redelivered
// callbacks for an already-settled withdrawal are acknowledged without
// effect; the poller and the callback race safely because the ledger state
// machine rejects the second transition.
func (s *Service) HandleCallback(ctx context.Context, payload CallbackPayload) error {
	if payload.ExternalID == "" {
		return errutil.ValidationFailed("transferId is required")
	}

	var request WithdrawalRequest
	err := s.db.WithContext(ctx).Where("external_id = ?", payload.ExternalID).First(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound("no withdrawal for transfer id")
	}
	if err != nil {
		return err
	}

	record, err := s.ledger.GetTransaction(ctx, request.TransactionID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		s.logger.Info("ignoring callback for settled withdrawal",
			zap.String("withdrawal_code", request.WithdrawalCode),
			zap.String("status", string(record.Status)),
		)
		return nil
	}

	switch TransferStatus(payload.Status) {
	case TransferConfirmed:
		return s.settle(ctx, &request, record, &TransferResult{
			Status:      TransferConfirmed,
			Hash:        payload.Hash,
			BlockNumber: payload.BlockNumber,
			GasUsed:     payload.GasUsed,
		})
	case TransferFailed:
		return s.fail(ctx, &request, record, payload.Reason)
	case TransferPending:
		return nil
	default:
		return errutil.ValidationFailed(fmt.Sprintf("unknown transfer status %q", payload.Status))
	}
}

// settle completes the ledger transaction with the bridge reference.
func (s *Service) settle(ctx context.Context, request *WithdrawalRequest, record *ledger.RewardTransaction, result *TransferResult) error {
	err := s.ledger.MarkCompleted(ctx, record.ID, &ledger.ExternalRef{
		Hash:        result.Hash,
		BlockNumber: result.BlockNumber,
		GasUsed:     result.GasUsed,
	})
	if errutil.IsStatus(err, errutil.StatusInvalidStateTransition) {
		// Lost the race against the poller; the withdrawal is already settled.
		return nil
	}
	if err != nil {
		return err
	}

	withdrawalOutcomes.WithLabelValues("completed").Inc()
	s.logger.Info("withdrawal settled",
		zap.String("withdrawal_code", request.WithdrawalCode),
		zap.String("hash", result.Hash),
	)
	return nil
}

// fail terminates the ledger transaction; the reservation refund happens
// inside the same transition.
func (s *Service) fail(ctx context.Context, request *WithdrawalRequest, record *ledger.RewardTransaction, reason string) error {
	if reason == "" {
		reason = "transfer failed"
	}
	err := s.ledger.MarkFailed(ctx, record.ID, reason)
	if errutil.IsStatus(err, errutil.StatusInvalidStateTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	withdrawalOutcomes.WithLabelValues("failed").Inc()
	s.logger.Warn("withdrawal failed, reservation refunded",
		zap.String("withdrawal_code", request.WithdrawalCode),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) setExternalID(ctx context.Context, request *WithdrawalRequest, externalID string) error {
	request.ExternalID = externalID
	return s.db.WithContext(ctx).Model(&WithdrawalRequest{}).
		Where("id = ?", request.ID).
		Updates(map[string]any{
			"external_id": externalID,
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (s *Service) enqueueSubmit(request *WithdrawalRequest) {
	if s.enqueuer == nil {
		return
	}

	t, err := NewSubmitTask(request.ID)
	if err == nil {
		_, err = s.enqueuer.Enqueue(t, asynq.Queue("critical"), asynq.MaxRetry(5))
	}
	if err != nil {
		s.logger.Error("failed to enqueue withdrawal submit",
			zap.String("withdrawal_code", request.WithdrawalCode),
			zap.Error(err),
		)
	}

	// The deadline watchdog fails anything the poller never resolved.
	t, err = NewTimeoutTask(request.ID)
	if err == nil {
		_, err = s.enqueuer.Enqueue(t, asynq.Queue("low"), asynq.ProcessIn(s.cfg.Withdrawal.MaxProcessing))
	}
	if err != nil {
		s.logger.Error("failed to enqueue withdrawal timeout watchdog",
			zap.String("withdrawal_code", request.WithdrawalCode),
			zap.Error(err),
		)
	}
}

func (s *Service) nextCode(ctx context.Context) string {
	if s.codes == nil {
		return fmt.Sprintf("WDR-%s", s.node.Generate())
	}
	code, err := s.codes.NextWithdrawalCode(ctx)
	if err != nil {
		s.logger.Warn("sequence generator unavailable, falling back to snowflake code", zap.Error(err))
		return fmt.Sprintf("WDR-%s", s.node.Generate())
	}
	return code
}
