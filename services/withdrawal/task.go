package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"learnhub-rewards/pkg/errutil"
	"learnhub-rewards/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	TaskSubmit  = "withdrawal:submit"
	TaskPoll    = "withdrawal:poll"
	TaskTimeout = "withdrawal:timeout"
)

type taskPayload struct {
	WithdrawalID snowflake.ID `json:"withdrawalId"`
}

func newTask(taskType string, id snowflake.ID) (*asynq.Task, error) {
	payload, err := json.Marshal(taskPayload{WithdrawalID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, payload), nil
}

func NewSubmitTask(id snowflake.ID) (*asynq.Task, error)  { return newTask(TaskSubmit, id) }
func NewPollTask(id snowflake.ID) (*asynq.Task, error)    { return newTask(TaskPoll, id) }
func NewTimeoutTask(id snowflake.ID) (*asynq.Task, error) { return newTask(TaskTimeout, id) }

// HandleSubmit hands the withdrawal to the bridge and starts polling. A
// retried submit after a successful hand-off is a no-op because the external
// id is already recorded.
//
// The transaction is claimed (moved to processing) before the bridge call.
// Cancellation is only legal from pending and runs under the same row lock,
// so either the cancel wins and nothing is submitted, or the claim wins and
// the cancel is rejected. Submitting first would leave a window where a
// cancel refunds the reservation while the transfer is already out.
func (s *Service) HandleSubmit(ctx context.Context, t *asynq.Task) error {
	request, record, err := s.loadTask(ctx, t)
	if err != nil || request == nil {
		return err
	}
	if record.Status.Terminal() {
		return nil
	}
	if request.ExternalID != "" {
		s.schedulePoll(request)
		return nil
	}

	if record.Status == ledger.StatusPending {
		if err := s.ledger.MarkProcessing(ctx, record.ID); err != nil {
			if errutil.IsStatus(err, errutil.StatusInvalidStateTransition) {
				s.logger.Info("withdrawal no longer pending, skipping submit",
					zap.String("withdrawal_code", request.WithdrawalCode),
				)
				return nil
			}
			return err
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.Withdrawal.SubmitTimeout)
	defer cancel()

	externalID, err := s.bridge.Submit(submitCtx, request.Destination, request.NetAmount, request.WithdrawalCode)
	if err != nil {
		// The claim stays in place; the retry resumes from processing and
		// the deadline watchdog fails and refunds if retries run out.
		s.logger.Warn("bridge submit failed, will retry",
			zap.String("withdrawal_code", request.WithdrawalCode),
			zap.Error(err),
		)
		return err
	}

	if err := s.setExternalID(ctx, request, externalID); err != nil {
		return err
	}

	s.schedulePoll(request)
	return nil
}

// HandlePoll checks the bridge for settlement. Pending transfers re-enqueue
// until the deadline passes, after which the withdrawal fails and the
// reservation is refunded.
func (s *Service) HandlePoll(ctx context.Context, t *asynq.Task) error {
	request, record, err := s.loadTask(ctx, t)
	if err != nil || request == nil {
		return err
	}
	if record.Status.Terminal() {
		return nil
	}
	if request.ExternalID == "" {
		// Submit never completed; the watchdog will clean up.
		return nil
	}

	result, err := s.bridge.Status(ctx, request.ExternalID)
	if err != nil {
		s.logger.Warn("bridge status check failed, will retry",
			zap.String("withdrawal_code", request.WithdrawalCode),
			zap.Error(err),
		)
		return err
	}

	switch result.Status {
	case TransferConfirmed:
		return s.settle(ctx, request, record, result)
	case TransferFailed:
		return s.fail(ctx, request, record, result.Reason)
	default:
		if time.Now().UTC().After(request.Deadline) {
			return s.fail(ctx, request, record, "processing deadline exceeded")
		}
		s.schedulePoll(request)
		return nil
	}
}

// HandleTimeout is the deadline watchdog. It fails anything still unsettled
// past the deadline; withdrawals that settled in time are left untouched.
func (s *Service) HandleTimeout(ctx context.Context, t *asynq.Task) error {
	request, record, err := s.loadTask(ctx, t)
	if err != nil || request == nil {
		return err
	}
	if record.Status.Terminal() {
		return nil
	}
	if time.Now().UTC().Before(request.Deadline) {
		return nil
	}
	return s.fail(ctx, request, record, "processing deadline exceeded")
}

func (s *Service) loadTask(ctx context.Context, t *asynq.Task) (*WithdrawalRequest, *ledger.RewardTransaction, error) {
	var payload taskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		s.logger.Error("dropping malformed withdrawal task", zap.String("task_type", t.Type()), zap.Error(err))
		return nil, nil, nil
	}

	var request WithdrawalRequest
	err := s.db.WithContext(ctx).Where("id = ?", payload.WithdrawalID).First(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("withdrawal task references missing row",
			zap.String("withdrawal_id", payload.WithdrawalID.String()))
		return nil, nil, nil
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

func (s *Service) schedulePoll(request *WithdrawalRequest) {
	if s.enqueuer == nil {
		return
	}
	t, err := NewPollTask(request.ID)
	if err == nil {
		_, err = s.enqueuer.Enqueue(t, asynq.Queue("default"), asynq.ProcessIn(s.cfg.Withdrawal.PollInterval))
	}
	if err != nil {
		s.logger.Error("failed to schedule withdrawal poll",
			zap.String("withdrawal_code", request.WithdrawalCode),
			zap.Error(err),
		)
	}
}

// RegisterTasks binds withdrawal task handlers onto the worker mux.
func RegisterTasks(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(TaskSubmit, svc.HandleSubmit)
	mux.HandleFunc(TaskPoll, svc.HandlePoll)
	mux.HandleFunc(TaskTimeout, svc.HandleTimeout)
}
