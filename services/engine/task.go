package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"learnhub-rewards/pkg/errutil"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const TaskProcessEvent = "reward:process_event"

// NewProcessEventTask wraps a trigger event for the queue.
func NewProcessEventTask(event TriggerEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger event: %w", err)
	}
	return asynq.NewTask(TaskProcessEvent, payload), nil
}

// HandleProcessEvent consumes queued trigger events and fires rules. Malformed
// or invalid payloads are dropped rather than retried; they will never become
// valid.
func (s *Service) HandleProcessEvent(ctx context.Context, t *asynq.Task) error {
	var event TriggerEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		s.logger.Error("dropping malformed trigger event", zap.Error(err))
		return nil
	}

	if _, err := s.Fire(ctx, event); err != nil {
		if errutil.IsStatus(err, errutil.StatusValidationFailed) {
			s.logger.Warn("dropping invalid trigger event",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	return nil
}

// RegisterTasks binds engine task handlers onto the worker mux.
func RegisterTasks(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(TaskProcessEvent, svc.HandleProcessEvent)
}
