package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"learnhub-rewards/pkg/errutil"
	"learnhub-rewards/services/ledger"
	"learnhub-rewards/services/rule"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TriggerEvent is an external fact set that may cause a rule to fire.
type TriggerEvent struct {
	Category string         `json:"category"`
	UserID   string         `json:"userId"`
	Facts    map[string]any `json:"facts"`
	EventID  string         `json:"eventId"`
}

// Validate checks the event shape before it enters the queue.
func (e TriggerEvent) Validate() error {
	if !rule.ValidType(e.Category) {
		return errutil.ValidationFailed(fmt.Sprintf("unknown event category %q", e.Category))
	}
	if strings.TrimSpace(e.UserID) == "" {
		return errutil.ValidationFailed("userId is required")
	}
	if strings.TrimSpace(e.EventID) == "" {
		return errutil.ValidationFailed("eventId is required")
	}
	return nil
}

// IdempotencyKey derives the at-most-once crediting key for this event.
func (e TriggerEvent) IdempotencyKey() string {
	return fmt.Sprintf("evt:%s:%s", e.EventID, e.UserID)
}

// Service selects and fires reward rules for trigger events.
type Service struct {
	db        *gorm.DB
	rules     *rule.Service
	evaluator *rule.Evaluator
	ledger    *ledger.Service
	logger    *zap.Logger
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Rules     *rule.Service
	Evaluator *rule.Evaluator
	Ledger    *ledger.Service
	Logger    *zap.Logger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        p.DB,
		rules:     p.Rules,
		evaluator: p.Evaluator,
		ledger:    p.Ledger,
		logger:    logger,
	}
}

// Fire evaluates the event against active rules of its category and credits
// the winning rule's payout. A nil transaction with nil error means no rule
// matched, which is a normal outcome, not a failure.
//
// The usage-counter bump and the ledger credit run in one database
// transaction: a rule firing without a transaction record (or vice versa) is
// a correctness bug.
func (s *Service) Fire(ctx context.Context, event TriggerEvent) (*ledger.RewardTransaction, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	candidates, err := s.rules.ActiveRules(ctx, event.Category)
	if err != nil {
		return nil, err
	}

	selected := s.selectRule(candidates, event.Facts)
	if selected == nil {
		s.logger.Debug("no rule matched trigger event",
			zap.String("category", event.Category),
			zap.String("event_id", event.EventID),
		)
		return nil, nil
	}

	var record *ledger.RewardTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var created bool
		var err error
		record, created, err = s.ledger.ApplyCredit(ctx, tx, ledger.CreditIntent{
			UserID:         event.UserID,
			RuleID:         &selected.Rule.RuleID,
			Type:           selected.Rule.Type,
			Amount:         selected.Rule.TokenAmount,
			TokenSymbol:    selected.Rule.TokenSymbol,
			IdempotencyKey: event.IdempotencyKey(),
			Description:    selected.Rule.Name,
			RelatedID:      event.EventID,
		})
		if err != nil {
			return err
		}

		// A redelivered event returns the original transaction; the usage
		// counter was bumped the first time around.
		if !created {
			return nil
		}
		return s.rules.IncrementUsage(ctx, tx, selected.Rule.RuleID, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("rule fired",
		zap.String("rule_id", selected.Rule.RuleID),
		zap.String("user_id", event.UserID),
		zap.String("event_id", event.EventID),
		zap.Int64("token_amount", selected.Rule.TokenAmount),
	)
	return record, nil
}

// selectRule returns the matching rule with the lowest priority value, ties
// broken by ascending rule id so the outcome is deterministic.
func (s *Service) selectRule(candidates []*rule.CompiledRule, facts map[string]any) *rule.CompiledRule {
	var selected *rule.CompiledRule
	for _, candidate := range candidates {
		if !s.evaluator.Evaluate(candidate.Conditions, facts) {
			continue
		}
		if selected == nil {
			selected = candidate
			continue
		}
		if candidate.Rule.Priority < selected.Rule.Priority {
			selected = candidate
			continue
		}
		if candidate.Rule.Priority == selected.Rule.Priority && candidate.Rule.RuleID < selected.Rule.RuleID {
			selected = candidate
		}
	}
	return selected
}
