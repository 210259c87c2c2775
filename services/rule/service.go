package rule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"learnhub-rewards/pkg/config"
	"learnhub-rewards/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns administration of reward rules and serves compiled active
// rules to the engine.
type Service struct {
	repo   Repository
	cache  *RuleCache
	node   *snowflake.Node
	logger *zap.Logger
	symbol string
}

// ServiceParams defines dependencies for Service construction.
type ServiceParams struct {
	fx.In

	Repository Repository
	Cache      *RuleCache
	Node       *snowflake.Node
	Logger     *zap.Logger
	Config     *config.Config
}

// NewService constructs a new Service instance.
func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	symbol := p.Config.Reward.TokenSymbol
	if symbol == "" {
		symbol = "LEARN"
	}
	return &Service{
		repo:   p.Repository,
		cache:  p.Cache,
		node:   p.Node,
		logger: logger,
		symbol: symbol,
	}
}

// RuleInput is the admin-facing create/update payload.
type RuleInput struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        string      `json:"type"`
	Trigger     string      `json:"trigger"`
	Conditions  []Condition `json:"conditions"`
	TokenAmount int64       `json:"tokenAmount"`
	TokenSymbol string      `json:"tokenSymbol"`
	IsActive    bool        `json:"isActive"`
	Priority    int32       `json:"priority"`
}

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, input RuleInput) (*RewardRule, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	symbol := input.TokenSymbol
	if symbol == "" {
		symbol = s.symbol
	}

	now := time.Now().UTC()
	rule := &RewardRule{
		RuleID:      s.node.Generate().String(),
		Name:        input.Name,
		Description: input.Description,
		Type:        input.Type,
		Trigger:     input.Trigger,
		TokenAmount: input.TokenAmount,
		TokenSymbol: symbol,
		IsActive:    input.IsActive,
		Priority:    input.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := rule.SetConditions(input.Conditions); err != nil {
		return nil, errutil.ValidationFailed("invalid conditions payload", errutil.WithErr(err))
	}

	if err := s.repo.Create(ctx, rule); err != nil {
		s.logger.Error("failed to create rule", zap.Error(err))
		return nil, err
	}

	s.cache.Invalidate()
	return rule, nil
}

// Get fetches a rule by id.
func (s *Service) Get(ctx context.Context, ruleID string) (*RewardRule, error) {
	rule, err := s.repo.GetByID(ctx, ruleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("rule not found")
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns rules filtered by type and active flag.
func (s *Service) List(ctx context.Context, params ListParams) ([]RewardRule, error) {
	if params.Type != "" && !ValidType(params.Type) {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown rule type %q", params.Type))
	}
	return s.repo.List(ctx, params)
}

// Update replaces the editable fields of a rule.
func (s *Service) Update(ctx context.Context, ruleID string, input RuleInput) (*RewardRule, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	rule, err := s.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	rule.Name = input.Name
	rule.Description = input.Description
	rule.Type = input.Type
	rule.Trigger = input.Trigger
	rule.TokenAmount = input.TokenAmount
	if input.TokenSymbol != "" {
		rule.TokenSymbol = input.TokenSymbol
	}
	rule.IsActive = input.IsActive
	rule.Priority = input.Priority
	rule.UpdatedAt = time.Now().UTC()
	if err := rule.SetConditions(input.Conditions); err != nil {
		return nil, errutil.ValidationFailed("invalid conditions payload", errutil.WithErr(err))
	}

	if err := s.repo.Update(ctx, rule); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("rule not found")
		}
		s.logger.Error("failed to update rule", zap.String("rule_id", ruleID), zap.Error(err))
		return nil, err
	}

	s.cache.Invalidate()
	return rule, nil
}

// Delete removes a rule permanently.
func (s *Service) Delete(ctx context.Context, ruleID string) error {
	if err := s.repo.Delete(ctx, ruleID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("rule not found")
		}
		return err
	}
	s.cache.Invalidate()
	return nil
}

// Duplicate copies an existing rule. The copy starts inactive with fresh
// usage counters so an admin can edit before enabling it.
func (s *Service) Duplicate(ctx context.Context, ruleID string) (*RewardRule, error) {
	source, err := s.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	copyRule := *source
	copyRule.RuleID = s.node.Generate().String()
	copyRule.Name = source.Name + " (copy)"
	copyRule.IsActive = false
	copyRule.UsageCount = 0
	copyRule.LastUsedAt = nil
	copyRule.CreatedAt = now
	copyRule.UpdatedAt = now

	if err := s.repo.Create(ctx, &copyRule); err != nil {
		s.logger.Error("failed to duplicate rule", zap.String("rule_id", ruleID), zap.Error(err))
		return nil, err
	}
	return &copyRule, nil
}

// Toggle flips the active flag.
func (s *Service) Toggle(ctx context.Context, ruleID string) (*RewardRule, error) {
	rule, err := s.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	if !rule.IsActive && rule.TokenAmount == 0 {
		return nil, errutil.ValidationFailed("active rules must pay out at least 1 token")
	}

	rule.IsActive = !rule.IsActive
	rule.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, err
	}

	s.cache.Invalidate()
	return rule, nil
}

// ActiveRules exposes the compiled cache to the engine.
func (s *Service) ActiveRules(ctx context.Context, rewardType string) ([]*CompiledRule, error) {
	return s.cache.ActiveRules(ctx, rewardType)
}

// IncrementUsage records a firing inside the caller's transaction.
func (s *Service) IncrementUsage(ctx context.Context, tx *gorm.DB, ruleID string, at time.Time) error {
	return s.repo.IncrementUsage(ctx, tx, ruleID, at)
}

func validateInput(input RuleInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return errutil.ValidationFailed("name is required")
	}
	if !ValidType(input.Type) {
		return errutil.ValidationFailed(fmt.Sprintf("unknown rule type %q", input.Type))
	}
	if !ValidTrigger(input.Trigger) {
		return errutil.ValidationFailed(fmt.Sprintf("unknown trigger %q", input.Trigger))
	}
	if input.TokenAmount < 0 {
		return errutil.ValidationFailed("tokenAmount must be >= 0")
	}
	// A zero-amount draft is fine, but an active zero-amount rule would win
	// the priority selection and shadow real payouts behind it.
	if input.IsActive && input.TokenAmount == 0 {
		return errutil.ValidationFailed("active rules must pay out at least 1 token")
	}
	if input.Priority < 1 {
		return errutil.ValidationFailed("priority must be >= 1")
	}
	for i, cond := range input.Conditions {
		if strings.TrimSpace(cond.Field) == "" {
			return errutil.ValidationFailed(fmt.Sprintf("conditions[%d]: field is required", i))
		}
		if !ValidOperator(cond.Operator) {
			return errutil.ValidationFailed(fmt.Sprintf("conditions[%d]: unknown operator %q", i, cond.Operator))
		}
	}
	return nil
}
