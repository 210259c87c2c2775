package rule

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ListParams describes filters applied when listing rules from the repository.
// A nil Active means both active and inactive rules are returned.
type ListParams struct {
	Type   string
	Active *bool
}

// Repository describes database operations available for rules.
type Repository interface {
	Create(ctx context.Context, rule *RewardRule) error
	GetByID(ctx context.Context, ruleID string) (*RewardRule, error)
	List(ctx context.Context, params ListParams) ([]RewardRule, error)
	Update(ctx context.Context, rule *RewardRule) error
	Delete(ctx context.Context, ruleID string) error
	ListActiveByType(ctx context.Context, rewardType string) ([]RewardRule, error)
	IncrementUsage(ctx context.Context, tx *gorm.DB, ruleID string, at time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, rule *RewardRule) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *gormRepository) GetByID(ctx context.Context, ruleID string) (*RewardRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rule RewardRule
	err := r.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		First(&rule).Error
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *gormRepository) List(ctx context.Context, params ListParams) ([]RewardRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&RewardRule{})

	if params.Type != "" {
		query = query.Where("type = ?", params.Type)
	}
	if params.Active != nil {
		query = query.Where("is_active = ?", *params.Active)
	}

	query = query.Order("priority ASC").Order("rule_id ASC")

	var rules []RewardRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *gormRepository) Update(ctx context.Context, rule *RewardRule) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&RewardRule{}).
		Where("rule_id = ?", rule.RuleID).
		Updates(map[string]any{
			"name":         rule.Name,
			"description":  rule.Description,
			"type":         rule.Type,
			"trigger":      rule.Trigger,
			"conditions":   rule.Conditions,
			"token_amount": rule.TokenAmount,
			"token_symbol": rule.TokenSymbol,
			"is_active":    rule.IsActive,
			"priority":     rule.Priority,
			"updated_at":   rule.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) Delete(ctx context.Context, ruleID string) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Delete(&RewardRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) ListActiveByType(ctx context.Context, rewardType string) ([]RewardRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&RewardRule{}).
		Where("type = ? AND is_active = ?", rewardType, true).
		Order("priority ASC").Order("rule_id ASC")

	var rules []RewardRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// IncrementUsage bumps the usage counters inside the caller's transaction so
// a rule firing and its ledger credit land in one unit of work.
func (r *gormRepository) IncrementUsage(ctx context.Context, tx *gorm.DB, ruleID string, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	res := tx.WithContext(ctx).Model(&RewardRule{}).
		Where("rule_id = ?", ruleID).
		Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
