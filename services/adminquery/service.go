package adminquery

import (
	"context"
	"time"

	"learnhub-rewards/services/ledger"
	"learnhub-rewards/services/rule"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service answers admin dashboard queries against the ledger and rule tables.
// These are read-only aggregations; they never mutate state.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Logger *zap.Logger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: p.DB, logger: logger}
}

// TopUser is one row of the balance leaderboard.
type TopUser struct {
	UserID      string `json:"userId"`
	TokenSymbol string `json:"tokenSymbol"`
	Balance     int64  `json:"balance"`
	TotalEarned int64  `json:"totalEarned"`
}

// TopUsersByBalance returns the highest balances, ties broken by user id so
// pagination stays stable. Dashboard queries fail open: a query error is
// logged and an empty leaderboard returned.
func (s *Service) TopUsersByBalance(ctx context.Context, limit int) ([]TopUser, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	var users []TopUser
	err := s.db.WithContext(ctx).Model(&ledger.Balance{}).
		Select("user_id, token_symbol, balance, total_earned").
		Order("balance DESC, user_id ASC").
		Limit(limit).
		Scan(&users).Error
	if err != nil {
		s.logger.Error("top users query failed", zap.Error(err))
		return []TopUser{}, nil
	}
	if users == nil {
		users = []TopUser{}
	}
	return users, nil
}

// RulePerformance is the per-rule distribution report.
type RulePerformance struct {
	RuleID           string     `json:"ruleId"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	IsActive         bool       `json:"isActive"`
	UsageCount       int64      `json:"usageCount"`
	TotalDistributed int64      `json:"totalDistributed"`
	SuccessRate      float64    `json:"successRate"`
	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty"`
}

// RulePerformanceReport joins rule usage counters with the ledger's settled
// amounts. Success rate is completed over completed plus failed; a rule that
// never fired reports a rate of zero. Query errors fail open to an empty
// report.
func (s *Service) RulePerformanceReport(ctx context.Context) ([]RulePerformance, error) {
	var rules []rule.RewardRule
	if err := s.db.WithContext(ctx).Order("usage_count DESC, rule_id ASC").Find(&rules).Error; err != nil {
		s.logger.Error("rule performance query failed", zap.Error(err))
		return []RulePerformance{}, nil
	}

	type ruleAgg struct {
		RuleID      string
		Distributed int64
		Completed   int64
		Failed      int64
	}
	var aggs []ruleAgg
	err := s.db.WithContext(ctx).Model(&ledger.RewardTransaction{}).
		Select(
			"rule_id, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN token_amount ELSE 0 END), 0) AS distributed, "+
				"COUNT(CASE WHEN status = ? THEN 1 END) AS completed, "+
				"COUNT(CASE WHEN status = ? THEN 1 END) AS failed",
			ledger.StatusCompleted, ledger.StatusCompleted, ledger.StatusFailed).
		Where("rule_id IS NOT NULL").
		Group("rule_id").
		Scan(&aggs).Error
	if err != nil {
		s.logger.Error("rule performance query failed", zap.Error(err))
		return []RulePerformance{}, nil
	}

	byRule := make(map[string]ruleAgg, len(aggs))
	for _, a := range aggs {
		byRule[a.RuleID] = a
	}

	report := make([]RulePerformance, 0, len(rules))
	for _, r := range rules {
		agg := byRule[r.RuleID]
		perf := RulePerformance{
			RuleID:           r.RuleID,
			Name:             r.Name,
			Type:             r.Type,
			IsActive:         r.IsActive,
			UsageCount:       r.UsageCount,
			TotalDistributed: agg.Distributed,
			LastUsedAt:       r.LastUsedAt,
		}
		if settled := agg.Completed + agg.Failed; settled > 0 {
			perf.SuccessRate = float64(agg.Completed) / float64(settled)
		}
		report = append(report, perf)
	}
	return report, nil
}

// Stats is the dashboard headline block.
type Stats struct {
	TotalUsers          int64 `json:"totalUsers"`
	TotalDistributed    int64 `json:"totalDistributed"`
	TotalSpent          int64 `json:"totalSpent"`
	ActiveRules         int64 `json:"activeRules"`
	PendingTransactions int64 `json:"pendingTransactions"`
	DistributedToday    int64 `json:"distributedToday"`
	TransactionsToday   int64 `json:"transactionsToday"`
}

// AdminStats aggregates platform-wide totals. "Today" is the UTC calendar
// day of the ledger clock. Query errors fail open to zeroed stats so the
// dashboard renders even when an aggregate is unavailable.
func (s *Service) AdminStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)

	failOpen := func(err error) (*Stats, error) {
		s.logger.Error("admin stats query failed", zap.Error(err))
		return &Stats{}, nil
	}

	if err := db.Model(&ledger.Balance{}).Distinct("user_id").Count(&stats.TotalUsers).Error; err != nil {
		return failOpen(err)
	}

	type totals struct {
		Earned int64
		Spent  int64
	}
	var t totals
	err := db.Model(&ledger.RewardTransaction{}).
		Select(
			"COALESCE(SUM(CASE WHEN token_amount > 0 THEN token_amount ELSE 0 END), 0) AS earned, "+
				"COALESCE(SUM(CASE WHEN token_amount < 0 THEN -token_amount ELSE 0 END), 0) AS spent").
		Where("status = ?", ledger.StatusCompleted).
		Scan(&t).Error
	if err != nil {
		return failOpen(err)
	}
	stats.TotalDistributed = t.Earned
	stats.TotalSpent = t.Spent

	if err := db.Model(&rule.RewardRule{}).Where("is_active = ?", true).Count(&stats.ActiveRules).Error; err != nil {
		return failOpen(err)
	}

	err = db.Model(&ledger.RewardTransaction{}).
		Where("status IN ?", []ledger.Status{ledger.StatusPending, ledger.StatusProcessing}).
		Count(&stats.PendingTransactions).Error
	if err != nil {
		return failOpen(err)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	err = db.Model(&ledger.RewardTransaction{}).
		Where("created_at >= ?", today).
		Count(&stats.TransactionsToday).Error
	if err != nil {
		return failOpen(err)
	}

	var todayEarned struct{ Earned int64 }
	err = db.Model(&ledger.RewardTransaction{}).
		Select("COALESCE(SUM(token_amount), 0) AS earned").
		Where("status = ? AND token_amount > 0 AND created_at >= ?", ledger.StatusCompleted, today).
		Scan(&todayEarned).Error
	if err != nil {
		return failOpen(err)
	}
	stats.DistributedToday = todayEarned.Earned

	return &stats, nil
}
