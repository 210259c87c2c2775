package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"learnhub-rewards/pkg/config"
	"learnhub-rewards/pkg/db/pagination"
	"learnhub-rewards/pkg/errutil"
	"learnhub-rewards/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	txCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_created_total",
	}, []string{"kind"})
	txTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transitions_total",
	}, []string{"to"})
)

func init() {
	prometheus.MustRegister(txCreated, txTransitions)
}

// Service is the system of record for balances and reward transactions. Every
// balance mutation runs inside one database transaction with the balance row
// locked, so operations on the same user serialize while different users
// proceed in parallel.
type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	codes  sequence.Generator
	symbol string
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Codes  sequence.Generator `optional:"true"`
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	symbol := p.Config.Reward.TokenSymbol
	if symbol == "" {
		symbol = "LEARN"
	}
	return &Service{
		db:     p.DB,
		node:   p.Node,
		codes:  p.Codes,
		symbol: symbol,
	}
}

// CreditIntent is what the rule engine (or an admin grant) hands the ledger.
type CreditIntent struct {
	UserID         string
	RuleID         *string
	Type           string
	Amount         int64
	TokenSymbol    string
	IdempotencyKey string
	Description    string
	RelatedID      string
}

// DebitParams describes a spend or withdrawal debit.
type DebitParams struct {
	UserID      string
	Amount      int64
	Type        string
	TokenSymbol string
	ReasonCode  string
	RelatedID   string
}

// CreateCredit records a credit transaction and applies it to the balance.
// Lookups by idempotency key make retried deliveries return the original
// transaction instead of double-crediting.
func (s *Service) CreateCredit(ctx context.Context, intent CreditIntent) (*RewardTransaction, error) {
	var out *RewardTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, _, err = s.ApplyCredit(ctx, tx, intent)
		return err
	})
	return out, err
}

// ApplyCredit is CreateCredit running on an existing database transaction, so
// callers can bundle the credit with their own writes into one unit of work.
// The bool reports whether this call created the transaction; a retried
// delivery returns the original record with false.
func (s *Service) ApplyCredit(ctx context.Context, tx *gorm.DB, intent CreditIntent) (*RewardTransaction, bool, error) {
	if err := validateCredit(intent); err != nil {
		return nil, false, err
	}
	symbol := intent.TokenSymbol
	if symbol == "" {
		symbol = s.symbol
	}

	if existing, err := s.findByIdempotencyKey(ctx, tx, intent.IdempotencyKey); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	balance, err := s.lockBalance(ctx, tx, intent.UserID, symbol)
	if err != nil {
		return nil, false, err
	}

	record := &RewardTransaction{
		ID:              s.node.Generate(),
		TransactionCode: s.nextCode(ctx),
		UserID:          intent.UserID,
		RuleID:          intent.RuleID,
		Type:            intent.Type,
		TokenAmount:     intent.Amount,
		TokenSymbol:     symbol,
		Status:          StatusPending,
		IdempotencyKey:  intent.IdempotencyKey,
		Description:     intent.Description,
		RelatedID:       intent.RelatedID,
	}
	if err := tx.Create(record).Error; err != nil {
		// A concurrent delivery with the same key won the insert race.
		if existing, lookupErr := s.findByIdempotencyKey(ctx, tx, intent.IdempotencyKey); lookupErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, err
	}

	// Internal credits need no external step; complete in the same unit.
	now := time.Now().UTC()
	if err := tx.Model(record).Updates(map[string]any{
		"status":       StatusCompleted,
		"processed_at": now,
		"updated_at":   now,
	}).Error; err != nil {
		return nil, false, err
	}
	record.Status = StatusCompleted
	record.ProcessedAt = &now

	if err := s.applyBalanceDelta(ctx, tx, balance, map[string]any{
		"balance":      gorm.Expr("balance + ?", intent.Amount),
		"total_earned": gorm.Expr("total_earned + ?", intent.Amount),
	}); err != nil {
		return nil, false, err
	}

	txCreated.WithLabelValues("credit").Inc()
	return record, true, nil
}

// CreateDebit checks the spendable balance and reserves the amount in one
// atomic unit, which is the only defense against concurrent over-spend.
func (s *Service) CreateDebit(ctx context.Context, params DebitParams) (*RewardTransaction, error) {
	var out *RewardTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.ApplyDebit(ctx, tx, params)
		return err
	})
	return out, err
}

// ApplyDebit is CreateDebit on an existing database transaction.
func (s *Service) ApplyDebit(ctx context.Context, tx *gorm.DB, params DebitParams) (*RewardTransaction, error) {
	if err := validateDebit(params); err != nil {
		return nil, err
	}
	symbol := params.TokenSymbol
	if symbol == "" {
		symbol = s.symbol
	}

	balance, err := s.lockBalance(ctx, tx, params.UserID, symbol)
	if err != nil {
		return nil, err
	}
	if balance == nil || balance.Spendable() < params.Amount {
		return nil, errutil.InsufficientBalance(
			fmt.Sprintf("requested %d exceeds spendable balance", params.Amount))
	}

	record := &RewardTransaction{
		ID:              s.node.Generate(),
		TransactionCode: s.nextCode(ctx),
		UserID:          params.UserID,
		Type:            params.Type,
		TokenAmount:     -params.Amount,
		TokenSymbol:     symbol,
		Status:          StatusPending,
		IdempotencyKey:  fmt.Sprintf("debit:%s", s.node.Generate()),
		Description:     params.ReasonCode,
		RelatedID:       params.RelatedID,
	}
	if err := tx.Create(record).Error; err != nil {
		return nil, err
	}

	// Reserve immediately: the amount leaves the spendable balance before any
	// external step runs.
	if err := s.applyBalanceDelta(ctx, tx, balance, map[string]any{
		"reserved": gorm.Expr("reserved + ?", params.Amount),
	}); err != nil {
		return nil, err
	}

	txCreated.WithLabelValues("debit").Inc()
	return record, nil
}

// MarkProcessing moves a pending transaction into processing.
func (s *Service) MarkProcessing(ctx context.Context, txID snowflake.ID) error {
	return s.transition(ctx, txID, StatusProcessing, nil, "")
}

// MarkCompleted settles a transaction. For debits the reservation converts
// into a spent amount in the same transition.
func (s *Service) MarkCompleted(ctx context.Context, txID snowflake.ID, ref *ExternalRef) error {
	return s.transition(ctx, txID, StatusCompleted, ref, "")
}

// MarkFailed terminates a transaction. For debits the reserved amount returns
// to the spendable balance as part of the same transition; the reservation and
// its release are two ends of one invariant.
func (s *Service) MarkFailed(ctx context.Context, txID snowflake.ID, reason string) error {
	return s.transition(ctx, txID, StatusFailed, nil, reason)
}

// Cancel aborts a transaction that has not been handed to any external step.
func (s *Service) Cancel(ctx context.Context, txID snowflake.ID) error {
	return s.transition(ctx, txID, StatusCancelled, nil, "cancelled by owner")
}

func (s *Service) transition(ctx context.Context, txID snowflake.ID, to Status, ref *ExternalRef, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record RewardTransaction
		if err := lockForUpdate(tx).Where("id = ?", txID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("transaction not found")
			}
			return err
		}

		if !CanTransition(record.Status, to) {
			return errutil.InvalidStateTransition(
				fmt.Sprintf("cannot move %s transaction %s to %s", record.Status, record.ID, to))
		}
		if to == StatusCancelled && record.Status != StatusPending {
			return errutil.InvalidStateTransition("only pending transactions may be cancelled")
		}

		updates := map[string]any{
			"status":     to,
			"updated_at": time.Now().UTC(),
		}
		if to == StatusCompleted {
			updates["processed_at"] = time.Now().UTC()
			if ref != nil {
				var carrier RewardTransaction
				if err := carrier.SetExternalRef(ref); err != nil {
					return err
				}
				updates["external_ref"] = carrier.ExternalRef
			}
		}
		if reason != "" && (to == StatusFailed || to == StatusCancelled) {
			updates["failed_reason"] = reason
		}

		if err := tx.Model(&RewardTransaction{}).Where("id = ?", record.ID).Updates(updates).Error; err != nil {
			return err
		}

		txTransitions.WithLabelValues(string(to)).Inc()

		// Credits settle their balance at creation; only debit transitions
		// move reserved amounts.
		if record.IsCredit() {
			return nil
		}
		amount := -record.TokenAmount

		balance, err := s.lockBalance(ctx, tx, record.UserID, record.TokenSymbol)
		if err != nil {
			return err
		}
		if balance == nil {
			return errutil.Internal("balance row missing for reserved debit")
		}

		switch to {
		case StatusCompleted:
			return s.applyBalanceDelta(ctx, tx, balance, map[string]any{
				"reserved":    gorm.Expr("reserved - ?", amount),
				"balance":     gorm.Expr("balance - ?", amount),
				"total_spent": gorm.Expr("total_spent + ?", amount),
			})
		case StatusFailed, StatusCancelled:
			return s.applyBalanceDelta(ctx, tx, balance, map[string]any{
				"reserved": gorm.Expr("reserved - ?", amount),
			})
		}
		return nil
	})
}

// BalanceView is the read model returned to callers.
type BalanceView struct {
	UserID      string `json:"userId"`
	TokenSymbol string `json:"tokenSymbol"`
	Balance     int64  `json:"balance"`
	TotalEarned int64  `json:"totalEarned"`
	TotalSpent  int64  `json:"totalSpent"`
	Spendable   int64  `json:"spendable"`
}

// GetBalance returns the materialized balance for a user.
func (s *Service) GetBalance(ctx context.Context, userID string) (*BalanceView, error) {
	var balance Balance
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND token_symbol = ?", userID, s.symbol).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &BalanceView{UserID: userID, TokenSymbol: s.symbol}, nil
	}
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		UserID:      balance.UserID,
		TokenSymbol: balance.TokenSymbol,
		Balance:     balance.Balance,
		TotalEarned: balance.TotalEarned,
		TotalSpent:  balance.TotalSpent,
		Spendable:   balance.Spendable(),
	}, nil
}

// GetHistory returns the user's transactions, newest first.
func (s *Service) GetHistory(ctx context.Context, userID string, page pagination.Pagination) ([]RewardTransaction, pagination.PageInfo, error) {
	page.Normalize()

	var total int64
	err := s.db.WithContext(ctx).Model(&RewardTransaction{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	var records []RewardTransaction
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC")
	if err := page.Scope(query).Find(&records).Error; err != nil {
		return nil, pagination.PageInfo{}, err
	}

	return records, pagination.BuildPageInfo(page, total), nil
}

// GetTransaction fetches one transaction by id.
func (s *Service) GetTransaction(ctx context.Context, txID snowflake.ID) (*RewardTransaction, error) {
	var record RewardTransaction
	err := s.db.WithContext(ctx).Where("id = ?", txID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("transaction not found")
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// VerifyBalance replays completed transactions and compares the result with
// the materialized row. A mismatch means the write-through invariant broke.
func (s *Service) VerifyBalance(ctx context.Context, userID string) (bool, error) {
	type replay struct {
		Earned int64
		Spent  int64
	}
	var r replay
	err := s.db.WithContext(ctx).Model(&RewardTransaction{}).
		Select(
			"COALESCE(SUM(CASE WHEN token_amount > 0 THEN token_amount ELSE 0 END), 0) AS earned, "+
				"COALESCE(SUM(CASE WHEN token_amount < 0 THEN -token_amount ELSE 0 END), 0) AS spent").
		Where("user_id = ? AND token_symbol = ? AND status = ?", userID, s.symbol, StatusCompleted).
		Scan(&r).Error
	if err != nil {
		return false, err
	}

	var balance Balance
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND token_symbol = ?", userID, s.symbol).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.Earned == 0 && r.Spent == 0, nil
	}
	if err != nil {
		return false, err
	}

	ok := balance.TotalEarned == r.Earned &&
		balance.TotalSpent == r.Spent &&
		balance.Balance == r.Earned-r.Spent
	if !ok {
		zap.L().Error("materialized balance diverged from transaction replay",
			zap.String("user_id", userID),
			zap.Int64("stored_balance", balance.Balance),
			zap.Int64("replayed_balance", r.Earned-r.Spent),
		)
	}
	return ok, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*RewardTransaction, error) {
	var existing RewardTransaction
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// lockBalance fetches the balance row under FOR UPDATE, creating it first for
// users that have never earned. Returns nil only when creation is undesired
// (never: credits and debits both need the row).
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID, symbol string) (*Balance, error) {
	var balance Balance
	err := lockForUpdate(tx).WithContext(ctx).
		Where("user_id = ? AND token_symbol = ?", userID, symbol).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = Balance{
			ID:          s.node.Generate(),
			UserID:      userID,
			TokenSymbol: symbol,
		}
		if err := tx.WithContext(ctx).Create(&balance).Error; err != nil {
			return nil, err
		}
		return &balance, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (s *Service) applyBalanceDelta(ctx context.Context, tx *gorm.DB, balance *Balance, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return tx.WithContext(ctx).Model(&Balance{}).Where("id = ?", balance.ID).Updates(updates).Error
}

func (s *Service) nextCode(ctx context.Context) string {
	if s.codes == nil {
		return fmt.Sprintf("TXN-%s", s.node.Generate())
	}
	code, err := s.codes.NextTransactionCode(ctx)
	if err != nil {
		zap.L().Warn("sequence generator unavailable, falling back to snowflake code", zap.Error(err))
		return fmt.Sprintf("TXN-%s", s.node.Generate())
	}
	return code
}

// lockForUpdate applies row locking on engines that support it. The sqlite
// test database serializes on a single connection instead.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func validateCredit(intent CreditIntent) error {
	if strings.TrimSpace(intent.UserID) == "" {
		return errutil.ValidationFailed("userId is required")
	}
	if intent.Amount <= 0 {
		return errutil.ValidationFailed("credit amount must be positive")
	}
	if strings.TrimSpace(intent.IdempotencyKey) == "" {
		return errutil.ValidationFailed("idempotency key is required")
	}
	return nil
}

func validateDebit(params DebitParams) error {
	if strings.TrimSpace(params.UserID) == "" {
		return errutil.ValidationFailed("userId is required")
	}
	if params.Amount <= 0 {
		return errutil.ValidationFailed("debit amount must be positive")
	}
	return nil
}
