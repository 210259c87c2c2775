package ledger

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the reward transaction state machine.
//
//	pending -> processing -> completed
//	pending -> processing -> failed
//	pending -> cancelled
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCompleted || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// RewardTransaction is the append-mostly system of record. TokenAmount is
// signed: positive credits, negative debits. It never changes after creation;
// only status, processed_at, failed_reason and external_ref may mutate.
type RewardTransaction struct {
	ID              snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	TransactionCode string         `gorm:"column:transaction_code;uniqueIndex" json:"transactionCode"`
	UserID          string         `gorm:"column:user_id;index;not null" json:"userId"`
	RuleID          *string        `gorm:"column:rule_id;index" json:"ruleId,omitempty"`
	Type            string         `gorm:"column:type;type:varchar(30);not null" json:"type"`
	TokenAmount     int64          `gorm:"column:token_amount;not null" json:"tokenAmount"`
	TokenSymbol     string         `gorm:"column:token_symbol;type:varchar(10);not null" json:"tokenSymbol"`
	Status          Status         `gorm:"column:status;type:varchar(20);index;default:'pending'" json:"status"`
	IdempotencyKey  string         `gorm:"column:idempotency_key;uniqueIndex;not null" json:"-"`
	Description     string         `gorm:"column:description;type:text" json:"description,omitempty"`
	RelatedID       string         `gorm:"column:related_id;index" json:"relatedId,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updatedAt"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at" json:"processedAt,omitempty"`
	FailedReason    *string        `gorm:"column:failed_reason" json:"failedReason,omitempty"`
	ExternalRef     datatypes.JSON `gorm:"column:external_ref;type:jsonb" json:"externalRef,omitempty"`
}

func (RewardTransaction) TableName() string { return "reward_transactions" }

// IsCredit reports whether the transaction adds tokens to the balance.
func (t *RewardTransaction) IsCredit() bool { return t.TokenAmount > 0 }

// ExternalRef is populated only after successful external settlement.
type ExternalRef struct {
	Hash        string `json:"hash"`
	BlockNumber int64  `json:"blockNumber"`
	GasUsed     int64  `json:"gasUsed"`
}

// SetExternalRef freezes the settlement reference onto the transaction row.
func (t *RewardTransaction) SetExternalRef(ref *ExternalRef) error {
	if ref == nil {
		return nil
	}
	b, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	t.ExternalRef = datatypes.JSON(b)
	return nil
}

// Balance is the write-through materialization per user and symbol.
// Balance/TotalEarned/TotalSpent cover completed transactions only and must
// always match a replay of the transaction log; Reserved tracks pending and
// processing debit amounts excluded from the spendable balance.
type Balance struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"-"`
	UserID      string       `gorm:"column:user_id;uniqueIndex:idx_balance_user_symbol;not null" json:"userId"`
	TokenSymbol string       `gorm:"column:token_symbol;uniqueIndex:idx_balance_user_symbol;not null" json:"tokenSymbol"`
	Balance     int64        `gorm:"column:balance;not null" json:"balance"`
	TotalEarned int64        `gorm:"column:total_earned;not null" json:"totalEarned"`
	TotalSpent  int64        `gorm:"column:total_spent;not null" json:"totalSpent"`
	Reserved    int64        `gorm:"column:reserved;not null" json:"-"`
	CreatedAt   time.Time    `gorm:"column:created_at" json:"-"`
	UpdatedAt   time.Time    `gorm:"column:updated_at" json:"updatedAt"`
}

func (Balance) TableName() string { return "balances" }

// Spendable is what a debit may draw on right now.
func (b *Balance) Spendable() int64 { return b.Balance - b.Reserved }
