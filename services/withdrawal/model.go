package withdrawal

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// WithdrawalRequest tracks one withdrawal from request to settlement. The
// money movement itself lives in the ledger transaction; this row carries the
// bridge-facing details.
type WithdrawalRequest struct {
	ID              snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	WithdrawalCode  string       `gorm:"column:withdrawal_code;uniqueIndex" json:"withdrawalCode"`
	TransactionID   snowflake.ID `gorm:"column:transaction_id;uniqueIndex;not null" json:"transactionId"`
	UserID          string       `gorm:"column:user_id;index;not null" json:"userId"`
	Destination     string       `gorm:"column:destination;not null" json:"destination"`
	RequestedAmount int64        `gorm:"column:requested_amount;not null" json:"requestedAmount"`
	FeeAmount       int64        `gorm:"column:fee_amount;not null" json:"feeAmount"`
	NetAmount       int64        `gorm:"column:net_amount;not null" json:"netAmount"`
	ExternalID      string       `gorm:"column:external_id;index" json:"externalId,omitempty"`
	Deadline        time.Time    `gorm:"column:deadline;not null" json:"deadline"`
	CreatedAt       time.Time    `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt       time.Time    `gorm:"column:updated_at" json:"updatedAt"`
}

func (WithdrawalRequest) TableName() string { return "withdrawal_requests" }

// ComputeFee calculates the platform fee in basis points, rounding half up so
// the split is deterministic and fee plus net always equals the request.
func ComputeFee(amount, feeBps int64) int64 {
	return (amount*feeBps + 5000) / 10000
}
