package ledger

import (
	"context"
	"fmt"
	"testing"

	"learnhub-rewards/pkg/config"
	"learnhub-rewards/pkg/db/pagination"
	"learnhub-rewards/pkg/errutil"
	"learnhub-rewards/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &RewardTransaction{}, &Balance{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Reward.TokenSymbol = "LEARN"

	return NewService(ServiceParams{
		DB:     db,
		Node:   node,
		Config: cfg,
	})
}

func credit(t *testing.T, svc *Service, userID string, amount int64, key string) *RewardTransaction {
	t.Helper()
	record, err := svc.CreateCredit(context.Background(), CreditIntent{
		UserID:         userID,
		Type:           "course_completion",
		Amount:         amount,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return record
}

func TestCreditUpdatesBalance(t *testing.T) {
	svc := newTestService(t)

	record := credit(t, svc, "user-1", 100, "evt:e1:user-1")
	require.Equal(t, StatusCompleted, record.Status)
	require.NotNil(t, record.ProcessedAt)
	require.True(t, record.IsCredit())

	view, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, view.Balance)
	require.EqualValues(t, 100, view.TotalEarned)
	require.EqualValues(t, 0, view.TotalSpent)
	require.EqualValues(t, 100, view.Spendable)
}

func TestCreditIdempotency(t *testing.T) {
	svc := newTestService(t)

	first := credit(t, svc, "user-1", 100, "evt:e1:user-1")
	second := credit(t, svc, "user-1", 100, "evt:e1:user-1")
	require.Equal(t, first.ID, second.ID)

	view, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, view.Balance)
}

func TestCreditValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCredit(ctx, CreditIntent{UserID: "", Amount: 10, IdempotencyKey: "k"})
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))

	_, err = svc.CreateCredit(ctx, CreditIntent{UserID: "u", Amount: 0, IdempotencyKey: "k"})
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))

	_, err = svc.CreateCredit(ctx, CreditIntent{UserID: "u", Amount: 10})
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))
}

func TestDebitReservesUntilSettled(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "user-1", 100, "evt:e1:user-1")

	record, err := svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 40, Type: "withdrawal"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, record.Status)
	require.EqualValues(t, -40, record.TokenAmount)

	// Reserved, not spent: balance holds, spendable shrinks.
	view, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, view.Balance)
	require.EqualValues(t, 60, view.Spendable)

	require.NoError(t, svc.MarkProcessing(ctx, record.ID))
	require.NoError(t, svc.MarkCompleted(ctx, record.ID, &ExternalRef{Hash: "0xabc", BlockNumber: 7}))

	view, err = svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 60, view.Balance)
	require.EqualValues(t, 40, view.TotalSpent)
	require.EqualValues(t, 60, view.Spendable)
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "user-1", 50, "evt:e1:user-1")

	_, err := svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 60, Type: "withdrawal"})
	require.True(t, errutil.IsStatus(err, errutil.StatusInsufficientBalance))

	_, err = svc.CreateDebit(ctx, DebitParams{UserID: "unknown", Amount: 1, Type: "withdrawal"})
	require.True(t, errutil.IsStatus(err, errutil.StatusInsufficientBalance))
}

func TestReservationBlocksConcurrentOverspend(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "user-1", 100, "evt:e1:user-1")

	_, err := svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 80, Type: "withdrawal"})
	require.NoError(t, err)

	// The first reservation is still pending, so only 20 remain spendable.
	_, err = svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 30, Type: "withdrawal"})
	require.True(t, errutil.IsStatus(err, errutil.StatusInsufficientBalance))

	_, err = svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 20, Type: "withdrawal"})
	require.NoError(t, err)
}

func TestFailedDebitRefundsReservation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "user-1", 100, "evt:e1:user-1")

	record, err := svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 40, Type: "withdrawal"})
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, record.ID))
	require.NoError(t, svc.MarkFailed(ctx, record.ID, "bridge rejected transfer"))

	view, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, view.Balance)
	require.EqualValues(t, 100, view.Spendable)
	require.EqualValues(t, 0, view.TotalSpent)

	stored, err := svc.GetTransaction(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.NotNil(t, stored.FailedReason)
}

func TestCancelOnlyFromPending(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "user-1", 100, "evt:e1:user-1")

	record, err := svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 40, Type: "withdrawal"})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, record.ID))

	view, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, view.Spendable)

	// Once processing has started the owner can no longer cancel.
	record, err = svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 40, Type: "withdrawal"})
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, record.ID))

	err = svc.Cancel(ctx, record.ID)
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidStateTransition))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "user-1", 100, "evt:e1:user-1")

	record, err := svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 40, Type: "withdrawal"})
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, record.ID))
	require.NoError(t, svc.MarkCompleted(ctx, record.ID, nil))

	// Replayed settlement must not double-apply the balance movement.
	err = svc.MarkCompleted(ctx, record.ID, nil)
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidStateTransition))
	err = svc.MarkFailed(ctx, record.ID, "late failure")
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidStateTransition))

	view, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 60, view.Balance)
	require.EqualValues(t, 40, view.TotalSpent)
}

func TestTransitionNotFound(t *testing.T) {
	svc := newTestService(t)

	err := svc.MarkCompleted(context.Background(), snowflake.ID(12345), nil)
	require.True(t, errutil.IsStatus(err, errutil.StatusNotFound))
}

func TestGetBalanceUnknownUser(t *testing.T) {
	svc := newTestService(t)

	view, err := svc.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	require.EqualValues(t, 0, view.Balance)
	require.Equal(t, "LEARN", view.TokenSymbol)
}

func TestGetHistoryNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		credit(t, svc, "user-1", 10, fmt.Sprintf("evt:e%d:user-1", i))
	}
	credit(t, svc, "user-2", 10, "evt:e0:user-2")

	records, info, err := svc.GetHistory(ctx, "user-1", pagination.Pagination{Page: 1, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.EqualValues(t, 5, info.TotalRows)
	for i := 1; i < len(records); i++ {
		require.Greater(t, int64(records[i-1].ID), int64(records[i].ID))
	}

	records, _, err = svc.GetHistory(ctx, "user-1", pagination.Pagination{Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestVerifyBalanceMatchesReplay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "user-1", 100, "evt:e1:user-1")
	credit(t, svc, "user-1", 50, "evt:e2:user-1")

	record, err := svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 30, Type: "withdrawal"})
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, record.ID))
	require.NoError(t, svc.MarkCompleted(ctx, record.ID, nil))

	// A failed debit must not show up in the replay.
	record, err = svc.CreateDebit(ctx, DebitParams{UserID: "user-1", Amount: 20, Type: "withdrawal"})
	require.NoError(t, err)
	require.NoError(t, svc.MarkFailed(ctx, record.ID, "rejected"))

	ok, err := svc.VerifyBalance(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.VerifyBalance(ctx, "nobody")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyBalanceDetectsDivergence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "user-1", 100, "evt:e1:user-1")

	// Corrupt the materialized row behind the ledger's back.
	err := svc.db.Model(&Balance{}).
		Where("user_id = ?", "user-1").
		Update("balance", 999).Error
	require.NoError(t, err)

	ok, err := svc.VerifyBalance(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, ok)
}
