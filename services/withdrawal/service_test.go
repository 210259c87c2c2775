package withdrawal

import (
	"context"
	"testing"
	"time"

	"learnhub-rewards/pkg/config"
	"learnhub-rewards/pkg/errutil"
	"learnhub-rewards/services/ledger"
	"learnhub-rewards/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type bridgeMock struct {
	submitFn func(ctx context.Context, destination string, amount int64, reference string) (string, error)
	statusFn func(ctx context.Context, externalID string) (*TransferResult, error)
}

func (m *bridgeMock) Submit(ctx context.Context, destination string, amount int64, reference string) (string, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, destination, amount, reference)
	}
	return "transfer-1", nil
}

func (m *bridgeMock) Status(ctx context.Context, externalID string) (*TransferResult, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, externalID)
	}
	return &TransferResult{Status: TransferPending}, nil
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	bridge *bridgeMock
}

const validDestination = "0x52908400098527886E0F7030069857D2E4169EE7"

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.RewardTransaction{},
		&ledger.Balance{},
		&WithdrawalRequest{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Reward.TokenSymbol = "LEARN"
	cfg.Withdrawal.FeeBps = 200
	cfg.Withdrawal.MinAmount = 10
	cfg.Withdrawal.MaxProcessing = 10 * time.Minute
	cfg.Withdrawal.PollInterval = time.Second
	cfg.Withdrawal.SubmitTimeout = time.Second

	ledgerSvc := ledger.NewService(ledger.ServiceParams{
		DB:     db,
		Node:   node,
		Config: cfg,
	})
	bridge := &bridgeMock{}

	svc := NewService(ServiceParams{
		DB:     db,
		Ledger: ledgerSvc,
		Bridge: bridge,
		Node:   node,
		Logger: zap.NewNop(),
		Config: cfg,
	})
	return &fixture{svc: svc, ledger: ledgerSvc, bridge: bridge}
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.CreateCredit(context.Background(), ledger.CreditIntent{
		UserID:         userID,
		Type:           "course_completion",
		Amount:         amount,
		IdempotencyKey: "fund:" + userID,
	})
	require.NoError(t, err)
}

func (f *fixture) withdraw(t *testing.T, userID string, amount int64) *WithdrawalRequest {
	t.Helper()
	request, err := f.svc.Withdraw(context.Background(), WithdrawParams{
		UserID:      userID,
		Amount:      amount,
		Destination: validDestination,
	})
	require.NoError(t, err)
	return request
}

func submitTask(t *testing.T, id snowflake.ID) *asynq.Task {
	t.Helper()
	task, err := NewSubmitTask(id)
	require.NoError(t, err)
	return task
}

func pollTask(t *testing.T, id snowflake.ID) *asynq.Task {
	t.Helper()
	task, err := NewPollTask(id)
	require.NoError(t, err)
	return task
}

func TestComputeFee(t *testing.T) {
	cases := []struct {
		amount int64
		feeBps int64
		want   int64
	}{
		{1000, 200, 20},
		{100, 200, 2},
		{25, 200, 1},  // 0.5 rounds up
		{24, 200, 0},  // 0.48 rounds down
		{333, 150, 5}, // 4.995 rounds up
		{1000, 0, 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ComputeFee(tc.amount, tc.feeBps), "amount=%d feeBps=%d", tc.amount, tc.feeBps)
	}
}

func TestValidateDestination(t *testing.T) {
	require.NoError(t, ValidateDestination(validDestination))
	require.NoError(t, ValidateDestination("0x"+"ab12cd34ef"+"ab12cd34ef"+"ab12cd34ef"+"ab12cd34ef"))

	for _, bad := range []string{
		"",
		"52908400098527886E0F7030069857D2E4169EE7",
		"0x52908400098527886E0F7030069857D2E4169EE",
		"0x52908400098527886E0F7030069857D2E4169EE70",
		"0xZZ908400098527886E0F7030069857D2E4169EE7",
	} {
		err := ValidateDestination(bad)
		require.True(t, errutil.IsStatus(err, errutil.StatusInvalidDestination), "destination %q", bad)
	}
}

func TestWithdrawReservesFullAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)

	require.EqualValues(t, 500, request.RequestedAmount)
	require.EqualValues(t, 10, request.FeeAmount)
	require.EqualValues(t, 490, request.NetAmount)
	require.Equal(t, request.RequestedAmount, request.FeeAmount+request.NetAmount)
	require.NotEmpty(t, request.WithdrawalCode)

	record, err := f.ledger.GetTransaction(ctx, request.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, record.Status)
	require.EqualValues(t, -500, record.TokenAmount)
	require.Equal(t, "withdrawal", record.Type)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, view.Balance)
	require.EqualValues(t, 500, view.Spendable)
}

func TestWithdrawValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)

	_, err := f.svc.Withdraw(ctx, WithdrawParams{UserID: "user-1", Amount: 5, Destination: validDestination})
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))

	// A bad destination must fail before any balance is reserved.
	_, err = f.svc.Withdraw(ctx, WithdrawParams{UserID: "user-1", Amount: 100, Destination: "not-an-address"})
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidDestination))

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, view.Spendable)

	_, err = f.svc.Withdraw(ctx, WithdrawParams{UserID: "user-1", Amount: 2000, Destination: validDestination})
	require.True(t, errutil.IsStatus(err, errutil.StatusInsufficientBalance))
}

func TestSubmitHandsOffToBridge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)

	var gotAmount int64
	var gotDestination string
	f.bridge.submitFn = func(ctx context.Context, destination string, amount int64, reference string) (string, error) {
		gotDestination = destination
		gotAmount = amount
		return "transfer-42", nil
	}

	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))

	// The bridge receives the net amount; the fee stays on the platform.
	require.EqualValues(t, 490, gotAmount)
	require.Equal(t, validDestination, gotDestination)

	stored, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, "transfer-42", stored.ExternalID)
	require.Equal(t, ledger.StatusProcessing, record.Status)
}

func TestSubmitRetryAfterHandOffDoesNotResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)

	calls := 0
	f.bridge.submitFn = func(ctx context.Context, destination string, amount int64, reference string) (string, error) {
		calls++
		return "transfer-42", nil
	}

	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))
	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))
	require.Equal(t, 1, calls)
}

func TestSubmitBridgeErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)

	f.bridge.submitFn = func(ctx context.Context, destination string, amount int64, reference string) (string, error) {
		return "", errutil.ExternalBridgeFailure("gateway down")
	}

	err := f.svc.HandleSubmit(ctx, submitTask(t, request.ID))
	require.Error(t, err)

	// The claim sticks and the reservation holds for the retry; the deadline
	// watchdog refunds if the retries never get through.
	_, record, getErr := f.svc.Get(ctx, request.ID)
	require.NoError(t, getErr)
	require.Equal(t, ledger.StatusProcessing, record.Status)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 500, view.Spendable)

	// The retry resumes from the existing claim and submits.
	f.bridge.submitFn = nil
	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))
	stored, _, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, "transfer-1", stored.ExternalID)
}

func TestCancelBeforeSubmitSkipsBridge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)

	require.NoError(t, f.ledger.Cancel(ctx, request.TransactionID))

	submitted := false
	f.bridge.submitFn = func(ctx context.Context, destination string, amount int64, reference string) (string, error) {
		submitted = true
		return "transfer-42", nil
	}

	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))
	require.False(t, submitted)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, view.Spendable)
}

func TestCancelCannotRaceBridgeHandOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)

	// A cancel arriving while the bridge call is in flight must be rejected:
	// the submit claims the transaction first, so the transfer can never go
	// out against a refunded reservation.
	var cancelErr error
	f.bridge.submitFn = func(ctx context.Context, destination string, amount int64, reference string) (string, error) {
		cancelErr = f.ledger.Cancel(ctx, request.TransactionID)
		return "transfer-42", nil
	}

	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))
	require.True(t, errutil.IsStatus(cancelErr, errutil.StatusInvalidStateTransition))

	_, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusProcessing, record.Status)

	// The reservation is still held for the in-flight transfer.
	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 500, view.Spendable)
}

func TestPollConfirmedSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)
	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))

	f.bridge.statusFn = func(ctx context.Context, externalID string) (*TransferResult, error) {
		return &TransferResult{Status: TransferConfirmed, Hash: "0xabc", BlockNumber: 99, GasUsed: 21000}, nil
	}
	require.NoError(t, f.svc.HandlePoll(ctx, pollTask(t, request.ID)))

	_, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, record.Status)
	require.NotEmpty(t, record.ExternalRef)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 500, view.Balance)
	require.EqualValues(t, 500, view.TotalSpent)
	require.EqualValues(t, 500, view.Spendable)
}

func TestPollFailedRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)
	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))

	f.bridge.statusFn = func(ctx context.Context, externalID string) (*TransferResult, error) {
		return &TransferResult{Status: TransferFailed, Reason: "insufficient gas"}, nil
	}
	require.NoError(t, f.svc.HandlePoll(ctx, pollTask(t, request.ID)))

	_, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, record.Status)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, view.Spendable)
	require.EqualValues(t, 0, view.TotalSpent)
}

func TestPollPastDeadlineFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)
	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))

	err := f.svc.db.Model(&WithdrawalRequest{}).
		Where("id = ?", request.ID).
		Update("deadline", time.Now().UTC().Add(-time.Minute)).Error
	require.NoError(t, err)

	// Bridge still reports pending, but the deadline has passed.
	require.NoError(t, f.svc.HandlePoll(ctx, pollTask(t, request.ID)))

	_, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, record.Status)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, view.Spendable)
}

func TestTimeoutWatchdog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)

	task, err := NewTimeoutTask(request.ID)
	require.NoError(t, err)

	// Before the deadline the watchdog leaves the withdrawal alone.
	require.NoError(t, f.svc.HandleTimeout(ctx, task))
	_, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, record.Status)

	err = f.svc.db.Model(&WithdrawalRequest{}).
		Where("id = ?", request.ID).
		Update("deadline", time.Now().UTC().Add(-time.Minute)).Error
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleTimeout(ctx, task))
	_, record, err = f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, record.Status)
}

func TestCallbackSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)
	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))

	err := f.svc.HandleCallback(ctx, CallbackPayload{
		ExternalID:  "transfer-1",
		Status:      string(TransferConfirmed),
		Hash:        "0xdef",
		BlockNumber: 120,
	})
	require.NoError(t, err)

	_, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, record.Status)

	// A redelivered callback is acknowledged without effect.
	err = f.svc.HandleCallback(ctx, CallbackPayload{
		ExternalID: "transfer-1",
		Status:     string(TransferConfirmed),
	})
	require.NoError(t, err)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 500, view.Balance)
}

func TestCallbackFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)
	request := f.withdraw(t, "user-1", 500)
	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))

	err := f.svc.HandleCallback(ctx, CallbackPayload{
		ExternalID: "transfer-1",
		Status:     string(TransferFailed),
		Reason:     "reverted",
	})
	require.NoError(t, err)

	_, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, record.Status)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, view.Spendable)
}

func TestCallbackUnknownTransfer(t *testing.T) {
	f := newFixture(t)

	err := f.svc.HandleCallback(context.Background(), CallbackPayload{
		ExternalID: "transfer-unknown",
		Status:     string(TransferConfirmed),
	})
	require.True(t, errutil.IsStatus(err, errutil.StatusNotFound))

	err = f.svc.HandleCallback(context.Background(), CallbackPayload{Status: string(TransferConfirmed)})
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))
}

func TestFailedWithdrawalRestoresBalanceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Balance 200, withdraw 100 at 2 percent: fee 2, net 98.
	f.fund(t, "user-1", 200)
	request := f.withdraw(t, "user-1", 100)
	require.EqualValues(t, 100, request.RequestedAmount)
	require.EqualValues(t, 2, request.FeeAmount)
	require.EqualValues(t, 98, request.NetAmount)

	require.NoError(t, f.svc.HandleSubmit(ctx, submitTask(t, request.ID)))
	f.bridge.statusFn = func(ctx context.Context, externalID string) (*TransferResult, error) {
		return &TransferResult{Status: TransferFailed, Reason: "rejected"}, nil
	}
	require.NoError(t, f.svc.HandlePoll(ctx, pollTask(t, request.ID)))

	_, record, err := f.svc.Get(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, record.Status)

	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 200, view.Balance)
	require.EqualValues(t, 200, view.Spendable)
}

func TestSweepExpiredReclaimsAbandonedReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "user-1", 1000)

	// Stuck: the submit and watchdog tasks were never enqueued and the
	// deadline has passed.
	stuck := f.withdraw(t, "user-1", 500)
	err := f.svc.db.Model(&WithdrawalRequest{}).
		Where("id = ?", stuck.ID).
		Update("deadline", time.Now().UTC().Add(-time.Minute)).Error
	require.NoError(t, err)

	// Fresh: still inside its processing window.
	fresh := f.withdraw(t, "user-1", 100)

	require.NoError(t, f.svc.SweepExpired(ctx))

	_, record, err := f.svc.Get(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, record.Status)

	_, record, err = f.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, record.Status)

	// Only the expired reservation is released.
	view, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 900, view.Spendable)
}

func TestGetNotFound(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Get(context.Background(), snowflake.ID(42))
	require.True(t, errutil.IsStatus(err, errutil.StatusNotFound))
}
