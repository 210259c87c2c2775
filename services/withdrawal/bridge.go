package withdrawal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"learnhub-rewards/pkg/errutil"
)

var destinationPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidateDestination rejects malformed destination addresses before any
// balance is reserved.
func ValidateDestination(destination string) error {
	if !destinationPattern.MatchString(destination) {
		return errutil.InvalidDestination("destination must be a 0x-prefixed 40-hex-digit address")
	}
	return nil
}

// TransferStatus is the bridge-side settlement state.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// TransferResult is what the gateway reports for a submitted transfer.
type TransferResult struct {
	Status      TransferStatus `json:"status"`
	Hash        string         `json:"hash,omitempty"`
	BlockNumber int64          `json:"blockNumber,omitempty"`
	GasUsed     int64          `json:"gasUsed,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Bridge is the token gateway the withdrawal flow settles against.
type Bridge interface {
	// Submit hands a transfer to the gateway and returns its external id.
	Submit(ctx context.Context, destination string, amount int64, reference string) (string, error)
	// Status reports the current settlement state of a submitted transfer.
	Status(ctx context.Context, externalID string) (*TransferResult, error)
}

type gatewayBridge struct {
	baseURL string
	client  *http.Client
}

// NewGatewayBridge talks JSON over HTTP to the configured token gateway.
func NewGatewayBridge(baseURL string, timeout time.Duration) Bridge {
	return &gatewayBridge{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
}

type submitResponse struct {
	TransferID string `json:"transferId"`
}

func (b *gatewayBridge) Submit(ctx context.Context, destination string, amount int64, reference string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Destination: destination,
		Amount:      amount,
		Reference:   reference,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", errutil.ExternalBridgeFailure("gateway submit failed", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errutil.ExternalBridgeFailure(
			fmt.Sprintf("gateway submit returned status %d", resp.StatusCode))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errutil.ExternalBridgeFailure("gateway submit returned malformed body", errutil.WithErr(err))
	}
	if out.TransferID == "" {
		return "", errutil.ExternalBridgeFailure("gateway submit returned no transfer id")
	}
	return out.TransferID, nil
}

func (b *gatewayBridge) Status(ctx context.Context, externalID string) (*TransferResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/transfers/"+externalID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errutil.ExternalBridgeFailure("gateway status check failed", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errutil.ExternalBridgeFailure(
			fmt.Sprintf("gateway status returned status %d", resp.StatusCode))
	}

	var out TransferResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errutil.ExternalBridgeFailure("gateway status returned malformed body", errutil.WithErr(err))
	}
	return &out, nil
}
