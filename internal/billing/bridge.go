package billing

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/CedrosPay/entitlements/internal/httputil"
	"github.com/CedrosPay/entitlements/internal/purchases"
)

// BridgeClient talks to the billing bridge that fronts StoreKit / Play Billing on device.
//
//	POST {base}/purchases          {"productId": "..."} -> Transaction
//	GET  {base}/purchases/history  -> {"transactions": [...]}
//
// Failures are reported as {"code", "message", "retryable"} payloads.
type BridgeClient struct {
	baseURL string
	client  *http.Client
}

// NewBridgeClient creates a client for the bridge at baseURL.
func NewBridgeClient(baseURL string, timeout time.Duration) *BridgeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httputil.NewClient(timeout),
	}
}

type launchRequest struct {
	ProductID string `json:"productId"`
}

type historyResponse struct {
	Transactions []purchases.Transaction `json:"transactions"`
}

func (c *BridgeClient) LaunchPurchaseFlow(ctx context.Context, productID string) (purchases.Transaction, error) {
	var tx purchases.Transaction
	err := httputil.DoJSON(ctx, c.client, http.MethodPost, c.baseURL+"/purchases", launchRequest{ProductID: productID}, &tx)
	if err != nil {
		return purchases.Transaction{}, classify(err)
	}
	return tx, nil
}

func (c *BridgeClient) RequestAllPurchaseHistory(ctx context.Context) ([]purchases.Transaction, error) {
	var resp historyResponse
	if err := httputil.DoJSON(ctx, c.client, http.MethodGet, c.baseURL+"/purchases/history", nil, &resp); err != nil {
		return nil, classify(err)
	}
	if resp.Transactions == nil {
		return []purchases.Transaction{}, nil
	}
	return resp.Transactions, nil
}

// classify turns transport and status failures into PurchaseErrors.
func classify(err error) error {
	var statusErr *httputil.StatusError
	if stderrors.As(err, &statusErr) {
		var payload PurchaseError
		if json.Unmarshal(statusErr.Body, &payload) == nil && payload.Code != "" {
			if !payload.Code.Known() {
				payload.Code = CodeUnknown
			}
			return &PurchaseError{Code: payload.Code, Message: payload.Message, CanRetry: payload.CanRetry, Err: statusErr}
		}
		if statusErr.StatusCode >= 500 {
			return NewPurchaseError(CodeStoreProblem, "billing bridge unavailable", statusErr)
		}
		return NewPurchaseError(CodeUnexpectedBackendResponse, "unexpected billing bridge response", statusErr)
	}
	if stderrors.Is(err, httputil.ErrDecode) {
		return NewPurchaseError(CodeUnexpectedBackendResponse, "malformed billing bridge response", err)
	}
	return NewPurchaseError(CodeNetworkError, "billing bridge unreachable", err)
}
