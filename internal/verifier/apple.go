package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/CedrosPay/entitlements/internal/circuitbreaker"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/httputil"
	"github.com/golang-jwt/jwt/v5"
)

const (
	appleProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	appleSandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// verifyReceipt status codes.
const (
	appleStatusOK              = 0
	appleStatusUnavailable     = 21005
	appleStatusSandboxReceipt  = 21007
	appleStatusProductionOnSbx = 21008
)

// AppleConfig configures the App Store verifier.
type AppleConfig struct {
	SharedSecret string
	Production   bool
	BundleID     string
	Timeout      time.Duration

	// ProductionURL and SandboxURL override the verifyReceipt endpoints.
	ProductionURL string
	SandboxURL    string
	// Roots, when set, is used to verify the x5c chain of StoreKit 2 transactions.
	Roots *x509.CertPool
}

// AppleVerifier verifies StoreKit 2 signed transactions locally and legacy
// base64 receipts through the App Store verifyReceipt endpoint.
type AppleVerifier struct {
	cfg      AppleConfig
	client   *http.Client
	breakers *circuitbreaker.Manager
}

func NewAppleVerifier(cfg AppleConfig, breakers *circuitbreaker.Manager) *AppleVerifier {
	if cfg.ProductionURL == "" {
		cfg.ProductionURL = appleProductionURL
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = appleSandboxURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	}
	return &AppleVerifier{cfg: cfg, client: httputil.NewClient(cfg.Timeout), breakers: breakers}
}

// Verify treats a three-segment receipt as a StoreKit 2 JWS; anything else goes to verifyReceipt.
func (v *AppleVerifier) Verify(ctx context.Context, receiptData string) (Result, error) {
	if strings.Count(receiptData, ".") == 2 {
		return v.verifyJWS(receiptData), nil
	}
	return v.verifyLegacy(ctx, receiptData)
}

func (v *AppleVerifier) verifyJWS(token string) Result {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.x5cKey, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return invalid("signed transaction rejected: %v", err)
	}

	if v.cfg.BundleID != "" {
		if bundle, _ := claims["bundleId"].(string); bundle != v.cfg.BundleID {
			return invalid("bundle id mismatch")
		}
	}
	txID, _ := claims["transactionId"].(string)
	productID, _ := claims["productId"].(string)
	if txID == "" || productID == "" {
		return invalid("signed transaction missing identifiers")
	}
	if _, revoked := claims["revocationDate"]; revoked {
		return invalid("transaction revoked")
	}
	res := Result{IsValid: true, TransactionID: txID, ProductID: productID}
	if ms, ok := claims["purchaseDate"].(float64); ok {
		res.PurchaseDate = time.UnixMilli(int64(ms)).UTC()
	}
	return res
}

// x5cKey returns the ECDSA key of the leaf certificate in the JWS header.
func (v *AppleVerifier) x5cKey(token *jwt.Token) (interface{}, error) {
	raw, ok := token.Header["x5c"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("missing x5c header")
	}
	certs := make([]*x509.Certificate, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("malformed x5c entry")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode x5c: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c: %w", err)
		}
		certs = append(certs, cert)
	}

	if v.cfg.Roots != nil {
		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		if _, err := certs[0].Verify(x509.VerifyOptions{Roots: v.cfg.Roots, Intermediates: intermediates}); err != nil {
			return nil, fmt.Errorf("x5c chain: %w", err)
		}
	}

	key, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("x5c leaf key is not ECDSA")
	}
	return key, nil
}

type appleRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type appleInApp struct {
	TransactionID  string `json:"transaction_id"`
	ProductID      string `json:"product_id"`
	PurchaseDateMs string `json:"purchase_date_ms"`
	CancellationMs string `json:"cancellation_date_ms,omitempty"`
}

type appleResponse struct {
	Status  int `json:"status"`
	Receipt struct {
		BundleID string       `json:"bundle_id"`
		InApp    []appleInApp `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo []appleInApp `json:"latest_receipt_info"`
}

func (v *AppleVerifier) verifyLegacy(ctx context.Context, receipt string) (Result, error) {
	first, second := v.cfg.ProductionURL, v.cfg.SandboxURL
	redirect := appleStatusSandboxReceipt
	if !v.cfg.Production {
		first, second = second, first
		redirect = appleStatusProductionOnSbx
	}

	resp, err := v.post(ctx, first, receipt)
	if err != nil {
		return Result{}, err
	}
	if resp.Status == redirect {
		if resp, err = v.post(ctx, second, receipt); err != nil {
			return Result{}, err
		}
	}
	return v.interpret(resp)
}

func (v *AppleVerifier) post(ctx context.Context, url, receipt string) (*appleResponse, error) {
	req := appleRequest{ReceiptData: receipt, Password: v.cfg.SharedSecret, ExcludeOldTransactions: true}
	out, err := v.breakers.Execute(circuitbreaker.ServiceAppStore, func() (interface{}, error) {
		var resp appleResponse
		if err := httputil.DoJSON(ctx, v.client, http.MethodPost, url, req, &resp); err != nil {
			return nil, err
		}
		if resp.Status == appleStatusUnavailable || (resp.Status >= 21100 && resp.Status <= 21199) {
			return nil, fmt.Errorf("app store internal status %d", resp.Status)
		}
		return &resp, nil
	}, nil)
	if err != nil {
		if stderrors.Is(err, circuitbreaker.ErrOpen) {
			return nil, apierrors.Wrap(apierrors.ErrCodeNetworkError, "app store temporarily unavailable", err)
		}
		if stderrors.Is(err, httputil.ErrDecode) {
			return nil, apierrors.Wrap(apierrors.ErrCodeVerificationFailed, "malformed app store response", err)
		}
		return nil, apierrors.Wrap(apierrors.ErrCodeNetworkError, "app store unreachable", err)
	}
	return out.(*appleResponse), nil
}

func (v *AppleVerifier) interpret(resp *appleResponse) (Result, error) {
	if resp.Status != appleStatusOK {
		return invalid("app store status %d", resp.Status), nil
	}
	if v.cfg.BundleID != "" && resp.Receipt.BundleID != v.cfg.BundleID {
		return invalid("bundle id mismatch"), nil
	}

	entries := resp.LatestReceiptInfo
	if len(entries) == 0 {
		entries = resp.Receipt.InApp
	}
	active := make([]appleInApp, 0, len(entries))
	for _, e := range entries {
		if e.CancellationMs == "" && e.TransactionID != "" {
			active = append(active, e)
		}
	}
	if len(active) == 0 {
		return invalid("receipt has no active transactions"), nil
	}
	sort.SliceStable(active, func(i, j int) bool {
		return parseMillis(active[i].PurchaseDateMs).After(parseMillis(active[j].PurchaseDateMs))
	})
	latest := active[0]
	txs := make([]ReceiptTransaction, 0, len(active))
	for _, e := range active {
		txs = append(txs, ReceiptTransaction{
			TransactionID: e.TransactionID,
			ProductID:     e.ProductID,
			PurchaseDate:  parseMillis(e.PurchaseDateMs),
		})
	}
	return Result{
		IsValid:       true,
		TransactionID: latest.TransactionID,
		ProductID:     latest.ProductID,
		PurchaseDate:  parseMillis(latest.PurchaseDateMs),
		Transactions:  txs,
	}, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
