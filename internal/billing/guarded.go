package billing

import (
	"context"
	stderrors "errors"

	"github.com/CedrosPay/entitlements/internal/circuitbreaker"
	"github.com/CedrosPay/entitlements/internal/purchases"
)

// Guarded wraps a Repository with the billing circuit breaker. Only retryable
// failures count toward tripping; a user closing the purchase sheet never does.
type Guarded struct {
	next     Repository
	breakers *circuitbreaker.Manager
}

func NewGuarded(next Repository, breakers *circuitbreaker.Manager) *Guarded {
	return &Guarded{next: next, breakers: breakers}
}

func (g *Guarded) LaunchPurchaseFlow(ctx context.Context, productID string) (purchases.Transaction, error) {
	res, err := g.breakers.Execute(circuitbreaker.ServiceBilling, func() (interface{}, error) {
		return g.next.LaunchPurchaseFlow(ctx, productID)
	}, notTransient)
	if err != nil {
		return purchases.Transaction{}, openAsStoreProblem(err)
	}
	return res.(purchases.Transaction), nil
}

func (g *Guarded) RequestAllPurchaseHistory(ctx context.Context) ([]purchases.Transaction, error) {
	res, err := g.breakers.Execute(circuitbreaker.ServiceBilling, func() (interface{}, error) {
		return g.next.RequestAllPurchaseHistory(ctx)
	}, notTransient)
	if err != nil {
		return nil, openAsStoreProblem(err)
	}
	return res.([]purchases.Transaction), nil
}

func notTransient(err error) bool {
	pe := asPurchaseError(err)
	return pe != nil && !pe.CanRetry
}

func openAsStoreProblem(err error) error {
	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		return NewPurchaseError(CodeStoreProblem, "billing temporarily unavailable", err)
	}
	return err
}
