package gating

import (
	"context"

	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/storage"
)

// Tier is the user's subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// TierProvider resolves the current subscription tier. Errors are treated as free.
type TierProvider func(ctx context.Context) (Tier, error)

// FreeTier always reports the free tier.
func FreeTier(context.Context) (Tier, error) { return TierFree, nil }

// SubscriptionTier reports premium when a synced, verified purchase of any of the
// subscription products exists in the store.
func SubscriptionTier(store storage.Store, productIDs []string) TierProvider {
	return func(ctx context.Context) (Tier, error) {
		for _, id := range productIDs {
			rows, err := store.Select(ctx, storage.Filter{
				ProductID:  id,
				IsVerified: storage.Bool(true),
				IsSynced:   storage.Bool(true),
			})
			if err != nil {
				return TierFree, err
			}
			for _, r := range rows {
				if purchases.ValidPurchase(r) {
					return TierPremium, nil
				}
			}
		}
		return TierFree, nil
	}
}
