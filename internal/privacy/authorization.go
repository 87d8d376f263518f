package privacy

import (
	"context"

	"github.com/CedrosPay/entitlements/internal/auth"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/rs/zerolog"
)

// AuthorizationService limits history access and erasure to the record owner.
type AuthorizationService struct {
	logger zerolog.Logger
}

func NewAuthorizationService(logger zerolog.Logger) *AuthorizationService {
	return &AuthorizationService{logger: logger}
}

func (a *AuthorizationService) CanAccessPurchaseHistory(ctx context.Context, targetUserID string) bool {
	return a.owns(ctx, targetUserID, "history")
}

func (a *AuthorizationService) CanDeletePurchase(ctx context.Context, targetUserID, transactionID string) bool {
	if transactionID == "" {
		return false
	}
	return a.owns(ctx, targetUserID, "delete")
}

// CanDeleteAllPurchaseData gates full erasure.
func (a *AuthorizationService) CanDeleteAllPurchaseData(ctx context.Context, targetUserID string) bool {
	return a.owns(ctx, targetUserID, "erase")
}

func (a *AuthorizationService) owns(ctx context.Context, targetUserID, action string) bool {
	current, ok := auth.UserID(ctx)
	if !ok || targetUserID == "" || current != targetUserID {
		log := logger.FromContext(ctx, a.logger)
		log.Warn().
			Str("action", action).
			Bool("authenticated", ok).
			Msg("privacy.access_denied")
		return false
	}
	return true
}
