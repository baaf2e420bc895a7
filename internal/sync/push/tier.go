package push

import (
	"context"

	"github.com/kimhsiao/stocksync/backend/internal/models"
)

// TierPolicy resolves an owner's subscription tier.
type TierPolicy interface {
	Tier(ctx context.Context, owner string) (models.AccountTier, error)
}

// StaticTierPolicy reports the same tier for every owner.
type StaticTierPolicy models.AccountTier

// Tier implements TierPolicy.
func (p StaticTierPolicy) Tier(context.Context, string) (models.AccountTier, error) {
	return models.AccountTier(p), nil
}
