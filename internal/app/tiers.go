package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/shopspring/decimal"
)

// ReferralReader counts paid clients attributable to an affiliate.
type ReferralReader interface {
	CountPaidReferredClients(ctx context.Context, affiliateID string) (int, error)
}

// TierConfig holds the per-hour commission for each tier and the tier floors.
type TierConfig struct {
	SilverRate   decimal.Decimal
	GoldRate     decimal.Decimal
	PlatinumRate decimal.Decimal
	GoldMin      int
	PlatinumMin  int
}

// DefaultTierConfig returns Silver 1-5, Gold 6-10, Platinum 11+.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		SilverRate:   decimal.RequireFromString("1.00"),
		GoldRate:     decimal.RequireFromString("1.50"),
		PlatinumRate: decimal.RequireFromString("2.00"),
		GoldMin:      6,
		PlatinumMin:  11,
	}
}

// TierEngine resolves an affiliate's commission tier from paid-client counts.
type TierEngine struct {
	referrals ReferralReader
	cfg       TierConfig
}

// NewTierEngine rejects tables whose rates or floors decrease.
func NewTierEngine(referrals ReferralReader, cfg TierConfig) (*TierEngine, error) {
	if cfg.GoldRate.LessThan(cfg.SilverRate) || cfg.PlatinumRate.LessThan(cfg.GoldRate) {
		return nil, fmt.Errorf("tier rates must be non-decreasing")
	}
	if cfg.GoldMin < 2 || cfg.PlatinumMin <= cfg.GoldMin {
		return nil, fmt.Errorf("tier floors must increase: gold=%d platinum=%d", cfg.GoldMin, cfg.PlatinumMin)
	}
	return &TierEngine{referrals: referrals, cfg: cfg}, nil
}

// ResolveTier maps an active client count to a tier. No commission accrues until the
// first paid client, so zero clients is Silver at a zero rate.
func ResolveTier(activeClients int, cfg TierConfig) domain.ReferralTier {
	tier := domain.ReferralTier{ActiveClientCount: activeClients}
	switch {
	case activeClients >= cfg.PlatinumMin:
		tier.Tier, tier.RatePerHour = "platinum", cfg.PlatinumRate
	case activeClients >= cfg.GoldMin:
		tier.Tier, tier.RatePerHour = "gold", cfg.GoldRate
	case activeClients >= 1:
		tier.Tier, tier.RatePerHour = "silver", cfg.SilverRate
	default:
		tier.Tier, tier.RatePerHour = "silver", decimal.Zero
	}
	tier.Label = strings.ToUpper(tier.Tier[:1]) + tier.Tier[1:]
	return tier
}

// TierForAffiliate recomputes the tier from current paid-client data.
func (e *TierEngine) TierForAffiliate(ctx context.Context, affiliateID string) (domain.ReferralTier, error) {
	count, err := e.referrals.CountPaidReferredClients(ctx, affiliateID)
	if err != nil {
		return domain.ReferralTier{}, fmt.Errorf("count paid referred clients for %s: %w", affiliateID, err)
	}
	tier := ResolveTier(count, e.cfg)
	tier.AffiliateID = affiliateID
	return tier, nil
}
