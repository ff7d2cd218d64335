/**
 * @description
 * Hourly revenue split between the payee, the agency, the referring affiliate and the
 * training partner. Pure computation over an injected rate table.
 */
package app

import (
	"errors"
	"fmt"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/shopspring/decimal"
)

var ErrNegativeHours = errors.New("hours must not be negative")

// RateConfig is the hourly rate table in dollars.
type RateConfig struct {
	PayeeRate           decimal.Decimal
	ClientStandardRate  decimal.Decimal
	ReferralDiscount    decimal.Decimal
	AffiliateRate       decimal.Decimal
	TrainingPartnerRate decimal.Decimal
}

// DefaultRateConfig returns the standard marketplace rate table.
func DefaultRateConfig() RateConfig {
	return RateConfig{
		PayeeRate:           decimal.RequireFromString("20.00"),
		ClientStandardRate:  decimal.RequireFromString("28.00"),
		ReferralDiscount:    decimal.RequireFromString("1.00"),
		AffiliateRate:       decimal.RequireFromString("1.00"),
		TrainingPartnerRate: decimal.RequireFromString("0.50"),
	}
}

// PartyShare is one party's hourly rate and its total for the session.
type PartyShare struct {
	Rate  decimal.Decimal `json:"rate"`
	Total decimal.Decimal `json:"total"`
}

// RateBreakdown is the full split for one unit of work.
type RateBreakdown struct {
	Hours              decimal.Decimal `json:"hours"`
	HasReferral        bool            `json:"has_referral"`
	HasTrainingPartner bool            `json:"has_training_partner"`
	Payee              PartyShare      `json:"payee"`
	Agency             PartyShare      `json:"agency"`
	Affiliate          PartyShare      `json:"affiliate"`
	Training           PartyShare      `json:"training"`
	Client             PartyShare      `json:"client"`
	VerificationTotal  decimal.Decimal `json:"verification_total"`
}

// Earnings converts the breakdown to stored cents.
func (b RateBreakdown) Earnings() domain.SessionEarnings {
	return domain.SessionEarnings{
		PayeeEarnings:       toCents(b.Payee.Total),
		PlatformCommission:  toCents(b.Agency.Total),
		AffiliateCommission: toCents(b.Affiliate.Total),
		TrainingCommission:  toCents(b.Training.Total),
		ClientTotal:         toCents(b.Client.Total),
	}
}

// RateEngine computes revenue splits.
type RateEngine struct {
	cfg RateConfig
}

// NewRateEngine validates that the agency keeps a non-negative share in every
// referral/training combination.
func NewRateEngine(cfg RateConfig) (*RateEngine, error) {
	engine := &RateEngine{cfg: cfg}
	for _, referral := range []bool{false, true} {
		for _, training := range []bool{false, true} {
			if engine.AgencyRate(referral, training).IsNegative() {
				return nil, fmt.Errorf("rate table leaves a negative agency rate (referral=%t, training=%t)", referral, training)
			}
		}
	}
	return engine, nil
}

// ClientRate is the hourly price charged to the client.
func (e *RateEngine) ClientRate(hasReferral bool) decimal.Decimal {
	if hasReferral {
		return e.cfg.ClientStandardRate.Sub(e.cfg.ReferralDiscount)
	}
	return e.cfg.ClientStandardRate
}

// AgencyRate is what remains of the client rate after the other parties are paid.
func (e *RateEngine) AgencyRate(hasReferral, hasTrainingPartner bool) decimal.Decimal {
	return e.ClientRate(hasReferral).
		Sub(e.cfg.PayeeRate).
		Sub(e.affiliateRate(hasReferral)).
		Sub(e.trainingRate(hasTrainingPartner))
}

func (e *RateEngine) affiliateRate(hasReferral bool) decimal.Decimal {
	if hasReferral {
		return e.cfg.AffiliateRate
	}
	return decimal.Zero
}

func (e *RateEngine) trainingRate(hasTrainingPartner bool) decimal.Decimal {
	if hasTrainingPartner {
		return e.cfg.TrainingPartnerRate
	}
	return decimal.Zero
}

// Calculate splits the client charge for the given hours. Every share except the agency's
// is rounded to the cent; the agency total is the remainder, so the shares always sum to
// the client total exactly.
func (e *RateEngine) Calculate(hours decimal.Decimal, hasReferral, hasTrainingPartner bool) (RateBreakdown, error) {
	if hours.IsNegative() {
		return RateBreakdown{}, ErrNegativeHours
	}

	clientRate := e.ClientRate(hasReferral)
	affiliateRate := e.affiliateRate(hasReferral)
	trainingRate := e.trainingRate(hasTrainingPartner)

	clientTotal := clientRate.Mul(hours).Round(2)
	payeeTotal := e.cfg.PayeeRate.Mul(hours).Round(2)
	affiliateTotal := affiliateRate.Mul(hours).Round(2)
	trainingTotal := trainingRate.Mul(hours).Round(2)
	agencyTotal := clientTotal.Sub(payeeTotal).Sub(affiliateTotal).Sub(trainingTotal)

	return RateBreakdown{
		Hours:              hours,
		HasReferral:        hasReferral,
		HasTrainingPartner: hasTrainingPartner,
		Payee:              PartyShare{Rate: e.cfg.PayeeRate, Total: payeeTotal},
		Agency:             PartyShare{Rate: e.AgencyRate(hasReferral, hasTrainingPartner), Total: agencyTotal},
		Affiliate:          PartyShare{Rate: affiliateRate, Total: affiliateTotal},
		Training:           PartyShare{Rate: trainingRate, Total: trainingTotal},
		Client:             PartyShare{Rate: clientRate, Total: clientTotal},
		VerificationTotal:  payeeTotal.Add(agencyTotal).Add(affiliateTotal).Add(trainingTotal),
	}, nil
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// formatCents renders cents as a dollar string for messages.
func formatCents(cents int64) string {
	return "$" + fromCents(cents).StringFixed(2)
}
