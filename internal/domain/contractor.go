/**
 * @description
 * Contractor directory models consumed by the payout engine.
 */
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of payee kinds the marketplace pays out to.
type Role string

const (
	RoleCaregiver          Role = "caregiver"
	RoleHousekeeper        Role = "housekeeper"
	RoleMarketingAffiliate Role = "marketing_affiliate"
	RoleTrainingPartner    Role = "training_partner"
)

// Roles lists every Role. Lookup tables keyed on Role are checked against it in tests.
var Roles = []Role{RoleCaregiver, RoleHousekeeper, RoleMarketingAffiliate, RoleTrainingPartner}

// ParseRole validates a stored role value.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Roles {
		if role == known {
			return role, nil
		}
	}
	return "", fmt.Errorf("unknown contractor role %q", raw)
}

// PayoutKind returns which earnings column family pays this role.
func (r Role) PayoutKind() PayoutKind {
	switch r {
	case RoleMarketingAffiliate:
		return PayoutKindAffiliateCommission
	case RoleTrainingPartner:
		return PayoutKindTrainingCommission
	default:
		return PayoutKindSessionEarnings
	}
}

// EarnsFromSessions reports whether the role is paid from its own work sessions.
func (r Role) EarnsFromSessions() bool {
	return r.PayoutKind() == PayoutKindSessionEarnings
}

// ContractorStatus is the account state owned by account management.
type ContractorStatus string

const (
	ContractorStatusActive    ContractorStatus = "active"
	ContractorStatusSuspended ContractorStatus = "suspended"
	ContractorStatusLocked    ContractorStatus = "locked"
)

// Cadence is a contractor's payout frequency preference.
type Cadence string

const (
	CadenceWeekly   Cadence = "weekly"
	CadenceBiweekly Cadence = "biweekly"
	CadenceMonthly  Cadence = "monthly"
)

// ParseCadence validates a cadence from a route or stored preference.
func ParseCadence(raw string) (Cadence, error) {
	switch c := Cadence(strings.ToLower(strings.TrimSpace(raw))); c {
	case CadenceWeekly, CadenceBiweekly, CadenceMonthly:
		return c, nil
	default:
		return "", fmt.Errorf("unknown payout cadence %q", raw)
	}
}

// BackgroundCheckCompleted is the only background-check status that clears compliance.
const BackgroundCheckCompleted = "completed"

// Contractor is a payee as read from the contractor directory.
type Contractor struct {
	ID                    string           `json:"id"`
	Role                  Role             `json:"role"`
	Name                  string           `json:"name"`
	Email                 string           `json:"email"`
	PayoutAccountID       *string          `json:"payout_account_id,omitempty"`
	PayoutCadence         Cadence          `json:"payout_cadence"`
	PayoutDay             time.Weekday     `json:"payout_day"`
	Status                ContractorStatus `json:"status"`
	TaxFormSubmitted      bool             `json:"tax_form_submitted"`
	TaxFormVerified       bool             `json:"tax_form_verified"`
	BackgroundCheckStatus string           `json:"background_check_status"`
	Certifications        []string         `json:"certifications"`
	CreatedAt             time.Time        `json:"created_at"`
}

// HasPayoutAccount reports whether an external gateway account is connected.
func (c Contractor) HasPayoutAccount() bool {
	return c.PayoutAccountID != nil && strings.TrimSpace(*c.PayoutAccountID) != ""
}

// PayoutSchedule is the answer to "when and how much is this contractor paid next".
type PayoutSchedule struct {
	ContractorID    string       `json:"contractor_id"`
	Role            Role         `json:"role"`
	Cadence         Cadence      `json:"cadence"`
	PayoutDay       time.Weekday `json:"payout_day"`
	NextPayoutDate  *time.Time   `json:"next_payout_date,omitempty"`
	PendingAmount   int64        `json:"pending_amount"`
	PendingSessions int          `json:"pending_sessions"`
	MinimumPayout   int64        `json:"minimum_payout"`
	MeetsMinimum    bool         `json:"meets_minimum"`
	AccountReady    bool         `json:"account_ready"`
}
