/**
 * @description
 * This file handles configuration management for the payout service.
 * Settings come from environment variables (optionally a .env file loaded in main),
 * with defaults for rates, thresholds and cron schedules.
 */
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the payout service. Money amounts ending in _CENTS
// are integer cents; rates are decimal dollars per hour.
type Config struct {
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	ServerPort     string `mapstructure:"SERVER_PORT"`
	RunMigrations  bool   `mapstructure:"RUN_MIGRATIONS"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
	AdminJWTIssuer string `mapstructure:"ADMIN_JWT_ISSUER"`

	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	SessionEventsQueue string `mapstructure:"SESSION_EVENTS_QUEUE"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string `mapstructure:"REDIS_KEY_PREFIX"`

	GatewayBaseURL             string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey              string `mapstructure:"GATEWAY_API_KEY"`
	GatewayTimeoutSeconds      int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	GatewayWebhookSecret       string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	VerifyGatewayAccountStatus bool   `mapstructure:"VERIFY_GATEWAY_ACCOUNT_STATUS"`

	PayoutCurrency      string          `mapstructure:"PAYOUT_CURRENCY"`
	PayeeRate           decimal.Decimal `mapstructure:"PAYEE_RATE"`
	ClientStandardRate  decimal.Decimal `mapstructure:"CLIENT_STANDARD_RATE"`
	ReferralDiscount    decimal.Decimal `mapstructure:"REFERRAL_DISCOUNT"`
	AffiliateRate       decimal.Decimal `mapstructure:"AFFILIATE_RATE"`
	TrainingPartnerRate decimal.Decimal `mapstructure:"TRAINING_PARTNER_RATE"`
	TierSilverRate      decimal.Decimal `mapstructure:"TIER_SILVER_RATE"`
	TierGoldRate        decimal.Decimal `mapstructure:"TIER_GOLD_RATE"`
	TierPlatinumRate    decimal.Decimal `mapstructure:"TIER_PLATINUM_RATE"`

	ComplianceCacheHours                 int             `mapstructure:"COMPLIANCE_CACHE_HOURS"`
	ComplianceLookbackWeeks              int             `mapstructure:"COMPLIANCE_LOOKBACK_WEEKS"`
	ComplianceMaxWeeklyHours             decimal.Decimal `mapstructure:"COMPLIANCE_MAX_WEEKLY_HOURS"`
	ComplianceSingleClientMaxWeeklyHours decimal.Decimal `mapstructure:"COMPLIANCE_SINGLE_CLIENT_MAX_WEEKLY_HOURS"`
	CaregiverCertifications              []string        `mapstructure:"CAREGIVER_CERTIFICATIONS"`

	PayoutMaxAmountCents       int64 `mapstructure:"PAYOUT_MAX_AMOUNT_CENTS"`
	PayoutMinAmountCents       int64 `mapstructure:"PAYOUT_MIN_AMOUNT_CENTS"`
	PayoutAutoApproveCents     int64 `mapstructure:"PAYOUT_AUTO_APPROVE_CENTS"`
	PayoutRequireTaxForm       bool  `mapstructure:"PAYOUT_REQUIRE_TAX_FORM"`
	PayoutMonthlyDay           int   `mapstructure:"PAYOUT_MONTHLY_DAY"`
	PayoutAttemptLimit         int   `mapstructure:"PAYOUT_ATTEMPT_LIMIT"`
	PayoutAttemptWindowMinutes int   `mapstructure:"PAYOUT_ATTEMPT_WINDOW_MINUTES"`

	WebhookMaxRetries            int `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookRetryBaseDelaySeconds int `mapstructure:"WEBHOOK_RETRY_BASE_DELAY_SECONDS"`
	WebhookRetryBatchSize        int `mapstructure:"WEBHOOK_RETRY_BATCH_SIZE"`
	WebhookRetryClaimLeaseSecs   int `mapstructure:"WEBHOOK_RETRY_CLAIM_LEASE_SECONDS"`

	WeeklyPayoutSchedule   string `mapstructure:"WEEKLY_PAYOUT_SCHEDULE"`
	BiweeklyPayoutSchedule string `mapstructure:"BIWEEKLY_PAYOUT_SCHEDULE"`
	MonthlyPayoutSchedule  string `mapstructure:"MONTHLY_PAYOUT_SCHEDULE"`
	ComplianceJobSchedule  string `mapstructure:"COMPLIANCE_JOB_SCHEDULE"`
	WebhookRetrySchedule   string `mapstructure:"WEBHOOK_RETRY_SCHEDULE"`
}

var defaults = map[string]any{
	"SERVER_PORT":          "8086",
	"RUN_MIGRATIONS":       true,
	"SESSION_EVENTS_QUEUE": "payout_service.session_events",
	"REDIS_KEY_PREFIX":     "payout:counter",

	"GATEWAY_TIMEOUT_SECONDS":       30,
	"VERIFY_GATEWAY_ACCOUNT_STATUS": false,

	"PAYOUT_CURRENCY":       "usd",
	"PAYEE_RATE":            "20.00",
	"CLIENT_STANDARD_RATE":  "28.00",
	"REFERRAL_DISCOUNT":     "1.00",
	"AFFILIATE_RATE":        "1.00",
	"TRAINING_PARTNER_RATE": "0.50",
	"TIER_SILVER_RATE":      "1.00",
	"TIER_GOLD_RATE":        "1.50",
	"TIER_PLATINUM_RATE":    "2.00",

	"COMPLIANCE_CACHE_HOURS":                    168,
	"COMPLIANCE_LOOKBACK_WEEKS":                 12,
	"COMPLIANCE_MAX_WEEKLY_HOURS":               "35",
	"COMPLIANCE_SINGLE_CLIENT_MAX_WEEKLY_HOURS": "20",
	"CAREGIVER_CERTIFICATIONS":                  "cna,hha,lpn,rn",

	"PAYOUT_MAX_AMOUNT_CENTS":       5000000, // $50,000.00 hard ceiling
	"PAYOUT_MIN_AMOUNT_CENTS":       2500,    // $25.00
	"PAYOUT_AUTO_APPROVE_CENTS":     500000,  // $5,000.00
	"PAYOUT_REQUIRE_TAX_FORM":       true,
	"PAYOUT_MONTHLY_DAY":            1,
	"PAYOUT_ATTEMPT_LIMIT":          3,
	"PAYOUT_ATTEMPT_WINDOW_MINUTES": 60,

	"WEBHOOK_MAX_RETRIES":               5,
	"WEBHOOK_RETRY_BASE_DELAY_SECONDS":  60,
	"WEBHOOK_RETRY_BATCH_SIZE":          50,
	"WEBHOOK_RETRY_CLAIM_LEASE_SECONDS": 300,

	"WEEKLY_PAYOUT_SCHEDULE":   "0 6 * * *",  // Daily at 06:00; due contractors are filtered by payout day.
	"BIWEEKLY_PAYOUT_SCHEDULE": "15 6 * * *", // Daily at 06:15.
	"MONTHLY_PAYOUT_SCHEDULE":  "30 6 * * *", // Daily at 06:30; only the configured day of month pays.
	"COMPLIANCE_JOB_SCHEDULE":  "0 2 * * *",  // Nightly at 02:00.
	"WEBHOOK_RETRY_SCHEDULE":   "* * * * *",  // Every minute.
}

var requiredOnlyKeys = []string{
	"DATABASE_URL",
	"INTERNAL_API_KEY",
	"ADMIN_JWT_SECRET",
	"ADMIN_JWT_ISSUER",
	"RABBITMQ_URL",
	"REDIS_URL",
	"GATEWAY_BASE_URL",
	"GATEWAY_API_KEY",
	"GATEWAY_WEBHOOK_SECRET",
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	for key, value := range defaults {
		viper.SetDefault(key, value)
		_ = viper.BindEnv(key)
	}
	for _, key := range requiredOnlyKeys {
		_ = viper.BindEnv(key)
	}
	viper.AutomaticEnv()

	var config Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&config, hook); err != nil {
		return nil, err
	}

	for i, cert := range config.CaregiverCertifications {
		config.CaregiverCertifications[i] = strings.ToLower(strings.TrimSpace(cert))
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.WebhookMaxRetries <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be positive, got %d", c.WebhookMaxRetries)
	}
	if c.PayoutMonthlyDay < 1 || c.PayoutMonthlyDay > 28 {
		return fmt.Errorf("PAYOUT_MONTHLY_DAY must be between 1 and 28, got %d", c.PayoutMonthlyDay)
	}
	if c.TierGoldRate.LessThan(c.TierSilverRate) || c.TierPlatinumRate.LessThan(c.TierGoldRate) {
		return errors.New("tier rates must be non-decreasing from TIER_SILVER_RATE to TIER_PLATINUM_RATE")
	}
	if c.PayoutMinAmountCents <= 0 || c.PayoutMaxAmountCents <= c.PayoutMinAmountCents {
		return errors.New("PAYOUT_MAX_AMOUNT_CENTS must exceed a positive PAYOUT_MIN_AMOUNT_CENTS")
	}
	return nil
}
