package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TemplateVersions pins the template version used for each message kind of a
// template name. An empty entry means the kind is not available for that
// template.
type TemplateVersions struct {
	Email string `json:"email,omitempty"`
	InApp string `json:"inApp,omitempty"`
}

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	AmqpURL     string `mapstructure:"AMQP_URL"`

	Timezone                   string   `mapstructure:"TIMEZONE"`
	NotificationDelayMinutes   int      `mapstructure:"NOTIFICATION_DELAY_MINUTES"`
	DeferralMoreThanDays       int      `mapstructure:"DEFERRAL_MORE_THAN_DAYS"`
	PogCutoffWeeks             int      `mapstructure:"POG_CUTOFF_WEEKS"`
	Pog12MonthCutoffMonths     int      `mapstructure:"POG_12_MONTH_CUTOFF_MONTHS"`
	WhitelistedPersonIDs       []string `mapstructure:"WHITELISTED_PERSON_IDS"`
	DummyRoles                 []string `mapstructure:"DUMMY_ROLES"`
	IncludedCurriculumSubtypes []string `mapstructure:"INCLUDED_CURRICULUM_SUBTYPES"`
	ExcludedSpecialties        []string `mapstructure:"EXCLUDED_SPECIALTIES"`
	TemplateVersionsJSON       string   `mapstructure:"TEMPLATE_VERSIONS"`

	BroadcastTopic          string `mapstructure:"BROADCAST_TOPIC"`
	BroadcastEventAttribute string `mapstructure:"BROADCAST_EVENT_ATTRIBUTE"`

	QueueProgramme           string `mapstructure:"QUEUE_PROGRAMME"`
	QueueProgrammeDeleted    string `mapstructure:"QUEUE_PROGRAMME_DELETED"`
	QueuePlacement           string `mapstructure:"QUEUE_PLACEMENT"`
	QueuePlacementDeleted    string `mapstructure:"QUEUE_PLACEMENT_DELETED"`
	QueuePlacementCorrection string `mapstructure:"QUEUE_PLACEMENT_CORRECTION"`
	QueueGmcUpdate           string `mapstructure:"QUEUE_GMC_UPDATE"`
	QueueGmcRejected         string `mapstructure:"QUEUE_GMC_REJECTED"`
	QueueLtftUpdated         string `mapstructure:"QUEUE_LTFT_UPDATED"`
	QueueLtftUpdatedTpd      string `mapstructure:"QUEUE_LTFT_UPDATED_TPD"`
	QueueCojSigned           string `mapstructure:"QUEUE_COJ_SIGNED"`
	QueueFormDeleted         string `mapstructure:"QUEUE_FORM_DELETED"`

	ProfileServiceURL     string `mapstructure:"PROFILE_SERVICE_URL"`
	IdentityServiceURL    string `mapstructure:"IDENTITY_SERVICE_URL"`
	ReferenceServiceURL   string `mapstructure:"REFERENCE_SERVICE_URL"`
	EligibilityServiceURL string `mapstructure:"ELIGIBILITY_SERVICE_URL"`
	TransportServiceURL   string `mapstructure:"TRANSPORT_SERVICE_URL"`

	WorkerConcurrency    int `mapstructure:"WORKER_CONCURRENCY"`
	PollIntervalSeconds  int `mapstructure:"POLL_INTERVAL_SECONDS"`
	LockTTLSeconds       int `mapstructure:"LOCK_TTL_SECONDS"`
	ShutdownGraceSeconds int `mapstructure:"SHUTDOWN_GRACE_SECONDS"`
	SPITimeoutSeconds    int `mapstructure:"SPI_TIMEOUT_SECONDS"`
	MaxDispatchAttempts  int `mapstructure:"MAX_DISPATCH_ATTEMPTS"`
	DayOfJitterHours     int `mapstructure:"DAY_OF_JITTER_HOURS"`

	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`

	// Parsed from TemplateVersionsJSON by Load.
	TemplateVersions map[string]TemplateVersions `mapstructure:"-"`
	// Parsed from Timezone by Load.
	Location *time.Location `mapstructure:"-"`
}

var boundKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "AMQP_URL",
	"TIMEZONE", "NOTIFICATION_DELAY_MINUTES", "DEFERRAL_MORE_THAN_DAYS",
	"POG_CUTOFF_WEEKS", "POG_12_MONTH_CUTOFF_MONTHS",
	"WHITELISTED_PERSON_IDS", "DUMMY_ROLES",
	"INCLUDED_CURRICULUM_SUBTYPES", "EXCLUDED_SPECIALTIES", "TEMPLATE_VERSIONS",
	"BROADCAST_TOPIC", "BROADCAST_EVENT_ATTRIBUTE",
	"QUEUE_PROGRAMME", "QUEUE_PROGRAMME_DELETED",
	"QUEUE_PLACEMENT", "QUEUE_PLACEMENT_DELETED", "QUEUE_PLACEMENT_CORRECTION",
	"QUEUE_GMC_UPDATE",
	"QUEUE_GMC_REJECTED", "QUEUE_LTFT_UPDATED", "QUEUE_LTFT_UPDATED_TPD",
	"QUEUE_COJ_SIGNED", "QUEUE_FORM_DELETED",
	"PROFILE_SERVICE_URL", "IDENTITY_SERVICE_URL", "REFERENCE_SERVICE_URL",
	"ELIGIBILITY_SERVICE_URL", "TRANSPORT_SERVICE_URL",
	"WORKER_CONCURRENCY", "POLL_INTERVAL_SECONDS", "LOCK_TTL_SECONDS",
	"SHUTDOWN_GRACE_SECONDS", "SPI_TIMEOUT_SECONDS", "MAX_DISPATCH_ATTEMPTS",
	"DAY_OF_JITTER_HOURS", "ADMIN_JWT_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8205")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("TIMEZONE", "Europe/London")
	v.SetDefault("NOTIFICATION_DELAY_MINUTES", 60)
	v.SetDefault("DEFERRAL_MORE_THAN_DAYS", 7)
	v.SetDefault("POG_CUTOFF_WEEKS", 12)
	v.SetDefault("POG_12_MONTH_CUTOFF_MONTHS", 6)
	v.SetDefault("INCLUDED_CURRICULUM_SUBTYPES", "MEDICAL_CURRICULUM")
	v.SetDefault("EXCLUDED_SPECIALTIES", "PUBLIC HEALTH MEDICINE,FOUNDATION")
	v.SetDefault("WORKER_CONCURRENCY", 8)
	v.SetDefault("POLL_INTERVAL_SECONDS", 5)
	v.SetDefault("LOCK_TTL_SECONDS", 300)
	v.SetDefault("SHUTDOWN_GRACE_SECONDS", 30)
	v.SetDefault("SPI_TIMEOUT_SECONDS", 10)
	v.SetDefault("MAX_DISPATCH_ATTEMPTS", 5)
	v.SetDefault("DAY_OF_JITTER_HOURS", 9)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range boundKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists arrive as single strings from the environment.
	if cfg.WhitelistedPersonIDs == nil {
		cfg.WhitelistedPersonIDs = splitList(v.GetString("WHITELISTED_PERSON_IDS"))
	}
	if cfg.DummyRoles == nil {
		cfg.DummyRoles = splitList(v.GetString("DUMMY_ROLES"))
	}
	if cfg.IncludedCurriculumSubtypes == nil {
		cfg.IncludedCurriculumSubtypes = splitList(v.GetString("INCLUDED_CURRICULUM_SUBTYPES"))
	}
	if cfg.ExcludedSpecialties == nil {
		cfg.ExcludedSpecialties = splitList(v.GetString("EXCLUDED_SPECIALTIES"))
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q is not a valid tz name: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	cfg.TemplateVersions = map[string]TemplateVersions{}
	if cfg.TemplateVersionsJSON != "" {
		if err := json.Unmarshal([]byte(cfg.TemplateVersionsJSON), &cfg.TemplateVersions); err != nil {
			return nil, fmt.Errorf("TEMPLATE_VERSIONS is not valid JSON: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// the admin API must be protected, and scheduling sanity bounds apply.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required when ENV is not development")
	}
	if c.NotificationDelayMinutes < 0 {
		return fmt.Errorf("NOTIFICATION_DELAY_MINUTES must not be negative")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.LockTTLSeconds < c.PollIntervalSeconds {
		return fmt.Errorf("LOCK_TTL_SECONDS must exceed POLL_INTERVAL_SECONDS")
	}
	return nil
}

// NotificationDelay is the minimum lead time before an "as soon as possible"
// notification actually fires.
func (c *Config) NotificationDelay() time.Duration {
	return time.Duration(c.NotificationDelayMinutes) * time.Minute
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func (c *Config) SPITimeout() time.Duration {
	return time.Duration(c.SPITimeoutSeconds) * time.Second
}

func (c *Config) DayOfJitter() time.Duration {
	return time.Duration(c.DayOfJitterHours) * time.Hour
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
