package config

import (
	"strings"
	"time"
)

// AppConfig holds global application configuration
type AppConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`         // Google OAuth client ID
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"` // Google OAuth client secret
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url,omitempty"`

	Site     SiteConfig     `mapstructure:"site" yaml:"site"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Email    EmailConfig    `mapstructure:"email" yaml:"email"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Throttle ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`

	CreatedAt time.Time `mapstructure:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `mapstructure:"updated_at" yaml:"updated_at"`
}

// SiteConfig identifies the site being tracked. The URL is part of the
// display name of auto-created data streams.
type SiteConfig struct {
	URL  string `mapstructure:"url" yaml:"url"`
	Name string `mapstructure:"name" yaml:"name"`
}

// StorageConfig points at the embedded option/transient database
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"` // empty = ~/.analytify/analytify.db
}

// LoggingConfig configures the slog handler
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// CacheConfig holds the TTLs used by the report cache
type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	StreamTTL  time.Duration `mapstructure:"stream_ttl" yaml:"stream_ttl"`
	ReportTTL  time.Duration `mapstructure:"report_ttl" yaml:"report_ttl"`
}

// APIConfig holds Google endpoint overrides and client pacing
type APIConfig struct {
	AdminBaseURL      string  `mapstructure:"admin_base_url" yaml:"admin_base_url,omitempty"`
	DataBaseURL       string  `mapstructure:"data_base_url" yaml:"data_base_url,omitempty"`
	TokenURL          string  `mapstructure:"token_url" yaml:"token_url,omitempty"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	MaxPages          int     `mapstructure:"max_pages" yaml:"max_pages"`
}

// EmailConfig holds the scheduled summary and failure notification settings
type EmailConfig struct {
	Disabled           bool       `mapstructure:"disabled" yaml:"disabled"`
	FromName           string     `mapstructure:"from_name" yaml:"from_name"`
	FromEmail          string     `mapstructure:"from_email" yaml:"from_email"`
	SendGridAPIKey     string     `mapstructure:"sendgrid_api_key" yaml:"sendgrid_api_key,omitempty"`
	WeekDay            string     `mapstructure:"week_day" yaml:"week_day"`   // e.g. "Monday"
	MonthDay           int        `mapstructure:"month_day" yaml:"month_day"` // 1-31, clamped to the last day
	Recipients         Recipients `mapstructure:"recipients" yaml:"recipients,omitempty"`
	NotifyTokenFailure bool       `mapstructure:"notify_token_failure" yaml:"notify_token_failure"`
	AdminEmail         string     `mapstructure:"admin_email" yaml:"admin_email,omitempty"`
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	AdminKey string `mapstructure:"admin_key" yaml:"admin_key,omitempty"`
}

// ThrottleConfig bounds repeated error logging
type ThrottleConfig struct {
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// Recipient is a single email report recipient
type Recipient struct {
	Name  string `mapstructure:"name" yaml:"name,omitempty" json:"name,omitempty"`
	Email string `mapstructure:"email" yaml:"email" json:"email"`
}

// Recipients is a normalized recipient list
type Recipients []Recipient

// ParseRecipients normalizes a comma-separated address list. Entries may be
// bare addresses or "Name <address>".
func ParseRecipients(raw string) Recipients {
	out := Recipients{}
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		r := Recipient{Email: part}
		if open := strings.Index(part, "<"); open >= 0 && strings.HasSuffix(part, ">") {
			r.Name = strings.TrimSpace(part[:open])
			r.Email = strings.TrimSpace(part[open+1 : len(part)-1])
		}
		if r.Email == "" || seen[strings.ToLower(r.Email)] {
			continue
		}
		seen[strings.ToLower(r.Email)] = true
		out = append(out, r)
	}
	return out
}

// Normalize drops entries without an address and duplicate addresses
func (rs Recipients) Normalize() Recipients {
	out := Recipients{}
	seen := make(map[string]bool)
	for _, r := range rs {
		r.Email = strings.TrimSpace(r.Email)
		r.Name = strings.TrimSpace(r.Name)
		key := strings.ToLower(r.Email)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// Account represents a GA4 account
type Account struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"` // "accounts/71671299"
	DisplayName string     `json:"display_name" yaml:"display_name"`
	RegionCode  string     `json:"region_code" yaml:"region_code"`
	CreateTime  time.Time  `json:"create_time" yaml:"create_time"`
	Properties  []Property `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Property represents a GA4 property
type Property struct {
	ID               string    `json:"id" yaml:"id"`     // e.g., "263883430"
	Name             string    `json:"name" yaml:"name"` // e.g., "properties/263883430"
	DisplayName      string    `json:"display_name" yaml:"display_name"`
	Parent           string    `json:"parent" yaml:"parent"`
	IndustryCategory string    `json:"industry_category" yaml:"industry_category"`
	TimeZone         string    `json:"time_zone" yaml:"time_zone"`         // e.g., "America/Los_Angeles"
	CurrencyCode     string    `json:"currency_code" yaml:"currency_code"` // e.g., "USD"
	CreateTime       time.Time `json:"create_time" yaml:"create_time"`
}

// Stream represents a GA4 web data stream
type Stream struct {
	Name          string `json:"name"` // "properties/123/dataStreams/456"
	DisplayName   string `json:"display_name"`
	Type          string `json:"type"`
	MeasurementID string `json:"measurement_id"`
	DefaultURI    string `json:"default_uri"`
}

// CustomDimension represents a GA4 custom dimension definition
type CustomDimension struct {
	Name          string `json:"name,omitempty"`
	ParameterName string `json:"parameterName"`
	DisplayName   string `json:"displayName"`
	Description   string `json:"description,omitempty"`
	Scope         string `json:"scope"` // EVENT, USER, ITEM
}

// PropertyBinding ties a tracking mode to a property and one of its streams
type PropertyBinding struct {
	PropertyID    string `json:"property_id"`
	FullName      string `json:"full_name"`
	MeasurementID string `json:"measurement_id"`
	URL           string `json:"url"`
}

// IsZero reports whether the binding points at anything
func (b PropertyBinding) IsZero() bool {
	return b.PropertyID == ""
}
