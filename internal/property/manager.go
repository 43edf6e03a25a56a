// Package property manages the tracking and reporting property bindings,
// their data streams, Measurement Protocol secrets and custom dimensions.
package property

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"analytify/internal/api"
	"analytify/internal/cache"
	"analytify/internal/config"
	"analytify/internal/logging"
	"analytify/internal/store"
)

// Persisted keys
const (
	TrackingKey  = "analytify_tracking_property_info"
	ReportingKey = "analytify_reporting_property_info"
	StreamsKey   = "analytify-ga4-streams"
	SecretsKey   = "analytify_mp_secrets"

	StreamNamePrefix = "Analytify - "
	SecretNamePrefix = "Analytify MP Secret - "
)

// Mode selects which binding an operation works on
type Mode string

const (
	Tracking  Mode = "tracking"
	Reporting Mode = "reporting"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case Tracking:
		return Tracking, nil
	case Reporting:
		return Reporting, nil
	}
	return "", fmt.Errorf("invalid mode %q (want tracking or reporting)", s)
}

func (m Mode) key() string {
	if m == Tracking {
		return TrackingKey
	}
	return ReportingKey
}

// Admin is the subset of the Admin API the manager needs
type Admin interface {
	ListDataStreams(ctx context.Context, propertyID string) ([]config.Stream, error)
	CreateWebDataStream(ctx context.Context, propertyID, displayName, uri string) (config.Stream, error)
	ListMeasurementSecrets(ctx context.Context, streamName string) ([]api.MeasurementSecret, error)
	CreateMeasurementSecret(ctx context.Context, streamName, displayName string) (api.MeasurementSecret, error)
	ListCustomDimensions(ctx context.Context, propertyID string) ([]config.CustomDimension, error)
	CreateMissingDimensions(ctx context.Context, propertyID string, existing []config.CustomDimension) api.DimensionSync
}

// Manager owns the property bindings
type Manager struct {
	admin     Admin
	store     store.Store
	cache     *cache.Cache
	siteURL   string
	streamTTL time.Duration
	logger    *slog.Logger
}

// NewManager creates a property manager. siteURL names auto-created streams;
// stream lists are cached for streamTTL (cache.StreamTTL when <= 0).
func NewManager(admin Admin, s store.Store, c *cache.Cache, siteURL string, streamTTL time.Duration, logger *slog.Logger) *Manager {
	if streamTTL <= 0 {
		streamTTL = cache.StreamTTL
	}
	return &Manager{
		admin:     admin,
		store:     s,
		cache:     c,
		siteURL:   strings.TrimRight(siteURL, "/"),
		streamTTL: streamTTL,
		logger:    logging.OrDefault(logger),
	}
}

// StreamDisplayName is the display name of the stream created for the site
func (m *Manager) StreamDisplayName() string {
	return StreamNamePrefix + m.siteURL
}

func streamCacheKey(propertyID string) string {
	return "streams_" + propertyID
}

// Streams lists the web streams of a property, cached for the stream TTL.
// refresh bypasses the cached list.
func (m *Manager) Streams(ctx context.Context, propertyID string, refresh bool) ([]config.Stream, error) {
	if refresh {
		if err := m.cache.Delete(ctx, streamCacheKey(propertyID)); err != nil {
			m.logger.Warn("failed to drop cached streams", "property_id", propertyID, "error", err)
		}
	}

	streams, err := cache.GetOrFetch(ctx, m.cache, streamCacheKey(propertyID), m.streamTTL, func(ctx context.Context) ([]config.Stream, error) {
		return m.admin.ListDataStreams(ctx, propertyID)
	})
	if err != nil {
		return nil, err
	}
	m.rememberStreams(ctx, propertyID, streams)
	return streams, nil
}

// KnownStreams returns the persisted property id → streams map
func (m *Manager) KnownStreams(ctx context.Context) (map[string][]config.Stream, error) {
	known := map[string][]config.Stream{}
	if _, err := m.store.Get(ctx, StreamsKey, &known); err != nil {
		return nil, err
	}
	return known, nil
}

func (m *Manager) rememberStreams(ctx context.Context, propertyID string, streams []config.Stream) {
	known, err := m.KnownStreams(ctx)
	if err != nil {
		known = map[string][]config.Stream{}
	}
	known[propertyID] = streams
	if err := m.store.Set(ctx, StreamsKey, known, 0); err != nil {
		m.logger.Warn("failed to persist streams", "property_id", propertyID, "error", err)
	}
}

// SetupStream binds mode to the site's stream on propertyID, reusing the
// stream named StreamDisplayName when it exists and creating it otherwise.
func (m *Manager) SetupStream(ctx context.Context, mode Mode, propertyID string) (config.PropertyBinding, error) {
	if m.siteURL == "" {
		return config.PropertyBinding{}, &api.Error{Kind: api.KindNotConfigured, Op: "property.setup_stream", Message: "site.url is not set"}
	}

	streams, err := m.Streams(ctx, propertyID, true)
	if err != nil {
		return config.PropertyBinding{}, err
	}

	name := m.StreamDisplayName()
	stream, found := findStream(streams, func(s config.Stream) bool { return s.DisplayName == name })
	if found {
		m.logger.Info("reusing data stream", "property_id", propertyID, "stream", stream.Name)
	} else {
		stream, err = m.admin.CreateWebDataStream(ctx, propertyID, name, m.siteURL)
		if err != nil {
			return config.PropertyBinding{}, err
		}
		m.logger.Info("created data stream", "property_id", propertyID, "stream", stream.Name, "measurement_id", stream.MeasurementID)
		m.rememberStreams(ctx, propertyID, append(streams, stream))
		if err := m.cache.Delete(ctx, streamCacheKey(propertyID)); err != nil {
			m.logger.Warn("failed to drop cached streams", "property_id", propertyID, "error", err)
		}
	}

	return m.bind(ctx, mode, propertyID, stream)
}

// SelectStream binds mode to an existing stream picked by measurement id
func (m *Manager) SelectStream(ctx context.Context, mode Mode, propertyID, measurementID string) (config.PropertyBinding, error) {
	streams, err := m.Streams(ctx, propertyID, false)
	if err != nil {
		return config.PropertyBinding{}, err
	}

	stream, found := findStream(streams, func(s config.Stream) bool { return s.MeasurementID == measurementID })
	if !found {
		return config.PropertyBinding{}, &api.Error{
			Kind:    api.KindNotFound,
			Op:      "property.select_stream",
			Message: fmt.Sprintf("no stream with measurement id %s on property %s", measurementID, propertyID),
		}
	}
	return m.bind(ctx, mode, propertyID, stream)
}

func (m *Manager) bind(ctx context.Context, mode Mode, propertyID string, stream config.Stream) (config.PropertyBinding, error) {
	binding := config.PropertyBinding{
		PropertyID:    propertyID,
		FullName:      stream.Name,
		MeasurementID: stream.MeasurementID,
		URL:           stream.DefaultURI,
	}
	if err := m.store.Set(ctx, mode.key(), binding, 0); err != nil {
		return config.PropertyBinding{}, fmt.Errorf("failed to save %s binding: %w", mode, err)
	}
	return binding, nil
}

// Binding returns the stored binding for mode
func (m *Manager) Binding(ctx context.Context, mode Mode) (config.PropertyBinding, bool, error) {
	var binding config.PropertyBinding
	found, err := m.store.Get(ctx, mode.key(), &binding)
	if err != nil {
		return config.PropertyBinding{}, false, err
	}
	return binding, found && !binding.IsZero(), nil
}

// ReportingPropertyID returns the property the dashboard reports run against
func (m *Manager) ReportingPropertyID(ctx context.Context) (string, error) {
	binding, found, err := m.Binding(ctx, Reporting)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &api.Error{Kind: api.KindNotConfigured, Op: "property.reporting", Message: "no reporting property selected"}
	}
	return binding.PropertyID, nil
}

// MPSecret returns the Measurement Protocol secret of the tracking stream.
// The first existing secret is reused; one is created only when none exist.
func (m *Manager) MPSecret(ctx context.Context) (string, error) {
	binding, found, err := m.Binding(ctx, Tracking)
	if err != nil {
		return "", err
	}
	if !found || binding.FullName == "" {
		return "", &api.Error{Kind: api.KindNotConfigured, Op: "property.mp_secret", Message: "no tracking stream selected"}
	}

	secrets := map[string]string{}
	if _, err := m.store.Get(ctx, SecretsKey, &secrets); err != nil {
		return "", err
	}
	if secret, ok := secrets[binding.FullName]; ok && secret != "" {
		return secret, nil
	}

	existing, err := m.admin.ListMeasurementSecrets(ctx, binding.FullName)
	if err != nil {
		return "", err
	}

	var secret string
	if len(existing) > 0 && existing[0].SecretValue != "" {
		secret = existing[0].SecretValue
	} else {
		created, err := m.admin.CreateMeasurementSecret(ctx, binding.FullName, SecretNamePrefix+binding.MeasurementID)
		if err != nil {
			return "", err
		}
		m.logger.Info("created measurement protocol secret", "stream", binding.FullName)
		secret = created.SecretValue
	}

	secrets[binding.FullName] = secret
	if err := m.store.Set(ctx, SecretsKey, secrets, 0); err != nil {
		return "", fmt.Errorf("failed to save measurement protocol secret: %w", err)
	}
	return secret, nil
}

// EnsureDimensions registers the required custom dimensions on propertyID
func (m *Manager) EnsureDimensions(ctx context.Context, propertyID string) (api.DimensionSync, error) {
	existing, err := m.admin.ListCustomDimensions(ctx, propertyID)
	if err != nil {
		return api.DimensionSync{}, err
	}
	sync := m.admin.CreateMissingDimensions(ctx, propertyID, existing)
	m.logger.Info("custom dimensions synced",
		"property_id", propertyID,
		"created", len(sync.Created),
		"existed", len(sync.Existed),
		"skipped", len(sync.Skipped),
		"failed", len(sync.Failed))
	return sync, nil
}

func findStream(streams []config.Stream, match func(config.Stream) bool) (config.Stream, bool) {
	for _, s := range streams {
		if match(s) {
			return s, true
		}
	}
	return config.Stream{}, false
}
