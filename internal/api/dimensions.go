package api

import (
	"context"
	"strings"

	"analytify/internal/config"
)

// RequiredDimensions are the event-scoped custom dimensions the tracking
// code sends. Each is registered on the property once.
var RequiredDimensions = []config.CustomDimension{
	{ParameterName: "wpa_author", DisplayName: "WPA Author", Scope: "EVENT"},
	{ParameterName: "wpa_post_type", DisplayName: "WPA Post Type", Scope: "EVENT"},
	{ParameterName: "wpa_published_at", DisplayName: "WPA Published At", Scope: "EVENT"},
	{ParameterName: "wpa_category", DisplayName: "WPA Category", Scope: "EVENT"},
	{ParameterName: "wpa_tags", DisplayName: "WPA Tags", Scope: "EVENT"},
	{ParameterName: "wpa_user_id", DisplayName: "WPA User ID", Scope: "EVENT"},
	{ParameterName: "wpa_logged_in", DisplayName: "WPA Logged In", Scope: "EVENT"},
	{ParameterName: "wpa_seo_score", DisplayName: "WPA SEO Score", Scope: "EVENT"},
	{ParameterName: "wpa_focus_keyword", DisplayName: "WPA Focus Keyword", Scope: "EVENT"},
	{ParameterName: "wpa_link_label", DisplayName: "WPA Link Label", Scope: "EVENT"},
}

// DimensionSync is the outcome of CreateMissingDimensions, by parameter name
type DimensionSync struct {
	Created []string `json:"created"`
	Existed []string `json:"existed"`
	Skipped []string `json:"skipped"` // provider resource limit reached
	Failed  []string `json:"failed"`
}

// CreateMissingDimensions creates the required dimensions whose parameter
// name is not in existing. A resource-limit error skips that one dimension;
// any other failure is recorded and the batch continues.
func (c *AdminClient) CreateMissingDimensions(ctx context.Context, propertyID string, existing []config.CustomDimension) DimensionSync {
	result := DimensionSync{Created: []string{}, Existed: []string{}, Skipped: []string{}, Failed: []string{}}

	have := make(map[string]bool, len(existing))
	for _, dim := range existing {
		have[strings.ToLower(dim.ParameterName)] = true
	}

	for _, want := range RequiredDimensions {
		if have[strings.ToLower(want.ParameterName)] {
			result.Existed = append(result.Existed, want.ParameterName)
			continue
		}

		if _, err := c.CreateCustomDimension(ctx, propertyID, want); err != nil {
			if IsKind(err, KindResourceLimit) {
				c.logger.Warn("custom dimension limit reached", "property", propertyID, "dimension", want.ParameterName)
				result.Skipped = append(result.Skipped, want.ParameterName)
				continue
			}
			c.logger.Error("failed to create custom dimension", "property", propertyID, "dimension", want.ParameterName, "error", err)
			result.Failed = append(result.Failed, want.ParameterName)
			continue
		}

		have[strings.ToLower(want.ParameterName)] = true
		result.Created = append(result.Created, want.ParameterName)
	}

	return result
}
