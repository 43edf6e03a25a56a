package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"analytify/internal/api"
	"analytify/internal/store"
)

// DiagnosticsHeader is the header row of the diagnostics CSV
var DiagnosticsHeader = []string{"section", "key", "kind", "size", "created_at", "expires_at", "value"}

// Diagnostics writes stored key metadata and token status as CSV. Stored
// values are never written; token rows carry flags only.
func Diagnostics(ctx context.Context, w io.Writer, s store.Store, status api.TokenStatus, last *api.Exception) error {
	entries, err := s.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored keys: %w", err)
	}

	writer := csv.NewWriter(w)
	records := [][]string{DiagnosticsHeader}
	for _, e := range entries {
		expires := ""
		if e.ExpiresAt != nil {
			expires = e.ExpiresAt.UTC().Format(time.RFC3339)
		}
		records = append(records, []string{
			"store", e.Key, e.Kind, strconv.Itoa(e.Size), e.CreatedAt.UTC().Format(time.RFC3339), expires, "",
		})
	}

	tokenExpiry := ""
	if !status.ExpiresAt.IsZero() {
		tokenExpiry = status.ExpiresAt.UTC().Format(time.RFC3339)
	}
	records = append(records,
		[]string{"token", "has_token", "", "", "", tokenExpiry, strconv.FormatBool(status.HasToken)},
		[]string{"token", "valid", "", "", "", "", strconv.FormatBool(status.Valid)},
		[]string{"token", "has_refresh_token", "", "", "", "", strconv.FormatBool(status.HasRefreshToken)},
		[]string{"token", "pending_code", "", "", "", "", strconv.FormatBool(status.PendingCode)},
		[]string{"token", "failure_notified", "", "", "", "", strconv.FormatBool(status.FailureNotified)},
	)
	if last != nil {
		records = append(records, []string{
			"exception", last.Op, last.Kind, strconv.Itoa(last.Status), last.At.UTC().Format(time.RFC3339), "", last.Reason,
		})
	}

	if err := writer.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write diagnostics: %w", err)
	}
	return nil
}
