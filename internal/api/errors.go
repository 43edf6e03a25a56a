package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"

	"analytify/internal/store"
)

// Kind classifies a failure at a component boundary
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindPayload
	KindAuth
	KindResourceLimit
	KindNotFound
	KindNotConfigured
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindPayload:
		return "payload"
	case KindAuth:
		return "auth"
	case KindResourceLimit:
		return "resource_limit"
	case KindNotFound:
		return "not_found"
	case KindNotConfigured:
		return "not_configured"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned by every api operation
type Error struct {
	Kind    Kind
	Op      string // e.g. "admin.list_accounts"
	Status  int    // HTTP status, 0 when no response was received
	Reason  string // provider reason code, e.g. "insufficientPermissions"
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " [%s]", e.Reason)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries an *Error of kind k
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// ReasonOf returns the provider reason code carried by err, if any
func ReasonOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// googleErrorBody is the error envelope used by all Google JSON APIs
type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"` // e.g. "PERMISSION_DENIED"
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
		Details []struct {
			Type   string `json:"@type"`
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

var quotaReasons = map[string]bool{
	"dailyLimitExceeded":    true,
	"rateLimitExceeded":     true,
	"quotaExceeded":         true,
	"userRateLimitExceeded": true,
}

// parseGoogleError turns a non-2xx response body into an *Error
func parseGoogleError(op string, status int, body []byte) *Error {
	apiErr := &Error{Op: op, Status: status}

	var envelope googleErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Message = envelope.Error.Message
		for _, e := range envelope.Error.Errors {
			if e.Reason != "" {
				apiErr.Reason = e.Reason
				break
			}
		}
		if apiErr.Reason == "" {
			for _, d := range envelope.Error.Details {
				if d.Reason != "" {
					apiErr.Reason = d.Reason
					break
				}
			}
		}
		if apiErr.Reason == "" {
			apiErr.Reason = envelope.Error.Status
		}
		apiErr.Kind = classify(status, envelope.Error.Status, apiErr.Reason, apiErr.Message)
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(truncate(string(body), 200))
	apiErr.Kind = classify(status, "", "", apiErr.Message)
	return apiErr
}

// fromGoogleAPI maps errors returned by the generated Data API client
func fromGoogleAPI(op string, err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		out := &Error{Op: op, Status: gerr.Code, Message: gerr.Message, Err: err}
		for _, item := range gerr.Errors {
			if item.Reason != "" {
				out.Reason = item.Reason
				break
			}
		}
		if out.Reason == "" && len(gerr.Body) > 0 {
			out.Reason = parseGoogleError(op, gerr.Code, []byte(gerr.Body)).Reason
		}
		out.Kind = classify(gerr.Code, "", out.Reason, out.Message)
		return out
	}

	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// limitPhrases mark provider messages that report a per-property cap, e.g.
// "The property has reached the maximum number of custom dimensions."
var limitPhrases = []string{"maximum number of", "quota exceeded", "quota has been exceeded"}

func classify(status int, grpcStatus, reason, message string) Kind {
	switch {
	case status == http.StatusTooManyRequests, grpcStatus == "RESOURCE_EXHAUSTED", quotaReasons[reason]:
		return KindResourceLimit
	case (status == http.StatusBadRequest || status == http.StatusForbidden) && isLimitMessage(message):
		return KindResourceLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 400 && status < 500:
		return KindPayload
	default:
		return KindTransport
	}
}

func isLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range limitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ExceptionKey holds the last descriptive provider failure
const ExceptionKey = "analytify_ga4_exception"

// Exception is the persisted form of the last provider failure
type Exception struct {
	Op      string    `json:"op"`
	Kind    string    `json:"kind"`
	Status  int       `json:"status"`
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ExceptionLog persists the last provider failure for user-visible warnings.
// A nil *ExceptionLog records nothing.
type ExceptionLog struct {
	store store.Store
	now   func() time.Time
}

// NewExceptionLog creates an exception log over s
func NewExceptionLog(s store.Store, now func() time.Time) *ExceptionLog {
	if now == nil {
		now = time.Now
	}
	return &ExceptionLog{store: s, now: now}
}

// Record saves err when it carries a provider response
func (l *ExceptionLog) Record(ctx context.Context, err error) {
	if l == nil {
		return
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status == 0 {
		return
	}
	l.store.Set(ctx, ExceptionKey, Exception{
		Op:      apiErr.Op,
		Kind:    apiErr.Kind.String(),
		Status:  apiErr.Status,
		Reason:  apiErr.Reason,
		Message: apiErr.Message,
		At:      l.now().UTC(),
	}, 0)
}

// Last returns the most recent recorded failure
func (l *ExceptionLog) Last(ctx context.Context) (Exception, bool, error) {
	var exc Exception
	if l == nil {
		return exc, false, nil
	}
	found, err := l.store.Get(ctx, ExceptionKey, &exc)
	return exc, found, err
}

// Clear removes the recorded failure
func (l *ExceptionLog) Clear(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.store.Delete(ctx, ExceptionKey)
}
