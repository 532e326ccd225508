package metrics

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cloudflare/cloudflare-go/v6"
)

// Values for the error_type label on the Cloudflare API error counter.
const (
	ErrorTypeAuth        = "auth"
	ErrorTypeRateLimit   = "rate_limit"
	ErrorTypeClientError = "client_error"
	ErrorTypeServerError = "server_error"
	ErrorTypeTimeout     = "timeout"
	ErrorTypeNetwork     = "network"
	ErrorTypeUnknown     = "unknown"
)

// ClassifyCloudflareError maps a gateway error to its error_type label.
// Typed SDK errors classify by HTTP status; anything else (transport
// failures happen before a status exists) falls back to message
// inspection. A nil error yields the empty string.
func ClassifyCloudflareError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *cloudflare.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}

	return classifyMessage(err.Error())
}

func classifyStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status >= http.StatusInternalServerError && status < 600:
		return ErrorTypeServerError
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return ErrorTypeClientError
	default:
		return ErrorTypeUnknown
	}
}

func classifyMessage(msg string) string {
	msg = strings.ToLower(msg)

	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"):
		return ErrorTypeNetwork
	default:
		return ErrorTypeUnknown
	}
}
