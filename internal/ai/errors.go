package ai

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// AuthError indicates authentication/authorization failures (401/403).
type AuthError struct{ *APIError }

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.APIError.Error())
}

// RateLimitError indicates 429 responses and may include a Retry-After.
type RateLimitError struct {
	*APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: wait about %ds: %s", int(e.RetryAfter.Seconds()), e.APIError.Error())
	}
	return fmt.Sprintf("rate limited: %s", e.APIError.Error())
}

// ModelNotFoundError indicates the requested model is not served by the provider.
type ModelNotFoundError struct{ *APIError }

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model not found: %s", e.APIError.Error())
}

// BadRequestError indicates a 400 validation failure.
type BadRequestError struct{ *APIError }

func (e *BadRequestError) Error() string { return fmt.Sprintf("bad request: %s", e.APIError.Error()) }

// QuotaExceededError indicates billing/quota problems.
type QuotaExceededError struct{ *APIError }

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.APIError.Error())
}

// ServerError indicates 5xx errors from the provider.
type ServerError struct{ *APIError }

func (e *ServerError) Error() string { return fmt.Sprintf("provider error: %s", e.APIError.Error()) }

// UnreachableError indicates the endpoint could not be reached at all.
type UnreachableError struct {
	Host string
	Err  error
}

func (e *UnreachableError) Error() string {
	if e == nil {
		return "unreachable"
	}
	if e.Host != "" {
		return fmt.Sprintf("endpoint unreachable at %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("endpoint unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a provider failure that will not go away
// by asking again (bad credentials, unknown model, exhausted quota). Errors
// surfaced by the OpenAI-compatible chat model are only available as text
// ("error, status code: 401, ...") and are classified from it.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var (
		auth  *AuthError
		model *ModelNotFoundError
		quota *QuotaExceededError
	)
	if errors.Is(err, ErrMissingAPIKey) ||
		errors.As(err, &auth) ||
		errors.As(err, &model) ||
		errors.As(err, &quota) {
		return true
	}
	return permanentProviderText(err.Error())
}

var providerStatus = regexp.MustCompile(`status code: (\d{3})`)

var permanentCodes = []string{"invalid_api_key", "model_not_found", "insufficient_quota"}

func permanentProviderText(msg string) bool {
	if m := providerStatus.FindStringSubmatch(msg); m != nil {
		switch code, _ := strconv.Atoi(m[1]); code {
		case 401, 402, 403, 404:
			return true
		}
	}
	for _, c := range permanentCodes {
		if strings.Contains(msg, c) {
			return true
		}
	}
	return false
}
