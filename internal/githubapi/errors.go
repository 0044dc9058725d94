package githubapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v84/github"
)

// Error kinds the rest of the system dispatches on. Operations wrap the
// underlying error with exactly one of these sentinels.
var (
	// ErrTransient marks 5xx responses and network-level failures that
	// are worth retrying.
	ErrTransient = errors.New("github: transient error")

	// ErrRateLimited marks a 403 with an exhausted rate-limit budget.
	ErrRateLimited = errors.New("github: rate limited")

	// ErrAuthFailure marks 401 responses and credential problems.
	ErrAuthFailure = errors.New("github: authentication failure")

	// ErrNotFound marks 404 responses ("branch missing", unknown issue).
	ErrNotFound = errors.New("github: not found")

	// ErrValidationFailed marks 422 responses (e.g. PR already exists,
	// no commits between branches).
	ErrValidationFailed = errors.New("github: validation failed")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsAuthFailure reports whether err is an authentication failure.
func IsAuthFailure(err error) bool { return errors.Is(err, ErrAuthFailure) }

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidationFailed reports whether err is a 422.
func IsValidationFailed(err error) bool { return errors.Is(err, ErrValidationFailed) }

// classify wraps err with the sentinel matching its kind. A nil err and
// already-classified errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrTransient, ErrRateLimited, ErrAuthFailure, ErrNotFound, ErrValidationFailed} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		// Keep the original in the chain so rateLimitReset can still
		// read the advertised reset from the classified error.
		return fmt.Errorf("%w: resets at %s: %w", ErrRateLimited, rateErr.Rate.Reset.Time.Format(time.RFC3339), err)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: secondary limit: %w", ErrRateLimited, err)
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch code := ghErr.Response.StatusCode; {
		case code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		case code == http.StatusForbidden:
			if ghErr.Response.Header.Get("X-RateLimit-Remaining") == "0" {
				return fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case code == http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		case code >= 500:
			return fmt.Errorf("%w: status %d: %v", ErrTransient, code, err)
		}
		return err
	}

	if isNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// isNetworkError covers connection-level failures that never produced a
// response.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected EOF",
		"no such host",
		"TLS handshake timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// rateLimitReset extracts the reset time from a rate-limit error, if
// one is carried.
func rateLimitReset(err error) (time.Time, bool) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.Rate.Reset.Time, true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) && abuseErr.RetryAfter != nil {
		return time.Now().Add(*abuseErr.RetryAfter), true
	}
	return time.Time{}, false
}
