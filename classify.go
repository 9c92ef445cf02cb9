package reqguard

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
)

var (
	networkPatterns = []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"failed to fetch",
		"network",
	}

	authPatterns = []string{
		"unauthorized",
		"forbidden",
		"token expired",
		"invalid token",
		"authentication",
	}

	parsePatterns = []string{
		"unexpected token",
		"invalid character",
		"unexpected end of json",
		"cannot unmarshal",
		"parse error",
	}
)

// Classify maps a raw failure and an optional transport status onto the
// closed error taxonomy. A zero status means none was received; when err
// implements [StatusCoder] its status is used instead.
//
// Classify has no side effects: identical inputs yield identical results.
func Classify(err error, status int, rc *RequestContext) *ClassifiedError {
	if status == 0 {
		var sc StatusCoder
		if errors.As(err, &sc) {
			status = sc.StatusCode()
		}
	}

	kind := classifyKind(err, status)

	ce := &ClassifiedError{
		cause:       err,
		Kind:        kind,
		Severity:    severityOf(kind, status),
		StatusCode:  status,
		Recoverable: recoverable(kind, status),
		Message:     diagnostic(err, status),
		UserMessage: UserMessage(kind, status),
	}

	if rc != nil {
		ce.Context = *rc
	}

	if kind == KindRateLimit {
		if d, ok := retryAfterOf(err, ce.Context.Timestamp); ok {
			ce.metadata = map[string]any{MetaRetryAfter: d}
		}
	}

	return ce
}

func classifyKind(err error, status int) ErrorKind {
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}

	switch {
	case isTimeout(err):
		return KindTimeout
	case status == 0 && isConnectionFailure(err, msg):
		return KindNetwork
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == 0 && containsAny(msg, authPatterns):
		return KindAuth
	case isMalformedBody(err, msg):
		return KindParsing
	case status >= http.StatusInternalServerError:
		return KindServer
	case status >= http.StatusBadRequest:
		return KindValidation
	default:
		return KindUnknown
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrTimeout) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectionFailure(err error, msg string) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	return containsAny(msg, networkPatterns)
}

func isMalformedBody(err error, msg string) bool {
	if err == nil {
		return false
	}

	var pe *ParseError
	if errors.As(err, &pe) {
		return true
	}

	var se *json.SyntaxError
	if errors.As(err, &se) {
		return true
	}

	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) {
		return true
	}

	return containsAny(msg, parsePatterns)
}

func severityOf(kind ErrorKind, status int) Severity {
	switch kind {
	case KindAuth:
		return SeverityHigh
	case KindServer:
		if status == http.StatusInternalServerError {
			return SeverityCritical
		}

		return SeverityHigh
	case KindValidation:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func recoverable(kind ErrorKind, status int) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindServer, KindRateLimit:
		return true
	case KindAuth:
		return status == http.StatusUnauthorized
	default:
		return false
	}
}

func diagnostic(err error, status int) string {
	switch {
	case err != nil:
		return err.Error()
	case status != 0:
		return "http status " + strconv.Itoa(status)
	default:
		return "unknown failure"
	}
}

// retryAfterOf reads Retry-After as delay-seconds or an HTTP date; dates are
// measured from the request timestamp so classification stays pure.
func retryAfterOf(err error, issued time.Time) (time.Duration, bool) {
	var se *StatusError
	if !errors.As(err, &se) || se.Header == nil {
		return 0, false
	}

	raw := se.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}

	if secs, convErr := strconv.Atoi(raw); convErr == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}

	if at, parseErr := http.ParseTime(raw); parseErr == nil && !issued.IsZero() {
		return max(at.Sub(issued), 0), true
	}

	return 0, false
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}

	return false
}

// UserMessage returns the sanitized, user-facing text for a failure. It never
// includes raw error text.
func UserMessage(kind ErrorKind, status int) string {
	switch kind {
	case KindNetwork:
		return "Unable to reach the server. Please check your connection and try again."
	case KindTimeout:
		return "The request took too long to complete. Please try again."
	case KindAuth:
		if status == http.StatusForbidden {
			return "You do not have permission to perform this action."
		}

		return "Your session has expired. Please sign in again."
	case KindParsing:
		return "We received an unexpected response from the server."
	case KindValidation:
		return "The request could not be processed. Please check your input."
	case KindServer:
		return "The server encountered a problem. Please try again later."
	case KindRateLimit:
		return "Too many requests. Please wait a moment and try again."
	default:
		return "Something went wrong. Please try again."
	}
}
