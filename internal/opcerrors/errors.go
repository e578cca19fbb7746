// Package opcerrors defines the typed error kinds that cross component
// boundaries in OpenCrust, and the classifiers that decide how callers
// should react to a provider failure.
package opcerrors

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
)

// Kind tags a distinct error variant for use with errors.Is.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigMissing
	KindAuth
	KindRetryableProvider
	KindFatalProvider
	KindToolInvocation
	KindToolLoopExceeded
	KindSchedulerPolicyViolation
	KindDatabase
	KindVaultCrypto
)

func (k Kind) String() string {
	switch k {
	case KindConfigMissing:
		return "config_missing"
	case KindAuth:
		return "auth"
	case KindRetryableProvider:
		return "retryable_provider"
	case KindFatalProvider:
		return "fatal_provider"
	case KindToolInvocation:
		return "tool_invocation"
	case KindToolLoopExceeded:
		return "tool_loop_exceeded"
	case KindSchedulerPolicyViolation:
		return "scheduler_policy_violation"
	case KindDatabase:
		return "database"
	case KindVaultCrypto:
		return "vault_crypto"
	default:
		return "unknown"
	}
}

// Error is a typed, kind-tagged error. Wrap an underlying cause with New.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, opcerrors.KindAuth) style checks work against a
// bare Kind value by comparing Kind fields on *Error targets.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// OfKind reports whether err is an *Error of the given kind, at any depth.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Vault crypto sentinels, matched by the Credential Vault (4.A).
var (
	ErrWrongPassphrase = New(KindVaultCrypto, "wrong passphrase")
	ErrVaultFormat     = New(KindVaultCrypto, "corrupted vault contents")
)

var retryableMessagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`timed out`),
	regexp.MustCompile(`timeout`),
	regexp.MustCompile(`connection refused`),
	regexp.MustCompile(`connection reset`),
	regexp.MustCompile(`connection aborted`),
	regexp.MustCompile(`temporarily unavailable`),
	regexp.MustCompile(`dns error`),
	regexp.MustCompile(`network error`),
}

var statusCodeRE = regexp.MustCompile(`(?:status[=:]?\s*)(\d{3})`)

var retryableStatusCodes = map[int]bool{429: true, 500: true, 502: true, 503: true}

// IsRetryable classifies whether a provider call should fall through to the
// next provider in the chain: a status code in
// {429,500,502,503}, or a message matching one of the known transient
// network phrases (ASCII-lowercased), is retryable. It first tries
// errors.As against the provider SDK error types, falling back to
// substring/regex matching on the message text.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var aErr *anthropic.Error
	if errors.As(err, &aErr) {
		return retryableStatusCodes[aErr.StatusCode]
	}
	var oErr *openai.Error
	if errors.As(err, &oErr) {
		return retryableStatusCodes[oErr.StatusCode]
	}

	msg := strings.ToLower(err.Error())
	if code, ok := extractStatusCode(msg); ok {
		return retryableStatusCodes[code]
	}
	for _, pattern := range retryableMessagePatterns {
		if pattern.MatchString(msg) {
			return true
		}
	}
	return false
}

func extractStatusCode(lowerMsg string) (int, bool) {
	m := statusCodeRE.FindStringSubmatch(lowerMsg)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// IsAuthError reports whether err represents a non-retryable authentication
// failure (401/403) from a provider.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var aErr *anthropic.Error
	if errors.As(err, &aErr) {
		return aErr.StatusCode == 401 || aErr.StatusCode == 403
	}
	var oErr *openai.Error
	if errors.As(err, &oErr) {
		return oErr.StatusCode == 401 || oErr.StatusCode == 403
	}
	msg := strings.ToLower(err.Error())
	if code, ok := extractStatusCode(msg); ok {
		return code == 401 || code == 403
	}
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden")
}
