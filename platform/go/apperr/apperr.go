// Package apperr defines the error taxonomy shared by the control plane,
// tenant API, and worker, plus the HTTP rendering for it. Business errors
// propagate immediately; only infrastructure errors are retried by callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindConflict            Kind = "conflict"
	KindNotFound            Kind = "not_found"
	KindValidation          Kind = "validation_error"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProvisioning        Kind = "provisioning_failure"
	KindConsent             Kind = "consent_violation"
	KindUnauthorized        Kind = "unauthorized"
	KindInternal            Kind = "internal"
)

// Error is the typed error carried across service boundaries. Code is the
// machine-readable value rendered to clients (e.g. "slug_conflict",
// "rekognition_not_configured"); Step is set for provisioning failures.
type Error struct {
	Kind Kind
	Code string
	Step string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error with a machine-readable code.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap attaches an underlying cause.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// Conflict reports a slug or idempotency-key conflict the caller must resolve.
func Conflict(code, msg string) *Error { return New(KindConflict, code, msg) }

// NotFound reports an unknown tenant, person, template, or session.
func NotFound(code, msg string) *Error { return New(KindNotFound, code, msg) }

// Validation reports malformed input.
func Validation(code, msg string) *Error { return New(KindValidation, code, msg) }

// ProviderUnavailable reports a down or misconfigured external provider.
func ProviderUnavailable(code, msg string, err error) *Error {
	return Wrap(KindProviderUnavailable, code, msg, err)
}

// Provisioning reports a failed tenant-creation step; step names the failed
// sub-step so operators can reconcile.
func Provisioning(step, msg string, err error) *Error {
	return &Error{Kind: KindProvisioning, Code: "provisioning_failure", Step: step, Msg: msg, Err: err}
}

// Consent reports a forbidden face operation on a non-consented person.
func Consent(msg string) *Error { return New(KindConsent, "consent_violation", msg) }

// Unauthorized reports missing or invalid credentials.
func Unauthorized(msg string) *Error { return New(KindUnauthorized, "unauthorized", msg) }

// KindOf extracts the Kind from any error chain; unknown errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// CodeOf extracts the machine-readable code, defaulting to "internal_error".
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return "internal_error"
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindProvisioning:
		return http.StatusBadGateway
	case KindConsent:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
