// Package provider adapts outbound SMS gateways. Errors carry a permanence
// flag so the dispatcher can tell a retryable outage from a rejected send.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured reports that no SMS gateway is configured for this
// deployment. Sends fail without consuming retry budget.
var ErrNotConfigured = errors.New("sms: provider not configured")

// SendError is a classified gateway failure. Permanent errors (rejected
// number, bad credentials) are never retried; transient ones (timeouts,
// throttling, 5xx) are.
type SendError struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("sms: %s failure %s: %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("sms: %s failure %s", kind, e.Code)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a non-retryable send failure.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// Sender delivers one SMS, returning the gateway's message id.
type Sender interface {
	Send(ctx context.Context, toPhone, body string) (providerMessageID string, err error)
}

// Disabled rejects every send with ErrNotConfigured.
type Disabled struct{}

func (Disabled) Send(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}
