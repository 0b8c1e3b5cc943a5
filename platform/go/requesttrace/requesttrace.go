// Package requesttrace carries request-scoped actor metadata so services can
// stamp audit records without threading identity through every call.
package requesttrace

import (
	"context"
	"errors"

	platformauth "github.com/narthex-io/narthex/platform/go/auth"
)

type contextKey string

const ctxAuditInfo contextKey = "NARTHEX_REQUEST_TRACE"

// ActorKind represents who initiated a request.
type ActorKind string

const (
	ActorKindAdmin     ActorKind = "admin"
	ActorKindGate      ActorKind = "gate"
	ActorKindAnonymous ActorKind = "anonymous"
	ActorKindSystem    ActorKind = "system"
)

// AuditInfo captures request-scoped metadata needed for traceability and
// auditing. Subject is empty for anonymous and system actors.
type AuditInfo struct {
	ActorKind ActorKind
	Subject   string
	Email     string
	RequestID string
}

// IntoContext stores the AuditInfo in the provided context.
func IntoContext(ctx context.Context, audit AuditInfo) context.Context {
	return context.WithValue(ctx, ctxAuditInfo, audit)
}

// FromContext extracts the AuditInfo from context, returning false when not
// present.
func FromContext(ctx context.Context) (AuditInfo, bool) {
	if ctx == nil {
		return AuditInfo{}, false
	}
	v := ctx.Value(ctxAuditInfo)
	if v == nil {
		return AuditInfo{}, false
	}
	audit, ok := v.(AuditInfo)
	return audit, ok
}

// FromContextOrSystem returns the AuditInfo stored on the context, or a
// system record when absent. Background workers never populate the context,
// so audit rows they write are attributed to the system actor.
func FromContextOrSystem(ctx context.Context) AuditInfo {
	if audit, ok := FromContext(ctx); ok {
		return audit
	}
	return System("")
}

// FromAdmin builds an AuditInfo from verified super-admin credentials.
func FromAdmin(creds platformauth.AdminCredentials, requestID string) (AuditInfo, error) {
	if creds.Subject == "" {
		return AuditInfo{}, errors.New("admin subject is required to build audit info")
	}
	return AuditInfo{
		ActorKind: ActorKindAdmin,
		Subject:   creds.Subject,
		Email:     creds.Email,
		RequestID: requestID,
	}, nil
}

// Gate builds an AuditInfo for requests authenticated by a gate session.
func Gate(gateID, requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindGate, Subject: gateID, RequestID: requestID}
}

// Anonymous builds an AuditInfo for unauthenticated requests.
func Anonymous(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindAnonymous, RequestID: requestID}
}

// System builds an AuditInfo for background and operator-initiated work.
func System(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindSystem, RequestID: requestID}
}
