// Package audit records security-relevant vault and consent events. Events
// carry identifiers only, never secrets, keys or raw tokens.
package audit

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	VaultCreated     Kind = "vault.created"
	VaultDeleted     Kind = "vault.deleted"
	UnlockSucceeded  Kind = "vault.unlock"
	UnlockFailed     Kind = "vault.unlock_failed"
	RecoveryUnlock   Kind = "vault.recovery_unlock"
	SessionLocked    Kind = "vault.locked"
	SessionExpired   Kind = "vault.expired"
	MethodEnrolled   Kind = "vault.method_enrolled"
	MethodRemoved    Kind = "vault.method_removed"
	SecretChanged    Kind = "vault.secret_changed"
	RecoveryRotated  Kind = "vault.recovery_rotated"
	TokenIssued      Kind = "consent.issued"
	TokenRevoked     Kind = "consent.revoked"
	TokenRejected    Kind = "consent.rejected"
	UserTokensPurged Kind = "consent.revoked_all"
)

type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	UserID  string    `json:"user_id,omitempty"`
	Method  string    `json:"method,omitempty"`
	Session string    `json:"session,omitempty"`
	TokenID string    `json:"token_id,omitempty"`
	Scopes  []string  `json:"scopes,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Sink receives events. A failing sink never changes the outcome of the
// operation being audited; callers log the error and continue.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

type nop struct{}

func (nop) Record(context.Context, Event) error { return nil }

// Nop discards every event.
func Nop() Sink { return nop{} }

type multi []Sink

func (m multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Multi fans an event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Stamp fills in the event time if the caller left it zero.
func Stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}
