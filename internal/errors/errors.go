// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStaleTransition   = errors.New("stale transition")
	ErrTransientProvider = errors.New("transient provider error")
	ErrPermanentProvider = errors.New("permanent provider error")
	ErrRateLimitTimeout  = errors.New("rate limit wait timed out")
	ErrRender            = errors.New("render error")
	ErrInvalidState      = errors.New("invalid campaign state")
	ErrInvalidInput      = errors.New("invalid input")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	Key    any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NewCampaignNotFound(id int) error {
	return &NotFoundError{Entity: "campaign", Key: id}
}

func NewRecordNotFound(key any) error {
	return &NotFoundError{Entity: "send record", Key: key}
}

func NewSubscriberNotFound(id int) error {
	return &NotFoundError{Entity: "subscriber", Key: id}
}

// StaleTransitionError is an illegal status change for the record's current
// state. Early is set when the record has not reached accepted yet, so the
// same event may become legal later.
type StaleTransitionError struct {
	RecordID int
	From     string
	Event    string
	Early    bool
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("record %d: %s not allowed from %s", e.RecordID, e.Event, e.From)
}

func (e *StaleTransitionError) Is(target error) bool { return target == ErrStaleTransition }

// ProviderError carries the provider's reason together with its retry class.
type ProviderError struct {
	StatusCode int
	Reason     string
	Permanent  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Reason)
	}
	return "provider: " + e.Reason
}

func (e *ProviderError) Is(target error) bool {
	if e.Permanent {
		return target == ErrPermanentProvider
	}
	return target == ErrTransientProvider
}

func NewTransient(statusCode int, reason string) error {
	return &ProviderError{StatusCode: statusCode, Reason: reason}
}

func NewPermanent(statusCode int, reason string) error {
	return &ProviderError{StatusCode: statusCode, Reason: reason, Permanent: true}
}

// RenderError is a template or variable mismatch for one recipient.
type RenderError struct {
	TemplateID string
	Reason     string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render template %q: %s", e.TemplateID, e.Reason)
}

func (e *RenderError) Is(target error) bool { return target == ErrRender }
