// Package envelope defines the typed message envelope carried on every bus
// topic, the agent task and result payloads, and the schema registry that
// validates payloads by event type.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/fault"
)

// CurrentVersion is the envelope schema version stamped on new envelopes.
const CurrentVersion = 1

// typePattern constrains event type tags to lowercase dotted names.
var typePattern = regexp.MustCompile(`^[a-z0-9.]+$`)

// Common envelope errors.
var (
	// ErrInvalidEnvelope is returned when an envelope violates a structural invariant.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Meta carries delivery metadata for an envelope.
type Meta struct {
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"lastError,omitempty"`
	RetryAfter int               `json:"retryAfter,omitempty"`
	Version    int               `json:"version"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// Envelope is the unit of transport: a header record plus an opaque payload.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	CorrID    string          `json:"corrId,omitempty"`
	TenantID  string          `json:"tenantId,omitempty"`
	Source    string          `json:"source,omitempty"`
	Meta      Meta            `json:"meta"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Option configures envelope construction.
type Option func(*Envelope)

// WithCorrelation sets the correlation id that joins envelopes of one logical operation.
func WithCorrelation(corrID string) Option {
	return func(e *Envelope) { e.CorrID = corrID }
}

// WithTenant sets the tenant id.
func WithTenant(tenantID string) Option {
	return func(e *Envelope) { e.TenantID = tenantID }
}

// WithSource sets the originating component name.
func WithSource(source string) Option {
	return func(e *Envelope) { e.Source = source }
}

// New constructs an envelope of the given type around a JSON-marshalable payload.
// A fresh id and correlation id are generated; attempts start at zero.
func New(eventType string, payload any, opts ...Option) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		CorrID:    uuid.NewString(),
		Meta:      Meta{Attempts: 0, Version: CurrentVersion},
		Payload:   raw,
	}
	for _, opt := range opts {
		opt(env)
	}

	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Retry derives a retry envelope from original: new id, same correlation id,
// attempts incremented, version bumped, last error recorded.
func Retry(original *Envelope, lastErr error) *Envelope {
	next := *original
	next.ID = uuid.NewString()
	next.Timestamp = time.Now().UTC()
	next.Meta.Attempts = original.Meta.Attempts + 1
	next.Meta.Version = original.Meta.Version + 1
	if lastErr != nil {
		next.Meta.LastError = lastErr.Error()
	}
	return &next
}

// Validate checks the structural invariants of an envelope.
func Validate(env *Envelope) error {
	if env == nil {
		return fault.Wrap(fault.KindValidation, "nil envelope", ErrInvalidEnvelope)
	}
	if _, err := uuid.Parse(env.ID); err != nil {
		return fault.Wrap(fault.KindValidation, fmt.Sprintf("id %q is not a UUID", env.ID), ErrInvalidEnvelope)
	}
	if !typePattern.MatchString(env.Type) {
		return fault.Wrap(fault.KindValidation, fmt.Sprintf("type %q is not a dotted tag", env.Type), ErrInvalidEnvelope)
	}
	if env.Timestamp.IsZero() {
		return fault.Wrap(fault.KindValidation, "timestamp missing", ErrInvalidEnvelope)
	}
	if env.Meta.Attempts < 0 {
		return fault.Wrap(fault.KindValidation, "attempts negative", ErrInvalidEnvelope)
	}
	if env.Meta.Version < 1 {
		return fault.Wrap(fault.KindValidation, "meta version below 1", ErrInvalidEnvelope)
	}
	return nil
}

// Parse decodes and validates an envelope from its wire form.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "parse envelope", err)
	}
	if err := Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Serialize encodes an envelope to its wire form.
func Serialize(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// HasExhaustedRetries reports whether the envelope has consumed its retry budget.
func HasExhaustedRetries(env *Envelope, maxRetries int) bool {
	return env.Meta.Attempts >= maxRetries
}

// DecodePayload unmarshals the payload into v.
func DecodePayload[T any](env *Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fault.Wrap(fault.KindValidation, fmt.Sprintf("decode %s payload", env.Type), err)
	}
	return v, nil
}

// IsRequest reports whether the envelope carries a request.
func IsRequest(env *Envelope) bool {
	return strings.HasSuffix(env.Type, ".request")
}

// IsResult reports whether the envelope carries a result.
func IsResult(env *Envelope) bool {
	return strings.HasSuffix(env.Type, ".result")
}

// IsError reports whether the envelope carries an error report.
func IsError(env *Envelope) bool {
	return strings.HasSuffix(env.Type, ".error")
}

// IsSystem reports whether the envelope is a system event.
func IsSystem(env *Envelope) bool {
	return strings.HasPrefix(env.Type, "system.")
}
