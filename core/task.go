package core

import (
	"context"
	"fmt"
)

// Task is the unit of work shipped to a worker context.
//
// P is the payload type carried across the pool boundary, R the result type
// produced by Execute. Implementations must be reconstructible from
// (ID, Variant, Payload) alone: the worker never sees the caller's value, only
// the encoded Envelope.
type Task[P, R any] interface {
	// ID identifies the task. Unique within one batch; the caller owns uniqueness.
	ID() string

	// Variant is the tag the dispatch entry point uses to find the builder.
	Variant() string

	// Payload is the opaque input handed to Execute.
	Payload() P

	// Execute runs inside the worker context.
	Execute(ctx context.Context) (R, error)
}

// Closure is a step posted to a TaskRunner.
type Closure func(ctx context.Context)

// =============================================================================
// Wire contract
// =============================================================================

// Envelope is the transmissible form of a Task.
type Envelope struct {
	ID      string `cbor:"1,keyasint" json:"id"`
	Variant string `cbor:"2,keyasint" json:"variant"`
	Payload []byte `cbor:"3,keyasint" json:"payload"`
}

// Status codes carried by an Outcome.
const (
	StatusOK             = 200
	StatusBadRequest     = 400
	StatusUnknownVariant = 404
	StatusTaskFailed     = 500
	StatusUnavailable    = 503
)

// Outcome is what a worker context reports back for one task.
// StatusCode 200 means Payload holds the encoded result; anything else means
// Message holds diagnostic text.
type Outcome struct {
	StatusCode int    `cbor:"1,keyasint" json:"status_code"`
	Payload    []byte `cbor:"2,keyasint,omitempty" json:"payload,omitempty"`
	Message    string `cbor:"3,keyasint,omitempty" json:"message,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.StatusCode == StatusOK
}

// StatusError lets Execute pick the status code reported for its failure.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// NewStatusError returns an error that the dispatch entry point surfaces
// with the given code and message.
func NewStatusError(code int, message string) error {
	return &StatusError{Code: code, Message: message}
}

// =============================================================================
// Variant: a task type defined by a function
// =============================================================================

// Variant is a task kind backed by a plain function. Use DefineVariant to
// register one and New to build tasks for it.
type Variant[P, R any] struct {
	name string
	exec func(ctx context.Context, payload P) (R, error)
}

// Name returns the variant tag.
func (v *Variant[P, R]) Name() string {
	return v.name
}

// New builds a task of this variant.
func (v *Variant[P, R]) New(id string, payload P) Task[P, R] {
	return &funcTask[P, R]{id: id, payload: payload, variant: v}
}

type funcTask[P, R any] struct {
	id      string
	payload P
	variant *Variant[P, R]
}

func (t *funcTask[P, R]) ID() string      { return t.id }
func (t *funcTask[P, R]) Variant() string { return t.variant.name }
func (t *funcTask[P, R]) Payload() P      { return t.payload }

func (t *funcTask[P, R]) Execute(ctx context.Context) (R, error) {
	return t.variant.exec(ctx, t.payload)
}
