package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// rawVariant executes one variant from its encoded payload.
type rawVariant func(ctx context.Context, id string, payload []byte) ([]byte, error)

// Registry maps variant tags to builders and serves as a dispatch entry point.
// The scheduler encodes with the registry's codec and the worker side decodes
// with it, so one Registry describes both ends of the wire.
type Registry struct {
	entryPoint string
	codec      Codec

	mu       sync.RWMutex
	variants map[string]rawVariant
}

// DefaultRegistry is registered under EntryPointName and uses CBOR.
var DefaultRegistry = mustRegistry(EntryPointName, mustCBOR())

// NewRegistry creates a registry and registers its Dispatch method as the
// entry point called entryPoint.
func NewRegistry(entryPoint string, codec Codec) (*Registry, error) {
	if entryPoint == "" {
		return nil, fmt.Errorf("registry needs an entry point name")
	}
	if codec == nil {
		return nil, fmt.Errorf("registry %q: codec must not be nil", entryPoint)
	}
	r := &Registry{
		entryPoint: entryPoint,
		codec:      codec,
		variants:   make(map[string]rawVariant),
	}
	r.Register()
	return r, nil
}

// Register (re)installs r.Dispatch under r's entry point name, taking it over
// from whatever was registered there.
func (r *Registry) Register() {
	setEntryPoint(r.entryPoint, dispatchEntry{fn: r.Dispatch, owner: r})
}

func mustRegistry(entryPoint string, codec Codec) *Registry {
	r, err := NewRegistry(entryPoint, codec)
	if err != nil {
		panic(err)
	}
	return r
}

// EntryPoint returns the name Dispatch is registered under.
func (r *Registry) EntryPoint() string {
	return r.entryPoint
}

// Codec returns the wire codec.
func (r *Registry) Codec() Codec {
	return r.codec
}

// Variants returns the registered tags in sorted order.
func (r *Registry) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.variants))
	for name := range r.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterVariant registers a builder that reconstructs tasks of one variant
// inside the worker context.
func RegisterVariant[P, R any](r *Registry, name string, build func(id string, payload P) Task[P, R]) error {
	if name == "" || build == nil {
		return fmt.Errorf("variant needs a name and a builder")
	}

	var raw rawVariant = func(ctx context.Context, id string, payload []byte) ([]byte, error) {
		var p P
		if err := r.codec.Unmarshal(payload, &p); err != nil {
			return nil, &StatusError{Code: StatusBadRequest, Message: fmt.Sprintf("decode payload of %s: %v", name, err)}
		}
		result, err := build(id, p).Execute(ctx)
		if err != nil {
			return nil, err
		}
		out, err := r.codec.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result of %s: %w", name, err)
		}
		return out, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.variants[name]; exists {
		return fmt.Errorf("variant %q already registered", name)
	}
	r.variants[name] = raw
	return nil
}

// DefineVariant registers a function-backed variant and returns it so callers
// can build tasks with New.
func DefineVariant[P, R any](r *Registry, name string, exec func(ctx context.Context, payload P) (R, error)) (*Variant[P, R], error) {
	if exec == nil {
		return nil, fmt.Errorf("variant %q: exec must not be nil", name)
	}
	v := &Variant[P, R]{name: name, exec: exec}
	err := RegisterVariant(r, name, func(id string, payload P) Task[P, R] {
		return v.New(id, payload)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// MustDefineVariant is DefineVariant for package-level declarations.
func MustDefineVariant[P, R any](r *Registry, name string, exec func(ctx context.Context, payload P) (R, error)) *Variant[P, R] {
	v, err := DefineVariant(r, name, exec)
	if err != nil {
		panic(err)
	}
	return v
}

// Dispatch is the entry point: decode the Envelope, resolve its variant, run it.
func (r *Registry) Dispatch(ctx context.Context, task []byte) ([]byte, error) {
	var env Envelope
	if err := r.codec.Unmarshal(task, &env); err != nil {
		return nil, &StatusError{Code: StatusBadRequest, Message: fmt.Sprintf("decode envelope: %v", err)}
	}

	r.mu.RLock()
	raw, ok := r.variants[env.Variant]
	r.mu.RUnlock()
	if !ok {
		return nil, &StatusError{
			Code:    StatusUnknownVariant,
			Message: fmt.Sprintf("%v: %q", ErrUnknownVariant, env.Variant),
		}
	}

	return raw(ctx, env.ID, env.Payload)
}

// encodeTask builds the wire form of t.
func encodeTask[P, R any](codec Codec, t Task[P, R]) ([]byte, error) {
	payload, err := codec.Marshal(t.Payload())
	if err != nil {
		return nil, fmt.Errorf("encode payload of task %s: %w", t.ID(), err)
	}
	data, err := codec.Marshal(Envelope{ID: t.ID(), Variant: t.Variant(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode envelope of task %s: %w", t.ID(), err)
	}
	return data, nil
}

func decodeResult[R any](codec Codec, data []byte) (R, error) {
	var result R
	if err := codec.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}
