package core

import (
	"encoding/json"
	"fmt"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
)

// =============================================================================
// Codec Interface
// =============================================================================

// Codec encodes envelopes, payloads and results crossing the pool boundary.
// Both sides of a pool must agree on the codec.
type Codec interface {
	// Marshal converts a Go value to bytes
	Marshal(v any) ([]byte, error)

	// Unmarshal converts bytes back into target
	Unmarshal(data []byte, target any) error

	// Name returns the codec name (for config and logging)
	Name() string
}

// =============================================================================
// CBORCodec Implementation
// =============================================================================

// CBORCodec uses canonical CBOR so equal values always encode to equal bytes.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a CBOR codec with the canonical encoding profile.
func NewCBORCodec() (*CBORCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &CBORCodec{enc: em, dec: dm}, nil
}

func (c *CBORCodec) Marshal(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal failed: %w", err)
	}
	return data, nil
}

func (c *CBORCodec) Unmarshal(data []byte, target any) error {
	if target == nil {
		return fmt.Errorf("unmarshal target cannot be nil")
	}
	if len(data) == 0 {
		return fmt.Errorf("data is empty")
	}
	if err := c.dec.Unmarshal(data, target); err != nil {
		return fmt.Errorf("cbor unmarshal failed: %w", err)
	}
	return nil
}

func (c *CBORCodec) Name() string {
	return "cbor"
}

// =============================================================================
// JSONCodec Implementation
// =============================================================================

// JSONCodec uses JSON encoding. Handy when outcomes are inspected by hand.
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}

	return data, nil
}

func (c *JSONCodec) Unmarshal(data []byte, target any) error {
	if target == nil {
		return fmt.Errorf("unmarshal target cannot be nil")
	}

	if len(data) == 0 {
		return fmt.Errorf("data is empty")
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	return nil
}

func (c *JSONCodec) Name() string {
	return "json"
}

// CodecByName returns the codec registered under name ("cbor" or "json").
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cbor":
		return NewCBORCodec()
	case "json":
		return NewJSONCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func mustCBOR() *CBORCodec {
	c, err := NewCBORCodec()
	if err != nil {
		panic(err)
	}
	return c
}
