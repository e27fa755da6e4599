package cache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes entries for remote backends.
type Codec interface {
	Marshal(e Entry) ([]byte, error)
	Unmarshal(data []byte, e *Entry) error
}

// CBORCodec encodes entries as deterministic CBOR with nanosecond
// timestamps.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds the default codec.
func NewCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cache: cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cache: cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Marshal encodes e.
func (c *CBORCodec) Marshal(e Entry) ([]byte, error) {
	return c.enc.Marshal(e)
}

// Unmarshal decodes data into e.
func (c *CBORCodec) Unmarshal(data []byte, e *Entry) error {
	return c.dec.Unmarshal(data, e)
}
