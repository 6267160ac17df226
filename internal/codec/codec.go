// Package codec serializes credential and key records whose fields may
// contain raw binary data into a JSON payload safe for a textual row store.
// Byte slices are tagged as {"__binary__": "<base64>"} on encode and
// restored byte-exact on decode; every other JSON-compatible value passes
// through unchanged.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// binaryTag is the object key marking an encoded byte slice.
const binaryTag = "__binary__"

// CodecError wraps a payload that could not be encoded or decoded.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Binary is a byte slice that marshals to the tagged object form. Record
// types store all raw key material as Binary so a plain json.Marshal of
// the struct produces the tagged payload.
type Binary []byte

// MarshalJSON encodes the bytes as {"__binary__": "<base64>"}.
func (b Binary) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{binaryTag: base64.StdEncoding.EncodeToString(b)})
}

// UnmarshalJSON accepts the tagged object form and, for tolerance with
// hand-written fixtures, a bare base64 string.
func (b *Binary) UnmarshalJSON(data []byte) error {
	var tagged map[string]string
	if err := json.Unmarshal(data, &tagged); err == nil {
		if enc, ok := tagged[binaryTag]; ok && len(tagged) == 1 {
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return &CodecError{Op: "decode", Err: err}
			}
			*b = raw
			return nil
		}
		return &CodecError{Op: "decode", Err: fmt.Errorf("object is not a binary tag")}
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &CodecError{Op: "decode", Err: err}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return &CodecError{Op: "decode", Err: err}
	}
	*b = raw
	return nil
}

// Encode serializes v to a storable payload. Byte slices anywhere in a
// map/slice tree are tagged; struct values rely on their Binary fields.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(tagBinaries(v))
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return data, nil
}

// Decode parses a payload produced by Encode into a generic value tree.
// Tagged objects come back as Binary. A genuine map that happens to hold a
// single "__binary__" string key is indistinguishable from a tag and
// decodes as Binary; callers that need such a map must nest it.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}
	out, err := untagBinaries(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeInto parses a payload into a typed record. Binary fields restore
// themselves; any parse failure surfaces as a CodecError.
func DecodeInto(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		var cerr *CodecError
		if errors.As(err, &cerr) {
			return err
		}
		return &CodecError{Op: "decode", Err: err}
	}
	return nil
}

func tagBinaries(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Binary:
		return t
	case []byte:
		return Binary(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = tagBinaries(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = tagBinaries(val)
		}
		return out
	default:
		return v
	}
}

func untagBinaries(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if enc, ok := t[binaryTag].(string); ok && len(t) == 1 {
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, &CodecError{Op: "decode", Err: err}
			}
			return Binary(raw), nil
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			conv, err := untagBinaries(val)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			conv, err := untagBinaries(val)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	default:
		return v, nil
	}
}
