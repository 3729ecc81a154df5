// Package codec converts message payloads to and from broker body bytes.
//
// Two encodings are supported:
//
//   - "default": []byte, string and json.RawMessage pass through unchanged,
//     any other value is JSON-serialized. Decoding returns the bytes as-is.
//   - "zlib": the payload is JSON-serialized and then deflated with zlib framing.
//     Decoding inflates and parses JSON.
//
// Unknown encoding names fall back to "default".
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Encoding names.
const (
	Default = "default"
	Zlib    = "zlib"
)

// ErrMalformed is wrapped by decode errors caused by corrupt input.
var ErrMalformed = errors.New("malformed message body")

// Encode serializes v for the given encoding.
func Encode(v any, encoding string) ([]byte, error) {
	if Normalize(encoding) == Zlib {
		return encodeZlib(v)
	}
	return encodeDefault(v)
}

// Decode converts body bytes into a payload. With "default" the bytes are
// returned unchanged. With "zlib" the result is the parsed JSON value
// (map[string]any, []any, string, float64, bool or nil).
func Decode(data []byte, encoding string) (any, error) {
	if Normalize(encoding) != Zlib {
		return data, nil
	}
	raw, err := inflate(data)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

// DecodeInto unmarshals the body into v. For "default" the body must hold JSON.
func DecodeInto(data []byte, encoding string, v any) error {
	raw := data
	if Normalize(encoding) == Zlib {
		var err error
		if raw, err = inflate(data); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Normalize maps an encoding name to a supported one.
func Normalize(encoding string) string {
	if encoding == Zlib {
		return Zlib
	}
	return Default
}

func encodeDefault(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case json.RawMessage:
		return b, nil
	case nil:
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

func encodeZlib(v any) ([]byte, error) {
	var raw []byte
	switch b := v.(type) {
	case json.RawMessage:
		raw = b
	default:
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}
