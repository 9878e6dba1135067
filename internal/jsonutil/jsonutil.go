// Package jsonutil provides small, panic-free JSON helpers used by the
// queue layer to move opaque payloads without hand-rolling
// marshal error handling at every call site.
package jsonutil

import (
	"encoding/json"
	"fmt"
)

// Marshal serializes v, wrapping any error with context about the caller.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsonutil: marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal deserializes data into v, wrapping any error with context.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsonutil: unmarshal into %T: %w", v, err)
	}
	return nil
}

// MustMarshalString serializes v to a string, returning "{}" on error. Used
// only for log fields where a malformed payload must never block logging.
func MustMarshalString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
