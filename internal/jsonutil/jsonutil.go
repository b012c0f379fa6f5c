// Package jsonutil provides the enum marshaling helpers shared by the
// string-backed enum types (phases, stop reasons, provider error kinds,
// task statuses).
package jsonutil

import (
	"encoding/json"
	"fmt"
)

// StringEnum is a constraint for enum types that have a String() method.
type StringEnum interface {
	String() string
}

// MarshalEnum marshals an enum value to JSON as its string representation.
// This is a generic helper for implementing json.Marshaler on enum types.
func MarshalEnum[T StringEnum](v T) ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalEnum unmarshals an enum value from its JSON string representation.
// parseFunc converts the string to the enum value, or errors if invalid.
func UnmarshalEnum[T StringEnum](data []byte, parseFunc func(string) (T, error)) (T, error) {
	var zero T
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return zero, err
	}
	return parseFunc(s)
}

// ParseEnumError creates a standardized error message for invalid enum string values.
func ParseEnumError(enumName, value string) error {
	return fmt.Errorf("unknown %s: %s", enumName, value)
}
