package marks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Mark is an optional mark value. The zero value holds no mark.
// A Mark never carries NaN or an infinity.
type Mark struct {
	value float64
	set   bool
}

// NoMark returns an empty mark.
func NoMark() Mark { return Mark{} }

// MarkOf returns a mark holding v, or an empty mark when v is not finite.
func MarkOf(v float64) Mark {
	if !isFinite(v) {
		return Mark{}
	}
	return Mark{value: v, set: true}
}

// Value returns the mark and whether one is present.
func (m Mark) Value() (float64, bool) { return m.value, m.set }

// IsSet reports whether the mark holds a value.
func (m Mark) IsSet() bool { return m.set }

// String formats the mark without trailing zeros; an empty mark is "".
func (m Mark) String() string {
	if !m.set {
		return ""
	}
	return strconv.FormatFloat(m.value, 'f', -1, 64)
}

// Equal compares two marks by presence and value.
func (m Mark) Equal(o Mark) bool {
	return m.set == o.set && (!m.set || m.value == o.value)
}

// MarshalJSON encodes the mark as a number or null.
func (m Mark) MarshalJSON() ([]byte, error) {
	if !m.set {
		return []byte("null"), nil
	}
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or null. Any other JSON value leaves
// the mark empty instead of failing, so a single bad field never rejects a
// whole record.
func (m *Mark) UnmarshalJSON(data []byte) error {
	*m = Mark{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return nil //nolint:nilerr // non-numeric marks degrade to no mark
	}
	*m = MarkOf(v)
	return nil
}

// DecodeMark reads a mark typed by a person: null clears it, a JSON number
// sets it, anything else is an error.
func DecodeMark(data []byte) (Mark, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return NoMark(), nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return NoMark(), fmt.Errorf("mark must be a number or null, got %s", data)
	}
	return MarkOf(v), nil
}

// MarshalYAML encodes the mark as a float or null.
func (m Mark) MarshalYAML() (interface{}, error) {
	if !m.set {
		return nil, nil
	}
	return m.value, nil
}

// UnmarshalYAML decodes a float or null node.
func (m *Mark) UnmarshalYAML(node *yaml.Node) error {
	*m = Mark{}
	if node.Tag == "!!null" || node.Value == "" {
		return nil
	}
	var v float64
	if err := node.Decode(&v); err != nil {
		return fmt.Errorf("mark: %w", err)
	}
	*m = MarkOf(v)
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
