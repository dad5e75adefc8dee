package config

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Section is one named configuration block, e.g. "SensorHeartbeat".
//
// Values keep the shapes produced by the YAML decoder (string, int, float64,
// bool, []any, map[string]any). The typed accessors convert between them the
// way an operator would expect: "5" and 5 are both a valid Int.
//
// A Section is immutable after construction and safe for concurrent reads.
type Section struct {
	name   string
	values map[string]any
}

// NewSection creates a Section. A nil values map is treated as empty.
func NewSection(name string, values map[string]any) Section {
	if values == nil {
		values = map[string]any{}
	}
	return Section{name: name, values: values}
}

// Name returns the section key as it appeared in the file.
func (s Section) Name() string {
	return s.name
}

// Has reports whether key is present.
func (s Section) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Raw returns the undecoded value for key.
func (s Section) Raw(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns all keys in sorted order.
func (s Section) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithDefaults returns a copy of s where every key of defaults that s lacks
// is filled in.
func (s Section) WithDefaults(defaults Section) Section {
	merged := make(map[string]any, len(s.values)+len(defaults.values))
	for k, v := range defaults.values {
		merged[k] = v
	}
	for k, v := range s.values {
		merged[k] = v
	}
	return Section{name: s.name, values: merged}
}

// With returns a copy of s with key set to value.
func (s Section) With(key string, value any) Section {
	merged := make(map[string]any, len(s.values)+1)
	for k, v := range s.values {
		merged[k] = v
	}
	merged[key] = value
	return Section{name: s.name, values: merged}
}

func (s Section) missing(key string) error {
	return fmt.Errorf("%w: %s.%s", ErrMissingOption, s.name, key)
}

func (s Section) invalid(key string, v any, want string) error {
	return fmt.Errorf("%w: %s.%s = %v is not %s", ErrInvalidOption, s.name, key, v, want)
}

// String returns key as a string. Numbers and booleans are formatted.
func (s Section) String(key string) (string, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return "", s.missing(key)
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case int:
		return strconv.Itoa(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return "", s.invalid(key, v, "a string")
	}
}

// StringOr returns key as a string, or def when the key is absent.
func (s Section) StringOr(key, def string) (string, error) {
	if !s.Has(key) {
		return def, nil
	}
	return s.String(key)
}

// Int returns key as an int.
func (s Section) Int(key string) (int, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return 0, s.missing(key)
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case float64:
		if val != math.Trunc(val) {
			return 0, s.invalid(key, v, "an integer")
		}
		return int(val), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, s.invalid(key, v, "an integer")
		}
		return n, nil
	default:
		return 0, s.invalid(key, v, "an integer")
	}
}

// IntOr returns key as an int, or def when the key is absent.
func (s Section) IntOr(key string, def int) (int, error) {
	if !s.Has(key) {
		return def, nil
	}
	return s.Int(key)
}

// Float returns key as a float64.
func (s Section) Float(key string) (float64, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return 0, s.missing(key)
	}
	switch val := v.(type) {
	case int:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, s.invalid(key, v, "a number")
		}
		return f, nil
	default:
		return 0, s.invalid(key, v, "a number")
	}
}

// FloatOr returns key as a float64, or def when the key is absent.
func (s Section) FloatOr(key string, def float64) (float64, error) {
	if !s.Has(key) {
		return def, nil
	}
	return s.Float(key)
}

// Bool returns key as a bool. Strings such as "yes", "on" and "1" are accepted.
func (s Section) Bool(key string) (bool, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return false, s.missing(key)
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case int:
		return val != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0":
			return false, nil
		}
	}
	return false, s.invalid(key, v, "a boolean")
}

// BoolOr returns key as a bool, or def when the key is absent.
func (s Section) BoolOr(key string, def bool) (bool, error) {
	if !s.Has(key) {
		return def, nil
	}
	return s.Bool(key)
}

// Seconds returns key, a number of seconds, as a time.Duration.
func (s Section) Seconds(key string) (time.Duration, error) {
	f, err := s.Float(key)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, s.invalid(key, f, "a non-negative number of seconds")
	}
	return time.Duration(f * float64(time.Second)), nil
}

// SecondsOr returns key as a time.Duration, or def when the key is absent.
func (s Section) SecondsOr(key string, def time.Duration) (time.Duration, error) {
	if !s.Has(key) {
		return def, nil
	}
	return s.Seconds(key)
}

// Strings returns key as a list of strings. A scalar is a one-element list.
func (s Section) Strings(key string) ([]string, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return nil, s.missing(key)
	}
	list, ok := v.([]any)
	if !ok {
		one, err := s.String(key)
		if err != nil {
			return nil, err
		}
		return []string{one}, nil
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		str, err := NewSection(s.name, map[string]any{key: item}).String(key)
		if err != nil {
			return nil, s.invalid(fmt.Sprintf("%s[%d]", key, i), item, "a string")
		}
		out = append(out, str)
	}
	return out, nil
}

// Map returns key as a nested Section named "<parent>.<key>".
func (s Section) Map(key string) (Section, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return Section{}, s.missing(key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Section{}, s.invalid(key, v, "a mapping")
	}
	return NewSection(s.name+"."+key, m), nil
}
