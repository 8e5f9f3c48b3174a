// Package params reads typed values out of decoded request parameters.
//
// Values come from JSON or structpb decoding, so numbers arrive as float64.
package params

import (
	"fmt"
	"math"
	"strings"

	"github.com/and161185/kilnkeeper/internal/errs"
)

// Params is a decoded request body.
type Params map[string]any

// String returns the trimmed string at key, or "" when absent.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.Invalid(fmt.Sprintf("%s must be a string", key))
	}
	return strings.TrimSpace(s), nil
}

// RequiredString returns the string at key or an invalid-argument error when empty.
func (p Params) RequiredString(key string) (string, error) {
	s, err := p.String(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", errs.Invalid(fmt.Sprintf("%s is required", key))
	}
	return s, nil
}

// Int64 returns the integral number at key; ok is false when absent.
func (p Params) Int64(key string) (n int64, ok bool, err error) {
	v, present := p[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, true, errs.Invalid(fmt.Sprintf("%s must be an integer", key))
		}
		// int64 covers [-2^63, 2^63); beyond that the conversion is undefined
		if x >= 1<<63 || x < -(1<<63) {
			return 0, true, errs.Invalid(fmt.Sprintf("%s out of range", key))
		}
		return int64(x), true, nil
	case int:
		return int64(x), true, nil
	case int64:
		return x, true, nil
	default:
		return 0, true, errs.Invalid(fmt.Sprintf("%s must be a number", key))
	}
}

// Int is Int64 narrowed to int.
func (p Params) Int(key string) (int, bool, error) {
	n, ok, err := p.Int64(key)
	if err != nil {
		return 0, ok, err
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0, ok, errs.Invalid(fmt.Sprintf("%s out of range", key))
	}
	return int(n), ok, nil
}

// Bool returns the bool at key, false when absent.
func (p Params) Bool(key string) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errs.Invalid(fmt.Sprintf("%s must be a boolean", key))
	}
	return b, nil
}

// Object returns the nested object at key, empty when absent.
func (p Params) Object(key string) (Params, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return Params{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errs.Invalid(fmt.Sprintf("%s must be an object", key))
	}
	return Params(m), nil
}
