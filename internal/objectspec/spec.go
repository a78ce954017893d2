// Package objectspec describes a constructible object by class name plus a
// mapping of named arguments, as found in deployment configuration.
package objectspec

import (
	"fmt"
	"maps"
)

// Args holds constructor arguments. Values decoded from YAML or JSON may be
// int, int64, float64 or string; the typed getters normalize them.
type Args map[string]any

// Spec names a constructor and the arguments to call it with.
type Spec struct {
	ClassName string `yaml:"class_name" json:"class_name"`
	Args      Args   `yaml:"args,omitempty" json:"args,omitempty"`
}

// WithInjected returns a copy of s whose args are completed with defaults.
// A default is used only when s does not set that key itself.
func (s Spec) WithInjected(defaults Args) Spec {
	merged := make(Args, len(s.Args)+len(defaults))
	maps.Copy(merged, defaults)
	maps.Copy(merged, s.Args)
	return Spec{ClassName: s.ClassName, Args: merged}
}

// Has reports whether key is set.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Int returns the integer stored under key. A missing key yields 0, false.
func (a Args) Int(key string) (int, bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int32:
		return int(n), true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, true, fmt.Errorf("arg %q: %v is not an integer", key, n)
		}
		return int(n), true, nil
	default:
		return 0, true, fmt.Errorf("arg %q: expected integer, got %T", key, v)
	}
}

// String returns the string stored under key.
func (a Args) String(key string) (string, bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", true, fmt.Errorf("arg %q: expected string, got %T", key, v)
	}
	return s, true, nil
}
