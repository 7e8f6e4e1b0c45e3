package flags

import (
	"errors"
	"fmt"

	"github.com/caravanhq/caravan/pkg/types"
)

var (
	// ErrUnknownFlag rejects mutations of unrecognized flag names.
	ErrUnknownFlag = errors.New("unknown feature flag")
	// ErrInvalidValue rejects values of the wrong type or outside the
	// allowed domain. No state changes on rejection.
	ErrInvalidValue = errors.New("invalid feature flag value")
)

type flagKind int

const (
	kindProbability flagKind = iota // real in [0,1]
	kindRate                        // real >= 0
	kindBool
	kindPositiveInt // integer >= 1
)

var flagKinds = map[string]flagKind{
	types.FlagErrorsPerTransaction:  kindProbability,
	types.FlagErrorsPerVisit:        kindProbability,
	types.FlagErrorsPerMinute:       kindRate,
	types.FlagSlowResponsesEnabled:  kindBool,
	types.FlagCircuitBreakerEnabled: kindBool,
	types.FlagCacheEnabled:          kindBool,
	types.FlagErrorInjectionEnabled: kindBool,
	types.FlagRegenerateEveryN:      kindPositiveInt,
}

// Known reports whether name is a recognized flag.
func Known(name string) bool {
	_, ok := flagKinds[name]
	return ok
}

// Names returns every recognized flag name.
func Names() []string {
	out := make([]string, 0, len(flagKinds))
	for name := range flagKinds {
		out = append(out, name)
	}
	return out
}

// Validate type-checks and range-checks a flag value, returning the
// normalized representation (float64 for reals, int for integers).
func Validate(name string, value any) (any, error) {
	kind, ok := flagKinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}

	switch kind {
	case kindProbability:
		f, ok := asFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a number, got %T", ErrInvalidValue, name, value)
		}
		if f < 0 || f > 1 {
			return nil, fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidValue, name, f)
		}
		return f, nil

	case kindRate:
		f, ok := asFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a number, got %T", ErrInvalidValue, name, value)
		}
		if f < 0 {
			return nil, fmt.Errorf("%w: %s must be >= 0, got %v", ErrInvalidValue, name, f)
		}
		return f, nil

	case kindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a boolean, got %T", ErrInvalidValue, name, value)
		}
		return b, nil

	case kindPositiveInt:
		f, ok := asFloat(value)
		if !ok || f != float64(int(f)) {
			return nil, fmt.Errorf("%w: %s expects an integer, got %v", ErrInvalidValue, name, value)
		}
		if int(f) < 1 {
			return nil, fmt.Errorf("%w: %s must be >= 1, got %d", ErrInvalidValue, name, int(f))
		}
		return int(f), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
