package types

// Feature flag names recognized by the flag store and consulted by child
// services on every /process call.
const (
	FlagErrorsPerTransaction  = "errors_per_transaction"
	FlagErrorsPerVisit        = "errors_per_visit"
	FlagErrorsPerMinute       = "errors_per_minute"
	FlagSlowResponsesEnabled  = "slow_responses_enabled"
	FlagCircuitBreakerEnabled = "circuit_breaker_enabled"
	FlagCacheEnabled          = "cache_enabled"
	FlagErrorInjectionEnabled = "error_injection_enabled"
	FlagRegenerateEveryN      = "regenerate_every_n_transactions"
)

// FlagSet maps flag names to values (bool, float64 or int64 depending on
// the flag).
type FlagSet map[string]any

// Clone returns a shallow copy; flag values are scalars so this is a deep
// copy in practice.
func (f FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge overlays o on top of f and returns the result. Neither input is
// modified. Override wins per key.
func (f FlagSet) Merge(o FlagSet) FlagSet {
	out := f.Clone()
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Float reads a numeric flag, tolerating the numeric types JSON decoding
// may produce.
func (f FlagSet) Float(name string) float64 {
	switch v := f[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Bool reads a boolean flag.
func (f FlagSet) Bool(name string) bool {
	v, _ := f[name].(bool)
	return v
}

// Int reads an integer flag, tolerating float64 from JSON decoding.
func (f FlagSet) Int(name string) int {
	switch v := f[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// FlagState is the persisted shape of the flag store: a complete global set
// plus partial per-service overrides.
type FlagState struct {
	Global    FlagSet            `json:"global"`
	Overrides map[string]FlagSet `json:"overrides"`
	UpdatedAt string             `json:"updatedAt,omitempty"`
}

// DefaultFlags returns the documented default for every recognized flag.
func DefaultFlags() FlagSet {
	return FlagSet{
		FlagErrorsPerTransaction:  0.05,
		FlagErrorsPerVisit:        0.0,
		FlagErrorsPerMinute:       0.0,
		FlagSlowResponsesEnabled:  false,
		FlagCircuitBreakerEnabled: false,
		FlagCacheEnabled:          true,
		FlagErrorInjectionEnabled: true,
		FlagRegenerateEveryN:      10,
	}
}
