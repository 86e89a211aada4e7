// Package envelope builds the standard response wrapper carrying a
// result, its assumptions, a confidence score, and an audit trace.
//
// The content hash is computed over the result after rounding every
// float to three decimal places and re-serializing with sorted keys, so
// semantically identical computations from different call sites hash
// identically regardless of insertion order or float noise.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ReviewThreshold is the confidence below which a result is suppressed
// and flagged for manual review.
const ReviewThreshold = 0.5

// HashPrecision is the number of decimal places floats are rounded to
// before hashing.
const HashPrecision = 3

// ReviewAssumption is appended whenever a result is suppressed for low
// confidence.
const ReviewAssumption = "requires manual review: confidence below threshold"

// FieldError ties a validation failure to the offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Trace records the inputs and intermediates behind a computed result.
type Trace struct {
	Inputs           map[string]any `json:"inputs,omitempty"`
	Intermediates    map[string]any `json:"intermediates,omitempty"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	CodeVersion      string         `json:"code_version,omitempty"`
	ConstantsVersion string         `json:"constants_version,omitempty"`
	ModelConfig      map[string]any `json:"model_config,omitempty"`
}

// Envelope is the wire shape every endpoint returns.
type Envelope struct {
	Result      any          `json:"result"`
	Assumptions []string     `json:"assumptions"`
	Warnings    []string     `json:"warnings"`
	Errors      []FieldError `json:"errors"`
	Confidence  float64      `json:"confidence"`
	ContentHash string       `json:"content_hash"`
	Trace       Trace        `json:"trace"`
}

// Build wraps a computed result. It is a pure transformation.
//
// Invariants enforced here, not by callers:
//   - confidence < ReviewThreshold forces Result to nil and appends
//     ReviewAssumption
//   - a non-empty Errors slice forces Result to nil
func Build(result any, assumptions, warnings []string, errs []FieldError, confidence float64, trace Trace) Envelope {
	confidence = clamp(confidence)
	env := Envelope{
		Result:      result,
		Assumptions: append([]string{}, assumptions...),
		Warnings:    append([]string{}, warnings...),
		Errors:      append([]FieldError{}, errs...),
		Confidence:  confidence,
		Trace:       trace,
	}
	if len(env.Errors) > 0 {
		env.Result = nil
	}
	if confidence < ReviewThreshold {
		env.Result = nil
		if !hasAssumption(env.Assumptions, ReviewAssumption) {
			env.Assumptions = append(env.Assumptions, ReviewAssumption)
		}
	}
	// Canonicalize the served result too, not just the hashed form, so
	// a replayed envelope serializes byte-identically to the original.
	env.Result = Canonical(env.Result)
	env.Trace.Outputs = canonicalMap(env.Trace.Outputs)
	env.ContentHash = ContentHash(env.Result)
	return env
}

// ContentHash returns the sha256 hex digest of the rounded, canonically
// ordered JSON form of v. A nil result hashes the JSON literal null.
func ContentHash(v any) string {
	canonical, err := json.Marshal(Canonical(v))
	if err != nil {
		// Only unmarshalable inputs land here; hash the error text so
		// the field is never empty.
		canonical = []byte(fmt.Sprintf("%q", err.Error()))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Canonical converts v to its canonical form: JSON round-trip into maps
// and slices (encoding/json sorts map keys on output) with every float
// rounded to HashPrecision decimal places.
func Canonical(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return v
	}
	return roundFloats(generic)
}

func roundFloats(v any) any {
	switch t := v.(type) {
	case float64:
		return roundTo(t, HashPrecision)
	case map[string]any:
		for k, val := range t {
			t[k] = roundFloats(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = roundFloats(val)
		}
		return t
	default:
		return v
	}
}

func roundTo(f float64, places int) float64 {
	shift := math.Pow10(places)
	return math.Round(f*shift) / shift
}

func canonicalMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, ok := Canonical(m).(map[string]any)
	if !ok {
		return m
	}
	return out
}

// SortByKey orders a slice of maps by the given key so collections hash
// stably across processes. Insertion order is never reproducible.
func SortByKey(items []map[string]any, key string) []map[string]any {
	sorted := append([]map[string]any{}, items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return fmt.Sprint(sorted[i][key]) < fmt.Sprint(sorted[j][key])
	})
	return sorted
}

// CalcConfidence scores a result from its assumption strings. Penalties:
// abstain/cannot-solve -0.5, no-feasible -0.4, fail -0.3, request
// engineering -0.3, warning -0.1. Clamped to [0,1].
func CalcConfidence(assumptions []string) float64 {
	confidence := 1.0
	for _, a := range assumptions {
		lower := strings.ToLower(a)
		switch {
		case strings.Contains(lower, "abstain") || strings.Contains(lower, "cannot solve"):
			confidence -= 0.5
		case strings.Contains(lower, "no feasible"):
			confidence -= 0.4
		case strings.Contains(lower, "fail"):
			confidence -= 0.3
		case strings.Contains(lower, "request engineering"):
			confidence -= 0.3
		case strings.Contains(lower, "warning"):
			confidence -= 0.1
		}
	}
	return clamp(confidence)
}

func clamp(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func hasAssumption(assumptions []string, want string) bool {
	for _, a := range assumptions {
		if a == want {
			return true
		}
	}
	return false
}
