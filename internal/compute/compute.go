// Package compute is the boundary to the calculation engine. The real
// engine is a separate system; this package defines the contract it
// must satisfy and ships a deterministic placeholder implementation.
package compute

import "context"

// Result is the raw output of a calculation, before it is wrapped in a
// response envelope.
type Result struct {
	Values        map[string]any
	Assumptions   []string
	Warnings      []string
	Intermediates map[string]any
}

// Calculator produces the deterministic calculation for a project's
// inputs. Implementations must be pure with respect to inputs: the same
// inputs always yield the same Result.
type Calculator interface {
	Compute(ctx context.Context, inputs map[string]any) (Result, error)
}

// Stub is the placeholder calculator: simple, deterministic arithmetic
// standing in for the engineering engine.
type Stub struct{}

func (Stub) Compute(ctx context.Context, inputs map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res := Result{
		Values:        map[string]any{},
		Intermediates: map[string]any{},
	}

	width := number(inputs, "width_ft")
	height := number(inputs, "height_ft")
	if width <= 0 || height <= 0 {
		res.Assumptions = append(res.Assumptions, "cannot solve: sign face dimensions missing or non-positive")
		return res, nil
	}
	area := width * height
	res.Intermediates["area_sqft"] = area

	wind := number(inputs, "wind_speed_mph")
	if wind <= 0 {
		wind = 115
		res.Assumptions = append(res.Assumptions, "warning: wind speed not provided, defaulted to 115 mph")
	}
	// Placeholder velocity-pressure arithmetic, not a code-compliant run.
	pressure := 0.00256 * wind * wind * 0.85
	res.Intermediates["design_pressure_psf"] = pressure

	load := pressure * area
	res.Values["area_sqft"] = area
	res.Values["design_pressure_psf"] = pressure
	res.Values["design_load_lbf"] = load
	if load > 20000 {
		res.Assumptions = append(res.Assumptions, "request engineering review: design load exceeds catalog range")
	}
	return res, nil
}

func number(inputs map[string]any, key string) float64 {
	switch v := inputs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
