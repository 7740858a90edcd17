// Package params normalizes and bounds-checks generation parameters.
//
// Every numeric knob has a fixed inclusive range that does not depend on the
// requested output format. Values inside the range are returned exactly as
// given; nothing is clamped.
package params

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Field names as they appear on the wire.
const (
	FieldText              = "text"
	FieldExaggeration      = "exaggeration"
	FieldTemperature       = "temperature"
	FieldCFGWeight         = "cfg_weight"
	FieldMinP              = "min_p"
	FieldTopP              = "top_p"
	FieldRepetitionPenalty = "repetition_penalty"
	FieldSeed              = "seed"
)

// Params is a validated set of generation parameters.
type Params struct {
	Exaggeration      float64 `json:"exaggeration"`
	Temperature       float64 `json:"temperature"`
	CFGWeight         float64 `json:"cfg_weight"`
	MinP              float64 `json:"min_p"`
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	Seed              int64   `json:"seed"`
}

// Spec describes one floating point parameter.
type Spec struct {
	Field   string
	Min     float64
	Max     float64
	Default float64
	get     func(*Params) *float64
}

// Specs lists the floating point parameters in wire order.
var Specs = []Spec{
	{Field: FieldExaggeration, Min: 0.25, Max: 2.0, Default: 0.5, get: func(p *Params) *float64 { return &p.Exaggeration }},
	{Field: FieldTemperature, Min: 0.05, Max: 5.0, Default: 0.8, get: func(p *Params) *float64 { return &p.Temperature }},
	{Field: FieldCFGWeight, Min: 0.0, Max: 1.0, Default: 0.5, get: func(p *Params) *float64 { return &p.CFGWeight }},
	{Field: FieldMinP, Min: 0.0, Max: 1.0, Default: 0.05, get: func(p *Params) *float64 { return &p.MinP }},
	{Field: FieldTopP, Min: 0.0, Max: 1.0, Default: 1.0, get: func(p *Params) *float64 { return &p.TopP }},
	{Field: FieldRepetitionPenalty, Min: 1.0, Max: 2.0, Default: 1.2, get: func(p *Params) *float64 { return &p.RepetitionPenalty }},
}

// Defaults returns the parameter set used when a request omits every field.
func Defaults() Params {
	var p Params
	for _, s := range Specs {
		*s.get(&p) = s.Default
	}
	return p
}

// InvalidParameterError reports a value outside its allowed range.
type InvalidParameterError struct {
	Field   string
	Value   string
	Allowed string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s %s: allowed %s", e.Field, e.Value, e.Allowed)
}

// ParseError reports a field whose raw value could not be parsed at all.
// It is a request-shape problem rather than a range violation.
type ParseError struct {
	Field string
	Value string
	Want  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %q is not a valid %s", e.Field, e.Value, e.Want)
}

// Invalid builds an InvalidParameterError for fields outside this package,
// such as output_format or reference_audio.
func Invalid(field, value, allowed string) error {
	return &InvalidParameterError{Field: field, Value: value, Allowed: allowed}
}

// Validate checks every field independently. All violations are joined;
// errors.As on the result yields the first one in wire order.
func (p Params) Validate() error {
	var errs []error
	for _, s := range Specs {
		v := *s.get(&p)
		if math.IsNaN(v) || v < s.Min || v > s.Max {
			errs = append(errs, &InvalidParameterError{
				Field:   s.Field,
				Value:   strconv.FormatFloat(v, 'g', -1, 64),
				Allowed: fmt.Sprintf("[%g, %g]", s.Min, s.Max),
			})
		}
	}
	if p.Seed < 0 {
		errs = append(errs, &InvalidParameterError{
			Field:   FieldSeed,
			Value:   strconv.FormatInt(p.Seed, 10),
			Allowed: ">= 0",
		})
	}
	return errors.Join(errs...)
}

// Deterministic reports whether the engine must reproduce output for this seed.
func (p Params) Deterministic() bool {
	return p.Seed != 0
}

// Parse reads raw string fields through lookup. Absent or empty fields take
// their defaults. The result is not range-checked; call Validate.
func Parse(lookup func(field string) (string, bool)) (Params, error) {
	p := Defaults()
	for _, s := range Specs {
		raw, ok := lookup(s.Field)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Params{}, &ParseError{Field: s.Field, Value: raw, Want: "number"}
		}
		*s.get(&p) = v
	}

	if raw, ok := lookup(FieldSeed); ok && strings.TrimSpace(raw) != "" {
		raw = strings.TrimSpace(raw)
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Params{}, &ParseError{Field: FieldSeed, Value: raw, Want: "integer"}
		}
		p.Seed = seed
	}

	return p, nil
}
