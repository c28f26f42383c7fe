// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package validate holds the per-kind payload schemas and the size cap.
// Each job kind registers a typed params struct with validation tags plus
// any cross-field checks; intake rejects a submission before anything is
// persisted. Validation failures are never retryable.
package validate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"camforge/internal/canonical"
	"camforge/internal/routing"
	"camforge/pkg/models"
)

// MaxPayloadBytes caps the canonical serialization of the params object.
// Larger data travels as blob references, never inline.
const MaxPayloadBytes = 262144

// Error codes carried on FieldError.
const (
	CodeKindUnknown     = "KIND_UNKNOWN"
	CodeFieldMissing    = "FIELD_MISSING"
	CodeFieldType       = "FIELD_TYPE"
	CodeRange           = "RANGE"
	CodeCrossField      = "CROSS_FIELD"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
)

// FieldError is one structured validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Errors aggregates validation failures for one submission.
// PayloadSize is set when the canonical payload exceeded MaxPayloadBytes.
type Errors struct {
	Fields      []FieldError `json:"errors"`
	PayloadSize int          `json:"payload_size,omitempty"`
}

// Error implements the error interface.
func (e *Errors) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Code))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether any field error carries the given code.
func (e *Errors) Has(code string) bool {
	for _, f := range e.Fields {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Submission is the envelope slice the validator inspects.
type Submission struct {
	Kind     models.Kind
	Params   json.RawMessage
	ChainCAM bool
	ChainSim bool
}

// Result is a validated submission: canonical params bytes, their SHA-256,
// and the routing tuple for the kind.
type Result struct {
	Canonical []byte
	Hash      string
	Route     routing.Route
}

// crossCheck inspects a decoded params struct for rules tags cannot express.
type crossCheck func(reg *Registry, decoded any) []FieldError

type entry struct {
	params func() any
	cross  []crossCheck
}

// Options configures rule sets that must not be hardcoded.
type Options struct {
	// TaxRates is the accepted set of tax-rate strings for ERP payloads.
	// Empty means DefaultTaxRates.
	TaxRates []string
}

// DefaultTaxRates are the Turkish VAT percentages accepted when no
// configuration overrides them.
var DefaultTaxRates = []string{"0", "1", "8", "10", "18", "20"}

// Registry validates submissions against the per-kind schema table.
type Registry struct {
	v        *validator.Validate
	entries  map[models.Kind]entry
	taxRates map[string]bool
}

// NewRegistry builds the validator with every known kind registered.
func NewRegistry(opts Options) *Registry {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// mintokens=N: string must contain at least N whitespace-separated tokens.
	_ = v.RegisterValidation("mintokens", func(fl validator.FieldLevel) bool {
		want := 0
		if _, err := fmt.Sscanf(fl.Param(), "%d", &want); err != nil {
			return false
		}
		return len(strings.Fields(fl.Field().String())) >= want
	})

	rates := opts.TaxRates
	if len(rates) == 0 {
		rates = DefaultTaxRates
	}
	rateSet := make(map[string]bool, len(rates))
	for _, r := range rates {
		rateSet[r] = true
	}

	reg := &Registry{v: v, taxRates: rateSet}
	reg.entries = map[models.Kind]entry{
		models.KindAI:          {params: func() any { return &AIParams{} }},
		models.KindModel:       {params: func() any { return &ModelParams{} }, cross: []crossCheck{checkModelSource}},
		models.KindAssembly:    {params: func() any { return &AssemblyParams{} }, cross: []crossCheck{checkAssemblyRefs}},
		models.KindCADGenerate: {params: func() any { return &CADFileParams{} }},
		models.KindCADImport:   {params: func() any { return &CADFileParams{} }},
		models.KindCADExport:   {params: func() any { return &CADFileParams{} }},
		models.KindModelRepair: {params: func() any { return &RepairParams{} }},
		models.KindCAM:         {params: func() any { return &CAMParams{} }, cross: []crossCheck{checkMaterialProcess}},
		models.KindCAMProcess:  {params: func() any { return &CAMParams{} }, cross: []crossCheck{checkMaterialProcess}},
		models.KindCAMOptimize: {params: func() any { return &CAMOptimizeParams{} }},
		models.KindGCodePost:   {params: func() any { return &GCodePostParams{} }},
		models.KindGCodeVerify: {params: func() any { return &GCodeVerifyParams{} }},
		models.KindSim:         {params: func() any { return &SimParams{} }},
		models.KindSimRun:      {params: func() any { return &SimParams{} }},
		models.KindSimCollide:  {params: func() any { return &SimCollisionParams{} }},
		models.KindReport:      {params: func() any { return &ReportParams{} }, cross: []crossCheck{checkReportPeriod}},
		models.KindERP:         {params: func() any { return &ERPParams{} }, cross: []crossCheck{checkTaxRate}},
	}
	return reg
}

// Validate checks the submission. On success it returns the canonical
// params, their hash, and the route; on failure the structured errors.
func (reg *Registry) Validate(sub Submission) (*Result, *Errors) {
	route, err := routing.Lookup(sub.Kind)
	if err != nil {
		return nil, &Errors{Fields: []FieldError{{
			Field:   "kind",
			Code:    CodeKindUnknown,
			Message: fmt.Sprintf("unknown job kind %q", sub.Kind),
		}}}
	}
	e, ok := reg.entries[sub.Kind]
	if !ok {
		// Routing and registry must stay in lockstep; a gap is a bug.
		return nil, &Errors{Fields: []FieldError{{
			Field:   "kind",
			Code:    CodeKindUnknown,
			Message: fmt.Sprintf("no schema registered for kind %q", sub.Kind),
		}}}
	}

	params := sub.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	canon, err := canonical.Canonicalize(params)
	if err != nil {
		return nil, &Errors{Fields: []FieldError{{
			Field:   "params",
			Code:    CodeFieldType,
			Message: "params must be a valid JSON value",
		}}}
	}
	if len(canon) > MaxPayloadBytes {
		return nil, &Errors{
			Fields: []FieldError{{
				Field: "params",
				Code:  CodePayloadTooLarge,
				Message: fmt.Sprintf("canonical payload is %d bytes, limit %d; reference large data by blob key",
					len(canon), MaxPayloadBytes),
			}},
			PayloadSize: len(canon),
		}
	}

	decoded := e.params()
	var fields []FieldError
	if err := json.Unmarshal(params, decoded); err != nil {
		fields = append(fields, decodeError(err))
	} else {
		if err := reg.v.Struct(decoded); err != nil {
			fields = append(fields, tagErrors(err)...)
		}
		for _, check := range e.cross {
			fields = append(fields, check(reg, decoded)...)
		}
	}
	if sub.ChainSim && !sub.ChainCAM {
		fields = append(fields, FieldError{
			Field:   "chain_sim",
			Code:    CodeCrossField,
			Message: "simulation chaining requires cam chaining",
		})
	}
	if len(fields) > 0 {
		return nil, &Errors{Fields: fields}
	}
	return &Result{Canonical: canon, Hash: canonical.HashBytes(canon), Route: route}, nil
}

// decodeError maps a json.Unmarshal failure onto a FieldError.
func decodeError(err error) FieldError {
	var typeErr *json.UnmarshalTypeError
	if ok := asTypeError(err, &typeErr); ok {
		field := typeErr.Field
		if field == "" {
			field = "params"
		}
		return FieldError{
			Field:   field,
			Code:    CodeFieldType,
			Message: fmt.Sprintf("expected %s", typeErr.Type),
		}
	}
	return FieldError{Field: "params", Code: CodeFieldType, Message: "params must be a JSON object"}
}

func asTypeError(err error, target **json.UnmarshalTypeError) bool {
	te, ok := err.(*json.UnmarshalTypeError)
	if ok {
		*target = te
	}
	return ok
}

// tagErrors maps validator tag violations onto FieldErrors.
func tagErrors(err error) []FieldError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "params", Code: CodeFieldType, Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fieldPath(fe.Namespace()),
			Code:    codeForTag(fe.Tag()),
			Message: messageForTag(fe.Tag(), fe.Param()),
		})
	}
	return out
}

// fieldPath strips the root struct name from a validator namespace,
// leaving the json path (e.g. "ModelParams.box.w" → "box.w").
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func codeForTag(tag string) string {
	switch tag {
	case "required":
		return CodeFieldMissing
	case "min", "max", "len", "gt", "gte", "lt", "lte", "oneof", "mintokens", "uuid4":
		return CodeRange
	case "datetime":
		return CodeFieldType
	default:
		return CodeRange
	}
}

func messageForTag(tag, param string) string {
	switch tag {
	case "required":
		return "field is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", param)
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", param)
	case "gt":
		return fmt.Sprintf("must be greater than %s", param)
	case "lt":
		return fmt.Sprintf("must be less than %s", param)
	case "len":
		return fmt.Sprintf("must have length %s", param)
	case "oneof":
		return fmt.Sprintf("must be one of: %s", param)
	case "mintokens":
		return fmt.Sprintf("must contain at least %s words", param)
	case "uuid4":
		return "must be a UUID"
	case "datetime":
		return "must be an RFC 3339 timestamp"
	default:
		return fmt.Sprintf("fails %s constraint", tag)
	}
}

// parseRFC3339 is shared by period checks.
func parseRFC3339(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}
