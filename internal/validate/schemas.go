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

package validate

import "fmt"

// AIParams drives prompt-based model generation.
type AIParams struct {
	Prompt      string `json:"prompt" validate:"required,min=10,mintokens=3"`
	Style       string `json:"style,omitempty" validate:"omitempty,oneof=mechanical organic architectural artistic"`
	MaxVariants int    `json:"max_variants,omitempty" validate:"omitempty,gte=1,lte=10"`
}

// BoxSpec is a parametric box primitive in millimetres.
type BoxSpec struct {
	W float64 `json:"w" validate:"required,gt=0,lte=10000"`
	H float64 `json:"h" validate:"required,gt=0,lte=10000"`
	D float64 `json:"d" validate:"required,gt=0,lte=10000"`
}

// ModelParams generates or ingests a solid model. Exactly one source is
// required: a parametric primitive or an uploaded mesh.
type ModelParams struct {
	Box         *BoxSpec `json:"box,omitempty"`
	MeshBlobKey string   `json:"mesh_blob_key,omitempty"`
	Units       string   `json:"units,omitempty" validate:"omitempty,oneof=mm inch"`
}

func checkModelSource(_ *Registry, decoded any) []FieldError {
	p := decoded.(*ModelParams)
	if p.Box == nil && p.MeshBlobKey == "" {
		return []FieldError{{
			Field:   "box",
			Code:    CodeFieldMissing,
			Message: "either box or mesh_blob_key is required",
		}}
	}
	return nil
}

// AssemblyPart declares one component of an assembly.
type AssemblyPart struct {
	ID      string `json:"id" validate:"required"`
	BlobKey string `json:"blob_key" validate:"required"`
}

// AssemblyConstraint relates two declared parts.
type AssemblyConstraint struct {
	Type  string `json:"type" validate:"required,oneof=mate align insert fasten"`
	Part1 string `json:"part1" validate:"required"`
	Part2 string `json:"part2" validate:"required"`
}

// AssemblyParams assembles declared parts under constraints.
type AssemblyParams struct {
	Parts       []AssemblyPart       `json:"parts" validate:"required,min=1,dive"`
	Constraints []AssemblyConstraint `json:"constraints,omitempty" validate:"omitempty,dive"`
}

// checkAssemblyRefs enforces part-reference integrity: every constraint must
// name declared parts.
func checkAssemblyRefs(_ *Registry, decoded any) []FieldError {
	p := decoded.(*AssemblyParams)
	declared := make(map[string]bool, len(p.Parts))
	for _, part := range p.Parts {
		declared[part.ID] = true
	}
	var errs []FieldError
	for i, c := range p.Constraints {
		for _, ref := range []struct{ field, id string }{
			{"part1", c.Part1},
			{"part2", c.Part2},
		} {
			if ref.id != "" && !declared[ref.id] {
				errs = append(errs, FieldError{
					Field:   fmt.Sprintf("constraints[%d].%s", i, ref.field),
					Code:    CodeCrossField,
					Message: fmt.Sprintf("references undeclared part %q", ref.id),
				})
			}
		}
	}
	return errs
}

// CADFileParams covers cad_generate, cad_import and cad_export.
type CADFileParams struct {
	BlobKey string `json:"blob_key" validate:"required"`
	Format  string `json:"format" validate:"required,oneof=step iges stl obj dxf"`
}

// RepairParams heals a broken mesh within a tolerance.
type RepairParams struct {
	BlobKey   string  `json:"blob_key" validate:"required"`
	Tolerance float64 `json:"tolerance,omitempty" validate:"omitempty,gt=0,lte=1"`
}

// CAMParams plans toolpaths for a model on a given process.
type CAMParams struct {
	ModelBlobKey   string  `json:"model_blob_key" validate:"required"`
	Material       string  `json:"material" validate:"required,oneof=aluminum steel brass titanium abs pom wood"`
	Process        string  `json:"process" validate:"required,oneof=mill3 mill5 turn laser waterjet"`
	ToolDiameterMM float64 `json:"tool_diameter_mm,omitempty" validate:"omitempty,gt=0,lte=100"`
	StepoverPct    float64 `json:"stepover_pct,omitempty" validate:"omitempty,gte=1,lte=100"`
}

// processMaterials lists the machinable materials per process. Absence
// means the pairing is rejected at validation time rather than on the
// machine floor.
var processMaterials = map[string]map[string]bool{
	"mill3":    {"aluminum": true, "steel": true, "brass": true, "titanium": true, "abs": true, "pom": true, "wood": true},
	"mill5":    {"aluminum": true, "steel": true, "brass": true, "titanium": true, "abs": true, "pom": true, "wood": true},
	"waterjet": {"aluminum": true, "steel": true, "brass": true, "titanium": true, "abs": true, "pom": true, "wood": true},
	"turn":     {"aluminum": true, "steel": true, "brass": true, "titanium": true, "abs": true, "pom": true},
	"laser":    {"aluminum": true, "steel": true, "abs": true, "pom": true, "wood": true},
}

func checkMaterialProcess(_ *Registry, decoded any) []FieldError {
	p := decoded.(*CAMParams)
	if p.Material == "" || p.Process == "" {
		return nil // required tags already fired
	}
	allowed, ok := processMaterials[p.Process]
	if !ok || allowed[p.Material] {
		return nil
	}
	return []FieldError{{
		Field:   "material",
		Code:    CodeCrossField,
		Message: fmt.Sprintf("material %q cannot be machined with process %q", p.Material, p.Process),
	}}
}

// CAMOptimizeParams re-optimizes an existing toolpath.
type CAMOptimizeParams struct {
	GCodeBlobKey string `json:"gcode_blob_key" validate:"required"`
	Strategy     string `json:"strategy" validate:"required,oneof=time quality tool_life"`
}

// GCodePostParams post-processes toolpaths for a controller dialect.
type GCodePostParams struct {
	GCodeBlobKey string `json:"gcode_blob_key" validate:"required"`
	Controller   string `json:"controller" validate:"required,oneof=fanuc siemens haas grbl linuxcnc"`
}

// GCodeVerifyParams dry-runs a program against a machine profile.
type GCodeVerifyParams struct {
	GCodeBlobKey   string `json:"gcode_blob_key" validate:"required"`
	MachineProfile string `json:"machine_profile" validate:"required"`
}

// SimParams runs a machining simulation setup.
type SimParams struct {
	SetupBlobKey string `json:"setup_blob_key" validate:"required"`
	Resolution   string `json:"resolution,omitempty" validate:"omitempty,oneof=coarse medium fine"`
}

// SimCollisionParams checks a setup for tool/fixture collisions.
type SimCollisionParams struct {
	SetupBlobKey string  `json:"setup_blob_key" validate:"required"`
	ClearanceMM  float64 `json:"clearance_mm,omitempty" validate:"omitempty,gte=0,lte=50"`
}

// ReportParams renders a production or cost report.
type ReportParams struct {
	ReportType string   `json:"report_type" validate:"required,oneof=production cost toolpath_summary"`
	JobIDs     []string `json:"job_ids,omitempty" validate:"omitempty,min=1,max=100,dive,uuid4"`
	From       string   `json:"from,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To         string   `json:"to,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// checkReportPeriod requires from/to to come as a pair in order.
func checkReportPeriod(_ *Registry, decoded any) []FieldError {
	p := decoded.(*ReportParams)
	if p.From == "" && p.To == "" {
		return nil
	}
	if p.From == "" || p.To == "" {
		return []FieldError{{
			Field:   "from",
			Code:    CodeCrossField,
			Message: "from and to must be provided together",
		}}
	}
	from, okFrom := parseRFC3339(p.From)
	to, okTo := parseRFC3339(p.To)
	if !okFrom || !okTo {
		return nil // datetime tags already fired
	}
	if !from.Before(to) {
		return []FieldError{{
			Field:   "to",
			Code:    CodeCrossField,
			Message: "to must be after from",
		}}
	}
	return nil
}

// ERPParams synchronizes orders and invoices with the ERP.
type ERPParams struct {
	Operation string  `json:"operation" validate:"required,oneof=invoice_sync order_sync price_update"`
	TaxRate   string  `json:"tax_rate,omitempty"`
	OrderIDs  []int64 `json:"order_ids,omitempty" validate:"omitempty,min=1,max=500"`
}

// checkTaxRate accepts only configured tax-rate percentages. The set is
// configuration (defaults to Turkish VAT rates), never hardcoded call-side.
func checkTaxRate(reg *Registry, decoded any) []FieldError {
	p := decoded.(*ERPParams)
	if p.TaxRate == "" || reg.taxRates[p.TaxRate] {
		return nil
	}
	return []FieldError{{
		Field:   "tax_rate",
		Code:    CodeRange,
		Message: fmt.Sprintf("tax rate %q is not an accepted rate", p.TaxRate),
	}}
}
