// Package eligibility decides whether a draft assessment version may be
// issued. Module requirements per document type live in a declarative
// catalog so policy changes are data edits, not code changes.
package eligibility

import (
	"encoding/json"
	"strings"

	"assura/api/internal/store"
)

// ModuleRequirement names a module an assessment type is expected to
// contain. Required modules block issue when empty; optional ones only
// produce warnings.
type ModuleRequirement struct {
	Key      string
	Required bool
}

var catalog = map[string][]ModuleRequirement{
	store.DocTypeFRA: {
		{Key: "A1_BUILDING_PROFILE", Required: true},
		{Key: "A2_CONSTRUCTION", Required: true},
		{Key: "A3_HAZARDS_IGNITION", Required: true},
		{Key: "A4_FIRE_PROTECTION", Required: true},
		{Key: "A5_EMERGENCY_ARRANGEMENTS", Required: true},
		{Key: "B1_OCCUPANCY_PROFILE", Required: false},
		{Key: "B2_MANAGEMENT_POLICY", Required: false},
	},
	store.DocTypeFSD: {
		{Key: "D1_DESIGN_BASIS", Required: true},
		{Key: "D2_MEANS_OF_ESCAPE", Required: true},
		{Key: "D3_COMPARTMENTATION", Required: true},
		{Key: "D4_SUPPRESSION_DETECTION", Required: true},
		{Key: "D5_SMOKE_CONTROL", Required: false},
	},
	store.DocTypeDSEAR: {
		{Key: "E1_SUBSTANCE_INVENTORY", Required: true},
		{Key: "E2_ZONING_CLASSIFICATION", Required: true},
		{Key: "E3_IGNITION_CONTROLS", Required: true},
		{Key: "E4_MITIGATION_MEASURES", Required: false},
	},
	store.DocTypeRE: {
		{Key: "R1_SITE_OVERVIEW", Required: true},
		{Key: "R2_PERILS", Required: true},
		{Key: "R3_PROTECTION_SYSTEMS", Required: true},
		{Key: "R4_BUSINESS_INTERRUPTION", Required: false},
		{Key: "R5_RECOMMENDATIONS", Required: false},
	},
}

// Requirements returns the module policy for a document type. The second
// result is false for types without a defined policy; callers then fall
// back to treating every present module as required.
func Requirements(docType string) ([]ModuleRequirement, bool) {
	reqs, ok := catalog[docType]
	return reqs, ok
}

// HasData reports whether an assessor has recorded anything substantive
// on a module: a non-empty data payload, notes, or a completion mark.
func HasData(m store.ModuleInstance) bool {
	if strings.TrimSpace(m.AssessorNotes) != "" {
		return true
	}
	if m.CompletedAt != nil {
		return true
	}
	raw := strings.TrimSpace(string(m.Data))
	if raw == "" || raw == "null" {
		return false
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		// Not an object; any other non-null JSON counts as data.
		return true
	}
	return len(payload) > 0
}
