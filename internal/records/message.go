package records

import (
	"encoding/json"
	"fmt"

	"hkit.org/internal/domain"
)

// SampleMessage builds the illustrative HL7 v2 payload and FHIR rendering
// shown for an interop event. Nothing is parsed or validated.
func SampleMessage(evt domain.InteropEvent) domain.MessageDetail {
	raw := fmt.Sprintf("MSH|^~\\&|EMR|GHILORIN|HKIT|KWARA|20241123142345||ADT^A01|MSG0001|P|2.5\nPID|1||%d^^^MRN||DOE^JOHN^A||19800101|M|||...", evt.ID)

	status := "draft"
	if evt.Status == "success" {
		status = "active"
	}
	fhir, _ := json.MarshalIndent(map[string]any{
		"resourceType": evt.Resource,
		"id":           evt.ID,
		"meta":         map[string]any{"lastUpdated": evt.Timestamp},
		"status":       status,
	}, "", "  ")

	var problems []string
	switch evt.Status {
	case "failed":
		problems = []string{
			"Missing required field: Patient.identifier[0].value",
			"Invalid code system for Encounter.class",
		}
	case "warning":
		problems = []string{"Coding system not recognized (SNOMED CT expected)"}
	default:
		problems = []string{}
	}

	return domain.MessageDetail{
		ID:               evt.ID,
		Status:           evt.Status,
		Resource:         evt.Resource,
		RawPayload:       raw,
		FHIROutput:       string(fhir),
		ValidationErrors: problems,
	}
}
