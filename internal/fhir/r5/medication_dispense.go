package r5

import (
	"encoding/json"
	"strings"
)

// MedicationDispense represents a FHIR R5 MedicationDispense resource.
// One dispense is one pharmacy fill event.
type MedicationDispense struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// Status of the dispense
	Status string `json:"status"` // preparation | in-progress | cancelled | on-hold | completed | entered-in-error | stopped | declined | unknown

	// Medication dispensed (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) who received the medication
	Subject Reference `json:"subject"`

	Performer []Reference `json:"performer,omitempty"`
	Location  *Reference  `json:"location,omitempty"`

	AuthorizingPrescription []Reference `json:"authorizingPrescription,omitempty"`

	Quantity   *Quantity `json:"quantity,omitempty"`
	DaysSupply *Quantity `json:"daysSupply,omitempty"`

	// FHIR dateTime values are kept as text; they may be date-only.
	WhenPrepared   string `json:"whenPrepared,omitempty"`
	WhenHandedOver string `json:"whenHandedOver,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationDispense) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	if m.Subject.Identifier != nil {
		return m.Subject.Identifier.Value
	}
	return ""
}

// GetMedicationDisplay returns the medication's text, display or code.
func (m *MedicationDispense) GetMedicationDisplay() string {
	c := m.Medication.Concept
	if c == nil {
		if m.Medication.Reference != nil {
			if m.Medication.Reference.Display != "" {
				return m.Medication.Reference.Display
			}
			return extractIDFromReference(m.Medication.Reference.Reference)
		}
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	for _, coding := range c.Coding {
		if coding.Display != "" {
			return coding.Display
		}
	}
	if len(c.Coding) > 0 {
		return c.Coding[0].Code
	}
	return ""
}

// GetDaysSupply returns the days supply and whether it is expressed in days.
func (m *MedicationDispense) GetDaysSupply() (float64, bool) {
	if m.DaysSupply == nil {
		return 0, false
	}
	switch strings.ToLower(m.DaysSupply.Unit) {
	case "", "d", "day", "days":
		return m.DaysSupply.Value, true
	}
	switch m.DaysSupply.Code {
	case "d":
		return m.DaysSupply.Value, true
	}
	return m.DaysSupply.Value, false
}

// GetFillDate returns the date part of whenHandedOver, falling back to
// whenPrepared.
func (m *MedicationDispense) GetFillDate() string {
	when := m.WhenHandedOver
	if when == "" {
		when = m.WhenPrepared
	}
	if len(when) > 10 {
		when = when[:10]
	}
	return when
}

// IsCompleted reports whether the medication was actually handed over.
func (m *MedicationDispense) IsCompleted() bool {
	return m.Status == DispenseStatusCompleted
}

// FromJSON deserializes a MedicationDispense from JSON.
func (m *MedicationDispense) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
