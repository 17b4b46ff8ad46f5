// internal/model/draft.go
package model

import (
	"fmt"
	"strings"
)

// Step is a stage of the report wizard.
type Step int

const (
	StepType     Step = iota // Choose the incident type
	StepCapture              // Capture the license plate for vehicle incidents
	StepLocation             // Pin the location
	StepDetails              // Optional description and media
	StepReview               // Final review before submission
)

func (s Step) String() string {
	switch s {
	case StepType:
		return "type"
	case StepCapture:
		return "capture"
	case StepLocation:
		return "location"
	case StepDetails:
		return "details"
	case StepReview:
		return "review"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Media is a single binary attachment on a report.
type Media struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"-"`
}

// ReportDraft is a report under construction.
type ReportDraft struct {
	IncidentType IncidentType `json:"incidentType"`
	Subcategory  string       `json:"subcategory,omitempty"`
	LicensePlate string       `json:"licensePlate,omitempty"`
	Location     *Location    `json:"location,omitempty"`
	Description  string       `json:"description,omitempty"`
	Media        *Media       `json:"-"`
}

// DraftError describes why a draft may not leave a wizard step.
type DraftError struct {
	Step    Step
	Field   string
	Message string
}

func (e *DraftError) Error() string {
	return fmt.Sprintf("%s step: %s: %s", e.Step, e.Field, e.Message)
}

// CanAdvance checks the guard for leaving step. A nil error means the wizard may move on.
func (d *ReportDraft) CanAdvance(step Step) error {
	switch step {
	case StepType:
		if d.IncidentType == "" {
			return &DraftError{Step: step, Field: "incidentType", Message: "is required"}
		}
		if !d.IncidentType.Valid() {
			return &DraftError{Step: step, Field: "incidentType", Message: fmt.Sprintf("unknown type %q", d.IncidentType)}
		}
	case StepCapture:
		if RequiresPlate(d.IncidentType) && strings.TrimSpace(d.LicensePlate) == "" {
			return &DraftError{Step: step, Field: "licensePlate", Message: "is required for vehicle incidents"}
		}
	case StepLocation:
		if d.Location == nil {
			return &DraftError{Step: step, Field: "location", Message: "is required"}
		}
		if !d.Location.Valid() {
			return &DraftError{Step: step, Field: "location", Message: "is out of range"}
		}
	}
	return nil
}

// Validate runs every step guard in order and returns the first failure.
func (d *ReportDraft) Validate() error {
	for step := StepType; step <= StepReview; step++ {
		if err := d.CanAdvance(step); err != nil {
			return err
		}
	}
	return nil
}
