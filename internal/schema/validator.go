// internal/schema/validator.go
// Package schema validates request payloads against JSON schemas before the
// backend anonymizes and stores them.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/WayShare/wayshare-go/internal/metrics"
	"github.com/WayShare/wayshare-go/internal/model"
)

// Schema names.
const (
	ReportSubmission = "report.submission"
	AuthCredentials  = "auth.credentials"
)

// Field limits enforced by the submission schema.
const (
	MaxPlateLength       = 16
	MaxSubcategoryLength = 64
	MaxDescriptionLength = 2000
	MaxSessionIDLength   = 128
	MinPasswordLength    = 8
)

// ValidationError lists per-field failures. Keys are dotted paths such as "location.lat".
type ValidationError struct {
	Schema string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%s validation failed: %s", e.Schema, strings.Join(parts, "; "))
}

// Validator holds the compiled schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	metrics *metrics.Metrics
}

// NewValidator compiles every supported schema.
func NewValidator(m *metrics.Metrics) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema), metrics: m}

	submission, err := submissionSchema()
	if err != nil {
		return nil, err
	}
	if err := v.loadSchema(ReportSubmission, submission); err != nil {
		return nil, err
	}

	credentials := fmt.Sprintf(`{"type":"object","required":["email","password"],"properties":{`+
		`"email":{"type":"string","format":"email","maxLength":254},`+
		`"password":{"type":"string","minLength":%d,"maxLength":128}}}`, MinPasswordLength)
	if err := v.loadSchema(AuthCredentials, credentials); err != nil {
		return nil, err
	}
	return v, nil
}

// submissionSchema builds the report schema. Vehicle incident types require a plate.
func submissionSchema() (string, error) {
	var all, vehicle []string
	for _, t := range model.IncidentTypes() {
		all = append(all, string(t))
		if model.RequiresPlate(t) {
			vehicle = append(vehicle, string(t))
		}
	}

	doc := map[string]interface{}{
		"type":     "object",
		"required": []string{"sessionId", "incidentType", "location"},
		"properties": map[string]interface{}{
			"sessionId":    map[string]interface{}{"type": "string", "minLength": 1, "maxLength": MaxSessionIDLength},
			"incidentType": map[string]interface{}{"type": "string", "enum": all},
			"subcategory":  map[string]interface{}{"type": "string", "maxLength": MaxSubcategoryLength},
			"licensePlate": map[string]interface{}{"type": "string", "maxLength": MaxPlateLength},
			"description":  map[string]interface{}{"type": "string", "maxLength": MaxDescriptionLength},
			"location": map[string]interface{}{
				"type":     "object",
				"required": []string{"lat", "lng"},
				"properties": map[string]interface{}{
					"lat": map[string]interface{}{"type": "number", "minimum": -90, "maximum": 90},
					"lng": map[string]interface{}{"type": "number", "minimum": -180, "maximum": 180},
				},
			},
		},
		"if": map[string]interface{}{
			"properties": map[string]interface{}{"incidentType": map[string]interface{}{"enum": vehicle}},
			"required":   []string{"incidentType"},
		},
		"then": map[string]interface{}{
			"required": []string{"licensePlate"},
			"properties": map[string]interface{}{
				"licensePlate": map[string]interface{}{"type": "string", "pattern": `\S`},
			},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to build submission schema: %w", err)
	}
	return string(b), nil
}

func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks doc against the named schema. It returns a *ValidationError
// when doc is well-formed but invalid.
func (v *Validator) Validate(name string, doc interface{}) error {
	start := time.Now()
	err := v.validate(name, doc)
	if v.metrics != nil {
		status := "valid"
		if err != nil {
			status = "invalid"
		}
		v.metrics.SchemaValidationTotal.WithLabelValues(name, status).Inc()
		v.metrics.SchemaValidationDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
	}
	return err
}

func (v *Validator) validate(name string, doc interface{}) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	fields := make(map[string]string)
	for _, desc := range result.Errors() {
		// if/then failures repeat the underlying error; keep the specific one
		if desc.Type() == "condition_then" || desc.Type() == "condition_else" {
			continue
		}
		field := desc.Field()
		if desc.Type() == "required" {
			if prop, ok := desc.Details()["property"].(string); ok {
				if field == "(root)" {
					field = prop
				} else {
					field = field + "." + prop
				}
			}
		}
		if _, seen := fields[field]; !seen {
			fields[field] = desc.Description()
		}
	}
	return &ValidationError{Schema: name, Fields: fields}
}
