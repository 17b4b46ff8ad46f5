package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiresPlate(t *testing.T) {
	assert.True(t, RequiresPlate(IncidentSpeeding))
	assert.True(t, RequiresPlate(IncidentIllegalParking))
	assert.False(t, RequiresPlate(IncidentPothole))
	assert.False(t, RequiresPlate(IncidentType("ufo")))

	for _, typ := range IncidentTypes() {
		assert.True(t, typ.Valid(), typ)
		assert.NotEmpty(t, typ.Category(), typ)
	}
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		name  string
		draft ReportDraft
		step  Step
		field string
	}{
		{"missing type", ReportDraft{}, StepType, "incidentType"},
		{"unknown type", ReportDraft{IncidentType: "ufo"}, StepType, "incidentType"},
		{"vehicle without plate", ReportDraft{IncidentType: IncidentSpeeding, LicensePlate: "  "}, StepCapture, "licensePlate"},
		{"hazard without plate", ReportDraft{IncidentType: IncidentPothole}, StepCapture, ""},
		{"missing location", ReportDraft{IncidentType: IncidentPothole}, StepLocation, "location"},
		{"location out of range", ReportDraft{IncidentType: IncidentPothole, Location: &Location{Lat: 91}}, StepLocation, "location"},
		{"details never block", ReportDraft{}, StepDetails, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.CanAdvance(tt.step)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var derr *DraftError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.field, derr.Field)
			assert.Equal(t, tt.step, derr.Step)
		})
	}
}

func TestValidateReturnsFirstFailure(t *testing.T) {
	d := ReportDraft{IncidentType: IncidentSpeeding}
	err := d.Validate()
	var derr *DraftError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, StepCapture, derr.Step)

	d.LicensePlate = "ABC123"
	d.Location = &Location{Lat: 1, Lng: 2}
	assert.NoError(t, d.Validate())
}

func TestNewPendingReport(t *testing.T) {
	loc := &Location{Lat: 51.5, Lng: -0.12}
	draft := ReportDraft{
		IncidentType: IncidentSpeeding,
		LicensePlate: "ABC123",
		Location:     loc,
		Media:        &Media{Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte{1}},
	}

	p, err := NewPendingReport(draft, "session_1_x")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "session_1_x", p.SessionID)
	assert.Equal(t, StatusPending, p.Status)
	assert.Zero(t, p.Attempts)
	assert.Equal(t, "a.jpg", p.MediaName)
	assert.Equal(t, "image/jpeg", p.MediaType)

	loc.Lat = 0
	assert.Equal(t, 51.5, p.Location.Lat, "pending report must not alias the draft location")

	other, err := NewPendingReport(draft, "session_1_x")
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, other.ID)

	_, err = NewPendingReport(ReportDraft{Location: loc}, "s")
	assert.ErrorIs(t, err, ErrMissingIncidentType)
	_, err = NewPendingReport(ReportDraft{IncidentType: IncidentPothole}, "s")
	assert.ErrorIs(t, err, ErrMissingLocation)
}

func TestPendingReportNeverSerializesMediaBytes(t *testing.T) {
	p, err := NewPendingReport(ReportDraft{
		IncidentType: IncidentPothole,
		Location:     &Location{Lat: 1, Lng: 1},
		Media:        &Media{Filename: "a.jpg", Data: []byte("secret-bytes")},
	}, "s")
	require.NoError(t, err)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret-bytes")
	assert.Contains(t, string(b), `"mediaName":"a.jpg"`)
}
