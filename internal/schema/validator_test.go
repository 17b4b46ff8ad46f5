package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayShare/wayshare-go/internal/model"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(nil)
	require.NoError(t, err)
	return v
}

func submission(typ model.IncidentType, plate string, lat, lng float64) model.Submission {
	return model.Submission{
		SessionID:    "session_1700000000000_abcdefghi",
		IncidentType: typ,
		LicensePlate: plate,
		Location:     model.Location{Lat: lat, Lng: lng},
	}
}

func fieldsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %v", err)
	return verr.Fields
}

func TestValidSubmissions(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.Validate(ReportSubmission, submission(model.IncidentSpeeding, "AB-123", 40.7, -74)))
	assert.NoError(t, v.Validate(ReportSubmission, submission(model.IncidentPothole, "", 0, 0)))
}

func TestVehicleIncidentRequiresPlate(t *testing.T) {
	v := newValidator(t)

	fields := fieldsOf(t, v.Validate(ReportSubmission, submission(model.IncidentRedLight, "", 10, 10)))
	assert.Contains(t, fields, "licensePlate")

	fields = fieldsOf(t, v.Validate(ReportSubmission, submission(model.IncidentRedLight, "   ", 10, 10)))
	assert.Contains(t, fields, "licensePlate")
}

func TestRejectsBadFields(t *testing.T) {
	v := newValidator(t)

	fields := fieldsOf(t, v.Validate(ReportSubmission, submission("meteor_strike", "", 10, 10)))
	assert.Contains(t, fields, "incidentType")

	fields = fieldsOf(t, v.Validate(ReportSubmission, submission(model.IncidentPothole, "", 91, 10)))
	assert.Contains(t, fields, "location.lat")

	fields = fieldsOf(t, v.Validate(ReportSubmission, submission(model.IncidentPothole, "", 10, -181)))
	assert.Contains(t, fields, "location.lng")

	s := submission(model.IncidentPothole, "", 10, 10)
	s.Description = strings.Repeat("x", MaxDescriptionLength+1)
	fields = fieldsOf(t, v.Validate(ReportSubmission, s))
	assert.Contains(t, fields, "description")

	s = submission(model.IncidentSpeeding, strings.Repeat("A", MaxPlateLength+1), 10, 10)
	fields = fieldsOf(t, v.Validate(ReportSubmission, s))
	assert.Contains(t, fields, "licensePlate")
}

func TestRequiresSessionID(t *testing.T) {
	v := newValidator(t)
	s := submission(model.IncidentPothole, "", 10, 10)
	s.SessionID = ""
	fields := fieldsOf(t, v.Validate(ReportSubmission, s))
	assert.Contains(t, fields, "sessionId")
}

func TestCredentials(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.Validate(AuthCredentials, model.Credentials{Email: "a@example.com", Password: "longenough"}))

	fields := fieldsOf(t, v.Validate(AuthCredentials, model.Credentials{Email: "not-an-email", Password: "short"}))
	assert.Contains(t, fields, "email")
	assert.Contains(t, fields, "password")
}

func TestUnknownSchema(t *testing.T) {
	err := newValidator(t).Validate("nope", map[string]string{})
	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}
