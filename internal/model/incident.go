// internal/model/incident.go
// Package model defines the data structures shared by the Way-Share agent and backend.
// It covers incident drafts under construction, queued pending reports, and the
// anonymized records the backend persists.
package model

import "fmt"

// IncidentType identifies what kind of incident is being reported.
type IncidentType string

// Category groups incident types by whether they describe a vehicle or a location hazard.
type Category string

const (
	CategoryVehicle Category = "vehicle" // Incidents tied to a specific vehicle
	CategoryHazard  Category = "hazard"  // Incidents tied to a place on the road
)

const (
	// Vehicle incidents
	IncidentSpeeding          IncidentType = "speeding"
	IncidentRecklessDriving   IncidentType = "reckless_driving"
	IncidentRedLight          IncidentType = "red_light_violation"
	IncidentAggressiveDriving IncidentType = "aggressive_driving"
	IncidentDistracted        IncidentType = "distracted_driving"
	IncidentIllegalParking    IncidentType = "illegal_parking"
	IncidentTailgating        IncidentType = "tailgating"

	// Location hazards
	IncidentPothole      IncidentType = "pothole"
	IncidentDebris       IncidentType = "debris"
	IncidentRoadClosure  IncidentType = "road_closure"
	IncidentFlooding     IncidentType = "flooding"
	IncidentBrokenSignal IncidentType = "broken_signal"
	IncidentOther        IncidentType = "other"
)

// incidentCategories is the static mapping from incident type to category.
// Plate requirements derive from it and nothing else.
var incidentCategories = map[IncidentType]Category{
	IncidentSpeeding:          CategoryVehicle,
	IncidentRecklessDriving:   CategoryVehicle,
	IncidentRedLight:          CategoryVehicle,
	IncidentAggressiveDriving: CategoryVehicle,
	IncidentDistracted:        CategoryVehicle,
	IncidentIllegalParking:    CategoryVehicle,
	IncidentTailgating:        CategoryVehicle,
	IncidentPothole:           CategoryHazard,
	IncidentDebris:            CategoryHazard,
	IncidentRoadClosure:       CategoryHazard,
	IncidentFlooding:          CategoryHazard,
	IncidentBrokenSignal:      CategoryHazard,
	IncidentOther:             CategoryHazard,
}

// IncidentTypes returns every known incident type.
func IncidentTypes() []IncidentType {
	types := make([]IncidentType, 0, len(incidentCategories))
	for t := range incidentCategories {
		types = append(types, t)
	}
	return types
}

// Valid reports whether t is a known incident type.
func (t IncidentType) Valid() bool {
	_, ok := incidentCategories[t]
	return ok
}

// Category returns the category of t, or an empty Category for unknown types.
func (t IncidentType) Category() Category {
	return incidentCategories[t]
}

// RequiresPlate reports whether a report of type t must carry a license plate.
func RequiresPlate(t IncidentType) bool {
	return incidentCategories[t] == CategoryVehicle
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates fall within WGS84 bounds.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

func (l Location) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", l.Lat, l.Lng)
}
