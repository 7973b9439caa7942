// Package location holds the position model, the platform source contract,
// permission negotiation and the single-subscription watch manager.
package location

import (
	"fmt"
	"math"
	"time"
)

// Position is a single geodetic sample. It is a value type: a newer sample
// replaces an older one and is never modified in place.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"` // metres, >= 0
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"` // m/s
	Timestamp time.Time `json:"timestamp"`
}

// Coordinates is the bare lat/lon pair of a Position.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Coordinates returns the lat/lon pair.
func (p Position) Coordinates() Coordinates {
	return Coordinates{Latitude: p.Latitude, Longitude: p.Longitude}
}

// HasHeading reports whether the sample carries a usable heading.
func (p Position) HasHeading() bool {
	return p.Heading != nil && !math.IsNaN(*p.Heading)
}

// Validate rejects samples a source should never deliver.
func (p Position) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude out of range: %v", p.Latitude)
	}
	if math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude out of range: %v", p.Longitude)
	}
	if math.IsNaN(p.Accuracy) || p.Accuracy < 0 {
		return fmt.Errorf("accuracy must be non-negative, got %v", p.Accuracy)
	}
	return nil
}

func (p Position) String() string {
	return fmt.Sprintf("(%.6f, %.6f ±%.1fm)", p.Latitude, p.Longitude, p.Accuracy)
}

// Float64 returns a pointer to v, for the optional Heading and Speed fields.
func Float64(v float64) *float64 { return &v }
