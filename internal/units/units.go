// Package units provides unit constants, speed conversion and distance
// formatting for map labels and location state.
package units

import (
	"fmt"
	"math"
)

// Speed unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, mph, kmph, kph"
}

// ConvertSpeed converts a speed from meters per second to the target units.
// Positions carry speed in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.23694
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// KnotsToMPS converts a speed over ground reported by a GPS receiver.
func KnotsToMPS(knots float64) float64 {
	return knots * 0.514444
}

// FormatDistance renders metres the way the scale bar labels them: whole
// metres below 1 km, kilometres with one decimal below 10 km, whole
// kilometres above.
func FormatDistance(meters float64) string {
	switch {
	case math.IsNaN(meters) || meters < 0:
		return "-"
	case meters < 1:
		return fmt.Sprintf("%.1f m", meters)
	case meters < 1000:
		return fmt.Sprintf("%d m", int(math.Round(meters)))
	case meters < 10000:
		return fmt.Sprintf("%.1f km", meters/1000)
	default:
		return fmt.Sprintf("%d km", int(math.Round(meters/1000)))
	}
}
