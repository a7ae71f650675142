package types

import "time"

// Telemetry is the latest vehicle state reported by the autopilot.
// Angles are degrees, altitude is metres above mean sea level.
type Telemetry struct {
	Lat              float64   `json:"lat"`
	Lon              float64   `json:"lon"`
	Alt              float64   `json:"alt"`
	Roll             float64   `json:"roll"`
	Pitch            float64   `json:"pitch"`
	Yaw              float64   `json:"yaw"`
	Heading          float64   `json:"heading"`
	Armed            bool      `json:"armed"`
	Mode             string    `json:"mode"`
	GroundSpeed      float64   `json:"groundspeed"`
	AirSpeed         float64   `json:"airspeed"`
	Voltage          float64   `json:"voltage"`
	BatteryRemaining int       `json:"battery_remaining"`
	GPSFix           int       `json:"gps_fix"`
	Satellites       int       `json:"satellites"`
	LastUpdate       time.Time `json:"last_update"`
}

// ModeUnknown is reported until the first heartbeat arrives.
const ModeUnknown = "UNKNOWN"

// Fresh reports whether the telemetry was updated within window of now.
func (t Telemetry) Fresh(now time.Time, window time.Duration) bool {
	if t.LastUpdate.IsZero() {
		return false
	}
	return now.Sub(t.LastUpdate) < window
}

// Position returns the horizontal position of the vehicle.
func (t Telemetry) Position() LatLon {
	return LatLon{Lat: t.Lat, Lon: t.Lon}
}
