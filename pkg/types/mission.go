package types

// LatLon is a geodetic position in decimal degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Waypoint is one mission item. Alt is metres above mean sea level.
type Waypoint struct {
	Seq int     `json:"seq"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Position returns the horizontal position of the waypoint.
func (w Waypoint) Position() LatLon {
	return LatLon{Lat: w.Lat, Lon: w.Lon}
}

// EvasionState tracks an in-progress detour. GridOrigin is the planner's
// reference point at the time the path was produced.
type EvasionState struct {
	Active     bool     `json:"active"`
	Path       []LatLon `json:"path"`
	Index      int      `json:"index"`
	GridOrigin *LatLon  `json:"grid_origin"`
}

// Remaining returns the number of sub-waypoints not yet reached.
func (e EvasionState) Remaining() int {
	if e.Index >= len(e.Path) {
		return 0
	}
	return len(e.Path) - e.Index
}

// MissionStatus is the cheap diagnostic summary served by /status.
type MissionStatus struct {
	Mode           string `json:"mode"`
	WaypointIndex  int    `json:"wp_idx"`
	EvasionActive  bool   `json:"evasion"`
	ObstacleCount  int    `json:"obstacles_count"`
	WaypointsTotal int    `json:"waypoints_total"`
}
