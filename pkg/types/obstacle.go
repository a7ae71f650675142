package types

// NoDistance is used when a report omits the distance to the vehicle.
const NoDistance = 9999.0

// Obstacle is one report from the perception feed. Lat and Lon are optional;
// reports without a position still count toward reaction distance but cannot
// be placed on the planning grid.
type Obstacle struct {
	ID       int      `json:"id"`
	Distance float64  `json:"distance"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Class    string   `json:"class,omitempty"`
}

// Located reports whether the obstacle carries a position.
func (o Obstacle) Located() bool {
	return o.Lat != nil && o.Lon != nil
}

// Position returns the obstacle position. Only valid when Located is true.
func (o Obstacle) Position() LatLon {
	return LatLon{Lat: *o.Lat, Lon: *o.Lon}
}

// Nearest returns the obstacle with the smallest reported distance.
func Nearest(obstacles []Obstacle) (Obstacle, bool) {
	if len(obstacles) == 0 {
		return Obstacle{}, false
	}
	best := obstacles[0]
	for _, o := range obstacles[1:] {
		if o.Distance < best.Distance {
			best = o
		}
	}
	return best, true
}
