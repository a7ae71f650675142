// Package state holds the single lock-protected record shared by the link,
// the control loop and the HTTP surface.
package state

import (
	"sync"
	"time"

	"github.com/brunoga/deep"

	"github.com/eytandecker/porce-nav/pkg/types"
)

// InitialWaypointIndex is the mission index at mission start. Index 0 is home.
const InitialWaypointIndex = 1

// Snapshot is a consistent copy of the store taken under one lock.
// Callers own every slice in it.
type Snapshot struct {
	Telemetry         types.Telemetry
	Home              *types.Waypoint
	Waypoints         []types.Waypoint
	WaypointIndex     int
	TakeoffInProgress bool
	Obstacles         []types.Obstacle
	ObstaclesUpdated  time.Time
	Evasion           types.EvasionState
}

// MissionActive reports whether the mission index still points at a waypoint.
func (s Snapshot) MissionActive() bool {
	return s.WaypointIndex < len(s.Waypoints)
}

// Target returns the current mission waypoint, or the last one once the
// mission is complete.
func (s Snapshot) Target() (types.Waypoint, bool) {
	switch {
	case len(s.Waypoints) == 0:
		return types.Waypoint{}, false
	case s.MissionActive():
		return s.Waypoints[s.WaypointIndex], true
	default:
		return s.Waypoints[len(s.Waypoints)-1], true
	}
}

// HomeAlt returns the home altitude, or zero without a mission.
func (s Snapshot) HomeAlt() float64 {
	if s.Home == nil {
		return 0
	}
	return s.Home.Alt
}

// Store is the concurrency-safe vehicle state.
type Store struct {
	mu sync.RWMutex

	telemetry types.Telemetry

	home      *types.Waypoint
	waypoints []types.Waypoint
	wpIdx     int
	takeoff   bool

	obstacles        []types.Obstacle
	obstaclesUpdated time.Time

	evasion types.EvasionState

	activeWindow time.Duration
	now          func() time.Time
}

// NewStore creates an empty Store. activeWindow is the telemetry liveness
// window used by GetTelemetry; zero disables the check.
func NewStore(activeWindow time.Duration) *Store {
	return &Store{
		telemetry:    types.Telemetry{Mode: types.ModeUnknown},
		wpIdx:        InitialWaypointIndex,
		activeWindow: activeWindow,
		now:          time.Now,
	}
}

// LoadMission installs the waypoint list. The first waypoint becomes home.
func (s *Store) LoadMission(wps []types.Waypoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waypoints = deep.MustCopy(wps)
	s.home = nil
	if len(wps) > 0 {
		home := wps[0]
		s.home = &home
	}
	s.wpIdx = InitialWaypointIndex
	s.takeoff = false
	s.evasion = types.EvasionState{}
}

// ApplyTelemetry runs fn on the telemetry record under the write lock.
// fn must not block.
func (s *Store) ApplyTelemetry(fn func(*types.Telemetry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.telemetry)
}

// SetObstacles replaces the obstacle list wholesale and stamps it.
func (s *Store) SetObstacles(obs []types.Obstacle) {
	obs = deep.MustCopy(obs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.obstacles = obs
	s.obstaclesUpdated = s.now()
}

// Snapshot copies the whole record out from under the lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Telemetry:         s.telemetry,
		Waypoints:         deep.MustCopy(s.waypoints),
		WaypointIndex:     s.wpIdx,
		TakeoffInProgress: s.takeoff,
		Obstacles:         deep.MustCopy(s.obstacles),
		ObstaclesUpdated:  s.obstaclesUpdated,
		Evasion:           deep.MustCopy(s.evasion),
	}
	if s.home != nil {
		home := *s.home
		snap.Home = &home
	}
	return snap
}

// GetTelemetry returns the telemetry record, or ErrStale if nothing has been
// received yet or the last position update is older than the liveness window.
func (s *Store) GetTelemetry() (types.Telemetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.telemetry.LastUpdate.IsZero() {
		return types.Telemetry{}, ErrStale
	}
	if s.activeWindow > 0 && !s.telemetry.Fresh(s.now(), s.activeWindow) {
		return types.Telemetry{}, ErrStale
	}
	return s.telemetry, nil
}

// Status returns the diagnostic summary.
func (s *Store) Status() types.MissionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.MissionStatus{
		Mode:           s.telemetry.Mode,
		WaypointIndex:  s.wpIdx,
		EvasionActive:  s.evasion.Active,
		ObstacleCount:  len(s.obstacles),
		WaypointsTotal: len(s.waypoints),
	}
}

// MarkTakeoff records that a takeoff command has been issued.
func (s *Store) MarkTakeoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takeoff = true
}

// CompleteTakeoff clears the takeoff flag and moves past the first mission
// waypoint. It is a no-op unless a takeoff is in progress at the initial index.
func (s *Store) CompleteTakeoff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.takeoff || s.wpIdx != InitialWaypointIndex {
		return false
	}
	s.takeoff = false
	s.wpIdx++
	return true
}

// AdvanceWaypoint moves the mission index from `from` to from+1. It refuses
// when the index has already moved, so the index never goes backwards and a
// stale snapshot cannot skip a waypoint.
func (s *Store) AdvanceWaypoint(from int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wpIdx != from || from >= len(s.waypoints) {
		return false
	}
	s.wpIdx++
	return true
}

// StartEvasion installs a detour planned from origin. An empty path leaves
// the store without a detour.
func (s *Store) StartEvasion(path []types.LatLon, origin types.LatLon) {
	path = deep.MustCopy(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(path) == 0 {
		s.evasion = types.EvasionState{}
		return
	}
	s.evasion = types.EvasionState{
		Active:     true,
		Path:       path,
		Index:      0,
		GridOrigin: &origin,
	}
}

// SetEvasionIndex records detour progress. Consuming the whole path clears
// the detour.
func (s *Store) SetEvasionIndex(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.evasion.Active {
		return
	}
	if idx >= len(s.evasion.Path) {
		s.evasion = types.EvasionState{}
		return
	}
	s.evasion.Index = idx
}

// ClearEvasion abandons any detour.
func (s *Store) ClearEvasion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evasion = types.EvasionState{}
}

// ResetMission returns the mission to its start. It is the only way the
// mission index moves backwards.
func (s *Store) ResetMission() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wpIdx = InitialWaypointIndex
	s.takeoff = false
	s.evasion = types.EvasionState{}
}
