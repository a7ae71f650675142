// Package control runs the flight state machine. Each tick reads one store
// snapshot, picks a phase, and issues at most a handful of autopilot
// commands. Detours are planned outside the store lock on the snapshot copy.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/eytandecker/porce-nav/internal/geo"
	"github.com/eytandecker/porce-nav/internal/logging"
	"github.com/eytandecker/porce-nav/internal/mavlink"
	"github.com/eytandecker/porce-nav/internal/state"
	"github.com/eytandecker/porce-nav/pkg/types"
)

// Commander is implemented by mavlink.Link.
type Commander interface {
	SetMode(name string) error
	Arm() error
	Takeoff(relAlt float64) error
	SetHorizontalSpeed(ms float64) error
	GotoPosition(lat, lon, relAlt float64) error
}

// RoutePlanner is implemented by planner.Planner.
type RoutePlanner interface {
	PlanRoute(start, goal types.LatLon, obstacles []types.Obstacle) ([]types.LatLon, error)
}

// Phase is the branch of the state machine a tick executed.
type Phase int

const (
	PhaseAwaitingLink Phase = iota
	PhasePreArm
	PhaseArmTakeoff
	PhaseIdle
	PhaseClimbing
	PhaseModeGuard
	PhaseEvasionFollow
	PhaseStandardNav
	PhaseMissionComplete
)

var phaseNames = [...]string{
	PhaseAwaitingLink:    "AWAITING_LINK",
	PhasePreArm:          "PRE_ARM",
	PhaseArmTakeoff:      "ARM_TAKEOFF",
	PhaseIdle:            "IDLE",
	PhaseClimbing:        "CLIMBING",
	PhaseModeGuard:       "MODE_GUARD",
	PhaseEvasionFollow:   "EVASION_FOLLOW",
	PhaseStandardNav:     "STANDARD_NAV",
	PhaseMissionComplete: "MISSION_COMPLETE",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// allowedModes may be active during a mission without correction.
var allowedModes = map[string]bool{
	mavlink.ModeGuided: true,
	mavlink.ModeLand:   true,
	mavlink.ModeRTL:    true,
	mavlink.ModeAuto:   true,
}

// DefaultTick is the loop period used when Config.Tick is not positive.
const DefaultTick = 100 * time.Millisecond

// Config holds control loop timing and tolerances.
type Config struct {
	Tick               time.Duration
	StartDelay         time.Duration
	StatusInterval     time.Duration
	LinkTimeout        time.Duration // telemetry older than this means no link
	ObstacleExpiry     time.Duration
	ReactionDistance   float64
	NavSpeed           float64
	ArrivalTolerance   float64
	AltitudeTolerance  float64
	EvasionArrival     float64
	FallbackTakeoffAlt float64
}

// Controller is the flight state machine. Tick is not safe for concurrent
// use; Run calls it from a single goroutine.
type Controller struct {
	cfg     Config
	store   *state.Store
	cmd     Commander
	planner RoutePlanner
	lg      *slog.Logger
	now     func() time.Time

	landCommanded bool
	lastStatus    time.Time
	lastProgress  time.Time
}

// New creates a Controller.
func New(cfg Config, store *state.Store, cmd Commander, planner RoutePlanner, lg *slog.Logger) *Controller {
	if lg == nil {
		lg = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 2 * time.Second
	}
	return &Controller{cfg: cfg, store: store, cmd: cmd, planner: planner, lg: lg, now: time.Now}
}

// Run waits StartDelay, then ticks every cfg.Tick until ctx is cancelled.
// A panic inside one tick is logged and the next tick runs normally.
func (c *Controller) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.StartDelay):
	}

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.safeTick()
		}
	}
}

func (c *Controller) safeTick() {
	defer logging.CatchPanic(c.lg, "control tick")
	c.Tick()
}

// Tick runs one iteration of the state machine and returns the phase it ran.
func (c *Controller) Tick() Phase {
	snap := c.store.Snapshot()
	now := c.now()
	phase := c.step(snap, now)
	c.logStatus(snap, phase, now)
	return phase
}

func (c *Controller) step(snap state.Snapshot, now time.Time) Phase {
	tel := snap.Telemetry
	if !tel.Fresh(now, c.cfg.LinkTimeout) {
		return PhaseAwaitingLink
	}
	if snap.MissionActive() {
		c.landCommanded = false
	}

	if !tel.Armed {
		if snap.WaypointIndex != state.InitialWaypointIndex {
			return PhaseIdle
		}
		if tel.Mode != mavlink.ModeGuided {
			c.issue("set mode", c.cmd.SetMode(mavlink.ModeGuided))
			return PhasePreArm
		}
		c.armAndTakeoff(snap)
		return PhaseArmTakeoff
	}

	if snap.MissionActive() && !allowedModes[tel.Mode] {
		c.lg.Warn("mode drift during mission, forcing GUIDED", slog.String("mode", tel.Mode))
		c.issue("set mode", c.cmd.SetMode(mavlink.ModeGuided))
		return PhaseModeGuard
	}

	if snap.WaypointIndex == state.InitialWaypointIndex && snap.TakeoffInProgress {
		return c.climb(snap, now)
	}

	if !snap.MissionActive() {
		return c.land(tel)
	}

	if !snap.Evasion.Active && c.obstacleThreat(snap, now) {
		if ev, ok := c.planDetour(snap); ok {
			snap.Evasion = ev
		}
	}
	if snap.Evasion.Active && c.followDetour(snap) {
		return PhaseEvasionFollow
	}
	return c.navigate(snap, now)
}

func (c *Controller) armAndTakeoff(snap state.Snapshot) {
	c.issue("arm", c.cmd.Arm())

	relAlt := c.cfg.FallbackTakeoffAlt
	if len(snap.Waypoints) > state.InitialWaypointIndex {
		relAlt = snap.Waypoints[state.InitialWaypointIndex].Alt - snap.HomeAlt()
	}
	c.issue("takeoff", c.cmd.Takeoff(relAlt))
	c.lg.Info("takeoff commanded", slog.Float64("rel_alt", relAlt))
	c.store.MarkTakeoff()
	c.issue("set speed", c.cmd.SetHorizontalSpeed(c.cfg.NavSpeed))
}

func (c *Controller) climb(snap state.Snapshot, now time.Time) Phase {
	target := snap.HomeAlt() + c.cfg.FallbackTakeoffAlt
	if len(snap.Waypoints) > state.InitialWaypointIndex {
		target = snap.Waypoints[state.InitialWaypointIndex].Alt
	}

	if math.Abs(snap.Telemetry.Alt-target) < c.cfg.AltitudeTolerance {
		if c.store.CompleteTakeoff() {
			c.lg.Info("takeoff altitude reached", slog.Int("wp_idx", snap.WaypointIndex))
		}
		return PhaseClimbing
	}

	if now.Sub(c.lastProgress) >= c.cfg.StatusInterval {
		c.lastProgress = now
		c.lg.Info("climbing",
			slog.Float64("target_alt", target),
			slog.Float64("alt", snap.Telemetry.Alt))
	}
	return PhaseClimbing
}

// obstacleThreat reports whether the latest obstacle report is still within
// its expiry window and its nearest entry is inside the reaction distance.
func (c *Controller) obstacleThreat(snap state.Snapshot, now time.Time) bool {
	if snap.ObstaclesUpdated.IsZero() || now.Sub(snap.ObstaclesUpdated) >= c.cfg.ObstacleExpiry {
		return false
	}
	nearest, ok := types.Nearest(snap.Obstacles)
	return ok && nearest.Distance < c.cfg.ReactionDistance
}

func (c *Controller) planDetour(snap state.Snapshot) (types.EvasionState, bool) {
	target, _ := snap.Target()
	start := snap.Telemetry.Position()
	nearest, _ := types.Nearest(snap.Obstacles)

	c.lg.Warn("obstacle inside reaction distance, planning detour",
		slog.Float64("distance", nearest.Distance),
		slog.Int("obstacle_id", nearest.ID))

	path, err := c.planner.PlanRoute(start, target.Position(), snap.Obstacles)
	if err != nil {
		c.lg.Error("no detour found, holding course", slog.Any("error", err))
		return types.EvasionState{}, false
	}

	c.store.StartEvasion(path, start)
	c.lg.Info("detour installed", slog.Int("points", len(path)))
	return types.EvasionState{Active: len(path) > 0, Path: path, GridOrigin: &start}, len(path) > 0
}

// followDetour steers along the active detour. It returns false once the
// detour is used up, after clearing it, so standard navigation runs this tick.
func (c *Controller) followDetour(snap state.Snapshot) bool {
	ev := snap.Evasion
	tel := snap.Telemetry
	idx := ev.Index

	if idx < len(ev.Path) {
		sub := ev.Path[idx]
		if geo.Haversine(tel.Lat, tel.Lon, sub.Lat, sub.Lon) < c.cfg.EvasionArrival {
			idx++
			c.store.SetEvasionIndex(idx)
		}
	}

	if idx < len(ev.Path) {
		next := ev.Path[idx]
		target, _ := snap.Target()
		c.issue("goto", c.cmd.GotoPosition(next.Lat, next.Lon, target.Alt-snap.HomeAlt()))
		c.lg.Debug("following detour", slog.Int("point", idx+1), slog.Int("of", len(ev.Path)))
		return true
	}

	c.store.ClearEvasion()
	c.lg.Info("detour complete, resuming mission")
	return false
}

func (c *Controller) navigate(snap state.Snapshot, now time.Time) Phase {
	target, _ := snap.Target()
	tel := snap.Telemetry
	dist := geo.Haversine(tel.Lat, tel.Lon, target.Lat, target.Lon)

	if dist < c.cfg.ArrivalTolerance {
		if c.store.AdvanceWaypoint(snap.WaypointIndex) {
			c.lg.Info("waypoint reached", slog.Int("wp_idx", snap.WaypointIndex))
		}
		return PhaseStandardNav
	}

	c.issue("goto", c.cmd.GotoPosition(target.Lat, target.Lon, target.Alt-snap.HomeAlt()))
	if now.Sub(c.lastProgress) >= c.cfg.StatusInterval {
		c.lastProgress = now
		c.lg.Info("navigating", slog.Int("wp_idx", snap.WaypointIndex), slog.Float64("distance", dist))
	}
	return PhaseStandardNav
}

// land commands LAND once per mission.
func (c *Controller) land(tel types.Telemetry) Phase {
	if tel.Mode == mavlink.ModeLand || c.landCommanded {
		return PhaseMissionComplete
	}
	if err := c.cmd.SetMode(mavlink.ModeLand); err != nil {
		c.issue("set mode", err)
		return PhaseMissionComplete
	}
	c.landCommanded = true
	c.lg.Info("mission complete, landing")
	return PhaseMissionComplete
}

func (c *Controller) issue(what string, err error) {
	if err != nil {
		c.lg.Warn("command failed", slog.String("command", what), slog.Any("error", err))
	}
}

func (c *Controller) logStatus(snap state.Snapshot, phase Phase, now time.Time) {
	if now.Sub(c.lastStatus) < c.cfg.StatusInterval {
		return
	}
	c.lastStatus = now
	tel := snap.Telemetry
	c.lg.Info("status",
		slog.String("mode", tel.Mode),
		slog.String("phase", phase.String()),
		slog.Float64("lat", tel.Lat),
		slog.Float64("lon", tel.Lon),
		slog.Float64("alt", tel.Alt),
		slog.Int("wp_idx", snap.WaypointIndex),
		slog.Int("obstacles", len(snap.Obstacles)))
}
