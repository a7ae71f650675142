package control

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eytandecker/porce-nav/internal/geo"
	"github.com/eytandecker/porce-nav/internal/mavlink"
	"github.com/eytandecker/porce-nav/internal/planner"
	"github.com/eytandecker/porce-nav/internal/state"
	"github.com/eytandecker/porce-nav/pkg/types"
)

type call struct {
	name string
	mode string
	args []float64
}

// fakeCommander records commands instead of sending them.
type fakeCommander struct {
	mu      sync.Mutex
	calls   []call
	panicOn string
}

func (f *fakeCommander) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn != "" && f.panicOn == c.name {
		f.panicOn = ""
		f.calls = append(f.calls, c)
		panic("commander exploded")
	}
	f.calls = append(f.calls, c)
}

func (f *fakeCommander) SetMode(name string) error {
	f.record(call{name: "SetMode", mode: name})
	return nil
}

func (f *fakeCommander) Arm() error {
	f.record(call{name: "Arm"})
	return nil
}

func (f *fakeCommander) Takeoff(relAlt float64) error {
	f.record(call{name: "Takeoff", args: []float64{relAlt}})
	return nil
}

func (f *fakeCommander) SetHorizontalSpeed(ms float64) error {
	f.record(call{name: "SetHorizontalSpeed", args: []float64{ms}})
	return nil
}

func (f *fakeCommander) GotoPosition(lat, lon, relAlt float64) error {
	f.record(call{name: "GotoPosition", args: []float64{lat, lon, relAlt}})
	return nil
}

func (f *fakeCommander) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeCommander) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeCommander) count(name, mode string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.name == name && c.mode == mode {
			n++
		}
	}
	return n
}

var home = types.LatLon{Lat: 42.1265, Lon: -1.1403}

func at(north, east float64) types.LatLon {
	lat, lon := geo.ToLatLon(home.Lat, home.Lon, north, east)
	return types.LatLon{Lat: lat, Lon: lon}
}

// mission is home at 350 m, takeoff to 380 m over home, then two legs north.
func mission() []types.Waypoint {
	wp2 := at(205, 5)
	wp3 := at(305, 5)
	return []types.Waypoint{
		{Seq: 0, Lat: home.Lat, Lon: home.Lon, Alt: 350},
		{Seq: 1, Lat: home.Lat, Lon: home.Lon, Alt: 380},
		{Seq: 2, Lat: wp2.Lat, Lon: wp2.Lon, Alt: 380},
		{Seq: 3, Lat: wp3.Lat, Lon: wp3.Lon, Alt: 380},
	}
}

func testConfig() Config {
	return Config{
		Tick:               5 * time.Millisecond,
		LinkTimeout:        2 * time.Second,
		ObstacleExpiry:     time.Second,
		ReactionDistance:   45,
		NavSpeed:           8,
		ArrivalTolerance:   5.5,
		AltitudeTolerance:  1.0,
		EvasionArrival:     3.0,
		FallbackTakeoffAlt: 30,
	}
}

type fixture struct {
	store *state.Store
	cmd   *fakeCommander
	ctrl  *Controller
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := state.NewStore(3 * time.Second)
	store.LoadMission(mission())
	cmd := &fakeCommander{}
	ctrl := New(cfg, store, cmd, planner.New(planner.DefaultConfig(), nil), nil)
	return &fixture{store: store, cmd: cmd, ctrl: ctrl}
}

func (f *fixture) telemetry(pos types.LatLon, alt float64, mode string, armed bool) {
	f.store.ApplyTelemetry(func(t *types.Telemetry) {
		t.Lat, t.Lon, t.Alt = pos.Lat, pos.Lon, alt
		t.Mode = mode
		t.Armed = armed
		t.LastUpdate = time.Now()
	})
}

// airborne puts the vehicle armed in GUIDED at home with the mission at wp 2.
func (f *fixture) airborne(t *testing.T) {
	t.Helper()
	f.store.MarkTakeoff()
	require.True(t, f.store.CompleteTakeoff())
	f.telemetry(home, 380, mavlink.ModeGuided, true)
}

func locatedObstacle(id int, p types.LatLon, distance float64) types.Obstacle {
	lat, lon := p.Lat, p.Lon
	return types.Obstacle{ID: id, Distance: distance, Lat: &lat, Lon: &lon}
}

func TestAwaitingLinkIssuesNothing(t *testing.T) {
	f := newFixture(t, testConfig())

	assert.Equal(t, PhaseAwaitingLink, f.ctrl.Tick())

	f.store.ApplyTelemetry(func(t *types.Telemetry) {
		t.Mode = mavlink.ModeGuided
		t.LastUpdate = time.Now().Add(-3 * time.Second)
	})
	assert.Equal(t, PhaseAwaitingLink, f.ctrl.Tick())
	assert.Empty(t, f.cmd.Calls())
}

func TestTakeoffSequence(t *testing.T) {
	f := newFixture(t, testConfig())

	f.telemetry(home, 350, "STABILIZE", false)
	assert.Equal(t, PhasePreArm, f.ctrl.Tick())
	assert.Equal(t, []call{{name: "SetMode", mode: mavlink.ModeGuided}}, f.cmd.Calls())

	f.cmd.Reset()
	f.telemetry(home, 350, mavlink.ModeGuided, false)
	assert.Equal(t, PhaseArmTakeoff, f.ctrl.Tick())
	assert.Equal(t, []call{
		{name: "Arm"},
		{name: "Takeoff", args: []float64{30}},
		{name: "SetHorizontalSpeed", args: []float64{8}},
	}, f.cmd.Calls())
	assert.True(t, f.store.Snapshot().TakeoffInProgress)

	f.cmd.Reset()
	f.telemetry(home, 362, mavlink.ModeGuided, true)
	assert.Equal(t, PhaseClimbing, f.ctrl.Tick())
	assert.Equal(t, 1, f.store.Snapshot().WaypointIndex, "holds until within altitude tolerance")

	f.telemetry(home, 379.4, mavlink.ModeGuided, true)
	assert.Equal(t, PhaseClimbing, f.ctrl.Tick())
	snap := f.store.Snapshot()
	assert.Equal(t, 2, snap.WaypointIndex)
	assert.False(t, snap.TakeoffInProgress)
	assert.Empty(t, f.cmd.Calls(), "climbing issues no commands")

	assert.Equal(t, PhaseStandardNav, f.ctrl.Tick())
	calls := f.cmd.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "GotoPosition", calls[0].name)
	assert.InDelta(t, mission()[2].Lat, calls[0].args[0], 1e-12)
	assert.InDelta(t, 30.0, calls[0].args[2], 1e-9)
}

func TestTakeoffFallbackAltitude(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.LoadMission(mission()[:1])

	f.telemetry(home, 350, mavlink.ModeGuided, false)
	require.Equal(t, PhaseArmTakeoff, f.ctrl.Tick())
	assert.Contains(t, f.cmd.Calls(), call{name: "Takeoff", args: []float64{30}})
}

func TestUnarmedAfterMissionStartIsIdle(t *testing.T) {
	f := newFixture(t, testConfig())
	f.airborne(t)
	f.telemetry(home, 350, "STABILIZE", false)

	assert.Equal(t, PhaseIdle, f.ctrl.Tick())
	assert.Empty(t, f.cmd.Calls())
}

func TestModeGuard(t *testing.T) {
	tests := []struct {
		mode      string
		wantPhase Phase
	}{
		{"LOITER", PhaseModeGuard},
		{"ALT_HOLD", PhaseModeGuard},
		{mavlink.ModeRTL, PhaseStandardNav},
		{mavlink.ModeAuto, PhaseStandardNav},
		{mavlink.ModeGuided, PhaseStandardNav},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			f := newFixture(t, testConfig())
			f.airborne(t)
			f.telemetry(home, 380, tt.mode, true)

			assert.Equal(t, tt.wantPhase, f.ctrl.Tick())
			if tt.wantPhase == PhaseModeGuard {
				assert.Equal(t, []call{{name: "SetMode", mode: mavlink.ModeGuided}}, f.cmd.Calls())
			} else {
				assert.Zero(t, f.cmd.count("SetMode", mavlink.ModeGuided))
			}
		})
	}
}

func TestObstacleOnPathStartsDetour(t *testing.T) {
	f := newFixture(t, testConfig())
	f.airborne(t)

	// Reported 10 m away; placed in the grid cell two rows north of the vehicle.
	f.store.SetObstacles([]types.Obstacle{locatedObstacle(1, at(25, 5), 10)})

	assert.Equal(t, PhaseEvasionFollow, f.ctrl.Tick())

	ev := f.store.Snapshot().Evasion
	require.True(t, ev.Active)
	require.Greater(t, len(ev.Path), 3)
	require.NotNil(t, ev.GridOrigin)
	assert.Equal(t, 1, ev.Index, "first point is the vehicle position")

	for _, p := range ev.Path {
		north, east := geo.ToLocalMeters(ev.GridOrigin.Lat, ev.GridOrigin.Lon, p.Lat, p.Lon)
		cx, cy := int(math.Round(east/10)), int(math.Round(north/10))
		if cx == 0 && cy == 0 {
			continue
		}
		inMargin := cx >= -2 && cx <= 2 && cy >= 0 && cy <= 4
		assert.False(t, inMargin, "detour crosses blocked cell (%d,%d)", cx, cy)
	}

	calls := f.cmd.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "GotoPosition", calls[0].name)
	assert.InDelta(t, ev.Path[1].Lat, calls[0].args[0], 1e-12)
	assert.InDelta(t, ev.Path[1].Lon, calls[0].args[1], 1e-12)
	assert.InDelta(t, 30.0, calls[0].args[2], 1e-9)
	assert.True(t, f.store.Status().EvasionActive)
}

func TestDistantObstacleDoesNotTriggerPlanning(t *testing.T) {
	f := newFixture(t, testConfig())
	f.airborne(t)
	f.store.SetObstacles([]types.Obstacle{locatedObstacle(1, at(25, 5), 60)})

	assert.Equal(t, PhaseStandardNav, f.ctrl.Tick())
	assert.False(t, f.store.Snapshot().Evasion.Active)
}

func TestPlannerFailureHoldsCourse(t *testing.T) {
	f := newFixture(t, testConfig())
	f.airborne(t)
	// One cell north: the inflated margin covers every neighbour of the vehicle.
	f.store.SetObstacles([]types.Obstacle{locatedObstacle(1, at(15, 5), 8)})

	assert.Equal(t, PhaseStandardNav, f.ctrl.Tick())
	assert.False(t, f.store.Snapshot().Evasion.Active)

	calls := f.cmd.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "GotoPosition", calls[0].name)
	assert.InDelta(t, mission()[2].Lat, calls[0].args[0], 1e-12)
}

func TestSameObstaclesGiveSameBehaviour(t *testing.T) {
	f := newFixture(t, testConfig())
	f.airborne(t)
	obs := []types.Obstacle{locatedObstacle(1, at(25, 5), 10), locatedObstacle(2, at(95, 45), 30)}

	f.store.SetObstacles(obs)
	first := f.ctrl.Tick()
	firstPath := f.store.Snapshot().Evasion.Path
	firstCalls := f.cmd.Calls()

	f.store.ClearEvasion()
	f.cmd.Reset()
	f.store.SetObstacles(obs)
	second := f.ctrl.Tick()

	assert.Equal(t, first, second)
	assert.Equal(t, firstPath, f.store.Snapshot().Evasion.Path)
	assert.Equal(t, firstCalls, f.cmd.Calls())
}

func TestStaleObstaclesDoNotStartDetour(t *testing.T) {
	cfg := testConfig()
	cfg.ObstacleExpiry = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.airborne(t)

	f.store.SetObstacles([]types.Obstacle{locatedObstacle(1, at(25, 5), 10)})
	time.Sleep(40 * time.Millisecond)
	f.telemetry(home, 380, mavlink.ModeGuided, true)

	assert.Equal(t, PhaseStandardNav, f.ctrl.Tick())
	assert.False(t, f.store.Snapshot().Evasion.Active)
}

func TestActiveDetourContinuesWhenObstaclesGoStale(t *testing.T) {
	cfg := testConfig()
	cfg.ObstacleExpiry = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.airborne(t)

	path := []types.LatLon{home, at(0, -20), at(20, -30), at(40, -20)}
	f.store.StartEvasion(path, home)
	f.store.SetObstacles([]types.Obstacle{locatedObstacle(1, at(25, 5), 10)})
	time.Sleep(40 * time.Millisecond)

	for i := 1; i < len(path); i++ {
		f.telemetry(path[i-1], 380, mavlink.ModeGuided, true)
		f.cmd.Reset()

		require.Equal(t, PhaseEvasionFollow, f.ctrl.Tick(), "step %d", i)
		calls := f.cmd.Calls()
		require.Len(t, calls, 1)
		assert.InDelta(t, path[i].Lat, calls[0].args[0], 1e-12)
		assert.Equal(t, i, f.store.Snapshot().Evasion.Index)
	}

	// Arriving at the last point exhausts the detour; standard navigation
	// takes over in the same tick.
	f.telemetry(path[len(path)-1], 380, mavlink.ModeGuided, true)
	f.cmd.Reset()
	assert.Equal(t, PhaseStandardNav, f.ctrl.Tick())
	assert.False(t, f.store.Snapshot().Evasion.Active)
	calls := f.cmd.Calls()
	require.Len(t, calls, 1)
	assert.InDelta(t, mission()[2].Lat, calls[0].args[0], 1e-12)
}

func TestWaypointArrivalAdvancesIndex(t *testing.T) {
	f := newFixture(t, testConfig())
	f.airborne(t)

	wp2 := mission()[2]
	f.telemetry(at(203, 4), 380, mavlink.ModeGuided, true)
	require.Less(t, geo.Haversine(wp2.Lat, wp2.Lon, f.store.Snapshot().Telemetry.Lat, f.store.Snapshot().Telemetry.Lon), 5.5)

	assert.Equal(t, PhaseStandardNav, f.ctrl.Tick())
	assert.Equal(t, 3, f.store.Snapshot().WaypointIndex)
	assert.Empty(t, f.cmd.Calls())
}

func TestMissionCompleteLandsOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.airborne(t)
	require.True(t, f.store.AdvanceWaypoint(2))
	require.True(t, f.store.AdvanceWaypoint(3))

	for range 5 {
		assert.Equal(t, PhaseMissionComplete, f.ctrl.Tick())
	}
	assert.Equal(t, 1, f.cmd.count("SetMode", mavlink.ModeLand))
	assert.Len(t, f.cmd.Calls(), 1)

	// Already landing: nothing to send.
	f.cmd.Reset()
	f.telemetry(home, 380, mavlink.ModeLand, true)
	assert.Equal(t, PhaseMissionComplete, f.ctrl.Tick())
	assert.Empty(t, f.cmd.Calls())
}

func TestMissionResetRearmsLandLatch(t *testing.T) {
	f := newFixture(t, testConfig())
	f.airborne(t)
	f.store.AdvanceWaypoint(2)
	f.store.AdvanceWaypoint(3)
	f.ctrl.Tick()
	require.Equal(t, 1, f.cmd.count("SetMode", mavlink.ModeLand))

	f.store.ResetMission()
	f.ctrl.Tick()

	f.store.AdvanceWaypoint(1)
	f.store.AdvanceWaypoint(2)
	f.store.AdvanceWaypoint(3)
	f.ctrl.Tick()
	assert.Equal(t, 2, f.cmd.count("SetMode", mavlink.ModeLand))
}

func TestRunTicksAndRecoversFromPanic(t *testing.T) {
	f := newFixture(t, testConfig())
	f.cmd.panicOn = "SetMode"
	f.telemetry(home, 350, "STABILIZE", false)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.telemetry(home, 350, "STABILIZE", false)
		return f.cmd.count("SetMode", mavlink.ModeGuided) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestRunWithZeroTickUsesDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Tick = 0
	f := newFixture(t, cfg)
	assert.Equal(t, DefaultTick, f.ctrl.cfg.Tick)

	f.telemetry(home, 350, "STABILIZE", false)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.telemetry(home, 350, "STABILIZE", false)
		return f.cmd.count("SetMode", mavlink.ModeGuided) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "EVASION_FOLLOW", PhaseEvasionFollow.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}
