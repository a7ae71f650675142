// Package planner implements PORCE, the local obstacle-evasion planner.
//
// Each call builds a square grid centred on the vehicle, rasterizes the
// reported obstacles with a square safety inflation, and runs A* over an
// 8-connected neighbourhood toward the (possibly clamped) goal. Nothing is
// retained between calls; grid coordinates never leave PlanRoute.
package planner

import (
	"container/heap"
	"errors"
	"log/slog"
	"math"

	"github.com/eytandecker/porce-nav/internal/geo"
	"github.com/eytandecker/porce-nav/pkg/types"
)

var (
	// ErrNoViableExit means the goal cell and every cell around it within
	// the slide radius are blocked.
	ErrNoViableExit = errors.New("planner: no viable exit")
	// ErrSearchExhausted means A* hit its iteration cap or ran out of open
	// nodes before reaching the goal.
	ErrSearchExhausted = errors.New("planner: search exhausted")
)

// Config holds the grid geometry and search limits.
type Config struct {
	CellSize       float64 // metres per cell
	SafetyDistance float64 // hard inflation radius around each obstacle, metres
	GridRadius     int     // horizon, cells from the origin along each axis
	SlideRadius    int     // boundary sliding search radius, cells
	MaxIterations  int
}

// DefaultConfig returns the planner defaults.
func DefaultConfig() Config {
	return Config{
		CellSize:       10.0,
		SafetyDistance: 12.0,
		GridRadius:     40,
		SlideRadius:    10,
		MaxIterations:  10000,
	}
}

// Planner plans detours. It is safe for concurrent use.
type Planner struct {
	cfg Config
	lg  *slog.Logger
}

// New creates a Planner. Zero-valued config fields take their defaults.
func New(cfg Config, lg *slog.Logger) *Planner {
	def := DefaultConfig()
	if cfg.CellSize <= 0 {
		cfg.CellSize = def.CellSize
	}
	if cfg.SafetyDistance <= 0 {
		cfg.SafetyDistance = def.SafetyDistance
	}
	if cfg.GridRadius <= 0 {
		cfg.GridRadius = def.GridRadius
	}
	if cfg.SlideRadius <= 0 {
		cfg.SlideRadius = def.SlideRadius
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Planner{cfg: cfg, lg: lg}
}

// Config returns the effective configuration.
func (p *Planner) Config() Config {
	return p.cfg
}

// cell is an integer grid coordinate: x counts cells east, y cells north.
type cell struct {
	x, y int
}

// PlanRoute returns a path from start toward goal that avoids the located
// obstacles, ordered start to goal with start as its first element. The
// returned error is ErrNoViableExit or ErrSearchExhausted when no path exists.
func (p *Planner) PlanRoute(start, goal types.LatLon, obstacles []types.Obstacle) ([]types.LatLon, error) {
	origin := start

	blocked := p.rasterize(origin, obstacles)

	goalCell := p.goalCell(origin, goal)
	if blocked[goalCell] {
		alt, ok := p.slide(goalCell, blocked)
		if !ok {
			p.lg.Warn("goal blocked and no free cell nearby", slog.Int("x", goalCell.x), slog.Int("y", goalCell.y))
			return nil, ErrNoViableExit
		}
		p.lg.Info("goal blocked, sliding to free cell",
			slog.Int("from_x", goalCell.x), slog.Int("from_y", goalCell.y),
			slog.Int("to_x", alt.x), slog.Int("to_y", alt.y))
		goalCell = alt
	}

	cells, err := p.search(goalCell, blocked)
	if err != nil {
		return nil, err
	}

	path := make([]types.LatLon, len(cells))
	for i, c := range cells {
		lat, lon := geo.ToLatLon(origin.Lat, origin.Lon, float64(c.y)*p.cfg.CellSize, float64(c.x)*p.cfg.CellSize)
		path[i] = types.LatLon{Lat: lat, Lon: lon}
	}
	return path, nil
}

// rasterize marks every cell within the safety radius of each obstacle.
// Inflation is a square, not a circle. The origin cell is always left free
// so a vehicle already inside a margin can still leave it.
func (p *Planner) rasterize(origin types.LatLon, obstacles []types.Obstacle) map[cell]bool {
	blocked := make(map[cell]bool)
	r := int(math.Ceil(p.cfg.SafetyDistance / p.cfg.CellSize))

	for _, o := range obstacles {
		if !o.Located() {
			continue
		}
		north, east := geo.ToLocalMeters(origin.Lat, origin.Lon, *o.Lat, *o.Lon)
		ox := int(east / p.cfg.CellSize)
		oy := int(north / p.cfg.CellSize)
		for dx := -r; dx <= r; dx++ {
			for dy := -r; dy <= r; dy++ {
				blocked[cell{ox + dx, oy + dy}] = true
			}
		}
	}

	delete(blocked, cell{0, 0})
	return blocked
}

// goalCell projects the goal onto the grid, scaling it back onto the horizon
// when it lies beyond it.
func (p *Planner) goalCell(origin, goal types.LatLon) cell {
	north, east := geo.ToLocalMeters(origin.Lat, origin.Lon, goal.Lat, goal.Lon)

	horizon := float64(p.cfg.GridRadius) * p.cfg.CellSize
	if d := math.Hypot(north, east); d > horizon {
		scale := horizon / d
		north *= scale
		east *= scale
	}

	return cell{
		x: clamp(int(east/p.cfg.CellSize), -p.cfg.GridRadius, p.cfg.GridRadius),
		y: clamp(int(north/p.cfg.CellSize), -p.cfg.GridRadius, p.cfg.GridRadius),
	}
}

// slide finds the free cell nearest to c within the slide radius. Ties keep
// the first candidate in scan order.
func (p *Planner) slide(c cell, blocked map[cell]bool) (cell, bool) {
	best := math.Inf(1)
	var found cell
	ok := false

	for dx := -p.cfg.SlideRadius; dx <= p.cfg.SlideRadius; dx++ {
		for dy := -p.cfg.SlideRadius; dy <= p.cfg.SlideRadius; dy++ {
			cand := cell{c.x + dx, c.y + dy}
			if !p.inside(cand) || blocked[cand] {
				continue
			}
			if d := math.Hypot(float64(dx), float64(dy)); d < best {
				best = d
				found = cand
				ok = true
			}
		}
	}
	return found, ok
}

func (p *Planner) inside(c cell) bool {
	return abs(c.x) <= p.cfg.GridRadius && abs(c.y) <= p.cfg.GridRadius
}

// neighbours in the order orthogonal first, then diagonal.
var moves = [8]cell{
	{0, -1}, {0, 1}, {-1, 0}, {1, 0},
	{-1, -1}, {-1, 1}, {1, -1}, {1, 1},
}

// search runs A* from the origin cell and returns the cell sequence from the
// origin to the first expanded node within one cell (Chebyshev) of goal.
func (p *Planner) search(goal cell, blocked map[cell]bool) ([]cell, error) {
	h := func(c cell) float64 {
		return math.Hypot(float64(c.x-goal.x), float64(c.y-goal.y))
	}

	start := &node{cell: cell{0, 0}, h: h(cell{0, 0})}
	start.f = start.h

	open := &openList{}
	heap.Push(open, start)
	gScore := map[cell]float64{start.cell: 0}
	closed := make(map[cell]bool)

	for iterations := 1; open.Len() > 0; iterations++ {
		if iterations > p.cfg.MaxIterations {
			p.lg.Warn("A* iteration cap reached", slog.Int("max_iterations", p.cfg.MaxIterations))
			return nil, ErrSearchExhausted
		}

		cur := heap.Pop(open).(*node)
		if closed[cur.cell] {
			continue
		}
		closed[cur.cell] = true

		if abs(cur.x-goal.x) <= 1 && abs(cur.y-goal.y) <= 1 {
			return cur.trace(), nil
		}

		for _, m := range moves {
			next := cell{cur.x + m.x, cur.y + m.y}
			if !p.inside(next) || blocked[next] || closed[next] {
				continue
			}
			step := 1.0
			if m.x != 0 && m.y != 0 {
				step = math.Sqrt2
			}
			g := cur.g + step
			if old, seen := gScore[next]; seen && old <= g {
				continue
			}
			gScore[next] = g
			n := &node{cell: next, parent: cur, g: g, h: h(next)}
			n.f = n.g + n.h
			heap.Push(open, n)
		}
	}

	return nil, ErrSearchExhausted
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
