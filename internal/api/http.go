// Package api is the HTTP surface: obstacle ingress from the perception feed
// and read-only telemetry, status and observability views.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eytandecker/porce-nav/internal/state"
	"github.com/eytandecker/porce-nav/pkg/types"
)

// Params are the tuning values echoed in /ui-data.
type Params struct {
	SafetyDist    float64 `json:"safety_dist"`
	DetectionDist float64 `json:"detection_dist"`
	ReactionDist  float64 `json:"reaction_dist"`
	CellSize      float64 `json:"cell_size"`
	GridRadius    int     `json:"grid_radius"`
}

// Config holds HTTP surface settings.
type Config struct {
	ActiveWindow   time.Duration // telemetry younger than this is reported active
	StreamInterval time.Duration
	Params         Params
}

// Server is the HTTP surface over the vehicle state store.
type Server struct {
	cfg      Config
	store    *state.Store
	lg       *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates a Server and registers its routes.
func NewServer(cfg Config, store *state.Store, lg *slog.Logger) *Server {
	if lg == nil {
		lg = slog.Default()
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 500 * time.Millisecond
	}
	s := &Server{
		cfg:   cfg,
		store: store,
		lg:    lg,
		mux:   http.NewServeMux(),
		now:   time.Now,
	}
	s.routes()
	return s
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.health)

	s.mux.HandleFunc("POST /obstacles", s.obstacles)
	s.mux.HandleFunc("POST /mission/reset", s.missionReset)

	s.mux.HandleFunc("GET /telemetry", s.telemetry)
	s.mux.HandleFunc("GET /status", s.status)
	s.mux.HandleFunc("GET /ui-data", s.uiData)
	s.mux.HandleFunc("GET /states", s.states)
	s.mux.HandleFunc("GET /stream", s.stream)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type obstacleReport struct {
	ID       int             `json:"id"`
	Distance json.RawMessage `json:"distance"`
	Lat      *float64        `json:"lat"`
	Lon      *float64        `json:"lon"`
	Class    string          `json:"class"`
}

type obstaclesRequest struct {
	Obstacles json.RawMessage `json:"obstacles"`
}

var (
	errNullBody     = errors.New("body must be a JSON object")
	errNullList     = errors.New("obstacles must be a list")
	errNullReport   = errors.New("obstacle report must be an object")
	errNullDistance = errors.New("distance must be a number")
	jsonNull        = []byte("null")
)

func (s *Server) obstacles(w http.ResponseWriter, r *http.Request) {
	var body *obstaclesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body == nil {
		writeError(w, http.StatusBadRequest, errNullBody)
		return
	}

	obs, err := parseObstacles(body.Obstacles)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.store.SetObstacles(obs)

	writeJSON(w, map[string]any{"status": "ok"})
}

// parseObstacles converts the raw list. A missing list is empty and a
// missing distance gets NoDistance; explicit nulls are rejected.
func parseObstacles(raw json.RawMessage) ([]types.Obstacle, error) {
	if len(raw) == 0 {
		return []types.Obstacle{}, nil
	}
	if bytes.Equal(raw, jsonNull) {
		return nil, errNullList
	}
	var reports []*obstacleReport
	if err := json.Unmarshal(raw, &reports); err != nil {
		return nil, err
	}

	obs := make([]types.Obstacle, 0, len(reports))
	for _, o := range reports {
		if o == nil {
			return nil, errNullReport
		}
		d := types.NoDistance
		if len(o.Distance) > 0 {
			if bytes.Equal(o.Distance, jsonNull) {
				return nil, fmt.Errorf("obstacle %d: %w", o.ID, errNullDistance)
			}
			if err := json.Unmarshal(o.Distance, &d); err != nil {
				return nil, fmt.Errorf("obstacle %d: distance: %w", o.ID, err)
			}
		}
		obs = append(obs, types.Obstacle{ID: o.ID, Distance: d, Lat: o.Lat, Lon: o.Lon, Class: o.Class})
	}
	return obs, nil
}

func (s *Server) missionReset(w http.ResponseWriter, r *http.Request) {
	s.store.ResetMission()
	s.lg.Info("mission reset", slog.String("remote", r.RemoteAddr))
	writeJSON(w, map[string]any{"status": "ok", "wp_idx": state.InitialWaypointIndex})
}

type telemetryResponse struct {
	TS      float64 `json:"ts"`
	Active  bool    `json:"active"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Alt     float64 `json:"alt"`
	Heading float64 `json:"heading"`
	Yaw     float64 `json:"yaw"`
	Roll    float64 `json:"roll"`
	Pitch   float64 `json:"pitch"`
	Armed   bool    `json:"armed"`
	Mode    string  `json:"mode"`
}

func (s *Server) telemetry(w http.ResponseWriter, r *http.Request) {
	tel := s.store.Snapshot().Telemetry
	now := s.now()
	writeJSON(w, telemetryResponse{
		TS:      float64(now.UnixNano()) / 1e9,
		Active:  tel.Fresh(now, s.cfg.ActiveWindow),
		Lat:     tel.Lat,
		Lon:     tel.Lon,
		Alt:     tel.Alt,
		Heading: tel.Heading,
		// Viewers expect yaw as a compass bearing.
		Yaw:   tel.Heading,
		Roll:  tel.Roll,
		Pitch: tel.Pitch,
		Armed: tel.Armed,
		Mode:  tel.Mode,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Status())
}

type uiData struct {
	Telemetry types.Telemetry    `json:"telemetry"`
	Home      *types.Waypoint    `json:"home"`
	Waypoints []types.Waypoint   `json:"waypoints"`
	Obstacles []types.Obstacle   `json:"obstacles"`
	Evasion   types.EvasionState `json:"evasion"`
	Params    Params             `json:"params"`
}

func (s *Server) snapshotUIData() uiData {
	snap := s.store.Snapshot()
	d := uiData{
		Telemetry: snap.Telemetry,
		Home:      snap.Home,
		Waypoints: snap.Waypoints,
		Obstacles: snap.Obstacles,
		Evasion:   snap.Evasion,
		Params:    s.cfg.Params,
	}
	if d.Waypoints == nil {
		d.Waypoints = []types.Waypoint{}
	}
	if d.Obstacles == nil {
		d.Obstacles = []types.Obstacle{}
	}
	if d.Evasion.Path == nil {
		d.Evasion.Path = []types.LatLon{}
	}
	return d
}

func (s *Server) uiData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshotUIData())
}

// OpenSky state vector identity for the vehicle.
const (
	openSkyICAO24   = "ARDU001"
	openSkyCallsign = "SITL"
	openSkyCountry  = "Sim"
)

// states serves the vehicle as an OpenSky /states/all response so standard
// flight-tracking viewers can display it.
func (s *Server) states(w http.ResponseWriter, r *http.Request) {
	tel := s.store.Snapshot().Telemetry
	now := s.now().Unix()

	states := [][]any{}
	if !tel.LastUpdate.IsZero() {
		states = append(states, []any{
			openSkyICAO24,
			openSkyCallsign,
			openSkyCountry,
			now,             // time_position
			now,             // last_contact
			tel.Lon,         // longitude
			tel.Lat,         // latitude
			tel.Alt,         // baro_altitude
			!tel.Armed,      // on_ground
			tel.GroundSpeed, // velocity
			tel.Heading,     // true_track
			0,               // vertical_rate
			nil,             // sensors
			tel.Alt,         // geo_altitude
			nil,             // squawk
			false,           // spi
			0,               // position_source
		})
	}
	writeJSON(w, map[string]any{"time": now, "states": states})
}

// stream pushes the /ui-data snapshot over a websocket every StreamInterval
// until the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.snapshotUIData()); err != nil {
			s.lg.Debug("stream closed", slog.Any("error", err))
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
