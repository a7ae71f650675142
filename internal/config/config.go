// Package config builds the immutable runtime configuration from environment
// variables. Components receive their own slice of it and never read the
// environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownProfile is returned for a PORCE_SYSTEM_MODE value other than
// SIMULATION or REAL_TWIN.
var ErrUnknownProfile = errors.New("config: unknown system profile")

// Profile selects a set of tuning defaults.
type Profile string

const (
	ProfileSimulation Profile = "SIMULATION"
	ProfileRealTwin   Profile = "REAL_TWIN"
)

// Tuning holds the profile-dependent navigation values.
type Tuning struct {
	ReactionDistance  float64 // metres; nearest obstacle closer than this triggers planning
	DetectionRange    float64 // metres; reported in observability output only
	NavSpeed          float64 // horizontal speed, m/s
	ArrivalTolerance  float64 // metres
	AltitudeTolerance float64 // metres
}

var profiles = map[Profile]Tuning{
	ProfileSimulation: {
		ReactionDistance:  45,
		DetectionRange:    80,
		NavSpeed:          8,
		ArrivalTolerance:  5.5,
		AltitudeTolerance: 1.0,
	},
	ProfileRealTwin: {
		ReactionDistance:  60,
		DetectionRange:    150,
		NavSpeed:          5,
		ArrivalTolerance:  3.0,
		AltitudeTolerance: 2.0,
	},
}

// Config holds all application configuration.
type Config struct {
	Profile    Profile
	Link       LinkConfig
	Control    ControlConfig
	Planner    PlannerConfig
	HTTP       HTTPConfig
	Log        LogConfig
	Mission    string
	MCPEnabled bool
}

// LinkConfig holds the autopilot connection settings.
type LinkConfig struct {
	Addr             string
	SystemID         int
	HeartbeatTimeout time.Duration
	RetryDelay       time.Duration
	ParamSpacing     time.Duration
}

// ControlConfig holds control loop timing and tolerances.
type ControlConfig struct {
	Tuning
	Tick               time.Duration
	StartDelay         time.Duration
	LinkTimeout        time.Duration
	ActiveWindow       time.Duration
	ObstacleExpiry     time.Duration
	EvasionArrival     float64
	FallbackTakeoffAlt float64
}

// PlannerConfig holds the evasion grid geometry.
type PlannerConfig struct {
	CellSize       float64
	SafetyDistance float64
	GridRadius     int
	SlideRadius    int
	MaxIterations  int
}

// HTTPConfig holds the HTTP surface settings.
type HTTPConfig struct {
	Addr           string
	StreamInterval time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	Dir   string
}

// Load reads configuration from environment variables, falling back to
// defaults. Only an unknown profile is an error.
func Load() (Config, error) {
	profile := Profile(strings.ToUpper(strings.TrimSpace(getEnvString("PORCE_SYSTEM_MODE", string(ProfileSimulation)))))
	tuning, ok := profiles[profile]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
	}

	return Config{
		Profile: profile,
		Link: LinkConfig{
			Addr:             getEnvString("AUTOPILOT_ADDR", "127.0.0.1:5760"),
			SystemID:         getEnvInt("AUTOPILOT_SYSTEM_ID", 254),
			HeartbeatTimeout: getEnvDuration("HEARTBEAT_TIMEOUT", 5*time.Second),
			RetryDelay:       getEnvDuration("RETRY_DELAY", 2*time.Second),
			ParamSpacing:     50 * time.Millisecond,
		},
		Control: ControlConfig{
			Tuning: Tuning{
				ReactionDistance:  getEnvFloat("REACTION_DISTANCE_M", tuning.ReactionDistance),
				DetectionRange:    getEnvFloat("DETECTION_RANGE_M", tuning.DetectionRange),
				NavSpeed:          getEnvFloat("NAV_SPEED_MS", tuning.NavSpeed),
				ArrivalTolerance:  getEnvFloat("ARRIVAL_TOLERANCE_M", tuning.ArrivalTolerance),
				AltitudeTolerance: getEnvFloat("ALTITUDE_TOLERANCE_M", tuning.AltitudeTolerance),
			},
			Tick:               getEnvDuration("CONTROL_TICK", 100*time.Millisecond),
			StartDelay:         getEnvDuration("CONTROL_START_DELAY", 2*time.Second),
			LinkTimeout:        getEnvDuration("LINK_TIMEOUT", 2*time.Second),
			ActiveWindow:       getEnvDuration("TELEMETRY_ACTIVE_WINDOW", 3*time.Second),
			ObstacleExpiry:     getEnvDuration("OBSTACLE_EXPIRY", time.Second),
			EvasionArrival:     getEnvFloat("EVASION_ARRIVAL_M", 3.0),
			FallbackTakeoffAlt: 30.0,
		},
		Planner: PlannerConfig{
			CellSize:       getEnvFloat("GRID_CELL_SIZE_M", 10.0),
			SafetyDistance: getEnvFloat("SAFETY_DISTANCE_M", 12.0),
			GridRadius:     getEnvInt("GRID_RADIUS_CELLS", 40),
			SlideRadius:    getEnvInt("SLIDE_RADIUS_CELLS", 10),
			MaxIterations:  getEnvInt("PLANNER_MAX_ITERATIONS", 10000),
		},
		HTTP: HTTPConfig{
			Addr:           getEnvString("HTTP_ADDR", ":8080"),
			StreamInterval: getEnvDuration("STREAM_INTERVAL", 500*time.Millisecond),
		},
		Log: LogConfig{
			Level: getEnvString("LOG_LEVEL", "info"),
			Dir:   getEnvString("LOG_DIR", "logs"),
		},
		Mission:    getEnvString("MISSION_FILE", "ejea_default.waypoints"),
		MCPEnabled: getEnvBool("MCP_ENABLED", false),
	}, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvDuration falls back to defaultVal on unparsable or non-positive values.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
