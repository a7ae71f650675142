// Package mcp exposes vehicle telemetry and mission progress as Model
// Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/eytandecker/porce-nav/internal/mavlink"
	"github.com/eytandecker/porce-nav/internal/state"
	"github.com/eytandecker/porce-nav/pkg/types"
)

// VehicleSource is the read side of the vehicle state used by the tools.
type VehicleSource interface {
	GetTelemetry() (types.Telemetry, error)
	Status() types.MissionStatus
}

// Server wraps the MCP SDK server.
type Server struct {
	sdk *mcpsdk.Server
	src VehicleSource
}

// NewServer creates a Server and registers its tools.
func NewServer(src VehicleSource) *Server {
	s := &Server{
		sdk: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "porce-nav",
			Version: "1.0.0",
		}, nil),
		src: src,
	}

	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        "get_vehicle_telemetry",
		Description: "Returns live position, speed, battery and GPS data for the UAV, optionally with attitude.",
	}, s.handleGetTelemetry)
	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        "get_mission_status",
		Description: "Returns the flight mode, current waypoint index, evasion flag and obstacle count.",
	}, s.handleGetMissionStatus)
	return s
}

// Run starts the MCP server over stdio and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.sdk.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect connects the server to an existing transport (used in tests).
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.sdk.Connect(ctx, t, nil)
}

type getTelemetryInput struct {
	IncludeAttitude bool `json:"include_attitude,omitempty"`
}

// TelemetryResponse is the JSON payload returned on success.
type TelemetryResponse struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	AltitudeMSL      float64  `json:"altitude_msl_m"`
	Heading          float64  `json:"heading_deg"`
	GroundSpeed      float64  `json:"ground_speed_ms"`
	AirSpeed         float64  `json:"air_speed_ms"`
	Armed            bool     `json:"armed"`
	Mode             string   `json:"mode"`
	Voltage          float64  `json:"battery_voltage_v"`
	BatteryRemaining int      `json:"battery_remaining_pct"`
	GPSFix           int      `json:"gps_fix_type"`
	Satellites       int      `json:"satellites"`
	Roll             *float64 `json:"roll_deg,omitempty"`
	Pitch            *float64 `json:"pitch_deg,omitempty"`
	Yaw              *float64 `json:"yaw_deg,omitempty"`
	Timestamp        string   `json:"timestamp"`
}

// AutopilotUnavailableResponse is returned when telemetry cannot be provided.
type AutopilotUnavailableResponse struct {
	Available   bool   `json:"available"`
	Error       string `json:"error"`
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
	Suggestion  string `json:"suggestion"`
	Timestamp   string `json:"timestamp"`
}

func (s *Server) handleGetTelemetry(
	ctx context.Context,
	req *mcpsdk.CallToolRequest,
	input getTelemetryInput,
) (*mcpsdk.CallToolResult, any, error) {
	tel, err := s.src.GetTelemetry()
	if err != nil {
		return s.errorResult(err), nil, nil
	}

	resp := TelemetryResponse{
		Latitude:         tel.Lat,
		Longitude:        tel.Lon,
		AltitudeMSL:      tel.Alt,
		Heading:          tel.Heading,
		GroundSpeed:      tel.GroundSpeed,
		AirSpeed:         tel.AirSpeed,
		Armed:            tel.Armed,
		Mode:             tel.Mode,
		Voltage:          tel.Voltage,
		BatteryRemaining: tel.BatteryRemaining,
		GPSFix:           tel.GPSFix,
		Satellites:       tel.Satellites,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
	if input.IncludeAttitude {
		r, p, y := tel.Roll, tel.Pitch, tel.Yaw
		resp.Roll, resp.Pitch, resp.Yaw = &r, &p, &y
	}
	return textResult(resp, false)
}

type getMissionStatusInput struct{}

// MissionStatusResponse wraps the store summary with a timestamp.
type MissionStatusResponse struct {
	types.MissionStatus
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleGetMissionStatus(
	ctx context.Context,
	req *mcpsdk.CallToolRequest,
	input getMissionStatusInput,
) (*mcpsdk.CallToolResult, any, error) {
	return textResult(MissionStatusResponse{
		MissionStatus: s.src.Status(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}, false)
}

func textResult(v any, isError bool) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		IsError: isError,
	}, nil, nil
}

func (s *Server) errorResult(err error) *mcpsdk.CallToolResult {
	resp := AutopilotUnavailableResponse{
		Available: false,
		Error:     err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	switch {
	case errors.Is(err, state.ErrStale):
		resp.Code = "DATA_STALE"
		resp.Recoverable = true
		resp.Suggestion = "Wait for the autopilot to send fresh position data."
	case errors.Is(err, mavlink.ErrNotConnected):
		resp.Code = "AUTOPILOT_NOT_CONNECTED"
		resp.Recoverable = true
		resp.Suggestion = "Ensure the autopilot or SITL instance is running and reachable."
	default:
		resp.Code = "UNKNOWN_ERROR"
		resp.Recoverable = false
		resp.Suggestion = "Check application logs for details."
	}

	res, _, _ := textResult(resp, true)
	return res
}
