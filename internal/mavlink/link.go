// Package mavlink is the autopilot protocol adapter. It owns the connection
// lifecycle, writes inbound telemetry into the vehicle state and exposes the
// outbound commands used by the control loop. It makes no flight decisions.
package mavlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/eytandecker/porce-nav/internal/logging"
	"github.com/eytandecker/porce-nav/pkg/types"
)

// TelemetrySink is implemented by state.Store.
type TelemetrySink interface {
	ApplyTelemetry(fn func(*types.Telemetry))
}

// ConnectionState is the link lifecycle state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBackoff:
		return "BACKOFF"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Param is one parameter written during the connect handshake.
type Param struct {
	ID    string
	Value float32
	Type  common.MAV_PARAM_TYPE
}

// HandshakeParams returns the parameters set on every connect. The simulated
// autopilot also gets the SITL EKF selection.
func HandshakeParams(simulation bool) []Param {
	var params []Param
	if simulation {
		params = append(params, Param{ID: "AHRS_EKF_TYPE", Value: 10, Type: common.MAV_PARAM_TYPE_INT8})
	}
	return append(params,
		Param{ID: "ARMING_CHECK", Value: 0, Type: common.MAV_PARAM_TYPE_INT32},
		Param{ID: "FRAME_CLASS", Value: 1, Type: common.MAV_PARAM_TYPE_INT8},
		Param{ID: "FRAME_TYPE", Value: 1, Type: common.MAV_PARAM_TYPE_INT8},
	)
}

// streamRates are the telemetry intervals requested after connect, in microseconds.
var streamRates = []struct {
	msg      message.Message
	interval float32
}{
	{&common.MessageGlobalPositionInt{}, 100000},
	{&common.MessageAttitude{}, 100000},
	{&common.MessageGpsRawInt{}, 250000},
	{&common.MessageSysStatus{}, 1000000},
	{&common.MessageVfrHud{}, 250000},
}

// Config holds link settings.
type Config struct {
	HeartbeatTimeout time.Duration
	RetryDelay       time.Duration
	ParamSpacing     time.Duration
	Params           []Param
}

// Link manages the autopilot connection.
type Link struct {
	cfg   Config
	dial  Dialer
	sink  TelemetrySink
	lg    *slog.Logger
	now   func() time.Time
	state atomic.Int32

	mu              sync.Mutex
	conn            Conn
	targetSystem    uint8
	targetComponent uint8
}

// NewLink creates a Link. Call Run to start it.
func NewLink(cfg Config, dial Dialer, sink TelemetrySink, lg *slog.Logger) *Link {
	if lg == nil {
		lg = slog.Default()
	}
	l := &Link{cfg: cfg, dial: dial, sink: sink, lg: lg, now: time.Now}
	l.state.Store(int32(StateDisconnected))
	return l
}

// State returns the current connection state.
func (l *Link) State() ConnectionState {
	return ConnectionState(l.state.Load())
}

func (l *Link) setState(s ConnectionState) {
	if ConnectionState(l.state.Swap(int32(s))) != s {
		l.lg.Debug("link state", slog.String("state", s.String()))
	}
}

// Run connects, serves the session and reconnects after RetryDelay, until
// ctx is cancelled. Link errors never end Run.
func (l *Link) Run(ctx context.Context) error {
	defer l.setState(StateDisconnected)

	for {
		l.setState(StateConnecting)
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.lg.Warn("autopilot link lost, retrying",
			slog.Any("error", err),
			slog.Bool("recoverable", IsRecoverable(err)),
			slog.Duration("retry_delay", l.cfg.RetryDelay))

		l.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryDelay):
		}
	}
}

func (l *Link) session(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return &types.AutopilotError{Err: err, Message: "dial", Recoverable: true}
	}
	defer func() {
		l.detach()
		_ = conn.Close()
	}()

	hb, err := l.awaitHeartbeat(ctx, conn)
	if err != nil {
		return &types.AutopilotError{Err: err, Message: "waiting for heartbeat", Recoverable: true}
	}

	l.attach(conn, hb.SystemID, hb.ComponentID)
	l.setState(StateConnected)
	l.lg.Info("autopilot heartbeat received",
		slog.Int("system", int(hb.SystemID)),
		slog.Int("component", int(hb.ComponentID)))
	l.handleFrame(hb)

	if err := l.handshake(ctx); err != nil {
		return err
	}
	return l.receive(ctx, conn, hb.SystemID, hb.ComponentID)
}

// awaitHeartbeat returns the first heartbeat sent by something other than a
// ground station, within HeartbeatTimeout.
func (l *Link) awaitHeartbeat(ctx context.Context, conn Conn) (Frame, error) {
	timer := time.NewTimer(l.cfg.HeartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-timer.C:
			return Frame{}, ErrHeartbeatTimeout
		case fr, ok := <-conn.Frames():
			if !ok {
				return Frame{}, ErrLinkClosed
			}
			if hb, isHB := fr.Message.(*common.MessageHeartbeat); isHB && hb.Type != common.MAV_TYPE_GCS {
				return fr, nil
			}
		}
	}
}

// handshake writes the configured parameters, spaced out, and requests the
// telemetry stream rates. Individual send failures are logged.
func (l *Link) handshake(ctx context.Context) error {
	for i, p := range l.cfg.Params {
		if i > 0 && l.cfg.ParamSpacing > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.ParamSpacing):
			}
		}
		if err := l.setParam(p); err != nil {
			l.lg.Warn("param set failed", slog.String("param", p.ID), slog.Any("error", err))
		}
	}

	for _, r := range streamRates {
		err := l.commandLong(common.MAV_CMD_SET_MESSAGE_INTERVAL, float32(r.msg.GetID()), r.interval, 0, 0, 0, 0, 0)
		if err != nil {
			l.lg.Warn("stream rate request failed", slog.Uint64("msg_id", uint64(r.msg.GetID())), slog.Any("error", err))
		}
	}
	return nil
}

// receive applies frames until the channel ends, ctx is cancelled, or the
// autopilot misses its heartbeat for HeartbeatTimeout. Only frames from the
// autopilot component count; gimbals, cameras and companions on the same
// system are ignored.
func (l *Link) receive(ctx context.Context, conn Conn, targetSystem, targetComponent uint8) error {
	watchdog := time.NewTimer(l.cfg.HeartbeatTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watchdog.C:
			return &types.AutopilotError{Err: ErrHeartbeatTimeout, Message: "connected link went silent", Recoverable: true}
		case fr, ok := <-conn.Frames():
			if !ok {
				return &types.AutopilotError{Err: ErrLinkClosed, Message: "receive", Recoverable: true}
			}
			if fr.SystemID != targetSystem || fr.ComponentID != targetComponent {
				continue
			}
			if _, isHB := fr.Message.(*common.MessageHeartbeat); isHB {
				watchdog.Reset(l.cfg.HeartbeatTimeout)
			}
			l.safeHandle(fr)
		}
	}
}

func (l *Link) safeHandle(fr Frame) {
	defer logging.CatchPanic(l.lg, "mavlink frame")
	l.handleFrame(fr)
}

// handleFrame writes one telemetry frame into the sink. Messages the core
// does not consume are dropped.
func (l *Link) handleFrame(fr Frame) {
	switch msg := fr.Message.(type) {
	case *common.MessageGlobalPositionInt:
		now := l.now()
		l.sink.ApplyTelemetry(func(t *types.Telemetry) {
			t.Lat = float64(msg.Lat) / 1e7
			t.Lon = float64(msg.Lon) / 1e7
			t.Alt = float64(msg.Alt) / 1000
			t.Heading = float64(msg.Hdg) / 100
			t.LastUpdate = now
		})
	case *common.MessageAttitude:
		l.sink.ApplyTelemetry(func(t *types.Telemetry) {
			t.Roll = radToDeg(msg.Roll)
			t.Pitch = radToDeg(msg.Pitch)
			t.Yaw = radToDeg(msg.Yaw)
		})
	case *common.MessageHeartbeat:
		mode := ModeName(msg.CustomMode)
		armed := msg.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
		l.sink.ApplyTelemetry(func(t *types.Telemetry) {
			t.Mode = mode
			t.Armed = armed
		})
	case *common.MessageVfrHud:
		l.sink.ApplyTelemetry(func(t *types.Telemetry) {
			t.GroundSpeed = float64(msg.Groundspeed)
			t.AirSpeed = float64(msg.Airspeed)
			t.Heading = float64(msg.Heading)
		})
	case *common.MessageSysStatus:
		l.sink.ApplyTelemetry(func(t *types.Telemetry) {
			t.Voltage = float64(msg.VoltageBattery) / 1000
			t.BatteryRemaining = int(msg.BatteryRemaining)
		})
	case *common.MessageGpsRawInt:
		l.sink.ApplyTelemetry(func(t *types.Telemetry) {
			t.GPSFix = int(msg.FixType)
			t.Satellites = int(msg.SatellitesVisible)
		})
	}
}

func radToDeg(r float32) float64 {
	return float64(r) * 180 / math.Pi
}

func (l *Link) attach(conn Conn, sys, comp uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	l.targetSystem = sys
	l.targetComponent = comp
}

func (l *Link) detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = nil
}

// send builds a message for the current target and writes it on the live session.
func (l *Link) send(build func(sys, comp uint8) message.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	if err := l.conn.Send(build(l.targetSystem, l.targetComponent)); err != nil {
		return fmt.Errorf("mavlink send: %w", err)
	}
	return nil
}

func (l *Link) commandLong(cmd common.MAV_CMD, p1, p2, p3, p4, p5, p6, p7 float32) error {
	return l.send(func(sys, comp uint8) message.Message {
		return &common.MessageCommandLong{
			TargetSystem:    sys,
			TargetComponent: comp,
			Command:         cmd,
			Param1:          p1,
			Param2:          p2,
			Param3:          p3,
			Param4:          p4,
			Param5:          p5,
			Param6:          p6,
			Param7:          p7,
		}
	})
}

func (l *Link) setParam(p Param) error {
	return l.send(func(sys, comp uint8) message.Message {
		return &common.MessageParamSet{
			TargetSystem:    sys,
			TargetComponent: comp,
			ParamId:         p.ID,
			ParamValue:      p.Value,
			ParamType:       p.Type,
		}
	})
}

// SetMode switches the autopilot to the named ArduCopter mode.
func (l *Link) SetMode(name string) error {
	n, err := ModeNumber(name)
	if err != nil {
		return err
	}
	return l.commandLong(common.MAV_CMD_DO_SET_MODE,
		float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), float32(n), 0, 0, 0, 0, 0)
}

// Arm arms the motors.
func (l *Link) Arm() error {
	return l.commandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, 1, 0, 0, 0, 0, 0, 0)
}

// Takeoff climbs to relAlt metres above home.
func (l *Link) Takeoff(relAlt float64) error {
	return l.commandLong(common.MAV_CMD_NAV_TAKEOFF, 0, 0, 0, 0, 0, 0, float32(relAlt))
}

// SetHorizontalSpeed sets WPNAV_SPEED from a speed in m/s.
func (l *Link) SetHorizontalSpeed(ms float64) error {
	return l.setParam(Param{ID: "WPNAV_SPEED", Value: float32(ms * 100), Type: common.MAV_PARAM_TYPE_REAL32})
}

// positionOnly ignores velocity, acceleration and yaw in a position target.
const positionOnly = 0b0000111111111000

// GotoPosition sends a global position target at relAlt metres above home.
func (l *Link) GotoPosition(lat, lon, relAlt float64) error {
	return l.send(func(sys, comp uint8) message.Message {
		return &common.MessageSetPositionTargetGlobalInt{
			TargetSystem:    sys,
			TargetComponent: comp,
			CoordinateFrame: common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
			TypeMask:        common.POSITION_TARGET_TYPEMASK(positionOnly),
			LatInt:          int32(lat * 1e7),
			LonInt:          int32(lon * 1e7),
			Alt:             float32(relAlt),
		}
	})
}

// IsRecoverable reports whether err is a link failure worth retrying.
func IsRecoverable(err error) bool {
	var ae *types.AutopilotError
	return errors.As(err, &ae) && ae.Recoverable
}
