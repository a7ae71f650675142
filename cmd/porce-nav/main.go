package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eytandecker/porce-nav/internal/api"
	"github.com/eytandecker/porce-nav/internal/config"
	"github.com/eytandecker/porce-nav/internal/control"
	"github.com/eytandecker/porce-nav/internal/logging"
	"github.com/eytandecker/porce-nav/internal/mavlink"
	internalmcp "github.com/eytandecker/porce-nav/internal/mcp"
	"github.com/eytandecker/porce-nav/internal/mission"
	"github.com/eytandecker/porce-nav/internal/planner"
	"github.com/eytandecker/porce-nav/internal/state"
	"github.com/eytandecker/porce-nav/pkg/types"
)

func main() {
	if err := run(); err != nil {
		log.Printf("porce-nav exited: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	lg := logging.New(logging.Config{Level: cfg.Log.Level, Dir: cfg.Log.Dir, Console: os.Stderr})
	defer lg.Close()
	lg.Info("starting", slog.String("profile", string(cfg.Profile)), slog.String("mission", cfg.Mission))

	wps, err := mission.Load(cfg.Mission)
	if err != nil {
		return fmt.Errorf("load mission: %w", err)
	}
	home := wps[0]
	lg.Info("mission loaded",
		slog.Int("waypoints", len(wps)),
		slog.Float64("home_lat", home.Lat),
		slog.Float64("home_lon", home.Lon))

	store := state.NewStore(cfg.Control.ActiveWindow)
	store.LoadMission(wps)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	link := mavlink.NewLink(mavlink.Config{
		HeartbeatTimeout: cfg.Link.HeartbeatTimeout,
		RetryDelay:       cfg.Link.RetryDelay,
		ParamSpacing:     cfg.Link.ParamSpacing,
		Params:           mavlink.HandshakeParams(cfg.Profile == config.ProfileSimulation),
	}, mavlink.NodeDialer(cfg.Link.Addr, systemID(cfg.Link.SystemID)), store, lg.Component("mavlink"))

	plan := planner.New(planner.Config{
		CellSize:       cfg.Planner.CellSize,
		SafetyDistance: cfg.Planner.SafetyDistance,
		GridRadius:     cfg.Planner.GridRadius,
		SlideRadius:    cfg.Planner.SlideRadius,
		MaxIterations:  cfg.Planner.MaxIterations,
	}, lg.Component("planner"))

	ctrl := control.New(control.Config{
		Tick:               cfg.Control.Tick,
		StartDelay:         cfg.Control.StartDelay,
		LinkTimeout:        cfg.Control.LinkTimeout,
		ObstacleExpiry:     cfg.Control.ObstacleExpiry,
		ReactionDistance:   cfg.Control.ReactionDistance,
		NavSpeed:           cfg.Control.NavSpeed,
		ArrivalTolerance:   cfg.Control.ArrivalTolerance,
		AltitudeTolerance:  cfg.Control.AltitudeTolerance,
		EvasionArrival:     cfg.Control.EvasionArrival,
		FallbackTakeoffAlt: cfg.Control.FallbackTakeoffAlt,
	}, store, link, plan, lg.Component("control"))

	apiServer := api.NewServer(api.Config{
		ActiveWindow:   cfg.Control.ActiveWindow,
		StreamInterval: cfg.HTTP.StreamInterval,
		Params: api.Params{
			SafetyDist:    plan.Config().SafetyDistance,
			DetectionDist: cfg.Control.DetectionRange,
			ReactionDist:  cfg.Control.ReactionDistance,
			CellSize:      plan.Config().CellSize,
			GridRadius:    plan.Config().GridRadius,
		},
	}, store, lg.Component("api"))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return ignoreCanceled(link.Run(ctx)) })
	eg.Go(func() error { return ignoreCanceled(ctrl.Run(ctx)) })
	eg.Go(func() error {
		lg.Info("http listening", slog.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.MCPEnabled {
		mcpServer := internalmcp.NewServer(vehicleSource{store: store, link: link})
		eg.Go(func() error {
			// The MCP session ending is not a reason to stop flying.
			if err := ignoreCanceled(mcpServer.Run(ctx)); err != nil {
				lg.Warn("mcp server stopped", slog.Any("error", err))
			}
			return nil
		})
	}

	err = eg.Wait()
	lg.Info("stopped", slog.Any("error", err))
	return err
}

// vehicleSource reports a missing link ahead of stale data.
type vehicleSource struct {
	store *state.Store
	link  *mavlink.Link
}

func (v vehicleSource) GetTelemetry() (types.Telemetry, error) {
	if v.link.State() != mavlink.StateConnected {
		return types.Telemetry{}, mavlink.ErrNotConnected
	}
	return v.store.GetTelemetry()
}

func (v vehicleSource) Status() types.MissionStatus {
	return v.store.Status()
}

func systemID(id int) uint8 {
	if id < 1 || id > 255 {
		return 254
	}
	return uint8(id)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
