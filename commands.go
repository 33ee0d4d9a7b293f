package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rover-remote/internal/controller"
	"rover-remote/internal/link"
	"rover-remote/internal/protocol"
	"rover-remote/internal/ptz"
	"rover-remote/internal/server"
	"rover-remote/internal/video"
)

func serveAction(c *cli.Context, logger *zap.SugaredLogger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lcfg := cfg.ToLinkConfig()
	lcfg.Logger = logger.Named("link")
	l, err := link.New(link.Transport(cfg.Platform.Transport), lcfg)
	if err != nil {
		return err
	}

	// The controller, mover and server refer to each other through callbacks.
	// srv is assigned before any of them can fire.
	var srv *server.Server

	var camera *ptz.Mover
	if cfg.Camera.Enabled {
		backend, err := ptz.NewBackend(cfg.ToBackendConfig())
		if err != nil {
			return errors.Wrap(err, "camera")
		}
		mcfg := cfg.ToMoverConfig()
		mcfg.Logger = logger.Named("ptz")
		mcfg.OnError = func(err error) {
			srv.BroadcastError(protocol.ErrPTZ, err)
		}
		camera = ptz.NewMover(backend, mcfg)
	}

	scfg := server.Config{
		ListenAddr:     cfg.Server.Listen,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Transport:      cfg.Platform.Transport,
		Bindings:       cfg.ToBindings(),
		Logger:         logger.Named("server"),
	}
	var src video.Source
	if cfg.Video.URL != "" {
		src, err = video.Parse(cfg.Video.URL)
		if err != nil {
			return err
		}
		scfg.VideoURL = src.ConsoleURL(cfg.Camera.BackendURL)
		scfg.VideoProtocol = string(src.Kind)
	}
	if cfg.Camera.Enabled {
		scfg.CameraType = cfg.Camera.Type
	}

	ctrl, err := controller.New(l, controller.Options{
		Params:   cfg.ToParams(),
		Bindings: cfg.ToBindings(),
		Logger:   logger.Named("controller"),
		OnUpdate: func(snap controller.Snapshot) {
			srv.BroadcastSnapshot(snap)
		},
		OnConnectionStatusChange: func(status protocol.ConnectionStatusPayload) {
			srv.BroadcastConnectionStatus(status)
		},
	})
	if err != nil {
		return err
	}

	var cam server.Camera
	if camera != nil {
		cam = camera
	}
	srv, err = server.New(scfg, ctrl, cam, staticFiles)
	if err != nil {
		return err
	}

	logger.Infow("rover remote starting",
		"listen", cfg.Server.Listen,
		"transport", cfg.Platform.Transport,
		"endpoint", cfg.Platform.Endpoint,
		"camera", cfg.Camera.Enabled,
		"video", cfg.Video.URL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		err = multierr.Append(err, ctrl.Close())
		if camera != nil {
			camera.Stop()
			err = multierr.Append(err, camera.Close())
		}
		err = multierr.Append(err, srv.Stop(shutdownCtx))
		return err
	})
	if src.Kind == video.KindRTSP {
		mon := &video.Monitor{
			URL:      src.URL,
			Interval: time.Duration(cfg.Video.ProbeIntervalSec) * time.Second,
			Probe:    video.DescribeProbe(logger.Named("video")),
			Logger:   logger.Named("video"),
			OnChange: srv.SetVideoOnline,
		}
		g.Go(func() error { return mon.Run(gctx) })
	} else if src.Kind == video.KindMJPEG {
		srv.SetVideoOnline(true)
	}

	if !c.Bool(flagNoStart) {
		ctrl.Start()
	}

	return g.Wait()
}

func statusAction(c *cli.Context, logger *zap.SugaredLogger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration(flagTimeout))
	defer cancel()

	lcfg := cfg.ToLinkConfig()
	lcfg.Logger = logger.Named("link")

	var tel protocol.Telemetry
	switch link.Transport(cfg.Platform.Transport) {
	case link.TransportPolling:
		p := link.NewPolling(lcfg)
		defer p.Close()
		tel, err = p.Status(ctx)
	default:
		s := link.NewSession(lcfg)
		defer s.Close()
		tel, err = sessionExchange(ctx, s, func(st link.State) bool { return st.Telemetry != nil }, nil)
	}
	if err != nil {
		return err
	}
	return printJSON(c, tel)
}

func driveAction(c *cli.Context, logger *zap.SugaredLogger) error {
	if c.Args().Len() != 2 {
		return errors.New("drive takes exactly two arguments: <left> <right>")
	}
	left, err := strconv.Atoi(c.Args().Get(0))
	if err != nil {
		return errors.Wrap(err, "left")
	}
	right, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return errors.Wrap(err, "right")
	}
	cmd := protocol.DriveCommand{Left: left, Right: right}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration(flagTimeout))
	defer cancel()

	lcfg := cfg.ToLinkConfig()
	lcfg.Logger = logger.Named("link")

	var tel protocol.Telemetry
	switch link.Transport(cfg.Platform.Transport) {
	case link.TransportPolling:
		p := link.NewPolling(lcfg)
		defer p.Close()
		tel, err = p.Drive(ctx, cmd)
	default:
		s := link.NewSession(lcfg)
		defer s.Close()
		tel, err = sessionExchange(ctx, s, func(st link.State) bool { return st.Status == link.Connected }, func() error {
			if !s.Send(cmd) {
				return errors.New("platform session closed before the command was sent")
			}
			return nil
		})
	}
	if err != nil {
		return err
	}
	logger.Infow("drive command sent", "left", left, "right", right)
	return printJSON(c, tel)
}

// sessionExchange connects s, waits until done reports true, runs then (if
// set) and returns the latest telemetry.
func sessionExchange(ctx context.Context, s *link.Session, done func(link.State) bool, then func() error) (protocol.Telemetry, error) {
	changed := make(chan struct{}, 1)
	s.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	s.Connect()

	for {
		st := s.State()
		if done(st) {
			if then != nil {
				if err := then(); err != nil {
					return nil, err
				}
			}
			return s.State().Telemetry, nil
		}
		if st.LastError != nil && st.Status != link.Connected {
			return nil, st.LastError
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for platform")
		case <-changed:
		}
	}
}

func ptzAction(c *cli.Context, logger *zap.SugaredLogger) error {
	action := c.Args().First()
	if action != "move" && action != "stop" {
		return errors.New("ptz takes one argument: move or stop")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	backend, err := ptz.NewBackend(cfg.ToBackendConfig())
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx := c.Context
	if action == "stop" {
		return backend.Stop(ctx)
	}

	pan, tilt, zoom := c.Float64(flagPan), c.Float64(flagTilt), c.Float64(flagZoom)
	if cfg.Camera.InvertTilt {
		tilt = -tilt
	}
	if err := backend.Move(ctx, pan, tilt, zoom); err != nil {
		return err
	}
	logger.Infow("ptz move sent", "pan", pan, "tilt", tilt, "zoom", zoom)

	if d := c.Duration(flagDuration); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return backend.Stop(context.Background())
	}
	return nil
}

func probeAction(c *cli.Context, logger *zap.SugaredLogger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	url := c.Args().First()
	if url == "" {
		url = cfg.Video.URL
	}
	src, err := video.Parse(url)
	if err != nil {
		return err
	}
	if src.Kind != video.KindRTSP {
		return errors.Errorf("probe only supports RTSP sources, got %s", src.Kind)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration(flagTimeout))
	defer cancel()

	res, err := video.Probe(ctx, src.URL, c.Duration(flagSample), logger.Named("video"))
	if res != nil {
		if perr := printJSON(c, res); perr != nil {
			return perr
		}
	}
	return err
}

func printJSON(c *cli.Context, v any) error {
	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
