package main

import (
	"embed"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"rover-remote/internal/config"
	"rover-remote/internal/logging"
)

//go:embed web/*
var staticFiles embed.FS

const (
	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagTransport = "transport"
	flagEndpoint  = "endpoint"

	flagListen           = "listen"
	flagMix              = "mix"
	flagUpdateIntervalMS = "update-interval-ms"
	flagCamera           = "camera"
	flagCameraBackend    = "camera-backend"
	flagCameraIP         = "camera-ip"
	flagCameraUser       = "camera-user"
	flagCameraPassword   = "camera-password"
	flagCameraType       = "camera-type"
	flagInvertTilt       = "invert-tilt"
	flagVideoURL         = "video-url"
	flagNoStart          = "no-start"

	flagTimeout  = "timeout"
	flagDuration = "duration"
	flagPan      = "pan"
	flagTilt     = "tilt"
	flagZoom     = "zoom"
	flagSample   = "sample"
)

func main() {
	var logger *zap.SugaredLogger

	app := &cli.App{
		Name:  "rover-remote",
		Usage: "drive a differential-drive platform and its PTZ camera",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "log level (error, warn, info, debug)",
			},
			&cli.StringFlag{
				Name:  flagTransport,
				Usage: "platform transport (session or polling)",
			},
			&cli.StringFlag{
				Name:    flagEndpoint,
				Aliases: []string{"e"},
				Usage:   "platform endpoint URL or bare host",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger, err = logging.New(cfg.Logging.Level)
			return err
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the operator console and drive loop",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagListen, Usage: "HTTP listen address"},
					&cli.StringFlag{Name: flagMix, Usage: "mixing policy (proportional or unscaled)"},
					&cli.IntFlag{Name: flagUpdateIntervalMS, Usage: "drive loop period in milliseconds"},
					&cli.BoolFlag{Name: flagCamera, Usage: "enable PTZ control through the camera backend"},
					&cli.StringFlag{Name: flagCameraBackend, Usage: "camera backend base URL"},
					&cli.StringFlag{Name: flagCameraIP, Usage: "camera IP address"},
					&cli.StringFlag{Name: flagCameraUser, Usage: "ONVIF user"},
					&cli.StringFlag{Name: flagCameraPassword, Usage: "ONVIF password"},
					&cli.StringFlag{Name: flagCameraType, Usage: "camera type (YOOSEE, YCC365, Y05)"},
					&cli.BoolFlag{Name: flagInvertTilt, Usage: "invert up/down camera keys"},
					&cli.StringFlag{Name: flagVideoURL, Usage: "camera stream URL (rtsp:// or http:// MJPEG)"},
					&cli.BoolFlag{Name: flagNoStart, Usage: "wait for a console to start the drive loop"},
				},
				Action: func(c *cli.Context) error {
					return serveAction(c, logger)
				},
			},
			{
				Name:  "status",
				Usage: "fetch platform telemetry once",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: flagTimeout, Value: 5 * time.Second, Usage: "give up after this long"},
				},
				Action: func(c *cli.Context) error {
					return statusAction(c, logger)
				},
			},
			{
				Name:      "drive",
				Usage:     "send one drive command",
				ArgsUsage: "<left> <right>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: flagTimeout, Value: 5 * time.Second, Usage: "give up after this long"},
				},
				Action: func(c *cli.Context) error {
					return driveAction(c, logger)
				},
			},
			{
				Name:      "ptz",
				Usage:     "move or stop the camera",
				ArgsUsage: "move|stop",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagCameraBackend, Usage: "camera backend base URL"},
					&cli.StringFlag{Name: flagCameraIP, Usage: "camera IP address"},
					&cli.StringFlag{Name: flagCameraUser, Usage: "ONVIF user"},
					&cli.StringFlag{Name: flagCameraPassword, Usage: "ONVIF password"},
					&cli.StringFlag{Name: flagCameraType, Usage: "camera type (YOOSEE, YCC365, Y05)"},
					&cli.Float64Flag{Name: flagPan, Usage: "pan velocity, -1 (left) to 1 (right)"},
					&cli.Float64Flag{Name: flagTilt, Usage: "tilt velocity, -1 (down) to 1 (up)"},
					&cli.Float64Flag{Name: flagZoom, Usage: "zoom velocity, -1 (out) to 1 (in)"},
					&cli.DurationFlag{Name: flagDuration, Usage: "stop automatically after this long (0 keeps moving)"},
				},
				Action: func(c *cli.Context) error {
					return ptzAction(c, logger)
				},
			},
			{
				Name:      "probe",
				Usage:     "check an RTSP camera stream",
				ArgsUsage: "[rtsp-url]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagVideoURL, Usage: "camera stream URL"},
					&cli.DurationFlag{Name: flagSample, Usage: "play the stream this long and count RTP packets"},
					&cli.DurationFlag{Name: flagTimeout, Value: 15 * time.Second, Usage: "give up after this long"},
				},
				Action: func(c *cli.Context) error {
					return probeAction(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file and flags, then validates.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		loaded, err := config.LoadConfigFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	var o config.FlagOverrides
	if c.IsSet(flagLogLevel) {
		o.LogLevel = stringPtr(c.String(flagLogLevel))
	}
	if c.IsSet(flagTransport) {
		o.Transport = stringPtr(c.String(flagTransport))
	}
	if c.IsSet(flagEndpoint) {
		o.Endpoint = stringPtr(c.String(flagEndpoint))
	}
	if c.IsSet(flagListen) {
		o.Listen = stringPtr(c.String(flagListen))
	}
	if c.IsSet(flagMix) {
		o.Mix = stringPtr(c.String(flagMix))
	}
	if c.IsSet(flagUpdateIntervalMS) {
		v := c.Int(flagUpdateIntervalMS)
		o.UpdateIntervalMS = &v
	}
	if c.IsSet(flagCamera) {
		v := c.Bool(flagCamera)
		o.CameraEnabled = &v
	}
	if c.IsSet(flagCameraBackend) {
		o.CameraBackendURL = stringPtr(c.String(flagCameraBackend))
	}
	if c.IsSet(flagCameraIP) {
		o.CameraIP = stringPtr(c.String(flagCameraIP))
	}
	if c.IsSet(flagCameraUser) {
		o.CameraUser = stringPtr(c.String(flagCameraUser))
	}
	if c.IsSet(flagCameraPassword) {
		o.CameraPassword = stringPtr(c.String(flagCameraPassword))
	}
	if c.IsSet(flagCameraType) {
		o.CameraType = stringPtr(c.String(flagCameraType))
	}
	if c.IsSet(flagInvertTilt) {
		v := c.Bool(flagInvertTilt)
		o.CameraInvertTilt = &v
	}
	if c.IsSet(flagVideoURL) {
		o.VideoURL = stringPtr(c.String(flagVideoURL))
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func stringPtr(s string) *string {
	return &s
}
