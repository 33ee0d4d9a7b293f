// Package config loads the rover-remote YAML configuration.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"rover-remote/internal/control"
	"rover-remote/internal/link"
	"rover-remote/internal/logging"
	"rover-remote/internal/ptz"
	"rover-remote/internal/video"
)

// Config is the top-level YAML configuration.
//
// The file is the primary configuration surface; flags only override single
// values. Defaults and validation live here so the rest of the code can
// assume a well-formed config.
type Config struct {
	// Platform link
	Platform PlatformConfig `yaml:"platform"`

	// Drive loop tuning
	Control ControlConfig `yaml:"control"`

	// Drive key bindings
	Bindings BindingsConfig `yaml:"bindings"`

	// PTZ camera via the camera backend
	Camera CameraConfig `yaml:"camera"`

	// Camera stream shown in the console
	Video VideoConfig `yaml:"video"`

	// Operator console server
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type PlatformConfig struct {
	Transport           string `yaml:"transport"` // "session" or "polling"
	Endpoint            string `yaml:"endpoint"`  // ws://host/ws, http://host, or a bare host
	RequestTimeoutMS    int    `yaml:"request_timeout_ms"`
	ReconnectIntervalMS int    `yaml:"reconnect_interval_ms"`
}

type ControlConfig struct {
	MaxThrottle                 float64 `yaml:"max_throttle"`
	MaxSteering                 float64 `yaml:"max_steering"`
	ThrottleAcceleration        float64 `yaml:"throttle_acceleration"`
	ThrottleDecelerationNatural float64 `yaml:"throttle_deceleration_natural"`
	BrakePower                  float64 `yaml:"brake_power"`
	SteeringSpeed               float64 `yaml:"steering_speed"`
	SteeringReturnSpeed         float64 `yaml:"steering_return_speed"`
	UpdateIntervalMS            int     `yaml:"update_interval_ms"`
	Mix                         string  `yaml:"mix"` // "proportional" or "unscaled"
}

type BindingsConfig struct {
	Accelerate []string `yaml:"accelerate"`
	Brake      []string `yaml:"brake"`
	Left       []string `yaml:"left"`
	Right      []string `yaml:"right"`
	Handbrake  string   `yaml:"handbrake"`
}

type CameraConfig struct {
	Enabled       bool    `yaml:"enabled"`
	BackendURL    string  `yaml:"backend_url"`
	IP            string  `yaml:"ip"`
	User          string  `yaml:"user"`
	Password      string  `yaml:"password"`
	Type          string  `yaml:"type"` // YOOSEE, YCC365 or Y05
	PanSpeed      float64 `yaml:"pan_speed"`
	TiltSpeed     float64 `yaml:"tilt_speed"`
	ZoomSpeed     float64 `yaml:"zoom_speed"`
	InvertTilt    bool    `yaml:"invert_tilt"`
	MoveTimeMS    int     `yaml:"move_time_ms"`
	MinIntervalMS int     `yaml:"min_interval_ms"`
}

type VideoConfig struct {
	URL              string `yaml:"url"` // rtsp(s):// or http(s):// MJPEG
	ProbeIntervalSec int    `yaml:"probe_interval_sec"`
}

type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	p := control.DefaultParams()
	b := control.DefaultBindings()
	return Config{
		Platform: PlatformConfig{
			Transport:           string(link.TransportSession),
			Endpoint:            "ws://192.168.0.155/ws",
			RequestTimeoutMS:    2000,
			ReconnectIntervalMS: int(p.ReconnectInterval / time.Millisecond),
		},
		Control: ControlConfig{
			MaxThrottle:                 p.MaxThrottle,
			MaxSteering:                 p.MaxSteering,
			ThrottleAcceleration:        p.ThrottleAcceleration,
			ThrottleDecelerationNatural: p.ThrottleDecelerationNatural,
			BrakePower:                  p.BrakePower,
			SteeringSpeed:               p.SteeringSpeed,
			SteeringReturnSpeed:         p.SteeringReturnSpeed,
			UpdateIntervalMS:            int(p.UpdateInterval / time.Millisecond),
			Mix:                         string(p.Mix),
		},
		Bindings: BindingsConfig{
			Accelerate: b.Accelerate,
			Brake:      b.Brake,
			Left:       b.Left,
			Right:      b.Right,
			Handbrake:  b.Handbrake,
		},
		Camera: CameraConfig{
			Enabled:       false,
			BackendURL:    "http://127.0.0.1:5000",
			Type:          ptz.CameraYoosee,
			PanSpeed:      ptz.DefaultSpeed,
			TiltSpeed:     ptz.DefaultSpeed,
			ZoomSpeed:     ptz.DefaultSpeed,
			MoveTimeMS:    int(ptz.DefaultMoveTime / time.Millisecond),
			MinIntervalMS: int(ptz.DefaultMinInterval / time.Millisecond),
		},
		Video: VideoConfig{
			ProbeIntervalSec: 30,
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config yaml")
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values set on the command line. A nil pointer means
// the flag was not given.
type FlagOverrides struct {
	Transport *string
	Endpoint  *string

	UpdateIntervalMS *int
	Mix              *string

	CameraEnabled    *bool
	CameraBackendURL *string
	CameraIP         *string
	CameraUser       *string
	CameraPassword   *string
	CameraType       *string
	CameraInvertTilt *bool

	VideoURL *string

	Listen *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Transport != nil {
		cfg.Platform.Transport = *o.Transport
	}
	if o.Endpoint != nil {
		cfg.Platform.Endpoint = *o.Endpoint
	}

	if o.UpdateIntervalMS != nil {
		cfg.Control.UpdateIntervalMS = *o.UpdateIntervalMS
	}
	if o.Mix != nil {
		cfg.Control.Mix = *o.Mix
	}

	if o.CameraEnabled != nil {
		cfg.Camera.Enabled = *o.CameraEnabled
	}
	if o.CameraBackendURL != nil {
		cfg.Camera.BackendURL = *o.CameraBackendURL
	}
	if o.CameraIP != nil {
		cfg.Camera.IP = *o.CameraIP
	}
	if o.CameraUser != nil {
		cfg.Camera.User = *o.CameraUser
	}
	if o.CameraPassword != nil {
		cfg.Camera.Password = *o.CameraPassword
	}
	if o.CameraType != nil {
		cfg.Camera.Type = *o.CameraType
	}
	if o.CameraInvertTilt != nil {
		cfg.Camera.InvertTilt = *o.CameraInvertTilt
	}

	if o.VideoURL != nil {
		cfg.Video.URL = *o.VideoURL
	}
	if o.Listen != nil {
		cfg.Server.Listen = *o.Listen
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants. It is called after defaults, file and
// overrides are applied. A bare platform host is expanded to a full endpoint.
func (c *Config) Validate() error {
	// Platform
	t := link.Transport(c.Platform.Transport)
	if t != link.TransportSession && t != link.TransportPolling {
		return errors.Errorf("platform.transport must be %q or %q", link.TransportSession, link.TransportPolling)
	}
	c.Platform.Endpoint = link.EndpointForHost(t, c.Platform.Endpoint)
	if c.Platform.Endpoint == "" {
		return errors.New("platform.endpoint must not be empty")
	}
	if c.Platform.RequestTimeoutMS <= 0 {
		return errors.New("platform.request_timeout_ms must be > 0")
	}
	if c.Platform.ReconnectIntervalMS <= 0 {
		return errors.New("platform.reconnect_interval_ms must be > 0")
	}

	// Control
	if err := c.ToParams().Validate(); err != nil {
		return errors.Wrap(err, "control")
	}

	// Bindings
	if len(c.Bindings.Accelerate) == 0 || len(c.Bindings.Brake) == 0 ||
		len(c.Bindings.Left) == 0 || len(c.Bindings.Right) == 0 {
		return errors.New("bindings.accelerate, brake, left and right must not be empty")
	}
	if c.Bindings.Handbrake == "" {
		return errors.New("bindings.handbrake must not be empty")
	}

	// Camera
	if c.Camera.Enabled {
		if c.Camera.BackendURL == "" {
			return errors.New("camera.enabled is true but camera.backend_url is empty")
		}
		if c.Camera.IP == "" {
			return errors.New("camera.enabled is true but camera.ip is empty")
		}
		if !ptz.ValidCameraType(c.Camera.Type) {
			return errors.Errorf("camera.type %q is not one of %v", c.Camera.Type, ptz.CameraTypes)
		}
	}
	if c.Camera.PanSpeed < 0 || c.Camera.PanSpeed > 1 ||
		c.Camera.TiltSpeed < 0 || c.Camera.TiltSpeed > 1 ||
		c.Camera.ZoomSpeed < 0 || c.Camera.ZoomSpeed > 1 {
		return errors.New("camera speeds must be between 0 and 1")
	}
	if c.Camera.MoveTimeMS <= 0 {
		return errors.New("camera.move_time_ms must be > 0")
	}
	if c.Camera.MinIntervalMS < 0 {
		return errors.New("camera.min_interval_ms must be >= 0")
	}

	// Video
	if c.Video.URL != "" {
		if _, err := video.Parse(c.Video.URL); err != nil {
			return errors.Wrap(err, "video.url")
		}
	}
	if c.Video.ProbeIntervalSec <= 0 {
		return errors.New("video.probe_interval_sec must be > 0")
	}

	// Server
	if c.Server.Listen == "" {
		return errors.New("server.listen must not be empty")
	}

	// Logging
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}

	return nil
}

// ToParams converts the control section into drive loop parameters.
func (c *Config) ToParams() control.Params {
	return control.Params{
		MaxThrottle:                 c.Control.MaxThrottle,
		MaxSteering:                 c.Control.MaxSteering,
		ThrottleAcceleration:        c.Control.ThrottleAcceleration,
		ThrottleDecelerationNatural: c.Control.ThrottleDecelerationNatural,
		BrakePower:                  c.Control.BrakePower,
		SteeringSpeed:               c.Control.SteeringSpeed,
		SteeringReturnSpeed:         c.Control.SteeringReturnSpeed,
		UpdateInterval:              time.Duration(c.Control.UpdateIntervalMS) * time.Millisecond,
		ReconnectInterval:           time.Duration(c.Platform.ReconnectIntervalMS) * time.Millisecond,
		Mix:                         control.MixPolicy(c.Control.Mix),
	}
}

// ToBindings converts the bindings section, lower-casing key names.
func (c *Config) ToBindings() control.Bindings {
	lower := func(keys []string) []string {
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i] = control.NormalizeKey(k)
		}
		return out
	}
	return control.Bindings{
		Accelerate: lower(c.Bindings.Accelerate),
		Brake:      lower(c.Bindings.Brake),
		Left:       lower(c.Bindings.Left),
		Right:      lower(c.Bindings.Right),
		Handbrake:  control.NormalizeKey(c.Bindings.Handbrake),
	}
}

// ToLinkConfig converts the platform section into a link configuration.
func (c *Config) ToLinkConfig() link.Config {
	return link.Config{
		Endpoint:          c.Platform.Endpoint,
		ReconnectInterval: time.Duration(c.Platform.ReconnectIntervalMS) * time.Millisecond,
		RequestTimeout:    time.Duration(c.Platform.RequestTimeoutMS) * time.Millisecond,
	}
}

// ToBackendConfig converts the camera section into a PTZ backend configuration.
func (c *Config) ToBackendConfig() ptz.BackendConfig {
	return ptz.BackendConfig{
		URL:        c.Camera.BackendURL,
		CameraIP:   c.Camera.IP,
		User:       c.Camera.User,
		Password:   c.Camera.Password,
		CameraType: c.Camera.Type,
	}
}

// ToMoverConfig converts the camera section into PTZ key behaviour.
func (c *Config) ToMoverConfig() ptz.MoverConfig {
	return ptz.MoverConfig{
		PanSpeed:    c.Camera.PanSpeed,
		TiltSpeed:   c.Camera.TiltSpeed,
		ZoomSpeed:   c.Camera.ZoomSpeed,
		InvertTilt:  c.Camera.InvertTilt,
		MoveTime:    time.Duration(c.Camera.MoveTimeMS) * time.Millisecond,
		MinInterval: time.Duration(c.Camera.MinIntervalMS) * time.Millisecond,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
