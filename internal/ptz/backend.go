package ptz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Camera models understood by the backend.
const (
	CameraYoosee = "YOOSEE"
	CameraYCC365 = "YCC365"
	CameraY05    = "Y05"
)

// CameraTypes lists the supported camera models.
var CameraTypes = []string{CameraYoosee, CameraYCC365, CameraY05}

const (
	actionMove = "move"
	actionStop = "stop"

	defaultTimeout = 2 * time.Second
)

// BackendConfig for the camera backend client
type BackendConfig struct {
	URL        string // Backend base URL (e.g., "http://127.0.0.1:5000")
	CameraIP   string
	User       string
	Password   string
	CameraType string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Backend sends PTZ commands through the camera backend's POST /api/ptz.
type Backend struct {
	url    string
	cfg    BackendConfig
	client *http.Client
}

type backendRequest struct {
	CameraIP      string   `json:"camera_ip"`
	OnvifUser     string   `json:"onvif_user"`
	OnvifPassword string   `json:"onvif_password"`
	CameraType    string   `json:"camera_type"`
	Action        string   `json:"action"`
	Pan           *float64 `json:"pan,omitempty"`
	Tilt          *float64 `json:"tilt,omitempty"`
	Zoom          *float64 `json:"zoom,omitempty"`
}

type backendResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ValidCameraType reports whether t is a supported camera model.
func ValidCameraType(t string) bool {
	for _, ct := range CameraTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// NewBackend creates a backend client
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("camera backend URL is required")
	}
	if cfg.CameraIP == "" {
		return nil, errors.New("camera address is required")
	}
	if !ValidCameraType(cfg.CameraType) {
		return nil, errors.Errorf("unsupported camera type %q (want one of %s)", cfg.CameraType, strings.Join(CameraTypes, ", "))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Backend{
		url:    strings.TrimSuffix(cfg.URL, "/") + "/api/ptz",
		cfg:    cfg,
		client: client,
	}, nil
}

// Move starts a continuous move
func (b *Backend) Move(ctx context.Context, pan, tilt, zoom float64) error {
	req := b.request(actionMove)
	req.Pan, req.Tilt, req.Zoom = &pan, &tilt, &zoom
	return b.do(ctx, req)
}

// Stop stops pan, tilt and zoom
func (b *Backend) Stop(ctx context.Context) error {
	return b.do(ctx, b.request(actionStop))
}

// Close is a no-op; the backend is stateless.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) request(action string) backendRequest {
	return backendRequest{
		CameraIP:      b.cfg.CameraIP,
		OnvifUser:     b.cfg.User,
		OnvifPassword: b.cfg.Password,
		CameraType:    b.cfg.CameraType,
		Action:        action,
	}
}

func (b *Backend) do(ctx context.Context, body backendRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode ptz request")
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "build ptz request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "ptz %s request failed", body.Action)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read ptz %s response", body.Action)
	}

	var out backendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return errors.Errorf("ptz %s: HTTP %d with non-JSON body", body.Action, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || out.Status != "success" {
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		if out.Details != "" {
			msg += ": " + out.Details
		}
		return errors.Errorf("ptz %s failed: %s", body.Action, msg)
	}
	return nil
}
