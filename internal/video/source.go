// Package video selects how the camera stream reaches the console and checks
// that an RTSP source is reachable.
package video

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the stream transport of a source.
type Kind string

const (
	KindRTSP  Kind = "rtsp"
	KindMJPEG Kind = "mjpeg"
)

// Source is a parsed camera stream URL.
type Source struct {
	Kind Kind
	URL  string
}

// Parse picks the transport from the URL scheme.
func Parse(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, errors.New("video URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, errors.Wrap(err, "invalid video URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
		return Source{Kind: KindRTSP, URL: raw}, nil
	case "http", "https":
		return Source{Kind: KindMJPEG, URL: raw}, nil
	default:
		return Source{}, errors.Errorf("unsupported video scheme %q", u.Scheme)
	}
}

// ConsoleURL returns the URL the console loads into its image element. RTSP
// sources are relayed as MJPEG by the camera backend.
func (s Source) ConsoleURL(backend string) string {
	if s.Kind == KindMJPEG {
		return s.URL
	}
	return strings.TrimSuffix(backend, "/") + "/api/video-stream?rtsp=" + url.QueryEscape(s.URL)
}
