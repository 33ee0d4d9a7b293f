package video

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MediaInfo describes one media of an RTSP session.
type MediaInfo struct {
	Type    string   `json:"type"`
	Formats []string `json:"formats"`
}

// ProbeResult is what Probe learned about a source.
type ProbeResult struct {
	URL          string        `json:"url"`
	Medias       []MediaInfo   `json:"medias"`
	VideoCodec   string        `json:"video_codec,omitempty"`
	Packets      int64         `json:"packets"`
	PayloadBytes int64         `json:"payload_bytes"`
	Sampled      time.Duration `json:"sampled"`
}

// Probe connects to an RTSP source and DESCRIBEs it. With sample > 0 it also
// plays the video media for that long and counts RTP packets.
func Probe(ctx context.Context, rawURL string, sample time.Duration, logger *zap.SugaredLogger) (*ProbeResult, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid RTSP URL")
	}

	client := &gortsplib.Client{
		// Use TCP transport (interleaved)
		Transport: func() *gortsplib.Transport {
			t := gortsplib.TransportTCP
			return &t
		}(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		OnDecodeError: func(err error) {
			logger.Debugw("RTSP decode error", "error", err)
		},
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, errors.Wrap(err, "RTSP connect")
	}
	defer client.Close()

	// Close the client if the caller gives up, which unblocks any pending request.
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	desc, _, err := client.Describe(u)
	if err != nil {
		return nil, errors.Wrap(err, "RTSP describe")
	}

	res := &ProbeResult{URL: rawURL}
	for _, media := range desc.Medias {
		info := MediaInfo{Type: string(media.Type)}
		for _, forma := range media.Formats {
			info.Formats = append(info.Formats, forma.Codec())
		}
		res.Medias = append(res.Medias, info)
	}

	videoMedia, videoFormat := findVideo(desc)
	if videoFormat != nil {
		res.VideoCodec = videoFormat.Codec()
	}
	if sample <= 0 {
		return res, nil
	}
	if videoMedia == nil {
		return res, errors.New("RTSP source has no video media")
	}

	if _, err := client.Setup(desc.BaseURL, videoMedia, 0, 0); err != nil {
		return res, errors.Wrap(err, "RTSP setup")
	}

	var packets, payload atomic.Int64
	client.OnPacketRTPAny(func(_ *description.Media, _ format.Format, pkt *rtp.Packet) {
		packets.Add(1)
		payload.Add(int64(len(pkt.Payload)))
	})

	if _, err := client.Play(nil); err != nil {
		return res, errors.Wrap(err, "RTSP play")
	}
	logger.Debugw("RTSP sampling", "url", rawURL, "duration", sample)

	start := time.Now()
	waitErr := make(chan error, 1)
	go func() { waitErr <- client.Wait() }()

	timer := time.NewTimer(sample)
	defer timer.Stop()

	var sampleErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		sampleErr = ctx.Err()
	case err := <-waitErr:
		sampleErr = errors.Wrap(err, "RTSP connection lost")
	}

	res.Sampled = time.Since(start)
	res.Packets = packets.Load()
	res.PayloadBytes = payload.Load()
	return res, sampleErr
}

// findVideo prefers H264 or H265 and falls back to the first video media.
func findVideo(desc *description.Session) (*description.Media, format.Format) {
	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			switch forma.(type) {
			case *format.H264, *format.H265:
				return media, forma
			}
		}
	}
	for _, media := range desc.Medias {
		if media.Type == description.MediaTypeVideo && len(media.Formats) > 0 {
			return media, media.Formats[0]
		}
	}
	return nil, nil
}
