package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/p2pcall/internal/util"
)

const (
	videoFrameInterval = 33 * time.Millisecond
	audioFrameInterval = 20 * time.Millisecond
)

// SyntheticSource produces device-free VP8 video and Opus audio: fixed
// payloads at a steady frame rate. It stands in for camera and microphone
// on headless machines and in tests.
type SyntheticSource struct {
	// Deny makes Acquire fail with ErrPermissionDenied.
	Deny bool

	// StreamID groups the tracks on the remote side. Defaults to "p2pcall".
	StreamID string
}

// Acquire implements Source.
func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Deny {
		return nil, fmt.Errorf("synthetic source: %w", ErrPermissionDenied)
	}
	if !c.Video && !c.Audio {
		return nil, fmt.Errorf("synthetic source: neither video nor audio requested")
	}

	streamID := s.StreamID
	if streamID == "" {
		streamID = "p2pcall"
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var tracks []webrtc.TrackLocal

	add := func(mime, id string, interval time.Duration, payload []byte) error {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
		if err != nil {
			return fmt.Errorf("synthetic source: create %s track: %w", id, err)
		}
		tracks = append(tracks, track)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pump(pumpCtx, track, interval, payload)
		}()
		return nil
	}

	if c.Video {
		// A VP8 key-frame header is enough for the packetizer.
		if err := add(webrtc.MimeTypeVP8, "video", videoFrameInterval, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00}); err != nil {
			cancel()
			wg.Wait()
			return nil, err
		}
	}
	if c.Audio {
		// Opus TOC byte for a 20 ms SILK frame, followed by silence.
		if err := add(webrtc.MimeTypeOpus, "audio", audioFrameInterval, []byte{0x08, 0x00, 0x00}); err != nil {
			cancel()
			wg.Wait()
			return nil, err
		}
	}

	util.LogDebug("synthetic source: %d track(s) started", len(tracks))
	return NewLocalStream(func() {
		cancel()
		wg.Wait()
	}, tracks...), nil
}

// pump writes one sample per interval until ctx is cancelled. Writes before
// the track is bound to a peer connection are discarded by pion.
func pump(ctx context.Context, track *webrtc.TrackLocalStaticSample, interval time.Duration, payload []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: payload, Duration: interval}); err != nil {
				util.LogTrace("synthetic source: write %s sample: %v", track.Kind(), err)
			}
		}
	}
}
