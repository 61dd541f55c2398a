// Package media is the boundary between the call and the devices: where
// outgoing tracks come from and where incoming tracks go.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrPermissionDenied reports that the user (or the platform) refused access
// to the camera or microphone.
var ErrPermissionDenied = errors.New("media permission denied")

// Constraints select which kinds of media to capture.
type Constraints struct {
	Video bool `toml:"video"`
	Audio bool `toml:"audio"`
}

// Source captures local media.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalStream is the set of outgoing tracks produced by a Source. It can be
// attached to several negotiators in turn (one per call attempt).
type LocalStream struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

// NewLocalStream wraps tracks; stop, if non-nil, runs once on Close.
func NewLocalStream(stop func(), tracks ...webrtc.TrackLocal) *LocalStream {
	return &LocalStream{tracks: tracks, stop: stop}
}

// Tracks returns the outgoing tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

// Close stops capture.
func (s *LocalStream) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}
