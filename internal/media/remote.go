package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/util"
)

// Sink consumes incoming RTP packets (a renderer, a recorder, a counter).
type Sink interface {
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(kind webrtc.RTPCodecType, pkt *rtp.Packet)

func (f SinkFunc) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) { f(kind, pkt) }

// RemoteStream collects the tracks received from the peer. Each track is
// drained on its own goroutine and its packets are forwarded to every
// attached sink.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
	sinks  []Sink
	closed bool

	trackAdded chan struct{}
	once       sync.Once
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{trackAdded: make(chan struct{})}
}

// AddTrack registers an incoming track and starts draining it. It returns
// immediately.
func (r *RemoteStream) AddTrack(track *webrtc.TrackRemote) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.tracks = append(r.tracks, track)
	r.mu.Unlock()

	r.once.Do(func() { close(r.trackAdded) })
	go r.drain(track)
}

// Attach adds a sink. Packets read before it was attached are not replayed.
func (r *RemoteStream) Attach(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Tracks returns the tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// FirstTrack is closed when the first track arrives.
func (r *RemoteStream) FirstTrack() <-chan struct{} {
	return r.trackAdded
}

// Close detaches every sink. Drain goroutines end when their track does
// (the peer connection closing ends every track).
func (r *RemoteStream) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.sinks = nil
	return nil
}

func (r *RemoteStream) drain(track *webrtc.TrackRemote) {
	kind := track.Kind()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			util.LogDebug("remote %s track ended: %v", kind, err)
			return
		}

		r.mu.Lock()
		sinks := r.sinks
		r.mu.Unlock()
		for _, s := range sinks {
			s.WriteRTP(kind, pkt)
		}
	}
}

// PacketCounter is a Sink that counts packets and bytes per kind.
type PacketCounter struct {
	videoPackets atomic.Uint64
	audioPackets atomic.Uint64
	bytes        atomic.Uint64
}

// WriteRTP implements Sink.
func (c *PacketCounter) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		c.videoPackets.Add(1)
	case webrtc.RTPCodecTypeAudio:
		c.audioPackets.Add(1)
	}
	c.bytes.Add(uint64(pkt.MarshalSize()))
}

// Packets returns the number of packets seen for kind.
func (c *PacketCounter) Packets(kind webrtc.RTPCodecType) uint64 {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return c.videoPackets.Load()
	case webrtc.RTPCodecTypeAudio:
		return c.audioPackets.Load()
	}
	return 0
}

// Bytes returns the total size of every packet seen.
func (c *PacketCounter) Bytes() uint64 {
	return c.bytes.Load()
}
