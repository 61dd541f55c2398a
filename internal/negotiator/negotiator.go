// Package negotiator drives one WebRTC peer connection through the
// offer/answer exchange. Remote candidates that arrive before the remote
// description are queued and applied, in arrival order, once it is set.
package negotiator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/util"
)

// Negotiator wraps a single PeerConnection for one call attempt. It is never
// reused: once closed, create a new one.
//
// Operations are serialized; the guard flip and the queue flush in
// ApplyRemoteDescription are atomic with respect to ApplyRemoteCandidate.
type Negotiator struct {
	api      *webrtc.API
	poolSize uint8

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	remoteApplied bool
	remoteDesc    *webrtc.SessionDescription
	pending       []webrtc.ICECandidateInit

	state atomic.Int32

	cbMu             sync.RWMutex
	onLocalCandidate func(webrtc.ICECandidateInit)
	onRemoteTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onConnState      func(webrtc.PeerConnectionState)
}

// New creates an unconfigured negotiator in state new.
func New(opts Options) (*Negotiator, error) {
	api, err := newAPI(opts)
	if err != nil {
		return nil, err
	}
	n := &Negotiator{api: api, poolSize: min(opts.CandidatePoolSize, maxCandidatePoolSize)}
	n.state.Store(int32(StateNew))
	return n, nil
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	return State(n.state.Load())
}

// RemoteDescriptionApplied reports whether the remote description guard is set.
func (n *Negotiator) RemoteDescriptionApplied() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteApplied
}

// PendingCandidates returns a copy of the queued remote candidates.
func (n *Negotiator) PendingCandidates() []webrtc.ICECandidateInit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), n.pending...)
}

// ConnectionState returns the underlying peer connection state.
func (n *Negotiator) ConnectionState() webrtc.PeerConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil {
		return webrtc.PeerConnectionStateNew
	}
	return n.pc.ConnectionState()
}

func (n *Negotiator) closed() bool {
	return n.State() == StateClosed
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// OnLocalCandidate registers the handler for locally gathered candidates.
// It may fire zero or many times, from pion's goroutines.
func (n *Negotiator) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	n.cbMu.Lock()
	n.onLocalCandidate = fn
	n.cbMu.Unlock()
}

// OnRemoteTrack registers the handler for incoming media tracks.
func (n *Negotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	n.cbMu.Lock()
	n.onRemoteTrack = fn
	n.cbMu.Unlock()
}

// OnConnectionStateChange registers the handler for peer connection state
// changes (informational, does not drive negotiation).
func (n *Negotiator) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	n.cbMu.Lock()
	n.onConnState = fn
	n.cbMu.Unlock()
}

// The emit* helpers never take n.mu: pion may invoke them while an
// operation holding it is in progress.

func (n *Negotiator) emitLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil || n.closed() {
		return // nil marks the end of gathering
	}
	n.cbMu.RLock()
	fn := n.onLocalCandidate
	n.cbMu.RUnlock()
	if fn != nil {
		fn(c.ToJSON())
	}
}

func (n *Negotiator) emitRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if n.closed() {
		return
	}
	util.LogDebug("remote track: kind=%s codec=%s ssrc=%d", track.Kind(), track.Codec().MimeType, track.SSRC())
	n.cbMu.RLock()
	fn := n.onRemoteTrack
	n.cbMu.RUnlock()
	if fn != nil {
		fn(track, receiver)
	}
}

func (n *Negotiator) emitConnState(s webrtc.PeerConnectionState) {
	if n.closed() {
		return
	}
	util.LogDebug("PeerConnection state: %s", s.String())
	n.cbMu.RLock()
	fn := n.onConnState
	n.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// Configure creates the peer connection with the given ICE servers. It may be
// called once.
func (n *Negotiator) Configure(iceServers []webrtc.ICEServer) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed() || n.pc != nil {
		return fmt.Errorf("configure in state %s (configured=%t): %w", n.State(), n.pc != nil, ErrInvalidState)
	}

	pc, err := n.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           iceServers,
		ICECandidatePoolSize: n.poolSize,
	})
	if err != nil {
		return fmt.Errorf("%w: create peer connection: %w", ErrNegotiation, err)
	}

	pc.OnICECandidate(n.emitLocalCandidate)
	pc.OnTrack(n.emitRemoteTrack)
	pc.OnConnectionStateChange(n.emitConnState)

	n.pc = pc
	return nil
}

// AttachLocalTracks adds outgoing media. Tracks must be attached before the
// offer or answer is created to be part of it.
func (n *Negotiator) AttachLocalTracks(tracks ...webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc == nil || n.closed() {
		return fmt.Errorf("attach tracks in state %s: %w", n.State(), ErrInvalidState)
	}

	for _, track := range tracks {
		sender, err := n.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("%w: add %s track: %w", ErrNegotiation, track.Kind(), err)
		}
		// Read incoming RTCP so the interceptors (NACK, reports) keep running.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Offer / answer
// ---------------------------------------------------------------------------

// CreateOffer creates an offer and sets it as the local description.
// Legal only in state new.
func (n *Negotiator) CreateOffer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc == nil || n.State() != StateNew {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer in state %s: %w", n.State(), ErrInvalidState)
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %w", ErrNegotiation, err)
	}

	n.state.Store(int32(StateHaveLocalOffer))
	return offer, nil
}

// CreateAnswer creates an answer and sets it as the local description.
// Legal only in have-remote-offer; the state reads have-local-pranswer while
// the answer is being applied and stable afterwards.
func (n *Negotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc == nil || n.State() != StateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in state %s: %w", n.State(), ErrInvalidState)
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)
	}

	n.state.Store(int32(StateHaveLocalPranswer))
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.state.Store(int32(StateHaveRemoteOffer))
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %w", ErrNegotiation, err)
	}

	n.state.Store(int32(StateStable))
	return answer, nil
}

// ApplyRemoteDescription validates and applies the peer's offer (in state
// new) or answer (in have-local-offer), then flushes queued candidates.
// Re-applying the identical description is a no-op.
func (n *Negotiator) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc == nil || n.closed() {
		return fmt.Errorf("apply remote %s in state %s: %w", desc.Type, n.State(), ErrInvalidState)
	}

	if n.remoteDesc != nil {
		if n.remoteDesc.Type == desc.Type && n.remoteDesc.SDP == desc.SDP {
			return nil
		}
		return fmt.Errorf("remote description already applied: %w", ErrInvalidState)
	}

	var next State
	switch {
	case desc.Type == webrtc.SDPTypeOffer && n.State() == StateNew:
		next = StateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && n.State() == StateHaveLocalOffer:
		next = StateStable
	default:
		return fmt.Errorf("apply remote %s in state %s: %w", desc.Type, n.State(), ErrInvalidState)
	}

	if err := validateDescription(desc); err != nil {
		return err
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %w", ErrNegotiation, desc.Type, err)
	}

	n.state.Store(int32(next))
	n.remoteApplied = true
	n.remoteDesc = &desc

	queued := n.pending
	n.pending = nil
	for _, c := range queued {
		if err := n.pc.AddICECandidate(c); err != nil {
			util.LogWarning("dropping queued remote candidate: %v", err)
		}
	}
	if len(queued) > 0 {
		util.LogDebug("flushed %d queued remote candidates", len(queued))
	}
	return nil
}

// ApplyRemoteCandidate validates a remote candidate and applies it, or queues
// it while the remote description is not yet set. Legal in every state but
// closed.
func (n *Negotiator) ApplyRemoteCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed() {
		return fmt.Errorf("apply remote candidate after close: %w", ErrInvalidState)
	}
	if err := validateCandidate(c); err != nil {
		return err
	}

	if !n.remoteApplied {
		n.pending = append(n.pending, c)
		return nil
	}

	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add remote candidate: %w", ErrNegotiation, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close moves to the terminal closed state and releases the peer connection.
// Repeated calls are no-ops.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed() {
		n.mu.Unlock()
		return nil
	}
	n.state.Store(int32(StateClosed))
	n.pending = nil
	pc := n.pc
	n.mu.Unlock()

	if pc == nil {
		return nil
	}
	// pion fires the final state change synchronously; n.mu must be free.
	if err := pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
