package session

import (
	"github.com/pion/webrtc/v4"
)

// State is the call lifecycle as seen by the user interface.
type State int

const (
	StateIdle       State = iota // nothing acquired yet
	StateMediaReady              // local media acquired
	StateHosting                 // offer published, waiting for a guest
	StateJoining                 // answering an existing call
	StateConnected               // the first remote track arrived
	StateEnded                   // terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMediaReady:
		return "mediaReady"
	case StateHosting:
		return "hosting"
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Negotiator is the part of *negotiator.Negotiator a session drives.
type Negotiator interface {
	Configure(iceServers []webrtc.ICEServer) error
	AttachLocalTracks(tracks ...webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	ApplyRemoteDescription(desc webrtc.SessionDescription) error
	ApplyRemoteCandidate(c webrtc.ICECandidateInit) error
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// RemoteSink receives the peer's media tracks (the remote stream handle).
type RemoteSink interface {
	AddTrack(track *webrtc.TrackRemote)
}

type transition struct {
	from, to State
}
