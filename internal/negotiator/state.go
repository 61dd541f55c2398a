package negotiator

import "errors"

var (
	// ErrInvalidState reports an operation that is not legal in the current
	// negotiation state. The state is left unchanged.
	ErrInvalidState = errors.New("invalid negotiation state")

	// ErrNegotiation reports a description or candidate that was rejected as
	// malformed or incompatible.
	ErrNegotiation = errors.New("negotiation failed")
)

// State mirrors the WebRTC signaling state of one peer connection.
type State int32

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateHaveLocalPranswer
	StateHaveRemotePranswer
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateHaveLocalPranswer:
		return "have-local-pranswer"
	case StateHaveRemotePranswer:
		return "have-remote-pranswer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
