package negotiator

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/util"
)

// Options tune the pion API a Negotiator is built on. The zero value is
// suitable for real calls.
type Options struct {
	// LoggerFactory receives pion's internal logs. Nil routes them through
	// the project logger.
	LoggerFactory logging.LoggerFactory

	// NetworkTypes restricts candidate gathering, e.g. UDP4 only in tests.
	NetworkTypes []webrtc.NetworkType

	// DisableMDNS gathers plain host candidates instead of .local names.
	DisableMDNS bool

	// IncludeLoopback allows 127.0.0.1 host candidates, for same-machine calls.
	IncludeLoopback bool

	// CandidatePoolSize enables gathering before the local description is
	// set. Values above maxCandidatePoolSize are capped.
	CandidatePoolSize uint8
}

// maxCandidatePoolSize is the largest pool pion accepts.
const maxCandidatePoolSize = 1

// newAPI builds a pion API with the default codecs (VP8/VP9/H264/Opus…) and
// the default interceptors (NACK, RTCP reports, TWCC).
func newAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = opts.LoggerFactory
	if se.LoggerFactory == nil {
		se.LoggerFactory = util.NewPionLoggerFactory()
	}
	if len(opts.NetworkTypes) > 0 {
		se.SetNetworkTypes(opts.NetworkTypes)
	}
	if opts.DisableMDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// validateDescription parses the SDP body before it reaches the peer
// connection, so malformed input never mutates it.
func validateDescription(desc webrtc.SessionDescription) error {
	if strings.TrimSpace(desc.SDP) == "" {
		return fmt.Errorf("%w: empty SDP", ErrNegotiation)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: malformed SDP: %w", ErrNegotiation, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: SDP has no media sections", ErrNegotiation)
	}
	return nil
}

// validateCandidate checks the candidate attribute syntax. An empty
// candidate is the end-of-candidates marker and is accepted.
func validateCandidate(c webrtc.ICECandidateInit) error {
	raw := strings.TrimPrefix(c.Candidate, "candidate:")
	if raw == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(raw); err != nil {
		return fmt.Errorf("%w: malformed candidate: %w", ErrNegotiation, err)
	}
	return nil
}
