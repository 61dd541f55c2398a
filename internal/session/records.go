package session

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/negotiator"
	"github.com/1ureka/p2pcall/internal/store"
)

// Persisted layout of a call:
//
//	<collection>/<id>                     {offer: {type, sdp}, answer: {type, sdp}}
//	<collection>/<id>/offererCandidates/*  candidates gathered by the host
//	<collection>/<id>/answererCandidates/* candidates gathered by the guest
const (
	FieldOffer         = "offer"
	FieldAnswer        = "answer"
	OffererCandidates  = "offererCandidates"
	AnswererCandidates = "answererCandidates"
)

type descriptionRecord struct {
	Type string `mapstructure:"type"`
	SDP  string `mapstructure:"sdp"`
}

func descriptionFields(d webrtc.SessionDescription) map[string]interface{} {
	return map[string]interface{}{
		"type": d.Type.String(),
		"sdp":  d.SDP,
	}
}

// readDescription decodes the description stored under key. A missing field
// yields store.ErrNotFound.
func readDescription(fields store.Fields, key string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var rec descriptionRecord
	if err := fields.Decode(key, &rec); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if typ := webrtc.NewSDPType(rec.Type); typ != want {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: field %q has type %q, want %s",
			negotiator.ErrNegotiation, key, rec.Type, want)
	}
	return webrtc.SessionDescription{Type: want, SDP: rec.SDP}, nil
}

// candidateRecord uses the browser RTCIceCandidateInit field names so that
// records stay readable by web clients sharing the store.
type candidateRecord struct {
	Candidate        string  `mapstructure:"candidate"`
	SDPMid           *string `mapstructure:"sdpMid"`
	SDPMLineIndex    *uint16 `mapstructure:"sdpMLineIndex"`
	UsernameFragment *string `mapstructure:"usernameFragment"`
}

func candidateFields(c webrtc.ICECandidateInit) store.Fields {
	f := store.Fields{
		"candidate":        c.Candidate,
		"sdpMid":           nil,
		"sdpMLineIndex":    nil,
		"usernameFragment": nil,
	}
	if c.SDPMid != nil {
		f["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		f["sdpMLineIndex"] = int64(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		f["usernameFragment"] = *c.UsernameFragment
	}
	return f
}

func readCandidate(fields store.Fields) (webrtc.ICECandidateInit, error) {
	var rec candidateRecord
	if err := store.DecodeValue(map[string]interface{}(fields), &rec); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: candidate record: %w", negotiator.ErrNegotiation, err)
	}
	return webrtc.ICECandidateInit{
		Candidate:        rec.Candidate,
		SDPMid:           rec.SDPMid,
		SDPMLineIndex:    rec.SDPMLineIndex,
		UsernameFragment: rec.UsernameFragment,
	}, nil
}
