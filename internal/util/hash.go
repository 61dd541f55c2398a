package util

import (
	"hash/fnv"
	"strconv"

	"github.com/pion/webrtc/v4"
)

// CandidateKey computes a 64-bit content hash of an ICE candidate. Two store
// records carrying the same candidate (duplicate delivery, or the same blob
// appended twice) hash to the same key. The hash is used solely for
// deduplication and does not need to be reversible.
func CandidateKey(c webrtc.ICECandidateInit) uint64 {
	h := fnv.New64a()
	h.Write([]byte(c.Candidate))
	h.Write([]byte{0})
	if c.SDPMid != nil {
		h.Write([]byte(*c.SDPMid))
	}
	h.Write([]byte{0})
	if c.SDPMLineIndex != nil {
		h.Write([]byte(strconv.Itoa(int(*c.SDPMLineIndex))))
	}
	h.Write([]byte{0})
	if c.UsernameFragment != nil {
		h.Write([]byte(*c.UsernameFragment))
	}
	return h.Sum64()
}
