package wsstore

import "sync/atomic"

// seqGen hands out request and stream ids for one client connection. It is
// shared by every goroutine issuing requests, so all operations are atomic.
type seqGen struct {
	val atomic.Uint32
}

// next returns the next id, starting at 1. Zero is never used on the wire.
func (s *seqGen) next() uint32 {
	for {
		if v := s.val.Add(1); v != 0 {
			return v
		}
	}
}
