package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-call counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts signaling and media activity of one call. Each session owns
// its own instance; there is no process-wide counter.
type Stats struct {
	CandidatesSent atomic.Int64 // local candidates appended to the store
	CandidatesRecv atomic.Int64 // remote candidates handed to the negotiator
	Duplicates     atomic.Int64 // remote candidates dropped as already seen
	MediaBytesRecv atomic.Int64 // RTP payload bytes read from remote tracks
}

func (s *Stats) AddSent()      { s.CandidatesSent.Add(1) }
func (s *Stats) AddRecv()      { s.CandidatesRecv.Add(1) }
func (s *Stats) AddDuplicate() { s.Duplicates.Add(1) }
func (s *Stats) AddMedia(n int) {
	s.MediaBytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs call statistics every
// 10 seconds while something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevBytes int64
		for {
			select {
			case <-ticker.C:
				sent := s.CandidatesSent.Load()
				recv := s.CandidatesRecv.Load()
				bytes := s.MediaBytesRecv.Load()

				rate := float64(bytes-prevBytes) / reportInterval.Seconds()

				if sent != prevSent || recv != prevRecv || rate > 10 {
					pterm.DefaultLogger.Info(formatStats(rate, sent, recv, s.Duplicates.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevBytes = bytes

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line summary of the call for the logger.
func formatStats(rate float64, sent, recv, dups int64) string {
	return fmt.Sprintf("Media in: %s/s | Candidates: %2d↑ %2d↓ (%d dup)",
		formatBytes(rate),
		sent,
		recv,
		dups,
	)
}
