package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session and traffic counter.
var Stats = &stats{}

type stats struct {
	Opened       atomic.Int64 // sessions accepted since process start
	Closed       atomic.Int64 // sessions finished since process start
	BytesUp      atomic.Int64 // bytes forwarded client -> destination
	BytesDown    atomic.Int64 // bytes forwarded destination -> client
	DoHQueries   atomic.Int64 // DNS queries sent to the resolver
	DoHFailures  atomic.Int64 // DNS queries that got no usable answer
	Retries      atomic.Int64 // outbound attempts beyond the first
	Unauthorized atomic.Int64 // sessions rejected for an unknown or expired credential
}

func (s *stats) OpenSession()     { s.Opened.Add(1) }
func (s *stats) CloseSession()    { s.Closed.Add(1) }
func (s *stats) AddUp(n int)      { s.BytesUp.Add(int64(n)) }
func (s *stats) AddDown(n int)    { s.BytesDown.Add(int64(n)) }
func (s *stats) AddQuery()        { s.DoHQueries.Add(1) }
func (s *stats) AddQueryFailure() { s.DoHFailures.Add(1) }
func (s *stats) AddRetry()        { s.Retries.Add(1) }
func (s *stats) AddUnauthorized() { s.Unauthorized.Add(1) }
func (s *stats) Active() int64    { return s.Opened.Load() - s.Closed.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs throughput every 10
// seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevUp, prevDown, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.Opened.Load()
				closed := Stats.Closed.Load()
				up := Stats.BytesUp.Load()
				down := Stats.BytesDown.Load()

				secs := reportInterval.Seconds()
				upS := float64(up-prevUp) / secs
				downS := float64(down-prevDown) / secs
				inC := opened - prevOpened
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || upS > 10 || downS > 10 {
					pterm.DefaultLogger.Info(formatStats(upS, downS, inC, outC, opened-closed))
				}

				prevUp = up
				prevDown = down
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB" or "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps "100.0 KiB" (9 chars) from appearing
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporter line.
func formatStats(upS, downS float64, inC, outC, active int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Sessions: %2d↑ %2d↓ (%d active)",
		formatBytes(upS),
		formatBytes(downS),
		inC,
		outC,
		active,
	)
}
