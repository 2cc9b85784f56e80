// Package motion sequences robot moves and decides when a move has finished
// on controllers that give no completion event.
package motion

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fr3lab/trialcapture/internal/link"
)

const (
	DefaultSettleDelay      = 200 * time.Millisecond
	DefaultPollInterval     = 50 * time.Millisecond
	DefaultArrivalTolerance = 1.0 // degrees, per joint
	DefaultArrivalTimeout   = 20 * time.Second
)

// Arrival is the way a wait for motion completion ended.
type Arrival int

const (
	// ArrivalConverged: every joint is within tolerance of the target.
	ArrivalConverged Arrival = iota
	// ArrivalIdle: the controller reports no pending motion instruction.
	ArrivalIdle
	// ArrivalNoSignal: no target was given and the controller does not
	// report a preemption indicator, or it could not be read; treated as
	// arrived.
	ArrivalNoSignal
	// ArrivalTimedOut: the ceiling elapsed; treated as arrived.
	ArrivalTimedOut
	// ArrivalCanceled: the context ended the wait.
	ArrivalCanceled
)

func (a Arrival) String() string {
	switch a {
	case ArrivalConverged:
		return "converged"
	case ArrivalIdle:
		return "idle"
	case ArrivalNoSignal:
		return "no-signal"
	case ArrivalTimedOut:
		return "timed-out"
	case ArrivalCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type ArrivalConfig struct {
	Settle    time.Duration
	Poll      time.Duration
	Tolerance float64
	Timeout   time.Duration
}

func DefaultArrivalConfig() ArrivalConfig {
	return ArrivalConfig{
		Settle:    DefaultSettleDelay,
		Poll:      DefaultPollInterval,
		Tolerance: DefaultArrivalTolerance,
		Timeout:   DefaultArrivalTimeout,
	}
}

// ArrivalDetector polls the controller snapshot until a move is judged
// complete. It never fails: a timeout or a missing signal counts as arrival
// so the sequence keeps making progress.
type ArrivalDetector struct {
	src   StateSource
	clock clock.Clock
	cfg   ArrivalConfig
}

// StateSource is the read side of a link.
type StateSource interface {
	State() (link.Snapshot, error)
}

func NewArrivalDetector(src StateSource, clk clock.Clock, cfg ArrivalConfig) *ArrivalDetector {
	if clk == nil {
		clk = clock.New()
	}
	return &ArrivalDetector{src: src, clock: clk, cfg: cfg}
}

// Wait blocks until the move toward target is complete. With a nil target
// it waits for the controller's preemption indicator to report idle; a
// failed read then counts as no signal.
func (d *ArrivalDetector) Wait(ctx context.Context, target *link.Joints) Arrival {
	if !sleep(ctx, d.clock, d.cfg.Settle) {
		return ArrivalCanceled
	}

	start := d.clock.Now()
	for {
		snap, err := d.src.State()
		switch {
		case err != nil && target == nil:
			slog.Debug("Preemption indicator unavailable, continuing", "error", err)
			return ArrivalNoSignal
		case err != nil:
			// A missed read only delays the decision.
			slog.Debug("Arrival poll read failed", "error", err)
		case target != nil:
			if target.MaxDeviation(snap.Joints) < d.cfg.Tolerance {
				return ArrivalConverged
			}
		case !snap.PreemptionKnown:
			return ArrivalNoSignal
		case snap.Preemption == link.PreemptionIdle:
			return ArrivalIdle
		}

		if d.clock.Since(start) >= d.cfg.Timeout {
			slog.Warn("Arrival wait timed out, continuing", "timeout", d.cfg.Timeout)
			return ArrivalTimedOut
		}
		if !sleep(ctx, d.clock, d.cfg.Poll) {
			return ArrivalCanceled
		}
	}
}

// sleep waits for d on clk and reports false if ctx ended first.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
