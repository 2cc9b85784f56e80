package motion

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fr3lab/trialcapture/internal/link"
)

const (
	DefaultLinearPad    = 200 * time.Millisecond
	DefaultLinearMin    = 100 * time.Millisecond
	DefaultAcceleration = 100.0
	DefaultOverride     = 100.0
	// DefaultBlend asks the controller for a non-blended, stop-at-target move.
	DefaultBlend = -1.0
)

// GripperSettings holds the fixed parameters of every gripper command.
type GripperSettings struct {
	Index         int
	Company       int
	Device        int
	OpenPosition  float64
	ClosePosition float64
	Speed         float64
	Force         float64
	MaxTime       time.Duration
	Settle        time.Duration
	InitStep      time.Duration // pause between the initialization commands
}

func DefaultGripperSettings() GripperSettings {
	return GripperSettings{
		Index:         1,
		Company:       4,
		Device:        0,
		OpenPosition:  100,
		ClosePosition: 0,
		Speed:         100,
		Force:         50,
		MaxTime:       30 * time.Second,
		Settle:        200 * time.Millisecond,
		InitStep:      200 * time.Millisecond,
	}
}

type Config struct {
	Arrival      ArrivalConfig
	Gripper      GripperSettings
	LinearPad    time.Duration
	LinearMin    time.Duration
	Acceleration float64
	Override     float64
	Blend        float64
}

func DefaultConfig() Config {
	return Config{
		Arrival:      DefaultArrivalConfig(),
		Gripper:      DefaultGripperSettings(),
		LinearPad:    DefaultLinearPad,
		LinearMin:    DefaultLinearMin,
		Acceleration: DefaultAcceleration,
		Override:     DefaultOverride,
		Blend:        DefaultBlend,
	}
}

// LinearWait estimates how long a relative linear move of dz millimeters at
// speed mm/s takes: travel time plus pad, never less than min.
func LinearWait(dz, speed float64, pad, min time.Duration) time.Duration {
	if speed <= 0 {
		return min
	}
	d := time.Duration(math.Abs(dz)/speed*float64(time.Second)) + pad
	if d < min {
		return min
	}
	return d
}

// Sequencer issues moves one at a time and blocks until each is judged
// complete. Rejected commands are logged and skipped; the only error it
// returns is the context's, once the sequence has been canceled.
type Sequencer struct {
	link     link.Link
	detector *ArrivalDetector
	clock    clock.Clock
	cfg      Config
}

func NewSequencer(l link.Link, clk clock.Clock, cfg Config) *Sequencer {
	if clk == nil {
		clk = clock.New()
	}
	return &Sequencer{
		link:     l,
		detector: NewArrivalDetector(l, clk, cfg.Arrival),
		clock:    clk,
		cfg:      cfg,
	}
}

func (s *Sequencer) params(speed float64) link.MoveParams {
	return link.MoveParams{
		Velocity:     speed,
		Acceleration: s.cfg.Acceleration,
		Override:     s.cfg.Override,
		Blend:        s.cfg.Blend,
	}
}

// skip logs a failed command. It returns the context error when the failure
// came from cancellation.
func skip(ctx context.Context, msg string, err error, args ...any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Warn(msg, append([]any{"error", err}, args...)...)
	return nil
}

// MoveJoint moves to target at speed percent and waits for arrival.
func (s *Sequencer) MoveJoint(ctx context.Context, target link.Joints, speed float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.link.MoveJoint(ctx, target, s.params(speed)); err != nil {
		return skip(ctx, "Joint move rejected, skipping wait", err, "target", target)
	}

	start := s.clock.Now()
	arrival := s.detector.Wait(ctx, &target)
	if arrival == ArrivalCanceled {
		return ctx.Err()
	}
	slog.Debug("Joint move finished", "arrival", arrival, "took", s.clock.Since(start))
	return nil
}

// MoveLinearRelative moves the tool dz millimeters along Z at speed mm/s.
// Completion is estimated from distance and speed, see LinearWait. When the
// current pose cannot be read nothing is issued.
func (s *Sequencer) MoveLinearRelative(ctx context.Context, dz, speed float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pose, err := s.link.TCPPose(ctx)
	if err != nil {
		return skip(ctx, "Cannot read tool pose, skipping linear move", err, "dz", dz)
	}

	if err := s.link.MoveLinear(ctx, pose.OffsetZ(dz), s.params(speed)); err != nil {
		return skip(ctx, "Linear move rejected, skipping wait", err, "dz", dz)
	}

	wait := LinearWait(dz, speed, s.cfg.LinearPad, s.cfg.LinearMin)
	slog.Debug("Linear move issued", "dz", dz, "speed", speed, "wait", wait)
	if !sleep(ctx, s.clock, wait) {
		return ctx.Err()
	}
	return nil
}

// MoveGripper fully opens or closes the gripper and lets it settle.
func (s *Sequencer) MoveGripper(ctx context.Context, open bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g := s.cfg.Gripper
	move := link.GripperMove{
		Index:    g.Index,
		Position: g.ClosePosition,
		Speed:    g.Speed,
		Force:    g.Force,
		MaxTime:  g.MaxTime,
	}
	if open {
		move.Position = g.OpenPosition
	}

	if err := s.link.MoveGripper(ctx, move); err != nil {
		return skip(ctx, "Gripper move rejected", err, "open", open)
	}
	if !sleep(ctx, s.clock, g.Settle) {
		return ctx.Err()
	}
	return nil
}

// InitializeGripper selects the gripper hardware and power-cycles its
// activation. Running it again is harmless.
func (s *Sequencer) InitializeGripper(ctx context.Context) error {
	g := s.cfg.Gripper
	steps := []struct {
		name string
		run  func() error
	}{
		{"configure", func() error {
			return s.link.ConfigureGripper(ctx, link.GripperConfig{Company: g.Company, Device: g.Device})
		}},
		{"deactivate", func() error { return s.link.ActivateGripper(ctx, g.Index, false) }},
		{"activate", func() error { return s.link.ActivateGripper(ctx, g.Index, true) }},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.run(); err != nil {
			if err := skip(ctx, "Gripper initialization step failed", err, "step", step.name); err != nil {
				return err
			}
		}
		if !sleep(ctx, s.clock, g.InitStep) {
			return ctx.Err()
		}
	}
	slog.Info("Gripper initialized")
	return nil
}
