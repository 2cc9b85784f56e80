// Package trial runs a batch of pick-and-place trials and captures the
// telemetry and video of each one.
package trial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fr3lab/trialcapture/internal/camera"
	"github.com/fr3lab/trialcapture/internal/link"
	"github.com/fr3lab/trialcapture/internal/telemetry"
)

// ErrCanceled is returned by Run when the batch was cut short.
var ErrCanceled = errors.New("batch canceled")

// Phase is the stage a trial is in.
type Phase int

const (
	PhaseReset Phase = iota
	PhaseCountdown
	PhaseRecording
	PhaseActing
	PhaseSaving
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseReset:
		return "reset"
	case PhaseCountdown:
		return "countdown"
	case PhaseRecording:
		return "recording"
	case PhaseActing:
		return "acting"
	case PhaseSaving:
		return "saving"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Waypoint is a named joint target. A zero Speed means the plan's speed for
// that kind of move.
type Waypoint struct {
	ID     string
	Joints link.Joints
	Speed  float64
}

// Plan describes a batch: one trial per start pose.
type Plan struct {
	StartPoses    []Waypoint
	Approach      Waypoint
	ResetSpeed    float64 // percent
	ApproachSpeed float64 // percent
	LinearSpeed   float64 // mm/s
	DescendMM     float64
	Countdown     time.Duration
	OutputDir     string
}

// Trial identifies one iteration of the batch.
type Trial struct {
	ID     int
	Start  Waypoint
	Prefix string
	Epoch  time.Time
}

// Result is the outcome of a trial that reached the recording phase.
type Result struct {
	ID        int
	Pose      string
	Prefix    string
	Epoch     time.Time
	StoppedAt time.Time
	Samples   int
	CSVPath   string
	VideoPath string
	// Degraded lists what could not be captured or saved.
	Degraded []string
	// Aborted is set when the action script did not run to completion.
	Aborted bool
}

func (r *Result) degrade(what string, err error) {
	msg := what
	if err != nil {
		msg = fmt.Sprintf("%s: %v", what, err)
	}
	r.Degraded = append(r.Degraded, msg)
	slog.Warn("Trial degraded", "trial", r.ID, "reason", msg)
}

// Report collects the results of a batch.
type Report struct {
	Planned  int
	Results  []Result
	Canceled bool
}

// Completed returns the number of trials whose action script finished.
func (r *Report) Completed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Aborted {
			n++
		}
	}
	return n
}

// Mover runs the motion primitives; *motion.Sequencer implements it.
type Mover interface {
	MoveJoint(ctx context.Context, target link.Joints, speed float64) error
	MoveLinearRelative(ctx context.Context, dz, speed float64) error
	MoveGripper(ctx context.Context, open bool) error
}

// Telemetry records the robot state stream; *telemetry.Recorder implements
// it.
type Telemetry interface {
	Start(epoch time.Time) error
	Stop() []telemetry.Sample
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithPhaseHook registers a function called whenever a trial enters a
// phase.
func WithPhaseHook(fn func(Trial, Phase)) Option {
	return func(o *Orchestrator) { o.onPhase = fn }
}

// Orchestrator sequences the trials of a batch.
type Orchestrator struct {
	plan    Plan
	mover   Mover
	rec     Telemetry
	cam     camera.Recorder
	clock   clock.Clock
	onPhase func(Trial, Phase)
}

func New(plan Plan, mover Mover, rec Telemetry, cam camera.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		plan:  plan,
		mover: mover,
		rec:   rec,
		cam:   cam,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) enter(t Trial, p Phase) {
	slog.Debug("Trial phase", "trial", t.ID, "phase", p)
	if o.onPhase != nil {
		o.onPhase(t, p)
	}
}

// Run executes every trial of the plan in order. On cancellation the
// current trial is saved if it was recording, no further trial is started
// and the returned error wraps both ErrCanceled and the context error.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	n := len(o.plan.StartPoses)
	report := &Report{Planned: n}

	for i, wp := range o.plan.StartPoses {
		id := i + 1
		slog.Info("Trial starting", "trial", id, "of", n, "pose", wp.ID)

		res, err := o.runTrial(ctx, id, wp)
		if res != nil {
			report.Results = append(report.Results, *res)
			slog.Info("Trial finished", "trial", id, "samples", res.Samples,
				"csv", res.CSVPath, "video", res.VideoPath, "degraded", len(res.Degraded))
		}
		if err != nil {
			report.Canceled = true
			slog.Warn("Batch stopped", "after_trial", id, "error", err)
			return report, fmt.Errorf("%w during trial %d of %d: %w", ErrCanceled, id, n, err)
		}
	}

	slog.Info("Batch complete", "trials", n)
	return report, nil
}

// runTrial returns a nil result when the trial was canceled before it
// started recording.
func (o *Orchestrator) runTrial(ctx context.Context, id int, wp Waypoint) (res *Result, err error) {
	t := Trial{ID: id, Start: wp}

	o.enter(t, PhaseReset)
	speed := wp.Speed
	if speed <= 0 {
		speed = o.plan.ResetSpeed
	}
	if err := o.mover.MoveJoint(ctx, wp.Joints, speed); err != nil {
		return nil, err
	}

	o.enter(t, PhaseCountdown)
	if err := o.countdown(ctx, id); err != nil {
		return nil, err
	}

	// Both streams share one epoch
	t.Epoch = o.clock.Now()
	t.Prefix = filepath.Join(o.plan.OutputDir, fmt.Sprintf("Trial_%d_%s", id, t.Epoch.Format("150405")))
	res = &Result{ID: id, Pose: wp.ID, Prefix: t.Prefix, Epoch: t.Epoch}

	o.enter(t, PhaseRecording)
	recording := true
	if err := o.rec.Start(t.Epoch); err != nil {
		recording = false
		res.degrade("telemetry start", err)
	}
	videoStarted := true
	if err := o.cam.StartRecording(t.Epoch); err != nil {
		videoStarted = false
		res.degrade("video start", err)
	}
	slog.Info("Recording", "trial", id, "prefix", t.Prefix)

	defer func() {
		o.enter(t, PhaseSaving)
		o.save(ctx, t, res, recording, videoStarted)
		o.enter(t, PhaseDone)
	}()

	o.enter(t, PhaseActing)
	if err := o.act(ctx); err != nil {
		res.Aborted = true
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) countdown(ctx context.Context, id int) error {
	left := o.plan.Countdown
	for left > 0 {
		slog.Info("Recording starts in", "trial", id, "seconds", int(math.Ceil(left.Seconds())))
		step := time.Second
		if left < step {
			step = left
		}
		if !sleep(ctx, o.clock, step) {
			return ctx.Err()
		}
		left -= step
	}
	return ctx.Err()
}

// act runs the pick script. The first error aborts it.
func (o *Orchestrator) act(ctx context.Context) error {
	approachSpeed := o.plan.Approach.Speed
	if approachSpeed <= 0 {
		approachSpeed = o.plan.ApproachSpeed
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"approach", func() error { return o.mover.MoveJoint(ctx, o.plan.Approach.Joints, approachSpeed) }},
		{"open", func() error { return o.mover.MoveGripper(ctx, true) }},
		{"descend", func() error { return o.mover.MoveLinearRelative(ctx, -o.plan.DescendMM, o.plan.LinearSpeed) }},
		{"close", func() error { return o.mover.MoveGripper(ctx, false) }},
		{"lift", func() error { return o.mover.MoveLinearRelative(ctx, o.plan.DescendMM, o.plan.LinearSpeed) }},
	}

	for _, step := range steps {
		slog.Debug("Action", "step", step.name)
		if err := step.run(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// save persists both streams of t into res. Failures are recorded as
// degradations and never retried.
func (o *Orchestrator) save(ctx context.Context, t Trial, res *Result, recording, videoStarted bool) {
	if recording {
		samples := o.rec.Stop()
		res.Samples = len(samples)

		path := t.Prefix + telemetry.CSVSuffix
		written, err := telemetry.WriteCSV(path, samples, t.Epoch)
		switch {
		case err != nil:
			res.degrade("telemetry write", err)
		case !written:
			res.degrade("telemetry: no samples recorded", nil)
		default:
			res.CSVPath = path
		}
	}
	res.StoppedAt = o.clock.Now()

	if videoStarted {
		target, err := o.cam.StopAndSave(t.Prefix)
		if err != nil {
			res.degrade("video stop", err)
		} else if artifact := o.cam.Artifact(); artifact != "" {
			if err := moveArtifact(artifact, target); err != nil {
				res.degrade("video save", err)
			} else {
				res.VideoPath = target
			}
		}
	}

	// Leave the gripper open for the next reset even when canceled
	if err := o.mover.MoveGripper(context.WithoutCancel(ctx), true); err != nil {
		slog.Warn("Failed to reopen gripper", "trial", t.ID, "error", err)
	}
}

// moveArtifact renames src to dst, replacing dst.
func moveArtifact(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("artifact %s missing", src)
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
