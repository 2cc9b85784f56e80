// Package sim implements an in-process robot arm for dry runs and tests.
//
// Joint and Cartesian state are tied by a fixed affine map so either kind
// of move keeps both consistent:
//
//	X = 300 + 2*J1   Y = 2*J2   Z = 400 + 2*J3   Rx = J4   Ry = J5   Rz = J6
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fr3lab/trialcapture/internal/link"
)

const (
	DefaultRefreshInterval = 8 * time.Millisecond
	// DefaultMaxJointSpeed is the joint speed at 100% velocity, deg/s.
	DefaultMaxJointSpeed = 180.0
)

type Option func(*Arm)

func WithClock(c clock.Clock) Option {
	return func(a *Arm) { a.clock = c }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(a *Arm) { a.interval = d }
}

func WithMaxJointSpeed(degPerSec float64) Option {
	return func(a *Arm) { a.maxJointSpeed = degPerSec }
}

func WithInitialJoints(j link.Joints) Option {
	return func(a *Arm) { a.joints = j }
}

func WithMode(m link.Mode) Option {
	return func(a *Arm) { a.mode = m }
}

// WithoutPreemption hides the instruction preemption indicator, as on
// controllers that do not report it.
func WithoutPreemption() Option {
	return func(a *Arm) { a.preemption = false }
}

// WithCommandStatus makes every motion and gripper command return code.
func WithCommandStatus(code int) Option {
	return func(a *Arm) { a.status = code }
}

// WithTCPReadFailure makes TCPPose fail.
func WithTCPReadFailure() Option {
	return func(a *Arm) { a.failTCP = true }
}

// WithStateFailureEvery makes every nth State call fail.
func WithStateFailureEvery(n int) Option {
	return func(a *Arm) { a.failEvery = n }
}

// Arm is a simulated 6-axis arm with a parallel gripper.
type Arm struct {
	clock         clock.Clock
	interval      time.Duration
	maxJointSpeed float64
	mode          link.Mode
	preemption    bool
	status        int
	failTCP       bool
	failEvery     int

	mu          sync.Mutex
	joints      link.Joints
	gripper     float64
	jointTarget *link.Joints
	jointSpeed  float64
	poseTarget  *link.Pose
	linearSpeed float64
	updated     time.Time
	reads       int
	commands    []string

	cancel context.CancelFunc
	done   chan struct{}
}

var _ link.Link = (*Arm)(nil)

// New starts a simulated arm. Its refresh loop runs until Close.
func New(opts ...Option) *Arm {
	a := &Arm{
		clock:         clock.New(),
		interval:      DefaultRefreshInterval,
		maxJointSpeed: DefaultMaxJointSpeed,
		mode:          link.ModeAutomatic,
		preemption:    true,
		gripper:       100,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.updated = a.clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.refresh(ctx)
	return a
}

func (a *Arm) refresh(ctx context.Context) {
	defer close(a.done)
	ticker := a.clock.Ticker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		a.mu.Lock()
		a.step(a.interval.Seconds())
		a.updated = a.clock.Now()
		a.mu.Unlock()
	}
}

// step advances the active motion by dt seconds. Caller holds mu.
func (a *Arm) step(dt float64) {
	if a.jointTarget != nil {
		maxStep := a.jointSpeed / 100 * a.maxJointSpeed * dt
		reached := true
		for i := range a.joints {
			d := a.jointTarget[i] - a.joints[i]
			if math.Abs(d) <= maxStep {
				a.joints[i] = a.jointTarget[i]
				continue
			}
			a.joints[i] += math.Copysign(maxStep, d)
			reached = false
		}
		if reached {
			a.jointTarget = nil
		}
	}
	if a.poseTarget != nil {
		cur := forward(a.joints)
		var dist float64
		for i := 0; i < 3; i++ {
			dist += (a.poseTarget[i] - cur[i]) * (a.poseTarget[i] - cur[i])
		}
		dist = math.Sqrt(dist)
		maxStep := a.linearSpeed * dt
		if dist <= maxStep {
			a.joints = inverse(*a.poseTarget)
			a.poseTarget = nil
			return
		}
		frac := maxStep / dist
		for i := range cur {
			cur[i] += (a.poseTarget[i] - cur[i]) * frac
		}
		a.joints = inverse(cur)
	}
}

func forward(j link.Joints) link.Pose {
	return link.Pose{300 + 2*j[0], 2 * j[1], 400 + 2*j[2], j[3], j[4], j[5]}
}

func inverse(p link.Pose) link.Joints {
	return link.Joints{(p[0] - 300) / 2, p[1] / 2, (p[2] - 400) / 2, p[3], p[4], p[5]}
}

// State returns the latest refreshed snapshot.
func (a *Arm) State() (link.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++
	if a.failEvery > 0 && a.reads%a.failEvery == 0 {
		return link.Snapshot{}, fmt.Errorf("simulated read %d: %w", a.reads, link.ErrStaleState)
	}
	snap := link.Snapshot{
		Joints:          a.joints,
		TCP:             forward(a.joints),
		Gripper:         a.gripper,
		Mode:            a.mode,
		PreemptionKnown: a.preemption,
		Time:            a.updated,
	}
	if a.preemption && (a.jointTarget != nil || a.poseTarget != nil) {
		snap.Preemption = 1
	}
	return snap, nil
}

func (a *Arm) record(format string, args ...interface{}) int {
	a.commands = append(a.commands, fmt.Sprintf(format, args...))
	return a.status
}

func (a *Arm) MoveJoint(ctx context.Context, target link.Joints, params link.MoveParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code := a.record("MoveJ %v vel=%g", target, params.Velocity); code != 0 {
		return link.CheckStatus("MoveJ", code)
	}
	a.poseTarget = nil
	a.jointTarget = &target
	a.jointSpeed = params.Velocity
	return nil
}

// MoveLinear moves the tool in a straight line at params.Velocity mm/s.
func (a *Arm) MoveLinear(ctx context.Context, target link.Pose, params link.MoveParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code := a.record("MoveL %v vel=%g", target, params.Velocity); code != 0 {
		return link.CheckStatus("MoveL", code)
	}
	a.jointTarget = nil
	a.poseTarget = &target
	a.linearSpeed = params.Velocity
	return nil
}

func (a *Arm) TCPPose(ctx context.Context) (link.Pose, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failTCP {
		return link.Pose{}, link.CheckStatus("GetActualTCPPose", 1)
	}
	return forward(a.joints), nil
}

func (a *Arm) ConfigureGripper(ctx context.Context, cfg link.GripperConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return link.CheckStatus("SetGripperConfig", a.record("SetGripperConfig %d %d", cfg.Company, cfg.Device))
}

func (a *Arm) ActivateGripper(ctx context.Context, index int, active bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return link.CheckStatus("ActGripper", a.record("ActGripper %d %t", index, active))
}

// MoveGripper completes instantly.
func (a *Arm) MoveGripper(ctx context.Context, move link.GripperMove) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code := a.record("MoveGripper %d pos=%g", move.Index, move.Position); code != 0 {
		return link.CheckStatus("MoveGripper", code)
	}
	a.gripper = move.Position
	return nil
}

// Commands returns every command issued so far, in order.
func (a *Arm) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.commands))
	copy(out, a.commands)
	return out
}

func (a *Arm) Close(ctx context.Context) error {
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
