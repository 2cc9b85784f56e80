// Package link defines the contract between the capture pipeline and a robot
// controller: a continuously refreshed state snapshot plus fire-and-forget
// motion and gripper commands.
package link

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrNoState is returned by State before the first snapshot arrived.
	ErrNoState = errors.New("no state received from controller yet")
	// ErrStaleState is returned by State when the last snapshot is too old.
	ErrStaleState = errors.New("controller state is stale")
	// ErrWrongMode is returned when the controller is not in the operating
	// mode required for automatic execution.
	ErrWrongMode = errors.New("controller is not in the required operating mode")
)

// Joints is a joint-space pose, J1..J6 in degrees.
type Joints [6]float64

// MaxDeviation returns the largest absolute per-joint difference.
func (j Joints) MaxDeviation(other Joints) float64 {
	var max float64
	for i := range j {
		if d := math.Abs(j[i] - other[i]); d > max {
			max = d
		}
	}
	return max
}

// JointsFrom converts a configuration slice; it returns an error unless
// exactly six values are given.
func JointsFrom(values []float64) (Joints, error) {
	var j Joints
	if len(values) != len(j) {
		return j, fmt.Errorf("expected %d joint values, got %d", len(j), len(values))
	}
	copy(j[:], values)
	return j, nil
}

// Pose is a Cartesian tool pose: X, Y, Z in millimeters followed by Rx, Ry,
// Rz in degrees.
type Pose [6]float64

// OffsetZ returns a copy of p moved by dz millimeters along Z.
func (p Pose) OffsetZ(dz float64) Pose {
	p[2] += dz
	return p
}

// Mode is the controller operating mode.
type Mode int

const (
	ModeAutomatic Mode = 0
	ModeManual    Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeManual:
		return "manual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// PreemptionIdle is the value of the instruction preemption indicator once
// the controller has no queued or running motion instruction.
const PreemptionIdle = 0

// Snapshot is the controller state at one refresh.
type Snapshot struct {
	Joints  Joints
	TCP     Pose
	Gripper float64 // 0 closed .. 100 open
	Mode    Mode

	// Preemption is only meaningful when PreemptionKnown is set; not every
	// controller exposes it.
	Preemption      int
	PreemptionKnown bool

	Time time.Time
}

// MoveParams are the common motion parameters. Velocity, Acceleration and
// Override are percentages of the controller maximum.
type MoveParams struct {
	Velocity     float64
	Acceleration float64
	Override     float64
	Blend        float64
}

// GripperConfig selects the gripper hardware on the controller.
type GripperConfig struct {
	Company int
	Device  int
}

// GripperMove is one gripper position command.
type GripperMove struct {
	Index    int
	Position float64
	Speed    float64
	Force    float64
	MaxTime  time.Duration
}

// Link is a connection to a robot controller. Motion commands return once
// the controller accepted them; completion must be observed through State.
type Link interface {
	State() (Snapshot, error)
	MoveJoint(ctx context.Context, target Joints, params MoveParams) error
	MoveLinear(ctx context.Context, target Pose, params MoveParams) error
	TCPPose(ctx context.Context) (Pose, error)
	ConfigureGripper(ctx context.Context, cfg GripperConfig) error
	ActivateGripper(ctx context.Context, index int, active bool) error
	MoveGripper(ctx context.Context, move GripperMove) error
	Close(ctx context.Context) error
}

// StatusError is a non-success return code from a controller command.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned error code %d", e.Op, e.Code)
}

// CheckStatus converts a controller return code into an error.
func CheckStatus(op string, code int) error {
	if code == 0 {
		return nil
	}
	return &StatusError{Op: op, Code: code}
}

// IsMotionIssue reports whether err is a controller rejection of a command
// rather than a transport or context failure.
func IsMotionIssue(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// WaitForState polls l until it yields a snapshot or ctx is done.
func WaitForState(ctx context.Context, l Link, interval time.Duration) (Snapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := l.State()
		if err == nil {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return Snapshot{}, fmt.Errorf("waiting for controller state: %w", errors.Join(ctx.Err(), err))
		case <-ticker.C:
		}
	}
}

// CheckMode fails with ErrWrongMode unless the controller is in want.
func CheckMode(snap Snapshot, want Mode) error {
	if snap.Mode != want {
		return fmt.Errorf("%w: controller is in %s mode, need %s", ErrWrongMode, snap.Mode, want)
	}
	return nil
}
