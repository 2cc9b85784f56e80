// Package viamarm drives an arm and gripper registered on a viam machine.
//
// Viam arm moves block until the arm arrives, so they are run in tracked
// background goroutines and completion is reported through the refreshed
// IsMoving flag like any other controller.
package viamarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/robot/client"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/rpc"

	"github.com/fr3lab/trialcapture/internal/link"
)

const (
	DefaultRefreshInterval = 20 * time.Millisecond
	DefaultStaleAfter      = time.Second

	// GripperOpenThreshold splits the 0..100 gripper range into grab and
	// open commands.
	GripperOpenThreshold = 50.0

	readTimeout = 500 * time.Millisecond
)

// Config names the machine and its components.
type Config struct {
	Address  string
	APIKeyID string
	APIKey   string
	Arm      string
	Gripper  string

	RefreshInterval time.Duration
	StaleAfter      time.Duration
	Clock           clock.Clock
}

// Arm is the part of arm.Arm used here.
type Arm interface {
	JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error)
	EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error)
	MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error
	MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error
	IsMoving(ctx context.Context) (bool, error)
	Stop(ctx context.Context, extra map[string]interface{}) error
}

// Gripper is the part of gripper.Gripper used here.
type Gripper interface {
	Open(ctx context.Context, extra map[string]interface{}) error
	Grab(ctx context.Context, extra map[string]interface{}) (bool, error)
}

// Link is a viam-backed link.Link.
type Link struct {
	arm     Arm
	gripper Gripper
	closer  func(context.Context) error
	logger  logging.Logger
	clock   clock.Clock
	cfg     Config

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	closeOnce               sync.Once
	closeErr                error

	mu          sync.Mutex
	snap        link.Snapshot
	haveData    bool
	gripperPos  float64
	inFlight    int
	cancelMove  context.CancelFunc
	cancelGrasp context.CancelFunc
}

var _ link.Link = (*Link)(nil)

// Dial connects to the machine with API key credentials and resolves the
// arm and gripper by name.
func Dial(ctx context.Context, cfg Config, logger logging.Logger) (*Link, error) {
	machine, err := client.New(
		ctx,
		cfg.Address,
		logger,
		client.WithDialOptions(rpc.WithEntityCredentials(
			cfg.APIKeyID,
			rpc.Credentials{
				Type:    rpc.CredentialsTypeAPIKey,
				Payload: cfg.APIKey,
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("can't connect to machine (%s): %w", cfg.Address, err)
	}

	a, err := arm.FromProvider(machine, cfg.Arm)
	if err != nil {
		return nil, multierr.Combine(err, machine.Close(ctx))
	}
	var g Gripper
	if cfg.Gripper != "" {
		gr, err := gripper.FromProvider(machine, cfg.Gripper)
		if err != nil {
			return nil, multierr.Combine(err, machine.Close(ctx))
		}
		g = gr
	}

	return New(ctx, a, g, machine.Close, cfg, logger)
}

// New wraps already resolved components. g may be nil; closer, when set,
// is called by Close.
func New(ctx context.Context, a Arm, g Gripper, closer func(context.Context) error, cfg Config, logger logging.Logger) (*Link, error) {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	l := &Link{
		arm:       a,
		gripper:   g,
		closer:    closer,
		logger:    logger,
		clock:     cfg.Clock,
		cfg:       cfg,
		cancelCtx: cancelCtx,
		cancel:    cancel,
	}

	if err := l.refresh(ctx); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "reading initial arm state"), l.Close(ctx))
	}

	l.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for goutils.SelectContextOrWait(cancelCtx, cfg.RefreshInterval) {
			if err := l.refresh(cancelCtx); err != nil && cancelCtx.Err() == nil {
				logger.CDebugw(cancelCtx, "arm state refresh failed", "error", err)
			}
		}
	}, l.activeBackgroundWorkers.Done)

	return l, nil
}

func (l *Link) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	inputs, err := l.arm.JointPositions(ctx, nil)
	if err != nil {
		return err
	}
	joints, err := jointsFromInputs(inputs)
	if err != nil {
		return err
	}
	pose, err := l.arm.EndPosition(ctx, nil)
	if err != nil {
		return err
	}
	moving, err := l.arm.IsMoving(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	busy := 0
	if moving || l.inFlight > 0 {
		busy = 1
	}
	l.snap = link.Snapshot{
		Joints:          joints,
		TCP:             poseFromSpatial(pose),
		Gripper:         l.gripperPos,
		Mode:            link.ModeAutomatic,
		Preemption:      busy,
		PreemptionKnown: true,
		Time:            l.clock.Now(),
	}
	l.haveData = true
	return nil
}

func (l *Link) State() (link.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.haveData {
		return link.Snapshot{}, link.ErrNoState
	}
	if age := l.clock.Since(l.snap.Time); age > l.cfg.StaleAfter {
		return link.Snapshot{}, errors.Wrapf(link.ErrStaleState, "last refresh %s ago", age.Round(time.Millisecond))
	}
	snap := l.snap
	snap.Gripper = l.gripperPos
	return snap, nil
}

// launch runs a blocking component call in the background. A new call of
// the same kind supersedes the previous one.
func (l *Link) launch(ctx context.Context, slot *context.CancelFunc, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if err := l.cancelCtx.Err(); err != nil {
		l.mu.Unlock()
		return errors.New("link is closed")
	}
	if *slot != nil {
		(*slot)()
	}
	moveCtx, cancel := context.WithCancel(l.cancelCtx)
	*slot = cancel
	l.inFlight++
	l.snap.Preemption = 1
	l.activeBackgroundWorkers.Add(1)
	l.mu.Unlock()

	goutils.ManagedGo(func() {
		defer cancel()
		if err := fn(moveCtx); err != nil && moveCtx.Err() == nil {
			l.logger.CWarnw(moveCtx, "command failed", "command", name, "error", err)
		}
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}, l.activeBackgroundWorkers.Done)
	return nil
}

func (l *Link) MoveJoint(ctx context.Context, target link.Joints, _ link.MoveParams) error {
	inputs := make([]referenceframe.Input, len(target))
	for i, deg := range target {
		inputs[i] = referenceframe.Input(rdkutils.DegToRad(deg))
	}
	return l.launch(ctx, &l.cancelMove, "MoveToJointPositions", func(ctx context.Context) error {
		return l.arm.MoveToJointPositions(ctx, inputs, nil)
	})
}

func (l *Link) MoveLinear(ctx context.Context, target link.Pose, _ link.MoveParams) error {
	pose := spatialFromPose(target)
	return l.launch(ctx, &l.cancelMove, "MoveToPosition", func(ctx context.Context) error {
		return l.arm.MoveToPosition(ctx, pose, nil)
	})
}

func (l *Link) TCPPose(ctx context.Context) (link.Pose, error) {
	pose, err := l.arm.EndPosition(ctx, nil)
	if err != nil {
		return link.Pose{}, err
	}
	return poseFromSpatial(pose), nil
}

// ConfigureGripper is a no-op: the machine config already selects the
// gripper model.
func (l *Link) ConfigureGripper(context.Context, link.GripperConfig) error {
	return nil
}

func (l *Link) ActivateGripper(context.Context, int, bool) error {
	return nil
}

func (l *Link) MoveGripper(ctx context.Context, m link.GripperMove) error {
	if l.gripper == nil {
		return errors.New("no gripper configured")
	}
	open := m.Position >= GripperOpenThreshold
	err := l.launch(ctx, &l.cancelGrasp, "gripper", func(ctx context.Context) error {
		if open {
			return l.gripper.Open(ctx, nil)
		}
		_, err := l.gripper.Grab(ctx, nil)
		return err
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.gripperPos = m.Position
	l.mu.Unlock()
	return nil
}

// Close cancels in-flight commands, stops the arm and disconnects.
func (l *Link) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		moving := l.inFlight > 0
		l.cancel()
		l.mu.Unlock()

		var err error
		if moving {
			err = multierr.Append(err, l.arm.Stop(ctx, nil))
		}
		l.activeBackgroundWorkers.Wait()
		if l.closer != nil {
			err = multierr.Append(err, l.closer(ctx))
		}
		l.closeErr = err
	})
	return l.closeErr
}

func jointsFromInputs(inputs []referenceframe.Input) (link.Joints, error) {
	var j link.Joints
	if len(inputs) != len(j) {
		return j, errors.Errorf("arm reports %d joints, need %d", len(inputs), len(j))
	}
	for i, in := range inputs {
		j[i] = rdkutils.RadToDeg(float64(in))
	}
	return j, nil
}

func poseFromSpatial(p spatialmath.Pose) link.Pose {
	pt := p.Point()
	ea := p.Orientation().EulerAngles()
	return link.Pose{
		pt.X, pt.Y, pt.Z,
		rdkutils.RadToDeg(ea.Roll), rdkutils.RadToDeg(ea.Pitch), rdkutils.RadToDeg(ea.Yaw),
	}
}

func spatialFromPose(p link.Pose) spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: p[0], Y: p[1], Z: p[2]},
		&spatialmath.EulerAngles{
			Roll:  rdkutils.DegToRad(p[3]),
			Pitch: rdkutils.DegToRad(p[4]),
			Yaw:   rdkutils.DegToRad(p[5]),
		},
	)
}
