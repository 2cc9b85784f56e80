// Package fairino links to a FAIRINO collaborative arm controller.
//
// Commands go over the controller's XML-RPC service; joint, pose and mode
// come from the realtime status stream, and the gripper position is polled
// separately because the stream does not carry it.
package fairino

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kolo/xmlrpc"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/fr3lab/trialcapture/internal/link"
)

const (
	CommandPort = 20003
	StatePort   = 20004

	DefaultStaleAfter  = time.Second
	DefaultGripperPoll = 50 * time.Millisecond

	respondTimeout           = 2 * time.Second
	reconnectInterval        = time.Second
	waitBackgroundWorkersDur = 5 * time.Second
)

// Config locates the controller.
type Config struct {
	Host string
	// CommandURL and StateAddr default to the controller's standard ports
	// on Host.
	CommandURL  string
	StateAddr   string
	StaleAfter  time.Duration
	GripperPoll time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.CommandURL == "" {
		c.CommandURL = fmt.Sprintf("http://%s:%d/RPC2", c.Host, CommandPort)
	}
	if c.StateAddr == "" {
		c.StateAddr = net.JoinHostPort(c.Host, fmt.Sprint(StatePort))
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.GripperPoll == 0 {
		c.GripperPoll = DefaultGripperPoll
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// caller is the XML-RPC surface used; *xmlrpc.Client implements it.
type caller interface {
	Call(method string, args interface{}, reply interface{}) error
	Close() error
}

// Robot is a live controller connection.
type Robot struct {
	cfg    Config
	rpc    caller
	clock  clock.Clock
	logger *slog.Logger

	dialer net.Dialer
	rpcMu  sync.Mutex

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	closeOnce               sync.Once
	closeErr                error

	mu        sync.Mutex
	frame     frameState
	frameAt   time.Time
	haveData  bool
	gripper   float64
	stateConn net.Conn
}

var _ link.Link = (*Robot)(nil)

// Dial connects to the controller and waits for the first status frame.
func Dial(ctx context.Context, cfg Config) (*Robot, error) {
	cfg.applyDefaults()
	client, err := xmlrpc.NewClient(cfg.CommandURL, nil)
	if err != nil {
		return nil, fmt.Errorf("can't create command client (%s): %w", cfg.CommandURL, err)
	}
	return connect(ctx, cfg, client)
}

func connect(ctx context.Context, cfg Config, rpc caller) (*Robot, error) {
	cfg.applyDefaults()
	r := &Robot{cfg: cfg, rpc: rpc, clock: cfg.Clock, logger: cfg.Logger}

	conn, err := r.dialer.DialContext(ctx, "tcp", cfg.StateAddr)
	if err != nil {
		return nil, multierr.Combine(
			fmt.Errorf("can't connect to controller state stream (%s): %w", cfg.StateAddr, err),
			rpc.Close())
	}
	r.stateConn = conn

	cancelCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	onData := make(chan struct{})
	var onDataOnce sync.Once
	r.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		r.stateWorker(cancelCtx, func() {
			onDataOnce.Do(func() { close(onData) })
		})
	}, r.activeBackgroundWorkers.Done)

	r.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		r.gripperWorker(cancelCtx)
	}, r.activeBackgroundWorkers.Done)

	timer := time.NewTimer(respondTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, multierr.Combine(ctx.Err(), r.Close(context.Background()))
	case <-timer.C:
		return nil, multierr.Combine(
			errors.Errorf("controller failed to send state in time (%s)", respondTimeout),
			r.Close(context.Background()))
	case <-onData:
	}

	r.logger.Info("Connected to controller", "state", cfg.StateAddr, "command", cfg.CommandURL)
	return r, nil
}

func isConnError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || os.IsTimeout(err)
}

func (r *Robot) stateWorker(ctx context.Context, onHaveData func()) {
	for {
		r.mu.Lock()
		conn := r.stateConn
		r.mu.Unlock()

		err := r.reader(ctx, conn, onHaveData)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !isConnError(err) {
			// A malformed frame leaves the stream misaligned; reconnect.
			r.logger.Warn("Status stream error", "error", err)
		}
		goutils.UncheckedError(conn.Close())

		for {
			if !goutils.SelectContextOrWait(ctx, reconnectInterval) {
				return
			}
			r.logger.Debug("Reconnecting to controller state stream", "addr", r.cfg.StateAddr)
			next, err := r.dialer.DialContext(ctx, "tcp", r.cfg.StateAddr)
			if err == nil {
				r.mu.Lock()
				r.stateConn = next
				r.mu.Unlock()
				break
			}
		}
	}
}

func (r *Robot) gripperWorker(ctx context.Context) {
	for goutils.SelectContextOrWait(ctx, r.cfg.GripperPoll) {
		values, err := r.query("GetGripperCurPosition")
		if err != nil || len(values) < 2 {
			r.logger.Debug("Gripper position read failed", "error", err)
			continue
		}
		r.mu.Lock()
		r.gripper = values[1]
		r.mu.Unlock()
	}
}

func (r *Robot) setFrame(fs frameState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = fs
	r.frameAt = r.clock.Now()
	r.haveData = true
}

// State returns the last decoded status frame. The controller reports no
// instruction preemption flag, so PreemptionKnown is always false.
func (r *Robot) State() (link.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveData {
		return link.Snapshot{}, link.ErrNoState
	}
	if age := r.clock.Since(r.frameAt); age > r.cfg.StaleAfter {
		return link.Snapshot{}, errors.Wrapf(link.ErrStaleState, "last frame %s ago", age.Round(time.Millisecond))
	}
	return link.Snapshot{
		Joints:  r.frame.Joints,
		TCP:     r.frame.TCP,
		Gripper: r.gripper,
		Mode:    r.frame.Mode,
		Time:    r.frameAt,
	}, nil
}

// call runs one XML-RPC method and returns its raw reply.
func (r *Robot) call(method string, args ...interface{}) (interface{}, error) {
	r.rpcMu.Lock()
	defer r.rpcMu.Unlock()

	var reply interface{}
	if err := r.rpc.Call(method, args, &reply); err != nil {
		return nil, errors.Wrapf(err, "%s", method)
	}
	return reply, nil
}

// command runs a method whose reply is a bare status code.
func (r *Robot) command(ctx context.Context, method string, args ...interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply, err := r.call(method, args...)
	if err != nil {
		return err
	}
	code, _, err := splitReply(method, reply)
	if err != nil {
		return err
	}
	return link.CheckStatus(method, code)
}

// query runs a method whose reply is [code, values...] and returns the
// values once code is zero.
func (r *Robot) query(method string, args ...interface{}) ([]float64, error) {
	reply, err := r.call(method, args...)
	if err != nil {
		return nil, err
	}
	code, values, err := splitReply(method, reply)
	if err != nil {
		return nil, err
	}
	if err := link.CheckStatus(method, code); err != nil {
		return nil, err
	}
	return values, nil
}

func (r *Robot) queryPose(ctx context.Context, method string, args ...interface{}) ([6]float64, error) {
	var out [6]float64
	if err := ctx.Err(); err != nil {
		return out, err
	}
	values, err := r.query(method, args...)
	if err != nil {
		return out, err
	}
	if len(values) < len(out) {
		return out, errors.Errorf("%s returned %d values, expected %d", method, len(values), len(out))
	}
	copy(out[:], values)
	return out, nil
}

func (r *Robot) MoveJoint(ctx context.Context, target link.Joints, p link.MoveParams) error {
	desc, err := r.queryPose(ctx, "GetForwardKin", target[:])
	if err != nil {
		return err
	}
	return r.command(ctx, "MoveJ",
		target[:], desc[:], 0, 0,
		p.Velocity, p.Acceleration, p.Override,
		exAxis(), p.Blend, 0, zeroOffset())
}

func (r *Robot) MoveLinear(ctx context.Context, target link.Pose, p link.MoveParams) error {
	joints, err := r.queryPose(ctx, "GetInverseKin", 0, target[:], -1)
	if err != nil {
		return err
	}
	return r.command(ctx, "MoveL",
		joints[:], target[:], 0, 0,
		p.Velocity, p.Acceleration, p.Override, p.Blend,
		exAxis(), 0, 0, zeroOffset())
}

func (r *Robot) TCPPose(ctx context.Context) (link.Pose, error) {
	pose, err := r.queryPose(ctx, "GetActualTCPPose", 0)
	return link.Pose(pose), err
}

func (r *Robot) ConfigureGripper(ctx context.Context, cfg link.GripperConfig) error {
	return r.command(ctx, "SetGripperConfig", cfg.Company, cfg.Device, 0, 0)
}

func (r *Robot) ActivateGripper(ctx context.Context, index int, active bool) error {
	act := 0
	if active {
		act = 1
	}
	return r.command(ctx, "ActGripper", index, act)
}

func (r *Robot) MoveGripper(ctx context.Context, m link.GripperMove) error {
	return r.command(ctx, "MoveGripper",
		m.Index, m.Position, m.Speed, m.Force, int(m.MaxTime.Milliseconds()),
		1, 0, 0, 0, 0)
}

// Close stops the workers and closes both channels. It is safe to call more
// than once.
func (r *Robot) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.cancel()

		var err error
		closeConn := func() {
			r.mu.Lock()
			conn := r.stateConn
			r.mu.Unlock()
			if conn == nil {
				return
			}
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
		// unblocks the reader
		closeConn()

		done := make(chan struct{})
		goutils.PanicCapturingGo(func() {
			r.activeBackgroundWorkers.Wait()
			close(done)
		})
		waitCtx, cancel := context.WithTimeout(ctx, waitBackgroundWorkersDur)
		defer cancel()
		select {
		case <-done:
		case <-waitCtx.Done():
			err = multierr.Append(err, errors.Wrap(waitCtx.Err(), "waiting for controller workers"))
		}
		// the state worker may have reconnected in the meantime
		closeConn()

		r.rpcMu.Lock()
		err = multierr.Append(err, r.rpc.Close())
		r.rpcMu.Unlock()
		r.closeErr = err
	})
	return r.closeErr
}

func exAxis() []float64 { return []float64{0, 0, 0, 0} }

func zeroOffset() []float64 { return make([]float64, 6) }

// splitReply accepts either a bare status code or an array whose first
// element is the status code.
func splitReply(method string, reply interface{}) (int, []float64, error) {
	if code, ok := number(reply); ok {
		return int(code), nil, nil
	}
	items, ok := reply.([]interface{})
	if !ok || len(items) == 0 {
		return 0, nil, errors.Errorf("%s: unexpected reply %T", method, reply)
	}
	code, ok := number(items[0])
	if !ok {
		return 0, nil, errors.Errorf("%s: unexpected status %T", method, items[0])
	}
	values := make([]float64, 0, len(items)-1)
	for _, item := range items[1:] {
		v, ok := number(item)
		if !ok {
			return 0, nil, errors.Errorf("%s: unexpected value %T", method, item)
		}
		values = append(values, v)
	}
	return int(code), values, nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
