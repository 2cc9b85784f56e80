package fairino

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/fr3lab/trialcapture/internal/link"
)

type rpcCall struct {
	Method string
	Args   []interface{}
}

// fakeRPC answers XML-RPC calls from a reply table.
type fakeRPC struct {
	mu      sync.Mutex
	calls   []rpcCall
	replies map[string]interface{}
	closed  bool
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{replies: map[string]interface{}{
		"GetForwardKin":         []interface{}{int64(0), 1.0, 2.0, 3.0, 4.0, 5.0, 6.0},
		"GetInverseKin":         []interface{}{int64(0), 10.0, 20.0, 30.0, 40.0, 50.0, 60.0},
		"GetActualTCPPose":      []interface{}{int64(0), 400.0, 0.0, 250.0, 180.0, 0.0, 90.0},
		"GetGripperCurPosition": []interface{}{int64(0), int64(0), int64(87)},
		"MoveJ":                 int64(0),
		"MoveL":                 int64(0),
		"SetGripperConfig":      int64(0),
		"ActGripper":            int64(0),
		"MoveGripper":           int64(0),
	}}
}

func (f *fakeRPC) Call(method string, args interface{}, reply interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, _ := args.([]interface{})
	f.calls = append(f.calls, rpcCall{Method: method, Args: a})
	r, ok := f.replies[method]
	if !ok {
		return fmt.Errorf("unknown method %s", method)
	}
	if err, ok := r.(error); ok {
		return err
	}
	*reply.(*interface{}) = r
	return nil
}

func (f *fakeRPC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRPC) set(method string, reply interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = reply
}

// commands returns the non-polling calls.
func (f *fakeRPC) commands() []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rpcCall
	for _, c := range f.calls {
		if c.Method != "GetGripperCurPosition" {
			out = append(out, c)
		}
	}
	return out
}

// stateServer streams frames to every client until stopped.
type stateServer struct {
	listener net.Listener
	frame    []byte
	stop     chan struct{}
	wg       sync.WaitGroup
}

func newStateServer(t *testing.T, frame []byte) *stateServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	s := &stateServer{listener: l, frame: frame, stop: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				for {
					select {
					case <-s.stop:
						return
					case <-time.After(5 * time.Millisecond):
					}
					if _, err := conn.Write(s.frame); err != nil {
						return
					}
				}
			}()
		}
	}()
	return s
}

func (s *stateServer) Close() {
	close(s.stop)
	s.listener.Close()
	s.wg.Wait()
}

func connectTest(t *testing.T, rpc *fakeRPC, frame []byte, mutate func(*Config)) (*Robot, *stateServer) {
	t.Helper()
	srv := newStateServer(t, frame)
	cfg := Config{Host: "127.0.0.1", StateAddr: srv.listener.Addr().String(), GripperPoll: 5 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := connect(context.Background(), cfg, rpc)
	test.That(t, err, test.ShouldBeNil)
	return r, srv
}

func TestConnectAndState(t *testing.T) {
	rpc := newFakeRPC()
	r, srv := connectTest(t, rpc, testFrame(testPayload(0, 0, testJoints, testTCP)), nil)
	defer srv.Close()
	defer r.Close(context.Background())

	snap, err := r.State()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Joints, test.ShouldResemble, testJoints)
	test.That(t, snap.TCP, test.ShouldResemble, testTCP)
	test.That(t, snap.Mode, test.ShouldEqual, link.ModeAutomatic)
	test.That(t, snap.PreemptionKnown, test.ShouldBeFalse)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		snap, err := r.State()
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, snap.Gripper, test.ShouldEqual, 87.0)
	})
}

func TestStateStale(t *testing.T) {
	mock := clock.NewMock()
	rpc := newFakeRPC()
	r, srv := connectTest(t, rpc, testFrame(testPayload(0, 0, testJoints, testTCP)), func(c *Config) {
		c.Clock = mock
	})
	defer r.Close(context.Background())

	srv.Close()
	time.Sleep(50 * time.Millisecond)
	mock.Add(2 * DefaultStaleAfter)

	_, err := r.State()
	test.That(t, errors.Is(err, link.ErrStaleState), test.ShouldBeTrue)
}

func TestConnectNoState(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(3 * time.Second)
		}
	}()

	rpc := newFakeRPC()
	_, err = connect(context.Background(), Config{Host: "127.0.0.1", StateAddr: l.Addr().String()}, rpc)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "failed to send state in time")
	test.That(t, rpc.closed, test.ShouldBeTrue)
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	addr := l.Addr().String()
	l.Close()

	rpc := newFakeRPC()
	_, err = connect(context.Background(), Config{Host: "127.0.0.1", StateAddr: addr}, rpc)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "state stream")
}

func TestCommands(t *testing.T) {
	rpc := newFakeRPC()
	r, srv := connectTest(t, rpc, testFrame(testPayload(0, 0, testJoints, testTCP)), nil)
	defer srv.Close()
	defer r.Close(context.Background())

	ctx := context.Background()
	params := link.MoveParams{Velocity: 40, Acceleration: 100, Override: 100, Blend: -1}

	test.That(t, r.MoveJoint(ctx, testJoints, params), test.ShouldBeNil)
	test.That(t, r.MoveLinear(ctx, link.Pose{400, 0, 150, 180, 0, 90}, params), test.ShouldBeNil)
	pose, err := r.TCPPose(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, test.ShouldResemble, link.Pose{400, 0, 250, 180, 0, 90})
	test.That(t, r.ConfigureGripper(ctx, link.GripperConfig{Company: 4, Device: 0}), test.ShouldBeNil)
	test.That(t, r.ActivateGripper(ctx, 1, true), test.ShouldBeNil)
	test.That(t, r.MoveGripper(ctx, link.GripperMove{Index: 1, Position: 100, Speed: 100, Force: 50, MaxTime: 30 * time.Second}), test.ShouldBeNil)

	calls := rpc.commands()
	methods := make([]string, 0, len(calls))
	for _, c := range calls {
		methods = append(methods, c.Method)
	}
	test.That(t, methods, test.ShouldResemble, []string{
		"GetForwardKin", "MoveJ", "GetInverseKin", "MoveL",
		"GetActualTCPPose", "SetGripperConfig", "ActGripper", "MoveGripper",
	})

	moveJ := calls[1].Args
	test.That(t, moveJ[0], test.ShouldResemble, testJoints[:])
	test.That(t, moveJ[1], test.ShouldResemble, []float64{1, 2, 3, 4, 5, 6})
	test.That(t, moveJ[4], test.ShouldEqual, 40.0)

	moveL := calls[3].Args
	test.That(t, moveL[0], test.ShouldResemble, []float64{10, 20, 30, 40, 50, 60})
	test.That(t, moveL[1], test.ShouldResemble, []float64{400, 0, 150, 180, 0, 90})

	test.That(t, calls[6].Args, test.ShouldResemble, []interface{}{1, 1})
	test.That(t, calls[7].Args[4], test.ShouldEqual, 30000)
}

func TestCommandStatus(t *testing.T) {
	rpc := newFakeRPC()
	r, srv := connectTest(t, rpc, testFrame(testPayload(0, 0, testJoints, testTCP)), nil)
	defer srv.Close()
	defer r.Close(context.Background())

	rpc.set("MoveL", int64(14))
	err := r.MoveLinear(context.Background(), link.Pose{}, link.MoveParams{Velocity: 40})
	test.That(t, link.IsMotionIssue(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "MoveL returned error code 14")

	rpc.set("GetActualTCPPose", []interface{}{int64(3), 0.0, 0.0, 0.0, 0.0, 0.0, 0.0})
	_, err = r.TCPPose(context.Background())
	test.That(t, link.IsMotionIssue(err), test.ShouldBeTrue)

	rpc.set("MoveJ", errors.New("connection refused"))
	err = r.MoveJoint(context.Background(), testJoints, link.MoveParams{Velocity: 40})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, link.IsMotionIssue(err), test.ShouldBeFalse)
}

func TestCommandCanceled(t *testing.T) {
	rpc := newFakeRPC()
	r, srv := connectTest(t, rpc, testFrame(testPayload(0, 0, testJoints, testTCP)), nil)
	defer srv.Close()
	defer r.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.MoveJoint(ctx, testJoints, link.MoveParams{Velocity: 40})
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, rpc.commands(), test.ShouldBeEmpty)
}

func TestCloseIdempotent(t *testing.T) {
	rpc := newFakeRPC()
	r, srv := connectTest(t, rpc, testFrame(testPayload(0, 0, testJoints, testTCP)), nil)
	defer srv.Close()

	test.That(t, r.Close(context.Background()), test.ShouldBeNil)
	test.That(t, r.Close(context.Background()), test.ShouldBeNil)
	test.That(t, rpc.closed, test.ShouldBeTrue)
}

func TestSplitReply(t *testing.T) {
	code, values, err := splitReply("X", int64(5))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, code, test.ShouldEqual, 5)
	test.That(t, values, test.ShouldBeEmpty)

	code, values, err = splitReply("X", []interface{}{int64(0), int64(1), 2.5})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, code, test.ShouldEqual, 0)
	test.That(t, values, test.ShouldResemble, []float64{1, 2.5})

	_, _, err = splitReply("X", "nope")
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = splitReply("X", []interface{}{})
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = splitReply("X", []interface{}{int64(0), "nope"})
	test.That(t, err, test.ShouldNotBeNil)
}
