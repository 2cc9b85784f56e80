package motion

import (
	"context"
	"fmt"
	"sync"

	"github.com/fr3lab/trialcapture/internal/link"
)

// fakeLink is a scripted link. When script is set it decides every State
// result from the 1-based read count.
type fakeLink struct {
	mu       sync.Mutex
	snap     link.Snapshot
	script   func(n int) (link.Snapshot, error)
	reads    int
	pose     link.Pose
	moveErr  error
	tcpErr   error
	gripErr  error
	calls    []string
	lastPose link.Pose
}

var _ link.Link = (*fakeLink)(nil)

func (f *fakeLink) State() (link.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.script != nil {
		return f.script(f.reads)
	}
	return f.snap, nil
}

func (f *fakeLink) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeLink) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeLink) call(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeLink) MoveJoint(ctx context.Context, target link.Joints, params link.MoveParams) error {
	f.call("MoveJ vel=%g", params.Velocity)
	return f.moveErr
}

func (f *fakeLink) MoveLinear(ctx context.Context, target link.Pose, params link.MoveParams) error {
	f.call("MoveL z=%g vel=%g", target[2], params.Velocity)
	f.mu.Lock()
	f.lastPose = target
	f.mu.Unlock()
	return f.moveErr
}

func (f *fakeLink) TCPPose(ctx context.Context) (link.Pose, error) {
	f.call("GetActualTCPPose")
	return f.pose, f.tcpErr
}

func (f *fakeLink) ConfigureGripper(ctx context.Context, cfg link.GripperConfig) error {
	f.call("SetGripperConfig %d %d", cfg.Company, cfg.Device)
	return f.gripErr
}

func (f *fakeLink) ActivateGripper(ctx context.Context, index int, active bool) error {
	f.call("ActGripper %d %t", index, active)
	return f.gripErr
}

func (f *fakeLink) MoveGripper(ctx context.Context, move link.GripperMove) error {
	f.call("MoveGripper pos=%g speed=%g force=%g max=%s", move.Position, move.Speed, move.Force, move.MaxTime)
	return f.gripErr
}

func (f *fakeLink) Close(ctx context.Context) error {
	return nil
}
