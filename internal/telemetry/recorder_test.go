package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"github.com/fr3lab/trialcapture/internal/link"
)

// countingSource returns snapshots whose Z is the read count, and fails
// every failEvery-th read when failEvery is set.
type countingSource struct {
	mu        sync.Mutex
	reads     int
	failEvery int
	delay     time.Duration
}

func (s *countingSource) State() (link.Snapshot, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.failEvery > 0 && s.reads%s.failEvery == 0 {
		return link.Snapshot{}, link.ErrStaleState
	}
	return link.Snapshot{TCP: link.Pose{1, 2, float64(s.reads), 4, 5, 6}, Gripper: 100}, nil
}

func TestRecorderStartStop(t *testing.T) {
	src := &countingSource{}
	r := NewRecorder(src, WithInterval(time.Millisecond))
	test.That(t, r.State(), test.ShouldEqual, Idle)

	start := time.Now()
	test.That(t, r.Start(start), test.ShouldBeNil)
	test.That(t, r.State(), test.ShouldEqual, Recording)
	time.Sleep(50 * time.Millisecond)
	samples := r.Stop()
	stopped := time.Now()

	test.That(t, r.State(), test.ShouldEqual, Idle)
	test.That(t, r.Origin(), test.ShouldEqual, start)
	test.That(t, len(samples), test.ShouldBeGreaterThan, 5)

	for i, s := range samples {
		test.That(t, s.Time.Before(start), test.ShouldBeFalse)
		test.That(t, s.Time.After(stopped), test.ShouldBeFalse)
		test.That(t, s.Values[6], test.ShouldEqual, 100.0)
		if i > 0 {
			test.That(t, s.Time.Before(samples[i-1].Time), test.ShouldBeFalse)
			test.That(t, s.Values[2], test.ShouldBeGreaterThan, samples[i-1].Values[2])
		}
	}
}

func TestRecorderNoSamplesAfterStop(t *testing.T) {
	src := &countingSource{}
	r := NewRecorder(src, WithInterval(time.Millisecond))

	test.That(t, r.Start(time.Now()), test.ShouldBeNil)
	time.Sleep(10 * time.Millisecond)
	r.Stop()

	src.mu.Lock()
	reads := src.reads
	src.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	defer src.mu.Unlock()
	test.That(t, src.reads, test.ShouldEqual, reads)
}

func TestRecorderAlreadyRecording(t *testing.T) {
	r := NewRecorder(&countingSource{}, WithInterval(time.Millisecond))
	test.That(t, r.Start(time.Now()), test.ShouldBeNil)
	defer r.Stop()

	err := r.Start(time.Now())
	test.That(t, errors.Is(err, ErrAlreadyRecording), test.ShouldBeTrue)
}

func TestRecorderStopWhileIdle(t *testing.T) {
	r := NewRecorder(&countingSource{})
	test.That(t, r.Stop(), test.ShouldBeNil)
	test.That(t, r.Len(), test.ShouldEqual, 0)
}

func TestRecorderSkipsFailedReads(t *testing.T) {
	src := &countingSource{failEvery: 2}
	r := NewRecorder(src, WithInterval(time.Millisecond))

	test.That(t, r.Start(time.Now()), test.ShouldBeNil)
	time.Sleep(40 * time.Millisecond)
	samples := r.Stop()

	test.That(t, len(samples), test.ShouldBeGreaterThan, 0)
	test.That(t, r.Misses(), test.ShouldBeGreaterThan, 0)
	for _, s := range samples {
		// Every even read failed, so only odd Z values were recorded.
		test.That(t, int(s.Values[2])%2, test.ShouldEqual, 1)
	}
}

func TestRecorderRestartClearsBuffer(t *testing.T) {
	src := &countingSource{}
	r := NewRecorder(src, WithInterval(time.Millisecond))

	first := time.Now()
	test.That(t, r.Start(first), test.ShouldBeNil)
	time.Sleep(10 * time.Millisecond)
	firstSamples := r.Stop()
	test.That(t, len(firstSamples), test.ShouldBeGreaterThan, 0)
	firstStop := time.Now()

	second := time.Now()
	test.That(t, r.Start(second), test.ShouldBeNil)
	time.Sleep(10 * time.Millisecond)
	secondSamples := r.Stop()

	test.That(t, r.Origin(), test.ShouldEqual, second)
	test.That(t, len(secondSamples), test.ShouldBeGreaterThan, 0)
	for _, s := range secondSamples {
		test.That(t, s.Time.Before(firstStop), test.ShouldBeFalse)
	}
	// The first session's slice is owned by the caller and left untouched.
	test.That(t, firstSamples[0].Time.Before(firstStop), test.ShouldBeTrue)
}

func TestRecorderSlowSource(t *testing.T) {
	// The buffer lock is never held across a read, so Len stays responsive
	// while the source blocks.
	src := &countingSource{delay: 30 * time.Millisecond}
	r := NewRecorder(src, WithInterval(time.Millisecond))
	test.That(t, r.Start(time.Now()), test.ShouldBeNil)

	begin := time.Now()
	r.Len()
	test.That(t, time.Since(begin), test.ShouldBeLessThan, 20*time.Millisecond)

	samples := r.Stop()
	test.That(t, len(samples), test.ShouldBeGreaterThanOrEqualTo, 1)
}

func TestSampleAbsSeconds(t *testing.T) {
	s := Sample{Time: time.Unix(1700000000, 250000000)}
	test.That(t, s.AbsSeconds(), test.ShouldAlmostEqual, 1700000000.25)
}

func TestRecorderImmediateStopKeepsFirstSample(t *testing.T) {
	mock := clock.NewMock()
	src := &countingSource{}
	r := NewRecorder(src, WithInterval(time.Second), WithClock(mock))

	epoch := mock.Now()
	test.That(t, r.Start(epoch), test.ShouldBeNil)
	samples := r.Stop()

	test.That(t, samples, test.ShouldHaveLength, 1)
	test.That(t, samples[0].Time, test.ShouldEqual, epoch)
	test.That(t, samples[0].Values[2], test.ShouldEqual, 1.0)
}

func TestSampleAbsSecondsKeepsSubsecondPrecision(t *testing.T) {
	s := Sample{Time: time.Unix(1700000000, 123400000)}
	test.That(t, s.AbsSeconds()-1700000000, test.ShouldAlmostEqual, 0.1234, 1e-6)
	test.That(t, s.AbsSeconds(), test.ShouldEqual, float64(1700000000)+0.1234)
}
