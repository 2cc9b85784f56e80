// Package telemetry samples the robot state in the background while a trial
// runs and persists the samples as CSV.
package telemetry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fr3lab/trialcapture/internal/link"
)

// DefaultInterval is the pause between two samples; the effective period is
// this plus the snapshot read latency.
const DefaultInterval = 10 * time.Millisecond

var ErrAlreadyRecording = errors.New("telemetry recorder is already recording")

// State of a Recorder.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "RECORDING"
	}
	return "IDLE"
}

// Source is the part of a link the recorder reads from.
type Source interface {
	State() (link.Snapshot, error)
}

// Sample is one telemetry row: the wall-clock time it was taken plus the
// tool pose and gripper position.
type Sample struct {
	Time time.Time
	// X, Y, Z (mm), Rx, Ry, Rz (deg), gripper (0-100)
	Values [7]float64
}

// AbsSeconds returns Time as fractional Unix seconds.
func (s Sample) AbsSeconds() float64 {
	return unixSeconds(s.Time)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func sampleFrom(t time.Time, snap link.Snapshot) Sample {
	s := Sample{Time: t}
	copy(s.Values[:6], snap.TCP[:])
	s.Values[6] = snap.Gripper
	return s
}

type Option func(*Recorder)

func WithInterval(d time.Duration) Option {
	return func(r *Recorder) { r.interval = d }
}

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// Recorder samples a Source on a single background goroutine between Start
// and Stop. The buffer is guarded by its own mutex which is held only for
// one append or the final hand-over, never across a snapshot read.
type Recorder struct {
	src      Source
	clock    clock.Clock
	interval time.Duration

	mu     sync.Mutex // guards state, origin, stop, done
	state  State
	origin time.Time
	stop   chan struct{}
	done   chan struct{}

	bufMu  sync.Mutex
	buf    []Sample
	misses int
}

func NewRecorder(src Source, opts ...Option) *Recorder {
	r := &Recorder{
		src:      src,
		clock:    clock.New(),
		interval: DefaultInterval,
		state:    Idle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start clears the buffer, remembers epoch as the session origin and starts
// sampling.
func (r *Recorder) Start(epoch time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Recording {
		return ErrAlreadyRecording
	}

	r.bufMu.Lock()
	r.buf = nil
	r.misses = 0
	r.bufMu.Unlock()

	r.origin = epoch
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.state = Recording

	go r.loop(r.stop, r.done)

	slog.Debug("Telemetry recording started", "epoch", epoch.Format(time.RFC3339Nano), "interval", r.interval)
	return nil
}

func (r *Recorder) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	// The first read happens before stop is honored, so every session
	// over a readable source has at least one sample.
	for {
		snap, err := r.src.State()
		now := r.clock.Now()

		r.bufMu.Lock()
		if err != nil {
			r.misses++
		} else {
			r.buf = append(r.buf, sampleFrom(now, snap))
		}
		r.bufMu.Unlock()

		if err != nil {
			slog.Debug("Telemetry sample skipped", "error", err)
		}

		select {
		case <-stop:
			return
		case <-r.clock.After(r.interval):
		}
	}
}

// Stop ends sampling, waits for the sampling goroutine to exit and returns
// the samples of the session. It returns nil when not recording.
func (r *Recorder) Stop() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Recording {
		return nil
	}

	close(r.stop)
	<-r.done
	r.state = Idle

	r.bufMu.Lock()
	samples := r.buf
	misses := r.misses
	r.buf = nil
	r.bufMu.Unlock()

	if misses > 0 {
		slog.Warn("Telemetry reads failed during recording", "failed", misses, "recorded", len(samples))
	}
	slog.Debug("Telemetry recording stopped", "samples", len(samples))
	return samples
}

// Origin returns the epoch of the current or last session.
func (r *Recorder) Origin() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.origin
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Len returns the number of samples buffered in the running session.
func (r *Recorder) Len() int {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	return len(r.buf)
}

// Misses returns the number of failed reads in the running or last session.
func (r *Recorder) Misses() int {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	return r.misses
}
