package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/fr3lab/trialcapture/internal/camera"
	"github.com/fr3lab/trialcapture/internal/config"
	"github.com/fr3lab/trialcapture/internal/link"
	"github.com/fr3lab/trialcapture/internal/link/fairino"
	"github.com/fr3lab/trialcapture/internal/link/sim"
	"github.com/fr3lab/trialcapture/internal/link/viamarm"
	"github.com/fr3lab/trialcapture/internal/motion"
	"github.com/fr3lab/trialcapture/internal/telemetry"
	"github.com/fr3lab/trialcapture/internal/trial"
)

// ErrFatalConnection marks failures that make a batch impossible: the robot
// or the camera cannot be reached, or the robot is in the wrong mode.
var ErrFatalConnection = errors.New("fatal connection error")

var errNotConnected = errors.New("service is not connected")

const (
	stateTimeout      = 5 * time.Second
	statePollInterval = 20 * time.Millisecond
)

// Service represents the core trial capture service interface
type Service interface {
	// Connection
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Batch operations
	InitializeGripper(ctx context.Context) error
	RunBatch(ctx context.Context, trials int) (*trial.Report, error)

	// Information operations
	Probe(ctx context.Context) (link.Snapshot, error)
	GetConfig() *config.Config
	LoadProfile(profile string) error
	GetLastError() string
}

var _ Service = (*TrialCaptureService)(nil)

type Option func(*TrialCaptureService)

// WithLink uses l instead of dialing the configured backend.
func WithLink(l link.Link) Option {
	return func(s *TrialCaptureService) { s.link = l }
}

// WithCamera uses r instead of the configured camera backend.
func WithCamera(r camera.Recorder) Option {
	return func(s *TrialCaptureService) { s.camera = r }
}

// WithPhaseHook reports every phase change of the running batch to fn.
func WithPhaseHook(fn func(trial.Trial, trial.Phase)) Option {
	return func(s *TrialCaptureService) { s.onPhase = fn }
}

// TrialCaptureService is the main service implementation
type TrialCaptureService struct {
	cfg        *config.Config
	configFile string
	logWriter  io.Writer

	link      link.Link
	camera    camera.Recorder
	recorder  *telemetry.Recorder
	sequencer *motion.Sequencer
	connected bool
	onPhase   func(trial.Trial, trial.Phase)

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance. logWriter receives the output of
// external tools such as ffmpeg and may be nil.
func New(cfg *config.Config, configFile string, logWriter io.Writer, opts ...Option) *TrialCaptureService {
	if logWriter == nil {
		logWriter = io.Discard
	}
	s := &TrialCaptureService{
		cfg:        cfg,
		configFile: configFile,
		logWriter:  logWriter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatalConnection, err)
}

// Connect opens the robot link and the camera and checks the robot is
// ready for automatic execution.
func (s *TrialCaptureService) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}
	s.clearLastError()

	if s.link == nil {
		l, err := s.dialLink(ctx)
		if err != nil {
			return s.fail(fatal(err))
		}
		s.link = l
	}

	waitCtx, cancel := context.WithTimeout(ctx, stateTimeout)
	defer cancel()
	snap, err := link.WaitForState(waitCtx, s.link, statePollInterval)
	if err != nil {
		return s.fail(fatal(multierr.Combine(err, s.closeLink(ctx))))
	}
	if s.cfg.Robot.Mode != nil {
		if err := link.CheckMode(snap, link.Mode(*s.cfg.Robot.Mode)); err != nil {
			return s.fail(fatal(multierr.Combine(err, s.closeLink(ctx))))
		}
	}
	slog.Info("Robot connected", "backend", s.cfg.Robot.Backend, "mode", snap.Mode)

	if s.camera == nil {
		s.camera = s.newCamera()
	}
	if err := s.camera.Connect(ctx); err != nil {
		return s.fail(fatal(multierr.Combine(fmt.Errorf("camera: %w", err), s.closeLink(ctx))))
	}

	s.recorder = telemetry.NewRecorder(s.link, telemetry.WithInterval(s.cfg.Timing.SampleInterval))
	s.sequencer = motion.NewSequencer(s.link, nil, MotionConfig(s.cfg))
	s.connected = true
	return nil
}

func (s *TrialCaptureService) dialLink(ctx context.Context) (link.Link, error) {
	r := s.cfg.Robot
	switch r.Backend {
	case "sim":
		return sim.New(), nil
	case "fairino":
		return fairino.Dial(ctx, fairino.Config{Host: r.Address})
	case "viam":
		return viamarm.Dial(ctx, viamarm.Config{
			Address:  r.Address,
			APIKeyID: r.Viam.APIKeyID,
			APIKey:   r.Viam.APIKey,
			Arm:      r.Viam.Arm,
			Gripper:  r.Viam.Gripper,
		}, logging.NewLogger("trialcapture"))
	default:
		return nil, fmt.Errorf("unknown robot backend %q", r.Backend)
	}
}

func (s *TrialCaptureService) newCamera() camera.Recorder {
	c := s.cfg.Camera
	if c.Backend == "none" {
		return camera.Disabled{}
	}
	return camera.NewFFmpegRecorder(camera.Config{
		Format:   c.Format,
		Device:   c.Device,
		FPS:      c.FPS,
		Size:     c.Size,
		Codec:    c.Codec,
		Artifact: c.Artifact,
	}, s.logWriter)
}

func (s *TrialCaptureService) closeLink(ctx context.Context) error {
	if s.link == nil {
		return nil
	}
	err := s.link.Close(ctx)
	s.link = nil
	return err
}

// MotionConfig maps the timing and gripper settings onto the sequencer.
func MotionConfig(cfg *config.Config) motion.Config {
	mc := motion.DefaultConfig()
	mc.Arrival = motion.ArrivalConfig{
		Settle:    cfg.Timing.SettleDelay,
		Poll:      cfg.Timing.PollInterval,
		Tolerance: cfg.Timing.ArrivalTolerance,
		Timeout:   cfg.Timing.ArrivalTimeout,
	}
	mc.LinearPad = cfg.Timing.LinearPad
	mc.LinearMin = cfg.Timing.LinearMin

	g := cfg.Gripper
	mc.Gripper = motion.GripperSettings{
		Index:        g.Index,
		Company:      g.Company,
		Device:       g.Device,
		OpenPosition: g.OpenPosition,
		Speed:        g.Speed,
		Force:        g.Force,
		MaxTime:      g.MaxTime,
		Settle:       g.Settle,
		InitStep:     g.Settle,
	}
	if g.ClosePosition != nil {
		mc.Gripper.ClosePosition = *g.ClosePosition
	}
	return mc
}

// Plan builds the batch for the first n start poses (all when n <= 0).
func Plan(cfg *config.Config, n int) (trial.Plan, error) {
	b := cfg.Batch
	plan := trial.Plan{
		ResetSpeed:    b.ResetSpeed,
		ApproachSpeed: b.ApproachSpeed,
		LinearSpeed:   b.LinearSpeed,
		DescendMM:     b.DescendMM,
		Countdown:     b.Countdown,
		OutputDir:     cfg.Output.Directory,
	}

	approach, err := waypoint(b.Approach)
	if err != nil {
		return plan, fmt.Errorf("approach pose: %w", err)
	}
	plan.Approach = approach

	for _, wp := range cfg.Waypoints(n) {
		start, err := waypoint(wp)
		if err != nil {
			return plan, fmt.Errorf("start pose %s: %w", wp.ID, err)
		}
		plan.StartPoses = append(plan.StartPoses, start)
	}
	return plan, nil
}

func waypoint(wp config.Waypoint) (trial.Waypoint, error) {
	joints, err := link.JointsFrom(wp.Joints)
	if err != nil {
		return trial.Waypoint{}, err
	}
	return trial.Waypoint{ID: wp.ID, Joints: joints, Speed: wp.Speed}, nil
}

// InitializeGripper configures and activates the gripper.
func (s *TrialCaptureService) InitializeGripper(ctx context.Context) error {
	if !s.connected {
		return errNotConnected
	}
	return s.sequencer.InitializeGripper(ctx)
}

// RunBatch runs the first trials start poses, or all of them when trials
// is zero.
func (s *TrialCaptureService) RunBatch(ctx context.Context, trials int) (*trial.Report, error) {
	if !s.connected {
		return nil, errNotConnected
	}
	plan, err := Plan(s.cfg, trials)
	if err != nil {
		return nil, s.fail(err)
	}

	slog.Info("Starting batch", "trials", len(plan.StartPoses), "output", plan.OutputDir, "profile", s.cfg.Profile)
	var opts []trial.Option
	if s.onPhase != nil {
		opts = append(opts, trial.WithPhaseHook(s.onPhase))
	}
	report, err := trial.New(plan, s.sequencer, s.recorder, s.camera, opts...).Run(ctx)
	if err != nil {
		s.setLastError(err.Error())
	}
	return report, err
}

// Probe returns the current robot state.
func (s *TrialCaptureService) Probe(ctx context.Context) (link.Snapshot, error) {
	if !s.connected {
		return link.Snapshot{}, errNotConnected
	}
	return s.link.State()
}

// Close releases the camera and the robot link. Errors are combined.
func (s *TrialCaptureService) Close(ctx context.Context) error {
	var err error
	if s.camera != nil {
		err = multierr.Append(err, s.camera.Close())
	}
	err = multierr.Append(err, s.closeLink(ctx))
	s.connected = false
	return err
}

// LoadProfile loads a new configuration profile. It is only allowed while
// disconnected.
func (s *TrialCaptureService) LoadProfile(profile string) error {
	if s.connected {
		return errors.New("cannot change profile while connected")
	}
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	s.cfg = newCfg
	return nil
}

// GetConfig returns the current configuration
func (s *TrialCaptureService) GetConfig() *config.Config {
	return s.cfg
}

func (s *TrialCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *TrialCaptureService) fail(err error) error {
	slog.Error("Service operation failed", "error", err)
	s.setLastError(err.Error())
	return err
}

func (s *TrialCaptureService) setLastError(msg string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = msg
}

func (s *TrialCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
