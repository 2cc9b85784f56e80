package camera

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Config describes the capture source and encoding.
type Config struct {
	Binary      string  // ffmpeg executable, default "ffmpeg"
	Format      string  // input format: v4l2, avfoundation, dshow, lavfi
	Device      string  // device node, device name or lavfi graph
	FPS         float64 // capture frame rate
	Size        string  // e.g. 1280x720, empty keeps the device default
	Codec       string  // output video codec
	Artifact    string  // temporary output file
	StopTimeout time.Duration
}

// FFmpegRecorder records video by running one ffmpeg process per trial.
type FFmpegRecorder struct {
	cfg       Config
	logWriter io.Writer

	mutex     sync.Mutex
	status    Status
	connected bool
	ffmpegCmd *exec.Cmd
	stderrBuf strings.Builder
}

var _ Recorder = (*FFmpegRecorder)(nil)

// NewFFmpegRecorder creates a recorder; logWriter receives ffmpeg's own
// output and may be nil.
func NewFFmpegRecorder(cfg Config, logWriter io.Writer) *FFmpegRecorder {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Codec == "" {
		cfg.Codec = "libx264"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &FFmpegRecorder{cfg: cfg, logWriter: logWriter, status: StatusStandby}
}

// Connect checks that ffmpeg is installed and the capture device exists.
func (r *FFmpegRecorder) Connect(ctx context.Context) error {
	// make sure ffmpeg is in the path before doing anything else
	if _, err := exec.LookPath(r.cfg.Binary); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	if r.cfg.Format == "v4l2" {
		if _, err := os.Stat(r.cfg.Device); err != nil {
			return fmt.Errorf("capture device %s: %w", r.cfg.Device, err)
		}
	}

	r.mutex.Lock()
	r.connected = true
	r.mutex.Unlock()

	slog.Info("Camera connected", "format", r.cfg.Format, "device", r.cfg.Device, "fps", r.cfg.FPS)
	return nil
}

func (r *FFmpegRecorder) Artifact() string {
	return r.cfg.Artifact
}

func (r *FFmpegRecorder) GetStatus() Status {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.status
}

// command builds the capture command. The epoch is stored in the container
// metadata so the video can be aligned with the telemetry file.
func (r *FFmpegRecorder) command(epoch time.Time) *exec.Cmd {
	in := ffmpeg.KwArgs{"f": r.cfg.Format}
	if r.cfg.Format != "lavfi" {
		in["framerate"] = fmt.Sprintf("%g", r.cfg.FPS)
		if r.cfg.Size != "" {
			in["video_size"] = r.cfg.Size
		}
	}

	out := ffmpeg.KwArgs{
		"vcodec":   r.cfg.Codec,
		"pix_fmt":  "yuv420p",
		"r":        fmt.Sprintf("%g", r.cfg.FPS),
		"metadata": fmt.Sprintf("comment=t0=%.4f", float64(epoch.UnixNano())/1e9),
	}

	stream := ffmpeg.Input(r.cfg.Device, in).
		Output(r.cfg.Artifact, out).
		OverWriteOutput()
	return exec.Command(r.cfg.Binary, stream.GetArgs()...)
}

// StartRecording starts ffmpeg writing to the artifact.
func (r *FFmpegRecorder) StartRecording(epoch time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.connected {
		return ErrNotConnected
	}
	if r.status == StatusRecording {
		return ErrAlreadyRecording
	}

	// Remove a leftover from an aborted run so a stale file is never renamed
	if err := os.Remove(r.cfg.Artifact); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale artifact: %w", err)
	}

	cmd := r.command(epoch)
	r.stderrBuf.Reset()
	cmd.Stdout = r.logWriter
	cmd.Stderr = io.MultiWriter(&r.stderrBuf, r.logWriter)

	slog.Debug("Starting FFmpeg", "command", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		r.status = StatusError
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	r.ffmpegCmd = cmd
	r.status = StatusRecording
	slog.Info("Video recording started", "artifact", r.cfg.Artifact)
	return nil
}

// StopAndSave stops ffmpeg and returns the path the artifact should be
// moved to for the trial with the given prefix.
func (r *FFmpegRecorder) StopAndSave(prefix string) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	target := VideoPath(prefix, r.cfg.Artifact)
	if r.status != StatusRecording {
		return target, ErrNotRecording
	}

	err := r.stopFFmpeg()
	if err != nil {
		r.status = StatusError
		return target, err
	}
	r.status = StatusStandby

	if info, statErr := os.Stat(r.cfg.Artifact); statErr == nil {
		slog.Debug("Video artifact written", "size", units.HumanSize(float64(info.Size())))
	}
	return target, nil
}

// stopFFmpeg stops the FFmpeg process. Caller holds mutex.
func (r *FFmpegRecorder) stopFFmpeg() error {
	if r.ffmpegCmd == nil {
		return nil
	}

	// ffmpeg finalizes the container on SIGINT
	if r.ffmpegCmd.Process != nil {
		slog.Debug("Sending SIGINT to FFmpeg process")
		if err := r.ffmpegCmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt to FFmpeg, killing", "error", err)
			r.ffmpegCmd.Process.Kill()
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- r.ffmpegCmd.Wait()
	}()

	select {
	case err := <-done:
		r.ffmpegCmd = nil
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				// Exit code 255 is ffmpeg's answer to an interrupt
				if exitErr.ExitCode() == 255 {
					return nil
				}
				if exitErr.ProcessState != nil {
					state := exitErr.ProcessState.String()
					if state == "signal: interrupt" || state == "signal: killed" {
						return nil
					}
				}
			}
			slog.Debug("FFmpeg stderr", "output", r.stderrBuf.String())
			return fmt.Errorf("FFmpeg process failed: %w", err)
		}
		return nil

	case <-time.After(r.cfg.StopTimeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing", "timeout", r.cfg.StopTimeout)
		if r.ffmpegCmd.Process != nil {
			r.ffmpegCmd.Process.Kill()
		}
		<-done
		r.ffmpegCmd = nil
		return nil
	}
}

// Close kills a still running capture.
func (r *FFmpegRecorder) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.ffmpegCmd != nil && r.ffmpegCmd.Process != nil {
		r.ffmpegCmd.Process.Kill()
		r.ffmpegCmd.Wait()
		r.ffmpegCmd = nil
	}
	r.status = StatusStandby
	r.connected = false
	return nil
}
