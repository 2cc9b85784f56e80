// Package camera records the trial video next to the telemetry stream.
package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Status represents the current state of a recorder
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusRecording Status = "RECORDING"
	StatusError     Status = "ERROR"
)

// VideoSuffix is appended to a trial prefix to name its video file.
const VideoSuffix = "_Video"

var (
	ErrNotConnected     = errors.New("camera is not connected")
	ErrAlreadyRecording = errors.New("camera is already recording")
	ErrNotRecording     = errors.New("camera is not recording")
)

// Recorder captures video between StartRecording and StopAndSave into a
// fixed temporary artifact; the caller moves the artifact to the path
// StopAndSave returns.
type Recorder interface {
	Connect(ctx context.Context) error
	StartRecording(epoch time.Time) error
	StopAndSave(prefix string) (string, error)
	// Artifact is the temporary file written while recording, or "" when
	// the recorder produces none.
	Artifact() string
	Close() error
}

// VideoPath names the video file of a trial.
func VideoPath(prefix, artifact string) string {
	ext := filepath.Ext(artifact)
	if ext == "" {
		ext = ".mp4"
	}
	return prefix + VideoSuffix + ext
}

// Disabled is a Recorder for runs without video.
type Disabled struct{}

func (Disabled) Connect(context.Context) error  { return nil }
func (Disabled) StartRecording(time.Time) error { return nil }
func (Disabled) StopAndSave(prefix string) (string, error) {
	return VideoPath(prefix, ""), nil
}
func (Disabled) Artifact() string { return "" }
func (Disabled) Close() error     { return nil }

// Device is a local video capture device.
type Device struct {
	Path string
	Name string
}

// ListDevices enumerates V4L2 capture nodes.
func ListDevices() ([]Device, error) {
	return listDevices("/dev", "/sys/class/video4linux")
}

func listDevices(devDir, sysDir string) ([]Device, error) {
	paths, err := filepath.Glob(filepath.Join(devDir, "video*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	devices := make([]Device, 0, len(paths))
	for _, p := range paths {
		d := Device{Path: p}
		if name, err := os.ReadFile(filepath.Join(sysDir, filepath.Base(p), "name")); err == nil {
			d.Name = strings.TrimSpace(string(name))
		}
		devices = append(devices, d)
	}
	return devices, nil
}
