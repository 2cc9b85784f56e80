package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	closed := 5.0
	base := &Config{
		Robot: RobotConfig{Backend: "fairino", Address: "192.168.58.2"},
		Camera: CameraConfig{
			Backend: "ffmpeg", Format: "v4l2", Device: "/dev/video0", FPS: 30,
		},
		Batch: BatchConfig{
			StartPoses: []Waypoint{
				{ID: "a", Joints: []float64{1, 2, 3, 4, 5, 6}},
				{ID: "b", Joints: []float64{6, 5, 4, 3, 2, 1}},
			},
			ResetSpeed: 40,
			DescendMM:  100,
			Countdown:  5 * time.Second,
		},
		Timing:  TimingConfig{SettleDelay: 200 * time.Millisecond, ArrivalTimeout: 20 * time.Second},
		Gripper: GripperConfig{OpenPosition: 100, ClosePosition: &closed},
		Output:  OutputConfig{Directory: "~/data/default"},
	}

	profile := &Config{
		Robot:  RobotConfig{Backend: "sim"},
		Camera: CameraConfig{Format: "lavfi", Device: "testsrc"},
		Batch: BatchConfig{
			StartPoses: []Waypoint{{ID: "c", Joints: []float64{0, 0, 0, 0, 0, 0}}},
			DescendMM:  50,
		},
		Timing: TimingConfig{ArrivalTimeout: 2 * time.Second},
	}

	result := mergeConfigs(base, profile)

	// Start poses are selected as a whole from the profile
	if len(result.Batch.StartPoses) != 1 || result.Batch.StartPoses[0].ID != "c" {
		t.Errorf("Expected profile start poses [c], got %+v", result.Batch.StartPoses)
	}

	if result.Robot.Backend != "sim" {
		t.Errorf("Expected backend 'sim', got %s", result.Robot.Backend)
	}
	if result.Robot.Address != "192.168.58.2" {
		t.Errorf("Expected inherited address, got %s", result.Robot.Address)
	}
	if result.Camera.Format != "lavfi" || result.Camera.Backend != "ffmpeg" || result.Camera.FPS != 30 {
		t.Errorf("Camera merge incorrect: got %+v", result.Camera)
	}
	if result.Batch.DescendMM != 50 || result.Batch.ResetSpeed != 40 || result.Batch.Countdown != 5*time.Second {
		t.Errorf("Batch merge incorrect: got %+v", result.Batch)
	}
	if result.Timing.ArrivalTimeout != 2*time.Second || result.Timing.SettleDelay != 200*time.Millisecond {
		t.Errorf("Timing merge incorrect: got %+v", result.Timing)
	}
	if result.Gripper.ClosePosition == nil || *result.Gripper.ClosePosition != 5 {
		t.Errorf("Expected inherited close position 5, got %v", result.Gripper.ClosePosition)
	}
	if result.Output.Directory != "~/data/default" {
		t.Errorf("Expected inherited output directory, got %s", result.Output.Directory)
	}

	// Inheritance tracking
	expected := map[string]string{
		"robot.backend":          "profile-specific",
		"robot.address":          "inherited",
		"camera.format":          "profile-specific",
		"camera.fps":             "inherited",
		"batch.start_poses":      "profile-specific",
		"batch.reset_speed":      "inherited",
		"timing.arrival_timeout": "profile-specific",
		"output.directory":       "inherited",
	}
	for field, want := range expected {
		if got := result.Inheritance.Fields[field]; got != want {
			t.Errorf("Inheritance of %s: expected %s, got %s", field, want, got)
		}
	}
}

func TestMergeConfigs_FirstMergeWinsInheritance(t *testing.T) {
	fileDefault := &Config{Robot: RobotConfig{Address: "10.0.0.5"}}
	profile := &Config{Robot: RobotConfig{Backend: "sim"}}

	merged := mergeConfigs(fileDefault, profile)
	builtin := defaultConfig
	result := mergeConfigs(&builtin, merged)

	if result.Robot.Address != "10.0.0.5" {
		t.Errorf("Expected address from file default, got %s", result.Robot.Address)
	}
	if got := result.Inheritance.Fields["robot.address"]; got != "inherited" {
		t.Errorf("Expected robot.address to stay 'inherited', got %s", got)
	}
	if got := result.Inheritance.Fields["robot.backend"]; got != "profile-specific" {
		t.Errorf("Expected robot.backend 'profile-specific', got %s", got)
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := defaultConfig
	result := mergeConfigs(&base, &Config{})

	if result.Timing.SampleInterval != 10*time.Millisecond {
		t.Errorf("Expected default sample interval, got %s", result.Timing.SampleInterval)
	}
	if result.Camera.Artifact != "latest_recording.mp4" {
		t.Errorf("Expected default artifact, got %s", result.Camera.Artifact)
	}
	if result.Robot.Mode == nil || *result.Robot.Mode != 0 {
		t.Errorf("Expected required mode 0, got %v", result.Robot.Mode)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if len(cfg.Batch.StartPoses) != 10 {
		t.Fatalf("Expected 10 start poses, got %d", len(cfg.Batch.StartPoses))
	}
	if cfg.Batch.StartPoses[0].ID != "start_01" || cfg.Batch.StartPoses[9].ID != "start_10" {
		t.Errorf("Start poses out of order: first=%s last=%s", cfg.Batch.StartPoses[0].ID, cfg.Batch.StartPoses[9].ID)
	}
	if cfg.Batch.Approach.ID != "pick_approach" || cfg.Batch.Approach.Joints[0] != 136.841 {
		t.Errorf("Unexpected approach pose: %+v", cfg.Batch.Approach)
	}
	if cfg.Robot.Backend != "fairino" || cfg.Robot.Address != "192.168.58.2" {
		t.Errorf("Unexpected robot config: %+v", cfg.Robot)
	}
	if cfg.Batch.ResetSpeed != 40 || cfg.Batch.LinearSpeed != 40 || cfg.Batch.DescendMM != 100 {
		t.Errorf("Unexpected batch parameters: %+v", cfg.Batch)
	}
	if cfg.Timing.ArrivalTolerance != 1.0 || cfg.Timing.ArrivalTimeout != 20*time.Second {
		t.Errorf("Unexpected arrival parameters: %+v", cfg.Timing)
	}
	if cfg.Profile != "default" {
		t.Errorf("Expected profile 'default', got %s", cfg.Profile)
	}
}

func TestLoadWithProfile_BuiltinSim(t *testing.T) {
	cfg, err := LoadWithProfile("", "sim")
	if err != nil {
		t.Fatalf("Expected built-in sim profile to load, got: %v", err)
	}

	if cfg.Robot.Backend != "sim" {
		t.Errorf("Expected sim backend, got %s", cfg.Robot.Backend)
	}
	if cfg.Camera.Format != "lavfi" {
		t.Errorf("Expected lavfi camera, got %s", cfg.Camera.Format)
	}
	if len(cfg.Batch.StartPoses) != 10 {
		t.Errorf("Expected sim profile to inherit 10 start poses, got %d", len(cfg.Batch.StartPoses))
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	_, err := LoadWithProfile("", "nope")
	if err == nil {
		t.Fatal("Expected error for unknown profile")
	}
	if !contains(err.Error(), "'nope' not found") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestWaypoints(t *testing.T) {
	cfg := Default()

	if got := len(cfg.Waypoints(0)); got != 10 {
		t.Errorf("Waypoints(0): expected 10, got %d", got)
	}
	if got := len(cfg.Waypoints(3)); got != 3 {
		t.Errorf("Waypoints(3): expected 3, got %d", got)
	}
	if got := len(cfg.Waypoints(42)); got != 10 {
		t.Errorf("Waypoints(42): expected 10, got %d", got)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/data", filepath.Join(homeDir, "data")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"}, // Only ~/ is expanded
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectedErr string
	}{
		{
			name:        "unknown robot backend",
			mutate:      func(c *Config) { c.Robot.Backend = "ur5" },
			expectedErr: "robot.backend must be",
		},
		{
			name:        "viam without arm",
			mutate:      func(c *Config) { c.Robot.Backend = "viam" },
			expectedErr: "robot.viam.arm is required",
		},
		{
			name:        "unknown camera backend",
			mutate:      func(c *Config) { c.Camera.Backend = "opencv" },
			expectedErr: "camera.backend must be",
		},
		{
			name:        "empty batch",
			mutate:      func(c *Config) { c.Batch.StartPoses = nil },
			expectedErr: "batch.start_poses cannot be empty",
		},
		{
			name:        "short approach pose",
			mutate:      func(c *Config) { c.Batch.Approach.Joints = []float64{1, 2, 3} },
			expectedErr: "must have exactly 6 values, got 3",
		},
		{
			name:        "speed above 100",
			mutate:      func(c *Config) { c.Batch.LinearSpeed = 120 },
			expectedErr: "batch.linear_speed must be in (0, 100]",
		},
		{
			name:        "zero tolerance",
			mutate:      func(c *Config) { c.Timing.ArrivalTolerance = 0 },
			expectedErr: "timing.arrival_tolerance must be > 0",
		},
		{
			name:        "gripper out of range",
			mutate:      func(c *Config) { c.Gripper.OpenPosition = 150 },
			expectedErr: "gripper.open_position must be in [0, 100]",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)

			err := validateConfig(cfg)
			if err == nil {
				t.Fatalf("Expected error containing %q", test.expectedErr)
			}
			if !contains(err.Error(), test.expectedErr) {
				t.Errorf("Expected error containing %q, got: %v", test.expectedErr, err)
			}
		})
	}
}

// Helper function to check if string contains substring
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 || containsSubstring(s, substr))
}

func containsSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
