package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	configContent := `
active_config: lab
definitions:
  poses:
    - id: start_a
      joints: [126.036, -88.579, 70.097, -77.913, -78.169, -78.17]
    - id: start_b
      joints: [126.037, -86.155, 76.958, -103.23, -76.161, 100.602]
    - id: approach
      name: above the bin
      joints: [136.841, -72.697, 53.511, -75.248, -87.819, 80.76]

configs:
  default:
    robot:
      backend: fairino
      address: 192.168.58.2
      mode: 0
    batch:
      start_poses:
        - ref: start_a
        - ref: start_b
          speed: 25
      approach_pose: approach
      countdown: 3s
    output:
      directory: /tmp/trials

  lab:
    camera:
      device: /dev/video2
      fps: 60
    timing:
      sample_interval: 20ms
      arrival_timeout: 10s
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Expected valid config to pass validation, got error: %v", err)
	}

	if rootConfig.ActiveConfig != "lab" {
		t.Errorf("Expected active_config 'lab', got %s", rootConfig.ActiveConfig)
	}
	if len(rootConfig.Definitions.Poses) != 3 {
		t.Errorf("Expected 3 pose definitions, got %d", len(rootConfig.Definitions.Poses))
	}

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected profile 'lab' to load, got error: %v", err)
	}

	if cfg.Profile != "lab" {
		t.Errorf("Expected profile 'lab', got %s", cfg.Profile)
	}
	if len(cfg.Batch.StartPoses) != 2 {
		t.Fatalf("Expected 2 start poses inherited from default, got %d", len(cfg.Batch.StartPoses))
	}
	if cfg.Batch.StartPoses[1].Speed != 25 {
		t.Errorf("Expected speed override 25 on start_b, got %.1f", cfg.Batch.StartPoses[1].Speed)
	}
	if cfg.Batch.Countdown != 3*time.Second {
		t.Errorf("Expected countdown 3s, got %s", cfg.Batch.Countdown)
	}
	if cfg.Timing.SampleInterval != 20*time.Millisecond {
		t.Errorf("Expected sample interval 20ms, got %s", cfg.Timing.SampleInterval)
	}
	if cfg.Timing.PollInterval != 50*time.Millisecond {
		t.Errorf("Expected built-in poll interval 50ms, got %s", cfg.Timing.PollInterval)
	}
	if cfg.Camera.Device != "/dev/video2" || cfg.Camera.FPS != 60 || cfg.Camera.Format != "v4l2" {
		t.Errorf("Unexpected camera config: %+v", cfg.Camera)
	}
	if cfg.Output.Directory != "/tmp/trials" {
		t.Errorf("Expected output directory from default profile, got %s", cfg.Output.Directory)
	}
	if cfg.Inheritance.Fields["camera.device"] != "profile-specific" {
		t.Errorf("Expected camera.device to be profile-specific")
	}
	if cfg.Inheritance.Fields["batch.start_poses"] != "inherited" {
		t.Errorf("Expected batch.start_poses to be inherited")
	}
}

func TestValidateConfigurationFormat_MissingDefinitions(t *testing.T) {
	configContent := `
configs:
  default:
    robot:
      backend: sim
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for missing definitions section")
	}

	expectedErr := "definitions section is required"
	if !strings.Contains(err.Error(), expectedErr) {
		t.Errorf("Expected error containing '%s', got: %v", expectedErr, err)
	}
}

func TestValidateConfigurationFormat_EmptyDefinitions(t *testing.T) {
	configContent := `
definitions:
  poses: []
configs:
  default: {}
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for empty definitions")
	}

	expectedErr := "definitions.poses cannot be empty"
	if !strings.Contains(err.Error(), expectedErr) {
		t.Errorf("Expected error containing '%s', got: %v", expectedErr, err)
	}
}

func TestValidateConfigurationFormat_InvalidReference(t *testing.T) {
	configContent := `
definitions:
  poses:
    - id: start_a
      joints: [1.0, 2.0, 3.0, 4.0, 5.0, 6.0]
configs:
  default:
    batch:
      start_poses:
        - ref: start_a
        - ref: start_z
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for invalid reference")
	}

	expectedErr := "start_poses[1]: references undefined pose 'start_z'"
	if !strings.Contains(err.Error(), expectedErr) {
		t.Errorf("Expected error containing '%s', got: %v", expectedErr, err)
	}
}

func TestValidateConfigurationFormat_InvalidPoseDefinition(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		expectedErr string
	}{
		{
			name: "missing ID",
			config: `
definitions:
  poses:
    - joints: [1.0, 2.0, 3.0, 4.0, 5.0, 6.0]
configs:
  default: {}
`,
			expectedErr: "'id' is required",
		},
		{
			name: "duplicate ID",
			config: `
definitions:
  poses:
    - id: a
      joints: [1.0, 2.0, 3.0, 4.0, 5.0, 6.0]
    - id: a
      joints: [1.0, 2.0, 3.0, 4.0, 5.0, 6.0]
configs:
  default: {}
`,
			expectedErr: "duplicate ID 'a'",
		},
		{
			name: "five joints",
			config: `
definitions:
  poses:
    - id: a
      joints: [1.0, 2.0, 3.0, 4.0, 5.0]
configs:
  default: {}
`,
			expectedErr: "'joints' must have exactly 6 values, got 5",
		},
		{
			name: "joint out of range",
			config: `
definitions:
  poses:
    - id: a
      joints: [1.0, 2.0, 3.0, 4.0, 5.0, 400.0]
configs:
  default: {}
`,
			expectedErr: "joint[5] out of range",
		},
		{
			name: "negative speed override",
			config: `
definitions:
  poses:
    - id: a
      joints: [1.0, 2.0, 3.0, 4.0, 5.0, 6.0]
configs:
  default:
    batch:
      start_poses:
        - ref: a
          speed: -5
`,
			expectedErr: "speed override must be > 0",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			configFile := createTempConfig(t, test.config)
			defer os.Remove(configFile)

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatalf("Expected error for %s", test.name)
			}

			if !strings.Contains(err.Error(), test.expectedErr) {
				t.Errorf("Expected error containing '%s', got: %v", test.expectedErr, err)
			}
		})
	}
}

func TestConvertProfileToConfig_ValidProfile(t *testing.T) {
	speed := 12.5
	definitions := &DefinitionsConfig{
		Poses: []PoseDefinition{
			{ID: "p1", Joints: []float64{1, 2, 3, 4, 5, 6}},
			{ID: "p2", Joints: []float64{6, 5, 4, 3, 2, 1}},
			{ID: "approach", Joints: []float64{0, 0, 0, 0, 0, 0}},
		},
	}

	profile := &ConfigProfile{
		Robot: RobotConfig{Backend: "sim"},
		Batch: BatchProfile{
			StartPoses:   []PoseReference{{Ref: "p2"}, {Ref: "p1", Speed: &speed}},
			ApproachPose: "approach",
			LinearSpeed:  20,
		},
	}

	config, err := convertProfileToConfig(profile, definitions)
	if err != nil {
		t.Fatalf("Expected valid conversion, got error: %v", err)
	}

	if len(config.Batch.StartPoses) != 2 {
		t.Fatalf("Expected 2 start poses, got %d", len(config.Batch.StartPoses))
	}
	if config.Batch.StartPoses[0].ID != "p2" || config.Batch.StartPoses[0].Joints[0] != 6 {
		t.Errorf("Expected first pose p2, got %+v", config.Batch.StartPoses[0])
	}
	if config.Batch.StartPoses[0].Speed != 0 {
		t.Errorf("Expected no speed override on p2, got %.1f", config.Batch.StartPoses[0].Speed)
	}
	if config.Batch.StartPoses[1].Speed != 12.5 {
		t.Errorf("Expected speed override 12.5 on p1, got %.1f", config.Batch.StartPoses[1].Speed)
	}
	if config.Batch.Approach.ID != "approach" {
		t.Errorf("Expected approach pose, got %+v", config.Batch.Approach)
	}
	if config.Batch.LinearSpeed != 20 || config.Robot.Backend != "sim" {
		t.Errorf("Profile values not carried over: %+v", config)
	}
}

func TestConvertProfileToConfig_MissingReference(t *testing.T) {
	definitions := &DefinitionsConfig{
		Poses: []PoseDefinition{{ID: "p1", Joints: []float64{1, 2, 3, 4, 5, 6}}},
	}

	profile := &ConfigProfile{Batch: BatchProfile{ApproachPose: "missing"}}

	_, err := convertProfileToConfig(profile, definitions)
	if err == nil {
		t.Fatal("Expected error for missing approach reference")
	}

	expectedErr := "approach_pose: reference 'missing' not found in definitions"
	if !strings.Contains(err.Error(), expectedErr) {
		t.Errorf("Expected error containing '%s', got: %v", expectedErr, err)
	}
}

func TestConvertProfileToConfig_EmptyRef(t *testing.T) {
	profile := &ConfigProfile{Batch: BatchProfile{StartPoses: []PoseReference{{Ref: ""}}}}

	_, err := convertProfileToConfig(profile, &DefinitionsConfig{})
	if err == nil {
		t.Fatal("Expected error for empty ref")
	}

	expectedErr := "start_poses[0]: 'ref' is required"
	if !strings.Contains(err.Error(), expectedErr) {
		t.Errorf("Expected error containing '%s', got: %v", expectedErr, err)
	}
}

// Helper function to create temporary config file for testing
func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp("", "trialcapture-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
