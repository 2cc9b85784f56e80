package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DefinitionsConfig struct {
	Poses []PoseDefinition `mapstructure:"poses" yaml:"poses"`
}

// PoseDefinition is a named joint-space waypoint, J1..J6 in degrees.
type PoseDefinition struct {
	ID     string    `mapstructure:"id" yaml:"id"`
	Name   string    `mapstructure:"name" yaml:"name"`
	Joints []float64 `mapstructure:"joints" yaml:"joints"`
}

type PoseReference struct {
	Ref   string   `mapstructure:"ref" yaml:"ref"`
	Speed *float64 `mapstructure:"speed,omitempty" yaml:"speed,omitempty"` // reset speed override
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Robot   RobotConfig   `mapstructure:"robot" yaml:"robot"`
	Camera  CameraConfig  `mapstructure:"camera" yaml:"camera"`
	Batch   BatchConfig   `mapstructure:"batch" yaml:"batch"`
	Timing  TimingConfig  `mapstructure:"timing" yaml:"timing"`
	Gripper GripperConfig `mapstructure:"gripper" yaml:"gripper"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`

	// Name of the profile this config was resolved from
	Profile string `mapstructure:"-" yaml:"-"`
	// Internal field to track inheritance information for config show
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Robot   RobotConfig   `mapstructure:"robot" yaml:"robot"`
	Camera  CameraConfig  `mapstructure:"camera" yaml:"camera"`
	Batch   BatchProfile  `mapstructure:"batch" yaml:"batch"`
	Timing  TimingConfig  `mapstructure:"timing" yaml:"timing"`
	Gripper GripperConfig `mapstructure:"gripper" yaml:"gripper"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
}

// InheritanceInfo maps a dotted field name ("robot.backend") to either
// "inherited" or "profile-specific".
type InheritanceInfo struct {
	Fields map[string]string
}

// mark records the origin of a field; the first merge to see it wins.
func (i *InheritanceInfo) mark(field string, profileSpecific bool) {
	if _, ok := i.Fields[field]; ok {
		return
	}
	if profileSpecific {
		i.Fields[field] = "profile-specific"
	} else {
		i.Fields[field] = "inherited"
	}
}

type RobotConfig struct {
	Backend string     `mapstructure:"backend" yaml:"backend"` // "fairino", "viam", "sim"
	Address string     `mapstructure:"address" yaml:"address"`
	Mode    *int       `mapstructure:"mode,omitempty" yaml:"mode,omitempty"` // required operating mode, 0=automatic
	Viam    ViamConfig `mapstructure:"viam" yaml:"viam"`
}

type ViamConfig struct {
	APIKeyID string `mapstructure:"api_key_id" yaml:"api_key_id"`
	APIKey   string `mapstructure:"api_key" yaml:"-"`
	Arm      string `mapstructure:"arm" yaml:"arm"`
	Gripper  string `mapstructure:"gripper" yaml:"gripper"`
}

type CameraConfig struct {
	Backend  string  `mapstructure:"backend" yaml:"backend"` // "ffmpeg", "none"
	Format   string  `mapstructure:"format" yaml:"format"`   // ffmpeg input format: v4l2, avfoundation, dshow, lavfi
	Device   string  `mapstructure:"device" yaml:"device"`
	FPS      float64 `mapstructure:"fps" yaml:"fps"`
	Size     string  `mapstructure:"size" yaml:"size"`
	Codec    string  `mapstructure:"codec" yaml:"codec"`
	Artifact string  `mapstructure:"artifact" yaml:"artifact"` // temporary file renamed after every trial
}

// BatchConfig is the resolved batch: pose references replaced by joints.
type BatchConfig struct {
	StartPoses    []Waypoint    `mapstructure:"start_poses" yaml:"start_poses"`
	Approach      Waypoint      `mapstructure:"approach" yaml:"approach"`
	ResetSpeed    float64       `mapstructure:"reset_speed" yaml:"reset_speed"`
	ApproachSpeed float64       `mapstructure:"approach_speed" yaml:"approach_speed"`
	LinearSpeed   float64       `mapstructure:"linear_speed" yaml:"linear_speed"`
	DescendMM     float64       `mapstructure:"descend_mm" yaml:"descend_mm"`
	Countdown     time.Duration `mapstructure:"countdown" yaml:"countdown"`
}

type Waypoint struct {
	ID     string    `yaml:"id"`
	Joints []float64 `yaml:"joints,flow"`
	Speed  float64   `yaml:"speed,omitempty"`
}

type BatchProfile struct {
	StartPoses    []PoseReference `mapstructure:"start_poses" yaml:"start_poses"`
	ApproachPose  string          `mapstructure:"approach_pose" yaml:"approach_pose"`
	ResetSpeed    float64         `mapstructure:"reset_speed" yaml:"reset_speed"`
	ApproachSpeed float64         `mapstructure:"approach_speed" yaml:"approach_speed"`
	LinearSpeed   float64         `mapstructure:"linear_speed" yaml:"linear_speed"`
	DescendMM     float64         `mapstructure:"descend_mm" yaml:"descend_mm"`
	Countdown     time.Duration   `mapstructure:"countdown" yaml:"countdown"`
}

type TimingConfig struct {
	SampleInterval   time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
	SettleDelay      time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ArrivalTimeout   time.Duration `mapstructure:"arrival_timeout" yaml:"arrival_timeout"`
	ArrivalTolerance float64       `mapstructure:"arrival_tolerance" yaml:"arrival_tolerance"`
	LinearPad        time.Duration `mapstructure:"linear_pad" yaml:"linear_pad"`
	LinearMin        time.Duration `mapstructure:"linear_min" yaml:"linear_min"`
}

type GripperConfig struct {
	Index         int           `mapstructure:"index" yaml:"index"`
	Company       int           `mapstructure:"company" yaml:"company"`
	Device        int           `mapstructure:"device" yaml:"device"`
	OpenPosition  float64       `mapstructure:"open_position" yaml:"open_position"`
	ClosePosition *float64      `mapstructure:"close_position,omitempty" yaml:"close_position,omitempty"`
	Speed         float64       `mapstructure:"speed" yaml:"speed"`
	Force         float64       `mapstructure:"force" yaml:"force"`
	MaxTime       time.Duration `mapstructure:"max_time" yaml:"max_time"`
	Settle        time.Duration `mapstructure:"settle" yaml:"settle"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// Built-in waypoints of the standard collection batch.
var defaultPoses = []PoseDefinition{
	{ID: "start_01", Joints: []float64{126.036, -88.579, 70.097, -77.913, -78.169, -78.17}},
	{ID: "start_02", Joints: []float64{126.037, -86.155, 76.958, -103.23, -76.161, 100.602}},
	{ID: "start_03", Joints: []float64{136.854, -90.200, 76.958, -103.23, -111.39, 100.602}},
	{ID: "start_04", Joints: []float64{109.747, -118.00, 99.527, -76.947, -85.546, 100.602}},
	{ID: "start_05", Joints: []float64{95.108, -90.201, 71.474, -76.945, -55.825, 100.602}},
	{ID: "start_06", Joints: []float64{109.746, -90.201, 71.473, -76.945, -85.546, 100.602}},
	{ID: "start_07", Joints: []float64{116.501, -134.93, 99.524, -76.945, -85.546, 100.602}},
	{ID: "start_08", Joints: []float64{144.508, -98.959, 75.279, -76.945, -97.159, 3.116}},
	{ID: "start_09", Joints: []float64{78.113, -114.40, 82.873, -76.945, -50.502, -88.621}},
	{ID: "start_10", Joints: []float64{106.75, -114.40, 82.873, -76.945, -85.927, -88.621}},
	{ID: "pick_approach", Name: "grasp pre-position", Joints: []float64{136.841, -72.697, 53.511, -75.248, -87.819, 80.76}},
}

var (
	autoMode     = 0
	closedGrip   = 0.0
	defaultSpeed = 40.0
)

var defaultConfig = Config{
	Robot: RobotConfig{
		Backend: "fairino",
		Address: "192.168.58.2",
		Mode:    &autoMode,
	},
	Camera: CameraConfig{
		Backend:  "ffmpeg",
		Format:   "v4l2",
		Device:   "/dev/video0",
		FPS:      30,
		Codec:    "libx264",
		Artifact: "latest_recording.mp4",
	},
	Batch: BatchConfig{
		ResetSpeed:    defaultSpeed,
		ApproachSpeed: defaultSpeed,
		LinearSpeed:   defaultSpeed,
		DescendMM:     100,
		Countdown:     5 * time.Second,
	},
	Timing: TimingConfig{
		SampleInterval:   10 * time.Millisecond,
		SettleDelay:      200 * time.Millisecond,
		PollInterval:     50 * time.Millisecond,
		ArrivalTimeout:   20 * time.Second,
		ArrivalTolerance: 1.0,
		LinearPad:        200 * time.Millisecond,
		LinearMin:        100 * time.Millisecond,
	},
	Gripper: GripperConfig{
		Index:         1,
		Company:       4,
		Device:        0,
		OpenPosition:  100,
		ClosePosition: &closedGrip,
		Speed:         100,
		Force:         50,
		MaxTime:       30 * time.Second,
		Settle:        200 * time.Millisecond,
	},
	Output: OutputConfig{
		Directory: "data",
	},
}

// BuiltinRoot returns the configuration used when no config file exists:
// the standard ten-pose batch on a fairino controller plus a "sim" profile
// that runs the same batch against the simulated arm and a synthetic video
// source.
func BuiltinRoot() *RootConfig {
	poses := make([]PoseDefinition, len(defaultPoses))
	copy(poses, defaultPoses)

	var refs []PoseReference
	for _, p := range defaultPoses {
		if strings.HasPrefix(p.ID, "start_") {
			refs = append(refs, PoseReference{Ref: p.ID})
		}
	}

	return &RootConfig{
		ActiveConfig: "default",
		Definitions:  &DefinitionsConfig{Poses: poses},
		Configs: map[string]*ConfigProfile{
			"default": {
				Batch: BatchProfile{StartPoses: refs, ApproachPose: "pick_approach"},
			},
			"sim": {
				Robot: RobotConfig{Backend: "sim"},
				Camera: CameraConfig{
					Format: "lavfi",
					Device: "testsrc=size=640x480:rate=30",
				},
			},
		},
	}
}

// Default resolves the built-in "default" profile.
func Default() *Config {
	cfg, err := Resolve(BuiltinRoot(), "")
	if err != nil {
		panic(fmt.Sprintf("built-in configuration is invalid: %v", err))
	}
	return cfg
}

// LoadWithProfile reads configFile and resolves the given profile (or the
// file's active_config when profile is empty). An empty configFile selects
// the built-in configuration.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	rootConfig := BuiltinRoot()
	if configFile != "" {
		var err error
		rootConfig, err = ValidateConfigurationFormat(configFile)
		if err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return Resolve(rootConfig, profile)
}

// Resolve selects a profile from rootConfig, resolves its pose references,
// merges it over the file's "default" profile and the built-in defaults, and
// validates the result.
func Resolve(rootConfig *RootConfig, profile string) (*Config, error) {
	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			fileDefault, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(fileDefault, selectedConfig)
		}
	}

	// Anything still unset falls back to the built-in values
	base := defaultConfig
	selectedConfig = mergeConfigs(&base, selectedConfig)
	selectedConfig.Profile = configName

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	if selectedConfig.Robot.Viam.APIKey == "" {
		selectedConfig.Robot.Viam.APIKey = os.Getenv("TRIALCAPTURE_VIAM_API_KEY")
	}

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// Waypoints returns the poses of the batch in execution order, limited to
// the first n when n > 0.
func (c *Config) Waypoints(n int) []Waypoint {
	if n <= 0 || n > len(c.Batch.StartPoses) {
		return c.Batch.StartPoses
	}
	return c.Batch.StartPoses[:n]
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving pose references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Robot:   profile.Robot,
		Camera:  profile.Camera,
		Timing:  profile.Timing,
		Gripper: profile.Gripper,
		Output:  profile.Output,
		Batch: BatchConfig{
			ResetSpeed:    profile.Batch.ResetSpeed,
			ApproachSpeed: profile.Batch.ApproachSpeed,
			LinearSpeed:   profile.Batch.LinearSpeed,
			DescendMM:     profile.Batch.DescendMM,
			Countdown:     profile.Batch.Countdown,
		},
	}

	for i, ref := range profile.Batch.StartPoses {
		if ref.Ref == "" {
			return nil, fmt.Errorf("start_poses[%d]: 'ref' is required", i)
		}
		def := findPose(definitions, ref.Ref)
		if def == nil {
			return nil, fmt.Errorf("start_poses[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}
		wp := Waypoint{ID: def.ID, Joints: def.Joints}
		if ref.Speed != nil {
			wp.Speed = *ref.Speed
		}
		config.Batch.StartPoses = append(config.Batch.StartPoses, wp)
	}

	if profile.Batch.ApproachPose != "" {
		def := findPose(definitions, profile.Batch.ApproachPose)
		if def == nil {
			return nil, fmt.Errorf("approach_pose: reference '%s' not found in definitions", profile.Batch.ApproachPose)
		}
		config.Batch.Approach = Waypoint{ID: def.ID, Joints: def.Joints}
	}

	return config, nil
}

func findPose(definitions *DefinitionsConfig, id string) *PoseDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Poses {
		if definitions.Poses[i].ID == id {
			return &definitions.Poses[i]
		}
	}
	return nil
}

// mergeConfigs overlays profile on base: every field set in the profile
// wins, everything else falls back to base. The start pose list is taken as
// a whole, never merged element by element.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{Fields: map[string]string{}}}
	if profile != nil && profile.Inheritance != nil {
		for k, v := range profile.Inheritance.Fields {
			result.Inheritance.Fields[k] = v
		}
	}
	if base != nil {
		result.Robot = base.Robot
		result.Camera = base.Camera
		result.Batch = base.Batch
		result.Timing = base.Timing
		result.Gripper = base.Gripper
		result.Output = base.Output
	}
	if profile == nil {
		return result
	}
	inh := result.Inheritance

	// Robot
	inh.mark("robot.backend", setString(&result.Robot.Backend, profile.Robot.Backend))
	inh.mark("robot.address", setString(&result.Robot.Address, profile.Robot.Address))
	if profile.Robot.Mode != nil {
		result.Robot.Mode = profile.Robot.Mode
	}
	inh.mark("robot.mode", profile.Robot.Mode != nil)
	setString(&result.Robot.Viam.APIKeyID, profile.Robot.Viam.APIKeyID)
	setString(&result.Robot.Viam.APIKey, profile.Robot.Viam.APIKey)
	setString(&result.Robot.Viam.Arm, profile.Robot.Viam.Arm)
	setString(&result.Robot.Viam.Gripper, profile.Robot.Viam.Gripper)

	// Camera
	inh.mark("camera.backend", setString(&result.Camera.Backend, profile.Camera.Backend))
	inh.mark("camera.format", setString(&result.Camera.Format, profile.Camera.Format))
	inh.mark("camera.device", setString(&result.Camera.Device, profile.Camera.Device))
	inh.mark("camera.fps", setFloat(&result.Camera.FPS, profile.Camera.FPS))
	inh.mark("camera.size", setString(&result.Camera.Size, profile.Camera.Size))
	inh.mark("camera.codec", setString(&result.Camera.Codec, profile.Camera.Codec))
	inh.mark("camera.artifact", setString(&result.Camera.Artifact, profile.Camera.Artifact))

	// Batch
	if len(profile.Batch.StartPoses) > 0 {
		result.Batch.StartPoses = profile.Batch.StartPoses
	}
	inh.mark("batch.start_poses", len(profile.Batch.StartPoses) > 0)
	if len(profile.Batch.Approach.Joints) > 0 {
		result.Batch.Approach = profile.Batch.Approach
	}
	inh.mark("batch.approach", len(profile.Batch.Approach.Joints) > 0)
	inh.mark("batch.reset_speed", setFloat(&result.Batch.ResetSpeed, profile.Batch.ResetSpeed))
	inh.mark("batch.approach_speed", setFloat(&result.Batch.ApproachSpeed, profile.Batch.ApproachSpeed))
	inh.mark("batch.linear_speed", setFloat(&result.Batch.LinearSpeed, profile.Batch.LinearSpeed))
	inh.mark("batch.descend_mm", setFloat(&result.Batch.DescendMM, profile.Batch.DescendMM))
	inh.mark("batch.countdown", setDuration(&result.Batch.Countdown, profile.Batch.Countdown))

	// Timing
	inh.mark("timing.sample_interval", setDuration(&result.Timing.SampleInterval, profile.Timing.SampleInterval))
	inh.mark("timing.settle_delay", setDuration(&result.Timing.SettleDelay, profile.Timing.SettleDelay))
	inh.mark("timing.poll_interval", setDuration(&result.Timing.PollInterval, profile.Timing.PollInterval))
	inh.mark("timing.arrival_timeout", setDuration(&result.Timing.ArrivalTimeout, profile.Timing.ArrivalTimeout))
	inh.mark("timing.arrival_tolerance", setFloat(&result.Timing.ArrivalTolerance, profile.Timing.ArrivalTolerance))
	inh.mark("timing.linear_pad", setDuration(&result.Timing.LinearPad, profile.Timing.LinearPad))
	inh.mark("timing.linear_min", setDuration(&result.Timing.LinearMin, profile.Timing.LinearMin))

	// Gripper
	setInt(&result.Gripper.Index, profile.Gripper.Index)
	setInt(&result.Gripper.Company, profile.Gripper.Company)
	setInt(&result.Gripper.Device, profile.Gripper.Device)
	inh.mark("gripper.open_position", setFloat(&result.Gripper.OpenPosition, profile.Gripper.OpenPosition))
	if profile.Gripper.ClosePosition != nil {
		result.Gripper.ClosePosition = profile.Gripper.ClosePosition
	}
	inh.mark("gripper.close_position", profile.Gripper.ClosePosition != nil)
	inh.mark("gripper.speed", setFloat(&result.Gripper.Speed, profile.Gripper.Speed))
	inh.mark("gripper.force", setFloat(&result.Gripper.Force, profile.Gripper.Force))
	inh.mark("gripper.max_time", setDuration(&result.Gripper.MaxTime, profile.Gripper.MaxTime))
	inh.mark("gripper.settle", setDuration(&result.Gripper.Settle, profile.Gripper.Settle))

	// Output
	inh.mark("output.directory", setString(&result.Output.Directory, profile.Output.Directory))

	return result
}

func setString(dst *string, v string) bool {
	if v == "" {
		return false
	}
	*dst = v
	return true
}

func setFloat(dst *float64, v float64) bool {
	if v == 0 {
		return false
	}
	*dst = v
	return true
}

func setInt(dst *int, v int) bool {
	if v == 0 {
		return false
	}
	*dst = v
	return true
}

func setDuration(dst *time.Duration, v time.Duration) bool {
	if v == 0 {
		return false
	}
	*dst = v
	return true
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("TRIALCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validatePoseReferences(configProfile.Batch, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Poses) == 0 {
		return fmt.Errorf("definitions.poses cannot be empty")
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Poses {
		if def.ID == "" {
			return fmt.Errorf("definitions.poses[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.poses[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateJoints(def.Joints, fmt.Sprintf("definitions.poses[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

func validateJoints(joints []float64, prefix string) error {
	if len(joints) != 6 {
		return fmt.Errorf("%s: 'joints' must have exactly 6 values, got %d", prefix, len(joints))
	}
	for j, v := range joints {
		if v < -360 || v > 360 {
			return fmt.Errorf("%s: joint[%d] out of range [-360, 360]: %.3f", prefix, j, v)
		}
	}
	return nil
}

// validatePoseReferences validates the pose references of a profile's batch
func validatePoseReferences(batch BatchProfile, definitions *DefinitionsConfig) error {
	for i, ref := range batch.StartPoses {
		prefix := fmt.Sprintf("start_poses[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}
		if findPose(definitions, ref.Ref) == nil {
			return fmt.Errorf("%s: references undefined pose '%s'", prefix, ref.Ref)
		}
		if ref.Speed != nil && *ref.Speed <= 0 {
			return fmt.Errorf("%s: speed override must be > 0, got %.2f", prefix, *ref.Speed)
		}
	}

	if batch.ApproachPose != "" && findPose(definitions, batch.ApproachPose) == nil {
		return fmt.Errorf("approach_pose: references undefined pose '%s'", batch.ApproachPose)
	}

	return nil
}

// validateConfig checks a fully resolved config
func validateConfig(config *Config) error {
	switch config.Robot.Backend {
	case "fairino":
		if config.Robot.Address == "" {
			return fmt.Errorf("robot.address is required for the fairino backend")
		}
	case "viam":
		if config.Robot.Address == "" {
			return fmt.Errorf("robot.address is required for the viam backend")
		}
		if config.Robot.Viam.Arm == "" {
			return fmt.Errorf("robot.viam.arm is required for the viam backend")
		}
	case "sim":
	default:
		return fmt.Errorf("robot.backend must be 'fairino', 'viam' or 'sim', got: %s", config.Robot.Backend)
	}

	switch config.Camera.Backend {
	case "ffmpeg":
		if config.Camera.Format == "" || config.Camera.Device == "" {
			return fmt.Errorf("camera.format and camera.device are required for the ffmpeg backend")
		}
		if config.Camera.FPS <= 0 {
			return fmt.Errorf("camera.fps must be > 0, got: %.2f", config.Camera.FPS)
		}
		if config.Camera.Artifact == "" {
			return fmt.Errorf("camera.artifact is required for the ffmpeg backend")
		}
	case "none":
	default:
		return fmt.Errorf("camera.backend must be 'ffmpeg' or 'none', got: %s", config.Camera.Backend)
	}

	if len(config.Batch.StartPoses) == 0 {
		return fmt.Errorf("batch.start_poses cannot be empty")
	}
	for i, wp := range config.Batch.StartPoses {
		if err := validateJoints(wp.Joints, fmt.Sprintf("batch.start_poses[%d] '%s'", i, wp.ID)); err != nil {
			return err
		}
	}
	if err := validateJoints(config.Batch.Approach.Joints, "batch.approach_pose"); err != nil {
		return err
	}

	speeds := map[string]float64{
		"batch.reset_speed":    config.Batch.ResetSpeed,
		"batch.approach_speed": config.Batch.ApproachSpeed,
		"batch.linear_speed":   config.Batch.LinearSpeed,
	}
	for name, v := range speeds {
		if v <= 0 || v > 100 {
			return fmt.Errorf("%s must be in (0, 100], got: %.2f", name, v)
		}
	}
	if config.Batch.DescendMM <= 0 {
		return fmt.Errorf("batch.descend_mm must be > 0, got: %.2f", config.Batch.DescendMM)
	}
	if config.Batch.Countdown < 0 {
		return fmt.Errorf("batch.countdown must be >= 0, got: %s", config.Batch.Countdown)
	}

	if config.Timing.SampleInterval <= 0 || config.Timing.PollInterval <= 0 {
		return fmt.Errorf("timing.sample_interval and timing.poll_interval must be > 0")
	}
	if config.Timing.ArrivalTimeout <= 0 {
		return fmt.Errorf("timing.arrival_timeout must be > 0, got: %s", config.Timing.ArrivalTimeout)
	}
	if config.Timing.ArrivalTolerance <= 0 {
		return fmt.Errorf("timing.arrival_tolerance must be > 0, got: %.3f", config.Timing.ArrivalTolerance)
	}

	g := config.Gripper
	if g.OpenPosition < 0 || g.OpenPosition > 100 {
		return fmt.Errorf("gripper.open_position must be in [0, 100], got: %.1f", g.OpenPosition)
	}
	if g.ClosePosition != nil && (*g.ClosePosition < 0 || *g.ClosePosition > 100) {
		return fmt.Errorf("gripper.close_position must be in [0, 100], got: %.1f", *g.ClosePosition)
	}
	if g.Speed <= 0 || g.Speed > 100 || g.Force <= 0 || g.Force > 100 {
		return fmt.Errorf("gripper.speed and gripper.force must be in (0, 100]")
	}

	if config.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	return nil
}
