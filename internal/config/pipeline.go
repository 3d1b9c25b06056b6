package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

// Tracking server modes.
const (
	TrackingOff   = "off"
	TrackingLocal = "local"
	TrackingCloud = "cloud"
)

// PipelineConfig is the flat JSON configuration of a pipeline run. Every
// field is optional; the Get* accessors supply defaults.
type PipelineConfig struct {
	// Offload
	TrackingServer       *string `json:"tracking_server,omitempty"` // off, local or cloud
	LocalServerHost      *string `json:"local_server_host,omitempty"`
	LocalServerPort      *int    `json:"local_server_port,omitempty"`
	CloudServerHost      *string `json:"cloud_server_host,omitempty"`
	CloudServerPort      *int    `json:"cloud_server_port,omitempty"`
	ControlServerEnabled *bool   `json:"control_server_enabled,omitempty"`
	ControlServerHost    *string `json:"control_server_host,omitempty"`
	ControlServerPort    *int    `json:"control_server_port,omitempty"`
	OffloadTimeout       *string `json:"offload_timeout,omitempty"` // duration string like "200ms"
	DialTimeout          *string `json:"dial_timeout,omitempty"`
	DialAttempts         *int    `json:"dial_attempts,omitempty"`
	Codec                *string `json:"codec,omitempty"`

	// Tracking
	TrackerType            *string  `json:"tracker_type,omitempty"`
	TrackEveryNthDetection *int     `json:"track_every_nth_detection,omitempty"`
	TrackerFailurePolicy   *string  `json:"tracker_failure_policy,omitempty"`
	SortMinIoU             *float64 `json:"sort_min_iou,omitempty"`
	SortMaxAge             *int     `json:"sort_max_age,omitempty"`

	// Control
	PIDP                        *float64 `json:"pid_p,omitempty"`
	PIDD                        *float64 `json:"pid_d,omitempty"`
	PIDI                        *float64 `json:"pid_i,omitempty"`
	PIDUseRealTime              *bool    `json:"pid_use_real_time,omitempty"`
	ControlFrequency            *float64 `json:"control_frequency,omitempty"` // Hz
	MinPIDSteerWaypointDistance *float64 `json:"min_pid_steer_waypoint_distance,omitempty"`
	MinPIDSpeedWaypointDistance *float64 `json:"min_pid_speed_waypoint_distance,omitempty"`
	SteerGain                   *float64 `json:"steer_gain,omitempty"`
	ThrottleMax                 *float64 `json:"throttle_max,omitempty"`
	BrakeMax                    *float64 `json:"brake_max,omitempty"`

	// Scenario
	SimulatorFPS    *float64 `json:"simulator_fps,omitempty"`
	Ticks           *int     `json:"ticks,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	Lockstep        *bool    `json:"lockstep,omitempty"`
	DetectorEvery   *int     `json:"detector_every,omitempty"`
	DetectorRuntime *string  `json:"detector_runtime,omitempty"`
	TimeToDecision  *string  `json:"time_to_decision,omitempty"`

	// Runtime
	StreamBuffer *int    `json:"stream_buffer,omitempty"`
	TimeUnit     *string `json:"time_unit,omitempty"` // duration of one timestamp unit
}

// EmptyPipelineConfig returns a PipelineConfig with every field unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file with a .json
// extension and at most 1MB in size. Omitted fields keep their defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded, intended for
// test setup.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/<name>/
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

func validPort(name string, v *int) error {
	if v != nil && (*v <= 0 || *v > 65535) {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *PipelineConfig) Validate() error {
	if c.TrackingServer != nil {
		switch strings.ToLower(*c.TrackingServer) {
		case "", TrackingOff, TrackingLocal, TrackingCloud:
		default:
			return fmt.Errorf("tracking_server must be off, local or cloud, got %q", *c.TrackingServer)
		}
	}
	for _, p := range []struct {
		name string
		v    *int
	}{
		{"local_server_port", c.LocalServerPort},
		{"cloud_server_port", c.CloudServerPort},
		{"control_server_port", c.ControlServerPort},
	} {
		if err := validPort(p.name, p.v); err != nil {
			return err
		}
	}
	for _, d := range []struct {
		name string
		v    *string
	}{
		{"offload_timeout", c.OffloadTimeout},
		{"dial_timeout", c.DialTimeout},
		{"detector_runtime", c.DetectorRuntime},
		{"time_to_decision", c.TimeToDecision},
		{"time_unit", c.TimeUnit},
	} {
		if err := validDuration(d.name, d.v); err != nil {
			return err
		}
	}
	if c.TimeUnit != nil && *c.TimeUnit != "" && c.GetTimeUnit() <= 0 {
		return fmt.Errorf("time_unit must be positive, got %s", *c.TimeUnit)
	}
	if c.Codec != nil {
		switch *c.Codec {
		case "", "cbor", "json", "proto":
		default:
			return fmt.Errorf("codec must be cbor, json or proto, got %q", *c.Codec)
		}
	}
	if c.TrackerFailurePolicy != nil {
		switch strings.ToLower(*c.TrackerFailurePolicy) {
		case "", "fatal", "degrade":
		default:
			return fmt.Errorf("tracker_failure_policy must be fatal or degrade, got %q", *c.TrackerFailurePolicy)
		}
	}
	if c.DialAttempts != nil && *c.DialAttempts < 1 {
		return fmt.Errorf("dial_attempts must be at least 1, got %d", *c.DialAttempts)
	}
	if c.TrackEveryNthDetection != nil && *c.TrackEveryNthDetection < 1 {
		return fmt.Errorf("track_every_nth_detection must be at least 1, got %d", *c.TrackEveryNthDetection)
	}
	if c.SortMinIoU != nil && (*c.SortMinIoU < 0 || *c.SortMinIoU > 1) {
		return fmt.Errorf("sort_min_iou must be between 0 and 1, got %f", *c.SortMinIoU)
	}
	if c.ControlFrequency != nil && *c.ControlFrequency <= 0 && *c.ControlFrequency != FollowSimulator {
		return fmt.Errorf("control_frequency must be positive or %v, got %f", FollowSimulator, *c.ControlFrequency)
	}
	if c.SimulatorFPS != nil && *c.SimulatorFPS <= 0 {
		return fmt.Errorf("simulator_fps must be positive, got %f", *c.SimulatorFPS)
	}
	for _, m := range []struct {
		name string
		v    *float64
	}{
		{"throttle_max", c.ThrottleMax},
		{"brake_max", c.BrakeMax},
	} {
		if m.v != nil && (*m.v < 0 || *m.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", m.name, *m.v)
		}
	}
	if c.Ticks != nil && *c.Ticks < 0 {
		return fmt.Errorf("ticks must be non-negative, got %d", *c.Ticks)
	}
	if c.DetectorEvery != nil && *c.DetectorEvery < 1 {
		return fmt.Errorf("detector_every must be at least 1, got %d", *c.DetectorEvery)
	}
	if c.StreamBuffer != nil && *c.StreamBuffer < 0 {
		return fmt.Errorf("stream_buffer must be non-negative, got %d", *c.StreamBuffer)
	}
	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetTrackingServer returns the tracking server mode, lower-cased.
func (c *PipelineConfig) GetTrackingServer() string {
	if c.TrackingServer == nil || *c.TrackingServer == "" {
		return TrackingOff
	}
	return strings.ToLower(*c.TrackingServer)
}

// GetTrackingServerAddr returns the offload address for the configured
// tracking mode. ok is false when tracking runs in-process.
func (c *PipelineConfig) GetTrackingServerAddr() (addr string, ok bool) {
	switch c.GetTrackingServer() {
	case TrackingLocal:
		return net.JoinHostPort(c.GetLocalServerHost(), strconv.Itoa(c.GetLocalServerPort())), true
	case TrackingCloud:
		return net.JoinHostPort(c.GetCloudServerHost(), strconv.Itoa(c.GetCloudServerPort())), true
	}
	return "", false
}

// GetLocalServerHost returns the local_server_host value or the default.
func (c *PipelineConfig) GetLocalServerHost() string {
	if c.LocalServerHost == nil || *c.LocalServerHost == "" {
		return "127.0.0.1"
	}
	return *c.LocalServerHost
}

// GetLocalServerPort returns the local_server_port value or the default.
func (c *PipelineConfig) GetLocalServerPort() int {
	if c.LocalServerPort == nil {
		return 5010
	}
	return *c.LocalServerPort
}

// GetCloudServerHost returns the cloud_server_host value or the default.
func (c *PipelineConfig) GetCloudServerHost() string {
	if c.CloudServerHost == nil || *c.CloudServerHost == "" {
		return "127.0.0.1"
	}
	return *c.CloudServerHost
}

// GetCloudServerPort returns the cloud_server_port value or the default.
func (c *PipelineConfig) GetCloudServerPort() int {
	if c.CloudServerPort == nil {
		return 5020
	}
	return *c.CloudServerPort
}

// GetControlServerEnabled returns the control_server_enabled value or the default.
func (c *PipelineConfig) GetControlServerEnabled() bool {
	if c.ControlServerEnabled == nil {
		return false
	}
	return *c.ControlServerEnabled
}

// GetControlServerAddr returns the control offload address.
func (c *PipelineConfig) GetControlServerAddr() string {
	host := "127.0.0.1"
	if c.ControlServerHost != nil && *c.ControlServerHost != "" {
		host = *c.ControlServerHost
	}
	port := 5030
	if c.ControlServerPort != nil {
		port = *c.ControlServerPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// GetOffloadTimeout returns the per-call offload deadline.
func (c *PipelineConfig) GetOffloadTimeout() time.Duration {
	return getDuration(c.OffloadTimeout, 500*time.Millisecond)
}

// GetDialTimeout returns the per-attempt dial timeout.
func (c *PipelineConfig) GetDialTimeout() time.Duration {
	return getDuration(c.DialTimeout, 2*time.Second)
}

// GetDialAttempts returns the dial_attempts value or the default.
func (c *PipelineConfig) GetDialAttempts() int {
	if c.DialAttempts == nil {
		return 3
	}
	return *c.DialAttempts
}

// GetCodec returns the offload codec name.
func (c *PipelineConfig) GetCodec() string {
	if c.Codec == nil || *c.Codec == "" {
		return "cbor"
	}
	return *c.Codec
}

// GetTrackerType returns the tracker_type value or the default.
func (c *PipelineConfig) GetTrackerType() string {
	if c.TrackerType == nil || *c.TrackerType == "" {
		return "sort"
	}
	return *c.TrackerType
}

// GetTrackEveryNthDetection returns the track_every_nth_detection value or the default.
func (c *PipelineConfig) GetTrackEveryNthDetection() int {
	if c.TrackEveryNthDetection == nil {
		return 1
	}
	return *c.TrackEveryNthDetection
}

// GetTrackerFailurePolicy returns the tracker_failure_policy value or the default.
func (c *PipelineConfig) GetTrackerFailurePolicy() string {
	if c.TrackerFailurePolicy == nil || *c.TrackerFailurePolicy == "" {
		return "fatal"
	}
	return strings.ToLower(*c.TrackerFailurePolicy)
}

// GetSortMinIoU returns the sort_min_iou value or the default.
func (c *PipelineConfig) GetSortMinIoU() float64 {
	if c.SortMinIoU == nil {
		return 0.3
	}
	return *c.SortMinIoU
}

// GetSortMaxAge returns the sort_max_age value or the default.
func (c *PipelineConfig) GetSortMaxAge() int {
	if c.SortMaxAge == nil {
		return 1
	}
	return *c.SortMaxAge
}

// GetPIDP returns the pid_p value or the default.
func (c *PipelineConfig) GetPIDP() float64 {
	if c.PIDP == nil {
		return 1.0
	}
	return *c.PIDP
}

// GetPIDD returns the pid_d value or the default.
func (c *PipelineConfig) GetPIDD() float64 {
	if c.PIDD == nil {
		return 0
	}
	return *c.PIDD
}

// GetPIDI returns the pid_i value or the default.
func (c *PipelineConfig) GetPIDI() float64 {
	if c.PIDI == nil {
		return 0.05
	}
	return *c.PIDI
}

// GetPIDUseRealTime returns the pid_use_real_time value or the default.
func (c *PipelineConfig) GetPIDUseRealTime() bool {
	if c.PIDUseRealTime == nil {
		return false
	}
	return *c.PIDUseRealTime
}

// FollowSimulator as control_frequency runs control at the simulator rate.
const FollowSimulator = -1.0

// GetControlPeriod returns 1/control_frequency, or the simulator tick
// interval when the frequency is unset or FollowSimulator.
func (c *PipelineConfig) GetControlPeriod() time.Duration {
	if c.ControlFrequency == nil || *c.ControlFrequency <= 0 {
		return c.GetTickInterval()
	}
	return time.Duration(float64(time.Second) / *c.ControlFrequency)
}

// GetMinPIDSteerWaypointDistance returns the min_pid_steer_waypoint_distance value or the default.
func (c *PipelineConfig) GetMinPIDSteerWaypointDistance() float64 {
	if c.MinPIDSteerWaypointDistance == nil {
		return 5
	}
	return *c.MinPIDSteerWaypointDistance
}

// GetMinPIDSpeedWaypointDistance returns the min_pid_speed_waypoint_distance value or the default.
func (c *PipelineConfig) GetMinPIDSpeedWaypointDistance() float64 {
	if c.MinPIDSpeedWaypointDistance == nil {
		return 5
	}
	return *c.MinPIDSpeedWaypointDistance
}

// GetSteerGain returns the steer_gain value or the default.
func (c *PipelineConfig) GetSteerGain() float64 {
	if c.SteerGain == nil {
		return 0.7
	}
	return *c.SteerGain
}

// GetThrottleMax returns the throttle_max value or the default.
func (c *PipelineConfig) GetThrottleMax() float64 {
	if c.ThrottleMax == nil {
		return 1
	}
	return *c.ThrottleMax
}

// GetBrakeMax returns the brake_max value or the default.
func (c *PipelineConfig) GetBrakeMax() float64 {
	if c.BrakeMax == nil {
		return 1
	}
	return *c.BrakeMax
}

// GetTickInterval returns 1/simulator_fps.
func (c *PipelineConfig) GetTickInterval() time.Duration {
	fps := 20.0
	if c.SimulatorFPS != nil && *c.SimulatorFPS > 0 {
		fps = *c.SimulatorFPS
	}
	return time.Duration(float64(time.Second) / fps)
}

// GetTicks returns the ticks value or the default.
func (c *PipelineConfig) GetTicks() int {
	if c.Ticks == nil {
		return 100
	}
	return *c.Ticks
}

// GetSeed returns the seed value or the default.
func (c *PipelineConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

// GetLockstep returns the lockstep value or the default.
func (c *PipelineConfig) GetLockstep() bool {
	if c.Lockstep == nil {
		return false
	}
	return *c.Lockstep
}

// GetDetectorEvery returns the detector_every value or the default.
func (c *PipelineConfig) GetDetectorEvery() int {
	if c.DetectorEvery == nil {
		return 2
	}
	return *c.DetectorEvery
}

// GetDetectorRuntime returns the modelled detector runtime.
func (c *PipelineConfig) GetDetectorRuntime() time.Duration {
	return getDuration(c.DetectorRuntime, 30*time.Millisecond)
}

// GetTimeToDecision returns the time_to_decision value or the default.
func (c *PipelineConfig) GetTimeToDecision() time.Duration {
	return getDuration(c.TimeToDecision, 500*time.Millisecond)
}

// GetStreamBuffer returns the stream_buffer value or the default.
func (c *PipelineConfig) GetStreamBuffer() int {
	if c.StreamBuffer == nil {
		return 16
	}
	return *c.StreamBuffer
}

// GetTimeUnit returns the duration of one timestamp unit.
func (c *PipelineConfig) GetTimeUnit() time.Duration {
	return getDuration(c.TimeUnit, time.Millisecond)
}
