// Package config loads and validates the YAML-shaped configuration
// surface named by spec.md §6: QC configuration, policy configuration,
// the worker's progression policy, and the supplemented backpressure
// block from SPEC_FULL.md §5.
//
// Grounded on the teacher's
// References/orion-prototipe/internal/config/config.go: one root struct
// with yaml tags, a Load that reads + unmarshals + validates, and a
// separate validator.go.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cephla-io/squid-acquisition/internal/jobrunner"
	"github.com/cephla-io/squid-acquisition/internal/qcpolicy"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Config is the complete Acquisition Control Core configuration.
type Config struct {
	ExperimentPath    string         `yaml:"experiment_path"`
	TotalTimepoints   int            `yaml:"total_timepoints"`
	ProgressionPolicy string         `yaml:"progression_policy"` // auto|manual|qc_gated
	Regions           []RegionConfig `yaml:"regions"`
	Channels          []string       `yaml:"channels"`

	QC           QCConfig           `yaml:"qc"`
	Policy       PolicyConfig       `yaml:"policy"`
	JobRunner    JobRunnerConfig    `yaml:"job_runner"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
}

// RegionConfig names one planned region and how many FOVs it contains.
// FOV indices within a region run 0..FOVCount-1.
type RegionConfig struct {
	RegionID string `yaml:"region_id"`
	FOVCount int    `yaml:"fov_count"`
}

// QCConfig is spec.md §3's "QC configuration": enumerated toggles
// naming which metrics to compute and which focus-score algorithm to
// use.
type QCConfig struct {
	Enabled           bool   `yaml:"enabled"`
	FocusScoreMethod  string `yaml:"focus_score_method"` // laplacian_variance|normalized_variance|gradient_magnitude|fft_high_freq
	ComputeZDiff      bool   `yaml:"compute_z_diff"`
	ComputeLaserAF    bool   `yaml:"compute_laser_af"`
}

// PolicyConfig is spec.md §3's "Policy configuration".
type PolicyConfig struct {
	Enabled           bool                `yaml:"enabled"`
	FocusScoreMin     *float64            `yaml:"focus_score_min,omitempty"`
	ZDriftMaxUM       *float64            `yaml:"z_drift_max_um,omitempty"`
	DetectOutliers    *OutlierRuleConfig  `yaml:"detect_outliers,omitempty"`
	PauseIfAnyFlagged bool                `yaml:"pause_if_any_flagged"`
}

// OutlierRuleConfig is the YAML shape of qcpolicy.OutlierRule.
type OutlierRuleConfig struct {
	MetricName   string  `yaml:"metric_name"`
	StdThreshold float64 `yaml:"std_threshold"`
}

// JobRunnerConfig sizes the Job Runner's worker pool (spec.md §4.C).
type JobRunnerConfig struct {
	Workers    int `yaml:"workers"`
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// BackpressureConfig is SPEC_FULL.md §5's supplemented capacity gate,
// grounded on original_source's BackpressureController configuration.
type BackpressureConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MaxPendingJobs    int     `yaml:"max_pending_jobs"`
	MaxPendingMB      float64 `yaml:"max_pending_mb"`
	CapacityTimeoutS  float64 `yaml:"capacity_timeout_s"`
}

// MQTTConfig names the broker and topics the control plane and
// observer sink attach to.
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	ClientID string          `yaml:"client_id"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics names the control-plane and event topics.
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
}

// Load reads, parses, and validates the YAML configuration file at
// path. Unknown fields are rejected per spec.md §6.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config. Exported
// separately from Load so tests can exercise validation without
// touching the filesystem.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ToQCPolicyConfig projects the YAML-shaped PolicyConfig onto
// qcpolicy.Config, the type CheckTimepoint actually consumes.
func (c *Config) ToQCPolicyConfig() qcpolicy.Config {
	out := qcpolicy.Config{
		Enabled:           c.Policy.Enabled,
		FocusScoreMin:     c.Policy.FocusScoreMin,
		ZDriftMaxUM:       c.Policy.ZDriftMaxUM,
		PauseIfAnyFlagged: c.Policy.PauseIfAnyFlagged,
	}
	if c.Policy.DetectOutliers != nil {
		out.DetectOutliers = &qcpolicy.OutlierRule{
			MetricName:   c.Policy.DetectOutliers.MetricName,
			StdThreshold: c.Policy.DetectOutliers.StdThreshold,
		}
	}
	return out
}

// ToJobRunnerConfig projects JobRunnerConfig and BackpressureConfig
// onto jobrunner.Config.
func (c *Config) ToJobRunnerConfig() jobrunner.Config {
	return jobrunner.Config{
		Workers:             c.JobRunner.Workers,
		MaxWorkers:          c.JobRunner.MaxWorkers,
		QueueSize:           c.JobRunner.QueueSize,
		BackpressureEnabled: c.Backpressure.Enabled,
		MaxPendingJobs:      c.Backpressure.MaxPendingJobs,
		MaxPendingBytes:     int64(c.Backpressure.MaxPendingMB * 1024 * 1024),
		CapacityTimeout:     secondsToDuration(c.Backpressure.CapacityTimeoutS),
	}
}

// ProgressionPolicyValue parses ProgressionPolicy into its typed form.
// Validate already rejected unparseable values, so callers may treat
// the bool as a programming-error assertion.
func (c *Config) ProgressionPolicyValue() types.ProgressionPolicy {
	v, _ := types.ParseProgressionPolicy(c.ProgressionPolicy)
	return v
}

// FocusScoreMethodValue parses QC.FocusScoreMethod into its typed form.
func (c *Config) FocusScoreMethodValue() types.FocusScoreMethod {
	v, _ := types.ParseFocusScoreMethod(c.QC.FocusScoreMethod)
	return v
}

// PlannedFOVs expands Regions into the full, deterministically ordered
// FOV plan for one timepoint (spec.md §4.E: "region_id asc, fov_index
// asc").
func (c *Config) PlannedFOVs() []types.FOVID {
	var out []types.FOVID
	for _, r := range c.Regions {
		for i := 0; i < r.FOVCount; i++ {
			out = append(out, types.FOVID{RegionID: r.RegionID, FOVIndex: i})
		}
	}
	return types.SortFOVIDs(out)
}
