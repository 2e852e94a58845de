package config

import (
	"fmt"
	"time"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Validate checks cfg for the structural and semantic constraints
// spec.md §6/§7 requires before a run is allowed to start. A
// validation failure is a ConfigError: the caller must not construct a
// State Machine (spec.md §7, "Prevents the run from starting; no state
// machine is created").
func Validate(cfg *Config) error {
	if cfg.ExperimentPath == "" {
		return fmt.Errorf("experiment_path is required")
	}
	if cfg.TotalTimepoints < 1 {
		return fmt.Errorf("total_timepoints must be >= 1")
	}
	if len(cfg.Regions) == 0 {
		return fmt.Errorf("regions must name at least one region")
	}
	for _, r := range cfg.Regions {
		if r.RegionID == "" {
			return fmt.Errorf("region_id must not be empty")
		}
		if r.FOVCount < 1 {
			return fmt.Errorf("region %q: fov_count must be >= 1", r.RegionID)
		}
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("channels must name at least one channel")
	}

	if cfg.ProgressionPolicy == "" {
		cfg.ProgressionPolicy = "auto"
	}
	if _, ok := types.ParseProgressionPolicy(cfg.ProgressionPolicy); !ok {
		return fmt.Errorf("progression_policy %q: must be one of auto, manual, qc_gated", cfg.ProgressionPolicy)
	}

	if err := validateQC(&cfg.QC); err != nil {
		return fmt.Errorf("qc: %w", err)
	}
	if err := validatePolicy(&cfg.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	if cfg.JobRunner.Workers < 0 {
		return fmt.Errorf("job_runner.workers must be >= 0")
	}
	if cfg.Backpressure.MaxPendingJobs < 0 {
		return fmt.Errorf("backpressure.max_pending_jobs must be >= 0")
	}
	if cfg.Backpressure.MaxPendingMB < 0 {
		return fmt.Errorf("backpressure.max_pending_mb must be >= 0")
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("acquisition/%s/control", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("acquisition/%s/events", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{"control": 1, "events": 0}
		}
	}

	return nil
}

func validateQC(qc *QCConfig) error {
	if !qc.Enabled {
		return nil
	}
	if qc.FocusScoreMethod == "" {
		qc.FocusScoreMethod = "laplacian_variance"
	}
	if _, ok := types.ParseFocusScoreMethod(qc.FocusScoreMethod); !ok {
		return fmt.Errorf("focus_score_method %q: must be one of laplacian_variance, normalized_variance, gradient_magnitude, fft_high_freq", qc.FocusScoreMethod)
	}
	return nil
}

func validatePolicy(p *PolicyConfig) error {
	if !p.Enabled {
		return nil
	}
	if p.FocusScoreMin != nil && *p.FocusScoreMin < 0 {
		return fmt.Errorf("focus_score_min must be >= 0")
	}
	if p.ZDriftMaxUM != nil && *p.ZDriftMaxUM < 0 {
		return fmt.Errorf("z_drift_max_um must be >= 0")
	}
	if p.DetectOutliers != nil {
		if p.DetectOutliers.MetricName == "" {
			return fmt.Errorf("detect_outliers.metric_name is required")
		}
		if p.DetectOutliers.StdThreshold <= 0 {
			return fmt.Errorf("detect_outliers.std_threshold must be > 0")
		}
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
