package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine tunables loaded from the YAML file pointed at by
// ENGINE_CONFIG. Process wiring (addresses, DSNs) stays in the environment.
type Config struct {
	Rules     RulesConfig     `yaml:"rules"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Heal      HealConfig      `yaml:"heal"`
	Retention RetentionConfig `yaml:"retention"`
}

type RulesConfig struct {
	EvalIntervalSeconds int `yaml:"eval_interval_seconds"`
	DedupWindowSeconds  int `yaml:"dedup_window_seconds"`
}

func (c RulesConfig) EvalInterval() time.Duration {
	return time.Duration(c.EvalIntervalSeconds) * time.Second
}

func (c RulesConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

type DispatchConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	Workers              int `yaml:"workers"`
	MaxAttempts          int `yaml:"max_attempts"`
	BackoffBaseSeconds   int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds    int `yaml:"backoff_max_seconds"`
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	ClaimLimit           int `yaml:"claim_limit"`
	ClaimLeaseSeconds    int `yaml:"claim_lease_seconds"`
}

func (c DispatchConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c DispatchConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func (c DispatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c DispatchConfig) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

type AnomalyConfig struct {
	RecentWindowMinutes   int     `yaml:"recent_window_minutes"`
	BaselineWindowMinutes int     `yaml:"baseline_window_minutes"`
	SpikeRatio            float64 `yaml:"spike_ratio"`
	FailureMultiplier     float64 `yaml:"failure_multiplier"`
	FailureFloor          int     `yaml:"failure_floor"`
	// MinSpikeVolume is the recent count required before a spike over an
	// empty baseline is trusted.
	MinSpikeVolume int `yaml:"min_spike_volume"`
}

func (c AnomalyConfig) RecentWindow() time.Duration {
	return time.Duration(c.RecentWindowMinutes) * time.Minute
}

func (c AnomalyConfig) BaselineWindow() time.Duration {
	return time.Duration(c.BaselineWindowMinutes) * time.Minute
}

type HealConfig struct {
	// Enabled is the global kill switch. When false every cycle records
	// skips only.
	Enabled                 bool                      `yaml:"enabled"`
	CycleIntervalSeconds    int                       `yaml:"cycle_interval_seconds"`
	MinConfidence           float64                   `yaml:"min_confidence"`
	CooldownSeconds         int                       `yaml:"cooldown_seconds"`
	MaxActionsPerCycle      int                       `yaml:"max_actions_per_cycle"`
	MaxActionsPerHour       int                       `yaml:"max_actions_per_hour"`
	ReplayBatchCap          int                       `yaml:"replay_batch_cap"`
	MassiveClusterThreshold int                       `yaml:"massive_cluster_threshold"`
	SilenceSpikeRatio       float64                   `yaml:"silence_spike_ratio"`
	DeferralLimit           int                       `yaml:"deferral_limit"`
	EscalateOnlyOnCritical  bool                      `yaml:"escalate_only_on_critical"`
	Tenants                 map[string]TenantOverride `yaml:"tenants"`
}

func (c HealConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

func (c HealConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// TenantOverride narrows the global healing policy for one tenant. Nil fields
// fall through to the global value.
type TenantOverride struct {
	Disabled        *bool    `yaml:"disabled"`
	MinConfidence   *float64 `yaml:"min_confidence"`
	ReplayBatchCap  *int     `yaml:"replay_batch_cap"`
	CooldownSeconds *int     `yaml:"cooldown_seconds"`
}

type RetentionConfig struct {
	DefaultDays          int            `yaml:"default_days"`
	OpsDays              int            `yaml:"ops_days"`
	PerType              map[string]int `yaml:"per_type"`
	SweepIntervalMinutes int            `yaml:"sweep_interval_minutes"`
}

func (c RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func Default() *Config {
	return &Config{
		Rules: RulesConfig{
			EvalIntervalSeconds: 15,
			DedupWindowSeconds:  300,
		},
		Dispatch: DispatchConfig{
			SweepIntervalSeconds: 5,
			Workers:              4,
			MaxAttempts:          5,
			BackoffBaseSeconds:   30,
			BackoffMaxSeconds:    900,
			TimeoutSeconds:       5,
			ClaimLimit:           100,
			ClaimLeaseSeconds:    60,
		},
		Anomaly: AnomalyConfig{
			RecentWindowMinutes:   5,
			BaselineWindowMinutes: 60,
			SpikeRatio:            0.5,
			FailureMultiplier:     10,
			FailureFloor:          3,
			MinSpikeVolume:        5,
		},
		Heal: HealConfig{
			Enabled:                 true,
			CycleIntervalSeconds:    60,
			MinConfidence:           0.7,
			CooldownSeconds:         300,
			MaxActionsPerCycle:      5,
			MaxActionsPerHour:       20,
			ReplayBatchCap:          25,
			MassiveClusterThreshold: 50,
			SilenceSpikeRatio:       3.0,
			DeferralLimit:           3,
			EscalateOnlyOnCritical:  true,
		},
		Retention: RetentionConfig{
			DefaultDays:          30,
			OpsDays:              90,
			SweepIntervalMinutes: 60,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine config: read %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("engine config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Rules.EvalIntervalSeconds < 1 {
		return fmt.Errorf("rules.eval_interval_seconds must be >= 1")
	}
	if cfg.Rules.DedupWindowSeconds < 1 {
		return fmt.Errorf("rules.dedup_window_seconds must be >= 1")
	}
	if cfg.Dispatch.SweepIntervalSeconds < 1 {
		return fmt.Errorf("dispatch.sweep_interval_seconds must be >= 1")
	}
	if cfg.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be >= 1")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1")
	}
	if cfg.Dispatch.BackoffBaseSeconds < 1 || cfg.Dispatch.BackoffMaxSeconds < cfg.Dispatch.BackoffBaseSeconds {
		return fmt.Errorf("dispatch backoff window invalid: base %d max %d", cfg.Dispatch.BackoffBaseSeconds, cfg.Dispatch.BackoffMaxSeconds)
	}
	if cfg.Dispatch.TimeoutSeconds < 1 {
		return fmt.Errorf("dispatch.timeout_seconds must be >= 1")
	}
	if cfg.Anomaly.RecentWindowMinutes < 1 || cfg.Anomaly.BaselineWindowMinutes < cfg.Anomaly.RecentWindowMinutes {
		return fmt.Errorf("anomaly windows invalid: recent %dm baseline %dm", cfg.Anomaly.RecentWindowMinutes, cfg.Anomaly.BaselineWindowMinutes)
	}
	if cfg.Anomaly.SpikeRatio <= 0 {
		return fmt.Errorf("anomaly.spike_ratio must be > 0")
	}
	if cfg.Anomaly.FailureMultiplier < 1 {
		return fmt.Errorf("anomaly.failure_multiplier must be >= 1")
	}
	if cfg.Anomaly.FailureFloor < 1 {
		return fmt.Errorf("anomaly.failure_floor must be >= 1")
	}
	if cfg.Heal.CycleIntervalSeconds < 1 {
		return fmt.Errorf("heal.cycle_interval_seconds must be >= 1")
	}
	if cfg.Heal.MinConfidence < 0 || cfg.Heal.MinConfidence > 1 {
		return fmt.Errorf("heal.min_confidence %v out of range [0, 1]", cfg.Heal.MinConfidence)
	}
	if cfg.Heal.CooldownSeconds < 0 {
		return fmt.Errorf("heal.cooldown_seconds must not be negative")
	}
	if cfg.Heal.DeferralLimit < 1 {
		return fmt.Errorf("heal.deferral_limit must be >= 1")
	}
	if cfg.Heal.ReplayBatchCap < 1 {
		return fmt.Errorf("heal.replay_batch_cap must be >= 1")
	}
	for tenant, override := range cfg.Heal.Tenants {
		if override.MinConfidence != nil && (*override.MinConfidence < 0 || *override.MinConfidence > 1) {
			return fmt.Errorf("heal.tenants.%s.min_confidence out of range [0, 1]", tenant)
		}
		if override.CooldownSeconds != nil && *override.CooldownSeconds < 0 {
			return fmt.Errorf("heal.tenants.%s.cooldown_seconds must not be negative", tenant)
		}
		if override.ReplayBatchCap != nil && *override.ReplayBatchCap < 1 {
			return fmt.Errorf("heal.tenants.%s.replay_batch_cap must be >= 1", tenant)
		}
	}
	if cfg.Retention.DefaultDays < 1 || cfg.Retention.OpsDays < 1 {
		return fmt.Errorf("retention days must be >= 1")
	}
	if cfg.Retention.SweepIntervalMinutes < 1 {
		return fmt.Errorf("retention.sweep_interval_minutes must be >= 1")
	}
	return nil
}

func Getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func GetenvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}
	return fallback
}
