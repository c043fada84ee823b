// Package runconfig defines the tunables a run is started with and
// loads them with Viper: a YAML file unmarshalled into a typed struct,
// with flags and environment variables able to override individual
// fields.
package runconfig

import (
	"fmt"
	"strings"

	"github.com/capsim/capsim/internal/agent"
	"github.com/capsim/capsim/internal/simerr"
	"github.com/capsim/capsim/internal/trend"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of recognized run options. Field names map to
// lower_snake_case keys in YAML/env/flags via Viper's case-insensitive
// key matching plus explicit flag binding in Load.
type Config struct {
	NumAgents    int `mapstructure:"num_agents" yaml:"num_agents"`
	DurationDays int `mapstructure:"duration_days" yaml:"duration_days"`

	SpeedFactor float64 `mapstructure:"speed_factor" yaml:"speed_factor"`
	Realtime    bool    `mapstructure:"realtime" yaml:"realtime"`

	BatchSize      int `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeoutMS int `mapstructure:"batch_timeout_ms" yaml:"batch_timeout_ms"`

	DecideThreshold     float64    `mapstructure:"decide_threshold" yaml:"decide_threshold"`
	PostCooldownMin     float64    `mapstructure:"post_cooldown_min" yaml:"post_cooldown_min"`
	SelfDevCooldownMin  float64    `mapstructure:"self_dev_cooldown_min" yaml:"self_dev_cooldown_min"`
	PurchaseCooldownMin [3]float64 `mapstructure:"purchase_cooldown_min" yaml:"purchase_cooldown_min"`
	PurchaseCaps        [3]int     `mapstructure:"purchase_caps" yaml:"purchase_caps"`

	EnergyRecoveryDelta float64 `mapstructure:"energy_recovery_delta" yaml:"energy_recovery_delta"`

	ExposureCooldownMin float64 `mapstructure:"exposure_cooldown_min" yaml:"exposure_cooldown_min"`
	ExposureK1          float64 `mapstructure:"exposure_k1" yaml:"exposure_k1"`
	ExposureK2          float64 `mapstructure:"exposure_k2" yaml:"exposure_k2"`

	LowToMiddleInteractions  uint64 `mapstructure:"low_to_middle_interactions" yaml:"low_to_middle_interactions"`
	MiddleToHighInteractions uint64 `mapstructure:"middle_to_high_interactions" yaml:"middle_to_high_interactions"`

	FanOutBudgetPerMinute int     `mapstructure:"fan_out_budget_per_minute" yaml:"fan_out_budget_per_minute"`
	ActionsPerAgentPerDay float64 `mapstructure:"actions_per_agent_per_day" yaml:"actions_per_agent_per_day"`
	JitterWindowMin       float64 `mapstructure:"jitter_window_min" yaml:"jitter_window_min"`

	PublishEnergyCost     float64    `mapstructure:"publish_energy_cost" yaml:"publish_energy_cost"`
	PublishTimeCost       float64    `mapstructure:"publish_time_cost" yaml:"publish_time_cost"`
	PurchaseFinancialCost [3]float64 `mapstructure:"purchase_financial_cost" yaml:"purchase_financial_cost"`
	PurchaseTimeCost      float64    `mapstructure:"purchase_time_cost" yaml:"purchase_time_cost"`
	SelfDevEnergyCost     float64    `mapstructure:"self_dev_energy_cost" yaml:"self_dev_energy_cost"`
	SelfDevTimeCost       float64    `mapstructure:"self_dev_time_cost" yaml:"self_dev_time_cost"`
	SelfDevKnowledgeGain  float64    `mapstructure:"self_dev_knowledge_gain" yaml:"self_dev_knowledge_gain"`

	TrendPositiveSentimentProb float64 `mapstructure:"trend_positive_sentiment_prob" yaml:"trend_positive_sentiment_prob"`

	RNGSeed int64 `mapstructure:"rng_seed" yaml:"rng_seed"`
}

// Default returns the documented defaults.
func Default() Config {
	dc := agent.DefaultDecisionConfig()
	ec := agent.DefaultExposureConfig()
	th := trend.DefaultEscalationThresholds()
	return Config{
		NumAgents:    100,
		DurationDays: 1,

		SpeedFactor: 0,
		Realtime:    false,

		BatchSize:      100,
		BatchTimeoutMS: 1000,

		DecideThreshold:     dc.DecideThreshold,
		PostCooldownMin:     dc.PostCooldownMin,
		SelfDevCooldownMin:  dc.SelfDevCooldownMin,
		PurchaseCooldownMin: dc.PurchaseCooldownMin,
		PurchaseCaps:        dc.PurchaseDailyCap,

		EnergyRecoveryDelta: 1.0,

		ExposureCooldownMin: ec.CooldownMin,
		ExposureK1:          ec.K1,
		ExposureK2:          ec.K2,

		LowToMiddleInteractions:  th.LowToMiddle,
		MiddleToHighInteractions: th.MiddleToHigh,

		FanOutBudgetPerMinute: 0, // 0 derives the budget from the population's action target
		ActionsPerAgentPerDay: 43,
		JitterWindowMin:       5,

		PublishEnergyCost:     0.3,
		PublishTimeCost:       1,
		PurchaseFinancialCost: [3]float64{0.3, 0.8, 1.5},
		PurchaseTimeCost:      1,
		SelfDevEnergyCost:     0.4,
		SelfDevTimeCost:       1,
		SelfDevKnowledgeGain:  0.2,

		TrendPositiveSentimentProb: 0.7,

		RNGSeed: 1,
	}
}

// Validate checks the config for the errors the engine must reject
// before a run ever reaches Running.
func (c Config) Validate() error {
	switch {
	case c.NumAgents <= 0:
		return simerr.Config("runconfig.Validate", fmt.Errorf("num_agents must be positive, got %d", c.NumAgents))
	case c.DurationDays < 1:
		return simerr.Config("runconfig.Validate", fmt.Errorf("duration_days must be >= 1, got %d", c.DurationDays))
	case c.Realtime && c.SpeedFactor < 1:
		return simerr.Config("runconfig.Validate", fmt.Errorf("speed_factor must be >= 1 when realtime is enabled, got %v", c.SpeedFactor))
	case c.BatchSize <= 0:
		return simerr.Config("runconfig.Validate", fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	case c.BatchTimeoutMS <= 0:
		return simerr.Config("runconfig.Validate", fmt.Errorf("batch_timeout_ms must be positive, got %d", c.BatchTimeoutMS))
	case c.DecideThreshold < 0 || c.DecideThreshold > 1:
		return simerr.Config("runconfig.Validate", fmt.Errorf("decide_threshold must be in [0, 1], got %v", c.DecideThreshold))
	}
	return nil
}

// DecisionConfig projects the agent-decision-relevant fields into
// agent.DecisionConfig.
func (c Config) DecisionConfig() agent.DecisionConfig {
	return agent.DecisionConfig{
		DecideThreshold:     c.DecideThreshold,
		PostCooldownMin:     c.PostCooldownMin,
		SelfDevCooldownMin:  c.SelfDevCooldownMin,
		PurchaseCooldownMin: c.PurchaseCooldownMin,
		PurchaseDailyCap:    c.PurchaseCaps,
	}
}

// ExposureConfig projects the exposure-relevant fields into
// agent.ExposureConfig.
func (c Config) ExposureConfig() agent.ExposureConfig {
	return agent.ExposureConfig{
		CooldownMin: c.ExposureCooldownMin,
		K1:          c.ExposureK1,
		K2:          c.ExposureK2,
	}
}

// EscalationThresholds projects the coverage-escalation fields into
// trend.EscalationThresholds.
func (c Config) EscalationThresholds() trend.EscalationThresholds {
	return trend.EscalationThresholds{
		LowToMiddle:  c.LowToMiddleInteractions,
		MiddleToHigh: c.MiddleToHighInteractions,
	}
}

// Load reads configuration with Viper, in the order flags > environment
// > file > defaults (highest precedence first).
//
// path may be empty, in which case only flags/env/defaults apply.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	def := Default()

	vp := viper.New()
	vp.SetEnvPrefix("CAPSIM")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if flags != nil {
		if err := vp.BindPFlags(flags); err != nil {
			return Config{}, simerr.Config("runconfig.Load", fmt.Errorf("bind flags: %w", err))
		}
	}

	if path != "" {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return Config{}, simerr.Config("runconfig.Load", fmt.Errorf("read config %s: %w", path, err))
		}
	}

	setDefaults(vp, def)

	cfg := Config{}
	if err := vp.Unmarshal(&cfg); err != nil {
		return Config{}, simerr.Config("runconfig.Load", fmt.Errorf("unmarshal config: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(vp *viper.Viper, def Config) {
	vp.SetDefault("num_agents", def.NumAgents)
	vp.SetDefault("duration_days", def.DurationDays)
	vp.SetDefault("speed_factor", def.SpeedFactor)
	vp.SetDefault("realtime", def.Realtime)
	vp.SetDefault("batch_size", def.BatchSize)
	vp.SetDefault("batch_timeout_ms", def.BatchTimeoutMS)
	vp.SetDefault("decide_threshold", def.DecideThreshold)
	vp.SetDefault("post_cooldown_min", def.PostCooldownMin)
	vp.SetDefault("self_dev_cooldown_min", def.SelfDevCooldownMin)
	vp.SetDefault("purchase_cooldown_min", def.PurchaseCooldownMin[:])
	vp.SetDefault("purchase_caps", def.PurchaseCaps[:])
	vp.SetDefault("energy_recovery_delta", def.EnergyRecoveryDelta)
	vp.SetDefault("exposure_cooldown_min", def.ExposureCooldownMin)
	vp.SetDefault("exposure_k1", def.ExposureK1)
	vp.SetDefault("exposure_k2", def.ExposureK2)
	vp.SetDefault("low_to_middle_interactions", def.LowToMiddleInteractions)
	vp.SetDefault("middle_to_high_interactions", def.MiddleToHighInteractions)
	vp.SetDefault("fan_out_budget_per_minute", def.FanOutBudgetPerMinute)
	vp.SetDefault("actions_per_agent_per_day", def.ActionsPerAgentPerDay)
	vp.SetDefault("jitter_window_min", def.JitterWindowMin)
	vp.SetDefault("publish_energy_cost", def.PublishEnergyCost)
	vp.SetDefault("publish_time_cost", def.PublishTimeCost)
	vp.SetDefault("purchase_financial_cost", def.PurchaseFinancialCost[:])
	vp.SetDefault("purchase_time_cost", def.PurchaseTimeCost)
	vp.SetDefault("self_dev_energy_cost", def.SelfDevEnergyCost)
	vp.SetDefault("self_dev_time_cost", def.SelfDevTimeCost)
	vp.SetDefault("self_dev_knowledge_gain", def.SelfDevKnowledgeGain)
	vp.SetDefault("trend_positive_sentiment_prob", def.TrendPositiveSentimentProb)
	vp.SetDefault("rng_seed", def.RNGSeed)
}
