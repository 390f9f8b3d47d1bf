// Package config provides configuration types and loading for kafcoord.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Log        LogConfig        `json:"log"`
	Retry      RetryConfig      `json:"retry"`
	Registry   RegistryConfig   `json:"registry"`
	Delegator  DelegatorConfig  `json:"delegator"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Conflict   ConflictConfig   `json:"conflict"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Decision   DecisionConfig   `json:"decision"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Kafka      KafkaConfig      `json:"kafka"`
	Escalation EscalationConfig `json:"escalation"`
	Enrollment EnrollmentConfig `json:"enrollment"`
}

// Duration is a time.Duration that reads and writes as "90s" in JSON and env.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.Decode(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or seconds: %s", string(b))
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Home     string `json:"home" envconfig:"HOME"`
	Database string `json:"database" envconfig:"DATABASE"`
}

// LogConfig controls the slog default handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"` // text | json
}

// RetryConfig bounds retries of collaborator calls.
type RetryConfig struct {
	Attempts  int      `json:"attempts" envconfig:"ATTEMPTS"`
	BaseDelay Duration `json:"baseDelay" envconfig:"BASE_DELAY"`
	MaxDelay  Duration `json:"maxDelay" envconfig:"MAX_DELAY"`
}

// ---------------------------------------------------------------------------
// Coordination components
// ---------------------------------------------------------------------------

// RegistryConfig tunes agent liveness.
type RegistryConfig struct {
	LivenessWindow     Duration `json:"livenessWindow" envconfig:"LIVENESS_WINDOW"`
	DegradedBatteryPct int      `json:"degradedBatteryPct" envconfig:"DEGRADED_BATTERY_PCT"`
	SweepInterval      Duration `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
}

// DelegatorConfig tunes task delegation.
type DelegatorConfig struct {
	DefaultMaxRetries    int      `json:"defaultMaxRetries" envconfig:"DEFAULT_MAX_RETRIES"`
	DefaultTimeout       Duration `json:"defaultTimeout" envconfig:"DEFAULT_TIMEOUT"`
	AutoRetry            bool     `json:"autoRetry" envconfig:"AUTO_RETRY"`
	AllowDegraded        bool     `json:"allowDegraded" envconfig:"ALLOW_DEGRADED"`
	ResourceStrategy     string   `json:"resourceStrategy" envconfig:"RESOURCE_STRATEGY"`
	TimeoutSweepInterval Duration `json:"timeoutSweepInterval" envconfig:"TIMEOUT_SWEEP_INTERVAL"`
}

// AggregatorConfig tunes result aggregation.
type AggregatorConfig struct {
	DefaultStrategy string             `json:"defaultStrategy" envconfig:"DEFAULT_STRATEGY"`
	Trust           map[string]float64 `json:"trust,omitempty"`
}

// ConflictConfig tunes conflict resolution.
type ConflictConfig struct {
	ConsensusThreshold float64 `json:"consensusThreshold" envconfig:"CONSENSUS_THRESHOLD"`
	AllowSelfVote      bool    `json:"allowSelfVote" envconfig:"ALLOW_SELF_VOTE"`
}

// KnowledgeConfig tunes the knowledge repository.
type KnowledgeConfig struct {
	Dimension         int      `json:"dimension" envconfig:"DIMENSION"`
	Metric            string   `json:"metric" envconfig:"METRIC"`
	RetainVersions    int      `json:"retainVersions" envconfig:"RETAIN_VERSIONS"`
	RetentionInterval Duration `json:"retentionInterval" envconfig:"RETENTION_INTERVAL"`
}

// DecisionConfig tunes the decision pipeline.
type DecisionConfig struct {
	TopK                int     `json:"topK" envconfig:"TOP_K"`
	EfficiencyTolerance float64 `json:"efficiencyTolerance" envconfig:"EFFICIENCY_TOLERANCE"`
	MinConfidence       float64 `json:"minConfidence" envconfig:"MIN_CONFIDENCE"`
	LearningRate        float64 `json:"learningRate" envconfig:"LEARNING_RATE"`
	LearnCron           string  `json:"learnCron" envconfig:"LEARN_CRON"`
}

// SchedulerConfig controls periodic sweeps.
type SchedulerConfig struct {
	Enabled      bool     `json:"enabled" envconfig:"ENABLED"`
	TickInterval Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	LockPath     string   `json:"lockPath" envconfig:"LOCK_PATH"`
}

// ---------------------------------------------------------------------------
// Transport and integrations
// ---------------------------------------------------------------------------

// KafkaConfig configures the event mirror and report consumer.
type KafkaConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers       string `json:"brokers" envconfig:"BROKERS"`
	TopicPrefix   string `json:"topicPrefix" envconfig:"TOPIC_PREFIX"`
	ConsumerGroup string `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
}

// EscalationConfig configures human escalation notices.
type EscalationConfig struct {
	SlackEnabled bool   `json:"slackEnabled" envconfig:"SLACK_ENABLED"`
	SlackToken   string `json:"slackToken,omitempty" envconfig:"SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
	SlackAPIBase string `json:"slackApiBase,omitempty" envconfig:"SLACK_API_BASE"`
	// PendingTTL expires pending escalations older than this on startup.
	PendingTTL Duration `json:"pendingTtl" envconfig:"PENDING_TTL"`
}

// EnrollmentConfig is what `agent enroll` encodes for mobile agents.
type EnrollmentConfig struct {
	Endpoint string `json:"endpoint" envconfig:"ENDPOINT"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, err := resolveHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ConfigDir)
	return &Config{
		Paths: PathsConfig{
			Home:     base,
			Database: filepath.Join(base, "kafcoord.db"),
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Retry: RetryConfig{Attempts: 3, BaseDelay: D(100 * time.Millisecond), MaxDelay: D(2 * time.Second)},
		Registry: RegistryConfig{
			LivenessWindow:     D(90 * time.Second),
			DegradedBatteryPct: 15,
			SweepInterval:      D(15 * time.Second),
		},
		Delegator: DelegatorConfig{
			DefaultMaxRetries:    2,
			DefaultTimeout:       D(10 * time.Minute),
			ResourceStrategy:     "priority",
			TimeoutSweepInterval: D(5 * time.Second),
		},
		Aggregator: AggregatorConfig{DefaultStrategy: "collect"},
		Conflict:   ConflictConfig{ConsensusThreshold: 0.5},
		Knowledge: KnowledgeConfig{
			Dimension:         256,
			Metric:            "cosine",
			RetainVersions:    10,
			RetentionInterval: D(time.Hour),
		},
		Decision: DecisionConfig{
			TopK:                3,
			EfficiencyTolerance: 0.05,
			MinConfidence:       0.4,
			LearningRate:        0.1,
			LearnCron:           "*/10 * * * *",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: D(time.Second),
			LockPath:     filepath.Join(base, "scheduler.lock"),
		},
		Kafka: KafkaConfig{
			Brokers:       "localhost:9092",
			TopicPrefix:   "kafcoord",
			ConsumerGroup: "kafcoord",
		},
		Escalation: EscalationConfig{SlackChannel: "#kafcoord-escalations", PendingTTL: D(72 * time.Hour)},
		Enrollment: EnrollmentConfig{Endpoint: "localhost:9092"},
	}
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Paths.Database == "" {
		problems = append(problems, "paths.database is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Decision.MinConfidence < 0 || c.Decision.MinConfidence > 1 {
		problems = append(problems, "decision.minConfidence must be within [0,1]")
	}
	if c.Conflict.ConsensusThreshold < 0 || c.Conflict.ConsensusThreshold >= 1 {
		problems = append(problems, "conflict.consensusThreshold must be within [0,1)")
	}
	if c.Kafka.Enabled && strings.TrimSpace(c.Kafka.Brokers) == "" {
		problems = append(problems, "kafka.brokers is required when kafka is enabled")
	}
	if c.Escalation.SlackEnabled && strings.TrimSpace(c.Escalation.SlackToken) == "" {
		problems = append(problems, "escalation.slackToken is required when slack is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
