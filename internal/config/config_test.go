package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KAFCOORD_HOME", home)
	t.Setenv("KAFCOORD_ENV_FILE", "")
	return home
}

func TestDefaultConfigIsValid(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if want := filepath.Join(home, ConfigDir, "kafcoord.db"); cfg.Paths.Database != want {
		t.Fatalf("database = %q, want %q", cfg.Paths.Database, want)
	}
	if cfg.Registry.LivenessWindow.Duration != 90*time.Second || cfg.Decision.LearnCron == "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Delegator.ResourceStrategy != "priority" {
		t.Fatalf("expected default strategy, got %q", cfg.Delegator.ResourceStrategy)
	}
}

func TestLoadFromFileIncludesAndEnv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	base := `{"kafka": {"enabled": true, "brokers": "${TEST_BROKERS}"}, "decision": {"topK": 7}}`
	main := `{"$include": "base.json", "decision": {"minConfidence": 0.65}, "registry": {"livenessWindow": "2m"}}`
	if err := os.WriteFile(filepath.Join(dir, "base.json"), []byte(base), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(main), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFCOORD_DELEGATOR_DEFAULT_TIMEOUT", "45s")
	t.Setenv("KAFCOORD_DECISION_TOP_K", "5")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Brokers != "k1:9092,k2:9092" {
		t.Fatalf("include/env substitution failed: %+v", cfg.Kafka)
	}
	if cfg.Decision.MinConfidence != 0.65 || cfg.Decision.TopK != 5 {
		t.Fatalf("expected file then env precedence, got %+v", cfg.Decision)
	}
	if cfg.Registry.LivenessWindow.Duration != 2*time.Minute {
		t.Fatalf("liveness window = %v", cfg.Registry.LivenessWindow)
	}
	if cfg.Delegator.DefaultTimeout.Duration != 45*time.Second {
		t.Fatalf("env duration override failed: %v", cfg.Delegator.DefaultTimeout)
	}
	if cfg.Decision.LearnCron != DefaultConfig().Decision.LearnCron {
		t.Fatal("unset fields should keep defaults")
	}
}

func TestIncludeCycleRejected(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	_ = os.WriteFile(a, []byte(`{"$include": "b.json"}`), 0o600)
	_ = os.WriteFile(b, []byte(`{"$include": "a.json"}`), 0o600)
	if _, err := LoadFrom(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"1m30s"`), &d); err != nil || d.Duration != 90*time.Second {
		t.Fatalf("string form: %v %v", d, err)
	}
	if err := json.Unmarshal([]byte(`2.5`), &d); err != nil || d.Duration != 2500*time.Millisecond {
		t.Fatalf("seconds form: %v %v", d, err)
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatal("expected invalid duration rejected")
	}
	out, _ := json.Marshal(D(5 * time.Second))
	if string(out) != `"5s"` {
		t.Fatalf("marshal = %s", out)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Log.Format = "xml"
	cfg.Decision.MinConfidence = 1.5
	cfg.Escalation.SlackEnabled = true
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log.format", "decision.minConfidence", "slackToken"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestSaveWritesOwnerOnlyFile(t *testing.T) {
	home := isolate(t)
	t.Setenv("KAFCOORD_CONFIG", filepath.Join(home, "cfg", "config.json"))
	cfg := DefaultConfig()
	cfg.Kafka.TopicPrefix = "fleet"
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	path, _ := ConfigPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
	loaded, err := Load()
	if err != nil || loaded.Kafka.TopicPrefix != "fleet" {
		t.Fatalf("round trip failed: %v %+v", err, loaded.Kafka)
	}
}

func TestEnvFallbackInConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"kafka": {"brokers": "${KAFCOORD_TEST_UNSET_BROKERS:-fallback:9092}", "topicPrefix": "${KAFCOORD_TEST_UNSET_PREFIX}"}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Kafka.Brokers != "fallback:9092" {
		t.Fatalf("expected fallback brokers, got %q", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.TopicPrefix != "${KAFCOORD_TEST_UNSET_PREFIX}" {
		t.Fatalf("unset reference without fallback should stay literal, got %q", cfg.Kafka.TopicPrefix)
	}
}
