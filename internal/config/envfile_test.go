package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseEnvLine(t *testing.T) {
	for _, tc := range []struct {
		line, key, val string
		ok             bool
	}{
		{"KAFCOORD_LOG_LEVEL=debug", "KAFCOORD_LOG_LEVEL", "debug", true},
		{"export KAFCOORD_KAFKA_BROKERS = b1:9092 ", "KAFCOORD_KAFKA_BROKERS", "b1:9092", true},
		{`KAFCOORD_ESCALATION_SLACK_CHANNEL="#ops room"`, "KAFCOORD_ESCALATION_SLACK_CHANNEL", "#ops room", true},
		{"TOKEN='abc'", "TOKEN", "abc", true},
		{`MIXED="abc'`, "MIXED", `"abc'`, true},
		{"# comment", "", "", false},
		{"NO_EQUALS", "", "", false},
		{"=value", "", "", false},
		{"TWO WORDS=x", "", "", false},
	} {
		k, v, ok := parseEnvLine(tc.line)
		if ok != tc.ok || k != tc.key || v != tc.val {
			t.Errorf("parseEnvLine(%q) = %q %q %v", tc.line, k, v, ok)
		}
	}
}

func TestLoadEnvFileKeepsProcessValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	content := "KAFCOORD_TEST_KEEP=file\nKAFCOORD_TEST_NEW=file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("KAFCOORD_TEST_KEEP", "process")
	t.Setenv("KAFCOORD_TEST_NEW", "")
	os.Unsetenv("KAFCOORD_TEST_NEW")

	applied, err := loadEnvFile(path)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if len(applied) != 1 || applied[0] != "KAFCOORD_TEST_NEW" {
		t.Fatalf("unexpected applied keys %v", applied)
	}
	if got := os.Getenv("KAFCOORD_TEST_KEEP"); got != "process" {
		t.Fatalf("process value overwritten: %q", got)
	}
	if got := os.Getenv("KAFCOORD_TEST_NEW"); got != "file" {
		t.Fatalf("expected file value, got %q", got)
	}
}

func TestLoadEnvFileCandidatesExplicitFirst(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	explicit := filepath.Join(home, "kafcoord.env")
	if err := os.WriteFile(explicit, []byte("KAFCOORD_TEST_ORDER=explicit\n"), 0o600); err != nil {
		t.Fatalf("write explicit: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(home, ConfigDir), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, ConfigDir, "env"), []byte("KAFCOORD_TEST_ORDER=home\n"), 0o600); err != nil {
		t.Fatalf("write home env: %v", err)
	}
	t.Setenv("KAFCOORD_ENV_FILE", explicit)
	t.Setenv("KAFCOORD_TEST_ORDER", "")
	os.Unsetenv("KAFCOORD_TEST_ORDER")

	loaded := LoadEnvFileCandidates()
	if len(loaded) != 2 {
		t.Fatalf("expected both files loaded, got %v", loaded)
	}
	if got := os.Getenv("KAFCOORD_TEST_ORDER"); got != "explicit" {
		t.Fatalf("explicit env file should win, got %q", got)
	}
}
