package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".kafcoord"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KAFCOORD"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("KAFCOORD_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("KAFCOORD_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFrom(path)
}

// LoadFrom loads path (which may be missing) and applies environment overrides.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/kafcoord/env (and fallbacks) first.
	LoadEnvFileCandidates()

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	for _, p := range []*string{&cfg.Paths.Home, &cfg.Paths.Database, &cfg.Scheduler.LockPath} {
		if v, err := expandHome(*p); err == nil {
			*p = v
		}
	}
	return cfg, nil
}

// applyEnv overrides each group from KAFCOORD_<GROUP>_* variables.
func applyEnv(cfg *Config) error {
	groups := []struct {
		name string
		spec any
	}{
		{"PATHS", &cfg.Paths},
		{"LOG", &cfg.Log},
		{"RETRY", &cfg.Retry},
		{"REGISTRY", &cfg.Registry},
		{"DELEGATOR", &cfg.Delegator},
		{"AGGREGATOR", &cfg.Aggregator},
		{"CONFLICT", &cfg.Conflict},
		{"KNOWLEDGE", &cfg.Knowledge},
		{"DECISION", &cfg.Decision},
		{"SCHEDULER", &cfg.Scheduler},
		{"KAFKA", &cfg.Kafka},
		{"ESCALATION", &cfg.Escalation},
		{"ENROLLMENT", &cfg.Enrollment},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.spec); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, g.name, err)
		}
	}
	return nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes cfg to path with owner-only permissions.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// envRef matches ${VAR} and ${VAR:-fallback}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	r := &includeResolver{}
	obj, err := r.load(path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// includeResolver expands "$include" chains. Included files load first and
// the including file's own keys override them.
type includeResolver struct {
	chain []string
}

func (r *includeResolver) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range r.chain {
		if p == abs {
			return nil, fmt.Errorf("config include cycle detected: %s -> %s", strings.Join(r.chain, " -> "), abs)
		}
	}
	r.chain = append(r.chain, abs)
	defer func() { r.chain = r.chain[:len(r.chain)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := includeList(doc["$include"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	delete(doc, "$include")

	out := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		child, err := r.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(out, child)
	}
	expandEnv(doc)
	overlay(out, doc)
	return out, nil
}

func includeList(v any) ([]string, error) {
	var raw []any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []any{t}
	case []any:
		raw = t
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
	var out []string
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("$include entries must be strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// overlay copies src into dst, descending into nested objects.
func overlay(dst, src map[string]any) {
	for k, v := range src {
		sub, isObj := v.(map[string]any)
		if !isObj {
			dst[k] = v
			continue
		}
		target, ok := dst[k].(map[string]any)
		if !ok {
			target = map[string]any{}
			dst[k] = target
		}
		overlay(target, sub)
	}
}

// expandEnv rewrites env references in every string value of doc in place.
// Unset variables without a fallback are left as written.
func expandEnv(doc map[string]any) {
	var walk func(v any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case map[string]any:
			for k, item := range t {
				t[k] = walk(item)
			}
		case []any:
			for i, item := range t {
				t[i] = walk(item)
			}
		case string:
			return envRef.ReplaceAllStringFunc(t, func(ref string) string {
				m := envRef.FindStringSubmatch(ref)
				if val, ok := os.LookupEnv(m[1]); ok {
					return val
				}
				if strings.Contains(ref, ":-") {
					return m[2]
				}
				return ref
			})
		}
		return v
	}
	walk(doc)
}
