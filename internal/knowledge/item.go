// Package knowledge is the versioned, semantically searchable knowledge store
// shared by agents.
package knowledge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/KafCoord/internal/coreerr"
)

// Type classifies a knowledge item and selects its content schema.
type Type string

const (
	TypeFact      Type = "fact"
	TypeRule      Type = "rule"
	TypeProcedure Type = "procedure"
	TypeRelation  Type = "relation"
)

// Status is the lifecycle state of one item version.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Item is one immutable version of a knowledge entry. Versions of the same
// entry share a LineageID.
type Item struct {
	ID         string            `json:"id"`
	LineageID  string            `json:"lineage_id"`
	Type       Type              `json:"type"`
	Topic      string            `json:"topic"`
	Content    map[string]any    `json:"content"`
	Embedding  []float32         `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	SourceID   string            `json:"source_id"`
	Tags       []string          `json:"tags,omitempty"`
	Status     Status            `json:"status"`
	Version    int               `json:"version"`
	PreviousID string            `json:"previous_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// PublishRequest is the input to Repository.Publish.
type PublishRequest struct {
	Type     Type              `json:"type" yaml:"type"`
	Topic    string            `json:"topic" yaml:"topic"`
	Content  map[string]any    `json:"content" yaml:"content"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`
	SourceID string            `json:"source_id" yaml:"source"`
	Tags     []string          `json:"tags,omitempty" yaml:"tags"`
	Status   Status            `json:"status,omitempty" yaml:"status"`
}

// Scored is a search hit.
type Scored struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
}

// Filter selects items for subscriptions. Empty fields match everything.
type Filter struct {
	TopicPrefix string
	Tag         string
	Type        Type
	SourceID    string
}

// Matches reports whether it satisfies every non-empty field of f.
func (f Filter) Matches(it Item) bool {
	if f.TopicPrefix != "" && !topicUnder(it.Topic, NormalizeTopic(f.TopicPrefix)) {
		return false
	}
	if f.Type != "" && it.Type != f.Type {
		return false
	}
	if f.SourceID != "" && it.SourceID != f.SourceID {
		return false
	}
	if f.Tag != "" && !hasTag(it.Tags, f.Tag) {
		return false
	}
	return true
}

// NormalizeTopic trims separators and whitespace: " /a//b/ " becomes "a/b".
func NormalizeTopic(topic string) string {
	parts := strings.Split(strings.TrimSpace(topic), "/")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// topicUnder reports whether topic equals prefix or sits below it.
func topicUnder(topic, prefix string) bool {
	if prefix == "" {
		return true
	}
	return topic == prefix || strings.HasPrefix(topic, prefix+"/")
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func validType(t Type) bool {
	switch t {
	case TypeFact, TypeRule, TypeProcedure, TypeRelation:
		return true
	}
	return false
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", coreerr.ErrKnowledgeValidationFailed, fmt.Sprintf(format, args...))
}

// ValidateContent checks content against the schema of t.
func ValidateContent(t Type, content map[string]any) error {
	if len(content) == 0 {
		return validationErr("content is required")
	}
	switch t {
	case TypeFact:
		return requireStrings(content, "subject", "predicate", "object")
	case TypeRule:
		return requireStrings(content, "condition", "action")
	case TypeProcedure:
		steps, ok := content["steps"].([]any)
		if !ok {
			if ss, ok2 := content["steps"].([]string); ok2 && len(ss) > 0 {
				return nil
			}
			return validationErr("procedure steps must be a non-empty list")
		}
		if len(steps) == 0 {
			return validationErr("procedure steps must be a non-empty list")
		}
		return nil
	case TypeRelation:
		return requireStrings(content, "from", "to", "kind")
	default:
		return validationErr("unsupported type %q", t)
	}
}

func requireStrings(content map[string]any, keys ...string) error {
	var missing []string
	for _, k := range keys {
		v, ok := content[k]
		if !ok || v == nil || strings.TrimSpace(fmt.Sprint(v)) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return validationErr("%s required", strings.Join(missing, "/"))
	}
	return nil
}

// validate checks the whole request before any side effect.
func (r PublishRequest) validate() error {
	if !validType(r.Type) {
		return validationErr("unsupported type %q", r.Type)
	}
	if NormalizeTopic(r.Topic) == "" {
		return validationErr("topic is required")
	}
	switch r.Status {
	case "", StatusDraft, StatusActive:
	default:
		return validationErr("cannot publish with status %q", r.Status)
	}
	return ValidateContent(r.Type, r.Content)
}

// embedText renders the text an item is embedded from.
func embedText(topic string, tags []string, content map[string]any) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(topic, "/", " "))
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(flatten(content[k]))
	}
	for _, t := range tags {
		b.WriteByte(' ')
		b.WriteString(t)
	}
	return b.String()
}

func flatten(v any) string {
	switch x := v.(type) {
	case []any:
		parts := make([]string, len(x))
		for i := range x {
			parts[i] = flatten(x[i])
		}
		return strings.Join(parts, " ")
	case map[string]any:
		return embedText("", nil, x)
	default:
		return fmt.Sprint(v)
	}
}

// clone returns a deep copy so callers cannot reach cached state.
func (it Item) clone() Item {
	out := it
	out.Content = cloneMap(it.Content)
	if it.Metadata != nil {
		out.Metadata = make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Tags = append([]string(nil), it.Tags...)
	out.Embedding = append([]float32(nil), it.Embedding...)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
