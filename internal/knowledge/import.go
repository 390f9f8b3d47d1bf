package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"gopkg.in/yaml.v3"

	"github.com/KafClaw/KafCoord/internal/coreerr"
)

const (
	ApplyAccepted = "accepted"
	ApplyStale    = "stale"
	ApplyConflict = "conflict"
)

// ApplyResult is the outcome of checking an incoming versioned item against
// the current lineage head.
type ApplyResult struct {
	Status string
	Reason string
}

// EvaluateApply enforces lineage version policy for externally versioned items.
// Rules:
// - A new lineage must start at version 1.
// - An existing lineage accepts only head.Version+1.
// - Same-or-lower versions are stale only if content matches exactly; else conflict.
// - Version gaps are conflicts.
func EvaluateApply(head *Item, version int, content map[string]any) ApplyResult {
	if version <= 0 {
		return ApplyResult{Status: ApplyConflict, Reason: "invalid_version"}
	}
	if head == nil {
		if version != 1 {
			return ApplyResult{Status: ApplyConflict, Reason: "new_lineage_must_start_at_v1"}
		}
		return ApplyResult{Status: ApplyAccepted, Reason: "new_lineage"}
	}
	if version == head.Version+1 {
		return ApplyResult{Status: ApplyAccepted, Reason: "sequential_update"}
	}
	if version <= head.Version {
		if reflect.DeepEqual(normalizeContent(head.Content), normalizeContent(content)) {
			return ApplyResult{Status: ApplyStale, Reason: "duplicate_or_stale"}
		}
		return ApplyResult{Status: ApplyConflict, Reason: "version_regression_content_mismatch"}
	}
	return ApplyResult{Status: ApplyConflict, Reason: fmt.Sprintf("version_gap_%d_to_%d", head.Version, version)}
}

// normalizeContent maps YAML-decoded scalars onto the shapes JSON decoding
// produces so contents compare equal across sources.
func normalizeContent(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case map[string]any:
		return normalizeContent(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeValue(x[i])
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	default:
		return v
	}
}

// importFile is the YAML seed document.
type importFile struct {
	Items []importItem `yaml:"items"`
}

type importItem struct {
	PublishRequest `yaml:",inline"`
	Lineage        string `yaml:"lineage"`
	Version        int    `yaml:"version"`
}

// ImportReport summarises an Import run.
type ImportReport struct {
	Published int      `json:"published"`
	Updated   int      `json:"updated"`
	Stale     int      `json:"stale"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Import reads a YAML seed document and publishes its items. Items with a
// lineage and version go through EvaluateApply; others are published as new
// lineages. Validation failures abort the import.
func (r *Repository) Import(ctx context.Context, in io.Reader) (ImportReport, error) {
	var doc importFile
	dec := yaml.NewDecoder(in)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return ImportReport{}, nil
		}
		return ImportReport{}, fmt.Errorf("%w: decode knowledge import: %v", coreerr.ErrInvalidInput, err)
	}

	var rep ImportReport
	for i, item := range doc.Items {
		item.Content = normalizeContent(item.Content)
		if item.Lineage == "" {
			if _, err := r.Publish(ctx, item.PublishRequest); err != nil {
				return rep, fmt.Errorf("import item %d: %w", i, err)
			}
			rep.Published++
			continue
		}

		head := r.head(item.Lineage)
		res := EvaluateApply(head, item.Version, item.Content)
		switch res.Status {
		case ApplyStale:
			rep.Stale++
		case ApplyConflict:
			slog.Warn("Knowledge import conflict", "lineage", item.Lineage, "version", item.Version, "reason", res.Reason)
			rep.Conflicts = append(rep.Conflicts, fmt.Sprintf("%s@v%d: %s", item.Lineage, item.Version, res.Reason))
		case ApplyAccepted:
			if head == nil {
				if _, err := r.publish(ctx, item.PublishRequest, item.Lineage); err != nil {
					return rep, fmt.Errorf("import item %d: %w", i, err)
				}
				rep.Published++
				continue
			}
			if _, err := r.Update(ctx, head.ID, item.Content, item.Metadata); err != nil {
				return rep, fmt.Errorf("import item %d: %w", i, err)
			}
			rep.Updated++
		}
	}
	slog.Info("Knowledge import finished", "published", rep.Published, "updated", rep.Updated, "stale", rep.Stale, "conflicts", len(rep.Conflicts))
	return rep, nil
}

// head returns a copy of the lineage head, or nil.
func (r *Repository) head(lineage string) *Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.heads[lineage]
	if !ok {
		return nil
	}
	it := r.byID[id].clone()
	return &it
}
