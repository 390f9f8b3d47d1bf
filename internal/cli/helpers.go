package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/escalation"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withCoordinator opens the coordinator over the configured store, runs fn and
// closes it again, letting queued events reach the event log first.
func withCoordinator(cmd *cobra.Command, fn func(ctx context.Context, c *coordinator.Coordinator) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	notifier, err := buildNotifier()
	if err != nil {
		return err
	}
	c, err := coordinator.Open(ctx, activeConfig, notifier)
	if err != nil {
		return err
	}
	runErr := fn(ctx, c)
	if err := c.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func buildNotifier() (escalation.Notifier, error) {
	ec := activeConfig.Escalation
	if !ec.SlackEnabled {
		return nil, nil
	}
	n, err := escalation.NewSlackNotifier(ec.SlackToken, ec.SlackChannel, ec.SlackAPIBase, nil)
	if err != nil {
		return nil, fmt.Errorf("slack notifier: %w", err)
	}
	return n, nil
}

// parseKV turns ["k=v", ...] into a map.
func parseKV(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// parseObject decodes a JSON object flag. Empty input yields nil.
func parseObject(raw, flag string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return out, nil
}

func requireFlag(cmd *cobra.Command, name string) (string, error) {
	v, _ := cmd.Flags().GetString(name)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func statusColor(s string) string {
	switch s {
	case "active", "completed", "resolved", "high":
		return color.GreenString(s)
	case "degraded", "assigned", "accepted", "processing", "pending", "medium", "low":
		return color.YellowString(s)
	case "offline", "failed", "timeout", "cancelled", "unresolved", "expired", "very_low":
		return color.RedString(s)
	default:
		return s
	}
}
