package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/registry"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Register and inspect agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an agent (re-registering updates it in place)",
	RunE:  runAgentRegister,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE:  runAgentList,
}

var agentHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <agent-id>",
	Short: "Record a heartbeat with optional resource hints",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentHeartbeat,
}

var agentEnrollCmd = &cobra.Command{
	Use:   "enroll <agent-id>",
	Short: "Render an enrollment QR card for a mobile agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentEnroll,
}

func init() {
	agentRegisterCmd.Flags().String("id", "", "Agent ID (generated when empty)")
	agentRegisterCmd.Flags().String("name", "", "Display name")
	agentRegisterCmd.Flags().String("role", string(registry.RoleSpecialist), "Role: executive, specialist, utility, mobile, system")
	agentRegisterCmd.Flags().String("status", string(registry.StatusActive), "Initial status")
	agentRegisterCmd.Flags().StringArray("capability", nil, "Capability as name or name:tag1,tag2 (repeatable)")
	agentRegisterCmd.Flags().StringArray("meta", nil, "Metadata key=value (repeatable)")

	agentListCmd.Flags().String("status", "", "Filter by status")
	agentListCmd.Flags().String("role", "", "Filter by role")
	agentListCmd.Flags().String("capability", "", "Filter by capability name or tag")
	agentListCmd.Flags().Bool("json", false, "Output machine-readable JSON")

	agentHeartbeatCmd.Flags().StringArray("hint", nil, "Resource hint key=value, e.g. battery=40 (repeatable)")

	agentEnrollCmd.Flags().String("out", "", "Write a PNG instead of printing to the terminal")
	agentEnrollCmd.Flags().Int("size", 256, "PNG size in pixels")

	agentCmd.AddCommand(agentRegisterCmd, agentListCmd, agentHeartbeatCmd, agentEnrollCmd)
	rootCmd.AddCommand(agentCmd)
}

// parseCapability reads "name" or "name:tag1,tag2".
func parseCapability(raw string) (registry.Capability, error) {
	name, tags, _ := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return registry.Capability{}, fmt.Errorf("capability %q has no name", raw)
	}
	c := registry.Capability{Name: name}
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			c.Tags = append(c.Tags, t)
		}
	}
	return c, nil
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	role, _ := cmd.Flags().GetString("role")
	status, _ := cmd.Flags().GetString("status")
	rawCaps, _ := cmd.Flags().GetStringArray("capability")
	rawMeta, _ := cmd.Flags().GetStringArray("meta")

	rec := registry.AgentRecord{
		ID:     id,
		Name:   name,
		Role:   registry.Role(strings.ToLower(role)),
		Status: registry.Status(strings.ToLower(status)),
	}
	for _, raw := range rawCaps {
		c, err := parseCapability(raw)
		if err != nil {
			return err
		}
		rec.Capabilities = append(rec.Capabilities, c)
	}
	md, err := parseKV(rawMeta)
	if err != nil {
		return err
	}
	rec.Metadata = md

	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		id, err := c.RegisterAgent(ctx, rec)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runAgentList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	role, _ := cmd.Flags().GetString("role")
	capName, _ := cmd.Flags().GetString("capability")
	asJSON, _ := cmd.Flags().GetBool("json")

	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		var agents []registry.AgentRecord
		switch {
		case capName != "":
			agents = c.Registry.FindByCapabilityName(capName)
		case role != "":
			agents = c.Registry.FindByType(registry.Role(role))
		case status != "":
			agents = c.Registry.FindByStatus(registry.Status(status))
		default:
			agents = c.Registry.List()
		}
		agents = filterAgents(agents, registry.Status(status), registry.Role(role))
		sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, agents)
		}
		if len(agents) == 0 {
			fmt.Fprintln(out, "No agents registered.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tROLE\tSTATUS\tCAPABILITIES\tLAST SEEN")
		for _, a := range agents {
			caps := make([]string, len(a.Capabilities))
			for i, cp := range a.Capabilities {
				caps[i] = cp.Name
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Role, statusColor(string(a.Status)), strings.Join(caps, ","), a.LastSeen.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func filterAgents(in []registry.AgentRecord, status registry.Status, role registry.Role) []registry.AgentRecord {
	out := in[:0]
	for _, a := range in {
		if status != "" && a.Status != status {
			continue
		}
		if role != "" && a.Role != role {
			continue
		}
		out = append(out, a)
	}
	return out
}

func runAgentHeartbeat(cmd *cobra.Command, args []string) error {
	rawHints, _ := cmd.Flags().GetStringArray("hint")
	hints, err := parseKV(rawHints)
	if err != nil {
		return err
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if err := c.Heartbeat(ctx, args[0], hints); err != nil {
			return err
		}
		a, err := c.Registry.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", a.ID, statusColor(string(a.Status)))
		return nil
	})
}

// enrollmentCard is what a mobile agent scans to find its coordinator.
type enrollmentCard struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	Brokers string `json:"brokers"`
	Reports string `json:"reports_topic"`
	Events  string `json:"events_topic"`
}

func runAgentEnroll(cmd *cobra.Command, args []string) error {
	outPath, _ := cmd.Flags().GetString("out")
	size, _ := cmd.Flags().GetInt("size")

	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		a, err := c.Registry.Get(args[0])
		if err != nil {
			return err
		}
		topics := bus.Topics(activeConfig.Kafka.TopicPrefix)
		card := enrollmentCard{
			AgentID: a.ID,
			Role:    string(a.Role),
			Brokers: activeConfig.Enrollment.Endpoint,
			Reports: topics.Reports,
			Events:  topics.Events,
		}
		raw, err := json.Marshal(card)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outPath != "" {
			if err := qrcode.WriteFile(string(raw), qrcode.Medium, size, outPath); err != nil {
				return fmt.Errorf("write enrollment QR: %w", err)
			}
			fmt.Fprintf(out, "Enrollment QR for %s written to %s\n", a.ID, outPath)
			return nil
		}
		q, err := qrcode.New(string(raw), qrcode.Medium)
		if err != nil {
			return fmt.Errorf("encode enrollment QR: %w", err)
		}
		fmt.Fprintln(out, q.ToSmallString(false))
		fmt.Fprintln(out, string(raw))
		return nil
	})
}
