package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/knowledge"
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Publish, search and import shared knowledge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var knowledgePublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a knowledge item",
	RunE:  runKnowledgePublish,
}

var knowledgeUpdateCmd = &cobra.Command{
	Use:   "update <item-id>",
	Short: "Publish a new version of an item",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeUpdate,
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank items by semantic similarity to the query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKnowledgeSearch,
}

var knowledgeGetCmd = &cobra.Command{
	Use:   "get <item-id>",
	Short: "Show one item version",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeGet,
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current items by topic or tag",
	RunE:  runKnowledgeList,
}

var knowledgeImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import items from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeImport,
}

func init() {
	knowledgeCmd.PersistentFlags().String("as", "", "Calling agent ID")
	knowledgeCmd.PersistentFlags().Bool("json", false, "Output machine-readable JSON")

	knowledgePublishCmd.Flags().String("type", string(knowledge.TypeFact), "Item type: fact, rule, procedure, relation")
	knowledgePublishCmd.Flags().String("topic", "", "Topic path, e.g. market/btc")
	knowledgePublishCmd.Flags().String("content", "", "Content as a JSON object")
	knowledgePublishCmd.Flags().StringArray("tag", nil, "Tag (repeatable)")
	knowledgePublishCmd.Flags().StringArray("meta", nil, "Metadata key=value (repeatable)")
	knowledgePublishCmd.Flags().Bool("draft", false, "Publish as draft")

	knowledgeUpdateCmd.Flags().String("content", "", "New content as a JSON object")
	knowledgeUpdateCmd.Flags().StringArray("meta", nil, "Metadata key=value (repeatable)")

	knowledgeSearchCmd.Flags().Int("limit", 5, "Maximum results")
	knowledgeGetCmd.Flags().Bool("history", false, "Show every retained version of the item's lineage")
	knowledgeListCmd.Flags().String("topic", "", "Topic prefix")
	knowledgeListCmd.Flags().String("tag", "", "Tag")

	knowledgeCmd.AddCommand(knowledgePublishCmd, knowledgeUpdateCmd, knowledgeSearchCmd, knowledgeGetCmd, knowledgeListCmd, knowledgeImportCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func runKnowledgePublish(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	itemType, _ := cmd.Flags().GetString("type")
	topic, _ := cmd.Flags().GetString("topic")
	rawContent, _ := cmd.Flags().GetString("content")
	tags, _ := cmd.Flags().GetStringArray("tag")
	rawMeta, _ := cmd.Flags().GetStringArray("meta")
	draft, _ := cmd.Flags().GetBool("draft")

	content, err := parseObject(rawContent, "content")
	if err != nil {
		return err
	}
	md, err := parseKV(rawMeta)
	if err != nil {
		return err
	}
	req := knowledge.PublishRequest{
		Type:     knowledge.Type(strings.ToLower(itemType)),
		Topic:    topic,
		Content:  content,
		Metadata: md,
		Tags:     tags,
	}
	if draft {
		req.Status = knowledge.StatusDraft
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		id, err := c.PublishKnowledge(ctx, caller, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runKnowledgeUpdate(cmd *cobra.Command, args []string) error {
	if _, err := callerFlag(cmd); err != nil {
		return err
	}
	rawContent, _ := cmd.Flags().GetString("content")
	rawMeta, _ := cmd.Flags().GetStringArray("meta")
	content, err := parseObject(rawContent, "content")
	if err != nil {
		return err
	}
	md, err := parseKV(rawMeta)
	if err != nil {
		return err
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		id, err := c.Knowledge.Update(ctx, args[0], content, md)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runKnowledgeSearch(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	query := strings.Join(args, " ")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		hits, err := c.SearchKnowledge(ctx, caller, query, limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, hits)
		}
		if len(hits) == 0 {
			fmt.Fprintln(out, "No matching knowledge.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCORE\tID\tTYPE\tTOPIC\tVERSION")
		for _, h := range hits {
			fmt.Fprintf(tw, "%.4f\t%s\t%s\t%s\t%d\n", h.Score, h.Item.ID, h.Item.Type, h.Item.Topic, h.Item.Version)
		}
		return tw.Flush()
	})
}

func runKnowledgeGet(cmd *cobra.Command, args []string) error {
	if _, err := callerFlag(cmd); err != nil {
		return err
	}
	history, _ := cmd.Flags().GetBool("history")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if history {
			items, err := c.Knowledge.History(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		}
		it, err := c.Knowledge.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), it)
	})
}

func runKnowledgeList(cmd *cobra.Command, args []string) error {
	if _, err := callerFlag(cmd); err != nil {
		return err
	}
	topic, _ := cmd.Flags().GetString("topic")
	tag, _ := cmd.Flags().GetString("tag")
	if topic == "" && tag == "" {
		return fmt.Errorf("one of --topic or --tag is required")
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		var (
			items []knowledge.Item
			err   error
		)
		if topic != "" {
			items, err = c.Knowledge.GetByTopic(ctx, topic)
		} else {
			items, err = c.Knowledge.GetByTag(ctx, tag)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), items)
	})
}

func runKnowledgeImport(cmd *cobra.Command, args []string) error {
	if _, err := callerFlag(cmd); err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		report, err := c.Knowledge.Import(ctx, f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(out, report)
		}
		fmt.Fprintf(out, "Published: %d\nUpdated:   %d\nStale:     %d\n", report.Published, report.Updated, report.Stale)
		for _, c := range report.Conflicts {
			fmt.Fprintf(out, "Conflict:  %s\n", c)
		}
		return nil
	})
}
