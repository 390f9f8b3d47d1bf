package escalation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/retry"
)

// SlackNotifier posts escalations to a Slack channel for human review.
type SlackNotifier struct {
	api     *slack.Client
	channel string
	retry   retry.Policy
}

// NewSlackNotifier creates a notifier. apiBase defaults to the public Slack API.
func NewSlackNotifier(token, channel, apiBase string, client *http.Client) (*SlackNotifier, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("missing slack channel")
	}
	base := strings.TrimSpace(apiBase)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SlackNotifier{
		api:     slack.New(token, slack.OptionHTTPClient(client), slack.OptionAPIURL(base)),
		channel: channel,
		retry:   retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}, nil
}

// Notify posts e as a message card. Rate limited calls are retried.
func (n *SlackNotifier) Notify(ctx context.Context, e Escalation) error {
	text := fmt.Sprintf("Escalation %s (%s %s): %s", e.ID, e.Kind, e.SubjectID, e.Summary)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s escalation* `%s`\n%s", e.Kind, e.SubjectID, e.Summary), false, false), nil, nil),
	}
	if details := formatDetails(e.Details); details != "" {
		blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, details, false, false)))
	}
	blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.PlainTextType, "Resolve with: kafcoord escalation resolve "+e.ID+" <resolution>", false, false)))

	return retry.Do(ctx, "escalation.slack", n.retry, func(ctx context.Context) error {
		_, _, err := n.api.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionBlocks(blocks...),
		)
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) {
			return coreerr.Transient(err)
		}
		return err
	})
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("*%s*: %v", k, details[k]))
	}
	return strings.Join(parts, " | ")
}
