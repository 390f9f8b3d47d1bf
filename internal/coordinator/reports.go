package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/task"
)

// ServeReports applies agent reports read from consumer until ctx ends or
// the consumer's channel closes. Redelivered reports are ignored by id.
func (c *Coordinator) ServeReports(ctx context.Context, consumer bus.Consumer) error {
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start report consumer: %w", err)
	}
	seen := bus.NewDeduper(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-consumer.Messages():
			if !ok {
				return nil
			}
			r, err := bus.DecodeReport(msg.Value)
			if err != nil {
				slog.Warn("Dropping malformed report", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
				continue
			}
			if seen.Seen(r.ID) {
				slog.Debug("Duplicate report ignored", "report_id", r.ID)
				continue
			}
			if err := c.ApplyReport(ctx, r); err != nil {
				level := slog.LevelWarn
				if errors.Is(err, coreerr.ErrInvalidStateTransition) {
					level = slog.LevelInfo
				}
				slog.Log(ctx, level, "Report not applied", "report_id", r.ID, "type", r.Type, "agent_id", r.AgentID, "task_id", r.TaskID, "error", err)
			}
		}
	}
}

// ApplyReport routes one decoded report to the component that owns it.
func (c *Coordinator) ApplyReport(ctx context.Context, r bus.Report) error {
	switch r.Type {
	case bus.ReportHeartbeat:
		return c.Heartbeat(ctx, r.AgentID, r.Metadata)
	case bus.ReportAccepted:
		return c.AcceptTask(ctx, r.AgentID, r.TaskID)
	case bus.ReportProcessing:
		return c.StartTask(ctx, r.AgentID, r.TaskID)
	case bus.ReportCompleted:
		return c.ReportCompletion(ctx, r.AgentID, r.TaskID, task.Result{
			ID:         r.ID,
			Payload:    r.Payload,
			Confidence: r.Confidence,
			Timestamp:  r.Timestamp,
		})
	case bus.ReportFailed:
		return c.ReportFailure(ctx, r.AgentID, r.TaskID, r.Reason)
	default:
		return fmt.Errorf("%w: unsupported report type %q", coreerr.ErrInvalidInput, r.Type)
	}
}
