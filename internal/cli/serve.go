package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/escalation"
	"github.com/KafClaw/KafCoord/internal/retry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator: sweeps, learning and the Kafka bridge",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := activeConfig
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, err := buildNotifier()
	if err != nil {
		return err
	}
	c, err := coordinator.Open(ctx, cfg, notifier)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.RegisterJobs(); err != nil {
		return err
	}
	expired := c.Escalations.List(escalation.StatusExpired)

	out := cmd.OutOrStdout()
	printHeader(out, "🛰️ KafCoord Coordinator")
	fmt.Fprintf(out, "Database:  %s\n", cfg.Paths.Database)
	fmt.Fprintf(out, "Agents:    %d\n", len(c.Registry.List()))
	fmt.Fprintf(out, "Scheduler: %v\n", cfg.Scheduler.Enabled)
	fmt.Fprintf(out, "Kafka:     %v\n", cfg.Kafka.Enabled)
	if len(expired) > 0 {
		fmt.Fprintf(out, "Expired escalations: %d\n", len(expired))
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return c.Scheduler.Run(gctx) })
	}
	if cfg.Kafka.Enabled {
		topics := bus.Topics(cfg.Kafka.TopicPrefix)
		policy := retry.Policy{Attempts: cfg.Retry.Attempts, BaseDelay: cfg.Retry.BaseDelay.Duration, MaxDelay: cfg.Retry.MaxDelay.Duration}
		mirror := bus.NewKafkaPublisher(bus.NewKafkaWriter(cfg.Kafka.Brokers, topics.Events), policy)
		mirror.Mirror(gctx, c.Bus())
		defer mirror.Stop()

		consumer := bus.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, topics.Reports)
		defer consumer.Close()
		g.Go(func() error { return c.ServeReports(gctx, consumer) })
		slog.Info("Kafka bridge started", "events", topics.Events, "reports", topics.Reports)
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Coordinator stopped")
	return nil
}
