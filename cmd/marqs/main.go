package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/triggerdotdev/marqs/internal/config"
	"github.com/triggerdotdev/marqs/internal/marqs"
	"github.com/triggerdotdev/marqs/internal/runtime"
	"github.com/triggerdotdev/marqs/pkg/id"
	logpkg "github.com/triggerdotdev/marqs/pkg/log"
)

// messageIDs generates ids for enqueue calls that don't supply their own.
// Ids are unique within one process; each `marqs enqueue` invocation is its
// own process with a fresh generator, so two invocations in the same
// millisecond without --message-id produce the same id.
var messageIDs = id.NewGenerator()

func main() {
	level := os.Getenv("MARQS_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "marqs",
		Short: "MarQS operator CLI",
		Long:  "MarQS is an embedded fair-share message broker. This CLI drives a single instance for operations and local debugging.",
	}

	rootCmd.AddCommand(
		newServeCmd(logger),
		newEnqueueCmd(logger),
		newDequeueCmd(logger),
		newAckCmd(logger),
		newNackCmd(logger),
		newHeartbeatCmd(logger),
		newReplaceCmd(logger),
		newCapacitiesCmd(logger),
		newUpdateLimitsCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg := config.FromEnv(config.Default())
	if v, _ := cmd.Flags().GetString("redis-host"); v != "" {
		cfg.Redis.Host = v
	}
	if v, _ := cmd.Flags().GetInt("redis-port"); v != 0 {
		cfg.Redis.Port = v
	}
	return cfg
}

func addRedisFlags(cmd *cobra.Command) {
	cmd.Flags().String("redis-host", "", "Redis host (overrides REDIS_HOST)")
	cmd.Flags().Int("redis-port", 0, "Redis port (overrides REDIS_PORT)")
}

func newServeCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the requeuer workers in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// serve is the one long-lived process in this binary, so it uses
			// the package-level singleton rather than opening its own
			// Runtime: a second call within the same process (there isn't
			// one here, but Global is what the singleton is for) would reuse
			// this connection instead of opening another.
			_, err := runtime.Global(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("open runtime: %w", err)
			}
			defer runtime.CloseGlobal()

			logger.Info("marqs serving", logpkg.Int("requeuerWorkers", cfg.RequeuerWorkers))

			<-ctx.Done()
			logger.Info("marqs shutting down")
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}
	addRedisFlags(cmd)
	return cmd
}

func newEnqueueCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			org, _ := cmd.Flags().GetString("org")
			queue, _ := cmd.Flags().GetString("queue")
			ck, _ := cmd.Flags().GetString("concurrency-key")
			messageID, _ := cmd.Flags().GetString("message-id")
			data, _ := cmd.Flags().GetString("data")
			if messageID == "" {
				messageID = messageIDs.Next().String()
			}

			ctx := context.Background()
			rt, broker, err := openBroker(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			return broker.Enqueue(ctx, marqs.EnqueueInput{
				Env: env, Org: org, Queue: queue, ConcurrencyKey: ck,
				MessageID: messageID, Data: []byte(data), Timestamp: time.Now().UnixMilli(),
			})
		},
	}
	addRedisFlags(cmd)
	cmd.Flags().String("env", "", "Environment id")
	cmd.Flags().String("org", "", "Organization id")
	cmd.Flags().String("queue", "", "Queue name")
	cmd.Flags().String("concurrency-key", "", "Optional concurrency key")
	cmd.Flags().String("message-id", "", "Message id (auto-generated if omitted)")
	cmd.Flags().String("data", "{}", "JSON message payload")
	return cmd
}

func newDequeueCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dequeue",
		Short: "Dequeue the next available message for an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			org, _ := cmd.Flags().GetString("org")

			ctx := context.Background()
			rt, broker, err := openBroker(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, ok, err := broker.DequeueFromEnv(ctx, env, org)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("no message available")
				return nil
			}
			b, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
	addRedisFlags(cmd)
	cmd.Flags().String("env", "", "Environment id")
	cmd.Flags().String("org", "", "Organization id")
	return cmd
}

func newAckCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			org, _ := cmd.Flags().GetString("org")
			messageID, _ := cmd.Flags().GetString("message-id")

			ctx := context.Background()
			rt, broker, err := openBroker(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			m, err := loadEnvelope(ctx, rt, messageID)
			if err != nil {
				return err
			}
			return broker.Ack(ctx, env, org, m)
		},
	}
	addRedisFlags(cmd)
	cmd.Flags().String("env", "", "Environment id")
	cmd.Flags().String("org", "", "Organization id")
	cmd.Flags().String("message-id", "", "Message id")
	return cmd
}

func newNackCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nack",
		Short: "Return a message to its queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			org, _ := cmd.Flags().GetString("org")
			messageID, _ := cmd.Flags().GetString("message-id")

			ctx := context.Background()
			rt, broker, err := openBroker(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			m, err := loadEnvelope(ctx, rt, messageID)
			if err != nil {
				return err
			}
			return broker.Nack(ctx, env, org, m, time.Now().UnixMilli())
		},
	}
	addRedisFlags(cmd)
	cmd.Flags().String("env", "", "Environment id")
	cmd.Flags().String("org", "", "Organization id")
	cmd.Flags().String("message-id", "", "Message id")
	return cmd
}

func newHeartbeatCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Extend a message's visibility deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			messageID, _ := cmd.Flags().GetString("message-id")
			seconds, _ := cmd.Flags().GetInt("seconds")

			ctx := context.Background()
			rt, broker, err := openBroker(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			newDeadline, err := broker.Heartbeat(ctx, messageID, seconds)
			if err != nil {
				return err
			}
			fmt.Println("new deadline:", newDeadline)
			return nil
		},
	}
	addRedisFlags(cmd)
	cmd.Flags().String("message-id", "", "Message id")
	cmd.Flags().Int("seconds", marqs.DefaultHeartbeatSeconds, "Extension in seconds, clamped to the broker's visibility timeout")
	return cmd
}

func newReplaceCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replace",
		Short: "Replace a message's body and due time, preserving its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			org, _ := cmd.Flags().GetString("org")
			messageID, _ := cmd.Flags().GetString("message-id")
			data, _ := cmd.Flags().GetString("data")

			ctx := context.Background()
			rt, broker, err := openBroker(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			m, err := loadEnvelope(ctx, rt, messageID)
			if err != nil {
				return err
			}
			return broker.Replace(ctx, env, org, m, []byte(data), time.Now().UnixMilli())
		},
	}
	addRedisFlags(cmd)
	cmd.Flags().String("env", "", "Environment id")
	cmd.Flags().String("org", "", "Organization id")
	cmd.Flags().String("message-id", "", "Message id")
	cmd.Flags().String("data", "{}", "New JSON message payload")
	return cmd
}

func newCapacitiesCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacities",
		Short: "Report current/limit for the queue/env/org ceilings",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			org, _ := cmd.Flags().GetString("org")
			queue, _ := cmd.Flags().GetString("queue")
			ck, _ := cmd.Flags().GetString("concurrency-key")

			ctx := context.Background()
			rt, broker, err := openBroker(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			caps, err := broker.ComputeCapacities(ctx, env, org, queue, ck)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(caps, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
	addRedisFlags(cmd)
	cmd.Flags().String("env", "", "Environment id")
	cmd.Flags().String("org", "", "Organization id")
	cmd.Flags().String("queue", "", "Queue name")
	cmd.Flags().String("concurrency-key", "", "Optional concurrency key")
	return cmd
}

func newUpdateLimitsCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-limits",
		Short: "Update the env and org concurrency ceilings",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			org, _ := cmd.Flags().GetString("org")
			envLimit, _ := cmd.Flags().GetInt("env-limit")
			orgLimit, _ := cmd.Flags().GetInt("org-limit")

			ctx := context.Background()
			rt, broker, err := openBroker(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			return broker.UpdateGlobalConcurrencyLimits(ctx, env, org, envLimit, orgLimit)
		},
	}
	addRedisFlags(cmd)
	cmd.Flags().String("env", "", "Environment id")
	cmd.Flags().String("org", "", "Organization id")
	cmd.Flags().Int("env-limit", 100, "New environment concurrency limit")
	cmd.Flags().Int("org-limit", 1000, "New organization concurrency limit")
	return cmd
}

func openBroker(ctx context.Context, cmd *cobra.Command, logger logpkg.Logger) (*runtime.Runtime, *marqs.Broker, error) {
	cfg := loadConfig(cmd)
	rt, err := runtime.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open runtime: %w", err)
	}
	return rt, rt.Broker(), nil
}

func loadEnvelope(ctx context.Context, rt *runtime.Runtime, messageID string) (marqs.MessageEnvelope, error) {
	body, err := rt.Broker().LoadMessage(ctx, messageID)
	if err != nil {
		return marqs.MessageEnvelope{}, err
	}
	return marqs.DecodeMessage(body)
}
