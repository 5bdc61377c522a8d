package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the broker topics results are published to",
	}
	cmd.PersistentFlags().String("kafka-brokers", "", "comma separated brokers")
	cmd.PersistentFlags().String("kafka-topic", "", "topic for published results")

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the results topic if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a *app, admin *redpanda.Admin) error {
				return admin.EnsureTopics(cmd.Context(), a.cfg.KafkaResultsTopic)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a *app, admin *redpanda.Admin) error {
				names, err := admin.ListTopics(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(tailCmd())

	return cmd
}

func tailCmd() *cobra.Command {
	var (
		from  string
		group string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print published results as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd, "pdc-topics")
			if err != nil {
				return err
			}
			defer a.close()

			brokers := a.cfg.Brokers()
			if len(brokers) == 0 {
				return errors.New("no brokers configured: set KAFKA_BROKERS or --kafka-brokers")
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			enc := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			handler := func(_ context.Context, msg *redpanda.ConsumedMessage) error {
				rm, err := msg.DecodeResult()
				if err != nil {
					a.logger.Warn("skipping undecodable message", zap.Error(err))
					return nil
				}
				if err := enc.Encode(rm); err != nil {
					return err
				}
				seen++
				if limit > 0 && seen >= limit {
					cancel()
				}
				return nil
			}

			ccfg := redpanda.DefaultConsumerConfig()
			ccfg.Brokers = brokers
			ccfg.Topics = []string{a.cfg.KafkaResultsTopic}
			ccfg.GroupID = group
			ccfg.StartOffset = from
			consumer, err := redpanda.NewConsumer(ccfg, handler, a.logger)
			if err != nil {
				return err
			}
			defer consumer.Close()

			if err := consumer.Run(ctx); err != nil {
				return err
			}
			stats := consumer.Stats()
			a.logger.Info("tail stopped",
				zap.Int64("messages", stats.MessagesRead),
				zap.Int64("errors", stats.ErrorCount))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "earliest", "where to start without a committed offset (earliest, latest)")
	cmd.Flags().StringVar(&group, "group", "", "consumer group to commit offsets under")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many results")
	return cmd
}

func withAdmin(cmd *cobra.Command, fn func(*app, *redpanda.Admin) error) error {
	a, err := newApp(cmd.Context(), cmd, "pdc-topics")
	if err != nil {
		return err
	}
	defer a.close()

	brokers := a.cfg.Brokers()
	if len(brokers) == 0 {
		return errors.New("no brokers configured: set KAFKA_BROKERS or --kafka-brokers")
	}

	admin, err := redpanda.NewAdmin(brokers, a.logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	if err := fn(a, admin); err != nil {
		return err
	}
	a.logger.Info("topics command complete", zap.Strings("brokers", brokers))
	return nil
}
