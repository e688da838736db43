package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/redstone/orderflow/internal/redstone"
)

func dlqCmd() *cobra.Command {
	var (
		brokers string
		prefix  string
		count   int
		wait    time.Duration
	)
	cmd := &cobra.Command{Use: "dlq", Short: "Inspect dead-lettered messages"}
	peek := &cobra.Command{
		Use:   "peek",
		Short: "Print the oldest dead letters without consuming them",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := kafka.NewReader(kafka.ReaderConfig{
				Brokers:   redstone.CSV(brokers),
				Topic:     redstone.NewTopics(prefix).DeadLetter,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
			defer r.Close()

			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				m, err := r.ReadMessage(ctx)
				cancel()
				if errors.Is(err, context.DeadlineExceeded) {
					break
				}
				if err != nil {
					return err
				}
				h := redstone.Headers(m)
				fmt.Fprintf(out, "offset=%d order=%s type=%s source=%s consumer=%s attempts=%s\n  error: %s\n",
					m.Offset, m.Key, h["event_type"], h["dlq_source_topic"], h["dlq_consumer"], h["dlq_attempts"], h["dlq_error"])
			}
			return nil
		},
	}
	peek.Flags().StringVar(&brokers, "brokers", redstone.Env("KAFKA_BROKERS", "localhost:9092"), "comma separated Kafka brokers")
	peek.Flags().StringVar(&prefix, "topic-prefix", redstone.Env("KAFKA_TOPIC_PREFIX", "orderflow"), "topic prefix of the deployment")
	peek.Flags().IntVarP(&count, "count", "n", 20, "maximum messages to print")
	peek.Flags().DurationVar(&wait, "wait", 3*time.Second, "stop after this long without a message")
	cmd.AddCommand(peek)
	return cmd
}
