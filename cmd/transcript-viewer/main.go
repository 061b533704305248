// Command transcript-viewer consumes exported interview events from Kafka and
// displays them live in the browser.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ai-interview-session-client/internal/config"
	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/viewer"
)

func main() {
	cfg := config.Load()

	var (
		addr    string
		brokers string
		since   time.Duration
	)

	cmd := &cobra.Command{
		Use:          "transcript-viewer",
		Short:        "Show interview transcripts from Kafka in the browser",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: cfg.Observability.LogLevel, Format: cfg.Observability.LogFormat})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := viewer.NewHub()
			server := &http.Server{Addr: addr, Handler: viewer.NewRouter(hub), ReadHeaderTimeout: 5 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			for _, topic := range []string{cfg.Kafka.TopicTranscript, cfg.Kafka.TopicLifecycle} {
				consumer := viewer.NewConsumer(gctx, viewer.ConsumerConfig{
					Brokers: strings.Split(brokers, ","),
					Topic:   topic,
					Since:   since,
				}, hub)
				g.Go(func() error { return consumer.Run(gctx) })
			}
			g.Go(func() error {
				log.Info().Str("addr", addr).Str("brokers", brokers).Msg("Transcript viewer listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				hub.CloseAll()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", ":8082", "HTTP listen address")
	flags.StringVar(&brokers, "brokers", strings.Join(cfg.Kafka.Brokers, ","), "Kafka brokers (comma-separated)")
	flags.StringVar(&cfg.Kafka.TopicTranscript, "topic-transcript", cfg.Kafka.TopicTranscript, "transcript topic")
	flags.StringVar(&cfg.Kafka.TopicLifecycle, "topic-lifecycle", cfg.Kafka.TopicLifecycle, "lifecycle topic")
	flags.DurationVar(&since, "since", time.Hour, "how far back to replay events")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
