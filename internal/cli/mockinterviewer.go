package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ai-interview-session-client/internal/mockinterviewer"
	"ai-interview-session-client/internal/observability/logging"
)

func NewMockInterviewerCmd(deps *Dependencies) *cobra.Command {
	cfg := deps.Config

	cmd := &cobra.Command{
		Use:   "mock-interviewer",
		Short: "Run a local interviewer backend for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{
				Level:  cfg.Observability.LogLevel,
				Format: cfg.Observability.LogFormat,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := mockinterviewer.New(mockinterviewer.Config{
				Token:         cfg.Mock.Token,
				ReplyDuration: cfg.Mock.ReplyDuration,
				ThinkDelay:    cfg.Mock.ThinkDelay,
			})
			return server.ListenAndServe(ctx, cfg.Mock.Addr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Mock.Addr, "addr", cfg.Mock.Addr, "listen address")
	flags.StringVar(&cfg.Mock.Token, "token", cfg.Mock.Token, "accepted token; empty accepts any non-empty token")
	flags.DurationVar(&cfg.Mock.ReplyDuration, "reply-duration", cfg.Mock.ReplyDuration, "length of each synthesized reply")
	flags.DurationVar(&cfg.Mock.ThinkDelay, "think-delay", cfg.Mock.ThinkDelay, "pause between THINKING and the reply")

	return cmd
}
