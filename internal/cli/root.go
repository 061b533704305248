// Package cli implements the interview-client command line.
package cli

import (
	"github.com/spf13/cobra"

	"ai-interview-session-client/internal/config"
)

type Dependencies struct {
	Config *config.Configuration
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "interview-client",
		Short: "Join AI-led interview sessions from the terminal",
		Long: "A headless client for the AI interviewer: it streams microphone audio and camera frames " +
			"to the interviewer backend, plays the interviewer's replies and keeps the transcript.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(NewJoinCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))
	rootCmd.AddCommand(NewMockInterviewerCmd(deps))

	return rootCmd
}
