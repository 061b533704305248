package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ai-interview-session-client/internal/app"
	"ai-interview-session-client/internal/service/media"
	"ai-interview-session-client/internal/service/session"
)

func NewJoinCmd(deps *Dependencies) *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join an interview session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application := app.New(deps.Config)
			if err := application.Start(); err != nil {
				return err
			}

			if interactive {
				go readCommands(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), application.Session())
			}

			if err := application.Run(ctx); err != nil {
				return userFacing(err)
			}

			reason, _ := application.Session().EndReason()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", application.Session().Status(), reason)
			for _, e := range application.Session().Transcript() {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s: %s\n", e.Ordinal, e.Speaker, e.Text)
			}
			return nil
		},
	}

	cfg := deps.Config
	flags := cmd.Flags()
	flags.StringVar(&cfg.Session.Endpoint, "endpoint", cfg.Session.Endpoint, "interviewer backend WebSocket endpoint")
	flags.StringVar(&cfg.Session.Token, "token", cfg.Session.Token, "session credential")
	flags.StringVar(&cfg.Session.CandidateName, "name", cfg.Session.CandidateName, "candidate name")
	flags.StringVar(&cfg.Session.Role, "role", cfg.Session.Role, "role being interviewed for")
	flags.BoolVar(&cfg.Session.AutoBegin, "auto-begin", cfg.Session.AutoBegin, "start listening as soon as the session is ready")
	flags.StringVar(&cfg.Media.AudioFile, "audio", cfg.Media.AudioFile, "WAV file looped as microphone input")
	flags.StringVar(&cfg.Media.VideoFile, "video", cfg.Media.VideoFile, "JPEG or PNG still used as camera input")
	flags.StringVar(&cfg.Media.PlaybackDir, "playback-dir", cfg.Media.PlaybackDir, "directory to save interviewer replies")
	flags.StringVar(&cfg.Observability.HTTPAddr, "http-addr", cfg.Observability.HTTPAddr, "control and metrics HTTP address")
	flags.BoolVarP(&interactive, "interactive", "i", false, "read commands from stdin: begin, done, mic, camera, quit")

	return cmd
}

// userFacing replaces a device failure with the message meant for the candidate.
func userFacing(err error) error {
	var derr *media.DeviceError
	if errors.As(err, &derr) {
		return errors.New(derr.UserMessage())
	}
	return err
}

// commandSession is the part of the session driven from the terminal.
type commandSession interface {
	Begin() error
	EndTurn() error
	Hangup()
	MicEnabled() bool
	CameraEnabled() bool
	SetMicEnabled(bool)
	SetCameraEnabled(bool)
	Status() string
	Done() <-chan struct{}
}

var _ commandSession = (*session.Session)(nil)

func readCommands(ctx context.Context, in io.Reader, out io.Writer, s commandSession) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(strings.TrimSpace(line), out, s); quit {
				return
			}
		}
	}
}

func runCommand(line string, out io.Writer, s commandSession) (quit bool) {
	var err error
	switch strings.ToLower(line) {
	case "":
		return false
	case "b", "begin":
		err = s.Begin()
	case "d", "done":
		err = s.EndTurn()
	case "m", "mic":
		s.SetMicEnabled(!s.MicEnabled())
		fmt.Fprintf(out, "microphone enabled: %v\n", s.MicEnabled())
	case "c", "camera":
		s.SetCameraEnabled(!s.CameraEnabled())
		fmt.Fprintf(out, "camera enabled: %v\n", s.CameraEnabled())
	case "s", "status":
		fmt.Fprintln(out, s.Status())
	case "q", "quit":
		s.Hangup()
		return true
	default:
		fmt.Fprintf(out, "unknown command %q\n", line)
		return false
	}

	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}
