package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"ai-interview-session-client/internal/service/media"
)

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg := deps.Config
			ok := true

			if cfg.Session.Token != "" {
				check(out, "Session token", true, "configured")
			} else {
				check(out, "Session token", false, "not set. Set SESSION_TOKEN or pass --token to join")
				ok = false
			}

			host, err := endpointHost(cfg.Session.Endpoint)
			if err != nil {
				check(out, "Endpoint", false, err.Error())
				ok = false
			} else {
				check(out, "Endpoint", true, cfg.Session.Endpoint)
				conn, err := net.DialTimeout("tcp", host, 3*time.Second)
				if err != nil {
					check(out, "Backend reachable", false, err.Error())
					ok = false
				} else {
					_ = conn.Close()
					check(out, "Backend reachable", true, host)
				}
			}

			source := media.NewFileSource(media.FileSourceConfig{
				AudioPath:  cfg.Media.AudioFile,
				VideoPath:  cfg.Media.VideoFile,
				SampleRate: uint32(max(cfg.Media.SampleRate, 0)),
			})
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := source.Acquire(ctx); err != nil {
				msg := err.Error()
				var derr *media.DeviceError
				if errors.As(err, &derr) {
					msg = derr.UserMessage()
				}
				check(out, "Media devices", false, msg)
				ok = false
			} else {
				check(out, "Media devices", true, describeMedia(cfg.Media.AudioFile, cfg.Media.VideoFile))
			}
			source.Release()

			if cfg.Kafka.Enabled {
				check(out, "Kafka export", true, fmt.Sprintf("%v", cfg.Kafka.Brokers))
			} else {
				check(out, "Kafka export", true, "disabled, events are logged only")
			}

			if ok {
				fmt.Fprintln(out, "\nAll prerequisites met. Ready to join!")
			} else {
				fmt.Fprintln(out, "\nSome prerequisites are missing.")
			}
			return nil
		},
	}
}

func check(out io.Writer, name string, ok bool, detail string) {
	mark := "✓"
	if !ok {
		mark = "✗"
	}
	fmt.Fprintf(out, "%s %s: %s\n", mark, name, detail)
}

func endpointHost(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		if u.Port() == "" {
			return net.JoinHostPort(u.Hostname(), "80"), nil
		}
	case "wss":
		if u.Port() == "" {
			return net.JoinHostPort(u.Hostname(), "443"), nil
		}
	default:
		return "", fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	return u.Host, nil
}

func describeMedia(audio, video string) string {
	if audio == "" {
		audio = "silence"
	}
	if video == "" {
		video = "test pattern"
	}
	return fmt.Sprintf("microphone=%s camera=%s", audio, video)
}
