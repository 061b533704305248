// Package config loads the client configuration from defaults, an optional
// YAML file named by CONFIG_FILE, and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

type Configuration struct {
	Service       ServiceConfig
	Session       SessionConfig
	Media         MediaConfig
	Heartbeat     HeartbeatConfig
	Reconnect     ReconnectConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
	Mock          MockConfig
}

type ServiceConfig struct {
	Principal string
	GRPCPort  string
}

type SessionConfig struct {
	Endpoint         string
	Token            string
	CandidateName    string
	Role             string
	AutoBegin        bool
	AudioWaitTimeout time.Duration
}

type MediaConfig struct {
	AudioFile        string
	VideoFile        string
	SampleRate       int
	ChunkInterval    time.Duration
	FrameInterval    time.Duration
	JPEGQuality      int
	PlaybackDir      string
	FallbackByteRate int
}

type HeartbeatConfig struct {
	Interval time.Duration
	// PongTimeout of zero disables the liveness check.
	PongTimeout time.Duration
}

type ReconnectConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts of zero retries forever.
	MaxAttempts int
	MediaRate   float64
	MediaBurst  int
}

type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	TopicTranscript string
	TopicLifecycle  string
	Principal       string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
	HTTPAddr  string
}

// MockConfig configures the local mock interviewer.
type MockConfig struct {
	Addr          string
	Token         string
	ReplyDuration time.Duration
	ThinkDelay    time.Duration
}

var defaults = map[string]any{
	"service.principal": "svc-interview-client",
	"grpc.port":         "50051",

	"session.endpoint":           "ws://localhost:8000/ws/interview",
	"session.token":              "",
	"session.candidate_name":     "Candidate",
	"session.role":               "Software Engineer",
	"session.auto_begin":         false,
	"session.audio_wait_timeout": "10s",

	"media.audio_file":         "",
	"media.video_file":         "",
	"media.sample_rate":        16000,
	"media.chunk_interval":     "1s",
	"media.frame_interval":     "1s",
	"media.jpeg_quality":       50,
	"media.playback_dir":       "",
	"media.fallback_byte_rate": 32000,

	"heartbeat.interval":     "30s",
	"heartbeat.pong_timeout": "0s",

	"reconnect.initial_backoff": "3s",
	"reconnect.max_backoff":     "30s",
	"reconnect.max_attempts":    0,
	"reconnect.media_rate":      10.0,
	"reconnect.media_burst":     20,

	"kafka.enabled":          false,
	"kafka.brokers":          "localhost:9092",
	"kafka.topic_transcript": "interview.transcript",
	"kafka.topic_lifecycle":  "interview.session.lifecycle",
	"kafka.principal":        "",

	"log.level":  "info",
	"log.format": "json",
	"http.addr":  ":8081",

	"mock.addr":           ":8000",
	"mock.token":          "",
	"mock.reply_duration": "1500ms",
	"mock.think_delay":    "500ms",
}

// Load resolves the configuration. Values that fail to parse fall back to
// their defaults.
func Load() *Configuration {
	v := newViper()
	l := loader{v: v}

	cfg := &Configuration{
		Service: ServiceConfig{
			Principal: l.String("service.principal"),
			GRPCPort:  l.String("grpc.port"),
		},
		Session: SessionConfig{
			Endpoint:         l.String("session.endpoint"),
			Token:            l.String("session.token"),
			CandidateName:    l.String("session.candidate_name"),
			Role:             l.String("session.role"),
			AutoBegin:        l.Bool("session.auto_begin"),
			AudioWaitTimeout: l.Duration("session.audio_wait_timeout"),
		},
		Media: MediaConfig{
			AudioFile:        l.String("media.audio_file"),
			VideoFile:        l.String("media.video_file"),
			SampleRate:       l.Int("media.sample_rate"),
			ChunkInterval:    l.Duration("media.chunk_interval"),
			FrameInterval:    l.Duration("media.frame_interval"),
			JPEGQuality:      l.Int("media.jpeg_quality"),
			PlaybackDir:      l.String("media.playback_dir"),
			FallbackByteRate: l.Int("media.fallback_byte_rate"),
		},
		Heartbeat: HeartbeatConfig{
			Interval:    l.Duration("heartbeat.interval"),
			PongTimeout: l.Duration("heartbeat.pong_timeout"),
		},
		Reconnect: ReconnectConfig{
			InitialBackoff: l.Duration("reconnect.initial_backoff"),
			MaxBackoff:     l.Duration("reconnect.max_backoff"),
			MaxAttempts:    l.Int("reconnect.max_attempts"),
			MediaRate:      l.Float("reconnect.media_rate"),
			MediaBurst:     l.Int("reconnect.media_burst"),
		},
		Kafka: KafkaConfig{
			Enabled:         l.Bool("kafka.enabled"),
			Brokers:         l.List("kafka.brokers"),
			TopicTranscript: l.String("kafka.topic_transcript"),
			TopicLifecycle:  l.String("kafka.topic_lifecycle"),
			Principal:       l.String("kafka.principal"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  l.String("log.level"),
			LogFormat: l.String("log.format"),
			HTTPAddr:  l.String("http.addr"),
		},
		Mock: MockConfig{
			Addr:          l.String("mock.addr"),
			Token:         l.String("mock.token"),
			ReplyDuration: l.Duration("mock.reply_duration"),
			ThinkDelay:    l.Duration("mock.think_delay"),
		},
	}

	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}
	return cfg
}

// newViper maps nested keys to environment variables: session.token reads
// SESSION_TOKEN.
func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Err(err).Str("file", file).Msg("Config file not loaded, using defaults and environment")
		} else {
			log.Info().Str("file", v.ConfigFileUsed()).Msg("Loaded config file")
		}
	}
	return v
}

type loader struct {
	v *viper.Viper
}

func (l loader) String(key string) string {
	return l.v.GetString(key)
}

func (l loader) Int(key string) int {
	n, err := cast.ToIntE(l.v.Get(key))
	if err != nil {
		l.invalid(key, err)
		return cast.ToInt(defaults[key])
	}
	return n
}

func (l loader) Float(key string) float64 {
	f, err := cast.ToFloat64E(l.v.Get(key))
	if err != nil {
		l.invalid(key, err)
		return cast.ToFloat64(defaults[key])
	}
	return f
}

func (l loader) Bool(key string) bool {
	b, err := cast.ToBoolE(l.v.Get(key))
	if err != nil {
		l.invalid(key, err)
		return cast.ToBool(defaults[key])
	}
	return b
}

// minDuration is the smallest non-zero duration accepted from configuration.
const minDuration = time.Millisecond

// Duration requires a unit: a bare number such as "30" is rejected instead of
// being read as nanoseconds. Zero is accepted without one.
func (l loader) Duration(key string) time.Duration {
	raw := l.v.Get(key)
	d, err := cast.ToDurationE(raw)
	switch {
	case err != nil:
	case unitless(raw):
		err = fmt.Errorf("duration %v has no unit", raw)
	case d > 0 && d < minDuration:
		err = fmt.Errorf("duration %v is below %v", d, minDuration)
	}
	if err != nil {
		l.invalid(key, err)
		return cast.ToDuration(defaults[key])
	}
	return d
}

// List accepts a comma-separated string or a YAML sequence.
func (l loader) List(key string) []string {
	var raw []string
	switch val := l.v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = cast.ToStringSlice(val)
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func unitless(raw any) bool {
	switch v := raw.(type) {
	case time.Duration:
		return false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err == nil && f != 0
	default:
		f, err := cast.ToFloat64E(v)
		return err == nil && f != 0
	}
}

func (l loader) invalid(key string, err error) {
	log.Warn().Err(err).Str("key", key).Msg("Invalid config value, using default")
}
