package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CHATTERBOX"

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	BasePath         string        `mapstructure:"base_path"`
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
}

type StorageConfig struct {
	DataDir                  string `mapstructure:"data_dir"`
	ReferenceDir             string `mapstructure:"reference_dir"`
	OutputDir                string `mapstructure:"output_dir"`
	TempDir                  string `mapstructure:"temp_dir"`
	RetainUploadedReferences bool   `mapstructure:"retain_uploaded_references"`
}

type EngineConfig struct {
	Kind        string        `mapstructure:"kind"`
	Command     string        `mapstructure:"command"`
	URL         string        `mapstructure:"url"`
	Device      string        `mapstructure:"device"`
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

type GatewayConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type AudioConfig struct {
	WAVEncoding        string `mapstructure:"wav_encoding"`
	FFmpegPath         string `mapstructure:"ffmpeg_path"`
	MP3Bitrate         string `mapstructure:"mp3_bitrate"`
	StreamChunkSamples int    `mapstructure:"stream_chunk_samples"`
}

type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type TelemetryConfig struct {
	Metrics      bool   `mapstructure:"metrics"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	TraceStdout  bool   `mapstructure:"trace_stdout"`
	Environment  string `mapstructure:"environment"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Server: ServerConfig{
			ListenAddr:       ":8000",
			BasePath:         "",
			MaxUploadBytes:   50 << 20,
			ShutdownTimeout:  30 * time.Second,
			CORSAllowOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Engine: EngineConfig{
			Kind:        EngineExec,
			Command:     "python -m chatterbox_worker",
			Device:      "auto",
			LoadTimeout: 10 * time.Minute,
		},
		Gateway: GatewayConfig{
			Concurrency:    1,
			RequestTimeout: 0,
		},
		Audio: AudioConfig{
			WAVEncoding:        WAVFloat32,
			FFmpegPath:         "ffmpeg",
			MP3Bitrate:         "192k",
			StreamChunkSamples: 4800,
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
		Events: EventsConfig{
			SubjectPrefix: "chatterbox",
		},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
	}
}

// flagKeys maps each config key to its command line flag.
var flagKeys = []struct{ key, flag string }{
	{"log_level", "log-level"},
	{"log_format", "log-format"},
	{"server.listen_addr", "server-listen-addr"},
	{"server.base_path", "server-base-path"},
	{"server.max_upload_bytes", "server-max-upload-bytes"},
	{"server.shutdown_timeout", "server-shutdown-timeout"},
	{"server.cors_allow_origins", "server-cors-allow-origins"},
	{"storage.data_dir", "storage-data-dir"},
	{"storage.reference_dir", "storage-reference-dir"},
	{"storage.output_dir", "storage-output-dir"},
	{"storage.temp_dir", "storage-temp-dir"},
	{"storage.retain_uploaded_references", "storage-retain-uploaded-references"},
	{"engine.kind", "engine-kind"},
	{"engine.command", "engine-command"},
	{"engine.url", "engine-url"},
	{"engine.device", "engine-device"},
	{"engine.load_timeout", "engine-load-timeout"},
	{"gateway.concurrency", "gateway-concurrency"},
	{"gateway.request_timeout", "gateway-request-timeout"},
	{"audio.wav_encoding", "audio-wav-encoding"},
	{"audio.ffmpeg_path", "audio-ffmpeg-path"},
	{"audio.mp3_bitrate", "audio-mp3-bitrate"},
	{"audio.stream_chunk_samples", "audio-stream-chunk-samples"},
	{"ledger.enabled", "ledger-enabled"},
	{"ledger.path", "ledger-path"},
	{"events.nats_url", "events-nats-url"},
	{"events.subject_prefix", "events-subject-prefix"},
	{"telemetry.metrics", "telemetry-metrics"},
	{"telemetry.otlp_endpoint", "telemetry-otlp-endpoint"},
	{"telemetry.otlp_insecure", "telemetry-otlp-insecure"},
	{"telemetry.trace_stdout", "telemetry-trace-stdout"},
	{"telemetry.environment", "telemetry-environment"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("log-format", defaults.LogFormat, "Log format (json|text)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.String("server-base-path", defaults.Server.BasePath, "Path prefix for every route, e.g. /api")
	fs.Int64("server-max-upload-bytes", defaults.Server.MaxUploadBytes, "Maximum size of uploaded reference audio")
	fs.Duration("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain period")
	fs.StringSlice("server-cors-allow-origins", defaults.Server.CORSAllowOrigins, "Allowed CORS origins")
	fs.String("storage-data-dir", defaults.Storage.DataDir, "Root directory for artifacts and metadata")
	fs.String("storage-reference-dir", defaults.Storage.ReferenceDir, "Reference voice directory (default <data-dir>/reference_audio)")
	fs.String("storage-output-dir", defaults.Storage.OutputDir, "Generated audio directory (default <data-dir>/outputs)")
	fs.String("storage-temp-dir", defaults.Storage.TempDir, "Per-request temp directory (default <data-dir>/tmp)")
	fs.Bool("storage-retain-uploaded-references", defaults.Storage.RetainUploadedReferences, "Keep uploaded reference audio in the reference library")
	fs.String("engine-kind", defaults.Engine.Kind, "Inference engine adapter (exec|http|tone)")
	fs.String("engine-command", defaults.Engine.Command, "Worker command line for the exec engine")
	fs.String("engine-url", defaults.Engine.URL, "Worker base URL for the http engine")
	fs.String("engine-device", defaults.Engine.Device, "Device hint passed to the engine")
	fs.Duration("engine-load-timeout", defaults.Engine.LoadTimeout, "Maximum time to wait for the model to load")
	fs.Int("gateway-concurrency", defaults.Gateway.Concurrency, "Maximum concurrent inference calls")
	fs.Duration("gateway-request-timeout", defaults.Gateway.RequestTimeout, "Per-request queue plus inference deadline (0 = none)")
	fs.String("audio-wav-encoding", defaults.Audio.WAVEncoding, "WAV sample encoding (float32|pcm16)")
	fs.String("audio-ffmpeg-path", defaults.Audio.FFmpegPath, "ffmpeg executable for mp3 and flac")
	fs.String("audio-mp3-bitrate", defaults.Audio.MP3Bitrate, "MP3 bitrate")
	fs.Int("audio-stream-chunk-samples", defaults.Audio.StreamChunkSamples, "Samples per streamed chunk")
	fs.Bool("ledger-enabled", defaults.Ledger.Enabled, "Record generations in the SQLite ledger")
	fs.String("ledger-path", defaults.Ledger.Path, "Ledger database path (default <data-dir>/ledger.db)")
	fs.String("events-nats-url", defaults.Events.NATSURL, "NATS server URL for generation events (empty disables)")
	fs.String("events-subject-prefix", defaults.Events.SubjectPrefix, "NATS subject prefix")
	fs.Bool("telemetry-metrics", defaults.Telemetry.Metrics, "Expose Prometheus metrics at /metrics")
	fs.String("telemetry-otlp-endpoint", defaults.Telemetry.OTLPEndpoint, "OTLP/gRPC trace endpoint")
	fs.Bool("telemetry-otlp-insecure", defaults.Telemetry.OTLPInsecure, "Disable TLS for the OTLP exporter")
	fs.Bool("telemetry-trace-stdout", defaults.Telemetry.TraceStdout, "Print traces to stderr")
	fs.String("telemetry-environment", defaults.Telemetry.Environment, "deployment.environment resource attribute")
}

// Load resolves configuration with precedence flag > env > file > default.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer("-", "_", ".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("chatterbox")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// bindFlags ties each flag to its nested key so that only flags the user
// actually set override file and env values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", fk.flag, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("log_format", c.LogFormat)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.base_path", c.Server.BasePath)
	v.SetDefault("server.max_upload_bytes", c.Server.MaxUploadBytes)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.cors_allow_origins", c.Server.CORSAllowOrigins)
	v.SetDefault("storage.data_dir", c.Storage.DataDir)
	v.SetDefault("storage.reference_dir", c.Storage.ReferenceDir)
	v.SetDefault("storage.output_dir", c.Storage.OutputDir)
	v.SetDefault("storage.temp_dir", c.Storage.TempDir)
	v.SetDefault("storage.retain_uploaded_references", c.Storage.RetainUploadedReferences)
	v.SetDefault("engine.kind", c.Engine.Kind)
	v.SetDefault("engine.command", c.Engine.Command)
	v.SetDefault("engine.url", c.Engine.URL)
	v.SetDefault("engine.device", c.Engine.Device)
	v.SetDefault("engine.load_timeout", c.Engine.LoadTimeout)
	v.SetDefault("gateway.concurrency", c.Gateway.Concurrency)
	v.SetDefault("gateway.request_timeout", c.Gateway.RequestTimeout)
	v.SetDefault("audio.wav_encoding", c.Audio.WAVEncoding)
	v.SetDefault("audio.ffmpeg_path", c.Audio.FFmpegPath)
	v.SetDefault("audio.mp3_bitrate", c.Audio.MP3Bitrate)
	v.SetDefault("audio.stream_chunk_samples", c.Audio.StreamChunkSamples)
	v.SetDefault("ledger.enabled", c.Ledger.Enabled)
	v.SetDefault("ledger.path", c.Ledger.Path)
	v.SetDefault("events.nats_url", c.Events.NATSURL)
	v.SetDefault("events.subject_prefix", c.Events.SubjectPrefix)
	v.SetDefault("telemetry.metrics", c.Telemetry.Metrics)
	v.SetDefault("telemetry.otlp_endpoint", c.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", c.Telemetry.OTLPInsecure)
	v.SetDefault("telemetry.trace_stdout", c.Telemetry.TraceStdout)
	v.SetDefault("telemetry.environment", c.Telemetry.Environment)
}

func (c *Config) normalize() error {
	var err error
	if c.Engine.Kind, err = NormalizeEngine(c.Engine.Kind); err != nil {
		return err
	}
	if c.Audio.WAVEncoding, err = NormalizeWAVEncoding(c.Audio.WAVEncoding); err != nil {
		return err
	}
	if c.LogFormat, err = NormalizeLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.Gateway.Concurrency < 1 {
		return fmt.Errorf("gateway.concurrency must be at least 1, got %d", c.Gateway.Concurrency)
	}
	if c.Gateway.RequestTimeout < 0 {
		return fmt.Errorf("gateway.request_timeout must not be negative, got %s", c.Gateway.RequestTimeout)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if bp := strings.TrimRight(c.Server.BasePath, "/"); bp != "" && !strings.HasPrefix(bp, "/") {
		c.Server.BasePath = "/" + bp
	} else {
		c.Server.BasePath = bp
	}
	return nil
}

// ReferencePath is the reference voice directory.
func (s StorageConfig) ReferencePath() string {
	return s.under(s.ReferenceDir, "reference_audio")
}

// OutputPath is the generated audio directory.
func (s StorageConfig) OutputPath() string {
	return s.under(s.OutputDir, "outputs")
}

// TempPath holds per-request temporary files.
func (s StorageConfig) TempPath() string {
	return s.under(s.TempDir, "tmp")
}

func (s StorageConfig) under(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(s.DataDir, name)
}

// LedgerPath is the SQLite file, defaulting to <data_dir>/ledger.db.
func (c Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(c.Storage.DataDir, "ledger.db")
}
