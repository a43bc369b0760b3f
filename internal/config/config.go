package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Required  bool   `yaml:"required"`
}

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type SessionConfig struct {
	UpdateIntervalMS       int `yaml:"update_interval_ms"`
	RestartBaseDelayMS     int `yaml:"restart_base_delay_ms"`
	RestartDelayCapMS      int `yaml:"restart_delay_cap_ms"`
	MaxRestartsStreaming   int `yaml:"max_restarts_streaming"`
	MaxRestartsLocal       int `yaml:"max_restarts_local"`
	ReadyTimeoutMS         int `yaml:"ready_timeout_ms"`
	EngineStartTimeoutMS   int `yaml:"engine_start_timeout_ms"`
	EngineStopTimeoutMS    int `yaml:"engine_stop_timeout_ms"`
	StatusBroadcastEveryMS int `yaml:"status_broadcast_every_ms"`
}

type StreamingConfig struct {
	Provider             string `yaml:"provider"` // websocket, google
	URL                  string `yaml:"url"`
	Language             string `yaml:"language"`
	Diarize              bool   `yaml:"diarize"`
	ReconnectBaseMS      int    `yaml:"reconnect_base_ms"`
	ReconnectCapMS       int    `yaml:"reconnect_cap_ms"`
	ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
	DialTimeoutMS        int    `yaml:"dial_timeout_ms"`
}

type LocalConfig struct {
	Command          string  `yaml:"command"`
	ModelPath        string  `yaml:"model_path"`
	Language         string  `yaml:"language"`
	MaxSessionMS     int     `yaml:"max_session_ms"`
	SilenceTimeoutMS int     `yaml:"silence_timeout_ms"`
	EndOfUtteranceMS int     `yaml:"end_of_utterance_ms"`
	PartialEveryMS   int     `yaml:"partial_every_ms"`
	SilenceRMS       float64 `yaml:"silence_rms"`
}

type CaptureConfig struct {
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	Preferred       string `yaml:"preferred"`
	ReplayFile      string `yaml:"replay_file"`
	ReplayRealtime  bool   `yaml:"replay_realtime"`
	OpenTimeoutMS   int    `yaml:"open_timeout_ms"`
}

type GatewayConfig struct {
	Mode                string   `yaml:"mode"` // mongo, nats, log
	MongoURI            string   `yaml:"mongo_uri"`
	MongoDatabase       string   `yaml:"mongo_database"`
	NATSServers         []string `yaml:"nats_servers"`
	NATSSubjectPrefix   string   `yaml:"nats_subject_prefix"`
	CachePath           string   `yaml:"cache_path"`
	DeliveryTimeoutMS   int      `yaml:"delivery_timeout_ms"`
	RecoveryIntervalSec int      `yaml:"recovery_interval_sec"`
	QueueSize           int      `yaml:"queue_size"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Auth        AuthConfig      `yaml:"auth"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Session     SessionConfig   `yaml:"session"`
	Streaming   StreamingConfig `yaml:"streaming"`
	Local       LocalConfig     `yaml:"local"`
	Capture     CaptureConfig   `yaml:"capture"`
	Gateway     GatewayConfig   `yaml:"gateway"`
}

func Default() Config {
	return Config{
		ServiceName: "meetscribe-transcriber",
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
		},
		Auth: AuthConfig{
			Required: true,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
		Session: SessionConfig{
			UpdateIntervalMS:       2000,
			RestartBaseDelayMS:     1000,
			RestartDelayCapMS:      16000,
			MaxRestartsStreaming:   5,
			MaxRestartsLocal:       10,
			ReadyTimeoutMS:         5000,
			EngineStartTimeoutMS:   15000,
			EngineStopTimeoutMS:    3000,
			StatusBroadcastEveryMS: 500,
		},
		Streaming: StreamingConfig{
			Provider:             "websocket",
			URL:                  "wss://api.deepgram.com/v1/listen",
			Language:             "en-US",
			Diarize:              true,
			ReconnectBaseMS:      1000,
			ReconnectCapMS:       30000,
			ReconnectMaxAttempts: 5,
			DialTimeoutMS:        10000,
		},
		Local: LocalConfig{
			Language:         "en-US",
			MaxSessionMS:     60000,
			SilenceTimeoutMS: 12000,
			EndOfUtteranceMS: 800,
			PartialEveryMS:   1500,
			SilenceRMS:       500,
		},
		Capture: CaptureConfig{
			FrameDurationMS: 100,
			Preferred:       "tab",
			OpenTimeoutMS:   5000,
		},
		Gateway: GatewayConfig{
			Mode:                "log",
			MongoURI:            "mongodb://localhost:27017",
			MongoDatabase:       "meetscribe",
			NATSServers:         []string{"nats://localhost:4222"},
			NATSSubjectPrefix:   "transcripts",
			CachePath:           "./data/checkpoint-cache.db",
			DeliveryTimeoutMS:   5000,
			RecoveryIntervalSec: 60,
			QueueSize:           256,
		},
	}
}

// Load reads .env files, the optional YAML file at path and TRANSCRIBER_* env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "TRANSCRIBER_SERVICE_NAME")
	overrideString(&cfg.Environment, "TRANSCRIBER_ENVIRONMENT")
	overrideInt(&cfg.Server.Port, "PORT")
	overrideInt(&cfg.Server.Port, "TRANSCRIBER_SERVER_PORT")
	overrideStringSlice(&cfg.Server.CORSOrigins, "TRANSCRIBER_CORS_ORIGINS")
	overrideString(&cfg.Auth.JWTSecret, "TRANSCRIBER_JWT_SECRET")
	overrideBool(&cfg.Auth.Required, "TRANSCRIBER_AUTH_REQUIRED")
	overrideString(&cfg.Telemetry.LogLevel, "TRANSCRIBER_LOG_LEVEL")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "TRANSCRIBER_METRICS_ENABLED")
	overrideInt(&cfg.Session.UpdateIntervalMS, "TRANSCRIBER_SESSION_UPDATE_INTERVAL_MS")
	overrideInt(&cfg.Session.RestartBaseDelayMS, "TRANSCRIBER_SESSION_RESTART_BASE_DELAY_MS")
	overrideInt(&cfg.Session.RestartDelayCapMS, "TRANSCRIBER_SESSION_RESTART_DELAY_CAP_MS")
	overrideInt(&cfg.Session.MaxRestartsStreaming, "TRANSCRIBER_SESSION_MAX_RESTARTS_STREAMING")
	overrideInt(&cfg.Session.MaxRestartsLocal, "TRANSCRIBER_SESSION_MAX_RESTARTS_LOCAL")
	overrideInt(&cfg.Session.ReadyTimeoutMS, "TRANSCRIBER_SESSION_READY_TIMEOUT_MS")
	overrideString(&cfg.Streaming.Provider, "TRANSCRIBER_STREAMING_PROVIDER")
	overrideString(&cfg.Streaming.URL, "TRANSCRIBER_STREAMING_URL")
	overrideString(&cfg.Streaming.Language, "TRANSCRIBER_STREAMING_LANGUAGE")
	overrideBool(&cfg.Streaming.Diarize, "TRANSCRIBER_STREAMING_DIARIZE")
	overrideInt(&cfg.Streaming.ReconnectBaseMS, "TRANSCRIBER_STREAMING_RECONNECT_BASE_MS")
	overrideInt(&cfg.Streaming.ReconnectCapMS, "TRANSCRIBER_STREAMING_RECONNECT_CAP_MS")
	overrideInt(&cfg.Streaming.ReconnectMaxAttempts, "TRANSCRIBER_STREAMING_RECONNECT_MAX_ATTEMPTS")
	overrideString(&cfg.Local.Command, "TRANSCRIBER_LOCAL_COMMAND")
	overrideString(&cfg.Local.ModelPath, "TRANSCRIBER_LOCAL_MODEL_PATH")
	overrideString(&cfg.Local.Language, "TRANSCRIBER_LOCAL_LANGUAGE")
	overrideInt(&cfg.Local.MaxSessionMS, "TRANSCRIBER_LOCAL_MAX_SESSION_MS")
	overrideInt(&cfg.Local.SilenceTimeoutMS, "TRANSCRIBER_LOCAL_SILENCE_TIMEOUT_MS")
	overrideFloat(&cfg.Local.SilenceRMS, "TRANSCRIBER_LOCAL_SILENCE_RMS")
	overrideInt(&cfg.Capture.FrameDurationMS, "TRANSCRIBER_CAPTURE_FRAME_DURATION_MS")
	overrideString(&cfg.Capture.Preferred, "TRANSCRIBER_CAPTURE_PREFERRED")
	overrideString(&cfg.Capture.ReplayFile, "TRANSCRIBER_CAPTURE_REPLAY_FILE")
	overrideBool(&cfg.Capture.ReplayRealtime, "TRANSCRIBER_CAPTURE_REPLAY_REALTIME")
	overrideString(&cfg.Gateway.Mode, "TRANSCRIBER_GATEWAY_MODE")
	overrideString(&cfg.Gateway.MongoURI, "MONGODB_URI")
	overrideString(&cfg.Gateway.MongoDatabase, "MONGODB_DATABASE")
	overrideStringSlice(&cfg.Gateway.NATSServers, "TRANSCRIBER_GATEWAY_NATS_SERVERS")
	overrideString(&cfg.Gateway.NATSSubjectPrefix, "TRANSCRIBER_GATEWAY_NATS_SUBJECT_PREFIX")
	overrideString(&cfg.Gateway.CachePath, "TRANSCRIBER_GATEWAY_CACHE_PATH")
	overrideInt(&cfg.Gateway.RecoveryIntervalSec, "TRANSCRIBER_GATEWAY_RECOVERY_INTERVAL_SEC")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Auth.Required && cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set when auth is required")
	}
	if cfg.Session.UpdateIntervalMS <= 0 {
		return errors.New("session.update_interval_ms must be positive")
	}
	if cfg.Session.RestartBaseDelayMS <= 0 || cfg.Session.RestartDelayCapMS < cfg.Session.RestartBaseDelayMS {
		return errors.New("session restart delays must be positive with cap >= base")
	}
	if cfg.Session.MaxRestartsStreaming <= 0 || cfg.Session.MaxRestartsLocal <= 0 {
		return errors.New("session max restarts must be positive")
	}
	if cfg.Session.ReadyTimeoutMS <= 0 {
		return errors.New("session.ready_timeout_ms must be positive")
	}
	switch cfg.Streaming.Provider {
	case "websocket":
		if cfg.Streaming.URL == "" {
			return errors.New("streaming.url must be set when provider=websocket")
		}
	case "google":
	default:
		return errors.New("streaming.provider must be one of websocket|google")
	}
	if cfg.Streaming.ReconnectBaseMS <= 0 || cfg.Streaming.ReconnectCapMS < cfg.Streaming.ReconnectBaseMS {
		return errors.New("streaming reconnect delays must be positive with cap >= base")
	}
	if cfg.Streaming.ReconnectMaxAttempts < 0 {
		return errors.New("streaming.reconnect_max_attempts must be >= 0")
	}
	if cfg.Local.MaxSessionMS <= 0 || cfg.Local.SilenceTimeoutMS <= 0 {
		return errors.New("local session and silence limits must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 || 1000%cfg.Capture.FrameDurationMS != 0 {
		return errors.New("capture.frame_duration_ms must be a positive divisor of 1000")
	}
	switch cfg.Capture.Preferred {
	case "tab", "microphone", "file":
	default:
		return errors.New("capture.preferred must be one of tab|microphone|file")
	}
	if cfg.Capture.Preferred == "file" && cfg.Capture.ReplayFile == "" {
		return errors.New("capture.replay_file must be set when preferred=file")
	}
	switch cfg.Gateway.Mode {
	case "log":
	case "mongo":
		if cfg.Gateway.MongoURI == "" {
			return errors.New("gateway.mongo_uri must be set when mode=mongo")
		}
	case "nats":
		if len(cfg.Gateway.NATSServers) == 0 {
			return errors.New("gateway.nats_servers must not be empty when mode=nats")
		}
	default:
		return errors.New("gateway.mode must be one of log|mongo|nats")
	}
	if cfg.Gateway.CachePath == "" {
		return errors.New("gateway.cache_path must not be empty")
	}
	return nil
}

// Millis converts a millisecond config value to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
