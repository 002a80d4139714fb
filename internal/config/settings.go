package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds platform-level configuration. Everything is sourced from
// environment variables with defaults; project-level configuration lives in
// each project's llamafarm.yaml.
type Settings struct {
	DataRoot string
	Host     string
	Port     int

	// ModelUnloadTimeout is the idle TTL after which cached models are
	// unloaded. CleanupCheckInterval is the reaper tick.
	ModelUnloadTimeout   time.Duration
	CleanupCheckInterval time.Duration

	LogLevel string

	MaxUploadSize     int64
	MaxStreamSessions int

	// RuntimeBaseURL is the default OpenAI-compatible endpoint for model
	// runtimes that do not declare their own base_url.
	RuntimeBaseURL string

	CORSOrigins []string

	MetricsEnabled  bool
	TracingEnabled  bool
	TracingExporter string
	TracingEndpoint string
}

const (
	defaultDataRoot             = "./lf_projects"
	defaultHost                 = "0.0.0.0"
	defaultPort                 = 8000
	defaultModelUnloadTimeout   = 300 * time.Second
	defaultCleanupCheckInterval = 60 * time.Second
	defaultMaxUploadSize        = 50 << 20
	defaultMaxStreamSessions    = 100
	defaultRuntimeBaseURL       = "http://127.0.0.1:8080/v1"
)

// Load reads Settings from the environment. Unset or unparseable values fall
// back to defaults rather than failing startup.
func Load() Settings {
	v := viper.New()

	v.SetDefault("data_root", defaultDataRoot)
	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("model_unload_timeout", int(defaultModelUnloadTimeout/time.Second))
	v.SetDefault("cleanup_check_interval", int(defaultCleanupCheckInterval/time.Second))
	v.SetDefault("log_level", "info")
	v.SetDefault("max_upload_size", int64(defaultMaxUploadSize))
	v.SetDefault("max_stream_sessions", defaultMaxStreamSessions)
	v.SetDefault("runtime_base_url", defaultRuntimeBaseURL)
	v.SetDefault("cors_origins", "*")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_exporter", "otlp-http")
	v.SetDefault("tracing_endpoint", "")

	// Model lifecycle knobs keep their historical unprefixed names.
	bind(v, "data_root", "LF_DATA_ROOT")
	bind(v, "host", "LF_HOST")
	bind(v, "port", "LF_PORT")
	bind(v, "model_unload_timeout", "MODEL_UNLOAD_TIMEOUT")
	bind(v, "cleanup_check_interval", "CLEANUP_CHECK_INTERVAL")
	bind(v, "log_level", "LF_LOG_LEVEL")
	bind(v, "max_upload_size", "LF_MAX_UPLOAD_SIZE")
	bind(v, "max_stream_sessions", "LF_MAX_STREAM_SESSIONS")
	bind(v, "runtime_base_url", "LF_RUNTIME_BASE_URL")
	bind(v, "cors_origins", "LF_CORS_ORIGINS")
	bind(v, "metrics_enabled", "LF_METRICS_ENABLED")
	bind(v, "tracing_enabled", "LF_TRACING_ENABLED")
	bind(v, "tracing_exporter", "LF_TRACING_EXPORTER")
	bind(v, "tracing_endpoint", "LF_TRACING_ENDPOINT")

	s := Settings{
		DataRoot:             v.GetString("data_root"),
		Host:                 v.GetString("host"),
		Port:                 v.GetInt("port"),
		ModelUnloadTimeout:   time.Duration(v.GetInt("model_unload_timeout")) * time.Second,
		CleanupCheckInterval: time.Duration(v.GetInt("cleanup_check_interval")) * time.Second,
		LogLevel:             v.GetString("log_level"),
		MaxUploadSize:        v.GetInt64("max_upload_size"),
		MaxStreamSessions:    v.GetInt("max_stream_sessions"),
		RuntimeBaseURL:       v.GetString("runtime_base_url"),
		CORSOrigins:          splitOrigins(v.GetString("cors_origins")),
		MetricsEnabled:       v.GetBool("metrics_enabled"),
		TracingEnabled:       v.GetBool("tracing_enabled"),
		TracingExporter:      v.GetString("tracing_exporter"),
		TracingEndpoint:      v.GetString("tracing_endpoint"),
	}

	return s.normalized()
}

func bind(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

func (s Settings) normalized() Settings {
	if strings.TrimSpace(s.DataRoot) == "" {
		s.DataRoot = defaultDataRoot
	}
	if s.Port <= 0 || s.Port > 65535 {
		s.Port = defaultPort
	}
	if s.ModelUnloadTimeout <= 0 {
		s.ModelUnloadTimeout = defaultModelUnloadTimeout
	}
	if s.CleanupCheckInterval <= 0 {
		s.CleanupCheckInterval = defaultCleanupCheckInterval
	}
	if s.MaxUploadSize <= 0 {
		s.MaxUploadSize = defaultMaxUploadSize
	}
	if s.MaxStreamSessions <= 0 {
		s.MaxStreamSessions = defaultMaxStreamSessions
	}
	if strings.TrimSpace(s.RuntimeBaseURL) == "" {
		s.RuntimeBaseURL = defaultRuntimeBaseURL
	}
	if len(s.CORSOrigins) == 0 {
		s.CORSOrigins = []string{"*"}
	}
	return s
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
