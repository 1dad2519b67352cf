package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the whole service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Stream     StreamConfig     `yaml:"stream"`
	Relay      RelayConfig      `yaml:"relay"`
	Database   DatabaseConfig   `yaml:"database"`
	Media      MediaConfig      `yaml:"media"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Auth       AuthConfig       `yaml:"auth"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout stays zero so streaming responses are never cut.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Debug        bool          `yaml:"debug"`
}

// StreamConfig configures the push path and viewer sessions.
type StreamConfig struct {
	WindowSize    int           `yaml:"window_size"`
	FPSWindow     time.Duration `yaml:"fps_window"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes"`
	IngestMaxFPS  float64       `yaml:"ingest_max_fps"`
	QueueCapacity int           `yaml:"queue_capacity"`
	FrameTimeout  time.Duration `yaml:"frame_timeout"`
}

// RelayConfig configures the upstream camera relay. An empty URL leaves the
// relay stopped until one is set at runtime.
type RelayConfig struct {
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxPartBytes   int           `yaml:"max_part_bytes"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type MediaConfig struct {
	Dir            string `yaml:"dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	ThumbnailWidth int    `yaml:"thumbnail_width"`
}

// ClassifierConfig selects the inference backend: "http", "grpc" or "none".
type ClassifierConfig struct {
	Kind     string        `yaml:"kind"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

type TelegramConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			WindowSize:    300,
			FPSWindow:     5 * time.Second,
			PollInterval:  150 * time.Millisecond,
			MaxFrameBytes: 4 << 20,
			QueueCapacity: 20,
			FrameTimeout:  10 * time.Second,
		},
		Relay: RelayConfig{
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    5 * time.Second,
			ReconnectDelay: 2 * time.Second,
			MaxPartBytes:   8 << 20,
		},
		Database: DatabaseConfig{Path: "data/birdwatch.db"},
		Media: MediaConfig{
			Dir:            "media",
			MaxUploadBytes: 200 << 20,
			ThumbnailWidth: 320,
		},
		Classifier: ClassifierConfig{
			Kind:    "none",
			Timeout: 60 * time.Second,
		},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
		Telegram: TelegramConfig{Cooldown: 30 * time.Second},
		MQTT: MQTTConfig{
			ClientID:       "birdwatch",
			TopicPrefix:    "birdwatch",
			QoS:            1,
			StatusInterval: 30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and environment overrides, in that order. An empty path falls back
// to BIRDWATCH_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("BIRDWATCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	e := envReader{}

	e.String("SERVER_HOST", &c.Server.Host)
	e.Int("PORT", &c.Server.Port)
	e.Bool("DEBUG", &c.Server.Debug)

	e.String("UPSTREAM_URL", &c.Relay.URL)
	e.Duration("RELAY_CONNECT_TIMEOUT", &c.Relay.ConnectTimeout)
	e.Duration("RELAY_READ_TIMEOUT", &c.Relay.ReadTimeout)
	e.Duration("RELAY_RECONNECT_DELAY", &c.Relay.ReconnectDelay)

	e.Int("VIEWER_QUEUE_CAPACITY", &c.Stream.QueueCapacity)
	e.Duration("VIEWER_FRAME_TIMEOUT", &c.Stream.FrameTimeout)
	e.Int("FRAME_WINDOW_SIZE", &c.Stream.WindowSize)
	e.Duration("FPS_WINDOW", &c.Stream.FPSWindow)
	e.Duration("POLL_INTERVAL", &c.Stream.PollInterval)
	e.Float("INGEST_MAX_FPS", &c.Stream.IngestMaxFPS)

	e.String("DB_PATH", &c.Database.Path)
	e.String("MEDIA_DIR", &c.Media.Dir)

	e.String("CLASSIFIER_KIND", &c.Classifier.Kind)
	e.String("CLASSIFIER_ENDPOINT", &c.Classifier.Endpoint)
	e.Duration("CLASSIFIER_TIMEOUT", &c.Classifier.Timeout)

	e.Bool("AUTH_ENABLED", &c.Auth.Enabled)
	e.String("AUTH_USERNAME", &c.Auth.Username)
	e.String("AUTH_PASSWORD", &c.Auth.Password)
	e.String("JWT_SECRET", &c.Auth.JWTSecret)
	e.Duration("JWT_EXPIRY", &c.Auth.JWTExpiry)

	e.Bool("TELEGRAM_ENABLED", &c.Telegram.Enabled)
	e.String("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	e.String("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	e.Duration("TELEGRAM_COOLDOWN", &c.Telegram.Cooldown)

	e.Bool("MQTT_ENABLED", &c.MQTT.Enabled)
	e.String("MQTT_BROKER", &c.MQTT.Broker)
	e.String("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	e.String("MQTT_USERNAME", &c.MQTT.Username)
	e.String("MQTT_PASSWORD", &c.MQTT.Password)
	e.String("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)
	e.Duration("MQTT_STATUS_INTERVAL", &c.MQTT.StatusInterval)

	return e.err
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Relay.URL != "" {
		u, err := url.Parse(c.Relay.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid upstream url: %q", c.Relay.URL)
		}
	}
	if c.Stream.QueueCapacity < 1 {
		return fmt.Errorf("viewer queue capacity must be positive, got %d", c.Stream.QueueCapacity)
	}
	if c.Stream.WindowSize < 1 {
		return fmt.Errorf("frame window size must be positive, got %d", c.Stream.WindowSize)
	}
	if c.Stream.FPSWindow <= 0 || c.Stream.PollInterval <= 0 || c.Stream.FrameTimeout <= 0 {
		return fmt.Errorf("stream durations must be positive")
	}
	if c.Relay.ConnectTimeout <= 0 || c.Relay.ReadTimeout <= 0 || c.Relay.ReconnectDelay <= 0 {
		return fmt.Errorf("relay durations must be positive")
	}
	if c.Stream.IngestMaxFPS < 0 {
		return fmt.Errorf("ingest max fps must not be negative")
	}

	switch c.Classifier.Kind {
	case "none":
	case "http", "grpc":
		if c.Classifier.Endpoint == "" {
			return fmt.Errorf("classifier %q needs an endpoint", c.Classifier.Kind)
		}
	default:
		return fmt.Errorf("unknown classifier kind: %q", c.Classifier.Kind)
	}

	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("auth enabled without a password")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram enabled without bot token and chat id")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled without a broker")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}
	return nil
}

// ServerAddress returns the listen address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// envReader applies environment overrides, keeping the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (e *envReader) String(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) Int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) Float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) Bool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) Duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
