package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18791
	DefaultHeartbeat         = "20s"
	DefaultMaxImageBytes     = 10 << 20
	DefaultThumbnailWidth    = 320
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 1024
	DefaultAgentTimeout      = "20s"
	DefaultConfidenceFloor   = 0.5
	DefaultCacheTTL          = "3m"
	DefaultHashThreshold     = 1
	DefaultCooldown          = "10m"
	DefaultRetentionDays     = 30
	DefaultRetentionSchedule = "0 0 3 * * *"
	DefaultStreakMinRun      = 10
	DefaultStreakKeepEvery   = 10
	DefaultTriggerQueueSize  = 256
	DefaultEventBufSize      = 64
	DefaultMQTTTopicPrefix   = "lookout/captures"
	DefaultKafkaTopic        = "lookout.captures"
	DefaultNormalDescription = "The scene looks as it usually does: nothing out of place, no people or hazards present."
)

type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Provider   ProviderConfig   `json:"provider"`
	Classifier ClassifierConfig `json:"classifier"`
	Cache      CacheConfig      `json:"cache"`
	Datalake   DatalakeConfig   `json:"datalake"`
	Retention  RetentionConfig  `json:"retention"`
	Notify     NotifyConfig     `json:"notify"`
	Triggers   TriggersConfig   `json:"triggers"`
	Devices    DevicesConfig    `json:"devices"`
	Events     EventsConfig     `json:"events"`
}

type GatewayConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Heartbeat     string `json:"heartbeat"`
	MaxImageBytes int64  `json:"maxImageBytes"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// AgentConfig describes one classifier agent. Empty provider fields inherit
// from the top-level provider section.
type AgentConfig struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"` // "anthropic", "openai" or "rule"
	Model      string   `json:"model,omitempty"`
	APIKey     string   `json:"apiKey,omitempty"`
	BaseURL    string   `json:"baseUrl,omitempty"`
	MaxTokens  int      `json:"maxTokens,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"` // rule agents only
}

type ClassifierConfig struct {
	Agents          []AgentConfig `json:"agents"`
	ConfidenceFloor float64       `json:"confidenceFloor"`
	Timeout         string        `json:"timeout"`
}

type CacheConfig struct {
	TTL       string `json:"ttl"`
	Threshold int    `json:"threshold"`
}

type DatalakeConfig struct {
	Root           string `json:"root,omitempty"`
	DBPath         string `json:"dbPath,omitempty"`
	ThumbnailWidth int    `json:"thumbnailWidth"`
}

type StreakConfig struct {
	Enabled   bool `json:"enabled"`
	MinRun    int  `json:"minRun"`
	KeepEvery int  `json:"keepEvery"`
}

type RetentionConfig struct {
	Days     int          `json:"days"`
	Schedule string       `json:"schedule"`
	OnStart  bool         `json:"onStart"`
	Streak   StreakConfig `json:"streak"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

type NotifyConfig struct {
	Cooldown string         `json:"cooldown"`
	Telegram TelegramConfig `json:"telegram"`
}

type TriggerSchedule struct {
	DeviceID string `json:"deviceId"`
	Expr     string `json:"expr"`
}

type TriggersConfig struct {
	QueueSize int               `json:"queueSize"`
	Schedules []TriggerSchedule `json:"schedules,omitempty"`
}

type DeviceConfig struct {
	ID                string `json:"id" yaml:"id"`
	OrgID             string `json:"orgId" yaml:"org_id"`
	Name              string `json:"name,omitempty" yaml:"name,omitempty"`
	Disabled          bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	NormalDescription string `json:"normalDescription,omitempty" yaml:"normal_description,omitempty"`
}

type DevicesConfig struct {
	File    string         `json:"file,omitempty"`
	Devices []DeviceConfig `json:"devices,omitempty"`
}

type KafkaConfig struct {
	Enabled  bool     `json:"enabled"`
	Brokers  []string `json:"brokers,omitempty"`
	Topic    string   `json:"topic,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
}

type EventsConfig struct {
	BufSize int         `json:"bufSize"`
	Kafka   KafkaConfig `json:"kafka"`
	MQTT    MQTTConfig  `json:"mqtt"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			Heartbeat:     DefaultHeartbeat,
			MaxImageBytes: DefaultMaxImageBytes,
		},
		Classifier: ClassifierConfig{
			ConfidenceFloor: DefaultConfidenceFloor,
			Timeout:         DefaultAgentTimeout,
		},
		Cache: CacheConfig{
			TTL:       DefaultCacheTTL,
			Threshold: DefaultHashThreshold,
		},
		Datalake: DatalakeConfig{
			Root:           filepath.Join(ConfigDir(), "datalake"),
			DBPath:         filepath.Join(ConfigDir(), "data", "captures.db"),
			ThumbnailWidth: DefaultThumbnailWidth,
		},
		Retention: RetentionConfig{
			Days:     DefaultRetentionDays,
			Schedule: DefaultRetentionSchedule,
			Streak: StreakConfig{
				MinRun:    DefaultStreakMinRun,
				KeepEvery: DefaultStreakKeepEvery,
			},
		},
		Notify: NotifyConfig{
			Cooldown: DefaultCooldown,
		},
		Triggers: TriggersConfig{
			QueueSize: DefaultTriggerQueueSize,
		},
		Events: EventsConfig{
			BufSize: DefaultEventBufSize,
			Kafka:   KafkaConfig{Topic: DefaultKafkaTopic},
			MQTT:    MQTTConfig{TopicPrefix: DefaultMQTTTopicPrefix},
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("LOOKOUT_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".lookout")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("LOOKOUT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("LOOKOUT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("LOOKOUT_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
	if dir := os.Getenv("LOOKOUT_DATA_DIR"); dir != "" {
		cfg.Datalake.Root = dir
	}
	if days := os.Getenv("LOOKOUT_RETENTION_DAYS"); days != "" {
		if parsed, err := strconv.Atoi(days); err == nil {
			cfg.Retention.Days = parsed
		}
	}
	if port := os.Getenv("LOOKOUT_GATEWAY_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if brokers := os.Getenv("LOOKOUT_KAFKA_BROKERS"); brokers != "" {
		cfg.Events.Kafka.Brokers = strings.Split(brokers, ",")
		cfg.Events.Kafka.Enabled = true
	}
	if broker := os.Getenv("LOOKOUT_MQTT_BROKER"); broker != "" {
		cfg.Events.MQTT.Broker = broker
		cfg.Events.MQTT.Enabled = true
	}

	def := DefaultConfig()
	if cfg.Datalake.Root == "" {
		cfg.Datalake.Root = def.Datalake.Root
	}
	if cfg.Datalake.DBPath == "" {
		cfg.Datalake.DBPath = def.Datalake.DBPath
	}
	if cfg.Datalake.ThumbnailWidth <= 0 {
		cfg.Datalake.ThumbnailWidth = DefaultThumbnailWidth
	}
	if cfg.Cache.Threshold < 0 {
		cfg.Cache.Threshold = DefaultHashThreshold
	}
	if cfg.Classifier.ConfidenceFloor < 0 || cfg.Classifier.ConfidenceFloor > 1 {
		cfg.Classifier.ConfidenceFloor = DefaultConfidenceFloor
	}
	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = DefaultRetentionDays
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = DefaultRetentionSchedule
	}
	if cfg.Triggers.QueueSize <= 0 {
		cfg.Triggers.QueueSize = DefaultTriggerQueueSize
	}
	if cfg.Gateway.MaxImageBytes <= 0 {
		cfg.Gateway.MaxImageBytes = DefaultMaxImageBytes
	}

	if cfg.Devices.File != "" {
		devices, err := LoadDevices(cfg.Devices.File)
		if err != nil {
			return nil, err
		}
		cfg.Devices.Devices = append(cfg.Devices.Devices, devices...)
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// LoadDevices reads a YAML device registry:
//
//	devices:
//	  - id: cam-01
//	    org_id: acme
//	    normal_description: empty loading bay
func LoadDevices(path string) ([]DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	var doc struct {
		Devices []DeviceConfig `yaml:"devices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse devices file: %w", err)
	}
	for i, d := range doc.Devices {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("devices file: entry %d has no id", i)
		}
	}
	return doc.Devices, nil
}

// Duration parses s, returning def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
