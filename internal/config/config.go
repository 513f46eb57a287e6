package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

const defaultPath = "config/local.yaml"

const (
	BusMQTT  = "mqtt"
	BusKafka = "kafka"
	BusNATS  = "nats"
	BusLog   = "log"
)

// Config структура конфига
type Config struct {
	Log struct {
		Level   string `yaml:"level" env:"LOG_LEVEL"`
		Format  string `yaml:"format" env:"LOG_FORMAT"`
		Service string `yaml:"service" env:"LOG_SERVICE"`
	} `yaml:"log"`

	HTTP struct {
		Addr string `yaml:"addr" env:"HTTP_ADDR"`
	} `yaml:"http"`

	Detection struct {
		Endpoint    string        `yaml:"endpoint" env:"DETECTION_ENDPOINT"`
		Timeout     time.Duration `yaml:"timeout" env:"DETECTION_TIMEOUT"`
		JPEGQuality int           `yaml:"jpeg_quality" env:"DETECTION_JPEG_QUALITY"`
	} `yaml:"detection"`

	Bus struct {
		Driver         string        `yaml:"driver" env:"BUS_DRIVER"`
		Topic          string        `yaml:"topic" env:"BUS_TOPIC"`
		Workers        int           `yaml:"workers" env:"BUS_WORKERS"`
		QueueSize      int           `yaml:"queue_size" env:"BUS_QUEUE_SIZE"`
		PublishTimeout time.Duration `yaml:"publish_timeout" env:"BUS_PUBLISH_TIMEOUT"`
	} `yaml:"bus"`

	MQTT struct {
		Broker   string `yaml:"broker" env:"MQTT_BROKER"`
		ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
		Username string `yaml:"username" env:"MQTT_USERNAME"`
		Password string `yaml:"password" env:"MQTT_PASSWORD"`
		QoS      byte   `yaml:"qos" env:"MQTT_QOS"`
	} `yaml:"mqtt"`

	Kafka struct {
		Brokers      []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
		GroupID      string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
		CommandTopic string   `yaml:"command_topic" env:"KAFKA_COMMAND_TOPIC"`
	} `yaml:"kafka"`

	NATS struct {
		URL string `yaml:"url" env:"NATS_URL"`
	} `yaml:"nats"`

	Screenshots struct {
		Dir          string `yaml:"dir" env:"SCREENSHOT_DIR"`
		JPEGQuality  int    `yaml:"jpeg_quality" env:"SCREENSHOT_JPEG_QUALITY"`
		MirrorBucket string `yaml:"mirror_bucket" env:"SCREENSHOT_MIRROR_BUCKET"`
	} `yaml:"screenshots"`

	Minio struct {
		Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		Secure    bool   `yaml:"secure" env:"MINIO_SECURE"`
	} `yaml:"minio"`

	Postgres struct {
		DSN string `yaml:"dsn" env:"DATABASE_DSN"`
	} `yaml:"postgres"`

	Redis struct {
		Addr      string        `yaml:"addr" env:"REDIS_ADDR"`
		Password  string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB        int           `yaml:"db" env:"REDIS_DB"`
		KeyPrefix string        `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
		Interval  time.Duration `yaml:"interval" env:"REDIS_INTERVAL"`
	} `yaml:"redis"`

	Stream struct {
		EveryNFrames int           `yaml:"every_n_frames" env:"STREAM_EVERY_N_FRAMES"`
		MinInterval  time.Duration `yaml:"min_interval" env:"STREAM_MIN_INTERVAL"`
		Width        int           `yaml:"width" env:"STREAM_WIDTH"`
		Height       int           `yaml:"height" env:"STREAM_HEIGHT"`
		ReplayFPS    float64       `yaml:"replay_fps" env:"STREAM_REPLAY_FPS"`
	} `yaml:"stream"`

	Overlay struct {
		FontPath       string  `yaml:"font_path" env:"OVERLAY_FONT_PATH"`
		FontSize       float64 `yaml:"font_size" env:"OVERLAY_FONT_SIZE"`
		PersonsFormat  string  `yaml:"persons_format" env:"OVERLAY_PERSONS_FORMAT"`
		WarningFormat  string  `yaml:"warning_format" env:"OVERLAY_WARNING_FORMAT"`
		PreviewQuality int     `yaml:"preview_quality" env:"OVERLAY_PREVIEW_QUALITY"`
	} `yaml:"overlay"`

	Watchdog struct {
		Interval time.Duration `yaml:"interval" env:"WATCHDOG_INTERVAL"`
	} `yaml:"watchdog"`

	Persons    PersonConfig     `yaml:"persons"`
	Categories []CategoryConfig `yaml:"categories"`
}

// PersonConfig классы детектора, которые считаются людьми
type PersonConfig struct {
	Label      string   `yaml:"label"`
	Threshold  float64  `yaml:"threshold"`
	ClassIDs   []int    `yaml:"class_ids"`
	ClassNames []string `yaml:"class_names"`
}

// CategoryConfig одна категория событий
type CategoryConfig struct {
	Name       string        `yaml:"name"`
	Label      string        `yaml:"label"`
	Tag        string        `yaml:"tag"`
	Threshold  float64       `yaml:"threshold"`
	Cooldown   time.Duration `yaml:"cooldown"`
	Trigger    string        `yaml:"trigger"`
	ClassIDs   []int         `yaml:"class_ids"`
	ClassNames []string      `yaml:"class_names"`
	MinCount   int           `yaml:"min_count"`
}

// Default returns the configuration used when a key is absent from both YAML and env.
func Default() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Log.Service = "safety-alert-runner"
	cfg.HTTP.Addr = ":8000"
	cfg.Detection.Endpoint = "http://localhost:8001/predict"
	cfg.Detection.Timeout = 5 * time.Second
	cfg.Detection.JPEGQuality = 90
	cfg.Bus.Driver = BusMQTT
	cfg.Bus.Topic = "/ai"
	cfg.Bus.Workers = 4
	cfg.Bus.QueueSize = 256
	cfg.Bus.PublishTimeout = 5 * time.Second
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.Kafka.GroupID = "safety-alert-runner"
	cfg.Screenshots.Dir = "screenshots"
	cfg.Screenshots.JPEGQuality = 90
	cfg.Redis.KeyPrefix = "alert-runner:stream:"
	cfg.Redis.Interval = 5 * time.Second
	cfg.Stream.EveryNFrames = 30
	cfg.Stream.Width = 640
	cfg.Stream.Height = 480
	cfg.Overlay.FontSize = 25
	cfg.Overlay.PersonsFormat = "Workers: %d"
	cfg.Overlay.WarningFormat = "Warning: %s"
	cfg.Overlay.PreviewQuality = 70
	cfg.Watchdog.Interval = 30 * time.Second
	cfg.Persons = PersonConfig{
		Label:      "worker",
		Threshold:  0.6,
		ClassNames: []string{"person"},
	}
	return cfg
}

// LoadConfig читает YAML, затем переменные окружения с приоритетом
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the category table, the bus section and the loop intervals.
func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return errors.New("config: no categories configured")
	}

	switch c.Bus.Driver {
	case BusMQTT, BusKafka, BusNATS, BusLog:
	default:
		return fmt.Errorf("config: unknown bus driver %q", c.Bus.Driver)
	}
	if c.Bus.Workers < 1 {
		return fmt.Errorf("config: bus workers must be positive, got %d", c.Bus.Workers)
	}
	if c.Bus.QueueSize < 1 {
		return fmt.Errorf("config: bus queue size must be positive, got %d", c.Bus.QueueSize)
	}

	// Тикеры паникуют на неположительном интервале
	if c.Redis.Addr != "" && c.Redis.Interval <= 0 {
		return fmt.Errorf("config: redis interval must be positive, got %s", c.Redis.Interval)
	}
	if c.Watchdog.Interval < 0 {
		return fmt.Errorf("config: watchdog interval must not be negative, got %s", c.Watchdog.Interval)
	}
	if c.Stream.EveryNFrames < 0 || c.Stream.MinInterval < 0 {
		return errors.New("config: stream sampling must not be negative")
	}

	if c.Persons.Threshold < 0 || c.Persons.Threshold > 1 {
		return fmt.Errorf("config: persons threshold %v out of [0,1]", c.Persons.Threshold)
	}

	names := make(map[string]struct{}, len(c.Categories))
	tags := make(map[string]struct{}, len(c.Categories))
	solo := 0
	for _, cat := range c.Categories {
		if cat.Name == "" {
			return errors.New("config: category without name")
		}
		if _, ok := names[cat.Name]; ok {
			return fmt.Errorf("config: duplicate category %q", cat.Name)
		}
		names[cat.Name] = struct{}{}

		tag := lo.Ternary(cat.Tag == "", cat.Name, cat.Tag)
		if _, ok := tags[tag]; ok {
			return fmt.Errorf("config: duplicate category tag %q", tag)
		}
		tags[tag] = struct{}{}

		if cat.Threshold < 0 || cat.Threshold > 1 {
			return fmt.Errorf("config: category %q threshold %v out of [0,1]", cat.Name, cat.Threshold)
		}

		switch models.Trigger(cat.Trigger) {
		case "", models.TriggerDetection:
			if len(cat.ClassIDs) == 0 && len(cat.ClassNames) == 0 {
				return fmt.Errorf("config: category %q has no detector classes", cat.Name)
			}
		case models.TriggerSolo:
			solo++
		default:
			return fmt.Errorf("config: category %q has unknown trigger %q", cat.Name, cat.Trigger)
		}
	}
	if solo > 1 {
		return errors.New("config: more than one solo category")
	}

	return nil
}

// EventCategories converts the configured table into immutable categories.
func (c *Config) EventCategories() []*models.Category {
	return lo.Map(c.Categories, func(cc CategoryConfig, _ int) *models.Category {
		return &models.Category{
			Name:       cc.Name,
			Label:      lo.Ternary(cc.Label == "", cc.Name, cc.Label),
			Tag:        lo.Ternary(cc.Tag == "", cc.Name, cc.Tag),
			Threshold:  cc.Threshold,
			Cooldown:   cc.Cooldown,
			Trigger:    lo.Ternary(cc.Trigger == "", models.TriggerDetection, models.Trigger(cc.Trigger)),
			ClassIDs:   cc.ClassIDs,
			ClassNames: cc.ClassNames,
			MinCount:   max(cc.MinCount, 1),
		}
	})
}

// PersonClass returns the worker class description.
func (c *Config) PersonClass() models.PersonClass {
	return models.PersonClass{
		Label:      c.Persons.Label,
		Threshold:  c.Persons.Threshold,
		ClassIDs:   c.Persons.ClassIDs,
		ClassNames: c.Persons.ClassNames,
	}
}
