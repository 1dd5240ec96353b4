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

	"virtualfit/pkg/logging"
)

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Backend   string `yaml:"backend"` // memory or redis
	RedisURL  string `yaml:"redisURL"`
	KeyPrefix string `yaml:"keyPrefix"`
	TTLHours  int    `yaml:"ttlHours"` // 0 keeps jobs forever
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queueSize"`
}

// QueueConfig selects where accepted jobs go: the in-process pool or RabbitMQ.
type QueueConfig struct {
	Backend     string `yaml:"backend"` // pool or rabbitmq
	RabbitMQURL string `yaml:"rabbitmqURL"`
	Name        string `yaml:"name"`
}

type TryOnConfig struct {
	BaseURL        string `yaml:"baseURL"`
	Token          string `yaml:"token"`
	APIName        string `yaml:"apiName"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	DenoiseSteps   int    `yaml:"denoiseSteps"`
	Seed           int    `yaml:"seed"`
	AutoMask       bool   `yaml:"autoMask"`
	AutoCrop       bool   `yaml:"autoCrop"`
}

type ArchiveConfig struct {
	UploadDir    string `yaml:"uploadDir"`
	ProcessedDir string `yaml:"processedDir"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type EventsConfig struct {
	NATSURL string `yaml:"natsURL"` // empty disables event publishing
}

// PollConfig drives the client side status polling.
type PollConfig struct {
	APIBaseURL   string `yaml:"apiBaseURL"`
	MaxAttempts  int    `yaml:"maxAttempts"`
	DelaySeconds int    `yaml:"delaySeconds"`
}

type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Store   StoreConfig    `yaml:"store"`
	Worker  WorkerConfig   `yaml:"worker"`
	Queue   QueueConfig    `yaml:"queue"`
	TryOn   TryOnConfig    `yaml:"tryon"`
	Archive ArchiveConfig  `yaml:"archive"`
	Catalog CatalogConfig  `yaml:"catalog"`
	Events  EventsConfig   `yaml:"events"`
	Poll    PollConfig     `yaml:"poll"`
	Log     logging.Config `yaml:"log"`
}

// Role names the binary a configuration is validated for.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
	RoleClient Role = "client"
)

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8000"},
		Store:  StoreConfig{Backend: "memory", KeyPrefix: "tryon:job"},
		Worker: WorkerConfig{Concurrency: 4, QueueSize: 64},
		Queue:  QueueConfig{Backend: "pool", Name: "tryon_jobs"},
		TryOn: TryOnConfig{
			APIName:        "tryon",
			TimeoutSeconds: 120,
			DenoiseSteps:   30,
			Seed:           42,
			AutoMask:       true,
		},
		Archive: ArchiveConfig{UploadDir: "uploads", ProcessedDir: "processed"},
		Poll: PollConfig{
			APIBaseURL:   "http://localhost:8000",
			MaxAttempts:  5,
			DelaySeconds: 12,
		},
		Log: logging.Config{Level: "info", Format: "text"},
	}
}

// Load reads an optional YAML file over the defaults, then applies .env and
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	// a missing .env is normal outside development
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := getenv("MODEL_NAME", ""); v != "" {
		c.TryOn.BaseURL = SpaceURL(v)
	}
	c.TryOn.BaseURL = getenv("TRYON_BASE_URL", c.TryOn.BaseURL)
	c.TryOn.Token = getenv("HT_TOKEN", c.TryOn.Token)
	c.Catalog.Path = getenv("JSON_DATA_URL", c.Catalog.Path)
	c.Server.Addr = getenv("HTTP_ADDR", c.Server.Addr)
	c.Poll.APIBaseURL = getenv("API_BASE_URL", c.Poll.APIBaseURL)
	c.Events.NATSURL = getenv("NATS_URL", c.Events.NATSURL)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("LOG_FORMAT", c.Log.Format)

	if v := getenv("REDIS_URL", ""); v != "" {
		c.Store.Backend = "redis"
		c.Store.RedisURL = v
	}
	if v := getenv("RABBITMQ_URL", ""); v != "" {
		c.Queue.Backend = "rabbitmq"
		c.Queue.RabbitMQURL = v
	}

	var err error
	if c.Worker.Concurrency, err = getenvInt("WORKER_CONCURRENCY", c.Worker.Concurrency); err != nil {
		return err
	}
	if c.Poll.MaxAttempts, err = getenvInt("POLL_MAX_ATTEMPTS", c.Poll.MaxAttempts); err != nil {
		return err
	}
	if c.Poll.DelaySeconds, err = getenvInt("POLL_DELAY_SECONDS", c.Poll.DelaySeconds); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings the given role depends on.
func (c *Config) Validate(role Role) error {
	var errs []error

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redisURL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Queue.Backend {
	case "pool":
		if role == RoleWorker {
			errs = append(errs, errors.New("the worker role needs queue.backend rabbitmq"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQURL == "" {
			errs = append(errs, errors.New("queue.rabbitmqURL is required for the rabbitmq backend"))
		}
		if c.Store.Backend == "memory" && role != RoleClient {
			errs = append(errs, errors.New("the rabbitmq backend needs a shared store; set store.backend to redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}

	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.QueueSize < 0 {
		errs = append(errs, errors.New("worker.queueSize must not be negative"))
	}

	processes := role == RoleWorker || (role == RoleAPI && c.Queue.Backend == "pool")
	if processes {
		if c.TryOn.BaseURL == "" {
			errs = append(errs, errors.New("tryon.baseURL (or MODEL_NAME) is required"))
		}
		if c.TryOn.TimeoutSeconds <= 0 {
			errs = append(errs, errors.New("tryon.timeoutSeconds must be positive"))
		}
	}
	if role == RoleAPI && c.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path (or JSON_DATA_URL) is required"))
	}
	if role == RoleClient {
		if c.Poll.APIBaseURL == "" {
			errs = append(errs, errors.New("poll.apiBaseURL (or API_BASE_URL) is required"))
		}
		if c.Poll.MaxAttempts <= 0 {
			errs = append(errs, errors.New("poll.maxAttempts must be positive"))
		}
		if c.Poll.DelaySeconds < 0 {
			errs = append(errs, errors.New("poll.delaySeconds must not be negative"))
		}
	}

	return errors.Join(errs...)
}

func (c TryOnConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c StoreConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func (c PollConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// SpaceURL turns a Hugging Face Space name such as "owner/My_Space" into
// its app URL. Values that already carry a scheme are returned unchanged.
func SpaceURL(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "://") {
		return strings.TrimRight(name, "/")
	}
	host := strings.NewReplacer("/", "-", "_", "-", ".", "-").Replace(strings.ToLower(name))
	return "https://" + host + ".hf.space"
}

func getenv(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

func getenvInt(key string, defaultValue int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
