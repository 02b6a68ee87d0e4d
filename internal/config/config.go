package config

import (
	"Go2Attribution/internal/model"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EngineConfig holds the settings of the attribution engine.
type EngineConfig struct {
	WakeupLogCapacity int    `yaml:"wakeup_log_capacity" validate:"min=1"`
	QueueSize         int    `yaml:"queue_size" validate:"min=0"`
	ExportInterval    string `yaml:"export_interval"`
}

// ProbeConfig holds the NATS transport settings shared by probe and engine.
type ProbeConfig struct {
	NATSURL        string `yaml:"nats_url" validate:"required"`
	RecordsSubject string `yaml:"records_subject" validate:"required"`
	SignalsSubject string `yaml:"signals_subject" validate:"required"`
	BatchSize      int    `yaml:"batch_size" validate:"min=1"`
	FlushInterval  string `yaml:"flush_interval"`
}

// PersistenceConfig controls archiving of raw captured HCI frames.
type PersistenceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Path              string `yaml:"path" validate:"required_if=Enabled true"`
	ChannelBufferSize int    `yaml:"channel_buffer_size"`
}

// CaptureConfig holds the settings of the HCI probe.
type CaptureConfig struct {
	Interface   string            `yaml:"interface"`
	SnapshotLen int32             `yaml:"snapshot_len"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ClickHouseConfig holds connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedisConfig holds connection details for Redis.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	WakeupStream string `yaml:"wakeup_stream"`
	TotalsKey    string `yaml:"totals_key"`
	MaxLen       int64  `yaml:"max_len"`
}

// PostgresConfig holds connection details for PostgreSQL.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// FileConfig holds the root path of file based writers.
type FileConfig struct {
	RootPath string `yaml:"root_path"`
}

// WriterDef defines a single snapshot writer.
type WriterDef struct {
	Type       string           `yaml:"type" validate:"oneof=gob text clickhouse redis postgres"`
	Enabled    bool             `yaml:"enabled"`
	Gob        FileConfig       `yaml:"gob"`
	Text       FileConfig       `yaml:"text"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

// AlerterRule defines a single alerting rule.
type AlerterRule struct {
	Name      string  `yaml:"name" validate:"required"`
	Metric    string  `yaml:"metric" validate:"oneof=wakelock_duration_ms wakeup_count byte_count num_wakeup"`
	Activity  string  `yaml:"activity" validate:"omitempty,activity"`
	Operator  string  `yaml:"operator" validate:"oneof=> < = >= <="`
	Threshold float64 `yaml:"threshold"`
}

// AlerterConfig holds the alerter settings.
type AlerterConfig struct {
	Enabled bool          `yaml:"enabled"`
	Rules   []AlerterRule `yaml:"rules" validate:"dive"`
}

// SMTPConfig holds the settings of the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	// QueryClickHouse enables the history endpoints when set.
	QueryClickHouse *ClickHouseConfig `yaml:"query_clickhouse"`
}

// GRPCConfig holds the gRPC health server settings.
type GRPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Engine   EngineConfig  `yaml:"engine"`
	Probe    ProbeConfig   `yaml:"probe"`
	Capture  CaptureConfig `yaml:"capture"`
	Writers  []WriterDef   `yaml:"writers" validate:"dive"`
	Alerter  AlerterConfig `yaml:"alerter"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	API      APIConfig     `yaml:"api"`
	GRPC     GRPCConfig    `yaml:"grpc"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// activity accepts the labels understood by model.ParseActivity.
	_ = v.RegisterValidation("activity", func(fl validator.FieldLevel) bool {
		_, err := model.ParseActivity(fl.Field().String())
		return err == nil
	})
	return v
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			WakeupLogCapacity: 200,
			QueueSize:         1024,
			ExportInterval:    "0s",
		},
		Probe: ProbeConfig{
			NATSURL:        "nats://127.0.0.1:4222",
			RecordsSubject: "attribution.records",
			SignalsSubject: "attribution.signals",
			BatchSize:      64,
			FlushInterval:  "200ms",
		},
		Capture: CaptureConfig{
			Interface:   "bluetooth-monitor",
			SnapshotLen: 1600,
		},
		API:  APIConfig{ListenAddr: ":8080"},
		GRPC: GRPCConfig{ListenAddr: ":9090"},
	}
}

// LoadConfig reads the configuration from a YAML file on top of the defaults,
// applies environment overrides (a .env file in the working directory is
// honoured) and validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the duration fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	for i, w := range c.Writers {
		if !w.Enabled {
			continue
		}
		if err := w.validateTarget(); err != nil {
			return fmt.Errorf("invalid config: writers[%d]: %w", i, err)
		}
	}

	if _, err := c.Engine.ExportEvery(); err != nil {
		return err
	}
	if _, err := c.Probe.FlushEvery(); err != nil {
		return err
	}
	return nil
}

// validateTarget checks the settings of the section selected by Type.
func (w WriterDef) validateTarget() error {
	switch w.Type {
	case "gob":
		if w.Gob.RootPath == "" {
			return errors.New("gob writer requires root_path")
		}
	case "text":
		if w.Text.RootPath == "" {
			return errors.New("text writer requires root_path")
		}
	case "clickhouse":
		if w.ClickHouse.Host == "" || w.ClickHouse.Port == 0 {
			return errors.New("clickhouse writer requires host and port")
		}
	case "redis":
		if w.Redis.Addr == "" {
			return errors.New("redis writer requires addr")
		}
	case "postgres":
		if w.Postgres.DSN == "" {
			return errors.New("postgres writer requires dsn")
		}
	}
	return nil
}

// ExportEvery parses the periodic export interval. Zero disables periodic export.
func (e EngineConfig) ExportEvery() (time.Duration, error) {
	return parseOptionalDuration("engine.export_interval", e.ExportInterval)
}

// FlushEvery parses the probe batch flush interval.
func (p ProbeConfig) FlushEvery() (time.Duration, error) {
	return parseOptionalDuration("probe.flush_interval", p.FlushInterval)
}

func parseOptionalDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ATTR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ATTR_NATS_URL"); v != "" {
		cfg.Probe.NATSURL = v
	}
	if v := os.Getenv("ATTR_API_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("ATTR_GRPC_LISTEN_ADDR"); v != "" {
		cfg.GRPC.ListenAddr = v
	}
	if v := os.Getenv("ATTR_WAKEUP_LOG_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ATTR_WAKEUP_LOG_CAPACITY: %w", err)
		}
		cfg.Engine.WakeupLogCapacity = n
	}
	return nil
}
