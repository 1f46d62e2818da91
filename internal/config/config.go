package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/route-beacon/bmp-collector/internal/topic"
)

type Config struct {
	Base     BaseConfig     `koanf:"base"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Topics   TopicTemplates `koanf:"kafka_topic_template"`
	Grouping GroupingConfig `koanf:"grouping"`
	Debug    DebugConfig    `koanf:"debug"`
	Service  ServiceConfig  `koanf:"service"`

	// Librdkafka passes producer tuning keys through by their librdkafka
	// names; the publisher maps the supported subset onto client options.
	Librdkafka map[string]string `koanf:"librdkafka_config"`
}

// BaseConfig carries collector identity, listeners, and admission limits.
type BaseConfig struct {
	CollectorName        string  `koanf:"collector_name"`
	CollectorGroup       string  `koanf:"collector_group"`
	HeartbeatInterval    int     `koanf:"heartbeat_interval"` // seconds
	ListenPort           int     `koanf:"listen_port"`
	ListenIPv4           string  `koanf:"listen_ipv4"`
	ListenIPv6           string  `koanf:"listen_ipv6"`
	ListenMode           string  `koanf:"listen_mode"` // v4 | v6 | v4v6
	RingBufferSizeMiB    int     `koanf:"bmp_ring_buffer_size"`
	MaxRIBWaitingWorkers int     `koanf:"max_rib_waiting_workers"`
	MaxCPUUtilization    float64 `koanf:"max_cpu_utilization"`
	Daemon               bool    `koanf:"daemon"`
	PIDFile              string  `koanf:"pid_filename"`
	LogFile              string  `koanf:"log_filename"`
	DebugFile            string  `koanf:"debug_filename"`
}

type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type TopicTemplates struct {
	Collector string `koanf:"collector"`
	Router    string `koanf:"router"`
	BMPRaw    string `koanf:"bmp_raw"`
}

type GroupingConfig struct {
	RouterGroups []topic.RawGroup `koanf:"router_group"`
	PeerGroups   []topic.RawGroup `koanf:"peer_group"`
}

type DebugConfig struct {
	All          bool   `koanf:"all"`
	Collector    bool   `koanf:"collector"`
	Worker       bool   `koanf:"worker"`
	Encapsulator bool   `koanf:"encapsulator"`
	MessageBus   bool   `koanf:"message_bus"`
	// DumpDir enables a per-worker zstd-compressed raw stream dump.
	DumpDir string `koanf:"dump_dir"`
}

type ServiceConfig struct {
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// Load reads the YAML file (if any), overlays environment variables
// (BMP_COLLECTOR_BASE__LISTEN_PORT → base.listen_port), applies defaults,
// and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("BMP_COLLECTOR_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BMP_COLLECTOR_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Default()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// The literal value "hostname" asks for the machine hostname.
	if cfg.Base.CollectorName == "hostname" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Base.CollectorName = hostname
		}
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a config populated with defaults; the listener and topic
// template defaults match the classic OpenBMP collector.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Base: BaseConfig{
			CollectorName:        hostname,
			CollectorGroup:       "default",
			HeartbeatInterval:    10,
			ListenPort:           5000,
			ListenMode:           "v4",
			RingBufferSizeMiB:    15,
			MaxRIBWaitingWorkers: 10,
			MaxCPUUtilization:    0.8,
			Daemon:               true,
		},
		Kafka: KafkaConfig{
			Brokers:  []string{"127.0.0.1:9092"},
			ClientID: "bmp-collector",
		},
		Topics: TopicTemplates{
			Collector: "openbmp.collector",
			Router:    "openbmp.router",
			BMPRaw:    "openbmp.bmp_raw",
		},
		Service: ServiceConfig{
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
	}
}

func (c *Config) Validate() error {
	if c.Base.CollectorName == "" {
		return fmt.Errorf("config: base.collector_name is required")
	}
	if c.Base.ListenPort < 25 || c.Base.ListenPort > 65535 {
		return fmt.Errorf("config: base.listen_port %d out of range 25-65535", c.Base.ListenPort)
	}
	switch c.Base.ListenMode {
	case "v4", "v6", "v4v6":
	default:
		return fmt.Errorf("config: base.listen_mode must be v4, v6, or v4v6 (got %q)", c.Base.ListenMode)
	}
	if c.Base.RingBufferSizeMiB < 2 || c.Base.RingBufferSizeMiB > 384 {
		return fmt.Errorf("config: base.bmp_ring_buffer_size %d MiB out of range 2-384", c.Base.RingBufferSizeMiB)
	}
	if c.Base.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: base.heartbeat_interval must be > 0 (got %d)", c.Base.HeartbeatInterval)
	}
	if c.Base.MaxRIBWaitingWorkers <= 0 {
		return fmt.Errorf("config: base.max_rib_waiting_workers must be > 0 (got %d)", c.Base.MaxRIBWaitingWorkers)
	}
	if c.Base.MaxCPUUtilization <= 0 || c.Base.MaxCPUUtilization > 1 {
		return fmt.Errorf("config: base.max_cpu_utilization must be in (0, 1] (got %g)", c.Base.MaxCPUUtilization)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Topics.Collector == "" || c.Topics.Router == "" || c.Topics.BMPRaw == "" {
		return fmt.Errorf("config: all three kafka_topic_template entries are required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}

	// Grouping rules must compile; surface failures at load time.
	if _, err := topic.NewMatcher(c.Grouping.RouterGroups); err != nil {
		return fmt.Errorf("config: grouping.router_group: %w", err)
	}
	if _, err := topic.NewMatcher(c.Grouping.PeerGroups); err != nil {
		return fmt.Errorf("config: grouping.peer_group: %w", err)
	}

	return nil
}

// RingBufferBytes converts the configured MiB value.
func (c *Config) RingBufferBytes() int {
	return c.Base.RingBufferSizeMiB * 1024 * 1024
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns
// nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings.
// Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
