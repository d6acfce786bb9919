// Package config loads mediaproxyd's configuration the way the teacher's
// own config package does: viper defaults, an env-var prefix, and a YAML
// file searched across a few conventional locations, all overridable by
// command-line flags bound through pflag.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything mediaproxyd needs to bring up one connection.
type Config struct {
	InstanceID string
	LogLevel   string

	Kind         string // "transmitter" or "receiver"
	LocalIP      string
	LocalPort    int
	RemoteIP     string
	RemotePort   int
	TransferSize uint32
	QueueDepth   int

	RDMADevice string

	OTLPCollectorAddr string
	MetricsEnabled    bool
}

// SetupFlags registers mediaproxyd's command-line flags on fs, mirroring
// the analyzer's pflag.FlagSet + viper.BindPFlags pattern.
func SetupFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("kind", "receiver", "connection kind: transmitter or receiver")
	fs.String("local-ip", "127.0.0.1", "local RDMA endpoint IP")
	fs.Int("local-port", 20000, "local RDMA endpoint port")
	fs.String("remote-ip", "127.0.0.1", "remote RDMA endpoint IP")
	fs.Int("remote-port", 20001, "remote RDMA endpoint port")
	fs.Uint32("transfer-size", 1<<20, "buffer size in bytes for each posted transfer")
	fs.Int("queue-depth", 32, "number of buffers in the connection's pool")
	fs.String("rdma-device", "", "RDMA device name, empty selects the first available device")
	fs.String("otel-collector-addr", "", "OTLP/HTTP metrics collector address; metrics disabled if empty")
}

// Load reads defaults, an optional YAML config file, RPINGMESH_AGENT-style
// environment variables (prefixed MEDIAPROXY), and flags already parsed
// onto fs, in that order of increasing precedence.
func Load(fs *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("kind", "receiver")
	v.SetDefault("local_ip", "127.0.0.1")
	v.SetDefault("local_port", 20000)
	v.SetDefault("remote_ip", "127.0.0.1")
	v.SetDefault("remote_port", 20001)
	v.SetDefault("transfer_size", 1<<20)
	v.SetDefault("queue_depth", 32)
	v.SetDefault("rdma_device", "")
	v.SetDefault("otel_collector_addr", "")

	v.SetEnvPrefix("MEDIAPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("mediaproxyd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mediaproxy")
		v.AddConfigPath("/etc/mediaproxy")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	cfg := &Config{
		InstanceID:        instanceID(),
		LogLevel:          v.GetString("log-level"),
		Kind:              v.GetString("kind"),
		LocalIP:           v.GetString("local-ip"),
		LocalPort:         v.GetInt("local-port"),
		RemoteIP:          v.GetString("remote-ip"),
		RemotePort:        v.GetInt("remote-port"),
		TransferSize:      v.GetUint32("transfer-size"),
		QueueDepth:        v.GetInt("queue-depth"),
		RDMADevice:        v.GetString("rdma-device"),
		OTLPCollectorAddr: v.GetString("otel-collector-addr"),
	}
	cfg.MetricsEnabled = cfg.OTLPCollectorAddr != ""

	if cfg.Kind != "transmitter" && cfg.Kind != "receiver" {
		return nil, fmt.Errorf("config: kind must be \"transmitter\" or \"receiver\", got %q", cfg.Kind)
	}

	return cfg, nil
}

func instanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("mediaproxyd-%d", os.Getpid())
	}
	return hostname
}

// WriteDefault writes a template YAML config file to path.
func WriteDefault(path string) error {
	content := `# mediaproxyd configuration
log_level: "info" # debug, info, warn, error
kind: "receiver" # transmitter or receiver
local_ip: "127.0.0.1"
local_port: 20000
remote_ip: "127.0.0.1"
remote_port: 20001
transfer_size: 1048576
queue_depth: 32
rdma_device: "" # empty selects the first available device
otel_collector_addr: "" # e.g. http://localhost:4318, empty disables metrics
`
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("config: create config directory: %w", err)
			}
		}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}
