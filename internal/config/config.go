// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/netlab/internal/core"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `netlab:` root key in YAML.
type GlobalConfig struct {
	Interface InterfaceConfig `mapstructure:"interface" yaml:"interface"`
	ARP       ARPConfig       `mapstructure:"arp" yaml:"arp"`
	IP        IPConfig        `mapstructure:"ip" yaml:"ip"`
	ICMP      ICMPConfig      `mapstructure:"icmp" yaml:"icmp"`
	TCP       TCPConfig       `mapstructure:"tcp" yaml:"tcp"`
	UDP       UDPConfig       `mapstructure:"udp" yaml:"udp"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Poll      PollConfig      `mapstructure:"poll" yaml:"poll"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Control   ControlConfig   `mapstructure:"control" yaml:"control"`
}

// ─── Link ───

// InterfaceConfig selects the frame I/O driver and the stack's addresses.
type InterfaceConfig struct {
	Name     string         `mapstructure:"name" yaml:"name"`
	Driver   string         `mapstructure:"driver" yaml:"driver"` // tap / afpacket / pcap / file
	MAC      string         `mapstructure:"mac" yaml:"mac"`
	IP       string         `mapstructure:"ip" yaml:"ip"`
	MTU      int            `mapstructure:"mtu" yaml:"mtu"`
	PcapFile string         `mapstructure:"pcap_file" yaml:"pcap_file"` // non-empty = record every frame
	Options  map[string]any `mapstructure:"options" yaml:"options,omitempty"`

	// Parsed by ValidateAndApplyDefaults.
	HardwareAddr core.MAC  `mapstructure:"-" yaml:"-"`
	Address      core.IPv4 `mapstructure:"-" yaml:"-"`
}

// ─── Protocols ───

// ARPConfig controls the ARP cache and the pending-packet queue.
type ARPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	TableSize   int           `mapstructure:"table_size" yaml:"table_size"`
}

// IPConfig controls fragmentation and reassembly.
type IPConfig struct {
	MaxPayload int              `mapstructure:"max_payload" yaml:"max_payload"` // multiple of 8
	Reassembly ReassemblyConfig `mapstructure:"reassembly" yaml:"reassembly"`
}

// ReassemblyConfig controls IP fragment reassembly.
type ReassemblyConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxFragments      int           `mapstructure:"max_fragments" yaml:"max_fragments"`
	MaxReassembleSize int           `mapstructure:"max_reassemble_size" yaml:"max_reassemble_size"`
	MaxFlows          int           `mapstructure:"max_flows" yaml:"max_flows"`
	MaxFragsPerIP     int           `mapstructure:"max_frags_per_ip" yaml:"max_frags_per_ip"` // 0 = unlimited
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
}

// ICMPConfig limits outgoing ICMP error messages.
type ICMPConfig struct {
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // messages per second, 0 = unlimited
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// TCPConfig sizes the connection table and per-connection buffers.
type TCPConfig struct {
	TableSize  int `mapstructure:"table_size" yaml:"table_size"`
	SendBuffer int `mapstructure:"send_buffer" yaml:"send_buffer"`
	RecvBuffer int `mapstructure:"recv_buffer" yaml:"recv_buffer"`
	Backlog    int `mapstructure:"backlog" yaml:"backlog"`
}

// UDPConfig sizes the listener table.
type UDPConfig struct {
	TableSize int `mapstructure:"table_size" yaml:"table_size"`
}

// ─── Application ───

// HTTPConfig controls the static file server.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	DocRoot string `mapstructure:"doc_root" yaml:"doc_root"`
}

// PollConfig controls the driver loop.
type PollConfig struct {
	IdleSleep time.Duration `mapstructure:"idle_sleep" yaml:"idle_sleep"` // 0 = spin
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level" yaml:"level"`   // trace / debug / info / warn / error
	Format     string           `mapstructure:"format" yaml:"format"` // json / text
	Pattern    string           `mapstructure:"pattern" yaml:"pattern"`
	TimeFormat string           `mapstructure:"time_format" yaml:"time_format"`
	Outputs    LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Control ───

// ControlConfig contains local process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `netlab: ...`.
type configRoot struct {
	Netlab GlobalConfig `mapstructure:"netlab"`
}

// Load loads configuration from file. An empty path yields the defaults.
// The YAML file uses `netlab:` as root key; env vars use the NETLAB_ prefix
// (e.g. NETLAB_INTERFACE_IP).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `netlab.` key prefix maps to `NETLAB_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Netlab

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "netlab." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Interface defaults
	v.SetDefault("netlab.interface.name", "tap0")
	v.SetDefault("netlab.interface.driver", "tap")
	v.SetDefault("netlab.interface.mac", "11:22:33:44:55:66")
	v.SetDefault("netlab.interface.ip", "192.168.163.103")
	v.SetDefault("netlab.interface.mtu", 1500)
	v.SetDefault("netlab.interface.pcap_file", "")

	// ARP defaults
	v.SetDefault("netlab.arp.timeout", "5m")
	v.SetDefault("netlab.arp.min_interval", "1s")
	v.SetDefault("netlab.arp.table_size", 1024)

	// IP defaults
	v.SetDefault("netlab.ip.max_payload", 1480)
	v.SetDefault("netlab.ip.reassembly.enabled", true)
	v.SetDefault("netlab.ip.reassembly.timeout", "30s")
	v.SetDefault("netlab.ip.reassembly.max_fragments", 100)
	v.SetDefault("netlab.ip.reassembly.max_reassemble_size", 65535)
	v.SetDefault("netlab.ip.reassembly.max_flows", 256)
	v.SetDefault("netlab.ip.reassembly.max_frags_per_ip", 0)
	v.SetDefault("netlab.ip.reassembly.rate_limit_window", "10s")

	// ICMP defaults
	v.SetDefault("netlab.icmp.rate_limit", 100.0)
	v.SetDefault("netlab.icmp.burst", 20)

	// Transport defaults
	v.SetDefault("netlab.tcp.table_size", 1024)
	v.SetDefault("netlab.tcp.send_buffer", 65535)
	v.SetDefault("netlab.tcp.recv_buffer", 65535)
	v.SetDefault("netlab.tcp.backlog", 40)
	v.SetDefault("netlab.udp.table_size", 256)

	// HTTP defaults
	v.SetDefault("netlab.http.enabled", true)
	v.SetDefault("netlab.http.port", 80)
	v.SetDefault("netlab.http.doc_root", "./htmldocs")

	// Poll defaults
	v.SetDefault("netlab.poll.idle_sleep", "1ms")

	// Metrics defaults
	v.SetDefault("netlab.metrics.enabled", false)
	v.SetDefault("netlab.metrics.listen", ":9091")
	v.SetDefault("netlab.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("netlab.log.level", "info")
	v.SetDefault("netlab.log.format", "text")
	v.SetDefault("netlab.log.pattern", "%time [%level] %field %msg\n")
	v.SetDefault("netlab.log.time_format", "2006-01-02 15:04:05.000")
	v.SetDefault("netlab.log.outputs.file.enabled", false)
	v.SetDefault("netlab.log.outputs.file.path", "/var/log/netlab/netlab.log")
	v.SetDefault("netlab.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("netlab.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("netlab.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("netlab.log.outputs.file.rotation.compress", true)

	// Control defaults
	v.SetDefault("netlab.control.pid_file", "/var/run/netlab.pid")
}

var validDrivers = map[string]bool{"tap": true, "afpacket": true, "pcap": true, "file": true}

// ValidateAndApplyDefaults validates configuration and resolves parsed fields.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %s (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: log format %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Interface ──
	if !validDrivers[cfg.Interface.Driver] {
		return fmt.Errorf("%w: interface.driver %s (must be tap/afpacket/pcap/file)", core.ErrConfigInvalid, cfg.Interface.Driver)
	}
	if cfg.Interface.Name == "" {
		return fmt.Errorf("%w: interface.name is required", core.ErrConfigInvalid)
	}
	mac, err := core.ParseMAC(cfg.Interface.MAC)
	if err != nil {
		return err
	}
	cfg.Interface.HardwareAddr = mac
	addr, err := core.ParseIPv4(cfg.Interface.IP)
	if err != nil {
		return err
	}
	cfg.Interface.Address = addr
	if cfg.Interface.MTU < 68 || cfg.Interface.MTU > 65535 {
		return fmt.Errorf("%w: interface.mtu %d out of range [68, 65535]", core.ErrConfigInvalid, cfg.Interface.MTU)
	}

	// ── IP ──
	if cfg.IP.MaxPayload <= 0 || cfg.IP.MaxPayload%8 != 0 {
		return fmt.Errorf("%w: ip.max_payload %d must be a positive multiple of 8", core.ErrConfigInvalid, cfg.IP.MaxPayload)
	}
	if cfg.IP.MaxPayload+20 > cfg.Interface.MTU {
		return fmt.Errorf("%w: ip.max_payload %d exceeds mtu %d minus the IP header", core.ErrConfigInvalid, cfg.IP.MaxPayload, cfg.Interface.MTU)
	}
	if cfg.IP.Reassembly.MaxReassembleSize > 65535 {
		cfg.IP.Reassembly.MaxReassembleSize = 65535
	}

	// ── Tables ──
	if cfg.ARP.Timeout < 0 || cfg.ARP.MinInterval < 0 {
		return fmt.Errorf("%w: arp durations must not be negative", core.ErrConfigInvalid)
	}
	if cfg.TCP.SendBuffer <= 0 || cfg.TCP.RecvBuffer <= 0 {
		return fmt.Errorf("%w: tcp buffers must be positive", core.ErrConfigInvalid)
	}
	if cfg.TCP.Backlog <= 0 {
		return fmt.Errorf("%w: tcp.backlog must be positive", core.ErrConfigInvalid)
	}

	// ── HTTP ──
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return fmt.Errorf("%w: http.port %d out of range", core.ErrConfigInvalid, cfg.HTTP.Port)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
	}

	return nil
}
