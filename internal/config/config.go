package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"driftkv/internal/errs"
	"driftkv/internal/quorum"
)

// Config holds the node configuration.
type Config struct {
	DataDir     string
	SeedNodes   []string
	ClusterName string
	ListenAddr  string
	FabricAddr  string
	AdminAddr   string

	Partitions        int
	ReplicationFactor int

	WorkerCount    int
	WorkerTimer    time.Duration
	RequestTimeout time.Duration
	FabricTimeout  time.Duration

	SyncTimeout     time.Duration
	SyncMsgTimeout  time.Duration
	SyncMsgInflight int
	SyncIncomingMax int
	SyncOutgoingMax int
	SyncAuto        bool

	SuspectHeartbeats int
	DownTimeout       time.Duration

	ClientConnectionMax int
	ValueVersionMax     int
	MaxKeyLength        int
	MaxValueLength      int64

	ConsistencyRead  string
	ConsistencyWrite string

	Storage   string
	LogLevel  string
	LogFormat string
}

// Default returns the configuration used for options absent from the file.
func Default() Config {
	return Config{
		DataDir:             "./driftkv_data",
		ClusterName:         "default",
		ListenAddr:          "127.0.0.1:6379",
		FabricAddr:          "127.0.0.1:16379",
		Partitions:          64,
		ReplicationFactor:   3,
		WorkerCount:         runtime.NumCPU(),
		WorkerTimer:         500 * time.Millisecond,
		RequestTimeout:      time.Second,
		FabricTimeout:       time.Second,
		SyncTimeout:         10 * time.Second,
		SyncMsgTimeout:      time.Second,
		SyncMsgInflight:     10,
		SyncIncomingMax:     10,
		SyncOutgoingMax:     10,
		SyncAuto:            true,
		SuspectHeartbeats:   3,
		DownTimeout:         5 * time.Second,
		ClientConnectionMax: 100,
		ValueVersionMax:     100,
		MaxKeyLength:        500,
		MaxValueLength:      10 << 20,
		ConsistencyRead:     "one",
		ConsistencyWrite:    "one",
		Storage:             "badger",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads a YAML file on top of the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML options on top of the defaults. The result is not validated.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("%w: %v", errs.ErrConfigInvalid, err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := cfg.Set(k, raw[k]); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Set assigns one option by its file key. Values may be native YAML scalars
// or strings, as they come from the environment or flags.
func (c *Config) Set(key string, value any) error {
	var err error
	switch key {
	case "data_dir":
		c.DataDir = scalar(value)
	case "seed_nodes":
		c.SeedNodes, err = list(value)
	case "cluster_name":
		c.ClusterName = scalar(value)
	case "listen_addr":
		c.ListenAddr = scalar(value)
	case "fabric_addr":
		c.FabricAddr = scalar(value)
	case "admin_addr":
		c.AdminAddr = scalar(value)
	case "partitions":
		c.Partitions, err = integer(value)
	case "replication_factor":
		c.ReplicationFactor, err = integer(value)
	case "worker_count":
		c.WorkerCount, err = integer(value)
	case "worker_timer":
		c.WorkerTimer, err = ParseDuration(scalar(value))
	case "request_timeout":
		c.RequestTimeout, err = ParseDuration(scalar(value))
	case "fabric_timeout":
		c.FabricTimeout, err = ParseDuration(scalar(value))
	case "sync_timeout":
		c.SyncTimeout, err = ParseDuration(scalar(value))
	case "sync_msg_timeout":
		c.SyncMsgTimeout, err = ParseDuration(scalar(value))
	case "sync_msg_inflight":
		c.SyncMsgInflight, err = integer(value)
	case "sync_incomming_max", "sync_incoming_max":
		c.SyncIncomingMax, err = integer(value)
	case "sync_outgoing_max":
		c.SyncOutgoingMax, err = integer(value)
	case "sync_auto":
		c.SyncAuto, err = boolean(value)
	case "suspect_heartbeats":
		c.SuspectHeartbeats, err = integer(value)
	case "down_timeout":
		c.DownTimeout, err = ParseDuration(scalar(value))
	case "client_connection_max":
		c.ClientConnectionMax, err = integer(value)
	case "value_version_max":
		c.ValueVersionMax, err = integer(value)
	case "max_key_length":
		var n int64
		n, err = ParseSize(scalar(value))
		c.MaxKeyLength = int(n)
	case "max_value_length":
		c.MaxValueLength, err = ParseSize(scalar(value))
	case "consistency_read":
		c.ConsistencyRead = strings.ToLower(scalar(value))
	case "consistency_write":
		c.ConsistencyWrite = strings.ToLower(scalar(value))
	case "storage":
		c.Storage = strings.ToLower(scalar(value))
	case "log_level":
		c.LogLevel = strings.ToLower(scalar(value))
	case "log_format":
		c.LogFormat = strings.ToLower(scalar(value))
	default:
		return fmt.Errorf("%w: unknown option %q", errs.ErrConfigInvalid, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrConfigInvalid, key, err)
	}
	return nil
}

// Keys lists every option Set accepts, in file order.
func Keys() []string {
	return []string{
		"data_dir", "seed_nodes", "cluster_name", "listen_addr", "fabric_addr", "admin_addr",
		"partitions", "replication_factor", "worker_count", "worker_timer", "request_timeout",
		"fabric_timeout", "sync_timeout", "sync_msg_timeout", "sync_msg_inflight",
		"sync_incomming_max", "sync_outgoing_max", "sync_auto", "suspect_heartbeats",
		"down_timeout", "client_connection_max", "value_version_max", "max_key_length",
		"max_value_length", "consistency_read", "consistency_write", "storage",
		"log_level", "log_format",
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.ListenAddr != "", "listen_addr is required")
	check(c.FabricAddr != "", "fabric_addr is required")
	check(c.FabricAddr == "" || dialable(c.FabricAddr), "fabric_addr must be a dialable host:port, wildcard hosts are not allowed")
	check(c.ListenAddr != c.FabricAddr, "listen_addr and fabric_addr must differ")
	check(c.ClusterName != "", "cluster_name is required")
	check(c.Partitions >= 1, "partitions must be >= 1")
	check(c.Partitions <= 1<<16, "partitions must be <= 65536")
	check(c.ReplicationFactor >= 1, "replication_factor must be >= 1")
	check(c.WorkerCount >= 1, "worker_count must be >= 1")
	check(c.WorkerTimer > 0, "worker_timer must be > 0")
	check(c.RequestTimeout > 0, "request_timeout must be > 0")
	check(c.FabricTimeout > 0, "fabric_timeout must be > 0")
	check(c.SyncTimeout > 0, "sync_timeout must be > 0")
	check(c.SyncMsgTimeout > 0, "sync_msg_timeout must be > 0")
	check(c.SyncMsgTimeout <= c.SyncTimeout, "sync_msg_timeout must not exceed sync_timeout")
	check(c.SyncMsgInflight >= 1, "sync_msg_inflight must be >= 1")
	check(c.SyncIncomingMax >= 1, "sync_incomming_max must be >= 1")
	check(c.SyncOutgoingMax >= 1, "sync_outgoing_max must be >= 1")
	check(c.SuspectHeartbeats >= 1, "suspect_heartbeats must be >= 1")
	check(c.DownTimeout > 0, "down_timeout must be > 0")
	check(c.ClientConnectionMax >= 1, "client_connection_max must be >= 1")
	check(c.ValueVersionMax >= 1, "value_version_max must be >= 1")
	check(c.MaxKeyLength >= 1, "max_key_length must be >= 1")
	check(c.MaxValueLength >= 1, "max_value_length must be >= 1")
	_, err := quorum.ParseLevel(c.ConsistencyRead)
	check(err == nil, "consistency_read must be one, quorum or all")
	_, err = quorum.ParseLevel(c.ConsistencyWrite)
	check(err == nil, "consistency_write must be one, quorum or all")
	check(c.Storage == "memory" || c.Storage == "badger", "storage must be memory or badger")
	check(c.Storage != "badger" || c.DataDir != "", "data_dir is required for badger storage")
	check(oneOf(c.LogLevel, "debug", "info", "warn", "error"), "log_level must be debug, info, warn or error")
	check(oneOf(c.LogFormat, "text", "json"), "log_format must be text or json")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ReadLevel returns the parsed consistency_read level.
func (c *Config) ReadLevel() quorum.Level {
	l, _ := quorum.ParseLevel(c.ConsistencyRead)
	return l
}

// WriteLevel returns the parsed consistency_write level.
func (c *Config) WriteLevel() quorum.Level {
	l, _ := quorum.ParseLevel(c.ConsistencyWrite)
	return l
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node")
	addField("Cluster", c.ClusterName)
	addField("Client Address", c.ListenAddr)
	addField("Fabric Address", c.FabricAddr)
	admin := c.AdminAddr
	if admin == "" {
		admin = "disabled"
	}
	addField("Admin Address", admin)
	seeds := "none"
	if len(c.SeedNodes) > 0 {
		seeds = strings.Join(c.SeedNodes, ", ")
	}
	addField("Seed Nodes", seeds)

	addSection("Partitioning")
	addField("Partitions", strconv.Itoa(c.Partitions))
	addField("Replication Factor", strconv.Itoa(c.ReplicationFactor))
	addField("Read Consistency", c.ConsistencyRead)
	addField("Write Consistency", c.ConsistencyWrite)

	addSection("Workers")
	addField("Workers", strconv.Itoa(c.WorkerCount))
	addField("Timer", c.WorkerTimer.String())
	addField("Request Timeout", c.RequestTimeout.String())
	addField("Fabric Timeout", c.FabricTimeout.String())
	addField("Max Clients", strconv.Itoa(c.ClientConnectionMax))

	addSection("Membership")
	addField("Suspect Heartbeats", strconv.Itoa(c.SuspectHeartbeats))
	addField("Down Timeout", c.DownTimeout.String())

	addSection("Anti-Entropy")
	addField("Session Timeout", c.SyncTimeout.String())
	addField("Message Timeout", c.SyncMsgTimeout.String())
	addField("Inflight Window", strconv.Itoa(c.SyncMsgInflight))
	addField("Max Incoming", strconv.Itoa(c.SyncIncomingMax))
	addField("Max Outgoing", strconv.Itoa(c.SyncOutgoingMax))
	addField("Periodic Sync", strconv.FormatBool(c.SyncAuto))

	addSection("Storage")
	addField("Engine", c.Storage)
	addField("Data Directory", c.DataDir)
	addField("Max Versions", strconv.Itoa(c.ValueVersionMax))
	addField("Max Key Length", strconv.Itoa(c.MaxKeyLength))
	addField("Max Value Length", strconv.FormatInt(c.MaxValueLength, 10))

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	addField("Log Format", c.LogFormat)

	return sb.String()
}

// ParseDuration parses a duration with an ms, s, m or h suffix.
// A bare number is milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"ms", time.Millisecond},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
	}
	unit := time.Millisecond
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			unit = u.unit
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n) * unit, nil
}

// ParseSize parses a byte size with a b, k, kb, m, mb, g or gb suffix.
// A bare number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	units := []struct {
		suffix string
		mult   int64
	}{
		{"kb", 1 << 10},
		{"mb", 1 << 20},
		{"gb", 1 << 30},
		{"k", 1 << 10},
		{"m", 1 << 20},
		{"g", 1 << 30},
		{"b", 1},
	}
	mult := int64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return fmt.Sprint(t)
	}
}

func integer(v any) (int, error) {
	n, err := strconv.Atoi(scalar(v))
	if err != nil {
		return 0, fmt.Errorf("not an integer: %v", v)
	}
	return n, nil
}

func boolean(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return strconv.ParseBool(scalar(v))
}

func list(v any) ([]string, error) {
	var out []string
	switch t := v.(type) {
	case nil:
	case []any:
		for _, item := range t {
			if s := scalar(item); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, item := range t {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, part)
		}
	default:
		return nil, fmt.Errorf("not a list: %v", v)
	}
	return out, nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// dialable reports whether addr is a host:port peers can connect to.
func dialable(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsUnspecified()
}
