package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of one Intrascale node.
type Config struct {
	// Node identity and address overrides.
	Node NodeConfig `yaml:"node" env:"NODE"`

	// Discovery controls the UDP announce/listen loop.
	Discovery DiscoveryConfig `yaml:"discovery" env:"DISCOVERY"`

	// Transport controls the framed TCP listener and dialer.
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Membership controls liveness sweeps and thresholds.
	Membership MembershipConfig `yaml:"membership" env:"MEMBERSHIP"`

	// Capacity controls local hardware sampling.
	Capacity CapacityConfig `yaml:"capacity" env:"CAPACITY"`

	// Scheduler controls dispatch, timeouts and retries.
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Worker controls the local execution pool.
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// HTTP controls the status/metrics server.
	HTTP HTTPConfig `yaml:"http" env:"HTTP"`

	// Log controls the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry controls the OpenTelemetry exporters.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// NodeConfig overrides node identity details that are otherwise
// detected at startup.
type NodeConfig struct {
	// Hostname overrides the OS-reported host name.
	Hostname string `yaml:"hostname" env:"HOSTNAME"`
	// AdvertiseAddr overrides the address other peers should dial,
	// in host or host:port form. Empty means auto-detect.
	AdvertiseAddr string `yaml:"advertise_addr" env:"ADVERTISE_ADDR"`
}

// DiscoveryConfig configures UDP presence broadcasting.
type DiscoveryConfig struct {
	// Enabled turns the announce/listen loops on. Disabled nodes only
	// learn peers through direct confirm handshakes.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Port is the UDP port announcements are broadcast to.
	Port int `yaml:"port" env:"PORT"`
	// BroadcastAddr is the destination address for announcements.
	BroadcastAddr string `yaml:"broadcast_addr" env:"BROADCAST_ADDR"`
	// Interval is the delay between announcements.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// InboundRate caps processed announcements per second.
	InboundRate float64 `yaml:"inbound_rate" env:"INBOUND_RATE"`
	// InboundBurst is the rate limiter burst size.
	InboundBurst int `yaml:"inbound_burst" env:"INBOUND_BURST"`
}

// TransportConfig configures the framed TCP layer.
type TransportConfig struct {
	// Port is the TCP port the node listens on for peer messages.
	Port int `yaml:"port" env:"PORT"`
	// BindAddr is the listen address.
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR"`
	// MaxFrameBytes bounds a single framed message.
	MaxFrameBytes int `yaml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// IdleTimeout closes cached peer connections after inactivity.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// MembershipConfig configures liveness tracking. The thresholds must
// be strictly increasing: SuspectAfter < DeadAfter < EvictAfter.
type MembershipConfig struct {
	// SweepInterval is how often peer records are re-examined.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// SuspectAfter is the heartbeat age that demotes ALIVE to SUSPECT.
	SuspectAfter time.Duration `yaml:"suspect_after" env:"SUSPECT_AFTER"`
	// DeadAfter is the heartbeat age that demotes SUSPECT to DEAD.
	DeadAfter time.Duration `yaml:"dead_after" env:"DEAD_AFTER"`
	// EvictAfter is the heartbeat age at which DEAD records are
	// removed entirely.
	EvictAfter time.Duration `yaml:"evict_after" env:"EVICT_AFTER"`
}

// CapacityConfig configures hardware sampling.
type CapacityConfig struct {
	// SampleTTL caches a snapshot for this long before re-reading.
	SampleTTL time.Duration `yaml:"sample_ttl" env:"SAMPLE_TTL"`
	// DiskPath is the mount point measured for disk figures.
	DiskPath string `yaml:"disk_path" env:"DISK_PATH"`
}

// SchedulerConfig configures dispatch and retry behavior.
type SchedulerConfig struct {
	// PassInterval is how often the scheduler re-examines pending
	// and overdue tasks between event-driven wakeups.
	PassInterval time.Duration `yaml:"pass_interval" env:"PASS_INTERVAL"`
	// DispatchTimeout is the per-attempt execution budget; an attempt
	// past its deadline is reassigned.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" env:"DISPATCH_TIMEOUT"`
	// MaxAttempts bounds attempts per task before permanent failure.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// MaxInFlightPerPeer bounds concurrent tasks assigned to one peer.
	MaxInFlightPerPeer int `yaml:"max_in_flight_per_peer" env:"MAX_IN_FLIGHT_PER_PEER"`
}

// WorkerConfig configures local task execution.
type WorkerConfig struct {
	// MaxWorkers is the execution pool size; 0 means one per core.
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS"`
	// QueueSize is the pending-execution buffer.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" env:"PORT"`
	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths lists zap sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with file:line.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stacktraces at error level.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns the OTLP exporters on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLPEndpoint is the collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// ServiceName names this service in traces.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// SampleRate is the trace sampling ratio.
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader builds a Config from defaults, file and environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the INTRASCALE env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "INTRASCALE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validation function.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration. Precedence: defaults, then YAML
// file, then environment variables. The built-in Validate always runs.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile merges the YAML file into cfg. A missing file is not an
// error; the defaults stand.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct recursively, joining env tags with
// underscores: INTRASCALE_DISCOVERY_PORT overrides Discovery.Port.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration wants "5s", not a bare integer.
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv builds configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	var errs []string

	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		errs = append(errs, "invalid discovery port")
	}
	// Transport port 0 binds an ephemeral port; the advertised address
	// carries the bound port to peers.
	if c.Transport.Port < 0 || c.Transport.Port > 65535 {
		errs = append(errs, "invalid transport port")
	}
	if c.Transport.Port != 0 && c.Discovery.Port == c.Transport.Port {
		errs = append(errs, "discovery and transport ports must differ")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, "invalid http port")
	}
	if c.Discovery.Interval <= 0 {
		errs = append(errs, "discovery interval must be positive")
	}
	if c.Membership.SweepInterval <= 0 {
		errs = append(errs, "sweep_interval must be positive")
	}
	if !(c.Membership.SuspectAfter < c.Membership.DeadAfter &&
		c.Membership.DeadAfter < c.Membership.EvictAfter) {
		errs = append(errs, "membership thresholds must satisfy suspect_after < dead_after < evict_after")
	}
	if c.Membership.SuspectAfter <= c.Discovery.Interval {
		errs = append(errs, "suspect_after must exceed the discovery interval")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		errs = append(errs, "max_attempts must be positive")
	}
	if c.Scheduler.DispatchTimeout <= 0 {
		errs = append(errs, "dispatch_timeout must be positive")
	}
	if c.Transport.MaxFrameBytes <= 0 {
		errs = append(errs, "max_frame_bytes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
