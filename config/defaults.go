package config

import "time"

// DefaultConfig returns the full default configuration. The discovery
// and transport ports follow the cluster's conventional 50000/50001
// pair, so unconfigured nodes on one LAN find each other.
func DefaultConfig() *Config {
	return &Config{
		Node:       DefaultNodeConfig(),
		Discovery:  DefaultDiscoveryConfig(),
		Transport:  DefaultTransportConfig(),
		Membership: DefaultMembershipConfig(),
		Capacity:   DefaultCapacityConfig(),
		Scheduler:  DefaultSchedulerConfig(),
		Worker:     DefaultWorkerConfig(),
		HTTP:       DefaultHTTPConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultNodeConfig returns the default node identity config.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Hostname:      "",
		AdvertiseAddr: "",
	}
}

// DefaultDiscoveryConfig returns the default discovery config.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Enabled:       true,
		Port:          50000,
		BroadcastAddr: "255.255.255.255",
		Interval:      5 * time.Second,
		InboundRate:   200,
		InboundBurst:  400,
	}
}

// DefaultTransportConfig returns the default transport config.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Port:          50001,
		BindAddr:      "0.0.0.0",
		MaxFrameBytes: 16 << 20,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   2 * time.Minute,
	}
}

// DefaultMembershipConfig returns the default liveness thresholds.
// With a 5s announce interval, a peer is SUSPECT after missing two
// broadcasts, DEAD after missing six, and forgotten after two minutes.
func DefaultMembershipConfig() MembershipConfig {
	return MembershipConfig{
		SweepInterval: 2 * time.Second,
		SuspectAfter:  12 * time.Second,
		DeadAfter:     30 * time.Second,
		EvictAfter:    2 * time.Minute,
	}
}

// DefaultCapacityConfig returns the default sampling config.
func DefaultCapacityConfig() CapacityConfig {
	return CapacityConfig{
		SampleTTL: 2 * time.Second,
		DiskPath:  "/",
	}
}

// DefaultSchedulerConfig returns the default dispatch config.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PassInterval:       500 * time.Millisecond,
		DispatchTimeout:    60 * time.Second,
		MaxAttempts:        3,
		MaxInFlightPerPeer: 4,
	}
}

// DefaultWorkerConfig returns the default executor config.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxWorkers: 0, // one per core
		QueueSize:  64,
	}
}

// DefaultHTTPConfig returns the default status server config.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:            50080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig returns the default logging config.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry config.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "intrascale",
		SampleRate:   0.1,
	}
}
