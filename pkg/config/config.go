package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	StrategySingleStep = "single_step"
	StrategyLadderStep = "ladder_step"

	ObserverSysfs  = "sysfs"
	ObserverStatic = "static"

	SinkSimulation = "simulation"
	SinkWebRTC     = "webrtc"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
		Channel   string `yaml:"channel"`
	} `yaml:"redis"`

	Conditioner struct {
		Enabled     bool   `yaml:"enabled"`
		Strategy    string `yaml:"strategy"`
		InitBitrate int    `yaml:"init_bitrate"`
		// Zero keeps the strategy's own cadence.
		CheckDelay    time.Duration `yaml:"check_delay"`
		CheckInterval time.Duration `yaml:"check_interval"`
		// Reconfigure the full-speed bitrate whenever the quality monitor
		// publishes a new target.
		FollowQualityTarget bool `yaml:"follow_quality_target"`
	} `yaml:"conditioner"`

	Quality struct {
		Enabled          bool          `yaml:"enabled"`
		Ladder           []int         `yaml:"ladder"`
		Cooldown         time.Duration `yaml:"cooldown"`
		PollInterval     time.Duration `yaml:"poll_interval"`
		WindowSize       int           `yaml:"window_size"`
		WindowMaxAge     time.Duration `yaml:"window_max_age"`
		DefaultBitrate   int           `yaml:"default_bitrate"`
		ClampAboveLadder bool          `yaml:"clamp_above_ladder"`
	} `yaml:"quality"`

	Observer struct {
		Kind                 string        `yaml:"kind"`
		Interface            string        `yaml:"interface"`
		SysPath              string        `yaml:"sys_path"`
		ProcPath             string        `yaml:"proc_path"`
		WatchInterval        time.Duration `yaml:"watch_interval"`
		DefaultBandwidthKbps int           `yaml:"default_bandwidth_kbps"`

		Static struct {
			BandwidthKbps int     `yaml:"bandwidth_kbps"`
			LatencyMs     float64 `yaml:"latency_ms"`
			PacketLossPct float64 `yaml:"packet_loss_pct"`
			Transport     string  `yaml:"transport"`
			Metered       bool    `yaml:"metered"`
		} `yaml:"static"`
	} `yaml:"observer"`

	Sink struct {
		Kind string `yaml:"kind"`
	} `yaml:"sink"`

	WebRTC struct {
		ICEServers []string `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		GatherTimeout time.Duration `yaml:"gather_timeout"`
	} `yaml:"webrtc"`

	Simulation struct {
		Connections    int           `yaml:"connections"`
		CapacityBps    int           `yaml:"capacity_bps"`
		BackgroundLoss float64       `yaml:"background_loss"`
		Tick           time.Duration `yaml:"tick"`
		Seed           int64         `yaml:"seed"`
		Schedule       []struct {
			At          time.Duration `yaml:"at"`
			CapacityBps int           `yaml:"capacity_bps"`
		} `yaml:"schedule"`
	} `yaml:"simulation"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be > 0")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 || c.Server.RateLimit.Burst <= 0 {
			return fmt.Errorf("server.rate_limit requests_per_second and burst must be > 0")
		}
		if c.Server.RateLimit.MaxConcurrent < 0 {
			return fmt.Errorf("server.rate_limit.max_concurrent must be >= 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Conditioner
	if c.Conditioner.Enabled {
		if c.Conditioner.Strategy != StrategySingleStep && c.Conditioner.Strategy != StrategyLadderStep {
			return fmt.Errorf("conditioner.strategy must be %s or %s, got %q",
				StrategySingleStep, StrategyLadderStep, c.Conditioner.Strategy)
		}
		if c.Conditioner.InitBitrate <= 0 {
			return fmt.Errorf("conditioner.init_bitrate must be > 0")
		}
		if c.Conditioner.CheckDelay < 0 || c.Conditioner.CheckInterval < 0 {
			return fmt.Errorf("conditioner check timings must be >= 0")
		}
	}

	// Quality
	if c.Quality.Enabled {
		if len(c.Quality.Ladder) == 0 {
			return fmt.Errorf("quality.ladder must not be empty")
		}
		for i := 1; i < len(c.Quality.Ladder); i++ {
			if c.Quality.Ladder[i] <= c.Quality.Ladder[i-1] {
				return fmt.Errorf("quality.ladder must be strictly increasing")
			}
		}
		if c.Quality.Cooldown <= 0 {
			return fmt.Errorf("quality.cooldown must be > 0")
		}
		if c.Quality.PollInterval <= 0 {
			return fmt.Errorf("quality.poll_interval must be > 0")
		}
		if c.Quality.WindowSize <= 0 {
			return fmt.Errorf("quality.window_size must be > 0")
		}
		if c.Quality.WindowMaxAge <= 0 {
			return fmt.Errorf("quality.window_max_age must be > 0")
		}

		// Observer
		switch c.Observer.Kind {
		case ObserverSysfs:
		case ObserverStatic:
			if c.Observer.Static.BandwidthKbps < 0 {
				return fmt.Errorf("observer.static.bandwidth_kbps must be >= 0")
			}
		default:
			return fmt.Errorf("observer.kind must be %s or %s, got %q", ObserverSysfs, ObserverStatic, c.Observer.Kind)
		}
	}

	// Sink
	switch c.Sink.Kind {
	case SinkSimulation:
		if c.Simulation.Connections <= 0 {
			return fmt.Errorf("simulation.connections must be > 0")
		}
		if c.Simulation.Tick <= 0 {
			return fmt.Errorf("simulation.tick must be > 0")
		}
		if c.Simulation.BackgroundLoss < 0 || c.Simulation.BackgroundLoss >= 1 {
			return fmt.Errorf("simulation.background_loss must be within [0, 1)")
		}
	case SinkWebRTC:
		if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
			if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
				return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
			}
			if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
				return fmt.Errorf("webrtc.port_range.min must be < max")
			}
		}
	default:
		return fmt.Errorf("sink.kind must be %s or %s, got %q", SinkSimulation, SinkWebRTC, c.Sink.Kind)
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.PingInterval = 30 * time.Second
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 20
	cfg.Server.RateLimit.Burst = 40
	cfg.Server.RateLimit.MaxConcurrent = 64

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "ratepilot"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "ratepilot:settings:"
	cfg.Redis.Channel = "ratepilot:settings"

	cfg.Conditioner.Enabled = true
	cfg.Conditioner.Strategy = StrategyLadderStep
	cfg.Conditioner.InitBitrate = 4_000_000
	cfg.Conditioner.FollowQualityTarget = true

	cfg.Quality.Enabled = true
	cfg.Quality.Ladder = []int{200_000, 500_000, 1_000_000, 2_000_000, 4_000_000, 8_000_000, 12_000_000}
	cfg.Quality.Cooldown = 5 * time.Second
	cfg.Quality.PollInterval = 2 * time.Second
	cfg.Quality.WindowSize = 30
	cfg.Quality.WindowMaxAge = 30 * time.Second
	cfg.Quality.DefaultBitrate = 2_000_000
	cfg.Quality.ClampAboveLadder = true

	cfg.Observer.Kind = ObserverStatic
	cfg.Observer.SysPath = "/sys"
	cfg.Observer.ProcPath = "/proc"
	cfg.Observer.WatchInterval = time.Second
	cfg.Observer.DefaultBandwidthKbps = 5_000
	cfg.Observer.Static.BandwidthKbps = 8_000
	cfg.Observer.Static.Transport = "wifi"

	cfg.Sink.Kind = SinkSimulation

	cfg.WebRTC.ICEServers = []string{"stun:stun.l.google.com:19302"}
	cfg.WebRTC.GatherTimeout = 5 * time.Second

	cfg.Simulation.Connections = 1
	cfg.Simulation.CapacityBps = 3_000_000
	cfg.Simulation.BackgroundLoss = 0.001
	cfg.Simulation.Tick = 100 * time.Millisecond
	cfg.Simulation.Seed = 1

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("RATEPILOT_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("RATEPILOT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("RATEPILOT_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if strategy := os.Getenv("RATEPILOT_STRATEGY"); strategy != "" {
		c.Conditioner.Strategy = strategy
	}
	if raw := os.Getenv("RATEPILOT_INIT_BITRATE"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid RATEPILOT_INIT_BITRATE %q: %w", raw, err)
		}
		c.Conditioner.InitBitrate = v
	}
	if kind := os.Getenv("RATEPILOT_SINK"); kind != "" {
		c.Sink.Kind = kind
	}
	return nil
}
