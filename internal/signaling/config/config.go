package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the signaling server configuration
type Config struct {
	// HTTP/WebSocket settings
	Port     int
	BindAddr string // Address to bind for listening
	LogLevel string

	// Call occupancy settings
	MaxCallDuration time.Duration // Calls older than this are reclaimed
	SweepInterval   time.Duration // How often the reclamation sweep runs

	// Busy notification debounce window per offering connection
	BusyDebounce time.Duration

	// Call log settings
	CallLogPath string // Path to the SQLite call log, empty disables it
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	// Define flags
	flag.IntVar(&cfg.Port, "port", 8080, "HTTP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "HTTP bind address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.MaxCallDuration, "max-call-duration", time.Hour, "Maximum call age before occupancy is reclaimed")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", 5*time.Minute, "Interval between stale-call sweeps")
	flag.DurationVar(&cfg.BusyDebounce, "busy-debounce", time.Second, "Window for suppressing repeated busy notifications")
	flag.StringVar(&cfg.CallLogPath, "calllog", "patchbay.db", "Path to the SQLite call log (empty disables logging)")

	flag.Parse()

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if d := os.Getenv("MAX_CALL_DURATION"); d != "" {
		if v, err := time.ParseDuration(d); err == nil {
			cfg.MaxCallDuration = v
		}
	}
	if d := os.Getenv("SWEEP_INTERVAL"); d != "" {
		if v, err := time.ParseDuration(d); err == nil {
			cfg.SweepInterval = v
		}
	}
	if d := os.Getenv("BUSY_DEBOUNCE"); d != "" {
		if v, err := time.ParseDuration(d); err == nil {
			cfg.BusyDebounce = v
		}
	}
	if path, ok := os.LookupEnv("CALLLOG_PATH"); ok {
		cfg.CallLogPath = path
	}

	return cfg
}
