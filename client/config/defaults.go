package config

import (
	"time"

	"github.com/adwski/mirror-bridge/client/model"
)

// Default returns a Config populated with the defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Discovery: DiscoveryConfig{
			Service:         "_mirror._tcp",
			Domain:          "local.",
			MaxAttempts:     3,
			AttemptTimeouts: []time.Duration{10 * time.Second, 15 * time.Second},
			Port:            8765,
		},
		Transport: TransportConfig{
			Path:         model.DefaultTransportPath,
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
			PingInterval: 10 * time.Second,
			PongWait:     25 * time.Second,
			QueueLimit:   256,
		},
		Request: RequestConfig{
			Port:    8000,
			Timeout: 5 * time.Second,
		},
		Policy: PolicyConfig{
			RestInterval:   10 * time.Second,
			DuplicateDelay: 150 * time.Millisecond,
			ReadyGrace:     200 * time.Millisecond,
			VolumeStep:     0.1,
		},
		Calendar: CalendarConfig{
			RangeDays: 7,
		},
		API: APIConfig{
			ListenAddr:     "127.0.0.1:8080",
			FeedListenAddr: "127.0.0.1:8888",
		},
		State: StateConfig{
			File: defaultStateFile(),
		},
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	d := Default()

	// Log
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	// Discovery
	if c.Discovery.Service == "" {
		c.Discovery.Service = d.Discovery.Service
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = d.Discovery.Domain
	}
	if c.Discovery.MaxAttempts == 0 {
		c.Discovery.MaxAttempts = d.Discovery.MaxAttempts
	}
	if len(c.Discovery.AttemptTimeouts) == 0 {
		c.Discovery.AttemptTimeouts = d.Discovery.AttemptTimeouts
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = d.Discovery.Port
	}

	// Transport
	if c.Transport.Path == "" {
		c.Transport.Path = d.Transport.Path
	}
	if c.Transport.DialTimeout == 0 {
		c.Transport.DialTimeout = d.Transport.DialTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = d.Transport.WriteTimeout
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = d.Transport.PingInterval
	}
	if c.Transport.PongWait == 0 {
		c.Transport.PongWait = d.Transport.PongWait
	}
	if c.Transport.QueueLimit == 0 {
		c.Transport.QueueLimit = d.Transport.QueueLimit
	}

	// Request
	if c.Request.Port == 0 {
		c.Request.Port = d.Request.Port
	}
	if c.Request.Timeout == 0 {
		c.Request.Timeout = d.Request.Timeout
	}

	// Policy
	if c.Policy.RestInterval == 0 {
		c.Policy.RestInterval = d.Policy.RestInterval
	}
	if c.Policy.DuplicateDelay == 0 {
		c.Policy.DuplicateDelay = d.Policy.DuplicateDelay
	}
	if c.Policy.ReadyGrace == 0 {
		c.Policy.ReadyGrace = d.Policy.ReadyGrace
	}
	if c.Policy.VolumeStep == 0 {
		c.Policy.VolumeStep = d.Policy.VolumeStep
	}

	// Calendar
	if c.Calendar.RangeDays == 0 {
		c.Calendar.RangeDays = d.Calendar.RangeDays
	}

	// API
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = d.API.ListenAddr
	}
	if c.API.FeedListenAddr == "" {
		c.API.FeedListenAddr = d.API.FeedListenAddr
	}

	// State
	if c.State.File == "" {
		c.State.File = d.State.File
	}
}
