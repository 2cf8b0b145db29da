package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Validate checks the configuration for errors. All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q (must be json or console)", c.Log.Format))
	}

	if c.Discovery.MaxAttempts < 1 {
		errs = append(errs, errors.New("discovery: max_attempts must be positive"))
	}
	for _, d := range c.Discovery.AttemptTimeouts {
		if d <= 0 {
			errs = append(errs, errors.New("discovery: attempt_timeouts must be positive"))
			break
		}
	}
	if !validPort(c.Discovery.Port) {
		errs = append(errs, fmt.Errorf("discovery: invalid port %d", c.Discovery.Port))
	}
	if c.Discovery.Path != "" && !strings.HasPrefix(c.Discovery.Path, "/") {
		errs = append(errs, errors.New("discovery: path must start with /"))
	}

	if !strings.HasPrefix(c.Transport.Path, "/") {
		errs = append(errs, errors.New("transport: path must start with /"))
	}
	if !c.Transport.DisableKeepalive && c.Transport.PongWait <= c.Transport.PingInterval {
		errs = append(errs, errors.New("transport: pong_wait must exceed ping_interval"))
	}
	if c.Transport.QueueLimit < 1 {
		errs = append(errs, errors.New("transport: queue_limit must be positive"))
	}

	if !validPort(c.Request.Port) {
		errs = append(errs, fmt.Errorf("request: invalid port %d", c.Request.Port))
	}
	if c.Request.Timeout < 0 {
		errs = append(errs, errors.New("request: timeout must be non-negative"))
	}

	if c.Policy.RestInterval < 0 || c.Policy.DuplicateDelay < 0 || c.Policy.ReadyGrace < 0 {
		errs = append(errs, errors.New("policy: durations must be non-negative"))
	}
	if c.Policy.VolumeStep <= 0 || c.Policy.VolumeStep > 1 {
		errs = append(errs, errors.New("policy: volume_step must be within (0, 1]"))
	}

	if c.Calendar.RangeDays < 1 || c.Calendar.RangeDays > 366 {
		errs = append(errs, errors.New("calendar: range_days must be between 1 and 366"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
