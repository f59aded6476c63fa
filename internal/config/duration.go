package config

import (
	"strings"
	"time"
)

// ParseDuration reads a duration setting such as "10m" or "200ms". Empty
// means zero; the component picks its own default.
func ParseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, invalid(field, "invalid duration %q", raw)
	}
	if d < 0 {
		return 0, invalid(field, "duration %q must not be negative", raw)
	}
	return d, nil
}

// duration is ParseDuration for values Validate already accepted.
func duration(field, raw string) time.Duration {
	d, _ := ParseDuration(field, raw)
	return d
}

// LockTimeout bounds how long a sync tick waits for the previous one.
func (c *Config) LockTimeout() time.Duration {
	return duration("relay.lock_timeout", c.Relay.LockTimeout)
}

func (c *Config) HTTPTimeouts() (read, write time.Duration) {
	return duration("http.read_timeout", c.HTTP.ReadTimeout), duration("http.write_timeout", c.HTTP.WriteTimeout)
}
