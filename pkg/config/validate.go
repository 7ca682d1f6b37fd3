/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: validate.go
Description: Configuration validation. Errors name the dotted field that failed; soft
problems come back as warnings so callers can log them and carry on.
*/

package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrInvalidConfig is matched by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError names the offending field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

// Is reports ErrInvalidConfig
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

var (
	macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

	LogLevels      = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}
	ExecutionModes = []string{"single", "batch", "continuous"}
	RateModes      = []string{"pps", "mbps", "gbps"}
)

// Validate checks the configuration. Known protocols and backends are passed in
// from the registries; an empty list skips that check.
func (c *Config) Validate(protocols, backends []string) (warnings []string, err error) {
	if !contains(LogLevels, strings.ToUpper(c.Global.LogLevel)) {
		return nil, invalid("global.log_level", "must be one of %v, got %q", LogLevels, c.Global.LogLevel)
	}

	n := c.Network
	for field, mac := range map[string]string{"network.src_mac": n.SrcMAC, "network.dst_mac": n.DstMAC} {
		if mac == "" || mac == "auto" {
			continue
		}
		if !macPattern.MatchString(mac) {
			return nil, invalid(field, "invalid MAC address %q", mac)
		}
	}
	for field, ip := range map[string]string{"network.src_ip": n.SrcIP, "network.dst_ip": n.DstIP} {
		if ip4 := net.ParseIP(ip); ip4 == nil || ip4.To4() == nil {
			return nil, invalid(field, "invalid IPv4 address %q", ip)
		}
	}
	if n.UseIPv6 {
		for field, ip := range map[string]string{"network.src_ipv6": n.SrcIPv6, "network.dst_ipv6": n.DstIPv6} {
			if ip6 := net.ParseIP(ip); ip6 == nil || ip6.To4() != nil {
				return nil, invalid(field, "invalid IPv6 address %q", ip)
			}
		}
	}

	if c.Protocol.Type == "" {
		return nil, invalid("protocol.type", "required")
	}
	if len(protocols) > 0 && !contains(protocols, c.Protocol.Type) {
		return nil, invalid("protocol.type", "unknown protocol %q, available: %v", c.Protocol.Type, protocols)
	}
	section := c.Protocol.Section(c.Protocol.Type)
	for _, key := range []string{"target_port", "source_port"} {
		v, ok := section[key]
		if !ok {
			continue
		}
		port, ok := toInt(v)
		if !ok || port < 0 || port > 65535 {
			return nil, invalid("protocol."+c.Protocol.Type+"."+key, "port out of range: %v", v)
		}
	}

	if c.Transport.Backend == "" {
		return nil, invalid("transport.backend", "required")
	}
	if len(backends) > 0 && !contains(backends, c.Transport.Backend) {
		return nil, invalid("transport.backend", "unknown backend %q, available: %v", c.Transport.Backend, backends)
	}

	e := c.Execution
	if e.Mode != "" && !contains(ExecutionModes, e.Mode) {
		return nil, invalid("execution.mode", "must be one of %v, got %q", ExecutionModes, e.Mode)
	}
	if e.IntervalMS < 0 {
		return nil, invalid("execution.interval_ms", "must not be negative")
	}
	if e.Repeat < 0 {
		return nil, invalid("execution.repeat", "must not be negative")
	}
	if e.DurationSeconds < 0 {
		return nil, invalid("execution.duration_seconds", "must not be negative")
	}
	if e.StartDelaySeconds < 0 {
		return nil, invalid("execution.start_delay_seconds", "must not be negative")
	}
	if e.Repeat == 0 && e.DurationSeconds == 0 {
		warnings = append(warnings, "execution.repeat and execution.duration_seconds are both 0: the run is unbounded until stopped")
	}

	for i, a := range c.Anomalies {
		if _, ok := a["type"].(string); !ok {
			return nil, invalid(fmt.Sprintf("anomalies[%d].type", i), "required")
		}
	}
	if len(c.Anomalies) == 0 {
		warnings = append(warnings, "no anomalies configured: baseline packets will not be sent")
	}
	return warnings, nil
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toInt(v any) (int, bool) {
	var n int
	if err := Decode(v, &n); err != nil {
		return 0, false
	}
	return n, true
}
