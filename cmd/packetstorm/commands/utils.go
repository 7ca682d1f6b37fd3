/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Shared utilities for the Packet Storm commands. Provides configuration loading,
logging setup, plugin registries, the optional metrics endpoint and signal handling used
across all command implementations.
*/

package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kleascm/packetstorm/pkg/capture"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/kleascm/packetstorm/pkg/logging"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadConfig loads the configuration file named by --config over the defaults
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetupLogging builds the logger from the global flags, falling back to the config's global section
func SetupLogging(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultLoggerConfig()

	levelName := viper.GetString("log_level")
	if levelName == "" && cfg != nil {
		levelName = cfg.Global.LogLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	lc.Level = level

	if format := viper.GetString("log_format"); format != "" {
		lc.Format = logging.LogFormat(format)
	} else if cfg != nil && cfg.Global.LogFormat != "" {
		lc.Format = logging.LogFormat(cfg.Global.LogFormat)
	}
	lc.Colors = lc.Format == logging.LogFormatCustom

	lc.OutputDir = viper.GetString("log_dir")
	if lc.OutputDir == "" && cfg != nil {
		lc.OutputDir = cfg.Global.LogDir
	}
	if n := viper.GetInt("log_max_size"); n > 0 {
		lc.MaxSizeMB = n
	}
	if n := viper.GetInt("log_max_files"); n > 0 {
		lc.MaxBackups = n
	}
	lc.Compress = viper.GetBool("log_compress")

	logger, err := logging.NewLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// setup loads config and logging together; every command starts with it
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := SetupLogging(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// NewRegistries returns the built-in plugin registries
func NewRegistries(logger *logrus.Logger) (*core.Registries, error) {
	regs, err := core.DefaultRegistries(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to register plugins: %w", err)
	}
	return regs, nil
}

// metricsEndpoint is the optional Prometheus endpoint of a command
type metricsEndpoint struct {
	metrics *monitoring.Metrics
	server  *monitoring.Server
}

// startMetrics serves a fresh registry on --metrics-addr. Without the flag the metrics
// are still collected but not exposed.
func startMetrics(logger *logrus.Logger) (*metricsEndpoint, error) {
	reg := prometheus.NewRegistry()
	ep := &metricsEndpoint{metrics: monitoring.NewMetrics(reg)}

	addr := viper.GetString("metrics_addr")
	if addr == "" {
		return ep, nil
	}
	ep.server = monitoring.NewServer(addr, "", reg, logger)
	if err := ep.server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	fmt.Printf("📈 Metrics: http://%s/metrics\n", ep.server.Addr())
	return ep, nil
}

// Close stops the metrics server if one is running
func (m *metricsEndpoint) Close() {
	if m == nil || m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.server.Stop(ctx)
}

// SignalContext is cancelled on SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ParseEndpoint parses ip:port
func ParseEndpoint(s string) (capture.Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return capture.Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	if net.ParseIP(host) == nil {
		return capture.Endpoint{}, fmt.Errorf("invalid endpoint %q: bad ip", s)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return capture.Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port", s)
	}
	return capture.Endpoint{IP: host, Port: uint16(p)}, nil
}

// printStats prints a session status block
func printStats(st core.Status) {
	s := st.Stats
	fmt.Printf("  Session:           %s\n", st.SessionID)
	fmt.Printf("  State:             %s\n", st.State)
	fmt.Printf("  Packets Sent:      %d\n", s.PacketsSent)
	fmt.Printf("  Packets Failed:    %d\n", s.PacketsFailed)
	fmt.Printf("  Anomalies Applied: %d\n", s.AnomaliesApplied)
	fmt.Printf("  Bytes Sent:        %d\n", s.BytesSent)
	fmt.Printf("  Duration:          %.2fs\n", s.DurationSeconds)
	fmt.Printf("  Send Rate:         %.2f pps (%.4f Mbps)\n", s.SendRatePPS, s.SendRateMbps)
	fmt.Printf("  Success Rate:      %.2f%%\n", s.SuccessRate*100)
	if n := len(s.Errors); n > 0 {
		fmt.Printf("  Errors:            %d (last: %s)\n", n, s.Errors[n-1])
	}
}
