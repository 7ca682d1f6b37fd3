/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logger.go
Description: Logging system for Packet Storm. Builds the logrus logger every component
receives, with JSON, text or custom output and size-based file rotation through lumberjack.
Also defines the standard messages the engine emits so log analysis can count them.
*/

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warn"
	LogLevelError   LogLevel = "error"
	LogLevelFatal   LogLevel = "fatal"
)

// LogFormat represents the logging format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatText   LogFormat = "text"
	LogFormatCustom LogFormat = "custom"
)

// LogFileName is the active log file inside OutputDir
const LogFileName = "packetstorm.log"

// Standard messages. The analyzer counts lines carrying them.
const (
	MsgPacketSent      = "Packet sent"
	MsgSendFailed      = "Packet send failed"
	MsgStateChanged    = "Session state changed"
	MsgAnomalySkipped  = "Anomaly skipped"
	MsgSessionFinished = "Session finished"
	MsgStats           = "Statistics update"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	Level      LogLevel  `mapstructure:"level" json:"level"`
	Format     LogFormat `mapstructure:"format" json:"format"`
	OutputDir  string    `mapstructure:"output_dir" json:"output_dir"`
	MaxSizeMB  int       `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int       `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int       `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool      `mapstructure:"compress" json:"compress"`
	Console    bool      `mapstructure:"console" json:"console"`
	Timestamp  bool      `mapstructure:"timestamp" json:"timestamp"`
	Caller     bool      `mapstructure:"caller" json:"caller"`
	Colors     bool      `mapstructure:"colors" json:"colors"`
}

// DefaultLoggerConfig logs at info level to the console only
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      LogLevelInfo,
		Format:     LogFormatText,
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 30,
		Console:    true,
		Timestamp:  true,
	}
}

// ParseLevel accepts logrus names and the upper-case names used in config files
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarning, nil
	case "error":
		return LogLevelError, nil
	case "fatal", "critical", "panic":
		return LogLevelFatal, nil
	}
	return "", fmt.Errorf("unsupported log level: %s", s)
}

// Validate checks the LoggerConfig for invalid or missing values.
// Returns an error if the config is invalid, or nil if valid.
func (c *LoggerConfig) Validate() error {
	if c.OutputDir != "" {
		if c.MaxSizeMB <= 0 {
			return fmt.Errorf("max_size_mb must be positive")
		}
		if c.MaxBackups < 0 {
			return fmt.Errorf("max_backups must not be negative")
		}
		if c.MaxAgeDays < 0 {
			return fmt.Errorf("max_age_days must not be negative")
		}
	}
	if c.OutputDir == "" && !c.Console {
		return fmt.Errorf("either output_dir or console output is required")
	}
	switch c.Format {
	case LogFormatJSON, LogFormatText, LogFormatCustom:
		// ok
	default:
		return fmt.Errorf("unsupported log format: %s", c.Format)
	}
	switch c.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelFatal:
		// ok
	default:
		return fmt.Errorf("unsupported log level: %s", c.Level)
	}
	return nil
}

// Logger owns the configured logrus logger and its rotating file
type Logger struct {
	config    *LoggerConfig
	logger    *logrus.Logger
	rotator   *lumberjack.Logger
	startTime time.Time
}

// NewLogger creates a new logger instance
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	l := &Logger{
		config:    config,
		logger:    logrus.New(),
		startTime: time.Now(),
	}

	if err := l.setup(); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return l, nil
}

// setup configures the logger with the given configuration
func (l *Logger) setup() error {
	level, err := logrus.ParseLevel(string(l.config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.logger.SetLevel(level)
	l.logger.SetReportCaller(l.config.Caller)

	if err := l.setFormatter(); err != nil {
		return err
	}
	return l.setupOutput()
}

// setFormatter configures the log formatter
func (l *Logger) setFormatter() error {
	prettyCaller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	switch l.config.Format {
	case LogFormatJSON:
		l.logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyCaller,
		})

	case LogFormatText:
		l.logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    l.config.Timestamp,
			TimestampFormat:  time.RFC3339,
			ForceColors:      l.config.Colors,
			DisableColors:    !l.config.Colors,
			CallerPrettyfier: prettyCaller,
		})

	case LogFormatCustom:
		l.logger.SetFormatter(&CustomFormatter{
			Timestamp: l.config.Timestamp,
			Caller:    l.config.Caller,
			Colors:    l.config.Colors,
		})

	default:
		return fmt.Errorf("unsupported log format: %s", l.config.Format)
	}

	return nil
}

// setupOutput wires the console and the rotating file
func (l *Logger) setupOutput() error {
	var writers []io.Writer
	if l.config.Console {
		writers = append(writers, os.Stdout)
	}

	if l.config.OutputDir != "" {
		if err := os.MkdirAll(l.config.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		l.rotator = &lumberjack.Logger{
			Filename:   filepath.Join(l.config.OutputDir, LogFileName),
			MaxSize:    l.config.MaxSizeMB,
			MaxBackups: l.config.MaxBackups,
			MaxAge:     l.config.MaxAgeDays,
			Compress:   l.config.Compress,
			LocalTime:  true,
		}
		writers = append(writers, l.rotator)
	}

	switch len(writers) {
	case 1:
		l.logger.SetOutput(writers[0])
	default:
		l.logger.SetOutput(io.MultiWriter(writers...))
	}

	if l.rotator != nil {
		l.logger.WithFields(logrus.Fields{
			"start_time": l.startTime.Format(time.RFC3339),
			"log_file":   l.rotator.Filename,
			"level":      l.config.Level,
			"format":     l.config.Format,
		}).Info("Packet Storm logging system initialized")
	}
	return nil
}

// Component returns an entry tagged with the component field the custom formatter prefixes on
func (l *Logger) Component(name string) *logrus.Entry {
	return l.logger.WithField("component", name)
}

// LogPacket logs one transmitted packet at debug level
func (l *Logger) LogPacket(sessionID, anomaly string, size int) {
	l.logger.WithFields(logrus.Fields{
		"component":  "tx",
		"session_id": sessionID,
		"anomaly":    anomaly,
		"bytes":      size,
	}).Debug(MsgPacketSent)
}

// LogTransition logs a session state change
func (l *Logger) LogTransition(sessionID, from, to string) {
	l.logger.WithFields(logrus.Fields{
		"component":  "session",
		"session_id": sessionID,
		"from":       from,
		"to":         to,
	}).Info(MsgStateChanged)
}

// LogStats logs a statistics snapshot
func (l *Logger) LogStats(sent, failed uint64, pps float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = "engine"
	fields["packets_sent"] = sent
	fields["packets_failed"] = failed
	fields["send_rate_pps"] = pps
	fields["uptime"] = time.Since(l.startTime)

	l.logger.WithFields(fields).Info(MsgStats)
}

// Rotate forces the log file to roll over
func (l *Logger) Rotate() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Rotate()
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

// GetLogger returns the underlying logrus logger
func (l *Logger) GetLogger() *logrus.Logger {
	return l.logger
}

// FilePath is the active log file, empty when logging to the console only
func (l *Logger) FilePath() string {
	if l.rotator == nil {
		return ""
	}
	return l.rotator.Filename
}
