/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logging_test.go
Description: Tests for logger construction, the custom formatter, file output and log analysis.
*/

package logging_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/packetstorm/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoggerCreation tests logger creation with the default and a file-backed configuration
func TestLoggerCreation(t *testing.T) {
	logger, err := logging.NewLogger(nil)
	require.NoError(t, err)
	assert.Empty(t, logger.FilePath())
	require.NoError(t, logger.Close())

	dir := t.TempDir()
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.LogLevelDebug
	cfg.Format = logging.LogFormatJSON
	cfg.OutputDir = dir
	cfg.Console = false

	logger, err = logging.NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	assert.Equal(t, filepath.Join(dir, logging.LogFileName), logger.FilePath())
	assert.Equal(t, logrus.DebugLevel, logger.GetLogger().GetLevel())
}

func TestLoggerConfigValidate(t *testing.T) {
	cases := map[string]func(c *logging.LoggerConfig){
		"bad format": func(c *logging.LoggerConfig) { c.Format = "xml" },
		"bad level":  func(c *logging.LoggerConfig) { c.Level = "loud" },
		"no sink":    func(c *logging.LoggerConfig) { c.Console = false },
		"zero size": func(c *logging.LoggerConfig) {
			c.OutputDir = "logs"
			c.MaxSizeMB = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := logging.DefaultLoggerConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
			_, err := logging.NewLogger(cfg)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, logging.DefaultLoggerConfig().Validate())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logging.LogLevel{
		"INFO":     logging.LogLevelInfo,
		"warning":  logging.LogLevelWarning,
		"DEBUG":    logging.LogLevelDebug,
		"CRITICAL": logging.LogLevelFatal,
		"":         logging.LogLevelInfo,
	} {
		got, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := logging.ParseLevel("verbose")
	assert.Error(t, err)
}

// TestCustomFormatter checks the prefix, field ordering and that component is not repeated
func TestCustomFormatter(t *testing.T) {
	f := &logging.CustomFormatter{Timestamp: true}
	entry := &logrus.Entry{
		Time:    time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "Session state changed",
		Data: logrus.Fields{
			"component":  "session",
			"to":         "RUNNING",
			"from":       "READY",
			"session_id": "0123456789abcdef",
			"error":      errors.New("boom"),
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t,
		"[2026-03-01 12:30:00.000] INFO [SESSION] Session state changed error=\"boom\" from=READY session_id=01234567 to=RUNNING\n",
		string(out))
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "SCHED", logging.Prefix("scheduler"))
	assert.Equal(t, "TX", logging.Prefix("transport"))
	assert.Equal(t, "WIDGET", logging.Prefix("widget"))
	assert.Empty(t, logging.Prefix(""))
}

func TestFileOutputAndAnalysis(t *testing.T) {
	dir := t.TempDir()
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.LogLevelDebug
	cfg.Format = logging.LogFormatCustom
	cfg.OutputDir = dir
	cfg.Console = false

	logger, err := logging.NewLogger(cfg)
	require.NoError(t, err)

	logger.LogTransition("s1", "READY", "RUNNING")
	logger.LogPacket("s1", "field_tamper", 64)
	logger.LogPacket("s1", "field_tamper", 64)
	logger.Component("engine").WithError(errors.New("link down")).Warn(logging.MsgSendFailed)
	logger.LogStats(2, 1, 10.5, nil)
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.FilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "[TX] Packet sent")
	assert.Contains(t, string(data), "send_rate_pps=10.50/sec")

	analysis, err := logging.AnalyzeLogs(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, analysis.LogFiles)
	assert.Equal(t, int64(2), analysis.PacketsSent)
	assert.Equal(t, int64(1), analysis.SendFailures)
	assert.Equal(t, int64(1), analysis.StateChanges)
	assert.Equal(t, int64(1), analysis.WarningCount)
	assert.Equal(t, int64(2), analysis.DebugCount)
	assert.True(t, strings.HasPrefix(analysis.Summary(), "Log Analysis Summary:"))

	stats, err := logging.GetLogStats(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFiles)
	assert.Equal(t, 1, stats.UncompressedFiles)
	assert.Equal(t, int64(len(data)), stats.TotalSize)
}

func TestAnalyzeLineReadsLevelByPosition(t *testing.T) {
	lines := []struct {
		line  string
		level string
	}{
		{"[2026-03-01 12:30:00.000] INFO Packet Storm logging system initialized format=custom level=debug", "info"},
		{"WARN [TX] Send failed error=\"info missing\"", "warn"},
		{"\x1b[36m[2026-03-01 12:30:00.000]\x1b[0m \x1b[31mERROR\x1b[0m [ENGINE] Session failed", "error"},
		{`time="2026-03-01T12:30:00Z" level=debug msg="Packet sent" note="level=error"`, "debug"},
		{`{"level":"warning","msg":"Anomaly skipped","fields.level":"debug"}`, "warn"},
		{`{"level":"fatal","msg":"cannot open transport"}`, "fatal"},
		{"an ERROR mentioned in a stray line", ""},
	}

	for _, tc := range lines {
		la := &logging.LogAnalysis{}
		la.AnalyzeLine(tc.line)
		counts := map[string]int64{
			"debug": la.DebugCount, "info": la.InfoCount, "warn": la.WarningCount,
			"error": la.ErrorCount, "fatal": la.FatalCount,
		}
		for level, n := range counts {
			if level == tc.level {
				assert.Equal(t, int64(1), n, tc.line)
			} else {
				assert.Zero(t, n, "%s counted as %s", tc.line, level)
			}
		}
		assert.Equal(t, int64(1), la.TotalLines)
	}
}

func TestJSONFormatCarriesFields(t *testing.T) {
	logger, err := logging.NewLogger(&logging.LoggerConfig{
		Level:   logging.LogLevelInfo,
		Format:  logging.LogFormatJSON,
		Console: true,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.GetLogger().SetOutput(&buf)
	logger.LogTransition("abc", "CREATED", "CONFIGURING")

	assert.Contains(t, buf.String(), `"msg":"Session state changed"`)
	assert.Contains(t, buf.String(), `"to":"CONFIGURING"`)
}
