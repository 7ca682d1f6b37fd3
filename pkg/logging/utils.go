/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Log directory utilities. Summarizes the rotated log files lumberjack leaves
behind and scans them for level and engine event counts.
*/

package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const logGlob = "packetstorm*.log*"

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// LogStats holds statistics about log files
type LogStats struct {
	TotalFiles        int       `json:"total_files"`
	TotalSize         int64     `json:"total_size"`
	CompressedFiles   int       `json:"compressed_files"`
	UncompressedFiles int       `json:"uncompressed_files"`
	OldestFile        time.Time `json:"oldest_file"`
	NewestFile        time.Time `json:"newest_file"`
}

// GetLogStats returns statistics about the log files in logDir
func GetLogStats(logDir string) (*LogStats, error) {
	files, err := filepath.Glob(filepath.Join(logDir, logGlob))
	if err != nil {
		return nil, fmt.Errorf("failed to glob log files: %w", err)
	}

	stats := &LogStats{}
	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}
		stats.TotalFiles++
		stats.TotalSize += stat.Size()

		if stats.OldestFile.IsZero() || stat.ModTime().Before(stats.OldestFile) {
			stats.OldestFile = stat.ModTime()
		}
		if stat.ModTime().After(stats.NewestFile) {
			stats.NewestFile = stat.ModTime()
		}

		if strings.HasSuffix(file, ".gz") {
			stats.CompressedFiles++
		} else {
			stats.UncompressedFiles++
		}
	}

	return stats, nil
}

// LogAnalysis holds the results of log analysis
type LogAnalysis struct {
	StartTime       time.Time `json:"start_time"`
	LogFiles        int       `json:"log_files"`
	TotalLines      int64     `json:"total_lines"`
	DebugCount      int64     `json:"debug_count"`
	InfoCount       int64     `json:"info_count"`
	WarningCount    int64     `json:"warning_count"`
	ErrorCount      int64     `json:"error_count"`
	FatalCount      int64     `json:"fatal_count"`
	PacketsSent     int64     `json:"packets_sent"`
	SendFailures    int64     `json:"send_failures"`
	StateChanges    int64     `json:"state_changes"`
	AnomalySkips    int64     `json:"anomaly_skips"`
	SessionFinishes int64     `json:"session_finishes"`
}

// AnalyzeLogs scans every log file in logDir, including gzip-compressed backups
func AnalyzeLogs(logDir string) (*LogAnalysis, error) {
	files, err := filepath.Glob(filepath.Join(logDir, logGlob))
	if err != nil {
		return nil, fmt.Errorf("failed to glob log files: %w", err)
	}

	analysis := &LogAnalysis{
		StartTime: time.Now(),
		LogFiles:  len(files),
	}

	for _, file := range files {
		if err := analyzeFile(file, analysis); err != nil {
			return nil, fmt.Errorf("failed to analyze file %s: %w", file, err)
		}
	}

	return analysis, nil
}

func analyzeFile(path string, analysis *LogAnalysis) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		analysis.AnalyzeLine(scanner.Text())
	}
	return scanner.Err()
}

// AnalyzeLine counts one log line. Text, JSON and custom formats are all recognized.
func (la *LogAnalysis) AnalyzeLine(line string) {
	la.TotalLines++

	switch level := lineLevel(line); {
	case level == "DEBUG" || level == "TRACE":
		la.DebugCount++
	case level == "INFO":
		la.InfoCount++
	case strings.HasPrefix(level, "WARN"):
		la.WarningCount++
	case level == "ERROR":
		la.ErrorCount++
	case level == "FATAL" || level == "PANIC":
		la.FatalCount++
	}

	switch {
	case strings.Contains(line, MsgSendFailed):
		la.SendFailures++
	case strings.Contains(line, MsgPacketSent):
		la.PacketsSent++
	case strings.Contains(line, MsgStateChanged):
		la.StateChanges++
	case strings.Contains(line, MsgAnomalySkipped):
		la.AnomalySkips++
	case strings.Contains(line, MsgSessionFinished):
		la.SessionFinishes++
	}
}

// lineLevel reads the level of a line by position: the JSON level key, the token
// after the timestamp of the custom format, or the first level= pair of logrus text.
// Field values never count.
func lineLevel(line string) string {
	line = strings.TrimSpace(ansiEscape.ReplaceAllString(line, ""))
	if strings.HasPrefix(line, "{") {
		var entry struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return ""
		}
		return strings.ToUpper(entry.Level)
	}

	rest := line
	if strings.HasPrefix(rest, "[") {
		if end := strings.IndexByte(rest, ']'); end >= 0 {
			rest = rest[end+1:]
		}
	}
	if tokens := strings.Fields(rest); len(tokens) > 0 {
		if word := strings.ToUpper(tokens[0]); levelWords[word] {
			return word
		}
	}

	for _, tok := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(tok, "level="); ok {
			return strings.ToUpper(strings.Trim(v, `"`))
		}
	}
	return ""
}

var levelWords = map[string]bool{
	"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "WARNING": true,
	"ERROR": true, "FATAL": true, "PANIC": true,
}

// Summary returns a printable summary of the analysis
func (la *LogAnalysis) Summary() string {
	return fmt.Sprintf(
		"Log Analysis Summary:\n"+
			"  Files: %d\n"+
			"  Total Lines: %d\n"+
			"  Debug: %d\n"+
			"  Info: %d\n"+
			"  Warning: %d\n"+
			"  Error: %d\n"+
			"  Fatal: %d\n"+
			"  Packets Sent: %d\n"+
			"  Send Failures: %d\n"+
			"  State Changes: %d\n"+
			"  Anomalies Skipped: %d\n"+
			"  Sessions Finished: %d",
		la.LogFiles, la.TotalLines, la.DebugCount, la.InfoCount,
		la.WarningCount, la.ErrorCount, la.FatalCount, la.PacketsSent,
		la.SendFailures, la.StateChanges, la.AnomalySkips, la.SessionFinishes,
	)
}
