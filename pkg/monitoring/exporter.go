/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: exporter.go
Description: Statistics exporter. Records flattened snapshots over time and writes them as
CSV or JSON with timestamped file names, plus hex dumps of individual packets.
*/

package monitoring

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PacketRecord is one entry of a packet log
type PacketRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Anomaly   string    `json:"anomaly"`
	Protocol  string    `json:"protocol"`
	Data      []byte    `json:"data"`
}

// Exporter accumulates snapshots for export
type Exporter struct {
	outputDir string
	logger    *logrus.Logger
	now       func() time.Time

	mu        sync.Mutex
	snapshots []map[string]any
}

// NewExporter writes into outputDir, creating it on first export
func NewExporter(outputDir string, logger *logrus.Logger) *Exporter {
	if outputDir == "" {
		outputDir = "exports"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{outputDir: outputDir, logger: logger, now: time.Now}
}

// Record stores a snapshot. Structs are converted through their JSON form; nested objects
// are flattened into dotted keys.
func (e *Exporter) Record(stats any) error {
	m, err := toMap(stats)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	now := e.now()
	snap := map[string]any{
		"timestamp":       float64(now.UnixNano()) / 1e9,
		"timestamp_human": now.Format("2006-01-02 15:04:05"),
	}
	flatten("", m, snap)

	e.mu.Lock()
	e.snapshots = append(e.snapshots, snap)
	e.mu.Unlock()
	return nil
}

// Len is the number of recorded snapshots
func (e *Exporter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.snapshots)
}

// Clear drops recorded snapshots
func (e *Exporter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots = nil
}

// ExportCSV writes all snapshots with the union of their keys as sorted columns.
// An empty filename generates stats_<timestamp>.csv. With no snapshots nothing is written.
func (e *Exporter) ExportCSV(filename string) (string, error) {
	snaps := e.copySnapshots()
	if len(snaps) == 0 {
		e.logger.Warn("No snapshots to export")
		return "", nil
	}
	path, err := e.target(filename, "csv")
	if err != nil {
		return "", err
	}

	columns := map[string]struct{}{}
	for _, s := range snaps {
		for k := range s {
			columns[k] = struct{}{}
		}
	}
	header := make([]string, 0, len(columns))
	for k := range columns {
		header = append(header, k)
	}
	sort.Strings(header)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, s := range snaps {
		row := make([]string, len(header))
		for i, k := range header {
			if v, ok := s[k]; ok {
				row[i] = formatCell(v)
			}
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	e.logger.WithFields(logrus.Fields{"snapshots": len(snaps), "path": path}).Info("Exported statistics")
	return path, nil
}

// ExportJSON writes all snapshots as an indented JSON array
func (e *Exporter) ExportJSON(filename string) (string, error) {
	snaps := e.copySnapshots()
	if len(snaps) == 0 {
		e.logger.Warn("No snapshots to export")
		return "", nil
	}
	path, err := e.target(filename, "json")
	if err != nil {
		return "", err
	}
	if err := WriteJSON(path, snaps); err != nil {
		return "", err
	}
	e.logger.WithFields(logrus.Fields{"snapshots": len(snaps), "path": path}).Info("Exported statistics")
	return path, nil
}

// ExportPacketLog writes a readable hex dump of packets
func (e *Exporter) ExportPacketLog(packets []PacketRecord, filename string) (string, error) {
	if filename == "" {
		filename = fmt.Sprintf("packets_%s.log", e.now().Format("20060102_150405"))
	}
	path, err := e.target(filename, "log")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i, p := range packets {
		fmt.Fprintf(&b, "=== Packet %d ===\n", i+1)
		fmt.Fprintf(&b, "Timestamp: %s\n", p.Timestamp.Format(time.RFC3339Nano))
		fmt.Fprintf(&b, "Anomaly:   %s\n", orDefault(p.Anomaly, "none"))
		fmt.Fprintf(&b, "Protocol:  %s\n", orDefault(p.Protocol, "unknown"))
		fmt.Fprintf(&b, "Size:      %d bytes\n", len(p.Data))
		fmt.Fprintf(&b, "Hex:\n%s\n", hex.Dump(p.Data))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write packet log: %w", err)
	}
	return path, nil
}

func (e *Exporter) copySnapshots() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]map[string]any(nil), e.snapshots...)
}

func (e *Exporter) target(filename, ext string) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	if filename == "" {
		filename = fmt.Sprintf("stats_%s.%s", e.now().Format("20060102_150405"), ext)
	}
	return filepath.Join(e.outputDir, filename), nil
}

// WriteJSON marshals v with indentation into path, creating parent directories
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// WriteTimestamped writes v as <dir>/<prefix>_<YYYYmmdd_HHMMSS>.json and returns the path
func WriteTimestamped(dir, prefix string, v any) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", prefix, time.Now().Format("20060102_150405")))
	return path, WriteJSON(path, v)
}

func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// flatten turns {"tx": {"packets": 1}} into {"tx.packets": 1}; lists become their text form
func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			out[key] = fmt.Sprint(val)
		default:
			out[key] = val
		}
	}
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
