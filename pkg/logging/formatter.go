/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: formatter.go
Description: Custom log formatter for Packet Storm. Prints a timestamp, the level, a component
prefix taken from the component field, the message and the remaining fields in key order.
*/

package logging

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// componentPrefixes maps component field values to the bracketed prefix
var componentPrefixes = map[string]string{
	"engine":    "ENGINE",
	"session":   "SESSION",
	"anomaly":   "ANOMALY",
	"tx":        "TX",
	"transport": "TX",
	"scheduler": "SCHED",
	"batch":     "BATCH",
	"stability": "STABILITY",
	"capture":   "CAPTURE",
	"protocol":  "PROTO",
}

// Prefix returns the display prefix of a component, upper-casing unknown names
func Prefix(component string) string {
	if component == "" {
		return ""
	}
	if p, ok := componentPrefixes[strings.ToLower(component)]; ok {
		return p
	}
	return strings.ToUpper(component)
}

// CustomFormatter prints `[time] LEVEL [PREFIX] message k=v`
type CustomFormatter struct {
	Timestamp bool
	Caller    bool
	Colors    bool
}

// Format formats a log entry
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var output strings.Builder

	if f.Timestamp {
		timestamp := entry.Time.Format("2006-01-02 15:04:05.000")
		if f.Colors {
			output.WriteString(fmt.Sprintf("\033[36m[%s]\033[0m ", timestamp)) // Cyan
		} else {
			output.WriteString(fmt.Sprintf("[%s] ", timestamp))
		}
	}

	level := strings.ToUpper(entry.Level.String())
	if f.Colors {
		output.WriteString(fmt.Sprintf("\033[%dm%s\033[0m ", f.getLevelColor(entry.Level), level))
	} else {
		output.WriteString(level + " ")
	}

	component, _ := entry.Data["component"].(string)
	if prefix := Prefix(component); prefix != "" {
		if f.Colors {
			output.WriteString(fmt.Sprintf("\033[35m[%s]\033[0m ", prefix)) // Magenta
		} else {
			output.WriteString(fmt.Sprintf("[%s] ", prefix))
		}
	}

	if f.Caller && entry.HasCaller() {
		caller := fmt.Sprintf("%s:%d", entry.Caller.File, entry.Caller.Line)
		if f.Colors {
			output.WriteString(fmt.Sprintf("\033[33m[%s]\033[0m ", caller)) // Yellow
		} else {
			output.WriteString(fmt.Sprintf("[%s] ", caller))
		}
	}

	output.WriteString(entry.Message)

	if fields := f.formatFields(entry.Data); fields != "" {
		output.WriteString(" ")
		output.WriteString(fields)
	}

	output.WriteString("\n")
	return []byte(output.String()), nil
}

// getLevelColor returns the ANSI color code for a log level
func (f *CustomFormatter) getLevelColor(level logrus.Level) int {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return 37 // White
	case logrus.InfoLevel:
		return 32 // Green
	case logrus.WarnLevel:
		return 33 // Yellow
	case logrus.ErrorLevel:
		return 31 // Red
	case logrus.FatalLevel, logrus.PanicLevel:
		return 35 // Magenta
	default:
		return 37
	}
}

// formatFields renders every field except component, sorted by key
func (f *CustomFormatter) formatFields(fields logrus.Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "component" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := formatValue(key, fields[key])
		if f.Colors {
			parts = append(parts, fmt.Sprintf("\033[34m%s\033[0m=\033[32m%s\033[0m", key, value)) // Blue key, Green value
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", key, value))
		}
	}
	return strings.Join(parts, " ")
}

// formatValue formats a field value appropriately
func formatValue(key string, value interface{}) string {
	switch key {
	case "session_id":
		if s, ok := value.(string); ok && len(s) > 8 {
			return s[:8]
		}
	case "send_rate_pps":
		if v, ok := value.(float64); ok {
			return fmt.Sprintf("%.2f/sec", v)
		}
	}

	switch v := value.(type) {
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format("15:04:05.000")
	case error:
		return fmt.Sprintf("%q", v.Error())
	case string:
		if len(v) > 50 {
			return fmt.Sprintf("%s...", v[:50])
		}
		return v
	case []byte:
		if len(v) > 20 {
			return fmt.Sprintf("[%d bytes]", len(v))
		}
		return fmt.Sprintf("%x", v)
	case net.IP:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
