/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: memory.go
Description: Process memory sampling and trend analysis. Snapshots combine the resident set
size reported by the operating system with Go runtime heap figures; a series of samples is
classified by comparing its first and last thirds.
*/

package monitoring

import (
	"fmt"
	"runtime"
	"time"
)

// MemoryTrend classifies how memory evolved across a series of samples
type MemoryTrend string

const (
	TrendInsufficientData MemoryTrend = "insufficient_data"
	TrendStable           MemoryTrend = "stable"
	TrendGradualIncrease  MemoryTrend = "gradual_increase"
	TrendLeakSuspected    MemoryTrend = "memory_leak_suspected"
	TrendDecreasing       MemoryTrend = "decreasing"
)

// Growth thresholds, as a fraction of the first-third average
const (
	LeakGrowth    = 0.5
	GradualGrowth = 0.2
	ShrinkGrowth  = -0.1
)

// MemorySnapshot represents a memory usage snapshot
type MemorySnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	RSS         uint64    `json:"rss"`
	HeapAlloc   uint64    `json:"heap_alloc"`
	HeapSys     uint64    `json:"heap_sys"`
	HeapObjects uint64    `json:"heap_objects"`
	StackInuse  uint64    `json:"stack_inuse"`
	GoRoutines  int       `json:"go_routines"`
	NumGC       uint32    `json:"num_gc"`
}

// RSSMB is the resident set size in MiB
func (s MemorySnapshot) RSSMB() float64 {
	return float64(s.RSS) / (1024 * 1024)
}

// TakeSnapshot samples the current process
func TakeSnapshot() MemorySnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rss, err := ReadRSS()
	if err != nil || rss == 0 {
		rss = m.Sys
	}

	return MemorySnapshot{
		Timestamp:   time.Now(),
		RSS:         rss,
		HeapAlloc:   m.HeapAlloc,
		HeapSys:     m.HeapSys,
		HeapObjects: m.HeapObjects,
		StackInuse:  m.StackInuse,
		GoRoutines:  runtime.NumGoroutine(),
		NumGC:       m.NumGC,
	}
}

// TrendAnalysis is the result of comparing the first and last thirds of a series
type TrendAnalysis struct {
	Trend    MemoryTrend `json:"trend"`
	FirstAvg float64     `json:"first_avg"`
	LastAvg  float64     `json:"last_avg"`
	Growth   float64     `json:"growth"`
}

// AnalyzeTrend classifies samples. Fewer than three samples give insufficient_data.
func AnalyzeTrend(samples []float64) TrendAnalysis {
	n := len(samples)
	if n < 3 {
		return TrendAnalysis{Trend: TrendInsufficientData}
	}
	third := n / 3

	a := TrendAnalysis{
		FirstAvg: mean(samples[:third]),
		LastAvg:  mean(samples[n-third:]),
	}
	if a.FirstAvg > 0 {
		a.Growth = (a.LastAvg - a.FirstAvg) / a.FirstAvg
	}

	switch {
	case a.Growth > LeakGrowth:
		a.Trend = TrendLeakSuspected
	case a.Growth > GradualGrowth:
		a.Trend = TrendGradualIncrease
	case a.Growth < ShrinkGrowth:
		a.Trend = TrendDecreasing
	default:
		a.Trend = TrendStable
	}
	return a
}

// ClassifyTrend is AnalyzeTrend without the figures
func ClassifyTrend(samples []float64) MemoryTrend {
	return AnalyzeTrend(samples).Trend
}

// GrowthRate is the RSS change per second between the first and last snapshot
func GrowthRate(snapshots []MemorySnapshot) (float64, error) {
	if len(snapshots) < 2 {
		return 0, fmt.Errorf("insufficient data for growth rate")
	}
	first := snapshots[0]
	last := snapshots[len(snapshots)-1]

	duration := last.Timestamp.Sub(first.Timestamp).Seconds()
	if duration <= 0 {
		return 0, fmt.Errorf("zero duration between snapshots")
	}
	return (float64(last.RSS) - float64(first.RSS)) / duration, nil
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
