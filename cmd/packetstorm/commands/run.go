/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: Run command implementation. Sets up one engine session from the configuration
and command-line overrides, optionally seeds live-flow injection from a capture, streams
statistics while sending and prints the final statistics.
*/

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/kleascm/packetstorm/pkg/capture"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/kleascm/packetstorm/pkg/logging"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// statsLogEvery is how many status lines pass between structured stats log entries
const statsLogEvery = 10

// RunSession runs one anomaly session
func RunSession(cmd *cobra.Command, args []string) error {
	fmt.Println("🚀 Packet Storm - Starting Session")
	fmt.Println("==================================")
	fmt.Println()

	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()
	logger := lg.GetLogger()

	if err := applyRunFlags(cfg); err != nil {
		return err
	}

	regs, err := NewRegistries(logger)
	if err != nil {
		return err
	}
	warnings, err := cfg.Validate(regs.Protocols.Names(), regs.Transports.Names())
	for _, w := range warnings {
		fmt.Printf("⚠️  Warning: %s\n", w)
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ep, err := startMetrics(logger)
	if err != nil {
		return err
	}
	defer ep.Close()

	eng, err := core.NewEngine(cfg, regs, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	eng.AddReporter(core.NewMetricsReporter(ep.metrics))

	ctx, cancel := SignalContext()
	defer cancel()

	if err := setupInjection(ctx, eng, ep.metrics, logger); err != nil {
		return err
	}

	if err := eng.Setup(); err != nil {
		return fmt.Errorf("session setup failed: %w", err)
	}
	defer eng.Stop()

	printSessionHeader(eng)

	if viper.GetBool("run.dry_run") {
		fmt.Println("\n✨ Dry run completed, session is READY.")
		return nil
	}

	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	go reportStats(statsCtx, eng, lg)

	if err := eng.Wait(ctx); err != nil {
		fmt.Println("\n🛑 Received shutdown signal, stopping session...")
	}
	stopStats()
	if err := eng.Stop(); err != nil {
		logger.WithError(err).Warn("Stop reported an error")
	}

	st := eng.Status()
	printFinalStats(st)

	if path := viper.GetString("run.stats_out"); path != "" {
		if err := monitoring.WriteJSON(path, st); err != nil {
			return fmt.Errorf("failed to write stats: %w", err)
		}
		fmt.Printf("💾 Status written to %s\n", path)
	}

	if st.Session != nil && st.Session.State == core.StateError {
		return fmt.Errorf("session ended in ERROR state")
	}
	fmt.Println("\n✨ Session completed!")
	return nil
}

// applyRunFlags folds the run flags into cfg
func applyRunFlags(cfg *config.Config) error {
	packetType := viper.GetString("run.packet_type")

	if types := viper.GetStringSlice("run.anomalies"); len(types) > 0 {
		cfg.Anomalies = cfg.Anomalies[:0]
		for _, t := range types {
			entry := map[string]any{"type": t}
			if packetType != "" {
				entry["packet_type"] = packetType
			}
			cfg.Anomalies = append(cfg.Anomalies, entry)
		}
	} else if packetType != "" {
		if err := cfg.Set("protocol."+cfg.Protocol.Type+".packet_type", packetType); err != nil {
			return fmt.Errorf("invalid --packet-type: %w", err)
		}
	}

	if n := viper.GetInt("run.repeat"); n >= 0 {
		cfg.Execution.Repeat = n
	}
	if d := viper.GetFloat64("run.duration"); d > 0 {
		cfg.Execution.DurationSeconds = d
	}
	if ms := viper.GetFloat64("run.interval"); ms >= 0 {
		cfg.Execution.IntervalMS = ms
	}
	if b := viper.GetString("run.transport"); b != "" {
		cfg.Transport.Backend = b
	}
	return nil
}

// setupInjection replays --inject-from through a flow tracker so packets continue the
// observed flow towards --target
func setupInjection(ctx context.Context, eng *core.Engine, metrics *monitoring.Metrics, logger *logrus.Logger) error {
	path := viper.GetString("run.inject_from")
	targetAddr := viper.GetString("run.target")
	if path == "" && targetAddr == "" {
		return nil
	}
	if path == "" || targetAddr == "" {
		return fmt.Errorf("--inject-from and --target must be given together")
	}

	target, err := ParseEndpoint(targetAddr)
	if err != nil {
		return err
	}
	src, err := capture.OpenPcapFile(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tracker := capture.NewTracker(capture.DefaultTrackerConfig(), logger)
	sniffer := capture.NewSniffer(src, src.LinkType(), capture.SnifferConfig{}, logger)
	sniffer.Track(tracker)
	if err := sniffer.Run(ctx); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	metrics.SetTrackedFlows(tracker.Len())

	params, ok := tracker.InjectionParams(target)
	if !ok {
		return fmt.Errorf("no established flow towards %s in %s", target, path)
	}
	fmt.Printf("🎯 Injecting into %s (%d packets read, %d flows tracked)\n", target, sniffer.Count(), tracker.Len())
	logger.WithFields(logrus.Fields{
		"component": "capture",
		"target":    target.String(),
		"params":    fmt.Sprintf("%+v", params),
	}).Info("Live flow injection enabled")

	eng.SetInjection(tracker, target)
	return nil
}

func printSessionHeader(eng *core.Engine) {
	st := eng.Status()
	fmt.Printf("✅ Protocol:  %s\n", st.Protocol)
	fmt.Printf("✅ Transport: %s\n", st.Transport)
	fmt.Printf("✅ Anomalies: %d\n", st.AnomalyCount)
	for _, a := range st.Anomalies {
		fmt.Printf("   - %s (%s)\n", a.Name, a.Category)
	}
	if st.Session != nil {
		fmt.Printf("✅ Session:   %s\n", st.Session.SessionID)
	}
	fmt.Println()
}

// reportStats prints a live status line until ctx ends
func reportStats(ctx context.Context, eng *core.Engine, lg *logging.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var ticks int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := eng.Status()
			if st.Session == nil {
				continue
			}
			s := st.Session.Stats
			fmt.Printf("\r🔄 Sent: %d | Failed: %d | Anomalies: %d | Rate: %.1f pps | State: %s",
				s.PacketsSent, s.PacketsFailed, s.AnomaliesApplied, s.SendRatePPS, st.Session.State)

			ticks++
			if ticks%statsLogEvery == 0 {
				lg.LogStats(s.PacketsSent, s.PacketsFailed, s.SendRatePPS, map[string]interface{}{
					"session_id": st.Session.SessionID,
				})
			}
		}
	}
}

func printFinalStats(st core.EngineStatus) {
	fmt.Println("\n📊 Final Statistics")
	fmt.Println("==================")
	if st.Session == nil {
		fmt.Println("  No session")
		return
	}
	printStats(*st.Session)
	if ts := st.TransportStats; ts != nil {
		fmt.Printf("  Transport TX:      %d packets, %d bytes, %d errors\n", ts.TxPackets, ts.TxBytes, ts.TxErrors)
	}
}
