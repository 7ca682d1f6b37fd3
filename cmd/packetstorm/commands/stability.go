/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stability.go
Description: Stability command implementation. Runs a long stability test with checkpoints,
prints checkpoint and finding lines as they happen and writes the final report.
*/

package commands

import (
	"fmt"

	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/kleascm/packetstorm/pkg/reporting"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RunStability runs a stability test over the configured session
func RunStability(cmd *cobra.Command, args []string) error {
	fmt.Println("🚀 Packet Storm - Stability Test")
	fmt.Println("================================")
	fmt.Println()

	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()
	logger := lg.GetLogger()

	regs, err := NewRegistries(logger)
	if err != nil {
		return err
	}
	ep, err := startMetrics(logger)
	if err != nil {
		return err
	}
	defer ep.Close()

	sc := core.StabilityConfig{
		TestName:           viper.GetString("stability.name"),
		Duration:           viper.GetDuration("stability.duration"),
		CheckpointInterval: viper.GetDuration("stability.checkpoint"),
		ReportInterval:     viper.GetDuration("stability.report_interval"),
		ReportDir:          viper.GetString("stability.report_dir"),
		MemoryLimitMB:      viper.GetFloat64("stability.memory_limit"),
	}
	runner := core.NewStabilityRunner(cfg, regs, sc, logger)
	runner.Metrics = ep.metrics
	runner.Reporters = []core.Reporter{core.NewMetricsReporter(ep.metrics)}
	runner.OnCheckpoint = func(cp core.Checkpoint) {
		fmt.Printf("📍 %6.2fh | Sent: %d | Failed: %d | Rate: %.1f pps | RSS: %.1f MB | %s\n",
			cp.Elapsed.Hours(), cp.PacketsSent, cp.PacketsFailed, cp.SendRatePPS, cp.MemoryRSSMB, cp.SessionState)
	}
	runner.OnAnomaly = func(msg string) {
		fmt.Printf("⚠️  %s\n", msg)
	}

	effective := runner.Config()
	fmt.Printf("🧪 Test:        %s\n", effective.TestName)
	fmt.Printf("⏱️  Duration:    %s\n", effective.Duration)
	fmt.Printf("📍 Checkpoints: every %s\n", effective.CheckpointInterval)
	fmt.Printf("📁 Reports:     %s\n", effective.ReportDir)
	fmt.Println()

	ctx, cancel := SignalContext()
	defer cancel()

	report := runner.Run(ctx)
	if ctx.Err() != nil {
		fmt.Println("\n🛑 Received shutdown signal, stability test stopped early")
	}

	fmt.Println("\n📊 Stability Summary")
	fmt.Println("====================")
	fmt.Printf("  Run:          %s\n", report.ID)
	fmt.Printf("  Completed:    %v\n", report.Completed)
	fmt.Printf("  Duration:     %s\n", report.Duration().Round(1e9))
	fmt.Printf("  Checkpoints:  %d\n", len(report.Checkpoints()))
	fmt.Printf("  Restarts:     %d\n", report.Restarts)
	fmt.Printf("  Memory Trend: %s\n", report.MemoryTrend())
	if final := report.FinalStats(); final != nil {
		fmt.Printf("  Packets Sent: %d\n", final.PacketsSent)
		fmt.Printf("  Success Rate: %.2f%%\n", final.SuccessRate*100)
	}
	findings := report.Anomalies()
	fmt.Printf("  Findings:     %d\n", len(findings))
	for _, f := range findings {
		fmt.Printf("    - %s\n", f)
	}

	path, err := monitoring.WriteTimestamped(effective.ReportDir, effective.TestName+"_final", report)
	if err != nil {
		return fmt.Errorf("failed to write final report: %w", err)
	}
	fmt.Printf("💾 Final report written to %s\n", path)
	if dir := viper.GetString("stability.html_dir"); dir != "" {
		path, err := reporting.NewDashboardGenerator(dir, logger).GenerateStability(report)
		if err != nil {
			return fmt.Errorf("failed to generate dashboard: %w", err)
		}
		fmt.Printf("📊 Dashboard written to %s\n", path)
	}

	if !report.Completed && ctx.Err() == nil {
		return fmt.Errorf("stability test ended early")
	}
	fmt.Println("\n✨ Stability test finished!")
	return nil
}
