/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: batch.go
Description: Batch command implementation. Loads a scenario file, runs every scenario on top
of the base configuration and prints and exports the batch result.
*/

package commands

import (
	"fmt"

	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/kleascm/packetstorm/pkg/reporting"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RunBatch runs the scenarios of args[0]
func RunBatch(cmd *cobra.Command, args []string) error {
	fmt.Println("🚀 Packet Storm - Batch Execution")
	fmt.Println("=================================")
	fmt.Println()

	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()
	logger := lg.GetLogger()

	scenarios, err := core.LoadBatchFile(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("📋 %d scenarios loaded from %s\n\n", len(scenarios), args[0])

	regs, err := NewRegistries(logger)
	if err != nil {
		return err
	}
	ep, err := startMetrics(logger)
	if err != nil {
		return err
	}
	defer ep.Close()

	orch := core.NewOrchestrator(cfg, regs, logger)
	orch.StopOnFailure = viper.GetBool("batch.stop_on_failure")
	orch.InterScenarioDelay = viper.GetDuration("batch.delay")
	orch.Reporters = []core.Reporter{core.NewMetricsReporter(ep.metrics)}
	orch.OnScenarioStart = func(index int, name string) {
		fmt.Printf("▶️  [%d/%d] %s\n", index+1, len(scenarios), name)
	}
	orch.OnProgress = func(current, total int, r core.ScenarioResult) {
		icon := "✅"
		switch r.Status {
		case core.ScenarioFailed:
			icon = "❌"
		case core.ScenarioSkipped:
			icon = "⏭️ "
		}
		fmt.Printf("%s [%d/%d] %s: %s (%d sent, %.1fs)\n",
			icon, current, total, r.Name, r.Status, r.PacketsSent, r.Duration().Seconds())
		for _, e := range r.Errors {
			fmt.Printf("     %s\n", e)
		}
	}

	ctx, cancel := SignalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		orch.Stop()
	}()

	res := orch.RunBatch(ctx, scenarios, viper.GetString("batch.id"))

	fmt.Println("\n📊 Batch Summary")
	fmt.Println("================")
	fmt.Printf("  Batch:        %s\n", res.BatchID)
	fmt.Printf("  Scenarios:    %d\n", res.Total())
	fmt.Printf("  Completed:    %d\n", res.Completed())
	fmt.Printf("  Failed:       %d\n", res.Failed())
	fmt.Printf("  Skipped:      %d\n", res.Skipped())
	fmt.Printf("  Packets Sent: %d\n", res.TotalPackets())
	fmt.Printf("  Bytes Sent:   %d\n", res.TotalBytes())
	fmt.Printf("  Duration:     %.2fs\n", res.Duration().Seconds())

	if path := viper.GetString("batch.output"); path != "" {
		if err := res.ExportJSON(path); err != nil {
			return fmt.Errorf("failed to export batch result: %w", err)
		}
		fmt.Printf("💾 Result written to %s\n", path)
	}
	if dir := viper.GetString("batch.html_dir"); dir != "" {
		path, err := reporting.NewDashboardGenerator(dir, logger).GenerateBatch(res)
		if err != nil {
			return fmt.Errorf("failed to generate dashboard: %w", err)
		}
		fmt.Printf("📊 Dashboard written to %s\n", path)
	}

	if !res.AllPassed() {
		return fmt.Errorf("%d of %d scenarios failed", res.Failed(), res.Total())
	}
	fmt.Println("\n✨ Batch completed!")
	return nil
}
