/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Command-line interface for Packet Storm. Wires the run, list, batch, schedule,
stability, config and logs commands and binds their flags into viper.
*/

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kleascm/packetstorm/cmd/packetstorm/commands"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Configuration
	configFile string
	logLevel   string
	logFormat  string
	logDir     string
	metrics    string

	// Run configuration
	anomalyTypes []string
	packetType   string
	repeat       int
	duration     float64
	interval     float64
	backend      string
	injectFrom   string
	injectTarget string
	statsFile    string
	dryRun       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "packetstorm",
		Short: "Packet Storm - protocol anomaly and fuzz traffic generator",
		Long: `Packet Storm builds well-formed storage protocol packets (iSCSI by default),
distorts them with configurable anomalies and transmits them through a pluggable transport.
Sessions can run once, as scheduled tasks, as batches of scenarios or as long stability runs.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Logging level (debug, info, warn, error); overrides global.log_level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json, custom); overrides global.log_format")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Directory for rotated log files (console only when empty)")
	rootCmd.PersistentFlags().Int("log-max-size", 100, "Maximum log file size in MB before rotation")
	rootCmd.PersistentFlags().Int("log-max-files", 10, "Maximum number of rotated log files to keep")
	rootCmd.PersistentFlags().Bool("log-compress", false, "Compress rotated log files")
	rootCmd.PersistentFlags().StringVar(&metrics, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("log_max_size", rootCmd.PersistentFlags().Lookup("log-max-size"))
	viper.BindPFlag("log_max_files", rootCmd.PersistentFlags().Lookup("log-max-files"))
	viper.BindPFlag("log_compress", rootCmd.PersistentFlags().Lookup("log-compress"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))

	// run
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one anomaly session",
		Long: `Set up a session from the configuration, send every configured anomaly for the
configured repeat count or duration, and print the final statistics. Ctrl+C stops the
session gracefully.`,
		RunE: commands.RunSession,
	}
	runCmd.Flags().StringSliceVar(&anomalyTypes, "anomaly", []string{}, "Anomaly types to send, replacing the configured list")
	runCmd.Flags().StringVar(&packetType, "packet-type", "", "Packet type for anomalies given with --anomaly")
	runCmd.Flags().IntVar(&repeat, "repeat", -1, "Iterations over the anomaly list (0 = unlimited)")
	runCmd.Flags().Float64Var(&duration, "duration", 0, "Stop after this many seconds (0 = no limit)")
	runCmd.Flags().Float64Var(&interval, "interval", -1, "Delay between packets in milliseconds")
	runCmd.Flags().StringVar(&backend, "transport", "", "Transport backend (memory, pcap, afpacket)")
	runCmd.Flags().StringVar(&injectFrom, "inject-from", "", "Pcap file whose TCP flows seed the injected sequence numbers")
	runCmd.Flags().StringVar(&injectTarget, "target", "", "Target endpoint ip:port of the flow to inject into")
	runCmd.Flags().StringVar(&statsFile, "stats-out", "", "Write the final status as JSON to this file")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Set up the session and exit without sending")

	viper.BindPFlag("run.anomalies", runCmd.Flags().Lookup("anomaly"))
	viper.BindPFlag("run.packet_type", runCmd.Flags().Lookup("packet-type"))
	viper.BindPFlag("run.repeat", runCmd.Flags().Lookup("repeat"))
	viper.BindPFlag("run.duration", runCmd.Flags().Lookup("duration"))
	viper.BindPFlag("run.interval", runCmd.Flags().Lookup("interval"))
	viper.BindPFlag("run.transport", runCmd.Flags().Lookup("transport"))
	viper.BindPFlag("run.inject_from", runCmd.Flags().Lookup("inject-from"))
	viper.BindPFlag("run.target", runCmd.Flags().Lookup("target"))
	viper.BindPFlag("run.stats_out", runCmd.Flags().Lookup("stats-out"))
	viper.BindPFlag("run.dry_run", runCmd.Flags().Lookup("dry-run"))
	rootCmd.AddCommand(runCmd)

	// list
	listCmd := &cobra.Command{
		Use:       "list {anomalies|packet-types|fields|transports|protocols}",
		Short:     "List registered plugins and packet fields",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"anomalies", "packet-types", "fields", "transports", "protocols"},
		RunE:      commands.ListPlugins,
	}
	listCmd.Flags().String("packet-type", "", "Packet type whose fields are listed (empty = all)")
	listCmd.Flags().String("category", "", "Only list anomalies of this category")
	viper.BindPFlag("list.packet_type", listCmd.Flags().Lookup("packet-type"))
	viper.BindPFlag("list.category", listCmd.Flags().Lookup("category"))
	rootCmd.AddCommand(listCmd)

	// batch
	batchCmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Run a batch of scenarios from a YAML or JSON file",
		Long: `Run every scenario of a batch file in order. Each scenario applies its
config_overrides, anomalies and execution settings on top of the base configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: commands.RunBatch,
	}
	batchCmd.Flags().Bool("stop-on-failure", false, "Skip the remaining scenarios after a failure")
	batchCmd.Flags().Duration("delay", 2*time.Second, "Pause between scenarios")
	batchCmd.Flags().String("output", "", "Write the batch result as JSON to this file")
	batchCmd.Flags().String("id", "", "Batch identifier (generated when empty)")
	viper.BindPFlag("batch.stop_on_failure", batchCmd.Flags().Lookup("stop-on-failure"))
	viper.BindPFlag("batch.delay", batchCmd.Flags().Lookup("delay"))
	viper.BindPFlag("batch.output", batchCmd.Flags().Lookup("output"))
	viper.BindPFlag("batch.id", batchCmd.Flags().Lookup("id"))
	batchCmd.Flags().String("html-dir", "", "Render an HTML dashboard of the result into this directory")
	viper.BindPFlag("batch.html_dir", batchCmd.Flags().Lookup("html-dir"))
	rootCmd.AddCommand(batchCmd)

	// schedule
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run sessions on a schedule",
		Long: `Run the configured session repeatedly, every fixed interval (--every) or at the
times of a cron expression (--cron), until --max-runs is reached or Ctrl+C is pressed.`,
		RunE: commands.RunSchedule,
	}
	scheduleCmd.Flags().Duration("every", 0, "Run interval (e.g. 1m)")
	scheduleCmd.Flags().String("cron", "", "Cron expression 'minute hour day month weekday'")
	scheduleCmd.Flags().Duration("delay", 0, "Run once after this delay")
	scheduleCmd.Flags().Int("max-runs", 0, "Stop after this many runs (0 = unlimited)")
	scheduleCmd.Flags().Bool("immediate", true, "Start the first periodic run immediately")
	scheduleCmd.Flags().String("name", "", "Task name")
	viper.BindPFlag("schedule.every", scheduleCmd.Flags().Lookup("every"))
	viper.BindPFlag("schedule.cron", scheduleCmd.Flags().Lookup("cron"))
	viper.BindPFlag("schedule.delay", scheduleCmd.Flags().Lookup("delay"))
	viper.BindPFlag("schedule.max_runs", scheduleCmd.Flags().Lookup("max-runs"))
	viper.BindPFlag("schedule.immediate", scheduleCmd.Flags().Lookup("immediate"))
	viper.BindPFlag("schedule.name", scheduleCmd.Flags().Lookup("name"))
	rootCmd.AddCommand(scheduleCmd)

	// stability
	stabilityCmd := &cobra.Command{
		Use:   "stability",
		Short: "Run a long stability test",
		Long: `Keep a session sending for the target duration, restarting it when it ends,
while taking checkpoints of throughput, errors and memory. Findings and checkpoints are
exported to the report directory.`,
		RunE: commands.RunStability,
	}
	stabilityCmd.Flags().String("name", "stability_test", "Test name used in report file names")
	stabilityCmd.Flags().Duration("duration", 72*time.Hour, "Target duration")
	stabilityCmd.Flags().Duration("checkpoint", 15*time.Minute, "Checkpoint interval")
	stabilityCmd.Flags().Duration("report-interval", time.Hour, "Periodic report interval")
	stabilityCmd.Flags().String("report-dir", "reports/stability", "Report directory")
	stabilityCmd.Flags().Float64("memory-limit", 0, "Abort when RSS exceeds this many MB (0 = unlimited)")
	viper.BindPFlag("stability.name", stabilityCmd.Flags().Lookup("name"))
	viper.BindPFlag("stability.duration", stabilityCmd.Flags().Lookup("duration"))
	viper.BindPFlag("stability.checkpoint", stabilityCmd.Flags().Lookup("checkpoint"))
	viper.BindPFlag("stability.report_interval", stabilityCmd.Flags().Lookup("report-interval"))
	viper.BindPFlag("stability.report_dir", stabilityCmd.Flags().Lookup("report-dir"))
	viper.BindPFlag("stability.memory_limit", stabilityCmd.Flags().Lookup("memory-limit"))
	stabilityCmd.Flags().String("html-dir", "", "Render an HTML dashboard of the final report into this directory")
	viper.BindPFlag("stability.html_dir", stabilityCmd.Flags().Lookup("html-dir"))
	rootCmd.AddCommand(stabilityCmd)

	// config
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE:  commands.ConfigShow,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration against the registered plugins",
		RunE:  commands.ConfigValidate,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "export <file>",
		Short: "Write the effective configuration as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  commands.ConfigExport,
	})
	rootCmd.AddCommand(configCmd)

	// logs
	rootCmd.AddCommand(&cobra.Command{
		Use:   "logs",
		Short: "Summarize the log files in --log-dir",
		RunE:  commands.AnalyzeLogs,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
