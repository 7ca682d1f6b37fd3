/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logs.go
Description: Logs command implementation. Summarizes the rotated log files of --log-dir:
file statistics followed by level and event counts.
*/

package commands

import (
	"fmt"

	"github.com/kleascm/packetstorm/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AnalyzeLogs prints statistics and an event summary of the log directory
func AnalyzeLogs(cmd *cobra.Command, args []string) error {
	dir := viper.GetString("log_dir")
	if dir == "" {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		dir = cfg.Global.LogDir
	}
	if dir == "" {
		return fmt.Errorf("no log directory: pass --log-dir or set global.log_dir")
	}

	stats, err := logging.GetLogStats(dir)
	if err != nil {
		return err
	}
	fmt.Printf("📁 Log Files (%s)\n", dir)
	fmt.Println("===============")
	fmt.Printf("  Files:        %d (%d compressed)\n", stats.TotalFiles, stats.CompressedFiles)
	fmt.Printf("  Total Size:   %d bytes\n", stats.TotalSize)
	if stats.TotalFiles > 0 {
		fmt.Printf("  Oldest:       %s\n", stats.OldestFile.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Newest:       %s\n", stats.NewestFile.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	analysis, err := logging.AnalyzeLogs(dir)
	if err != nil {
		return err
	}
	fmt.Println(analysis.Summary())
	return nil
}
