/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: schedule.go
Description: Schedule command implementation. Registers the configured session as a
delayed, periodic or cron task and runs the scheduler until the task is finished or the
process is interrupted.
*/

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// schedulePoll is how often the command checks whether its task has finished
const schedulePoll = 500 * time.Millisecond

// RunSchedule runs the configured session on a schedule
func RunSchedule(cmd *cobra.Command, args []string) error {
	fmt.Println("🚀 Packet Storm - Scheduled Sessions")
	fmt.Println("====================================")
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
	if _, err := cfg.Validate(regs.Protocols.Names(), regs.Transports.Names()); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ep, err := startMetrics(logger)
	if err != nil {
		return err
	}
	defer ep.Close()

	sched := core.NewScheduler(logger)
	sched.SetMetrics(ep.metrics)

	name := viper.GetString("schedule.name")
	if name == "" {
		name = cfg.Protocol.Type + " session"
	}
	fn := sessionTask(cfg, regs, ep.metrics, logger)

	every := viper.GetDuration("schedule.every")
	cronExpr := viper.GetString("schedule.cron")
	delay := viper.GetDuration("schedule.delay")
	maxRuns := viper.GetInt("schedule.max_runs")

	var id string
	switch {
	case cronExpr != "":
		id, err = sched.AddCron(name, cronExpr, maxRuns, fn)
	case every > 0:
		id, err = sched.AddPeriodic(name, every, maxRuns, viper.GetBool("schedule.immediate"), fn)
	case delay > 0:
		id = sched.AddDelayed(name, delay, fn)
	default:
		return fmt.Errorf("one of --every, --cron or --delay is required")
	}
	if err != nil {
		return err
	}

	info, err := sched.Get(id)
	if err != nil {
		return err
	}
	fmt.Printf("🗓️  Task %s (%s, %s)\n", info.ID, info.Name, info.Kind)
	if info.NextRun != nil {
		fmt.Printf("   Next run: %s\n", info.NextRun.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	ctx, cancel := SignalContext()
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	ticker := time.NewTicker(schedulePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n🛑 Received shutdown signal, stopping scheduler...")
			sched.Stop()
			printTask(sched, id)
			return nil
		case <-ticker.C:
			info, err := sched.Get(id)
			if err != nil {
				return err
			}
			switch info.State {
			case core.TaskCompleted, core.TaskFailed, core.TaskCancelled:
				printTask(sched, id)
				if info.State == core.TaskFailed {
					return fmt.Errorf("task failed: %s", info.LastError)
				}
				fmt.Println("\n✨ Schedule completed!")
				return nil
			}
		}
	}
}

// sessionTask runs one complete engine session per invocation
func sessionTask(base *config.Config, regs *core.Registries, metrics *monitoring.Metrics, logger *logrus.Logger) core.TaskFunc {
	return func(ctx context.Context) error {
		eng, err := core.NewEngine(base.Clone(), regs, logger)
		if err != nil {
			return err
		}
		eng.AddReporter(core.NewMetricsReporter(metrics))
		if err := eng.Setup(); err != nil {
			return err
		}
		defer eng.Stop()
		if err := eng.Start(); err != nil {
			return err
		}
		// ctx ends with the scheduler; Stop below finishes the session either way
		eng.Wait(ctx)
		eng.Stop()

		st := eng.Status()
		if st.Session == nil {
			return nil
		}
		fmt.Printf("✅ Session %s: %s, %d sent, %d failed\n",
			st.Session.SessionID, st.Session.State, st.Session.Stats.PacketsSent, st.Session.Stats.PacketsFailed)
		if st.Session.State == core.StateError {
			return fmt.Errorf("session %s ended in ERROR state", st.Session.SessionID)
		}
		return nil
	}
}

func printTask(sched *core.Scheduler, id string) {
	info, err := sched.Get(id)
	if err != nil {
		return
	}
	fmt.Println("\n📊 Task Summary")
	fmt.Println("===============")
	fmt.Printf("  Task:      %s\n", info.ID)
	fmt.Printf("  State:     %s\n", info.State)
	fmt.Printf("  Runs:      %d\n", info.RunCount)
	if info.LastRun != nil {
		fmt.Printf("  Last Run:  %s\n", info.LastRun.Format("2006-01-02 15:04:05"))
	}
	if info.LastError != "" {
		fmt.Printf("  Error:     %s\n", info.LastError)
	}
}
