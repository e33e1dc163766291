package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/broker"
	"github.com/zulandar/bodega/internal/tasks"
)

// Periodic kicks. The scheduler sweep and the time limit pass run often;
// the cleanup sweep mostly finds nothing and can afford a longer gap.
var periodicTasks = []struct {
	Schedule string
	Name     string
}{
	{"@every 1m", tasks.TaskFulfillOpenOrders},
	{"@every 1m", tasks.TaskProcessOrderTimeLimits},
	{"@every 5m", tasks.TaskProcessItemsCleanup},
}

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the Bodega task workers",
		Long:  "Runs the dispatcher pool that executes queued tasks, plus the cron loop publishing the periodic sweeps.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	codec, err := loadCodec()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.New(ctx, cfg, codec, out)
	if err != nil {
		return err
	}

	d := tasks.NewDispatcher(gormDB)
	d.Workers = cfg.Workers.Count
	d.PollInterval = cfg.Workers.PollInterval.Std()
	d.GraceWindow = cfg.Workers.GraceWindow.Std()
	d.Out = out
	b.RegisterHandlers(d)

	c := newPeriodicPublisher(gormDB, out)
	c.Start()
	defer c.Stop()

	return d.Run(ctx)
}

// newPeriodicPublisher builds the cron loop that keeps the sweep tasks
// flowing. A sweep is skipped while its previous run is still in the
// queue, so a slow pass never stacks duplicates behind itself.
func newPeriodicPublisher(gormDB *gorm.DB, out io.Writer) *cron.Cron {
	c := cron.New()
	for _, pt := range periodicTasks {
		name := pt.Name
		c.AddFunc(pt.Schedule, func() {
			pending, err := tasks.HasUnreadyTask(gormDB, name, nil)
			if err != nil {
				fmt.Fprintf(out, "periodic %s: %v\n", name, err)
				return
			}
			if pending {
				return
			}
			if _, err := tasks.Publish(gormDB, tasks.Signature{Name: name}); err != nil {
				fmt.Fprintf(out, "periodic %s: %v\n", name, err)
			}
		})
	}
	return c
}
