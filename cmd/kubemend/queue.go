package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kubemend/kubemend/internal/queue"
	"github.com/kubemend/kubemend/internal/sched"
)

var queueFlags struct {
	dbPath    string
	alpha     float64
	kevWeight float64
	outFile   string
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and operate the rollout queue",
}

var queueInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the queue schema if absent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueStore().Init(cmdContext())
	},
}

var queuePickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Print the top-priority queued fix without changing its state",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := sched.DefaultParams()
		params.Alpha = queueFlags.alpha
		params.KEVWeight = queueFlags.kevWeight

		item, err := queueStore().PickNext(cmdContext(), params)
		if err != nil {
			return err
		}
		if item == nil {
			log.Info().Msg("Queue is empty")
			return nil
		}
		return writeJSON(queueFlags.outFile, item)
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued fixes with recomputed wait times",
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := queueStore().List(cmdContext())
		if err != nil {
			return err
		}
		return writeJSON(queueFlags.outFile, items)
	},
}

var queueCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Remove a fix from the queue (the explicit operator transition)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueStore().Complete(cmdContext(), args[0])
	},
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueFlags.dbPath, "db", "kubemend.db", "queue database path")
	queueCmd.PersistentFlags().StringVar(&queueFlags.outFile, "out", "", "write JSON output to this file (default stdout)")
	queuePickCmd.Flags().Float64Var(&queueFlags.alpha, "alpha", sched.DefaultParams().Alpha, "aging weight")
	queuePickCmd.Flags().Float64Var(&queueFlags.kevWeight, "kev-weight", sched.DefaultParams().KEVWeight, "flat boost for KEV-class fixes")
	queueCmd.AddCommand(queueInitCmd, queuePickCmd, queueListCmd, queueCompleteCmd)
}

func queueStore() *queue.Store {
	return queue.New(queueFlags.dbPath, log.Logger)
}

// cmdContext returns a context cancelled on SIGINT/SIGTERM.
func cmdContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}
