package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tutu-network/gpugov/internal/daemon"
	"github.com/tutu-network/gpugov/internal/domain"
)

func init() {
	reconcileCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	reapCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate without terminating")
	reapCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	enforceCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate without alerting or terminating")
	enforceCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(reconcileCmd, reapCmd, enforceCmd)
}

var (
	dryRun  bool
	jsonOut bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass over every account",
	RunE:  runReconcile,
}

var reapCmd = &cobra.Command{
	Use:     "terminate-idle",
	Aliases: []string{"reap"},
	Short:   "Terminate machines idle past the policy",
	RunE:    runReap,
}

var enforceCmd = &cobra.Command{
	Use:   "enforce",
	Short: "Check budgets, send alerts and terminate over-budget machines",
	RunE:  runEnforce,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	rep, err := d.Reconcile(context.Background())
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rep)
	}

	w := newTable("ACCOUNT\tLISTED\tACTIVE\tMISSING\tACCRUED\tINIT\tSAMPLED\tERROR")
	for _, a := range rep.Accounts {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%d/%d\t%d/%d\t%s\n",
			a.Account, a.Listed, a.Active, a.Missing,
			domain.FormatMoney(a.Accrued.Cents),
			a.Initialized, a.Initialized+a.InitFailed,
			a.Sampling.Sampled, a.Sampling.Sampled+a.Sampling.Failed,
			dash(a.Error),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if rep.Pruned > 0 {
		fmt.Printf("Pruned %d samples past retention.\n", rep.Pruned)
	}
	if n := rep.Failed(); n > 0 {
		return fmt.Errorf("%d of %d accounts failed", n, len(rep.Accounts))
	}
	return nil
}

func runReap(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	rep, err := d.ReapIdle(context.Background(), dryRun)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rep)
	}

	w := newTable("MACHINE\tACCOUNT\tPOINTS\tIDLE\tRUNTIME\tDECISION")
	for _, dec := range rep.Decisions {
		ev := dec.Evaluation
		decision := ev.Reason
		switch {
		case dec.Error != "":
			decision = "failed: " + dec.Error
		case dec.Terminated:
			decision = "terminated"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			dec.Machine.DisplayName(), dec.Machine.Account,
			ev.WindowPoints, ev.RequiredPoints,
			durationPtr(ev.IdleFor), formatDuration(ev.Runtime), decision,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	prefix := ""
	if rep.DryRun {
		prefix = "[dry run] "
	}
	fmt.Printf("%sChecked %d, terminated %d, skipped %d, failed %d.\n",
		prefix, rep.Checked, rep.Terminated, rep.Skipped, rep.Failed)
	return nil
}

func runEnforce(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	rep, err := d.EnforceBudgets(context.Background(), dryRun)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rep)
	}

	w := newTable("SCOPE\tIDENTITY\tSPENT\tLIMIT\tSTATE\tALERTS\tTERMINATED\tERROR")
	for _, b := range rep.Budgets {
		state := "ok"
		if b.Over {
			state = "OVER"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			b.Scope, b.Identity,
			domain.FormatMoney(b.SpentCents), domain.FormatMoney(b.LimitCents),
			state, b.Notifications, b.Terminated, dash(b.Error),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if rep.DryRun {
		fmt.Println("[dry run] no alerts sent and no machines terminated.")
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d budget actions failed", rep.Failed)
	}
	return nil
}
