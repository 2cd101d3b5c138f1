package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tutu-network/gpugov/internal/app/status"
	"github.com/tutu-network/gpugov/internal/daemon"
	"github.com/tutu-network/gpugov/internal/domain"
)

func init() {
	statusCmd.Flags().BoolVar(&jsonOut, "json", false, "Print rows as JSON")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"ps"},
	Short:   "Show every active machine with its idle verdict",
	RunE:    runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	rows, err := status.Build(d.DB, d.Reaper)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No active machines. Run 'gpugov reconcile' to refresh from the provider.")
		return nil
	}

	w := newTable("STATE\tACCOUNT\tMACHINE\tIP\tTYPE\tKEY\tKEY COST\tSAMPLES\tNOW\t1H\tIDLE\tTERMINATE IN\tDISK")
	for _, r := range rows {
		m := r.Machine
		ev := r.Evaluation
		key, cost := "-", "-"
		if r.Key != "" {
			key, cost = r.Key, domain.FormatMoney(r.KeyCost)
		}
		disk := "-"
		if r.Disk != nil {
			disk = fmt.Sprintf("%.0f%% of %s", r.Disk.UsedPercent(), humanBytes(r.Disk.TotalBytes))
		}
		until := durationPtr(ev.UntilTerminate)
		if ev.Allowlisted {
			until = "allowlisted"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Label, m.Account, m.DisplayName(), dash(m.IP), dash(m.InstanceType),
			key, cost, ev.Points,
			percentPtr(ev.Current), percentPtr(ev.HourAvg), durationPtr(ev.IdleFor),
			until, disk,
		)
	}
	return w.Flush()
}
