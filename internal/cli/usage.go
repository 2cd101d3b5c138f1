package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tutu-network/gpugov/internal/daemon"
	"github.com/tutu-network/gpugov/internal/domain"
)

func init() {
	usageCmd.Flags().StringVar(&usageSince, "since", "24h", "Start of the window: a duration (24h, 7d) or a date (2006-01-02)")
	usageCmd.Flags().StringVar(&usageBy, "by", "key", "Group by 'key' or 'account'")
	usageCmd.Flags().BoolVar(&jsonOut, "json", false, "Print usage as JSON")
	rootCmd.AddCommand(usageCmd)
}

var (
	usageSince string
	usageBy    string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Estimate spend since a point in time from sampled minutes",
	Long: `Estimate spend per ownership key or account from the minutes a machine
was sampled since --since. This view is advisory; budgets are enforced on the
running ledger.`,
	RunE: runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	since, err := parseSince(usageSince, time.Now())
	if err != nil {
		return err
	}
	scope := domain.Scope(usageBy)
	if scope != domain.ScopeKey && scope != domain.ScopeAccount {
		return fmt.Errorf("invalid --by %q: use key or account", usageBy)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	usage, err := d.Ledger.UsageSince(since, scope)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(usage)
	}
	if len(usage) == 0 {
		fmt.Printf("No sampled usage since %s.\n", since.Format("2006-01-02 15:04"))
		return nil
	}

	var total float64
	w := newTable(strings.ToUpper(usageBy) + "\tHOURS\tCOST\tMACHINES")
	for _, u := range usage {
		total += u.CostCents
		names := slices.Sorted(maps.Keys(u.Machines))
		parts := make([]string, 0, len(names))
		for _, n := range names {
			parts = append(parts, fmt.Sprintf("%s (%.1fh)", n, u.Machines[n]))
		}
		fmt.Fprintf(w, "%s\t%.1f\t%s\t%s\n",
			u.Identity, u.Hours, domain.FormatMoney(int64(u.CostCents+0.5)), strings.Join(parts, ", "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("Total since %s: %s\n", since.Format("2006-01-02 15:04"), domain.FormatMoney(int64(total+0.5)))
	return nil
}
